package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ratelimit-service/internal/hashing"
	"ratelimit-service/internal/ratelimit"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)

type testServer struct {
	router  chi.Router
	limiter *ratelimit.Limiter
	store   *ratelimit.MemoryStore
}

type staticHealth map[string]error

func (s staticHealth) HealthCheck(context.Context) map[string]error {
	return s
}

func newTestServer(t *testing.T, health HealthChecker) *testServer {
	t.Helper()
	store := ratelimit.NewMemoryStore()
	limiter := ratelimit.NewLimiter(store, ratelimit.DefaultRules(),
		ratelimit.WithClock(func() time.Time { return testNow }))
	deriver, err := hashing.NewDeriver([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	h := NewRateLimitHandler(limiter, deriver, zap.NewNop())
	router := NewRouter(h, RouterOptions{
		Health: health,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
	}, zap.NewNop())
	return &testServer{router: router, limiter: limiter, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp Response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func decodeData(t *testing.T, resp Response, into interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, into))
}

func TestConsume_AllowsThenReturns429(t *testing.T) {
	s := newTestServer(t, nil)
	body := map[string]interface{}{"scope": "LOGIN_IP", "key": "1.2.3.4", "window_seconds": 60}

	for i := 1; i <= 5; i++ {
		rec, resp := s.do(t, http.MethodPost, "/api/v1/ratelimit/consume", body)
		require.Equal(t, http.StatusOK, rec.Code, "attempt %d", i)
		var bucket ratelimit.Bucket
		decodeData(t, resp, &bucket)
		assert.Equal(t, int64(i), bucket.Count)
		assert.True(t, bucket.WindowStart.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	}

	rec, resp := s.do(t, http.MethodPost, "/api/v1/ratelimit/consume", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.False(t, resp.Success)

	var exceeded exceededResponse
	decodeData(t, resp, &exceeded)
	assert.True(t, exceeded.BlockedUntil.Equal(testNow.Add(time.Minute)))
	assert.Equal(t, int64(60), exceeded.RetryAfterSeconds)
}

func TestConsume_WithIdentifier(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := s.do(t, http.MethodPost, "/api/v1/ratelimit/consume", map[string]interface{}{
		"scope": "LOGIN_EMAIL", "identifier": " Bob@Example.com", "window_seconds": 300,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var bucket ratelimit.Bucket
	decodeData(t, resp, &bucket)
	assert.Len(t, bucket.Key, 64)
	assert.NotContains(t, bucket.Key, "bob")

	rec, _ = s.do(t, http.MethodPost, "/api/v1/ratelimit/consume", map[string]interface{}{
		"scope": "LOGIN_IP", "identifier": "not-an-ip", "window_seconds": 60,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/ratelimit/consume", map[string]interface{}{
		"scope": "LOGIN_IP", "identifier": "1.2.3.4", "key": "k", "window_seconds": 60,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsume_ValidationErrors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"unknown scope", map[string]interface{}{"scope": "SIGNUP_IP", "key": "k", "window_seconds": 60}},
		{"missing key", map[string]interface{}{"scope": "LOGIN_IP", "window_seconds": 60}},
		{"zero window", map[string]interface{}{"scope": "LOGIN_IP", "key": "k", "window_seconds": 0}},
		{"negative increment", map[string]interface{}{"scope": "LOGIN_IP", "key": "k", "window_seconds": 60, "increment": -1}},
		{"malformed body", "not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := s.do(t, http.MethodPost, "/api/v1/ratelimit/consume", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, resp.Success)
		})
	}
	assert.Equal(t, 0, s.store.Len())
}

func TestBucketCRUD(t *testing.T) {
	s := newTestServer(t, nil)
	windowStart := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	create := map[string]interface{}{
		"scope": "PASSWORD_RESET_EMAIL", "key": "k1",
		"window_start": windowStart, "window_seconds": 900, "count": 2,
	}

	rec, resp := s.do(t, http.MethodPost, "/api/v1/ratelimit/buckets", create)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created ratelimit.Bucket
	decodeData(t, resp, &created)
	require.NotEmpty(t, created.ID)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/ratelimit/buckets", create)
	assert.Equal(t, http.StatusConflict, rec.Code)

	q := url.Values{}
	q.Set("scope", "PASSWORD_RESET_EMAIL")
	q.Set("key", "k1")
	q.Set("window_start", windowStart.Format(time.RFC3339Nano))
	q.Set("window_seconds", "900")
	rec, resp = s.do(t, http.MethodGet, "/api/v1/ratelimit/buckets?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var found ratelimit.Bucket
	decodeData(t, resp, &found)
	assert.Equal(t, created.ID, found.ID)

	q.Set("key", "other")
	rec, _ = s.do(t, http.MethodGet, "/api/v1/ratelimit/buckets?"+q.Encode(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	q.Set("window_seconds", "abc")
	rec, _ = s.do(t, http.MethodGet, "/api/v1/ratelimit/buckets?"+q.Encode(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	blockedUntil := testNow.Add(time.Hour)
	rec, resp = s.do(t, http.MethodPatch, "/api/v1/ratelimit/buckets/"+created.ID, map[string]interface{}{
		"count": 7, "blocked_until": blockedUntil,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated ratelimit.Bucket
	decodeData(t, resp, &updated)
	assert.Equal(t, int64(7), updated.Count)
	require.NotNil(t, updated.BlockedUntil)
	assert.True(t, updated.BlockedUntil.Equal(blockedUntil))

	rec, _ = s.do(t, http.MethodPatch, "/api/v1/ratelimit/buckets/"+created.ID, map[string]interface{}{"key": "moved"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "tuple fields are immutable")

	rec, _ = s.do(t, http.MethodPatch, "/api/v1/ratelimit/buckets/missing", map[string]interface{}{"count": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp = s.do(t, http.MethodDelete, "/api/v1/ratelimit/buckets/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var affected affectedResponse
	decodeData(t, resp, &affected)
	assert.Equal(t, int64(1), affected.Affected)

	rec, _ = s.do(t, http.MethodGet, "/api/v1/ratelimit/buckets/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReset(t *testing.T) {
	s := newTestServer(t, nil)
	tuple := map[string]interface{}{
		"scope": "LOGIN_IP", "key": "1.2.3.4",
		"window_start": time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), "window_seconds": 60,
	}
	consume := map[string]interface{}{"scope": "LOGIN_IP", "key": "1.2.3.4", "window_seconds": 60}

	for i := 0; i < 6; i++ {
		s.do(t, http.MethodPost, "/api/v1/ratelimit/consume", consume)
	}
	rec, _ := s.do(t, http.MethodPost, "/api/v1/ratelimit/consume", consume)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	for _, want := range []int64{1, 0} {
		rec, resp := s.do(t, http.MethodPost, "/api/v1/ratelimit/reset", tuple)
		require.Equal(t, http.StatusOK, rec.Code)
		var affected affectedResponse
		decodeData(t, resp, &affected)
		assert.Equal(t, want, affected.Affected)
	}

	rec, _ = s.do(t, http.MethodPost, "/api/v1/ratelimit/consume", consume)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRulesHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := s.do(t, http.MethodGet, "/api/v1/ratelimit/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []ratelimit.ScopeRule
	decodeData(t, resp, &rules)
	assert.Len(t, rules, len(ratelimit.Scopes()))

	rec, _ = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())

	rec, _ = s.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	unhealthy := newTestServer(t, staticHealth{"store": errors.New("connection refused")})
	rec, _ = unhealthy.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status healthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "connection refused", status.Checks["store"])
}

func TestRequireHTTPS(t *testing.T) {
	h := NewRateLimitHandler(ratelimit.NewLimiter(ratelimit.NewMemoryStore(), nil), nil, zap.NewNop())
	router := NewRouter(h, RouterOptions{RequireHTTPS: true}, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}
