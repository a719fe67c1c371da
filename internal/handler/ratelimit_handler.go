package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ratelimit-service/internal/hashing"
	"ratelimit-service/internal/ratelimit"
	"ratelimit-service/internal/util"
)

// ScopedKeyDeriver turns a raw IP or email into a bucket key for a scope.
type ScopedKeyDeriver interface {
	DeriveForScope(scope ratelimit.Scope, identifier string) (string, error)
}

// RateLimitHandler exposes Consume and bucket maintenance over HTTP.
type RateLimitHandler struct {
	limiter *ratelimit.Limiter
	deriver ScopedKeyDeriver
	logger  *zap.Logger
}

func NewRateLimitHandler(limiter *ratelimit.Limiter, deriver ScopedKeyDeriver, logger *zap.Logger) *RateLimitHandler {
	return &RateLimitHandler{
		limiter: limiter,
		deriver: deriver,
		logger:  logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

var errIdentifierUnsupported = errors.New("identifier derivation is not configured")

type consumeRequest struct {
	Scope         ratelimit.Scope `json:"scope"`
	Key           string          `json:"key"`
	Identifier    string          `json:"identifier"`
	WindowStart   *time.Time      `json:"window_start"`
	WindowSeconds int64           `json:"window_seconds"`
	Increment     int64           `json:"increment"`
}

type tupleRequest struct {
	Scope         ratelimit.Scope `json:"scope"`
	Key           string          `json:"key"`
	WindowStart   time.Time       `json:"window_start"`
	WindowSeconds int64           `json:"window_seconds"`
}

func (t tupleRequest) tuple() ratelimit.Tuple {
	return ratelimit.Tuple{
		Scope:         t.Scope,
		Key:           t.Key,
		WindowStart:   t.WindowStart,
		WindowSeconds: t.WindowSeconds,
	}
}

type createBucketRequest struct {
	tupleRequest
	Count        int64      `json:"count"`
	BlockedUntil *time.Time `json:"blocked_until"`
}

type updateBucketRequest struct {
	Count             *int64     `json:"count"`
	BlockedUntil      *time.Time `json:"blocked_until"`
	ClearBlockedUntil bool       `json:"clear_blocked_until"`
}

type affectedResponse struct {
	Affected int64 `json:"affected"`
}

type exceededResponse struct {
	Scope             ratelimit.Scope `json:"scope"`
	BlockedUntil      time.Time       `json:"blocked_until"`
	RetryAfterSeconds int64           `json:"retry_after_seconds"`
}

// RegisterRoutes registers all rate limit routes
func (h *RateLimitHandler) RegisterRoutes(router chi.Router) {
	router.Route("/ratelimit", func(r chi.Router) {
		r.Get("/rules", h.ListRules)
		r.Post("/consume", h.Consume)
		r.Post("/reset", h.Reset)

		r.Route("/buckets", func(r chi.Router) {
			r.Post("/", h.CreateBucket)
			r.Get("/", h.FindBucket)
			r.Get("/{bucketID}", h.GetBucket)
			r.Patch("/{bucketID}", h.UpdateBucket)
			r.Delete("/{bucketID}", h.DeleteBucket)
		})
	})
}

// ListRules handles rule table retrieval
// @Summary List rate limit rules
// @Tags ratelimit
// @Produce json
// @Success 200 {object} Response
// @Router /ratelimit/rules [get]
func (h *RateLimitHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.limiter.Rules().All(), "Rules retrieved successfully"))
}

// Consume handles a single attempt against a bucket
// @Summary Consume from a rate limit bucket
// @Description Increments the bucket for the tuple and reports whether the attempt is allowed.
// Either key or identifier must be given; identifier is normalized and hashed per scope.
// @Tags ratelimit
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 429 {object} Response
// @Router /ratelimit/consume [post]
func (h *RateLimitHandler) Consume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	key, err := h.resolveKey(req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Invalid subject")
		return
	}
	if req.WindowSeconds < 1 {
		err := &ratelimit.ValidationError{Fields: []string{"window_seconds"}}
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid window")
		return
	}

	windowStart := ratelimit.WindowStart(h.limiter.Now(), req.WindowSeconds)
	if req.WindowStart != nil {
		windowStart = *req.WindowStart
	}

	bucket, err := h.limiter.Consume(r.Context(), ratelimit.ConsumeRequest{
		Scope:         req.Scope,
		Key:           key,
		WindowStart:   windowStart,
		WindowSeconds: req.WindowSeconds,
		Increment:     req.Increment,
	})
	if err != nil {
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			h.respondExceeded(w, exceeded)
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to consume")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(bucket, "Attempt allowed"))
}

func (h *RateLimitHandler) resolveKey(req consumeRequest) (string, error) {
	switch {
	case req.Key != "" && req.Identifier != "":
		return "", &ratelimit.ValidationError{Fields: []string{"key", "identifier"}}
	case req.Identifier == "":
		return req.Key, nil
	case !req.Scope.Valid():
		return "", &ratelimit.ValidationError{Fields: []string{"scope"}}
	case h.deriver == nil:
		return "", errIdentifierUnsupported
	default:
		return h.deriver.DeriveForScope(req.Scope, req.Identifier)
	}
}

func (h *RateLimitHandler) respondExceeded(w http.ResponseWriter, exceeded *ratelimit.ExceededError) {
	retryAfter := exceeded.RetryAfter(h.limiter.Now())
	seconds := int64(retryAfter / time.Second)

	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	h.respondWithJSON(w, http.StatusTooManyRequests, Response{
		Success: false,
		Error:   exceeded.Error(),
		Message: "Rate limit exceeded",
		Data: exceededResponse{
			Scope:             exceeded.Scope,
			BlockedUntil:      exceeded.BlockedUntil,
			RetryAfterSeconds: seconds,
		},
	})
}

// Reset handles bucket reset
// @Summary Reset a rate limit bucket
// @Tags ratelimit
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /ratelimit/reset [post]
func (h *RateLimitHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req tupleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	affected, err := h.limiter.Reset(r.Context(), req.tuple())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to reset bucket")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(affectedResponse{Affected: affected}, "Bucket reset"))
}

// CreateBucket handles bucket creation
// @Summary Create a rate limit bucket
// @Tags ratelimit
// @Accept json
// @Produce json
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /ratelimit/buckets [post]
func (h *RateLimitHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	var req createBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	bucket, err := h.limiter.CreateBucket(r.Context(), ratelimit.NewBucket{
		Tuple:        req.tuple(),
		Count:        req.Count,
		BlockedUntil: req.BlockedUntil,
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to create bucket")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(bucket, "Bucket created successfully"))
}

// FindBucket handles lookup by tuple
// @Summary Find a rate limit bucket by tuple
// @Tags ratelimit
// @Produce json
// @Param scope query string true "Scope"
// @Param key query string true "Bucket key"
// @Param window_start query string true "RFC3339 window start"
// @Param window_seconds query int true "Window length in seconds"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /ratelimit/buckets [get]
func (h *RateLimitHandler) FindBucket(w http.ResponseWriter, r *http.Request) {
	tuple, err := tupleFromQuery(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query")
		return
	}

	bucket, err := h.limiter.FindBucket(r.Context(), tuple)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to find bucket")
		return
	}
	if bucket == nil {
		h.respondWithError(w, http.StatusNotFound, ratelimit.ErrNotFound, "Bucket not found")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(bucket, "Bucket retrieved successfully"))
}

func tupleFromQuery(r *http.Request) (ratelimit.Tuple, error) {
	q := r.URL.Query()
	var invalid []string

	windowStart, err := time.Parse(time.RFC3339Nano, q.Get("window_start"))
	if err != nil {
		invalid = append(invalid, "window_start")
	}
	windowSeconds, err := strconv.ParseInt(q.Get("window_seconds"), 10, 64)
	if err != nil {
		invalid = append(invalid, "window_seconds")
	}
	if len(invalid) > 0 {
		return ratelimit.Tuple{}, &ratelimit.ValidationError{Fields: invalid}
	}

	return ratelimit.Tuple{
		Scope:         ratelimit.Scope(q.Get("scope")),
		Key:           q.Get("key"),
		WindowStart:   windowStart,
		WindowSeconds: windowSeconds,
	}, nil
}

// GetBucket handles lookup by id
// @Summary Get a rate limit bucket by ID
// @Tags ratelimit
// @Produce json
// @Param bucketID path string true "Bucket ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /ratelimit/buckets/{bucketID} [get]
func (h *RateLimitHandler) GetBucket(w http.ResponseWriter, r *http.Request) {
	bucket, err := h.limiter.GetBucket(r.Context(), chi.URLParam(r, "bucketID"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get bucket")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(bucket, "Bucket retrieved successfully"))
}

// UpdateBucket handles partial bucket updates
// @Summary Update a rate limit bucket
// @Description Only count and blocked_until can change.
// @Tags ratelimit
// @Accept json
// @Produce json
// @Param bucketID path string true "Bucket ID"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /ratelimit/buckets/{bucketID} [patch]
func (h *RateLimitHandler) UpdateBucket(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	var req updateBucketRequest
	if err := decoder.Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	bucket, err := h.limiter.UpdateBucket(r.Context(), chi.URLParam(r, "bucketID"), ratelimit.BucketUpdate{
		Count:             req.Count,
		BlockedUntil:      req.BlockedUntil,
		ClearBlockedUntil: req.ClearBlockedUntil,
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update bucket")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(bucket, "Bucket updated successfully"))
}

// DeleteBucket handles bucket deletion
// @Summary Delete a rate limit bucket
// @Tags ratelimit
// @Produce json
// @Param bucketID path string true "Bucket ID"
// @Success 200 {object} Response
// @Router /ratelimit/buckets/{bucketID} [delete]
func (h *RateLimitHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	affected, err := h.limiter.DeleteBucket(r.Context(), chi.URLParam(r, "bucketID"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to delete bucket")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(affectedResponse{Affected: affected}, "Bucket deleted"))
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// respondWithJSON sends a JSON response
func (h *RateLimitHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	if err := writeJSON(w, statusCode, data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *RateLimitHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	} else {
		h.logger.Debug("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *RateLimitHandler) getStatusCode(err error) int {
	switch {
	case ratelimit.IsValidation(err), errors.Is(err, hashing.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, errIdentifierUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, ratelimit.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ratelimit.ErrDuplicateBucket):
		return http.StatusConflict
	case ratelimit.IsExceeded(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
