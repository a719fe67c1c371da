package factory

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimit-service/internal/config"
	"ratelimit-service/internal/ratelimit"
	"ratelimit-service/internal/repository/sqlstore"
)

func baseConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Store:       config.StoreConfig{Backend: config.BackendMemory, Timeout: time.Second},
		Sweeper:     config.SweeperConfig{Enabled: true, Schedule: "@every 1h", Grace: time.Hour},
	}
}

func consumeOnce(t *testing.T, f *Factory) {
	t.Helper()
	key, err := f.Deriver().DeriveForScope(ratelimit.ScopeLoginIP, "1.2.3.4")
	require.NoError(t, err)
	bucket, err := f.Limiter().Consume(context.Background(), ratelimit.ConsumeRequest{
		Scope:         ratelimit.ScopeLoginIP,
		Key:           key,
		WindowStart:   ratelimit.WindowStart(time.Now(), 60),
		WindowSeconds: 60,
	})
	require.NoError(t, err)
	require.NotNil(t, bucket)
	assert.Equal(t, int64(1), bucket.Count)
}

func TestNewFactory_MemoryBackend(t *testing.T) {
	f, err := NewFactoryWithConfig(baseConfig())
	require.NoError(t, err)
	defer f.Close()

	assert.NotNil(t, f.Sweeper())
	assert.NotNil(t, f.Metrics())
	assert.Nil(t, f.TLSManager())
	consumeOnce(t, f)

	assert.Empty(t, f.HealthCheck(context.Background()))
	assert.True(t, f.IsHealthy(context.Background()))

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
}

func TestNewFactory_SQLiteBackendWithPepper(t *testing.T) {
	cfg := baseConfig()
	cfg.Store.Backend = config.BackendSQL
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "rl.db")}
	cfg.KeyDerivation.Pepper = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	cfg.Sweeper.Enabled = false

	f, err := NewFactoryWithConfig(cfg)
	require.NoError(t, err)
	defer f.Close()

	_, ok := f.Store().(*sqlstore.BucketStore)
	assert.True(t, ok)
	assert.Nil(t, f.Sweeper())
	consumeOnce(t, f)

	// the same pepper always yields the same key
	other, err := NewFactoryWithConfig(configWithPepper(cfg.KeyDerivation.Pepper))
	require.NoError(t, err)
	defer other.Close()
	mine, err := f.Deriver().DeriveEmailKey("x@example.com")
	require.NoError(t, err)
	theirs, err := other.Deriver().DeriveEmailKey("x@example.com")
	require.NoError(t, err)
	assert.Equal(t, mine, theirs)
}

func configWithPepper(pepper string) *config.Config {
	cfg := baseConfig()
	cfg.KeyDerivation.Pepper = pepper
	return cfg
}

func TestNewFactory_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig()
	cfg.Store.Backend = config.BackendRedis
	cfg.Redis = config.RedisConfig{URL: "redis://" + mr.Addr(), KeyPrefix: "rltest"}

	f, err := NewFactoryWithConfig(cfg)
	require.NoError(t, err)
	defer f.Close()

	consumeOnce(t, f)
	assert.NotEmpty(t, mr.Keys())

	mr.Close()
	health := f.HealthCheck(context.Background())
	assert.Contains(t, health, "store")
	assert.Contains(t, health, "redis")
	assert.False(t, f.IsHealthy(context.Background()))
}

func TestNewFactory_RejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Store.Backend = "etcd"
	_, err := NewFactoryWithConfig(cfg)
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.KeyDerivation.Pepper = "not base64!"
	_, err = NewFactoryWithConfig(cfg)
	assert.Error(t, err)
}

func TestNewFactory_ElasticsearchCheckedOnce(t *testing.T) {
	var infoCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/" {
			infoCalls.Add(1)
			_, _ = w.Write([]byte(`{"version":{"number":"8.19.0","build_flavor":"default"},"tagline":"You Know, for Search"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.Elasticsearch = config.ElasticsearchConfig{Enabled: true, URL: srv.URL, Index: "blocks"}

	f, err := NewFactoryWithConfig(cfg)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int32(1), infoCalls.Load())
	consumeOnce(t, f)
}
