package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ratelimit-service/internal/client"
	"ratelimit-service/internal/config"
	"ratelimit-service/internal/encryption"
	"ratelimit-service/internal/events"
	"ratelimit-service/internal/hashing"
	"ratelimit-service/internal/metrics"
	"ratelimit-service/internal/ratelimit"
	redisstore "ratelimit-service/internal/repository/redis"
	"ratelimit-service/internal/repository/scylla"
	"ratelimit-service/internal/repository/sqlstore"
	"ratelimit-service/internal/sweeper"
	"ratelimit-service/internal/tls"
	"ratelimit-service/internal/util"
)

const healthCheckTimeout = 10 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Store backends; only the configured one is set.
	sqlStore     *sqlstore.BucketStore
	redisClient  *client.RedisClient
	scyllaClient *scylla.ScyllaClient
	store        ratelimit.Store

	// Block event sinks
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	notifier         *events.Fanout

	secretManager *encryption.SecretManager
	deriver       *hashing.Deriver
	metrics       *metrics.Metrics
	limiter       *ratelimit.Limiter
	sweeper       *sweeper.Sweeper

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration from the environment and initializes all
// application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return NewFactoryWithConfig(cfg)
}

func NewFactoryWithConfig(cfg *config.Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&cfg.Server, cfg.Environment)
	}

	if err := factory.initializeStore(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := factory.initializeNotifiers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize notifiers: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Int("block_event_sinks", factory.notifier.Len()),
	)

	return factory, nil
}

// initializeStore connects the configured bucket store. Unlike the event
// sinks, a store failure is always fatal.
func (f *Factory) initializeStore() error {
	timeout := f.config.Store.Timeout

	switch f.config.Store.Backend {
	case config.BackendSQL:
		db, err := sqlstore.Open(&f.config.Database)
		if err != nil {
			return fmt.Errorf("sql: %w", err)
		}
		store, err := sqlstore.NewBucketStore(db, f.config.Database.Dialect(), timeout)
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("sql: %w", err)
		}
		f.sqlStore = store
		f.store = store

	case config.BackendRedis:
		redisClient, err := client.NewRedisClient(f.config)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
		f.store = redisstore.NewBucketStore(redisClient.Client, redisClient.KeyPrefix(), timeout)

	case config.BackendScylla:
		scyllaClient, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		store, err := scylla.NewBucketStore(scyllaClient, timeout)
		if err != nil {
			scyllaClient.Close()
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
		f.store = store

	case config.BackendMemory:
		util.Warn("Using in-memory bucket store; limits are not shared between replicas")
		f.store = ratelimit.NewMemoryStore()

	default:
		return fmt.Errorf("unknown store backend %q", f.config.Store.Backend)
	}

	util.Info("Bucket store initialized", util.String("backend", f.config.Store.Backend))
	return nil
}

// initializeNotifiers connects the enabled block event sinks. Outside
// production a sink that fails to start is skipped with a warning.
func (f *Factory) initializeNotifiers() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f.notifier = events.NewFanout()
	var initErrors []error

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			f.notifier.Add("kafka", events.NewKafkaNotifier(producer))
			util.Info("Kafka producer initialized", util.String("topic", producer.Topic()))
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		// NewElasticsearchClient already verifies the cluster answers.
		if esClient, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
			f.notifier.Add("elasticsearch", events.NewElasticsearchNotifier(esClient, esClient.Index()))
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if notifier, err := events.NewClickHouseNotifier(ctx, chClient); err != nil {
			_ = chClient.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
			f.notifier.Add("clickhouse", notifier)
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers builds the key deriver, metrics, limiter and sweeper.
func (f *Factory) initializeManagers() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		c, err := encryption.NewKMSClient(ctx, f.config.KMS.Region)
		if err != nil {
			return err
		}
		kmsClient = c
	}
	f.secretManager = encryption.NewSecretManager(&f.config.KMS, kmsClient)

	pepper, err := f.loadPepper(ctx)
	if err != nil {
		return err
	}
	if f.deriver, err = hashing.NewDeriver(pepper); err != nil {
		return fmt.Errorf("key deriver: %w", err)
	}

	f.metrics = metrics.NewMetrics()

	opts := []ratelimit.Option{ratelimit.WithObserver(f.metrics)}
	if f.notifier.Len() > 0 {
		opts = append(opts, ratelimit.WithNotifier(f.notifier))
	}
	f.limiter = ratelimit.NewLimiter(f.store, ratelimit.DefaultRules(), opts...)

	if f.config.Sweeper.Enabled {
		s, err := sweeper.New(f.store, f.config.Sweeper, sweeper.WithSweptHook(f.metrics.ObserveSwept))
		if err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return err
		}
		f.sweeper = s
	}

	util.Info("Managers initialized successfully",
		util.Bool("sweeper_enabled", f.sweeper != nil),
		util.Bool("notifier_enabled", f.notifier.Len() > 0),
	)
	return nil
}

// loadPepper unwraps KEY_PEPPER. Without one, development runs get a random
// pepper, so derived keys do not survive a restart.
func (f *Factory) loadPepper(ctx context.Context) ([]byte, error) {
	if f.config.KeyDerivation.Pepper != "" {
		pepper, err := f.secretManager.Unwrap(ctx, f.config.KeyDerivation.Pepper)
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap key pepper: %w", err)
		}
		return pepper, nil
	}
	if f.config.IsProduction() {
		return nil, fmt.Errorf("KEY_PEPPER is required in production")
	}

	util.Warn("KEY_PEPPER not set; using an ephemeral pepper")
	secret, err := encryption.NewSecretManager(&config.KMSConfig{}, nil).Generate(ctx)
	if err != nil {
		return nil, err
	}
	return secret.Plaintext, nil
}

// ==============================
// Health Checks
// ==============================

// HealthCheck runs every dependency check concurrently and returns the failures.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	checks := map[string]func(context.Context) error{}
	if f.store != nil {
		checks["store"] = f.store.HealthCheck
	}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}

	var (
		g            errgroup.Group
		mu           sync.Mutex
		healthErrors = make(map[string]error)
	)
	for name, check := range checks {
		g.Go(func() error {
			if err := check(ctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if f.store == nil {
		healthErrors["store"] = fmt.Errorf("bucket store not initialized")
	}
	if f.limiter == nil {
		healthErrors["limiter"] = fmt.Errorf("limiter not initialized")
	}
	return healthErrors
}

// IsHealthy ignores the block event sinks, which are best effort.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.sweeper != nil {
			f.sweeper.Stop()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.sqlStore != nil {
			if err := f.sqlStore.Close(); err != nil {
				util.Error("Failed to close database", util.ErrorField(err))
			} else {
				util.Info("Database closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.secretManager != nil {
			f.secretManager.ClearCache()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Store() ratelimit.Store {
	return f.store
}

func (f *Factory) Limiter() *ratelimit.Limiter {
	return f.limiter
}

func (f *Factory) Deriver() *hashing.Deriver {
	return f.deriver
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}

func (f *Factory) SecretManager() *encryption.SecretManager {
	return f.secretManager
}

func (f *Factory) Sweeper() *sweeper.Sweeper {
	return f.sweeper
}
