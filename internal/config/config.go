package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"ratelimit-service/internal/util"
)

// Store backends
const (
	BackendSQL    = "sql"
	BackendRedis  = "redis"
	BackendScylla = "scylla"
	BackendMemory = "memory"
)

type Config struct {
	Environment   string
	Logging       LoggingConfig
	Server        ServerConfig
	Store         StoreConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	KeyDerivation KeyDerivationConfig
	Sweeper       SweeperConfig
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type StoreConfig struct {
	Backend string
	// Timeout bounds every individual store call made by the limiter.
	Timeout time.Duration
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
	Path     string // sqlite file
	MaxConns int
	MaxIdle  int
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
	UseTLS   bool
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type KeyDerivationConfig struct {
	// Pepper is base64 (local) or a base64 KMS ciphertext when KMS is enabled.
	Pepper string
}

type SweeperConfig struct {
	Enabled  bool
	Schedule string
	Grace    time.Duration
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		util.Debug("No .env file loaded", util.ErrorField(err))
	}

	return &Config{
		Environment: util.GetEnv("APP_ENV", "development"),
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "console"),
		},
		Server: ServerConfig{
			Port:         util.GetEnvInt("SERVER_PORT", 8080),
			TLSPort:      util.GetEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     util.GetEnvBool("SERVER_AUTO_CERT", false),
			Domain:       util.GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  util.GetEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:        util.GetEnv("SERVER_CERT_EMAIL", ""),
			ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Store: StoreConfig{
			Backend: util.GetEnv("STORE_BACKEND", BackendSQL),
			Timeout: util.GetEnvDuration("STORE_TIMEOUT", 5*time.Second),
		},
		Database: DatabaseConfig{
			Driver:   util.GetEnv("DB_DRIVER", "sqlite"),
			Host:     util.GetEnv("DB_HOST", "localhost"),
			Port:     util.GetEnvInt("DB_PORT", 0),
			Database: util.GetEnv("DB_NAME", "ratelimit"),
			Username: util.GetEnv("DB_USER", ""),
			Password: util.GetEnv("DB_PASSWORD", ""),
			SSLMode:  util.GetEnv("DB_SSLMODE", "prefer"),
			Path:     util.GetEnv("DB_PATH", "./ratelimit.db"),
			MaxConns: util.GetEnvInt("DB_MAX_CONNS", 25),
			MaxIdle:  util.GetEnvInt("DB_MAX_IDLE", 5),
		},
		Redis: RedisConfig{
			URL:       util.GetEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:  util.GetEnv("REDIS_PASSWORD", ""),
			DB:        util.GetEnvInt("REDIS_DB", 0),
			PoolSize:  util.GetEnvInt("REDIS_POOL_SIZE", 20),
			KeyPrefix: util.GetEnv("REDIS_KEY_PREFIX", "rl"),
		},
		Scylla: ScyllaConfig{
			Nodes:    util.GetEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "ratelimit"),
			Username: util.GetEnv("SCYLLA_USERNAME", ""),
			Password: util.GetEnv("SCYLLA_PASSWORD", ""),
			UseTLS:   util.GetEnvBool("SCYLLA_TLS", false),
		},
		Kafka: KafkaConfig{
			Enabled: util.GetEnvBool("KAFKA_ENABLED", false),
			Brokers: util.GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   util.GetEnv("KAFKA_BLOCK_TOPIC", "rate-limit-blocks"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  util.GetEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      util.GetEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "default"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  util.GetEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:      util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: util.GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password: util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    util.GetEnv("ELASTICSEARCH_BLOCK_INDEX", "rate-limit-blocks"),
		},
		KMS: KMSConfig{
			Enabled: util.GetEnvBool("KMS_ENABLED", false),
			KeyID:   util.GetEnv("KMS_KEY_ID", ""),
			Region:  util.GetEnv("AWS_REGION", "us-east-1"),
		},
		KeyDerivation: KeyDerivationConfig{
			Pepper: util.GetEnv("KEY_PEPPER", ""),
		},
		Sweeper: SweeperConfig{
			Enabled:  util.GetEnvBool("SWEEPER_ENABLED", true),
			Schedule: util.GetEnv("SWEEPER_SCHEDULE", "@every 10m"),
			Grace:    util.GetEnvDuration("SWEEPER_GRACE", time.Hour),
		},
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQL:
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("invalid database driver %q (valid: postgres, mysql, sqlite)", c.Database.Driver)
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis url is required for the redis backend")
		}
	case BackendScylla:
		if len(c.Scylla.Nodes) == 0 {
			return fmt.Errorf("at least one scylla node is required for the scylla backend")
		}
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory backend is not allowed in production")
		}
	default:
		return fmt.Errorf("invalid store backend %q (valid: sql, redis, scylla, memory)", c.Store.Backend)
	}

	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka is enabled but no brokers are configured")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("kms is enabled but KMS_KEY_ID is empty")
	}
	if c.IsProduction() && c.KeyDerivation.Pepper == "" {
		return fmt.Errorf("KEY_PEPPER is required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
