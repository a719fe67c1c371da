package sqlstore

// The tuple uniqueness lives in the table definition so concurrent first
// consumes of one tuple always converge on a single row. window_end is stored
// so the expiry sweep needs no dialect-specific date arithmetic.

const createBucketsPostgresSQL = `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
    id VARCHAR(36) PRIMARY KEY,
    scope VARCHAR(32) NOT NULL,
    bucket_key VARCHAR(128) NOT NULL,
    window_start TIMESTAMPTZ(3) NOT NULL,
    window_seconds BIGINT NOT NULL,
    window_end TIMESTAMPTZ(3) NOT NULL,
    count BIGINT NOT NULL DEFAULT 0,
    blocked_until TIMESTAMPTZ(3) NULL,
    created_at TIMESTAMPTZ(3) NOT NULL,
    updated_at TIMESTAMPTZ(3) NOT NULL,
    CONSTRAINT uq_rate_limit_bucket UNIQUE (scope, bucket_key, window_start, window_seconds)
)`

const createBucketsMySQLSQL = `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
    id VARCHAR(36) PRIMARY KEY,
    scope VARCHAR(32) NOT NULL,
    bucket_key VARCHAR(128) NOT NULL,
    window_start DATETIME(3) NOT NULL,
    window_seconds BIGINT NOT NULL,
    window_end DATETIME(3) NOT NULL,
    count BIGINT NOT NULL DEFAULT 0,
    blocked_until DATETIME(3) NULL,
    created_at DATETIME(3) NOT NULL,
    updated_at DATETIME(3) NOT NULL,
    UNIQUE KEY uq_rate_limit_bucket (scope, bucket_key, window_start, window_seconds),
    KEY idx_rate_limit_buckets_window_end (window_end)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const createBucketsSQLiteSQL = `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
    id TEXT PRIMARY KEY,
    scope TEXT NOT NULL,
    bucket_key TEXT NOT NULL,
    window_start DATETIME NOT NULL,
    window_seconds INTEGER NOT NULL,
    window_end DATETIME NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    blocked_until DATETIME NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE (scope, bucket_key, window_start, window_seconds)
)`

const createWindowEndIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_rate_limit_buckets_window_end ON rate_limit_buckets(window_end)`

func schemaStatements(dialect string) []string {
	switch dialect {
	case DialectPostgres:
		return []string{createBucketsPostgresSQL, createWindowEndIndexSQL}
	case DialectMySQL:
		return []string{createBucketsMySQLSQL}
	default:
		return []string{createBucketsSQLiteSQL, createWindowEndIndexSQL}
	}
}
