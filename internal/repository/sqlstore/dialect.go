package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

const (
	pgUniqueViolation    = "23505"
	mysqlDuplicateEntry  = 1062
	bucketColumns        = "id, scope, bucket_key, window_start, window_seconds, window_end, count, blocked_until, created_at, updated_at"
	bucketUniqueColumns  = "scope, bucket_key, window_start, window_seconds"
	bucketTupleCondition = "scope = ? AND bucket_key = ? AND window_start = ? AND window_seconds = ?"
)

func normalizeDialect(dialect string) (string, error) {
	switch dialect {
	case DialectPostgres, "pgx":
		return DialectPostgres, nil
	case DialectMySQL:
		return DialectMySQL, nil
	case DialectSQLite, "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *BucketStore) rebind(query string) string {
	if s.dialect == DialectPostgres {
		return convertToPostgresPlaceholders(query)
	}
	return query
}

// upsertIncrementQuery inserts a fresh bucket or adds the inserted count to
// the existing row in one statement, keyed by the unique tuple index.
func (s *BucketStore) upsertIncrementQuery() string {
	insert := "INSERT INTO rate_limit_buckets (id, scope, bucket_key, window_start, window_seconds, window_end, count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"

	switch s.dialect {
	case DialectPostgres:
		return convertToPostgresPlaceholders(insert + `
ON CONFLICT (` + bucketUniqueColumns + `) DO UPDATE SET
    count = rate_limit_buckets.count + EXCLUDED.count,
    updated_at = EXCLUDED.updated_at`)
	case DialectMySQL:
		return insert + `
ON DUPLICATE KEY UPDATE
    count = count + VALUES(count),
    updated_at = VALUES(updated_at)`
	default:
		return insert + `
ON CONFLICT (` + bucketUniqueColumns + `) DO UPDATE SET
    count = count + excluded.count,
    updated_at = excluded.updated_at`
	}
}

func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// isUniqueViolation recognizes the duplicate-key error of every supported driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
