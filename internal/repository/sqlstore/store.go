package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ratelimit-service/internal/ratelimit"
	"ratelimit-service/internal/util"
)

const defaultTimeout = 5 * time.Second

// BucketStore keeps rate limit buckets in a relational database.
type BucketStore struct {
	db      *sql.DB
	dialect string
	timeout time.Duration
}

var _ ratelimit.Store = (*BucketStore)(nil)

// NewBucketStore wraps db and creates the bucket table if needed.
func NewBucketStore(db *sql.DB, dialect string, timeout time.Duration) (*BucketStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	dialect, err := normalizeDialect(dialect)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	s := &BucketStore{db: db, dialect: dialect, timeout: timeout}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *BucketStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *BucketStore) Close() error {
	return s.db.Close()
}

func (s *BucketStore) Dialect() string {
	return s.dialect
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row rowScanner) (*ratelimit.Bucket, error) {
	var (
		b            ratelimit.Bucket
		scope        string
		windowEnd    time.Time
		blockedUntil sql.NullTime
	)
	if err := row.Scan(&b.ID, &scope, &b.Key, &b.WindowStart, &b.WindowSeconds, &windowEnd,
		&b.Count, &blockedUntil, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Scope = ratelimit.Scope(scope)
	b.WindowStart = ratelimit.NormalizeTime(b.WindowStart)
	b.CreatedAt = ratelimit.NormalizeTime(b.CreatedAt)
	b.UpdatedAt = ratelimit.NormalizeTime(b.UpdatedAt)
	if blockedUntil.Valid {
		t := ratelimit.NormalizeTime(blockedUntil.Time)
		b.BlockedUntil = &t
	}
	return &b, nil
}

func tupleArgs(t ratelimit.Tuple) []any {
	return []any{string(t.Scope), t.Key, ratelimit.NormalizeTime(t.WindowStart), t.WindowSeconds}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ratelimit.NormalizeTime(*t)
}

func (s *BucketStore) FindOne(ctx context.Context, tuple ratelimit.Tuple) (*ratelimit.Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.rebind("SELECT " + bucketColumns + " FROM rate_limit_buckets WHERE " + bucketTupleCondition)
	bucket, err := scanBucket(s.db.QueryRowContext(ctx, query, tupleArgs(tuple)...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		util.Error("Failed to find rate limit bucket",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to find rate limit bucket: %w", err)
	}
	return bucket, nil
}

func (s *BucketStore) FindByID(ctx context.Context, id string) (*ratelimit.Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.rebind("SELECT " + bucketColumns + " FROM rate_limit_buckets WHERE id = ?")
	bucket, err := scanBucket(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ratelimit.ErrNotFound
		}
		util.Error("Failed to get rate limit bucket", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get rate limit bucket: %w", err)
	}
	return bucket, nil
}

func (s *BucketStore) Create(ctx context.Context, bucket *ratelimit.Bucket) (*ratelimit.Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	b := *bucket
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.WindowStart = ratelimit.NormalizeTime(b.WindowStart)
	b.CreatedAt = ratelimit.NormalizeTime(b.CreatedAt)
	b.UpdatedAt = ratelimit.NormalizeTime(b.UpdatedAt)
	b.BlockedUntil = ratelimit.NormalizeTimePtr(b.BlockedUntil)

	query := s.rebind("INSERT INTO rate_limit_buckets (" + bucketColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query,
		b.ID, string(b.Scope), b.Key, b.WindowStart, b.WindowSeconds, b.WindowEnd(),
		b.Count, nullTime(b.BlockedUntil), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ratelimit.ErrDuplicateBucket
		}
		util.Error("Failed to create rate limit bucket",
			zap.String("scope", b.Scope.String()),
			zap.String("key", b.Key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create rate limit bucket: %w", err)
	}
	return &b, nil
}

func (s *BucketStore) Update(ctx context.Context, id string, update ratelimit.BucketUpdate) (*ratelimit.Bucket, error) {
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	sets := []string{"updated_at = ?"}
	args := []any{ratelimit.NormalizeTime(updatedAt)}
	if update.Count != nil {
		sets = append(sets, "count = ?")
		args = append(args, *update.Count)
	}
	if update.ClearBlockedUntil {
		sets = append(sets, "blocked_until = NULL")
	} else if update.BlockedUntil != nil {
		sets = append(sets, "blocked_until = ?")
		args = append(args, ratelimit.NormalizeTime(*update.BlockedUntil))
	}
	args = append(args, id)

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.rebind("UPDATE rate_limit_buckets SET " + strings.Join(sets, ", ") + " WHERE id = ?")
	if _, err := s.db.ExecContext(execCtx, query, args...); err != nil {
		util.Error("Failed to update rate limit bucket", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to update rate limit bucket: %w", err)
	}

	// MySQL reports zero affected rows for no-op updates, so existence is
	// decided by reading the row back.
	return s.FindByID(ctx, id)
}

func (s *BucketStore) Delete(ctx context.Context, id string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM rate_limit_buckets WHERE id = ?"), id)
	if err != nil {
		util.Error("Failed to delete rate limit bucket", zap.String("id", id), zap.Error(err))
		return 0, fmt.Errorf("failed to delete rate limit bucket: %w", err)
	}
	return res.RowsAffected()
}

func (s *BucketStore) Reset(ctx context.Context, tuple ratelimit.Tuple) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.rebind("DELETE FROM rate_limit_buckets WHERE " + bucketTupleCondition)
	res, err := s.db.ExecContext(ctx, query, tupleArgs(tuple)...)
	if err != nil {
		util.Error("Failed to reset rate limit bucket",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Error(err))
		return 0, fmt.Errorf("failed to reset rate limit bucket: %w", err)
	}
	return res.RowsAffected()
}

func (s *BucketStore) UpsertIncrement(ctx context.Context, tuple ratelimit.Tuple, increment int64, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now = ratelimit.NormalizeTime(now)
	_, err := s.db.ExecContext(ctx, s.upsertIncrementQuery(),
		uuid.New().String(), string(tuple.Scope), tuple.Key, ratelimit.NormalizeTime(tuple.WindowStart),
		tuple.WindowSeconds, tuple.WindowEnd(), increment, now, now)
	if err != nil {
		util.Error("Failed to upsert rate limit bucket",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Int64("increment", increment),
			zap.Error(err))
		return fmt.Errorf("failed to upsert rate limit bucket: %w", err)
	}
	return nil
}

func (s *BucketStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM rate_limit_buckets WHERE window_end < ?"),
		ratelimit.NormalizeTime(cutoff))
	if err != nil {
		util.Error("Failed to delete expired rate limit buckets", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0, fmt.Errorf("failed to delete expired rate limit buckets: %w", err)
	}
	return res.RowsAffected()
}

func (s *BucketStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
