package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ratelimit-service/internal/ratelimit"
	"ratelimit-service/internal/util"
)

const (
	defaultTimeout   = 5 * time.Second
	expiredBatchSize = 100
)

// Counters cannot share a table with regular columns, so the count lives in
// rate_limit_bucket_counts keyed by bucket id. A bucket's count is
// count_base + the counter. Ids are never reused, so a deleted counter is
// never incremented again.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rate_limit_buckets (
		scope text,
		bucket_key text,
		window_start timestamp,
		window_seconds bigint,
		id text,
		window_end timestamp,
		count_base bigint,
		blocked_until timestamp,
		created_at timestamp,
		updated_at timestamp,
		PRIMARY KEY ((scope, bucket_key), window_start, window_seconds)
	)`,
	`CREATE TABLE IF NOT EXISTS rate_limit_bucket_counts (
		id text PRIMARY KEY,
		count counter
	)`,
	`CREATE TABLE IF NOT EXISTS rate_limit_buckets_by_id (
		id text PRIMARY KEY,
		scope text,
		bucket_key text,
		window_start timestamp,
		window_seconds bigint
	)`,
}

const (
	tupleWhere = "scope = ? AND bucket_key = ? AND window_start = ? AND window_seconds = ?"

	selectBucketCQL = `SELECT id, scope, bucket_key, window_start, window_seconds, count_base, blocked_until,
		created_at, updated_at FROM rate_limit_buckets WHERE ` + tupleWhere
	insertBucketCQL = `INSERT INTO rate_limit_buckets (id, scope, bucket_key, window_start, window_seconds,
		window_end, count_base, blocked_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`
	touchBucketCQL  = `UPDATE rate_limit_buckets SET updated_at = ? WHERE ` + tupleWhere + ` IF EXISTS`
	updateBucketCQL = `UPDATE rate_limit_buckets SET count_base = ?, blocked_until = ?, updated_at = ?
		WHERE ` + tupleWhere + ` IF id = ?`
	deleteBucketCQL  = `DELETE FROM rate_limit_buckets WHERE ` + tupleWhere + ` IF id = ?`
	selectExpiredCQL = `SELECT scope, bucket_key, window_start, window_seconds, id FROM rate_limit_buckets
		WHERE window_end < ? ALLOW FILTERING`

	incrementCountCQL = `UPDATE rate_limit_bucket_counts SET count = count + ? WHERE id = ?`
	selectCountCQL    = `SELECT count FROM rate_limit_bucket_counts WHERE id = ?`
	deleteCountCQL    = `DELETE FROM rate_limit_bucket_counts WHERE id = ?`

	selectIndexCQL = `SELECT scope, bucket_key, window_start, window_seconds FROM rate_limit_buckets_by_id WHERE id = ?`
	insertIndexCQL = `INSERT INTO rate_limit_buckets_by_id (id, scope, bucket_key, window_start, window_seconds)
		VALUES (?, ?, ?, ?, ?)`
	deleteIndexCQL = `DELETE FROM rate_limit_buckets_by_id WHERE id = ?`
)

// session is the slice of ScyllaClient the bucket store uses.
type session interface {
	Exec(ctx context.Context, stmt string, values ...interface{}) error
	ScanOne(ctx context.Context, stmt string, values []interface{}, dest ...interface{}) error
	ExecCAS(ctx context.Context, stmt string, values ...interface{}) (bool, map[string]interface{}, error)
	Iter(ctx context.Context, stmt string, values ...interface{}) RowIter
	ExecuteBatch(ctx context.Context, typ gocql.BatchType, stmts []Statement) error
	ExecuteWithRetry(ctx context.Context, stmt string, values []interface{}, maxRetries int) error
	HealthCheck(ctx context.Context) error
}

// BucketStore keeps rate limit buckets in ScyllaDB, with a lookup table
// from bucket id to tuple.
type BucketStore struct {
	cql     session
	timeout time.Duration
}

var _ ratelimit.Store = (*BucketStore)(nil)

func NewBucketStore(client *ScyllaClient, timeout time.Duration) (*BucketStore, error) {
	if client == nil {
		return nil, fmt.Errorf("scylla client is required")
	}
	return newBucketStore(client, timeout)
}

func newBucketStore(cql session, timeout time.Duration) (*BucketStore, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &BucketStore{cql: cql, timeout: timeout}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range schemaStatements {
		if err := cql.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return s, nil
}

type bucketRow struct {
	id            string
	scope         string
	key           string
	windowStart   time.Time
	windowSeconds int64
	countBase     int64
	counter       int64
	blockedUntil  time.Time
	createdAt     time.Time
	updatedAt     time.Time
}

func (r *bucketRow) dest() []interface{} {
	return []interface{}{&r.id, &r.scope, &r.key, &r.windowStart, &r.windowSeconds,
		&r.countBase, &r.blockedUntil, &r.createdAt, &r.updatedAt}
}

// bucket converts a scanned row. gocql scans a null timestamp as the zero time.
func (r *bucketRow) bucket() *ratelimit.Bucket {
	b := &ratelimit.Bucket{
		ID:            r.id,
		Scope:         ratelimit.Scope(r.scope),
		Key:           r.key,
		WindowStart:   ratelimit.NormalizeTime(r.windowStart),
		WindowSeconds: r.windowSeconds,
		Count:         r.countBase + r.counter,
		CreatedAt:     ratelimit.NormalizeTime(r.createdAt),
		UpdatedAt:     ratelimit.NormalizeTime(r.updatedAt),
	}
	if !r.blockedUntil.IsZero() {
		t := ratelimit.NormalizeTime(r.blockedUntil)
		b.BlockedUntil = &t
	}
	return b
}

func tupleArgs(t ratelimit.Tuple) []interface{} {
	return []interface{}{string(t.Scope), t.Key, ratelimit.NormalizeTime(t.WindowStart), t.WindowSeconds}
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return ratelimit.NormalizeTime(*t)
}

// findRow reads the bucket row and its counter. It returns nil when the
// tuple has no bucket.
func (s *BucketStore) findRow(ctx context.Context, tuple ratelimit.Tuple) (*bucketRow, error) {
	var row bucketRow
	if err := s.cql.ScanOne(ctx, selectBucketCQL, tupleArgs(tuple), row.dest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	err := s.cql.ScanOne(ctx, selectCountCQL, []interface{}{row.id}, &row.counter)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return nil, err
	}
	return &row, nil
}

func (s *BucketStore) FindOne(ctx context.Context, tuple ratelimit.Tuple) (*ratelimit.Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row, err := s.findRow(ctx, tuple)
	if err != nil {
		util.Error("Failed to find rate limit bucket",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to find rate limit bucket: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return row.bucket(), nil
}

func (s *BucketStore) lookupTuple(ctx context.Context, id string) (*ratelimit.Tuple, error) {
	var (
		tuple ratelimit.Tuple
		scope string
	)
	err := s.cql.ScanOne(ctx, selectIndexCQL, []interface{}{id},
		&scope, &tuple.Key, &tuple.WindowStart, &tuple.WindowSeconds)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	tuple.Scope = ratelimit.Scope(scope)
	tuple = tuple.Normalize()
	return &tuple, nil
}

// findByID returns nil when the id is unknown or its index entry is stale.
func (s *BucketStore) findByID(ctx context.Context, id string) (*ratelimit.Tuple, *bucketRow, error) {
	tuple, err := s.lookupTuple(ctx, id)
	if err != nil || tuple == nil {
		return nil, nil, err
	}
	row, err := s.findRow(ctx, *tuple)
	if err != nil {
		return nil, nil, err
	}
	// The index row can outlive a bucket that was replaced under a new id.
	if row == nil || row.id != id {
		return tuple, nil, nil
	}
	return tuple, row, nil
}

func (s *BucketStore) FindByID(ctx context.Context, id string) (*ratelimit.Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, row, err := s.findByID(ctx, id)
	if err != nil {
		util.Error("Failed to get rate limit bucket", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get rate limit bucket: %w", err)
	}
	if row == nil {
		return nil, ratelimit.ErrNotFound
	}
	return row.bucket(), nil
}

func (s *BucketStore) writeIndex(ctx context.Context, id string, tuple ratelimit.Tuple) error {
	return s.cql.ExecuteWithRetry(ctx, insertIndexCQL, append([]interface{}{id}, tupleArgs(tuple)...), 2)
}

// dropBucketData removes the index entry and counter of a deleted bucket.
func (s *BucketStore) dropBucketData(ctx context.Context, id string) {
	if err := s.cql.ExecuteWithRetry(ctx, deleteIndexCQL, []interface{}{id}, 2); err != nil {
		util.Warn("Failed to remove rate limit bucket index", zap.String("id", id), zap.Error(err))
	}
	if err := s.cql.ExecuteWithRetry(ctx, deleteCountCQL, []interface{}{id}, 2); err != nil {
		util.Warn("Failed to remove rate limit bucket counter", zap.String("id", id), zap.Error(err))
	}
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
	tuple := b.Tuple()

	applied, _, err := s.cql.ExecCAS(ctx, insertBucketCQL,
		b.ID, string(b.Scope), b.Key, b.WindowStart, b.WindowSeconds, tuple.WindowEnd(),
		b.Count, nullableTime(b.BlockedUntil), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		util.Error("Failed to create rate limit bucket",
			zap.String("scope", b.Scope.String()),
			zap.String("key", b.Key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create rate limit bucket: %w", err)
	}
	if !applied {
		return nil, ratelimit.ErrDuplicateBucket
	}

	if err := s.writeIndex(ctx, b.ID, tuple); err != nil {
		util.Error("Failed to index rate limit bucket", zap.String("id", b.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to index rate limit bucket: %w", err)
	}
	return &b, nil
}

// Update rewrites the regular columns of the bucket. Setting Count moves
// count_base so that base + counter equals the requested value.
func (s *BucketStore) Update(ctx context.Context, id string, update ratelimit.BucketUpdate) (*ratelimit.Bucket, error) {
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tuple, row, err := s.findByID(execCtx, id)
	if err != nil {
		util.Error("Failed to update rate limit bucket", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to update rate limit bucket: %w", err)
	}
	if row == nil {
		return nil, ratelimit.ErrNotFound
	}

	current := row.bucket()
	update.UpdatedAt = updatedAt
	update.Apply(current)
	base := row.countBase
	if update.Count != nil {
		base = *update.Count - row.counter
	}

	args := []interface{}{base, nullableTime(current.BlockedUntil), ratelimit.NormalizeTime(updatedAt)}
	args = append(args, tupleArgs(*tuple)...)
	args = append(args, id)
	applied, _, err := s.cql.ExecCAS(execCtx, updateBucketCQL, args...)
	if err != nil {
		util.Error("Failed to update rate limit bucket", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to update rate limit bucket: %w", err)
	}
	if !applied {
		return nil, ratelimit.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

// deleteTuple removes the bucket at tuple only if it still carries id.
func (s *BucketStore) deleteTuple(ctx context.Context, tuple ratelimit.Tuple, id string) (bool, error) {
	applied, _, err := s.cql.ExecCAS(ctx, deleteBucketCQL, append(tupleArgs(tuple), id)...)
	if err != nil {
		return false, err
	}
	if applied {
		s.dropBucketData(ctx, id)
	}
	return applied, nil
}

func (s *BucketStore) Delete(ctx context.Context, id string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tuple, err := s.lookupTuple(ctx, id)
	if err != nil {
		util.Error("Failed to delete rate limit bucket", zap.String("id", id), zap.Error(err))
		return 0, fmt.Errorf("failed to delete rate limit bucket: %w", err)
	}
	if tuple == nil {
		return 0, nil
	}

	applied, err := s.deleteTuple(ctx, *tuple, id)
	if err != nil {
		util.Error("Failed to delete rate limit bucket", zap.String("id", id), zap.Error(err))
		return 0, fmt.Errorf("failed to delete rate limit bucket: %w", err)
	}
	if !applied {
		// stale index entry
		s.dropBucketData(ctx, id)
		return 0, nil
	}
	return 1, nil
}

// Reset deletes the bucket currently at tuple. A bucket that another caller
// removed first counts as nothing to reset.
func (s *BucketStore) Reset(ctx context.Context, tuple ratelimit.Tuple) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fail := func(err error) (int64, error) {
		util.Error("Failed to reset rate limit bucket",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Error(err))
		return 0, fmt.Errorf("failed to reset rate limit bucket: %w", err)
	}

	row, err := s.findRow(ctx, tuple)
	if err != nil {
		return fail(err)
	}
	if row == nil {
		return 0, nil
	}

	applied, err := s.deleteTuple(ctx, tuple, row.id)
	if err != nil {
		return fail(err)
	}
	if !applied {
		return 0, nil
	}
	return 1, nil
}

// UpsertIncrement makes sure the bucket row exists, then adds increment to
// its counter. The counter update is a single write and never retried.
func (s *BucketStore) UpsertIncrement(ctx context.Context, tuple ratelimit.Tuple, increment int64, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now = ratelimit.NormalizeTime(now)
	tuple = tuple.Normalize()
	fail := func(err error) error {
		util.Error("Failed to upsert rate limit bucket",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Int64("increment", increment),
			zap.Error(err))
		return fmt.Errorf("failed to upsert rate limit bucket: %w", err)
	}

	id := uuid.New().String()
	applied, existing, err := s.cql.ExecCAS(ctx, insertBucketCQL,
		id, string(tuple.Scope), tuple.Key, tuple.WindowStart, tuple.WindowSeconds, tuple.WindowEnd(),
		int64(0), nil, now, now)
	if err != nil {
		return fail(err)
	}
	if applied {
		if err := s.writeIndex(ctx, id, tuple); err != nil {
			return fail(err)
		}
	} else {
		current, ok := existing["id"].(string)
		if !ok || current == "" {
			return fail(fmt.Errorf("conditional insert returned no bucket id"))
		}
		id = current
		if _, _, err := s.cql.ExecCAS(ctx, touchBucketCQL, append([]interface{}{now}, tupleArgs(tuple)...)...); err != nil {
			return fail(err)
		}
	}

	if err := s.cql.Exec(ctx, incrementCountCQL, increment, id); err != nil {
		return fail(err)
	}
	return nil
}

func (s *BucketStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = ratelimit.NormalizeTime(cutoff)
	iter := s.cql.Iter(ctx, selectExpiredCQL, cutoff)

	var (
		tuple    ratelimit.Tuple
		scope    string
		id       string
		deleted  int64
		indexes  []Statement
		counters []Statement
	)

	// Counter mutations cannot share a batch with regular ones.
	flush := func() error {
		if err := s.cql.ExecuteBatch(ctx, gocql.UnloggedBatch, indexes); err != nil {
			return err
		}
		if err := s.cql.ExecuteBatch(ctx, gocql.CounterBatch, counters); err != nil {
			return err
		}
		indexes, counters = indexes[:0], counters[:0]
		return nil
	}

	for iter.Scan(&scope, &tuple.Key, &tuple.WindowStart, &tuple.WindowSeconds, &id) {
		tuple.Scope = ratelimit.Scope(scope)
		applied, _, err := s.cql.ExecCAS(ctx, deleteBucketCQL, append(tupleArgs(tuple), id)...)
		if err != nil {
			iter.Close()
			util.Error("Failed to delete expired rate limit bucket", zap.String("id", id), zap.Error(err))
			return deleted, fmt.Errorf("failed to delete expired rate limit buckets: %w", err)
		}
		if !applied {
			continue
		}
		deleted++

		indexes = append(indexes, Statement{CQL: deleteIndexCQL, Args: []interface{}{id}})
		counters = append(counters, Statement{CQL: deleteCountCQL, Args: []interface{}{id}})
		if len(indexes) >= expiredBatchSize {
			if err := flush(); err != nil {
				iter.Close()
				util.Error("Failed to execute batch delete for bucket index", zap.Error(err))
				return deleted, fmt.Errorf("failed to delete expired rate limit buckets: %w", err)
			}
		}
	}

	if err := flush(); err != nil {
		iter.Close()
		util.Error("Failed to execute final batch delete for bucket index", zap.Error(err))
		return deleted, fmt.Errorf("failed to delete expired rate limit buckets: %w", err)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to close iterator for expired bucket cleanup", zap.Error(err))
		return deleted, fmt.Errorf("failed to delete expired rate limit buckets: %w", err)
	}

	util.Info("Expired rate limit buckets deleted", zap.Int64("deleted_count", deleted))
	return deleted, nil
}

func (s *BucketStore) HealthCheck(ctx context.Context) error {
	return s.cql.HealthCheck(ctx)
}
