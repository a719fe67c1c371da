package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ratelimit-service/internal/ratelimit"
	"ratelimit-service/internal/util"
)

const (
	defaultKeyPrefix  = "rl"
	defaultTimeout    = 5 * time.Second
	expiredSweepBatch = 500
	blockedUntilField = "blocked_until"
	blockModeKeep     = "keep"
	blockModeClear    = "clear"
	blockModeSet      = "set"
)

// BucketStore keeps each bucket in a hash keyed by its tuple, plus an id
// index and a sorted set of window ends for the expiry sweep. Every mutation
// runs as a Lua script so it is atomic on the server.
type BucketStore struct {
	client  goredis.UniversalClient
	prefix  string
	timeout time.Duration
}

var _ ratelimit.Store = (*BucketStore)(nil)

func NewBucketStore(client goredis.UniversalClient, prefix string, timeout time.Duration) *BucketStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &BucketStore{client: client, prefix: prefix, timeout: timeout}
}

// bucketKey puts the opaque key last so that colons inside it cannot collide
// with another tuple.
func (s *BucketStore) bucketKey(t ratelimit.Tuple) string {
	return fmt.Sprintf("%s:%s:%d:%d:%s",
		s.prefix, t.Scope, t.WindowSeconds, ratelimit.NormalizeTime(t.WindowStart).UnixMilli(), t.Key)
}

func (s *BucketStore) idKeyPrefix() string {
	return s.prefix + "_bucket_id:"
}

func (s *BucketStore) idKey(id string) string {
	return s.idKeyPrefix() + id
}

func (s *BucketStore) windowIndexKey() string {
	return s.prefix + "_windows"
}

func millis(t time.Time) string {
	return strconv.FormatInt(ratelimit.NormalizeTime(t).UnixMilli(), 10)
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func decodeBucket(fields map[string]string) (*ratelimit.Bucket, error) {
	b := &ratelimit.Bucket{
		ID:    fields["id"],
		Scope: ratelimit.Scope(fields["scope"]),
		Key:   fields["key"],
	}
	var err error
	if b.WindowStart, err = parseMillis(fields["window_start"]); err != nil {
		return nil, fmt.Errorf("invalid window_start: %w", err)
	}
	if b.WindowSeconds, err = strconv.ParseInt(fields["window_seconds"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid window_seconds: %w", err)
	}
	if b.Count, err = strconv.ParseInt(fields["count"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid count: %w", err)
	}
	if b.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if b.UpdatedAt, err = parseMillis(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}
	if raw, ok := fields[blockedUntilField]; ok && raw != "" {
		blocked, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked_until: %w", err)
		}
		b.BlockedUntil = &blocked
	}
	return b, nil
}

func (s *BucketStore) load(ctx context.Context, key string) (*ratelimit.Bucket, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeBucket(fields)
}

func (s *BucketStore) FindOne(ctx context.Context, tuple ratelimit.Tuple) (*ratelimit.Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	bucket, err := s.load(ctx, s.bucketKey(tuple))
	if err != nil {
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

	key, err := s.client.Get(ctx, s.idKey(id)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ratelimit.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve rate limit bucket id: %w", err)
	}

	bucket, err := s.load(ctx, key)
	if err != nil {
		util.Error("Failed to get rate limit bucket", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get rate limit bucket: %w", err)
	}
	if bucket == nil {
		return nil, ratelimit.ErrNotFound
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

	blocked := ""
	if b.BlockedUntil != nil {
		blocked = millis(*b.BlockedUntil)
	}

	tuple := b.Tuple()
	created, err := createScript.Run(ctx, s.client,
		[]string{s.bucketKey(tuple), s.idKey(b.ID), s.windowIndexKey()},
		b.ID, string(b.Scope), b.Key, millis(b.WindowStart), b.WindowSeconds,
		b.Count, blocked, millis(b.CreatedAt), millis(b.UpdatedAt), millis(tuple.WindowEnd()),
	).Int64()
	if err != nil {
		util.Error("Failed to create rate limit bucket",
			zap.String("scope", b.Scope.String()),
			zap.String("key", b.Key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create rate limit bucket: %w", err)
	}
	if created == 0 {
		return nil, ratelimit.ErrDuplicateBucket
	}
	return &b, nil
}

func (s *BucketStore) Update(ctx context.Context, id string, update ratelimit.BucketUpdate) (*ratelimit.Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	count := ""
	if update.Count != nil {
		count = strconv.FormatInt(*update.Count, 10)
	}
	mode, blocked := blockModeKeep, ""
	if update.ClearBlockedUntil {
		mode = blockModeClear
	} else if update.BlockedUntil != nil {
		mode, blocked = blockModeSet, millis(*update.BlockedUntil)
	}

	key, err := updateScript.Run(ctx, s.client, []string{s.idKey(id)},
		millis(updatedAt), count, mode, blocked).Text()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ratelimit.ErrNotFound
		}
		util.Error("Failed to update rate limit bucket", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to update rate limit bucket: %w", err)
	}

	bucket, err := s.load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read updated rate limit bucket: %w", err)
	}
	if bucket == nil {
		return nil, ratelimit.ErrNotFound
	}
	return bucket, nil
}

func (s *BucketStore) Delete(ctx context.Context, id string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	deleted, err := deleteByIDScript.Run(ctx, s.client, []string{s.idKey(id), s.windowIndexKey()}).Int64()
	if err != nil {
		util.Error("Failed to delete rate limit bucket", zap.String("id", id), zap.Error(err))
		return 0, fmt.Errorf("failed to delete rate limit bucket: %w", err)
	}
	return deleted, nil
}

func (s *BucketStore) Reset(ctx context.Context, tuple ratelimit.Tuple) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	deleted, err := resetScript.Run(ctx, s.client,
		[]string{s.bucketKey(tuple), s.windowIndexKey()}, s.idKeyPrefix()).Int64()
	if err != nil {
		util.Error("Failed to reset rate limit bucket",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Error(err))
		return 0, fmt.Errorf("failed to reset rate limit bucket: %w", err)
	}
	return deleted, nil
}

func (s *BucketStore) UpsertIncrement(ctx context.Context, tuple ratelimit.Tuple, increment int64, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := uuid.New().String()
	count, err := upsertIncrementScript.Run(ctx, s.client,
		[]string{s.bucketKey(tuple), s.idKey(id), s.windowIndexKey()},
		id, string(tuple.Scope), tuple.Key, millis(tuple.WindowStart), tuple.WindowSeconds,
		increment, millis(now), millis(tuple.WindowEnd()),
	).Int64()
	if err != nil {
		util.Error("Failed to upsert rate limit bucket",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Int64("increment", increment),
			zap.Error(err))
		return fmt.Errorf("failed to upsert rate limit bucket: %w", err)
	}

	util.Debug("Rate limit bucket incremented",
		zap.String("scope", tuple.Scope.String()),
		zap.String("key", tuple.Key),
		zap.Int64("count", count))
	return nil
}

func (s *BucketStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		batchCtx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := deleteExpiredScript.Run(batchCtx, s.client, []string{s.windowIndexKey()},
			millis(cutoff), expiredSweepBatch, s.idKeyPrefix()).Int64Slice()
		cancel()
		if err != nil {
			util.Error("Failed to delete expired rate limit buckets", zap.Time("cutoff", cutoff), zap.Error(err))
			return total, fmt.Errorf("failed to delete expired rate limit buckets: %w", err)
		}
		if len(res) != 2 {
			return total, fmt.Errorf("unexpected result format from expiry script")
		}
		total += res[1]
		if res[0] < expiredSweepBatch {
			return total, nil
		}
	}
}

func (s *BucketStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
