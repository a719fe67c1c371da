package ratelimit

import (
	"context"
	"time"
)

// Store persists buckets. Implementations must enforce uniqueness of the
// (scope, key, window start, window seconds) tuple in the storage layer and
// make UpsertIncrement a single indivisible operation.
type Store interface {
	// FindOne returns (nil, nil) when no bucket matches.
	FindOne(ctx context.Context, tuple Tuple) (*Bucket, error)
	// FindByID returns ErrNotFound when the id is unknown.
	FindByID(ctx context.Context, id string) (*Bucket, error)
	// Create fails with ErrDuplicateBucket when the tuple already exists.
	Create(ctx context.Context, bucket *Bucket) (*Bucket, error)
	Update(ctx context.Context, id string, update BucketUpdate) (*Bucket, error)
	Delete(ctx context.Context, id string) (int64, error)
	Reset(ctx context.Context, tuple Tuple) (int64, error)
	// UpsertIncrement inserts the tuple with count = increment, or adds
	// increment to the existing count.
	UpsertIncrement(ctx context.Context, tuple Tuple, increment int64, now time.Time) error
	// DeleteExpired removes buckets whose window ended before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
}
