package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ratelimit-service/internal/util"
)

// Outcome labels one Consume call for observers.
type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeExceeded Outcome = "exceeded"
	OutcomeError    Outcome = "error"
)

// Observer receives consume measurements, e.g. Prometheus collectors.
type Observer interface {
	ObserveConsume(scope Scope, outcome Outcome, elapsed time.Duration)
	ObserveBlockStarted(scope Scope)
}

// BlockEvent is emitted once when a bucket crosses its limit.
type BlockEvent struct {
	Scope         Scope     `json:"scope"`
	Key           string    `json:"key"`
	WindowStart   time.Time `json:"window_start"`
	WindowSeconds int64     `json:"window_seconds"`
	Count         int64     `json:"count"`
	Limit         int64     `json:"limit"`
	BlockedUntil  time.Time `json:"blocked_until"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier publishes block events. Failures are logged by the limiter and
// never change the Consume result.
type Notifier interface {
	NotifyBlock(ctx context.Context, event BlockEvent) error
}

const notifyTimeout = 5 * time.Second

type noopObserver struct{}

func (noopObserver) ObserveConsume(Scope, Outcome, time.Duration) {}
func (noopObserver) ObserveBlockStarted(Scope)                    {}

// ConsumeRequest is one attempt against a bucket. Increment 0 means 1.
type ConsumeRequest struct {
	Scope         Scope
	Key           string
	WindowStart   time.Time
	WindowSeconds int64
	Increment     int64
}

func (r ConsumeRequest) tuple() Tuple {
	return Tuple{
		Scope:         r.Scope,
		Key:           r.Key,
		WindowStart:   r.WindowStart,
		WindowSeconds: r.WindowSeconds,
	}
}

func (r ConsumeRequest) validate() error {
	var fields fieldErrors
	r.tuple().validateInto(&fields)
	if r.Increment < 0 {
		fields.add("increment")
	}
	return fields.err()
}

type Limiter struct {
	store    Store
	rules    *RuleRegistry
	now      func() time.Time
	observer Observer
	notifier Notifier
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(l *Limiter) {
		if observer != nil {
			l.observer = observer
		}
	}
}

func WithNotifier(notifier Notifier) Option {
	return func(l *Limiter) {
		l.notifier = notifier
	}
}

func NewLimiter(store Store, rules *RuleRegistry, opts ...Option) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	l := &Limiter{
		store:    store,
		rules:    rules,
		now:      time.Now,
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Rules() *RuleRegistry {
	return l.rules
}

func (l *Limiter) Store() Store {
	return l.store
}

// Now returns the limiter's clock reading.
func (l *Limiter) Now() time.Time {
	return l.now()
}

// Consume records one attempt and decides whether it is allowed.
//
// The increment is applied before any check, so a blocked subject keeps
// accumulating count. Only the increment is atomic; the block write that
// follows may race with other callers crossing the limit at the same time.
func (l *Limiter) Consume(ctx context.Context, req ConsumeRequest) (*Bucket, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Increment == 0 {
		req.Increment = 1
	}

	started := time.Now()
	bucket, outcome, err := l.consume(ctx, req)
	l.observer.ObserveConsume(req.Scope, outcome, time.Since(started))
	return bucket, err
}

func (l *Limiter) consume(ctx context.Context, req ConsumeRequest) (*Bucket, Outcome, error) {
	rule := l.rules.Lookup(req.Scope)
	tuple := req.tuple().Normalize()
	now := l.now()

	if err := l.store.UpsertIncrement(ctx, tuple, req.Increment, now); err != nil {
		return nil, OutcomeError, fmt.Errorf("failed to increment rate limit bucket: %w", err)
	}

	bucket, err := l.store.FindOne(ctx, tuple)
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("failed to read rate limit bucket: %w", err)
	}
	if bucket == nil {
		util.Warn("Rate limit bucket missing after upsert",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Time("window_start", tuple.WindowStart))
		return nil, OutcomeAllowed, nil
	}

	if bucket.IsBlocked(now) {
		util.Debug("Rate limit block active",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Time("blocked_until", *bucket.BlockedUntil))
		return nil, OutcomeBlocked, &ExceededError{
			Scope:        tuple.Scope,
			Key:          tuple.Key,
			BlockedUntil: *bucket.BlockedUntil,
		}
	}

	if bucket.Count > rule.Limit {
		blockedUntil := NormalizeTime(now.Add(rule.BlockDuration))
		updated, err := l.persistBlock(ctx, bucket, blockedUntil, now)
		if err != nil {
			return nil, OutcomeError, fmt.Errorf("failed to persist rate limit block: %w", err)
		}

		util.Debug("Rate limit exceeded, block started",
			zap.String("scope", tuple.Scope.String()),
			zap.String("key", tuple.Key),
			zap.Int64("count", updated.Count),
			zap.Int64("limit", rule.Limit),
			zap.Time("blocked_until", blockedUntil))

		l.observer.ObserveBlockStarted(tuple.Scope)
		l.notifyBlock(ctx, BlockEvent{
			Scope:         tuple.Scope,
			Key:           tuple.Key,
			WindowStart:   tuple.WindowStart,
			WindowSeconds: tuple.WindowSeconds,
			Count:         updated.Count,
			Limit:         rule.Limit,
			BlockedUntil:  blockedUntil,
			OccurredAt:    NormalizeTime(now),
		})

		return nil, OutcomeExceeded, &ExceededError{
			Scope:        tuple.Scope,
			Key:          tuple.Key,
			BlockedUntil: blockedUntil,
		}
	}

	return bucket, OutcomeAllowed, nil
}

// persistBlock writes blockedUntil onto the bucket. A bucket reset or deleted
// after the re-read is saved again with the block, so the caller is still
// refused.
func (l *Limiter) persistBlock(ctx context.Context, bucket *Bucket, blockedUntil, now time.Time) (*Bucket, error) {
	updated, err := l.store.Update(ctx, bucket.ID, BucketUpdate{
		BlockedUntil: &blockedUntil,
		UpdatedAt:    now,
	})
	if !errors.Is(err, ErrNotFound) {
		return updated, err
	}

	restored := *bucket
	restored.BlockedUntil = &blockedUntil
	restored.UpdatedAt = NormalizeTime(now)
	created, err := l.store.Create(ctx, &restored)
	if errors.Is(err, ErrDuplicateBucket) {
		// another consume already recreated the tuple; its own count decides
		util.Debug("Rate limit bucket recreated before block write",
			zap.String("scope", bucket.Scope.String()),
			zap.String("key", bucket.Key))
		return bucket, nil
	}
	if err != nil {
		return nil, err
	}
	util.Warn("Rate limit bucket vanished before block write, saved again",
		zap.String("scope", bucket.Scope.String()),
		zap.String("key", bucket.Key),
		zap.String("id", created.ID))
	return created, nil
}

func (l *Limiter) notifyBlock(ctx context.Context, event BlockEvent) {
	if l.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := l.notifier.NotifyBlock(nctx, event); err != nil {
		util.Warn("Failed to publish rate limit block event",
			zap.String("scope", event.Scope.String()),
			zap.String("key", event.Key),
			zap.Error(err))
	}
}

// FindBucket returns (nil, nil) when the tuple has no bucket.
func (l *Limiter) FindBucket(ctx context.Context, tuple Tuple) (*Bucket, error) {
	if err := tuple.Validate(); err != nil {
		return nil, err
	}
	return l.store.FindOne(ctx, tuple.Normalize())
}

func (l *Limiter) GetBucket(ctx context.Context, id string) (*Bucket, error) {
	if id == "" {
		return nil, &ValidationError{Fields: []string{"id"}}
	}
	return l.store.FindByID(ctx, id)
}

func (l *Limiter) CreateBucket(ctx context.Context, fields NewBucket) (*Bucket, error) {
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	now := NormalizeTime(l.now())
	tuple := fields.Tuple.Normalize()

	bucket, err := l.store.Create(ctx, &Bucket{
		ID:            uuid.New().String(),
		Scope:         tuple.Scope,
		Key:           tuple.Key,
		WindowStart:   tuple.WindowStart,
		WindowSeconds: tuple.WindowSeconds,
		Count:         fields.Count,
		BlockedUntil:  NormalizeTimePtr(fields.BlockedUntil),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateBucket) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create rate limit bucket: %w", err)
	}
	return bucket, nil
}

func (l *Limiter) UpdateBucket(ctx context.Context, id string, update BucketUpdate) (*Bucket, error) {
	if id == "" {
		return nil, &ValidationError{Fields: []string{"id"}}
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}
	update.UpdatedAt = l.now()
	update.BlockedUntil = NormalizeTimePtr(update.BlockedUntil)
	return l.store.Update(ctx, id, update)
}

// DeleteBucket returns the number of rows removed; 0 when id is unknown.
func (l *Limiter) DeleteBucket(ctx context.Context, id string) (int64, error) {
	if id == "" {
		return 0, &ValidationError{Fields: []string{"id"}}
	}
	return l.store.Delete(ctx, id)
}

// Reset deletes the tuple's bucket. Resetting a missing bucket returns 0.
func (l *Limiter) Reset(ctx context.Context, tuple Tuple) (int64, error) {
	if err := tuple.Validate(); err != nil {
		return 0, err
	}
	affected, err := l.store.Reset(ctx, tuple.Normalize())
	if err != nil {
		return 0, err
	}
	util.Debug("Rate limit bucket reset",
		zap.String("scope", tuple.Scope.String()),
		zap.String("key", tuple.Key),
		zap.Int64("affected", affected))
	return affected, nil
}
