package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ratelimit-service/internal/config"
	"ratelimit-service/internal/ratelimit"
	"ratelimit-service/internal/util"
)

const runTimeout = time.Minute

// Sweeper periodically deletes buckets whose window ended more than the
// grace period ago.
type Sweeper struct {
	store    ratelimit.Store
	schedule string
	grace    time.Duration
	now      func() time.Time
	onSwept  func(int64)

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweptHook is called with the number of buckets removed by each run.
func WithSweptHook(fn func(int64)) Option {
	return func(s *Sweeper) {
		s.onSwept = fn
	}
}

func New(store ratelimit.Store, cfg config.SweeperConfig, opts ...Option) (*Sweeper, error) {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweeper schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Grace < 0 {
		return nil, fmt.Errorf("sweeper grace must not be negative")
	}

	s := &Sweeper{
		store:    store,
		schedule: cfg.Schedule,
		grace:    cfg.Grace,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunOnce deletes every bucket whose window ended before now minus grace.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := ratelimit.NormalizeTime(s.now().Add(-s.grace))
	deleted, err := s.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return deleted, fmt.Errorf("failed to sweep expired buckets: %w", err)
	}
	if s.onSwept != nil {
		s.onSwept(deleted)
	}
	util.Info("Swept expired rate limit buckets",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff))
	return deleted, nil
}

func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			util.Error("Sweeper run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}

	c.Start()
	s.cron = c
	s.running = true
	util.Info("Sweeper started", zap.String("schedule", s.schedule), zap.Duration("grace", s.grace))
	return nil
}

// Stop waits for an in-flight run to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	util.Info("Sweeper stopped")
}
