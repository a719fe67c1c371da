package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps buckets in process memory. It is safe for concurrent use
// but its state is not shared across replicas.
type MemoryStore struct {
	mu      sync.Mutex
	byTuple map[Tuple]*Bucket
	byID    map[string]*Bucket
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTuple: make(map[Tuple]*Bucket),
		byID:    make(map[string]*Bucket),
	}
}

func clone(b *Bucket) *Bucket {
	c := *b
	c.BlockedUntil = NormalizeTimePtr(b.BlockedUntil)
	return &c
}

func (m *MemoryStore) FindOne(ctx context.Context, tuple Tuple) (*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byTuple[tuple.Normalize()]
	if !ok {
		return nil, nil
	}
	return clone(b), nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(b), nil
}

func (m *MemoryStore) Create(ctx context.Context, bucket *Bucket) (*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := clone(bucket)
	b.WindowStart = NormalizeTime(b.WindowStart)
	tuple := b.Tuple()
	if _, exists := m.byTuple[tuple]; exists {
		return nil, ErrDuplicateBucket
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	m.byTuple[tuple] = b
	m.byID[b.ID] = b
	return clone(b), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, update BucketUpdate) (*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	update.Apply(b)
	return clone(b), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byID[id]
	if !ok {
		return 0, nil
	}
	delete(m.byID, id)
	delete(m.byTuple, b.Tuple())
	return 1, nil
}

func (m *MemoryStore) Reset(ctx context.Context, tuple Tuple) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tuple = tuple.Normalize()
	b, ok := m.byTuple[tuple]
	if !ok {
		return 0, nil
	}
	delete(m.byTuple, tuple)
	delete(m.byID, b.ID)
	return 1, nil
}

func (m *MemoryStore) UpsertIncrement(ctx context.Context, tuple Tuple, increment int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tuple = tuple.Normalize()
	now = NormalizeTime(now)
	if b, ok := m.byTuple[tuple]; ok {
		b.Count += increment
		b.UpdatedAt = now
		return nil
	}
	b := &Bucket{
		ID:            uuid.New().String(),
		Scope:         tuple.Scope,
		Key:           tuple.Key,
		WindowStart:   tuple.WindowStart,
		WindowSeconds: tuple.WindowSeconds,
		Count:         increment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.byTuple[tuple] = b
	m.byID[b.ID] = b
	return nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for tuple, b := range m.byTuple {
		if b.WindowEnd().Before(cutoff) {
			delete(m.byTuple, tuple)
			delete(m.byID, b.ID)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Len reports how many buckets are stored.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byTuple)
}
