package ratelimit

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

const MaxKeyLength = 128

// MaxWindowSeconds keeps WindowStart + WindowSeconds inside time.Duration range.
const MaxWindowSeconds = math.MaxInt32

// Bucket is the persisted counter for one (scope, key, window) tuple.
type Bucket struct {
	ID            string     `json:"id"`
	Scope         Scope      `json:"scope"`
	Key           string     `json:"key"`
	WindowStart   time.Time  `json:"window_start"`
	WindowSeconds int64      `json:"window_seconds"`
	Count         int64      `json:"count"`
	BlockedUntil  *time.Time `json:"blocked_until,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsBlocked reports whether the block is strictly in the future of now.
func (b *Bucket) IsBlocked(now time.Time) bool {
	return b.BlockedUntil != nil && b.BlockedUntil.After(now)
}

func (b *Bucket) Tuple() Tuple {
	return Tuple{
		Scope:         b.Scope,
		Key:           b.Key,
		WindowStart:   b.WindowStart,
		WindowSeconds: b.WindowSeconds,
	}
}

// WindowEnd is the first instant after the bucket's window.
func (b *Bucket) WindowEnd() time.Time {
	return b.Tuple().WindowEnd()
}

// Tuple identifies exactly one bucket.
type Tuple struct {
	Scope         Scope
	Key           string
	WindowStart   time.Time
	WindowSeconds int64
}

// WindowEnd is only meaningful for a validated tuple.
func (t Tuple) WindowEnd() time.Time {
	return NormalizeTime(t.WindowStart.Add(time.Duration(t.WindowSeconds) * time.Second))
}

func (t Tuple) Normalize() Tuple {
	t.WindowStart = NormalizeTime(t.WindowStart)
	return t
}

func (t Tuple) Validate() error {
	var fields fieldErrors
	t.validateInto(&fields)
	return fields.err()
}

func (t Tuple) validateInto(fields *fieldErrors) {
	if !t.Scope.Valid() {
		fields.add("scope")
	}
	if t.Key == "" || utf8.RuneCountInString(t.Key) > MaxKeyLength {
		fields.add("key")
	}
	if t.WindowStart.IsZero() {
		fields.add("window_start")
	}
	if t.WindowSeconds < 1 || t.WindowSeconds > MaxWindowSeconds {
		fields.add("window_seconds")
	}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s:%s@%d/%ds", t.Scope, t.Key, t.WindowStart.UnixMilli(), t.WindowSeconds)
}

// NewBucket holds the caller-supplied fields of CreateBucket.
type NewBucket struct {
	Tuple
	Count        int64
	BlockedUntil *time.Time
}

func (n NewBucket) Validate() error {
	var fields fieldErrors
	n.Tuple.validateInto(&fields)
	if n.Count < 0 {
		fields.add("count")
	}
	return fields.err()
}

// BucketUpdate is a partial update. Nil fields are left untouched; tuple
// fields cannot change.
type BucketUpdate struct {
	Count             *int64
	BlockedUntil      *time.Time
	ClearBlockedUntil bool
	UpdatedAt         time.Time
}

func (u BucketUpdate) Validate() error {
	var fields fieldErrors
	if u.Count != nil && *u.Count < 0 {
		fields.add("count")
	}
	if u.BlockedUntil != nil && u.ClearBlockedUntil {
		fields.add("blocked_until")
	}
	return fields.err()
}

// Apply mutates b in place. Stores without partial-update statements use it.
func (u BucketUpdate) Apply(b *Bucket) {
	if u.Count != nil {
		b.Count = *u.Count
	}
	if u.ClearBlockedUntil {
		b.BlockedUntil = nil
	} else if u.BlockedUntil != nil {
		blocked := NormalizeTime(*u.BlockedUntil)
		b.BlockedUntil = &blocked
	}
	if !u.UpdatedAt.IsZero() {
		b.UpdatedAt = NormalizeTime(u.UpdatedAt)
	}
}

// NormalizeTime drops sub-millisecond precision and the location so that
// every backend round-trips the value unchanged.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// NormalizeTimePtr is NormalizeTime for optional values.
func NormalizeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := NormalizeTime(*t)
	return &n
}
