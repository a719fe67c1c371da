package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("rate limit bucket not found")
	ErrDuplicateBucket = errors.New("rate limit bucket already exists")
)

// ExceededError reports that a subject is over its limit or inside a block.
type ExceededError struct {
	Scope        Scope
	Key          string
	BlockedUntil time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s:%s, blocked until %s",
		e.Scope, e.Key, e.BlockedUntil.Format(time.RFC3339Nano))
}

// RetryAfter rounds the remaining block up to whole seconds, minimum one.
func (e *ExceededError) RetryAfter(now time.Time) time.Duration {
	remaining := e.BlockedUntil.Sub(now)
	if remaining <= 0 {
		return time.Second
	}
	seconds := (remaining + time.Second - 1) / time.Second
	return seconds * time.Second
}

// ValidationError lists the request fields that were rejected.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid rate limit bucket fields: " + strings.Join(e.Fields, ", ")
}

func IsExceeded(err error) bool {
	var exceeded *ExceededError
	return errors.As(err, &exceeded)
}

func IsValidation(err error) bool {
	var invalid *ValidationError
	return errors.As(err, &invalid)
}

type fieldErrors []string

func (f *fieldErrors) add(field string) {
	*f = append(*f, field)
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return &ValidationError{Fields: f}
}
