package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRules_CoverEveryScope(t *testing.T) {
	rules := DefaultRules()
	for _, scope := range Scopes() {
		rule := rules.Lookup(scope)
		assert.Positive(t, rule.Limit, scope)
		assert.Positive(t, rule.BlockDuration, scope)
	}

	login := rules.Lookup(ScopeLoginIP)
	assert.Equal(t, int64(5), login.Limit)
	assert.Equal(t, 60*time.Second, login.BlockDuration)
}

func TestRuleRegistry_LookupPanicsOnUnknownScope(t *testing.T) {
	assert.Panics(t, func() {
		DefaultRules().Lookup(Scope("SIGNUP_IP"))
	})
}

func TestNewRuleRegistry(t *testing.T) {
	full := map[Scope]Rule{}
	for _, scope := range Scopes() {
		full[scope] = Rule{Limit: 1, BlockDuration: time.Second}
	}

	registry, err := NewRuleRegistry(full)
	require.NoError(t, err)

	full[ScopeLoginIP] = Rule{Limit: 100, BlockDuration: time.Hour}
	assert.Equal(t, int64(1), registry.Lookup(ScopeLoginIP).Limit, "registry copies its input")

	t.Run("missing scope", func(t *testing.T) {
		partial := map[Scope]Rule{ScopeLoginIP: {Limit: 1, BlockDuration: time.Second}}
		_, err := NewRuleRegistry(partial)
		assert.ErrorContains(t, err, "missing rule")
	})

	t.Run("non positive limit", func(t *testing.T) {
		bad := map[Scope]Rule{}
		for k, v := range full {
			bad[k] = v
		}
		bad[ScopeLoginEmail] = Rule{Limit: 0, BlockDuration: time.Second}
		_, err := NewRuleRegistry(bad)
		assert.ErrorContains(t, err, "positive limit")
	})

	t.Run("unknown scope", func(t *testing.T) {
		bad := map[Scope]Rule{}
		for k, v := range full {
			bad[k] = v
		}
		bad[Scope("OTHER")] = Rule{Limit: 1, BlockDuration: time.Second}
		_, err := NewRuleRegistry(bad)
		assert.ErrorContains(t, err, "unknown scope")
	})
}

func TestRuleRegistry_AllIsSorted(t *testing.T) {
	all := DefaultRules().All()
	require.Len(t, all, len(Scopes()))
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Scope, all[i].Scope)
	}
	for _, r := range all {
		if r.Scope == ScopeEmailSendIP {
			assert.Equal(t, int64(10), r.Limit)
			assert.Equal(t, int64(3600000), r.BlockDurationMs)
		}
	}
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 7, 45, 500, time.FixedZone("X", 3600))

	assert.True(t, WindowStart(now, 60).Equal(time.Date(2024, 3, 1, 11, 7, 0, 0, time.UTC)))
	assert.True(t, WindowStart(now, 900).Equal(time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.UTC, WindowStart(now, 60).Location())

	tuple := CurrentTuple(ScopeLoginEmail, "k", now, 300)
	assert.True(t, tuple.WindowStart.Equal(time.Date(2024, 3, 1, 11, 5, 0, 0, time.UTC)))
	assert.Equal(t, int64(300), tuple.WindowSeconds)
}

func TestExceededError_RetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := &ExceededError{Scope: ScopeLoginIP, Key: "k", BlockedUntil: now.Add(1500 * time.Millisecond)}

	assert.Equal(t, 2*time.Second, err.RetryAfter(now))
	assert.Equal(t, time.Second, err.RetryAfter(now.Add(time.Hour)))
	assert.Contains(t, err.Error(), "LOGIN_IP:k")
}

func TestBucket_IsBlocked(t *testing.T) {
	now := time.Now()
	b := &Bucket{}
	assert.False(t, b.IsBlocked(now))

	until := now
	b.BlockedUntil = &until
	assert.False(t, b.IsBlocked(now), "a block ending now is no longer active")

	later := now.Add(time.Millisecond)
	b.BlockedUntil = &later
	assert.True(t, b.IsBlocked(now))
}
