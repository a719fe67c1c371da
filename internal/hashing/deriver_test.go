package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimit-service/internal/ratelimit"
)

var testPepper = []byte("0123456789abcdef0123456789abcdef")

func TestNewDeriver_PepperLength(t *testing.T) {
	_, err := NewDeriver([]byte("short"))
	assert.ErrorIs(t, err, ErrPepperTooShort)

	d, err := NewDeriver([]byte(strings.Repeat("p", 100)))
	require.NoError(t, err)
	key, err := d.DeriveIPKey("10.0.0.1")
	require.NoError(t, err)
	assert.Len(t, key, 64)
}

func TestDeriver_IsDeterministicAndKeyed(t *testing.T) {
	a, err := NewDeriver(testPepper)
	require.NoError(t, err)
	b, err := NewDeriver([]byte("another-pepper-of-sufficient-len"))
	require.NoError(t, err)

	first, err := a.DeriveIPKey("1.2.3.4")
	require.NoError(t, err)
	again, err := a.DeriveIPKey("1.2.3.4")
	require.NoError(t, err)
	other, err := b.DeriveIPKey("1.2.3.4")
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, other)
	assert.LessOrEqual(t, len(first), ratelimit.MaxKeyLength)
}

func TestDeriver_NormalizesIdentifiers(t *testing.T) {
	d, err := NewDeriver(testPepper)
	require.NoError(t, err)

	k1, err := d.DeriveEmailKey("  Alice@Example.COM ")
	require.NoError(t, err)
	k2, err := d.DeriveEmailKey("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	v4, err := d.DeriveIPKey("1.2.3.4")
	require.NoError(t, err)
	mapped, err := d.DeriveIPKey("::ffff:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, v4, mapped)

	// the same text hashed as a different kind never collides
	assert.NotEqual(t, v4, d.digest(KindEmail, "1.2.3.4"))
}

func TestDeriver_DeriveForScope(t *testing.T) {
	d, err := NewDeriver(testPepper)
	require.NoError(t, err)

	_, err = d.DeriveForScope(ratelimit.ScopeLoginIP, "not-an-ip")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	key, err := d.DeriveForScope(ratelimit.ScopePasswordResetEmail, "bob@example.com")
	require.NoError(t, err)
	expected, _ := d.DeriveEmailKey("bob@example.com")
	assert.Equal(t, expected, key)

	assert.Equal(t, KindIP, KindOf(ratelimit.ScopeEmailSendIP))
	assert.Equal(t, KindEmail, KindOf(ratelimit.ScopeEmailSendEmail))
}

func TestNormalize(t *testing.T) {
	ip, err := NormalizeIP(" 2001:DB8::1 ")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip)

	for _, bad := range []string{"", "@example.com", "bob@", "bob smith@example.com"} {
		_, err := NormalizeEmail(bad)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, bad)
	}
}
