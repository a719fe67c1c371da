package hashing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/crypto/blake2b"

	"ratelimit-service/internal/ratelimit"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrPepperTooShort    = errors.New("pepper must be at least 16 bytes")
)

const minPepperLength = 16

// Kind is the type of subject a scope throttles.
type Kind string

const (
	KindIP    Kind = "ip"
	KindEmail Kind = "email"
)

// KindOf maps a scope to the subject it is keyed by.
func KindOf(scope ratelimit.Scope) Kind {
	if strings.HasSuffix(string(scope), "_EMAIL") {
		return KindEmail
	}
	return KindIP
}

// Deriver computes keyed BLAKE2b-256 digests, 64 hex characters long, so that keys are stable across
// replicas sharing the pepper but unlinkable to the raw identifier without it.
type Deriver struct {
	pepper []byte
}

func NewDeriver(pepper []byte) (*Deriver, error) {
	if len(pepper) < minPepperLength {
		return nil, ErrPepperTooShort
	}
	if len(pepper) > blake2b.Size {
		// blake2b accepts keys up to 64 bytes; longer peppers are compressed.
		sum := blake2b.Sum512(pepper)
		pepper = sum[:]
	}
	p := make([]byte, len(pepper))
	copy(p, pepper)
	return &Deriver{pepper: p}, nil
}

func (d *Deriver) digest(kind Kind, value string) string {
	h, err := blake2b.New256(d.pepper)
	if err != nil {
		// Only reachable with a key longer than 64 bytes, which NewDeriver prevents.
		panic(fmt.Sprintf("hashing: %v", err))
	}
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Deriver) DeriveIPKey(ip string) (string, error) {
	normalized, err := NormalizeIP(ip)
	if err != nil {
		return "", err
	}
	return d.digest(KindIP, normalized), nil
}

func (d *Deriver) DeriveEmailKey(email string) (string, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	return d.digest(KindEmail, normalized), nil
}

// DeriveForScope normalizes identifier according to the scope's subject kind.
func (d *Deriver) DeriveForScope(scope ratelimit.Scope, identifier string) (string, error) {
	switch KindOf(scope) {
	case KindEmail:
		return d.DeriveEmailKey(identifier)
	default:
		return d.DeriveIPKey(identifier)
	}
}

// NormalizeIP returns the canonical text form, unmapping IPv4-in-IPv6.
func NormalizeIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("%w: %q is not an IP address", ErrInvalidIdentifier, ip)
	}
	return addr.Unmap().WithZone("").String(), nil
}

// NormalizeEmail trims and lowercases the address.
func NormalizeEmail(email string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(normalized, '@')
	if at <= 0 || at == len(normalized)-1 || strings.ContainsAny(normalized, " \t\r\n") {
		return "", fmt.Errorf("%w: %q is not an email address", ErrInvalidIdentifier, email)
	}
	return normalized, nil
}
