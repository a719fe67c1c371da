package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// Scope identifies a class of throttled operation.
type Scope string

const (
	ScopeLoginIP            Scope = "LOGIN_IP"
	ScopeLoginEmail         Scope = "LOGIN_EMAIL"
	ScopeEmailSendIP        Scope = "EMAIL_SEND_IP"
	ScopeEmailSendEmail     Scope = "EMAIL_SEND_EMAIL"
	ScopePasswordResetIP    Scope = "PASSWORD_RESET_IP"
	ScopePasswordResetEmail Scope = "PASSWORD_RESET_EMAIL"
)

var allScopes = []Scope{
	ScopeLoginIP,
	ScopeLoginEmail,
	ScopeEmailSendIP,
	ScopeEmailSendEmail,
	ScopePasswordResetIP,
	ScopePasswordResetEmail,
}

// Scopes returns every defined scope.
func Scopes() []Scope {
	out := make([]Scope, len(allScopes))
	copy(out, allScopes)
	return out
}

func (s Scope) Valid() bool {
	for _, known := range allScopes {
		if s == known {
			return true
		}
	}
	return false
}

func (s Scope) String() string {
	return string(s)
}

// Rule is the throttling policy of one scope.
type Rule struct {
	Limit         int64
	BlockDuration time.Duration
}

// ScopeRule pairs a scope with its rule for listings.
type ScopeRule struct {
	Scope           Scope `json:"scope"`
	Limit           int64 `json:"limit"`
	BlockDurationMs int64 `json:"block_duration_ms"`
}

// RuleRegistry is an immutable scope -> rule table built once at startup.
type RuleRegistry struct {
	rules map[Scope]Rule
}

// DefaultRules returns the compiled-in policy table.
func DefaultRules() *RuleRegistry {
	return &RuleRegistry{rules: map[Scope]Rule{
		ScopeLoginIP:            {Limit: 5, BlockDuration: 60 * time.Second},
		ScopeLoginEmail:         {Limit: 3, BlockDuration: 5 * time.Minute},
		ScopeEmailSendIP:        {Limit: 10, BlockDuration: time.Hour},
		ScopeEmailSendEmail:     {Limit: 5, BlockDuration: 10 * time.Minute},
		ScopePasswordResetIP:    {Limit: 3, BlockDuration: 15 * time.Minute},
		ScopePasswordResetEmail: {Limit: 2, BlockDuration: 15 * time.Minute},
	}}
}

// NewRuleRegistry copies rules into a registry. Every defined scope must be
// present with a positive limit and block duration.
func NewRuleRegistry(rules map[Scope]Rule) (*RuleRegistry, error) {
	copied := make(map[Scope]Rule, len(rules))
	for scope, rule := range rules {
		if !scope.Valid() {
			return nil, fmt.Errorf("unknown scope %q in rule table", scope)
		}
		if rule.Limit <= 0 {
			return nil, fmt.Errorf("rule for %s must have a positive limit", scope)
		}
		if rule.BlockDuration <= 0 {
			return nil, fmt.Errorf("rule for %s must have a positive block duration", scope)
		}
		copied[scope] = rule
	}
	for _, scope := range allScopes {
		if _, ok := copied[scope]; !ok {
			return nil, fmt.Errorf("missing rule for scope %s", scope)
		}
	}
	return &RuleRegistry{rules: copied}, nil
}

// Lookup returns the rule for scope. A scope without a rule is a programming
// error and panics.
func (r *RuleRegistry) Lookup(scope Scope) Rule {
	rule, ok := r.rules[scope]
	if !ok {
		panic(fmt.Sprintf("ratelimit: no rule registered for scope %q", scope))
	}
	return rule
}

// All returns the table sorted by scope name.
func (r *RuleRegistry) All() []ScopeRule {
	out := make([]ScopeRule, 0, len(r.rules))
	for scope, rule := range r.rules {
		out = append(out, ScopeRule{
			Scope:           scope,
			Limit:           rule.Limit,
			BlockDurationMs: rule.BlockDuration.Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}
