// Package ratelimit implements fixed-window limits with an explicit
// "could not decide" outcome, so each call site chooses how to behave when the
// counter store is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/academy/internal/metrics"
)

type Decision int

const (
	Allowed Decision = iota
	Denied
	Unknown
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Policy says what to do with an Unknown decision.
type Policy int

const (
	FailOpen Policy = iota
	FailClosed
)

type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
)

// Rule is one limit: at most Max hits per Window for a subject in Scope.
type Rule struct {
	Name      string
	Scope     Scope
	Window    time.Duration
	Max       int64
	OnUnknown Policy
}

const (
	RuleAccountDelete = "account-delete"
	RuleCheckout      = "checkout"
	RuleAccountPause  = "account-pause"
)

var (
	AccountDeleteByIP   = Rule{Name: RuleAccountDelete, Scope: ScopeIP, Window: time.Minute, Max: 6, OnUnknown: FailOpen}
	AccountDeleteByUser = Rule{Name: RuleAccountDelete, Scope: ScopeUser, Window: time.Hour, Max: 3, OnUnknown: FailOpen}

	CheckoutByIP   = Rule{Name: RuleCheckout, Scope: ScopeIP, Window: time.Minute, Max: 12, OnUnknown: FailOpen}
	CheckoutByUser = Rule{Name: RuleCheckout, Scope: ScopeUser, Window: 10 * time.Minute, Max: 4, OnUnknown: FailOpen}

	// Pause and resume share one budget.
	AccountPauseByIP   = Rule{Name: RuleAccountPause, Scope: ScopeIP, Window: time.Minute, Max: 12, OnUnknown: FailOpen}
	AccountPauseByUser = Rule{Name: RuleAccountPause, Scope: ScopeUser, Window: 10 * time.Minute, Max: 6, OnUnknown: FailOpen}
)

// Result is the outcome of one check. Err is set only for Unknown.
type Result struct {
	Decision Decision
	Count    int64
	ResetAt  time.Time
	Err      error
}

// Permit reports whether the request may proceed under policy.
func (r Result) Permit(policy Policy) bool {
	switch r.Decision {
	case Allowed:
		return true
	case Denied:
		return false
	default:
		return policy == FailOpen
	}
}

type Limiter struct {
	counter Counter
	logger  *slog.Logger
}

func New(counter Counter, logger *slog.Logger) *Limiter {
	return &Limiter{counter: counter, logger: logger}
}

// Key builds the counter key for rule and subject.
func Key(rule Rule, subject string) string {
	return fmt.Sprintf("rl:%s:%s:%s", rule.Name, rule.Scope, subject)
}

// Check counts one hit against rule for subject. It never fails: counter
// errors come back as an Unknown result.
func (l *Limiter) Check(ctx context.Context, rule Rule, subject string) Result {
	count, resetAt, err := l.counter.Incr(ctx, Key(rule, subject), rule.Window)

	var res Result
	switch {
	case err != nil:
		res = Result{Decision: Unknown, Err: err}
		l.logger.Warn("rate limit undecided", "rule", rule.Name, "scope", rule.Scope, "error", err)
	case count > rule.Max:
		res = Result{Decision: Denied, Count: count, ResetAt: resetAt}
	default:
		res = Result{Decision: Allowed, Count: count, ResetAt: resetAt}
	}

	metrics.RateLimitDecisions.WithLabelValues(rule.Name, res.Decision.String()).Inc()
	return res
}
