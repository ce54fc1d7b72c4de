// Package retry decides what happens to a failed delivery attempt.
// The policy is a pure function over the error classification and the
// attempt count; it never touches the queue itself.
package retry

import (
	"errors"
	"time"

	"threadline.dev/bridge/internal/platform"
)

// Verdict says where a failed event goes next.
type Verdict int

const (
	// VerdictRetry re-enqueues the event after Decision.Delay.
	VerdictRetry Verdict = iota
	// VerdictDeadLetter quarantines the event.
	VerdictDeadLetter
)

type Decision struct {
	Verdict Verdict
	Delay   time.Duration
}

type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the per-queue defaults: 1s base, 30s cap, 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 3,
	}
}

// Decide classifies a failed attempt. attempt is 1-based and names the
// attempt that just failed.
//
// Non-retryable errors (validation, auth, not-found, bad-request) bypass
// remaining attempts. Retryable errors back off exponentially:
// delay = min(base * 2^(attempt-1), max). Once attempt >= MaxAttempts even
// a retryable error dead-letters.
func (p Policy) Decide(err error, attempt int) Decision {
	if !Retryable(err) {
		return Decision{Verdict: VerdictDeadLetter}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Verdict: VerdictDeadLetter}
	}
	return Decision{Verdict: VerdictRetry, Delay: p.Backoff(attempt)}
}

// Backoff computes the capped exponential delay for a 1-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Retryable reports whether the error class permits another attempt.
// Unclassified errors are treated as retryable: a failure we cannot
// attribute is more often a flaky dependency than a poisoned event, and
// the attempt cap bounds the damage when that guess is wrong.
func Retryable(err error) bool {
	if errors.Is(err, platform.ErrPermanent) || errors.Is(err, platform.ErrValidation) {
		return false
	}
	return true
}
