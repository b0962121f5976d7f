/**
 * @description
 * Retry policy for transient authority failures. Delays grow exponentially
 * from a base, are capped, and carry jitter so a burst of requests created
 * together does not hammer the CEP portal in lockstep.
 *
 * Two independent budgets bound retrying: a per-request attempt count and a
 * fixed wall-clock deadline stamped at creation. Whichever runs out first
 * ends the request, and a retry that could only land after the deadline is
 * not scheduled at all.
 */

package app

import (
	"math/rand"
	"time"

	"github.com/pesoswap/verification-service/internal/domain"
)

// RetryDecision is the outcome of consulting the policy after a transient
// authority failure. When Retry is false, Reason says which budget ran out.
type RetryDecision struct {
	Retry     bool
	NotBefore time.Time
	Reason    domain.FailureReason
}

// RetryPolicy computes backoff schedules for authority retries.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64
	MaxAttempts int
}

// NewRetryPolicy builds a policy from configured values, guarding against
// zero or negative settings.
func NewRetryPolicy(baseDelay, maxDelay time.Duration, jitterFrac float64, maxAttempts int) *RetryPolicy {
	if baseDelay <= 0 {
		baseDelay = 15 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	if jitterFrac < 0 || jitterFrac >= 1 {
		jitterFrac = 0.2
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		JitterFrac:  jitterFrac,
		MaxAttempts: maxAttempts,
	}
}

// Backoff returns the jittered delay before the attempt following
// `attemptCount` completed attempts. Delay doubles per attempt up to the cap,
// then jitter spreads it within ±JitterFrac.
func (p *RetryPolicy) Backoff(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attemptCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.JitterFrac > 0 {
		span := float64(delay) * p.JitterFrac
		delay = time.Duration(float64(delay) - span + rand.Float64()*2*span)
	}
	return delay
}

// Next decides whether a request with `attemptCount` completed attempts gets
// another try before `deadline`.
func (p *RetryPolicy) Next(now time.Time, attemptCount int, deadline time.Time) RetryDecision {
	if attemptCount >= p.MaxAttempts {
		return RetryDecision{Retry: false, Reason: domain.ReasonAttemptsExhausted}
	}
	if !now.Before(deadline) {
		return RetryDecision{Retry: false, Reason: domain.ReasonDeadline}
	}
	notBefore := now.Add(p.Backoff(attemptCount))
	if notBefore.After(deadline) {
		return RetryDecision{Retry: false, Reason: domain.ReasonDeadline}
	}
	return RetryDecision{Retry: true, NotBefore: notBefore}
}
