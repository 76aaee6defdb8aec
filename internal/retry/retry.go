// Package retry computes backoff delay and classifies processor failures.
// A Strategy is driven by each JobType's own RetryPolicy rather than one
// fixed global strategy.
package retry

import (
	"math"
	"time"

	"github.com/bsn2000/dispatchcore/internal/corerr"
	"github.com/bsn2000/dispatchcore/internal/models"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before attempt n (1-indexed; attempt 1
	// is the first retry after the initial failure).
	Delay(policy models.RetryPolicy, attempt int) time.Duration
}

// ExponentialBackoff implements delay = min(initial * multiplier^(attempt-1), max),
// the formula names directly.
type ExponentialBackoff struct{}

// Delay computes the capped exponential delay for policy at attempt.
func (ExponentialBackoff) Delay(policy models.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := policy.InitialIntervalSeconds * math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	if policy.MaxIntervalSeconds > 0 && seconds > policy.MaxIntervalSeconds {
		seconds = policy.MaxIntervalSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// Outcome is what the Retry Core decides should happen to a failed attempt.
type Outcome string

const (
	OutcomeRetry  Outcome = "retry"
	OutcomeFailed Outcome = "failed"
)

// Classify applies classification rule: an unclassified error
// defaults to Transient unless the job has exhausted its attempts, in which
// case it is Failed regardless of class; a Permanent class always fails
// immediately. InsufficientFunds raised while settling an overage is always
// Permanent, so callers should wrap that case with
// corerr.NewPermanent before calling Classify.
func Classify(err error, attemptCount int, policy models.RetryPolicy) Outcome {
	if attemptCount >= policy.MaxAttempts {
		return OutcomeFailed
	}
	if corerr.ClassOf(err) == corerr.ClassPermanent {
		return OutcomeFailed
	}
	return OutcomeRetry
}

// NextAttemptAt computes the absolute time a retried job becomes eligible,
// using strategy and the job's current attempt count.
func NextAttemptAt(strategy Strategy, policy models.RetryPolicy, attemptCount int, now time.Time) time.Time {
	return now.Add(strategy.Delay(policy, attemptCount))
}
