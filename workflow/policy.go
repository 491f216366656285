package workflow

import (
	"math/rand"
	"time"
)

// RetryPolicy configures automatic retry of a failed handler invocation
// with exponential backoff and jitter, applied per executor.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of invocation attempts (including
	// the first). Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base exponential-backoff delay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Retryable decides whether a given handler error should be retried.
	// Nil means no errors are retryable (equivalent to MaxAttempts=1).
	Retryable func(error) bool
}

// Validate checks MaxAttempts >= 1 and, when both are set, MaxDelay >=
// BaseDelay.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff returns the delay before retry attempt number attempt
// (0-based: 0 is the delay before the second overall try), using
// exponential backoff capped at maxDelay plus jitter in [0, base) drawn
// from rng so replay stays deterministic.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	var jitter time.Duration
	if base > 0 {
		if rng != nil {
			jitter = time.Duration(rng.Int63n(int64(base)))
		} else {
			jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security-sensitive
		}
	}
	return delay + jitter
}

// shouldRetry decides, given a handler error and the attempt count already
// made, whether ExecutorPolicy.RetryPolicy permits another attempt.
func shouldRetry(policy *RetryPolicy, attemptsMade int, err error) bool {
	if policy == nil || err == nil {
		return false
	}
	if attemptsMade >= policy.MaxAttempts {
		return false
	}
	if policy.Retryable == nil {
		return false
	}
	return policy.Retryable(err)
}
