package domain

import (
	"math"
	"time"
)

// RetryPolicy tells callers how long to wait before retrying a failed
// request. The gateway itself never retries.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns 1s doubling up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

// Backoff returns the wait before the given retry attempt, starting at 1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	wait := float64(p.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && wait > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(wait)
}

// RetryAfter returns the suggested wait for an error, or zero when retrying
// the same request cannot help. Rate-limit denials wait until the window resets.
func (p RetryPolicy) RetryAfter(err error, status RateLimitStatus, now time.Time) time.Duration {
	perr, ok := AsProviderError(err)
	if !ok {
		return 0
	}

	switch {
	case perr.Code == CodeRateLimitExceeded:
		if wait := status.ResetAt.Sub(now); wait > 0 {
			return wait
		}
		return p.Backoff(1)
	case perr.Retryable:
		return p.Backoff(1)
	default:
		return 0
	}
}
