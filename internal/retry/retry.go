// Copyright 2025 James Ross
// Package retry implements the delivery-worker backoff scheduler:
// fixed, linear, and exponential delays bounded by a per-subscription
// maximum.
package retry

import (
	"math"
	"time"

	"github.com/flyingrobots/eventrelay/internal/model"
)

// Delay returns the backoff delay for a 1-indexed failed attempt
// number under policy, bounded by RetryMaxDelaySeconds.
func Delay(attempt int, policy model.RetryPolicy) time.Duration {
	base := float64(policy.RetryDelaySeconds)
	var seconds float64

	switch policy.Strategy {
	case model.RetryLinear:
		seconds = base * float64(attempt)
	case model.RetryExponential:
		seconds = base * math.Pow(2, float64(attempt-1))
	case model.RetryFixed:
		fallthrough
	default:
		seconds = base
	}

	if max := float64(policy.RetryMaxDelaySeconds); max > 0 && seconds > max {
		seconds = max
	}
	return time.Duration(seconds * float64(time.Second))
}

// NextRetryAt returns now + Delay(attempt, policy).
func NextRetryAt(now time.Time, attempt int, policy model.RetryPolicy) time.Time {
	return now.Add(Delay(attempt, policy))
}

// ShouldRetry reports whether another attempt is permitted given the
// number of attempts already made.
func ShouldRetry(attemptCount, maxAttempts int) bool {
	return attemptCount < maxAttempts
}
