package engine

import (
	"math"
	"math/rand"
	"time"

	"github.com/tasker-systems/tasker/internal/domain"
)

// computeBackoff derives a step's backoff_until from its retry policy and
// current attempt count, honoring all three of domain.RetryPolicy's documented
// backoff_kind values (fixed, linear, exponential); unrecognized kinds fall
// back to exponential. Grounded on internal/jobs/orchestrator/engine.go's
// computeBackoff, with the same 20% jitter fraction and clamp-to-max
// behavior.
func computeBackoff(rp domain.RetryPolicy, attempts int) time.Duration {
	base := time.Duration(rp.BaseMS) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	max := time.Duration(rp.MaxMS) * time.Millisecond
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}

	var d time.Duration
	switch rp.BackoffKind {
	case "fixed":
		d = base
	case "linear":
		d = base * time.Duration(attempts)
	default: // "exponential" and anything unrecognized
		d = time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	}
	if d > max {
		d = max
	}

	const jitterFrac = 0.20
	delta := float64(d) * jitterFrac
	low := float64(d) - delta
	if low < 0 {
		low = 0
	}
	high := float64(d) + delta
	return time.Duration(low + rand.Float64()*(high-low))
}

// shouldRetry reports whether a failure_retryable outcome still has retry
// budget remaining, mirroring spec.md §4.2's attempts < max_attempts guard.
func shouldRetry(rp domain.RetryPolicy, attempts int) bool {
	return rp.MaxAttempts > 0 && attempts < rp.MaxAttempts
}
