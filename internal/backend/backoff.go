package backend

import (
	"math"
	"math/rand"
	"time"
)

// BackoffDelay returns an exponential backoff duration for the given
// retry count, capped at maxDelay with roughly 10% jitter. Ported nearly
// verbatim from internal/dispatch/backoff.go; used by the daemon's
// automatic-restart policy for crashed agent subprocesses.
func BackoffDelay(retries int, base, maxDelay time.Duration) time.Duration {
	if retries <= 0 || base <= 0 {
		return 0
	}

	backoff := float64(base) * math.Pow(2, float64(retries-1))
	if math.IsInf(backoff, 0) || math.IsNaN(backoff) {
		backoff = float64(maxDelay)
	}
	if maxDelay > 0 && backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}

	jitter := 1.0 + (rand.Float64() * 0.1)
	return time.Duration(backoff * jitter)
}

// ShouldRetry reports whether enough time has passed since lastAttempt to
// try again, given the current retry count.
func ShouldRetry(lastAttempt time.Time, retries int, base, maxDelay time.Duration) bool {
	if lastAttempt.IsZero() {
		return true
	}
	delay := BackoffDelay(retries, base, maxDelay)
	return time.Since(lastAttempt) >= delay
}
