package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff returns an exponential delay for attempt (1-based), doubling from
// base and capped at ceiling when ceiling is positive. jitterPct spreads the result
// by up to that fraction either way.
func Backoff(base, ceiling time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	if jitterPct <= 0 {
		return d
	}
	jitter := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*jitter)
}
