package outbox

import "time"

// RetryDelay computes the delay before attempt n+1 as base * 2^attempts,
// capped. attempts is the number of failures so far. MarkFailed applies the
// same formula in SQL; this is the Go-side mirror for callers and tests.
func RetryDelay(base, cap time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
