package internal

import "time"

// Delay returns the backoff before the given retry attempt (1-based):
// base, 2*base, 4*base, ... capped at maxDelay.
func Delay(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
