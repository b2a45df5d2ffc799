package realtime

import "time"

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base * 2^(n-1), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= max {
			break
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
