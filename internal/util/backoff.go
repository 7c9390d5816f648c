package util

import "time"

// Default reconnect backoff bounds for the upstream feeds.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 20 * time.Second
)

// Backoff returns the delay before reconnect attempt n (zero-based):
// min(base * 2^n, max). There is no jitter.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
