package util

import (
	"context"
	"time"
)

// Retry calls fn up to maxAttempts times, sleeping Backoff(attempt, baseDelay,
// maxDelay) between failures. It returns nil on the first successful call, or
// the last error if all attempts fail. Context cancellation between attempts
// returns ctx.Err().
func Retry(ctx context.Context, maxAttempts int, baseDelay, maxDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt, baseDelay, maxDelay)):
		}
	}
	return err
}
