package agent

import (
	"context"
	"math"
	"time"
)

// Backoff returns the delay before retry attempt k (k >= 1):
// min(max, base * 2^(k-1) * (1 + jitter*0.5)) with jitter in [0, 1).
// Delays never decrease with k for a given jitter range.
func Backoff(k int, base, max time.Duration, jitter float64) time.Duration {
	if k < 1 {
		k = 1
	}
	d := float64(base) * math.Pow(2, float64(k-1)) * (1 + jitter*0.5)
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
