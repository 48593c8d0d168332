// Package backoff computes retry delays for handler retries and reconnects.
package backoff

import (
	"context"
	"math/bits"
	"math/rand/v2"
	"time"
)

// DelayFunc returns the delay to wait after the given zero-based attempt.
type DelayFunc func(attempt int) time.Duration

func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration { return delay }
}

// Exponential doubles initial on every attempt and caps the result at maxDelay.
func Exponential(initial, maxDelay time.Duration) DelayFunc {
	if initial <= 0 {
		return Fixed(0)
	}
	// shifts beyond this would overflow int64
	maxShift := bits.LeadingZeros64(uint64(initial)) - 1

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(initial, maxDelay)
		}
		n := min(attempt, maxShift)
		return min(initial<<n, maxDelay)
	}
}

// Jitter adds up to a quarter of d on top of it.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + rand.N(d/4+1) //nolint:gosec // G404: jitter does not require cryptographic randomness
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
