package fetch

import (
	"context"
	"math/rand"
	"time"

	"github.com/hlsget/hlsget/config"
)

const (
	rateLimitedBase     = 2000 * time.Millisecond
	serverTransientBase = 1500 * time.Millisecond
	transportBase       = 1000 * time.Millisecond
)

// Delay computes the backoff before retrying after the attempt-th failure
// (1-based). Rate-limit and server errors double per attempt, transport
// errors grow linearly; all carry uniform jitter.
func Delay(class ErrorClass, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	switch class {
	case ClassRateLimited:
		return rateLimitedBase<<shift + jitter(1000)
	case ClassServerTransient:
		return serverTransientBase<<shift + jitter(500)
	default:
		return time.Duration(attempt)*transportBase + jitter(500)
	}
}

func jitter(maxMillis int) time.Duration {
	return time.Duration(rand.Intn(maxMillis)) * time.Millisecond
}

// SleepInterruptible sleeps for d but wakes on a short probe interval to
// test for cancellation, so no backoff outlives a cancel request by more
// than the probe interval.
func SleepInterruptible(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wait := config.BackoffProbeInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
