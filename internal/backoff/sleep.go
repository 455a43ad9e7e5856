package backoff

import (
	"context"
	"time"
)

// Sleep waits for duration or until ctx is cancelled, whichever comes
// first, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepAttempt computes the backoff for attempt under policy and sleeps
// for it, respecting ctx cancellation.
func SleepAttempt(ctx context.Context, policy Policy, attempt int) error {
	return Sleep(ctx, Compute(policy, attempt))
}
