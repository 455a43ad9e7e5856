package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTemporary = errors.New("temporary")

func TestComputeWithRandDoublesEachAttempt(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0}
	if got := ComputeWithRand(policy, 1, 0.5); got != 100*time.Millisecond {
		t.Fatalf("attempt 1: got %v, want 100ms", got)
	}
	if got := ComputeWithRand(policy, 2, 0.5); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: got %v, want 200ms", got)
	}
	if got := ComputeWithRand(policy, 3, 0.5); got != 400*time.Millisecond {
		t.Fatalf("attempt 3: got %v, want 400ms", got)
	}
}

func TestComputeWithRandClampsToMax(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 500, Factor: 2, Jitter: 0}
	if got := ComputeWithRand(policy, 10, 0.5); got != 500*time.Millisecond {
		t.Fatalf("got %v, want clamped to 500ms", got)
	}
}

func TestComputeWithRandAppliesJitter(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0.1}
	if got := ComputeWithRand(policy, 1, 1.0); got != 110*time.Millisecond {
		t.Fatalf("got %v, want 110ms at max jitter", got)
	}
	if got := ComputeWithRand(policy, 1, 0.0); got != 100*time.Millisecond {
		t.Fatalf("got %v, want 100ms at zero jitter", got)
	}
}

func TestSleepRespectsZeroAndNegativeDuration(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Sleep(context.Background(), -time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 20, Factor: 2, Jitter: 0}
	attempts := 0
	result, err := Retry(context.Background(), policy, 5, func(attempt int) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errTemporary
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Value != "ok" || result.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 5, Factor: 2, Jitter: 0}
	attempts := 0
	_, err := Retry(context.Background(), policy, 3, func(attempt int) (string, error) {
		attempts++
		return "", errTemporary
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryUnlimitedUntilSuccess(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 5, Factor: 1, Jitter: 0}
	attempts := 0
	result, err := Retry(context.Background(), policy, 0, func(attempt int) (int, error) {
		attempts++
		if attempts < 10 {
			return 0, errTemporary
		}
		return attempts, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Value != 10 {
		t.Fatalf("expected value 10, got %d", result.Value)
	}
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{InitialMs: 50, MaxMs: 1000, Factor: 2, Jitter: 0}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Retry(ctx, policy, 0, func(attempt int) (string, error) {
		return "", errTemporary
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryVoid(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 5, Factor: 1, Jitter: 0}
	attempts := 0
	err := RetryVoid(context.Background(), policy, 3, func(attempt int) error {
		attempts++
		if attempts < 2 {
			return errTemporary
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}
