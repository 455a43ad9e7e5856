package providers

import (
	"context"
	"testing"
	"time"
)

func TestNewKeyPoolRejectsEmptyKeys(t *testing.T) {
	if _, err := NewKeyPool(nil, 10, 10); err == nil {
		t.Fatalf("expected error for empty key list")
	}
}

func TestKeyPoolAcquireReturnsAKey(t *testing.T) {
	pool, err := NewKeyPool([]string{"key-a", "key-b"}, 100, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease.Key() != "key-a" && lease.Key() != "key-b" {
		t.Fatalf("unexpected key: %q", lease.Key())
	}
	lease.Release()
}

func TestKeyPoolPrefersLeastLoadedKey(t *testing.T) {
	pool, err := NewKeyPool([]string{"key-a", "key-b"}, 100, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	first, _ := pool.Acquire(ctx)
	second, _ := pool.Acquire(ctx)
	if first.Key() == second.Key() {
		t.Fatalf("expected the second acquire to pick the other, less-loaded key")
	}
	first.Release()
	second.Release()
}
