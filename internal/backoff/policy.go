// Package backoff provides exponential backoff with jitter for the
// channel loop's reconnection logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy controls the shape of an exponential backoff schedule.
type Policy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	Jitter    float64
}

// DefaultPolicy is used by channel reconnection when no policy is
// configured: 1s initial, 30s cap, factor 2, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 1000, MaxMs: 30000, Factor: 2, Jitter: 0.2}
}

// Compute returns the backoff duration for attempt (1-indexed).
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter, not a security boundary
}

// ComputeWithRand is Compute with an injected random value in [0,1), for
// deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}
