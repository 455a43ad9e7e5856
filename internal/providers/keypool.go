package providers

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// keyEntry pairs one API key with its own rate limiter and an atomic
// in-flight counter, so the pool can both throttle per-key request rate
// and pick the least-loaded key for the next call.
type keyEntry struct {
	key     string
	limiter *rate.Limiter
	inFlight int64
}

// KeyPool rotates a shared set of provider API keys across concurrent
// turns: each Acquire picks the least-loaded key (fewest in-flight leases)
// and blocks until that key's limiter admits the request.
type KeyPool struct {
	entries []*keyEntry
}

// NewKeyPool builds a pool where each key may sustain ratePerSecond
// requests/sec with a burst of burst.
func NewKeyPool(keys []string, ratePerSecond float64, burst int) (*KeyPool, error) {
	if len(keys) == 0 {
		return nil, errors.New("providers: key pool requires at least one key")
	}
	entries := make([]*keyEntry, len(keys))
	for i, k := range keys {
		entries[i] = &keyEntry{key: k, limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
	}
	return &KeyPool{entries: entries}, nil
}

// Lease is a held key; callers must call Release exactly once.
type Lease struct {
	pool  *KeyPool
	entry *keyEntry
}

func (l *Lease) Key() string { return l.entry.key }

func (l *Lease) Release() {
	atomic.AddInt64(&l.entry.inFlight, -1)
}

// Acquire picks the least-loaded key, then blocks until that key's limiter
// admits a request; other keys' limiters are not consulted while it waits.
func (p *KeyPool) Acquire(ctx context.Context) (*Lease, error) {
	best := p.leastLoaded()
	if err := best.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	atomic.AddInt64(&best.inFlight, 1)
	return &Lease{pool: p, entry: best}, nil
}

func (p *KeyPool) leastLoaded() *keyEntry {
	best := p.entries[0]
	bestLoad := atomic.LoadInt64(&best.inFlight)
	for _, e := range p.entries[1:] {
		load := atomic.LoadInt64(&e.inFlight)
		if load < bestLoad {
			best, bestLoad = e, load
		}
	}
	return best
}

// Len reports the number of keys in the pool.
func (p *KeyPool) Len() int { return len(p.entries) }
