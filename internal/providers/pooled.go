package providers

import (
	"context"
	"fmt"
)

// PooledProvider fans a single provider's calls out across a KeyPool of
// equivalent backends, one per API key, so a multi-key deployment spreads
// load instead of exhausting one key's rate limit. byKey maps the pool's
// key string to the backend constructed for that key.
type PooledProvider struct {
	pool  *KeyPool
	byKey map[string]Provider
	name  string
}

// NewPooledProvider builds a PooledProvider, selecting among backends
// (each keyed by the API key it was constructed with) via pool.
func NewPooledProvider(name string, pool *KeyPool, byKey map[string]Provider) *PooledProvider {
	return &PooledProvider{pool: pool, byKey: byKey, name: name}
}

func (p *PooledProvider) Name() string { return p.name }

func (p *PooledProvider) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	lease, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	backend, ok := p.byKey[lease.Key()]
	if !ok {
		lease.Release()
		return nil, fmt.Errorf("providers: no backend constructed for pooled key")
	}

	chunks, err := backend.Complete(ctx, req)
	if err != nil {
		lease.Release()
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer lease.Release()
		for c := range chunks {
			out <- c
		}
	}()
	return out, nil
}
