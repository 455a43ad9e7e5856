package sessions

import (
	"context"
	"sync"
	"time"
)

// sessionLock is a reference-counted mutex: the map entry is removed once
// the last holder releases it, so idle sessions don't leak map entries.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Locker is the turn_lock contract (spec §5): a non-reentrant, per-session
// lock the turn executor takes (via TryLock) at the start of a turn and
// releases once the turn (including any async tool jobs it spawned) is
// fully settled.
type Locker interface {
	// Lock blocks until the session's lock is held or ctx is done. The
	// returned func releases it; callers must call it exactly once.
	Lock(ctx context.Context, sessionKey string) (func(), error)

	// TryLock acquires without blocking, reporting false if already held.
	TryLock(sessionKey string) (func(), bool)
}

// LocalLocker is an in-process Locker keyed by session string, grounded on
// the reference-counted session-lock map in the teacher's tool registry
// runtime. This is the primary Locker for a single-process daemon.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*sessionLock{}}
}

func (l *LocalLocker) acquire(sessionKey string) *sessionLock {
	l.mu.Lock()
	lock := l.locks[sessionKey]
	if lock == nil {
		lock = &sessionLock{}
		l.locks[sessionKey] = lock
	}
	lock.refs++
	l.mu.Unlock()
	return lock
}

func (l *LocalLocker) release(sessionKey string, lock *sessionLock) {
	lock.mu.Unlock()
	l.mu.Lock()
	lock.refs--
	if lock.refs <= 0 {
		delete(l.locks, sessionKey)
	}
	l.mu.Unlock()
}

func (l *LocalLocker) Lock(ctx context.Context, sessionKey string) (func(), error) {
	if sessionKey == "" {
		return func() {}, nil
	}
	lock := l.acquire(sessionKey)

	done := make(chan struct{})
	go func() {
		lock.mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return func() { l.release(sessionKey, lock) }, nil
	case <-ctx.Done():
		// The goroutine above may still acquire later; when it does it
		// immediately unlocks again since nobody will call the release
		// closure for this attempt.
		go func() {
			<-done
			lock.mu.Unlock()
			l.mu.Lock()
			lock.refs--
			if lock.refs <= 0 {
				delete(l.locks, sessionKey)
			}
			l.mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) TryLock(sessionKey string) (func(), bool) {
	if sessionKey == "" {
		return func() {}, true
	}
	l.mu.Lock()
	lock := l.locks[sessionKey]
	if lock == nil {
		lock = &sessionLock{}
		l.locks[sessionKey] = lock
	}
	lock.refs++
	l.mu.Unlock()

	if !lock.mu.TryLock() {
		l.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, sessionKey)
		}
		l.mu.Unlock()
		return nil, false
	}
	return func() { l.release(sessionKey, lock) }, true
}

// DBLockerConfig configures a lease-based distributed Locker. It is an
// optional second Locker implementation; the daemon's default single-process
// Router uses LocalLocker, per NON-GOALS excluding multi-process clustering
// from this gateway's load-bearing design.
type DBLockerConfig struct {
	LeaseTTL     time.Duration
	RenewEvery   time.Duration
	HolderID     string
}

func DefaultDBLockerConfig(holderID string) DBLockerConfig {
	return DBLockerConfig{
		LeaseTTL:   30 * time.Second,
		RenewEvery: 10 * time.Second,
		HolderID:   holderID,
	}
}

// LeaseStore is the minimal persistence a DBLocker needs: an atomic
// try-acquire/extend/release over a shared table or KV store. A concrete
// Postgres-backed implementation is not wired by default; this interface
// exists so one can be dropped in without touching DBLocker itself.
type LeaseStore interface {
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, holder string, ttl time.Duration) error
	Release(ctx context.Context, key, holder string) error
}

// DBLocker is a lease-lock Locker for multi-process deployments, grounded
// on the teacher's Postgres session_locks lease-and-renew pattern. It holds
// the lease alive with a background renewal goroutine for as long as the
// returned release func hasn't been called.
type DBLocker struct {
	cfg   DBLockerConfig
	store LeaseStore
}

func NewDBLocker(store LeaseStore, cfg DBLockerConfig) *DBLocker {
	return &DBLocker{cfg: cfg, store: store}
}

func (d *DBLocker) Lock(ctx context.Context, sessionKey string) (func(), error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := d.store.TryAcquire(ctx, sessionKey, d.cfg.HolderID, d.cfg.LeaseTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return d.startRenew(sessionKey), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *DBLocker) TryLock(sessionKey string) (func(), bool) {
	ok, err := d.store.TryAcquire(context.Background(), sessionKey, d.cfg.HolderID, d.cfg.LeaseTTL)
	if err != nil || !ok {
		return nil, false
	}
	return d.startRenew(sessionKey), true
}

func (d *DBLocker) startRenew(sessionKey string) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.cfg.RenewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = d.store.Extend(context.Background(), sessionKey, d.cfg.HolderID, d.cfg.LeaseTTL)
			}
		}
	}()
	return func() {
		close(stop)
		_ = d.store.Release(context.Background(), sessionKey, d.cfg.HolderID)
	}
}
