package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLeaseStore is a LeaseStore backed by a single `session_locks`
// table, grounded on the teacher's Postgres DBLocker tryAcquire/
// extendLease/Unlock queries translated to SQLite's upsert syntax
// (`ON CONFLICT ... DO UPDATE ... WHERE`, supported since SQLite 3.24,
// which mattn/go-sqlite3 bundles). A single shared SQLite file is
// sufficient lease storage for the multi-process case this gateway
// supports: several relayd processes on one host sharing a workspace,
// not a distributed cluster (spec's NON-GOALS explicitly exclude that).
type SQLiteLeaseStore struct {
	db *sql.DB
}

// OpenSQLiteLeaseStore opens (creating if absent) a SQLite database at
// path and ensures the session_locks table exists.
func OpenSQLiteLeaseStore(path string) (*SQLiteLeaseStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open lease db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid SQLITE_BUSY storms
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_locks (
			session_id TEXT PRIMARY KEY,
			holder_id  TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sessions: create session_locks table: %w", err)
	}
	return &SQLiteLeaseStore{db: db}, nil
}

func (s *SQLiteLeaseStore) Close() error {
	return s.db.Close()
}

// TryAcquire inserts a fresh lease row, or takes over one whose lease has
// expired or that this holder already owns (idempotent re-acquire by the
// same renewal loop).
func (s *SQLiteLeaseStore) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_locks (session_id, holder_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			holder_id = excluded.holder_id,
			expires_at = excluded.expires_at
		WHERE session_locks.expires_at < ? OR session_locks.holder_id = excluded.holder_id
	`, key, holder, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("sessions: try acquire lease: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sessions: lease rows affected: %w", err)
	}
	return rows > 0, nil
}

// Extend renews an already-held lease's expiry.
func (s *SQLiteLeaseStore) Extend(ctx context.Context, key, holder string, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_locks SET expires_at = ?
		WHERE session_id = ? AND holder_id = ?
	`, expiresAt, key, holder)
	if err != nil {
		return fmt.Errorf("sessions: extend lease: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessions: extend rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("sessions: lease for %q not held by %q", key, holder)
	}
	return nil
}

// Release drops a held lease outright so a waiting acquirer doesn't have
// to wait out the remaining TTL.
func (s *SQLiteLeaseStore) Release(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_locks WHERE session_id = ? AND holder_id = ?
	`, key, holder)
	if err != nil {
		return fmt.Errorf("sessions: release lease: %w", err)
	}
	return nil
}
