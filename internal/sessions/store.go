// Package sessions provides the per-session history store: an in-memory
// tier for tests, and an append-only file tier for the daemon and the
// interactive CLI, both behind the same Store contract.
package sessions

import (
	"context"

	"github.com/kestrelhq/relay/pkg/models"
)

// Store is the contract for session persistence (spec §4.7). Append is
// the only mutation to history; Restore truncates to a prior length and
// is how the turn executor rolls back a failed turn.
type Store interface {
	Load(ctx context.Context, key models.SessionKey) (*models.Session, error)
	Append(ctx context.Context, key models.SessionKey, msg models.Message) error
	Snapshot(ctx context.Context, key models.SessionKey) (int, error)
	Restore(ctx context.Context, key models.SessionKey, length int) error
	Clear(ctx context.Context, key models.SessionKey) error
	List(ctx context.Context) ([]models.SessionKey, error)

	// SaveCompaction replaces (not merges) the session's compaction state.
	SaveCompaction(ctx context.Context, key models.SessionKey, state *models.CompactionState) error

	// SetLastInputTokens records the most recent provider-reported input
	// token usage, consulted by the compaction engine's trigger check.
	SetLastInputTokens(ctx context.Context, key models.SessionKey, tokens int) error
}

// ErrNotFound is returned by MemoryStore.Restore for a key with no
// existing session. Load does not return it: a key with no existing
// session loads as an empty session, created on first write.
type ErrNotFound struct{ Key models.SessionKey }

func (e ErrNotFound) Error() string {
	return "sessions: no session for key " + e.Key.String()
}
