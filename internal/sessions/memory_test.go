package sessions

import (
	"context"
	"testing"

	"github.com/kestrelhq/relay/pkg/models"
)

func TestMemoryStoreAppendAndLoad(t *testing.T) {
	store := NewMemoryStore()
	key := models.SessionKey{AgentID: "main", Kind: models.DMKind("signal", "+1")}

	if err := store.Append(context.Background(), key, models.Message{ID: "m1", Role: models.RoleUser, Content: []models.Content{models.TextBlock("hi")}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	sess, err := store.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(sess.History) != 1 || sess.History[0].ID != "m1" {
		t.Fatalf("expected loaded history to contain appended message, got %+v", sess.History)
	}
}

func TestMemoryStoreLoadIsDeepCloned(t *testing.T) {
	store := NewMemoryStore()
	key := models.SessionKey{AgentID: "main", Kind: models.MainKind()}
	_ = store.Append(context.Background(), key, models.Message{ID: "m1", Content: []models.Content{models.TextBlock("x")}})

	sess, _ := store.Load(context.Background(), key)
	sess.History[0].Content[0].Text = "mutated"

	sess2, _ := store.Load(context.Background(), key)
	if sess2.History[0].Content[0].Text != "x" {
		t.Fatalf("expected store to be unaffected by mutation of a loaded snapshot")
	}
}

func TestMemoryStoreRestoreTruncates(t *testing.T) {
	store := NewMemoryStore()
	key := models.SessionKey{AgentID: "main", Kind: models.MainKind()}
	for i := 0; i < 5; i++ {
		_ = store.Append(context.Background(), key, models.Message{ID: "m", Content: []models.Content{models.TextBlock("x")}})
	}

	n, err := store.Snapshot(context.Background(), key)
	if err != nil || n != 5 {
		t.Fatalf("Snapshot() = %d, %v, want 5", n, err)
	}

	if err := store.Restore(context.Background(), key, 2); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	sess, _ := store.Load(context.Background(), key)
	if len(sess.History) != 2 {
		t.Fatalf("expected history truncated to 2, got %d", len(sess.History))
	}
}

func TestMemoryStoreRestoreUnknownKeyAtZeroIsNoop(t *testing.T) {
	store := NewMemoryStore()
	key := models.SessionKey{AgentID: "ghost", Kind: models.MainKind()}
	if err := store.Restore(context.Background(), key, 0); err != nil {
		t.Fatalf("Restore() on unknown key at length 0 should be a no-op, got %v", err)
	}
}

func TestMemoryStoreClearRemovesSession(t *testing.T) {
	store := NewMemoryStore()
	key := models.SessionKey{AgentID: "main", Kind: models.MainKind()}
	_ = store.Append(context.Background(), key, models.Message{ID: "m1"})

	if err := store.Clear(context.Background(), key); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	sess, _ := store.Load(context.Background(), key)
	if len(sess.History) != 0 {
		t.Fatalf("expected cleared session to load empty")
	}
}

func TestMemoryStoreCompactionAndTokens(t *testing.T) {
	store := NewMemoryStore()
	key := models.SessionKey{AgentID: "main", Kind: models.MainKind()}

	state := &models.CompactionState{SummaryText: "summary", TokensBeforeCompact: 1000}
	if err := store.SaveCompaction(context.Background(), key, state); err != nil {
		t.Fatalf("SaveCompaction() error = %v", err)
	}
	if err := store.SetLastInputTokens(context.Background(), key, 42); err != nil {
		t.Fatalf("SetLastInputTokens() error = %v", err)
	}

	sess, _ := store.Load(context.Background(), key)
	if sess.Compaction == nil || sess.Compaction.SummaryText != "summary" {
		t.Fatalf("expected compaction state to persist, got %+v", sess.Compaction)
	}
	if sess.LastInputTokens != 42 {
		t.Fatalf("expected last input tokens 42, got %d", sess.LastInputTokens)
	}
}

func TestMemoryStoreListReturnsAllKeys(t *testing.T) {
	store := NewMemoryStore()
	keyA := models.SessionKey{AgentID: "main", Kind: models.DMKind("signal", "a")}
	keyB := models.SessionKey{AgentID: "main", Kind: models.GroupKind("g1")}
	_ = store.Append(context.Background(), keyA, models.Message{ID: "a"})
	_ = store.Append(context.Background(), keyB, models.Message{ID: "b"})

	keys, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 session keys, got %d", len(keys))
	}
}
