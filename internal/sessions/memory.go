package sessions

import (
	"context"
	"sync"

	"github.com/kestrelhq/relay/pkg/models"
)

// maxMessagesPerSession bounds in-memory history growth the way the
// teacher's MemoryStore trims old messages once a session gets long;
// compaction is expected to keep real sessions well under this.
const maxMessagesPerSession = 4000

// MemoryStore is an in-process Store implementation for tests. It is not
// durable across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*models.Session{}}
}

func (m *MemoryStore) Load(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key.String()]
	if !ok {
		return &models.Session{Key: key}, nil
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Append(ctx context.Context, key models.SessionKey, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(key)
	s.History = append(s.History, cloneMessage(msg))
	if len(s.History) > maxMessagesPerSession {
		excess := len(s.History) - maxMessagesPerSession
		s.History = s.History[excess:]
	}
	return nil
}

func (m *MemoryStore) Snapshot(ctx context.Context, key models.SessionKey) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key.String()]
	if !ok {
		return 0, nil
	}
	return len(s.History), nil
}

func (m *MemoryStore) Restore(ctx context.Context, key models.SessionKey, length int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key.String()]
	if !ok {
		if length == 0 {
			return nil
		}
		return ErrNotFound{Key: key}
	}
	if length < 0 {
		length = 0
	}
	if length > len(s.History) {
		length = len(s.History)
	}
	s.History = s.History[:length]
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, key models.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key.String())
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]models.SessionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SessionKey, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Key)
	}
	return out, nil
}

func (m *MemoryStore) SaveCompaction(ctx context.Context, key models.SessionKey, state *models.CompactionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(key)
	s.Compaction = cloneCompaction(state)
	return nil
}

func (m *MemoryStore) SetLastInputTokens(ctx context.Context, key models.SessionKey, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(key)
	s.LastInputTokens = tokens
	return nil
}

func (m *MemoryStore) getOrCreateLocked(key models.SessionKey) *models.Session {
	k := key.String()
	s, ok := m.sessions[k]
	if !ok {
		s = &models.Session{Key: key}
		m.sessions[k] = s
	}
	return s
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.History = make([]models.Message, len(s.History))
	for i, m := range s.History {
		clone.History[i] = cloneMessage(m)
	}
	clone.Compaction = cloneCompaction(s.Compaction)
	return &clone
}

func cloneMessage(m models.Message) models.Message {
	clone := m
	clone.Content = append([]models.Content(nil), m.Content...)
	if m.Metadata != nil {
		clone.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

func cloneCompaction(c *models.CompactionState) *models.CompactionState {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}
