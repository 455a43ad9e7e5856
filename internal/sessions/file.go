package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kestrelhq/relay/pkg/models"
)

// FileStore is the daemon's durable Store tier: one append-only JSONL
// history file plus one sidecar compaction-state file per session, both
// under dir and named by SessionKey.Slug() ("<slug>.jsonl",
// "<slug>_compaction.json"). It keeps decoded sessions resident in memory
// and mirrors every write to disk, the way the teacher's diagnostics file
// writer lazily opens and appends a trace file rather than rewriting it on
// every line (internal/diagnostics/cache_trace.go).
type FileStore struct {
	dir string

	mu       sync.Mutex
	sessions map[string]*models.Session
	files    map[string]*os.File
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create store dir: %w", err)
	}
	return &FileStore{
		dir:      dir,
		sessions: map[string]*models.Session{},
		files:    map[string]*os.File{},
	}, nil
}

// historyRecord is one line of a session's JSONL history file. The first
// line of every file is a header record carrying the SessionKey, since the
// slug naming the file is a lossy transform and can't be inverted back.
type historyRecord struct {
	Key     *models.SessionKey `json:"key,omitempty"`
	Message *models.Message    `json:"message,omitempty"`
}

// compactionFile is the full contents of a session's sidecar compaction
// file: overwritten wholesale on each save, never appended.
type compactionFile struct {
	Compaction      *models.CompactionState `json:"compaction,omitempty"`
	LastInputTokens int                     `json:"last_input_tokens"`
}

func (s *FileStore) historyPath(key models.SessionKey) string {
	return filepath.Join(s.dir, key.Slug()+".jsonl")
}

func (s *FileStore) compactionPath(key models.SessionKey) string {
	return filepath.Join(s.dir, key.Slug()+"_compaction.json")
}

// loadLocked reads the session's history and compaction files from disk if
// not already resident. A truncated trailing history line (a partial write
// from a crash mid-append) is discarded rather than treated as a load
// error.
func (s *FileStore) loadLocked(key models.SessionKey) (*models.Session, error) {
	k := key.String()
	if sess, ok := s.sessions[k]; ok {
		return sess, nil
	}

	sess := &models.Session{Key: key}

	f, err := os.Open(s.historyPath(key))
	switch {
	case os.IsNotExist(err):
		// no history yet
	case err != nil:
		return nil, fmt.Errorf("sessions: open %s: %w", s.historyPath(key), err)
	default:
		func() {
			defer f.Close()
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				var rec historyRecord
				if err := json.Unmarshal(line, &rec); err != nil {
					// Truncated or corrupt trailing line: stop here and
					// keep what decoded cleanly.
					break
				}
				if rec.Message != nil {
					sess.History = append(sess.History, *rec.Message)
				}
			}
		}()
	}

	if cf, err := readCompactionFile(s.compactionPath(key)); err == nil && cf != nil {
		sess.Compaction = cf.Compaction
		sess.LastInputTokens = cf.LastInputTokens
	}

	s.sessions[k] = sess
	return sess, nil
}

func readCompactionFile(path string) (*compactionFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cf compactionFile
	if err := json.Unmarshal(data, &cf); err != nil {
		// A truncated sidecar write is recoverable state, not a fatal
		// error: fall back to no compaction state.
		return nil, nil
	}
	return &cf, nil
}

func (s *FileStore) historyFileLocked(key models.SessionKey) (*os.File, error) {
	k := key.String()
	if f, ok := s.files[k]; ok {
		return f, nil
	}
	isNew := false
	if info, err := os.Stat(s.historyPath(key)); err != nil || info.Size() == 0 {
		isNew = true
	}
	f, err := os.OpenFile(s.historyPath(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessions: open %s for append: %w", s.historyPath(key), err)
	}
	s.files[k] = f
	if isNew {
		if line, err := json.Marshal(historyRecord{Key: &key}); err == nil {
			f.Write(append(line, '\n'))
		}
	}
	return f, nil
}

func (s *FileStore) appendMessageLocked(key models.SessionKey, msg models.Message) error {
	f, err := s.historyFileLocked(key)
	if err != nil {
		return err
	}
	line, err := json.Marshal(historyRecord{Message: &msg})
	if err != nil {
		return fmt.Errorf("sessions: encode message: %w", err)
	}
	_, err = f.Write(append(line, '\n'))
	if err == nil {
		err = f.Sync()
	}
	return err
}

// writeCompactionLocked overwrites the sidecar compaction file wholesale
// via a temp-file-then-rename, since it holds current state rather than a
// log.
func (s *FileStore) writeCompactionLocked(key models.SessionKey, sess *models.Session) error {
	cf := compactionFile{Compaction: sess.Compaction, LastInputTokens: sess.LastInputTokens}
	data, err := json.Marshal(cf)
	if err != nil {
		return fmt.Errorf("sessions: encode compaction state: %w", err)
	}
	path := s.compactionPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sessions: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Load(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.loadLocked(key)
	if err != nil {
		return nil, err
	}
	return cloneSession(sess), nil
}

func (s *FileStore) Append(ctx context.Context, key models.SessionKey, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.loadLocked(key)
	if err != nil {
		return err
	}
	sess.History = append(sess.History, cloneMessage(msg))
	return s.appendMessageLocked(key, msg)
}

func (s *FileStore) Snapshot(ctx context.Context, key models.SessionKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.loadLocked(key)
	if err != nil {
		return 0, err
	}
	return len(sess.History), nil
}

// Restore truncates the in-memory view and rewrites the history file from
// scratch at the truncated length, since JSONL append-only storage can't
// un-append a suffix in place. This only runs on turn-executor rollback,
// which is rare relative to normal appends.
func (s *FileStore) Restore(ctx context.Context, key models.SessionKey, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.loadLocked(key)
	if err != nil {
		return err
	}
	if length < 0 {
		length = 0
	}
	if length > len(sess.History) {
		length = len(sess.History)
	}
	sess.History = sess.History[:length]
	return s.rewriteHistoryLocked(key, sess)
}

func (s *FileStore) Clear(ctx context.Context, key models.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[key.String()]; ok {
		_ = f.Close()
		delete(s.files, key.String())
	}
	delete(s.sessions, key.String())

	err := os.Remove(s.historyPath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	err = os.Remove(s.compactionPath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]models.SessionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("sessions: list store dir: %w", err)
	}
	out := make([]models.SessionKey, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		key, err := readHeaderKey(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// readHeaderKey reads just the first line of a session history file to
// recover its SessionKey.
func readHeaderKey(path string) (models.SessionKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.SessionKey{}, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return models.SessionKey{}, fmt.Errorf("sessions: empty file %s", path)
	}
	var rec historyRecord
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.Key == nil {
		return models.SessionKey{}, fmt.Errorf("sessions: no header key in %s", path)
	}
	return *rec.Key, nil
}

func (s *FileStore) SaveCompaction(ctx context.Context, key models.SessionKey, state *models.CompactionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.loadLocked(key)
	if err != nil {
		return err
	}
	sess.Compaction = cloneCompaction(state)
	return s.writeCompactionLocked(key, sess)
}

func (s *FileStore) SetLastInputTokens(ctx context.Context, key models.SessionKey, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.loadLocked(key)
	if err != nil {
		return err
	}
	sess.LastInputTokens = tokens
	return s.writeCompactionLocked(key, sess)
}

func (s *FileStore) rewriteHistoryLocked(key models.SessionKey, sess *models.Session) error {
	if f, ok := s.files[key.String()]; ok {
		_ = f.Close()
		delete(s.files, key.String())
	}
	path := s.historyPath(key)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sessions: rewrite %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if header, err := json.Marshal(historyRecord{Key: &key}); err == nil {
		w.Write(append(header, '\n'))
	}
	for _, msg := range sess.History {
		m := msg
		line, err := json.Marshal(historyRecord{Message: &m})
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Close flushes and closes all open session history files, used on daemon
// shutdown.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, k)
	}
	return firstErr
}
