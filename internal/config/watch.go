package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file for writes and applies hot-reloadable
// deltas, grounded on the teacher's internal/skills/manager.go
// StartWatching/watchLoop debounce pattern (create/write/rename events
// coalesced behind a single timer per burst).
type Watcher struct {
	path    string
	logger  *slog.Logger
	onApply func(*Config, []string)

	mu      sync.Mutex
	current *Config
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher constructs a Watcher seeded with the already-loaded config
// for path. onApply is invoked after each debounced reload with the new
// config and the list of fields that were actually applied.
func NewWatcher(path string, current *Config, logger *slog.Logger, onApply func(*Config, []string)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, onApply: onApply, current: current}
}

// Start begins watching. It is a no-op if already started.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fw.Add(w.path); err != nil {
		_ = fw.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx, fw)
	return nil
}

// Close stops watching and releases the underlying inotify handle.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	current := w.current
	w.mu.Unlock()

	result, err := ApplyReload(current, w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", slog.Any("error", err))
		return
	}
	if len(result.Rejected) > 0 {
		w.logger.Warn("config reload: some changes require a restart and were not applied",
			slog.Any("rejected_fields", result.Rejected))
	}
	if len(result.Applied) == 0 {
		return
	}

	w.mu.Lock()
	w.current = result.Config
	w.mu.Unlock()

	w.logger.Info("config reload applied", slog.Any("fields", result.Applied))
	if w.onApply != nil {
		w.onApply(result.Config, result.Applied)
	}
}
