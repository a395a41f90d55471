package schedule

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/logging"
)

// LogWatcher syncs operation history when a runner log changes, which
// covers runs started outside the agent. Bursts of writes to one log are
// coalesced into a single sync.
type LogWatcher struct {
	sync     *LogSync
	dir      string
	debounce time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewLogWatcher(ls *LogSync, logsDir string, debounce time.Duration, logger *logging.Logger) *LogWatcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogWatcher{
		sync:     ls,
		dir:      logsDir,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
	}
}

// Watch runs until ctx is done.
func (w *LogWatcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return &errors.ErrDirectoryCreate{Path: w.dir, Err: err}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		defer w.stopPending()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
					continue
				}
				if id, ok := profileFromLog(event.Name); ok {
					w.schedule(ctx, id)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("log watcher error", "error", werr)
			}
		}
	}()
	return nil
}

func (w *LogWatcher) schedule(ctx context.Context, profileID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[profileID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[profileID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, profileID)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		n, err := w.sync.Sync(ctx, profileID)
		if err != nil {
			w.logger.ErrorWithContext(ctx, "failed to sync run log", "profile_id", profileID, "error", err)
			return
		}
		if n > 0 {
			w.logger.InfoWithContext(ctx, "recorded scheduled runs", "profile_id", profileID, "count", n)
		}
	})
}

func (w *LogWatcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.pending {
		t.Stop()
		delete(w.pending, id)
	}
}

// profileFromLog extracts the profile id from ".../backup-{id}.log".
func profileFromLog(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "backup-") || !strings.HasSuffix(name, ".log") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, "backup-"), ".log")
	return id, id != ""
}
