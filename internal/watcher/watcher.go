// Package watcher monitors the sessions root for conversation log
// activity and feeds tailed records into the session model.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/claude-island/claude-island/internal/logging"
	"github.com/claude-island/claude-island/internal/state"
	"github.com/claude-island/claude-island/internal/tailer"
)

// taskLogPattern matches subagent task logs, which are counted per
// session but not merged into the parent conversation.
const taskLogPattern = "task-*.jsonl"

// Watcher drives tailers off filesystem notifications.
type Watcher struct {
	root     string
	debounce time.Duration
	store    *state.Store

	fsw *fsnotify.Watcher

	// Owned by the run goroutine after Start.
	tailers   map[string]*tailer.Tailer // session id -> tailer
	lastPoll  map[string]time.Time      // log path -> last poll trigger
	taskSeen  map[string]bool           // task log path -> seen
	watchDirs map[string]bool           // session dirs under watch

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool

	mu        sync.RWMutex
	healthErr error
}

// New creates a watcher for the sessions root. A missing root is
// created if possible; failure to create is logged and the watcher
// starts over an empty set, with the absent root left unwatched.
func New(root string, debounce time.Duration, store *state.Store) (*Watcher, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(root, 0o755); mkErr != nil {
			logging.Error().Err(mkErr).Str("root", root).Msg("cannot create sessions root, proceeding with empty set")
		} else {
			logging.Info().Str("root", root).Msg("created sessions root")
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(root); err != nil {
		if _, statErr := os.Stat(root); !os.IsNotExist(statErr) {
			fsw.Close()
			return nil, err
		}
		logging.Warn().Err(err).Str("root", root).Msg("sessions root absent, not watched")
	}

	return &Watcher{
		root:      root,
		debounce:  debounce,
		store:     store,
		fsw:       fsw,
		tailers:   make(map[string]*tailer.Tailer),
		lastPoll:  make(map[string]time.Time),
		taskSeen:  make(map[string]bool),
		watchDirs: make(map[string]bool),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start scans pre-existing sessions and begins watching.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.scanExisting(ctx)
	go w.run(ctx)
}

// Healthy returns nil, or the backend error if the notification
// backend is down and could not be re-registered.
func (w *Watcher) Healthy() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthErr
}

// Stop stops the watcher and waits for the run loop to drain.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}
	return w.fsw.Close()
}

// scanExisting provisions tailers for every session directory already
// on disk, equivalent to a synthetic created event per log.
func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		logging.Warn().Err(err).Str("root", w.root).Msg("initial scan failed")
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, entry.Name())
		w.watchSessionDir(dir)
		w.scanSessionDir(ctx, dir)
	}
}

// scanSessionDir provisions whatever logs already exist in a session
// directory.
func (w *Watcher) scanSessionDir(ctx context.Context, dir string) {
	logPath := filepath.Join(dir, tailer.ConversationLog)
	if _, err := os.Stat(logPath); err == nil {
		w.provision(ctx, logPath)
	}

	tasks, _ := filepath.Glob(filepath.Join(dir, taskLogPattern))
	for _, task := range tasks {
		w.noteTaskLog(ctx, task)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				if !w.reRegister(ctx) {
					return
				}
				continue
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				if !w.reRegister(ctx) {
					return
				}
				continue
			}
			logging.Error().Err(err).Msg("watcher backend error")
			w.setHealth(err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if filepath.Dir(ev.Name) == w.root {
				w.watchSessionDir(ev.Name)
				// The log may have landed before the watch did.
				w.scanSessionDir(ctx, ev.Name)
			}
			return
		}
	}

	switch {
	case name == tailer.ConversationLog:
		if ev.Op.Has(fsnotify.Create) {
			w.provision(ctx, ev.Name)
			return
		}
		if ev.Op.Has(fsnotify.Write) {
			w.pollDebounced(ctx, ev.Name)
		}
	case matchesTaskLog(name):
		if ev.Op.Has(fsnotify.Create) {
			w.noteTaskLog(ctx, ev.Name)
		}
	default:
		// Unrelated file, ignore.
	}
}

// pollDebounced coalesces bursts of modification events per path.
func (w *Watcher) pollDebounced(ctx context.Context, logPath string) {
	now := time.Now()
	if last, ok := w.lastPoll[logPath]; ok && now.Sub(last) < w.debounce {
		return
	}
	w.lastPoll[logPath] = now
	w.poll(ctx, logPath)
}

// provision creates the tailer for a newly observed log and performs
// an initial full parse.
func (w *Watcher) provision(ctx context.Context, logPath string) {
	id := sessionIDFor(logPath)
	if _, ok := w.tailers[id]; ok {
		w.poll(ctx, logPath)
		return
	}
	w.watchSessionDir(filepath.Dir(logPath))
	w.tailers[id] = tailer.New(logPath)
	logging.Info().Str("session", id).Msg("session log discovered")
	w.poll(ctx, logPath)
}

func (w *Watcher) poll(ctx context.Context, logPath string) {
	id := sessionIDFor(logPath)
	tl, ok := w.tailers[id]
	if !ok {
		w.provision(ctx, logPath)
		return
	}

	batch, err := tl.Poll()
	if err != nil {
		logging.Warn().Err(err).Str("session", id).Msg("poll failed")
		return
	}
	if len(batch.Messages) == 0 && !batch.Reset {
		return
	}

	cmd := state.LogBatchCmd{SessionID: id, Messages: batch.Messages, Reset: batch.Reset}
	if err := w.store.Submit(ctx, cmd); err != nil {
		logging.Warn().Err(err).Str("session", id).Msg("submit log batch failed")
	}
}

func (w *Watcher) noteTaskLog(ctx context.Context, path string) {
	if w.taskSeen[path] {
		return
	}
	w.taskSeen[path] = true
	id := sessionIDFor(path)
	if err := w.store.Submit(ctx, state.TaskLogSeenCmd{SessionID: id}); err != nil {
		logging.Warn().Err(err).Str("session", id).Msg("submit task log failed")
	}
}

func (w *Watcher) watchSessionDir(dir string) {
	if w.watchDirs[dir] {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		logging.Warn().Err(err).Str("dir", dir).Msg("cannot watch session directory")
		return
	}
	w.watchDirs[dir] = true
}

// reRegister rebuilds the fsnotify backend with exponential backoff
// after the old one died. Returns false when the watcher is shutting
// down or the backend stays unrecoverable.
func (w *Watcher) reRegister(ctx context.Context) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = time.Minute

	var fsw *fsnotify.Watcher
	err := backoff.Retry(func() error {
		select {
		case <-w.stopCh:
			return backoff.Permanent(context.Canceled)
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
		}

		var err error
		fsw, err = fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		if err := fsw.Add(w.root); err != nil {
			fsw.Close()
			return err
		}
		for dir := range w.watchDirs {
			if err := fsw.Add(dir); err != nil {
				logging.Warn().Err(err).Str("dir", dir).Msg("re-watch failed")
			}
		}
		return nil
	}, policy)

	if err != nil {
		logging.Error().Err(err).Msg("watcher backend unrecoverable")
		w.setHealth(err)
		return false
	}

	w.fsw.Close()
	w.fsw = fsw
	w.setHealth(nil)
	logging.Info().Msg("watcher backend re-registered")
	return true
}

func (w *Watcher) setHealth(err error) {
	w.mu.Lock()
	w.healthErr = err
	w.mu.Unlock()
}

// sessionIDFor derives the session id from a log file path: the name
// of its containing directory.
func sessionIDFor(logPath string) string {
	return filepath.Base(filepath.Dir(logPath))
}

func matchesTaskLog(name string) bool {
	ok, err := doublestar.Match(taskLogPattern, name)
	return err == nil && ok
}
