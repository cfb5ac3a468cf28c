package persona

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces bursts of editor writes into one reload.
var debounceDelay = 100 * time.Millisecond

// newWatcherFunc creates an fsnotify watcher; tests may replace it to inject errors.
type newWatcherFunc func() (*fsnotify.Watcher, error)

// Watcher reloads a Registry whenever the personas file changes on disk.
type Watcher struct {
	path         string
	reg          *Registry
	watcher      *fsnotify.Watcher
	done         chan struct{}
	mu           sync.Mutex
	running      bool
	onReload     func(error)
	newWatcherFn newWatcherFunc // nil means use fsnotify.NewWatcher
	logger       *slog.Logger
}

// NewWatcher returns a stopped watcher for path feeding reg.
func NewWatcher(path string, reg *Registry) *Watcher {
	if reg == nil {
		panic("persona: registry must not be nil")
	}
	return &Watcher{path: path, reg: reg, logger: reg.logger}
}

// OnReload registers a callback run after every reload attempt with its
// result. It must be set before Start.
func (w *Watcher) OnReload(fn func(error)) { w.onReload = fn }

func (w *Watcher) log() *slog.Logger {
	if w.logger != nil {
		return w.logger
	}
	return slog.Default()
}

// Start begins watching. The parent directory is watched so that atomic
// replace-by-rename saves are seen too.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("persona watcher: already started")
	}
	newWatcher := fsnotify.NewWatcher
	if w.newWatcherFn != nil {
		newWatcher = w.newWatcherFn
	}
	watcher, err := newWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	w.running = true
	go w.eventLoop()
	return nil
}

// Stop ceases watching. Safe to call even if not started.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	close(w.done)
	err := w.watcher.Close()
	w.running = false
	return err
}

func (w *Watcher) eventLoop() {
	target := filepath.Base(w.path)
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.done:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log().Warn("persona watcher: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	err := w.reg.Reload(w.path)
	if err != nil {
		w.log().Error("persona watcher: reload failed", "path", w.path, "error", err)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
