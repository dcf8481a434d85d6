package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// Watcher reloads the configuration file when it changes and hands every
// valid new configuration to a callback. Invalid edits are logged and the
// previous configuration stays in effect.
//
// The parent directory is watched rather than the file itself, so editors
// that replace the file on save are handled.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	timerMu sync.Mutex
	timer   *time.Timer

	// reloadMu is held for the whole of a reload, callback included.
	reloadMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	started   bool
	done      chan struct{}
	stopped   chan struct{}
}

// NewWatcher creates a watcher for the configuration file at path.
// Call Start() to begin watching and Close() when done.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		watcher:  fw,
		logger:   logger,
		debounce: DebounceDelay,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay. Must be called before Start().
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounce = d
}

// Start begins the event processing loop. Later calls do nothing.
func (w *Watcher) Start() {
	w.startOnce.Do(func() {
		w.timerMu.Lock()
		w.started = true
		w.timerMu.Unlock()
		go w.eventLoop()
	})
}

// Close stops the watcher. It may be called without Start and more than
// once. No callback runs after Close returns.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.closeWatcher() })
	return err
}

func (w *Watcher) closeWatcher() error {
	// Block a concurrent Start from launching the loop after this point.
	w.startOnce.Do(func() {})

	close(w.done)
	err := w.watcher.Close()

	w.timerMu.Lock()
	started := w.started
	w.timerMu.Unlock()
	if started {
		<-w.stopped
	}

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	// Wait for a reload whose timer already fired. Any reload that gets the
	// lock after this sees done closed and returns.
	w.reloadMu.Lock()
	w.reloadMu.Unlock() //nolint:staticcheck // empty critical section waits out a running reload
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("Config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// reload must not call Close from onChange.
func (w *Watcher) reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	if w.closed() {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("Ignoring invalid config change", "path", w.path, "error", err)
		}
		return
	}
	if w.closed() {
		return
	}
	if w.logger != nil {
		w.logger.Info("Config reloaded", "path", w.path)
	}
	w.onChange(cfg)
}
