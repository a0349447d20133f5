package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce     = 100 * time.Millisecond
	watchEventsBuffer = 4
	watchErrorsBuffer = 4
)

// Watcher monitors the config file and emits the reloaded configuration on
// change. Editors that write via rename are handled by watching the parent
// directory rather than the file itself.
type Watcher struct {
	path string

	fsWatcher *fsnotify.Watcher
	events    chan *Config
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	lastEmit time.Time

	wg sync.WaitGroup
}

// Watch starts monitoring the given config file path.
func Watch(path string) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("abs config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0700); err != nil {
		return nil, fmt.Errorf("ensure config dir exists: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:      abs,
		fsWatcher: fsw,
		events:    make(chan *Config, watchEventsBuffer),
		errors:    make(chan error, watchErrorsBuffer),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()

	return w, nil
}

// Events returns a channel of reloaded configurations.
func (w *Watcher) Events() <-chan *Config { return w.events }

// Errors returns a channel of watch and reload errors.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Close stops the watcher and releases OS resources.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		close(w.done)
	})
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer close(w.events)
	defer close(w.errors)

	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !w.shouldEmit() {
				continue
			}
			cfg, err := LoadFile(w.path)
			if err != nil {
				// A bad edit keeps the previous config in force.
				w.emitError(err)
				continue
			}
			w.emitEvent(cfg)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.emitError(err)
		}
	}
}

// shouldEmit debounces bursts from editors that write in several syscalls.
func (w *Watcher) shouldEmit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Sub(w.lastEmit) < watchDebounce {
		return false
	}
	w.lastEmit = now
	return true
}

func (w *Watcher) emitEvent(cfg *Config) {
	select {
	case w.events <- cfg:
	default:
		// Best-effort: drop if consumer is stalled.
	}
}

func (w *Watcher) emitError(err error) {
	select {
	case w.errors <- err:
	default:
		// Best-effort: drop if consumer is stalled.
	}
}
