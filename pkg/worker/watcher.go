package worker

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// BinaryWatcher monitors worker executables on disk and retires the
// running worker when its binary is rebuilt, so the next acquire picks
// up the fresh build. Watching is per-directory because editors and
// compilers replace files rather than writing them in place.
type BinaryWatcher struct {
	watcher   *fsnotify.Watcher
	logger    zerolog.Logger
	debounce  time.Duration
	done      chan struct{}
	stopOnce  sync.Once
	mu        sync.Mutex
	retire    map[string]func() // absolute executable path -> retire callback
	timers    map[string]*time.Timer
}

// NewBinaryWatcher creates a watcher with the given rebuild debounce
// window. A zero debounce selects 200ms.
func NewBinaryWatcher(logger zerolog.Logger, debounce time.Duration) (*BinaryWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("worker: create binary watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	w := &BinaryWatcher{
		watcher:  fw,
		logger:   logger.With().Str("component", "binary-watcher").Logger(),
		debounce: debounce,
		done:     make(chan struct{}),
		retire:   make(map[string]func()),
		timers:   make(map[string]*time.Timer),
	}
	go w.eventLoop()
	return w, nil
}

// Watch registers an executable. retire is invoked (debounced) whenever
// the file is written, created or renamed.
func (w *BinaryWatcher) Watch(path string, retire func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("worker: resolve %s: %w", path, err)
	}

	w.mu.Lock()
	w.retire[abs] = retire
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("worker: watch %s: %w", filepath.Dir(abs), err)
	}

	w.logger.Debug().Str("path", abs).Msg("watching worker executable")
	return nil
}

// Unwatch removes an executable from the watch set
func (w *BinaryWatcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	delete(w.retire, abs)
	if t, ok := w.timers[abs]; ok {
		t.Stop()
		delete(w.timers, abs)
	}
	w.mu.Unlock()
}

// Close stops the watcher
func (w *BinaryWatcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *BinaryWatcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.handleChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("binary watcher error")
		}
	}
}

// handleChange debounces rebuild bursts before retiring the worker
func (w *BinaryWatcher) handleChange(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	retire, ok := w.retire[abs]
	if !ok {
		return
	}

	if t, exists := w.timers[abs]; exists {
		t.Stop()
	}
	w.timers[abs] = time.AfterFunc(w.debounce, func() {
		w.logger.Info().Str("path", abs).Msg("worker executable changed, retiring worker")
		retire()
	})
}
