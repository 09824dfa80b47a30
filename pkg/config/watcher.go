package config

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// FileWatcher runs callbacks when watched files change. Bursts of events for
// the same file are coalesced into one callback.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	callbacks map[string][]func()
	dirs      map[string]bool
	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	onError   func(error)
}

func NewFileWatcher() *FileWatcher {
	return &FileWatcher{
		callbacks: make(map[string][]func()),
		dirs:      make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// OnError sets the handler for errors reported by the underlying watcher.
func (w *FileWatcher) OnError(fn func(error)) {
	w.mu.Lock()
	w.onError = fn
	w.mu.Unlock()
}

func (w *FileWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	w.watcher = watcher
	w.running = true
	go w.watchLoop()

	return nil
}

// Watch registers fn for path. The parent directory is watched so that
// editors replacing the file through a rename are still noticed.
func (w *FileWatcher) Watch(path string, fn func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return errors.New("file watcher not started")
	}

	dir := filepath.Dir(abs)
	if !w.dirs[dir] {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.dirs[dir] = true
	}
	w.callbacks[abs] = append(w.callbacks[abs], fn)
	return nil
}

func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
		w.running = false
		w.mu.Unlock()
	})
}

func (w *FileWatcher) watchLoop() {
	var debounceTimer *time.Timer
	pendingPaths := make(map[string]bool)
	var debounceMutex sync.Mutex

	fire := func() {
		debounceMutex.Lock()
		paths := make([]string, 0, len(pendingPaths))
		for path := range pendingPaths {
			paths = append(paths, path)
		}
		pendingPaths = make(map[string]bool)
		debounceTimer = nil
		debounceMutex.Unlock()

		w.mu.RLock()
		var fns []func()
		for _, path := range paths {
			fns = append(fns, w.callbacks[path]...)
		}
		w.mu.RUnlock()

		for _, fn := range fns {
			fn()
		}
	}

	for {
		select {
		case <-w.stopCh:
			debounceMutex.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceMutex.Unlock()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(event.Name)

			w.mu.RLock()
			_, exists := w.callbacks[name]
			w.mu.RUnlock()
			if !exists {
				continue
			}

			debounceMutex.Lock()
			pendingPaths[name] = true
			if debounceTimer == nil {
				debounceTimer = time.AfterFunc(watchDebounce, fire)
			}
			debounceMutex.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.mu.RLock()
			onError := w.onError
			w.mu.RUnlock()
			if onError != nil {
				onError(err)
			}
		}
	}
}
