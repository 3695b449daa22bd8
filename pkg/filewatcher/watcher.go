// Package filewatcher reports debounced changes to files on disk. The broker
// uses it to pick up edits to its configuration file.
package filewatcher

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// FileWatcher watches directories for file changes
type FileWatcher struct {
	watcher     *fsnotify.Watcher
	dirs        []string
	patterns    []string
	logger      *slog.Logger
	callbacks   []func(string)
	callbacksMu sync.RWMutex
	debounce    time.Duration
	changes     map[string]time.Time
	changesMu   sync.Mutex
	done        chan struct{}
	stopOnce    sync.Once
}

// New creates a new FileWatcher
func New(opts ...Option) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		watcher:  watcher,
		dirs:     []string{"."},
		patterns: []string{"*"},
		logger:   slog.Default(),
		debounce: defaultDebounce,
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw, nil
}

// AddCallback adds a callback to be called with the path of each changed
// file.
func (fw *FileWatcher) AddCallback(callback func(string)) {
	fw.callbacksMu.Lock()
	defer fw.callbacksMu.Unlock()
	fw.callbacks = append(fw.callbacks, callback)
}

// Start starts watching for file changes
func (fw *FileWatcher) Start() error {
	for _, dir := range fw.dirs {
		fw.logger.Debug("FileWatcher: watching directory", "dir", dir, "patterns", fw.patterns)
		if err := fw.watcher.Add(dir); err != nil {
			return err
		}
	}
	go fw.watchLoop()
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FileWatcher) watchLoop() {
	// Tick at a fraction of the debounce so a change fires close to it.
	ticker := time.NewTicker(fw.debounce / 3)
	defer ticker.Stop()

	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if fw.matchesPattern(event.Name) {
				fw.changesMu.Lock()
				fw.changes[event.Name] = time.Now()
				fw.changesMu.Unlock()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("FileWatcher: watch error", "error", err)
		case <-ticker.C:
			fw.processChanges()
		}
	}
}

// processChanges fires callbacks for files that have been quiet for the
// debounce period.
func (fw *FileWatcher) processChanges() {
	var ready []string
	now := time.Now()

	fw.changesMu.Lock()
	for file, changeTime := range fw.changes {
		if now.Sub(changeTime) >= fw.debounce {
			ready = append(ready, file)
			delete(fw.changes, file)
		}
	}
	fw.changesMu.Unlock()

	for _, file := range ready {
		fw.logger.Debug("FileWatcher: file changed", "file", file)
		fw.notifyCallbacks(file)
	}
}

func (fw *FileWatcher) notifyCallbacks(file string) {
	fw.callbacksMu.RLock()
	defer fw.callbacksMu.RUnlock()
	for _, callback := range fw.callbacks {
		callback(file)
	}
}

func (fw *FileWatcher) matchesPattern(file string) bool {
	base := filepath.Base(file)
	for _, pattern := range fw.patterns {
		matched, err := filepath.Match(pattern, base)
		if err != nil {
			fw.logger.Error("FileWatcher: bad pattern", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
