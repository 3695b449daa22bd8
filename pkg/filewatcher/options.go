package filewatcher

import (
	"log/slog"
	"path/filepath"
	"time"
)

// Option configures a FileWatcher
type Option func(*FileWatcher)

// WithLogger sets the logger for the file watcher
func WithLogger(logger *slog.Logger) Option {
	return func(fw *FileWatcher) {
		if logger != nil {
			fw.logger = logger
		}
	}
}

// WithDirs sets the directories to watch
func WithDirs(dirs []string) Option {
	return func(fw *FileWatcher) {
		if len(dirs) > 0 {
			fw.dirs = dirs
		}
	}
}

// WithPatterns sets the base-name patterns that count as a change.
func WithPatterns(patterns []string) Option {
	return func(fw *FileWatcher) {
		if len(patterns) > 0 {
			fw.patterns = patterns
		}
	}
}

// WithFiles watches individual files. Each file's directory is watched and
// only the file's own name matches, so editors that save by rename are seen.
func WithFiles(files ...string) Option {
	return func(fw *FileWatcher) {
		if len(files) == 0 {
			return
		}
		dirs := make([]string, 0, len(files))
		patterns := make([]string, 0, len(files))
		seen := make(map[string]bool)
		for _, f := range files {
			dir := filepath.Dir(f)
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
			patterns = append(patterns, filepath.Base(f))
		}
		fw.dirs = dirs
		fw.patterns = patterns
	}
}

// WithDebounce sets how long a file must stay quiet before its callbacks run.
func WithDebounce(d time.Duration) Option {
	return func(fw *FileWatcher) {
		if d > 0 {
			fw.debounce = d
		}
	}
}
