package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config file and fires onChange when it is rewritten.
// The serve loop uses it to re-apply tunables and invalidate the agent
// directory cache without a restart.
type Watcher struct {
	path     string
	onChange func()
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save and
	// the original inode stops receiving events.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, onChange: onChange, watcher: fw}, nil
}

// Run processes filesystem events until ctx is cancelled. Rapid event
// bursts (editor save = create+write+chmod) collapse into one onChange.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-pending:
			pending = nil
			slog.Info("config file changed", "path", w.path)
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}
