// Package watch re-runs a callback when a mapping file changes on disk.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/satishbabariya/rekey/internal/debug"
)

// DefaultDebounce collapses the burst of events an editor save produces
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches one file. Editors that save by rename replace the inode, so
// the containing directory is watched instead of the file.
type Watcher struct {
	file     string
	callback func() error
	watcher  *fsnotify.Watcher

	// Debounce is the quiet period after the last event before the callback runs
	Debounce time.Duration
	// OnError receives callback and watcher errors; nil drops them after logging
	OnError func(error)
}

// NewWatcher creates a watcher for file
func NewWatcher(file string, callback func() error) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	absPath, err := filepath.Abs(file)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	return &Watcher{
		file:     absPath,
		callback: callback,
		watcher:  watcher,
		Debounce: DefaultDebounce,
	}, nil
}

// Run calls the callback once, then again after every change to the file,
// until ctx is done. It closes the watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.callback(); err != nil {
		w.report(err)
	}

	timer := time.NewTimer(w.Debounce)
	timer.Stop()
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if path, err := filepath.Abs(event.Name); err != nil || path != w.file {
				continue
			}
			debug.Debug("Mapping file changed", "file", w.file, "op", event.Op.String())
			timer.Reset(w.Debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.callback(); err != nil {
				w.report(err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.report(fmt.Errorf("watch error: %w", err))

		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (w *Watcher) report(err error) {
	debug.Warn("Watch callback failed", "file", w.file, "error", err)
	if w.OnError != nil {
		w.OnError(err)
	}
}
