// Package watch waits for the fitting engine's output to appear on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileEvent represents a change to a watched file.
type FileEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// Watcher reports changes to files in a set of directories.
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan FileEvent
	dirs    []string
	log     *slog.Logger
	done    chan struct{}
}

// NewWatcher creates a watcher over dirs. Call Start to begin.
func NewWatcher(dirs []string, log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		watcher: w,
		Events:  make(chan FileEvent, 100),
		dirs:    dirs,
		log:     log,
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Debug("watching directory", "dir", dir)
	}
	go w.processEvents()
	return nil
}

// Stop stops the watcher and closes Events.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	defer close(w.Events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			var op string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				op = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				op = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				op = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				op = "renamed"
			default:
				continue
			}
			select {
			case w.Events <- FileEvent{Path: event.Name, Operation: op, Time: time.Now()}:
			case <-w.done:
				return
			default:
				w.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// DefaultSettle is how long a file must go without writes before WaitForFile
// treats it as complete.
const DefaultSettle = time.Second

// WaitForFile is WaitForFileSettled with DefaultSettle.
func WaitForFile(ctx context.Context, path string, log *slog.Logger) error {
	return WaitForFileSettled(ctx, path, DefaultSettle, log)
}

// WaitForFileSettled blocks until path exists, is not empty, and has seen no
// write for settle. Every create or write event on path restarts the quiet
// period. Writers that rename a finished file into place settle after one
// quiet period. It returns ctx.Err() if ctx ends first.
func WaitForFileSettled(ctx context.Context, path string, settle time.Duration, log *slog.Logger) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := NewWatcher([]string{dir}, log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()

	quiet := time.NewTimer(settle)
	defer quiet.Stop()
	// the timer only matters once the file has shown up
	var settled <-chan time.Time
	if _, err := os.Stat(path); err == nil {
		settled = quiet.C
	} else {
		quiet.Stop()
		w.log.Info("waiting for file", "path", path)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher closed while waiting for %s", path)
			}
			if filepath.Clean(ev.Path) != target || (ev.Operation != "created" && ev.Operation != "modified") {
				continue
			}
			quiet.Reset(settle)
			settled = quiet.C
		case <-settled:
			settled = nil
			fi, err := os.Stat(path)
			if err != nil || fi.Size() == 0 {
				// removed or still empty; wait for the next write
				continue
			}
			w.log.Info("file settled", "path", path, "size", fi.Size())
			return nil
		}
	}
}
