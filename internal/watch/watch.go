// Package watch reports length changes of a single file.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	logpkg "github.com/kk-code-lab/lineidx/internal/log"
)

// Notify receives the current file length after every relevant change.
type Notify func(length int64) error

// Watcher follows one file through its parent directory so that rotation and
// re-creation are seen as well as appends.
type Watcher struct {
	path   string
	notify Notify
	log    *slog.Logger
	fsw    *fsnotify.Watcher
}

// New starts watching path. Call Run to deliver events and Close to stop.
func New(path string, notify Notify, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:   abs,
		notify: notify,
		log:    logpkg.OrDiscard(logger).With("path", abs),
		fsw:    fsw,
	}, nil
}

// Run delivers notifications until ctx is done or the watcher is closed. It
// returns the first error reported by notify.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if err := w.handle(ev); err != nil {
				return err
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) error {
	if filepath.Clean(ev.Name) != w.path {
		return nil
	}
	switch {
	case ev.Op.Has(fsnotify.Write), ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(w.path)
		if err != nil {
			w.log.Debug("stat after change", "error", err)
			return nil
		}
		return w.notify(info.Size())
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if _, err := os.Stat(w.path); errors.Is(err, os.ErrNotExist) {
			w.log.Info("file removed")
			return w.notify(0)
		}
	}
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
