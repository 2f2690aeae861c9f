package watch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"

	logpkg "github.com/kk-code-lab/lineidx/internal/log"
)

func newTestWatcher(t *testing.T, path string) (*Watcher, *[]int64) {
	t.Helper()
	var got []int64
	w := &Watcher{
		path: path,
		notify: func(n int64) error {
			got = append(got, n)
			return nil
		},
		log: logpkg.Discard(),
	}
	return w, &got
}

func TestHandleWriteReportsLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w, got := newTestWatcher(t, path)

	if err := w.handle(fsnotify.Event{Name: path, Op: fsnotify.Write}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := w.handle(fsnotify.Event{Name: filepath.Join(dir, "other.log"), Op: fsnotify.Write}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(*got) != 1 || (*got)[0] != 8 {
		t.Fatalf("notifications = %v, want [8]", *got)
	}
}

func TestHandleRemoveReportsZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	w, got := newTestWatcher(t, path)

	if err := w.handle(fsnotify.Event{Name: path, Op: fsnotify.Remove}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(*got) != 1 || (*got)[0] != 0 {
		t.Fatalf("notifications = %v, want [0]", *got)
	}
}

func TestHandleIgnoresChmodAndPropagatesNotifyError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := errors.New("closed")
	w := &Watcher{path: path, notify: func(int64) error { return want }, log: logpkg.Discard()}

	if err := w.handle(fsnotify.Event{Name: path, Op: fsnotify.Chmod}); err != nil {
		t.Fatalf("chmod event: %v", err)
	}
	if err := w.handle(fsnotify.Event{Name: path, Op: fsnotify.Create}); !errors.Is(err, want) {
		t.Fatalf("handle = %v, want %v", err, want)
	}
}
