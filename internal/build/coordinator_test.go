package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kk-code-lab/lineidx/internal/config"
	"github.com/kk-code-lab/lineidx/internal/filter"
	fsutil "github.com/kk-code-lab/lineidx/internal/fs"
	"github.com/kk-code-lab/lineidx/internal/highlight"
	"github.com/kk-code-lab/lineidx/internal/index"
)

// numberedLines returns lines "0000\n", "0001\n", ... starting at first.
func numberedLines(first, n int) []byte {
	var b strings.Builder
	for i := first; i < first+n; i++ {
		fmt.Fprintf(&b, "%04d\n", i)
	}
	return []byte(b.String())
}

type memFiles struct {
	mu    sync.Mutex
	data  []byte
	extra int64
	opens int

	// gateOpen selects which OpenShared call returns a handle whose second
	// ReadAt blocks until release is closed.
	gateOpen int
	entered  chan struct{}
	release  chan struct{}
}

func (m *memFiles) set(data []byte, extra int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.extra = extra
}

func (m *memFiles) OpenShared(string) (fsutil.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	f := &memFile{r: bytes.NewReader(append([]byte(nil), m.data...)), extra: m.extra}
	if m.opens == m.gateOpen {
		f.gate = m
	}
	return f, nil
}

type memFile struct {
	r     *bytes.Reader
	extra int64
	calls int
	gate  *memFiles
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.calls++
	if f.gate != nil && f.calls == 2 {
		close(f.gate.entered)
		<-f.gate.release
	}
	return f.r.ReadAt(p, off)
}

func (f *memFile) Size() (int64, error) { return f.r.Size() + f.extra, nil }

func (f *memFile) Close() error { return nil }

type manualDispatch struct {
	jobs chan func()
}

func (d *manualDispatch) dispatch(f func()) {
	d.jobs <- f
}

func (d *manualDispatch) next(t *testing.T) func() {
	t.Helper()
	select {
	case f := <-d.jobs:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("no scan dispatched")
		return nil
	}
}

type recorder struct {
	mu        sync.Mutex
	completed []Completion
	failed    []Failure
}

func (r *recorder) BuildComplete(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, c)
}

func (r *recorder) BuildFailed(f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, f)
}

func (r *recorder) completions() []Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Completion(nil), r.completed...)
}

func (r *recorder) failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failed...)
}

type harness struct {
	c    *Coordinator
	d    *manualDispatch
	rec  *recorder
	stop func()
}

func startHarness(t *testing.T, files fsutil.FileProvider, path string, budget int64, chunk int, mutate func(*Options)) *harness {
	t.Helper()
	settings := config.Default()
	settings.WindowBudget = budget
	settings.ChunkSize = chunk
	d := &manualDispatch{jobs: make(chan func(), 16)}
	rec := &recorder{}
	opts := Options{
		Path:     path,
		Files:    files,
		Settings: func() config.Settings { return settings },
		Listener: rec,
		Dispatch: d.dispatch,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = c.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-stopped
	}
	t.Cleanup(stop)
	return &harness{c: c, d: d, rec: rec, stop: stop}
}

func (h *harness) inspect(t *testing.T, fn func(View)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.c.Inspect(ctx, fn); err != nil {
		t.Fatalf("Inspect: %v", err)
	}
}

func (h *harness) assertIdleQueue(t *testing.T) {
	t.Helper()
	h.inspect(t, func(View) {})
	if n := len(h.d.jobs); n != 0 {
		t.Fatalf("%d unexpected scans dispatched", n)
	}
}

func TestReloadBuildsWindowAroundAnchor(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	h := startHarness(t, files, "mem.log", 50, 8, nil)

	if err := h.c.RequestReload(50); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	h.d.next(t)()

	h.inspect(t, func(v View) {
		ix := v.Index()
		if ix.Begin() != 25 || ix.End() != 75 || ix.Len() != 10 {
			t.Fatalf("window [%d,%d) with %d lines, want [25,75) with 10", ix.Begin(), ix.End(), ix.Len())
		}
		if !v.Loaded() || v.State() != Idle || v.FileEnd() != 100 {
			t.Fatalf("loaded=%v state=%v fileEnd=%d", v.Loaded(), v.State(), v.FileEnd())
		}
		line, err := v.Line(0)
		if err != nil {
			t.Fatalf("Line: %v", err)
		}
		if line.Text != "0005" {
			t.Fatalf("first line = %q, want 0005", line.Text)
		}
	})

	got := h.rec.completions()
	if len(got) != 1 || got[0].Incremental || got[0].LinesAdded != 10 || got[0].Lines != 10 {
		t.Fatalf("completions = %+v", got)
	}
}

func TestStaleBuildIsNeverMerged(t *testing.T) {
	files := &memFiles{
		data:     numberedLines(0, 20),
		gateOpen: 1,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	h := startHarness(t, files, "mem.log", 50, 4096, nil)

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	first := h.d.next(t)
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		first()
	}()
	<-files.entered

	// The first scan has polled for the last time; supersede it now.
	if err := h.c.RequestReload(50); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	second := h.d.next(t)
	close(files.release)
	<-firstDone

	h.inspect(t, func(v View) {
		if v.Loaded() || v.Index().Len() != 0 {
			t.Fatalf("stale result merged: %d lines", v.Index().Len())
		}
	})
	if got := h.rec.completions(); len(got) != 0 {
		t.Fatalf("stale build notified: %+v", got)
	}

	second()
	h.inspect(t, func(v View) {
		if v.Index().Begin() != 25 {
			t.Fatalf("window begins at %d, want 25", v.Index().Begin())
		}
	})
	got := h.rec.completions()
	if len(got) != 1 || got[0].Issue != 2 {
		t.Fatalf("completions = %+v, want only issue 2", got)
	}
}

func TestSupersededScanStopsSilently(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	h := startHarness(t, files, "mem.log", 1000, 8, nil)

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	first := h.d.next(t)
	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	second := h.d.next(t)

	second()
	first()
	h.inspect(t, func(v View) {
		if v.Index().Len() != 20 {
			t.Fatalf("window has %d lines, want 20", v.Index().Len())
		}
	})
	if got := h.rec.completions(); len(got) != 1 || got[0].Issue != 2 {
		t.Fatalf("completions = %+v", got)
	}
	if got := h.rec.failures(); len(got) != 0 {
		t.Fatalf("cancelled scan reported failure: %+v", got)
	}
}

func TestIncrementalDroppedDuringReload(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	h := startHarness(t, files, "mem.log", 1000, 8, nil)

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	reload := h.d.next(t)
	if err := h.c.RequestIncremental(80); err != nil {
		t.Fatalf("RequestIncremental: %v", err)
	}
	h.assertIdleQueue(t)
	h.inspect(t, func(v View) {
		if v.Issue() != 1 || v.State() != Building {
			t.Fatalf("issue=%d state=%v, want 1/building", v.Issue(), v.State())
		}
	})

	reload()
	h.inspect(t, func(v View) {})
	if got := h.rec.completions(); len(got) != 1 || got[0].Incremental {
		t.Fatalf("completions = %+v", got)
	}
}

func TestIncrementalBeforeLoadBecomesReload(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	h := startHarness(t, files, "mem.log", 1000, 8, nil)

	if err := h.c.RequestIncremental(40); err != nil {
		t.Fatalf("RequestIncremental: %v", err)
	}
	h.d.next(t)()
	h.inspect(t, func(v View) {
		if !v.Loaded() {
			t.Fatalf("not loaded")
		}
	})
	if got := h.rec.completions(); len(got) != 1 || got[0].Incremental {
		t.Fatalf("completions = %+v", got)
	}
}

func TestIncrementalBackwardPrependsAndTrims(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	h := startHarness(t, files, "mem.log", 20, 8, nil)

	if err := h.c.RequestReload(80); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	h.d.next(t)()
	if err := h.c.RequestIncremental(60); err != nil {
		t.Fatalf("RequestIncremental: %v", err)
	}
	h.d.next(t)()

	h.inspect(t, func(v View) {
		ix := v.Index()
		want := []index.ByteRange{{Begin: 50, End: 54}, {Begin: 55, End: 59}, {Begin: 60, End: 64}, {Begin: 65, End: 69}, {Begin: 70, End: 74}}
		got := ix.Ranges()
		if len(got) != len(want) {
			t.Fatalf("ranges = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("ranges = %v, want %v", got, want)
			}
		}
		if ix.Begin() != 50 || ix.End() != 75 {
			t.Fatalf("frontiers [%d,%d), want [50,75)", ix.Begin(), ix.End())
		}
	})
	got := h.rec.completions()
	if len(got) != 2 || !got[1].Incremental || !got[1].Backward || got[1].LinesAdded != 4 {
		t.Fatalf("completions = %+v", got)
	}
}

func TestFarJumpBecomesReload(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	h := startHarness(t, files, "mem.log", 20, 8, nil)

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	h.d.next(t)()
	if err := h.c.RequestIncremental(90); err != nil {
		t.Fatalf("RequestIncremental: %v", err)
	}
	h.d.next(t)()

	h.inspect(t, func(v View) {
		ix := v.Index()
		n := ix.Ordinal(90)
		if n >= ix.Len() || ix.At(n) != (index.ByteRange{Begin: 90, End: 94}) {
			t.Fatalf("line at 90 missing from %v", ix.Ranges())
		}
	})
	got := h.rec.completions()
	if len(got) != 2 || got[1].Incremental {
		t.Fatalf("completions = %+v", got)
	}
}

func TestWindowAtEndSkipsForwardScan(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	h := startHarness(t, files, "mem.log", 1000, 8, nil)

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	h.d.next(t)()
	if err := h.c.RequestIncremental(99); err != nil {
		t.Fatalf("RequestIncremental: %v", err)
	}
	h.assertIdleQueue(t)
}

func TestTailingFollowsGrowth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, numberedLines(0, 20), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := startHarness(t, fsutil.OSFiles{}, path, 1000, 8, nil)

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	h.d.next(t)()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write(numberedLines(20, 3)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := h.c.NotifyFileLength(115); err != nil {
		t.Fatalf("NotifyFileLength: %v", err)
	}
	h.d.next(t)()

	h.inspect(t, func(v View) {
		ix := v.Index()
		if ix.Len() != 23 || ix.End() != 115 {
			t.Fatalf("window has %d lines ending at %d, want 23 ending at 115", ix.Len(), ix.End())
		}
		line, err := v.Line(22)
		if err != nil {
			t.Fatalf("Line: %v", err)
		}
		if line.Text != "0022" {
			t.Fatalf("last line = %q", line.Text)
		}
	})
	got := h.rec.completions()
	if len(got) != 2 || !got[1].Incremental || got[1].Backward || got[1].LinesAdded != 3 {
		t.Fatalf("completions = %+v", got)
	}
}

func TestGrowthDuringScanReissuesIncremental(t *testing.T) {
	files := &memFiles{
		data:     numberedLines(0, 20),
		gateOpen: 1,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	h := startHarness(t, files, "mem.log", 1000, 4096, nil)

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	reload := h.d.next(t)
	reloadDone := make(chan struct{})
	go func() {
		defer close(reloadDone)
		reload()
	}()
	<-files.entered

	files.set(append(numberedLines(0, 20), numberedLines(20, 3)...), 0)
	if err := h.c.NotifyFileLength(115); err != nil {
		t.Fatalf("NotifyFileLength: %v", err)
	}
	h.assertIdleQueue(t)
	close(files.release)
	<-reloadDone

	h.d.next(t)()
	h.inspect(t, func(v View) {
		if v.Index().Len() != 23 {
			t.Fatalf("window has %d lines, want 23", v.Index().Len())
		}
	})
	got := h.rec.completions()
	if len(got) != 2 || got[0].Incremental || !got[1].Incremental {
		t.Fatalf("completions = %+v", got)
	}
}

func TestShortReadKeepsIndexAndReportsFailure(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	h := startHarness(t, files, "mem.log", 1000, 8, nil)

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	h.d.next(t)()

	files.set(numberedLines(0, 20), 20)
	if err := h.c.NotifyFileLength(120); err != nil {
		t.Fatalf("NotifyFileLength: %v", err)
	}
	h.d.next(t)()

	h.inspect(t, func(v View) {
		if v.Index().Len() != 20 || v.Index().End() != 100 || v.State() != Idle {
			t.Fatalf("index changed after failed build: %d lines to %d", v.Index().Len(), v.Index().End())
		}
	})
	failures := h.rec.failures()
	if len(failures) != 1 || !errors.Is(failures[0].Err, index.ErrShortRead) {
		t.Fatalf("failures = %+v", failures)
	}
	if got := h.rec.completions(); len(got) != 1 {
		t.Fatalf("completions = %+v", got)
	}
}

func TestTruncationReloadsAtNewEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, numberedLines(0, 20), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := startHarness(t, fsutil.OSFiles{}, path, 1000, 8, nil)

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	h.d.next(t)()

	if err := os.WriteFile(path, numberedLines(0, 10), 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := h.c.NotifyFileLength(50); err != nil {
		t.Fatalf("NotifyFileLength: %v", err)
	}
	h.d.next(t)()

	h.inspect(t, func(v View) {
		if v.Index().Len() != 10 || v.Index().End() != 50 || v.FileEnd() != 50 {
			t.Fatalf("window %d lines to %d, file end %d", v.Index().Len(), v.Index().End(), v.FileEnd())
		}
	})
	got := h.rec.completions()
	if len(got) != 2 || got[1].Incremental {
		t.Fatalf("completions = %+v", got)
	}
}

func TestFiltersSnapshotPerScan(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	rules := filter.Static{
		{Pattern: "^000[0-4]$", Active: true},
		{Pattern: "0002", Excluding: true, Active: true},
	}
	h := startHarness(t, files, "mem.log", 1000, 8, func(o *Options) { o.Filters = rules })

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	h.d.next(t)()
	h.inspect(t, func(v View) {
		ix := v.Index()
		if ix.Len() != 4 || ix.End() != 100 {
			t.Fatalf("filtered window has %d lines ending at %d", ix.Len(), ix.End())
		}
		line, err := v.Line(2)
		if err != nil {
			t.Fatalf("Line: %v", err)
		}
		if line.Text != "0003" {
			t.Fatalf("line 2 = %q, want 0003", line.Text)
		}
	})
}

func TestLineCacheInvalidation(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	h := startHarness(t, files, "mem.log", 1000, 8, nil)

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	h.d.next(t)()

	read := func() {
		h.inspect(t, func(v View) {
			if _, err := v.Line(3); err != nil {
				t.Fatalf("Line: %v", err)
			}
		})
	}
	read()
	read()
	if err := h.c.InvalidateLines(); err != nil {
		t.Fatalf("InvalidateLines: %v", err)
	}
	read()
	if err := h.c.SetHighlighter(highlight.Compile([]highlight.Rule{{Name: "three", Pattern: "3$"}}, 0)); err != nil {
		t.Fatalf("SetHighlighter: %v", err)
	}
	h.inspect(t, func(v View) {
		line, err := v.Line(3)
		if err != nil {
			t.Fatalf("Line: %v", err)
		}
		if !line.Highlighted || line.Highlight.Name != "three" {
			t.Fatalf("highlight not applied: %+v", line)
		}
		if hits, misses := v.CacheStats(); hits != 1 || misses != 3 {
			t.Fatalf("cache stats = %d/%d, want 1/3", hits, misses)
		}
	})
}

func TestLayoutChangeResplitsCachedLines(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 20)}
	var (
		mu       sync.Mutex
		settings = config.Default()
	)
	settings.WindowBudget = 1000
	settings.ChunkSize = 8
	h := startHarness(t, files, "mem.log", 1000, 8, func(o *Options) {
		o.Settings = func() config.Settings {
			mu.Lock()
			defer mu.Unlock()
			return settings
		}
	})

	if err := h.c.RequestReload(0); err != nil {
		t.Fatalf("RequestReload: %v", err)
	}
	h.d.next(t)()
	h.inspect(t, func(v View) {
		line, err := v.Line(12)
		if err != nil {
			t.Fatalf("Line: %v", err)
		}
		if len(line.Columns) != 1 || line.Columns[0] != "0012" {
			t.Fatalf("columns = %q, want [0012]", line.Columns)
		}
	})

	mu.Lock()
	settings.ColumnDelimiter = "1"
	settings.MaxLineLength = 3
	mu.Unlock()
	if err := h.c.RequestIncremental(0); err != nil {
		t.Fatalf("RequestIncremental: %v", err)
	}
	h.assertIdleQueue(t)

	h.inspect(t, func(v View) {
		line, err := v.Line(12)
		if err != nil {
			t.Fatalf("Line: %v", err)
		}
		if line.Text != "001" || len(line.Columns) != 2 || line.Columns[0] != "00" || line.Columns[1] != "" {
			t.Fatalf("line = %+v, want text 001 split into [00 \"\"]", line)
		}
		if hits, misses := v.CacheStats(); hits != 0 || misses != 2 {
			t.Fatalf("cache stats = %d/%d, want 0/2", hits, misses)
		}
	})
}

func TestRequestsAfterStopFail(t *testing.T) {
	files := &memFiles{data: numberedLines(0, 1)}
	h := startHarness(t, files, "mem.log", 1000, 8, nil)
	h.stop()

	if err := h.c.RequestReload(0); !errors.Is(err, ErrClosed) {
		t.Fatalf("RequestReload after stop = %v, want ErrClosed", err)
	}
	if err := h.c.Inspect(context.Background(), func(View) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Inspect after stop = %v, want ErrClosed", err)
	}
}
