// Package build schedules window scans on background workers and applies
// their results on a single owning goroutine.
package build

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kk-code-lab/lineidx/internal/config"
	"github.com/kk-code-lab/lineidx/internal/filter"
	fsutil "github.com/kk-code-lab/lineidx/internal/fs"
	"github.com/kk-code-lab/lineidx/internal/highlight"
	"github.com/kk-code-lab/lineidx/internal/index"
	"github.com/kk-code-lab/lineidx/internal/linecache"
	logpkg "github.com/kk-code-lab/lineidx/internal/log"
)

const inboxSize = 64

// ErrClosed is returned by requests made after the coordinator stopped.
var ErrClosed = errors.New("coordinator closed")

// State is the coordinator's build state.
type State int

const (
	Idle State = iota
	Building
	Merging
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Merging:
		return "merging"
	default:
		return "idle"
	}
}

// Completion describes a merged build.
type Completion struct {
	Issue       uint64
	Incremental bool
	// LinesAdded counts the lines the scan contributed before trimming.
	LinesAdded int
	Backward   bool
	// Lines is the number of lines in the window after the merge.
	Lines int
}

// Failure describes a build that was aborted by an error.
type Failure struct {
	Issue uint64
	Err   error
}

// Listener receives build notifications on the owning goroutine.
type Listener interface {
	BuildComplete(Completion)
	BuildFailed(Failure)
}

// Options configure a Coordinator.
type Options struct {
	Path  string
	Files fsutil.FileProvider
	// Settings returns the snapshot used by the next build. Nil means defaults.
	Settings func() config.Settings
	// Filters overrides the filter list carried by the settings.
	Filters filter.Provider
	// Highlighter overrides the highlight rules carried by the settings.
	Highlighter highlight.Matcher
	Listener    Listener
	Logger      *slog.Logger
	// Dispatch runs a worker. Nil starts a goroutine.
	Dispatch func(func())
}

type request struct {
	issue    uint64
	reload   bool
	anchor   int64
	dir      index.Direction
	from     int64
	budget   int64
	profile  fsutil.Profile
	settings config.Settings
	filters  []filter.Rule
}

// Coordinator owns the line index of one file. Every field below the channels
// is touched only by the goroutine running Run.
type Coordinator struct {
	opts  Options
	log   *slog.Logger
	gen   Generation
	inbox chan func()
	done  chan struct{}
	once  sync.Once
	ctx   context.Context

	state    State
	inflight request
	loaded   bool
	ix       index.LineIndex
	profile  fsutil.Profile
	fileEnd  int64
	cache    *linecache.Cache
}

// New prepares a coordinator; nothing is scanned until Run is started and a
// request arrives.
func New(opts Options) *Coordinator {
	if opts.Files == nil {
		opts.Files = fsutil.OSFiles{}
	}
	if opts.Settings == nil {
		opts.Settings = config.Default
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(f func()) { go f() }
	}
	c := &Coordinator{
		opts:    opts,
		log:     logpkg.OrDiscard(opts.Logger).With("path", opts.Path),
		inbox:   make(chan func(), inboxSize),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		profile: fsutil.DefaultProfile(),
	}
	s := opts.Settings()
	hl := opts.Highlighter
	if hl == nil {
		hl = highlight.Compile(s.Highlights, s.FilterTimeout)
	}
	c.cache = linecache.New(opts.Files, opts.Path, linecache.Options{
		Capacity:        s.CacheLines,
		ColumnDelimiter: s.ColumnDelimiter,
		MaxLineLength:   s.MaxLineLength,
		Highlighter:     hl,
	})
	return c
}

// Run processes requests and worker results until ctx is cancelled. In-flight
// scans are cancelled and later requests fail with ErrClosed.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer func() {
		c.once.Do(func() { close(c.done) })
		c.gen.Advance()
		if err := c.cache.Close(); err != nil {
			c.log.Warn("close line cache", "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.inbox:
			fn()
		}
	}
}

func (c *Coordinator) post(fn func()) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.inbox <- fn:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// RequestReload discards the window and rebuilds it around anchor.
func (c *Coordinator) RequestReload(anchor int64) error {
	return c.post(func() { c.startReload(anchor) })
}

// RequestIncremental extends the window towards anchor.
func (c *Coordinator) RequestIncremental(anchor int64) error {
	return c.post(func() { c.startIncremental(anchor) })
}

// NotifyFileLength reports the current length of the file.
func (c *Coordinator) NotifyFileLength(n int64) error {
	return c.post(func() { c.fileChanged(n) })
}

// InvalidateLines drops cached lines, e.g. after highlight rules changed.
func (c *Coordinator) InvalidateLines() error {
	return c.post(c.cache.InvalidateAll)
}

// SetHighlighter replaces the highlight lookup used for cached lines.
func (c *Coordinator) SetHighlighter(m highlight.Matcher) error {
	return c.post(func() { c.cache.SetHighlighter(m) })
}

// Inspect runs fn on the owning goroutine and waits for it to return. The
// View must not be retained after fn returns.
func (c *Coordinator) Inspect(ctx context.Context, fn func(View)) error {
	finished := make(chan struct{})
	if err := c.post(func() {
		defer close(finished)
		fn(View{c: c})
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coordinator) startReload(anchor int64) {
	s := c.settings()
	req := request{
		issue:    c.gen.Advance(),
		reload:   true,
		anchor:   anchor,
		budget:   s.WindowBudget,
		settings: s,
		filters:  c.filterRules(s),
	}
	c.dispatch(req)
}

func (c *Coordinator) startIncremental(anchor int64) {
	if c.state != Idle && c.inflight.reload {
		c.log.Debug("incremental request dropped during reload", "anchor", anchor)
		return
	}
	if !c.loaded {
		c.startReload(anchor)
		return
	}

	s := c.settings()
	budget := s.WindowBudget
	req := request{
		anchor:   anchor,
		profile:  c.profile,
		settings: s,
		filters:  c.filterRules(s),
	}
	if anchor < c.ix.Begin() {
		if c.ix.Begin() <= c.profile.Floor() {
			return
		}
		dist := c.ix.Begin() - anchor
		if dist > budget {
			c.log.Debug("far jump promoted to reload", "anchor", anchor)
			c.startReload(anchor)
			return
		}
		req.dir = index.Backward
		req.from = c.ix.Begin()
		req.budget = min(dist+budget/2, budget)
	} else {
		dist := max(0, anchor-c.ix.End())
		if dist > budget {
			c.log.Debug("far jump promoted to reload", "anchor", anchor)
			c.startReload(anchor)
			return
		}
		if c.ix.Covered() >= c.fileEnd {
			return
		}
		req.dir = index.Forward
		req.from = c.ix.End()
		req.budget = min(dist+budget/2, budget)
		req.anchor = max(anchor, c.ix.Begin())
	}
	req.issue = c.gen.Advance()
	c.dispatch(req)
}

func (c *Coordinator) dispatch(req request) {
	c.state = Building
	c.inflight = req
	c.log.Debug("dispatch scan",
		"issue", req.issue,
		"reload", req.reload,
		"direction", req.dir.String(),
		"budget", req.budget,
	)
	ctx := c.ctx
	c.opts.Dispatch(func() {
		res := c.scan(ctx, req)
		if err := c.post(func() { c.finish(res) }); err != nil {
			c.log.Debug("scan result dropped", "issue", req.issue, "error", err)
		}
	})
}

func (c *Coordinator) fileChanged(n int64) {
	prev := c.fileEnd
	c.fileEnd = n
	if !c.loaded {
		return
	}
	if n < prev || n < c.ix.Covered() {
		c.log.Info("file truncated, reloading", "from", prev, "to", n)
		c.startReload(n)
		return
	}
	if n > prev && c.state == Idle && c.ix.Covered() >= prev {
		c.startIncremental(n)
	}
}

func (c *Coordinator) finish(res outcome) {
	req := res.req
	if req.issue != c.gen.Current() {
		c.log.Debug("stale scan discarded", "issue", req.issue, "current", c.gen.Current())
		return
	}
	if res.err != nil {
		c.state = Idle
		if errors.Is(res.err, index.ErrCancelled) {
			return
		}
		c.log.Warn("build failed", "issue", req.issue, "error", res.err)
		if c.opts.Listener != nil {
			c.opts.Listener.BuildFailed(Failure{Issue: req.issue, Err: res.err})
		}
		return
	}

	if !req.reload && res.size < c.ix.Covered() {
		c.log.Info("file truncated, reloading", "from", c.ix.Covered(), "to", res.size)
		c.fileEnd = res.size
		c.startReload(res.size)
		return
	}

	c.state = Merging
	if req.reload {
		c.profile = res.profile
		c.cache.SetProfile(res.profile)
		c.loaded = true
	}
	c.ix = index.Merge(c.ix, res.scan, req.settings.WindowBudget, req.anchor, req.reload)
	c.fileEnd = max(c.fileEnd, res.size)
	c.state = Idle

	if c.opts.Listener != nil {
		c.opts.Listener.BuildComplete(Completion{
			Issue:       req.issue,
			Incremental: !req.reload,
			LinesAdded:  len(res.scan.Ranges),
			Backward:    !req.reload && req.dir == index.Backward,
			Lines:       c.ix.Len(),
		})
	}

	if c.fileEnd > res.size && c.ix.Covered() >= res.size {
		c.log.Debug("file grew during scan", "scanned", res.size, "length", c.fileEnd)
		c.startIncremental(c.fileEnd)
	}
}

// settings takes the snapshot for the next build and carries its line layout
// over to the cache.
func (c *Coordinator) settings() config.Settings {
	s := c.opts.Settings()
	if c.cache.SetLayout(s.ColumnDelimiter, s.MaxLineLength) {
		c.log.Debug("line layout changed, cache invalidated",
			"column_delimiter", s.ColumnDelimiter,
			"max_line_length", s.MaxLineLength,
		)
	}
	return s
}

func (c *Coordinator) filterRules(s config.Settings) []filter.Rule {
	if c.opts.Filters != nil {
		return c.opts.Filters.Rules()
	}
	return append([]filter.Rule(nil), s.Filters...)
}

// View is a read-only look at the coordinator's state from inside Inspect.
type View struct {
	c *Coordinator
}

// Index returns the current window.
func (v View) Index() index.LineIndex { return v.c.ix }

// Profile returns the resolved encoding of the loaded file.
func (v View) Profile() fsutil.Profile { return v.c.profile }

// Loaded reports whether a reload has completed.
func (v View) Loaded() bool { return v.c.loaded }

// FileEnd returns the last known file length.
func (v View) FileEnd() int64 { return v.c.fileEnd }

// State returns the build state.
func (v View) State() State { return v.c.state }

// Issue returns the current build issue.
func (v View) Issue() uint64 { return v.c.gen.Current() }

// Line returns line n of the window through the line cache.
func (v View) Line(n int) (linecache.Line, error) {
	return v.c.cache.Get(v.c.ix, n)
}

// CacheStats returns line cache hits and misses.
func (v View) CacheStats() (hits, misses int) {
	return v.c.cache.Stats()
}
