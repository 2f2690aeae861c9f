package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"golang.org/x/term"

	"github.com/kk-code-lab/lineidx/internal/build"
	fsutil "github.com/kk-code-lab/lineidx/internal/fs"
	"github.com/kk-code-lab/lineidx/internal/linecache"
	"github.com/kk-code-lab/lineidx/internal/textutil"
)

// notifier turns build notifications into a wake-up signal. It never blocks
// the coordinator: pending wake-ups coalesce.
type notifier struct {
	wake chan struct{}

	mu       sync.Mutex
	err      error
	reloaded bool
}

func newNotifier() *notifier {
	return &notifier{wake: make(chan struct{}, 1)}
}

func (n *notifier) BuildComplete(c build.Completion) {
	n.mu.Lock()
	if !c.Incremental {
		n.reloaded = true
	}
	n.mu.Unlock()
	n.poke()
}

func (n *notifier) BuildFailed(f build.Failure) {
	n.mu.Lock()
	n.err = f.Err
	n.mu.Unlock()
	n.poke()
}

func (n *notifier) poke() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// wait blocks until a build finished. It reports whether a reload completed
// since the previous call and returns the last build failure, if any.
func (n *notifier) wait(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-n.wake:
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	reloaded, err := n.reloaded, n.err
	n.reloaded, n.err = false, nil
	return reloaded, err
}

// refuseBinary fails for files that do not look like text. A configured
// multi-byte encoding skips the content check since its text contains NUL bytes.
func refuseBinary(path, encoding string) error {
	sample, err := fsutil.ReadSample(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if strings.TrimSpace(encoding) != "" {
		profile, err := fsutil.LookupEncoding(encoding)
		if err != nil {
			return err
		}
		if profile.Unit > 1 {
			sample = nil
		}
	}
	if fsutil.LooksBinary(path, sample) {
		return fmt.Errorf("%s looks like a binary file", path)
	}
	return nil
}

func useColor(mode string, out io.Writer) (bool, error) {
	switch strings.ToLower(mode) {
	case "always":
		return true, nil
	case "never":
		return false, nil
	case "auto", "":
		f, ok := out.(*os.File)
		return ok && term.IsTerminal(int(f.Fd())), nil
	default:
		return false, fmt.Errorf("invalid --color value %q", mode)
	}
}

// printer writes cached lines to a terminal or pipe.
type printer struct {
	out   io.Writer
	color bool
}

func (p printer) line(l linecache.Line) error {
	text := textutil.SanitizeTerminalText(textutil.ExpandTabs(l.Text, textutil.DefaultTabWidth))
	if !p.color || !l.Highlighted {
		_, err := fmt.Fprintln(p.out, text)
		return err
	}
	_, err := fmt.Fprintf(p.out, "%s%s\x1b[0m\n", sgr(l.Highlight.Foreground, l.Highlight.Background, l.Highlight.Bold), text)
	return err
}

// sgr returns the escape sequence selecting the given colours.
func sgr(fg, bg tcell.Color, bold bool) string {
	var b strings.Builder
	if bold {
		b.WriteString("\x1b[1m")
	}
	if fg != tcell.ColorDefault && fg.Valid() {
		r, g, bl := fg.RGB()
		fmt.Fprintf(&b, "\x1b[38;2;%d;%d;%dm", r, g, bl)
	}
	if bg != tcell.ColorDefault && bg.Valid() {
		r, g, bl := bg.RGB()
		fmt.Fprintf(&b, "\x1b[48;2;%d;%d;%dm", r, g, bl)
	}
	return b.String()
}

// printRange prints lines [from, to) of the current window.
func (p printer) printRange(v build.View, from, to int) error {
	for i := from; i < to; i++ {
		l, err := v.Line(i)
		if err != nil {
			return err
		}
		if err := p.line(l); err != nil {
			return err
		}
	}
	return nil
}
