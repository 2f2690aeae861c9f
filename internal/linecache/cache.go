// Package linecache keeps decoded lines of the current window in a fixed ring.
package linecache

import (
	"errors"
	"fmt"
	"io"
	"strings"

	fsutil "github.com/kk-code-lab/lineidx/internal/fs"
	"github.com/kk-code-lab/lineidx/internal/highlight"
	"github.com/kk-code-lab/lineidx/internal/index"
	"github.com/kk-code-lab/lineidx/internal/textutil"
)

// DefaultCapacity is the number of ring slots used when none is configured.
const DefaultCapacity = 512

// Line is one decoded line of the window.
type Line struct {
	// Number is the ordinal of the line within the window it was read from.
	Number  int
	Range   index.ByteRange
	Text    string
	Columns []string
	// Highlight is the first matching rule, valid when Highlighted is set.
	Highlight   highlight.Ref
	Highlighted bool
	// Width is the display width of Text with tabs expanded.
	Width int
}

// Options configure how lines are parsed.
type Options struct {
	Capacity        int
	ColumnDelimiter string
	MaxLineLength   int
	Highlighter     highlight.Matcher
}

type slot struct {
	valid bool
	line  Line
}

// Cache is owned by a single goroutine.
type Cache struct {
	files fsutil.FileProvider
	path  string
	file  fsutil.File

	opts    Options
	profile fsutil.Profile
	slots   []slot
	raw     []byte

	hits   int
	misses int
}

// New returns a cache reading lines of path through files.
func New(files fsutil.FileProvider, path string, opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	return &Cache{
		files:   files,
		path:    path,
		opts:    opts,
		profile: fsutil.DefaultProfile(),
		slots:   make([]slot, opts.Capacity),
	}
}

// Get returns line n of ix, reading it from the file on a miss. A slot hits
// only when it holds the same line number over the same byte range.
func (c *Cache) Get(ix index.LineIndex, n int) (Line, error) {
	if n < 0 || n >= ix.Len() {
		return Line{}, fmt.Errorf("line %d out of window of %d lines", n, ix.Len())
	}
	r := ix.At(n)
	s := &c.slots[n%len(c.slots)]
	if s.valid && s.line.Number == n && s.line.Range == r {
		c.hits++
		return s.line, nil
	}
	c.misses++

	line, err := c.load(n, r)
	if err != nil {
		s.valid = false
		return Line{}, err
	}
	s.line = line
	s.valid = true
	return line, nil
}

func (c *Cache) load(n int, r index.ByteRange) (Line, error) {
	if c.file == nil {
		f, err := c.files.OpenShared(c.path)
		if err != nil {
			return Line{}, fmt.Errorf("open %s: %w", c.path, err)
		}
		c.file = f
	}

	size := int(r.Len())
	if cap(c.raw) < size {
		c.raw = make([]byte, size)
	}
	raw := c.raw[:size]
	if size > 0 {
		read, err := c.file.ReadAt(raw, r.Begin)
		if read < size {
			if err == nil || errors.Is(err, io.EOF) {
				err = index.ErrShortRead
			}
			return Line{}, fmt.Errorf("read line %d at offset %d: %w", n, r.Begin, err)
		}
	}

	text := textutil.TruncateRunes(c.profile.Decode(raw), c.opts.MaxLineLength)
	line := Line{
		Number:  n,
		Range:   r,
		Text:    text,
		Columns: splitColumns(text, c.opts.ColumnDelimiter),
		Width:   textutil.DisplayWidth(textutil.ExpandTabs(text, textutil.DefaultTabWidth)),
	}
	if c.opts.Highlighter != nil {
		line.Highlight, line.Highlighted = c.opts.Highlighter.FirstMatch(text)
	}
	return line, nil
}

func splitColumns(text, delim string) []string {
	if delim == "" {
		return []string{text}
	}
	return strings.Split(text, delim)
}

// InvalidateAll drops every tag; slot memory is kept.
func (c *Cache) InvalidateAll() {
	for i := range c.slots {
		c.slots[i].valid = false
	}
}

// SetProfile switches the decoding profile and invalidates all lines.
func (c *Cache) SetProfile(p fsutil.Profile) {
	c.profile = p
	c.InvalidateAll()
}

// SetHighlighter replaces the highlight lookup and invalidates all lines.
func (c *Cache) SetHighlighter(m highlight.Matcher) {
	c.opts.Highlighter = m
	c.InvalidateAll()
}

// SetLayout replaces the column delimiter and line length limit. All lines are
// invalidated when either changes; the result reports whether that happened.
func (c *Cache) SetLayout(columnDelimiter string, maxLineLength int) bool {
	if c.opts.ColumnDelimiter == columnDelimiter && c.opts.MaxLineLength == maxLineLength {
		return false
	}
	c.opts.ColumnDelimiter = columnDelimiter
	c.opts.MaxLineLength = maxLineLength
	c.InvalidateAll()
	return true
}

// Stats reports hits and misses since the cache was created.
func (c *Cache) Stats() (hits, misses int) {
	return c.hits, c.misses
}

// Close releases the file handle. The cache reopens it on the next miss.
func (c *Cache) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
