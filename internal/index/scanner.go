package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"unicode/utf8"

	fsutil "github.com/kk-code-lab/lineidx/internal/fs"
	"github.com/kk-code-lab/lineidx/internal/textutil"
)

// DefaultChunkSize is the read granularity of a scan.
const DefaultChunkSize = 4096

var (
	// ErrCancelled reports that a scan noticed it was superseded. It is not a failure.
	ErrCancelled = errors.New("scan cancelled")
	// ErrShortRead reports that the file returned fewer bytes than its known length allows.
	ErrShortRead = errors.New("short read")
)

// Canceller reports whether the build a scan belongs to has been superseded.
type Canceller interface {
	Cancelled() bool
}

// LineFilter decides whether a decoded line stays in the index.
type LineFilter interface {
	Keep(text string) bool
}

// ScanOptions is the private snapshot a scan works from.
type ScanOptions struct {
	Profile       fsutil.Profile
	Filter        LineFilter
	IgnoreBlanks  bool
	MaxLineLength int
	ChunkSize     int
	Cancel        Canceller
}

// ScanResult holds the ranges found by a scan in ascending order together with
// the scanned interval [Begin, End). Consumed counts line and delimiter bytes
// walked over, kept or not.
type ScanResult struct {
	Ranges   []ByteRange
	Begin    int64
	End      int64
	Consumed int64
	// AtLimit is set when a forward scan reached the end of the readable range.
	AtLimit bool
	// Reached is the furthest offset a forward scan read. It lies past End when
	// an unterminated trailing line was walked over.
	Reached int64
}

// Scanner walks a file in fixed-size chunks collecting line ranges. A Scanner
// reuses its buffer between calls and must not be shared between goroutines.
type Scanner struct {
	opts ScanOptions
	loc  Locator
	buf  []byte
}

// forwardCarry is the unresolved tail of a forward scan: buf holds the bytes
// from base up to the read cursor, none of which has been assigned to a line yet.
type forwardCarry struct {
	buf    []byte
	base   int64
	search int
}

// backwardCarry is the unresolved head of a backward scan: buf holds the bytes
// from base up to the start of the last line emitted.
type backwardCarry struct {
	buf  []byte
	base int64
}

// NewScanner prepares a scanner for one build.
func NewScanner(opts ScanOptions) *Scanner {
	if len(opts.Profile.Delimiter) == 0 {
		opts.Profile = fsutil.DefaultProfile()
	}
	unit := opts.Profile.Unit
	if unit < 1 {
		unit = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	opts.ChunkSize = alignUp(opts.ChunkSize, unit)
	return &Scanner{
		opts: opts,
		loc:  NewLocator(opts.Profile.Delimiter, unit),
		buf:  make([]byte, 0, opts.ChunkSize),
	}
}

// Forward scans lines starting at the line boundary from until budget bytes
// have been consumed or limit is reached. The line in flight when the budget
// runs out is still emitted. A trailing line without delimiter at limit is
// emitted, but End stays at its start so a later scan picks it up again.
func (s *Scanner) Forward(ctx context.Context, r io.ReaderAt, from, limit, budget int64) (ScanResult, error) {
	res := ScanResult{Begin: from, End: from, Reached: from}
	if from >= limit {
		res.AtLimit = true
		return res, nil
	}
	if budget <= 0 {
		return res, nil
	}

	dlen := len(s.loc.delim)
	c := forwardCarry{buf: s.buf[:0], base: from}
	defer func() { s.buf = c.buf[:0] }()

	for cursor := from; cursor < limit; {
		if err := s.poll(ctx); err != nil {
			return ScanResult{}, err
		}
		n := int(min(int64(s.opts.ChunkSize), limit-cursor))
		c.buf = grow(c.buf, n)
		if err := readFull(r, c.buf[len(c.buf)-n:], cursor); err != nil {
			return ScanResult{}, err
		}
		cursor += int64(n)

		pos := 0
		for {
			next, ok := s.loc.Find(c.buf, c.search, len(c.buf), Forward)
			if !ok {
				break
			}
			s.emit(&res, c.base+int64(pos), c.base+int64(next-dlen), c.buf[pos:next-dlen])
			res.Consumed += int64(next - pos)
			res.End = c.base + int64(next)
			res.Reached = res.End
			pos = next
			c.search = next
			if res.Consumed >= budget {
				return res, nil
			}
		}

		kept := copy(c.buf, c.buf[pos:])
		c.buf = c.buf[:kept]
		c.base += int64(pos)
		c.search = alignDown(max(0, kept-dlen+1), s.loc.unit)
	}

	res.AtLimit = true
	res.Reached = limit
	if len(c.buf) > 0 {
		tail := len(c.buf) - s.partialDelimiter(c.buf)
		s.emit(&res, c.base, c.base+int64(tail), c.buf[:tail])
		res.Consumed += int64(len(c.buf))
	}
	return res, nil
}

// partialDelimiter returns the length of the delimiter prefix buf ends with,
// e.g. the "\r" of a "\r\n" cut off by the scan limit.
func (s *Scanner) partialDelimiter(buf []byte) int {
	for k := len(s.loc.delim) - s.loc.unit; k > 0; k -= s.loc.unit {
		if bytes.HasSuffix(buf, s.loc.delim[:k]) {
			return k
		}
	}
	return 0
}

// Backward scans the lines ending before the line boundary from, walking towards
// floor until budget bytes have been consumed. Ranges are returned in ascending order.
func (s *Scanner) Backward(ctx context.Context, r io.ReaderAt, from, floor, budget int64) (ScanResult, error) {
	res := ScanResult{Begin: from, End: from}
	if from <= floor || budget <= 0 {
		return res, nil
	}

	dlen := len(s.loc.delim)
	c := backwardCarry{buf: s.buf[:0], base: from}
	defer func() { s.buf = c.buf[:0] }()

	top := from
	for top > floor && res.Consumed < budget {
		for top-c.base < int64(dlen) && c.base > floor {
			if _, err := s.prepend(ctx, r, &c, floor); err != nil {
				return ScanResult{}, err
			}
		}
		contentEnd := top
		if rel := int(top - c.base); rel >= dlen && bytes.Equal(c.buf[rel-dlen:rel], s.loc.delim) {
			contentEnd = top - int64(dlen)
		}

		search := int(contentEnd - c.base)
		var lineStart int64
		for {
			idx, ok := s.loc.Find(c.buf, search, len(c.buf), Backward)
			if ok {
				lineStart = c.base + int64(idx)
				break
			}
			if c.base <= floor {
				lineStart = floor
				break
			}
			n, err := s.prepend(ctx, r, &c, floor)
			if err != nil {
				return ScanResult{}, err
			}
			search = min(n+dlen-1, int(contentEnd-c.base))
		}

		s.emit(&res, lineStart, contentEnd, c.buf[lineStart-c.base:contentEnd-c.base])
		res.Consumed += top - lineStart
		top = lineStart
		c.buf = c.buf[:top-c.base]
	}

	res.Begin = top
	slices.Reverse(res.Ranges)
	return res, nil
}

// LineStart returns the start of the line containing offset anchor.
func (s *Scanner) LineStart(ctx context.Context, r io.ReaderAt, anchor, floor int64) (int64, error) {
	if anchor <= floor {
		return floor, nil
	}
	dlen := len(s.loc.delim)
	c := backwardCarry{buf: s.buf[:0], base: anchor}
	defer func() { s.buf = c.buf[:0] }()

	for {
		n, err := s.prepend(ctx, r, &c, floor)
		if err != nil {
			return 0, err
		}
		if idx, ok := s.loc.Find(c.buf, min(n+dlen-1, len(c.buf)), len(c.buf), Backward); ok {
			return c.base + int64(idx), nil
		}
		if c.base <= floor {
			return floor, nil
		}
	}
}

// Window builds a fresh window around anchor: half the budget is spent on the
// lines before the anchor's line and the rest from it onwards. Budget left over
// when the end of the file is reached goes to further lines before the window.
func (s *Scanner) Window(ctx context.Context, r io.ReaderAt, anchor, floor, limit, budget int64) (ScanResult, error) {
	anchor = max(floor, min(anchor, limit))
	anchor, err := s.align(r, anchor, floor, limit)
	if err != nil {
		return ScanResult{}, err
	}
	start, err := s.LineStart(ctx, r, anchor, floor)
	if err != nil {
		return ScanResult{}, err
	}

	back := budget / 2
	if start >= limit {
		back = budget
	}
	before, err := s.Backward(ctx, r, start, floor, back)
	if err != nil {
		return ScanResult{}, err
	}
	// The anchor's line is always emitted, even when a long line before it
	// used up the whole budget.
	after, err := s.Forward(ctx, r, start, limit, max(budget-before.Consumed, 1))
	if err != nil {
		return ScanResult{}, err
	}

	res := ScanResult{
		Ranges:   append(before.Ranges, after.Ranges...),
		Begin:    before.Begin,
		End:      after.End,
		Consumed: before.Consumed + after.Consumed,
		AtLimit:  after.AtLimit,
		Reached:  after.Reached,
	}
	if res.AtLimit && res.Consumed < budget && res.Begin > floor {
		more, err := s.Backward(ctx, r, res.Begin, floor, budget-res.Consumed)
		if err != nil {
			return ScanResult{}, err
		}
		res.Ranges = append(more.Ranges, res.Ranges...)
		res.Begin = more.Begin
		res.Consumed += more.Consumed
	}
	return res, nil
}

// align moves anchor back onto a code-unit boundary: an even distance from the
// floor for UTF-16, off UTF-8 continuation bytes otherwise.
func (s *Scanner) align(r io.ReaderAt, anchor, floor, limit int64) (int64, error) {
	if unit := int64(s.loc.unit); unit > 1 {
		return anchor - (anchor-floor)%unit, nil
	}
	if !s.opts.Profile.IsUTF8() {
		return anchor, nil
	}
	var b [1]byte
	for i := 0; i < utf8.UTFMax-1 && anchor > floor && anchor < limit; i++ {
		if err := readFull(r, b[:], anchor); err != nil {
			return 0, err
		}
		if b[0]&0xC0 != 0x80 {
			break
		}
		anchor--
	}
	return anchor, nil
}

func (s *Scanner) emit(res *ScanResult, begin, end int64, raw []byte) {
	if begin == end && s.opts.IgnoreBlanks {
		return
	}
	if s.opts.Filter != nil {
		text := textutil.TruncateRunes(s.opts.Profile.Decode(raw), s.opts.MaxLineLength)
		if !s.opts.Filter.Keep(text) {
			return
		}
	}
	res.Ranges = append(res.Ranges, ByteRange{Begin: begin, End: end})
}

// prepend reads the chunk below c.base into the front of the carry buffer and
// returns its size.
func (s *Scanner) prepend(ctx context.Context, r io.ReaderAt, c *backwardCarry, floor int64) (int, error) {
	if err := s.poll(ctx); err != nil {
		return 0, err
	}
	n := int(min(int64(s.opts.ChunkSize), c.base-floor))
	old := len(c.buf)
	c.buf = grow(c.buf, n)
	copy(c.buf[n:], c.buf[:old])
	if err := readFull(r, c.buf[:n], c.base-int64(n)); err != nil {
		return 0, err
	}
	c.base -= int64(n)
	return n, nil
}

func (s *Scanner) poll(ctx context.Context) error {
	if s.opts.Cancel != nil && s.opts.Cancel.Cancelled() {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// grow extends b by n bytes, reallocating only when capacity runs out.
func grow(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b[:len(b)+n]
	}
	nb := make([]byte, len(b)+n, 2*cap(b)+n)
	copy(nb, b)
	return nb
}

func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: got %d of %d bytes at offset %d", ErrShortRead, n, len(p), off)
	}
	return fmt.Errorf("read at offset %d: %w", off, err)
}
