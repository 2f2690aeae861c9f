// Package index maintains a bounded window of line byte ranges over a large,
// possibly growing text file.
package index

import (
	"fmt"
	"sort"
)

// ByteRange is the half-open extent [Begin, End) of one line, delimiter excluded.
type ByteRange struct {
	Begin int64
	End   int64
}

// Len returns the number of content bytes in the line.
func (r ByteRange) Len() int64 {
	return r.End - r.Begin
}

// Direction selects which way a scan walks from its anchor.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// LineIndex is the window of line ranges currently known for a file. Ranges are
// ascending and non-overlapping; filtered lines leave gaps. Begin and End are the
// line boundaries delimiting the scanned part of the file, so incremental scans
// continue from them instead of from the first or last kept line.
//
// A LineIndex is a value; its ranges must be treated as read-only.
type LineIndex struct {
	ranges []ByteRange
	begin  int64
	end    int64

	// reached is the furthest offset read past end, if any.
	reached int64
}

// NewLineIndex builds an index from ascending ranges covering the scanned interval [begin, end).
func NewLineIndex(ranges []ByteRange, begin, end int64) LineIndex {
	ix := LineIndex{ranges: ranges, begin: begin, end: end}
	ix.mustValidate()
	return ix
}

// Len returns the number of lines in the window.
func (ix LineIndex) Len() int {
	return len(ix.ranges)
}

// At returns the range of the line with the given ordinal.
func (ix LineIndex) At(i int) ByteRange {
	return ix.ranges[i]
}

// Ranges returns a copy of all ranges.
func (ix LineIndex) Ranges() []ByteRange {
	out := make([]ByteRange, len(ix.ranges))
	copy(out, ix.ranges)
	return out
}

// Begin returns the first scanned offset.
func (ix LineIndex) Begin() int64 {
	return ix.begin
}

// End returns the offset where the next forward scan resumes. A trailing line
// without delimiter starts exactly here and is re-scanned when the file grows.
func (ix LineIndex) End() int64 {
	return ix.end
}

// Span returns the distance between the first and last line starts.
func (ix LineIndex) Span() int64 {
	if len(ix.ranges) < 2 {
		return 0
	}
	return ix.ranges[len(ix.ranges)-1].Begin - ix.ranges[0].Begin
}

// Covered reports the furthest offset represented by the window, including an
// unterminated trailing line and a partial delimiter after it.
func (ix LineIndex) Covered() int64 {
	covered := max(ix.end, ix.reached)
	if n := len(ix.ranges); n > 0 {
		covered = max(covered, ix.ranges[n-1].End)
	}
	return covered
}

// Ordinal returns the ordinal of the line containing offset, or of the first
// line starting after it. It returns Len() when offset lies past every line.
// Callers keep selections as byte offsets and re-resolve them after merges.
func (ix LineIndex) Ordinal(offset int64) int {
	return sort.Search(len(ix.ranges), func(i int) bool {
		return ix.ranges[i].End > offset || ix.ranges[i].Begin >= offset
	})
}

// Validate checks ordering and frontier invariants.
func (ix LineIndex) Validate() error {
	if ix.begin > ix.end {
		return fmt.Errorf("frontier begin %d after end %d", ix.begin, ix.end)
	}
	for i, r := range ix.ranges {
		if r.Begin > r.End {
			return fmt.Errorf("range %d inverted: [%d,%d)", i, r.Begin, r.End)
		}
		if i > 0 && ix.ranges[i-1].End > r.Begin {
			return fmt.Errorf("range %d [%d,%d) overlaps previous [%d,%d)", i, r.Begin, r.End, ix.ranges[i-1].Begin, ix.ranges[i-1].End)
		}
	}
	if n := len(ix.ranges); n > 0 {
		if ix.ranges[0].Begin < ix.begin {
			return fmt.Errorf("first range starts at %d before frontier %d", ix.ranges[0].Begin, ix.begin)
		}
		if ix.ranges[n-1].Begin > ix.end {
			return fmt.Errorf("last range starts at %d after frontier %d", ix.ranges[n-1].Begin, ix.end)
		}
	}
	return nil
}

// mustValidate panics on a broken invariant: a desynchronised window would show
// content from the wrong offsets.
func (ix LineIndex) mustValidate() {
	if err := ix.Validate(); err != nil {
		panic("index: " + err.Error())
	}
}
