package index

import (
	"fmt"
	"sort"
)

// Merge folds a completed scan into the current window.
//
// A reload replaces the window. Otherwise an anchor before the window start
// means the scan walked backward from the window's Begin: its ranges are
// prepended and lines are dropped from the tail until the span between the first
// and last line starts fits budget. A forward scan continues from the window's
// End: ranges at or after that point (an unterminated trailing line) are
// replaced, the scan is appended and lines are dropped from the head.
//
// Only whole lines are dropped, and the new frontier is the start of the first
// dropped line, so the window always ends on a line boundary. Merge panics when
// the scan does not continue the window it is merged into.
func Merge(current LineIndex, scan ScanResult, budget, anchor int64, reload bool) LineIndex {
	if reload {
		ix := NewLineIndex(scan.Ranges, scan.Begin, scan.End)
		ix.reached = scan.Reached
		return ix
	}
	if anchor < current.begin {
		return mergeBackward(current, scan, budget)
	}
	return mergeForward(current, scan, budget)
}

func mergeBackward(cur LineIndex, scan ScanResult, budget int64) LineIndex {
	if scan.End != cur.begin {
		panic(fmt.Sprintf("index: backward scan ends at %d but window begins at %d", scan.End, cur.begin))
	}

	ranges := make([]ByteRange, 0, len(scan.Ranges)+len(cur.ranges))
	ranges = append(ranges, scan.Ranges...)
	ranges = append(ranges, cur.ranges...)

	end, reached := cur.end, cur.reached
	n := len(ranges)
	for n > 1 && ranges[n-1].Begin-ranges[0].Begin > budget {
		n--
		end, reached = ranges[n].Begin, 0
	}
	ix := NewLineIndex(ranges[:n], scan.Begin, end)
	ix.reached = reached
	return ix
}

func mergeForward(cur LineIndex, scan ScanResult, budget int64) LineIndex {
	if scan.Begin != cur.end {
		panic(fmt.Sprintf("index: forward scan starts at %d but window ends at %d", scan.Begin, cur.end))
	}

	keep := sort.Search(len(cur.ranges), func(i int) bool {
		return cur.ranges[i].Begin >= scan.Begin
	})
	ranges := make([]ByteRange, 0, keep+len(scan.Ranges))
	ranges = append(ranges, cur.ranges[:keep]...)
	ranges = append(ranges, scan.Ranges...)

	begin := cur.begin
	start := 0
	for len(ranges)-start > 1 && ranges[len(ranges)-1].Begin-ranges[start].Begin > budget {
		start++
		begin = ranges[start].Begin
	}
	ix := NewLineIndex(ranges[start:], begin, scan.End)
	ix.reached = scan.Reached
	return ix
}
