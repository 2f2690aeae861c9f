package index

import "bytes"

// Locator finds line boundaries in a buffer whose first byte sits on a code-unit
// boundary. Candidates are only tested at multiples of the code unit so a UTF-16
// delimiter is never matched across two characters.
type Locator struct {
	delim []byte
	unit  int
}

// NewLocator returns a Locator for the encoded delimiter and code unit size.
func NewLocator(delim []byte, unit int) Locator {
	if unit < 1 {
		unit = 1
	}
	return Locator{delim: delim, unit: unit}
}

// Find returns the offset just past the nearest delimiter and true, or false when
// buf[:length] holds no boundary in the requested direction.
//
// Forward searches delimiters starting at or after start. Backward searches
// delimiters ending at or before start.
func (l Locator) Find(buf []byte, start, length int, dir Direction) (int, bool) {
	dlen := len(l.delim)
	if dlen == 0 || length > len(buf) {
		return 0, false
	}
	if dir == Backward {
		if start > length {
			start = length
		}
		return l.findBackward(buf, start)
	}
	if start < 0 {
		start = 0
	}
	return l.findForward(buf[:length], start)
}

func (l Locator) findForward(buf []byte, start int) (int, bool) {
	dlen := len(l.delim)
	if l.unit == 1 {
		if start >= len(buf) {
			return 0, false
		}
		i := bytes.Index(buf[start:], l.delim)
		if i < 0 {
			return 0, false
		}
		return start + i + dlen, true
	}

	first := l.delim[0]
	for p := alignUp(start, l.unit); p+dlen <= len(buf); p += l.unit {
		if buf[p] == first && bytes.Equal(buf[p:p+dlen], l.delim) {
			return p + dlen, true
		}
	}
	return 0, false
}

func (l Locator) findBackward(buf []byte, start int) (int, bool) {
	dlen := len(l.delim)
	if start < dlen {
		return 0, false
	}
	if l.unit == 1 {
		i := bytes.LastIndex(buf[:start], l.delim)
		if i < 0 {
			return 0, false
		}
		return i + dlen, true
	}

	first := l.delim[0]
	for p := alignDown(start-dlen, l.unit); p >= 0; p -= l.unit {
		if buf[p] == first && bytes.Equal(buf[p:p+dlen], l.delim) {
			return p + dlen, true
		}
	}
	return 0, false
}

// FindLineStart returns the start of the line following the nearest delimiter
// in the given direction. When no boundary exists within buf[:length] it returns
// -1 for backward searches and length for forward ones; the caller then has to
// read more data.
func FindLineStart(buf []byte, start, length int, delim []byte, dir Direction) int {
	idx, ok := NewLocator(delim, 1).Find(buf, start, length, dir)
	if ok {
		return idx
	}
	if dir == Backward {
		return -1
	}
	return length
}

func alignUp(n, unit int) int {
	if r := n % unit; r != 0 {
		return n + unit - r
	}
	return n
}

func alignDown(n, unit int) int {
	return n - n%unit
}
