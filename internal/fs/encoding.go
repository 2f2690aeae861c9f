package fs

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// delimiterSniffChars bounds how many decoded characters are inspected when
// looking for the first row delimiter.
const delimiterSniffChars = 1024

// Overrides carries explicitly configured values that bypass sniffing.
type Overrides struct {
	Encoding  string
	Delimiter string
}

// Profile is the resolved encoding and row delimiter of an open file.
type Profile struct {
	// Name is the canonical lower-case encoding name, e.g. "utf-8" or "utf-16le".
	Name string
	// BOM is the length of the byte-order mark at the start of the file.
	BOM int
	// Unit is the code unit size in bytes: 2 for UTF-16, 1 otherwise.
	Unit int
	// Delimiter holds the encoded row delimiter bytes.
	Delimiter []byte

	enc encoding.Encoding
}

// DefaultProfile is the fallback used before anything has been resolved.
func DefaultProfile() Profile {
	return Profile{Name: "utf-8", Unit: 1, Delimiter: []byte{'\n'}, enc: unicode.UTF8}
}

// Floor returns the first offset that may hold line content.
func (p Profile) Floor() int64 {
	return int64(p.BOM)
}

// IsUTF8 reports whether lines can be used as Go strings without decoding.
func (p Profile) IsUTF8() bool {
	return p.enc == nil || p.enc == unicode.UTF8
}

// Decode converts raw line bytes to a UTF-8 string. Invalid sequences become U+FFFD.
func (p Profile) Decode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if p.IsUTF8() {
		if utf8.Valid(raw) {
			return string(raw)
		}
		return strings.ToValidUTF8(string(raw), "\uFFFD")
	}
	out, err := p.enc.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "\uFFFD")
	}
	return string(out)
}

// Resolve determines the encoding and row delimiter of the size bytes readable from r.
// Explicit overrides win; otherwise the byte-order mark and the first delimiter in the
// leading characters decide, falling back to UTF-8 and "\n".
func Resolve(r io.ReaderAt, size int64, o Overrides) (Profile, error) {
	head, err := readHead(r, size, textDetectionSampleSize)
	if err != nil {
		return Profile{}, err
	}
	bom := DetectBOM(head)

	var profile Profile
	if name := strings.TrimSpace(o.Encoding); name != "" {
		profile, err = profileForName(name)
		if err != nil {
			return Profile{}, err
		}
		profile.BOM = 0
		if bomMatches(profile, bom) {
			profile.BOM = bom.bomLength()
		}
	} else {
		profile = profileForBOM(bom)
	}

	delimiter := o.Delimiter
	if delimiter == "" {
		delimiter = sniffDelimiter(profile.Decode(head[profile.BOM:]))
	}
	encoded, err := profile.enc.NewEncoder().Bytes([]byte(delimiter))
	if err != nil {
		return Profile{}, fmt.Errorf("encode row delimiter %q as %s: %w", delimiter, profile.Name, err)
	}
	profile.Delimiter = encoded
	return profile, nil
}

func readHead(r io.ReaderAt, size int64, limit int) ([]byte, error) {
	n := size
	if n > int64(limit) {
		n = int64(limit)
	}
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, 0)
	if int64(read) < n {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read file head: %w", err)
	}
	return buf, nil
}

func profileForBOM(bom UnicodeEncoding) Profile {
	switch bom {
	case EncodingUTF8BOM:
		p := DefaultProfile()
		p.BOM = 3
		return p
	case EncodingUTF16LE:
		return Profile{Name: "utf-16le", BOM: 2, Unit: 2, enc: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)}
	case EncodingUTF16BE:
		return Profile{Name: "utf-16be", BOM: 2, Unit: 2, enc: unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)}
	default:
		return DefaultProfile()
	}
}

// LookupEncoding returns the profile for a configured encoding name. The
// delimiter is left unset.
func LookupEncoding(name string) (Profile, error) {
	return profileForName(strings.TrimSpace(name))
}

func profileForName(name string) (Profile, error) {
	switch normalized := strings.ToLower(strings.ReplaceAll(name, "_", "-")); normalized {
	case "utf-8", "utf8":
		return DefaultProfile(), nil
	case "utf-16le", "utf16le", "utf-16", "unicode":
		return profileForBOM(EncodingUTF16LE), nil
	case "utf-16be", "utf16be":
		return profileForBOM(EncodingUTF16BE), nil
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return Profile{}, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		return Profile{}, fmt.Errorf("unsupported encoding %q", name)
	}
	canonical, err := ianaindex.IANA.Name(enc)
	if err != nil {
		canonical = name
	}
	return Profile{Name: strings.ToLower(canonical), Unit: 1, enc: enc}, nil
}

func bomMatches(p Profile, bom UnicodeEncoding) bool {
	switch bom {
	case EncodingUTF8BOM:
		return p.IsUTF8()
	case EncodingUTF16LE:
		return p.Name == "utf-16le"
	case EncodingUTF16BE:
		return p.Name == "utf-16be"
	default:
		return false
	}
}

func sniffDelimiter(text string) string {
	chars := 0
	for i, r := range text {
		if chars >= delimiterSniffChars {
			break
		}
		chars++
		switch r {
		case '\n':
			return "\n"
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				return "\r\n"
			}
			return "\r"
		}
	}
	return "\n"
}
