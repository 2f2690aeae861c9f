package fs

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	textDetectionSampleSize      = 4096
	nonPrintableThresholdPercent = 30
)

// UnicodeEncoding identifies an encoding announced by a byte-order mark.
type UnicodeEncoding int

const (
	EncodingUnknown UnicodeEncoding = iota
	EncodingUTF8BOM
	EncodingUTF16LE
	EncodingUTF16BE
)

var binaryExtensions = map[string]struct{}{
	".7z":    {},
	".bin":   {},
	".bz2":   {},
	".class": {},
	".dll":   {},
	".dylib": {},
	".exe":   {},
	".gif":   {},
	".gz":    {},
	".iso":   {},
	".jar":   {},
	".jpeg":  {},
	".jpg":   {},
	".mp3":   {},
	".mp4":   {},
	".pdf":   {},
	".png":   {},
	".so":    {},
	".tar":   {},
	".tgz":   {},
	".wasm":  {},
	".xz":    {},
	".zip":   {},
	".zst":   {},
}

// LooksBinary reports whether a file should be refused as a line source.
// The path short-circuits well-known binary extensions before the sample is sniffed.
func LooksBinary(path string, sample []byte) bool {
	if path != "" {
		if _, ok := binaryExtensions[strings.ToLower(filepath.Ext(path))]; ok {
			return true
		}
	}
	if len(sample) == 0 {
		return false
	}
	if len(sample) > textDetectionSampleSize {
		sample = sample[:textDetectionSampleSize]
	}
	if DetectBOM(sample) != EncodingUnknown {
		return false
	}
	if bytes.IndexByte(sample, 0x00) != -1 {
		return true
	}
	if utf8.Valid(sample) {
		return false
	}

	nonPrintable := 0
	for _, b := range sample {
		if !isCommonTextByte(b) {
			nonPrintable++
		}
	}
	return nonPrintable*100/len(sample) >= nonPrintableThresholdPercent
}

func isCommonTextByte(b byte) bool {
	switch {
	case b == 0x09 || b == 0x0A || b == 0x0D:
		return true
	case b >= 0x20 && b <= 0x7E:
		return true
	case b == 0x1B:
		return true
	case b >= 0x80:
		return true
	default:
		return false
	}
}

// DetectBOM inspects the leading bytes of sample for a byte-order mark.
func DetectBOM(sample []byte) UnicodeEncoding {
	if len(sample) >= 3 && sample[0] == 0xEF && sample[1] == 0xBB && sample[2] == 0xBF {
		return EncodingUTF8BOM
	}
	if len(sample) >= 2 {
		switch {
		case sample[0] == 0xFF && sample[1] == 0xFE:
			return EncodingUTF16LE
		case sample[0] == 0xFE && sample[1] == 0xFF:
			return EncodingUTF16BE
		}
	}
	return EncodingUnknown
}

func (e UnicodeEncoding) bomLength() int {
	switch e {
	case EncodingUTF8BOM:
		return 3
	case EncodingUTF16LE, EncodingUTF16BE:
		return 2
	default:
		return 0
	}
}
