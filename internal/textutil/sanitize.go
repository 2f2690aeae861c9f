package textutil

import "strings"

// formattingRuneLabels makes invisible bidi and zero-width runes visible, so a
// log line cannot reorder or hide what is printed around it.
var formattingRuneLabels = map[rune]string{
	0x061C: "⟪ALM⟫",
	0x200B: "⟪ZWSP⟫",
	0x200E: "⟪LRM⟫",
	0x200F: "⟪RLM⟫",
	0x202A: "⟪LRE⟫",
	0x202B: "⟪RLE⟫",
	0x202C: "⟪PDF⟫",
	0x202D: "⟪LRO⟫",
	0x202E: "⟪RLO⟫",
	0x2066: "⟪LRI⟫",
	0x2067: "⟪RLI⟫",
	0x2068: "⟪FSI⟫",
	0x2069: "⟪PDI⟫",
	0xFEFF: "⟪BOM⟫",
}

// SanitizeTerminalText replaces control characters so file content cannot
// inject terminal escape sequences when printed. Tabs survive.
func SanitizeTerminalText(text string) string {
	clean := true
	for _, r := range text {
		if needsReplacement(r) {
			clean = false
			break
		}
	}
	if clean {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch label, ok := formattingRuneLabels[r]; {
		case ok:
			b.WriteString(label)
		case r == '\n' || r == '\r':
			b.WriteByte(' ')
		case r == '\t':
			b.WriteByte('\t')
		case r < 0x20 || r == 0x7f:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func needsReplacement(r rune) bool {
	if r == '\t' {
		return false
	}
	if _, ok := formattingRuneLabels[r]; ok {
		return true
	}
	return r < 0x20 || r == 0x7f
}
