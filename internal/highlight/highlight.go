// Package highlight resolves the first highlight rule matching a line.
package highlight

import (
	"time"

	"github.com/dlclark/regexp2"
	"github.com/gdamore/tcell/v2"
)

// Rule colours lines matching Pattern. Colours are tcell names ("red",
// "darkcyan") or "#rrggbb"; empty means the terminal default.
type Rule struct {
	Name       string `toml:"name"`
	Pattern    string `toml:"pattern"`
	IgnoreCase bool   `toml:"ignore_case"`
	Foreground string `toml:"foreground"`
	Background string `toml:"background"`
	Bold       bool   `toml:"bold"`
}

// Ref identifies the rule that matched a line and how to paint it.
type Ref struct {
	Index      int
	Name       string
	Style      tcell.Style
	Foreground tcell.Color
	Background tcell.Color
	Bold       bool
}

// Matcher is the lookup the line cache calls.
type Matcher interface {
	FirstMatch(text string) (Ref, bool)
}

type entry struct {
	re  *regexp2.Regexp
	ref Ref
}

// Set holds compiled rules in their configured order.
type Set struct {
	entries []entry
}

// Compile prepares rules for lookup. Rules whose pattern does not compile are
// skipped; their index is preserved in the refs of the others.
func Compile(rules []Rule, timeout time.Duration) *Set {
	s := &Set{}
	for i, r := range rules {
		opts := regexp2.None
		if r.IgnoreCase {
			opts |= regexp2.IgnoreCase
		}
		re, err := regexp2.Compile(r.Pattern, opts)
		if err != nil {
			continue
		}
		if timeout > 0 {
			re.MatchTimeout = timeout
		}
		fg := tcell.GetColor(r.Foreground)
		bg := tcell.GetColor(r.Background)
		s.entries = append(s.entries, entry{re: re, ref: Ref{
			Index:      i,
			Name:       r.Name,
			Style:      tcell.StyleDefault.Foreground(fg).Background(bg).Bold(r.Bold),
			Foreground: fg,
			Background: bg,
			Bold:       r.Bold,
		}})
	}
	return s
}

// Len returns the number of usable rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// FirstMatch returns the first rule, in configured order, whose pattern
// matches text. Evaluation errors count as no match.
func (s *Set) FirstMatch(text string) (Ref, bool) {
	if s == nil {
		return Ref{}, false
	}
	for _, e := range s.entries {
		if ok, err := e.re.MatchString(text); err == nil && ok {
			return e.ref, true
		}
	}
	return Ref{}, false
}
