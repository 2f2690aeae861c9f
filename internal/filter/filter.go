// Package filter decides which lines a scan keeps.
package filter

import (
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultTimeout bounds a single pattern evaluation.
const DefaultTimeout = 100 * time.Millisecond

// Rule is one entry of the ordered filter list.
type Rule struct {
	Pattern    string `toml:"pattern"`
	Excluding  bool   `toml:"excluding"`
	Active     bool   `toml:"active"`
	IgnoreCase bool   `toml:"ignore_case"`
}

// Provider supplies the current filter list. It is snapshotted once per scan.
type Provider interface {
	Rules() []Rule
}

// Static is a Provider over a fixed list.
type Static []Rule

// Rules returns a copy of the list.
func (s Static) Rules() []Rule {
	return append([]Rule(nil), s...)
}

type compiled struct {
	re      *regexp2.Regexp
	pattern string
}

// Set is a compiled snapshot of the active rules.
type Set struct {
	include []compiled
	exclude []compiled
}

// Compile builds a Set from the active rules. Patterns that fail to compile
// stay in the set and never match.
func Compile(rules []Rule, timeout time.Duration) *Set {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Set{}
	for _, r := range rules {
		if !r.Active {
			continue
		}
		c := compiled{pattern: r.Pattern}
		opts := regexp2.None
		if r.IgnoreCase {
			opts |= regexp2.IgnoreCase
		}
		if re, err := regexp2.Compile(r.Pattern, opts); err == nil {
			re.MatchTimeout = timeout
			c.re = re
		}
		if r.Excluding {
			s.exclude = append(s.exclude, c)
		} else {
			s.include = append(s.include, c)
		}
	}
	return s
}

// Active reports whether any rule can affect the outcome.
func (s *Set) Active() bool {
	return s != nil && len(s.include)+len(s.exclude) > 0
}

// Keep reports whether a line survives: it must match no excluding rule and
// every including rule.
func (s *Set) Keep(text string) bool {
	if s == nil {
		return true
	}
	for _, c := range s.exclude {
		if c.match(text) {
			return false
		}
	}
	for _, c := range s.include {
		if !c.match(text) {
			return false
		}
	}
	return true
}

// match treats compile and evaluation errors (including timeouts) as no match.
func (c compiled) match(text string) bool {
	if c.re == nil {
		return false
	}
	ok, err := c.re.MatchString(text)
	return err == nil && ok
}
