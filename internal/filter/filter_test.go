package filter

import "testing"

func TestIncludeExcludeComposition(t *testing.T) {
	set := Compile([]Rule{
		{Pattern: "ERROR", Excluding: true, Active: true},
		{Pattern: "WARN", Active: true},
	}, 0)

	tests := []struct {
		line string
		want bool
	}{
		{"WARN and ERROR together", false},
		{"WARN disk nearly full", true},
		{"INFO started", false},
		{"ERROR only", false},
	}
	for _, tt := range tests {
		if got := set.Keep(tt.line); got != tt.want {
			t.Fatalf("Keep(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestIncludeRulesAllMustMatch(t *testing.T) {
	set := Compile([]Rule{
		{Pattern: `^\d{4}-`, Active: true},
		{Pattern: "db", Active: true, IgnoreCase: true},
	}, 0)

	if !set.Keep("2024-05-01 DB pool exhausted") {
		t.Fatalf("line matching both include rules was dropped")
	}
	if set.Keep("2024-05-01 cache warm") {
		t.Fatalf("line matching one include rule was kept")
	}
}

func TestInactiveRulesIgnored(t *testing.T) {
	set := Compile([]Rule{{Pattern: "x", Active: false}}, 0)
	if set.Active() {
		t.Fatalf("set with only inactive rules reports active")
	}
	if !set.Keep("anything") {
		t.Fatalf("inactive rule dropped a line")
	}
	var empty *Set
	if empty.Active() || !empty.Keep("line") {
		t.Fatalf("nil set must keep everything")
	}
}

func TestBrokenPatternNeverMatches(t *testing.T) {
	include := Compile([]Rule{{Pattern: "(unclosed", Active: true}}, 0)
	if include.Keep("(unclosed") {
		t.Fatalf("broken include pattern matched")
	}
	exclude := Compile([]Rule{{Pattern: "[z-a]", Excluding: true, Active: true}}, 0)
	if !exclude.Keep("anything") {
		t.Fatalf("broken exclude pattern excluded a line")
	}
}

func TestStaticRulesReturnsCopy(t *testing.T) {
	src := Static{{Pattern: "a", Active: true}}
	rules := src.Rules()
	rules[0].Pattern = "b"
	if src[0].Pattern != "a" {
		t.Fatalf("Rules exposed the backing list")
	}
}
