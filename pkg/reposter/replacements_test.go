// Copyright 2024-2026 Aiku AI

package reposter

import (
	"encoding/json"
	"testing"
)

func TestReplacementsApply(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		rules Replacements
		input string
		want  string
	}{
		{name: "no rules", input: "hello", want: "hello"},
		{
			name:  "literal word",
			rules: Replacements{{Find: "cat", Replace: "dog"}},
			input: "cat and cat",
			want:  "dog and dog",
		},
		{
			name:  "regular expression",
			rules: Replacements{{Find: `\d+`, Replace: "N"}},
			input: "room 101, floor 3",
			want:  "room N, floor N",
		},
		{
			name:  "invalid expression matched literally",
			rules: Replacements{{Find: "a(b", Replace: "x"}},
			input: "a(b a(b",
			want:  "x x",
		},
		{
			name:  "replacement is literal",
			rules: Replacements{{Find: "(cat)", Replace: "$1s"}},
			input: "cat",
			want:  "$1s",
		},
		{
			name:  "rules apply in order",
			rules: Replacements{{Find: "a", Replace: "b"}, {Find: "b", Replace: "c"}},
			input: "a",
			want:  "c",
		},
		{
			name:  "empty find ignored",
			rules: Replacements{{Find: "", Replace: "x"}},
			input: "abc",
			want:  "abc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.rules.Apply(tt.input); got != tt.want {
				t.Errorf("Apply(%q): got %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestReplacementsSetKeepsPosition(t *testing.T) {
	t.Parallel()
	var r Replacements
	r = r.Set("a", "1")
	r = r.Set("b", "2")
	r = r.Set("a", "3")
	if len(r) != 2 || r[0] != (Replacement{"a", "3"}) || r[1] != (Replacement{"b", "2"}) {
		t.Errorf("Set: got %+v", r)
	}
}

func TestReplacementsJSONOrder(t *testing.T) {
	t.Parallel()
	input := `{"zeta":"1","alpha":"2","mid":"3"}`
	var r Replacements
	if err := json.Unmarshal([]byte(input), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(r) != 3 || r[0].Find != "zeta" || r[1].Find != "alpha" || r[2].Find != "mid" {
		t.Fatalf("order lost: %+v", r)
	}
	out, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != input {
		t.Errorf("Marshal: got %s, want %s", out, input)
	}
}

func TestReplacementsJSONInvalid(t *testing.T) {
	t.Parallel()
	for _, input := range []string{`[]`, `{"a":1}`, `"x"`} {
		var r Replacements
		if err := json.Unmarshal([]byte(input), &r); err == nil {
			t.Errorf("Unmarshal(%s) should fail", input)
		}
	}
}

func TestReplacementsJSONNull(t *testing.T) {
	t.Parallel()
	r := Replacements{{Find: "a", Replace: "b"}}
	if err := json.Unmarshal([]byte(`null`), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if r != nil {
		t.Errorf("null should clear the table, got %+v", r)
	}
}

func FuzzReplacementsApply(f *testing.F) {
	f.Add("a(b", "x", "a(b c")
	f.Add(`\w+`, "$0", "hello world")
	f.Add("", "", "")
	f.Fuzz(func(t *testing.T, find, replace, input string) {
		_ = Replacements{{Find: find, Replace: replace}}.Apply(input)
	})
}
