package manifest

import (
	"slices"
	"testing"
)

func TestParseMethodName(t *testing.T) {
	tests := []struct {
		input  string
		ns     string
		typ    string
		nested []string
		method string
	}{
		{"Game.Program::Main", "Game", "Program", nil, "Main"},
		{"Program::Main", "", "Program", nil, "Main"},
		{"A.B.C.Outer+Inner::Run", "A.B.C", "Outer", []string{"Inner"}, "Run"},
		{"Outer+Mid+Leaf::Go", "", "Outer", []string{"Mid", "Leaf"}, "Go"},
		{"Game.Program::.cctor", "Game", "Program", nil, ".cctor"},
	}

	for _, tc := range tests {
		n, err := ParseMethodName(tc.input)
		if err != nil {
			t.Errorf("ParseMethodName(%q): %v", tc.input, err)
			continue
		}
		if n.Namespace != tc.ns || n.Type != tc.typ || !slices.Equal(n.Nested, tc.nested) || n.Method != tc.method {
			t.Errorf("ParseMethodName(%q) = %+v", tc.input, n)
		}
		if n.String() != tc.input {
			t.Errorf("String() = %q, want %q", n.String(), tc.input)
		}
	}
}

func TestParseMethodNameErrors(t *testing.T) {
	for _, input := range []string{
		"",
		"Main",
		"::Main",
		"Game.Program::",
		"Game.Program::A::B",
		"Game.Program::Do.It",
		"Game.::Main",
		".Program::Main",
		"Outer+::Main",
	} {
		if n, err := ParseMethodName(input); err == nil {
			t.Errorf("ParseMethodName(%q) = %+v, want error", input, n)
		}
	}
}

func TestIsCorlibAssembly(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"mscorlib", true},
		{"MSCorLib.dll", true},
		{"System.Runtime", true},
		{"System.Private.CoreLib", true},
		{"netstandard.dll", true},
		{"System.Collections", false},
		{"Game.Logic", false},
	}

	for _, tc := range tests {
		if got := IsCorlibAssembly(tc.name); got != tc.want {
			t.Errorf("IsCorlibAssembly(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
