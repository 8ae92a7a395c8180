package vm

import (
	"testing"

	"github.com/chazu/hybrid/metadata"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		elem metadata.ElementType
		v    StackObject
		spec string
		want string
		ok   bool
	}{
		{metadata.ElementI4, I32Value(-5), "D3", "-005", true},
		{metadata.ElementI4, I32Value(42), "d", "42", true},
		{metadata.ElementI4, I32Value(255), "X", "FF", true},
		{metadata.ElementI4, I32Value(255), "x4", "00ff", true},
		{metadata.ElementI4, I32Value(-1), "X", "FFFFFFFF", true},
		{metadata.ElementI8, I64Value(-1), "X", "FFFFFFFFFFFFFFFF", true},
		{metadata.ElementR8, F64Value(3.14159), "F2", "3.14", true},
		{metadata.ElementR8, F64Value(2), "F", "2.00", true},
		{metadata.ElementI4, I32Value(1234567), "N0", "1,234,567", true},
		{metadata.ElementI4, I32Value(-1234567), "N", "-1,234,567.00", true},
		{metadata.ElementI4, I32Value(5), "G", "5", true},
		{metadata.ElementR8, F64Value(1.5), "D", "", false},
		{metadata.ElementR8, F64Value(1.5), "Z", "", false},
		{metadata.ElementI4, I32Value(1), "D100", "", false},
	}
	for _, tt := range tests {
		got, ok := formatNumber(tt.elem, tt.v, tt.spec)
		if ok != tt.ok || got != tt.want {
			t.Errorf("formatNumber(%v, %q) = %q, %v; want %q, %v", tt.elem, tt.spec, got, ok, tt.want, tt.ok)
		}
	}
}

func TestGroupThousands(t *testing.T) {
	tests := map[string]string{
		"0":          "0",
		"999":        "999",
		"1000":       "1,000",
		"-1234.50":   "-1,234.50",
		"1234567.25": "1,234,567.25",
	}
	for in, want := range tests {
		if got := groupThousands(in); got != want {
			t.Errorf("groupThousands(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatComposite(t *testing.T) {
	rt, err := NewRuntime(Options{})
	if err != nil {
		t.Fatal(err)
	}
	th := rt.NewThread()
	i4 := rt.corlib.Primitive(metadata.ElementI4)
	args := []StackObject{
		th.boxElement(i4, I32Value(7)),
		th.newString("ab"),
		{},
	}

	tests := []struct {
		format string
		want   string
	}{
		{"{0}", "7"},
		{"[{0,4}]", "[   7]"},
		{"[{0,-4}]", "[7   ]"},
		{"{0:D3}-{1}", "007-ab"},
		{"{{{0}}}", "{7}"},
		{"<{2}>", "<>"},
		{"{1}{1}", "abab"},
	}
	for _, tt := range tests {
		got, err := th.formatComposite(tt.format, args)
		if err != nil {
			t.Errorf("formatComposite(%q): %v", tt.format, err)
			continue
		}
		if got != tt.want {
			t.Errorf("formatComposite(%q) = %q, want %q", tt.format, got, tt.want)
		}
	}

	for _, bad := range []string{"{3}", "{0", "}", "{x}", "{0:Q}"} {
		_, err := th.formatComposite(bad, args)
		expectException(t, err, "FormatException")
	}
}

func TestFormatArgsParamsArray(t *testing.T) {
	rt, err := NewRuntime(Options{})
	if err != nil {
		t.Fatal(err)
	}
	th := rt.NewThread()
	arr := rt.newArray(rt.ArrayClass(rt.corlib.Object, 1, true), []int32{2}, nil)
	arr.Elems[0] = th.newString("x")
	arr.Elems[1] = th.newString("y")
	format := th.newString("{1}{0}")

	got, err := th.formatArgs(format.Obj(), []StackObject{ObjValue(arr)})
	if err != nil {
		t.Fatal(err)
	}
	if got != "yx" {
		t.Errorf("formatArgs = %q, want yx", got)
	}
}
