package metadata

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Opcode metadata tests
// ---------------------------------------------------------------------------

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op      Opcode
		name    string
		operand OperandType
		size    int
	}{
		{OpNop, "nop", InlineNone, 1},
		{OpLdargS, "ldarg.s", ShortInlineVar, 1},
		{OpLdcI4, "ldc.i4", InlineI, 1},
		{OpLdcI8, "ldc.i8", InlineI8, 1},
		{OpLdcR4, "ldc.r4", ShortInlineR, 1},
		{OpBrS, "br.s", ShortInlineBrTarget, 1},
		{OpSwitch, "switch", InlineSwitch, 1},
		{OpCallvirt, "callvirt", InlineMethod, 1},
		{OpLdstr, "ldstr", InlineString, 1},
		{OpCeq, "ceq", InlineNone, 2},
		{OpLdloc, "ldloc", InlineVar, 2},
		{OpConstrained, "constrained.", InlineType, 2},
	}

	for _, tt := range tests {
		info, ok := tt.op.Info()
		if !ok {
			t.Errorf("%#x: missing from opcode table", uint16(tt.op))
			continue
		}
		if info.Name != tt.name {
			t.Errorf("%s: Name = %q, want %q", tt.op, info.Name, tt.name)
		}
		if info.Operand != tt.operand {
			t.Errorf("%s: Operand = %d, want %d", tt.op, info.Operand, tt.operand)
		}
		if tt.op.Size() != tt.size {
			t.Errorf("%s: Size = %d, want %d", tt.op, tt.op.Size(), tt.size)
		}
	}
}

func TestUnknownOpcode(t *testing.T) {
	if !strings.HasPrefix(Opcode(0x24).Name(), "unknown_") {
		t.Errorf("0x24 should be unknown, got %q", Opcode(0x24).Name())
	}
	if _, err := DecodeIL([]byte{0x24}); err == nil {
		t.Error("DecodeIL accepted an undefined opcode")
	}
}

// ---------------------------------------------------------------------------
// ILBuilder tests
// ---------------------------------------------------------------------------

func TestILBuilderShortForms(t *testing.T) {
	b := NewILBuilder()
	b.LdcI4(-1).LdcI4(5).LdcI4(100).LdcI4(1000)
	b.Ldarg(0).Ldarg(9).Ldloc(2).Stloc(300)
	code, err := b.Code()
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	ins, err := DecodeIL(code)
	if err != nil {
		t.Fatalf("DecodeIL: %v", err)
	}
	want := []struct {
		op  Opcode
		arg int64
	}{
		{OpLdcI4M1, 0}, {OpLdcI45, 0}, {OpLdcI4S, 100}, {OpLdcI4, 1000},
		{OpLdarg0, 0}, {OpLdargS, 9}, {OpLdloc2, 0}, {OpStloc, 300},
	}
	if len(ins) != len(want) {
		t.Fatalf("decoded %d instructions, want %d", len(ins), len(want))
	}
	for i, w := range want {
		if ins[i].Op != w.op || ins[i].Int != w.arg {
			t.Errorf("instruction %d = %s %d, want %s %d", i, ins[i].Op, ins[i].Int, w.op, w.arg)
		}
	}
}

func TestILBuilderBranches(t *testing.T) {
	b := NewILBuilder()
	top := b.MarkedLabel()
	exit := b.NewLabel()
	b.Ldarg(0)
	b.Branch(OpBrfalseS, exit)
	b.Branch(OpBr, top)
	a, c := b.NewLabel(), b.NewLabel()
	b.Ldarg(0).Switch(a, c)
	b.Mark(a).Emit(OpNop)
	b.Mark(c).Emit(OpNop)
	b.Mark(exit).Emit(OpRet)

	code, err := b.Code()
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	ins, err := DecodeIL(code)
	if err != nil {
		t.Fatalf("DecodeIL: %v", err)
	}
	ret := ins[len(ins)-1]
	if ins[1].Op != OpBrfalseS || ins[1].Target != ret.Offset {
		t.Errorf("brfalse.s target = IL_%04x, want IL_%04x", ins[1].Target, ret.Offset)
	}
	if ins[2].Op != OpBr || ins[2].Target != 0 {
		t.Errorf("br target = IL_%04x, want IL_0000", ins[2].Target)
	}
	sw := ins[4]
	if sw.Op != OpSwitch || len(sw.Targets) != 2 {
		t.Fatalf("switch = %+v", sw)
	}
	if sw.Targets[0] != ins[5].Offset || sw.Targets[1] != ins[6].Offset {
		t.Errorf("switch targets = %v, want [%d %d]", sw.Targets, ins[5].Offset, ins[6].Offset)
	}
}

func TestILBuilderUnmarkedLabel(t *testing.T) {
	b := NewILBuilder()
	b.Branch(OpBr, b.NewLabel())
	if _, err := b.Code(); err == nil {
		t.Error("Code should fail for an unmarked label")
	}
}

func TestILBuilderShortBranchRange(t *testing.T) {
	b := NewILBuilder()
	far := b.NewLabel()
	b.Branch(OpBrS, far)
	for i := 0; i < 200; i++ {
		b.Emit(OpNop)
	}
	b.Mark(far)
	if _, err := b.Code(); err == nil {
		t.Error("Code should reject a short branch over 200 bytes")
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	b := NewILBuilder()
	l := b.NewLabel()
	b.LdcI4(7).EmitFloat64(OpLdcR8, 1.5).Emit(OpPop)
	b.Branch(OpBrS, l)
	b.Mark(l)
	b.EmitToken(OpCall, NewToken(TableMethodDef, 3))
	b.Emit(OpRet)
	code, _ := b.Code()

	names := func(tok Token) string {
		if tok.Table() == TableMethodDef {
			return "Demo.Widget::Run"
		}
		return ""
	}
	out := Disassemble(code, names)
	for _, want := range []string{
		"IL_0000:  ldc.i4.7",
		"ldc.r8 1.5",
		"br.s IL_000d",
		"call Demo.Widget::Run",
		"ret",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}
