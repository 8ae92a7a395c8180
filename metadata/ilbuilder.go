package metadata

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// ILBuilder: helper for constructing IL streams
// ---------------------------------------------------------------------------

// ILBuilder assembles an IL stream with forward-referencing labels and
// exception clauses expressed in terms of labels.
type ILBuilder struct {
	code     []byte
	labels   []*Label
	clauses  []labelClause
	maxStack uint16
}

// Label is a position in the IL stream, possibly not yet marked.
type Label struct {
	id       int
	resolved bool
	position int
	refs     []labelRef
}

type labelRef struct {
	patch int // operand position
	next  int // offset of the following instruction
	width int // 1 or 4
}

type labelClause struct {
	kind                     ClauseKind
	tryStart, tryEnd         *Label
	handlerStart, handlerEnd *Label
	filter                   *Label
	class                    Token
}

// NewILBuilder creates an empty builder.
func NewILBuilder() *ILBuilder {
	return &ILBuilder{code: make([]byte, 0, 64), maxStack: 8}
}

// Len returns the current IL offset.
func (b *ILBuilder) Len() int {
	return len(b.code)
}

// SetMaxStack overrides the max stack recorded in the body header.
func (b *ILBuilder) SetMaxStack(n uint16) {
	b.maxStack = n
}

// MaxStack returns the configured max stack.
func (b *ILBuilder) MaxStack() uint16 {
	return b.maxStack
}

func (b *ILBuilder) op(op Opcode) {
	if op > 0xFF {
		b.code = append(b.code, twoBytePrefix, byte(op))
		return
	}
	b.code = append(b.code, byte(op))
}

// Emit appends an opcode with no operands.
func (b *ILBuilder) Emit(op Opcode) *ILBuilder {
	b.op(op)
	return b
}

// EmitInt8 appends an opcode with a 1-byte operand.
func (b *ILBuilder) EmitInt8(op Opcode, v int8) *ILBuilder {
	b.op(op)
	b.code = append(b.code, byte(v))
	return b
}

// EmitUint16 appends an opcode with a 2-byte operand.
func (b *ILBuilder) EmitUint16(op Opcode, v uint16) *ILBuilder {
	b.op(op)
	b.code = binary.LittleEndian.AppendUint16(b.code, v)
	return b
}

// EmitInt32 appends an opcode with a 4-byte operand.
func (b *ILBuilder) EmitInt32(op Opcode, v int32) *ILBuilder {
	b.op(op)
	b.code = binary.LittleEndian.AppendUint32(b.code, uint32(v))
	return b
}

// EmitInt64 appends an opcode with an 8-byte operand.
func (b *ILBuilder) EmitInt64(op Opcode, v int64) *ILBuilder {
	b.op(op)
	b.code = binary.LittleEndian.AppendUint64(b.code, uint64(v))
	return b
}

// EmitFloat32 appends an opcode with a float32 operand.
func (b *ILBuilder) EmitFloat32(op Opcode, v float32) *ILBuilder {
	b.op(op)
	b.code = binary.LittleEndian.AppendUint32(b.code, math.Float32bits(v))
	return b
}

// EmitFloat64 appends an opcode with a float64 operand.
func (b *ILBuilder) EmitFloat64(op Opcode, v float64) *ILBuilder {
	b.op(op)
	b.code = binary.LittleEndian.AppendUint64(b.code, math.Float64bits(v))
	return b
}

// EmitToken appends an opcode with a metadata token operand.
func (b *ILBuilder) EmitToken(op Opcode, tok Token) *ILBuilder {
	return b.EmitInt32(op, int32(tok))
}

// LdcI4 pushes a 32-bit constant using the shortest encoding.
func (b *ILBuilder) LdcI4(v int32) *ILBuilder {
	switch {
	case v == -1:
		return b.Emit(OpLdcI4M1)
	case v >= 0 && v <= 8:
		return b.Emit(OpLdcI40 + Opcode(v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return b.EmitInt8(OpLdcI4S, int8(v))
	}
	return b.EmitInt32(OpLdcI4, v)
}

// Ldarg loads argument i.
func (b *ILBuilder) Ldarg(i int) *ILBuilder {
	switch {
	case i <= 3:
		return b.Emit(OpLdarg0 + Opcode(i))
	case i <= 0xFF:
		return b.EmitInt8(OpLdargS, int8(uint8(i)))
	}
	return b.EmitUint16(OpLdarg, uint16(i))
}

// Ldloc loads local i.
func (b *ILBuilder) Ldloc(i int) *ILBuilder {
	switch {
	case i <= 3:
		return b.Emit(OpLdloc0 + Opcode(i))
	case i <= 0xFF:
		return b.EmitInt8(OpLdlocS, int8(uint8(i)))
	}
	return b.EmitUint16(OpLdloc, uint16(i))
}

// Stloc stores into local i.
func (b *ILBuilder) Stloc(i int) *ILBuilder {
	switch {
	case i <= 3:
		return b.Emit(OpStloc0 + Opcode(i))
	case i <= 0xFF:
		return b.EmitInt8(OpStlocS, int8(uint8(i)))
	}
	return b.EmitUint16(OpStloc, uint16(i))
}

// ---------------------------------------------------------------------------
// Labels and branches
// ---------------------------------------------------------------------------

// NewLabel creates an unresolved label.
func (b *ILBuilder) NewLabel() *Label {
	l := &Label{id: len(b.labels)}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current position.
func (b *ILBuilder) Mark(l *Label) *ILBuilder {
	if l.resolved {
		panic("label already resolved")
	}
	l.resolved = true
	l.position = len(b.code)
	return b
}

// MarkedLabel creates a label resolved at the current position.
func (b *ILBuilder) MarkedLabel() *Label {
	l := b.NewLabel()
	b.Mark(l)
	return l
}

// Branch emits a branch or leave to a label. Short forms get a 1-byte
// displacement.
func (b *ILBuilder) Branch(op Opcode, l *Label) *ILBuilder {
	info, ok := op.Info()
	if !ok || (info.Operand != ShortInlineBrTarget && info.Operand != InlineBrTarget) {
		panic(fmt.Sprintf("metadata: %s is not a branch", op))
	}
	b.op(op)
	width := 4
	if info.Operand == ShortInlineBrTarget {
		width = 1
	}
	pos := len(b.code)
	b.code = append(b.code, make([]byte, width)...)
	l.refs = append(l.refs, labelRef{patch: pos, next: len(b.code), width: width})
	return b
}

// Switch emits a switch over labels.
func (b *ILBuilder) Switch(targets ...*Label) *ILBuilder {
	b.op(OpSwitch)
	b.code = binary.LittleEndian.AppendUint32(b.code, uint32(len(targets)))
	start := len(b.code)
	next := start + 4*len(targets)
	b.code = append(b.code, make([]byte, 4*len(targets))...)
	for i, l := range targets {
		l.refs = append(l.refs, labelRef{patch: start + 4*i, next: next, width: 4})
	}
	return b
}

// ---------------------------------------------------------------------------
// Exception clauses
// ---------------------------------------------------------------------------

// Catch registers a typed catch clause.
func (b *ILBuilder) Catch(tryStart, tryEnd, handlerStart, handlerEnd *Label, class Token) {
	b.clauses = append(b.clauses, labelClause{kind: ClauseException,
		tryStart: tryStart, tryEnd: tryEnd, handlerStart: handlerStart, handlerEnd: handlerEnd, class: class})
}

// Finally registers a finally clause.
func (b *ILBuilder) Finally(tryStart, tryEnd, handlerStart, handlerEnd *Label) {
	b.clauses = append(b.clauses, labelClause{kind: ClauseFinally,
		tryStart: tryStart, tryEnd: tryEnd, handlerStart: handlerStart, handlerEnd: handlerEnd})
}

// Fault registers a fault clause.
func (b *ILBuilder) Fault(tryStart, tryEnd, handlerStart, handlerEnd *Label) {
	b.clauses = append(b.clauses, labelClause{kind: ClauseFault,
		tryStart: tryStart, tryEnd: tryEnd, handlerStart: handlerStart, handlerEnd: handlerEnd})
}

// Filter registers a filter clause; the filter block runs from filter to
// handlerStart.
func (b *ILBuilder) Filter(tryStart, tryEnd, filter, handlerStart, handlerEnd *Label) {
	b.clauses = append(b.clauses, labelClause{kind: ClauseFilter,
		tryStart: tryStart, tryEnd: tryEnd, filter: filter, handlerStart: handlerStart, handlerEnd: handlerEnd})
}

// ---------------------------------------------------------------------------
// Finishing
// ---------------------------------------------------------------------------

// Code patches every label reference and returns the IL bytes.
func (b *ILBuilder) Code() ([]byte, error) {
	for _, l := range b.labels {
		if len(l.refs) > 0 && !l.resolved {
			return nil, fmt.Errorf("label %d is referenced but never marked", l.id)
		}
		for _, ref := range l.refs {
			rel := l.position - ref.next
			if ref.width == 1 {
				if rel < math.MinInt8 || rel > math.MaxInt8 {
					return nil, fmt.Errorf("short branch at %d cannot reach IL_%04x", ref.patch, l.position)
				}
				b.code[ref.patch] = byte(int8(rel))
				continue
			}
			binary.LittleEndian.PutUint32(b.code[ref.patch:], uint32(int32(rel)))
		}
	}
	return b.code, nil
}

// Clauses resolves the registered exception clauses to IL offsets.
func (b *ILBuilder) Clauses() ([]ExceptionClause, error) {
	pos := func(l *Label) (uint32, error) {
		if l == nil || !l.resolved {
			return 0, fmt.Errorf("exception clause label is not marked")
		}
		return uint32(l.position), nil
	}
	out := make([]ExceptionClause, 0, len(b.clauses))
	for _, c := range b.clauses {
		ts, err := pos(c.tryStart)
		if err != nil {
			return nil, err
		}
		te, err := pos(c.tryEnd)
		if err != nil {
			return nil, err
		}
		hs, err := pos(c.handlerStart)
		if err != nil {
			return nil, err
		}
		he, err := pos(c.handlerEnd)
		if err != nil {
			return nil, err
		}
		ec := ExceptionClause{Kind: c.kind, TryOffset: ts, TryLength: te - ts,
			HandlerOffset: hs, HandlerLength: he - hs, ClassToken: c.class}
		if c.kind == ClauseFilter {
			if ec.FilterOffset, err = pos(c.filter); err != nil {
				return nil, err
			}
		}
		out = append(out, ec)
	}
	return out, nil
}
