package vm

import (
	"fmt"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Register instruction set
// ---------------------------------------------------------------------------

// iop is an interpreter opcode. Operands name frame slots: arguments come
// first, then locals, then the evaluation stack, so IL stack depth d lives
// in slot NumArgs+NumLocals+d.
type iop uint16

const (
	opNop iop = iota

	// Moves
	opLoad      // Dst = copy(A)
	opStore     // Dst = A
	opStoreN    // Dst = narrow(Aux, A)
	opAddr      // Dst = &A
	opLdcI4     // Dst = int32(Imm)
	opLdcI8     // Dst = Imm
	opLdcR8     // Dst = float64frombits(Imm)
	opLdnull    // Dst = null
	opLdstr     // Dst = Data[Aux]
	opLdftn     // Dst = Data[Aux] as a function pointer
	opLdvirtftn // Dst = virtual Data[Aux] of A

	// Arithmetic
	opBinI4 // Dst = binI4[Aux](A, B)
	opBinI8 // Dst = binI8[Aux](A, B)
	opBinF  // Dst = binF[Aux](A, B)
	opNegI4
	opNegI8
	opNegF
	opNotI4
	opNotI8
	opConv     // Dst = convert(A); Aux = convOp, Imm = convFlags
	opCkfinite // Dst = A, ArithmeticException when not finite

	// Comparisons; Aux = cmpOp
	opCmpI4
	opCmpI8
	opCmpF
	opCmpRef

	// Branches; Imm = target pc
	opBr
	opBrTrue
	opBrFalse
	opBrI4
	opBrI8
	opBrF
	opBrRef
	opSwitch // A = index, Aux = Data index of []int32 targets, Imm = fallthrough

	// Fields; Aux = slot or Data index, Imm = narrow
	opLdfld     // Dst = A.fields[Aux]
	opLdfldPtr  // Dst = (*A).fields[Aux]
	opStfld     // A.fields[Aux] = B
	opStfldPtr  // (*A).fields[Aux] = B
	opLdflda    // Dst = &A.fields[Aux]
	opLdfldaPtr // Dst = &(*A).fields[Aux]
	opLdsfld    // Dst = static Data[Aux]
	opStsfld    // static Data[Aux] = A
	opLdsflda   // Dst = &static Data[Aux]

	// Arrays
	opNewarr    // Dst = new Data[Aux] with length A
	opLdlen     // Dst = len(A)
	opLdelem    // Dst = A[B]; Imm = narrow
	opStelem    // A[B] = C; Imm = narrow
	opStelemRef // A[B] = C with covariance check
	opLdelema   // Dst = &A[B]; Aux = Data index of the element class or -1

	// Objects and values; Aux = Data index of the class
	opCastclass
	opIsinst
	opBox
	opUnbox
	opUnboxAny
	opInitobj // *A = default
	opLdobj   // Dst = copy(*A); Imm = narrow
	opStobj   // *A = B; Imm = narrow
	opCpobj   // *A = copy(*B)
	opLdind   // Dst = *A; Imm = narrow
	opStind   // *A = B; Imm = narrow
	opLdtoken // Dst = copy(Data[Aux])

	// Calls; Aux = Data index of the *callSite
	opCall
	opCallvirt
	opNewobj
	opCalli // A = function pointer slot

	// Control
	opRet     // return A; Imm = narrow
	opRetVoid //
	opThrow   // throw A
	opRethrow
	opLeave // Imm = target pc
	opEndfinally
	opEndfilter // A = verdict
	opRaise     // throw a runtime exception: Aux = kind, Data[Imm] = message

	iopCount
)

var iopNames = [iopCount]string{
	opNop: "nop", opLoad: "load", opStore: "store", opStoreN: "store.n", opAddr: "addr",
	opLdcI4: "ldc.i4", opLdcI8: "ldc.i8", opLdcR8: "ldc.r8", opLdnull: "ldnull", opLdstr: "ldstr",
	opLdftn: "ldftn", opLdvirtftn: "ldvirtftn",
	opBinI4: "bin.i4", opBinI8: "bin.i8", opBinF: "bin.f",
	opNegI4: "neg.i4", opNegI8: "neg.i8", opNegF: "neg.f", opNotI4: "not.i4", opNotI8: "not.i8",
	opConv: "conv", opCkfinite: "ckfinite",
	opCmpI4: "cmp.i4", opCmpI8: "cmp.i8", opCmpF: "cmp.f", opCmpRef: "cmp.ref",
	opBr: "br", opBrTrue: "brtrue", opBrFalse: "brfalse", opBrI4: "br.i4", opBrI8: "br.i8",
	opBrF: "br.f", opBrRef: "br.ref", opSwitch: "switch",
	opLdfld: "ldfld", opLdfldPtr: "ldfld.p", opStfld: "stfld", opStfldPtr: "stfld.p",
	opLdflda: "ldflda", opLdfldaPtr: "ldflda.p", opLdsfld: "ldsfld", opStsfld: "stsfld", opLdsflda: "ldsflda",
	opNewarr: "newarr", opLdlen: "ldlen", opLdelem: "ldelem", opStelem: "stelem", opStelemRef: "stelem.ref",
	opLdelema: "ldelema",
	opCastclass: "castclass", opIsinst: "isinst", opBox: "box", opUnbox: "unbox", opUnboxAny: "unbox.any",
	opInitobj: "initobj", opLdobj: "ldobj", opStobj: "stobj", opCpobj: "cpobj", opLdind: "ldind", opStind: "stind",
	opLdtoken: "ldtoken",
	opCall: "call", opCallvirt: "callvirt", opNewobj: "newobj", opCalli: "calli",
	opRet: "ret", opRetVoid: "ret.void", opThrow: "throw", opRethrow: "rethrow", opLeave: "leave",
	opEndfinally: "endfinally", opEndfilter: "endfilter", opRaise: "raise",
}

func (op iop) String() string {
	if op < iopCount && iopNames[op] != "" {
		return iopNames[op]
	}
	return fmt.Sprintf("iop(%d)", uint16(op))
}

// Conversion flags carried in Instruction.Imm of opConv.
const (
	convChecked  int64 = 1 << 0
	convUnsigned int64 = 1 << 1
	convSrcShift       = 8
)

// Instruction is one register instruction.
type Instruction struct {
	Op        iop
	Dst, A, B int32
	C         int32
	Aux       int32
	Imm       int64
}

func (in Instruction) String() string {
	switch in.Op {
	case opBinI4, opBinI8, opBinF:
		return fmt.Sprintf("%s.%s s%d, s%d, s%d", in.Op, binOp(in.Aux), in.Dst, in.A, in.B)
	case opCmpI4, opCmpI8, opCmpF, opCmpRef:
		return fmt.Sprintf("%s s%d, s%d, s%d (%d)", in.Op, in.Dst, in.A, in.B, in.Aux)
	case opBr, opLeave:
		return fmt.Sprintf("%s @%d", in.Op, in.Imm)
	case opBrTrue, opBrFalse:
		return fmt.Sprintf("%s s%d, @%d", in.Op, in.A, in.Imm)
	case opBrI4, opBrI8, opBrF, opBrRef:
		return fmt.Sprintf("%s s%d, s%d, @%d (%d)", in.Op, in.A, in.B, in.Imm, in.Aux)
	case opLdcI4, opLdcI8:
		return fmt.Sprintf("%s s%d, %d", in.Op, in.Dst, in.Imm)
	}
	return fmt.Sprintf("%s s%d, s%d, s%d, s%d [%d %d]", in.Op, in.Dst, in.A, in.B, in.C, in.Aux, in.Imm)
}

// callSite is the resolved operand of a call instruction. Arguments occupy
// NArgs consecutive slots starting at Base; the result, if any, replaces
// the first of them.
type callSite struct {
	Method *MethodInfo
	Base   int32
	NArgs  int32
	Ret    *Class
	Sig    *MethodSig // calli only
	Cache  InlineCache
}

// staticRef is the resolved operand of a static field instruction.
type staticRef struct {
	Field *FieldInfo
}

// ---------------------------------------------------------------------------
// Transformed methods
// ---------------------------------------------------------------------------

// InterpExceptionClause is an exception clause with IL offsets mapped to
// instruction indices. Ranges are half open.
type InterpExceptionClause struct {
	Kind         metadata.ClauseKind
	TryStart     int
	TryEnd       int
	HandlerStart int
	HandlerEnd   int
	FilterStart  int
	Class        *Class
}

// TryContains reports whether pc lies in the protected range.
func (c *InterpExceptionClause) TryContains(pc int) bool { return pc >= c.TryStart && pc < c.TryEnd }

// HandlerContains reports whether pc lies in the handler.
func (c *InterpExceptionClause) HandlerContains(pc int) bool {
	return pc >= c.HandlerStart && pc < c.HandlerEnd
}

// FilterContains reports whether pc lies in the filter block, which runs
// up to the handler.
func (c *InterpExceptionClause) FilterContains(pc int) bool {
	return c.Kind == metadata.ClauseFilter && pc >= c.FilterStart && pc < c.HandlerStart
}

// localInit materializes the default payload of a struct local.
type localInit struct {
	Slot  int32
	Class *Class
}

// InterpMethodInfo is the register form of a method body.
type InterpMethodInfo struct {
	Method  *MethodInfo
	Code    []Instruction
	Data    []any
	Clauses []InterpExceptionClause

	NumArgs   int
	NumLocals int
	MaxStack  int

	// FrameSize is the number of slots a frame occupies.
	FrameSize int

	// ILOffsets maps each instruction to the IL offset it came from.
	ILOffsets []uint32

	localInits []localInit
}

// StackBase returns the slot of IL stack depth 0.
func (info *InterpMethodInfo) StackBase() int { return info.NumArgs + info.NumLocals }

// Disassemble renders the register code, one instruction per line.
func (info *InterpMethodInfo) Disassemble() []string {
	out := make([]string, len(info.Code))
	for pc, in := range info.Code {
		out[pc] = fmt.Sprintf("%04d IL_%04x  %s", pc, info.ILOffsets[pc], in)
	}
	return out
}

// narrowFor returns the storage normalization of locations of class c.
func narrowFor(c *Class) uint8 {
	if c == nil || !c.IsPrimitiveLike() || c.Kind != KindValueType {
		return narrowNone
	}
	switch c.ElemType {
	case metadata.ElementI1:
		return narrowI1
	case metadata.ElementU1:
		return narrowU1
	case metadata.ElementBoolean:
		return narrowBool
	case metadata.ElementI2:
		return narrowI2
	case metadata.ElementU2, metadata.ElementChar:
		return narrowU2
	case metadata.ElementI4, metadata.ElementU4:
		return narrowI4
	case metadata.ElementR4:
		return narrowR4
	}
	return narrowNone
}
