package vm

import (
	"math"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// ---------------------------------------------------------------------------
// Overflow predicates
// ---------------------------------------------------------------------------

// Each predicate is evaluated before the operation it guards, so a checked
// instruction never computes a wrapped result.

func maxSigned[T constraints.Signed]() T {
	var z T
	bits := unsafe.Sizeof(z) * 8
	return T(uint64(1)<<(bits-1) - 1)
}

func minSigned[T constraints.Signed]() T { return -maxSigned[T]() - 1 }

func maxUnsigned[T constraints.Unsigned]() T { return ^T(0) }

// AddOverflow reports whether a+b overflows T.
func AddOverflow[T constraints.Signed](a, b T) bool {
	if b >= 0 {
		return maxSigned[T]()-b < a
	}
	return minSigned[T]()-b > a
}

// SubOverflow reports whether a-b overflows T.
func SubOverflow[T constraints.Signed](a, b T) bool {
	if b >= 0 {
		return minSigned[T]()+b > a
	}
	return maxSigned[T]()+b < a
}

// MulOverflow reports whether a*b overflows T.
func MulOverflow[T constraints.Signed](a, b T) bool {
	if a == 0 || b == 0 {
		return false
	}
	lo, hi := minSigned[T](), maxSigned[T]()
	if a == -1 {
		return b == lo
	}
	if b == -1 {
		return a == lo
	}
	if a > 0 {
		if b > 0 {
			return a > hi/b
		}
		return b < lo/a
	}
	if b > 0 {
		return a < lo/b
	}
	return a < hi/b
}

// AddOverflowUn reports whether a+b overflows the unsigned type T.
func AddOverflowUn[T constraints.Unsigned](a, b T) bool { return maxUnsigned[T]()-b < a }

// SubOverflowUn reports whether a-b underflows the unsigned type T.
func SubOverflowUn[T constraints.Unsigned](a, b T) bool { return b > a }

// MulOverflowUn reports whether a*b overflows the unsigned type T.
func MulOverflowUn[T constraints.Unsigned](a, b T) bool {
	return a != 0 && b > maxUnsigned[T]()/a
}

// DivCheck returns the exception a signed division or remainder raises, or
// exNone.
func DivCheck[T constraints.Signed](a, b T) ExceptionKind {
	switch {
	case b == 0:
		return ExDivideByZero
	case b == -1 && a == minSigned[T]():
		return ExOverflow
	}
	return exNone
}

// FloatToIntOverflow reports whether truncating f to the integer type T
// loses the value. NaN always overflows.
func FloatToIntOverflow[T constraints.Integer](f float64) bool {
	if math.IsNaN(f) {
		return true
	}
	var z T
	bits := float64(unsafe.Sizeof(z) * 8)
	t := math.Trunc(f)
	if ^z > 0 {
		// unsigned
		return t < 0 || t >= math.Exp2(bits)
	}
	limit := math.Exp2(bits - 1)
	return t < -limit || t >= limit
}

// saturate truncates f toward zero, clamping out-of-range values and
// mapping NaN to zero.
func saturate[T constraints.Integer](f float64) T {
	if math.IsNaN(f) {
		return 0
	}
	var z T
	bits := float64(unsafe.Sizeof(z) * 8)
	if ^z > 0 {
		if f <= 0 {
			return 0
		}
		if f >= math.Exp2(bits) {
			return ^z
		}
		if bits == 64 && f >= math.Exp2(63) {
			return T(uint64(f-math.Exp2(63)) + 1<<63)
		}
		return T(int64(f))
	}
	limit := math.Exp2(bits - 1)
	switch {
	case f >= limit:
		return T(uint64(1)<<(uint(bits)-1) - 1)
	case f <= -limit:
		return T(uint64(1) << (uint(bits) - 1))
	}
	return T(int64(f))
}

// exNone marks the absence of an exception in handler results.
const exNone ExceptionKind = -1

// ---------------------------------------------------------------------------
// Operation tables
// ---------------------------------------------------------------------------

// binOp identifies an arithmetic or bitwise instruction family.
type binOp uint8

const (
	binAdd binOp = iota
	binSub
	binMul
	binDiv
	binDivUn
	binRem
	binRemUn
	binAnd
	binOr
	binXor
	binShl
	binShr
	binShrUn
	binAddOvf
	binAddOvfUn
	binSubOvf
	binSubOvfUn
	binMulOvf
	binMulOvfUn
	binOpCount
)

var binOpNames = [binOpCount]string{
	"add", "sub", "mul", "div", "div.un", "rem", "rem.un", "and", "or", "xor",
	"shl", "shr", "shr.un", "add.ovf", "add.ovf.un", "sub.ovf", "sub.ovf.un", "mul.ovf", "mul.ovf.un",
}

func (b binOp) String() string { return binOpNames[b] }

// binI4 implements every binOp over int32 operands.
var binI4 = [binOpCount]func(a, b int32) (int32, ExceptionKind){
	binAdd: func(a, b int32) (int32, ExceptionKind) { return a + b, exNone },
	binSub: func(a, b int32) (int32, ExceptionKind) { return a - b, exNone },
	binMul: func(a, b int32) (int32, ExceptionKind) { return a * b, exNone },
	binDiv: func(a, b int32) (int32, ExceptionKind) {
		if k := DivCheck(a, b); k != exNone {
			return 0, k
		}
		return a / b, exNone
	},
	binDivUn: func(a, b int32) (int32, ExceptionKind) {
		if b == 0 {
			return 0, ExDivideByZero
		}
		return int32(uint32(a) / uint32(b)), exNone
	},
	binRem: func(a, b int32) (int32, ExceptionKind) {
		if k := DivCheck(a, b); k != exNone {
			return 0, k
		}
		return a % b, exNone
	},
	binRemUn: func(a, b int32) (int32, ExceptionKind) {
		if b == 0 {
			return 0, ExDivideByZero
		}
		return int32(uint32(a) % uint32(b)), exNone
	},
	binAnd:   func(a, b int32) (int32, ExceptionKind) { return a & b, exNone },
	binOr:    func(a, b int32) (int32, ExceptionKind) { return a | b, exNone },
	binXor:   func(a, b int32) (int32, ExceptionKind) { return a ^ b, exNone },
	binShl:   func(a, b int32) (int32, ExceptionKind) { return a << (uint32(b) & 31), exNone },
	binShr:   func(a, b int32) (int32, ExceptionKind) { return a >> (uint32(b) & 31), exNone },
	binShrUn: func(a, b int32) (int32, ExceptionKind) { return int32(uint32(a) >> (uint32(b) & 31)), exNone },
	binAddOvf: func(a, b int32) (int32, ExceptionKind) {
		if AddOverflow(a, b) {
			return 0, ExOverflow
		}
		return a + b, exNone
	},
	binAddOvfUn: func(a, b int32) (int32, ExceptionKind) {
		if AddOverflowUn(uint32(a), uint32(b)) {
			return 0, ExOverflow
		}
		return a + b, exNone
	},
	binSubOvf: func(a, b int32) (int32, ExceptionKind) {
		if SubOverflow(a, b) {
			return 0, ExOverflow
		}
		return a - b, exNone
	},
	binSubOvfUn: func(a, b int32) (int32, ExceptionKind) {
		if SubOverflowUn(uint32(a), uint32(b)) {
			return 0, ExOverflow
		}
		return a - b, exNone
	},
	binMulOvf: func(a, b int32) (int32, ExceptionKind) {
		if MulOverflow(a, b) {
			return 0, ExOverflow
		}
		return a * b, exNone
	},
	binMulOvfUn: func(a, b int32) (int32, ExceptionKind) {
		if MulOverflowUn(uint32(a), uint32(b)) {
			return 0, ExOverflow
		}
		return int32(uint32(a) * uint32(b)), exNone
	},
}

// binI8 implements every binOp over int64 (and native int) operands.
var binI8 = [binOpCount]func(a, b int64) (int64, ExceptionKind){
	binAdd: func(a, b int64) (int64, ExceptionKind) { return a + b, exNone },
	binSub: func(a, b int64) (int64, ExceptionKind) { return a - b, exNone },
	binMul: func(a, b int64) (int64, ExceptionKind) { return a * b, exNone },
	binDiv: func(a, b int64) (int64, ExceptionKind) {
		if k := DivCheck(a, b); k != exNone {
			return 0, k
		}
		return a / b, exNone
	},
	binDivUn: func(a, b int64) (int64, ExceptionKind) {
		if b == 0 {
			return 0, ExDivideByZero
		}
		return int64(uint64(a) / uint64(b)), exNone
	},
	binRem: func(a, b int64) (int64, ExceptionKind) {
		if k := DivCheck(a, b); k != exNone {
			return 0, k
		}
		return a % b, exNone
	},
	binRemUn: func(a, b int64) (int64, ExceptionKind) {
		if b == 0 {
			return 0, ExDivideByZero
		}
		return int64(uint64(a) % uint64(b)), exNone
	},
	binAnd:   func(a, b int64) (int64, ExceptionKind) { return a & b, exNone },
	binOr:    func(a, b int64) (int64, ExceptionKind) { return a | b, exNone },
	binXor:   func(a, b int64) (int64, ExceptionKind) { return a ^ b, exNone },
	binShl:   func(a, b int64) (int64, ExceptionKind) { return a << (uint64(b) & 63), exNone },
	binShr:   func(a, b int64) (int64, ExceptionKind) { return a >> (uint64(b) & 63), exNone },
	binShrUn: func(a, b int64) (int64, ExceptionKind) { return int64(uint64(a) >> (uint64(b) & 63)), exNone },
	binAddOvf: func(a, b int64) (int64, ExceptionKind) {
		if AddOverflow(a, b) {
			return 0, ExOverflow
		}
		return a + b, exNone
	},
	binAddOvfUn: func(a, b int64) (int64, ExceptionKind) {
		if AddOverflowUn(uint64(a), uint64(b)) {
			return 0, ExOverflow
		}
		return a + b, exNone
	},
	binSubOvf: func(a, b int64) (int64, ExceptionKind) {
		if SubOverflow(a, b) {
			return 0, ExOverflow
		}
		return a - b, exNone
	},
	binSubOvfUn: func(a, b int64) (int64, ExceptionKind) {
		if SubOverflowUn(uint64(a), uint64(b)) {
			return 0, ExOverflow
		}
		return a - b, exNone
	},
	binMulOvf: func(a, b int64) (int64, ExceptionKind) {
		if MulOverflow(a, b) {
			return 0, ExOverflow
		}
		return a * b, exNone
	},
	binMulOvfUn: func(a, b int64) (int64, ExceptionKind) {
		if MulOverflowUn(uint64(a), uint64(b)) {
			return 0, ExOverflow
		}
		return int64(uint64(a) * uint64(b)), exNone
	},
}

// binF implements the binOps defined for floating operands. Float division
// by zero follows IEEE 754 and never raises.
var binF = [binOpCount]func(a, b float64) float64{
	binAdd: func(a, b float64) float64 { return a + b },
	binSub: func(a, b float64) float64 { return a - b },
	binMul: func(a, b float64) float64 { return a * b },
	binDiv: func(a, b float64) float64 { return a / b },
	binRem: math.Mod,
}

// cmpOp identifies a comparison.
type cmpOp uint8

const (
	cmpEq cmpOp = iota
	cmpNe
	cmpLt
	cmpLe
	cmpGt
	cmpGe
	cmpLtUn
	cmpLeUn
	cmpGtUn
	cmpGeUn
	cmpNeUn
)

func compareI32(op cmpOp, a, b int32) bool {
	switch op {
	case cmpEq:
		return a == b
	case cmpNe, cmpNeUn:
		return a != b
	case cmpLt:
		return a < b
	case cmpLe:
		return a <= b
	case cmpGt:
		return a > b
	case cmpGe:
		return a >= b
	case cmpLtUn:
		return uint32(a) < uint32(b)
	case cmpLeUn:
		return uint32(a) <= uint32(b)
	case cmpGtUn:
		return uint32(a) > uint32(b)
	case cmpGeUn:
		return uint32(a) >= uint32(b)
	}
	return false
}

func compareI64(op cmpOp, a, b int64) bool {
	switch op {
	case cmpEq:
		return a == b
	case cmpNe, cmpNeUn:
		return a != b
	case cmpLt:
		return a < b
	case cmpLe:
		return a <= b
	case cmpGt:
		return a > b
	case cmpGe:
		return a >= b
	case cmpLtUn:
		return uint64(a) < uint64(b)
	case cmpLeUn:
		return uint64(a) <= uint64(b)
	case cmpGtUn:
		return uint64(a) > uint64(b)
	case cmpGeUn:
		return uint64(a) >= uint64(b)
	}
	return false
}

// compareF follows ECMA-335: ordered comparisons are false when either
// operand is NaN, their .un forms are true.
func compareF(op cmpOp, a, b float64) bool {
	unordered := math.IsNaN(a) || math.IsNaN(b)
	switch op {
	case cmpEq:
		return a == b
	case cmpNe, cmpNeUn:
		return a != b
	case cmpLt:
		return a < b
	case cmpLe:
		return a <= b
	case cmpGt:
		return a > b
	case cmpGe:
		return a >= b
	case cmpLtUn:
		return unordered || a < b
	case cmpLeUn:
		return unordered || a <= b
	case cmpGtUn:
		return unordered || a > b
	case cmpGeUn:
		return unordered || a >= b
	}
	return false
}

// compareRef compares references and managed pointers by identity. cgt.un
// against null is the inequality test compilers emit.
func compareRef(op cmpOp, a, b *StackObject) bool {
	switch op {
	case cmpEq:
		return a.same(b)
	case cmpNe, cmpNeUn, cmpGtUn:
		return !a.same(b)
	}
	return false
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// convOp identifies the target of a conversion instruction.
type convOp uint8

const (
	convI1 convOp = iota
	convU1
	convI2
	convU2
	convI4
	convU4
	convI8
	convU8
	convR4
	convR8
	convRUn
	convOpCount
)

// convTargets maps conversion targets to their element types.
var convTargets = [convOpCount]string{"i1", "u1", "i2", "u2", "i4", "u4", "i8", "u8", "r4", "r8", "r.un"}

func (c convOp) String() string { return convTargets[c] }

// convert applies a conversion to v, whose evaluation-stack kind is src.
// checked selects the conv.ovf forms; unsignedSrc the .un forms, which
// read the integer source as unsigned.
func convert(v StackObject, src stackKind, op convOp, checked, unsignedSrc bool) (StackObject, ExceptionKind) {
	var out StackObject
	if src == kindF {
		f := v.F64()
		switch op {
		case convR4:
			out.SetF64(float64(float32(f)))
			return out, exNone
		case convR8, convRUn:
			out.SetF64(f)
			return out, exNone
		}
		if checked && floatOverflows(f, op) {
			return out, ExOverflow
		}
		switch op {
		case convI1:
			out.SetI32(int32(saturate[int8](f)))
		case convU1:
			out.SetI32(int32(saturate[uint8](f)))
		case convI2:
			out.SetI32(int32(saturate[int16](f)))
		case convU2:
			out.SetI32(int32(saturate[uint16](f)))
		case convI4:
			out.SetI32(saturate[int32](f))
		case convU4:
			out.SetU32(saturate[uint32](f))
		case convI8:
			out.SetI64(saturate[int64](f))
		case convU8:
			out.SetU64(saturate[uint64](f))
		}
		return out, exNone
	}

	// Integer source. int32 values are read sign-extended; the .un forms
	// zero-extend them.
	var x int64
	if src == kindI4 {
		x = int64(v.I32())
		if unsignedSrc {
			x = int64(v.U32())
		}
	} else {
		x = v.I64()
	}
	ux := uint64(x)
	switch op {
	case convR4:
		if unsignedSrc {
			out.SetF64(float64(float32(ux)))
		} else {
			out.SetF64(float64(float32(x)))
		}
		return out, exNone
	case convR8:
		out.SetF64(float64(x))
		return out, exNone
	case convRUn:
		if src == kindI4 {
			out.SetF64(float64(v.U32()))
		} else {
			out.SetF64(float64(ux))
		}
		return out, exNone
	}
	if checked {
		var lo, hi int64
		var uhi uint64
		switch op {
		case convI1:
			lo, hi, uhi = math.MinInt8, math.MaxInt8, math.MaxInt8
		case convU1:
			lo, hi, uhi = 0, math.MaxUint8, math.MaxUint8
		case convI2:
			lo, hi, uhi = math.MinInt16, math.MaxInt16, math.MaxInt16
		case convU2:
			lo, hi, uhi = 0, math.MaxUint16, math.MaxUint16
		case convI4:
			lo, hi, uhi = math.MinInt32, math.MaxInt32, math.MaxInt32
		case convU4:
			lo, hi, uhi = 0, math.MaxUint32, math.MaxUint32
		case convI8:
			lo, hi, uhi = math.MinInt64, math.MaxInt64, math.MaxInt64
		case convU8:
			lo, hi, uhi = 0, math.MaxInt64, math.MaxUint64
		}
		if unsignedSrc || (src != kindI4 && op == convU8 && x >= 0) {
			if ux > uhi {
				return out, ExOverflow
			}
		} else if x < lo || x > hi {
			return out, ExOverflow
		}
	}
	switch op {
	case convI1:
		out.SetI32(int32(int8(x)))
	case convU1:
		out.SetI32(int32(uint8(x)))
	case convI2:
		out.SetI32(int32(int16(x)))
	case convU2:
		out.SetI32(int32(uint16(x)))
	case convI4:
		out.SetI32(int32(x))
	case convU4:
		out.SetU32(uint32(x))
	case convI8:
		out.SetI64(x)
	case convU8:
		if src == kindI4 && !unsignedSrc {
			out.SetU64(uint64(uint32(v.I32())))
		} else {
			out.SetU64(ux)
		}
	}
	return out, exNone
}

func floatOverflows(f float64, op convOp) bool {
	switch op {
	case convI1:
		return FloatToIntOverflow[int8](f)
	case convU1:
		return FloatToIntOverflow[uint8](f)
	case convI2:
		return FloatToIntOverflow[int16](f)
	case convU2:
		return FloatToIntOverflow[uint16](f)
	case convI4:
		return FloatToIntOverflow[int32](f)
	case convU4:
		return FloatToIntOverflow[uint32](f)
	case convI8:
		return FloatToIntOverflow[int64](f)
	case convU8:
		return FloatToIntOverflow[uint64](f)
	}
	return false
}

// narrow normalizes v as stored in or loaded from a location of element
// type e: small integers are truncated and re-extended, float32 rounded.
func narrow(e uint8, v *StackObject) {
	switch e {
	case narrowI1:
		v.SetI32(int32(int8(v.I32())))
	case narrowU1:
		v.SetI32(int32(uint8(v.I32())))
	case narrowI2:
		v.SetI32(int32(int16(v.I32())))
	case narrowU2:
		v.SetI32(int32(uint16(v.I32())))
	case narrowR4:
		v.SetF64(float64(float32(v.F64())))
	case narrowBool:
		v.SetI32(int32(uint8(v.I32())))
	case narrowI4:
		v.SetI32(v.I32())
	}
}

// Storage normalizations.
const (
	narrowNone uint8 = iota
	narrowI1
	narrowU1
	narrowI2
	narrowU2
	narrowR4
	narrowBool
	narrowI4
)
