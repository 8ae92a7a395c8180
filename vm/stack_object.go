package vm

import (
	"math"
	"unsafe"
)

// ---------------------------------------------------------------------------
// StackObject: the untyped interpreter slot
// ---------------------------------------------------------------------------

// StackObject is one interpreter slot. Locals, arguments, evaluation stack
// entries, object fields, array elements and statics all use it. The raw
// bits hold primitives; ref holds a GC-visible pointer to either an *Object
// or, for managed pointers, another *StackObject.
//
// The accessors below are the only code that reinterprets a slot. Which
// accessor is correct is known statically from the instruction.
type StackObject struct {
	bits uint64
	ref  unsafe.Pointer
}

// Tags stored in bits when ref is set. Plain object references use 0.
const (
	tagByRef  uint64 = 0xB7EF_0000_0000_0001
	tagStruct uint64 = 0x5743_0000_0000_0002
	tagMethod uint64 = 0xF7C0_0000_0000_0003
)

// Integer accessors. 32-bit values are kept sign-extended to 64 bits, so an
// int32 read as a native int keeps its value. Small integer types are
// normalized to 32 bits on load (see narrow). Readers take the slot by
// value so they apply to call results.

func (s StackObject) I32() int32      { return int32(s.bits) }
func (s StackObject) U32() uint32     { return uint32(s.bits) }
func (s StackObject) I64() int64      { return int64(s.bits) }
func (s StackObject) U64() uint64     { return s.bits }
func (s StackObject) Bool() bool      { return uint32(s.bits) != 0 }
func (s *StackObject) SetI32(v int32)  { s.bits, s.ref = uint64(int64(v)), nil }
func (s *StackObject) SetU32(v uint32) { s.bits, s.ref = uint64(int64(int32(v))), nil }
func (s *StackObject) SetI64(v int64)  { s.bits, s.ref = uint64(v), nil }
func (s *StackObject) SetU64(v uint64) { s.bits, s.ref = v, nil }

func (s *StackObject) SetBool(v bool) {
	if v {
		s.SetI32(1)
	} else {
		s.SetI32(0)
	}
}

// Float accessors. Every floating value on the evaluation stack is a
// float64; float32 locations are rounded on store.

func (s StackObject) F64() float64     { return math.Float64frombits(s.bits) }
func (s *StackObject) SetF64(v float64) { s.bits, s.ref = math.Float64bits(v), nil }

// Obj returns the object reference held by the slot, or nil. It also
// returns the payload object of an unboxed struct value.
func (s StackObject) Obj() *Object {
	if s.bits == tagByRef || s.bits == tagMethod {
		return nil
	}
	return (*Object)(s.ref)
}

// SetObj stores an object reference.
func (s *StackObject) SetObj(o *Object) {
	s.bits, s.ref = 0, unsafe.Pointer(o)
}

// SetStruct stores an unboxed value-type instance. The slot owns o; stores
// into other locations must copy it (see copyValue).
func (s *StackObject) SetStruct(o *Object) {
	if o == nil {
		s.bits, s.ref = 0, nil
		return
	}
	s.bits, s.ref = tagStruct, unsafe.Pointer(o)
}

// IsStruct reports whether the slot holds an unboxed value-type instance.
func (s StackObject) IsStruct() bool { return s.bits == tagStruct && s.ref != nil }

// Ref returns the target of a managed pointer, or nil.
func (s StackObject) Ref() *StackObject {
	if s.bits != tagByRef {
		return nil
	}
	return (*StackObject)(s.ref)
}

// SetRef stores a managed pointer to another slot.
func (s *StackObject) SetRef(p *StackObject) {
	if p == nil {
		s.bits, s.ref = 0, nil
		return
	}
	s.bits, s.ref = tagByRef, unsafe.Pointer(p)
}

// IsByRef reports whether the slot holds a managed pointer.
func (s StackObject) IsByRef() bool { return s.bits == tagByRef && s.ref != nil }

// Method returns the method of a function pointer made by ldftn, or nil.
func (s StackObject) Method() *MethodInfo {
	if s.bits != tagMethod {
		return nil
	}
	return (*MethodInfo)(s.ref)
}

// SetMethod stores a function pointer.
func (s *StackObject) SetMethod(m *MethodInfo) {
	if m == nil {
		s.bits, s.ref = 0, nil
		return
	}
	s.bits, s.ref = tagMethod, unsafe.Pointer(m)
}

// same reports whether two slots hold identical bits and references.
func (s *StackObject) same(o *StackObject) bool { return s.bits == o.bits && s.ref == o.ref }

// IsNull reports whether the slot holds a null reference or null pointer.
func (s StackObject) IsNull() bool { return s.ref == nil && s.bits == 0 }

// Clear zeroes the slot.
func (s *StackObject) Clear() { s.bits, s.ref = 0, nil }

// copyValue returns v as it should be written to a new location: unboxed
// structs are duplicated so two locations never share a payload.
func copyValue(v StackObject) StackObject {
	if v.IsStruct() {
		var out StackObject
		out.SetStruct(v.Obj().Clone())
		return out
	}
	return v
}

// Convenience constructors.

func I32Value(v int32) StackObject        { var s StackObject; s.SetI32(v); return s }
func I64Value(v int64) StackObject        { var s StackObject; s.SetI64(v); return s }
func F64Value(v float64) StackObject      { var s StackObject; s.SetF64(v); return s }
func ObjValue(o *Object) StackObject      { var s StackObject; s.SetObj(o); return s }
func BoolValue(v bool) StackObject        { var s StackObject; s.SetBool(v); return s }
func RefValue(p *StackObject) StackObject { var s StackObject; s.SetRef(p); return s }
