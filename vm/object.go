package vm

import (
	"unicode/utf16"
)

// Object is a managed heap object as the default host lays it out. Boxed
// values, unboxed struct payloads, strings and arrays all share this shape.
type Object struct {
	Class *Class

	// Fields holds instance fields, indexed by FieldInfo.Slot. A boxed
	// primitive or enum stores its value in Fields[0].
	Fields []StackObject

	// Elems holds array elements in row-major order.
	Elems []StackObject

	// Lengths and LowerBounds describe multi-dimensional arrays. Both are
	// nil for single-dimensional zero-based arrays.
	Lengths     []int32
	LowerBounds []int32

	// Chars holds the UTF-16 payload of a System.String.
	Chars []uint16

	// Native carries host data: *DelegateData for delegates, *Class for
	// runtime type objects and type handles, *FieldInfo and *MethodInfo for
	// their handles.
	Native any
}

// Clone returns a shallow copy of o. Nested struct payloads are copied so
// the clone shares no value-type storage with o.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := *o
	if o.Fields != nil {
		c.Fields = make([]StackObject, len(o.Fields))
		for i := range o.Fields {
			c.Fields[i] = copyValue(o.Fields[i])
		}
	}
	return &c
}

// newObject allocates an instance of c with its struct fields
// materialized. For value types the result is an unboxed payload.
func (rt *Runtime) newObject(c *Class) *Object {
	o := rt.Host.NewObject(c)
	rt.initStructs(o.Fields, c.structFields)
	return o
}

func (rt *Runtime) initStructs(slots []StackObject, fields []structField) {
	for _, sf := range fields {
		if sf.slot < len(slots) {
			slots[sf.slot].SetStruct(rt.newObject(sf.class))
		}
	}
}

// newArray allocates an array whose struct elements hold default payloads.
func (rt *Runtime) newArray(arrayClass *Class, lengths, lowerBounds []int32) *Object {
	o := rt.Host.NewArray(arrayClass, lengths, lowerBounds)
	if e := arrayClass.Element; e != nil && e.IsStruct() {
		for i := range o.Elems {
			o.Elems[i].SetStruct(rt.newObject(e))
		}
	}
	return o
}

// Len returns the total element count of an array or the length of a
// string.
func (o *Object) Len() int {
	if o.Chars != nil || (o.Class != nil && o.Class.IsString()) {
		return len(o.Chars)
	}
	return len(o.Elems)
}

// Rank returns the array rank.
func (o *Object) Rank() int {
	if o.Lengths == nil {
		return 1
	}
	return len(o.Lengths)
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// GoString converts a System.String to a Go string. A nil object converts
// to "".
func GoString(o *Object) string {
	if o == nil {
		return ""
	}
	return string(utf16.Decode(o.Chars))
}

// stringChars encodes a Go string as UTF-16 code units.
func stringChars(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// ---------------------------------------------------------------------------
// Delegates
// ---------------------------------------------------------------------------

// DelegateData is the host payload of a delegate object.
type DelegateData struct {
	Target StackObject
	Method *MethodInfo

	// Invocation lists the single-target delegates of a multicast
	// delegate in registration order. It is nil for single-target ones.
	Invocation []*Object
}

func delegateData(o *Object) *DelegateData {
	if o == nil {
		return nil
	}
	d, _ := o.Native.(*DelegateData)
	return d
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// ExceptionMessage returns the message of a managed exception object.
func ExceptionMessage(o *Object) string {
	if o == nil || o.Class == nil {
		return ""
	}
	f := o.Class.FindField("_message")
	if f == nil || f.IsStatic() || f.Slot >= len(o.Fields) {
		return ""
	}
	return GoString(o.Fields[f.Slot].Obj())
}

// ExceptionStackTrace returns the stack trace recorded when o was thrown.
func ExceptionStackTrace(o *Object) string {
	if o == nil || o.Class == nil {
		return ""
	}
	f := o.Class.FindField("_stackTrace")
	if f == nil || f.IsStatic() || f.Slot >= len(o.Fields) {
		return ""
	}
	return GoString(o.Fields[f.Slot].Obj())
}
