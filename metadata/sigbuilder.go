package metadata

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// SigType: a type expression for signature encoding
// ---------------------------------------------------------------------------

// SigType describes a type to be encoded into a signature blob.
type SigType struct {
	Elem     ElementType
	Token    Token     // class, valuetype, generic definition, or modifier type
	Inner    *SigType  // ptr, byref, arrays, modifiers
	Args     []SigType // generic arguments
	Index    uint32    // var / mvar number
	Rank     uint32    // general arrays
	Required bool      // modreq vs modopt
}

// Prim returns a primitive or built-in type.
func Prim(e ElementType) SigType { return SigType{Elem: e} }

// ClassOf returns a reference type by TypeDef/TypeRef/TypeSpec token.
func ClassOf(tok Token) SigType { return SigType{Elem: ElementClass, Token: tok} }

// ValueTypeOf returns a value type by token.
func ValueTypeOf(tok Token) SigType { return SigType{Elem: ElementValueType, Token: tok} }

// SZArrayOf returns a single-dimension zero-based array of t.
func SZArrayOf(t SigType) SigType { return SigType{Elem: ElementSZArray, Inner: &t} }

// ArrayOf returns a general array of t with the given rank and zero bounds.
func ArrayOf(t SigType, rank uint32) SigType {
	return SigType{Elem: ElementArray, Inner: &t, Rank: rank}
}

// ByRefOf returns a managed pointer to t.
func ByRefOf(t SigType) SigType { return SigType{Elem: ElementByRef, Inner: &t} }

// PtrOf returns an unmanaged pointer to t.
func PtrOf(t SigType) SigType { return SigType{Elem: ElementPtr, Inner: &t} }

// TypeVar returns the n-th generic parameter of the enclosing type.
func TypeVar(n uint32) SigType { return SigType{Elem: ElementVar, Index: n} }

// MethodVar returns the n-th generic parameter of the enclosing method.
func MethodVar(n uint32) SigType { return SigType{Elem: ElementMVar, Index: n} }

// GenericInstOf instantiates a generic type definition.
func GenericInstOf(valueType bool, def Token, args ...SigType) SigType {
	inner := ClassOf(def)
	if valueType {
		inner = ValueTypeOf(def)
	}
	return SigType{Elem: ElementGenericInst, Inner: &inner, Args: args}
}

// ModifiedOf wraps t in a custom modifier.
func ModifiedOf(required bool, mod Token, t SigType) SigType {
	e := ElementCModOpt
	if required {
		e = ElementCModReqd
	}
	return SigType{Elem: e, Token: mod, Inner: &t, Required: required}
}

func appendTypeDefOrRef(dst []byte, tok Token) []byte {
	v, ok := TypeDefOrRef.EncodeToken(tok)
	if !ok {
		panic(fmt.Sprintf("metadata: %s is not a TypeDefOrRef token", tok))
	}
	return EncodeCompressedUint(dst, v)
}

// Append encodes t onto dst.
func (t SigType) Append(dst []byte) []byte {
	dst = append(dst, byte(t.Elem))
	switch t.Elem {
	case ElementClass, ElementValueType:
		dst = appendTypeDefOrRef(dst, t.Token)
	case ElementPtr, ElementByRef, ElementSZArray:
		dst = t.Inner.Append(dst)
	case ElementCModReqd, ElementCModOpt:
		dst = appendTypeDefOrRef(dst, t.Token)
		dst = t.Inner.Append(dst)
	case ElementVar, ElementMVar:
		dst = EncodeCompressedUint(dst, t.Index)
	case ElementGenericInst:
		dst = append(dst, byte(t.Inner.Elem))
		dst = appendTypeDefOrRef(dst, t.Inner.Token)
		dst = EncodeCompressedUint(dst, uint32(len(t.Args)))
		for _, a := range t.Args {
			dst = a.Append(dst)
		}
	case ElementArray:
		dst = t.Inner.Append(dst)
		dst = EncodeCompressedUint(dst, t.Rank)
		dst = EncodeCompressedUint(dst, 0) // sizes
		dst = EncodeCompressedUint(dst, 0) // lower bounds
	}
	return dst
}

// ---------------------------------------------------------------------------
// Signature blobs
// ---------------------------------------------------------------------------

// MethodSig encodes a method signature.
func MethodSig(hasThis bool, ret SigType, params ...SigType) []byte {
	return GenericMethodSig(hasThis, 0, ret, params...)
}

// GenericMethodSig encodes a method signature with arity generic
// parameters.
func GenericMethodSig(hasThis bool, arity uint32, ret SigType, params ...SigType) []byte {
	var conv byte = CallConvDefault
	if hasThis {
		conv |= CallConvHasThis
	}
	if arity > 0 {
		conv |= CallConvGeneric
	}
	out := []byte{conv}
	if arity > 0 {
		out = EncodeCompressedUint(out, arity)
	}
	out = EncodeCompressedUint(out, uint32(len(params)))
	out = ret.Append(out)
	for _, p := range params {
		out = p.Append(out)
	}
	return out
}

// FieldSig encodes a field signature.
func FieldSig(t SigType) []byte {
	return t.Append([]byte{CallConvField})
}

// PropertySig encodes a property signature.
func PropertySig(hasThis bool, ret SigType, params ...SigType) []byte {
	var conv byte = CallConvProperty
	if hasThis {
		conv |= CallConvHasThis
	}
	out := EncodeCompressedUint([]byte{conv}, uint32(len(params)))
	out = ret.Append(out)
	for _, p := range params {
		out = p.Append(out)
	}
	return out
}

// LocalsSig encodes a local variable signature.
func LocalsSig(locals ...SigType) []byte {
	out := EncodeCompressedUint([]byte{CallConvLocalSig}, uint32(len(locals)))
	for _, l := range locals {
		out = l.Append(out)
	}
	return out
}

// MethodSpecSig encodes a generic method instantiation.
func MethodSpecSig(args ...SigType) []byte {
	out := EncodeCompressedUint([]byte{CallConvGenInst}, uint32(len(args)))
	for _, a := range args {
		out = a.Append(out)
	}
	return out
}

// TypeSpecSig encodes a TypeSpec blob.
func TypeSpecSig(t SigType) []byte {
	return t.Append(nil)
}

// ---------------------------------------------------------------------------
// Constant values
// ---------------------------------------------------------------------------

// ConstantValue encodes a Go value as a Constant table entry.
func ConstantValue(v any) (ElementType, []byte) {
	switch x := v.(type) {
	case bool:
		if x {
			return ElementBoolean, []byte{1}
		}
		return ElementBoolean, []byte{0}
	case int8:
		return ElementI1, []byte{byte(x)}
	case uint8:
		return ElementU1, []byte{x}
	case int16:
		return ElementI2, binary.LittleEndian.AppendUint16(nil, uint16(x))
	case uint16:
		return ElementU2, binary.LittleEndian.AppendUint16(nil, x)
	case int32:
		return ElementI4, binary.LittleEndian.AppendUint32(nil, uint32(x))
	case uint32:
		return ElementU4, binary.LittleEndian.AppendUint32(nil, x)
	case int64:
		return ElementI8, binary.LittleEndian.AppendUint64(nil, uint64(x))
	case uint64:
		return ElementU8, binary.LittleEndian.AppendUint64(nil, x)
	case float32:
		return ElementR4, binary.LittleEndian.AppendUint32(nil, math.Float32bits(x))
	case float64:
		return ElementR8, binary.LittleEndian.AppendUint64(nil, math.Float64bits(x))
	case string:
		b, err := utf16Decoder.NewEncoder().Bytes([]byte(x))
		if err != nil {
			panic(fmt.Sprintf("metadata: encode constant %q: %v", x, err))
		}
		return ElementString, b
	case nil:
		return ElementClass, []byte{0, 0, 0, 0}
	}
	panic(fmt.Sprintf("metadata: unsupported constant type %T", v))
}

// ---------------------------------------------------------------------------
// Custom attribute blobs
// ---------------------------------------------------------------------------

// AttributeBlob builds a custom-attribute value blob (ECMA-335 II.23.3).
type AttributeBlob struct {
	fixed []byte
	named []byte
	count uint16
}

// NewAttributeBlob creates an empty blob with no arguments.
func NewAttributeBlob() *AttributeBlob {
	return &AttributeBlob{}
}

// Fixed appends a positional constructor argument.
func (a *AttributeBlob) Fixed(elem ElementType, v any) *AttributeBlob {
	a.fixed = appendElemValue(a.fixed, elem, v)
	return a
}

// Field appends a named field argument.
func (a *AttributeBlob) Field(name string, elem ElementType, v any) *AttributeBlob {
	return a.namedArg(ElementField, name, elem, v)
}

// Property appends a named property argument.
func (a *AttributeBlob) Property(name string, elem ElementType, v any) *AttributeBlob {
	return a.namedArg(ElementProperty, name, elem, v)
}

func (a *AttributeBlob) namedArg(kind ElementType, name string, elem ElementType, v any) *AttributeBlob {
	a.named = append(a.named, byte(kind), byte(elem))
	a.named = appendSerString(a.named, name)
	a.named = appendElemValue(a.named, elem, v)
	a.count++
	return a
}

// Bytes returns the encoded blob.
func (a *AttributeBlob) Bytes() []byte {
	out := []byte{0x01, 0x00}
	out = append(out, a.fixed...)
	out = binary.LittleEndian.AppendUint16(out, a.count)
	return append(out, a.named...)
}

func appendSerString(dst []byte, s string) []byte {
	dst = EncodeCompressedUint(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendElemValue(dst []byte, elem ElementType, v any) []byte {
	switch elem {
	case ElementBoolean:
		if v.(bool) {
			return append(dst, 1)
		}
		return append(dst, 0)
	case ElementI1:
		return append(dst, byte(v.(int8)))
	case ElementU1:
		return append(dst, v.(uint8))
	case ElementChar:
		return binary.LittleEndian.AppendUint16(dst, v.(uint16))
	case ElementI2:
		return binary.LittleEndian.AppendUint16(dst, uint16(v.(int16)))
	case ElementU2:
		return binary.LittleEndian.AppendUint16(dst, v.(uint16))
	case ElementI4:
		return binary.LittleEndian.AppendUint32(dst, uint32(v.(int32)))
	case ElementU4:
		return binary.LittleEndian.AppendUint32(dst, v.(uint32))
	case ElementI8:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.(int64)))
	case ElementU8:
		return binary.LittleEndian.AppendUint64(dst, v.(uint64))
	case ElementR4:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v.(float32)))
	case ElementR8:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.(float64)))
	case ElementString, ElementSystemType:
		if v == nil {
			return append(dst, 0xFF)
		}
		return appendSerString(dst, v.(string))
	}
	panic(fmt.Sprintf("metadata: unsupported attribute argument type %s", elem))
}
