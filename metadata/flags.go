package metadata

import "fmt"

// ElementType is a signature element tag (ECMA-335 II.23.1.16).
type ElementType uint8

const (
	ElementEnd         ElementType = 0x00
	ElementVoid        ElementType = 0x01
	ElementBoolean     ElementType = 0x02
	ElementChar        ElementType = 0x03
	ElementI1          ElementType = 0x04
	ElementU1          ElementType = 0x05
	ElementI2          ElementType = 0x06
	ElementU2          ElementType = 0x07
	ElementI4          ElementType = 0x08
	ElementU4          ElementType = 0x09
	ElementI8          ElementType = 0x0A
	ElementU8          ElementType = 0x0B
	ElementR4          ElementType = 0x0C
	ElementR8          ElementType = 0x0D
	ElementString      ElementType = 0x0E
	ElementPtr         ElementType = 0x0F
	ElementByRef       ElementType = 0x10
	ElementValueType   ElementType = 0x11
	ElementClass       ElementType = 0x12
	ElementVar         ElementType = 0x13
	ElementArray       ElementType = 0x14
	ElementGenericInst ElementType = 0x15
	ElementTypedByRef  ElementType = 0x16
	ElementI           ElementType = 0x18
	ElementU           ElementType = 0x19
	ElementFnPtr       ElementType = 0x1B
	ElementObject      ElementType = 0x1C
	ElementSZArray     ElementType = 0x1D
	ElementMVar        ElementType = 0x1E
	ElementCModReqd    ElementType = 0x1F
	ElementCModOpt     ElementType = 0x20
	ElementInternal    ElementType = 0x21
	ElementModifier    ElementType = 0x40
	ElementSentinel    ElementType = 0x41
	ElementPinned      ElementType = 0x45

	// Custom-attribute blob only.
	ElementSystemType ElementType = 0x50
	ElementBoxed      ElementType = 0x51
	ElementField      ElementType = 0x53
	ElementProperty   ElementType = 0x54
	ElementEnum       ElementType = 0x55
)

var elementNames = map[ElementType]string{
	ElementVoid: "void", ElementBoolean: "bool", ElementChar: "char",
	ElementI1: "int8", ElementU1: "uint8", ElementI2: "int16", ElementU2: "uint16",
	ElementI4: "int32", ElementU4: "uint32", ElementI8: "int64", ElementU8: "uint64",
	ElementR4: "float32", ElementR8: "float64", ElementString: "string",
	ElementPtr: "ptr", ElementByRef: "byref", ElementValueType: "valuetype",
	ElementClass: "class", ElementVar: "!", ElementArray: "array",
	ElementGenericInst: "generic", ElementTypedByRef: "typedref",
	ElementI: "native int", ElementU: "native uint", ElementFnPtr: "method",
	ElementObject: "object", ElementSZArray: "szarray", ElementMVar: "!!",
}

func (e ElementType) String() string {
	if s, ok := elementNames[e]; ok {
		return s
	}
	return fmt.Sprintf("ElementType(%#x)", uint8(e))
}

// IsPrimitive reports whether e names a built-in numeric, bool or char type.
func (e ElementType) IsPrimitive() bool {
	return (e >= ElementBoolean && e <= ElementR8) || e == ElementI || e == ElementU
}

// IsInteger reports whether e is an integral primitive, including bool and char.
func (e ElementType) IsInteger() bool {
	return (e >= ElementBoolean && e <= ElementU8) || e == ElementI || e == ElementU
}

// IsFloat reports whether e is float32 or float64.
func (e ElementType) IsFloat() bool { return e == ElementR4 || e == ElementR8 }

// Size returns the storage size of a primitive or pointer-sized element, or
// 0 when the size depends on a referenced type.
func (e ElementType) Size() int32 {
	switch e {
	case ElementBoolean, ElementI1, ElementU1:
		return 1
	case ElementChar, ElementI2, ElementU2:
		return 2
	case ElementI4, ElementU4, ElementR4:
		return 4
	case ElementI8, ElementU8, ElementR8, ElementI, ElementU, ElementPtr, ElementFnPtr,
		ElementString, ElementClass, ElementObject, ElementSZArray, ElementArray, ElementByRef:
		return 8
	}
	return 0
}

// Signature calling conventions (first byte of a method/field/property sig).
const (
	CallConvDefault   = 0x00
	CallConvC         = 0x01
	CallConvStdCall   = 0x02
	CallConvThisCall  = 0x03
	CallConvFastCall  = 0x04
	CallConvVarArg    = 0x05
	CallConvField     = 0x06
	CallConvLocalSig  = 0x07
	CallConvProperty  = 0x08
	CallConvUnmanaged = 0x09
	CallConvGenInst   = 0x0A
	CallConvMask      = 0x0F

	CallConvGeneric      = 0x10
	CallConvHasThis      = 0x20
	CallConvExplicitThis = 0x40
)

// TypeDef flags (ECMA-335 II.23.1.15).
const (
	TypeVisibilityMask    = 0x00000007
	TypeNotPublic         = 0x00000000
	TypePublic            = 0x00000001
	TypeNestedPublic      = 0x00000002
	TypeNestedPrivate     = 0x00000003
	TypeLayoutMask        = 0x00000018
	TypeAutoLayout        = 0x00000000
	TypeSequentialLayout  = 0x00000008
	TypeExplicitLayout    = 0x00000010
	TypeInterface         = 0x00000020
	TypeAbstract          = 0x00000080
	TypeSealed            = 0x00000100
	TypeSpecialName       = 0x00000400
	TypeImport            = 0x00001000
	TypeSerializable      = 0x00002000
	TypeBeforeFieldInit   = 0x00100000
	TypeRTSpecialName     = 0x00000800
	TypeHasSecurity       = 0x00040000
	TypeStringFormatMask  = 0x00030000
	TypeClassSemanticMask = 0x00000020
)

// MethodDef flags (ECMA-335 II.23.1.10).
const (
	MethodAccessMask    = 0x0007
	MethodPrivate       = 0x0001
	MethodAssembly      = 0x0003
	MethodFamily        = 0x0004
	MethodPublic        = 0x0006
	MethodStatic        = 0x0010
	MethodFinal         = 0x0020
	MethodVirtual       = 0x0040
	MethodHideBySig     = 0x0080
	MethodVtableLayout  = 0x0100
	MethodReuseSlot     = 0x0000
	MethodNewSlot       = 0x0100
	MethodStrict        = 0x0200
	MethodAbstract      = 0x0400
	MethodSpecialName   = 0x0800
	MethodPInvokeImpl   = 0x2000
	MethodRTSpecialName = 0x1000
)

// MethodImpl flags (ECMA-335 II.23.1.11).
const (
	MethodImplCodeTypeMask = 0x0003
	MethodImplIL           = 0x0000
	MethodImplNative       = 0x0001
	MethodImplRuntime      = 0x0003
	MethodImplInternalCall = 0x1000
	MethodImplSynchronized = 0x0020
	MethodImplNoInlining   = 0x0008
)

// Field flags (ECMA-335 II.23.1.5).
const (
	FieldAccessMask      = 0x0007
	FieldPrivate         = 0x0001
	FieldAssembly        = 0x0003
	FieldPublic          = 0x0006
	FieldStatic          = 0x0010
	FieldInitOnly        = 0x0020
	FieldLiteral         = 0x0040
	FieldNotSerialized   = 0x0080
	FieldSpecialName     = 0x0200
	FieldRTSpecialName   = 0x0400
	FieldHasFieldMarshal = 0x1000
	FieldHasDefault      = 0x8000
	FieldHasFieldRVA     = 0x0100
)

// Param flags.
const (
	ParamIn         = 0x0001
	ParamOut        = 0x0002
	ParamOptional   = 0x0010
	ParamHasDefault = 0x1000
)

// GenericParam flags.
const (
	GenericVarianceMask          = 0x0003
	GenericCovariant             = 0x0001
	GenericContravariant         = 0x0002
	GenericReferenceConstraint   = 0x0004
	GenericValueTypeConstraint   = 0x0008
	GenericDefaultCtorConstraint = 0x0010
)

// MethodSemantics flags.
const (
	SemanticsSetter   = 0x0001
	SemanticsGetter   = 0x0002
	SemanticsOther    = 0x0004
	SemanticsAddOn    = 0x0008
	SemanticsRemoveOn = 0x0010
	SemanticsFire     = 0x0020
)
