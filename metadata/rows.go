package metadata

// Typed views over table rows. Each accessor takes a 1-based row number and
// decodes the columns through the computed layout; heap references are left
// as offsets except for names, which are resolved eagerly.

// ModuleRow is a Module table row.
type ModuleRow struct {
	Name string
	Mvid uint32
}

func (img *RawImage) Module(row uint32) ModuleRow {
	return ModuleRow{
		Name: img.String(img.Column(TableModule, row, 1)),
		Mvid: img.Column(TableModule, row, 2),
	}
}

// TypeRefRow is a TypeRef table row.
type TypeRefRow struct {
	ResolutionScope Token
	Name            string
	Namespace       string
}

func (img *RawImage) TypeRef(row uint32) TypeRefRow {
	scope, _ := ResolutionScope.DecodeToken(img.Column(TableTypeRef, row, 0))
	return TypeRefRow{
		ResolutionScope: scope,
		Name:            img.String(img.Column(TableTypeRef, row, 1)),
		Namespace:       img.String(img.Column(TableTypeRef, row, 2)),
	}
}

// TypeDefRow is a TypeDef table row.
type TypeDefRow struct {
	Flags      uint32
	Name       string
	Namespace  string
	Extends    Token
	FieldList  uint32
	MethodList uint32
}

func (img *RawImage) TypeDef(row uint32) TypeDefRow {
	extends, _ := TypeDefOrRef.DecodeToken(img.Column(TableTypeDef, row, 3))
	return TypeDefRow{
		Flags:      img.Column(TableTypeDef, row, 0),
		Name:       img.String(img.Column(TableTypeDef, row, 1)),
		Namespace:  img.String(img.Column(TableTypeDef, row, 2)),
		Extends:    extends,
		FieldList:  img.Column(TableTypeDef, row, 4),
		MethodList: img.Column(TableTypeDef, row, 5),
	}
}

// FieldRow is a Field table row.
type FieldRow struct {
	Flags     uint16
	Name      string
	Signature uint32
}

func (img *RawImage) Field(row uint32) FieldRow {
	return FieldRow{
		Flags:     uint16(img.Column(TableField, row, 0)),
		Name:      img.String(img.Column(TableField, row, 1)),
		Signature: img.Column(TableField, row, 2),
	}
}

// MethodDefRow is a MethodDef table row.
type MethodDefRow struct {
	RVA       uint32
	ImplFlags uint16
	Flags     uint16
	Name      string
	Signature uint32
	ParamList uint32
}

func (img *RawImage) MethodDef(row uint32) MethodDefRow {
	return MethodDefRow{
		RVA:       img.Column(TableMethodDef, row, 0),
		ImplFlags: uint16(img.Column(TableMethodDef, row, 1)),
		Flags:     uint16(img.Column(TableMethodDef, row, 2)),
		Name:      img.String(img.Column(TableMethodDef, row, 3)),
		Signature: img.Column(TableMethodDef, row, 4),
		ParamList: img.Column(TableMethodDef, row, 5),
	}
}

// ParamRow is a Param table row.
type ParamRow struct {
	Flags    uint16
	Sequence uint16
	Name     string
}

func (img *RawImage) Param(row uint32) ParamRow {
	return ParamRow{
		Flags:    uint16(img.Column(TableParam, row, 0)),
		Sequence: uint16(img.Column(TableParam, row, 1)),
		Name:     img.String(img.Column(TableParam, row, 2)),
	}
}

// InterfaceImplRow is an InterfaceImpl table row.
type InterfaceImplRow struct {
	Class     uint32
	Interface Token
}

func (img *RawImage) InterfaceImpl(row uint32) InterfaceImplRow {
	iface, _ := TypeDefOrRef.DecodeToken(img.Column(TableInterfaceImpl, row, 1))
	return InterfaceImplRow{
		Class:     img.Column(TableInterfaceImpl, row, 0),
		Interface: iface,
	}
}

// MemberRefRow is a MemberRef table row.
type MemberRefRow struct {
	Class     Token
	Name      string
	Signature uint32
}

func (img *RawImage) MemberRef(row uint32) MemberRefRow {
	parent, _ := MemberRefParent.DecodeToken(img.Column(TableMemberRef, row, 0))
	return MemberRefRow{
		Class:     parent,
		Name:      img.String(img.Column(TableMemberRef, row, 1)),
		Signature: img.Column(TableMemberRef, row, 2),
	}
}

// ConstantRow is a Constant table row.
type ConstantRow struct {
	Type   ElementType
	Parent Token
	Value  uint32
}

func (img *RawImage) Constant(row uint32) ConstantRow {
	parent, _ := HasConstant.DecodeToken(img.Column(TableConstant, row, 1))
	return ConstantRow{
		Type:   ElementType(img.Column(TableConstant, row, 0) & 0xFF),
		Parent: parent,
		Value:  img.Column(TableConstant, row, 2),
	}
}

// CustomAttributeRow is a CustomAttribute table row.
type CustomAttributeRow struct {
	Parent Token
	Type   Token
	Value  uint32
}

func (img *RawImage) CustomAttribute(row uint32) CustomAttributeRow {
	parent, _ := HasCustomAttribute.DecodeToken(img.Column(TableCustomAttribute, row, 0))
	ctor, _ := CustomAttributeType.DecodeToken(img.Column(TableCustomAttribute, row, 1))
	return CustomAttributeRow{
		Parent: parent,
		Type:   ctor,
		Value:  img.Column(TableCustomAttribute, row, 2),
	}
}

// ClassLayoutRow is a ClassLayout table row.
type ClassLayoutRow struct {
	PackingSize uint16
	ClassSize   uint32
	Parent      uint32
}

func (img *RawImage) ClassLayout(row uint32) ClassLayoutRow {
	return ClassLayoutRow{
		PackingSize: uint16(img.Column(TableClassLayout, row, 0)),
		ClassSize:   img.Column(TableClassLayout, row, 1),
		Parent:      img.Column(TableClassLayout, row, 2),
	}
}

// FieldLayoutRow is a FieldLayout table row.
type FieldLayoutRow struct {
	Offset uint32
	Field  uint32
}

func (img *RawImage) FieldLayout(row uint32) FieldLayoutRow {
	return FieldLayoutRow{
		Offset: img.Column(TableFieldLayout, row, 0),
		Field:  img.Column(TableFieldLayout, row, 1),
	}
}

// FieldRVARow is a FieldRVA table row.
type FieldRVARow struct {
	RVA   uint32
	Field uint32
}

func (img *RawImage) FieldRVA(row uint32) FieldRVARow {
	return FieldRVARow{
		RVA:   img.Column(TableFieldRVA, row, 0),
		Field: img.Column(TableFieldRVA, row, 1),
	}
}

// StandAloneSigRow is a StandAloneSig table row.
type StandAloneSigRow struct {
	Signature uint32
}

func (img *RawImage) StandAloneSig(row uint32) StandAloneSigRow {
	return StandAloneSigRow{Signature: img.Column(TableStandAloneSig, row, 0)}
}

// PropertyMapRow is a PropertyMap table row.
type PropertyMapRow struct {
	Parent       uint32
	PropertyList uint32
}

func (img *RawImage) PropertyMap(row uint32) PropertyMapRow {
	return PropertyMapRow{
		Parent:       img.Column(TablePropertyMap, row, 0),
		PropertyList: img.Column(TablePropertyMap, row, 1),
	}
}

// PropertyRow is a Property table row.
type PropertyRow struct {
	Flags     uint16
	Name      string
	Signature uint32
}

func (img *RawImage) Property(row uint32) PropertyRow {
	return PropertyRow{
		Flags:     uint16(img.Column(TableProperty, row, 0)),
		Name:      img.String(img.Column(TableProperty, row, 1)),
		Signature: img.Column(TableProperty, row, 2),
	}
}

// EventMapRow is an EventMap table row.
type EventMapRow struct {
	Parent    uint32
	EventList uint32
}

func (img *RawImage) EventMap(row uint32) EventMapRow {
	return EventMapRow{
		Parent:    img.Column(TableEventMap, row, 0),
		EventList: img.Column(TableEventMap, row, 1),
	}
}

// EventRow is an Event table row.
type EventRow struct {
	Flags     uint16
	Name      string
	EventType Token
}

func (img *RawImage) Event(row uint32) EventRow {
	et, _ := TypeDefOrRef.DecodeToken(img.Column(TableEvent, row, 2))
	return EventRow{
		Flags:     uint16(img.Column(TableEvent, row, 0)),
		Name:      img.String(img.Column(TableEvent, row, 1)),
		EventType: et,
	}
}

// MethodSemanticsRow is a MethodSemantics table row.
type MethodSemanticsRow struct {
	Semantics   uint16
	Method      uint32
	Association Token
}

func (img *RawImage) MethodSemantics(row uint32) MethodSemanticsRow {
	assoc, _ := HasSemantics.DecodeToken(img.Column(TableMethodSemantics, row, 2))
	return MethodSemanticsRow{
		Semantics:   uint16(img.Column(TableMethodSemantics, row, 0)),
		Method:      img.Column(TableMethodSemantics, row, 1),
		Association: assoc,
	}
}

// MethodImplRow is a MethodImpl table row.
type MethodImplRow struct {
	Class             uint32
	MethodBody        Token
	MethodDeclaration Token
}

func (img *RawImage) MethodImpl(row uint32) MethodImplRow {
	body, _ := MethodDefOrRef.DecodeToken(img.Column(TableMethodImpl, row, 1))
	decl, _ := MethodDefOrRef.DecodeToken(img.Column(TableMethodImpl, row, 2))
	return MethodImplRow{
		Class:             img.Column(TableMethodImpl, row, 0),
		MethodBody:        body,
		MethodDeclaration: decl,
	}
}

// ModuleRefRow is a ModuleRef table row.
type ModuleRefRow struct {
	Name string
}

func (img *RawImage) ModuleRef(row uint32) ModuleRefRow {
	return ModuleRefRow{Name: img.String(img.Column(TableModuleRef, row, 0))}
}

// TypeSpecRow is a TypeSpec table row.
type TypeSpecRow struct {
	Signature uint32
}

func (img *RawImage) TypeSpec(row uint32) TypeSpecRow {
	return TypeSpecRow{Signature: img.Column(TableTypeSpec, row, 0)}
}

// AssemblyRow is the Assembly table row.
type AssemblyRow struct {
	HashAlgID uint32
	Version   [4]uint16
	Flags     uint32
	PublicKey uint32
	Name      string
	Culture   string
}

func (img *RawImage) Assembly(row uint32) AssemblyRow {
	return AssemblyRow{
		HashAlgID: img.Column(TableAssembly, row, 0),
		Version: [4]uint16{
			uint16(img.Column(TableAssembly, row, 1)),
			uint16(img.Column(TableAssembly, row, 2)),
			uint16(img.Column(TableAssembly, row, 3)),
			uint16(img.Column(TableAssembly, row, 4)),
		},
		Flags:     img.Column(TableAssembly, row, 5),
		PublicKey: img.Column(TableAssembly, row, 6),
		Name:      img.String(img.Column(TableAssembly, row, 7)),
		Culture:   img.String(img.Column(TableAssembly, row, 8)),
	}
}

// AssemblyRefRow is an AssemblyRef table row.
type AssemblyRefRow struct {
	Version          [4]uint16
	Flags            uint32
	PublicKeyOrToken uint32
	Name             string
	Culture          string
}

func (img *RawImage) AssemblyRef(row uint32) AssemblyRefRow {
	return AssemblyRefRow{
		Version: [4]uint16{
			uint16(img.Column(TableAssemblyRef, row, 0)),
			uint16(img.Column(TableAssemblyRef, row, 1)),
			uint16(img.Column(TableAssemblyRef, row, 2)),
			uint16(img.Column(TableAssemblyRef, row, 3)),
		},
		Flags:            img.Column(TableAssemblyRef, row, 4),
		PublicKeyOrToken: img.Column(TableAssemblyRef, row, 5),
		Name:             img.String(img.Column(TableAssemblyRef, row, 6)),
		Culture:          img.String(img.Column(TableAssemblyRef, row, 7)),
	}
}

// NestedClassRow is a NestedClass table row.
type NestedClassRow struct {
	NestedClass    uint32
	EnclosingClass uint32
}

func (img *RawImage) NestedClass(row uint32) NestedClassRow {
	return NestedClassRow{
		NestedClass:    img.Column(TableNestedClass, row, 0),
		EnclosingClass: img.Column(TableNestedClass, row, 1),
	}
}

// GenericParamRow is a GenericParam table row.
type GenericParamRow struct {
	Number uint16
	Flags  uint16
	Owner  Token
	Name   string
}

func (img *RawImage) GenericParam(row uint32) GenericParamRow {
	owner, _ := TypeOrMethodDef.DecodeToken(img.Column(TableGenericParam, row, 2))
	return GenericParamRow{
		Number: uint16(img.Column(TableGenericParam, row, 0)),
		Flags:  uint16(img.Column(TableGenericParam, row, 1)),
		Owner:  owner,
		Name:   img.String(img.Column(TableGenericParam, row, 3)),
	}
}

// MethodSpecRow is a MethodSpec table row.
type MethodSpecRow struct {
	Method        Token
	Instantiation uint32
}

func (img *RawImage) MethodSpec(row uint32) MethodSpecRow {
	m, _ := MethodDefOrRef.DecodeToken(img.Column(TableMethodSpec, row, 0))
	return MethodSpecRow{
		Method:        m,
		Instantiation: img.Column(TableMethodSpec, row, 1),
	}
}

// GenericParamConstraintRow is a GenericParamConstraint table row.
type GenericParamConstraintRow struct {
	Owner      uint32
	Constraint Token
}

func (img *RawImage) GenericParamConstraint(row uint32) GenericParamConstraintRow {
	c, _ := TypeDefOrRef.DecodeToken(img.Column(TableGenericParamConstraint, row, 1))
	return GenericParamConstraintRow{
		Owner:      img.Column(TableGenericParamConstraint, row, 0),
		Constraint: c,
	}
}
