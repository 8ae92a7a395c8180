package metadata

// CodedIndexType enumerates the coded-index spaces of ECMA-335 II.24.2.6.
type CodedIndexType uint8

const (
	TypeDefOrRef CodedIndexType = iota
	HasConstant
	HasCustomAttribute
	HasFieldMarshal
	HasDeclSecurity
	MemberRefParent
	HasSemantics
	MethodDefOrRef
	MemberForwarded
	Implementation
	CustomAttributeType
	ResolutionScope
	TypeOrMethodDef

	codedIndexCount
)

type codedIndexInfo struct {
	name    string
	tagBits uint
	tables  []TableType // tag value -> table, in encoding order
}

var codedIndices = [codedIndexCount]codedIndexInfo{
	TypeDefOrRef: {"TypeDefOrRef", 2, []TableType{TableTypeDef, TableTypeRef, TableTypeSpec}},
	HasConstant:  {"HasConstant", 2, []TableType{TableField, TableParam, TableProperty}},
	HasCustomAttribute: {"HasCustomAttribute", 5, []TableType{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam, TableInterfaceImpl,
		TableMemberRef, TableModule, TableDeclSecurity, TableProperty, TableEvent, TableStandAloneSig,
		TableModuleRef, TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile, TableExportedType,
		TableManifestResource, TableGenericParam, TableGenericParamConstraint, TableMethodSpec,
	}},
	HasFieldMarshal:     {"HasFieldMarshal", 1, []TableType{TableField, TableParam}},
	HasDeclSecurity:     {"HasDeclSecurity", 2, []TableType{TableTypeDef, TableMethodDef, TableAssembly}},
	MemberRefParent:     {"MemberRefParent", 3, []TableType{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}},
	HasSemantics:        {"HasSemantics", 1, []TableType{TableEvent, TableProperty}},
	MethodDefOrRef:      {"MethodDefOrRef", 1, []TableType{TableMethodDef, TableMemberRef}},
	MemberForwarded:     {"MemberForwarded", 1, []TableType{TableField, TableMethodDef}},
	Implementation:      {"Implementation", 2, []TableType{TableFile, TableAssemblyRef, TableExportedType}},
	CustomAttributeType: {"CustomAttributeType", 3, []TableType{tableUnused, tableUnused, TableMethodDef, TableMemberRef, tableUnused}},
	ResolutionScope:     {"ResolutionScope", 2, []TableType{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}},
	TypeOrMethodDef:     {"TypeOrMethodDef", 1, []TableType{TableTypeDef, TableMethodDef}},
}

func (c CodedIndexType) String() string {
	if c < codedIndexCount {
		return codedIndices[c].name
	}
	return "CodedIndex(?)"
}

// TagBits returns the number of low bits holding the table tag.
func (c CodedIndexType) TagBits() uint {
	return codedIndices[c].tagBits
}

// Tables returns the tag-ordered table list. Unused tags hold 0xFF.
func (c CodedIndexType) Tables() []TableType {
	return codedIndices[c].tables
}

// Size returns the byte width of this coded index given table row counts.
func (c CodedIndexType) Size(lc *LayoutContext) int {
	info := codedIndices[c]
	limit := uint32(1) << (16 - info.tagBits)
	for _, t := range info.tables {
		if lc.rows(t) >= limit {
			return 4
		}
	}
	return 2
}

// Decode splits a coded value into its table and 1-based row. ok is false
// for tags outside the table list or tags with no backing table.
func (c CodedIndexType) Decode(v uint32) (table TableType, row uint32, ok bool) {
	info := codedIndices[c]
	tag := v & (1<<info.tagBits - 1)
	if int(tag) >= len(info.tables) || info.tables[tag] == tableUnused {
		return 0, 0, false
	}
	return info.tables[tag], v >> info.tagBits, true
}

// DecodeToken decodes a coded value into a token.
func (c CodedIndexType) DecodeToken(v uint32) (Token, bool) {
	t, row, ok := c.Decode(v)
	if !ok {
		return 0, false
	}
	return NewToken(t, row), true
}

// Encode packs a table and row into a coded value. ok is false if the table
// does not belong to this coded-index space.
func (c CodedIndexType) Encode(table TableType, row uint32) (uint32, bool) {
	info := codedIndices[c]
	for tag, t := range info.tables {
		if t == table && t != tableUnused {
			return row<<info.tagBits | uint32(tag), true
		}
	}
	return 0, false
}

// EncodeToken packs a token into a coded value.
func (c CodedIndexType) EncodeToken(tok Token) (uint32, bool) {
	return c.Encode(tok.Table(), tok.Row())
}
