package metadata

import "fmt"

// ---------------------------------------------------------------------------
// Table identifiers (ECMA-335 II.22)
// ---------------------------------------------------------------------------

// TableType identifies a metadata table.
type TableType uint8

const (
	TableModule                 TableType = 0x00
	TableTypeRef                TableType = 0x01
	TableTypeDef                TableType = 0x02
	TableFieldPtr               TableType = 0x03
	TableField                  TableType = 0x04
	TableMethodPtr              TableType = 0x05
	TableMethodDef              TableType = 0x06
	TableParamPtr               TableType = 0x07
	TableParam                  TableType = 0x08
	TableInterfaceImpl          TableType = 0x09
	TableMemberRef              TableType = 0x0A
	TableConstant               TableType = 0x0B
	TableCustomAttribute        TableType = 0x0C
	TableFieldMarshal           TableType = 0x0D
	TableDeclSecurity           TableType = 0x0E
	TableClassLayout            TableType = 0x0F
	TableFieldLayout            TableType = 0x10
	TableStandAloneSig          TableType = 0x11
	TableEventMap               TableType = 0x12
	TableEventPtr               TableType = 0x13
	TableEvent                  TableType = 0x14
	TablePropertyMap            TableType = 0x15
	TablePropertyPtr            TableType = 0x16
	TableProperty               TableType = 0x17
	TableMethodSemantics        TableType = 0x18
	TableMethodImpl             TableType = 0x19
	TableModuleRef              TableType = 0x1A
	TableTypeSpec               TableType = 0x1B
	TableImplMap                TableType = 0x1C
	TableFieldRVA               TableType = 0x1D
	TableEncLog                 TableType = 0x1E
	TableEncMap                 TableType = 0x1F
	TableAssembly               TableType = 0x20
	TableAssemblyProcessor      TableType = 0x21
	TableAssemblyOS             TableType = 0x22
	TableAssemblyRef            TableType = 0x23
	TableAssemblyRefProcessor   TableType = 0x24
	TableAssemblyRefOS          TableType = 0x25
	TableFile                   TableType = 0x26
	TableExportedType           TableType = 0x27
	TableManifestResource       TableType = 0x28
	TableNestedClass            TableType = 0x29
	TableGenericParam           TableType = 0x2A
	TableMethodSpec             TableType = 0x2B
	TableGenericParamConstraint TableType = 0x2C

	// TableCount is one past the highest defined table.
	TableCount = 0x2D

	// tableUnused marks coded-index tags with no backing table.
	tableUnused TableType = 0xFF
)

var tableNames = [TableCount]string{
	"Module", "TypeRef", "TypeDef", "FieldPtr", "Field", "MethodPtr", "MethodDef",
	"ParamPtr", "Param", "InterfaceImpl", "MemberRef", "Constant", "CustomAttribute",
	"FieldMarshal", "DeclSecurity", "ClassLayout", "FieldLayout", "StandAloneSig",
	"EventMap", "EventPtr", "Event", "PropertyMap", "PropertyPtr", "Property",
	"MethodSemantics", "MethodImpl", "ModuleRef", "TypeSpec", "ImplMap", "FieldRVA",
	"EncLog", "EncMap", "Assembly", "AssemblyProcessor", "AssemblyOS", "AssemblyRef",
	"AssemblyRefProcessor", "AssemblyRefOS", "File", "ExportedType", "ManifestResource",
	"NestedClass", "GenericParam", "MethodSpec", "GenericParamConstraint",
}

func (t TableType) String() string {
	if int(t) < TableCount {
		return tableNames[t]
	}
	if t == TokenUserString {
		return "UserString"
	}
	return fmt.Sprintf("Table(%#x)", uint8(t))
}

// ---------------------------------------------------------------------------
// Column schema
// ---------------------------------------------------------------------------

// ColumnKind describes how a column's width is determined.
type ColumnKind uint8

const (
	ColFixed2 ColumnKind = iota // 2-byte constant
	ColFixed4                   // 4-byte constant
	ColString                   // #Strings index
	ColGuid                     // #GUID index
	ColBlob                     // #Blob index
	ColTable                    // index into a single table
	ColCoded                    // coded index
)

// Column is one column of a table schema.
type Column struct {
	Name  string
	Kind  ColumnKind
	Table TableType     // for ColTable
	Coded CodedIndexType // for ColCoded
}

func fixed2(name string) Column             { return Column{Name: name, Kind: ColFixed2} }
func fixed4(name string) Column             { return Column{Name: name, Kind: ColFixed4} }
func str(name string) Column                { return Column{Name: name, Kind: ColString} }
func guid(name string) Column               { return Column{Name: name, Kind: ColGuid} }
func blob(name string) Column               { return Column{Name: name, Kind: ColBlob} }
func index(name string, t TableType) Column { return Column{Name: name, Kind: ColTable, Table: t} }
func coded(name string, c CodedIndexType) Column {
	return Column{Name: name, Kind: ColCoded, Coded: c}
}

// Schemas lists the columns of every table in declaration order.
var Schemas = [TableCount][]Column{
	TableModule:    {fixed2("Generation"), str("Name"), guid("Mvid"), guid("EncId"), guid("EncBaseId")},
	TableTypeRef:   {coded("ResolutionScope", ResolutionScope), str("TypeName"), str("TypeNamespace")},
	TableTypeDef:   {fixed4("Flags"), str("TypeName"), str("TypeNamespace"), coded("Extends", TypeDefOrRef), index("FieldList", TableField), index("MethodList", TableMethodDef)},
	TableFieldPtr:  {index("Field", TableField)},
	TableField:     {fixed2("Flags"), str("Name"), blob("Signature")},
	TableMethodPtr: {index("Method", TableMethodDef)},
	TableMethodDef: {fixed4("RVA"), fixed2("ImplFlags"), fixed2("Flags"), str("Name"), blob("Signature"), index("ParamList", TableParam)},
	TableParamPtr:  {index("Param", TableParam)},
	TableParam:     {fixed2("Flags"), fixed2("Sequence"), str("Name")},
	TableInterfaceImpl: {index("Class", TableTypeDef), coded("Interface", TypeDefOrRef)},
	TableMemberRef:     {coded("Class", MemberRefParent), str("Name"), blob("Signature")},
	// Type is one byte followed by a padding byte.
	TableConstant:        {fixed2("Type"), coded("Parent", HasConstant), blob("Value")},
	TableCustomAttribute: {coded("Parent", HasCustomAttribute), coded("Type", CustomAttributeType), blob("Value")},
	TableFieldMarshal:    {coded("Parent", HasFieldMarshal), blob("NativeType")},
	TableDeclSecurity:    {fixed2("Action"), coded("Parent", HasDeclSecurity), blob("PermissionSet")},
	TableClassLayout:     {fixed2("PackingSize"), fixed4("ClassSize"), index("Parent", TableTypeDef)},
	TableFieldLayout:     {fixed4("Offset"), index("Field", TableField)},
	TableStandAloneSig:   {blob("Signature")},
	TableEventMap:        {index("Parent", TableTypeDef), index("EventList", TableEvent)},
	TableEventPtr:        {index("Event", TableEvent)},
	TableEvent:           {fixed2("EventFlags"), str("Name"), coded("EventType", TypeDefOrRef)},
	TablePropertyMap:     {index("Parent", TableTypeDef), index("PropertyList", TableProperty)},
	TablePropertyPtr:     {index("Property", TableProperty)},
	TableProperty:        {fixed2("Flags"), str("Name"), blob("Type")},
	TableMethodSemantics: {fixed2("Semantics"), index("Method", TableMethodDef), coded("Association", HasSemantics)},
	TableMethodImpl:      {index("Class", TableTypeDef), coded("MethodBody", MethodDefOrRef), coded("MethodDeclaration", MethodDefOrRef)},
	TableModuleRef:       {str("Name")},
	TableTypeSpec:        {blob("Signature")},
	TableImplMap:         {fixed2("MappingFlags"), coded("MemberForwarded", MemberForwarded), str("ImportName"), index("ImportScope", TableModuleRef)},
	TableFieldRVA:        {fixed4("RVA"), index("Field", TableField)},
	TableEncLog:          {fixed4("Token"), fixed4("FuncCode")},
	TableEncMap:          {fixed4("Token")},
	TableAssembly: {fixed4("HashAlgId"), fixed2("MajorVersion"), fixed2("MinorVersion"), fixed2("BuildNumber"), fixed2("RevisionNumber"),
		fixed4("Flags"), blob("PublicKey"), str("Name"), str("Culture")},
	TableAssemblyProcessor: {fixed4("Processor")},
	TableAssemblyOS:        {fixed4("OSPlatformID"), fixed4("OSMajorVersion"), fixed4("OSMinorVersion")},
	TableAssemblyRef: {fixed2("MajorVersion"), fixed2("MinorVersion"), fixed2("BuildNumber"), fixed2("RevisionNumber"),
		fixed4("Flags"), blob("PublicKeyOrToken"), str("Name"), str("Culture"), blob("HashValue")},
	TableAssemblyRefProcessor: {fixed4("Processor"), index("AssemblyRef", TableAssemblyRef)},
	TableAssemblyRefOS:        {fixed4("OSPlatformId"), fixed4("OSMajorVersion"), fixed4("OSMinorVersion"), index("AssemblyRef", TableAssemblyRef)},
	TableFile:                 {fixed4("Flags"), str("Name"), blob("HashValue")},
	TableExportedType:         {fixed4("Flags"), fixed4("TypeDefId"), str("TypeName"), str("TypeNamespace"), coded("Implementation", Implementation)},
	TableManifestResource:     {fixed4("Offset"), fixed4("Flags"), str("Name"), coded("Implementation", Implementation)},
	TableNestedClass:          {index("NestedClass", TableTypeDef), index("EnclosingClass", TableTypeDef)},
	TableGenericParam:         {fixed2("Number"), fixed2("Flags"), coded("Owner", TypeOrMethodDef), str("Name")},
	TableMethodSpec:           {coded("Method", MethodDefOrRef), blob("Instantiation")},
	TableGenericParamConstraint: {index("Owner", TableGenericParam), coded("Constraint", TypeDefOrRef)},
}

// ---------------------------------------------------------------------------
// Layout engine
// ---------------------------------------------------------------------------

// Heap-size flags in the table stream header.
const (
	HeapStringsWide = 0x01
	HeapGuidWide    = 0x02
	HeapBlobWide    = 0x04
	heapExtraData   = 0x40
)

// ColumnLayout is the computed position of one column.
type ColumnLayout struct {
	Offset int
	Size   int // 2 or 4
}

// TableLayout is the computed row format of one table.
type TableLayout struct {
	RowSize int
	Columns []ColumnLayout
}

// LayoutContext carries the inputs that determine column widths.
type LayoutContext struct {
	HeapSizes uint8
	RowCounts [TableCount]uint32
}

func (lc *LayoutContext) rows(t TableType) uint32 {
	if t == tableUnused || int(t) >= TableCount {
		return 0
	}
	return lc.RowCounts[t]
}

// ColumnSize returns the byte width of col under this context.
func (lc *LayoutContext) ColumnSize(col Column) int {
	switch col.Kind {
	case ColFixed2:
		return 2
	case ColFixed4:
		return 4
	case ColString:
		return wideIf(lc.HeapSizes&HeapStringsWide != 0)
	case ColGuid:
		return wideIf(lc.HeapSizes&HeapGuidWide != 0)
	case ColBlob:
		return wideIf(lc.HeapSizes&HeapBlobWide != 0)
	case ColTable:
		return wideIf(lc.rows(col.Table) > 0xFFFF)
	case ColCoded:
		return col.Coded.Size(lc)
	}
	panic("metadata: unknown column kind")
}

func wideIf(wide bool) int {
	if wide {
		return 4
	}
	return 2
}

// ComputeLayouts computes the row layout of every table.
func (lc *LayoutContext) ComputeLayouts() [TableCount]TableLayout {
	var out [TableCount]TableLayout
	for t := 0; t < TableCount; t++ {
		cols := Schemas[t]
		tl := TableLayout{Columns: make([]ColumnLayout, len(cols))}
		off := 0
		for i, c := range cols {
			size := lc.ColumnSize(c)
			tl.Columns[i] = ColumnLayout{Offset: off, Size: size}
			off += size
		}
		tl.RowSize = off
		out[t] = tl
	}
	return out
}
