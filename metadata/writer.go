package metadata

import (
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/google/uuid"
)

// RuntimeVersion is the version string written into metadata roots.
const RuntimeVersion = "v4.0.30319"

// ---------------------------------------------------------------------------
// byteWriter: little-endian append buffer
// ---------------------------------------------------------------------------

type byteWriter struct {
	buf []byte
}

func (w *byteWriter) u8(v byte)     { w.buf = append(w.buf, v) }
func (w *byteWriter) u16(v uint16)  { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *byteWriter) u32(v uint32)  { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) u64(v uint64)  { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *byteWriter) raw(b []byte)  { w.buf = append(w.buf, b...) }
func (w *byteWriter) zeros(n int)   { w.buf = append(w.buf, make([]byte, n)...) }
func (w *byteWriter) len() int      { return len(w.buf) }
func (w *byteWriter) align(n int) {
	for len(w.buf)%n != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *byteWriter) index(v uint32, size int) {
	if size == 2 {
		w.u16(uint16(v))
		return
	}
	w.u32(v)
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// ---------------------------------------------------------------------------
// AssemblyBuilder: in-memory image construction
// ---------------------------------------------------------------------------

// AssemblyBuilder assembles a managed image: heaps, tables, method bodies
// and field data, written out as a PE32 file with a single .text section.
//
// Types are defined sequentially: fields, methods, properties and events
// attach to the most recently defined type. Method bodies may be supplied
// at any time before Bytes.
type AssemblyBuilder struct {
	name string
	mvid uuid.UUID

	stringHeap []byte
	strings    map[string]uint32
	blobHeap   []byte
	blobs      map[string]uint32
	usHeap     []byte
	userStrs   map[string]uint32

	rows   [TableCount][][]uint32
	dedupe map[string]Token

	currentType uint32
	bodies      map[uint32][]byte
	fieldData   map[uint32][]byte
	genParams   []genericParamEntry
	entryPoint  Token
}

type genericParamEntry struct {
	owner       uint32 // TypeOrMethodDef coded value
	number      uint16
	flags       uint16
	name        uint32
	constraints []uint32 // TypeDefOrRef coded values
}

// NewAssemblyBuilder creates a builder for an assembly named name. The
// Module row, the Assembly row and the <Module> type are created up front.
func NewAssemblyBuilder(name string) *AssemblyBuilder {
	b := &AssemblyBuilder{
		name:       name,
		mvid:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		stringHeap: []byte{0},
		strings:    map[string]uint32{"": 0},
		blobHeap:   []byte{0},
		blobs:      map[string]uint32{"": 0},
		usHeap:     []byte{0},
		userStrs:   make(map[string]uint32),
		dedupe:     make(map[string]Token),
		bodies:     make(map[uint32][]byte),
		fieldData:  make(map[uint32][]byte),
	}
	b.addRow(TableModule, 0, b.str(name), 1, 0, 0)
	b.addRow(TableAssembly, 0x8004, 1, 0, 0, 0, 0, 0, b.str(name), 0)
	b.DefineType("", "<Module>", 0, 0)
	return b
}

// Name returns the assembly name.
func (b *AssemblyBuilder) Name() string {
	return b.name
}

// MVID returns the module version id.
func (b *AssemblyBuilder) MVID() uuid.UUID {
	return b.mvid
}

func (b *AssemblyBuilder) addRow(t TableType, cols ...uint32) uint32 {
	if len(cols) != len(Schemas[t]) {
		panic(fmt.Sprintf("metadata: %s row has %d columns, want %d", t, len(cols), len(Schemas[t])))
	}
	b.rows[t] = append(b.rows[t], cols)
	return uint32(len(b.rows[t]))
}

func (b *AssemblyBuilder) nextRow(t TableType) uint32 {
	return uint32(len(b.rows[t])) + 1
}

func (b *AssemblyBuilder) str(s string) uint32 {
	if off, ok := b.strings[s]; ok {
		return off
	}
	off := uint32(len(b.stringHeap))
	b.stringHeap = append(b.stringHeap, s...)
	b.stringHeap = append(b.stringHeap, 0)
	b.strings[s] = off
	return off
}

func (b *AssemblyBuilder) blob(data []byte) uint32 {
	if off, ok := b.blobs[string(data)]; ok {
		return off
	}
	off := uint32(len(b.blobHeap))
	b.blobHeap = EncodeCompressedUint(b.blobHeap, uint32(len(data)))
	b.blobHeap = append(b.blobHeap, data...)
	b.blobs[string(data)] = off
	return off
}

func mustCode(c CodedIndexType, tok Token) uint32 {
	if tok == 0 {
		return 0
	}
	v, ok := c.EncodeToken(tok)
	if !ok {
		panic(fmt.Sprintf("metadata: %s cannot hold %s", c, tok))
	}
	return v
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

// AssemblyRef adds a reference to another assembly.
func (b *AssemblyBuilder) AssemblyRef(name string, version [4]uint16) Token {
	key := "asmref:" + name
	if tok, ok := b.dedupe[key]; ok {
		return tok
	}
	row := b.addRow(TableAssemblyRef, uint32(version[0]), uint32(version[1]), uint32(version[2]), uint32(version[3]),
		0, 0, b.str(name), 0, 0)
	tok := NewToken(TableAssemblyRef, row)
	b.dedupe[key] = tok
	return tok
}

// ModuleRef adds a module reference.
func (b *AssemblyBuilder) ModuleRef(name string) Token {
	return NewToken(TableModuleRef, b.addRow(TableModuleRef, b.str(name)))
}

// TypeRef adds a reference to a type in scope (an AssemblyRef, ModuleRef,
// Module or enclosing TypeRef).
func (b *AssemblyBuilder) TypeRef(scope Token, namespace, name string) Token {
	key := fmt.Sprintf("typeref:%08x:%s.%s", uint32(scope), namespace, name)
	if tok, ok := b.dedupe[key]; ok {
		return tok
	}
	row := b.addRow(TableTypeRef, mustCode(ResolutionScope, scope), b.str(name), b.str(namespace))
	tok := NewToken(TableTypeRef, row)
	b.dedupe[key] = tok
	return tok
}

// MemberRef adds a field or method reference on parent.
func (b *AssemblyBuilder) MemberRef(parent Token, name string, sig []byte) Token {
	key := fmt.Sprintf("memberref:%08x:%s:%x", uint32(parent), name, sig)
	if tok, ok := b.dedupe[key]; ok {
		return tok
	}
	row := b.addRow(TableMemberRef, mustCode(MemberRefParent, parent), b.str(name), b.blob(sig))
	tok := NewToken(TableMemberRef, row)
	b.dedupe[key] = tok
	return tok
}

// TypeSpec adds a type specification.
func (b *AssemblyBuilder) TypeSpec(sig []byte) Token {
	key := fmt.Sprintf("typespec:%x", sig)
	if tok, ok := b.dedupe[key]; ok {
		return tok
	}
	tok := NewToken(TableTypeSpec, b.addRow(TableTypeSpec, b.blob(sig)))
	b.dedupe[key] = tok
	return tok
}

// MethodSpec adds a generic method instantiation.
func (b *AssemblyBuilder) MethodSpec(method Token, inst []byte) Token {
	key := fmt.Sprintf("methodspec:%08x:%x", uint32(method), inst)
	if tok, ok := b.dedupe[key]; ok {
		return tok
	}
	tok := NewToken(TableMethodSpec, b.addRow(TableMethodSpec, mustCode(MethodDefOrRef, method), b.blob(inst)))
	b.dedupe[key] = tok
	return tok
}

// StandAloneSig adds a standalone signature (locals or calli).
func (b *AssemblyBuilder) StandAloneSig(sig []byte) Token {
	key := fmt.Sprintf("sig:%x", sig)
	if tok, ok := b.dedupe[key]; ok {
		return tok
	}
	tok := NewToken(TableStandAloneSig, b.addRow(TableStandAloneSig, b.blob(sig)))
	b.dedupe[key] = tok
	return tok
}

// UserString interns an ldstr literal and returns its token.
func (b *AssemblyBuilder) UserString(s string) Token {
	if off, ok := b.userStrs[s]; ok {
		return NewToken(TokenUserString, off)
	}
	units := utf16.Encode([]rune(s))
	var flag byte
	for _, u := range units {
		if u >= 0x7F || (u >= 0x01 && u <= 0x08) || (u >= 0x0E && u <= 0x1F) || u == 0x27 || u == 0x2D {
			flag = 1
			break
		}
	}
	off := uint32(len(b.usHeap))
	b.usHeap = EncodeCompressedUint(b.usHeap, uint32(len(units)*2+1))
	for _, u := range units {
		b.usHeap = binary.LittleEndian.AppendUint16(b.usHeap, u)
	}
	b.usHeap = append(b.usHeap, flag)
	b.userStrs[s] = off
	return NewToken(TokenUserString, off)
}

// ---------------------------------------------------------------------------
// Definitions
// ---------------------------------------------------------------------------

// DefineType adds a TypeDef and makes it the current type.
func (b *AssemblyBuilder) DefineType(namespace, name string, flags uint32, extends Token) Token {
	row := b.addRow(TableTypeDef, flags, b.str(name), b.str(namespace), mustCode(TypeDefOrRef, extends),
		b.nextRow(TableField), b.nextRow(TableMethodDef))
	b.currentType = row
	return NewToken(TableTypeDef, row)
}

// CurrentType returns the type that new members attach to.
func (b *AssemblyBuilder) CurrentType() Token {
	return NewToken(TableTypeDef, b.currentType)
}

// DefineField adds a field to the current type.
func (b *AssemblyBuilder) DefineField(name string, flags uint16, sig []byte) Token {
	return NewToken(TableField, b.addRow(TableField, uint32(flags), b.str(name), b.blob(sig)))
}

// DefineMethod adds a method to the current type. Parameter names become
// Param rows numbered from 1.
func (b *AssemblyBuilder) DefineMethod(name string, flags, implFlags uint16, sig []byte, params ...string) Token {
	row := b.addRow(TableMethodDef, 0, uint32(implFlags), uint32(flags), b.str(name), b.blob(sig), b.nextRow(TableParam))
	for i, p := range params {
		b.addRow(TableParam, 0, uint32(i+1), b.str(p))
	}
	return NewToken(TableMethodDef, row)
}

// SetMethodBody assembles il into the body of method m.
func (b *AssemblyBuilder) SetMethodBody(m Token, il *ILBuilder, localSig Token, initLocals bool) error {
	code, err := il.Code()
	if err != nil {
		return fmt.Errorf("method %s: %w", m, err)
	}
	clauses, err := il.Clauses()
	if err != nil {
		return fmt.Errorf("method %s: %w", m, err)
	}
	b.bodies[m.Row()] = EncodeMethodBody(code, il.MaxStack(), localSig, initLocals, clauses)
	return nil
}

// SetRawMethodBody installs an already-encoded method body.
func (b *AssemblyBuilder) SetRawMethodBody(m Token, body []byte) {
	b.bodies[m.Row()] = body
}

// DefineProperty adds a property to the current type along with its
// accessor semantics.
func (b *AssemblyBuilder) DefineProperty(name string, sig []byte, getter, setter Token) Token {
	if n := len(b.rows[TablePropertyMap]); n == 0 || b.rows[TablePropertyMap][n-1][0] != b.currentType {
		b.addRow(TablePropertyMap, b.currentType, b.nextRow(TableProperty))
	}
	tok := NewToken(TableProperty, b.addRow(TableProperty, 0, b.str(name), b.blob(sig)))
	assoc := mustCode(HasSemantics, tok)
	if getter != 0 {
		b.addRow(TableMethodSemantics, SemanticsGetter, getter.Row(), assoc)
	}
	if setter != 0 {
		b.addRow(TableMethodSemantics, SemanticsSetter, setter.Row(), assoc)
	}
	return tok
}

// DefineEvent adds an event to the current type along with its accessors.
func (b *AssemblyBuilder) DefineEvent(name string, eventType, add, remove Token) Token {
	if n := len(b.rows[TableEventMap]); n == 0 || b.rows[TableEventMap][n-1][0] != b.currentType {
		b.addRow(TableEventMap, b.currentType, b.nextRow(TableEvent))
	}
	tok := NewToken(TableEvent, b.addRow(TableEvent, 0, b.str(name), mustCode(TypeDefOrRef, eventType)))
	assoc := mustCode(HasSemantics, tok)
	if add != 0 {
		b.addRow(TableMethodSemantics, SemanticsAddOn, add.Row(), assoc)
	}
	if remove != 0 {
		b.addRow(TableMethodSemantics, SemanticsRemoveOn, remove.Row(), assoc)
	}
	return tok
}

// AddInterfaceImpl records that class implements iface.
func (b *AssemblyBuilder) AddInterfaceImpl(class, iface Token) {
	b.addRow(TableInterfaceImpl, class.Row(), mustCode(TypeDefOrRef, iface))
}

// AddNestedClass records nested as declared inside enclosing.
func (b *AssemblyBuilder) AddNestedClass(nested, enclosing Token) {
	b.addRow(TableNestedClass, nested.Row(), enclosing.Row())
}

// AddGenericParam adds generic parameter number to owner (a TypeDef or
// MethodDef) with optional constraints.
func (b *AssemblyBuilder) AddGenericParam(owner Token, number uint16, name string, flags uint16, constraints ...Token) {
	e := genericParamEntry{owner: mustCode(TypeOrMethodDef, owner), number: number, flags: flags, name: b.str(name)}
	for _, c := range constraints {
		e.constraints = append(e.constraints, mustCode(TypeDefOrRef, c))
	}
	b.genParams = append(b.genParams, e)
}

// AddConstant attaches a default value to a field, param or property.
func (b *AssemblyBuilder) AddConstant(parent Token, typ ElementType, value []byte) {
	b.addRow(TableConstant, uint32(typ), mustCode(HasConstant, parent), b.blob(value))
	if parent.Table() == TableField {
		b.rows[TableField][parent.Row()-1][0] |= FieldHasDefault
	}
}

// AddCustomAttribute attaches an attribute built by ctor to parent.
func (b *AssemblyBuilder) AddCustomAttribute(parent, ctor Token, value []byte) {
	b.addRow(TableCustomAttribute, mustCode(HasCustomAttribute, parent), mustCode(CustomAttributeType, ctor), b.blob(value))
}

// AddClassLayout records packing and size for class.
func (b *AssemblyBuilder) AddClassLayout(class Token, packing uint16, size uint32) {
	b.addRow(TableClassLayout, uint32(packing), size, class.Row())
}

// AddFieldLayout records an explicit field offset.
func (b *AssemblyBuilder) AddFieldLayout(field Token, offset uint32) {
	b.addRow(TableFieldLayout, offset, field.Row())
}

// AddFieldRVA attaches initial data to a static field.
func (b *AssemblyBuilder) AddFieldRVA(field Token, data []byte) {
	b.fieldData[field.Row()] = data
	b.rows[TableField][field.Row()-1][0] |= FieldHasFieldRVA
}

// AddMethodImpl records that body implements decl for class.
func (b *AssemblyBuilder) AddMethodImpl(class, body, decl Token) {
	b.addRow(TableMethodImpl, class.Row(), mustCode(MethodDefOrRef, body), mustCode(MethodDefOrRef, decl))
}

// SetEntryPoint sets the entry point method.
func (b *AssemblyBuilder) SetEntryPoint(m Token) {
	b.entryPoint = m
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// sortKeys lists the key columns of tables that must be sorted.
var sortKeys = map[TableType][]int{
	TableInterfaceImpl:   {0, 1},
	TableConstant:        {1},
	TableCustomAttribute: {0},
	TableFieldMarshal:    {0},
	TableDeclSecurity:    {1},
	TableClassLayout:     {2},
	TableFieldLayout:     {1},
	TableMethodSemantics: {2},
	TableMethodImpl:      {0},
	TableImplMap:         {1},
	TableFieldRVA:        {1},
	TableNestedClass:     {0},
	TableGenericParam:    {2, 1},
	TableGenericParamConstraint: {0},
}

func (b *AssemblyBuilder) finishGenericParams(rows *[TableCount][][]uint32) {
	params := append([]genericParamEntry(nil), b.genParams...)
	sort.SliceStable(params, func(i, j int) bool {
		if params[i].owner != params[j].owner {
			return params[i].owner < params[j].owner
		}
		return params[i].number < params[j].number
	})
	rows[TableGenericParam] = nil
	rows[TableGenericParamConstraint] = nil
	for i, p := range params {
		rows[TableGenericParam] = append(rows[TableGenericParam], []uint32{uint32(p.number), uint32(p.flags), p.owner, p.name})
		for _, c := range p.constraints {
			rows[TableGenericParamConstraint] = append(rows[TableGenericParamConstraint], []uint32{uint32(i + 1), c})
		}
	}
}

func sortRows(t TableType, rows [][]uint32) {
	keys := sortKeys[t]
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			if rows[i][k] != rows[j][k] {
				return rows[i][k] < rows[j][k]
			}
		}
		return false
	})
}

// buildMetadata serializes the metadata root. methodRVA and fieldRVA map
// MethodDef and Field rows to their final RVAs.
func (b *AssemblyBuilder) buildMetadata(methodRVA, fieldRVA map[uint32]uint32) []byte {
	var rows [TableCount][][]uint32
	for t := range rows {
		rows[t] = make([][]uint32, len(b.rows[t]))
		for i, r := range b.rows[t] {
			rows[t][i] = append([]uint32(nil), r...)
		}
	}
	for row, rva := range methodRVA {
		rows[TableMethodDef][row-1][0] = rva
	}
	rows[TableFieldRVA] = nil
	fields := make([]uint32, 0, len(fieldRVA))
	for f := range fieldRVA {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	for _, f := range fields {
		rows[TableFieldRVA] = append(rows[TableFieldRVA], []uint32{fieldRVA[f], f})
	}
	b.finishGenericParams(&rows)

	var sorted uint64
	for t := range sortKeys {
		sortRows(t, rows[t])
		sorted |= 1 << uint(t)
	}

	var heapSizes uint8
	if len(b.stringHeap) > 0xFFFF {
		heapSizes |= HeapStringsWide
	}
	if len(b.blobHeap) > 0xFFFF {
		heapSizes |= HeapBlobWide
	}
	lc := LayoutContext{HeapSizes: heapSizes}
	var valid uint64
	for t := 0; t < TableCount; t++ {
		lc.RowCounts[t] = uint32(len(rows[t]))
		if len(rows[t]) > 0 {
			valid |= 1 << uint(t)
		}
	}
	layouts := lc.ComputeLayouts()

	tw := &byteWriter{}
	tw.u32(0)
	tw.u8(2)
	tw.u8(0)
	tw.u8(heapSizes)
	tw.u8(1)
	tw.u64(valid)
	tw.u64(sorted & valid)
	for t := 0; t < TableCount; t++ {
		if len(rows[t]) > 0 {
			tw.u32(uint32(len(rows[t])))
		}
	}
	for t := 0; t < TableCount; t++ {
		for _, r := range rows[t] {
			for c, v := range r {
				tw.index(v, layouts[t].Columns[c].Size)
			}
		}
	}
	tw.align(4)

	guids := guidBytes(b.mvid)
	type stream struct {
		name string
		data []byte
	}
	streams := []stream{
		{StreamTables, tw.buf},
		{StreamStrings, padded(b.stringHeap)},
		{StreamUserStrings, padded(b.usHeap)},
		{StreamGUID, guids},
		{StreamBlob, padded(b.blobHeap)},
	}

	version := []byte(RuntimeVersion)
	vlen := alignUp(len(version)+1, 4)
	headerSize := 16 + vlen + 4
	for _, s := range streams {
		headerSize += 8 + alignUp(len(s.name)+1, 4)
	}

	w := &byteWriter{}
	w.u32(MetadataSignature)
	w.u16(1)
	w.u16(1)
	w.u32(0)
	w.u32(uint32(vlen))
	w.raw(version)
	w.zeros(vlen - len(version))
	w.u16(0)
	w.u16(uint16(len(streams)))
	off := headerSize
	for _, s := range streams {
		w.u32(uint32(off))
		w.u32(uint32(len(s.data)))
		w.raw([]byte(s.name))
		w.zeros(alignUp(len(s.name)+1, 4) - len(s.name))
		off += len(s.data)
	}
	for _, s := range streams {
		w.raw(s.data)
	}
	return w.buf
}

func padded(b []byte) []byte {
	out := append([]byte(nil), b...)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

const (
	peFileAlignment    = 0x200
	peSectionAlignment = 0x2000
	peImageBase        = 0x400000
	peTextRVA          = 0x2000
	peHeaderSize       = 0x178 + 40 // through one section header
)

// Bytes serializes the assembly as a PE32 image.
func (b *AssemblyBuilder) Bytes() ([]byte, error) {
	for row := uint32(1); row <= uint32(len(b.rows[TableMethodDef])); row++ {
		r := b.rows[TableMethodDef][row-1]
		flags, impl := r[2], r[1]
		needsBody := flags&MethodAbstract == 0 && impl&MethodImplInternalCall == 0 &&
			impl&MethodImplCodeTypeMask == MethodImplIL && flags&MethodPInvokeImpl == 0
		if _, ok := b.bodies[row]; needsBody && !ok {
			return nil, fmt.Errorf("method %s has no body", NewToken(TableMethodDef, row))
		}
	}

	// .text: CLI header, method bodies, field data, metadata.
	text := &byteWriter{}
	text.zeros(cliHeaderSize)
	methodRVA := make(map[uint32]uint32, len(b.bodies))
	for row := uint32(1); row <= uint32(len(b.rows[TableMethodDef])); row++ {
		body, ok := b.bodies[row]
		if !ok {
			continue
		}
		text.align(4)
		methodRVA[row] = peTextRVA + uint32(text.len())
		text.raw(body)
	}
	fieldRVA := make(map[uint32]uint32, len(b.fieldData))
	for row := uint32(1); row <= uint32(len(b.rows[TableField])); row++ {
		data, ok := b.fieldData[row]
		if !ok {
			continue
		}
		text.align(8)
		fieldRVA[row] = peTextRVA + uint32(text.len())
		text.raw(data)
	}
	text.align(4)
	mdOffset := text.len()
	md := b.buildMetadata(methodRVA, fieldRVA)
	text.raw(md)

	cli := text.buf[:cliHeaderSize]
	binary.LittleEndian.PutUint32(cli[0:], cliHeaderSize)
	binary.LittleEndian.PutUint16(cli[4:], 2)
	binary.LittleEndian.PutUint16(cli[6:], 5)
	binary.LittleEndian.PutUint32(cli[8:], peTextRVA+uint32(mdOffset))
	binary.LittleEndian.PutUint32(cli[12:], uint32(len(md)))
	binary.LittleEndian.PutUint32(cli[16:], 1) // ILONLY
	binary.LittleEndian.PutUint32(cli[20:], uint32(b.entryPoint))

	return buildPE(text.buf), nil
}

// buildPE wraps a .text section in a minimal PE32 container whose CLI
// header sits at the start of the section.
func buildPE(text []byte) []byte {
	headersAligned := alignUp(peHeaderSize, peFileAlignment)
	textRawSize := alignUp(len(text), peFileAlignment)
	imageSize := peTextRVA + alignUp(len(text), peSectionAlignment)

	pe := make([]byte, headersAligned+textRawSize)
	pe[0] = 'M'
	pe[1] = 'Z'
	binary.LittleEndian.PutUint32(pe[0x3C:], 0x80)
	copy(pe[0x80:], "PE\x00\x00")

	coff := pe[0x84:]
	binary.LittleEndian.PutUint16(coff[0:], 0x014C) // i386
	binary.LittleEndian.PutUint16(coff[2:], 1)
	binary.LittleEndian.PutUint16(coff[16:], 224)
	binary.LittleEndian.PutUint16(coff[18:], 0x2102) // EXECUTABLE_IMAGE | 32BIT | DLL

	opt := pe[0x98:]
	binary.LittleEndian.PutUint16(opt[0:], 0x010B)
	opt[2] = 8
	binary.LittleEndian.PutUint32(opt[4:], uint32(textRawSize))
	binary.LittleEndian.PutUint32(opt[20:], peTextRVA)
	binary.LittleEndian.PutUint32(opt[28:], peImageBase)
	binary.LittleEndian.PutUint32(opt[32:], peSectionAlignment)
	binary.LittleEndian.PutUint32(opt[36:], peFileAlignment)
	binary.LittleEndian.PutUint16(opt[40:], 4)
	binary.LittleEndian.PutUint16(opt[48:], 4)
	binary.LittleEndian.PutUint32(opt[56:], uint32(imageSize))
	binary.LittleEndian.PutUint32(opt[60:], uint32(headersAligned))
	binary.LittleEndian.PutUint16(opt[68:], 3)      // console
	binary.LittleEndian.PutUint16(opt[70:], 0x8540) // dynamic base, nx, no seh, ts aware
	binary.LittleEndian.PutUint32(opt[72:], 0x100000)
	binary.LittleEndian.PutUint32(opt[76:], 0x1000)
	binary.LittleEndian.PutUint32(opt[80:], 0x100000)
	binary.LittleEndian.PutUint32(opt[84:], 0x1000)
	binary.LittleEndian.PutUint32(opt[92:], 16)
	dir := opt[96+comDescriptorIndex*8:]
	binary.LittleEndian.PutUint32(dir[0:], peTextRVA)
	binary.LittleEndian.PutUint32(dir[4:], cliHeaderSize)

	sect := pe[0x178:]
	copy(sect[0:8], ".text")
	binary.LittleEndian.PutUint32(sect[8:], uint32(len(text)))
	binary.LittleEndian.PutUint32(sect[12:], peTextRVA)
	binary.LittleEndian.PutUint32(sect[16:], uint32(textRawSize))
	binary.LittleEndian.PutUint32(sect[20:], uint32(headersAligned))
	binary.LittleEndian.PutUint32(sect[36:], 0x60000020) // CODE | EXECUTE | READ

	copy(pe[headersAligned:], text)
	return pe
}
