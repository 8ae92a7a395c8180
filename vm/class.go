package vm

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Class
// ---------------------------------------------------------------------------

// ClassKind says what sort of type a Class describes.
type ClassKind uint8

const (
	KindClass ClassKind = iota
	KindValueType
	KindInterface
	KindSZArray
	KindArray
	KindPointer
	KindByRef
	KindGenericParam
)

var classKindNames = [...]string{"class", "valuetype", "interface", "szarray", "array", "pointer", "byref", "genericparam"}

func (k ClassKind) String() string {
	if int(k) < len(classKindNames) {
		return classKindNames[k]
	}
	return "unknown"
}

// Class build states, see ensureClass.
const (
	stateMembers uint32 = 1 << iota
	stateLayout
	stateVTable
	stateStatics

	stateComplete = stateMembers | stateLayout | stateVTable | stateStatics
)

// Class is the runtime descriptor of a type: a TypeDef, a generic
// instantiation, an array, a pointer or a generic parameter placeholder.
type Class struct {
	id    uint64
	Image *Image
	Token metadata.Token
	Index EncodedIndex

	Namespace string
	Name      string
	Flags     uint32
	Kind      ClassKind

	// ElemType classifies how values of the class are stored: a primitive
	// element type for primitives and enums, ElementValueType for other
	// structs, ElementClass/ElementString/ElementObject for references.
	ElemType metadata.ElementType

	Parent        *Class
	DeclaringType *Class
	NestedTypes   []*Class
	Interfaces    []*Class

	Fields     []*FieldInfo
	Methods    []*MethodInfo
	Properties []*PropertyInfo
	Events     []*EventInfo

	GenericContainer *GenericContainer
	GenericDef       *Class
	Inst             *GenericInst
	GenericParam     *GenericParameter
	mvarNumber       int

	// Element is the element type of arrays, pointers and byrefs, and the
	// underlying primitive of enums.
	Element *Class
	Rank    int

	IsEnum       bool
	HasCctor     bool
	HasFinalizer bool
	blittable    int8

	PackingSize  uint16
	ClassSize    uint32
	InstanceSize int32
	align        int32

	InstanceSlots     int
	StaticSlots       int
	ThreadStaticSlots int
	Statics           []StackObject

	VTable           []*MethodInfo
	InterfaceOffsets []InterfaceOffset

	// structFields lists the instance and static slots holding unboxed
	// structs, which are materialized with default payloads.
	structFields       []structField
	staticStructFields []structField

	extends         metadata.Token
	interfaceTokens []metadata.Token
	methodImpls     []methodImplPair

	state    uint32
	building uint32
	err      error

	cctor cctorState
}

// InterfaceOffset maps an implemented interface to the first of its
// contiguous vtable slots.
type InterfaceOffset struct {
	Interface *Class
	Offset    int
}

type structField struct {
	slot  int
	class *Class
}

type methodImplPair struct {
	body, decl metadata.Token
}

type cctorState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	done    atomic.Bool
	running bool
	runner  *Thread
	err     error
}

func (rt *Runtime) newClass(img *Image, tok metadata.Token) *Class {
	return &Class{id: rt.nextClassID.Add(1), Image: img, Token: tok}
}

// FullName returns Namespace.Name, with nesting and instantiation.
func (c *Class) FullName() string {
	if c == nil {
		return "<nil>"
	}
	switch c.Kind {
	case KindSZArray:
		return c.Element.FullName() + "[]"
	case KindArray:
		return c.Element.FullName() + "[" + strings.Repeat(",", c.Rank-1) + "]"
	case KindPointer:
		return c.Element.FullName() + "*"
	case KindByRef:
		return c.Element.FullName() + "&"
	}
	var name string
	switch {
	case c.DeclaringType != nil:
		name = c.DeclaringType.FullName() + "/" + c.Name
	case c.Namespace != "":
		name = c.Namespace + "." + c.Name
	default:
		name = c.Name
	}
	if c.Inst != nil {
		name += c.Inst.String()
	}
	return name
}

func (c *Class) String() string { return c.FullName() }

// Is reports whether c is the class ns.name.
func (c *Class) Is(ns, name string) bool {
	return c != nil && c.Namespace == ns && c.Name == name && c.DeclaringType == nil
}

// Predicates

func (c *Class) IsInterface() bool   { return c.Kind == KindInterface }
func (c *Class) IsValueType() bool   { return c.Kind == KindValueType }
func (c *Class) IsSZArray() bool     { return c.Kind == KindSZArray }
func (c *Class) IsArray() bool       { return c.Kind == KindSZArray || c.Kind == KindArray }
func (c *Class) IsAbstract() bool    { return c.Flags&metadata.TypeAbstract != 0 }
func (c *Class) IsSealed() bool      { return c.Flags&metadata.TypeSealed != 0 }
func (c *Class) IsString() bool      { return c.ElemType == metadata.ElementString }
func (c *Class) IsGenericDef() bool  { return c.GenericContainer != nil && c.Inst == nil }
func (c *Class) IsExplicitLayout() bool {
	return c.Flags&metadata.TypeLayoutMask == metadata.TypeExplicitLayout
}

// IsReference reports whether values of c are object references.
func (c *Class) IsReference() bool {
	switch c.Kind {
	case KindClass, KindInterface, KindSZArray, KindArray:
		return true
	}
	return false
}

// IsPrimitiveLike reports whether values of c are stored inline in a slot:
// primitives, enums, pointers and byrefs.
func (c *Class) IsPrimitiveLike() bool {
	switch c.Kind {
	case KindPointer, KindByRef:
		return true
	case KindValueType:
		return c.ElemType.IsPrimitive()
	}
	return false
}

// IsStruct reports whether values of c are stored as unboxed struct
// payloads.
func (c *Class) IsStruct() bool {
	return c.Kind == KindValueType && !c.ElemType.IsPrimitive()
}

// IsNullable reports whether c is an instantiation of System.Nullable`1.
func (c *Class) IsNullable() bool {
	return c.GenericDef != nil && c.GenericDef.Is("System", "Nullable`1")
}

// ContainsGenericParameters reports whether c mentions an unbound generic
// parameter.
func (c *Class) ContainsGenericParameters() bool {
	switch c.Kind {
	case KindGenericParam:
		return true
	case KindSZArray, KindArray, KindPointer, KindByRef:
		return c.Element.ContainsGenericParameters()
	}
	if c.Inst != nil {
		return c.Inst.IsOpen()
	}
	return c.GenericContainer != nil
}

// Context returns the generic context of c's members.
func (c *Class) Context() GenericContext {
	if c.Inst != nil {
		return GenericContext{Class: c.Inst}
	}
	if c.GenericContainer != nil && c.Image != nil {
		return GenericContext{Class: c.Image.openInst(c.GenericContainer)}
	}
	return GenericContext{}
}

// IsSubclassOf reports whether other is a proper ancestor of c.
func (c *Class) IsSubclassOf(other *Class) bool {
	for p := c.Parent; p != nil; p = p.Parent {
		if p == other {
			return true
		}
	}
	return false
}

// Implements reports whether c or an ancestor implements iface.
func (c *Class) Implements(iface *Class) bool {
	for k := c; k != nil; k = k.Parent {
		for _, i := range k.Interfaces {
			if i == iface || i.Implements(iface) {
				return true
			}
		}
	}
	return false
}

// IsAssignableFrom reports whether a value of class src may be stored in a
// location of class c.
func (c *Class) IsAssignableFrom(src *Class) bool {
	if c == nil || src == nil {
		return false
	}
	if c == src {
		return true
	}
	if c.IsNullable() && c.Inst != nil && c.Inst.Args[0] == src {
		return true
	}
	if c.IsArray() && src.IsArray() {
		if c.Kind != src.Kind || c.Rank != src.Rank {
			return false
		}
		ce, se := c.Element, src.Element
		if ce.IsReference() && se.IsReference() {
			return ce.IsAssignableFrom(se)
		}
		return ce == se || (ce.IsPrimitiveLike() && se.IsPrimitiveLike() &&
			ce.ElemType.Size() == se.ElemType.Size() && ce.ElemType.IsInteger() && se.ElemType.IsInteger())
	}
	if c.IsInterface() {
		return src.Implements(c)
	}
	if src.Kind == KindInterface {
		return c.Parent == nil && c.Kind == KindClass && c.ElemType == metadata.ElementObject
	}
	return src.IsSubclassOf(c)
}

// FindField finds an instance or static field by name in c or its ancestors.
func (c *Class) FindField(name string) *FieldInfo {
	for k := c; k != nil; k = k.Parent {
		for _, f := range k.Fields {
			if f.Name == name {
				return f
			}
		}
	}
	return nil
}

// FindMethod finds a method declared on c by name and parameter count. A
// negative count matches any.
func (c *Class) FindMethod(name string, params int) *MethodInfo {
	for _, m := range c.Methods {
		if m.Name == name && (params < 0 || len(m.Sig.Params) == params) {
			return m
		}
	}
	return nil
}

// FindNested finds a nested type by name.
func (c *Class) FindNested(name string) *Class {
	for _, n := range c.NestedTypes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// StaticConstructor returns the .cctor of c, or nil.
func (c *Class) StaticConstructor() *MethodInfo {
	if !c.HasCctor {
		return nil
	}
	for _, m := range c.Methods {
		if m.Name == ".cctor" && m.IsStatic() {
			return m
		}
	}
	return nil
}

// IsBlittable reports the memoized blittability of c.
func (c *Class) IsBlittable() bool { return c.blittable == blittableYes }

// ---------------------------------------------------------------------------
// Fields, methods, params, properties, events
// ---------------------------------------------------------------------------

// ThreadStaticOffset is the Offset sentinel that marks a thread-static field.
const ThreadStaticOffset int32 = -1

// noOffset marks a field whose offset has not been computed.
const noOffset int32 = -2

// FieldInfo describes a field of a class.
type FieldInfo struct {
	Parent *Class
	Token  metadata.Token
	Index  EncodedIndex
	Name   string
	Flags  uint16
	Sig    *TypeSig
	Def    *FieldInfo

	// Slot indexes Object.Fields for instance fields, and the class's
	// static or thread-static block for statics. Literals have no slot.
	Slot int

	// Offset is the byte offset within the instance, or ThreadStaticOffset.
	Offset int32

	DefaultIndex int
	RVA          uint32

	typ *Class
}

func (f *FieldInfo) IsStatic() bool       { return f.Flags&metadata.FieldStatic != 0 }
func (f *FieldInfo) IsLiteral() bool      { return f.Flags&metadata.FieldLiteral != 0 }
func (f *FieldInfo) IsThreadStatic() bool { return f.Offset == ThreadStaticOffset }
func (f *FieldInfo) FullName() string     { return f.Parent.FullName() + "::" + f.Name }

// MethodInfo describes a method, possibly inflated.
type MethodInfo struct {
	Class     *Class
	Token     metadata.Token
	Index     EncodedIndex
	Name      string
	Flags     uint16
	ImplFlags uint16
	RVA       uint32
	Sig       *MethodSig
	Params    []*ParamInfo

	GenericContainer *GenericContainer
	Def              *MethodInfo
	Inst             *GenericInst

	Body *metadata.MethodBody

	// Slot is the vtable slot of a virtual method, or -1.
	Slot int

	sigErr     error
	sigImg     *Image
	sigClasses []*Class
	interp     atomic.Pointer[InterpMethodInfo]
}

// sigImage returns the image whose tokens m.Sig refers to.
func (m *MethodInfo) sigImage() *Image {
	for k := m; k != nil; k = k.Def {
		if k.sigImg != nil {
			return k.sigImg
		}
		if k.Def == nil {
			return k.Class.Image
		}
	}
	return nil
}

func (m *MethodInfo) IsStatic() bool   { return m.Flags&metadata.MethodStatic != 0 }
func (m *MethodInfo) IsVirtual() bool  { return m.Flags&metadata.MethodVirtual != 0 }
func (m *MethodInfo) IsAbstract() bool { return m.Flags&metadata.MethodAbstract != 0 }
func (m *MethodInfo) IsFinal() bool    { return m.Flags&metadata.MethodFinal != 0 }
func (m *MethodInfo) IsNewSlot() bool  { return m.Flags&metadata.MethodVtableLayout == metadata.MethodNewSlot }
func (m *MethodInfo) IsCtor() bool     { return m.Name == ".ctor" && !m.IsStatic() }

// IsInternalCall reports whether m is implemented by the host.
func (m *MethodInfo) IsInternalCall() bool {
	return m.ImplFlags&metadata.MethodImplInternalCall != 0 ||
		m.ImplFlags&metadata.MethodImplCodeTypeMask == metadata.MethodImplRuntime ||
		m.Flags&metadata.MethodPInvokeImpl != 0
}

// HasThis reports whether m takes an implicit receiver.
func (m *MethodInfo) HasThis() bool { return m.Sig.HasThis && !m.Sig.ExplicitThis }

// ArgCount returns the number of argument slots including the receiver.
func (m *MethodInfo) ArgCount() int {
	n := len(m.Sig.Params)
	if m.HasThis() {
		n++
	}
	return n
}

// IsGenericMethodDef reports whether m has unbound method type parameters.
func (m *MethodInfo) IsGenericMethodDef() bool {
	return m.GenericContainer != nil && m.Inst == nil
}

// Context returns the generic context for resolving tokens in m's body.
func (m *MethodInfo) Context() GenericContext {
	ctx := m.Class.Context()
	if m.Inst != nil {
		ctx.Method = m.Inst
	} else if m.GenericContainer != nil && m.Class.Image != nil {
		ctx.Method = m.Class.Image.openInst(m.GenericContainer)
	}
	return ctx
}

// FullName returns Ns.Type::Name.
func (m *MethodInfo) FullName() string {
	name := m.Class.FullName() + "::" + m.Name
	if m.Inst != nil {
		name += m.Inst.String()
	}
	return name
}

func (m *MethodInfo) String() string { return m.FullName() }

// Shape names the native calling convention of m: the storage kind of the
// return value followed by the argument kinds, for example "i4(o,i4)".
func (m *MethodInfo) Shape() string {
	var sb strings.Builder
	sb.WriteString(m.Sig.Ret.shapeCode())
	sb.WriteByte('(')
	if m.HasThis() {
		sb.WriteString("o")
		if len(m.Sig.Params) > 0 {
			sb.WriteByte(',')
		}
	}
	for i, p := range m.Sig.Params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.shapeCode())
	}
	sb.WriteByte(')')
	return sb.String()
}

// ParamList renders the parameter types of m, for example
// "(string,int32)".
func (m *MethodInfo) ParamList() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range m.Sig.Params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// ParamInfo describes one Param row.
type ParamInfo struct {
	Name         string
	Sequence     uint16
	Flags        uint16
	DefaultIndex int
}

// PropertyInfo describes a property and its accessors.
type PropertyInfo struct {
	Parent *Class
	Token  metadata.Token
	Name   string
	Flags  uint16
	Getter *MethodInfo
	Setter *MethodInfo
	Other  []*MethodInfo
}

// EventInfo describes an event and its accessors.
type EventInfo struct {
	Parent    *Class
	Token     metadata.Token
	Name      string
	Flags     uint16
	EventType metadata.Token
	Add       *MethodInfo
	Remove    *MethodInfo
	Raise     *MethodInfo
	Other     []*MethodInfo
}

// ---------------------------------------------------------------------------
// Constructed classes
// ---------------------------------------------------------------------------

type arrayKey struct {
	elem *Class
	rank int
	sz   bool
}

// ArrayClass returns the interned array class of elem.
func (rt *Runtime) ArrayClass(elem *Class, rank int, sz bool) *Class {
	key := arrayKey{elem, rank, sz}
	if c, ok := rt.arrayClasses.Load(key); ok {
		return c.(*Class)
	}
	c := rt.newClass(nil, 0)
	c.Kind = KindArray
	if sz {
		c.Kind = KindSZArray
	}
	c.Element, c.Rank = elem, rank
	c.Name = elem.Name
	c.Namespace = elem.Namespace
	c.ElemType = metadata.ElementSZArray
	c.Flags = metadata.TypePublic | metadata.TypeSealed
	if rt.corlib != nil && rt.corlib.Array != nil {
		c.Image = rt.corlib.Image
		c.Parent = rt.corlib.Array
	}
	c.state = stateComplete
	got, _ := rt.arrayClasses.LoadOrStore(key, c)
	return got.(*Class)
}

// PointerClass returns the interned unmanaged pointer class of elem.
func (rt *Runtime) PointerClass(elem *Class) *Class {
	return rt.derivedClass(&rt.pointerClasses, elem, KindPointer)
}

// ByRefClass returns the interned managed pointer class of elem.
func (rt *Runtime) ByRefClass(elem *Class) *Class {
	return rt.derivedClass(&rt.byRefClasses, elem, KindByRef)
}

func (rt *Runtime) derivedClass(m *sync.Map, elem *Class, kind ClassKind) *Class {
	if c, ok := m.Load(elem); ok {
		return c.(*Class)
	}
	c := rt.newClass(nil, 0)
	c.Kind, c.Element = kind, elem
	c.Name, c.Namespace = elem.Name, elem.Namespace
	c.ElemType = metadata.ElementI
	c.state = stateComplete
	got, _ := m.LoadOrStore(elem, c)
	return got.(*Class)
}

// ---------------------------------------------------------------------------
// Class setup
// ---------------------------------------------------------------------------

// EnsureLayout builds c's members, field layout and vtable.
func (rt *Runtime) EnsureLayout(c *Class) error {
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	return rt.ensureClass(c, stateLayout|stateVTable)
}

// ensureClass brings c up to the given build state. Callers hold
// rt.metadataLock.
func (rt *Runtime) ensureClass(c *Class, want uint32) error {
	if c.state&want == want {
		return nil
	}
	if c.err != nil {
		return c.err
	}
	step := func(s uint32, build func(*Class) error, allowCycle bool) error {
		if want&s == 0 || c.state&s != 0 {
			return nil
		}
		if c.building&s != 0 {
			if allowCycle {
				return nil
			}
			return badImage(c.Image, c.Token, "recursive definition of %s", c.FullName())
		}
		c.building |= s
		err := build(c)
		c.building &^= s
		if err != nil {
			c.err = err
			return err
		}
		c.state |= s
		return nil
	}
	if want&(stateLayout|stateVTable|stateStatics) != 0 {
		want |= stateMembers
	}
	if want&stateStatics != 0 {
		want |= stateLayout
	}
	if err := step(stateMembers, rt.buildMembers, true); err != nil {
		return err
	}
	if err := step(stateLayout, rt.buildLayout, false); err != nil {
		return err
	}
	if err := step(stateVTable, rt.buildVTable, false); err != nil {
		return err
	}
	return step(stateStatics, rt.buildStatics, false)
}

func (rt *Runtime) buildMembers(c *Class) error {
	if c.GenericDef != nil {
		return rt.inflateMembers(c)
	}
	// TypeDef members are filled by InitRuntimeMetadata.
	return nil
}

func (rt *Runtime) buildStatics(c *Class) error {
	c.Statics = rt.Host.AllocSlots(c.StaticSlots)
	for _, sf := range c.staticStructFields {
		if err := rt.ensureClass(sf.class, stateLayout); err != nil {
			return err
		}
		c.Statics[sf.slot].SetStruct(rt.newObject(sf.class))
	}
	return nil
}

// buildLayout assigns field slots and byte offsets.
func (rt *Runtime) buildLayout(c *Class) error {
	if c.Kind == KindGenericParam || c.Kind == KindPointer || c.Kind == KindByRef || c.IsArray() {
		return nil
	}
	ctx := c.Context()
	var size, align int32 = 0, 1
	slots := 0
	if c.Parent != nil && c.Kind != KindValueType {
		if err := rt.ensureClass(c.Parent, stateLayout); err != nil {
			return err
		}
		size, align, slots = c.Parent.InstanceSize, c.Parent.align, c.Parent.InstanceSlots
	}
	explicitSlots := map[int32]int{}
	staticSlots, threadSlots := 0, 0
	for _, f := range c.Fields {
		switch {
		case f.IsLiteral():
			f.Slot = -1
			continue
		case f.IsStatic():
			if f.IsThreadStatic() {
				f.Slot = threadSlots
				threadSlots++
			} else {
				f.Slot = staticSlots
				staticSlots++
			}
			continue
		}
		fsize, falign, err := rt.fieldStorage(c, f, ctx)
		if err != nil {
			return err
		}
		if c.PackingSize != 0 && falign > int32(c.PackingSize) {
			falign = int32(c.PackingSize)
		}
		if falign > align {
			align = falign
		}
		if c.IsExplicitLayout() && f.Offset >= 0 {
			s, ok := explicitSlots[f.Offset]
			if !ok {
				s = slots
				slots++
				explicitSlots[f.Offset] = s
			}
			f.Slot = s
			if end := f.Offset + fsize; end > size {
				size = end
			}
			continue
		}
		size = alignUp32(size, falign)
		f.Offset = size
		f.Slot = slots
		slots++
		size += fsize
		if c.IsEnum && f.Name == "value__" {
			c.ElemType = f.Sig.Elem
			c.Element = rt.corlib.Primitive(f.Sig.Elem)
		}
	}
	if c.Kind == KindValueType {
		size = alignUp32(size, align)
		if size == 0 {
			size = 1
		}
	}
	if int32(c.ClassSize) > size {
		size = int32(c.ClassSize)
	}
	c.InstanceSize, c.align = size, align
	c.InstanceSlots = slots
	c.StaticSlots, c.ThreadStaticSlots = staticSlots, threadSlots
	return rt.collectStructFields(c)
}

// collectStructFields records which slots of c hold unboxed structs.
func (rt *Runtime) collectStructFields(c *Class) error {
	c.structFields, c.staticStructFields = nil, nil
	if c.Parent != nil && c.Kind != KindValueType {
		c.structFields = append(c.structFields, c.Parent.structFields...)
	}
	for _, f := range c.Fields {
		if f.IsLiteral() || f.IsThreadStatic() {
			continue
		}
		switch f.Sig.Elem {
		case metadata.ElementValueType, metadata.ElementGenericInst, metadata.ElementVar, metadata.ElementMVar:
		default:
			continue
		}
		fc, err := rt.fieldClass(f)
		if err != nil {
			return err
		}
		if !fc.IsStruct() {
			continue
		}
		if f.IsStatic() {
			c.staticStructFields = append(c.staticStructFields, structField{f.Slot, fc})
		} else {
			c.structFields = append(c.structFields, structField{f.Slot, fc})
		}
	}
	return nil
}

// fieldStorage returns the byte size and alignment of a field's type.
func (rt *Runtime) fieldStorage(c *Class, f *FieldInfo, ctx GenericContext) (int32, int32, error) {
	if sz := f.Sig.Elem.Size(); sz > 0 {
		return sz, sz, nil
	}
	switch f.Sig.Elem {
	case metadata.ElementValueType, metadata.ElementVar, metadata.ElementMVar, metadata.ElementGenericInst:
		fc, err := rt.fieldClass(f)
		if err != nil {
			return 0, 0, err
		}
		if !fc.IsValueType() {
			return 8, 8, nil
		}
		if fc == c {
			return 0, 0, badImage(c.Image, f.Token, "value type %s contains itself", c.FullName())
		}
		if err := rt.ensureClass(fc, stateLayout); err != nil {
			return 0, 0, err
		}
		if fc.IsPrimitiveLike() && fc.ElemType.Size() > 0 {
			return fc.ElemType.Size(), fc.ElemType.Size(), nil
		}
		return fc.InstanceSize, fc.align, nil
	}
	return 8, 8, nil
}

// fieldClass resolves and caches the class of f's type. Callers hold
// rt.metadataLock.
func (rt *Runtime) fieldClass(f *FieldInfo) (*Class, error) {
	if f.typ != nil {
		return f.typ, nil
	}
	img := f.Parent.Image
	if f.Def != nil {
		img = f.Def.Parent.Image
	}
	c, err := rt.classFromSig(img, f.Sig, f.Parent.Context())
	if err != nil {
		return nil, err
	}
	f.typ = c
	return c, nil
}

// complete brings c to its complete state under the metadata lock.
func (rt *Runtime) complete(c *Class) error {
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	return rt.ensureClass(c, stateComplete)
}

// FieldType returns the class of f's declared type.
func (rt *Runtime) FieldType(f *FieldInfo) (*Class, error) {
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	return rt.fieldClass(f)
}

func alignUp32(v, a int32) int32 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// ---------------------------------------------------------------------------
// Blittability
// ---------------------------------------------------------------------------

const (
	blittableUnknown int8 = iota
	blittableYes
	blittableNo
)

// computeBlittable decides whether a value type may be copied byte for
// byte: every instance field is a primitive, a pointer, or a blittable
// value type. The result is memoized; visiting breaks cycles.
func (rt *Runtime) computeBlittable(c *Class, visiting map[*Class]bool) bool {
	if c.blittable != blittableUnknown {
		return c.blittable == blittableYes
	}
	if c.IsPrimitiveLike() {
		c.blittable = blittableYes
		return true
	}
	if !c.IsValueType() || c.ContainsGenericParameters() {
		c.blittable = blittableNo
		return false
	}
	if visiting[c] {
		return false
	}
	visiting[c] = true
	defer delete(visiting, c)
	ok := true
	for _, f := range c.Fields {
		if f.IsStatic() {
			continue
		}
		switch e := f.Sig.Elem; {
		case e.IsPrimitive(), e == metadata.ElementPtr, e == metadata.ElementFnPtr:
			continue
		case e == metadata.ElementValueType, e == metadata.ElementGenericInst, e == metadata.ElementVar:
			fc, err := rt.fieldClass(f)
			if err != nil || !rt.computeBlittable(fc, visiting) {
				ok = false
			}
		default:
			ok = false
		}
		if !ok {
			break
		}
	}
	if ok {
		c.blittable = blittableYes
	} else {
		c.blittable = blittableNo
	}
	return ok
}
