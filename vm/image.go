package vm

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Image: runtime metadata of one loaded assembly
// ---------------------------------------------------------------------------

// Image is the runtime view of a registered assembly. Its entity arrays are
// built once by InitRuntimeMetadata under the runtime's metadata lock and
// are read-only afterwards; the token caches grow monotonically.
type Image struct {
	rt    *Runtime
	Index int
	Name  string
	Path  string
	Raw   *metadata.RawImage

	// Entity arrays, indexed by row-1.
	typeDefs      []*Class
	fields        []*FieldInfo
	methods       []*MethodInfo
	params        []*ParamInfo
	genericParams []*GenericParameter
	properties    []*PropertyInfo
	events        []*EventInfo

	genericContainers map[metadata.Token]*GenericContainer
	nestedTypeIndices []int // enclosing typedef row, 0 for top level
	fieldOwners       []*Class
	methodOwners      []*Class
	fieldDefaults     []fieldDefault
	typeByName        map[string]*Class

	customAttributeRanges map[metadata.Token]attrRange
	attributes            sync.Map // metadata.Token -> []*Object

	types         []*TypeSig
	typesMu       sync.RWMutex
	typeSpecIndex sync.Map // uint32 -> int

	typeRefs    sync.Map // uint32 -> *Class
	classCache  sync.Map // tokenKey -> *Class
	methodCache sync.Map // tokenKey -> *MethodInfo
	fieldCache  sync.Map // tokenKey -> *FieldInfo
	userStrings sync.Map // uint32 -> *Object
	localSigs   sync.Map // metadata.Token -> []*TypeSig
}

// tokenKey is the cache key of a token resolved in a generic context.
type tokenKey struct {
	tok metadata.Token
	ctx GenericContext
}

// fieldDefault is a literal value from the Constant table or the initial
// data of a field with an RVA.
type fieldDefault struct {
	Type metadata.ElementType
	Blob uint32
	RVA  uint32
}

// attrRange is the run of CustomAttribute rows owned by one parent.
type attrRange struct {
	start, count uint32
}

func newImage(rt *Runtime, raw *metadata.RawImage, index int, name, path string) *Image {
	return &Image{
		rt:                    rt,
		Index:                 index,
		Name:                  name,
		Path:                  path,
		Raw:                   raw,
		genericContainers:     make(map[metadata.Token]*GenericContainer),
		typeByName:            make(map[string]*Class),
		customAttributeRanges: make(map[metadata.Token]attrRange),
	}
}

func (img *Image) String() string { return img.Name }

// Types returns the image's type definitions in table order.
func (img *Image) Types() []*Class { return img.typeDefs }

// Methods returns the image's method definitions in table order.
func (img *Image) Methods() []*MethodInfo { return img.methods }

// Fields returns the image's field definitions in table order.
func (img *Image) Fields() []*FieldInfo { return img.fields }

// FindType returns the type definition ns.name. Nested types are named
// "Outer/Inner".
func (img *Image) FindType(ns, name string) *Class {
	outer, nested, _ := strings.Cut(name, "/")
	c := img.typeByName[ns+"\x00"+outer]
	for c != nil && nested != "" {
		var inner string
		inner, nested, _ = strings.Cut(nested, "/")
		c = c.FindNested(inner)
	}
	return c
}

// openInst returns the instantiation of a container over its own
// placeholders.
func (img *Image) openInst(gc *GenericContainer) *GenericInst {
	return gc.open
}

// ---------------------------------------------------------------------------
// InitRuntimeMetadata
// ---------------------------------------------------------------------------

// InitRuntimeMetadata builds the runtime entity arrays from the raw tables.
// The order is fixed: each step may rely on the ones before it. Callers
// hold rt.metadataLock.
func (img *Image) InitRuntimeMetadata() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"generic parameters", img.initGenericParams},
		{"type definitions", img.initTypeDefs},
		{"nested types", img.initNestedTypes},
		{"core types", img.initCoreTypes},
		{"type hierarchy", img.initTypeHierarchy},
		{"generic constraints", img.initConstraints},
		{"parameters", img.initParams},
		{"methods", img.initMethods},
		{"fields", img.initFields},
		{"field defaults", img.initFieldDefaults},
		{"blittability", img.initBlittable},
		{"method impls", img.initMethodImpls},
		{"properties and events", img.initPropertiesAndEvents},
		{"custom attributes", img.initCustomAttributes},
		{"class layout", img.initClassLayout},
		{"interfaces", img.initInterfaces},
		{"class objects", img.initClassObjects},
		{"vtables", img.initVTables},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return err
		}
		img.rt.log.Debugf("%s: %s done", img.Name, s.name)
	}
	return nil
}

func (img *Image) rows(t metadata.TableType) uint32 { return img.Raw.RowCount(t) }

// typeDef returns the class of a TypeDef row, or nil.
func (img *Image) typeDef(row uint32) *Class {
	if row == 0 || int(row) > len(img.typeDefs) {
		return nil
	}
	return img.typeDefs[row-1]
}

func (img *Image) initGenericParams() error {
	n := img.rows(metadata.TableGenericParam)
	img.genericParams = make([]*GenericParameter, n)
	for row := uint32(1); row <= n; row++ {
		r := img.Raw.GenericParam(row)
		switch r.Owner.Table() {
		case metadata.TableTypeDef, metadata.TableMethodDef:
		default:
			return badImage(img, metadata.NewToken(metadata.TableGenericParam, row), "generic parameter owner %s", r.Owner)
		}
		gp := &GenericParameter{
			Index:  MakeEncodedIndex(img.Index, int(row-1)),
			Owner:  r.Owner,
			Number: int(r.Number),
			Name:   r.Name,
			Flags:  r.Flags,
		}
		c := img.rt.newClass(img, metadata.NewToken(metadata.TableGenericParam, row))
		c.Kind = KindGenericParam
		c.Name = r.Name
		c.GenericParam = gp
		c.state = stateComplete
		gp.Class = c
		img.genericParams[row-1] = gp
		gc := img.containerFor(r.Owner)
		gc.Params = append(gc.Params, gp)
	}
	for _, gc := range img.genericContainers {
		gc := gc
		sort.Slice(gc.Params, func(i, j int) bool { return gc.Params[i].Number < gc.Params[j].Number })
		for i, gp := range gc.Params {
			if gp.Number != i {
				return badImage(img, gc.Owner, "generic parameters of %s are not numbered densely", gc.Owner)
			}
		}
		args := make([]*Class, len(gc.Params))
		for i, gp := range gc.Params {
			args[i] = gp.Class
		}
		gc.open = img.rt.Inst(args...)
	}
	return nil
}

// primitiveNames maps System value types to the element type they store.
var primitiveNames = map[string]metadata.ElementType{
	"Boolean": metadata.ElementBoolean,
	"Char":    metadata.ElementChar,
	"SByte":   metadata.ElementI1,
	"Byte":    metadata.ElementU1,
	"Int16":   metadata.ElementI2,
	"UInt16":  metadata.ElementU2,
	"Int32":   metadata.ElementI4,
	"UInt32":  metadata.ElementU4,
	"Int64":   metadata.ElementI8,
	"UInt64":  metadata.ElementU8,
	"Single":  metadata.ElementR4,
	"Double":  metadata.ElementR8,
	"IntPtr":  metadata.ElementI,
	"UIntPtr": metadata.ElementU,
}

// initTypeDefs creates a class per TypeDef row and classifies it. Value
// types and enums are recognized by walking the parent chain by name, since
// parents in other images may not be resolvable yet.
func (img *Image) initTypeDefs() error {
	n := img.rows(metadata.TableTypeDef)
	img.typeDefs = make([]*Class, n)
	img.nestedTypeIndices = make([]int, n)
	for row := uint32(1); row <= n; row++ {
		r := img.Raw.TypeDef(row)
		tok := metadata.NewToken(metadata.TableTypeDef, row)
		c := img.rt.newClass(img, tok)
		c.Index = MakeEncodedIndex(img.Index, int(row-1))
		c.Namespace, c.Name, c.Flags = r.Namespace, r.Name, r.Flags
		c.extends = r.Extends
		c.GenericContainer = img.genericContainers[tok]
		img.typeDefs[row-1] = c
	}
	for row := uint32(1); row <= n; row++ {
		c := img.typeDefs[row-1]
		base, err := img.baseKind(row, 0)
		if err != nil {
			return err
		}
		switch {
		case c.Flags&metadata.TypeInterface != 0:
			c.Kind = KindInterface
			c.ElemType = metadata.ElementClass
		case base == "System.Enum" && !c.Is("System", "Enum"):
			c.Kind, c.IsEnum = KindValueType, true
			c.ElemType = metadata.ElementValueType
		case base == "System.ValueType" && !c.Is("System", "Enum"):
			c.Kind = KindValueType
			c.ElemType = metadata.ElementValueType
			if c.Namespace == "System" {
				if e, ok := primitiveNames[c.Name]; ok {
					c.ElemType = e
				}
			}
		default:
			c.Kind = KindClass
			c.ElemType = metadata.ElementClass
			switch {
			case c.Is("System", "Object"):
				c.ElemType = metadata.ElementObject
			case c.Is("System", "String"):
				c.ElemType = metadata.ElementString
			}
		}
	}
	return nil
}

// baseKind names the direct parent of a TypeDef row when it is one of the
// value type roots, following same-image parents that are not.
func (img *Image) baseKind(row uint32, depth int) (string, error) {
	if depth > len(img.typeDefs) {
		return "", badImage(img, metadata.NewToken(metadata.TableTypeDef, row), "cyclic inheritance")
	}
	ext := img.typeDefs[row-1].extends
	var ns, name string
	switch ext.Table() {
	case metadata.TableTypeDef:
		if ext.IsNil() {
			return "", nil
		}
		p := img.typeDef(ext.Row())
		if p == nil {
			return "", badImage(img, ext, "parent row out of range")
		}
		ns, name = p.Namespace, p.Name
		if ns+"."+name != "System.ValueType" && ns+"."+name != "System.Enum" {
			return img.baseKind(ext.Row(), depth+1)
		}
	case metadata.TableTypeRef:
		r := img.Raw.TypeRef(ext.Row())
		ns, name = r.Namespace, r.Name
	default:
		return "", nil
	}
	full := ns + "." + name
	if depth > 0 && full == "System.ValueType" {
		// A class deriving from a struct is not itself a struct.
		return "", nil
	}
	return full, nil
}

func (img *Image) initNestedTypes() error {
	n := img.rows(metadata.TableNestedClass)
	for row := uint32(1); row <= n; row++ {
		r := img.Raw.NestedClass(row)
		inner, outer := img.typeDef(r.NestedClass), img.typeDef(r.EnclosingClass)
		if inner == nil || outer == nil {
			return badImage(img, metadata.NewToken(metadata.TableNestedClass, row), "nested class row out of range")
		}
		inner.DeclaringType = outer
		outer.NestedTypes = append(outer.NestedTypes, inner)
		img.nestedTypeIndices[r.NestedClass-1] = int(r.EnclosingClass)
	}
	for i, c := range img.typeDefs {
		if img.nestedTypeIndices[i] == 0 {
			img.typeByName[c.Namespace+"\x00"+c.Name] = c
		}
	}
	return nil
}

// initCoreTypes binds the well-known classes when img is the core library
// being loaded.
func (img *Image) initCoreTypes() error {
	if cl := img.rt.corlib; cl != nil && cl.Image == nil {
		return cl.bind(img)
	}
	return nil
}

// initTypeHierarchy assigns member ranges, resolves parents and records
// the interface and MethodImpl rows of every type.
func (img *Image) initTypeHierarchy() error {
	nt := uint32(len(img.typeDefs))
	nf, nm := img.rows(metadata.TableField), img.rows(metadata.TableMethodDef)
	img.fieldOwners = make([]*Class, nf)
	img.methodOwners = make([]*Class, nm)
	for row := uint32(1); row <= nt; row++ {
		c := img.typeDefs[row-1]
		r := img.Raw.TypeDef(row)
		fieldEnd, methodEnd := nf+1, nm+1
		if row < nt {
			next := img.Raw.TypeDef(row + 1)
			fieldEnd, methodEnd = next.FieldList, next.MethodList
		}
		if r.FieldList == 0 || r.FieldList > fieldEnd || fieldEnd > nf+1 {
			return badImage(img, c.Token, "field list out of range")
		}
		if r.MethodList == 0 || r.MethodList > methodEnd || methodEnd > nm+1 {
			return badImage(img, c.Token, "method list out of range")
		}
		for f := r.FieldList; f < fieldEnd; f++ {
			img.fieldOwners[f-1] = c
		}
		for m := r.MethodList; m < methodEnd; m++ {
			img.methodOwners[m-1] = c
			md := img.Raw.MethodDef(m)
			switch {
			case md.Name == ".cctor" && md.Flags&metadata.MethodStatic != 0:
				c.HasCctor = true
			case md.Name == "Finalize" && md.Flags&metadata.MethodVirtual != 0:
				c.HasFinalizer = true
			}
		}
	}
	for row := uint32(1); row <= nt; row++ {
		c := img.typeDefs[row-1]
		if c.extends.IsNil() {
			continue
		}
		p, err := img.resolveType(c.extends, c.Context())
		if err != nil {
			return err
		}
		if p.IsInterface() || p.IsSealed() && !p.Is("System", "ValueType") && !p.Is("System", "Enum") {
			return badImage(img, c.Token, "%s cannot derive from %s", c.FullName(), p.FullName())
		}
		c.Parent = p
	}
	for row := uint32(1); row <= img.rows(metadata.TableInterfaceImpl); row++ {
		r := img.Raw.InterfaceImpl(row)
		c := img.typeDef(r.Class)
		if c == nil {
			return badImage(img, metadata.NewToken(metadata.TableInterfaceImpl, row), "class row out of range")
		}
		c.interfaceTokens = append(c.interfaceTokens, r.Interface)
	}
	for row := uint32(1); row <= img.rows(metadata.TableMethodImpl); row++ {
		r := img.Raw.MethodImpl(row)
		c := img.typeDef(r.Class)
		if c == nil {
			return badImage(img, metadata.NewToken(metadata.TableMethodImpl, row), "class row out of range")
		}
		c.methodImpls = append(c.methodImpls, methodImplPair{body: r.MethodBody, decl: r.MethodDeclaration})
	}
	return nil
}

func (img *Image) initConstraints() error {
	for row := uint32(1); row <= img.rows(metadata.TableGenericParamConstraint); row++ {
		r := img.Raw.GenericParamConstraint(row)
		if r.Owner == 0 || int(r.Owner) > len(img.genericParams) {
			return badImage(img, metadata.NewToken(metadata.TableGenericParamConstraint, row), "owner out of range")
		}
		gp := img.genericParams[r.Owner-1]
		gp.Constraints = append(gp.Constraints, r.Constraint)
	}
	return nil
}

func (img *Image) initParams() error {
	n := img.rows(metadata.TableParam)
	img.params = make([]*ParamInfo, n)
	for row := uint32(1); row <= n; row++ {
		r := img.Raw.Param(row)
		img.params[row-1] = &ParamInfo{Name: r.Name, Sequence: r.Sequence, Flags: r.Flags, DefaultIndex: -1}
	}
	return nil
}

func (img *Image) initMethods() error {
	n := uint32(len(img.methodOwners))
	img.methods = make([]*MethodInfo, n)
	np := uint32(len(img.params))
	for row := uint32(1); row <= n; row++ {
		r := img.Raw.MethodDef(row)
		tok := metadata.NewToken(metadata.TableMethodDef, row)
		c := img.methodOwners[row-1]
		if c == nil {
			return badImage(img, tok, "method is not owned by any type")
		}
		m := &MethodInfo{
			Class:            c,
			Token:            tok,
			Index:            MakeEncodedIndex(img.Index, int(row-1)),
			Name:             r.Name,
			Flags:            r.Flags,
			ImplFlags:        r.ImplFlags,
			RVA:              r.RVA,
			GenericContainer: img.genericContainers[tok],
			Slot:             -1,
		}
		sig, err := img.ParseMethodSig(r.Signature)
		switch {
		case errors.Is(err, ErrUnsupported):
			// Loading succeeds; calling the method reports the error.
			m.sigErr = err
			sig = &MethodSig{Ret: voidSig, Arity: m.GenericContainer.Arity()}
		case err != nil:
			return err
		}
		m.Sig = sig
		if sig.Arity != m.GenericContainer.Arity() {
			return badImage(img, tok, "signature arity %d, %d generic parameters", sig.Arity, m.GenericContainer.Arity())
		}
		paramEnd := np + 1
		if row < n {
			paramEnd = img.Raw.MethodDef(row + 1).ParamList
		}
		if r.ParamList == 0 || r.ParamList > paramEnd {
			paramEnd = r.ParamList
		}
		m.Params = make([]*ParamInfo, len(sig.Params)+1)
		for p := r.ParamList; p < paramEnd && p <= np; p++ {
			pi := img.params[p-1]
			if int(pi.Sequence) < len(m.Params) {
				m.Params[pi.Sequence] = pi
			}
		}
		if m.RVA != 0 && m.ImplFlags&metadata.MethodImplCodeTypeMask == metadata.MethodImplIL {
			body, err := img.Raw.MethodBody(m.RVA)
			if err != nil {
				return badImage(img, tok, "method body of %s: %v", r.Name, err)
			}
			m.Body = body
		}
		img.methods[row-1] = m
		c.Methods = append(c.Methods, m)
	}
	return nil
}

func (img *Image) initFields() error {
	n := uint32(len(img.fieldOwners))
	img.fields = make([]*FieldInfo, n)
	for row := uint32(1); row <= n; row++ {
		r := img.Raw.Field(row)
		tok := metadata.NewToken(metadata.TableField, row)
		c := img.fieldOwners[row-1]
		if c == nil {
			return badImage(img, tok, "field is not owned by any type")
		}
		sig, err := img.ParseFieldSig(r.Signature)
		if err != nil {
			return err
		}
		f := &FieldInfo{
			Parent:       c,
			Token:        tok,
			Index:        MakeEncodedIndex(img.Index, int(row-1)),
			Name:         r.Name,
			Flags:        r.Flags,
			Sig:          sig,
			Offset:       noOffset,
			DefaultIndex: -1,
		}
		img.fields[row-1] = f
		c.Fields = append(c.Fields, f)
	}
	for row := uint32(1); row <= img.rows(metadata.TableFieldLayout); row++ {
		r := img.Raw.FieldLayout(row)
		f := img.field(r.Field)
		if f == nil {
			return badImage(img, metadata.NewToken(metadata.TableFieldLayout, row), "field out of range")
		}
		f.Offset = int32(r.Offset)
	}
	// Type definitions now carry all their members.
	for _, c := range img.typeDefs {
		c.state |= stateMembers
	}
	return nil
}

func (img *Image) field(row uint32) *FieldInfo {
	if row == 0 || int(row) > len(img.fields) {
		return nil
	}
	return img.fields[row-1]
}

func (img *Image) method(row uint32) *MethodInfo {
	if row == 0 || int(row) > len(img.methods) {
		return nil
	}
	return img.methods[row-1]
}

func (img *Image) initFieldDefaults() error {
	for row := uint32(1); row <= img.rows(metadata.TableConstant); row++ {
		r := img.Raw.Constant(row)
		idx := len(img.fieldDefaults)
		switch r.Parent.Table() {
		case metadata.TableField:
			f := img.field(r.Parent.Row())
			if f == nil {
				return badImage(img, r.Parent, "constant parent out of range")
			}
			f.DefaultIndex = idx
		case metadata.TableParam:
			if r.Parent.Row() == 0 || int(r.Parent.Row()) > len(img.params) {
				return badImage(img, r.Parent, "constant parent out of range")
			}
			img.params[r.Parent.Row()-1].DefaultIndex = idx
		default:
			continue
		}
		img.fieldDefaults = append(img.fieldDefaults, fieldDefault{Type: r.Type, Blob: r.Value})
	}
	for row := uint32(1); row <= img.rows(metadata.TableFieldRVA); row++ {
		r := img.Raw.FieldRVA(row)
		f := img.field(r.Field)
		if f == nil {
			return badImage(img, metadata.NewToken(metadata.TableFieldRVA, row), "field out of range")
		}
		f.RVA = r.RVA
		f.DefaultIndex = len(img.fieldDefaults)
		img.fieldDefaults = append(img.fieldDefaults, fieldDefault{Type: f.Sig.Elem, RVA: r.RVA})
	}
	return nil
}

func (img *Image) initBlittable() error {
	visiting := make(map[*Class]bool)
	for _, c := range img.typeDefs {
		if c.IsValueType() && c.GenericContainer == nil {
			img.rt.computeBlittable(c, visiting)
		}
	}
	return nil
}

// initMethodImpls checks that every MethodImpl body belongs to its class.
// Declarations are matched when the vtable is built.
func (img *Image) initMethodImpls() error {
	for _, c := range img.typeDefs {
		for _, mi := range c.methodImpls {
			if mi.body.Table() != metadata.TableMethodDef {
				continue
			}
			if m := img.method(mi.body.Row()); m == nil || m.Class != c {
				return badImage(img, mi.body, "method impl body is not a method of %s", c.FullName())
			}
		}
	}
	return nil
}

func (img *Image) initPropertiesAndEvents() error {
	np, ne := img.rows(metadata.TableProperty), img.rows(metadata.TableEvent)
	img.properties = make([]*PropertyInfo, np)
	img.events = make([]*EventInfo, ne)
	for row := uint32(1); row <= np; row++ {
		r := img.Raw.Property(row)
		img.properties[row-1] = &PropertyInfo{Token: metadata.NewToken(metadata.TableProperty, row), Name: r.Name, Flags: r.Flags}
	}
	for row := uint32(1); row <= ne; row++ {
		r := img.Raw.Event(row)
		img.events[row-1] = &EventInfo{Token: metadata.NewToken(metadata.TableEvent, row), Name: r.Name, Flags: r.Flags, EventType: r.EventType}
	}
	nmap := img.rows(metadata.TablePropertyMap)
	for row := uint32(1); row <= nmap; row++ {
		r := img.Raw.PropertyMap(row)
		end := np + 1
		if row < nmap {
			end = img.Raw.PropertyMap(row + 1).PropertyList
		}
		c := img.typeDef(r.Parent)
		if c == nil {
			return badImage(img, metadata.NewToken(metadata.TablePropertyMap, row), "parent out of range")
		}
		for p := r.PropertyList; p < end && p <= np; p++ {
			img.properties[p-1].Parent = c
			c.Properties = append(c.Properties, img.properties[p-1])
		}
	}
	nmap = img.rows(metadata.TableEventMap)
	for row := uint32(1); row <= nmap; row++ {
		r := img.Raw.EventMap(row)
		end := ne + 1
		if row < nmap {
			end = img.Raw.EventMap(row + 1).EventList
		}
		c := img.typeDef(r.Parent)
		if c == nil {
			return badImage(img, metadata.NewToken(metadata.TableEventMap, row), "parent out of range")
		}
		for e := r.EventList; e < end && e <= ne; e++ {
			img.events[e-1].Parent = c
			c.Events = append(c.Events, img.events[e-1])
		}
	}
	for row := uint32(1); row <= img.rows(metadata.TableMethodSemantics); row++ {
		r := img.Raw.MethodSemantics(row)
		m := img.method(r.Method)
		if m == nil {
			return badImage(img, metadata.NewToken(metadata.TableMethodSemantics, row), "method out of range")
		}
		switch r.Association.Table() {
		case metadata.TableProperty:
			if r.Association.Row() == 0 || r.Association.Row() > np {
				return badImage(img, r.Association, "property out of range")
			}
			p := img.properties[r.Association.Row()-1]
			switch r.Semantics {
			case metadata.SemanticsGetter:
				p.Getter = m
			case metadata.SemanticsSetter:
				p.Setter = m
			default:
				p.Other = append(p.Other, m)
			}
		case metadata.TableEvent:
			if r.Association.Row() == 0 || r.Association.Row() > ne {
				return badImage(img, r.Association, "event out of range")
			}
			e := img.events[r.Association.Row()-1]
			switch r.Semantics {
			case metadata.SemanticsAddOn:
				e.Add = m
			case metadata.SemanticsRemoveOn:
				e.Remove = m
			case metadata.SemanticsFire:
				e.Raise = m
			default:
				e.Other = append(e.Other, m)
			}
		}
	}
	return nil
}

// initCustomAttributes indexes the CustomAttribute table by parent and
// marks fields carrying [ThreadStatic]. The attributes themselves are
// materialized on first request.
func (img *Image) initCustomAttributes() error {
	n := img.rows(metadata.TableCustomAttribute)
	for row := uint32(1); row <= n; row++ {
		r := img.Raw.CustomAttribute(row)
		rg, ok := img.customAttributeRanges[r.Parent]
		switch {
		case !ok:
			img.customAttributeRanges[r.Parent] = attrRange{start: row, count: 1}
		case rg.start+rg.count == row:
			rg.count++
			img.customAttributeRanges[r.Parent] = rg
		default:
			return badImage(img, r.Parent, "custom attribute table is not sorted by parent")
		}
		if r.Parent.Table() != metadata.TableField {
			continue
		}
		ns, name, err := img.attributeTypeName(r.Type)
		if err != nil {
			return err
		}
		if ns == "System" && name == "ThreadStaticAttribute" {
			f := img.field(r.Parent.Row())
			if f == nil {
				return badImage(img, r.Parent, "attribute parent out of range")
			}
			if f.IsStatic() {
				f.Offset = ThreadStaticOffset
			}
		}
	}
	return nil
}

// attributeTypeName names the type declaring an attribute constructor
// without resolving it.
func (img *Image) attributeTypeName(ctor metadata.Token) (string, string, error) {
	switch ctor.Table() {
	case metadata.TableMethodDef:
		m := img.method(ctor.Row())
		if m == nil {
			return "", "", badImage(img, ctor, "attribute constructor out of range")
		}
		return m.Class.Namespace, m.Class.Name, nil
	case metadata.TableMemberRef:
		parent := img.Raw.MemberRef(ctor.Row()).Class
		switch parent.Table() {
		case metadata.TableTypeRef:
			r := img.Raw.TypeRef(parent.Row())
			return r.Namespace, r.Name, nil
		case metadata.TableTypeDef:
			if c := img.typeDef(parent.Row()); c != nil {
				return c.Namespace, c.Name, nil
			}
		}
		return "", "", nil
	}
	return "", "", badImage(img, ctor, "attribute constructor token")
}

func (img *Image) initClassLayout() error {
	for row := uint32(1); row <= img.rows(metadata.TableClassLayout); row++ {
		r := img.Raw.ClassLayout(row)
		c := img.typeDef(r.Parent)
		if c == nil {
			return badImage(img, metadata.NewToken(metadata.TableClassLayout, row), "parent out of range")
		}
		switch r.PackingSize {
		case 0, 1, 2, 4, 8, 16, 32, 64, 128:
		default:
			return badImage(img, c.Token, "packing size %d", r.PackingSize)
		}
		c.PackingSize, c.ClassSize = r.PackingSize, r.ClassSize
	}
	return nil
}

func (img *Image) initInterfaces() error {
	for _, c := range img.typeDefs {
		ctx := c.Context()
		for _, tok := range c.interfaceTokens {
			iface, err := img.resolveType(tok, ctx)
			if err != nil {
				return err
			}
			if !iface.IsInterface() {
				return badImage(img, tok, "%s implements non-interface %s", c.FullName(), iface.FullName())
			}
			c.Interfaces = append(c.Interfaces, iface)
		}
	}
	return nil
}

func (img *Image) initClassObjects() error {
	for _, c := range img.typeDefs {
		if err := img.rt.ensureClass(c, stateLayout|stateStatics); err != nil {
			return err
		}
	}
	return nil
}

func (img *Image) initVTables() error {
	for _, c := range img.typeDefs {
		if err := img.rt.ensureClass(c, stateComplete); err != nil {
			return err
		}
	}
	return nil
}
