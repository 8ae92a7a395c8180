package vm

import (
	"strconv"
	"strings"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Generic containers
// ---------------------------------------------------------------------------

// GenericContainer is the ordered list of generic parameters owned by one
// type or method.
type GenericContainer struct {
	Owner    metadata.Token
	IsMethod bool
	Params   []*GenericParameter

	open *GenericInst
}

// GenericParameter is one GenericParam row.
type GenericParameter struct {
	Index       EncodedIndex
	Owner       metadata.Token
	Number      int
	Name        string
	Flags       uint16
	Constraints []metadata.Token

	// Class is the placeholder class that stands for this parameter in
	// open (uninstantiated) contexts.
	Class *Class
}

// containerFor returns the container of owner, creating it the first time
// one of its parameters is seen.
func (img *Image) containerFor(owner metadata.Token) *GenericContainer {
	if gc, ok := img.genericContainers[owner]; ok {
		return gc
	}
	gc := &GenericContainer{Owner: owner, IsMethod: owner.Table() == metadata.TableMethodDef}
	img.genericContainers[owner] = gc
	return gc
}

// Arity returns the number of generic parameters.
func (gc *GenericContainer) Arity() int {
	if gc == nil {
		return 0
	}
	return len(gc.Params)
}

// ---------------------------------------------------------------------------
// Instantiations and contexts
// ---------------------------------------------------------------------------

// GenericInst is an interned list of type arguments. Two instantiations
// with the same arguments are the same pointer.
type GenericInst struct {
	Args []*Class
	key  string
}

func (gi *GenericInst) String() string {
	if gi == nil {
		return ""
	}
	names := make([]string, len(gi.Args))
	for i, a := range gi.Args {
		names[i] = a.FullName()
	}
	return "<" + strings.Join(names, ",") + ">"
}

// IsOpen reports whether any argument is a generic parameter placeholder.
func (gi *GenericInst) IsOpen() bool {
	if gi == nil {
		return false
	}
	for _, a := range gi.Args {
		if a.ContainsGenericParameters() {
			return true
		}
	}
	return false
}

// GenericContext supplies the class and method type arguments used to
// resolve VAR and MVAR signature elements. It is comparable and is used
// as part of cache keys.
type GenericContext struct {
	Class  *GenericInst
	Method *GenericInst
}

// IsEmpty reports whether the context carries no arguments.
func (ctx GenericContext) IsEmpty() bool { return ctx.Class == nil && ctx.Method == nil }

// Inst interns an instantiation.
func (rt *Runtime) Inst(args ...*Class) *GenericInst {
	if len(args) == 0 {
		return nil
	}
	var sb strings.Builder
	for i, a := range args {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(a.id, 36))
	}
	key := sb.String()
	if gi, ok := rt.genericInsts.Load(key); ok {
		return gi.(*GenericInst)
	}
	gi, _ := rt.genericInsts.LoadOrStore(key, &GenericInst{Args: append([]*Class(nil), args...), key: key})
	return gi.(*GenericInst)
}

// substituteInst replaces placeholders inside inst using ctx.
func (rt *Runtime) substituteInst(inst *GenericInst, ctx GenericContext) *GenericInst {
	if inst == nil || !inst.IsOpen() {
		return inst
	}
	args := make([]*Class, len(inst.Args))
	for i, a := range inst.Args {
		args[i] = rt.substitute(a, ctx)
	}
	return rt.Inst(args...)
}

// substitute replaces generic parameter placeholders in c using ctx.
func (rt *Runtime) substitute(c *Class, ctx GenericContext) *Class {
	if c == nil || !c.ContainsGenericParameters() {
		return c
	}
	switch c.Kind {
	case KindGenericParam:
		gp := c.GenericParam
		var inst *GenericInst
		if gp == nil || gp.Owner.Table() == metadata.TableMethodDef || gp.Owner.IsNil() {
			inst = ctx.Method
		} else {
			inst = ctx.Class
		}
		n := c.paramNumber()
		if inst != nil && n < len(inst.Args) {
			return inst.Args[n]
		}
		return c
	case KindSZArray:
		return rt.ArrayClass(rt.substitute(c.Element, ctx), 1, true)
	case KindArray:
		return rt.ArrayClass(rt.substitute(c.Element, ctx), c.Rank, false)
	case KindPointer:
		return rt.PointerClass(rt.substitute(c.Element, ctx))
	case KindByRef:
		return rt.ByRefClass(rt.substitute(c.Element, ctx))
	}
	if c.GenericDef != nil {
		return rt.inflateClass(c.GenericDef, rt.substituteInst(c.Inst, ctx))
	}
	return c
}

// ---------------------------------------------------------------------------
// Method variable placeholders
// ---------------------------------------------------------------------------

// mvarClass returns the canonical placeholder for method type parameter n.
// Signatures of uninstantiated generic methods resolve MVAR to these, so
// two generic method signatures compare equal position by position.
func (rt *Runtime) mvarClass(n int) *Class {
	if c, ok := rt.mvars.Load(n); ok {
		return c.(*Class)
	}
	c := rt.newClass(nil, 0)
	c.Kind = KindGenericParam
	c.Name = "!!" + strconv.Itoa(n)
	c.mvarNumber = n
	c.Flags = metadata.TypePublic
	got, _ := rt.mvars.LoadOrStore(n, c)
	return got.(*Class)
}

// paramNumber returns the position of a placeholder class.
func (c *Class) paramNumber() int {
	if c.GenericParam != nil {
		return c.GenericParam.Number
	}
	return c.mvarNumber
}

// ---------------------------------------------------------------------------
// Inflation
// ---------------------------------------------------------------------------

type genericClassKey struct {
	def  *Class
	inst *GenericInst
}

type genericMethodKey struct {
	def        *MethodInfo
	class      *Class
	methodInst *GenericInst
}

// inflateClass returns the instantiation of the generic definition def.
// The result is interned; its members are filled lazily by ensureClass.
// Callers hold rt.metadataLock.
func (rt *Runtime) inflateClass(def *Class, inst *GenericInst) *Class {
	if inst == nil || def.GenericContainer == nil {
		return def
	}
	key := genericClassKey{def, inst}
	if c, ok := rt.genericClasses.Load(key); ok {
		return c.(*Class)
	}
	c := rt.newClass(def.Image, def.Token)
	c.Namespace, c.Name, c.Flags = def.Namespace, def.Name, def.Flags
	c.Kind, c.ElemType, c.IsEnum = def.Kind, def.ElemType, def.IsEnum
	c.DeclaringType = def.DeclaringType
	c.GenericDef, c.Inst = def, inst
	c.PackingSize, c.ClassSize = def.PackingSize, def.ClassSize
	rt.genericClasses.Store(key, c)
	rt.log.Debugf("inflated %s", c.FullName())
	return c
}

// inflateMembers fills fields and methods of an inflated class from its
// definition.
func (rt *Runtime) inflateMembers(c *Class) error {
	def := c.GenericDef
	if err := rt.ensureClass(def, stateMembers); err != nil {
		return err
	}
	ctx := c.Context()
	if !def.extends.IsNil() {
		p, err := def.Image.resolveType(def.extends, ctx)
		if err != nil {
			return err
		}
		c.Parent = p
	}
	c.Fields = make([]*FieldInfo, len(def.Fields))
	for i, f := range def.Fields {
		nf := *f
		nf.Parent, nf.Def, nf.typ = c, f, nil
		c.Fields[i] = &nf
	}
	c.Methods = make([]*MethodInfo, len(def.Methods))
	for i, m := range def.Methods {
		c.Methods[i] = rt.inflateMethodIn(m, c, nil)
	}
	c.HasCctor, c.HasFinalizer = def.HasCctor, def.HasFinalizer
	for _, tok := range def.interfaceTokens {
		iface, err := def.Image.resolveType(tok, ctx)
		if err != nil {
			return err
		}
		c.Interfaces = append(c.Interfaces, iface)
	}
	c.methodImpls = def.methodImpls
	return nil
}

// inflateMethodIn returns m as a member of class c (an instantiation of
// m's declaring definition), optionally instantiated with methodInst.
func (rt *Runtime) inflateMethodIn(m *MethodInfo, c *Class, methodInst *GenericInst) *MethodInfo {
	def := m
	if m.Def != nil {
		def = m.Def
	}
	if c == def.Class && methodInst == nil {
		return def
	}
	key := genericMethodKey{def, c, methodInst}
	if im, ok := rt.genericMethods.Load(key); ok {
		return im.(*MethodInfo)
	}
	im := &MethodInfo{
		Class:            c,
		Token:            def.Token,
		Index:            def.Index,
		Name:             def.Name,
		Flags:            def.Flags,
		ImplFlags:        def.ImplFlags,
		RVA:              def.RVA,
		Sig:              def.Sig,
		Params:           def.Params,
		GenericContainer: def.GenericContainer,
		Def:              def,
		Inst:             methodInst,
		Body:             def.Body,
		Slot:             m.Slot,
		sigErr:           def.sigErr,
	}
	got, _ := rt.genericMethods.LoadOrStore(key, im)
	return got.(*MethodInfo)
}

// InflateMethod instantiates the generic method m with args.
func (rt *Runtime) InflateMethod(m *MethodInfo, args ...*Class) *MethodInfo {
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	return rt.inflateMethodIn(m, m.Class, rt.Inst(args...))
}

// InflateClass instantiates the generic type definition def with args.
func (rt *Runtime) InflateClass(def *Class, args ...*Class) (*Class, error) {
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	c := rt.inflateClass(def, rt.Inst(args...))
	if err := rt.ensureClass(c, stateComplete); err != nil {
		return nil, err
	}
	return c, nil
}
