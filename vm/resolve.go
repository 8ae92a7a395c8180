package vm

import (
	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Token resolution
//
// The resolveX helpers run under rt.metadataLock. The exported GetXFromToken
// methods are the cached entry points: a lock-free sync.Map probe, then the
// lock, a second probe and the insert.
// ---------------------------------------------------------------------------

// resolveType resolves a TypeDef, TypeRef or TypeSpec token in ctx.
func (img *Image) resolveType(tok metadata.Token, ctx GenericContext) (*Class, error) {
	switch tok.Table() {
	case metadata.TableTypeDef:
		if c := img.typeDef(tok.Row()); c != nil {
			return c, nil
		}
	case metadata.TableTypeRef:
		if tok.Row() > 0 && tok.Row() <= img.rows(metadata.TableTypeRef) {
			return img.resolveTypeRef(tok.Row())
		}
	case metadata.TableTypeSpec:
		if tok.Row() > 0 && tok.Row() <= img.rows(metadata.TableTypeSpec) {
			t, err := img.typeSpec(tok.Row())
			if err != nil {
				return nil, err
			}
			return img.rt.classFromSig(img, t, ctx)
		}
	default:
		return nil, badImage(img, tok, "not a type token")
	}
	return nil, badImage(img, tok, "type token out of range")
}

// resolveTypeRef follows a TypeRef to the image that defines it.
func (img *Image) resolveTypeRef(row uint32) (*Class, error) {
	if c, ok := img.typeRefs.Load(row); ok {
		return c.(*Class), nil
	}
	tok := metadata.NewToken(metadata.TableTypeRef, row)
	r := img.Raw.TypeRef(row)
	var c *Class
	switch scope := r.ResolutionScope; scope.Table() {
	case metadata.TableAssemblyRef:
		if scope.Row() == 0 || scope.Row() > img.rows(metadata.TableAssemblyRef) {
			return nil, badImage(img, tok, "assembly reference out of range")
		}
		target, err := img.rt.resolveAssembly(img.Raw.AssemblyRef(scope.Row()).Name)
		if err != nil {
			return nil, notFound(img, ExTypeLoad, tok, "%s.%s: %v", r.Namespace, r.Name, err)
		}
		c = target.FindType(r.Namespace, r.Name)
	case metadata.TableTypeRef:
		outer, err := img.resolveTypeRef(scope.Row())
		if err != nil {
			return nil, err
		}
		c = outer.FindNested(r.Name)
	case metadata.TableModule:
		c = img.FindType(r.Namespace, r.Name)
	case metadata.TableModuleRef:
		return nil, unsupported(img.Name, "multi-module assembly reference to %s.%s", r.Namespace, r.Name)
	default:
		if scope.IsNil() {
			return nil, unsupported(img.Name, "exported type %s.%s", r.Namespace, r.Name)
		}
		return nil, badImage(img, tok, "resolution scope %s", scope)
	}
	if c == nil {
		return nil, notFound(img, ExTypeLoad, tok, "%s.%s", r.Namespace, r.Name)
	}
	img.typeRefs.Store(row, c)
	return c, nil
}

// resolveMethod resolves a MethodDef, MemberRef or MethodSpec token.
func (img *Image) resolveMethod(tok metadata.Token, ctx GenericContext) (*MethodInfo, error) {
	switch tok.Table() {
	case metadata.TableMethodDef:
		if m := img.method(tok.Row()); m != nil {
			return m, nil
		}
		return nil, badImage(img, tok, "method token out of range")
	case metadata.TableMemberRef:
		if tok.Row() == 0 || tok.Row() > img.rows(metadata.TableMemberRef) {
			return nil, badImage(img, tok, "member reference out of range")
		}
		return img.resolveMethodRef(tok, ctx)
	case metadata.TableMethodSpec:
		if tok.Row() == 0 || tok.Row() > img.rows(metadata.TableMethodSpec) {
			return nil, badImage(img, tok, "method spec out of range")
		}
		r := img.Raw.MethodSpec(tok.Row())
		m, err := img.resolveMethod(r.Method, ctx)
		if err != nil {
			return nil, err
		}
		sigs, err := img.ParseMethodSpecSig(r.Instantiation)
		if err != nil {
			return nil, err
		}
		if len(sigs) != m.GenericContainer.Arity() {
			return nil, badImage(img, tok, "%s takes %d type arguments, got %d", m.FullName(), m.GenericContainer.Arity(), len(sigs))
		}
		args := make([]*Class, len(sigs))
		for i, s := range sigs {
			if args[i], err = img.rt.classFromSig(img, s, ctx); err != nil {
				return nil, err
			}
		}
		return img.rt.inflateMethodIn(m, m.Class, img.rt.Inst(args...)), nil
	}
	return nil, badImage(img, tok, "not a method token")
}

// memberRefIsField reports whether a MemberRef's signature is a FieldSig.
func (img *Image) memberRefIsField(row uint32) (bool, error) {
	data, err := img.Raw.Blob(img.Raw.MemberRef(row).Signature)
	if err != nil || len(data) == 0 {
		return false, badImage(img, metadata.NewToken(metadata.TableMemberRef, row), "member signature")
	}
	return data[0]&metadata.CallConvMask == metadata.CallConvField, nil
}

// memberParent resolves the class a MemberRef is declared on.
func (img *Image) memberParent(tok metadata.Token, parent metadata.Token, ctx GenericContext) (*Class, error) {
	switch parent.Table() {
	case metadata.TableTypeDef, metadata.TableTypeRef, metadata.TableTypeSpec:
		c, err := img.resolveType(parent, ctx)
		if err != nil {
			return nil, err
		}
		if err := img.rt.ensureClass(c, stateMembers); err != nil {
			return nil, err
		}
		return c, nil
	case metadata.TableModuleRef:
		return nil, unsupported(img.Name, "global member reference")
	case metadata.TableMethodDef:
		return nil, unsupported(img.Name, "vararg call site")
	}
	return nil, badImage(img, tok, "member reference parent %s", parent)
}

func (img *Image) resolveMethodRef(tok metadata.Token, ctx GenericContext) (*MethodInfo, error) {
	r := img.Raw.MemberRef(tok.Row())
	isField, err := img.memberRefIsField(tok.Row())
	if err != nil {
		return nil, err
	}
	if isField {
		return nil, badImage(img, tok, "field reference used as a method")
	}
	c, err := img.memberParent(tok, r.Class, ctx)
	if err != nil {
		return nil, err
	}
	sig, err := img.ParseMethodSig(r.Signature)
	if err != nil {
		return nil, err
	}
	if c.IsArray() {
		return img.rt.arrayMethod(c, r.Name, sig, img)
	}
	want, err := img.refSigClasses(sig, GenericContext{Class: c.Context().Class})
	if err != nil {
		return nil, err
	}
	for k := c; k != nil; k = k.Parent {
		if err := img.rt.ensureClass(k, stateMembers); err != nil {
			return nil, err
		}
		for _, m := range k.Methods {
			if m.Name != r.Name || m.sigErr != nil || len(m.Sig.Params) != len(sig.Params) ||
				m.Sig.Arity != sig.Arity || m.Sig.HasThis != sig.HasThis {
				continue
			}
			have, err := img.rt.methodSigClasses(m)
			if err != nil {
				return nil, err
			}
			if sameClasses(have, want) {
				return m, nil
			}
		}
	}
	return nil, notFound(img, ExMissingMethod, tok, "%s::%s", c.FullName(), r.Name)
}

// refSigClasses resolves a referencing signature the same way
// methodSigClasses resolves a definition: method type variables stay as
// placeholders.
func (img *Image) refSigClasses(sig *MethodSig, ctx GenericContext) ([]*Class, error) {
	out := make([]*Class, 0, len(sig.Params)+1)
	if sig.Ret.Elem == metadata.ElementVoid {
		out = append(out, nil)
	} else {
		c, err := img.rt.classFromSig(img, sig.Ret, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	for _, p := range sig.Params {
		c, err := img.rt.classFromSig(img, p, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func sameClasses(a, b []*Class) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resolveField resolves a Field or MemberRef token.
func (img *Image) resolveField(tok metadata.Token, ctx GenericContext) (*FieldInfo, error) {
	switch tok.Table() {
	case metadata.TableField:
		if f := img.field(tok.Row()); f != nil {
			return f, nil
		}
		return nil, badImage(img, tok, "field token out of range")
	case metadata.TableMemberRef:
		if tok.Row() == 0 || tok.Row() > img.rows(metadata.TableMemberRef) {
			return nil, badImage(img, tok, "member reference out of range")
		}
		isField, err := img.memberRefIsField(tok.Row())
		if err != nil {
			return nil, err
		}
		if !isField {
			return nil, badImage(img, tok, "method reference used as a field")
		}
		r := img.Raw.MemberRef(tok.Row())
		c, err := img.memberParent(tok, r.Class, ctx)
		if err != nil {
			return nil, err
		}
		for k := c; k != nil; k = k.Parent {
			if err := img.rt.ensureClass(k, stateMembers); err != nil {
				return nil, err
			}
			for _, f := range k.Fields {
				if f.Name == r.Name {
					return f, nil
				}
			}
		}
		return nil, notFound(img, ExMissingField, tok, "%s::%s", c.FullName(), r.Name)
	}
	return nil, badImage(img, tok, "not a field token")
}

// ---------------------------------------------------------------------------
// Array pseudo-methods
// ---------------------------------------------------------------------------

type arrayMethodKey struct {
	class *Class
	name  string
}

// arrayMethod returns the runtime-provided method name (Get, Set, Address
// or .ctor) of an array class. Its signature comes from the call site.
func (rt *Runtime) arrayMethod(c *Class, name string, sig *MethodSig, img *Image) (*MethodInfo, error) {
	switch name {
	case "Get", "Set", "Address", ".ctor":
	default:
		if arr := rt.corlib.Array; arr != nil {
			for k := arr; k != nil; k = k.Parent {
				if m := k.FindMethod(name, len(sig.Params)); m != nil && m.HasThis() == sig.HasThis {
					return m, nil
				}
			}
		}
		return nil, notFound(img, ExMissingMethod, 0, "%s::%s", c.FullName(), name)
	}
	key := arrayMethodKey{c, name}
	if m, ok := rt.arrayMethods.Load(key); ok {
		return m.(*MethodInfo), nil
	}
	m := &MethodInfo{
		Class:     c,
		Name:      name,
		Flags:     metadata.MethodPublic | metadata.MethodHideBySig,
		ImplFlags: metadata.MethodImplRuntime,
		Sig:       sig,
		Params:    make([]*ParamInfo, len(sig.Params)+1),
		Slot:      -1,
		sigImg:    img,
	}
	if name == ".ctor" {
		m.Flags |= metadata.MethodSpecialName | metadata.MethodRTSpecialName
	}
	got, _ := rt.arrayMethods.LoadOrStore(key, m)
	return got.(*MethodInfo), nil
}

// ---------------------------------------------------------------------------
// Cached entry points
// ---------------------------------------------------------------------------

// cacheKey drops the context for tokens whose meaning cannot depend on it.
func cacheKey(tok metadata.Token, ctx GenericContext) tokenKey {
	switch tok.Table() {
	case metadata.TableTypeDef, metadata.TableTypeRef, metadata.TableMethodDef, metadata.TableField:
		ctx = GenericContext{}
	}
	return tokenKey{tok, ctx}
}

// GetClassFromToken resolves a type token in ctx and completes the class.
func (img *Image) GetClassFromToken(tok metadata.Token, ctx GenericContext) (*Class, error) {
	if c, ok := img.classCache.Load(cacheKey(tok, ctx)); ok {
		return c.(*Class), nil
	}
	img.rt.metadataLock.Lock()
	defer img.rt.metadataLock.Unlock()
	return img.classFromToken(tok, ctx)
}

func (img *Image) classFromToken(tok metadata.Token, ctx GenericContext) (*Class, error) {
	key := cacheKey(tok, ctx)
	if c, ok := img.classCache.Load(key); ok {
		return c.(*Class), nil
	}
	c, err := img.resolveType(tok, ctx)
	if err != nil {
		return nil, err
	}
	if err := img.rt.ensureClass(c, stateComplete); err != nil {
		return nil, err
	}
	img.classCache.Store(key, c)
	return c, nil
}

// GetMethodInfoFromToken resolves a method token in ctx. The declaring
// class is completed.
func (img *Image) GetMethodInfoFromToken(tok metadata.Token, ctx GenericContext) (*MethodInfo, error) {
	if m, ok := img.methodCache.Load(cacheKey(tok, ctx)); ok {
		return m.(*MethodInfo), nil
	}
	img.rt.metadataLock.Lock()
	defer img.rt.metadataLock.Unlock()
	return img.methodFromToken(tok, ctx)
}

func (img *Image) methodFromToken(tok metadata.Token, ctx GenericContext) (*MethodInfo, error) {
	key := cacheKey(tok, ctx)
	if m, ok := img.methodCache.Load(key); ok {
		return m.(*MethodInfo), nil
	}
	m, err := img.resolveMethod(tok, ctx)
	if err != nil {
		return nil, err
	}
	if err := img.rt.ensureClass(m.Class, stateComplete); err != nil {
		return nil, err
	}
	img.methodCache.Store(key, m)
	return m, nil
}

// GetFieldInfoFromToken resolves a field token in ctx. The owning class
// is completed.
func (img *Image) GetFieldInfoFromToken(tok metadata.Token, ctx GenericContext) (*FieldInfo, error) {
	if f, ok := img.fieldCache.Load(cacheKey(tok, ctx)); ok {
		return f.(*FieldInfo), nil
	}
	img.rt.metadataLock.Lock()
	defer img.rt.metadataLock.Unlock()
	return img.fieldFromToken(tok, ctx)
}

func (img *Image) fieldFromToken(tok metadata.Token, ctx GenericContext) (*FieldInfo, error) {
	key := cacheKey(tok, ctx)
	if f, ok := img.fieldCache.Load(key); ok {
		return f.(*FieldInfo), nil
	}
	f, err := img.resolveField(tok, ctx)
	if err != nil {
		return nil, err
	}
	if err := img.rt.ensureClass(f.Parent, stateComplete); err != nil {
		return nil, err
	}
	img.fieldCache.Store(key, f)
	return f, nil
}

// GetRuntimeHandleFromToken resolves the operand of ldtoken: a *Class,
// *MethodInfo or *FieldInfo.
func (img *Image) GetRuntimeHandleFromToken(tok metadata.Token, ctx GenericContext) (any, error) {
	switch tok.Table() {
	case metadata.TableTypeDef, metadata.TableTypeRef, metadata.TableTypeSpec:
		return img.GetClassFromToken(tok, ctx)
	case metadata.TableMethodDef, metadata.TableMethodSpec:
		return img.GetMethodInfoFromToken(tok, ctx)
	case metadata.TableField:
		return img.GetFieldInfoFromToken(tok, ctx)
	case metadata.TableMemberRef:
		if tok.Row() == 0 || tok.Row() > img.rows(metadata.TableMemberRef) {
			return nil, badImage(img, tok, "member reference out of range")
		}
		isField, err := img.memberRefIsField(tok.Row())
		if err != nil {
			return nil, err
		}
		if isField {
			return img.GetFieldInfoFromToken(tok, ctx)
		}
		return img.GetMethodInfoFromToken(tok, ctx)
	}
	return nil, badImage(img, tok, "not a handle token")
}

// GetUserString returns the interned string object of an ldstr token.
func (img *Image) GetUserString(tok metadata.Token) (*Object, error) {
	if tok.Table() != metadata.TokenUserString {
		return nil, badImage(img, tok, "not a string token")
	}
	if o, ok := img.userStrings.Load(tok.Row()); ok {
		return o.(*Object), nil
	}
	chars, err := img.Raw.UserStrings.GetUTF16(tok.Row())
	if err != nil {
		return nil, badImage(img, tok, "user string: %v", err)
	}
	o, _ := img.userStrings.LoadOrStore(tok.Row(), img.rt.Host.NewString(chars))
	return o.(*Object), nil
}

// LocalsSig returns the decoded local variable types of a StandAloneSig.
func (img *Image) LocalsSig(tok metadata.Token) ([]*TypeSig, error) {
	if tok.IsNil() {
		return nil, nil
	}
	if tok.Table() != metadata.TableStandAloneSig || tok.Row() > img.rows(metadata.TableStandAloneSig) {
		return nil, badImage(img, tok, "locals signature token")
	}
	if l, ok := img.localSigs.Load(tok); ok {
		return l.([]*TypeSig), nil
	}
	locals, err := img.ParseLocalsSig(img.Raw.StandAloneSig(tok.Row()).Signature)
	if err != nil {
		return nil, err
	}
	img.localSigs.Store(tok, locals)
	return locals, nil
}

// StandAloneMethodSig decodes the call site signature of a calli token.
func (img *Image) StandAloneMethodSig(tok metadata.Token) (*MethodSig, error) {
	if tok.Table() != metadata.TableStandAloneSig || tok.Row() == 0 || tok.Row() > img.rows(metadata.TableStandAloneSig) {
		return nil, badImage(img, tok, "call site signature token")
	}
	return img.ParseMethodSig(img.Raw.StandAloneSig(tok.Row()).Signature)
}
