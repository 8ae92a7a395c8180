package vm

import (
	"fmt"
	"strings"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Decoded signatures
// ---------------------------------------------------------------------------

// TypeSig is a decoded type signature. It stays token based; classFromSig
// turns it into a Class for a given generic context.
type TypeSig struct {
	Elem  metadata.ElementType
	Token metadata.Token // class, valuetype, generic definition
	Inner *TypeSig       // ptr, byref, szarray, array
	Args  []*TypeSig     // generic instantiation arguments
	Index int            // var, mvar

	Rank        int
	Sizes       []uint32
	LowerBounds []int32

	FnPtr  *MethodSig
	Pinned bool
}

// MethodSig is a decoded method or property signature.
type MethodSig struct {
	Conv         byte
	HasThis      bool
	ExplicitThis bool
	Arity        int
	Ret          *TypeSig
	Params       []*TypeSig
}

var voidSig = &TypeSig{Elem: metadata.ElementVoid}

func (t *TypeSig) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Elem {
	case metadata.ElementClass, metadata.ElementValueType:
		return t.Elem.String() + " " + t.Token.String()
	case metadata.ElementPtr:
		return t.Inner.String() + "*"
	case metadata.ElementByRef:
		return t.Inner.String() + "&"
	case metadata.ElementSZArray:
		return t.Inner.String() + "[]"
	case metadata.ElementArray:
		return t.Inner.String() + "[" + strings.Repeat(",", t.Rank-1) + "]"
	case metadata.ElementVar:
		return fmt.Sprintf("!%d", t.Index)
	case metadata.ElementMVar:
		return fmt.Sprintf("!!%d", t.Index)
	case metadata.ElementGenericInst:
		args := make([]string, len(t.Args))
		for i, a := range t.Args {
			args[i] = a.String()
		}
		return t.Token.String() + "<" + strings.Join(args, ",") + ">"
	}
	return t.Elem.String()
}

// shapeCode is the one-letter storage class used in native call shapes.
func (t *TypeSig) shapeCode() string {
	switch t.Elem {
	case metadata.ElementVoid:
		return "v"
	case metadata.ElementBoolean, metadata.ElementChar, metadata.ElementI1, metadata.ElementU1,
		metadata.ElementI2, metadata.ElementU2, metadata.ElementI4, metadata.ElementU4:
		return "i4"
	case metadata.ElementI8, metadata.ElementU8, metadata.ElementI, metadata.ElementU,
		metadata.ElementPtr, metadata.ElementFnPtr:
		return "i8"
	case metadata.ElementR4, metadata.ElementR8:
		return "f"
	case metadata.ElementByRef:
		return "r"
	case metadata.ElementValueType, metadata.ElementGenericInst, metadata.ElementVar, metadata.ElementMVar:
		return "s"
	}
	return "o"
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

type sigParser struct {
	img *Image
	r   *metadata.BlobReader
}

func (img *Image) newSigParser(blob uint32) (*sigParser, error) {
	data, err := img.Raw.Blob(blob)
	if err != nil {
		return nil, badImage(img, 0, "signature blob %#x: %v", blob, err)
	}
	return &sigParser{img: img, r: metadata.NewBlobReader(data)}, nil
}

func (p *sigParser) err(format string, args ...any) error {
	if p.r.Err() != nil {
		return badImage(p.img, 0, "truncated signature: %v", p.r.Err())
	}
	return badImage(p.img, 0, format, args...)
}

// typ decodes one Type production (ECMA-335 II.23.2.12).
func (p *sigParser) typ() (*TypeSig, error) {
	// Custom modifiers are recognized and dropped.
	for {
		e := metadata.ElementType(p.r.PeekByte())
		if e != metadata.ElementCModReqd && e != metadata.ElementCModOpt {
			break
		}
		p.r.ReadByte()
		p.r.ReadTypeDefOrRefEncoded()
	}
	e := metadata.ElementType(p.r.ReadByte())
	if p.r.Err() != nil {
		return nil, p.err("")
	}
	t := &TypeSig{Elem: e}
	switch {
	case e.IsPrimitive(), e == metadata.ElementVoid, e == metadata.ElementString,
		e == metadata.ElementObject, e == metadata.ElementTypedByRef:
	case e == metadata.ElementClass || e == metadata.ElementValueType:
		t.Token = p.r.ReadTypeDefOrRefEncoded()
	case e == metadata.ElementPtr || e == metadata.ElementByRef || e == metadata.ElementSZArray:
		inner, err := p.typ()
		if err != nil {
			return nil, err
		}
		t.Inner = inner
	case e == metadata.ElementPinned:
		inner, err := p.typ()
		if err != nil {
			return nil, err
		}
		inner.Pinned = true
		return inner, nil
	case e == metadata.ElementVar || e == metadata.ElementMVar:
		t.Index = int(p.r.ReadCompressedUint())
	case e == metadata.ElementArray:
		inner, err := p.typ()
		if err != nil {
			return nil, err
		}
		t.Inner = inner
		t.Rank = int(p.r.ReadCompressedUint())
		if t.Rank == 0 {
			return nil, p.err("array of rank 0")
		}
		n := p.r.ReadCompressedUint()
		for i := uint32(0); i < n && p.r.Err() == nil; i++ {
			t.Sizes = append(t.Sizes, p.r.ReadCompressedUint())
		}
		n = p.r.ReadCompressedUint()
		for i := uint32(0); i < n && p.r.Err() == nil; i++ {
			t.LowerBounds = append(t.LowerBounds, p.r.ReadCompressedInt())
		}
	case e == metadata.ElementGenericInst:
		kind := metadata.ElementType(p.r.ReadByte())
		if kind != metadata.ElementClass && kind != metadata.ElementValueType {
			return nil, p.err("generic instantiation of %s", kind)
		}
		t.Token = p.r.ReadTypeDefOrRefEncoded()
		n := p.r.ReadCompressedUint()
		if n == 0 {
			return nil, p.err("generic instantiation without arguments")
		}
		for i := uint32(0); i < n; i++ {
			a, err := p.typ()
			if err != nil {
				return nil, err
			}
			t.Args = append(t.Args, a)
		}
	case e == metadata.ElementFnPtr:
		ms, err := p.method()
		if err != nil {
			return nil, err
		}
		t.FnPtr = ms
	default:
		return nil, unsupported(p.img.Name, "signature element %s", e)
	}
	if p.r.Err() != nil {
		return nil, p.err("")
	}
	return t, nil
}

// method decodes a MethodDefSig, MethodRefSig or StandAloneMethodSig.
func (p *sigParser) method() (*MethodSig, error) {
	conv := p.r.ReadByte()
	switch kind := conv & metadata.CallConvMask; kind {
	case metadata.CallConvDefault:
	case metadata.CallConvVarArg:
		return nil, unsupported(p.img.Name, "vararg calling convention")
	case metadata.CallConvC, metadata.CallConvStdCall, metadata.CallConvThisCall,
		metadata.CallConvFastCall, metadata.CallConvUnmanaged:
		return nil, unsupported(p.img.Name, "unmanaged calling convention %#x", kind)
	default:
		return nil, p.err("calling convention %#x is not a method signature", conv)
	}
	ms := &MethodSig{
		Conv:         conv,
		HasThis:      conv&metadata.CallConvHasThis != 0,
		ExplicitThis: conv&metadata.CallConvExplicitThis != 0,
	}
	if conv&metadata.CallConvGeneric != 0 {
		ms.Arity = int(p.r.ReadCompressedUint())
	}
	n := p.r.ReadCompressedUint()
	ret, err := p.retOrParam()
	if err != nil {
		return nil, err
	}
	ms.Ret = ret
	for i := uint32(0); i < n; i++ {
		if metadata.ElementType(p.r.PeekByte()) == metadata.ElementSentinel {
			return nil, unsupported(p.img.Name, "vararg sentinel")
		}
		t, err := p.retOrParam()
		if err != nil {
			return nil, err
		}
		ms.Params = append(ms.Params, t)
	}
	return ms, nil
}

// retOrParam decodes a RetType or Param production.
func (p *sigParser) retOrParam() (*TypeSig, error) {
	return p.typ()
}

// ParseMethodSig decodes the method signature in blob.
func (img *Image) ParseMethodSig(blob uint32) (*MethodSig, error) {
	p, err := img.newSigParser(blob)
	if err != nil {
		return nil, err
	}
	return p.method()
}

// ParseFieldSig decodes a FieldSig.
func (img *Image) ParseFieldSig(blob uint32) (*TypeSig, error) {
	p, err := img.newSigParser(blob)
	if err != nil {
		return nil, err
	}
	if conv := p.r.ReadByte(); conv&metadata.CallConvMask != metadata.CallConvField {
		return nil, p.err("field signature starts with %#x", conv)
	}
	return p.typ()
}

// ParsePropertySig decodes a PropertySig.
func (img *Image) ParsePropertySig(blob uint32) (*MethodSig, error) {
	p, err := img.newSigParser(blob)
	if err != nil {
		return nil, err
	}
	conv := p.r.ReadByte()
	if conv&metadata.CallConvMask != metadata.CallConvProperty {
		return nil, p.err("property signature starts with %#x", conv)
	}
	ms := &MethodSig{Conv: conv, HasThis: conv&metadata.CallConvHasThis != 0}
	n := p.r.ReadCompressedUint()
	if ms.Ret, err = p.typ(); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		t, err := p.typ()
		if err != nil {
			return nil, err
		}
		ms.Params = append(ms.Params, t)
	}
	return ms, nil
}

// ParseLocalsSig decodes a LocalVarSig.
func (img *Image) ParseLocalsSig(blob uint32) ([]*TypeSig, error) {
	p, err := img.newSigParser(blob)
	if err != nil {
		return nil, err
	}
	if conv := p.r.ReadByte(); conv != metadata.CallConvLocalSig {
		return nil, p.err("locals signature starts with %#x", conv)
	}
	n := p.r.ReadCompressedUint()
	locals := make([]*TypeSig, 0, n)
	for i := uint32(0); i < n; i++ {
		t, err := p.typ()
		if err != nil {
			return nil, err
		}
		locals = append(locals, t)
	}
	return locals, nil
}

// ParseMethodSpecSig decodes a MethodSpec instantiation blob.
func (img *Image) ParseMethodSpecSig(blob uint32) ([]*TypeSig, error) {
	p, err := img.newSigParser(blob)
	if err != nil {
		return nil, err
	}
	if conv := p.r.ReadByte(); conv != metadata.CallConvGenInst {
		return nil, p.err("method spec starts with %#x", conv)
	}
	n := p.r.ReadCompressedUint()
	args := make([]*TypeSig, 0, n)
	for i := uint32(0); i < n; i++ {
		t, err := p.typ()
		if err != nil {
			return nil, err
		}
		args = append(args, t)
	}
	return args, nil
}

// typeSpec returns the decoded signature of TypeSpec row, caching it in the
// append-only type table.
func (img *Image) typeSpec(row uint32) (*TypeSig, error) {
	if i, ok := img.typeSpecIndex.Load(row); ok {
		img.typesMu.RLock()
		defer img.typesMu.RUnlock()
		return img.types[i.(int)], nil
	}
	p, err := img.newSigParser(img.Raw.TypeSpec(row).Signature)
	if err != nil {
		return nil, err
	}
	t, err := p.typ()
	if err != nil {
		return nil, err
	}
	img.typesMu.Lock()
	img.types = append(img.types, t)
	i := len(img.types) - 1
	img.typesMu.Unlock()
	img.typeSpecIndex.Store(row, i)
	return t, nil
}

// ---------------------------------------------------------------------------
// From signatures to classes
// ---------------------------------------------------------------------------

// classFromSig resolves t in ctx. Callers hold rt.metadataLock.
func (rt *Runtime) classFromSig(img *Image, t *TypeSig, ctx GenericContext) (*Class, error) {
	switch t.Elem {
	case metadata.ElementClass, metadata.ElementValueType:
		return img.resolveType(t.Token, ctx)
	case metadata.ElementVar:
		if ctx.Class == nil || t.Index >= len(ctx.Class.Args) {
			return nil, badImage(img, 0, "type variable !%d outside a generic type", t.Index)
		}
		return ctx.Class.Args[t.Index], nil
	case metadata.ElementMVar:
		if ctx.Method == nil {
			return rt.mvarClass(t.Index), nil
		}
		if t.Index >= len(ctx.Method.Args) {
			return nil, badImage(img, 0, "method variable !!%d out of range", t.Index)
		}
		return ctx.Method.Args[t.Index], nil
	case metadata.ElementSZArray:
		e, err := rt.classFromSig(img, t.Inner, ctx)
		if err != nil {
			return nil, err
		}
		return rt.ArrayClass(e, 1, true), nil
	case metadata.ElementArray:
		e, err := rt.classFromSig(img, t.Inner, ctx)
		if err != nil {
			return nil, err
		}
		return rt.ArrayClass(e, t.Rank, false), nil
	case metadata.ElementPtr:
		e, err := rt.classFromSig(img, t.Inner, ctx)
		if err != nil {
			return nil, err
		}
		return rt.PointerClass(e), nil
	case metadata.ElementByRef:
		e, err := rt.classFromSig(img, t.Inner, ctx)
		if err != nil {
			return nil, err
		}
		return rt.ByRefClass(e), nil
	case metadata.ElementGenericInst:
		def, err := img.resolveType(t.Token, GenericContext{})
		if err != nil {
			return nil, err
		}
		if def.GenericContainer.Arity() != len(t.Args) {
			return nil, badImage(img, t.Token, "%s takes %d type arguments, got %d",
				def.FullName(), def.GenericContainer.Arity(), len(t.Args))
		}
		args := make([]*Class, len(t.Args))
		for i, a := range t.Args {
			if args[i], err = rt.classFromSig(img, a, ctx); err != nil {
				return nil, err
			}
		}
		return rt.inflateClass(def, rt.Inst(args...)), nil
	case metadata.ElementFnPtr:
		return rt.corlib.Primitive(metadata.ElementI), nil
	case metadata.ElementTypedByRef:
		return nil, unsupported(img.Name, "typedref")
	}
	if c := rt.corlib.Primitive(t.Elem); c != nil {
		return c, nil
	}
	return nil, unsupported(img.Name, "signature element %s", t.Elem)
}

// methodSigClasses resolves m's return and parameter types in m's
// context: index 0 is the return type. Callers hold rt.metadataLock.
func (rt *Runtime) methodSigClasses(m *MethodInfo) ([]*Class, error) {
	if m.sigClasses != nil {
		return m.sigClasses, nil
	}
	img := m.sigImage()
	ctx := m.Context()
	if m.Inst == nil {
		ctx.Method = nil
	}
	out := make([]*Class, 0, len(m.Sig.Params)+1)
	if m.Sig.Ret.Elem == metadata.ElementVoid {
		out = append(out, nil)
	} else {
		c, err := rt.classFromSig(img, m.Sig.Ret, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	for _, p := range m.Sig.Params {
		c, err := rt.classFromSig(img, p, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	m.sigClasses = out
	return out, nil
}

// MethodSigClasses is the locking form of methodSigClasses.
func (rt *Runtime) MethodSigClasses(m *MethodInfo) ([]*Class, error) {
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	return rt.methodSigClasses(m)
}

// sameSignature reports whether a and b agree on name, parameter types and
// return type.
func (rt *Runtime) sameSignature(a, b *MethodInfo) bool {
	if a.Name != b.Name {
		return false
	}
	return rt.sameParams(a, b)
}

// sameParams compares parameter and return types only.
func (rt *Runtime) sameParams(a, b *MethodInfo) bool {
	if len(a.Sig.Params) != len(b.Sig.Params) || a.Sig.Arity != b.Sig.Arity || a.HasThis() != b.HasThis() {
		return false
	}
	ac, err := rt.methodSigClasses(a)
	if err != nil {
		return false
	}
	bc, err := rt.methodSigClasses(b)
	if err != nil {
		return false
	}
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	return true
}
