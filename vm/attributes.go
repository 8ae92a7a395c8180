package vm

import (
	"strings"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Custom attributes
// ---------------------------------------------------------------------------

// HasAttribute reports whether tok carries an attribute whose type is
// ns.name. Attribute types are matched by name and never resolved.
func (img *Image) HasAttribute(tok metadata.Token, ns, name string) bool {
	rg, ok := img.customAttributeRanges[tok]
	if !ok {
		return false
	}
	for row := rg.start; row < rg.start+rg.count; row++ {
		n, t, err := img.attributeTypeName(img.Raw.CustomAttribute(row).Type)
		if err == nil && n == ns && t == name {
			return true
		}
	}
	return false
}

// GetCustomAttributes materializes the attributes attached to tok. Each
// attribute is built by running its constructor and then assigning its
// named fields and properties, exactly as managed code would. The result
// is cached per token.
func (img *Image) GetCustomAttributes(tok metadata.Token) ([]*Object, error) {
	if v, ok := img.attributes.Load(tok); ok {
		return v.([]*Object), nil
	}
	rg, ok := img.customAttributeRanges[tok]
	if !ok {
		return nil, nil
	}
	th := img.rt.NewThread()
	attrs := make([]*Object, 0, rg.count)
	for row := rg.start; row < rg.start+rg.count; row++ {
		o, err := img.buildAttribute(th, img.Raw.CustomAttribute(row))
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, o)
	}
	v, _ := img.attributes.LoadOrStore(tok, attrs)
	return v.([]*Object), nil
}

func (img *Image) buildAttribute(th *Thread, r metadata.CustomAttributeRow) (*Object, error) {
	ctor, err := img.GetMethodInfoFromToken(r.Type, GenericContext{})
	if err != nil {
		return nil, err
	}
	sig, err := img.rt.MethodSigClasses(ctor)
	if err != nil {
		return nil, err
	}
	blob, err := img.Raw.Blob(r.Value)
	if err != nil {
		return nil, err
	}
	c := ctor.Class
	ar := &attrReader{img: img, th: th, r: metadata.NewBlobReader(blob), tok: r.Parent}
	if len(blob) == 0 && len(sig) == 1 {
		// An empty blob stands for a parameterless constructor call.
		ar.r = metadata.NewBlobReader([]byte{1, 0, 0, 0})
	}
	if ar.r.ReadUint16() != 0x0001 {
		return nil, badImage(img, r.Parent, "custom attribute blob lacks its prolog")
	}
	args := make([]StackObject, 0, len(sig))
	o := img.rt.newObject(c)
	args = append(args, ObjValue(o))
	for _, p := range sig[1:] {
		v, err := ar.fixed(p)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	if _, err := th.Invoke(ctor, args...); err != nil {
		return nil, err
	}
	named := int(ar.r.ReadUint16())
	for i := 0; i < named; i++ {
		kind := metadata.ElementType(ar.r.ReadByte())
		typ, err := ar.fieldOrPropType()
		if err != nil {
			return nil, err
		}
		name, _ := ar.r.ReadSerString()
		v, err := ar.fixed(typ)
		if err != nil {
			return nil, err
		}
		switch kind {
		case metadata.ElementField:
			f := c.FindField(name)
			if f == nil || f.IsStatic() {
				return nil, &ResolveError{Kind: ExMissingField, Image: img.Name, Token: r.Parent, Name: c.FullName() + "::" + name}
			}
			narrow(narrowFor(typ), &v)
			th.store(&o.Fields[f.Slot], v)
		case metadata.ElementProperty:
			set := findSetter(c, name)
			if set == nil {
				return nil, &ResolveError{Kind: ExMissingMethod, Image: img.Name, Token: r.Parent, Name: c.FullName() + "::set_" + name}
			}
			if _, err := th.Invoke(set, ObjValue(o), v); err != nil {
				return nil, err
			}
		default:
			return nil, badImage(img, r.Parent, "named argument kind 0x%02x", byte(kind))
		}
	}
	if err := ar.r.Err(); err != nil {
		return nil, badImage(img, r.Parent, "custom attribute blob: %v", err)
	}
	return o, nil
}

func findSetter(c *Class, name string) *MethodInfo {
	for k := c; k != nil; k = k.Parent {
		if m := k.FindMethod("set_"+name, 1); m != nil && !m.IsStatic() {
			return m
		}
	}
	return nil
}

// attrReader decodes the serialized values of a custom attribute blob.
type attrReader struct {
	img *Image
	th  *Thread
	r   *metadata.BlobReader
	tok metadata.Token
}

// fixed reads one value of class c.
func (ar *attrReader) fixed(c *Class) (StackObject, error) {
	var v StackObject
	cl := ar.img.rt.corlib
	switch {
	case c == cl.String:
		s, ok := ar.r.ReadSerString()
		if ok {
			v = ar.th.newString(s)
		}
		return v, nil
	case c == cl.Type || c == cl.RuntimeType:
		s, ok := ar.r.ReadSerString()
		if !ok {
			return v, nil
		}
		t, err := ar.namedType(s)
		if err != nil {
			return v, err
		}
		v.SetObj(ar.img.rt.Host.TypeObject(t))
		return v, nil
	case c == cl.Object:
		typ, err := ar.fieldOrPropType()
		if err != nil {
			return v, err
		}
		inner, err := ar.fixed(typ)
		if err != nil {
			return v, err
		}
		return ar.th.boxElement(typ, inner), nil
	case c.IsSZArray():
		n := ar.r.ReadUint32()
		if n == 0xFFFFFFFF {
			return v, nil
		}
		if int(n) > ar.r.Len() {
			return v, badImage(ar.img, ar.tok, "attribute array length %d", n)
		}
		arr := ar.img.rt.newArray(c, []int32{int32(n)}, nil)
		for i := range arr.Elems {
			e, err := ar.fixed(c.Element)
			if err != nil {
				return v, err
			}
			arr.Elems[i] = e
		}
		v.SetObj(arr)
		return v, nil
	case c.Kind == KindValueType && c.IsPrimitiveLike():
		return ar.primitive(c.ElemType)
	}
	return v, &UnsupportedError{Feature: "attribute argument of type " + c.FullName(), Where: ar.img.Name}
}

func (ar *attrReader) primitive(e metadata.ElementType) (StackObject, error) {
	var v StackObject
	switch e {
	case metadata.ElementBoolean, metadata.ElementI1:
		v.SetI32(int32(int8(ar.r.ReadByte())))
		if e == metadata.ElementBoolean {
			v.SetBool(v.I32() != 0)
		}
	case metadata.ElementU1:
		v.SetI32(int32(ar.r.ReadByte()))
	case metadata.ElementI2:
		v.SetI32(int32(int16(ar.r.ReadUint16())))
	case metadata.ElementU2, metadata.ElementChar:
		v.SetI32(int32(ar.r.ReadUint16()))
	case metadata.ElementI4, metadata.ElementU4:
		v.SetI32(int32(ar.r.ReadUint32()))
	case metadata.ElementI8, metadata.ElementU8:
		v.SetU64(ar.r.ReadUint64())
	case metadata.ElementR4:
		v.SetF64(float64(ar.r.ReadFloat32()))
	case metadata.ElementR8:
		v.SetF64(ar.r.ReadFloat64())
	default:
		return v, badImage(ar.img, ar.tok, "attribute element type 0x%02x", byte(e))
	}
	return v, nil
}

// fieldOrPropType reads the type tag that precedes named arguments and
// boxed values.
func (ar *attrReader) fieldOrPropType() (*Class, error) {
	rt := ar.img.rt
	e := metadata.ElementType(ar.r.ReadByte())
	switch e {
	case metadata.ElementSystemType:
		return rt.corlib.Type, nil
	case metadata.ElementBoxed:
		return rt.corlib.Object, nil
	case metadata.ElementSZArray:
		elem, err := ar.fieldOrPropType()
		if err != nil {
			return nil, err
		}
		return rt.ArrayClass(elem, 1, true), nil
	case metadata.ElementEnum:
		s, _ := ar.r.ReadSerString()
		return ar.namedType(s)
	}
	if c := rt.corlib.Primitive(e); c != nil && e != metadata.ElementVoid {
		return c, nil
	}
	return nil, badImage(ar.img, ar.tok, "attribute type tag 0x%02x", byte(e))
}

// namedType resolves a serialized type name such as "NS.Outer+Inner,
// Assembly". Nested types are looked up through their enclosing type.
func (ar *attrReader) namedType(s string) (*Class, error) {
	name, assembly, _ := strings.Cut(s, ",")
	assembly = strings.TrimSpace(assembly)
	if i := strings.IndexByte(assembly, ','); i >= 0 {
		assembly = assembly[:i]
	}
	parts := strings.Split(strings.TrimSpace(name), "+")
	ns, outer := "", parts[0]
	if i := strings.LastIndexByte(outer, '.'); i >= 0 {
		ns, outer = outer[:i], outer[i+1:]
	}
	var c *Class
	if assembly == "" {
		c = ar.img.FindType(ns, outer)
	}
	if c == nil {
		var err error
		if c, err = ar.img.rt.FindClass(assembly, ns, outer); err != nil {
			return nil, &ResolveError{Kind: ExTypeLoad, Image: ar.img.Name, Token: ar.tok, Name: s}
		}
	}
	for _, p := range parts[1:] {
		if c = c.FindNested(p); c == nil {
			return nil, &ResolveError{Kind: ExTypeLoad, Image: ar.img.Name, Token: ar.tok, Name: s}
		}
	}
	return c, nil
}
