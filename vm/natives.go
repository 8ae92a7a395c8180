package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/zeebo/xxh3"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Core library natives
// ---------------------------------------------------------------------------

// registerCoreNatives binds the internal calls of the synthesized core
// library. Overloads sharing a name are told apart by parameter list.
func registerCoreNatives(rt *Runtime) {
	registerObjectNatives(rt)
	registerPrimitiveNatives(rt)
	registerStringNatives(rt)
	registerArrayNatives(rt)
	registerDelegateNatives(rt)
	registerReflectionNatives(rt)
	registerExceptionNatives(rt)
	registerConsoleNatives(rt)
	registerMathNatives(rt)
	registerEnvironmentNatives(rt)
}

// receiver returns the location of a native method's receiver: the target
// of a managed pointer, or the argument itself.
func receiver(args []StackObject) *StackObject {
	if p := args[0].Ref(); p != nil {
		return p
	}
	return &args[0]
}

// primitiveArg returns the value of a primitive receiver, which may arrive
// boxed or by reference.
func primitiveArg(args []StackObject) StackObject {
	v := receiver(args)
	if o := v.Obj(); o != nil && !v.IsStruct() && len(o.Fields) > 0 {
		return o.Fields[0]
	}
	return *v
}

// thisObject returns the object receiver, raising NullReferenceException
// for null.
func (th *Thread) thisObject(args []StackObject) (*Object, error) {
	o := receiver(args).Obj()
	if o == nil {
		return nil, th.nullReference()
	}
	return o, nil
}

func (th *Thread) newString(s string) StackObject {
	return ObjValue(th.rt.Host.NewString(stringChars(s)))
}

// identityHash is the default hash of an object. Go's collector does not
// move objects, so the address is stable.
func identityHash(o *Object) int32 {
	if o == nil {
		return 0
	}
	p := uint64(uintptr(unsafe.Pointer(o)))
	p ^= p >> 33
	p *= 0xff51afd7ed558ccd
	p ^= p >> 33
	return int32(p)
}

func bitsHash(v StackObject) int32 {
	u := v.U64()
	return int32(u) ^ int32(u>>32)
}

// ---------------------------------------------------------------------------
// System.Object and System.ValueType
// ---------------------------------------------------------------------------

func registerObjectNatives(rt *Runtime) {
	rt.RegisterNative("System.Object::ToString", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		*ret = th.newString(th.rt.defaultString(o))
		return nil
	})
	rt.RegisterNative("System.Object::Equals", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		ret.SetBool(o == args[1].Obj())
		return nil
	})
	rt.RegisterNative("System.Object::GetHashCode", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		ret.SetI32(identityHash(o))
		return nil
	})
	rt.RegisterNative("System.Object::GetType", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		ret.SetObj(th.rt.Host.TypeObject(o.Class))
		return nil
	})
	rt.RegisterNative("System.Object::MemberwiseClone", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		ret.SetObj(cloneObject(o))
		return nil
	})
	rt.RegisterNative("System.Runtime.CompilerServices.RuntimeHelpers::GetHashCode", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetI32(identityHash(args[0].Obj()))
		return nil
	})

	rt.RegisterNative("System.ValueType::Equals", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		other := args[1].Obj()
		ret.SetBool(other != nil && other.Class == o.Class && fieldsEqual(o.Fields, other.Fields))
		return nil
	})
	rt.RegisterNative("System.ValueType::GetHashCode", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		var h int32
		for i := range o.Fields {
			h = h*31 + valueHash(o.Fields[i])
		}
		ret.SetI32(h)
		return nil
	})
	rt.RegisterNative("System.ValueType::ToString", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		*ret = th.newString(o.Class.FullName())
		return nil
	})
}

// cloneObject copies o, including array and string storage.
func cloneObject(o *Object) *Object {
	c := o.Clone()
	if o.Elems != nil {
		c.Elems = make([]StackObject, len(o.Elems))
		for i := range o.Elems {
			c.Elems[i] = copyValue(o.Elems[i])
		}
	}
	return c
}

// fieldsEqual compares struct storage: primitives bitwise, references by
// identity, nested structs recursively.
func fieldsEqual(a, b []StackObject) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].IsStruct() && b[i].IsStruct() {
			if !fieldsEqual(a[i].Obj().Fields, b[i].Obj().Fields) {
				return false
			}
			continue
		}
		if !a[i].same(&b[i]) {
			return false
		}
	}
	return true
}

func valueHash(v StackObject) int32 {
	switch {
	case v.IsStruct():
		var h int32
		for _, f := range v.Obj().Fields {
			h = h*31 + valueHash(f)
		}
		return h
	case v.ref != nil:
		return identityHash(v.Obj())
	}
	return bitsHash(v)
}

// defaultString renders o the way the built-in ToString overrides do.
func (rt *Runtime) defaultString(o *Object) string {
	c := o.Class
	switch {
	case c.IsString():
		return GoString(o)
	case c.IsEnum && len(o.Fields) > 0:
		return rt.enumString(c, o.Fields[0])
	case c.Kind == KindValueType && c.IsPrimitiveLike() && len(o.Fields) > 0:
		return formatPrimitive(c.ElemType, o.Fields[0])
	case c == rt.corlib.RuntimeType:
		if t, ok := o.Native.(*Class); ok {
			return t.FullName()
		}
	case c.IsSubclassOf(rt.corlib.Exception) || c == rt.corlib.Exception:
		return exceptionString(o)
	}
	return c.FullName()
}

// objectString converts o to a string, calling a managed ToString override
// when the class has one.
func (th *Thread) objectString(o *Object) (string, error) {
	if o == nil {
		return "", nil
	}
	if o.Class.IsString() {
		return GoString(o), nil
	}
	base := th.rt.corlib.Object.FindMethod("ToString", 0)
	if base != nil {
		if m, err := th.rt.resolveVirtual(o.Class, base); err == nil && m.Body != nil {
			v, err := th.Invoke(m, ObjValue(o))
			if err != nil {
				return "", err
			}
			return GoString(v.Obj()), nil
		}
	}
	return th.rt.defaultString(o), nil
}

// ---------------------------------------------------------------------------
// Primitive value types and enums
// ---------------------------------------------------------------------------

func registerPrimitiveNatives(rt *Runtime) {
	for name, e := range primitiveNames {
		name := name
		e := e
		self := (&TypeSig{Elem: e}).String()
		prefix := "System." + name + "::"
		rt.RegisterNative(prefix+"ToString", func(th *Thread, args []StackObject, ret *StackObject) error {
			*ret = th.newString(formatPrimitive(e, primitiveArg(args)))
			return nil
		})
		rt.RegisterNative(prefix+"GetHashCode", func(th *Thread, args []StackObject, ret *StackObject) error {
			ret.SetI32(bitsHash(primitiveArg(args)))
			return nil
		})
		rt.RegisterNative(prefix+"Equals(object)", func(th *Thread, args []StackObject, ret *StackObject) error {
			other := args[1].Obj()
			ret.SetBool(other != nil && other.Class.Kind == KindValueType && other.Class.ElemType == e &&
				!other.Class.IsEnum && primitiveEqual(e, primitiveArg(args), other.Fields[0]))
			return nil
		})
		rt.RegisterNative(prefix+"Equals("+self+")", func(th *Thread, args []StackObject, ret *StackObject) error {
			ret.SetBool(primitiveEqual(e, primitiveArg(args), args[1]))
			return nil
		})
		rt.RegisterNative(prefix+"CompareTo", func(th *Thread, args []StackObject, ret *StackObject) error {
			ret.SetI32(int32(comparePrimitive(e, primitiveArg(args), args[1])))
			return nil
		})
		rt.RegisterNative(prefix+"Parse", func(th *Thread, args []StackObject, ret *StackObject) error {
			v, err := th.parsePrimitive(e, name, GoString(args[0].Obj()), args[0].IsNull())
			if err != nil {
				return err
			}
			*ret = v
			return nil
		})
	}

	rt.RegisterNative("System.Enum::ToString", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		*ret = th.newString(th.rt.defaultString(o))
		return nil
	})
	rt.RegisterNative("System.Enum::HasFlag", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		flag := args[1].Obj()
		if flag == nil {
			return th.raise(ExArgumentNull, "Value cannot be null. (Parameter 'flag')")
		}
		if flag.Class != o.Class {
			return th.raise(ExArgument, "The argument type, '%s', is not the same as the enum type '%s'.", flag.Class.FullName(), o.Class.FullName())
		}
		f := flag.Fields[0].U64()
		ret.SetBool(o.Fields[0].U64()&f == f)
		return nil
	})
}

func primitiveEqual(e metadata.ElementType, a, b StackObject) bool {
	if e.IsFloat() {
		x, y := a.F64(), b.F64()
		return x == y || math.IsNaN(x) && math.IsNaN(y)
	}
	if e.Size() == 8 {
		return a.U64() == b.U64()
	}
	return a.U32() == b.U32()
}

func comparePrimitive(e metadata.ElementType, a, b StackObject) int {
	switch e {
	case metadata.ElementR4, metadata.ElementR8:
		x, y := a.F64(), b.F64()
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		case x == y:
			return 0
		case math.IsNaN(x) && math.IsNaN(y):
			return 0
		case math.IsNaN(x):
			return -1
		}
		return 1
	case metadata.ElementU1, metadata.ElementU2, metadata.ElementU4, metadata.ElementChar, metadata.ElementBoolean:
		return cmp3(uint64(a.U32()), uint64(b.U32()))
	case metadata.ElementU8, metadata.ElementU:
		return cmp3(a.U64(), b.U64())
	case metadata.ElementI8, metadata.ElementI:
		return cmp3(a.I64(), b.I64())
	}
	return cmp3(a.I32(), b.I32())
}

func cmp3[T int32 | int64 | uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// formatPrimitive renders a primitive the way the invariant culture does.
func formatPrimitive(e metadata.ElementType, v StackObject) string {
	switch e {
	case metadata.ElementBoolean:
		if v.Bool() {
			return "True"
		}
		return "False"
	case metadata.ElementChar:
		return string(rune(uint16(v.U32())))
	case metadata.ElementI1, metadata.ElementI2, metadata.ElementI4:
		return strconv.FormatInt(int64(v.I32()), 10)
	case metadata.ElementU1, metadata.ElementU2, metadata.ElementU4:
		return strconv.FormatUint(uint64(v.U32()), 10)
	case metadata.ElementI8, metadata.ElementI:
		return strconv.FormatInt(v.I64(), 10)
	case metadata.ElementU8, metadata.ElementU:
		return strconv.FormatUint(v.U64(), 10)
	case metadata.ElementR4:
		return formatFloat(v.F64(), 32)
	case metadata.ElementR8:
		return formatFloat(v.F64(), 64)
	}
	return strconv.FormatUint(v.U64(), 10)
}

// formatFloat produces the shortest round-tripping form, switching to
// exponent notation outside [1e-5, 1e15).
func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	if a := math.Abs(f); a != 0 && (a >= 1e15 || a < 1e-5) {
		return strconv.FormatFloat(f, 'E', -1, bits)
	}
	return strconv.FormatFloat(f, 'f', -1, bits)
}

func (th *Thread) parsePrimitive(e metadata.ElementType, name, s string, null bool) (StackObject, error) {
	var v StackObject
	if null {
		return v, th.raise(ExArgumentNull, "Value cannot be null. (Parameter 's')")
	}
	t := strings.TrimSpace(s)
	bad := func(err error) error {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return th.raise(ExOverflow, "Value was either too large or too small for %s %s.", article(name), name)
		}
		return th.raise(ExFormat, "The input string '%s' was not in a correct format.", s)
	}
	switch e {
	case metadata.ElementChar:
		r := []rune(s)
		if len(r) != 1 || r[0] > 0xffff {
			return v, th.raise(ExFormat, "String must be exactly one character long.")
		}
		v.SetI32(int32(r[0]))
	case metadata.ElementI1, metadata.ElementI2, metadata.ElementI4:
		n, err := strconv.ParseInt(t, 10, int(e.Size())*8)
		if err != nil {
			return v, bad(err)
		}
		v.SetI32(int32(n))
	case metadata.ElementU1, metadata.ElementU2, metadata.ElementU4:
		n, err := strconv.ParseUint(t, 10, int(e.Size())*8)
		if err != nil {
			return v, bad(err)
		}
		v.SetU32(uint32(n))
	case metadata.ElementI8:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return v, bad(err)
		}
		v.SetI64(n)
	case metadata.ElementU8:
		n, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return v, bad(err)
		}
		v.SetU64(n)
	case metadata.ElementR4, metadata.ElementR8:
		f, err := strconv.ParseFloat(t, int(e.Size())*8)
		if err != nil {
			if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
				v.SetF64(f)
				return v, nil
			}
			return v, bad(err)
		}
		v.SetF64(f)
	default:
		return v, th.raise(ExNotSupported, "%s.Parse", name)
	}
	return v, nil
}

func article(name string) string {
	if strings.ContainsRune("AEIOU", rune(name[0])) {
		return "an"
	}
	return "a"
}

// enumString names an enum value: the matching literal, a comma-separated
// list of flags for [Flags] enums, or the number.
func (rt *Runtime) enumString(c *Class, v StackObject) string {
	want := v.U64()
	if c.ElemType.Size() < 8 {
		want = uint64(v.U32())
	}
	type literal struct {
		name string
		bits uint64
	}
	var lits []literal
	for _, f := range c.Fields {
		if !f.IsLiteral() || !f.IsStatic() {
			continue
		}
		k, ok, err := rt.FieldConstant(f)
		if err != nil || !ok {
			continue
		}
		bits := k.U64()
		if c.ElemType.Size() < 8 {
			bits = uint64(k.U32())
		}
		if bits == want {
			return f.Name
		}
		lits = append(lits, literal{f.Name, bits})
	}
	if want != 0 && c.Image != nil && c.Image.HasAttribute(c.Token, "System", "FlagsAttribute") {
		var names []string
		rest := want
		for _, l := range lits {
			if l.bits != 0 && rest&l.bits == l.bits {
				names = append(names, l.name)
				rest &^= l.bits
			}
		}
		if rest == 0 {
			return strings.Join(names, ", ")
		}
	}
	return formatPrimitive(c.ElemType, v)
}

// ---------------------------------------------------------------------------
// Reflection: System.Type and runtime handles
// ---------------------------------------------------------------------------

func typeOf(o *Object) *Class {
	if o == nil {
		return nil
	}
	c, _ := o.Native.(*Class)
	return c
}

// handleValue returns the m_value object of a runtime handle argument.
func handleValue(v StackObject) *Object {
	if p := v.Ref(); p != nil {
		v = *p
	}
	o := v.Obj()
	if o == nil || len(o.Fields) == 0 {
		return nil
	}
	return o.Fields[0].Obj()
}

func registerReflectionNatives(rt *Runtime) {
	typeNative := func(name string, fn func(th *Thread, c *Class, args []StackObject, ret *StackObject) error) {
		rt.RegisterNative("System.Type::"+name, func(th *Thread, args []StackObject, ret *StackObject) error {
			o, err := th.thisObject(args)
			if err != nil {
				return err
			}
			c := typeOf(o)
			if c == nil {
				return th.raise(ExInvalidOperation, "not a runtime type")
			}
			return fn(th, c, args, ret)
		})
	}
	rt.RegisterNative("System.Type::GetTypeFromHandle", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetObj(handleValue(args[0]))
		return nil
	})
	typeNative("get_Name", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		name := c.Name
		if c.IsArray() && c.Element != nil {
			full := c.FullName()
			name = full[strings.LastIndexByte(full[:strings.IndexByte(full, '[')], '.')+1:]
		}
		*ret = th.newString(name)
		return nil
	})
	typeNative("get_Namespace", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		*ret = th.newString(c.Namespace)
		return nil
	})
	typeNative("get_FullName", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		*ret = th.newString(c.FullName())
		return nil
	})
	typeNative("ToString", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		*ret = th.newString(c.FullName())
		return nil
	})
	typeNative("get_BaseType", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		if c.Parent != nil {
			ret.SetObj(th.rt.Host.TypeObject(c.Parent))
		} else {
			ret.Clear()
		}
		return nil
	})
	typeNative("get_IsValueType", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		ret.SetBool(c.IsValueType())
		return nil
	})
	typeNative("get_IsArray", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		ret.SetBool(c.IsArray())
		return nil
	})
	typeNative("get_TypeHandle", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		h := th.rt.newObject(th.rt.corlib.TypeHandle)
		h.Fields[0].SetObj(th.rt.Host.TypeObject(c))
		ret.SetStruct(h)
		return nil
	})
	typeNative("GetElementType", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		if c.Element != nil && !c.IsEnum {
			ret.SetObj(th.rt.Host.TypeObject(c.Element))
		} else {
			ret.Clear()
		}
		return nil
	})
	typeNative("IsAssignableFrom", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		src := typeOf(args[1].Obj())
		ret.SetBool(src != nil && th.rt.Host.IsAssignableFrom(c, src))
		return nil
	})
	typeNative("IsInstanceOfType", func(th *Thread, c *Class, args []StackObject, ret *StackObject) error {
		o := args[1].Obj()
		ret.SetBool(o != nil && th.isInst(o, c))
		return nil
	})
	for _, h := range []string{"RuntimeTypeHandle", "RuntimeMethodHandle", "RuntimeFieldHandle"} {
		rt.RegisterNative("System."+h+"::get_Value", func(th *Thread, args []StackObject, ret *StackObject) error {
			v := handleValue(args[0])
			if v == nil {
				ret.SetI64(0)
				return nil
			}
			var id uint64
			switch n := v.Native.(type) {
			case *Class:
				id = n.id
			case *MethodInfo:
				id = uint64(uintptr(unsafe.Pointer(n)))
			case *FieldInfo:
				id = uint64(uintptr(unsafe.Pointer(n)))
			}
			ret.SetI64(int64(id))
			return nil
		})
	}

	rt.RegisterNative("System.Runtime.CompilerServices.RuntimeHelpers::RunClassConstructor", func(th *Thread, args []StackObject, ret *StackObject) error {
		c := typeOf(handleValue(args[0]))
		if c == nil {
			return th.raise(ExArgument, "The handle is invalid.")
		}
		return th.initClass(c)
	})
	rt.RegisterNative("System.Runtime.CompilerServices.RuntimeHelpers::InitializeArray", func(th *Thread, args []StackObject, ret *StackObject) error {
		arr := args[0].Obj()
		if arr == nil {
			return th.raise(ExArgumentNull, "Value cannot be null. (Parameter 'array')")
		}
		h := handleValue(args[1])
		f, _ := h.Native.(*FieldInfo)
		if h == nil || f == nil {
			return th.raise(ExArgument, "The field handle is invalid.")
		}
		size := int(arr.Class.Element.ElemType.Size()) * len(arr.Elems)
		data, err := th.rt.FieldData(f, size)
		if err != nil {
			return th.raise(ExArgument, "%v", err)
		}
		if err := fillArray(arr, data); err != nil {
			return th.raise(ExArgument, "%v", err)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

func exceptionField(o *Object, name string) *StackObject {
	f := o.Class.FindField(name)
	if f == nil || f.IsStatic() || f.Slot >= len(o.Fields) {
		return nil
	}
	return &o.Fields[f.Slot]
}

// exceptionString renders an exception like Exception.ToString: type and
// message, inner exceptions, then the stack trace.
func exceptionString(o *Object) string {
	var b strings.Builder
	b.WriteString(o.Class.FullName())
	if msg := ExceptionMessage(o); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if p := exceptionField(o, "_innerException"); p != nil && p.Obj() != nil {
		b.WriteString(" ---> ")
		b.WriteString(exceptionString(p.Obj()))
		b.WriteString("\n   --- End of inner exception stack trace ---")
	}
	if p := exceptionField(o, "_stackTrace"); p != nil && p.Obj() != nil {
		b.WriteByte('\n')
		b.WriteString(GoString(p.Obj()))
	}
	return b.String()
}

func registerExceptionNatives(rt *Runtime) {
	rt.RegisterNative("System.Exception::get_StackTrace", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		if p := exceptionField(o, "_stackTrace"); p != nil {
			*ret = *p
		}
		return nil
	})
	rt.RegisterNative("System.Exception::ToString", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		*ret = th.newString(exceptionString(o))
		return nil
	})
}

// ---------------------------------------------------------------------------
// System.Console
// ---------------------------------------------------------------------------

func registerConsoleNatives(rt *Runtime) {
	write := func(th *Thread, s string, newline bool) error {
		if newline {
			s += "\n"
		}
		_, err := fmt.Fprint(th.rt.Stdout(), s)
		return err
	}
	for _, name := range []string{"Write", "WriteLine"} {
		nl := name == "WriteLine"
		prefix := "System.Console::" + name
		rt.RegisterNative(prefix+"()", func(th *Thread, args []StackObject, ret *StackObject) error {
			return write(th, "", nl)
		})
		rt.RegisterNative(prefix+"(string)", func(th *Thread, args []StackObject, ret *StackObject) error {
			return write(th, GoString(args[0].Obj()), nl)
		})
		rt.RegisterNative(prefix+"(object)", func(th *Thread, args []StackObject, ret *StackObject) error {
			s, err := th.objectString(args[0].Obj())
			if err != nil {
				return err
			}
			return write(th, s, nl)
		})
		for _, e := range []metadata.ElementType{
			metadata.ElementBoolean, metadata.ElementChar, metadata.ElementI4, metadata.ElementU4,
			metadata.ElementI8, metadata.ElementR4, metadata.ElementR8,
		} {
			e := e
			rt.RegisterNative(prefix+"("+e.String()+")", func(th *Thread, args []StackObject, ret *StackObject) error {
				return write(th, formatPrimitive(e, args[0]), nl)
			})
		}
		// The format overloads.
		rt.RegisterNative(prefix+"/v(o,o)", func(th *Thread, args []StackObject, ret *StackObject) error {
			s, err := th.formatArgs(args[0].Obj(), args[1:])
			if err != nil {
				return err
			}
			return write(th, s, nl)
		})
		rt.RegisterNative(prefix+"/v(o,o,o)", func(th *Thread, args []StackObject, ret *StackObject) error {
			s, err := th.formatArgs(args[0].Obj(), args[1:])
			if err != nil {
				return err
			}
			return write(th, s, nl)
		})
	}
}

// ---------------------------------------------------------------------------
// System.Math
// ---------------------------------------------------------------------------

func registerMathNatives(rt *Runtime) {
	const m = "System.Math::"
	rt.RegisterNative(m+"Abs(int32)", func(th *Thread, args []StackObject, ret *StackObject) error {
		v := args[0].I32()
		if v == math.MinInt32 {
			return th.raise(ExOverflow, "Negating the minimum value of a twos complement number is invalid.")
		}
		ret.SetI32(max(v, -v))
		return nil
	})
	rt.RegisterNative(m+"Abs(int64)", func(th *Thread, args []StackObject, ret *StackObject) error {
		v := args[0].I64()
		if v == math.MinInt64 {
			return th.raise(ExOverflow, "Negating the minimum value of a twos complement number is invalid.")
		}
		ret.SetI64(max(v, -v))
		return nil
	})
	rt.RegisterNative(m+"Abs(float64)", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetF64(math.Abs(args[0].F64()))
		return nil
	})
	rt.RegisterNative(m+"Max(int32,int32)", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetI32(max(args[0].I32(), args[1].I32()))
		return nil
	})
	rt.RegisterNative(m+"Min(int32,int32)", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetI32(min(args[0].I32(), args[1].I32()))
		return nil
	})
	rt.RegisterNative(m+"Max(int64,int64)", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetI64(max(args[0].I64(), args[1].I64()))
		return nil
	})
	rt.RegisterNative(m+"Min(int64,int64)", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetI64(min(args[0].I64(), args[1].I64()))
		return nil
	})
	// math.Max and math.Min propagate NaN like System.Math.
	rt.RegisterNative(m+"Max(float64,float64)", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetF64(math.Max(args[0].F64(), args[1].F64()))
		return nil
	})
	rt.RegisterNative(m+"Min(float64,float64)", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetF64(math.Min(args[0].F64(), args[1].F64()))
		return nil
	})
	for name, fn := range map[string]func(float64) float64{
		"Sqrt":    math.Sqrt,
		"Floor":   math.Floor,
		"Ceiling": math.Ceil,
		"Round":   math.RoundToEven,
		"Sin":     math.Sin,
		"Cos":     math.Cos,
		"Exp":     math.Exp,
		"Log":     math.Log,
	} {
		fn := fn
		rt.RegisterNative(m+name, func(th *Thread, args []StackObject, ret *StackObject) error {
			ret.SetF64(fn(args[0].F64()))
			return nil
		})
	}
	rt.RegisterNative(m+"Pow", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetF64(math.Pow(args[0].F64(), args[1].F64()))
		return nil
	})
}

// ---------------------------------------------------------------------------
// System.Environment
// ---------------------------------------------------------------------------

var processStart = time.Now()

func registerEnvironmentNatives(rt *Runtime) {
	rt.RegisterNative("System.Environment::get_NewLine", func(th *Thread, args []StackObject, ret *StackObject) error {
		*ret = th.newString("\n")
		return nil
	})
	rt.RegisterNative("System.Environment::get_TickCount", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetI32(int32(time.Since(processStart).Milliseconds()))
		return nil
	})
	rt.RegisterNative("System.Environment::get_CurrentManagedThreadId", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetI32(th.ID)
		return nil
	})
}

// stringHash hashes the little-endian UTF-16 code units.
func stringHash(chars []uint16) int32 {
	buf := make([]byte, 2*len(chars))
	for i, c := range chars {
		buf[2*i], buf[2*i+1] = byte(c), byte(c>>8)
	}
	h := xxh3.Hash(buf)
	return int32(h ^ h>>32)
}
