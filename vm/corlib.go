package vm

import (
	"fmt"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Core library
// ---------------------------------------------------------------------------

// corlib holds the well-known classes of the built-in core library. The
// library itself is an ordinary image synthesized at startup; most of its
// methods are internal calls bound in natives.go.
type corlib struct {
	Image *Image

	Object            *Class
	ValueType         *Class
	Enum              *Class
	Void              *Class
	String            *Class
	Array             *Class
	Delegate          *Class
	MulticastDelegate *Class
	Nullable          *Class
	Attribute         *Class
	ThreadStatic      *Class
	Type              *Class
	RuntimeType       *Class
	TypeHandle        *Class
	MethodHandle      *Class
	FieldHandle       *Class
	Exception         *Class

	primitives map[metadata.ElementType]*Class
	exceptions [exceptionKindCount]*Class
}

// Primitive returns the class for a primitive, string or object element
// type, or nil.
func (cl *corlib) Primitive(e metadata.ElementType) *Class {
	if cl == nil {
		return nil
	}
	switch e {
	case metadata.ElementString:
		return cl.String
	case metadata.ElementObject:
		return cl.Object
	case metadata.ElementVoid:
		return cl.Void
	}
	return cl.primitives[e]
}

func (cl *corlib) exceptionClass(kind ExceptionKind) *Class {
	if cl == nil || kind < 0 || kind >= exceptionKindCount {
		return cl.Exception
	}
	if c := cl.exceptions[kind]; c != nil {
		return c
	}
	return cl.Exception
}

// bind records the well-known classes of img. It runs while img's type
// definitions exist but before any of them is resolved, so signatures that
// mention primitives can be decoded during the rest of the load.
func (cl *corlib) bind(img *Image) error {
	find := func(name string) (*Class, error) {
		c := img.FindType("System", name)
		if c == nil {
			return nil, badImage(img, 0, "core library lacks System.%s", name)
		}
		return c, nil
	}
	cl.Image = img
	for _, w := range []struct {
		dst  **Class
		name string
	}{
		{&cl.Object, "Object"},
		{&cl.ValueType, "ValueType"},
		{&cl.Enum, "Enum"},
		{&cl.Void, "Void"},
		{&cl.String, "String"},
		{&cl.Array, "Array"},
		{&cl.Delegate, "Delegate"},
		{&cl.MulticastDelegate, "MulticastDelegate"},
		{&cl.Nullable, "Nullable`1"},
		{&cl.Attribute, "Attribute"},
		{&cl.ThreadStatic, "ThreadStaticAttribute"},
		{&cl.Type, "Type"},
		{&cl.RuntimeType, "RuntimeType"},
		{&cl.TypeHandle, "RuntimeTypeHandle"},
		{&cl.MethodHandle, "RuntimeMethodHandle"},
		{&cl.FieldHandle, "RuntimeFieldHandle"},
		{&cl.Exception, "Exception"},
	} {
		c, err := find(w.name)
		if err != nil {
			return err
		}
		*w.dst = c
	}
	cl.primitives = make(map[metadata.ElementType]*Class, len(primitiveNames))
	for name, e := range primitiveNames {
		c, err := find(name)
		if err != nil {
			return err
		}
		cl.primitives[e] = c
	}
	for k := ExceptionKind(0); k < exceptionKindCount; k++ {
		c, err := find(k.ClassName())
		if err != nil {
			return err
		}
		cl.exceptions[k] = c
	}
	return nil
}

// loadCorlib synthesizes and registers the core library.
func (rt *Runtime) loadCorlib() error {
	data, err := buildCorlib()
	if err != nil {
		return err
	}
	raw, err := metadata.Load(data)
	if err != nil {
		return err
	}
	rt.corlib = &corlib{}
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	_, err = rt.registerLocked(raw, "")
	return err
}

// ---------------------------------------------------------------------------
// Building the core library image
// ---------------------------------------------------------------------------

// CorlibName is the assembly name of the built-in core library.
const CorlibName = "mscorlib"

const (
	tPublic    = metadata.TypePublic | metadata.TypeBeforeFieldInit
	tAbstract  = tPublic | metadata.TypeAbstract
	tSealed    = tPublic | metadata.TypeSealed
	tStatic    = tAbstract | metadata.TypeSealed
	tStruct    = tSealed | metadata.TypeSequentialLayout
	tInterface = metadata.TypePublic | metadata.TypeInterface | metadata.TypeAbstract

	mPublic    = metadata.MethodPublic | metadata.MethodHideBySig
	mFamily    = metadata.MethodFamily | metadata.MethodHideBySig
	mStatic    = mPublic | metadata.MethodStatic
	mCtor      = mPublic | metadata.MethodSpecialName | metadata.MethodRTSpecialName
	mNewVirt   = mPublic | metadata.MethodVirtual | metadata.MethodNewSlot
	mOverride  = mPublic | metadata.MethodVirtual
	mAbstract  = mNewVirt | metadata.MethodAbstract
	mGetter    = mPublic | metadata.MethodSpecialName
	mSGetter   = mStatic | metadata.MethodSpecialName
	mOperator  = mStatic | metadata.MethodSpecialName
	mInterface = metadata.MethodPublic | metadata.MethodHideBySig | metadata.MethodVirtual |
		metadata.MethodNewSlot | metadata.MethodAbstract

	implNative  = metadata.MethodImplInternalCall
	implRuntime = metadata.MethodImplRuntime
)

type corlibBuilder struct {
	*metadata.AssemblyBuilder
	module metadata.Token
	ctors  map[string][3]metadata.Token // exception class -> (), (string), (string, Exception)
	err    error
}

func (b *corlibBuilder) ref(ns, name string) metadata.Token {
	return b.TypeRef(b.module, ns, name)
}

func (b *corlibBuilder) sys(name string) metadata.Token { return b.ref("System", name) }

func (b *corlibBuilder) class(name string) metadata.SigType { return metadata.ClassOf(b.sys(name)) }

func (b *corlibBuilder) valueType(name string) metadata.SigType {
	return metadata.ValueTypeOf(b.sys(name))
}

func (b *corlibBuilder) body(m metadata.Token, emit func(il *metadata.ILBuilder)) {
	il := metadata.NewILBuilder()
	emit(il)
	if err := b.SetMethodBody(m, il, 0, false); err != nil && b.err == nil {
		b.err = err
	}
}

func (b *corlibBuilder) native(name string, flags uint16, sig []byte, params ...string) metadata.Token {
	return b.DefineMethod(name, flags, implNative, sig, params...)
}

var (
	sigVoid   = metadata.Prim(metadata.ElementVoid)
	sigBool   = metadata.Prim(metadata.ElementBoolean)
	sigChar   = metadata.Prim(metadata.ElementChar)
	sigI4     = metadata.Prim(metadata.ElementI4)
	sigU4     = metadata.Prim(metadata.ElementU4)
	sigI8     = metadata.Prim(metadata.ElementI8)
	sigR4     = metadata.Prim(metadata.ElementR4)
	sigR8     = metadata.Prim(metadata.ElementR8)
	sigI      = metadata.Prim(metadata.ElementI)
	sigString = metadata.Prim(metadata.ElementString)
	sigObject = metadata.Prim(metadata.ElementObject)
)

// primitiveOrder fixes the TypeDef order of the primitive structs.
var primitiveOrder = []string{
	"Boolean", "Char", "SByte", "Byte", "Int16", "UInt16", "Int32", "UInt32",
	"Int64", "UInt64", "Single", "Double", "IntPtr", "UIntPtr",
}

// exceptionParents lists the exception hierarchy in definition order.
var exceptionParents = []struct{ name, parent string }{
	{"SystemException", "Exception"},
	{"ArithmeticException", "SystemException"},
	{"OverflowException", "ArithmeticException"},
	{"DivideByZeroException", "ArithmeticException"},
	{"ArgumentException", "SystemException"},
	{"ArgumentNullException", "ArgumentException"},
	{"ArgumentOutOfRangeException", "ArgumentException"},
	{"NullReferenceException", "SystemException"},
	{"IndexOutOfRangeException", "SystemException"},
	{"ArrayTypeMismatchException", "SystemException"},
	{"InvalidCastException", "SystemException"},
	{"TypeLoadException", "SystemException"},
	{"MissingMethodException", "SystemException"},
	{"MissingFieldException", "SystemException"},
	{"InvalidOperationException", "SystemException"},
	{"NotSupportedException", "SystemException"},
	{"NotImplementedException", "SystemException"},
	{"InvalidProgramException", "SystemException"},
	{"ExecutionEngineException", "SystemException"},
	{"TypeInitializationException", "SystemException"},
	{"FormatException", "SystemException"},
}

// buildCorlib assembles the core library image.
func buildCorlib() ([]byte, error) {
	b := &corlibBuilder{
		AssemblyBuilder: metadata.NewAssemblyBuilder(CorlibName),
		module:          metadata.NewToken(metadata.TableModule, 1),
		ctors:           make(map[string][3]metadata.Token),
	}
	objCtor := b.defineObject()
	b.defineValueTypes()
	b.defineString()
	b.defineArray()
	b.defineDelegates(objCtor)
	b.defineReflection(objCtor)
	b.defineExceptions(objCtor)
	b.defineNullable()
	b.defineStatics()
	if b.err != nil {
		return nil, fmt.Errorf("core library: %w", b.err)
	}
	return b.Bytes()
}

func (b *corlibBuilder) defineObject() metadata.Token {
	b.DefineType("System", "Object", tPublic|metadata.TypeSerializable, 0)
	ctor := b.DefineMethod(".ctor", mCtor, 0, metadata.MethodSig(true, sigVoid))
	b.body(ctor, func(il *metadata.ILBuilder) { il.Emit(metadata.OpRet) })
	b.native("ToString", mNewVirt, metadata.MethodSig(true, sigString))
	b.native("Equals", mNewVirt, metadata.MethodSig(true, sigBool, sigObject), "obj")
	b.native("GetHashCode", mNewVirt, metadata.MethodSig(true, sigI4))
	fin := b.DefineMethod("Finalize", mFamily|metadata.MethodVirtual|metadata.MethodNewSlot, 0, metadata.MethodSig(true, sigVoid))
	b.body(fin, func(il *metadata.ILBuilder) { il.Emit(metadata.OpRet) })
	b.native("GetType", mPublic, metadata.MethodSig(true, b.class("Type")))
	b.native("MemberwiseClone", mFamily, metadata.MethodSig(true, sigObject))
	refEq := b.DefineMethod("ReferenceEquals", mStatic, 0, metadata.MethodSig(false, sigBool, sigObject, sigObject), "a", "b")
	b.body(refEq, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Ldarg(1).Emit(metadata.OpCeq).Emit(metadata.OpRet)
	})
	return ctor
}

func (b *corlibBuilder) defineValueTypes() {
	obj := b.sys("Object")
	b.DefineType("System", "ValueType", tAbstract|metadata.TypeSerializable, obj)
	b.native("Equals", mOverride, metadata.MethodSig(true, sigBool, sigObject), "obj")
	b.native("GetHashCode", mOverride, metadata.MethodSig(true, sigI4))
	b.native("ToString", mOverride, metadata.MethodSig(true, sigString))

	vt := b.sys("ValueType")
	b.DefineType("System", "Enum", tAbstract|metadata.TypeSerializable, vt)
	b.native("ToString", mOverride, metadata.MethodSig(true, sigString))
	b.native("HasFlag", mPublic, metadata.MethodSig(true, sigBool, b.class("Enum")), "flag")

	b.DefineType("System", "Void", tStruct, vt)

	for _, name := range primitiveOrder {
		self := metadata.Prim(primitiveNames[name])
		b.DefineType("System", name, tStruct|metadata.TypeSerializable, vt)
		b.DefineField("m_value", metadata.FieldPrivate, metadata.FieldSig(self))
		b.native("ToString", mOverride, metadata.MethodSig(true, sigString))
		b.native("GetHashCode", mOverride, metadata.MethodSig(true, sigI4))
		b.native("Equals", mOverride, metadata.MethodSig(true, sigBool, sigObject), "obj")
		b.native("Equals", mPublic, metadata.MethodSig(true, sigBool, self), "obj")
		b.native("CompareTo", mPublic, metadata.MethodSig(true, sigI4, self), "value")
		switch name {
		case "Boolean", "IntPtr", "UIntPtr":
		default:
			b.native("Parse", mStatic, metadata.MethodSig(false, self, sigString), "s")
		}
	}
}

func (b *corlibBuilder) defineString() {
	str := b.class("String")
	b.DefineType("System", "String", tSealed|metadata.TypeSerializable, b.sys("Object"))
	b.DefineField("Empty", metadata.FieldPublic|metadata.FieldStatic|metadata.FieldInitOnly, metadata.FieldSig(sigString))
	b.native(".ctor", mCtor, metadata.MethodSig(true, sigVoid, metadata.SZArrayOf(sigChar)), "value")
	b.native(".ctor", mCtor, metadata.MethodSig(true, sigVoid, sigChar, sigI4), "c", "count")
	b.native(".ctor", mCtor, metadata.MethodSig(true, sigVoid, metadata.SZArrayOf(sigChar), sigI4, sigI4), "value", "startIndex", "length")
	b.native("get_Length", mGetter, metadata.MethodSig(true, sigI4))
	b.native("get_Chars", mGetter, metadata.MethodSig(true, sigChar, sigI4), "index")
	b.native("Equals", mOverride, metadata.MethodSig(true, sigBool, sigObject), "obj")
	b.native("Equals", mPublic, metadata.MethodSig(true, sigBool, sigString), "value")
	b.native("Equals", mStatic, metadata.MethodSig(false, sigBool, sigString, sigString), "a", "b")
	b.native("GetHashCode", mOverride, metadata.MethodSig(true, sigI4))
	b.native("ToString", mOverride, metadata.MethodSig(true, sigString))
	b.native("CompareTo", mPublic, metadata.MethodSig(true, sigI4, sigString), "strB")
	b.native("CompareOrdinal", mStatic, metadata.MethodSig(false, sigI4, sigString, sigString), "strA", "strB")
	b.native("Concat", mStatic, metadata.MethodSig(false, sigString, sigObject), "arg0")
	b.native("Concat", mStatic, metadata.MethodSig(false, sigString, sigObject, sigObject), "arg0", "arg1")
	b.native("Concat", mStatic, metadata.MethodSig(false, sigString, sigObject, sigObject, sigObject), "arg0", "arg1", "arg2")
	b.native("Concat", mStatic, metadata.MethodSig(false, sigString, sigString, sigString), "str0", "str1")
	b.native("Concat", mStatic, metadata.MethodSig(false, sigString, sigString, sigString, sigString), "str0", "str1", "str2")
	b.native("Concat", mStatic, metadata.MethodSig(false, sigString, sigString, sigString, sigString, sigString), "str0", "str1", "str2", "str3")
	b.native("Concat", mStatic, metadata.MethodSig(false, sigString, metadata.SZArrayOf(sigString)), "values")
	b.native("Concat", mStatic, metadata.MethodSig(false, sigString, metadata.SZArrayOf(sigObject)), "args")
	b.native("Format", mStatic, metadata.MethodSig(false, sigString, sigString, sigObject), "format", "arg0")
	b.native("Format", mStatic, metadata.MethodSig(false, sigString, sigString, sigObject, sigObject), "format", "arg0", "arg1")
	b.native("Format", mStatic, metadata.MethodSig(false, sigString, sigString, metadata.SZArrayOf(sigObject)), "format", "args")
	b.native("Join", mStatic, metadata.MethodSig(false, sigString, sigString, metadata.SZArrayOf(sigString)), "separator", "value")
	b.native("IsNullOrEmpty", mStatic, metadata.MethodSig(false, sigBool, sigString), "value")
	b.native("Substring", mPublic, metadata.MethodSig(true, sigString, sigI4), "startIndex")
	b.native("Substring", mPublic, metadata.MethodSig(true, sigString, sigI4, sigI4), "startIndex", "length")
	b.native("IndexOf", mPublic, metadata.MethodSig(true, sigI4, sigChar), "value")
	b.native("IndexOf", mPublic, metadata.MethodSig(true, sigI4, sigString), "value")
	b.native("Contains", mPublic, metadata.MethodSig(true, sigBool, sigString), "value")
	b.native("StartsWith", mPublic, metadata.MethodSig(true, sigBool, sigString), "value")
	b.native("EndsWith", mPublic, metadata.MethodSig(true, sigBool, sigString), "value")
	b.native("Replace", mPublic, metadata.MethodSig(true, sigString, sigString, sigString), "oldValue", "newValue")
	b.native("Trim", mPublic, metadata.MethodSig(true, sigString))
	b.native("ToUpper", mPublic, metadata.MethodSig(true, sigString))
	b.native("ToLower", mPublic, metadata.MethodSig(true, sigString))
	b.native("ToCharArray", mPublic, metadata.MethodSig(true, metadata.SZArrayOf(sigChar)))
	b.native("op_Equality", mOperator, metadata.MethodSig(false, sigBool, str, str), "a", "b")
	b.native("op_Inequality", mOperator, metadata.MethodSig(false, sigBool, str, str), "a", "b")
}

func (b *corlibBuilder) defineArray() {
	arr := b.class("Array")
	b.DefineType("System", "Array", tAbstract|metadata.TypeSerializable, b.sys("Object"))
	b.native("get_Length", mGetter, metadata.MethodSig(true, sigI4))
	b.native("get_LongLength", mGetter, metadata.MethodSig(true, sigI8))
	b.native("get_Rank", mGetter, metadata.MethodSig(true, sigI4))
	b.native("GetLength", mPublic, metadata.MethodSig(true, sigI4, sigI4), "dimension")
	b.native("GetLowerBound", mPublic, metadata.MethodSig(true, sigI4, sigI4), "dimension")
	b.native("GetUpperBound", mPublic, metadata.MethodSig(true, sigI4, sigI4), "dimension")
	b.native("GetValue", mPublic, metadata.MethodSig(true, sigObject, sigI4), "index")
	b.native("SetValue", mPublic, metadata.MethodSig(true, sigVoid, sigObject, sigI4), "value", "index")
	b.native("Clone", mPublic, metadata.MethodSig(true, sigObject))
	b.native("Copy", mStatic, metadata.MethodSig(false, sigVoid, arr, arr, sigI4), "sourceArray", "destinationArray", "length")
	b.native("Copy", mStatic, metadata.MethodSig(false, sigVoid, arr, sigI4, arr, sigI4, sigI4),
		"sourceArray", "sourceIndex", "destinationArray", "destinationIndex", "length")
	b.native("Clear", mStatic, metadata.MethodSig(false, sigVoid, arr, sigI4, sigI4), "array", "index", "length")
	b.native("Reverse", mStatic, metadata.MethodSig(false, sigVoid, arr), "array")
	b.native("IndexOf", mStatic, metadata.MethodSig(false, sigI4, arr, sigObject), "array", "value")
}

// defineDelegates defines Delegate, MulticastDelegate and the Action and
// Func families. Delegate constructors and Invoke are provided by the
// runtime.
func (b *corlibBuilder) defineDelegates(objCtor metadata.Token) {
	del := b.class("Delegate")
	b.DefineType("System", "Delegate", tAbstract, b.sys("Object"))
	ctor := b.DefineMethod(".ctor", mFamily|metadata.MethodSpecialName|metadata.MethodRTSpecialName, 0, metadata.MethodSig(true, sigVoid))
	b.body(ctor, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpCall, objCtor).Emit(metadata.OpRet)
	})
	b.native("Combine", mStatic, metadata.MethodSig(false, del, del, del), "a", "b")
	b.native("Remove", mStatic, metadata.MethodSig(false, del, del, del), "source", "value")
	b.native("get_Target", mGetter, metadata.MethodSig(true, sigObject))
	b.native("DynamicInvoke", mPublic, metadata.MethodSig(true, sigObject, metadata.SZArrayOf(sigObject)), "args")
	b.native("Equals", mOverride, metadata.MethodSig(true, sigBool, sigObject), "obj")
	b.native("GetHashCode", mOverride, metadata.MethodSig(true, sigI4))
	b.native("op_Equality", mOperator, metadata.MethodSig(false, sigBool, del, del), "d1", "d2")
	b.native("op_Inequality", mOperator, metadata.MethodSig(false, sigBool, del, del), "d1", "d2")

	b.DefineType("System", "MulticastDelegate", tAbstract, b.sys("Delegate"))
	mctor := b.DefineMethod(".ctor", mFamily|metadata.MethodSpecialName|metadata.MethodRTSpecialName, 0, metadata.MethodSig(true, sigVoid))
	b.body(mctor, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpCall, ctor).Emit(metadata.OpRet)
	})

	md := b.sys("MulticastDelegate")
	for _, d := range []struct {
		name  string
		arity int
		ret   bool
	}{
		{"Action", 0, false}, {"Action`1", 1, false}, {"Action`2", 2, false}, {"Action`3", 3, false},
		{"Func`1", 1, true}, {"Func`2", 2, true}, {"Func`3", 3, true}, {"Func`4", 4, true},
		{"Predicate`1", 1, false},
		{"Comparison`1", 1, false},
	} {
		t := b.DefineType("System", d.name, tSealed, md)
		for i := 0; i < d.arity; i++ {
			b.AddGenericParam(t, uint16(i), fmt.Sprintf("T%d", i+1), 0)
		}
		var params []metadata.SigType
		ret := sigVoid
		switch {
		case d.name == "Predicate`1":
			params, ret = []metadata.SigType{metadata.TypeVar(0)}, sigBool
		case d.name == "Comparison`1":
			params, ret = []metadata.SigType{metadata.TypeVar(0), metadata.TypeVar(0)}, sigI4
		case d.ret:
			for i := 0; i < d.arity-1; i++ {
				params = append(params, metadata.TypeVar(uint32(i)))
			}
			ret = metadata.TypeVar(uint32(d.arity - 1))
		default:
			for i := 0; i < d.arity; i++ {
				params = append(params, metadata.TypeVar(uint32(i)))
			}
		}
		b.DefineMethod(".ctor", mCtor, implRuntime, metadata.MethodSig(true, sigVoid, sigObject, sigI), "object", "method")
		b.DefineMethod("Invoke", mNewVirt, implRuntime, metadata.MethodSig(true, ret, params...))
	}
}

func (b *corlibBuilder) defineReflection(objCtor metadata.Token) {
	obj := b.sys("Object")
	typ := b.class("Type")
	b.DefineType("System", "Type", tAbstract, obj)
	b.native("GetTypeFromHandle", mStatic, metadata.MethodSig(false, typ, b.valueType("RuntimeTypeHandle")), "handle")
	b.native("get_Name", mGetter|metadata.MethodVirtual|metadata.MethodNewSlot, metadata.MethodSig(true, sigString))
	b.native("get_Namespace", mGetter|metadata.MethodVirtual|metadata.MethodNewSlot, metadata.MethodSig(true, sigString))
	b.native("get_FullName", mGetter|metadata.MethodVirtual|metadata.MethodNewSlot, metadata.MethodSig(true, sigString))
	b.native("get_BaseType", mGetter|metadata.MethodVirtual|metadata.MethodNewSlot, metadata.MethodSig(true, typ))
	b.native("get_IsValueType", mGetter, metadata.MethodSig(true, sigBool))
	b.native("get_IsArray", mGetter, metadata.MethodSig(true, sigBool))
	b.native("get_TypeHandle", mGetter, metadata.MethodSig(true, b.valueType("RuntimeTypeHandle")))
	b.native("GetElementType", mNewVirt, metadata.MethodSig(true, typ))
	b.native("IsAssignableFrom", mNewVirt, metadata.MethodSig(true, sigBool, typ), "c")
	b.native("IsInstanceOfType", mNewVirt, metadata.MethodSig(true, sigBool, sigObject), "o")
	b.native("ToString", mOverride, metadata.MethodSig(true, sigString))
	eq := b.DefineMethod("op_Equality", mOperator, 0, metadata.MethodSig(false, sigBool, typ, typ), "left", "right")
	b.body(eq, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Ldarg(1).Emit(metadata.OpCeq).Emit(metadata.OpRet)
	})
	ne := b.DefineMethod("op_Inequality", mOperator, 0, metadata.MethodSig(false, sigBool, typ, typ), "left", "right")
	b.body(ne, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Ldarg(1).Emit(metadata.OpCeq).LdcI4(0).Emit(metadata.OpCeq).Emit(metadata.OpRet)
	})

	b.DefineType("System", "RuntimeType", tSealed, b.sys("Type"))

	vt := b.sys("ValueType")
	for _, h := range []string{"RuntimeTypeHandle", "RuntimeMethodHandle", "RuntimeFieldHandle"} {
		b.DefineType("System", h, tStruct, vt)
		b.DefineField("m_value", metadata.FieldPrivate, metadata.FieldSig(sigObject))
		b.native("get_Value", mGetter, metadata.MethodSig(true, sigI))
	}

	b.DefineType("System", "Attribute", tAbstract, obj)
	actor := b.DefineMethod(".ctor", mFamily|metadata.MethodSpecialName|metadata.MethodRTSpecialName, 0, metadata.MethodSig(true, sigVoid))
	b.body(actor, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpCall, objCtor).Emit(metadata.OpRet)
	})
	for _, name := range []string{"ThreadStaticAttribute", "ObsoleteAttribute", "FlagsAttribute", "ParamArrayAttribute"} {
		b.DefineType("System", name, tSealed, b.sys("Attribute"))
		c := b.DefineMethod(".ctor", mCtor, 0, metadata.MethodSig(true, sigVoid))
		b.body(c, func(il *metadata.ILBuilder) {
			il.Ldarg(0).EmitToken(metadata.OpCall, actor).Emit(metadata.OpRet)
		})
	}

	b.DefineType("System", "IDisposable", tInterface, 0)
	b.DefineMethod("Dispose", mInterface, 0, metadata.MethodSig(true, sigVoid))
	b.DefineType("System", "ICloneable", tInterface, 0)
	b.DefineMethod("Clone", mInterface, 0, metadata.MethodSig(true, sigObject))
}

// defineExceptions defines System.Exception and the runtime exception
// classes, each with the three conventional constructors.
func (b *corlibBuilder) defineExceptions(objCtor metadata.Token) {
	exc := b.class("Exception")
	b.DefineType("System", "Exception", tPublic|metadata.TypeSerializable, b.sys("Object"))
	msgField := b.DefineField("_message", metadata.FieldPrivate, metadata.FieldSig(sigString))
	innerField := b.DefineField("_innerException", metadata.FieldPrivate, metadata.FieldSig(exc))
	b.DefineField("_stackTrace", metadata.FieldPrivate, metadata.FieldSig(sigString))
	var ctors [3]metadata.Token
	ctors[0] = b.DefineMethod(".ctor", mCtor, 0, metadata.MethodSig(true, sigVoid))
	b.body(ctors[0], func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpCall, objCtor).Emit(metadata.OpRet)
	})
	ctors[1] = b.DefineMethod(".ctor", mCtor, 0, metadata.MethodSig(true, sigVoid, sigString), "message")
	b.body(ctors[1], func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpCall, objCtor)
		il.Ldarg(0).Ldarg(1).EmitToken(metadata.OpStfld, msgField)
		il.Emit(metadata.OpRet)
	})
	ctors[2] = b.DefineMethod(".ctor", mCtor, 0, metadata.MethodSig(true, sigVoid, sigString, exc), "message", "innerException")
	b.body(ctors[2], func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpCall, objCtor)
		il.Ldarg(0).Ldarg(1).EmitToken(metadata.OpStfld, msgField)
		il.Ldarg(0).Ldarg(2).EmitToken(metadata.OpStfld, innerField)
		il.Emit(metadata.OpRet)
	})
	getMsg := b.DefineMethod("get_Message", mGetter|metadata.MethodVirtual|metadata.MethodNewSlot, 0, metadata.MethodSig(true, sigString))
	b.body(getMsg, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpLdfld, msgField).Emit(metadata.OpRet)
	})
	getInner := b.DefineMethod("get_InnerException", mGetter, 0, metadata.MethodSig(true, exc))
	b.body(getInner, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpLdfld, innerField).Emit(metadata.OpRet)
	})
	b.native("get_StackTrace", mGetter|metadata.MethodVirtual|metadata.MethodNewSlot, metadata.MethodSig(true, sigString))
	b.native("ToString", mOverride, metadata.MethodSig(true, sigString))
	b.DefineProperty("Message", metadata.PropertySig(true, sigString), getMsg, 0)
	b.DefineProperty("InnerException", metadata.PropertySig(true, exc), getInner, 0)
	b.ctors["Exception"] = ctors

	for _, e := range exceptionParents {
		base := b.ctors[e.parent]
		b.DefineType("System", e.name, tPublic|metadata.TypeSerializable, b.sys(e.parent))
		var own [3]metadata.Token
		own[0] = b.DefineMethod(".ctor", mCtor, 0, metadata.MethodSig(true, sigVoid))
		b.body(own[0], func(il *metadata.ILBuilder) {
			il.Ldarg(0).EmitToken(metadata.OpCall, base[0]).Emit(metadata.OpRet)
		})
		own[1] = b.DefineMethod(".ctor", mCtor, 0, metadata.MethodSig(true, sigVoid, sigString), "message")
		b.body(own[1], func(il *metadata.ILBuilder) {
			il.Ldarg(0).Ldarg(1).EmitToken(metadata.OpCall, base[1]).Emit(metadata.OpRet)
		})
		own[2] = b.DefineMethod(".ctor", mCtor, 0, metadata.MethodSig(true, sigVoid, sigString, exc), "message", "innerException")
		b.body(own[2], func(il *metadata.ILBuilder) {
			il.Ldarg(0).Ldarg(1).Ldarg(2).EmitToken(metadata.OpCall, base[2]).Emit(metadata.OpRet)
		})
		b.ctors[e.name] = own
	}
}

// defineNullable defines System.Nullable`1 in IL.
func (b *corlibBuilder) defineNullable() {
	t := b.DefineType("System", "Nullable`1", tStruct|metadata.TypeSerializable, b.sys("ValueType"))
	b.AddGenericParam(t, 0, "T", metadata.GenericValueTypeConstraint|metadata.GenericDefaultCtorConstraint)
	b.DefineField("hasValue", metadata.FieldPrivate, metadata.FieldSig(sigBool))
	b.DefineField("value", metadata.FieldPrivate, metadata.FieldSig(metadata.TypeVar(0)))

	self := b.TypeSpec(metadata.TypeSpecSig(metadata.GenericInstOf(true, t, metadata.TypeVar(0))))
	hasValue := b.MemberRef(self, "hasValue", metadata.FieldSig(sigBool))
	value := b.MemberRef(self, "value", metadata.FieldSig(metadata.TypeVar(0)))
	invalidOp := b.ctors["InvalidOperationException"][1]
	noValue := b.UserString("Nullable object must have a value.")

	ctor := b.DefineMethod(".ctor", mCtor, 0, metadata.MethodSig(true, sigVoid, metadata.TypeVar(0)), "value")
	b.body(ctor, func(il *metadata.ILBuilder) {
		il.Ldarg(0).LdcI4(1).EmitToken(metadata.OpStfld, hasValue)
		il.Ldarg(0).Ldarg(1).EmitToken(metadata.OpStfld, value)
		il.Emit(metadata.OpRet)
	})
	getHas := b.DefineMethod("get_HasValue", mGetter, 0, metadata.MethodSig(true, sigBool))
	b.body(getHas, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpLdfld, hasValue).Emit(metadata.OpRet)
	})
	getValue := b.DefineMethod("get_Value", mGetter, 0, metadata.MethodSig(true, metadata.TypeVar(0)))
	b.body(getValue, func(il *metadata.ILBuilder) {
		ok := il.NewLabel()
		il.Ldarg(0).EmitToken(metadata.OpLdfld, hasValue).Branch(metadata.OpBrtrueS, ok)
		il.EmitToken(metadata.OpLdstr, noValue).EmitToken(metadata.OpNewobj, invalidOp).Emit(metadata.OpThrow)
		il.Mark(ok)
		il.Ldarg(0).EmitToken(metadata.OpLdfld, value).Emit(metadata.OpRet)
	})
	orDefault := b.DefineMethod("GetValueOrDefault", mPublic, 0, metadata.MethodSig(true, metadata.TypeVar(0)))
	b.body(orDefault, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpLdfld, value).Emit(metadata.OpRet)
	})
	orFallback := b.DefineMethod("GetValueOrDefault", mPublic, 0, metadata.MethodSig(true, metadata.TypeVar(0), metadata.TypeVar(0)), "defaultValue")
	b.body(orFallback, func(il *metadata.ILBuilder) {
		use := il.NewLabel()
		il.Ldarg(0).EmitToken(metadata.OpLdfld, hasValue).Branch(metadata.OpBrtrueS, use)
		il.Ldarg(1).Emit(metadata.OpRet)
		il.Mark(use)
		il.Ldarg(0).EmitToken(metadata.OpLdfld, value).Emit(metadata.OpRet)
	})
	b.DefineProperty("HasValue", metadata.PropertySig(true, sigBool), getHas, 0)
	b.DefineProperty("Value", metadata.PropertySig(true, metadata.TypeVar(0)), getValue, 0)
}

// defineStatics defines the static helper classes.
func (b *corlibBuilder) defineStatics() {
	obj := b.sys("Object")
	arr := b.class("Array")

	b.DefineType("System.Runtime.CompilerServices", "RuntimeHelpers", tStatic, obj)
	b.native("InitializeArray", mStatic, metadata.MethodSig(false, sigVoid, arr, b.valueType("RuntimeFieldHandle")), "array", "fldHandle")
	b.native("RunClassConstructor", mStatic, metadata.MethodSig(false, sigVoid, b.valueType("RuntimeTypeHandle")), "type")
	b.native("GetHashCode", mStatic, metadata.MethodSig(false, sigI4, sigObject), "o")

	b.DefineType("System", "Console", tStatic, obj)
	for _, name := range []string{"WriteLine", "Write"} {
		if name == "WriteLine" {
			b.native(name, mStatic, metadata.MethodSig(false, sigVoid))
		}
		for _, p := range []metadata.SigType{sigString, sigObject, sigBool, sigChar, sigI4, sigU4, sigI8, sigR4, sigR8} {
			b.native(name, mStatic, metadata.MethodSig(false, sigVoid, p), "value")
		}
		b.native(name, mStatic, metadata.MethodSig(false, sigVoid, sigString, sigObject), "format", "arg0")
		b.native(name, mStatic, metadata.MethodSig(false, sigVoid, sigString, sigObject, sigObject), "format", "arg0", "arg1")
		b.native(name, mStatic, metadata.MethodSig(false, sigVoid, sigString, metadata.SZArrayOf(sigObject)), "format", "arg")
	}

	b.DefineType("System", "Math", tStatic, obj)
	for _, p := range []metadata.SigType{sigI4, sigI8, sigR8} {
		b.native("Abs", mStatic, metadata.MethodSig(false, p, p), "value")
		b.native("Max", mStatic, metadata.MethodSig(false, p, p, p), "val1", "val2")
		b.native("Min", mStatic, metadata.MethodSig(false, p, p, p), "val1", "val2")
	}
	for _, name := range []string{"Sqrt", "Floor", "Ceiling", "Round", "Sin", "Cos", "Exp", "Log"} {
		b.native(name, mStatic, metadata.MethodSig(false, sigR8, sigR8), "d")
	}
	b.native("Pow", mStatic, metadata.MethodSig(false, sigR8, sigR8, sigR8), "x", "y")

	b.DefineType("System", "Environment", tStatic, obj)
	b.native("get_NewLine", mSGetter, metadata.MethodSig(false, sigString))
	b.native("get_TickCount", mSGetter, metadata.MethodSig(false, sigI4))
	b.native("get_CurrentManagedThreadId", mSGetter, metadata.MethodSig(false, sigI4))
}
