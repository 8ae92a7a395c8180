package vm

import (
	"errors"
	"testing"

	"github.com/chazu/hybrid/metadata"
)

func TestEncodedIndex(t *testing.T) {
	tests := []struct {
		image, local int
	}{
		{0, 0},
		{2, 41},
		{1023, localIndexMask},
	}
	for _, tt := range tests {
		e := MakeEncodedIndex(tt.image, tt.local)
		if e.Image() != tt.image || e.Local() != tt.local {
			t.Errorf("MakeEncodedIndex(%d, %d) = %s", tt.image, tt.local, e)
		}
	}

	a := newTestAssembly(t)
	a.class("Program", 0)
	env := a.load(Options{})
	c := env.class("Program")
	if c.Index.Image() != env.img.Index {
		t.Errorf("class index %s not in image %d", c.Index, env.img.Index)
	}
	if _, err := env.img.local(c.Index); err != nil {
		t.Errorf("local(%s): %v", c.Index, err)
	}
	if _, err := env.rt.Corlib().local(c.Index); !errors.Is(err, ErrWrongImage) {
		t.Errorf("decoding against the core library: err = %v, want ErrWrongImage", err)
	}
}

// boxAssembly defines Box`1<T> with a field of type T, a constructor and
// Get, plus Program.Run returning new Box<int>(42).Get().
func boxAssembly(t *testing.T) (*testAssembly, metadata.Token) {
	a := newTestAssembly(t)
	box := a.DefineType("Test", "Box`1", tPublic, a.sys("Object"))
	a.AddGenericParam(box, 0, "T", 0)
	a.DefineField("value", metadata.FieldPrivate, metadata.FieldSig(metadata.TypeVar(0)))
	self := a.TypeSpec(metadata.TypeSpecSig(metadata.GenericInstOf(false, box, metadata.TypeVar(0))))
	value := a.MemberRef(self, "value", metadata.FieldSig(metadata.TypeVar(0)))
	a.ctor(a.objectCtor(), []metadata.SigType{metadata.TypeVar(0)}, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Ldarg(1).EmitToken(metadata.OpStfld, value)
	})
	a.method("Get", mPublic, metadata.MethodSig(true, metadata.TypeVar(0)), nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpLdfld, value).Emit(metadata.OpRet)
	})

	boxInt := a.TypeSpec(metadata.TypeSpecSig(metadata.GenericInstOf(false, box, tInt32)))
	ctor := a.MemberRef(boxInt, ".ctor", metadata.MethodSig(true, tVoid, metadata.TypeVar(0)))
	get := a.MemberRef(boxInt, "Get", metadata.MethodSig(true, metadata.TypeVar(0)))
	a.class("Program", 0)
	a.static("Run", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.LdcI4(42).EmitToken(metadata.OpNewobj, ctor).EmitToken(metadata.OpCall, get).Emit(metadata.OpRet)
	})
	return a, boxInt
}

func TestGenericClassInstantiation(t *testing.T) {
	a, boxInt := boxAssembly(t)
	env := a.load(Options{})

	if got := env.mustCall("Program", "Run").I32(); got != 42 {
		t.Errorf("Box<int>.Get() = %d, want 42", got)
	}

	def := env.class("Box`1")
	if def.GenericContainer.Arity() != 1 || !def.ContainsGenericParameters() {
		t.Fatalf("Box`1 is not an open generic definition")
	}
	i32 := env.rt.corlib.Primitive(metadata.ElementI4)
	c, err := env.rt.InflateClass(def, i32)
	if err != nil {
		t.Fatal(err)
	}
	if c.FullName() != "Test.Box`1<System.Int32>" {
		t.Errorf("FullName = %q", c.FullName())
	}
	if c.GenericDef != def || c.ContainsGenericParameters() {
		t.Errorf("instantiation %s: GenericDef = %v", c, c.GenericDef)
	}
	again, err := env.rt.InflateClass(def, i32)
	if err != nil || again != c {
		t.Errorf("second instantiation is a different class (%v)", err)
	}
	fromToken, err := env.img.GetClassFromToken(boxInt, GenericContext{})
	if err != nil || fromToken != c {
		t.Errorf("GetClassFromToken(%s) = %v, %v; want the interned %s", boxInt, fromToken, err, c)
	}

	str, err := env.rt.InflateClass(def, env.rt.corlib.String)
	if err != nil {
		t.Fatal(err)
	}
	if str == c {
		t.Fatal("Box<string> and Box<int> share a class")
	}
	if ft, err := env.rt.FieldType(str.Fields[0]); err != nil || ft != env.rt.corlib.String {
		t.Errorf("Box<string>.value type = %v, %v", ft, err)
	}
	base := env.rt.corlib.Object.InstanceSize
	if want := base + 4; c.InstanceSize != want {
		t.Errorf("Box<int> size = %d, want %d", c.InstanceSize, want)
	}
	if want := alignUp32(base, 8) + 8; str.InstanceSize != want {
		t.Errorf("Box<string> size = %d, want %d", str.InstanceSize, want)
	}
}

func TestGenericMethodInstantiation(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	id := a.method("Id", mStatic, metadata.GenericMethodSig(false, 1, metadata.MethodVar(0), metadata.MethodVar(0)), nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Emit(metadata.OpRet)
	})
	a.AddGenericParam(id, 0, "T", 0)
	idInt := a.MethodSpec(id, metadata.MethodSpecSig(tInt32))
	idStr := a.MethodSpec(id, metadata.MethodSpecSig(tString))
	a.static("Run", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.LdcI4(9).EmitToken(metadata.OpCall, idInt).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	if got := env.mustCall("Program", "Run").I32(); got != 9 {
		t.Errorf("Id<int>(9) = %d", got)
	}
	mi, err := env.img.GetMethodInfoFromToken(idInt, GenericContext{})
	if err != nil {
		t.Fatal(err)
	}
	ms, err := env.img.GetMethodInfoFromToken(idStr, GenericContext{})
	if err != nil {
		t.Fatal(err)
	}
	if mi == ms || mi.Def != ms.Def || mi.IsGenericMethodDef() {
		t.Errorf("Id<int> = %s, Id<string> = %s", mi.FullName(), ms.FullName())
	}
	if mi.FullName() != "Test.Program::Id<System.Int32>" {
		t.Errorf("FullName = %q", mi.FullName())
	}
	if again := env.rt.InflateMethod(mi.Def, env.rt.corlib.Primitive(metadata.ElementI4)); again != mi {
		t.Error("InflateMethod does not return the interned instantiation")
	}
	if _, err := env.rt.Transform(mi.Def); err == nil {
		t.Error("transforming an open generic method succeeded")
	}
}

func TestExplicitInterfaceImplementation(t *testing.T) {
	a := newTestAssembly(t)
	shape := a.DefineType("Test", "IShape", tInterface, 0)
	sides := a.DefineMethod("Sides", mInterface, 0, metadata.MethodSig(true, tInt32))
	tri := a.class("Triangle", 0)
	ctor := a.ctor(a.objectCtor(), nil, nil)
	// Public Sides is not the interface implementation; the MethodImpl is.
	a.method("Sides", mPublic, metadata.MethodSig(true, tInt32), nil, func(il *metadata.ILBuilder) {
		il.LdcI4(-1).Emit(metadata.OpRet)
	})
	impl := a.method("Test.IShape.Sides", metadata.MethodPrivate|metadata.MethodHideBySig|metadata.MethodVirtual|metadata.MethodFinal|metadata.MethodNewSlot,
		metadata.MethodSig(true, tInt32), nil, func(il *metadata.ILBuilder) {
			il.LdcI4(3).Emit(metadata.OpRet)
		})
	a.AddInterfaceImpl(tri, shape)
	a.AddMethodImpl(tri, impl, sides)
	a.class("Program", 0)
	a.static("Run", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpNewobj, ctor).EmitToken(metadata.OpCallvirt, sides).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	if got := env.mustCall("Program", "Run").I32(); got != 3 {
		t.Errorf("IShape.Sides() = %d, want 3", got)
	}
	c, iface := env.class("Triangle"), env.class("IShape")
	slot := c.InterfaceSlot(iface, 0)
	if slot < 0 || c.VTable[slot].Name != "Test.IShape.Sides" {
		t.Errorf("interface slot %d holds %v", slot, c.VTable)
	}
	if c.InterfaceSlot(env.class("Program"), 0) != -1 {
		t.Error("slot for an interface the class does not implement")
	}
}

func TestMethodImplWithoutMatchingSlot(t *testing.T) {
	a := newTestAssembly(t)
	base := a.class("Base", 0)
	foo := a.method("Foo", mPublic, metadata.MethodSig(true, tInt32), nil, func(il *metadata.ILBuilder) {
		il.LdcI4(1).Emit(metadata.OpRet)
	})
	derived := a.class("Derived", base)
	bar := a.method("Bar", mNewVirt, metadata.MethodSig(true, tInt32), nil, func(il *metadata.ILBuilder) {
		il.LdcI4(2).Emit(metadata.OpRet)
	})
	a.AddMethodImpl(derived, bar, foo)

	data, err := a.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	rt, err := NewRuntime(Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = rt.LoadImage(data)
	var bad *BadImageError
	if !errors.As(err, &bad) || !errors.Is(err, ErrBadImage) {
		t.Fatalf("LoadImage err = %v, want BadImageError", err)
	}
}

func TestFieldLayout(t *testing.T) {
	a := newTestAssembly(t)
	a.structType("Mixed")
	a.DefineField("a", metadata.FieldPublic, metadata.FieldSig(metadata.Prim(metadata.ElementU1)))
	a.DefineField("b", metadata.FieldPublic, metadata.FieldSig(tInt32))
	a.DefineField("c", metadata.FieldPublic, metadata.FieldSig(metadata.Prim(metadata.ElementI2)))
	a.DefineField("count", metadata.FieldPublic|metadata.FieldStatic, metadata.FieldSig(tInt64))

	packed := a.structType("Packed")
	a.DefineField("a", metadata.FieldPublic, metadata.FieldSig(metadata.Prim(metadata.ElementU1)))
	a.DefineField("b", metadata.FieldPublic, metadata.FieldSig(tInt32))
	a.AddClassLayout(packed, 1, 0)

	sized := a.structType("Sized")
	a.DefineField("x", metadata.FieldPublic, metadata.FieldSig(tInt32))
	a.AddClassLayout(sized, 0, 32)

	a.structType("WithRef")
	a.DefineField("x", metadata.FieldPublic, metadata.FieldSig(tInt32))
	a.DefineField("s", metadata.FieldPublic, metadata.FieldSig(tString))

	a.structType("Nested")
	a.DefineField("inner", metadata.FieldPublic, metadata.FieldSig(metadata.ValueTypeOf(sized)))
	env := a.load(Options{})

	tests := []struct {
		typ       string
		offsets   []int32
		size      int32
		blittable bool
	}{
		{"Mixed", []int32{0, 4, 8}, 12, true},
		{"Packed", []int32{0, 1}, 5, true},
		{"Sized", []int32{0}, 32, true},
		{"WithRef", []int32{0, 8}, 16, false},
		{"Nested", []int32{0}, 32, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.typ, func(t *testing.T) {
			c := env.class(tt.typ)
			var offsets []int32
			for _, f := range c.Fields {
				if !f.IsStatic() {
					offsets = append(offsets, f.Offset)
				}
			}
			if len(offsets) != len(tt.offsets) {
				t.Fatalf("offsets = %v, want %v", offsets, tt.offsets)
			}
			for i := range offsets {
				if offsets[i] != tt.offsets[i] {
					t.Errorf("offsets = %v, want %v", offsets, tt.offsets)
					break
				}
			}
			if c.InstanceSize != tt.size {
				t.Errorf("InstanceSize = %d, want %d", c.InstanceSize, tt.size)
			}
			if c.IsBlittable() != tt.blittable {
				t.Errorf("IsBlittable = %v, want %v", c.IsBlittable(), tt.blittable)
			}
		})
	}
	if c := env.class("Mixed"); c.StaticSlots != 1 || c.InstanceSlots != 3 {
		t.Errorf("Mixed slots: %d static, %d instance", c.StaticSlots, c.InstanceSlots)
	}
}

func TestFieldConstants(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	literals := []struct {
		name  string
		typ   metadata.SigType
		value any
	}{
		{"Answer", tInt32, int32(42)},
		{"Big", tInt64, int64(-1) << 40},
		{"Ratio", tDouble, 0.25},
		{"Flag", tBool, true},
		{"Greeting", tString, "héllo"},
		{"Nothing", tObject, nil},
	}
	for _, l := range literals {
		f := a.DefineField(l.name, metadata.FieldPublic|metadata.FieldStatic|metadata.FieldLiteral, metadata.FieldSig(l.typ))
		et, blob := metadata.ConstantValue(l.value)
		a.AddConstant(f, et, blob)
	}
	a.DefineField("plain", metadata.FieldPublic|metadata.FieldStatic, metadata.FieldSig(tInt32))
	env := a.load(Options{})
	c := env.class("Program")

	constant := func(name string) StackObject {
		t.Helper()
		v, ok, err := env.rt.FieldConstant(c.FindField(name))
		if err != nil || !ok {
			t.Fatalf("FieldConstant(%s) = %v, %v", name, ok, err)
		}
		return v
	}
	if got := constant("Answer").I32(); got != 42 {
		t.Errorf("Answer = %d, want 42", got)
	}
	if got := constant("Big").I64(); got != -1<<40 {
		t.Errorf("Big = %d", got)
	}
	if got := constant("Ratio").F64(); got != 0.25 {
		t.Errorf("Ratio = %v", got)
	}
	if !constant("Flag").Bool() {
		t.Error("Flag = false")
	}
	if got := GoString(constant("Greeting").Obj()); got != "héllo" {
		t.Errorf("Greeting = %q", got)
	}
	if !constant("Nothing").IsNull() {
		t.Error("Nothing is not null")
	}
	if _, ok, err := env.rt.FieldConstant(c.FindField("plain")); ok || err != nil {
		t.Errorf("field without a constant: ok = %v, err = %v", ok, err)
	}
}

func TestTokenCacheIdempotent(t *testing.T) {
	a, boxInt := boxAssembly(t)
	value := a.MemberRef(boxInt, "value", metadata.FieldSig(metadata.TypeVar(0)))
	get := a.MemberRef(boxInt, "Get", metadata.MethodSig(true, metadata.TypeVar(0)))
	env := a.load(Options{})
	i32 := env.rt.corlib.Primitive(metadata.ElementI4)
	ctxs := []GenericContext{{}, {Class: env.rt.Inst(i32)}}

	for _, ctx := range ctxs {
		f1, err := env.img.GetFieldInfoFromToken(value, ctx)
		if err != nil {
			t.Fatal(err)
		}
		f2, err := env.img.GetFieldInfoFromToken(value, ctx)
		if err != nil || f2 != f1 {
			t.Errorf("GetFieldInfoFromToken(%s) twice: %p then %p (%v)", value, f1, f2, err)
		}
		if f1.Parent.FullName() != "Test.Box`1<System.Int32>" {
			t.Errorf("field parent = %s", f1.Parent.FullName())
		}
		m1, err := env.img.GetMethodInfoFromToken(get, ctx)
		if err != nil {
			t.Fatal(err)
		}
		m2, err := env.img.GetMethodInfoFromToken(get, ctx)
		if err != nil || m2 != m1 {
			t.Errorf("GetMethodInfoFromToken(%s) twice: %p then %p (%v)", get, m1, m2, err)
		}
	}

	// A definition token ignores the context.
	def := env.class("Box`1").Fields[0]
	for _, ctx := range ctxs {
		f, err := env.img.GetFieldInfoFromToken(def.Token, ctx)
		if err != nil || f != def {
			t.Errorf("GetFieldInfoFromToken(%s) in %v = %p, %v; want the definition", def.Token, ctx, f, err)
		}
	}
}

func TestThreadStaticFields(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	perThread := a.DefineField("perThread", metadata.FieldPrivate|metadata.FieldStatic, metadata.FieldSig(tInt32))
	a.AddCustomAttribute(perThread, a.sysMethod("ThreadStaticAttribute", ".ctor", true, tVoid), metadata.NewAttributeBlob().Bytes())
	shared := a.DefineField("shared", metadata.FieldPrivate|metadata.FieldStatic, metadata.FieldSig(tInt32))
	bump := func(f metadata.Token) func(il *metadata.ILBuilder) {
		return func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdsfld, f).LdcI4(1).Emit(metadata.OpAdd).Emit(metadata.OpDup)
			il.EmitToken(metadata.OpStsfld, f).Emit(metadata.OpRet)
		}
	}
	a.static("BumpThread", tInt32, nil, nil, bump(perThread))
	a.static("BumpShared", tInt32, nil, nil, bump(shared))
	env := a.load(Options{})

	c := env.class("Program")
	if !c.FindField("perThread").IsThreadStatic() {
		t.Fatal("perThread is not thread-static")
	}
	if c.FindField("shared").IsThreadStatic() {
		t.Fatal("shared is thread-static")
	}

	th1, th2 := env.rt.NewThread(), env.rt.NewThread()
	steps := []struct {
		th     *Thread
		method string
		want   int32
	}{
		{th1, "BumpThread", 1},
		{th1, "BumpThread", 2},
		{th2, "BumpThread", 1},
		{th1, "BumpThread", 3},
		{th1, "BumpShared", 1},
		{th2, "BumpShared", 2},
	}
	for i, s := range steps {
		v, err := s.th.Invoke(env.method("Program", s.method))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := v.I32(); got != s.want {
			t.Errorf("step %d: thread %d %s = %d, want %d", i, s.th.ID, s.method, got, s.want)
		}
	}
}
