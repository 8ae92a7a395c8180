package vm

import (
	"testing"

	"github.com/chazu/hybrid/metadata"
)

func TestStringNatives(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	str := func(name string, ret metadata.SigType, params ...metadata.SigType) metadata.Token {
		return a.sysMethod("String", name, true, ret, params...)
	}
	strArr := metadata.SZArrayOf(tString)
	tests := []struct {
		name string
		want string
		emit func(il *metadata.ILBuilder)
	}{
		{"TrimUpper", "HELLO WORLD", func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString("  Hello World \t"))
			il.EmitToken(metadata.OpCallvirt, str("Trim", tString))
			il.EmitToken(metadata.OpCallvirt, str("ToUpper", tString))
		}},
		{"Substring", "ell", func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString("hello")).LdcI4(1).LdcI4(3)
			il.EmitToken(metadata.OpCallvirt, str("Substring", tString, tInt32, tInt32))
		}},
		{"Replace", "a+b+c", func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString("a-b-c"))
			il.EmitToken(metadata.OpLdstr, a.UserString("-")).EmitToken(metadata.OpLdstr, a.UserString("+"))
			il.EmitToken(metadata.OpCallvirt, str("Replace", tString, tString, tString))
		}},
		{"Concat", "abcd", func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString("ab")).EmitToken(metadata.OpLdstr, a.UserString("cd"))
			il.EmitToken(metadata.OpCall, a.sysMethod("String", "Concat", false, tString, tString, tString))
		}},
		{"Join", "x, y", func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString(", "))
			il.LdcI4(2).EmitToken(metadata.OpNewarr, a.sys("String"))
			il.Emit(metadata.OpDup).LdcI4(0).EmitToken(metadata.OpLdstr, a.UserString("x")).Emit(metadata.OpStelemRef)
			il.Emit(metadata.OpDup).LdcI4(1).EmitToken(metadata.OpLdstr, a.UserString("y")).Emit(metadata.OpStelemRef)
			il.EmitToken(metadata.OpCall, a.sysMethod("String", "Join", false, tString, tString, strArr))
		}},
		{"Format", "1 and b", func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString("{0} and {1}"))
			il.LdcI4(1).EmitToken(metadata.OpBox, a.sys("Int32"))
			il.EmitToken(metadata.OpLdstr, a.UserString("b"))
			il.EmitToken(metadata.OpCall, a.sysMethod("String", "Format", false, tString, tString, tObject, tObject))
		}},
		{"CharArray", "olleh", func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString("hello"))
			il.EmitToken(metadata.OpCallvirt, str("ToCharArray", metadata.SZArrayOf(metadata.Prim(metadata.ElementChar))))
			il.Emit(metadata.OpDup).EmitToken(metadata.OpCall, a.sysMethod("Array", "Reverse", false, tVoid, metadata.ClassOf(a.sys("Array"))))
			il.EmitToken(metadata.OpNewobj, a.sysMethod("String", ".ctor", true, tVoid, metadata.SZArrayOf(metadata.Prim(metadata.ElementChar))))
		}},
	}
	for _, tt := range tests {
		tt := tt
		a.static(tt.name, tString, nil, nil, func(il *metadata.ILBuilder) {
			tt.emit(il)
			il.Emit(metadata.OpRet)
		})
	}
	ints := []struct {
		name string
		want int32
		emit func(il *metadata.ILBuilder)
	}{
		{"IndexOf", 2, func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString("hello")).EmitToken(metadata.OpLdstr, a.UserString("l"))
			il.EmitToken(metadata.OpCallvirt, str("IndexOf", tInt32, tString))
		}},
		{"Length", 5, func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString("hello"))
			il.EmitToken(metadata.OpCallvirt, str("get_Length", tInt32))
		}},
		{"StartsWith", 1, func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString("hello")).EmitToken(metadata.OpLdstr, a.UserString("he"))
			il.EmitToken(metadata.OpCallvirt, str("StartsWith", tBool, tString))
		}},
		{"Equality", 1, func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, a.UserString("ab"))
			il.EmitToken(metadata.OpLdstr, a.UserString("a")).EmitToken(metadata.OpLdstr, a.UserString("b"))
			il.EmitToken(metadata.OpCall, a.sysMethod("String", "Concat", false, tString, tString, tString))
			il.EmitToken(metadata.OpCall, a.sysMethod("String", "op_Equality", false, tBool, tString, tString))
		}},
		{"NullOrEmpty", 1, func(il *metadata.ILBuilder) {
			il.Emit(metadata.OpLdnull).EmitToken(metadata.OpCall, a.sysMethod("String", "IsNullOrEmpty", false, tBool, tString))
		}},
	}
	for _, tt := range ints {
		tt := tt
		a.static(tt.name, tInt32, nil, nil, func(il *metadata.ILBuilder) {
			tt.emit(il)
			il.Emit(metadata.OpRet)
		})
	}
	a.static("BadSubstring", tString, nil, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpLdstr, a.UserString("abc")).LdcI4(5)
		il.EmitToken(metadata.OpCallvirt, str("Substring", tString, tInt32)).Emit(metadata.OpRet)
	})
	a.static("NullTrim", tString, nil, nil, func(il *metadata.ILBuilder) {
		il.Emit(metadata.OpLdnull).EmitToken(metadata.OpCallvirt, str("Trim", tString)).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	for _, tt := range tests {
		if got := GoString(env.mustCall("Program", tt.name).Obj()); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, got, tt.want)
		}
	}
	for _, tt := range ints {
		if got := env.mustCall("Program", tt.name).I32(); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
	_, err := env.call("Program", "BadSubstring")
	expectException(t, err, "ArgumentOutOfRangeException")
	_, err = env.call("Program", "NullTrim")
	expectException(t, err, "NullReferenceException")
}

func TestArrayNatives(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	arrT := metadata.ClassOf(a.sys("Array"))
	i4arr := metadata.SZArrayOf(tInt32)
	// Run builds {5, 1, 4}, reverses it, copies it into a fresh array,
	// clears the copy's middle element and returns
	// copy[0]*1000 + copy[1]*100 + IndexOf(arr, 5)*10 + copy.Length.
	a.static("Run", tInt32, nil, []metadata.SigType{i4arr, i4arr}, func(il *metadata.ILBuilder) {
		il.LdcI4(3).EmitToken(metadata.OpNewarr, a.sys("Int32")).Stloc(0)
		for i, v := range []int32{5, 1, 4} {
			il.Ldloc(0).LdcI4(int32(i)).LdcI4(v).Emit(metadata.OpStelemI4)
		}
		il.Ldloc(0).EmitToken(metadata.OpCall, a.sysMethod("Array", "Reverse", false, tVoid, arrT))
		il.LdcI4(3).EmitToken(metadata.OpNewarr, a.sys("Int32")).Stloc(1)
		il.Ldloc(0).Ldloc(1).LdcI4(3).EmitToken(metadata.OpCall, a.sysMethod("Array", "Copy", false, tVoid, arrT, arrT, tInt32))
		il.Ldloc(1).LdcI4(1).LdcI4(1).EmitToken(metadata.OpCall, a.sysMethod("Array", "Clear", false, tVoid, arrT, tInt32, tInt32))

		il.Ldloc(1).LdcI4(0).Emit(metadata.OpLdelemI4).LdcI4(1000).Emit(metadata.OpMul)
		il.Ldloc(1).LdcI4(1).Emit(metadata.OpLdelemI4).LdcI4(100).Emit(metadata.OpMul).Emit(metadata.OpAdd)
		il.Ldloc(0).LdcI4(5).EmitToken(metadata.OpBox, a.sys("Int32"))
		il.EmitToken(metadata.OpCall, a.sysMethod("Array", "IndexOf", false, tInt32, arrT, tObject))
		il.LdcI4(10).Emit(metadata.OpMul).Emit(metadata.OpAdd)
		il.Ldloc(1).EmitToken(metadata.OpCallvirt, a.sysMethod("Array", "get_Length", true, tInt32)).Emit(metadata.OpAdd)
		il.Emit(metadata.OpRet)
	})
	a.static("GetSet", tObject, nil, []metadata.SigType{i4arr}, func(il *metadata.ILBuilder) {
		il.LdcI4(2).EmitToken(metadata.OpNewarr, a.sys("Int32")).Stloc(0)
		il.Ldloc(0).LdcI4(9).EmitToken(metadata.OpBox, a.sys("Int32")).LdcI4(1)
		il.EmitToken(metadata.OpCallvirt, a.sysMethod("Array", "SetValue", true, tVoid, tObject, tInt32))
		il.Ldloc(0).LdcI4(1).EmitToken(metadata.OpCallvirt, a.sysMethod("Array", "GetValue", true, tObject, tInt32))
		il.Emit(metadata.OpRet)
	})
	a.static("ReverseNull", tVoid, nil, nil, func(il *metadata.ILBuilder) {
		il.Emit(metadata.OpLdnull).EmitToken(metadata.OpCall, a.sysMethod("Array", "Reverse", false, tVoid, arrT)).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	if got := env.mustCall("Program", "Run").I32(); got != 4000+0+20+3 {
		t.Errorf("Run = %d, want 4023", got)
	}
	boxed := env.mustCall("Program", "GetSet").Obj()
	if boxed == nil || boxed.Class.Name != "Int32" || boxed.Fields[0].I32() != 9 {
		t.Errorf("GetValue returned %v", boxed)
	}
	_, err := env.call("Program", "ReverseNull")
	expectException(t, err, "ArgumentNullException")
}

func TestDelegateEquality(t *testing.T) {
	rt, err := NewRuntime(Options{})
	if err != nil {
		t.Fatal(err)
	}
	th := rt.NewThread()
	action, err := rt.FindClass(CorlibName, "System", "Action")
	if err != nil {
		t.Fatal(err)
	}
	toString := rt.corlib.Object.FindMethod("ToString", 0)
	hash := rt.corlib.Object.FindMethod("GetHashCode", 0)
	target := ObjValue(rt.newObject(rt.corlib.Object))
	single := func(m *MethodInfo) *Object {
		o := rt.newObject(action)
		o.Native = &DelegateData{Target: target, Method: m}
		return o
	}
	native := func(name string, args ...StackObject) StackObject {
		t.Helper()
		var ret StackObject
		if err := rt.natives["System.Delegate::"+name](th, args, &ret); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		return ret
	}

	d1, d2, d1b := single(toString), single(hash), single(toString)
	if !delegatesEqual(d1, d1b) || delegatesEqual(d1, d2) {
		t.Fatal("single delegates compare by target and method")
	}

	combined := native("Combine", ObjValue(d1), ObjValue(d2)).Obj()
	combined = native("Combine", ObjValue(combined), ObjValue(d1b)).Obj()
	if n := len(invocationList(combined)); n != 3 {
		t.Fatalf("invocation list has %d entries, want 3", n)
	}
	if got := native("Combine", StackObject{}, ObjValue(d2)).Obj(); got != d2 {
		t.Error("Combine(null, d) is not d")
	}

	// Remove drops the last occurrence.
	removed := native("Remove", ObjValue(combined), ObjValue(d1)).Obj()
	list := invocationList(removed)
	if len(list) != 2 || list[0] != d1 || list[1] != d2 {
		t.Errorf("Remove left %v", list)
	}
	if got := native("Remove", ObjValue(d1), ObjValue(d1b)); !got.IsNull() {
		t.Error("removing the only entry does not yield null")
	}
	if got := native("Remove", ObjValue(d2), ObjValue(d1)).Obj(); got != d2 {
		t.Error("removing an absent delegate changed the source")
	}

	if !native("op_Equality", ObjValue(removed), ObjValue(native("Combine", ObjValue(d1b), ObjValue(d2)).Obj())).Bool() {
		t.Error("equal invocation lists compare unequal")
	}
	if native("GetHashCode", ObjValue(d1)).I32() != native("GetHashCode", ObjValue(d1b)).I32() {
		t.Error("equal delegates hash differently")
	}

	other, err := rt.FindClass(CorlibName, "System", "Func`1")
	if err != nil {
		t.Fatal(err)
	}
	foreign := rt.newObject(other)
	foreign.Native = &DelegateData{Target: target, Method: toString}
	err = rt.natives["System.Delegate::Combine"](th, []StackObject{ObjValue(d1), ObjValue(foreign)}, new(StackObject))
	expectException(t, err, "ArgumentException")
}

func TestCustomAttributes(t *testing.T) {
	a := newTestAssembly(t)
	a.class("TagAttribute", a.sys("Attribute"))
	name := a.DefineField("Name", metadata.FieldPublic, metadata.FieldSig(tString))
	level := a.DefineField("Level", metadata.FieldPublic, metadata.FieldSig(tInt32))
	count := a.DefineField("count", metadata.FieldPrivate, metadata.FieldSig(tInt32))
	attrCtor := a.method(".ctor", mCtor, metadata.MethodSig(true, tVoid, tString), nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpCall, a.sysMethod("Attribute", ".ctor", true, tVoid))
		il.Ldarg(0).Ldarg(1).EmitToken(metadata.OpStfld, name)
		il.Emit(metadata.OpRet)
	})
	a.method("set_Count", mPublic|metadata.MethodSpecialName, metadata.MethodSig(true, tVoid, tInt32), nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Ldarg(1).LdcI4(2).Emit(metadata.OpMul).EmitToken(metadata.OpStfld, count).Emit(metadata.OpRet)
	})

	program := a.class("Program", 0)
	a.AddCustomAttribute(program, attrCtor, metadata.NewAttributeBlob().
		Fixed(metadata.ElementString, "hello").
		Field("Level", metadata.ElementI4, int32(3)).
		Property("Count", metadata.ElementI4, int32(21)).
		Bytes())
	a.AddCustomAttribute(program, a.sysMethod("ObsoleteAttribute", ".ctor", true, tVoid), metadata.NewAttributeBlob().Bytes())
	plain := a.class("Plain", 0)
	broken := a.class("Broken", 0)
	a.AddCustomAttribute(broken, attrCtor, metadata.NewAttributeBlob().
		Fixed(metadata.ElementString, "x").
		Field("Missing", metadata.ElementI4, int32(1)).
		Bytes())
	env := a.load(Options{})

	if !env.img.HasAttribute(program, "Test", "TagAttribute") || !env.img.HasAttribute(program, "System", "ObsoleteAttribute") {
		t.Error("HasAttribute misses attributes on Program")
	}
	if env.img.HasAttribute(plain, "System", "ObsoleteAttribute") {
		t.Error("HasAttribute reports an attribute on Plain")
	}

	attrs, err := env.img.GetCustomAttributes(program)
	if err != nil {
		t.Fatal(err)
	}
	if len(attrs) != 2 {
		t.Fatalf("got %d attributes, want 2", len(attrs))
	}
	tag := attrs[0]
	if tag.Class.Name != "TagAttribute" {
		t.Fatalf("first attribute is %s", tag.Class.FullName())
	}
	field := func(name string) *StackObject {
		f := tag.Class.FindField(name)
		if f == nil {
			t.Fatalf("no field %s", name)
		}
		return &tag.Fields[f.Slot]
	}
	if got := GoString(field("Name").Obj()); got != "hello" {
		t.Errorf("Name = %q", got)
	}
	if got := field("Level").I32(); got != 3 {
		t.Errorf("Level = %d", got)
	}
	if f := tag.Class.FindField("Level"); f.Token != level {
		t.Errorf("Level token = %s, want %s", f.Token, level)
	}
	if got := field("count").I32(); got != 42 {
		t.Errorf("count = %d, want the setter to have run", got)
	}
	if attrs[1].Class.Name != "ObsoleteAttribute" {
		t.Errorf("second attribute is %s", attrs[1].Class.FullName())
	}

	again, err := env.img.GetCustomAttributes(program)
	if err != nil || again[0] != tag {
		t.Error("attributes are not cached")
	}
	if got, err := env.img.GetCustomAttributes(plain); err != nil || len(got) != 0 {
		t.Errorf("Plain attributes = %v, %v", got, err)
	}
	if _, err := env.img.GetCustomAttributes(broken); err == nil {
		t.Error("a missing named field does not fail")
	}
}
