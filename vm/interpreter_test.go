package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

// binaryProgram builds Test.Program::F(int32, int32) computing a op b.
func binaryProgram(t *testing.T, op metadata.Opcode) *testEnv {
	a := newTestAssembly(t)
	a.class("Program", 0)
	a.static("F", tInt32, []metadata.SigType{tInt32, tInt32}, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Ldarg(1).Emit(op).Emit(metadata.OpRet)
	})
	return a.load(Options{})
}

func TestInterpreterInt32Arithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   metadata.Opcode
		a, b int32
		want int32
	}{
		{"add", metadata.OpAdd, 7, 5, 12},
		{"add wraps", metadata.OpAdd, math.MaxInt32, 1, math.MinInt32},
		{"sub", metadata.OpSub, 7, 5, 2},
		{"mul", metadata.OpMul, 7, 5, 35},
		{"div", metadata.OpDiv, 7, 2, 3},
		{"div truncates", metadata.OpDiv, -7, 2, -3},
		{"rem", metadata.OpRem, -7, 2, -1},
		{"div.un", metadata.OpDivUn, -1, 2, math.MaxInt32},
		{"and", metadata.OpAnd, 12, 10, 8},
		{"or", metadata.OpOr, 12, 10, 14},
		{"xor", metadata.OpXor, 12, 10, 6},
		{"shl", metadata.OpShl, 1, 4, 16},
		{"shr", metadata.OpShr, -16, 2, -4},
		{"shr.un", metadata.OpShrUn, -16, 28, 15},
		{"ceq", metadata.OpCeq, 3, 3, 1},
		{"cgt", metadata.OpCgt, 3, 4, 0},
		{"clt.un", metadata.OpCltUn, 3, -1, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			env := binaryProgram(t, tt.op)
			v := env.mustCall("Program", "F", I32Value(tt.a), I32Value(tt.b))
			if got := v.I32(); got != tt.want {
				t.Errorf("%d %s %d = %d, want %d", tt.a, tt.name, tt.b, got, tt.want)
			}
		})
	}
}

func TestInterpreterArithmeticExceptions(t *testing.T) {
	tests := []struct {
		name string
		op   metadata.Opcode
		a, b int32
		want string
	}{
		{"divide by zero", metadata.OpDiv, 1, 0, "DivideByZeroException"},
		{"remainder by zero", metadata.OpRem, 1, 0, "DivideByZeroException"},
		{"unsigned divide by zero", metadata.OpDivUn, 1, 0, "DivideByZeroException"},
		{"min / -1", metadata.OpDiv, math.MinInt32, -1, "OverflowException"},
		{"add.ovf", metadata.OpAddOvf, math.MaxInt32, 1, "OverflowException"},
		{"sub.ovf", metadata.OpSubOvf, math.MinInt32, 1, "OverflowException"},
		{"mul.ovf", metadata.OpMulOvf, 1 << 20, 1 << 12, "OverflowException"},
		{"add.ovf.un", metadata.OpAddOvfUn, -1, 1, "OverflowException"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			env := binaryProgram(t, tt.op)
			_, err := env.call("Program", "F", I32Value(tt.a), I32Value(tt.b))
			expectException(t, err, tt.want)
		})
	}
}

func TestInterpreterConversions(t *testing.T) {
	tests := []struct {
		name string
		op   metadata.Opcode
		in   int32
		want int32
	}{
		{"conv.i1", metadata.OpConvI1, 200, -56},
		{"conv.u1", metadata.OpConvU1, -1, 255},
		{"conv.i2", metadata.OpConvI2, 40000, -25536},
		{"conv.u2", metadata.OpConvU2, -1, 65535},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAssembly(t)
			a.class("Program", 0)
			a.static("F", tInt32, []metadata.SigType{tInt32}, nil, func(il *metadata.ILBuilder) {
				il.Ldarg(0).Emit(tt.op).Emit(metadata.OpRet)
			})
			env := a.load(Options{})
			if got := env.mustCall("Program", "F", I32Value(tt.in)).I32(); got != tt.want {
				t.Errorf("%s(%d) = %d, want %d", tt.name, tt.in, got, tt.want)
			}
		})
	}
}

func TestInterpreterFloatConversions(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	a.static("Truncate", tInt32, []metadata.SigType{tDouble}, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Emit(metadata.OpConvI4).Emit(metadata.OpRet)
	})
	a.static("Checked", tInt32, []metadata.SigType{tDouble}, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Emit(metadata.OpConvOvfI4).Emit(metadata.OpRet)
	})
	a.static("Checked64", tInt64, []metadata.SigType{tDouble}, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Emit(metadata.OpConvOvfI8).Emit(metadata.OpRet)
	})
	a.static("Half", tDouble, []metadata.SigType{tInt32}, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Emit(metadata.OpConvR8).EmitFloat64(metadata.OpLdcR8, 2).Emit(metadata.OpDiv).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	if got := env.mustCall("Program", "Truncate", F64Value(-3.9)).I32(); got != -3 {
		t.Errorf("conv.i4(-3.9) = %d, want -3", got)
	}
	if got := env.mustCall("Program", "Half", I32Value(7)).F64(); got != 3.5 {
		t.Errorf("7 / 2.0 = %v, want 3.5", got)
	}
	_, err := env.call("Program", "Checked", F64Value(1e10))
	expectException(t, err, "OverflowException")
	_, err = env.call("Program", "Checked", F64Value(math.NaN()))
	expectException(t, err, "OverflowException")

	tests := []struct {
		in       float64
		want     int64
		overflow bool
	}{
		{-math.Exp2(63), math.MinInt64, false},
		{-math.Exp2(63) - 4096, 0, true},
		{math.Exp2(63) - 1024, math.MaxInt64 - 1023, false},
		{math.Exp2(63), 0, true},
		{-0.9, 0, false},
	}
	for _, tt := range tests {
		got, err := env.call("Program", "Checked64", F64Value(tt.in))
		if tt.overflow {
			expectException(t, err, "OverflowException")
			continue
		}
		if err != nil {
			t.Errorf("conv.ovf.i8(%v): %v", tt.in, err)
		} else if got.I64() != tt.want {
			t.Errorf("conv.ovf.i8(%v) = %d, want %d", tt.in, got.I64(), tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Control flow and calls
// ---------------------------------------------------------------------------

func TestInterpreterLoop(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	// Sum(n): for i := 1; i <= n; i++ { s += i }
	a.static("Sum", tInt32, []metadata.SigType{tInt32}, []metadata.SigType{tInt32, tInt32}, func(il *metadata.ILBuilder) {
		loop, done := il.NewLabel(), il.NewLabel()
		il.LdcI4(1).Stloc(0)
		il.Mark(loop)
		il.Ldloc(0).Ldarg(0).Branch(metadata.OpBgt, done)
		il.Ldloc(1).Ldloc(0).Emit(metadata.OpAdd).Stloc(1)
		il.Ldloc(0).LdcI4(1).Emit(metadata.OpAdd).Stloc(0)
		il.Branch(metadata.OpBr, loop)
		il.Mark(done)
		il.Ldloc(1).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	for n, want := range map[int32]int32{0: 0, 1: 1, 10: 55, 100: 5050} {
		if got := env.mustCall("Program", "Sum", I32Value(n)).I32(); got != want {
			t.Errorf("Sum(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestInterpreterSwitch(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	a.static("Pick", tInt32, []metadata.SigType{tInt32}, nil, func(il *metadata.ILBuilder) {
		c0, c1, c2 := il.NewLabel(), il.NewLabel(), il.NewLabel()
		il.Ldarg(0).Switch(c0, c1, c2)
		il.LdcI4(-1).Emit(metadata.OpRet)
		il.Mark(c0)
		il.LdcI4(100).Emit(metadata.OpRet)
		il.Mark(c1)
		il.LdcI4(200).Emit(metadata.OpRet)
		il.Mark(c2)
		il.LdcI4(300).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	for in, want := range map[int32]int32{0: 100, 1: 200, 2: 300, 3: -1, -1: -1} {
		if got := env.mustCall("Program", "Pick", I32Value(in)).I32(); got != want {
			t.Errorf("Pick(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestInterpreterRecursion(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	fib := a.DefineMethod("Fib", mStatic, 0, metadata.MethodSig(false, tInt32, tInt32))
	a.body(fib, nil, func(il *metadata.ILBuilder) {
		rec := il.NewLabel()
		il.Ldarg(0).LdcI4(2).Branch(metadata.OpBge, rec)
		il.Ldarg(0).Emit(metadata.OpRet)
		il.Mark(rec)
		il.Ldarg(0).LdcI4(1).Emit(metadata.OpSub).EmitToken(metadata.OpCall, fib)
		il.Ldarg(0).LdcI4(2).Emit(metadata.OpSub).EmitToken(metadata.OpCall, fib)
		il.Emit(metadata.OpAdd).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	if got := env.mustCall("Program", "Fib", I32Value(20)).I32(); got != 6765 {
		t.Errorf("Fib(20) = %d, want 6765", got)
	}
}

func TestInterpreterStackOverflow(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	m := a.DefineMethod("Forever", mStatic, 0, metadata.MethodSig(false, tInt32, tInt32))
	a.body(m, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).LdcI4(1).Emit(metadata.OpAdd).EmitToken(metadata.OpCall, m).Emit(metadata.OpRet)
	})
	env := a.load(Options{MaxFrames: 64})

	_, err := env.call("Program", "Forever", I32Value(0))
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("err = %v, want ErrStackOverflow", err)
	}
	// The thread stays usable after the overflow unwinds.
	th := env.rt.NewThread()
	if _, err := th.Invoke(env.method("Program", "Forever"), I32Value(0)); !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("second run: err = %v", err)
	}
	if th.Depth() != 0 {
		t.Errorf("depth after overflow = %d, want 0", th.Depth())
	}
}

// ---------------------------------------------------------------------------
// Objects and dispatch
// ---------------------------------------------------------------------------

func TestInterpreterVirtualDispatch(t *testing.T) {
	a := newTestAssembly(t)
	animal := a.class("Animal", 0)
	animalCtor := a.ctor(a.objectCtor(), nil, nil)
	speak := a.method("Speak", mNewVirt, metadata.MethodSig(true, tInt32), nil, func(il *metadata.ILBuilder) {
		il.LdcI4(1).Emit(metadata.OpRet)
	})
	a.class("Dog", animal)
	dogCtor := a.ctor(animalCtor, nil, nil)
	a.method("Speak", mOverride, metadata.MethodSig(true, tInt32), nil, func(il *metadata.ILBuilder) {
		il.LdcI4(2).Emit(metadata.OpRet)
	})
	a.class("Program", 0)
	a.static("Virtual", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpNewobj, dogCtor).EmitToken(metadata.OpCallvirt, speak).Emit(metadata.OpRet)
	})
	a.static("Direct", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpNewobj, dogCtor).EmitToken(metadata.OpCall, speak).Emit(metadata.OpRet)
	})
	a.static("Base", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpNewobj, animalCtor).EmitToken(metadata.OpCallvirt, speak).Emit(metadata.OpRet)
	})
	a.static("Null", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.Emit(metadata.OpLdnull).EmitToken(metadata.OpCallvirt, speak).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	tests := []struct {
		method string
		want   int32
	}{
		{"Virtual", 2},
		{"Direct", 1},
		{"Base", 1},
	}
	for _, tt := range tests {
		if got := env.mustCall("Program", tt.method).I32(); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.method, got, tt.want)
		}
	}
	_, err := env.call("Program", "Null")
	expectException(t, err, "NullReferenceException")
}

func TestInterpreterInterfaceDispatch(t *testing.T) {
	a := newTestAssembly(t)
	shape := a.DefineType("Test", "IShape", tInterface, 0)
	area := a.DefineMethod("Area", mInterface, 0, metadata.MethodSig(true, tInt32))
	square := a.class("Square", 0)
	side := a.DefineField("side", metadata.FieldPrivate, metadata.FieldSig(tInt32))
	squareCtor := a.ctor(a.objectCtor(), []metadata.SigType{tInt32}, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Ldarg(1).EmitToken(metadata.OpStfld, side)
	})
	a.method("Area", mNewVirt|metadata.MethodFinal, metadata.MethodSig(true, tInt32), nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpLdfld, side)
		il.Ldarg(0).EmitToken(metadata.OpLdfld, side)
		il.Emit(metadata.OpMul).Emit(metadata.OpRet)
	})
	a.AddInterfaceImpl(square, shape)

	// Base : IShape and Derived : Base, IShape, each with a newslot Area.
	// Derived re-implements the interface, so its own Area wins.
	constArea := func(v int32) {
		a.method("Area", mNewVirt, metadata.MethodSig(true, tInt32), nil, func(il *metadata.ILBuilder) {
			il.LdcI4(v).Emit(metadata.OpRet)
		})
	}
	base := a.class("Base", 0)
	baseCtor := a.ctor(a.objectCtor(), nil, nil)
	constArea(1)
	a.AddInterfaceImpl(base, shape)
	derived := a.class("Derived", base)
	derivedCtor := a.ctor(baseCtor, nil, nil)
	constArea(2)
	a.AddInterfaceImpl(derived, shape)
	// Inherits Base's block without declaring IShape again.
	a.class("Plain", base)
	plainCtor := a.ctor(baseCtor, nil, nil)
	constArea(3)

	a.class("Program", 0)
	a.static("Run", tInt32, []metadata.SigType{tInt32}, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpNewobj, squareCtor).EmitToken(metadata.OpCallvirt, area).Emit(metadata.OpRet)
	})
	for name, ctor := range map[string]metadata.Token{"NewBase": baseCtor, "NewDerived": derivedCtor, "NewPlain": plainCtor} {
		ctor := ctor
		a.static(name, tInt32, nil, nil, func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpNewobj, ctor).EmitToken(metadata.OpCallvirt, area).Emit(metadata.OpRet)
		})
	}
	env := a.load(Options{})

	for _, n := range []int32{3, 4, 3} {
		if got := env.mustCall("Program", "Run", I32Value(n)).I32(); got != n*n {
			t.Errorf("Area(%d) = %d, want %d", n, got, n*n)
		}
	}
	tests := []struct {
		method string
		want   int32
	}{
		{"NewBase", 1},
		{"NewDerived", 2},
		{"NewPlain", 1},
	}
	for _, tt := range tests {
		if got := env.mustCall("Program", tt.method).I32(); got != tt.want {
			t.Errorf("%s: IShape.Area() = %d, want %d", tt.method, got, tt.want)
		}
	}
}

func TestInterpreterStructCopySemantics(t *testing.T) {
	a := newTestAssembly(t)
	point := a.structType("Point")
	x := a.DefineField("X", metadata.FieldPublic, metadata.FieldSig(tInt32))
	pt := metadata.ValueTypeOf(point)
	a.class("Program", 0)
	mutate := a.static("Mutate", tVoid, []metadata.SigType{pt}, nil, func(il *metadata.ILBuilder) {
		il.EmitInt8(metadata.OpLdargaS, 0).LdcI4(99).EmitToken(metadata.OpStfld, x).Emit(metadata.OpRet)
	})
	// p.X = 1; q = p; q.X = 2; Mutate(p); return p.X + 10*q.X
	a.static("Run", tInt32, nil, []metadata.SigType{pt, pt}, func(il *metadata.ILBuilder) {
		il.EmitInt8(metadata.OpLdlocaS, 0).LdcI4(1).EmitToken(metadata.OpStfld, x)
		il.Ldloc(0).Stloc(1)
		il.EmitInt8(metadata.OpLdlocaS, 1).LdcI4(2).EmitToken(metadata.OpStfld, x)
		il.Ldloc(0).EmitToken(metadata.OpCall, mutate)
		il.EmitInt8(metadata.OpLdlocaS, 0).EmitToken(metadata.OpLdfld, x)
		il.EmitInt8(metadata.OpLdlocaS, 1).EmitToken(metadata.OpLdfld, x)
		il.LdcI4(10).Emit(metadata.OpMul).Emit(metadata.OpAdd).Emit(metadata.OpRet)
	})
	// Boxing copies too: box p, change p, unbox.
	a.static("Boxed", tInt32, nil, []metadata.SigType{pt, tObject}, func(il *metadata.ILBuilder) {
		il.EmitInt8(metadata.OpLdlocaS, 0).LdcI4(5).EmitToken(metadata.OpStfld, x)
		il.Ldloc(0).EmitToken(metadata.OpBox, point).Stloc(1)
		il.EmitInt8(metadata.OpLdlocaS, 0).LdcI4(6).EmitToken(metadata.OpStfld, x)
		il.Ldloc(1).EmitToken(metadata.OpUnboxAny, point).Stloc(0)
		il.EmitInt8(metadata.OpLdlocaS, 0).EmitToken(metadata.OpLdfld, x).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	if got := env.mustCall("Program", "Run").I32(); got != 21 {
		t.Errorf("Run = %d, want 21", got)
	}
	if got := env.mustCall("Program", "Boxed").I32(); got != 5 {
		t.Errorf("Boxed = %d, want 5", got)
	}
}

func TestInterpreterStaticConstructor(t *testing.T) {
	a := newTestAssembly(t)
	a.DefineType("Test", "Counter", metadata.TypePublic|metadata.TypeAbstract|metadata.TypeSealed, a.sys("Object"))
	value := a.DefineField("Value", metadata.FieldPublic|metadata.FieldStatic, metadata.FieldSig(tInt32))
	runs := a.DefineField("Runs", metadata.FieldPublic|metadata.FieldStatic, metadata.FieldSig(tInt32))
	a.method(".cctor", mStatic|metadata.MethodSpecialName|metadata.MethodRTSpecialName, metadata.MethodSig(false, tVoid), nil,
		func(il *metadata.ILBuilder) {
			il.LdcI4(42).EmitToken(metadata.OpStsfld, value)
			il.EmitToken(metadata.OpLdsfld, runs).LdcI4(1).Emit(metadata.OpAdd).EmitToken(metadata.OpStsfld, runs)
			il.Emit(metadata.OpRet)
		})
	a.class("Program", 0)
	a.static("Get", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpLdsfld, value).Emit(metadata.OpRet)
	})
	a.static("Runs", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpLdsfld, runs).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	for i := 0; i < 3; i++ {
		if got := env.mustCall("Program", "Get").I32(); got != 42 {
			t.Fatalf("Get = %d, want 42", got)
		}
	}
	if got := env.mustCall("Program", "Runs").I32(); got != 1 {
		t.Errorf("static constructor ran %d times, want 1", got)
	}
}

func TestInterpreterTypeInitializationFailure(t *testing.T) {
	a := newTestAssembly(t)
	a.DefineType("Test", "Broken", metadata.TypePublic|metadata.TypeAbstract|metadata.TypeSealed, a.sys("Object"))
	value := a.DefineField("Value", metadata.FieldPublic|metadata.FieldStatic, metadata.FieldSig(tInt32))
	invalidOp := a.sysMethod("InvalidOperationException", ".ctor", true, tVoid, tString)
	msg := a.UserString("no init")
	a.method(".cctor", mStatic|metadata.MethodSpecialName|metadata.MethodRTSpecialName, metadata.MethodSig(false, tVoid), nil,
		func(il *metadata.ILBuilder) {
			il.EmitToken(metadata.OpLdstr, msg).EmitToken(metadata.OpNewobj, invalidOp).Emit(metadata.OpThrow)
		})
	a.class("Program", 0)
	a.static("Get", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpLdsfld, value).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	for i := 0; i < 2; i++ {
		_, err := env.call("Program", "Get")
		exc := expectException(t, err, "TypeInitializationException")
		inner := exceptionField(exc, "_innerException").Obj()
		if inner == nil || inner.Class.Name != "InvalidOperationException" {
			t.Fatalf("attempt %d: inner exception = %v", i, inner)
		}
		if got := ExceptionMessage(inner); got != "no init" {
			t.Errorf("inner message = %q", got)
		}
	}
}

// ---------------------------------------------------------------------------
// Boxing, casts and arrays
// ---------------------------------------------------------------------------

func TestInterpreterBoxingAndCasts(t *testing.T) {
	a := newTestAssembly(t)
	int32Type := a.sys("Int32")
	stringType := a.sys("String")
	a.class("Program", 0)
	a.static("RoundTrip", tInt32, []metadata.SigType{tInt32}, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpBox, int32Type).EmitToken(metadata.OpUnboxAny, int32Type)
		il.LdcI4(1).Emit(metadata.OpAdd).Emit(metadata.OpRet)
	})
	a.static("IsString", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.LdcI4(5).EmitToken(metadata.OpBox, int32Type).EmitToken(metadata.OpIsinst, stringType)
		il.Emit(metadata.OpLdnull).Emit(metadata.OpCeq).Emit(metadata.OpRet)
	})
	a.static("BadCast", tVoid, nil, nil, func(il *metadata.ILBuilder) {
		il.LdcI4(5).EmitToken(metadata.OpBox, int32Type).EmitToken(metadata.OpCastclass, stringType)
		il.Emit(metadata.OpPop).Emit(metadata.OpRet)
	})
	a.static("UnboxNull", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.Emit(metadata.OpLdnull).EmitToken(metadata.OpUnboxAny, int32Type).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	if got := env.mustCall("Program", "RoundTrip", I32Value(41)).I32(); got != 42 {
		t.Errorf("RoundTrip = %d, want 42", got)
	}
	if got := env.mustCall("Program", "IsString").I32(); got != 1 {
		t.Errorf("isinst string on a boxed int was not null")
	}
	_, err := env.call("Program", "BadCast")
	expectException(t, err, "InvalidCastException")
	_, err = env.call("Program", "UnboxNull")
	expectException(t, err, "NullReferenceException")
}

func TestInterpreterNullableBoxing(t *testing.T) {
	a := newTestAssembly(t)
	nullable := metadata.GenericInstOf(true, a.sys("Nullable`1"), tInt32)
	nInt := a.TypeSpec(metadata.TypeSpecSig(nullable))
	ctor := a.MemberRef(nInt, ".ctor", metadata.MethodSig(true, tVoid, metadata.TypeVar(0)))
	hasValue := a.MemberRef(nInt, "get_HasValue", metadata.MethodSig(true, tBool))
	orDefault := a.MemberRef(nInt, "GetValueOrDefault", metadata.MethodSig(true, metadata.TypeVar(0)))
	locals := []metadata.SigType{nullable}
	a.class("Program", 0)
	a.static("BoxSome", tObject, []metadata.SigType{tInt32}, locals, func(il *metadata.ILBuilder) {
		il.EmitInt8(metadata.OpLdlocaS, 0).Ldarg(0).EmitToken(metadata.OpCall, ctor)
		il.Ldloc(0).EmitToken(metadata.OpBox, nInt).Emit(metadata.OpRet)
	})
	a.static("BoxNone", tObject, nil, locals, func(il *metadata.ILBuilder) {
		il.EmitInt8(metadata.OpLdlocaS, 0).EmitToken(metadata.OpInitobj, nInt)
		il.Ldloc(0).EmitToken(metadata.OpBox, nInt).Emit(metadata.OpRet)
	})
	has := a.static("HasValue", tBool, []metadata.SigType{tObject}, locals, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpUnboxAny, nInt).Stloc(0)
		il.EmitInt8(metadata.OpLdlocaS, 0).EmitToken(metadata.OpCall, hasValue).Emit(metadata.OpRet)
	})
	a.static("ValueOf", tInt32, []metadata.SigType{tObject}, locals, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpUnboxAny, nInt).Stloc(0)
		il.EmitInt8(metadata.OpLdlocaS, 0).EmitToken(metadata.OpCall, orDefault).Emit(metadata.OpRet)
	})
	a.static("UnboxString", tBool, nil, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpLdstr, a.UserString("five")).EmitToken(metadata.OpCall, has).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	// A nullable with a value boxes as its underlying type.
	some := env.mustCall("Program", "BoxSome", I32Value(5)).Obj()
	if some == nil || some.Class != env.rt.corlib.Primitive(metadata.ElementI4) || some.Fields[0].I32() != 5 {
		t.Fatalf("boxed Nullable<int>(5) = %v", some)
	}
	if none := env.mustCall("Program", "BoxNone"); !none.IsNull() {
		t.Errorf("boxed empty Nullable<int> = %v, want null", none.Obj())
	}

	tests := []struct {
		name     string
		boxed    StackObject
		hasValue bool
		value    int32
	}{
		{"boxed int", ObjValue(some), true, 5},
		{"null", ObjValue(nil), false, 0},
	}
	for _, tt := range tests {
		if got := env.mustCall("Program", "HasValue", tt.boxed).Bool(); got != tt.hasValue {
			t.Errorf("%s: HasValue = %v, want %v", tt.name, got, tt.hasValue)
		}
		if got := env.mustCall("Program", "ValueOf", tt.boxed).I32(); got != tt.value {
			t.Errorf("%s: GetValueOrDefault = %d, want %d", tt.name, got, tt.value)
		}
	}

	_, err := env.call("Program", "UnboxString")
	expectException(t, err, "InvalidCastException")
}

func TestInterpreterArrays(t *testing.T) {
	a := newTestAssembly(t)
	int32Type := a.sys("Int32")
	arr := metadata.SZArrayOf(tInt32)
	a.class("Program", 0)
	a.static("Run", tInt32, nil, []metadata.SigType{arr}, func(il *metadata.ILBuilder) {
		il.LdcI4(3).EmitToken(metadata.OpNewarr, int32Type).Stloc(0)
		il.Ldloc(0).LdcI4(0).LdcI4(7).Emit(metadata.OpStelemI4)
		il.Ldloc(0).LdcI4(2).LdcI4(5).Emit(metadata.OpStelemI4)
		il.Ldloc(0).LdcI4(0).Emit(metadata.OpLdelemI4)
		il.Ldloc(0).LdcI4(2).Emit(metadata.OpLdelemI4)
		il.Emit(metadata.OpAdd)
		il.Ldloc(0).Emit(metadata.OpLdlen).Emit(metadata.OpConvI4)
		il.Emit(metadata.OpAdd).Emit(metadata.OpRet)
	})
	a.static("OutOfRange", tInt32, []metadata.SigType{tInt32}, nil, func(il *metadata.ILBuilder) {
		il.LdcI4(3).EmitToken(metadata.OpNewarr, int32Type).Ldarg(0).Emit(metadata.OpLdelemI4).Emit(metadata.OpRet)
	})
	a.static("NullLength", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.Emit(metadata.OpLdnull).Emit(metadata.OpLdlen).Emit(metadata.OpConvI4).Emit(metadata.OpRet)
	})
	a.static("Negative", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.LdcI4(-1).EmitToken(metadata.OpNewarr, int32Type).Emit(metadata.OpLdlen).Emit(metadata.OpConvI4).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	if got := env.mustCall("Program", "Run").I32(); got != 15 {
		t.Errorf("Run = %d, want 15", got)
	}
	for _, i := range []int32{-1, 3} {
		_, err := env.call("Program", "OutOfRange", I32Value(i))
		expectException(t, err, "IndexOutOfRangeException")
	}
	_, err := env.call("Program", "NullLength")
	expectException(t, err, "NullReferenceException")
	_, err = env.call("Program", "Negative")
	expectException(t, err, "OverflowException")
}

func TestInterpreterArrayCovariance(t *testing.T) {
	a := newTestAssembly(t)
	stringType := a.sys("String")
	a.class("Program", 0)
	a.static("Store", tVoid, nil, nil, func(il *metadata.ILBuilder) {
		il.LdcI4(1).EmitToken(metadata.OpNewarr, stringType)
		il.LdcI4(0).LdcI4(3).EmitToken(metadata.OpBox, a.sys("Int32"))
		il.Emit(metadata.OpStelemRef).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	_, err := env.call("Program", "Store")
	expectException(t, err, "ArrayTypeMismatchException")
}

// ---------------------------------------------------------------------------
// Delegates
// ---------------------------------------------------------------------------

// defineDelegate adds a delegate type with Invoke(params) ret.
func (a *testAssembly) defineDelegate(name string, ret metadata.SigType, params ...metadata.SigType) (ctor, invoke metadata.Token) {
	a.DefineType("Test", name, tSealed, a.sys("MulticastDelegate"))
	ctor = a.DefineMethod(".ctor", mCtor, implRuntime, metadata.MethodSig(true, tVoid, tObject, metadata.Prim(metadata.ElementI)), "object", "method")
	invoke = a.DefineMethod("Invoke", mNewVirt, implRuntime, metadata.MethodSig(true, ret, params...))
	return ctor, invoke
}

func TestInterpreterDelegates(t *testing.T) {
	a := newTestAssembly(t)
	opCtor, opInvoke := a.defineDelegate("IntOp", tInt32, tInt32)
	sinkCtor, sinkInvoke := a.defineDelegate("Sink", tVoid, tInt32)
	sinkType := a.CurrentType()

	a.class("Adder", 0)
	n := a.DefineField("n", metadata.FieldPrivate, metadata.FieldSig(tInt32))
	adderCtor := a.ctor(a.objectCtor(), []metadata.SigType{tInt32}, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Ldarg(1).EmitToken(metadata.OpStfld, n)
	})
	add := a.method("Add", mPublic, metadata.MethodSig(true, tInt32, tInt32), nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpLdfld, n).Ldarg(1).Emit(metadata.OpAdd).Emit(metadata.OpRet)
	})

	writeString := a.sysMethod("Console", "WriteLine", false, tVoid, tString)
	writeInt := a.sysMethod("Console", "WriteLine", false, tVoid, tInt32)
	del := metadata.ClassOf(a.sys("Delegate"))
	combine := a.MemberRef(a.sys("Delegate"), "Combine", metadata.MethodSig(false, del, del, del))
	label := a.UserString("A")

	a.class("Program", 0)
	double := a.static("Double", tInt32, []metadata.SigType{tInt32}, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).LdcI4(2).Emit(metadata.OpMul).Emit(metadata.OpRet)
	})
	printA := a.static("PrintA", tVoid, []metadata.SigType{tInt32}, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpLdstr, label).EmitToken(metadata.OpCall, writeString).Emit(metadata.OpRet)
	})
	printB := a.static("PrintB", tVoid, []metadata.SigType{tInt32}, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpCall, writeInt).Emit(metadata.OpRet)
	})
	a.static("Static", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.Emit(metadata.OpLdnull).EmitToken(metadata.OpLdftn, double).EmitToken(metadata.OpNewobj, opCtor)
		il.LdcI4(21).EmitToken(metadata.OpCallvirt, opInvoke).Emit(metadata.OpRet)
	})
	a.static("Instance", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.LdcI4(10).EmitToken(metadata.OpNewobj, adderCtor)
		il.EmitToken(metadata.OpLdftn, add).EmitToken(metadata.OpNewobj, opCtor)
		il.LdcI4(5).EmitToken(metadata.OpCallvirt, opInvoke).Emit(metadata.OpRet)
	})
	a.static("Multicast", tVoid, nil, nil, func(il *metadata.ILBuilder) {
		il.Emit(metadata.OpLdnull).EmitToken(metadata.OpLdftn, printA).EmitToken(metadata.OpNewobj, sinkCtor)
		il.Emit(metadata.OpLdnull).EmitToken(metadata.OpLdftn, printB).EmitToken(metadata.OpNewobj, sinkCtor)
		il.EmitToken(metadata.OpCall, combine).EmitToken(metadata.OpCastclass, sinkType)
		il.LdcI4(7).EmitToken(metadata.OpCallvirt, sinkInvoke).Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	if got := env.mustCall("Program", "Static").I32(); got != 42 {
		t.Errorf("Static = %d, want 42", got)
	}
	if got := env.mustCall("Program", "Instance").I32(); got != 15 {
		t.Errorf("Instance = %d, want 15", got)
	}
	env.mustCall("Program", "Multicast")
	if got, want := env.out.String(), "A\n7\n"; got != want {
		t.Errorf("multicast output = %q, want %q", got, want)
	}
}

// ---------------------------------------------------------------------------
// Strings and console
// ---------------------------------------------------------------------------

func TestInterpreterConsoleFormatting(t *testing.T) {
	a := newTestAssembly(t)
	int32Type := a.sys("Int32")
	writeFormat := a.sysMethod("Console", "WriteLine", false, tVoid, tString, tObject, tObject)
	writeInt := a.sysMethod("Console", "WriteLine", false, tVoid, tInt32)
	writeString := a.sysMethod("Console", "WriteLine", false, tVoid, tString)
	writeBool := a.sysMethod("Console", "WriteLine", false, tVoid, tBool)
	length := a.sysMethod("String", "get_Length", true, tInt32)
	concat := a.sysMethod("String", "Concat", false, tString, tString, tString)
	format := a.UserString("{0}-{1:D3}|{0,4}|")
	hello := a.UserString("Hello")
	ab, cd := a.UserString("ab"), a.UserString("cd")

	a.class("Program", 0)
	a.static("Main", tVoid, nil, nil, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpLdstr, format)
		il.LdcI4(7).EmitToken(metadata.OpBox, int32Type)
		il.LdcI4(5).EmitToken(metadata.OpBox, int32Type)
		il.EmitToken(metadata.OpCall, writeFormat)
		il.EmitToken(metadata.OpLdstr, hello).EmitToken(metadata.OpCall, length).EmitToken(metadata.OpCall, writeInt)
		il.EmitToken(metadata.OpLdstr, ab).EmitToken(metadata.OpLdstr, cd).EmitToken(metadata.OpCall, concat)
		il.EmitToken(metadata.OpCall, writeString)
		il.LdcI4(1).EmitToken(metadata.OpCall, writeBool)
		il.Emit(metadata.OpRet)
	})
	env := a.load(Options{})

	env.mustCall("Program", "Main")
	want := "7-005|   7|\n5\nabcd\nTrue\n"
	if got := env.out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestRunMainExitCode(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	main := a.static("Main", tInt32, []metadata.SigType{metadata.SZArrayOf(tString)}, nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).Emit(metadata.OpLdlen).Emit(metadata.OpConvI4).Emit(metadata.OpRet)
	})
	a.SetEntryPoint(main)
	env := a.load(Options{})

	code, err := env.rt.RunMain(env.img, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("RunMain: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}
