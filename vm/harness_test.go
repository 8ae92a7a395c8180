package vm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Test assemblies
// ---------------------------------------------------------------------------

// testAssembly builds a small image against the synthesized core library.
type testAssembly struct {
	*metadata.AssemblyBuilder
	t        *testing.T
	mscorlib metadata.Token
}

var (
	tInt32  = metadata.Prim(metadata.ElementI4)
	tInt64  = metadata.Prim(metadata.ElementI8)
	tDouble = metadata.Prim(metadata.ElementR8)
	tBool   = metadata.Prim(metadata.ElementBoolean)
	tString = metadata.Prim(metadata.ElementString)
	tObject = metadata.Prim(metadata.ElementObject)
	tVoid   = metadata.Prim(metadata.ElementVoid)
)

func newTestAssembly(t *testing.T) *testAssembly {
	t.Helper()
	b := metadata.NewAssemblyBuilder("Test")
	return &testAssembly{AssemblyBuilder: b, t: t, mscorlib: b.AssemblyRef(CorlibName, [4]uint16{4, 0, 0, 0})}
}

func (a *testAssembly) sys(name string) metadata.Token {
	return a.TypeRef(a.mscorlib, "System", name)
}

// sysMethod references a core library method.
func (a *testAssembly) sysMethod(typ, name string, hasThis bool, ret metadata.SigType, params ...metadata.SigType) metadata.Token {
	return a.MemberRef(a.sys(typ), name, metadata.MethodSig(hasThis, ret, params...))
}

// class starts a reference type deriving from parent, or System.Object.
func (a *testAssembly) class(name string, parent metadata.Token) metadata.Token {
	if parent == 0 {
		parent = a.sys("Object")
	}
	return a.DefineType("Test", name, tPublic, parent)
}

// structType starts a value type.
func (a *testAssembly) structType(name string) metadata.Token {
	return a.DefineType("Test", name, tStruct, a.sys("ValueType"))
}

// method defines a method with an IL body on the current type.
func (a *testAssembly) method(name string, flags uint16, sig []byte, locals []metadata.SigType, emit func(il *metadata.ILBuilder)) metadata.Token {
	a.t.Helper()
	m := a.DefineMethod(name, flags, 0, sig)
	a.body(m, locals, emit)
	return m
}

// body assembles the IL of an already defined method. Recursive methods
// need their own token before the body is emitted.
func (a *testAssembly) body(m metadata.Token, locals []metadata.SigType, emit func(il *metadata.ILBuilder)) {
	a.t.Helper()
	il := metadata.NewILBuilder()
	emit(il)
	var localSig metadata.Token
	if len(locals) > 0 {
		localSig = a.StandAloneSig(metadata.LocalsSig(locals...))
	}
	if err := a.SetMethodBody(m, il, localSig, true); err != nil {
		a.t.Fatalf("%s: %v", m, err)
	}
}

// static defines a static method on the current type.
func (a *testAssembly) static(name string, ret metadata.SigType, params []metadata.SigType, locals []metadata.SigType, emit func(il *metadata.ILBuilder)) metadata.Token {
	a.t.Helper()
	return a.method(name, mStatic, metadata.MethodSig(false, ret, params...), locals, emit)
}

// ctor defines a constructor that chains to base and then runs emit.
func (a *testAssembly) ctor(base metadata.Token, params []metadata.SigType, emit func(il *metadata.ILBuilder)) metadata.Token {
	a.t.Helper()
	return a.method(".ctor", mCtor, metadata.MethodSig(true, tVoid, params...), nil, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpCall, base)
		if emit != nil {
			emit(il)
		}
		il.Emit(metadata.OpRet)
	})
}

func (a *testAssembly) objectCtor() metadata.Token {
	return a.sysMethod("Object", ".ctor", true, tVoid)
}

// testEnv is a runtime with a loaded test image.
type testEnv struct {
	t   *testing.T
	rt  *Runtime
	img *Image
	out *bytes.Buffer
}

func (a *testAssembly) load(opts Options) *testEnv {
	a.t.Helper()
	data, err := a.Bytes()
	if err != nil {
		a.t.Fatalf("build image: %v", err)
	}
	out := &bytes.Buffer{}
	opts.Stdout = out
	rt, err := NewRuntime(opts)
	if err != nil {
		a.t.Fatalf("NewRuntime: %v", err)
	}
	img, err := rt.LoadImage(data)
	if err != nil {
		a.t.Fatalf("LoadImage: %v", err)
	}
	return &testEnv{t: a.t, rt: rt, img: img, out: out}
}

func (e *testEnv) class(name string) *Class {
	e.t.Helper()
	c := e.img.FindType("Test", name)
	if c == nil {
		e.t.Fatalf("type Test.%s not found", name)
	}
	return c
}

func (e *testEnv) method(typ, name string) *MethodInfo {
	e.t.Helper()
	m := e.class(typ).FindMethod(name, -1)
	if m == nil {
		e.t.Fatalf("method %s::%s not found", typ, name)
	}
	return m
}

// call invokes typ::name on a fresh thread.
func (e *testEnv) call(typ, name string, args ...StackObject) (StackObject, error) {
	e.t.Helper()
	return e.rt.Invoke(e.method(typ, name), args...)
}

// mustCall is call that fails the test on any error.
func (e *testEnv) mustCall(typ, name string, args ...StackObject) StackObject {
	e.t.Helper()
	v, err := e.call(typ, name, args...)
	if err != nil {
		e.t.Fatalf("%s::%s: %v", typ, name, err)
	}
	return v
}

// expectException checks that err is a managed exception of class name.
func expectException(t *testing.T, err error, name string) *Object {
	t.Helper()
	var me *ManagedException
	if !errors.As(err, &me) {
		t.Fatalf("error = %v, want managed %s", err, name)
	}
	if got := me.Object.Class.Name; got != name {
		t.Fatalf("exception = %s (%s), want %s", got, ExceptionMessage(me.Object), name)
	}
	return me.Object
}
