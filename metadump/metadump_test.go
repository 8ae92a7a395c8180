package metadump

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/hybrid/metadata"
	"github.com/chazu/hybrid/vm"
)

var (
	tInt32  = metadata.Prim(metadata.ElementI4)
	tString = metadata.Prim(metadata.ElementString)
	tVoid   = metadata.Prim(metadata.ElementVoid)
)

const (
	tPublic = metadata.TypePublic | metadata.TypeBeforeFieldInit
	mPublic = metadata.MethodPublic | metadata.MethodHideBySig
	mStatic = mPublic | metadata.MethodStatic
	mCtor   = mPublic | metadata.MethodSpecialName | metadata.MethodRTSpecialName
)

func setBody(t *testing.T, b *metadata.AssemblyBuilder, m metadata.Token, emit func(il *metadata.ILBuilder)) {
	t.Helper()
	il := metadata.NewILBuilder()
	emit(il)
	if err := b.SetMethodBody(m, il, 0, true); err != nil {
		t.Fatalf("%s: %v", m, err)
	}
}

// shapesImage builds Shapes.Square with a field, a constructor and an
// instance method, plus Shapes.Program whose Main catches an exception
// and two statics with identical bodies.
func shapesImage(t *testing.T) []byte {
	t.Helper()
	b := metadata.NewAssemblyBuilder("Shapes")
	corlib := b.AssemblyRef(vm.CorlibName, [4]uint16{4, 0, 0, 0})
	object := b.TypeRef(corlib, "System", "Object")
	exception := b.TypeRef(corlib, "System", "Exception")
	objectCtor := b.MemberRef(object, ".ctor", metadata.MethodSig(true, tVoid))
	writeLine := b.MemberRef(b.TypeRef(corlib, "System", "Console"), "WriteLine", metadata.MethodSig(false, tVoid, tString))

	b.DefineType("Shapes", "Square", tPublic, object)
	side := b.DefineField("side", metadata.FieldPrivate, metadata.FieldSig(tInt32))
	ctor := b.DefineMethod(".ctor", mCtor, 0, metadata.MethodSig(true, tVoid, tInt32))
	setBody(t, b, ctor, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpCall, objectCtor)
		il.Ldarg(0).Ldarg(1).EmitToken(metadata.OpStfld, side)
		il.Emit(metadata.OpRet)
	})
	area := b.DefineMethod("Area", mPublic, 0, metadata.MethodSig(true, tInt32))
	setBody(t, b, area, func(il *metadata.ILBuilder) {
		il.Ldarg(0).EmitToken(metadata.OpLdfld, side)
		il.Emit(metadata.OpDup).Emit(metadata.OpMul).Emit(metadata.OpRet)
	})

	b.DefineType("Shapes", "Program", tPublic|metadata.TypeAbstract|metadata.TypeSealed, object)
	hello := b.UserString("hello")
	main := b.DefineMethod("Main", mStatic, 0, metadata.MethodSig(false, tVoid))
	setBody(t, b, main, func(il *metadata.ILBuilder) {
		tryStart, tryEnd, handlerEnd, done := il.NewLabel(), il.NewLabel(), il.NewLabel(), il.NewLabel()
		il.Mark(tryStart)
		il.EmitToken(metadata.OpLdstr, hello).EmitToken(metadata.OpCall, writeLine)
		il.Branch(metadata.OpLeave, done)
		il.Mark(tryEnd)
		il.Emit(metadata.OpPop).Branch(metadata.OpLeave, done)
		il.Mark(handlerEnd)
		il.Mark(done).Emit(metadata.OpRet)
		il.Catch(tryStart, tryEnd, tryEnd, handlerEnd, exception)
	})
	for _, name := range []string{"Seven", "AlsoSeven"} {
		m := b.DefineMethod(name, mStatic, 0, metadata.MethodSig(false, tInt32))
		setBody(t, b, m, func(il *metadata.ILBuilder) {
			il.LdcI4(7).Emit(metadata.OpRet)
		})
	}
	b.SetEntryPoint(main)

	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("build image: %v", err)
	}
	return data
}

func loadShapes(t *testing.T) (*vm.Runtime, *vm.Image) {
	t.Helper()
	rt, err := vm.NewRuntime(vm.Options{Stdout: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	img, err := rt.LoadImage(shapesImage(t))
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	return rt, img
}

func findType(t *testing.T, a *Assembly, name string) *Type {
	t.Helper()
	for i := range a.Types {
		if a.Types[i].FullName() == name {
			return &a.Types[i]
		}
	}
	t.Fatalf("type %s not captured", name)
	return nil
}

func TestCapture(t *testing.T) {
	rt, img := loadShapes(t)
	s := Capture(rt, img)
	if len(s.Assemblies) != 1 {
		t.Fatalf("captured %d assemblies, want 1", len(s.Assemblies))
	}
	a := &s.Assemblies[0]
	if a.Name != "Shapes" || a.MVID == "" {
		t.Errorf("assembly = %q mvid %q", a.Name, a.MVID)
	}
	for _, typ := range a.Types {
		if typ.Name == "<Module>" {
			t.Error("module type was captured")
		}
	}

	sq := findType(t, a, "Shapes.Square")
	if sq.Parent != "System.Object" {
		t.Errorf("Square parent = %q", sq.Parent)
	}
	if sq.Error != "" {
		t.Errorf("Square error = %q", sq.Error)
	}
	if len(sq.Fields) != 1 || sq.Fields[0].Name != "side" || sq.Fields[0].Type != "System.Int32" {
		t.Errorf("Square fields = %+v", sq.Fields)
	}
	if sq.InstanceSize <= 0 {
		t.Errorf("Square instance size = %d", sq.InstanceSize)
	}
	if len(sq.VTable) == 0 {
		t.Error("Square has an empty vtable")
	}

	sigs := map[string]string{}
	for _, m := range sq.Methods {
		sigs[m.Name] = m.Signature
		if m.CodeSize == 0 || m.BodyHash == 0 {
			t.Errorf("%s has no body recorded", m.Name)
		}
	}
	if got := sigs["Area"]; got != "System.Int32 Area()" {
		t.Errorf("Area signature = %q", got)
	}
	if got := sigs[".ctor"]; got != "void .ctor(System.Int32)" {
		t.Errorf(".ctor signature = %q", got)
	}

	prog := findType(t, a, "Shapes.Program")
	hashes := map[string]uint64{}
	for _, m := range prog.Methods {
		hashes[m.Name] = m.BodyHash
		if m.Name == "Main" && m.Clauses != 1 {
			t.Errorf("Main clauses = %d, want 1", m.Clauses)
		}
	}
	if hashes["Seven"] != hashes["AlsoSeven"] {
		t.Error("identical bodies hash differently")
	}
	if hashes["Seven"] == hashes["Main"] {
		t.Error("different bodies share a hash")
	}
}

func TestSnapshotWriteRead(t *testing.T) {
	rt, img := loadShapes(t)
	s := Capture(rt, img)

	var buf bytes.Buffer
	if err := Write(&buf, s); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Version != FormatVersion {
		t.Errorf("version = %d", got.Version)
	}
	want := findType(t, &s.Assemblies[0], "Shapes.Square")
	sq := findType(t, &got.Assemblies[0], "Shapes.Square")
	if len(sq.Methods) != len(want.Methods) || sq.Methods[0].BodyHash != want.Methods[0].BodyHash {
		t.Errorf("methods = %+v, want %+v", sq.Methods, want.Methods)
	}

	// Canonical encoding is stable.
	a, _ := Marshal(s)
	b, _ := Marshal(got)
	if !bytes.Equal(a, b) {
		t.Error("re-encoding a decoded snapshot changed its bytes")
	}
}

func TestUnmarshalVersionMismatch(t *testing.T) {
	data, err := Marshal(&Snapshot{Version: FormatVersion + 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("Unmarshal error = %v, want a version mismatch", err)
	}
	if _, err := Unmarshal([]byte{0xff, 0x00}); err == nil {
		t.Error("Unmarshal accepted garbage")
	}
}

func TestIndex(t *testing.T) {
	rt, img := loadShapes(t)
	s := Capture(rt, img)
	ctx := context.Background()

	ix, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer ix.Close()

	if err := ix.Add(ctx, s); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Adding the same image again replaces it.
	if err := ix.Add(ctx, s); err != nil {
		t.Fatalf("second Add: %v", err)
	}
	asms, types, methods, err := ix.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if asms != 1 || types != 2 || methods != 5 {
		t.Errorf("counts = %d/%d/%d, want 1/2/5", asms, types, methods)
	}

	rows, err := ix.FindMethods(ctx, "%Seven")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Type != "Shapes.Program" {
		t.Fatalf("FindMethods = %+v", rows)
	}

	groups, err := ix.DuplicateBodies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || strings.Join(groups[0], ",") != "Shapes.Program::AlsoSeven,Shapes.Program::Seven" {
		t.Errorf("DuplicateBodies = %v", groups)
	}

	errs, err := ix.TypeErrors(ctx, "Shapes")
	if err != nil || len(errs) != 0 {
		t.Errorf("TypeErrors = %v, %v", errs, err)
	}
	if _, err := ix.TypeErrors(ctx, "Missing"); !errors.Is(err, ErrNotIndexed) {
		t.Errorf("TypeErrors(Missing) error = %v, want ErrNotIndexed", err)
	}
}

func TestIndexRecordsTypeErrors(t *testing.T) {
	ix, err := OpenIndex(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	s := &Snapshot{Version: FormatVersion, Assemblies: []Assembly{{
		Name: "Bad",
		MVID: "00000000-0000-0000-0000-0000000000aa",
		Types: []Type{
			{Namespace: "Bad", Name: "Ok", Kind: "class"},
			{Namespace: "Bad", Name: "Loop", Kind: "class", Error: "circular base type"},
		},
	}}}
	if err := ix.Add(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	errs, err := ix.TypeErrors(context.Background(), "Bad")
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0] != "Bad.Loop: circular base type" {
		t.Errorf("TypeErrors = %v", errs)
	}
}

func TestDisassembleMethod(t *testing.T) {
	rt, img := loadShapes(t)
	main := img.FindType("Shapes", "Program").FindMethod("Main", -1)
	out := DisassembleMethod(rt, main)
	for _, want := range []string{
		".method Shapes.Program::void Main()",
		`ldstr "hello"`,
		"System.Console::WriteLine",
		".try IL_0000",
		"System.Exception",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly lacks %q:\n%s", want, out)
		}
	}

	area := img.FindType("Shapes", "Square").FindMethod("Area", -1)
	if out := DisassembleMethod(rt, area); !strings.Contains(out, "ldfld Shapes.Square::side") {
		t.Errorf("field operand not named:\n%s", out)
	}
}
