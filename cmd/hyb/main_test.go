package main

import (
	"bytes"
	"errors"
	"os"
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

const mStatic = metadata.MethodPublic | metadata.MethodHideBySig | metadata.MethodStatic

// writeApp writes App.exe to dir. Main prints "hi" and returns
// 3 + args.Length; Quiet returns 0; Fail throws.
func writeApp(t *testing.T, dir string) {
	t.Helper()
	b := metadata.NewAssemblyBuilder("App")
	corlib := b.AssemblyRef(vm.CorlibName, [4]uint16{4, 0, 0, 0})
	object := b.TypeRef(corlib, "System", "Object")
	excCtor := b.MemberRef(b.TypeRef(corlib, "System", "Exception"), ".ctor", metadata.MethodSig(true, tVoid, tString))
	writeLine := b.MemberRef(b.TypeRef(corlib, "System", "Console"), "WriteLine", metadata.MethodSig(false, tVoid, tString))

	b.DefineType("App", "Program", metadata.TypePublic|metadata.TypeAbstract|metadata.TypeSealed, object)
	body := func(m metadata.Token, emit func(il *metadata.ILBuilder)) {
		il := metadata.NewILBuilder()
		emit(il)
		if err := b.SetMethodBody(m, il, 0, true); err != nil {
			t.Fatal(err)
		}
	}
	hi := b.UserString("hi")
	main := b.DefineMethod("Main", mStatic, 0, metadata.MethodSig(false, tInt32, metadata.SZArrayOf(tString)), "args")
	body(main, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpLdstr, hi).EmitToken(metadata.OpCall, writeLine)
		il.Ldarg(0).Emit(metadata.OpLdlen).Emit(metadata.OpConvI4)
		il.LdcI4(3).Emit(metadata.OpAdd).Emit(metadata.OpRet)
	})
	quiet := b.DefineMethod("Quiet", mStatic, 0, metadata.MethodSig(false, tInt32))
	body(quiet, func(il *metadata.ILBuilder) {
		il.LdcI4(0).Emit(metadata.OpRet)
	})
	boom := b.UserString("boom")
	fail := b.DefineMethod("Fail", mStatic, 0, metadata.MethodSig(false, tVoid))
	body(fail, func(il *metadata.ILBuilder) {
		il.EmitToken(metadata.OpLdstr, boom).EmitToken(metadata.OpNewobj, excCtor).Emit(metadata.OpThrow)
	})
	b.SetEntryPoint(main)

	data, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "App.exe"), data, 0644); err != nil {
		t.Fatal(err)
	}
	manifest := "[entry]\nassembly = \"App.exe\"\n"
	if err := os.WriteFile(filepath.Join(dir, "hybrid.toml"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
}

// hyb runs the CLI in dir and returns stdout, stderr and the error.
func hyb(t *testing.T, dir string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"-C", dir, "--log-level", "none"}, args...))
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func wantExit(t *testing.T, err error, code int) {
	t.Helper()
	var ec exitCode
	switch {
	case code == 0 && err != nil:
		t.Fatalf("err = %v, want success", err)
	case code != 0 && (!errors.As(err, &ec) || int(ec) != code):
		t.Fatalf("err = %v, want exit status %d", err, code)
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	writeApp(t, dir)

	tests := []struct {
		name string
		args []string
		out  string
		code int
	}{
		{"entry", []string{"run"}, "hi\n", 3},
		{"args", []string{"run", filepath.Join(dir, "App.exe"), "--", "a", "b"}, "hi\n", 5},
		{"method", []string{"run", "-m", "App.Program::Quiet"}, "", 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := hyb(t, dir, tt.args...)
			wantExit(t, err, tt.code)
			if out != tt.out {
				t.Errorf("stdout = %q, want %q", out, tt.out)
			}
		})
	}
}

func TestRunUnhandledException(t *testing.T) {
	dir := t.TempDir()
	writeApp(t, dir)
	_, stderr, err := hyb(t, dir, "run", "-m", "App.Program::Fail")
	wantExit(t, err, 1)
	if !strings.Contains(stderr, "Unhandled exception. System.Exception: boom") {
		t.Errorf("stderr = %q", stderr)
	}
	if !strings.Contains(stderr, "at App.Program::Fail") {
		t.Errorf("stderr lacks a stack trace: %q", stderr)
	}
}

func TestRunProfile(t *testing.T) {
	dir := t.TempDir()
	writeApp(t, dir)
	_, stderr, err := hyb(t, dir, "run", "--profile", "5")
	wantExit(t, err, 3)
	for _, want := range []string{"calls to", "App.Program::Main", "System.Console::WriteLine [native]"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("profile lacks %q:\n%s", want, stderr)
		}
	}
}

func TestRunMissingMethod(t *testing.T) {
	dir := t.TempDir()
	writeApp(t, dir)
	_, _, err := hyb(t, dir, "run", "-m", "App.Program::Nope")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want method not found", err)
	}
}

func TestDumpAndIndex(t *testing.T) {
	dir := t.TempDir()
	writeApp(t, dir)
	snap := filepath.Join(dir, "app.snap")
	db := filepath.Join(dir, "app.db")

	out, _, err := hyb(t, dir, "dump", "-o", snap)
	wantExit(t, err, 0)
	if !strings.Contains(out, "1 assemblies, 1 types") {
		t.Errorf("dump output = %q", out)
	}

	out, _, err = hyb(t, dir, "index", "--db", db, "add", snap)
	wantExit(t, err, 0)
	if !strings.Contains(out, "1 assemblies, 1 types, 3 methods") {
		t.Errorf("index add output = %q", out)
	}

	out, _, err = hyb(t, dir, "index", "--db", db, "find", "Q%")
	wantExit(t, err, 0)
	if !strings.Contains(out, "App.Program") || !strings.Contains(out, "System.Int32 Quiet()") {
		t.Errorf("index find output = %q", out)
	}

	_, _, err = hyb(t, dir, "index", "--db", db, "errors", "App")
	wantExit(t, err, 0)
}

func TestDisasm(t *testing.T) {
	dir := t.TempDir()
	writeApp(t, dir)
	out, _, err := hyb(t, dir, "disasm", "App.Program::Fail")
	wantExit(t, err, 0)
	for _, want := range []string{`ldstr "boom"`, "newobj System.Exception::.ctor", "throw"} {
		if !strings.Contains(out, want) {
			t.Errorf("disasm lacks %q:\n%s", want, out)
		}
	}

	out, _, err = hyb(t, dir, "disasm", "App.Program")
	wantExit(t, err, 0)
	if strings.Count(out, ".method ") != 3 {
		t.Errorf("type disassembly has %d methods:\n%s", strings.Count(out, ".method "), out)
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	writeApp(t, dir)

	out, _, err := hyb(t, dir, "verify", "--update")
	wantExit(t, err, 0)
	if !strings.Contains(out, "wrote ") || !strings.Contains(out, "0 problems") {
		t.Errorf("verify --update output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "hybrid.lock")); err != nil {
		t.Fatalf("lock not written: %v", err)
	}

	out, _, err = hyb(t, dir, "verify")
	wantExit(t, err, 0)
	if strings.Contains(out, "lock:") {
		t.Errorf("fresh lock reported drift: %q", out)
	}

	// A tampered MVID is reported as drift.
	lock, err := os.ReadFile(filepath.Join(dir, "hybrid.lock"))
	if err != nil {
		t.Fatal(err)
	}
	edited := strings.Replace(string(lock), "mvid = \"", "mvid = \"0", 1)
	if err := os.WriteFile(filepath.Join(dir, "hybrid.lock"), []byte(edited), 0644); err != nil {
		t.Fatal(err)
	}
	out, _, err = hyb(t, dir, "verify")
	wantExit(t, err, 1)
	if !strings.Contains(out, "lock: App") {
		t.Errorf("drift not reported: %q", out)
	}
}
