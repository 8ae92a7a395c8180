package metadata

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// buildSample assembles a small image: one class with a field carrying a
// constant, an instance method with a try/finally, and a string literal.
func buildSample(t *testing.T) ([]byte, map[string]Token) {
	t.Helper()
	b := NewAssemblyBuilder("Sample")
	corlib := b.AssemblyRef("mscorlib", [4]uint16{4, 0, 0, 0})
	object := b.TypeRef(corlib, "System", "Object")
	exc := b.TypeRef(corlib, "System", "Exception")

	widget := b.DefineType("Demo", "Widget", TypePublic|TypeBeforeFieldInit, object)
	answer := b.DefineField("Answer", FieldPublic|FieldStatic|FieldLiteral, FieldSig(Prim(ElementI4)))
	et, val := ConstantValue(int32(42))
	b.AddConstant(answer, et, val)
	count := b.DefineField("count", FieldPrivate, FieldSig(Prim(ElementI4)))
	run := b.DefineMethod("Run", MethodPublic|MethodHideBySig, 0,
		MethodSig(true, Prim(ElementString), Prim(ElementI4)), "n")

	il := NewILBuilder()
	tryStart := il.MarkedLabel()
	il.Ldarg(1).Emit(OpPop)
	done := il.NewLabel()
	il.Branch(OpLeaveS, done)
	handler := il.MarkedLabel()
	il.Emit(OpEndfinally)
	end := il.MarkedLabel()
	il.Mark(done)
	il.EmitToken(OpLdstr, b.UserString("héllo"))
	il.Emit(OpRet)
	il.Finally(tryStart, handler, handler, end)
	if err := b.SetMethodBody(run, il, 0, false); err != nil {
		t.Fatalf("SetMethodBody: %v", err)
	}
	b.SetEntryPoint(run)

	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return data, map[string]Token{
		"widget": widget, "answer": answer, "count": count, "run": run, "exc": exc, "object": object,
	}
}

func TestBuilderRoundTrip(t *testing.T) {
	data, toks := buildSample(t)
	img, err := Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if img.Version != RuntimeVersion {
		t.Errorf("Version = %q", img.Version)
	}
	if got := img.Module(1).Name; got != "Sample" {
		t.Errorf("module name = %q", got)
	}
	if got := img.Assembly(1).Name; got != "Sample" {
		t.Errorf("assembly name = %q", got)
	}
	if img.EntryPoint() != toks["run"] {
		t.Errorf("entry point = %s, want %s", img.EntryPoint(), toks["run"])
	}

	td := img.TypeDef(toks["widget"].Row())
	if td.Namespace != "Demo" || td.Name != "Widget" {
		t.Errorf("typedef = %s.%s", td.Namespace, td.Name)
	}
	if td.Extends != toks["object"] {
		t.Errorf("extends = %s", td.Extends)
	}
	if td.FieldList != toks["answer"].Row() {
		t.Errorf("field list = %d", td.FieldList)
	}
	ref := img.TypeRef(toks["object"].Row())
	if ref.Name != "Object" || ref.ResolutionScope.Table() != TableAssemblyRef {
		t.Errorf("typeref = %+v", ref)
	}

	f := img.Field(toks["answer"].Row())
	if f.Flags&FieldHasDefault == 0 {
		t.Error("Answer lacks HasDefault")
	}
	c := img.Constant(1)
	if c.Type != ElementI4 || c.Parent != toks["answer"] {
		t.Errorf("constant = %+v", c)
	}
	v, err := img.Blob(c.Value)
	if err != nil || binary.LittleEndian.Uint32(v) != 42 {
		t.Errorf("constant value = % x, %v", v, err)
	}

	m := img.MethodDef(toks["run"].Row())
	if m.Name != "Run" || m.RVA == 0 {
		t.Errorf("method = %+v", m)
	}
	if p := img.Param(m.ParamList); p.Name != "n" || p.Sequence != 1 {
		t.Errorf("param = %+v", p)
	}
	body, err := img.MethodBody(m.RVA)
	if err != nil {
		t.Fatalf("MethodBody: %v", err)
	}
	if len(body.Clauses) != 1 || body.Clauses[0].Kind != ClauseFinally {
		t.Fatalf("clauses = %+v", body.Clauses)
	}

	ins, err := DecodeIL(body.Code)
	if err != nil {
		t.Fatalf("DecodeIL: %v", err)
	}
	var ldstr ILInstruction
	for _, in := range ins {
		if in.Op == OpLdstr {
			ldstr = in
		}
	}
	s, err := img.UserStrings.Get(ldstr.Token.Row())
	if err != nil || s != "héllo" {
		t.Errorf("ldstr literal = %q, %v", s, err)
	}

	if img.GUID(img.Column(TableModule, 1, 2)).String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("module MVID is nil")
	}
	if !img.IsSorted(TableConstant) {
		t.Error("Constant table not flagged sorted")
	}
}

func TestLoadErrors(t *testing.T) {
	data, _ := buildSample(t)
	img, err := Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cli := img.CLI()
	root, err := img.DataAt(cli.MetadataRVA, cli.MetadataSize)
	if err != nil {
		t.Fatalf("DataAt: %v", err)
	}

	tests := []struct {
		name string
		data func() []byte
		kind LoadErrorKind
	}{
		{"garbage", func() []byte { return []byte("not an image") }, MalformedHeader},
		{"bad signature", func() []byte {
			b := append([]byte(nil), root...)
			b[0] = 'X'
			// Still not a PE, and no longer a root either.
			return b
		}, MalformedHeader},
		{"missing stream", func() []byte {
			b := append([]byte(nil), root...)
			i := strings.Index(string(b), "#Blob")
			copy(b[i:], "#Blub")
			return b
		}, MissingStream},
		{"table count mismatch", func() []byte {
			b := append([]byte(nil), root...)
			for _, s := range img.Streams {
				if s.Name == StreamTables {
					// Claim a huge TypeDef table.
					off := int(s.Offset) + 24
					binary.LittleEndian.PutUint32(b[off+4*2:], 0xFFFFF)
				}
			}
			return b
		}, TableCountMismatch},
		{"truncated root", func() []byte { return root[:20] }, Truncated},
	}

	for _, tt := range tests {
		_, err := Load(tt.data())
		if !IsLoadError(err, tt.kind) {
			t.Errorf("%s: err = %v, want %s", tt.name, err, tt.kind)
		}
		var le *LoadError
		if !errors.As(err, &le) {
			t.Errorf("%s: error is not a *LoadError", tt.name)
		}
	}
}

func TestLoadBareRoot(t *testing.T) {
	data, toks := buildSample(t)
	img, err := Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cli := img.CLI()
	root, _ := img.DataAt(cli.MetadataRVA, cli.MetadataSize)
	bare, err := Load(root)
	if err != nil {
		t.Fatalf("Load(bare root): %v", err)
	}
	if bare.TypeDef(toks["widget"].Row()).Name != "Widget" {
		t.Error("bare root lost the Widget typedef")
	}
	if _, err := bare.MethodBody(1); !errors.Is(err, ErrUnmappedRVA) {
		t.Errorf("bare root MethodBody err = %v, want ErrUnmappedRVA", err)
	}
}

func TestTableLayoutWidths(t *testing.T) {
	lc := LayoutContext{}
	layouts := lc.ComputeLayouts()
	// TypeDef: Flags(4) + Name(2) + Namespace(2) + Extends(2) + FieldList(2) + MethodList(2)
	if got := layouts[TableTypeDef].RowSize; got != 14 {
		t.Errorf("narrow TypeDef row = %d, want 14", got)
	}

	lc.HeapSizes = HeapStringsWide | HeapBlobWide | HeapGuidWide
	lc.RowCounts[TableField] = 0x10000
	layouts = lc.ComputeLayouts()
	if got := layouts[TableTypeDef].RowSize; got != 4+4+4+2+4+2 {
		t.Errorf("wide TypeDef row = %d, want 20", got)
	}
	if got := layouts[TableModule].RowSize; got != 2+4+4+4+4 {
		t.Errorf("wide Module row = %d, want 18", got)
	}
	// HasConstant has 2 tag bits: 0x10000 fields overflow 14 bits.
	cl := layouts[TableConstant].Columns[1]
	if cl.Offset != 2 || cl.Size != 4 {
		t.Errorf("Constant.Parent layout = %+v", cl)
	}
}
