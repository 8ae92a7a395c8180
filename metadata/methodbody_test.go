package metadata

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseTinyBody(t *testing.T) {
	body, err := ParseMethodBody([]byte{0x0E, 0x00, 0x00, 0x2A})
	if err != nil {
		t.Fatalf("ParseMethodBody: %v", err)
	}
	if body.Format != BodyTiny {
		t.Errorf("Format = %s, want tiny", body.Format)
	}
	if body.CodeSize != 3 {
		t.Errorf("CodeSize = %d, want 3", body.CodeSize)
	}
	if body.MaxStack != 8 {
		t.Errorf("MaxStack = %d, want 8", body.MaxStack)
	}
	if body.LocalVarSigToken != 0 || body.InitLocals {
		t.Errorf("tiny body has locals: %s init=%v", body.LocalVarSigToken, body.InitLocals)
	}
	if !bytes.Equal(body.Code, []byte{0x00, 0x00, 0x2A}) {
		t.Errorf("Code = % x", body.Code)
	}
}

func TestParseTinyBodyTruncated(t *testing.T) {
	_, err := ParseMethodBody([]byte{0x0E, 0x00})
	if !errors.Is(err, ErrBadMethodBody) {
		t.Errorf("err = %v, want ErrBadMethodBody", err)
	}
}

func TestParseFatBodyWithClauses(t *testing.T) {
	code := make([]byte, 40)
	code[len(code)-1] = byte(OpRet)
	clauses := []ExceptionClause{
		{Kind: ClauseFinally, TryOffset: 2, TryLength: 10, HandlerOffset: 12, HandlerLength: 4},
		{Kind: ClauseException, TryOffset: 0, TryLength: 18, HandlerOffset: 18, HandlerLength: 6, ClassToken: NewToken(TableTypeRef, 3)},
		{Kind: ClauseFilter, TryOffset: 0, TryLength: 18, HandlerOffset: 30, HandlerLength: 8, FilterOffset: 24},
	}
	sig := NewToken(TableStandAloneSig, 1)
	enc := EncodeMethodBody(code, 4, sig, true, clauses)

	body, err := ParseMethodBody(enc)
	if err != nil {
		t.Fatalf("ParseMethodBody: %v", err)
	}
	if body.Format != BodyFat || body.MaxStack != 4 || body.CodeSize != 40 {
		t.Errorf("header = %s/%d/%d", body.Format, body.MaxStack, body.CodeSize)
	}
	if body.LocalVarSigToken != sig || !body.InitLocals {
		t.Errorf("locals = %s init=%v", body.LocalVarSigToken, body.InitLocals)
	}
	if len(body.Clauses) != len(clauses) {
		t.Fatalf("got %d clauses, want %d", len(body.Clauses), len(clauses))
	}
	for i, c := range body.Clauses {
		if c != clauses[i] {
			t.Errorf("clause %d = %+v, want %+v", i, c, clauses[i])
		}
	}
}

func TestParseFatBodyLargeClauses(t *testing.T) {
	code := make([]byte, 0x300)
	clauses := []ExceptionClause{
		{Kind: ClauseFault, TryOffset: 0, TryLength: 0x200, HandlerOffset: 0x200, HandlerLength: 0x100},
	}
	enc := EncodeMethodBody(code, 2, 0, false, clauses)
	body, err := ParseMethodBody(enc)
	if err != nil {
		t.Fatalf("ParseMethodBody: %v", err)
	}
	if len(body.Clauses) != 1 || body.Clauses[0] != clauses[0] {
		t.Errorf("clauses = %+v", body.Clauses)
	}
}

func TestParseSmallClauseEncoding(t *testing.T) {
	// Fat header: flags 0x301B (fat|more sects|init locals, size 3), maxstack 2,
	// codesize 4, no locals.
	data := []byte{
		0x1B, 0x30, 0x02, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0xDC, 0x2A,
		// small EH section: kind, size 16, reserved
		0x01, 0x10, 0x00, 0x00,
		// finally clause: flags, try 0/1, handler offset low/high byte, length 1
		0x02, 0x00, 0x00, 0x00, 0x01, 0x02, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
	}
	body, err := ParseMethodBody(data)
	if err != nil {
		t.Fatalf("ParseMethodBody: %v", err)
	}
	want := ExceptionClause{Kind: ClauseFinally, TryOffset: 0, TryLength: 1, HandlerOffset: 2, HandlerLength: 1}
	if len(body.Clauses) != 1 || body.Clauses[0] != want {
		t.Errorf("clauses = %+v, want %+v", body.Clauses, want)
	}
}

func TestParseBadHeader(t *testing.T) {
	for _, in := range [][]byte{nil, {0x00}, {0x01}, {0x03, 0x30}} {
		if _, err := ParseMethodBody(in); !errors.Is(err, ErrBadMethodBody) {
			t.Errorf("ParseMethodBody(% x) err = %v", in, err)
		}
	}
}

func TestEncodeChoosesTiny(t *testing.T) {
	enc := EncodeMethodBody([]byte{byte(OpLdcI41), byte(OpRet)}, 8, 0, false, nil)
	if enc[0]&corILMethodFormatMask != CorILMethodTinyFormat {
		t.Errorf("header %#x is not tiny", enc[0])
	}
	if enc[0]>>2 != 2 {
		t.Errorf("tiny size = %d, want 2", enc[0]>>2)
	}
}
