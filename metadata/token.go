package metadata

import "fmt"

// Token identifies one metadata row: the table in the high byte and a
// 1-based row number in the low 24 bits. Row 0 is the nil token.
type Token uint32

// TokenUserString is the pseudo-table tag used by ldstr tokens; its row part
// is an offset into the #US heap.
const TokenUserString TableType = 0x70

// NewToken builds a token from a table and 1-based row.
func NewToken(table TableType, row uint32) Token {
	return Token(uint32(table)<<24 | row&0x00FFFFFF)
}

// Table returns the table part of the token.
func (t Token) Table() TableType {
	return TableType(t >> 24)
}

// Row returns the 1-based row part of the token.
func (t Token) Row() uint32 {
	return uint32(t) & 0x00FFFFFF
}

// IsNil reports whether the row part is zero.
func (t Token) IsNil() bool {
	return t.Row() == 0
}

func (t Token) String() string {
	return fmt.Sprintf("%s[%#06x]", t.Table(), t.Row())
}
