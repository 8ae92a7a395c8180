package metadata

import "fmt"

// Method header format flags (ECMA-335 II.25.4).
const (
	CorILMethodTinyFormat = 0x2
	CorILMethodFatFormat  = 0x3
	CorILMethodMoreSects  = 0x8
	CorILMethodInitLocals = 0x10

	corILMethodFormatMask = 0x3
	tinyMaxStack          = 8
)

// Exception section flags.
const (
	corILMethodSectEHTable    = 0x1
	corILMethodSectFatFormat  = 0x40
	corILMethodSectMoreSects  = 0x80
	smallClauseSize           = 12
	fatClauseSize             = 24
	sectionHeaderSize         = 4
	smallSectionMaxDataLength = 0xFF
)

// BodyFormat distinguishes the two method header encodings.
type BodyFormat uint8

const (
	BodyTiny BodyFormat = iota + 1
	BodyFat
)

func (f BodyFormat) String() string {
	switch f {
	case BodyTiny:
		return "tiny"
	case BodyFat:
		return "fat"
	}
	return fmt.Sprintf("BodyFormat(%d)", int(f))
}

// ClauseKind is the kind of an exception-handling clause.
type ClauseKind uint32

const (
	ClauseException ClauseKind = 0x0
	ClauseFilter    ClauseKind = 0x1
	ClauseFinally   ClauseKind = 0x2
	ClauseFault     ClauseKind = 0x4
)

func (k ClauseKind) String() string {
	switch k {
	case ClauseException:
		return "catch"
	case ClauseFilter:
		return "filter"
	case ClauseFinally:
		return "finally"
	case ClauseFault:
		return "fault"
	}
	return fmt.Sprintf("ClauseKind(%#x)", uint32(k))
}

// ExceptionClause is one try/handler region. Offsets are byte offsets into
// the method's IL.
type ExceptionClause struct {
	Kind          ClauseKind
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32
	// ClassToken for ClauseException, FilterOffset for ClauseFilter.
	ClassToken   Token
	FilterOffset uint32
}

// TryContains reports whether il lies inside the protected range.
func (c *ExceptionClause) TryContains(il uint32) bool {
	return il >= c.TryOffset && il < c.TryOffset+c.TryLength
}

// HandlerContains reports whether il lies inside the handler range.
func (c *ExceptionClause) HandlerContains(il uint32) bool {
	return il >= c.HandlerOffset && il < c.HandlerOffset+c.HandlerLength
}

// MethodBody is a parsed method body.
type MethodBody struct {
	Format           BodyFormat
	Flags            uint16
	MaxStack         uint16
	CodeSize         uint32
	LocalVarSigToken Token
	InitLocals       bool
	Code             []byte
	Clauses          []ExceptionClause
}

// ParseMethodBody decodes a method header, its IL, and any trailing
// exception sections from the start of data.
func ParseMethodBody(data []byte) (*MethodBody, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadMethodBody)
	}
	switch data[0] & corILMethodFormatMask {
	case CorILMethodTinyFormat:
		size := uint32(data[0] >> 2)
		if int(size)+1 > len(data) {
			return nil, fmt.Errorf("%w: tiny body of %d bytes is truncated", ErrBadMethodBody, size)
		}
		return &MethodBody{
			Format:   BodyTiny,
			Flags:    uint16(data[0] & corILMethodFormatMask),
			MaxStack: tinyMaxStack,
			CodeSize: size,
			Code:     data[1 : 1+size],
		}, nil
	case CorILMethodFatFormat:
		return parseFatBody(data)
	}
	return nil, fmt.Errorf("%w: header byte %#x", ErrBadMethodBody, data[0])
}

func parseFatBody(data []byte) (*MethodBody, error) {
	r := NewBlobReader(data)
	flagsAndSize := r.ReadUint16()
	maxStack := r.ReadUint16()
	codeSize := r.ReadUint32()
	localSig := r.ReadUint32()
	if r.Err() != nil {
		return nil, fmt.Errorf("%w: fat header truncated", ErrBadMethodBody)
	}
	headerSize := int(flagsAndSize>>12) * 4
	if headerSize < 12 {
		return nil, fmt.Errorf("%w: fat header size %d", ErrBadMethodBody, headerSize)
	}
	flags := flagsAndSize & 0x0FFF
	r.Skip(headerSize - 12)
	code := r.ReadBytes(int(codeSize))
	if r.Err() != nil {
		return nil, fmt.Errorf("%w: code of %d bytes is truncated", ErrBadMethodBody, codeSize)
	}
	body := &MethodBody{
		Format:           BodyFat,
		Flags:            flags,
		MaxStack:         maxStack,
		CodeSize:         codeSize,
		LocalVarSigToken: Token(localSig),
		InitLocals:       flags&CorILMethodInitLocals != 0,
		Code:             code,
	}
	if flags&CorILMethodMoreSects == 0 {
		return body, nil
	}
	for more := true; more; {
		r.Align(4)
		kind := r.ReadByte()
		if r.Err() != nil {
			return nil, fmt.Errorf("%w: section header truncated", ErrBadMethodBody)
		}
		more = kind&corILMethodSectMoreSects != 0
		fat := kind&corILMethodSectFatFormat != 0
		var dataSize int
		if fat {
			b := r.ReadBytes(3)
			if b == nil {
				return nil, fmt.Errorf("%w: section header truncated", ErrBadMethodBody)
			}
			dataSize = int(b[0]) | int(b[1])<<8 | int(b[2])<<16
		} else {
			dataSize = int(r.ReadByte())
			r.Skip(2)
		}
		if kind&corILMethodSectEHTable == 0 {
			r.Skip(dataSize - sectionHeaderSize)
			continue
		}
		clauseSize := smallClauseSize
		if fat {
			clauseSize = fatClauseSize
		}
		n := (dataSize - sectionHeaderSize) / clauseSize
		for i := 0; i < n; i++ {
			var c ExceptionClause
			if fat {
				c.Kind = ClauseKind(r.ReadUint32())
				c.TryOffset = r.ReadUint32()
				c.TryLength = r.ReadUint32()
				c.HandlerOffset = r.ReadUint32()
				c.HandlerLength = r.ReadUint32()
			} else {
				c.Kind = ClauseKind(r.ReadUint16())
				c.TryOffset = uint32(r.ReadUint16())
				c.TryLength = uint32(r.ReadByte())
				lo := r.ReadByte()
				hi := r.ReadByte()
				c.HandlerOffset = uint32(lo) | uint32(hi)<<8
				c.HandlerLength = uint32(r.ReadByte())
			}
			extra := r.ReadUint32()
			if c.Kind == ClauseFilter {
				c.FilterOffset = extra
			} else if c.Kind == ClauseException {
				c.ClassToken = Token(extra)
			}
			if r.Err() != nil {
				return nil, fmt.Errorf("%w: exception clause %d truncated", ErrBadMethodBody, i)
			}
			if c.TryOffset+c.TryLength > codeSize || c.HandlerOffset+c.HandlerLength > codeSize {
				return nil, fmt.Errorf("%w: clause %d lies outside the code", ErrBadMethodBody, i)
			}
			body.Clauses = append(body.Clauses, c)
		}
	}
	return body, nil
}

// EncodeMethodBody produces the on-disk form of a method body, choosing the
// tiny header when the body qualifies.
func EncodeMethodBody(code []byte, maxStack uint16, localSig Token, initLocals bool, clauses []ExceptionClause) []byte {
	if len(code) < 64 && maxStack <= tinyMaxStack && localSig == 0 && len(clauses) == 0 {
		out := make([]byte, 0, len(code)+1)
		out = append(out, byte(len(code))<<2|CorILMethodTinyFormat)
		return append(out, code...)
	}
	flags := uint16(CorILMethodFatFormat)
	if initLocals {
		flags |= CorILMethodInitLocals
	}
	if len(clauses) > 0 {
		flags |= CorILMethodMoreSects
	}
	w := &byteWriter{}
	w.u16(3<<12 | flags)
	w.u16(maxStack)
	w.u32(uint32(len(code)))
	w.u32(uint32(localSig))
	w.raw(code)
	if len(clauses) == 0 {
		return w.buf
	}
	w.align(4)
	small := len(clauses)*smallClauseSize+sectionHeaderSize <= smallSectionMaxDataLength
	for _, c := range clauses {
		if c.TryOffset > 0xFFFF || c.TryLength > 0xFF || c.HandlerOffset > 0xFFFF || c.HandlerLength > 0xFF {
			small = false
		}
	}
	if small {
		w.u8(corILMethodSectEHTable)
		w.u8(byte(len(clauses)*smallClauseSize + sectionHeaderSize))
		w.u16(0)
	} else {
		size := len(clauses)*fatClauseSize + sectionHeaderSize
		w.u8(corILMethodSectEHTable | corILMethodSectFatFormat)
		w.u8(byte(size))
		w.u8(byte(size >> 8))
		w.u8(byte(size >> 16))
	}
	for _, c := range clauses {
		extra := uint32(c.ClassToken)
		if c.Kind == ClauseFilter {
			extra = c.FilterOffset
		}
		if small {
			w.u16(uint16(c.Kind))
			w.u16(uint16(c.TryOffset))
			w.u8(byte(c.TryLength))
			w.u16(uint16(c.HandlerOffset))
			w.u8(byte(c.HandlerLength))
		} else {
			w.u32(uint32(c.Kind))
			w.u32(c.TryOffset)
			w.u32(c.TryLength)
			w.u32(c.HandlerOffset)
			w.u32(c.HandlerLength)
		}
		w.u32(extra)
	}
	return w.buf
}
