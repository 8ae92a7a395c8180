package metadata

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Fixed-width little-endian helpers
// ---------------------------------------------------------------------------

// ReadUint16 reads a little-endian uint16 from the start of b.
func ReadUint16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

// ReadUint32 reads a little-endian uint32 from the start of b.
func ReadUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// ReadUint64 reads a little-endian uint64 from the start of b.
func ReadUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// ---------------------------------------------------------------------------
// Compressed integers (ECMA-335 II.23.2)
// ---------------------------------------------------------------------------

// DecodeCompressedUint decodes a compressed unsigned integer from the start
// of b. It returns the value and the number of bytes consumed, or n == 0 if
// b is too short or the lead byte is invalid.
func DecodeCompressedUint(b []byte) (v uint32, n int) {
	if len(b) == 0 {
		return 0, 0
	}
	lead := b[0]
	switch {
	case lead&0x80 == 0:
		return uint32(lead), 1
	case lead&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0
		}
		return uint32(lead&0x3F)<<8 | uint32(b[1]), 2
	case lead&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0
		}
		return uint32(lead&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4
	}
	return 0, 0
}

// DecodeCompressedInt decodes a compressed signed integer. The sign bit is
// rotated into the least significant bit of the encoded value.
func DecodeCompressedInt(b []byte) (v int32, n int) {
	u, n := DecodeCompressedUint(b)
	if n == 0 {
		return 0, 0
	}
	negative := u&1 != 0
	u >>= 1
	if !negative {
		return int32(u), n
	}
	switch n {
	case 1:
		return int32(u) - 0x40, n
	case 2:
		return int32(u) - 0x2000, n
	default:
		return int32(u) - 0x10000000, n
	}
}

// EncodeCompressedUint appends the compressed encoding of v to dst.
// Values above 0x1FFFFFFF cannot be encoded and panic.
func EncodeCompressedUint(dst []byte, v uint32) []byte {
	switch {
	case v <= 0x7F:
		return append(dst, byte(v))
	case v <= 0x3FFF:
		return append(dst, byte(v>>8)|0x80, byte(v))
	case v <= 0x1FFFFFFF:
		return append(dst, byte(v>>24)|0xC0, byte(v>>16), byte(v>>8), byte(v))
	}
	panic("metadata: compressed integer out of range")
}

// EncodeCompressedInt appends the compressed encoding of a signed value.
// The width is chosen from the signed range, so small negative values in the
// 2- and 4-byte ranges keep their full width.
func EncodeCompressedInt(dst []byte, v int32) []byte {
	switch {
	case v >= -0x40 && v <= 0x3F:
		u := uint32(v) & 0x7F
		return append(dst, byte((u<<1|u>>6)&0x7F))
	case v >= -0x2000 && v <= 0x1FFF:
		u := uint32(v) & 0x3FFF
		e := (u<<1 | u>>13) & 0x3FFF
		return append(dst, byte(e>>8)|0x80, byte(e))
	default:
		u := uint32(v) & 0x1FFFFFFF
		e := (u<<1 | u>>28) & 0x1FFFFFFF
		return append(dst, byte(e>>24)|0xC0, byte(e>>16), byte(e>>8), byte(e))
	}
}

// ---------------------------------------------------------------------------
// BlobReader: sequential reads over a blob or signature
// ---------------------------------------------------------------------------

// BlobReader reads primitives sequentially from a byte slice. Reads past the
// end set a sticky error and return zero values, so callers can decode a
// whole structure and check Err once.
type BlobReader struct {
	data []byte
	pos  int
	err  error
}

// NewBlobReader creates a reader over data.
func NewBlobReader(data []byte) *BlobReader {
	return &BlobReader{data: data}
}

// Err returns the first error encountered.
func (r *BlobReader) Err() error {
	return r.err
}

// Position returns the current read offset.
func (r *BlobReader) Position() int {
	return r.pos
}

// Len returns the number of unread bytes.
func (r *BlobReader) Len() int {
	return len(r.data) - r.pos
}

// HasMore reports whether unread bytes remain.
func (r *BlobReader) HasMore() bool {
	return r.pos < len(r.data)
}

// Bytes returns the unread remainder without consuming it.
func (r *BlobReader) Bytes() []byte {
	return r.data[r.pos:]
}

func (r *BlobReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.data) {
		r.err = ErrUnexpectedEOF
		return false
	}
	return true
}

// PeekByte returns the next byte without consuming it.
func (r *BlobReader) PeekByte() byte {
	if !r.need(1) {
		return 0
	}
	return r.data[r.pos]
}

// ReadByte reads one byte.
func (r *BlobReader) ReadByte() byte {
	if !r.need(1) {
		return 0
	}
	b := r.data[r.pos]
	r.pos++
	return b
}

// ReadUint16 reads a little-endian uint16.
func (r *BlobReader) ReadUint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := ReadUint16(r.data[r.pos:])
	r.pos += 2
	return v
}

// ReadUint32 reads a little-endian uint32.
func (r *BlobReader) ReadUint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := ReadUint32(r.data[r.pos:])
	r.pos += 4
	return v
}

// ReadUint64 reads a little-endian uint64.
func (r *BlobReader) ReadUint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := ReadUint64(r.data[r.pos:])
	r.pos += 8
	return v
}

// ReadFloat32 reads an IEEE single.
func (r *BlobReader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

// ReadFloat64 reads an IEEE double.
func (r *BlobReader) ReadFloat64() float64 {
	return math.Float64frombits(r.ReadUint64())
}

// ReadBytes reads n raw bytes. The result aliases the underlying data.
func (r *BlobReader) ReadBytes(n int) []byte {
	if n < 0 || !r.need(n) {
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// ReadCompressedUint reads a compressed unsigned integer.
func (r *BlobReader) ReadCompressedUint() uint32 {
	if r.err != nil {
		return 0
	}
	v, n := DecodeCompressedUint(r.data[r.pos:])
	if n == 0 {
		r.err = ErrBadCompressedInt
		return 0
	}
	r.pos += n
	return v
}

// ReadCompressedInt reads a compressed signed integer.
func (r *BlobReader) ReadCompressedInt() int32 {
	if r.err != nil {
		return 0
	}
	v, n := DecodeCompressedInt(r.data[r.pos:])
	if n == 0 {
		r.err = ErrBadCompressedInt
		return 0
	}
	r.pos += n
	return v
}

// ReadTypeDefOrRefEncoded reads a TypeDefOrRefOrSpecEncoded token as used in
// signatures and returns it as a full token.
func (r *BlobReader) ReadTypeDefOrRefEncoded() Token {
	v := r.ReadCompressedUint()
	if r.err != nil {
		return 0
	}
	table, row, ok := TypeDefOrRef.Decode(v)
	if !ok {
		r.err = ErrBadCodedIndex
		return 0
	}
	return NewToken(table, row)
}

// ReadSerString reads a custom-attribute SerString: 0xFF for null, else a
// compressed length followed by UTF-8 bytes. ok is false for null.
func (r *BlobReader) ReadSerString() (s string, ok bool) {
	if r.PeekByte() == 0xFF {
		r.pos++
		return "", false
	}
	n := r.ReadCompressedUint()
	b := r.ReadBytes(int(n))
	return string(b), r.err == nil
}

// Skip advances by n bytes.
func (r *BlobReader) Skip(n int) {
	if r.need(n) {
		r.pos += n
	}
}

// Align advances to the next multiple of n relative to the start of data.
func (r *BlobReader) Align(n int) {
	if rem := r.pos % n; rem != 0 {
		r.Skip(n - rem)
	}
}
