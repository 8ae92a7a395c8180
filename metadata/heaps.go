package metadata

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

// utf16Decoder decodes #US heap entries, which are UTF-16LE without a BOM.
var utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// StringHeap is the #Strings heap: NUL-terminated UTF-8 strings addressed
// by byte offset.
type StringHeap struct {
	data []byte
}

// Get returns the string starting at offset.
func (h StringHeap) Get(offset uint32) (string, error) {
	if int(offset) >= len(h.data) {
		if offset == 0 {
			return "", nil
		}
		return "", fmt.Errorf("%w: %d", ErrInvalidStringIndex, offset)
	}
	rest := h.data[offset:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: %d is unterminated", ErrInvalidStringIndex, offset)
	}
	return string(rest[:end]), nil
}

// Size returns the heap size in bytes.
func (h StringHeap) Size() int {
	return len(h.data)
}

// BlobHeap is the #Blob heap: length-prefixed byte runs.
type BlobHeap struct {
	data []byte
}

// Get returns the blob starting at offset. The result aliases the heap.
func (h BlobHeap) Get(offset uint32) ([]byte, error) {
	if offset == 0 {
		return nil, nil
	}
	if int(offset) >= len(h.data) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlobIndex, offset)
	}
	n, w := DecodeCompressedUint(h.data[offset:])
	if w == 0 {
		return nil, fmt.Errorf("%w: bad length at %d", ErrInvalidBlobIndex, offset)
	}
	start := int(offset) + w
	end := start + int(n)
	if end > len(h.data) {
		return nil, fmt.Errorf("%w: %d overruns heap", ErrInvalidBlobIndex, offset)
	}
	return h.data[start:end], nil
}

// Size returns the heap size in bytes.
func (h BlobHeap) Size() int {
	return len(h.data)
}

// UserStringHeap is the #US heap holding ldstr literals.
type UserStringHeap struct {
	data []byte
}

// GetUTF16 returns the raw UTF-16 code units of the literal at offset. The
// trailing flag byte is not part of the result.
func (h UserStringHeap) GetUTF16(offset uint32) ([]uint16, error) {
	raw, err := h.raw(offset)
	if err != nil {
		return nil, err
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = ReadUint16(raw[i*2:])
	}
	return units, nil
}

// Get returns the literal at offset as a Go string.
func (h UserStringHeap) Get(offset uint32) (string, error) {
	raw, err := h.raw(offset)
	if err != nil {
		return "", err
	}
	out, err := utf16Decoder.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode user string %d: %w", offset, err)
	}
	return string(out), nil
}

func (h UserStringHeap) raw(offset uint32) ([]byte, error) {
	if int(offset) >= len(h.data) {
		return nil, fmt.Errorf("%w: user string %d", ErrInvalidBlobIndex, offset)
	}
	n, w := DecodeCompressedUint(h.data[offset:])
	if w == 0 {
		return nil, fmt.Errorf("%w: user string %d", ErrInvalidBlobIndex, offset)
	}
	start := int(offset) + w
	end := start + int(n)
	if end > len(h.data) {
		return nil, fmt.Errorf("%w: user string %d overruns heap", ErrInvalidBlobIndex, offset)
	}
	if n > 0 {
		end-- // flag byte
	}
	return h.data[start:end], nil
}

// GuidHeap is the #GUID heap: 16-byte entries addressed 1-based.
type GuidHeap struct {
	data []byte
}

// Get returns the GUID at the 1-based index, or uuid.Nil for index 0.
func (h GuidHeap) Get(index uint32) (uuid.UUID, error) {
	if index == 0 {
		return uuid.Nil, nil
	}
	start := int(index-1) * 16
	if start+16 > len(h.data) {
		return uuid.Nil, fmt.Errorf("%w: guid %d", ErrInvalidBlobIndex, index)
	}
	// Stored in the Microsoft mixed-endian layout.
	var u uuid.UUID
	b := h.data[start : start+16]
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return u, nil
}

// guidBytes converts a UUID to the on-disk mixed-endian layout.
func guidBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b
}
