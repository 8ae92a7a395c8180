// Package metadata reads and writes managed-assembly images: the PE/CLI
// container, the metadata root and its heaps, the compressed table stream,
// method bodies, and the CIL instruction set.
package metadata

import (
	"bytes"
	"debug/pe"
	"fmt"
	"io"
	"math/bits"
	"os"

	"github.com/google/uuid"
)

const (
	// MetadataSignature is the "BSJB" magic at the start of a metadata root.
	MetadataSignature uint32 = 0x424A5342

	cliHeaderSize      = 72
	comDescriptorIndex = 14
)

// Stream names.
const (
	StreamTables             = "#~"
	StreamTablesUncompressed = "#-"
	StreamStrings            = "#Strings"
	StreamUserStrings        = "#US"
	StreamBlob               = "#Blob"
	StreamGUID               = "#GUID"
)

// StreamHeader describes one stream in the metadata root.
type StreamHeader struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Section is a PE section used for RVA translation.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	RawOffset      uint32
	RawSize        uint32
}

// CLIHeader is the IMAGE_COR20_HEADER.
type CLIHeader struct {
	MajorRuntimeVersion uint16
	MinorRuntimeVersion uint16
	MetadataRVA         uint32
	MetadataSize        uint32
	Flags               uint32
	EntryPointToken     Token
}

// ---------------------------------------------------------------------------
// RawImage: immutable view over an image's bytes
// ---------------------------------------------------------------------------

// RawImage owns an image's bytes and its parsed stream and table
// directories. It is immutable after Load and safe for concurrent reads.
type RawImage struct {
	data     []byte
	sections []Section
	cli      CLIHeader
	root     []byte

	Version string
	Streams []StreamHeader

	Strings     StringHeap
	Blobs       BlobHeap
	UserStrings UserStringHeap
	Guids       GuidHeap

	TablesMajor uint8
	TablesMinor uint8
	HeapSizes   uint8
	Valid       uint64
	Sorted      uint64

	rowCounts [TableCount]uint32
	layouts   [TableCount]TableLayout
	tables    [TableCount][]byte
}

// LoadFile reads and loads an image from disk.
func LoadFile(path string) (*RawImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Load(data)
}

// LoadReader reads all of r and loads it.
func LoadReader(r io.Reader) (*RawImage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return Load(data)
}

// Load validates and indexes an image. data may be a PE file carrying a CLI
// header or a bare metadata root. Failures are *LoadError values.
func Load(data []byte) (*RawImage, error) {
	img := &RawImage{data: data}
	switch {
	case len(data) >= 2 && data[0] == 'M' && data[1] == 'Z':
		if err := img.loadPE(); err != nil {
			return nil, err
		}
	case len(data) >= 4 && ReadUint32(data) == MetadataSignature:
		img.root = data
	default:
		return nil, loadErr(MalformedHeader, "neither a PE image nor a metadata root")
	}
	if err := img.loadRoot(); err != nil {
		return nil, err
	}
	if err := img.loadTables(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *RawImage) loadPE() error {
	f, err := pe.NewFile(bytes.NewReader(img.data))
	if err != nil {
		return &LoadError{Kind: MalformedHeader, Detail: "pe", Err: err}
	}
	defer f.Close()

	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	default:
		return loadErr(MalformedHeader, "missing optional header")
	}
	if len(dirs) <= comDescriptorIndex || dirs[comDescriptorIndex].VirtualAddress == 0 {
		return loadErr(MalformedHeader, "image has no CLI header")
	}

	for _, s := range f.Sections {
		img.sections = append(img.sections, Section{
			Name:           s.Name,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			RawOffset:      s.Offset,
			RawSize:        s.Size,
		})
	}

	cli, err := img.DataAt(dirs[comDescriptorIndex].VirtualAddress, cliHeaderSize)
	if err != nil {
		return &LoadError{Kind: Truncated, Detail: "cli header", Err: err}
	}
	img.cli = CLIHeader{
		MajorRuntimeVersion: ReadUint16(cli[4:]),
		MinorRuntimeVersion: ReadUint16(cli[6:]),
		MetadataRVA:         ReadUint32(cli[8:]),
		MetadataSize:        ReadUint32(cli[12:]),
		Flags:               ReadUint32(cli[16:]),
		EntryPointToken:     Token(ReadUint32(cli[20:])),
	}
	root, err := img.DataAt(img.cli.MetadataRVA, img.cli.MetadataSize)
	if err != nil {
		return &LoadError{Kind: Truncated, Detail: "metadata root", Err: err}
	}
	img.root = root
	return nil
}

func (img *RawImage) loadRoot() error {
	r := NewBlobReader(img.root)
	if r.ReadUint32() != MetadataSignature {
		return loadErr(MalformedHeader, "bad metadata signature")
	}
	r.Skip(2 + 2 + 4) // major, minor, reserved
	vlen := r.ReadUint32()
	version := r.ReadBytes(int(vlen))
	if i := bytes.IndexByte(version, 0); i >= 0 {
		version = version[:i]
	}
	img.Version = string(version)
	r.Skip(2) // flags
	nstreams := r.ReadUint16()
	if r.Err() != nil {
		return &LoadError{Kind: Truncated, Detail: "metadata root header", Err: r.Err()}
	}

	for i := 0; i < int(nstreams); i++ {
		off := r.ReadUint32()
		size := r.ReadUint32()
		rest := r.Bytes()
		end := bytes.IndexByte(rest, 0)
		if end < 0 || r.Err() != nil {
			return loadErr(Truncated, "stream header %d", i)
		}
		name := string(rest[:end])
		r.Skip(end + 1)
		r.Align(4)
		if uint64(off)+uint64(size) > uint64(len(img.root)) {
			return loadErr(Truncated, "stream %s overruns metadata", name)
		}
		img.Streams = append(img.Streams, StreamHeader{Name: name, Offset: off, Size: size})
	}

	for _, s := range img.Streams {
		data := img.root[s.Offset : s.Offset+s.Size]
		switch s.Name {
		case StreamStrings:
			img.Strings = StringHeap{data}
		case StreamBlob:
			img.Blobs = BlobHeap{data}
		case StreamUserStrings:
			img.UserStrings = UserStringHeap{data}
		case StreamGUID:
			img.Guids = GuidHeap{data}
		}
	}
	for _, required := range []string{StreamStrings, StreamBlob, StreamUserStrings} {
		if img.stream(required) == nil {
			return loadErr(MissingStream, "%s", required)
		}
	}
	if img.stream(StreamTables) == nil && img.stream(StreamTablesUncompressed) == nil {
		return loadErr(MissingStream, "%s", StreamTables)
	}
	return nil
}

func (img *RawImage) stream(name string) *StreamHeader {
	for i := range img.Streams {
		if img.Streams[i].Name == name {
			return &img.Streams[i]
		}
	}
	return nil
}

func (img *RawImage) loadTables() error {
	sh := img.stream(StreamTables)
	if sh == nil {
		sh = img.stream(StreamTablesUncompressed)
	}
	data := img.root[sh.Offset : sh.Offset+sh.Size]
	r := NewBlobReader(data)
	r.Skip(4)
	img.TablesMajor = r.ReadByte()
	img.TablesMinor = r.ReadByte()
	img.HeapSizes = r.ReadByte()
	r.Skip(1)
	img.Valid = r.ReadUint64()
	img.Sorted = r.ReadUint64()
	if r.Err() != nil {
		return &LoadError{Kind: Truncated, Detail: "table stream header", Err: r.Err()}
	}
	if img.Valid>>TableCount != 0 {
		return loadErr(TableCountMismatch, "valid mask %#x names unknown tables", img.Valid)
	}

	lc := LayoutContext{HeapSizes: img.HeapSizes}
	for t := 0; t < TableCount; t++ {
		if img.Valid&(1<<uint(t)) != 0 {
			lc.RowCounts[t] = r.ReadUint32()
		}
	}
	if img.HeapSizes&heapExtraData != 0 {
		r.Skip(4)
	}
	if r.Err() != nil {
		return loadErr(TableCountMismatch, "row counts truncated (%d tables declared)", bits.OnesCount64(img.Valid))
	}
	for _, ptr := range []TableType{TableFieldPtr, TableMethodPtr, TableParamPtr, TableEventPtr, TablePropertyPtr} {
		if lc.RowCounts[ptr] != 0 {
			return loadErr(MalformedHeader, "indirection table %s is not supported", ptr)
		}
	}

	img.rowCounts = lc.RowCounts
	img.layouts = lc.ComputeLayouts()
	for t := 0; t < TableCount; t++ {
		n := int(img.rowCounts[t]) * img.layouts[t].RowSize
		if n == 0 {
			continue
		}
		chunk := r.ReadBytes(n)
		if r.Err() != nil {
			return loadErr(TableCountMismatch, "table %s needs %d bytes, stream has %d left",
				TableType(t), n, r.Len())
		}
		img.tables[t] = chunk
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// CLI returns the CLI header. It is zero for bare metadata roots.
func (img *RawImage) CLI() CLIHeader {
	return img.cli
}

// EntryPoint returns the entry point method token, if any.
func (img *RawImage) EntryPoint() Token {
	return img.cli.EntryPointToken
}

// Sections returns the PE sections.
func (img *RawImage) Sections() []Section {
	return img.sections
}

// Bytes returns the raw image bytes.
func (img *RawImage) Bytes() []byte {
	return img.data
}

// RowCount returns the number of rows in table t.
func (img *RawImage) RowCount(t TableType) uint32 {
	if int(t) >= TableCount {
		return 0
	}
	return img.rowCounts[t]
}

// Layout returns the computed layout of table t.
func (img *RawImage) Layout(t TableType) TableLayout {
	return img.layouts[t]
}

// IsSorted reports whether the header flags table t as sorted.
func (img *RawImage) IsSorted(t TableType) bool {
	return img.Sorted&(1<<uint(t)) != 0
}

// Column reads column col of the 1-based row of table t. Out-of-range
// reads return 0; callers validate rows with ValidRow first.
func (img *RawImage) Column(t TableType, row uint32, col int) uint32 {
	if row == 0 || row > img.rowCounts[t] {
		return 0
	}
	tl := &img.layouts[t]
	cl := tl.Columns[col]
	off := int(row-1)*tl.RowSize + cl.Offset
	if cl.Size == 2 {
		return uint32(ReadUint16(img.tables[t][off:]))
	}
	return ReadUint32(img.tables[t][off:])
}

// ValidRow reports whether row is a valid 1-based row of table t.
func (img *RawImage) ValidRow(t TableType, row uint32) bool {
	return row >= 1 && row <= img.RowCount(t)
}

// ValidToken reports whether tok addresses an existing row.
func (img *RawImage) ValidToken(tok Token) bool {
	return img.ValidRow(tok.Table(), tok.Row())
}

// String reads a #Strings entry, returning "" on a bad index.
func (img *RawImage) String(offset uint32) string {
	s, _ := img.Strings.Get(offset)
	return s
}

// Blob reads a #Blob entry.
func (img *RawImage) Blob(offset uint32) ([]byte, error) {
	return img.Blobs.Get(offset)
}

// GUID reads a #GUID entry.
func (img *RawImage) GUID(index uint32) uuid.UUID {
	g, _ := img.Guids.Get(index)
	return g
}

// RVAToOffset translates a relative virtual address into a file offset.
func (img *RawImage) RVAToOffset(rva uint32) (uint32, error) {
	for _, s := range img.sections {
		size := s.VirtualSize
		if s.RawSize > size {
			size = s.RawSize
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return rva - s.VirtualAddress + s.RawOffset, nil
		}
	}
	return 0, fmt.Errorf("%w: %#x", ErrUnmappedRVA, rva)
}

// DataAt returns size bytes at rva.
func (img *RawImage) DataAt(rva, size uint32) ([]byte, error) {
	off, err := img.RVAToOffset(rva)
	if err != nil {
		return nil, err
	}
	if uint64(off)+uint64(size) > uint64(len(img.data)) {
		return nil, fmt.Errorf("%w: %d bytes at rva %#x", ErrUnexpectedEOF, size, rva)
	}
	return img.data[off : off+size], nil
}

// dataFrom returns all bytes from rva to the end of the image.
func (img *RawImage) dataFrom(rva uint32) ([]byte, error) {
	off, err := img.RVAToOffset(rva)
	if err != nil {
		return nil, err
	}
	if int(off) > len(img.data) {
		return nil, fmt.Errorf("%w: rva %#x", ErrUnexpectedEOF, rva)
	}
	return img.data[off:], nil
}

// MethodBody parses the method body at rva.
func (img *RawImage) MethodBody(rva uint32) (*MethodBody, error) {
	data, err := img.dataFrom(rva)
	if err != nil {
		return nil, err
	}
	return ParseMethodBody(data)
}
