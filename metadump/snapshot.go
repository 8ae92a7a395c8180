// Package metadump captures the runtime metadata of loaded images as a
// CBOR snapshot and indexes snapshots in SQLite. Snapshots describe what
// the resolver built (layouts, vtable slots, resolved signatures), not the
// raw tables, so two runtimes can be compared without re-resolving.
package metadump

import (
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"github.com/chazu/hybrid/metadata"
	"github.com/chazu/hybrid/vm"
)

// FormatVersion is bumped when the snapshot layout changes.
const FormatVersion = 1

// Snapshot is the resolved metadata of a set of images.
type Snapshot struct {
	Version    int        `cbor:"1,keyasint"`
	Assemblies []Assembly `cbor:"2,keyasint"`
}

// Assembly describes one image.
type Assembly struct {
	Name  string `cbor:"1,keyasint"`
	MVID  string `cbor:"2,keyasint"`
	Path  string `cbor:"3,keyasint,omitempty"`
	Types []Type `cbor:"4,keyasint"`
}

// Type describes one type definition after layout and vtable construction.
type Type struct {
	Token        uint32   `cbor:"1,keyasint"`
	Namespace    string   `cbor:"2,keyasint"`
	Name         string   `cbor:"3,keyasint"`
	Kind         string   `cbor:"4,keyasint"`
	Flags        uint32   `cbor:"5,keyasint"`
	Parent       string   `cbor:"6,keyasint,omitempty"`
	Enclosing    string   `cbor:"7,keyasint,omitempty"`
	Interfaces   []string `cbor:"8,keyasint,omitempty"`
	GenericArity int      `cbor:"9,keyasint,omitempty"`
	InstanceSize int32    `cbor:"10,keyasint"`
	Blittable    bool     `cbor:"11,keyasint"`
	Fields       []Field  `cbor:"12,keyasint,omitempty"`
	Methods      []Method `cbor:"13,keyasint,omitempty"`
	VTable       []string `cbor:"14,keyasint,omitempty"` // implementing method per slot
	Error        string   `cbor:"15,keyasint,omitempty"` // why the type failed to initialize
}

// FullName returns "Ns.Name".
func (t *Type) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Field describes one field.
type Field struct {
	Token  uint32 `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
	Type   string `cbor:"3,keyasint"`
	Flags  uint16 `cbor:"4,keyasint"`
	Slot   int    `cbor:"5,keyasint"`
	Offset int32  `cbor:"6,keyasint"`
}

// Method describes one method and its body.
type Method struct {
	Token     uint32 `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint"`
	Signature string `cbor:"3,keyasint"`
	Flags     uint16 `cbor:"4,keyasint"`
	ImplFlags uint16 `cbor:"5,keyasint"`
	Slot      int    `cbor:"6,keyasint"`
	CodeSize  uint32 `cbor:"7,keyasint,omitempty"`
	MaxStack  uint16 `cbor:"8,keyasint,omitempty"`
	Clauses   int    `cbor:"9,keyasint,omitempty"`
	BodyHash  uint64 `cbor:"10,keyasint,omitempty"` // xxh3 of the IL bytes
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("metadump: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Capture snapshots images. Types whose layout fails are recorded with
// their error instead of aborting the capture.
func Capture(rt *vm.Runtime, images ...*vm.Image) *Snapshot {
	s := &Snapshot{Version: FormatVersion}
	for _, img := range images {
		a := Assembly{Name: img.Name, Path: img.Path}
		if img.Raw.RowCount(metadata.TableModule) > 0 {
			a.MVID = img.Raw.GUID(img.Raw.Module(1).Mvid).String()
		}
		for _, c := range img.Types() {
			if c.Name == "<Module>" && c.Namespace == "" {
				continue
			}
			a.Types = append(a.Types, captureType(rt, c))
		}
		s.Assemblies = append(s.Assemblies, a)
	}
	return s
}

func captureType(rt *vm.Runtime, c *vm.Class) Type {
	t := Type{
		Token:     uint32(c.Token),
		Namespace: c.Namespace,
		Name:      c.Name,
		Kind:      c.Kind.String(),
		Flags:     c.Flags,
	}
	if err := rt.EnsureLayout(c); err != nil {
		t.Error = err.Error()
		return t
	}
	if c.Parent != nil {
		t.Parent = c.Parent.FullName()
	}
	if c.DeclaringType != nil {
		t.Enclosing = c.DeclaringType.FullName()
	}
	for _, i := range c.Interfaces {
		t.Interfaces = append(t.Interfaces, i.FullName())
	}
	if c.GenericContainer != nil {
		t.GenericArity = len(c.GenericContainer.Params)
	}
	t.InstanceSize = c.InstanceSize
	t.Blittable = c.IsBlittable()
	for _, f := range c.Fields {
		typ := f.Sig.String()
		if fc, err := rt.FieldType(f); err == nil {
			typ = fc.FullName()
		}
		t.Fields = append(t.Fields, Field{
			Token:  uint32(f.Token),
			Name:   f.Name,
			Type:   typ,
			Flags:  f.Flags,
			Slot:   f.Slot,
			Offset: f.Offset,
		})
	}
	for _, m := range c.Methods {
		t.Methods = append(t.Methods, captureMethod(rt, m))
	}
	for _, m := range c.VTable {
		name := ""
		if m != nil {
			name = m.FullName()
		}
		t.VTable = append(t.VTable, name)
	}
	return t
}

func captureMethod(rt *vm.Runtime, m *vm.MethodInfo) Method {
	out := Method{
		Token:     uint32(m.Token),
		Name:      m.Name,
		Signature: Signature(rt, m),
		Flags:     m.Flags,
		ImplFlags: m.ImplFlags,
		Slot:      m.Slot,
	}
	if b := m.Body; b != nil {
		out.CodeSize = b.CodeSize
		out.MaxStack = b.MaxStack
		out.Clauses = len(b.Clauses)
		out.BodyHash = xxh3.Hash(b.Code)
	}
	return out
}

// Signature renders m as "ret Name(params)" with resolved class names.
// Unresolvable signatures fall back to their raw form.
func Signature(rt *vm.Runtime, m *vm.MethodInfo) string {
	classes, err := rt.MethodSigClasses(m)
	if err != nil {
		params := make([]string, len(m.Sig.Params))
		for i, p := range m.Sig.Params {
			params[i] = p.String()
		}
		return m.Sig.Ret.String() + " " + m.Name + "(" + strings.Join(params, ", ") + ")"
	}
	params := make([]string, 0, len(classes)-1)
	for _, c := range classes[1:] {
		params = append(params, c.FullName())
	}
	ret := "void"
	if classes[0] != nil {
		ret = classes[0].FullName()
	}
	return ret + " " + m.Name + "(" + strings.Join(params, ", ") + ")"
}

// Marshal serializes a snapshot to canonical CBOR.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a snapshot from CBOR.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("metadump: unmarshal snapshot: %w", err)
	}
	if s.Version != FormatVersion {
		return nil, fmt.Errorf("metadump: snapshot version %d, want %d", s.Version, FormatVersion)
	}
	return &s, nil
}

// Write stores a zstd-compressed snapshot.
func Write(w io.Writer, s *Snapshot) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Read loads a snapshot written by Write.
func Read(r io.Reader) (*Snapshot, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("metadump: decompress: %w", err)
	}
	return Unmarshal(data)
}
