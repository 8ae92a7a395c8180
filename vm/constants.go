package vm

import (
	"fmt"
	"math"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Field defaults: Constant rows and RVA data
// ---------------------------------------------------------------------------

func fieldDef(f *FieldInfo) *FieldInfo {
	for f.Def != nil {
		f = f.Def
	}
	return f
}

func (f *FieldInfo) defaultOf() (*Image, *fieldDefault) {
	d := fieldDef(f)
	img := d.Parent.Image
	if img == nil || d.DefaultIndex < 0 || d.DefaultIndex >= len(img.fieldDefaults) {
		return img, nil
	}
	return img, &img.fieldDefaults[d.DefaultIndex]
}

// FieldConstant returns the value of a literal field. ok is false when the
// field has no Constant row.
func (rt *Runtime) FieldConstant(f *FieldInfo) (v StackObject, ok bool, err error) {
	img, fd := f.defaultOf()
	if fd == nil || fd.RVA != 0 {
		return StackObject{}, false, nil
	}
	blob, err := img.Raw.Blob(fd.Blob)
	if err != nil {
		return StackObject{}, false, badImage(img, 0, "constant of %s: %v", f.FullName(), err)
	}
	v, err = rt.decodeConstant(fd.Type, blob)
	if err != nil {
		return StackObject{}, false, badImage(img, 0, "constant of %s: %v", f.FullName(), err)
	}
	return v, true, nil
}

// decodeConstant reads a Constant blob of element type e.
func (rt *Runtime) decodeConstant(e metadata.ElementType, blob []byte) (StackObject, error) {
	var v StackObject
	if e == metadata.ElementClass {
		return v, nil // null
	}
	if e == metadata.ElementString {
		chars := make([]uint16, len(blob)/2)
		for i := range chars {
			chars[i] = uint16(blob[2*i]) | uint16(blob[2*i+1])<<8
		}
		v.SetObj(rt.Host.NewString(chars))
		return v, nil
	}
	size := int(e.Size())
	if size == 0 || len(blob) < size {
		return v, fmt.Errorf("%d bytes for %s", len(blob), e)
	}
	r := metadata.NewBlobReader(blob)
	switch e {
	case metadata.ElementBoolean, metadata.ElementU1:
		v.SetI32(int32(r.ReadByte()))
	case metadata.ElementI1:
		v.SetI32(int32(int8(r.ReadByte())))
	case metadata.ElementI2:
		v.SetI32(int32(int16(r.ReadUint16())))
	case metadata.ElementU2, metadata.ElementChar:
		v.SetI32(int32(r.ReadUint16()))
	case metadata.ElementI4, metadata.ElementU4:
		v.SetI32(int32(r.ReadUint32()))
	case metadata.ElementI8, metadata.ElementU8:
		v.SetI64(int64(r.ReadUint64()))
	case metadata.ElementR4:
		v.SetF64(float64(r.ReadFloat32()))
	case metadata.ElementR8:
		v.SetF64(r.ReadFloat64())
	default:
		return v, fmt.Errorf("unsupported constant type %s", e)
	}
	return v, r.Err()
}

// FieldData returns size bytes of the initial data of a field with an RVA.
func (rt *Runtime) FieldData(f *FieldInfo, size int) ([]byte, error) {
	img, fd := f.defaultOf()
	if fd == nil || fd.RVA == 0 {
		return nil, fmt.Errorf("%s has no initial data", f.FullName())
	}
	return img.Raw.DataAt(fd.RVA, uint32(size))
}

// fillArray copies little-endian initial data into the elements of a
// primitive array.
func fillArray(arr *Object, data []byte) error {
	e := arr.Class.Element
	size := int(e.ElemType.Size())
	if size == 0 || !e.IsPrimitiveLike() {
		return fmt.Errorf("cannot initialize %s from data", arr.Class.FullName())
	}
	if len(data) < size*len(arr.Elems) {
		return fmt.Errorf("initial data of %d bytes is too short for %d elements", len(data), len(arr.Elems))
	}
	r := metadata.NewBlobReader(data)
	for i := range arr.Elems {
		p := &arr.Elems[i]
		switch e.ElemType {
		case metadata.ElementBoolean, metadata.ElementU1:
			p.SetI32(int32(r.ReadByte()))
		case metadata.ElementI1:
			p.SetI32(int32(int8(r.ReadByte())))
		case metadata.ElementI2:
			p.SetI32(int32(int16(r.ReadUint16())))
		case metadata.ElementU2, metadata.ElementChar:
			p.SetI32(int32(r.ReadUint16()))
		case metadata.ElementI4, metadata.ElementU4:
			p.SetI32(int32(r.ReadUint32()))
		case metadata.ElementR4:
			p.SetF64(float64(math.Float32frombits(r.ReadUint32())))
		case metadata.ElementR8:
			p.SetF64(math.Float64frombits(r.ReadUint64()))
		default:
			p.SetI64(int64(r.ReadUint64()))
		}
	}
	return r.Err()
}
