package vm

// ---------------------------------------------------------------------------
// System.Array
// ---------------------------------------------------------------------------

func registerArrayNatives(rt *Runtime) {
	const a = "System.Array::"
	method := func(name string, fn func(th *Thread, arr *Object, args []StackObject, ret *StackObject) error) {
		rt.RegisterNative(a+name, func(th *Thread, args []StackObject, ret *StackObject) error {
			arr, err := th.thisObject(args)
			if err != nil {
				return err
			}
			return fn(th, arr, args, ret)
		})
	}
	method("get_Length", func(th *Thread, arr *Object, args []StackObject, ret *StackObject) error {
		ret.SetI32(int32(len(arr.Elems)))
		return nil
	})
	method("get_LongLength", func(th *Thread, arr *Object, args []StackObject, ret *StackObject) error {
		ret.SetI64(int64(len(arr.Elems)))
		return nil
	})
	method("get_Rank", func(th *Thread, arr *Object, args []StackObject, ret *StackObject) error {
		ret.SetI32(int32(arr.Rank()))
		return nil
	})
	dimension := func(th *Thread, arr *Object, d int32) (lower, length int32, err error) {
		if d < 0 || int(d) >= arr.Rank() {
			return 0, 0, th.raise(ExIndexOutOfRange, "")
		}
		if arr.Lengths == nil {
			return 0, int32(len(arr.Elems)), nil
		}
		return arr.LowerBounds[d], arr.Lengths[d], nil
	}
	method("GetLength", func(th *Thread, arr *Object, args []StackObject, ret *StackObject) error {
		_, n, err := dimension(th, arr, args[1].I32())
		ret.SetI32(n)
		return err
	})
	method("GetLowerBound", func(th *Thread, arr *Object, args []StackObject, ret *StackObject) error {
		lo, _, err := dimension(th, arr, args[1].I32())
		ret.SetI32(lo)
		return err
	})
	method("GetUpperBound", func(th *Thread, arr *Object, args []StackObject, ret *StackObject) error {
		lo, n, err := dimension(th, arr, args[1].I32())
		ret.SetI32(lo + n - 1)
		return err
	})
	method("GetValue", func(th *Thread, arr *Object, args []StackObject, ret *StackObject) error {
		p, err := th.flatElement(arr, args[1].I32())
		if err != nil {
			return err
		}
		*ret = th.boxElement(arr.Class.Element, *p)
		return nil
	})
	method("SetValue", func(th *Thread, arr *Object, args []StackObject, ret *StackObject) error {
		p, err := th.flatElement(arr, args[2].I32())
		if err != nil {
			return err
		}
		v, err := th.unboxElement(arr.Class.Element, args[1].Obj())
		if err != nil {
			return err
		}
		th.store(p, v)
		return nil
	})
	method("Clone", func(th *Thread, arr *Object, args []StackObject, ret *StackObject) error {
		ret.SetObj(cloneObject(arr))
		return nil
	})
	rt.RegisterNative(a+"Copy/v(o,o,i4)", func(th *Thread, args []StackObject, ret *StackObject) error {
		return th.arrayCopy(args[0].Obj(), 0, args[1].Obj(), 0, args[2].I32())
	})
	rt.RegisterNative(a+"Copy/v(o,i4,o,i4,i4)", func(th *Thread, args []StackObject, ret *StackObject) error {
		return th.arrayCopy(args[0].Obj(), args[1].I32(), args[2].Obj(), args[3].I32(), args[4].I32())
	})
	rt.RegisterNative(a+"Clear", func(th *Thread, args []StackObject, ret *StackObject) error {
		arr := args[0].Obj()
		if arr == nil {
			return th.raise(ExArgumentNull, "Value cannot be null. (Parameter 'array')")
		}
		i, n := int(args[1].I32()), int(args[2].I32())
		if i < 0 || n < 0 || i+n > len(arr.Elems) {
			return th.raise(ExIndexOutOfRange, "")
		}
		elem := arr.Class.Element
		for k := i; k < i+n; k++ {
			if elem.IsStruct() {
				arr.Elems[k].SetStruct(th.rt.newObject(elem))
			} else {
				arr.Elems[k].Clear()
			}
		}
		return nil
	})
	rt.RegisterNative(a+"Reverse", func(th *Thread, args []StackObject, ret *StackObject) error {
		arr := args[0].Obj()
		if arr == nil {
			return th.raise(ExArgumentNull, "Value cannot be null. (Parameter 'array')")
		}
		for i, j := 0, len(arr.Elems)-1; i < j; i, j = i+1, j-1 {
			arr.Elems[i], arr.Elems[j] = arr.Elems[j], arr.Elems[i]
		}
		return nil
	})
	rt.RegisterNative(a+"IndexOf", func(th *Thread, args []StackObject, ret *StackObject) error {
		arr := args[0].Obj()
		if arr == nil {
			return th.raise(ExArgumentNull, "Value cannot be null. (Parameter 'array')")
		}
		want := args[1].Obj()
		elem := arr.Class.Element
		for i := range arr.Elems {
			got := th.boxElement(elem, arr.Elems[i]).Obj()
			eq, err := th.objectEquals(got, want)
			if err != nil {
				return err
			}
			if eq {
				ret.SetI32(int32(i))
				return nil
			}
		}
		ret.SetI32(-1)
		return nil
	})
}

// flatElement returns element i of a single-dimensional array.
func (th *Thread) flatElement(arr *Object, i int32) (*StackObject, error) {
	if arr.Rank() != 1 {
		return nil, th.raise(ExArgument, "Array was not a one-dimensional array.")
	}
	if arr.Lengths != nil {
		i -= arr.LowerBounds[0]
	}
	if i < 0 || int(i) >= len(arr.Elems) {
		return nil, th.raise(ExIndexOutOfRange, "")
	}
	return &arr.Elems[i], nil
}

func (th *Thread) boxElement(elem *Class, v StackObject) StackObject {
	if elem.IsValueType() {
		return ObjValue(th.rt.Host.Box(elem, v))
	}
	return v
}

func (th *Thread) unboxElement(elem *Class, o *Object) (StackObject, error) {
	if elem.IsValueType() {
		if o == nil && !elem.IsNullable() {
			if elem.IsStruct() {
				return structValue(th.rt.newObject(elem)), nil
			}
			return StackObject{}, nil
		}
		v, err := th.unboxAny(o, elem)
		if err == nil {
			narrow(narrowFor(elem), &v)
		}
		return v, err
	}
	if o != nil && !th.rt.Host.IsAssignableFrom(elem, o.Class) {
		return StackObject{}, th.invalidCast(o.Class, elem)
	}
	return ObjValue(o), nil
}

// arrayCopy copies n elements between single-dimensional arrays. Element
// types must agree, except that references are checked one by one.
func (th *Thread) arrayCopy(src *Object, si int32, dst *Object, di int32, n int32) error {
	if src == nil || dst == nil {
		return th.raise(ExArgumentNull, "Value cannot be null.")
	}
	if n < 0 || si < 0 || di < 0 {
		return th.raise(ExArgumentOutOfRange, "Non-negative number required.")
	}
	if int(si)+int(n) > len(src.Elems) || int(di)+int(n) > len(dst.Elems) {
		return th.raise(ExArgument, "Destination array was not long enough. Check the destination index, length, and the array's lower bounds.")
	}
	se, de := src.Class.Element, dst.Class.Element
	if se != de && (se.IsValueType() || de.IsValueType()) {
		return th.raise(ExArrayTypeMismatch, "Source array type cannot be assigned to destination array type.")
	}
	tmp := make([]StackObject, n)
	for i := range tmp {
		tmp[i] = copyValue(src.Elems[int(si)+i])
	}
	for i, v := range tmp {
		if o := v.Obj(); o != nil && se != de && !th.rt.Host.IsAssignableFrom(de, o.Class) {
			return th.raise(ExInvalidCast, "At least one element in the source array could not be cast down to the destination array type.")
		}
		th.store(&dst.Elems[int(di)+i], v)
	}
	return nil
}

// objectEquals calls Object.Equals virtually on a.
func (th *Thread) objectEquals(a, b *Object) (bool, error) {
	if a == nil || b == nil {
		return a == b, nil
	}
	base := th.rt.corlib.Object.FindMethod("Equals", 1)
	m, err := th.rt.resolveVirtual(a.Class, base)
	if err != nil {
		return false, th.managedError(err)
	}
	v, err := th.Invoke(m, ObjValue(a), ObjValue(b))
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}
