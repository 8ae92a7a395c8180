package vm

import "github.com/chazu/hybrid/metadata"

// ---------------------------------------------------------------------------
// System.Delegate
// ---------------------------------------------------------------------------

// invocationList returns the single-target delegates d stands for.
func invocationList(d *Object) []*Object {
	if dd := delegateData(d); dd != nil && dd.Invocation != nil {
		return dd.Invocation
	}
	return []*Object{d}
}

// newMulticast builds a delegate of class c invoking list in order. The
// target and method of the result are those of the last entry.
func (th *Thread) newMulticast(c *Class, list []*Object) *Object {
	if len(list) == 1 {
		return list[0]
	}
	last := delegateData(list[len(list)-1])
	o := th.rt.newObject(c)
	o.Native = &DelegateData{Target: last.Target, Method: last.Method, Invocation: list}
	return o
}

func singleEqual(a, b *Object) bool {
	da, db := delegateData(a), delegateData(b)
	if da == nil || db == nil {
		return a == b
	}
	return da.Method == db.Method && da.Target.same(&db.Target)
}

func delegatesEqual(a, b *Object) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Class != b.Class {
		return false
	}
	la, lb := invocationList(a), invocationList(b)
	if len(la) != len(lb) {
		return false
	}
	for i := range la {
		if !singleEqual(la[i], lb[i]) {
			return false
		}
	}
	return true
}

func registerDelegateNatives(rt *Runtime) {
	const d = "System.Delegate::"
	rt.RegisterNative(d+"Combine", func(th *Thread, args []StackObject, ret *StackObject) error {
		a, b := args[0].Obj(), args[1].Obj()
		switch {
		case a == nil:
			ret.SetObj(b)
			return nil
		case b == nil:
			ret.SetObj(a)
			return nil
		case a.Class != b.Class:
			return th.raise(ExArgument, "Delegates must be of the same type.")
		}
		list := append(append([]*Object(nil), invocationList(a)...), invocationList(b)...)
		ret.SetObj(th.newMulticast(a.Class, list))
		return nil
	})
	rt.RegisterNative(d+"Remove", func(th *Thread, args []StackObject, ret *StackObject) error {
		src, val := args[0].Obj(), args[1].Obj()
		if src == nil || val == nil {
			ret.SetObj(src)
			return nil
		}
		ls, lv := invocationList(src), invocationList(val)
		// Remove the last occurrence of val's list as a contiguous run.
		for i := len(ls) - len(lv); i >= 0; i-- {
			match := true
			for k := range lv {
				if !singleEqual(ls[i+k], lv[k]) {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			rest := append(append([]*Object(nil), ls[:i]...), ls[i+len(lv):]...)
			if len(rest) == 0 {
				ret.Clear()
			} else {
				ret.SetObj(th.newMulticast(src.Class, rest))
			}
			return nil
		}
		ret.SetObj(src)
		return nil
	})
	rt.RegisterNative(d+"get_Target", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		if dd := delegateData(o); dd != nil && !dd.Method.IsStatic() {
			ret.SetObj(dd.Target.Obj())
		}
		return nil
	})
	rt.RegisterNative(d+"Equals", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		ret.SetBool(delegatesEqual(o, args[1].Obj()))
		return nil
	})
	rt.RegisterNative(d+"GetHashCode", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		h := int32(0)
		for _, e := range invocationList(o) {
			if dd := delegateData(e); dd != nil {
				h = h*31 + (int32(dd.Method.Token) ^ valueHash(dd.Target))
			}
		}
		ret.SetI32(h)
		return nil
	})
	rt.RegisterNative(d+"op_Equality", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetBool(delegatesEqual(args[0].Obj(), args[1].Obj()))
		return nil
	})
	rt.RegisterNative(d+"op_Inequality", func(th *Thread, args []StackObject, ret *StackObject) error {
		ret.SetBool(!delegatesEqual(args[0].Obj(), args[1].Obj()))
		return nil
	})
	rt.RegisterNative(d+"DynamicInvoke", func(th *Thread, args []StackObject, ret *StackObject) error {
		o, err := th.thisObject(args)
		if err != nil {
			return err
		}
		invoke := o.Class.FindMethod("Invoke", -1)
		if invoke == nil {
			return th.raise(ExMissingMethod, "%s has no Invoke method", o.Class.FullName())
		}
		sig, err := th.rt.MethodSigClasses(invoke)
		if err != nil {
			return th.managedError(err)
		}
		var given []StackObject
		if arr := args[1].Obj(); arr != nil {
			given = arr.Elems
		}
		params := sig[1:]
		if len(given) != len(params) {
			return th.raise(ExArgument, "Parameter count mismatch.")
		}
		call := make([]StackObject, 0, len(params)+1)
		call = append(call, ObjValue(o))
		for i, p := range params {
			v, err := th.unboxElement(p, given[i].Obj())
			if err != nil {
				return err
			}
			call = append(call, v)
		}
		v, err := th.Invoke(invoke, call...)
		if err != nil {
			return err
		}
		if invoke.Sig.Ret.Elem != metadata.ElementVoid {
			*ret = th.boxElement(sig[0], v)
		}
		return nil
	})
}
