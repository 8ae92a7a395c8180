package vm

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Thread: one managed thread of execution
// ---------------------------------------------------------------------------

// Thread owns an interpreter stack and the frames on it. A Thread must be
// used by one goroutine at a time; create one per goroutine with
// Runtime.NewThread.
type Thread struct {
	rt *Runtime
	ID int32

	stack  []StackObject
	frames []*InterpFrame
	depth  int

	// floor protects the arguments of calls made from Go, which live above
	// the topmost frame.
	floor int

	// statics holds thread-static field blocks for DefaultHost.
	statics map[*Class][]StackObject
}

// InterpFrame is the execution state of one interpreted method.
type InterpFrame struct {
	Method *MethodInfo
	info   *InterpMethodInfo
	base   int // stack index of argument 0
	pc     int // resume point while a callee runs

	// ctorResult holds the object under construction by newobj; it becomes
	// the frame's return value.
	ctorResult *StackObject

	flow []ExceptionFlowInfo
}

// NewThread creates a thread with its own interpreter stack.
func (rt *Runtime) NewThread() *Thread {
	return &Thread{
		rt:      rt,
		ID:      rt.nextThreadID.Add(1),
		stack:   make([]StackObject, rt.opts.StackSlots),
		statics: make(map[*Class][]StackObject),
	}
}

// Runtime returns the runtime th belongs to.
func (th *Thread) Runtime() *Runtime { return th.rt }

// Depth returns the number of interpreted frames on the thread.
func (th *Thread) Depth() int { return th.depth }

func (th *Thread) frame() *InterpFrame { return th.frames[th.depth-1] }

// top returns the first free stack slot.
func (th *Thread) top() int {
	t := th.floor
	if th.depth > 0 {
		f := th.frames[th.depth-1]
		t = max(t, f.base+f.info.FrameSize)
	}
	return t
}

// Invoke calls m with args, the receiver first for instance methods. A
// value-type receiver may be passed boxed. Managed exceptions escape as
// *ManagedException errors.
func (th *Thread) Invoke(m *MethodInfo, args ...StackObject) (StackObject, error) {
	if len(args) != m.ArgCount() {
		return StackObject{}, fmt.Errorf("%s takes %d arguments, got %d", m.FullName(), m.ArgCount(), len(args))
	}
	base := th.top()
	if base+len(args)+1 > len(th.stack) {
		return StackObject{}, ErrStackOverflow
	}
	copy(th.stack[base:], args)
	if m.HasThis() && m.Class.IsValueType() {
		th.unboxReceiver(&th.stack[base])
	}
	if err := th.invokeAt(m, base, len(args)); err != nil {
		return StackObject{}, err
	}
	if m.Sig.Ret.Elem == metadata.ElementVoid {
		return StackObject{}, nil
	}
	return th.stack[base], nil
}

// invokeAt runs m to completion with its arguments at stack[base:]. The
// result replaces the first argument.
func (th *Thread) invokeAt(m *MethodInfo, base, nargs int) error {
	stop, floor := th.depth, th.floor
	th.floor = max(floor, base+nargs+1)
	err := th.callMethod(m, base, nargs)
	if err != nil {
		th.unwind(stop)
		err = th.managedError(err)
	} else if th.depth > stop {
		err = th.run(stop)
	}
	th.floor = floor
	return err
}

// unboxReceiver turns a boxed value-type receiver into the managed pointer
// value-type methods expect.
func (th *Thread) unboxReceiver(v *StackObject) {
	o := v.Obj()
	if o == nil || v.IsStruct() || !o.Class.IsValueType() {
		return
	}
	if o.Class.IsPrimitiveLike() {
		v.SetRef(&o.Fields[0])
		return
	}
	box := new(StackObject)
	box.SetStruct(o)
	v.SetRef(box)
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

func (th *Thread) pushFrame(m *MethodInfo, base, nargs int) error {
	info, err := th.rt.interpInfo(m)
	if err != nil {
		return err
	}
	if nargs != info.NumArgs {
		return th.raise(ExInvalidProgram, "%s called with %d arguments, expects %d", m.FullName(), nargs, info.NumArgs)
	}
	if th.depth >= th.rt.opts.MaxFrames || base+info.FrameSize > len(th.stack) {
		return fmt.Errorf("%w in %s at depth %d", ErrStackOverflow, m.FullName(), th.depth)
	}
	var f *InterpFrame
	if th.depth < len(th.frames) {
		f = th.frames[th.depth]
		*f = InterpFrame{flow: f.flow[:0]}
	} else {
		f = &InterpFrame{}
		th.frames = append(th.frames, f)
	}
	f.Method, f.info, f.base = m, info, base
	th.depth++
	clear(th.stack[base+nargs : base+info.FrameSize])
	for _, li := range info.localInits {
		th.stack[base+int(li.Slot)].SetStruct(th.rt.newObject(li.Class))
	}
	return nil
}

func (th *Thread) popFrame() {
	th.depth--
	f := th.frames[th.depth]
	f.flow = f.flow[:0]
	f.ctorResult = nil
}

// unwind discards frames down to depth stop.
func (th *Thread) unwind(stop int) {
	for th.depth > stop {
		th.popFrame()
	}
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// run executes frames until the thread's depth returns to stop. A managed
// exception that unwinds past stop is returned as *ManagedException; any
// other error is fatal and leaves the depth at stop.
func (th *Thread) run(stop int) error {
	rt := th.rt
outer:
	for th.depth > stop {
		f := th.frames[th.depth-1]
		info := f.info
		code, data := info.Code, info.Data
		s := th.stack[f.base : f.base+info.FrameSize]
		sb := int32(info.StackBase())
		pc := f.pc
		var err error

	inner:
		for {
			in := &code[pc]
			pc++
			switch in.Op {
			case opNop:

			// Moves
			case opLoad:
				s[in.Dst] = copyValue(s[in.A])
			case opStore:
				if in.Dst < sb {
					storeValue(&s[in.Dst], s[in.A])
				} else {
					s[in.Dst] = s[in.A]
				}
			case opStoreN:
				v := s[in.A]
				narrow(uint8(in.Aux), &v)
				s[in.Dst] = v
			case opAddr:
				s[in.Dst].SetRef(&s[in.A])
			case opLdcI4:
				s[in.Dst].SetI32(int32(in.Imm))
			case opLdcI8:
				s[in.Dst].SetI64(in.Imm)
			case opLdcR8:
				s[in.Dst].SetF64(math.Float64frombits(uint64(in.Imm)))
			case opLdnull:
				s[in.Dst].Clear()
			case opLdstr:
				s[in.Dst].SetObj(data[in.Aux].(*Object))
			case opLdftn:
				s[in.Dst].SetMethod(data[in.Aux].(*MethodInfo))
			case opLdvirtftn:
				o := s[in.A].Obj()
				if o == nil {
					err = th.nullReference()
					break inner
				}
				var impl *MethodInfo
				if impl, err = rt.resolveVirtual(o.Class, data[in.Aux].(*MethodInfo)); err != nil {
					break inner
				}
				s[in.Dst].SetMethod(impl)

			// Arithmetic
			case opBinI4:
				r, ex := binI4[in.Aux](s[in.A].I32(), s[in.B].I32())
				if ex != exNone {
					err = th.raise(ex, "")
					break inner
				}
				s[in.Dst].SetI32(r)
			case opBinI8:
				r, ex := binI8[in.Aux](s[in.A].I64(), s[in.B].I64())
				if ex != exNone {
					err = th.raise(ex, "")
					break inner
				}
				s[in.Dst].SetI64(r)
			case opBinF:
				s[in.Dst].SetF64(binF[in.Aux](s[in.A].F64(), s[in.B].F64()))
			case opNegI4:
				s[in.Dst].SetI32(-s[in.A].I32())
			case opNegI8:
				s[in.Dst].SetI64(-s[in.A].I64())
			case opNegF:
				s[in.Dst].SetF64(-s[in.A].F64())
			case opNotI4:
				s[in.Dst].SetI32(^s[in.A].I32())
			case opNotI8:
				s[in.Dst].SetI64(^s[in.A].I64())
			case opConv:
				src := stackKind(in.Imm >> convSrcShift)
				v, ex := convert(s[in.A], src, convOp(in.Aux), in.Imm&convChecked != 0, in.Imm&convUnsigned != 0)
				if ex != exNone {
					err = th.raise(ex, "")
					break inner
				}
				s[in.Dst] = v
			case opCkfinite:
				v := s[in.A].F64()
				if math.IsNaN(v) || math.IsInf(v, 0) {
					err = th.raise(ExArithmetic, "Function does not accept floating point Not-a-Number values.")
					break inner
				}
				s[in.Dst] = s[in.A]

			// Comparisons
			case opCmpI4:
				s[in.Dst].SetBool(compareI32(cmpOp(in.Aux), s[in.A].I32(), s[in.B].I32()))
			case opCmpI8:
				s[in.Dst].SetBool(compareI64(cmpOp(in.Aux), s[in.A].I64(), s[in.B].I64()))
			case opCmpF:
				s[in.Dst].SetBool(compareF(cmpOp(in.Aux), s[in.A].F64(), s[in.B].F64()))
			case opCmpRef:
				s[in.Dst].SetBool(compareRef(cmpOp(in.Aux), &s[in.A], &s[in.B]))

			// Branches
			case opBr:
				pc = int(in.Imm)
			case opBrTrue:
				if !s[in.A].IsNull() {
					pc = int(in.Imm)
				}
			case opBrFalse:
				if s[in.A].IsNull() {
					pc = int(in.Imm)
				}
			case opBrI4:
				if compareI32(cmpOp(in.Aux), s[in.A].I32(), s[in.B].I32()) {
					pc = int(in.Imm)
				}
			case opBrI8:
				if compareI64(cmpOp(in.Aux), s[in.A].I64(), s[in.B].I64()) {
					pc = int(in.Imm)
				}
			case opBrF:
				if compareF(cmpOp(in.Aux), s[in.A].F64(), s[in.B].F64()) {
					pc = int(in.Imm)
				}
			case opBrRef:
				if compareRef(cmpOp(in.Aux), &s[in.A], &s[in.B]) {
					pc = int(in.Imm)
				}
			case opSwitch:
				targets := data[in.Aux].([]int32)
				if i := s[in.A].U32(); uint64(i) < uint64(len(targets)) {
					pc = int(targets[i])
				} else {
					pc = int(in.Imm)
				}

			// Fields
			case opLdfld, opLdfldPtr:
				p := fieldSlot(&s[in.A], in.Aux, in.C != 0)
				if p == nil {
					err = th.nullReference()
					break inner
				}
				s[in.Dst] = copyValue(*p)
			case opLdflda, opLdfldaPtr:
				p := fieldSlot(&s[in.A], in.Aux, in.C != 0)
				if p == nil {
					err = th.nullReference()
					break inner
				}
				s[in.Dst].SetRef(p)
			case opStfld, opStfldPtr:
				p := fieldSlot(&s[in.A], in.Aux, in.C != 0)
				if p == nil {
					err = th.nullReference()
					break inner
				}
				v := s[in.B]
				narrow(uint8(in.Imm), &v)
				th.store(p, v)
			case opLdsfld, opLdsflda, opStsfld:
				var p *StackObject
				if p, err = th.staticSlot(data[in.Aux].(*staticRef).Field); err != nil {
					break inner
				}
				switch in.Op {
				case opLdsfld:
					s[in.Dst] = copyValue(*p)
				case opLdsflda:
					s[in.Dst].SetRef(p)
				default:
					v := s[in.A]
					narrow(uint8(in.Imm), &v)
					th.store(p, v)
				}

			// Arrays
			case opNewarr:
				n := s[in.A].I64()
				if n < 0 || n > math.MaxInt32 {
					err = th.raise(ExOverflow, "")
					break inner
				}
				s[in.Dst].SetObj(rt.newArray(data[in.Aux].(*Class), []int32{int32(n)}, nil))
			case opLdlen:
				o := s[in.A].Obj()
				if o == nil {
					err = th.nullReference()
					break inner
				}
				s[in.Dst].SetI64(int64(o.Len()))
			case opLdelem:
				var p *StackObject
				if p, err = th.element(&s[in.A], &s[in.B]); err != nil {
					break inner
				}
				v := copyValue(*p)
				narrow(uint8(in.Imm), &v)
				s[in.Dst] = v
			case opStelem:
				var p *StackObject
				if p, err = th.element(&s[in.A], &s[in.B]); err != nil {
					break inner
				}
				v := s[in.C]
				narrow(uint8(in.Imm), &v)
				th.store(p, v)
			case opStelemRef:
				var p *StackObject
				if p, err = th.element(&s[in.A], &s[in.B]); err != nil {
					break inner
				}
				if v := s[in.C].Obj(); v != nil {
					if elem := s[in.A].Obj().Class.Element; !rt.Host.IsAssignableFrom(elem, v.Class) {
						err = th.raise(ExArrayTypeMismatch, "")
						break inner
					}
				}
				th.store(p, s[in.C])
			case opLdelema:
				var p *StackObject
				if p, err = th.element(&s[in.A], &s[in.B]); err != nil {
					break inner
				}
				if in.Aux >= 0 && s[in.A].Obj().Class.Element != data[in.Aux].(*Class) {
					err = th.raise(ExArrayTypeMismatch, "")
					break inner
				}
				s[in.Dst].SetRef(p)

			// Objects and values
			case opCastclass:
				if o := s[in.A].Obj(); o != nil && !th.isInst(o, data[in.Aux].(*Class)) {
					err = th.invalidCast(o.Class, data[in.Aux].(*Class))
					break inner
				}
				s[in.Dst] = s[in.A]
			case opIsinst:
				if o := s[in.A].Obj(); o == nil || !th.isInst(o, data[in.Aux].(*Class)) {
					s[in.Dst].Clear()
				} else {
					s[in.Dst] = s[in.A]
				}
			case opBox:
				v := s[in.A]
				narrow(uint8(in.Imm), &v)
				s[in.Dst] = th.box(data[in.Aux].(*Class), v)
			case opUnbox:
				var p *StackObject
				if p, err = th.unbox(s[in.A].Obj(), data[in.Aux].(*Class)); err != nil {
					break inner
				}
				s[in.Dst].SetRef(p)
			case opUnboxAny:
				var v StackObject
				if v, err = th.unboxAny(s[in.A].Obj(), data[in.Aux].(*Class)); err != nil {
					break inner
				}
				narrow(uint8(in.Imm), &v)
				s[in.Dst] = v
			case opInitobj:
				p := s[in.A].Ref()
				if p == nil {
					err = th.nullReference()
					break inner
				}
				c := data[in.Aux].(*Class)
				if c.IsStruct() {
					storeValue(p, structValue(rt.newObject(c)))
				} else {
					p.Clear()
				}
			case opLdobj, opLdind:
				p := s[in.A].Ref()
				if p == nil {
					err = th.nullReference()
					break inner
				}
				v := copyValue(*p)
				narrow(uint8(in.Imm), &v)
				s[in.Dst] = v
			case opStobj, opStind:
				p := s[in.A].Ref()
				if p == nil {
					err = th.nullReference()
					break inner
				}
				v := s[in.B]
				narrow(uint8(in.Imm), &v)
				th.store(p, v)
			case opCpobj:
				dst, src := s[in.A].Ref(), s[in.B].Ref()
				if dst == nil || src == nil {
					err = th.nullReference()
					break inner
				}
				th.store(dst, copyValue(*src))
			case opLdtoken:
				s[in.Dst].SetStruct(data[in.Aux].(*Object).Clone())

			// Calls
			case opCall, opCallvirt, opNewobj, opCalli:
				f.pc = pc
				site := data[in.Aux].(*callSite)
				base := f.base + int(site.Base)
				switch in.Op {
				case opCall:
					err = th.callMethod(site.Method, base, int(site.NArgs))
				case opCallvirt:
					var m *MethodInfo
					if m, err = th.dispatch(site, &th.stack[base]); err == nil {
						err = th.callMethod(m, base, int(site.NArgs))
					}
				case opNewobj:
					err = th.newobj(site.Method, base, int(site.NArgs))
				case opCalli:
					if fn := s[in.A].Method(); fn == nil {
						err = th.nullReference()
					} else {
						err = th.callMethod(fn, base, int(site.NArgs))
					}
				}
				if err != nil {
					break inner
				}
				continue outer

			// Control
			case opRet:
				v := s[in.A]
				narrow(uint8(in.Imm), &v)
				th.stack[f.base] = v
				th.popFrame()
				continue outer
			case opRetVoid:
				if f.ctorResult != nil {
					th.stack[f.base] = *f.ctorResult
				}
				th.popFrame()
				continue outer
			case opThrow:
				o := s[in.A].Obj()
				if o == nil {
					err = th.nullReference()
					break inner
				}
				th.captureStackTrace(o)
				err = &ManagedException{Object: o}
				break inner
			case opRethrow:
				o := th.currentException(f)
				if o == nil {
					err = th.raise(ExInvalidProgram, "rethrow outside a catch handler")
					break inner
				}
				err = &ManagedException{Object: o}
				break inner
			case opLeave:
				th.leave(f, pc-1, int(in.Imm))
				continue outer
			case opEndfinally:
				f.pc = pc
				if err = th.endfinally(f, stop); err != nil {
					return err
				}
				continue outer
			case opEndfilter:
				f.pc = pc
				if err = th.endfilter(f, s[in.A].I32() != 0, stop); err != nil {
					return err
				}
				continue outer
			case opRaise:
				err = th.raise(ExceptionKind(in.Aux), "%s", data[in.Imm].(string))
				break inner

			default:
				th.unwind(stop)
				return fmt.Errorf("%s: invalid instruction %s at %d", f.Method.FullName(), in.Op, pc-1)
			}
		}

		f.pc = pc
		err = th.managedError(err)
		me, ok := err.(*ManagedException)
		if !ok {
			rt.interpLog.Errorf("%s at pc %d: %s", f.Method.FullName(), pc-1, err)
			th.unwind(stop)
			return err
		}
		if err := th.throwAt(me.Object, pc-1, stop); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Value helpers
// ---------------------------------------------------------------------------

func structValue(o *Object) StackObject {
	var v StackObject
	v.SetStruct(o)
	return v
}

// storeValue writes v to a home location. A struct written over a struct
// is copied into the existing payload, so managed pointers into the
// location stay valid.
func storeValue(dst *StackObject, v StackObject) {
	if dst.IsStruct() && v.IsStruct() {
		assignStruct(dst.Obj(), v.Obj())
		return
	}
	*dst = v
}

func assignStruct(dst, src *Object) {
	if dst == src {
		return
	}
	for i := range dst.Fields {
		if i >= len(src.Fields) {
			break
		}
		if dst.Fields[i].IsStruct() && src.Fields[i].IsStruct() {
			assignStruct(dst.Fields[i].Obj(), src.Fields[i].Obj())
		} else {
			dst.Fields[i] = src.Fields[i]
		}
	}
}

// store writes v to a heap location and reports reference stores to the
// host's collector.
func (th *Thread) store(dst *StackObject, v StackObject) {
	storeValue(dst, v)
	if v.ref != nil {
		th.rt.Host.WriteBarrier(dst)
	}
}

// fieldSlot returns the slot of field n of the instance v designates: an
// object reference, an unboxed struct, or a managed pointer to either. A
// managed pointer to a primitive (prim) designates the primitive's only
// field.
func fieldSlot(v *StackObject, n int32, prim bool) *StackObject {
	if p := v.Ref(); p != nil {
		if prim && !p.IsStruct() && p.Obj() == nil {
			return p
		}
		v = p
	}
	o := v.Obj()
	if o == nil || int(n) >= len(o.Fields) {
		return nil
	}
	return &o.Fields[n]
}

// element returns the element slot of the array in arr at idx.
func (th *Thread) element(arr, idx *StackObject) (*StackObject, error) {
	o := arr.Obj()
	if o == nil {
		return nil, th.nullReference()
	}
	i := idx.I64()
	if i < 0 || i >= int64(len(o.Elems)) {
		return nil, th.raise(ExIndexOutOfRange, "")
	}
	return &o.Elems[i], nil
}

// isInst reports whether o is an instance of c. A boxed T is an instance of
// Nullable<T>.
func (th *Thread) isInst(o *Object, c *Class) bool {
	if c.IsNullable() {
		c = c.Inst.Args[0]
	}
	return th.rt.Host.IsAssignableFrom(c, o.Class)
}

func (th *Thread) invalidCast(from, to *Class) error {
	return th.raise(ExInvalidCast, "Unable to cast object of type '%s' to type '%s'.", from.FullName(), to.FullName())
}

// nullableFields returns the hasValue and value slots of a Nullable<T>
// payload.
func nullableFields(c *Class) (hasValue, value int) {
	return c.FindField("hasValue").Slot, c.FindField("value").Slot
}

func (th *Thread) box(c *Class, v StackObject) StackObject {
	if c.IsNullable() {
		o := v.Obj()
		hv, val := nullableFields(c)
		if o == nil || !o.Fields[hv].Bool() {
			return StackObject{}
		}
		return ObjValue(th.rt.Host.Box(c.Inst.Args[0], o.Fields[val]))
	}
	return ObjValue(th.rt.Host.Box(c, v))
}

// unboxable reports whether a boxed o may be unboxed as c. Enums and their
// underlying primitive unbox as each other.
func unboxable(o *Object, c *Class) bool {
	if o.Class == c {
		return true
	}
	oc := o.Class
	return oc.IsValueType() && c.IsValueType() && oc.IsPrimitiveLike() && c.IsPrimitiveLike() &&
		oc.ElemType == c.ElemType && (oc.IsEnum || c.IsEnum)
}

func (th *Thread) unbox(o *Object, c *Class) (*StackObject, error) {
	if c.IsNullable() {
		v, err := th.unboxAny(o, c)
		if err != nil {
			return nil, err
		}
		return &v, nil
	}
	if o == nil {
		return nil, th.nullReference()
	}
	if !unboxable(o, c) {
		return nil, th.invalidCast(o.Class, c)
	}
	if c.IsPrimitiveLike() {
		return &o.Fields[0], nil
	}
	p := new(StackObject)
	p.SetStruct(o)
	return p, nil
}

func (th *Thread) unboxAny(o *Object, c *Class) (StackObject, error) {
	if c.IsNullable() {
		payload := th.rt.newObject(c)
		if o != nil {
			t := c.Inst.Args[0]
			v, err := th.unboxAny(o, t)
			if err != nil {
				return StackObject{}, err
			}
			hv, val := nullableFields(c)
			payload.Fields[hv].SetBool(true)
			payload.Fields[val] = v
		}
		return structValue(payload), nil
	}
	if o == nil {
		return StackObject{}, th.nullReference()
	}
	if !unboxable(o, c) {
		return StackObject{}, th.invalidCast(o.Class, c)
	}
	if c.IsPrimitiveLike() {
		return o.Fields[0], nil
	}
	payload := o.Clone()
	payload.Class = c
	return structValue(payload), nil
}

// ---------------------------------------------------------------------------
// Statics and type initialization
// ---------------------------------------------------------------------------

// staticSlot returns the storage of a static field, running its class's
// type initializer first.
func (th *Thread) staticSlot(f *FieldInfo) (*StackObject, error) {
	c := f.Parent
	if err := th.initClass(c); err != nil {
		return nil, err
	}
	if !f.IsThreadStatic() {
		return &c.Statics[f.Slot], nil
	}
	p := &th.rt.Host.ThreadStatics(th, c)[f.Slot]
	if p.IsNull() {
		fc, err := th.rt.FieldType(f)
		if err != nil {
			return nil, err
		}
		if fc.IsStruct() {
			p.SetStruct(th.rt.newObject(fc))
		}
	}
	return p, nil
}

// initClass runs the type initializer of c once. Other threads block until
// it finishes; a recursive request from the initializing thread returns
// at once. A failed initializer fails every later access the same way.
func (th *Thread) initClass(c *Class) error {
	st := &c.cctor
	if !c.HasCctor || st.done.Load() {
		return st.err
	}
	st.mu.Lock()
	if st.cond == nil {
		st.cond = sync.NewCond(&st.mu)
	}
	for !st.done.Load() && st.running {
		if st.runner == th {
			st.mu.Unlock()
			return nil
		}
		st.cond.Wait()
	}
	if st.done.Load() {
		st.mu.Unlock()
		return st.err
	}
	st.running, st.runner = true, th
	st.mu.Unlock()

	err := th.runCctor(c)

	st.mu.Lock()
	st.running, st.runner, st.err = false, nil, err
	st.done.Store(true)
	st.cond.Broadcast()
	st.mu.Unlock()
	return err
}

func (th *Thread) runCctor(c *Class) error {
	cctor := c.StaticConstructor()
	if cctor == nil {
		return nil
	}
	th.rt.interpLog.Debugf("running type initializer of %s", c.FullName())
	err := th.invokeAt(cctor, th.top(), 0)
	me, ok := AsManagedException(err)
	if !ok {
		return err
	}
	tie, terr := th.newException(ExTypeInitialization, fmt.Sprintf("The type initializer for '%s' threw an exception.", c.FullName()))
	if terr != nil {
		return terr
	}
	if f := tie.Class.FindField("_innerException"); f != nil {
		tie.Fields[f.Slot].SetObj(me.Object)
	}
	return &ManagedException{Object: tie}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// callMethod calls m with nargs arguments at stack[base:]. Native methods
// complete before it returns; interpreted ones get a frame that the run
// loop executes.
func (th *Thread) callMethod(m *MethodInfo, base, nargs int) error {
	if m.sigErr != nil {
		return th.raise(ExNotSupported, "%v", m.sigErr)
	}
	if p := th.rt.opts.Profiler; p != nil {
		p.RecordInvocation(m)
	}
	if m.IsStatic() || m.IsCtor() {
		if err := th.initClass(m.Class); err != nil {
			return err
		}
	}
	switch {
	case m.Class.IsArray() && m.Body == nil:
		return th.arrayMethod(m, base, nargs)
	case th.isDelegateInvoke(m):
		return th.invokeDelegate(m, base, nargs)
	case m.IsInternalCall() || m.Body == nil:
		var ret StackObject
		err := th.rt.Host.InvokeNative(th, m, th.stack[base:base+nargs], &ret)
		if errors.Is(err, ErrNativeNotFound) {
			return th.raise(ExMissingMethod, "%v", err)
		}
		if err != nil {
			return err
		}
		if m.Sig.Ret.Elem != metadata.ElementVoid || m.IsCtor() && m.Class.IsString() {
			th.stack[base] = ret
		}
		return nil
	}
	return th.pushFrame(m, base, nargs)
}

// dispatch resolves the target of a callvirt whose receiver is this.
func (th *Thread) dispatch(site *callSite, this *StackObject) (*MethodInfo, error) {
	m := site.Method
	if this.IsNull() {
		return nil, th.nullReference()
	}
	o := this.Obj()
	if !m.IsVirtual() || o == nil || this.IsStruct() {
		return m, nil
	}
	impl := site.Cache.Lookup(o.Class)
	if impl == nil {
		var err error
		if impl, err = th.rt.resolveVirtual(o.Class, m); err != nil {
			return nil, err
		}
		site.Cache.Update(o.Class, impl)
	}
	if impl.HasThis() && impl.Class.IsValueType() {
		th.unboxReceiver(this)
	}
	return impl, nil
}

// newobj allocates an instance of m's class and runs the constructor m.
// The nargs constructor arguments at stack[base:] are shifted up to make
// room for the receiver; the new instance replaces them.
func (th *Thread) newobj(m *MethodInfo, base, nargs int) error {
	rt := th.rt
	c := m.Class
	switch {
	case c.IsArray():
		return th.newArray(c, base, nargs)
	case c.IsString():
		copy(th.stack[base+1:base+nargs+1], th.stack[base:base+nargs])
		th.stack[base].Clear()
		return th.callMethod(m, base, nargs+1)
	case c.IsSubclassOf(rt.corlib.Delegate) && m.Body == nil:
		if nargs != 2 {
			return th.raise(ExMissingMethod, "delegate constructor %s", m.FullName())
		}
		o := rt.newObject(c)
		o.Native = &DelegateData{Target: th.stack[base], Method: th.stack[base+1].Method()}
		th.stack[base].SetObj(o)
		return nil
	case c.IsAbstract():
		return th.raise(ExMissingMethod, "Cannot create an instance of abstract class %s.", c.FullName())
	}
	if err := th.initClass(c); err != nil {
		return err
	}
	if base+nargs+1 > len(th.stack) {
		return ErrStackOverflow
	}
	copy(th.stack[base+1:base+nargs+1], th.stack[base:base+nargs])
	result := new(StackObject)
	if c.IsValueType() {
		if c.IsStruct() {
			result.SetStruct(rt.newObject(c))
		}
		th.stack[base].SetRef(result)
	} else {
		result.SetObj(rt.newObject(c))
		th.stack[base] = *result
	}
	depth := th.depth
	if err := th.callMethod(m, base, nargs+1); err != nil {
		return err
	}
	if th.depth > depth {
		th.frames[th.depth-1].ctorResult = result
	} else {
		th.stack[base] = *result
	}
	return nil
}

// newArray runs the constructor of a multi-dimensional array: one length
// per dimension, or a lower bound and a length per dimension.
func (th *Thread) newArray(c *Class, base, nargs int) error {
	rank := c.Rank
	if rank < 1 {
		rank = 1
	}
	args := th.stack[base : base+nargs]
	lengths := make([]int32, rank)
	var lowers []int32
	switch nargs {
	case rank:
		for i := range lengths {
			n := args[i].I64()
			if n < 0 || n > math.MaxInt32 {
				return th.raise(ExOverflow, "")
			}
			lengths[i] = int32(n)
		}
	case 2 * rank:
		lowers = make([]int32, rank)
		for i := range lengths {
			lowers[i] = args[2*i].I32()
			n := args[2*i+1].I64()
			if n < 0 || n > math.MaxInt32 {
				return th.raise(ExOverflow, "")
			}
			lengths[i] = int32(n)
		}
	default:
		return th.raise(ExMissingMethod, "%s has no constructor taking %d arguments", c.FullName(), nargs)
	}
	th.stack[base].SetObj(th.rt.newArray(c, lengths, lowers))
	return nil
}

// arrayMethod implements Get, Set and Address of array classes.
func (th *Thread) arrayMethod(m *MethodInfo, base, nargs int) error {
	o := th.stack[base].Obj()
	if o == nil {
		return th.nullReference()
	}
	nidx := nargs - 1
	if m.Name == "Set" {
		nidx--
	}
	if nidx != o.Rank() {
		return th.raise(ExArgument, "Array rank %d accessed with %d indices.", o.Rank(), nidx)
	}
	flat := 0
	for d := 0; d < nidx; d++ {
		i := th.stack[base+1+d].I64()
		n := int64(len(o.Elems))
		if o.Lengths != nil {
			i -= int64(o.LowerBounds[d])
			n = int64(o.Lengths[d])
		}
		if i < 0 || i >= n {
			return th.raise(ExIndexOutOfRange, "")
		}
		flat = flat*int(n) + int(i)
	}
	p := &o.Elems[flat]
	switch m.Name {
	case "Get":
		th.stack[base] = copyValue(*p)
	case "Set":
		v := th.stack[base+nargs-1]
		elem := o.Class.Element
		if r := v.Obj(); r != nil && elem.IsReference() && !th.rt.Host.IsAssignableFrom(elem, r.Class) {
			return th.raise(ExArrayTypeMismatch, "")
		}
		narrow(narrowFor(elem), &v)
		th.store(p, v)
	case "Address":
		th.stack[base].SetRef(p)
	default:
		return th.raise(ExMissingMethod, "%s", m.FullName())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Delegates
// ---------------------------------------------------------------------------

func (th *Thread) isDelegateInvoke(m *MethodInfo) bool {
	return m.Name == "Invoke" && m.Body == nil && m.Class.IsSubclassOf(th.rt.corlib.Delegate)
}

// invokeDelegate calls the targets of the delegate receiver at stack[base].
// A multicast delegate calls each in order and returns the last result.
func (th *Thread) invokeDelegate(m *MethodInfo, base, nargs int) error {
	self := th.stack[base].Obj()
	d := delegateData(self)
	if d == nil {
		return th.nullReference()
	}
	if d.Invocation != nil {
		args := append([]StackObject(nil), th.stack[base:base+nargs]...)
		var last StackObject
		for _, inv := range d.Invocation {
			at := th.top()
			if at+nargs+1 > len(th.stack) {
				return ErrStackOverflow
			}
			copy(th.stack[at:], args)
			th.stack[at].SetObj(inv)
			if err := th.invokeAt(m, at, nargs); err != nil {
				return err
			}
			last = th.stack[at]
		}
		if m.Sig.Ret.Elem != metadata.ElementVoid {
			th.stack[base] = last
		}
		return nil
	}
	target := d.Method
	if target == nil {
		return th.nullReference()
	}
	switch {
	case target.IsStatic() && target.ArgCount() == nargs:
		// Closed over its first argument.
		th.stack[base] = d.Target
	case target.IsStatic():
		copy(th.stack[base:], th.stack[base+1:base+nargs])
		nargs--
	default:
		th.stack[base] = d.Target
		if target.Class.IsValueType() {
			th.unboxReceiver(&th.stack[base])
		}
	}
	return th.callMethod(target, base, nargs)
}

// ---------------------------------------------------------------------------
// Runtime exceptions
// ---------------------------------------------------------------------------

var defaultMessages = map[ExceptionKind]string{
	ExNullReference:     "Object reference not set to an instance of an object.",
	ExIndexOutOfRange:   "Index was outside the bounds of the array.",
	ExArrayTypeMismatch: "Attempted to access an element as a type incompatible with the array.",
	ExOverflow:          "Arithmetic operation resulted in an overflow.",
	ExDivideByZero:      "Attempted to divide by zero.",
	ExInvalidCast:       "Specified cast is not valid.",
}

func (th *Thread) newException(kind ExceptionKind, msg string) (*Object, error) {
	if msg == "" {
		msg = defaultMessages[kind]
	}
	o, err := th.rt.Host.NewException(th, kind, msg)
	if err != nil {
		return nil, err
	}
	th.captureStackTrace(o)
	return o, nil
}

// raise returns a managed exception of the given kind for the current
// position. An empty message selects the kind's standard message. If the
// exception object cannot be created the creation error is returned.
func (th *Thread) raise(kind ExceptionKind, format string, args ...any) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	o, err := th.newException(kind, msg)
	if err != nil {
		return err
	}
	return &ManagedException{Object: o}
}

// Raise is raise for native methods.
func (th *Thread) Raise(kind ExceptionKind, format string, args ...any) error {
	return th.raise(kind, format, args...)
}

func (th *Thread) nullReference() error { return th.raise(ExNullReference, "") }

// managedError converts a resolution failure into the managed exception it
// raises. Other errors are returned unchanged.
func (th *Thread) managedError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ManagedException); ok {
		return err
	}
	if me, ok := AsManagedException(err); ok {
		return me
	}
	var re *ResolveError
	if errors.As(err, &re) {
		return th.raise(re.Kind, "%s", re.Error())
	}
	var ue *UnsupportedError
	if errors.As(err, &ue) {
		return th.raise(ExNotSupported, "%s", ue.Error())
	}
	return err
}

// StackTrace renders the interpreted frames, innermost first.
func (th *Thread) StackTrace() string {
	var b strings.Builder
	for i := th.depth - 1; i >= 0; i-- {
		f := th.frames[i]
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "   at %s", f.Method.FullName())
		if pc := f.pc - 1; i == th.depth-1 || pc >= 0 {
			if pc < 0 {
				pc = 0
			}
			if pc < len(f.info.ILOffsets) {
				fmt.Fprintf(&b, " IL_%04x", f.info.ILOffsets[pc])
			}
		}
	}
	return b.String()
}

// captureStackTrace records the current stack on exc unless it already
// carries one.
func (th *Thread) captureStackTrace(exc *Object) {
	if exc == nil || exc.Class == nil || th.depth == 0 {
		return
	}
	f := exc.Class.FindField("_stackTrace")
	if f == nil || f.IsStatic() || f.Slot >= len(exc.Fields) || !exc.Fields[f.Slot].IsNull() {
		return
	}
	exc.Fields[f.Slot].SetObj(th.rt.Host.NewString(stringChars(th.StackTrace())))
}
