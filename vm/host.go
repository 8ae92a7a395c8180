package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Host capability interfaces
// ---------------------------------------------------------------------------

// ObjectModel allocates and classifies managed objects.
type ObjectModel interface {
	NewObject(c *Class) *Object
	NewArray(arrayClass *Class, lengths, lowerBounds []int32) *Object
	NewString(chars []uint16) *Object
	IsAssignableFrom(target, source *Class) bool
	Box(c *Class, v StackObject) *Object
	TypeObject(c *Class) *Object
}

// Collector owns managed memory.
type Collector interface {
	AllocSlots(n int) []StackObject
	// WriteBarrier is called after a reference is stored into a heap slot.
	WriteBarrier(slot *StackObject)
}

// ExceptionFactory constructs the runtime exceptions the engine raises.
type ExceptionFactory interface {
	NewException(th *Thread, kind ExceptionKind, message string) (*Object, error)
}

// ThreadStorage returns the calling thread's storage block for the
// thread-static fields of c.
type ThreadStorage interface {
	ThreadStatics(th *Thread, c *Class) []StackObject
}

// NativeInvoker calls compiled code. The shape names the calling
// convention of m (see MethodInfo.Shape).
type NativeInvoker interface {
	InvokeNative(th *Thread, m *MethodInfo, args []StackObject, ret *StackObject) error
}

// Host is everything the engine needs from its embedding environment.
type Host interface {
	ObjectModel
	Collector
	ExceptionFactory
	ThreadStorage
	NativeInvoker
}

// ---------------------------------------------------------------------------
// DefaultHost: an in-process host over Go memory
// ---------------------------------------------------------------------------

// DefaultHost implements Host with Go-allocated objects. Go's collector
// manages memory, so the write barrier only counts stores.
type DefaultHost struct {
	rt *Runtime

	stores      atomic.Uint64
	typeObjects sync.Map // *Class -> *Object
}

// NewDefaultHost returns a host bound to rt.
func NewDefaultHost(rt *Runtime) *DefaultHost {
	return &DefaultHost{rt: rt}
}

// BarrierCount returns how many reference stores have been reported.
func (h *DefaultHost) BarrierCount() uint64 { return h.stores.Load() }

func (h *DefaultHost) AllocSlots(n int) []StackObject {
	if n == 0 {
		return nil
	}
	return make([]StackObject, n)
}

func (h *DefaultHost) WriteBarrier(slot *StackObject) {
	h.stores.Add(1)
}

func (h *DefaultHost) NewObject(c *Class) *Object {
	return &Object{Class: c, Fields: h.AllocSlots(c.InstanceSlots)}
}

func (h *DefaultHost) NewArray(arrayClass *Class, lengths, lowerBounds []int32) *Object {
	total := 1
	for _, n := range lengths {
		total *= int(n)
	}
	o := &Object{Class: arrayClass, Elems: h.AllocSlots(total)}
	if !arrayClass.IsSZArray() {
		o.Lengths = append([]int32(nil), lengths...)
		o.LowerBounds = make([]int32, len(lengths))
		copy(o.LowerBounds, lowerBounds)
	}
	return o
}

func (h *DefaultHost) NewString(chars []uint16) *Object {
	if chars == nil {
		chars = []uint16{}
	}
	return &Object{Class: h.rt.corlib.String, Chars: chars}
}

func (h *DefaultHost) IsAssignableFrom(target, source *Class) bool {
	return target.IsAssignableFrom(source)
}

func (h *DefaultHost) Box(c *Class, v StackObject) *Object {
	if c.IsPrimitiveLike() {
		o := &Object{Class: c, Fields: h.AllocSlots(1)}
		o.Fields[0] = v
		return o
	}
	if p := v.Obj(); p != nil {
		b := p.Clone()
		b.Class = c
		return b
	}
	return h.NewObject(c)
}

// TypeObject returns the unique System.RuntimeType instance for c.
func (h *DefaultHost) TypeObject(c *Class) *Object {
	if o, ok := h.typeObjects.Load(c); ok {
		return o.(*Object)
	}
	o, _ := h.typeObjects.LoadOrStore(c, &Object{Class: h.rt.corlib.RuntimeType, Native: c})
	return o.(*Object)
}

func (h *DefaultHost) NewException(th *Thread, kind ExceptionKind, message string) (*Object, error) {
	c := h.rt.corlib.exceptionClass(kind)
	if c == nil {
		return nil, fmt.Errorf("no exception class for %s", kind)
	}
	o := h.NewObject(c)
	if f := c.FindField("_message"); f != nil {
		o.Fields[f.Slot].SetObj(h.NewString(stringChars(message)))
	}
	return o, nil
}

func (h *DefaultHost) ThreadStatics(th *Thread, c *Class) []StackObject {
	if s, ok := th.statics[c]; ok {
		return s
	}
	s := h.AllocSlots(c.ThreadStaticSlots)
	th.statics[c] = s
	return s
}

// InvokeNative looks m up in the runtime's native registry.
func (h *DefaultHost) InvokeNative(th *Thread, m *MethodInfo, args []StackObject, ret *StackObject) error {
	fn := h.rt.lookupNative(m)
	if fn == nil {
		return fmt.Errorf("%w: %s (shape %s)", ErrNativeNotFound, m.FullName(), m.Shape())
	}
	return fn(th, args, ret)
}
