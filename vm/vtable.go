package vm

import (
	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// VTable construction
// ---------------------------------------------------------------------------

// buildVTable lays out the virtual slots of c:
//
//  1. the parent's table is copied;
//  2. each virtual method either reuses the slot of an inherited method
//     with the same name and signature, or appends a new slot;
//  3. MethodImpl rows overriding class methods replace their slot;
//  4. each newly implemented interface gets a contiguous block, filled
//     from MethodImpl rows, then by name and signature, then from the
//     interface's default implementation;
//  5. inherited interface blocks are remapped to the current overrides;
//  6. interfaces the class declares again take its own methods.
//
// Callers hold rt.metadataLock.
func (rt *Runtime) buildVTable(c *Class) error {
	switch c.Kind {
	case KindGenericParam, KindPointer, KindByRef, KindSZArray, KindArray:
		return nil
	case KindInterface:
		return rt.buildInterfaceSlots(c)
	}
	var vt []*MethodInfo
	var offsets []InterfaceOffset
	if c.Parent != nil {
		if err := rt.ensureClass(c.Parent, stateVTable); err != nil {
			return err
		}
		vt = append(vt, c.Parent.VTable...)
		offsets = append(offsets, c.Parent.InterfaceOffsets...)
	}
	inherited := len(offsets)

	for _, m := range c.Methods {
		if !m.IsVirtual() || m.sigErr != nil {
			continue
		}
		slot := -1
		if !m.IsNewSlot() {
			for i := len(vt) - 1; i >= 0; i-- {
				if rt.sameSignature(vt[i], m) {
					slot = i
					break
				}
			}
		}
		if slot < 0 {
			slot = len(vt)
			vt = append(vt, nil)
		}
		vt[slot] = m
		m.Slot = slot
	}

	explicit, err := rt.applyMethodImpls(c, vt)
	if err != nil {
		return err
	}

	var redeclared []*Class
	for _, iface := range rt.allInterfaces(c) {
		if findOffset(offsets, iface) >= 0 {
			if findOffset(offsets[:inherited], iface) >= 0 {
				redeclared = append(redeclared, iface)
			}
			continue
		}
		if err := rt.ensureClass(iface, stateVTable); err != nil {
			return err
		}
		off := len(vt)
		for _, im := range iface.VTable {
			impl := explicit[im]
			if impl == nil {
				impl = rt.implicitImpl(vt, im)
			}
			if impl == nil {
				if !im.IsAbstract() {
					// default interface method
					impl = im
				} else if c.IsAbstract() {
					impl = im
				} else {
					return badImage(c.Image, c.Token, "%s does not implement %s", c.FullName(), im.FullName())
				}
			}
			vt = append(vt, impl)
		}
		offsets = append(offsets, InterfaceOffset{Interface: iface, Offset: off})
	}

	for _, io := range offsets[:inherited] {
		for j, im := range io.Interface.VTable {
			k := io.Offset + j
			if impl := explicit[im]; impl != nil {
				vt[k] = impl
				continue
			}
			cur := vt[k]
			if cur.Class != nil && !cur.Class.IsInterface() && cur.Slot >= 0 && cur.Slot < len(vt) && vt[cur.Slot] != cur {
				vt[k] = vt[cur.Slot]
			}
		}
	}

	// An interface the class declares again is re-implemented: its own
	// methods win over the inherited block.
	for _, iface := range redeclared {
		off := findOffset(offsets, iface)
		for j, im := range iface.VTable {
			if explicit[im] != nil {
				continue
			}
			if impl := rt.ownImpl(c, im); impl != nil {
				vt[off+j] = impl
			}
		}
	}

	c.VTable, c.InterfaceOffsets = vt, offsets
	rt.log.Debugf("vtable %s: %d slots, %d interfaces", c.FullName(), len(vt), len(offsets))
	return nil
}

// buildInterfaceSlots numbers the methods of an interface.
func (rt *Runtime) buildInterfaceSlots(c *Class) error {
	c.VTable = nil
	for _, m := range c.Methods {
		if !m.IsVirtual() || m.IsStatic() {
			continue
		}
		m.Slot = len(c.VTable)
		c.VTable = append(c.VTable, m)
	}
	return nil
}

// applyMethodImpls installs MethodImpl overrides of class methods into vt
// and returns the overrides of interface methods, keyed by the interface
// method.
func (rt *Runtime) applyMethodImpls(c *Class, vt []*MethodInfo) (map[*MethodInfo]*MethodInfo, error) {
	if len(c.methodImpls) == 0 {
		return nil, nil
	}
	img := c.Image
	ctx := c.Context()
	explicit := make(map[*MethodInfo]*MethodInfo)
	for _, mi := range c.methodImpls {
		body, err := rt.methodImplBody(c, mi.body, ctx)
		if err != nil {
			return nil, err
		}
		decl, err := img.resolveMethod(mi.decl, ctx)
		if err != nil {
			return nil, badImage(img, mi.decl, "method impl declaration of %s: %v", c.FullName(), err)
		}
		if decl.Class.IsInterface() {
			if err := rt.ensureClass(decl.Class, stateVTable); err != nil {
				return nil, err
			}
			explicit[decl] = body
			continue
		}
		slot := -1
		for i := len(vt) - 1; i >= 0; i-- {
			if vt[i] == decl || vt[i].Name == decl.Name && rt.sameParams(vt[i], decl) {
				slot = i
				break
			}
		}
		if slot < 0 {
			return nil, badImage(img, mi.decl, "method impl of %s overrides %s, which matches no virtual slot", c.FullName(), decl.FullName())
		}
		vt[slot] = body
		if body.Slot < 0 {
			body.Slot = slot
		}
	}
	return explicit, nil
}

// methodImplBody resolves a MethodImpl body to the member of c (which may
// be an instantiation of the declaring definition).
func (rt *Runtime) methodImplBody(c *Class, tok metadata.Token, ctx GenericContext) (*MethodInfo, error) {
	m, err := c.Image.resolveMethod(tok, ctx)
	if err != nil {
		return nil, err
	}
	if c.GenericDef != nil && m.Class == c.GenericDef {
		for _, cm := range c.Methods {
			if cm.Def == m {
				return cm, nil
			}
		}
	}
	return m, nil
}

// implicitImpl finds the most derived public virtual method in vt with the
// name and signature of interface method im.
func (rt *Runtime) implicitImpl(vt []*MethodInfo, im *MethodInfo) *MethodInfo {
	for i := len(vt) - 1; i >= 0; i-- {
		m := vt[i]
		if m == nil || m.Class.IsInterface() || m.Flags&metadata.MethodAccessMask != metadata.MethodPublic {
			continue
		}
		if m.Name == im.Name && rt.sameParams(m, im) {
			return m
		}
	}
	return nil
}

// ownImpl finds a public virtual method declared by c itself with the
// name and signature of interface method im.
func (rt *Runtime) ownImpl(c *Class, im *MethodInfo) *MethodInfo {
	for _, m := range c.Methods {
		if !m.IsVirtual() || m.IsStatic() || m.sigErr != nil || m.Flags&metadata.MethodAccessMask != metadata.MethodPublic {
			continue
		}
		if m.Name == im.Name && rt.sameParams(m, im) {
			return m
		}
	}
	return nil
}

// allInterfaces returns the interfaces c declares, each followed by the
// interfaces it extends, without duplicates.
func (rt *Runtime) allInterfaces(c *Class) []*Class {
	var out []*Class
	seen := make(map[*Class]bool)
	var walk func(*Class)
	walk = func(i *Class) {
		if seen[i] {
			return
		}
		seen[i] = true
		out = append(out, i)
		if rt.ensureClass(i, stateMembers) == nil {
			for _, j := range i.Interfaces {
				walk(j)
			}
		}
	}
	for _, i := range c.Interfaces {
		walk(i)
	}
	return out
}

func findOffset(offsets []InterfaceOffset, iface *Class) int {
	for _, io := range offsets {
		if io.Interface == iface {
			return io.Offset
		}
	}
	return -1
}

// InterfaceSlot returns the vtable index of slot in the block of iface, or
// -1 if c does not implement iface.
func (c *Class) InterfaceSlot(iface *Class, slot int) int {
	off := findOffset(c.InterfaceOffsets, iface)
	if off < 0 {
		return -1
	}
	return off + slot
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// vtableSlot returns the slot of m's definition within its class.
func (m *MethodInfo) vtableSlot() int {
	if m.Inst == nil || m.Slot >= 0 {
		return m.Slot
	}
	for _, cm := range m.Class.Methods {
		if cm.Token == m.Token {
			return cm.Slot
		}
	}
	return -1
}

// resolveVirtual returns the implementation of the virtual method m for an
// object of class c. Generic virtual methods are re-instantiated on the
// implementation with m's method arguments.
func (rt *Runtime) resolveVirtual(c *Class, m *MethodInfo) (*MethodInfo, error) {
	if !m.IsVirtual() || m.IsFinal() && !m.Class.IsInterface() {
		return m, nil
	}
	vc := c
	if c.IsArray() && rt.corlib.Array != nil {
		vc = rt.corlib.Array
	}
	slot := m.vtableSlot()
	if m.Class.IsInterface() {
		slot = vc.InterfaceSlot(m.Class, slot)
		if slot < 0 {
			return nil, &ResolveError{Kind: ExInvalidCast, Image: imageNameOf(c), Name: c.FullName() + " does not implement " + m.Class.FullName()}
		}
	}
	if slot < 0 || slot >= len(vc.VTable) {
		return nil, badImage(c.Image, m.Token, "virtual slot %d of %s outside vtable of %s", slot, m.FullName(), vc.FullName())
	}
	impl := vc.VTable[slot]
	if m.Inst != nil {
		impl = rt.inflateMethodIn(impl, impl.Class, m.Inst)
	}
	if impl.IsAbstract() && impl.Body == nil && !impl.IsInternalCall() {
		return nil, &ResolveError{Kind: ExMissingMethod, Image: imageNameOf(c), Token: impl.Token, Name: impl.FullName() + " is abstract"}
	}
	return impl, nil
}

func imageNameOf(c *Class) string {
	if c.Image == nil {
		return "<runtime>"
	}
	return c.Image.Name
}
