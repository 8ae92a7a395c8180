package vm

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// IL to register transform
// ---------------------------------------------------------------------------

// stackKind is the verifier type of an evaluation stack entry.
type stackKind uint8

const (
	kindI4 stackKind = iota
	kindI8
	kindI // native int and unmanaged pointers
	kindF
	kindO
	kindByRef
	kindStruct
)

var stackKindNames = [...]string{"int32", "int64", "native int", "F", "O", "&", "valuetype"}

func (k stackKind) String() string { return stackKindNames[k] }

// kindOf returns the stack kind of values of class c.
func kindOf(c *Class) stackKind {
	if c == nil {
		return kindO
	}
	switch c.Kind {
	case KindByRef:
		return kindByRef
	case KindPointer:
		return kindI
	case KindValueType:
		switch c.ElemType {
		case metadata.ElementBoolean, metadata.ElementChar, metadata.ElementI1, metadata.ElementU1,
			metadata.ElementI2, metadata.ElementU2, metadata.ElementI4, metadata.ElementU4:
			return kindI4
		case metadata.ElementI8, metadata.ElementU8:
			return kindI8
		case metadata.ElementI, metadata.ElementU:
			return kindI
		case metadata.ElementR4, metadata.ElementR8:
			return kindF
		}
		return kindStruct
	}
	return kindO
}

// kindOfSig guesses the stack kind of a signature without resolving it.
func kindOfSig(t *TypeSig) stackKind {
	switch t.Elem {
	case metadata.ElementBoolean, metadata.ElementChar, metadata.ElementI1, metadata.ElementU1,
		metadata.ElementI2, metadata.ElementU2, metadata.ElementI4, metadata.ElementU4:
		return kindI4
	case metadata.ElementI8, metadata.ElementU8:
		return kindI8
	case metadata.ElementI, metadata.ElementU, metadata.ElementPtr, metadata.ElementFnPtr:
		return kindI
	case metadata.ElementR4, metadata.ElementR8:
		return kindF
	case metadata.ElementByRef:
		return kindByRef
	case metadata.ElementValueType:
		return kindStruct
	}
	return kindO
}

type stackEntry struct {
	kind stackKind
	cls  *Class
}

type fixup struct {
	pc     int
	target uint32
	sw     []int32 // switch table, when not nil
	index  int
}

// transformer converts one method body. It simulates the evaluation stack
// to assign a slot to every operand and to pick typed instruction forms.
type transformer struct {
	rt   *Runtime
	m    *MethodInfo
	img  *Image
	ctx  GenericContext
	body *metadata.MethodBody
	info *InterpMethodInfo

	args   []*Class
	locals []*Class
	base   int32

	stack  []stackEntry
	pcOf   map[uint32]int
	states map[uint32][]stackEntry
	fixups []fixup
	dead   bool
	cur    uint32

	constrained *Class
	readonly    bool
}

// interpInfo returns the register form of m, transforming it on first use.
// Concurrent first calls share one transform.
func (rt *Runtime) interpInfo(m *MethodInfo) (*InterpMethodInfo, error) {
	if info := m.interp.Load(); info != nil {
		return info, nil
	}
	v, err, _ := rt.transforms.Do(fmt.Sprintf("%p", m), func() (any, error) {
		if info := m.interp.Load(); info != nil {
			return info, nil
		}
		info, err := rt.transform(m)
		if err != nil {
			return nil, err
		}
		m.interp.Store(info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*InterpMethodInfo), nil
}

// Transform returns the register form of m.
func (rt *Runtime) Transform(m *MethodInfo) (*InterpMethodInfo, error) {
	return rt.interpInfo(m)
}

func (rt *Runtime) transform(m *MethodInfo) (*InterpMethodInfo, error) {
	if m.Body == nil {
		return nil, unsupported(m.FullName(), "method has no IL body")
	}
	if m.sigErr != nil {
		return nil, m.sigErr
	}
	if m.IsGenericMethodDef() || m.Class.ContainsGenericParameters() {
		return nil, unsupported(m.FullName(), "open generic method")
	}
	t := &transformer{
		rt:     rt,
		m:      m,
		img:    m.sigImage(),
		ctx:    m.Context(),
		body:   m.Body,
		info:   &InterpMethodInfo{Method: m},
		pcOf:   make(map[uint32]int),
		states: make(map[uint32][]stackEntry),
	}
	if err := t.frame(); err != nil {
		return nil, err
	}
	ins, err := metadata.DecodeIL(t.body.Code)
	if err != nil {
		return nil, badImage(t.img, m.Token, "%v", err)
	}
	for _, c := range t.body.Clauses {
		switch c.Kind {
		case metadata.ClauseException:
			t.states[c.HandlerOffset] = []stackEntry{{kind: kindO}}
		case metadata.ClauseFilter:
			t.states[c.FilterOffset] = []stackEntry{{kind: kindO}}
			t.states[c.HandlerOffset] = []stackEntry{{kind: kindO}}
		default:
			t.states[c.HandlerOffset] = []stackEntry{}
		}
		t.grow(1)
	}
	for i := range ins {
		if err := t.step(&ins[i]); err != nil {
			var bad *BadImageError
			if errors.As(err, &bad) {
				return nil, err
			}
			return nil, fmt.Errorf("%s IL_%04x: %w", m.FullName(), ins[i].Offset, err)
		}
	}
	t.pcOf[t.body.CodeSize] = len(t.info.Code)
	if !t.dead {
		return nil, badImage(t.img, m.Token, "%s: control falls off the end of the body", m.FullName())
	}
	if err := t.finish(); err != nil {
		return nil, err
	}
	rt.interpLog.Debugf("transformed %s: %d IL bytes, %d instructions, frame %d", m.FullName(), len(t.body.Code), len(t.info.Code), t.info.FrameSize)
	return t.info, nil
}

// frame resolves argument and local classes.
func (t *transformer) frame() error {
	rt := t.rt
	sig, err := rt.MethodSigClasses(t.m)
	if err != nil {
		return err
	}
	if t.m.HasThis() {
		this := t.m.Class
		if this.IsValueType() {
			this = rt.ByRefClass(this)
		}
		t.args = append(t.args, this)
	}
	t.args = append(t.args, sig[1:]...)

	locals, err := t.img.LocalsSig(t.body.LocalVarSigToken)
	if err != nil {
		return err
	}
	rt.metadataLock.Lock()
	defer rt.metadataLock.Unlock()
	for _, ls := range locals {
		c, err := rt.classFromSig(t.img, ls, t.ctx)
		if err != nil {
			return err
		}
		if err := rt.ensureClass(c, stateComplete); err != nil {
			return err
		}
		t.locals = append(t.locals, c)
	}
	info := t.info
	info.NumArgs, info.NumLocals = len(t.args), len(t.locals)
	t.base = int32(info.NumArgs + info.NumLocals)
	for i, c := range t.locals {
		if c.IsStruct() {
			info.localInits = append(info.localInits, localInit{Slot: int32(info.NumArgs + i), Class: c})
		}
	}
	return nil
}

// finish resolves branch targets and maps the exception clauses.
func (t *transformer) finish() error {
	info := t.info
	pcAt := func(off uint32) (int, error) {
		pc, ok := t.pcOf[off]
		if !ok {
			return 0, badImage(t.img, t.m.Token, "%s: IL_%04x is not an instruction boundary", t.m.FullName(), off)
		}
		return pc, nil
	}
	for _, f := range t.fixups {
		pc, err := pcAt(f.target)
		if err != nil {
			return err
		}
		if f.sw != nil {
			f.sw[f.index] = int32(pc)
		} else {
			info.Code[f.pc].Imm = int64(pc)
		}
	}
	for _, c := range t.body.Clauses {
		ic := InterpExceptionClause{Kind: c.Kind}
		var err error
		for _, p := range []struct {
			dst *int
			off uint32
		}{
			{&ic.TryStart, c.TryOffset},
			{&ic.TryEnd, c.TryOffset + c.TryLength},
			{&ic.HandlerStart, c.HandlerOffset},
			{&ic.HandlerEnd, c.HandlerOffset + c.HandlerLength},
		} {
			if *p.dst, err = pcAt(p.off); err != nil {
				return err
			}
		}
		switch c.Kind {
		case metadata.ClauseException:
			if ic.Class, err = t.img.GetClassFromToken(c.ClassToken, t.ctx); err != nil {
				return err
			}
		case metadata.ClauseFilter:
			if ic.FilterStart, err = pcAt(c.FilterOffset); err != nil {
				return err
			}
		}
		info.Clauses = append(info.Clauses, ic)
	}
	info.FrameSize = int(t.base) + info.MaxStack + 1
	return nil
}

// ---------------------------------------------------------------------------
// Stack simulation
// ---------------------------------------------------------------------------

func (t *transformer) slot(depth int) int32 { return t.base + int32(depth) }

func (t *transformer) grow(depth int) {
	if depth > t.info.MaxStack {
		t.info.MaxStack = depth
	}
}

func (t *transformer) push(kind stackKind, cls *Class) int32 {
	d := len(t.stack)
	t.stack = append(t.stack, stackEntry{kind, cls})
	t.grow(len(t.stack))
	return t.slot(d)
}

func (t *transformer) pushClass(c *Class) int32 { return t.push(kindOf(c), c) }

func (t *transformer) pop() (stackEntry, int32, error) {
	n := len(t.stack)
	if n == 0 {
		return stackEntry{}, 0, badImage(t.img, t.m.Token, "%s IL_%04x: stack underflow", t.m.FullName(), t.cur)
	}
	e := t.stack[n-1]
	t.stack = t.stack[:n-1]
	return e, t.slot(n - 1), nil
}

func (t *transformer) popN(n int) error {
	if len(t.stack) < n {
		return badImage(t.img, t.m.Token, "%s IL_%04x: stack underflow", t.m.FullName(), t.cur)
	}
	t.stack = t.stack[:len(t.stack)-n]
	return nil
}

func (t *transformer) emit(in Instruction) int {
	t.info.Code = append(t.info.Code, in)
	t.info.ILOffsets = append(t.info.ILOffsets, t.cur)
	return len(t.info.Code) - 1
}

func (t *transformer) data(v any) int32 {
	t.info.Data = append(t.info.Data, v)
	return int32(len(t.info.Data) - 1)
}

// branch records a jump to target and the stack state it expects.
func (t *transformer) branch(pc int, target uint32) {
	t.fixups = append(t.fixups, fixup{pc: pc, target: target})
	t.remember(target)
}

func (t *transformer) remember(target uint32) {
	if _, ok := t.states[target]; !ok {
		t.states[target] = append([]stackEntry(nil), t.stack...)
	}
}

// raise emits an instruction that throws a runtime exception of the given
// kind, for operations that fail only when executed.
func (t *transformer) raise(kind ExceptionKind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.emit(Instruction{Op: opRaise, Aux: int32(kind), Imm: int64(t.data(msg))})
}

// raiseErr turns a resolution failure into a deferred exception. The stack
// is adjusted by pops and pushes so the simulation continues. Malformed
// metadata stays fatal.
func (t *transformer) raiseErr(err error, pops int, pushes ...stackKind) error {
	var re *ResolveError
	var ue *UnsupportedError
	switch {
	case errors.As(err, &re):
		t.raise(re.Kind, "%s", re.Error())
	case errors.As(err, &ue):
		t.raise(ExNotSupported, "%s", ue.Error())
	default:
		return err
	}
	if err := t.popN(pops); err != nil {
		return err
	}
	for _, k := range pushes {
		t.push(k, nil)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Token resolution
// ---------------------------------------------------------------------------

func (t *transformer) class(tok metadata.Token) (*Class, error) {
	return t.img.GetClassFromToken(tok, t.ctx)
}

func (t *transformer) method(tok metadata.Token) (*MethodInfo, error) {
	return t.img.GetMethodInfoFromToken(tok, t.ctx)
}

func (t *transformer) field(tok metadata.Token) (*FieldInfo, *Class, error) {
	f, err := t.img.GetFieldInfoFromToken(tok, t.ctx)
	if err != nil {
		return nil, nil, err
	}
	fc, err := t.rt.FieldType(f)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range []*Class{f.Parent, fc} {
		if err := t.rt.complete(c); err != nil {
			return nil, nil, err
		}
	}
	return f, fc, nil
}

// rawMethodSig decodes the signature of a method token without resolving
// its parent, for stack accounting after a failed resolution.
func (t *transformer) rawMethodSig(tok metadata.Token) (*MethodSig, error) {
	raw := t.img.Raw
	if !raw.ValidToken(tok) {
		return nil, badImage(t.img, tok, "method token out of range")
	}
	switch tok.Table() {
	case metadata.TableMethodDef:
		return t.img.ParseMethodSig(raw.MethodDef(tok.Row()).Signature)
	case metadata.TableMemberRef:
		return t.img.ParseMethodSig(raw.MemberRef(tok.Row()).Signature)
	case metadata.TableMethodSpec:
		return t.rawMethodSig(raw.MethodSpec(tok.Row()).Method)
	}
	return nil, badImage(t.img, tok, "not a method token")
}

func (t *transformer) rawFieldKind(tok metadata.Token) stackKind {
	raw := t.img.Raw
	var blob uint32
	switch {
	case !raw.ValidToken(tok):
		return kindO
	case tok.Table() == metadata.TableField:
		blob = raw.Field(tok.Row()).Signature
	case tok.Table() == metadata.TableMemberRef:
		blob = raw.MemberRef(tok.Row()).Signature
	default:
		return kindO
	}
	sig, err := t.img.ParseFieldSig(blob)
	if err != nil {
		return kindO
	}
	return kindOfSig(sig)
}

// ---------------------------------------------------------------------------
// Instruction translation
// ---------------------------------------------------------------------------

func (t *transformer) step(in *metadata.ILInstruction) error {
	t.cur = in.Offset
	if st, ok := t.states[in.Offset]; ok && t.dead {
		t.stack = append(t.stack[:0], st...)
	} else if t.dead {
		t.stack = t.stack[:0]
	}
	t.dead = false
	t.pcOf[in.Offset] = len(t.info.Code)

	op := in.Op
	switch {
	case op >= metadata.OpLdarg0 && op <= metadata.OpLdarg3:
		return t.ldarg(int(op - metadata.OpLdarg0))
	case op >= metadata.OpLdloc0 && op <= metadata.OpLdloc3:
		return t.ldloc(int(op - metadata.OpLdloc0))
	case op >= metadata.OpStloc0 && op <= metadata.OpStloc3:
		return t.stloc(int(op - metadata.OpStloc0))
	case op >= metadata.OpLdcI4M1 && op <= metadata.OpLdcI48:
		t.ldcI4(int32(op) - int32(metadata.OpLdcI40))
		return nil
	}

	switch op {
	case metadata.OpNop, metadata.OpBreak:
	case metadata.OpLdargS, metadata.OpLdarg:
		return t.ldarg(int(in.Int))
	case metadata.OpLdlocS, metadata.OpLdloc:
		return t.ldloc(int(in.Int))
	case metadata.OpStlocS, metadata.OpStloc:
		return t.stloc(int(in.Int))
	case metadata.OpStargS, metadata.OpStarg:
		return t.starg(int(in.Int))
	case metadata.OpLdargaS, metadata.OpLdarga:
		if int(in.Int) >= len(t.args) {
			return t.badVar("argument", in.Int)
		}
		dst := t.push(kindByRef, t.rt.ByRefClass(t.args[in.Int]))
		t.emit(Instruction{Op: opAddr, Dst: dst, A: int32(in.Int)})
	case metadata.OpLdlocaS, metadata.OpLdloca:
		if int(in.Int) >= len(t.locals) {
			return t.badVar("local", in.Int)
		}
		dst := t.push(kindByRef, t.rt.ByRefClass(t.locals[in.Int]))
		t.emit(Instruction{Op: opAddr, Dst: dst, A: int32(len(t.args)) + int32(in.Int)})
	case metadata.OpLdnull:
		t.emit(Instruction{Op: opLdnull, Dst: t.push(kindO, nil)})
	case metadata.OpLdcI4S, metadata.OpLdcI4:
		t.ldcI4(int32(in.Int))
	case metadata.OpLdcI8:
		t.emit(Instruction{Op: opLdcI8, Dst: t.push(kindI8, nil), Imm: in.Int})
	case metadata.OpLdcR4, metadata.OpLdcR8:
		t.emit(Instruction{Op: opLdcR8, Dst: t.push(kindF, nil), Imm: int64(math.Float64bits(in.Float))})
	case metadata.OpDup:
		if len(t.stack) == 0 {
			return t.underflow()
		}
		e := t.stack[len(t.stack)-1]
		src := t.slot(len(t.stack) - 1)
		t.emit(Instruction{Op: opLoad, Dst: t.push(e.kind, e.cls), A: src})
	case metadata.OpPop:
		_, _, err := t.pop()
		return err
	case metadata.OpJmp:
		t.raise(ExNotSupported, "jmp")
		t.dead = true
	case metadata.OpCall, metadata.OpCallvirt:
		return t.call(in, op == metadata.OpCallvirt)
	case metadata.OpNewobj:
		return t.newobj(in)
	case metadata.OpCalli:
		return t.calli(in)
	case metadata.OpRet:
		return t.ret()

	case metadata.OpBr, metadata.OpBrS:
		t.branch(t.emit(Instruction{Op: opBr}), in.Target)
		t.dead = true
	case metadata.OpBrfalse, metadata.OpBrfalseS, metadata.OpBrtrue, metadata.OpBrtrueS:
		_, a, err := t.pop()
		if err != nil {
			return err
		}
		bop := opBrTrue
		if op == metadata.OpBrfalse || op == metadata.OpBrfalseS {
			bop = opBrFalse
		}
		t.branch(t.emit(Instruction{Op: bop, A: a}), in.Target)
	case metadata.OpSwitch:
		_, a, err := t.pop()
		if err != nil {
			return err
		}
		targets := make([]int32, len(in.Targets))
		pc := t.emit(Instruction{Op: opSwitch, A: a, Aux: t.data(targets)})
		for i, target := range in.Targets {
			t.fixups = append(t.fixups, fixup{pc: pc, target: target, sw: targets, index: i})
			t.remember(target)
		}
		t.fixups = append(t.fixups, fixup{pc: pc, target: in.Next()})

	case metadata.OpLdindI1, metadata.OpLdindU1, metadata.OpLdindI2, metadata.OpLdindU2, metadata.OpLdindI4,
		metadata.OpLdindU4, metadata.OpLdindI8, metadata.OpLdindI, metadata.OpLdindR4, metadata.OpLdindR8, metadata.OpLdindRef:
		return t.ldind(op)
	case metadata.OpStindRef, metadata.OpStindI1, metadata.OpStindI2, metadata.OpStindI4, metadata.OpStindI8,
		metadata.OpStindR4, metadata.OpStindR8, metadata.OpStindI:
		return t.stind(op)

	case metadata.OpAdd, metadata.OpSub, metadata.OpMul, metadata.OpDiv, metadata.OpDivUn, metadata.OpRem,
		metadata.OpRemUn, metadata.OpAnd, metadata.OpOr, metadata.OpXor, metadata.OpShl, metadata.OpShr,
		metadata.OpShrUn, metadata.OpAddOvf, metadata.OpAddOvfUn, metadata.OpSubOvf, metadata.OpSubOvfUn,
		metadata.OpMulOvf, metadata.OpMulOvfUn:
		return t.binary(op)
	case metadata.OpNeg, metadata.OpNot:
		return t.unary(op)
	case metadata.OpCeq, metadata.OpCgt, metadata.OpCgtUn, metadata.OpClt, metadata.OpCltUn:
		return t.compare(compareOps[op])
	case metadata.OpBeq, metadata.OpBeqS, metadata.OpBge, metadata.OpBgeS, metadata.OpBgt, metadata.OpBgtS,
		metadata.OpBle, metadata.OpBleS, metadata.OpBlt, metadata.OpBltS, metadata.OpBneUn, metadata.OpBneUnS,
		metadata.OpBgeUn, metadata.OpBgeUnS, metadata.OpBgtUn, metadata.OpBgtUnS, metadata.OpBleUn,
		metadata.OpBleUnS, metadata.OpBltUn, metadata.OpBltUnS:
		return t.compareBranch(compareOps[op], in.Target)
	case metadata.OpCkfinite:
		_, a, err := t.pop()
		if err != nil {
			return err
		}
		t.emit(Instruction{Op: opCkfinite, Dst: t.push(kindF, nil), A: a})

	case metadata.OpLdstr:
		s, err := t.img.GetUserString(in.Token)
		if err != nil {
			return err
		}
		t.emit(Instruction{Op: opLdstr, Dst: t.push(kindO, t.rt.corlib.String), Aux: t.data(s)})
	case metadata.OpLdfld, metadata.OpLdflda:
		return t.ldfld(in, op == metadata.OpLdflda)
	case metadata.OpStfld:
		return t.stfld(in)
	case metadata.OpLdsfld, metadata.OpLdsflda:
		return t.ldsfld(in, op == metadata.OpLdsflda)
	case metadata.OpStsfld:
		return t.stsfld(in)

	case metadata.OpNewarr:
		return t.newarr(in)
	case metadata.OpLdlen:
		_, a, err := t.pop()
		if err != nil {
			return err
		}
		t.emit(Instruction{Op: opLdlen, Dst: t.push(kindI, nil), A: a})
	case metadata.OpLdelemI1, metadata.OpLdelemU1, metadata.OpLdelemI2, metadata.OpLdelemU2, metadata.OpLdelemI4,
		metadata.OpLdelemU4, metadata.OpLdelemI8, metadata.OpLdelemI, metadata.OpLdelemR4, metadata.OpLdelemR8,
		metadata.OpLdelemRef, metadata.OpLdelem:
		return t.ldelem(in)
	case metadata.OpStelemI, metadata.OpStelemI1, metadata.OpStelemI2, metadata.OpStelemI4, metadata.OpStelemI8,
		metadata.OpStelemR4, metadata.OpStelemR8, metadata.OpStelemRef, metadata.OpStelem:
		return t.stelem(in)
	case metadata.OpLdelema:
		return t.ldelema(in)

	case metadata.OpCastclass, metadata.OpIsinst, metadata.OpBox, metadata.OpUnbox, metadata.OpUnboxAny:
		return t.typeOp(in)
	case metadata.OpInitobj, metadata.OpLdobj, metadata.OpStobj, metadata.OpCpobj:
		return t.objOp(in)
	case metadata.OpSizeof:
		c, err := t.class(in.Token)
		if err != nil {
			return t.raiseErr(err, 0, kindI4)
		}
		t.ldcI4(sizeOf(c))
	case metadata.OpLdtoken:
		return t.ldtoken(in)
	case metadata.OpLdftn:
		m, err := t.method(in.Token)
		if err != nil {
			return t.raiseErr(err, 0, kindI)
		}
		t.emit(Instruction{Op: opLdftn, Dst: t.push(kindI, nil), Aux: t.data(m)})
	case metadata.OpLdvirtftn:
		m, err := t.method(in.Token)
		if err != nil {
			return t.raiseErr(err, 1, kindI)
		}
		_, a, err := t.pop()
		if err != nil {
			return err
		}
		t.emit(Instruction{Op: opLdvirtftn, Dst: t.push(kindI, nil), A: a, Aux: t.data(m)})

	case metadata.OpThrow:
		_, a, err := t.pop()
		if err != nil {
			return err
		}
		t.emit(Instruction{Op: opThrow, A: a})
		t.dead = true
	case metadata.OpRethrow:
		t.emit(Instruction{Op: opRethrow})
		t.dead = true
	case metadata.OpLeave, metadata.OpLeaveS:
		t.stack = t.stack[:0]
		t.branch(t.emit(Instruction{Op: opLeave}), in.Target)
		t.dead = true
	case metadata.OpEndfinally:
		t.emit(Instruction{Op: opEndfinally})
		t.stack = t.stack[:0]
		t.dead = true
	case metadata.OpEndfilter:
		_, a, err := t.pop()
		if err != nil {
			return err
		}
		t.emit(Instruction{Op: opEndfilter, A: a})
		t.dead = true

	case metadata.OpConstrained:
		c, err := t.class(in.Token)
		if err != nil {
			return err
		}
		t.constrained = c
	case metadata.OpReadonly:
		t.readonly = true
	case metadata.OpUnaligned, metadata.OpVolatile, metadata.OpTail, metadata.OpNo:

	case metadata.OpLocalloc, metadata.OpMkrefany, metadata.OpRefanyval, metadata.OpRefanytype:
		t.raise(ExNotSupported, "%s", op.Name())
		if err := t.popN(1); err != nil {
			return err
		}
		t.push(kindI, nil)
	case metadata.OpCpblk, metadata.OpInitblk:
		t.raise(ExNotSupported, "%s", op.Name())
		return t.popN(3)
	case metadata.OpArglist:
		t.raise(ExNotSupported, "%s", op.Name())
		t.push(kindI, nil)

	default:
		if spec, ok := convSpecs[op]; ok {
			return t.conv(spec)
		}
		return badImage(t.img, t.m.Token, "%s IL_%04x: unexpected opcode %s", t.m.FullName(), in.Offset, op)
	}
	return nil
}

func (t *transformer) underflow() error {
	return badImage(t.img, t.m.Token, "%s IL_%04x: stack underflow", t.m.FullName(), t.cur)
}

func (t *transformer) badVar(what string, n int64) error {
	return badImage(t.img, t.m.Token, "%s IL_%04x: %s %d out of range", t.m.FullName(), t.cur, what, n)
}

func (t *transformer) ldcI4(v int32) {
	t.emit(Instruction{Op: opLdcI4, Dst: t.push(kindI4, nil), Imm: int64(v)})
}

func (t *transformer) ldarg(n int) error {
	if n >= len(t.args) {
		return t.badVar("argument", int64(n))
	}
	t.emit(Instruction{Op: opLoad, Dst: t.pushClass(t.args[n]), A: int32(n)})
	return nil
}

func (t *transformer) ldloc(n int) error {
	if n >= len(t.locals) {
		return t.badVar("local", int64(n))
	}
	t.emit(Instruction{Op: opLoad, Dst: t.pushClass(t.locals[n]), A: int32(len(t.args) + n)})
	return nil
}

func (t *transformer) store(dst int32, c *Class) error {
	_, a, err := t.pop()
	if err != nil {
		return err
	}
	if n := narrowFor(c); n != narrowNone {
		t.emit(Instruction{Op: opStoreN, Dst: dst, A: a, Aux: int32(n)})
	} else {
		t.emit(Instruction{Op: opStore, Dst: dst, A: a})
	}
	return nil
}

func (t *transformer) stloc(n int) error {
	if n >= len(t.locals) {
		return t.badVar("local", int64(n))
	}
	return t.store(int32(len(t.args)+n), t.locals[n])
}

func (t *transformer) starg(n int) error {
	if n >= len(t.args) {
		return t.badVar("argument", int64(n))
	}
	return t.store(int32(n), t.args[n])
}

func (t *transformer) ret() error {
	t.dead = true
	sig, err := t.rt.MethodSigClasses(t.m)
	if err != nil {
		return err
	}
	if sig[0] == nil {
		t.emit(Instruction{Op: opRetVoid})
		return nil
	}
	_, a, err := t.pop()
	if err != nil {
		return err
	}
	t.emit(Instruction{Op: opRet, A: a, Imm: int64(narrowFor(sig[0]))})
	return nil
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

var binOps = map[metadata.Opcode]binOp{
	metadata.OpAdd: binAdd, metadata.OpSub: binSub, metadata.OpMul: binMul, metadata.OpDiv: binDiv,
	metadata.OpDivUn: binDivUn, metadata.OpRem: binRem, metadata.OpRemUn: binRemUn, metadata.OpAnd: binAnd,
	metadata.OpOr: binOr, metadata.OpXor: binXor, metadata.OpShl: binShl, metadata.OpShr: binShr,
	metadata.OpShrUn: binShrUn, metadata.OpAddOvf: binAddOvf, metadata.OpAddOvfUn: binAddOvfUn,
	metadata.OpSubOvf: binSubOvf, metadata.OpSubOvfUn: binSubOvfUn, metadata.OpMulOvf: binMulOvf,
	metadata.OpMulOvfUn: binMulOvfUn,
}

func (t *transformer) binary(op metadata.Opcode) error {
	bop := binOps[op]
	b, sb, err := t.pop()
	if err != nil {
		return err
	}
	a, sa, err := t.pop()
	if err != nil {
		return err
	}
	shift := bop == binShl || bop == binShr || bop == binShrUn
	switch {
	case a.kind == kindF || b.kind == kindF:
		if binF[bop] == nil {
			t.raise(ExInvalidProgram, "%s on floating operands", bop)
			t.push(kindF, nil)
			return nil
		}
		t.emit(Instruction{Op: opBinF, Dst: t.push(kindF, nil), A: sa, B: sb, Aux: int32(bop)})
	case a.kind == kindByRef || b.kind == kindByRef:
		t.raise(ExNotSupported, "managed pointer arithmetic")
		t.push(kindByRef, nil)
	case a.kind == kindI4 && (b.kind == kindI4 || shift):
		t.emit(Instruction{Op: opBinI4, Dst: t.push(kindI4, nil), A: sa, B: sb, Aux: int32(bop)})
	default:
		k := kindI
		if a.kind == kindI8 || (!shift && b.kind == kindI8) {
			k = kindI8
		}
		t.emit(Instruction{Op: opBinI8, Dst: t.push(k, nil), A: sa, B: sb, Aux: int32(bop)})
	}
	return nil
}

func (t *transformer) unary(op metadata.Opcode) error {
	a, sa, err := t.pop()
	if err != nil {
		return err
	}
	var u iop
	switch {
	case a.kind == kindF && op == metadata.OpNeg:
		u = opNegF
	case a.kind == kindI4:
		u = opNegI4
		if op == metadata.OpNot {
			u = opNotI4
		}
	case a.kind == kindI8 || a.kind == kindI:
		u = opNegI8
		if op == metadata.OpNot {
			u = opNotI8
		}
	default:
		t.raise(ExInvalidProgram, "%s on %s", op.Name(), a.kind)
		t.push(a.kind, nil)
		return nil
	}
	t.emit(Instruction{Op: u, Dst: t.push(a.kind, nil), A: sa})
	return nil
}

var compareOps = map[metadata.Opcode]cmpOp{
	metadata.OpCeq: cmpEq, metadata.OpCgt: cmpGt, metadata.OpCgtUn: cmpGtUn, metadata.OpClt: cmpLt, metadata.OpCltUn: cmpLtUn,
	metadata.OpBeq: cmpEq, metadata.OpBeqS: cmpEq, metadata.OpBge: cmpGe, metadata.OpBgeS: cmpGe,
	metadata.OpBgt: cmpGt, metadata.OpBgtS: cmpGt, metadata.OpBle: cmpLe, metadata.OpBleS: cmpLe,
	metadata.OpBlt: cmpLt, metadata.OpBltS: cmpLt, metadata.OpBneUn: cmpNeUn, metadata.OpBneUnS: cmpNeUn,
	metadata.OpBgeUn: cmpGeUn, metadata.OpBgeUnS: cmpGeUn, metadata.OpBgtUn: cmpGtUn, metadata.OpBgtUnS: cmpGtUn,
	metadata.OpBleUn: cmpLeUn, metadata.OpBleUnS: cmpLeUn, metadata.OpBltUn: cmpLtUn, metadata.OpBltUnS: cmpLtUn,
}

// compareFamily picks the typed comparison for two operands.
func compareFamily(a, b stackKind, branch bool) iop {
	var ops [4]iop
	if branch {
		ops = [4]iop{opBrF, opBrI4, opBrI8, opBrRef}
	} else {
		ops = [4]iop{opCmpF, opCmpI4, opCmpI8, opCmpRef}
	}
	switch {
	case a == kindF || b == kindF:
		return ops[0]
	case a == kindI4 && b == kindI4:
		return ops[1]
	case a == kindO || b == kindO || a == kindByRef || b == kindByRef || a == kindStruct:
		return ops[3]
	}
	return ops[2]
}

func (t *transformer) compare(cmp cmpOp) error {
	b, sb, err := t.pop()
	if err != nil {
		return err
	}
	a, sa, err := t.pop()
	if err != nil {
		return err
	}
	op := compareFamily(a.kind, b.kind, false)
	t.emit(Instruction{Op: op, Dst: t.push(kindI4, nil), A: sa, B: sb, Aux: int32(cmp)})
	return nil
}

func (t *transformer) compareBranch(cmp cmpOp, target uint32) error {
	b, sb, err := t.pop()
	if err != nil {
		return err
	}
	a, sa, err := t.pop()
	if err != nil {
		return err
	}
	op := compareFamily(a.kind, b.kind, true)
	t.branch(t.emit(Instruction{Op: op, A: sa, B: sb, Aux: int32(cmp)}), target)
	return nil
}

type convSpec struct {
	op       convOp
	checked  bool
	unsigned bool
	result   stackKind
}

var convSpecs = map[metadata.Opcode]convSpec{
	metadata.OpConvI1: {convI1, false, false, kindI4}, metadata.OpConvI2: {convI2, false, false, kindI4},
	metadata.OpConvI4: {convI4, false, false, kindI4}, metadata.OpConvI8: {convI8, false, false, kindI8},
	metadata.OpConvR4: {convR4, false, false, kindF}, metadata.OpConvR8: {convR8, false, false, kindF},
	metadata.OpConvU4: {convU4, false, false, kindI4}, metadata.OpConvU8: {convU8, false, false, kindI8},
	metadata.OpConvU2: {convU2, false, false, kindI4}, metadata.OpConvU1: {convU1, false, false, kindI4},
	metadata.OpConvI: {convI8, false, false, kindI}, metadata.OpConvU: {convU8, false, false, kindI},
	metadata.OpConvRUn: {convRUn, false, true, kindF},

	metadata.OpConvOvfI1: {convI1, true, false, kindI4}, metadata.OpConvOvfU1: {convU1, true, false, kindI4},
	metadata.OpConvOvfI2: {convI2, true, false, kindI4}, metadata.OpConvOvfU2: {convU2, true, false, kindI4},
	metadata.OpConvOvfI4: {convI4, true, false, kindI4}, metadata.OpConvOvfU4: {convU4, true, false, kindI4},
	metadata.OpConvOvfI8: {convI8, true, false, kindI8}, metadata.OpConvOvfU8: {convU8, true, false, kindI8},
	metadata.OpConvOvfI: {convI8, true, false, kindI}, metadata.OpConvOvfU: {convU8, true, false, kindI},

	metadata.OpConvOvfI1Un: {convI1, true, true, kindI4}, metadata.OpConvOvfI2Un: {convI2, true, true, kindI4},
	metadata.OpConvOvfI4Un: {convI4, true, true, kindI4}, metadata.OpConvOvfI8Un: {convI8, true, true, kindI8},
	metadata.OpConvOvfU1Un: {convU1, true, true, kindI4}, metadata.OpConvOvfU2Un: {convU2, true, true, kindI4},
	metadata.OpConvOvfU4Un: {convU4, true, true, kindI4}, metadata.OpConvOvfU8Un: {convU8, true, true, kindI8},
	metadata.OpConvOvfIUn: {convI8, true, true, kindI}, metadata.OpConvOvfUUn: {convU8, true, true, kindI},
}

func (t *transformer) conv(spec convSpec) error {
	a, sa, err := t.pop()
	if err != nil {
		return err
	}
	switch a.kind {
	case kindO, kindByRef, kindStruct:
		if spec.result == kindI && !spec.checked {
			// Pinned pointers are not materialized.
			t.raise(ExNotSupported, "conversion of a %s to native int", a.kind)
			t.push(kindI, nil)
			return nil
		}
		t.raise(ExInvalidProgram, "conversion of a %s", a.kind)
		t.push(spec.result, nil)
		return nil
	}
	flags := int64(a.kind) << convSrcShift
	if spec.checked {
		flags |= convChecked
	}
	if spec.unsigned {
		flags |= convUnsigned
	}
	t.emit(Instruction{Op: opConv, Dst: t.push(spec.result, nil), A: sa, Aux: int32(spec.op), Imm: flags})
	return nil
}

// ---------------------------------------------------------------------------
// Indirect access
// ---------------------------------------------------------------------------

type indSpec struct {
	narrow uint8
	kind   stackKind
}

var indSpecs = map[metadata.Opcode]indSpec{
	metadata.OpLdindI1: {narrowI1, kindI4}, metadata.OpLdindU1: {narrowU1, kindI4},
	metadata.OpLdindI2: {narrowI2, kindI4}, metadata.OpLdindU2: {narrowU2, kindI4},
	metadata.OpLdindI4: {narrowI4, kindI4}, metadata.OpLdindU4: {narrowI4, kindI4},
	metadata.OpLdindI8: {narrowNone, kindI8}, metadata.OpLdindI: {narrowNone, kindI},
	metadata.OpLdindR4: {narrowR4, kindF}, metadata.OpLdindR8: {narrowNone, kindF},
	metadata.OpLdindRef: {narrowNone, kindO},
	metadata.OpStindI1: {narrowI1, kindI4}, metadata.OpStindI2: {narrowI2, kindI4},
	metadata.OpStindI4: {narrowI4, kindI4}, metadata.OpStindI8: {narrowNone, kindI8},
	metadata.OpStindI: {narrowNone, kindI}, metadata.OpStindR4: {narrowR4, kindF},
	metadata.OpStindR8: {narrowNone, kindF}, metadata.OpStindRef: {narrowNone, kindO},

	metadata.OpLdelemI1: {narrowI1, kindI4}, metadata.OpLdelemU1: {narrowU1, kindI4},
	metadata.OpLdelemI2: {narrowI2, kindI4}, metadata.OpLdelemU2: {narrowU2, kindI4},
	metadata.OpLdelemI4: {narrowI4, kindI4}, metadata.OpLdelemU4: {narrowI4, kindI4},
	metadata.OpLdelemI8: {narrowNone, kindI8}, metadata.OpLdelemI: {narrowNone, kindI},
	metadata.OpLdelemR4: {narrowR4, kindF}, metadata.OpLdelemR8: {narrowNone, kindF},
	metadata.OpLdelemRef: {narrowNone, kindO},
	metadata.OpStelemI1: {narrowI1, kindI4}, metadata.OpStelemI2: {narrowI2, kindI4},
	metadata.OpStelemI4: {narrowI4, kindI4}, metadata.OpStelemI8: {narrowNone, kindI8},
	metadata.OpStelemI: {narrowNone, kindI}, metadata.OpStelemR4: {narrowR4, kindF},
	metadata.OpStelemR8: {narrowNone, kindF}, metadata.OpStelemRef: {narrowNone, kindO},
}

func (t *transformer) ldind(op metadata.Opcode) error {
	spec := indSpecs[op]
	a, sa, err := t.pop()
	if err != nil {
		return err
	}
	var cls *Class
	if spec.kind == kindO && a.cls != nil && a.cls.Kind == KindByRef {
		cls = a.cls.Element
	}
	t.emit(Instruction{Op: opLdind, Dst: t.push(spec.kind, cls), A: sa, Imm: int64(spec.narrow)})
	return nil
}

func (t *transformer) stind(op metadata.Opcode) error {
	spec := indSpecs[op]
	_, sv, err := t.pop()
	if err != nil {
		return err
	}
	_, sa, err := t.pop()
	if err != nil {
		return err
	}
	t.emit(Instruction{Op: opStind, A: sa, B: sv, Imm: int64(spec.narrow)})
	return nil
}

// ---------------------------------------------------------------------------
// Fields
// ---------------------------------------------------------------------------

func (t *transformer) ldfld(in *metadata.ILInstruction, addr bool) error {
	f, fc, err := t.field(in.Token)
	if err != nil {
		k := t.rawFieldKind(in.Token)
		if addr {
			k = kindByRef
		}
		return t.raiseErr(err, 1, k)
	}
	obj, sa, err := t.pop()
	if err != nil {
		return err
	}
	if f.IsStatic() {
		return t.static(f, fc, addr)
	}
	var op iop
	switch obj.kind {
	case kindO, kindStruct:
		op = opLdfld
		if addr {
			op = opLdflda
		}
	case kindByRef:
		op = opLdfldPtr
		if addr {
			op = opLdfldaPtr
		}
	default:
		t.raise(ExNotSupported, "field access through an unmanaged pointer")
		if addr {
			t.push(kindByRef, nil)
		} else {
			t.pushClass(fc)
		}
		return nil
	}
	dst := t.pushClass(fc)
	if addr {
		t.stack[len(t.stack)-1] = stackEntry{kindByRef, t.rt.ByRefClass(fc)}
	}
	t.emit(Instruction{Op: op, Dst: dst, A: sa, C: primitiveSelf(f), Aux: int32(f.Slot)})
	return nil
}

// primitiveSelf flags fields of primitive-like value types, whose managed
// pointers address the value itself.
func primitiveSelf(f *FieldInfo) int32 {
	if f.Parent.Kind == KindValueType && f.Parent.IsPrimitiveLike() {
		return 1
	}
	return 0
}

func (t *transformer) stfld(in *metadata.ILInstruction) error {
	f, fc, err := t.field(in.Token)
	if err != nil {
		return t.raiseErr(err, 2)
	}
	_, sv, err := t.pop()
	if err != nil {
		return err
	}
	obj, so, err := t.pop()
	if err != nil {
		return err
	}
	if f.IsStatic() {
		t.emit(Instruction{Op: opStsfld, A: sv, Aux: t.data(&staticRef{f}), Imm: int64(narrowFor(fc))})
		return nil
	}
	op := opStfld
	switch obj.kind {
	case kindByRef:
		op = opStfldPtr
	case kindI:
		t.raise(ExNotSupported, "field access through an unmanaged pointer")
		return nil
	}
	t.emit(Instruction{Op: op, A: so, B: sv, C: primitiveSelf(f), Aux: int32(f.Slot), Imm: int64(narrowFor(fc))})
	return nil
}

func (t *transformer) ldsfld(in *metadata.ILInstruction, addr bool) error {
	f, fc, err := t.field(in.Token)
	if err != nil {
		k := t.rawFieldKind(in.Token)
		if addr {
			k = kindByRef
		}
		return t.raiseErr(err, 0, k)
	}
	return t.static(f, fc, addr)
}

func (t *transformer) static(f *FieldInfo, fc *Class, addr bool) error {
	if f.IsLiteral() {
		t.raise(ExMissingField, "%s is a literal", f.FullName())
		t.pushClass(fc)
		return nil
	}
	if addr {
		t.emit(Instruction{Op: opLdsflda, Dst: t.push(kindByRef, t.rt.ByRefClass(fc)), Aux: t.data(&staticRef{f})})
		return nil
	}
	t.emit(Instruction{Op: opLdsfld, Dst: t.pushClass(fc), Aux: t.data(&staticRef{f})})
	return nil
}

func (t *transformer) stsfld(in *metadata.ILInstruction) error {
	f, fc, err := t.field(in.Token)
	if err != nil {
		return t.raiseErr(err, 1)
	}
	_, sv, err := t.pop()
	if err != nil {
		return err
	}
	t.emit(Instruction{Op: opStsfld, A: sv, Aux: t.data(&staticRef{f}), Imm: int64(narrowFor(fc))})
	return nil
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

func (t *transformer) newarr(in *metadata.ILInstruction) error {
	elem, err := t.class(in.Token)
	if err != nil {
		return t.raiseErr(err, 1, kindO)
	}
	arr := t.rt.ArrayClass(elem, 1, true)
	_, sa, err := t.pop()
	if err != nil {
		return err
	}
	t.emit(Instruction{Op: opNewarr, Dst: t.push(kindO, arr), A: sa, Aux: t.data(arr)})
	return nil
}

func (t *transformer) ldelem(in *metadata.ILInstruction) error {
	spec, ok := indSpecs[in.Op]
	var cls *Class
	if !ok {
		c, err := t.class(in.Token)
		if err != nil {
			return t.raiseErr(err, 2, kindO)
		}
		spec = indSpec{narrowFor(c), kindOf(c)}
		cls = c
	}
	_, si, err := t.pop()
	if err != nil {
		return err
	}
	arr, sa, err := t.pop()
	if err != nil {
		return err
	}
	if cls == nil && spec.kind == kindO && arr.cls != nil && arr.cls.IsArray() {
		cls = arr.cls.Element
	}
	t.emit(Instruction{Op: opLdelem, Dst: t.push(spec.kind, cls), A: sa, B: si, Imm: int64(spec.narrow)})
	return nil
}

func (t *transformer) stelem(in *metadata.ILInstruction) error {
	spec, ok := indSpecs[in.Op]
	if !ok {
		c, err := t.class(in.Token)
		if err != nil {
			return t.raiseErr(err, 3)
		}
		spec = indSpec{narrowFor(c), kindOf(c)}
	}
	_, sv, err := t.pop()
	if err != nil {
		return err
	}
	_, si, err := t.pop()
	if err != nil {
		return err
	}
	_, sa, err := t.pop()
	if err != nil {
		return err
	}
	op := opStelem
	if spec.kind == kindO {
		op = opStelemRef
	}
	t.emit(Instruction{Op: op, A: sa, B: si, C: sv, Imm: int64(spec.narrow)})
	return nil
}

func (t *transformer) ldelema(in *metadata.ILInstruction) error {
	readonly := t.readonly
	t.readonly = false
	c, err := t.class(in.Token)
	if err != nil {
		return t.raiseErr(err, 2, kindByRef)
	}
	_, si, err := t.pop()
	if err != nil {
		return err
	}
	_, sa, err := t.pop()
	if err != nil {
		return err
	}
	check := int32(-1)
	if c.IsReference() && !readonly {
		check = t.data(c)
	}
	t.emit(Instruction{Op: opLdelema, Dst: t.push(kindByRef, t.rt.ByRefClass(c)), A: sa, B: si, Aux: check})
	return nil
}

// ---------------------------------------------------------------------------
// Types and values
// ---------------------------------------------------------------------------

func (t *transformer) typeOp(in *metadata.ILInstruction) error {
	c, err := t.class(in.Token)
	if err != nil {
		k := kindO
		if in.Op == metadata.OpUnbox {
			k = kindByRef
		}
		return t.raiseErr(err, 1, k)
	}
	_, sa, err := t.pop()
	if err != nil {
		return err
	}
	var dst int32
	var op iop
	switch in.Op {
	case metadata.OpCastclass:
		op, dst = opCastclass, t.push(kindO, c)
	case metadata.OpIsinst:
		op, dst = opIsinst, t.push(kindO, c)
	case metadata.OpBox:
		dst = t.push(kindO, c)
		if !c.IsValueType() {
			t.emit(Instruction{Op: opStore, Dst: dst, A: sa})
			return nil
		}
		op = opBox
	case metadata.OpUnbox:
		op, dst = opUnbox, t.push(kindByRef, t.rt.ByRefClass(c))
	case metadata.OpUnboxAny:
		if !c.IsValueType() {
			op, dst = opCastclass, t.push(kindO, c)
		} else {
			op, dst = opUnboxAny, t.pushClass(c)
		}
	}
	t.emit(Instruction{Op: op, Dst: dst, A: sa, Aux: t.data(c), Imm: int64(narrowFor(c))})
	return nil
}

func (t *transformer) objOp(in *metadata.ILInstruction) error {
	c, err := t.class(in.Token)
	if err != nil {
		switch in.Op {
		case metadata.OpInitobj:
			return t.raiseErr(err, 1)
		case metadata.OpLdobj:
			return t.raiseErr(err, 1, kindStruct)
		}
		return t.raiseErr(err, 2)
	}
	switch in.Op {
	case metadata.OpInitobj:
		_, sa, err := t.pop()
		if err != nil {
			return err
		}
		t.emit(Instruction{Op: opInitobj, A: sa, Aux: t.data(c)})
	case metadata.OpLdobj:
		_, sa, err := t.pop()
		if err != nil {
			return err
		}
		t.emit(Instruction{Op: opLdobj, Dst: t.pushClass(c), A: sa, Imm: int64(narrowFor(c))})
	case metadata.OpStobj:
		_, sv, err := t.pop()
		if err != nil {
			return err
		}
		_, sa, err := t.pop()
		if err != nil {
			return err
		}
		t.emit(Instruction{Op: opStobj, A: sa, B: sv, Imm: int64(narrowFor(c))})
	case metadata.OpCpobj:
		_, src, err := t.pop()
		if err != nil {
			return err
		}
		_, dst, err := t.pop()
		if err != nil {
			return err
		}
		t.emit(Instruction{Op: opCpobj, A: dst, B: src})
	}
	return nil
}

// sizeOf returns the size sizeof reports for c.
func sizeOf(c *Class) int32 {
	switch {
	case c.IsPrimitiveLike() && c.ElemType.Size() > 0:
		return c.ElemType.Size()
	case c.IsValueType():
		return c.InstanceSize
	}
	return 8
}

func (t *transformer) ldtoken(in *metadata.ILInstruction) error {
	rt := t.rt
	h, err := t.img.GetRuntimeHandleFromToken(in.Token, t.ctx)
	if err != nil {
		return t.raiseErr(err, 0, kindStruct)
	}
	var hc *Class
	var inner *Object
	switch v := h.(type) {
	case *Class:
		hc, inner = rt.corlib.TypeHandle, rt.Host.TypeObject(v)
	case *MethodInfo:
		hc, inner = rt.corlib.MethodHandle, &Object{Class: rt.corlib.Object, Native: v}
	case *FieldInfo:
		hc, inner = rt.corlib.FieldHandle, &Object{Class: rt.corlib.Object, Native: v}
	}
	if err := rt.complete(hc); err != nil {
		return err
	}
	payload := rt.newObject(hc)
	payload.Fields[0].SetObj(inner)
	t.emit(Instruction{Op: opLdtoken, Dst: t.push(kindStruct, hc), Aux: t.data(payload)})
	return nil
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// raiseCall defers a failed call resolution, accounting for the stack
// effect from the raw signature.
func (t *transformer) raiseCall(err error, tok metadata.Token, newobj bool) error {
	sig, serr := t.rawMethodSig(tok)
	if serr != nil {
		return err
	}
	pops := len(sig.Params)
	if sig.HasThis && !sig.ExplicitThis && !newobj {
		pops++
	}
	switch {
	case newobj:
		return t.raiseErr(err, pops, kindO)
	case sig.Ret.Elem == metadata.ElementVoid:
		return t.raiseErr(err, pops)
	}
	return t.raiseErr(err, pops, kindOfSig(sig.Ret))
}

func (t *transformer) call(in *metadata.ILInstruction, virt bool) error {
	constrained := t.constrained
	t.constrained = nil
	m, err := t.method(in.Token)
	if err == nil {
		err = t.rt.complete(m.Class)
	}
	if err != nil {
		return t.raiseCall(err, in.Token, false)
	}
	sig, err := t.rt.MethodSigClasses(m)
	if err != nil {
		return t.raiseCall(err, in.Token, false)
	}
	n := m.ArgCount()
	if len(t.stack) < n {
		return t.underflow()
	}
	base := t.slot(len(t.stack) - n)
	if constrained != nil && m.HasThis() {
		var direct bool
		if m, direct, err = t.constrain(constrained, m, base); err != nil {
			return t.raiseCall(err, in.Token, false)
		}
		if direct {
			virt = false
		}
	}
	if err := t.popN(n); err != nil {
		return err
	}
	site := &callSite{Method: m, Base: base, NArgs: int32(n), Ret: sig[0]}
	if sig[0] != nil {
		t.pushClass(sig[0])
	}
	op := opCall
	if virt {
		op = opCallvirt
	}
	t.emit(Instruction{Op: op, Aux: t.data(site)})
	return nil
}

// constrain rewrites the receiver of a constrained. call, whose this is a
// managed pointer to c. It reports whether the call binds directly.
func (t *transformer) constrain(c *Class, m *MethodInfo, this int32) (*MethodInfo, bool, error) {
	if c.IsReference() || c.Kind == KindGenericParam {
		t.emit(Instruction{Op: opLdind, Dst: this, A: this})
		return m, false, nil
	}
	impl, err := t.rt.resolveVirtual(c, m)
	if err != nil {
		return nil, false, err
	}
	if impl.Class == c {
		return impl, true, nil
	}
	t.emit(Instruction{Op: opLdobj, Dst: this, A: this, Imm: int64(narrowFor(c))})
	t.emit(Instruction{Op: opBox, Dst: this, A: this, Aux: t.data(c)})
	return m, false, nil
}

func (t *transformer) newobj(in *metadata.ILInstruction) error {
	m, err := t.method(in.Token)
	if err == nil {
		err = t.rt.complete(m.Class)
	}
	if err != nil {
		return t.raiseCall(err, in.Token, true)
	}
	if m.sigErr != nil {
		return t.raiseCall(m.sigErr, in.Token, true)
	}
	n := len(m.Sig.Params)
	if len(t.stack) < n {
		return t.underflow()
	}
	d := len(t.stack) - n
	base := t.slot(d)
	if err := t.popN(n); err != nil {
		return err
	}
	// The receiver is inserted below the arguments.
	t.grow(d + n + 1)
	site := &callSite{Method: m, Base: base, NArgs: int32(n), Ret: m.Class}
	t.pushClass(m.Class)
	t.emit(Instruction{Op: opNewobj, Aux: t.data(site)})
	return nil
}

func (t *transformer) calli(in *metadata.ILInstruction) error {
	sig, err := t.img.StandAloneMethodSig(in.Token)
	if err != nil {
		return err
	}
	var ret *Class
	if sig.Ret.Elem != metadata.ElementVoid {
		t.rt.metadataLock.Lock()
		ret, err = t.rt.classFromSig(t.img, sig.Ret, t.ctx)
		t.rt.metadataLock.Unlock()
		if err != nil {
			return t.raiseErr(err, len(sig.Params)+1, kindOfSig(sig.Ret))
		}
	}
	_, fn, err := t.pop()
	if err != nil {
		return err
	}
	n := len(sig.Params)
	if sig.HasThis && !sig.ExplicitThis {
		n++
	}
	if len(t.stack) < n {
		return t.underflow()
	}
	base := t.slot(len(t.stack) - n)
	if err := t.popN(n); err != nil {
		return err
	}
	site := &callSite{Base: base, NArgs: int32(n), Ret: ret, Sig: sig}
	if ret != nil {
		t.pushClass(ret)
	}
	t.emit(Instruction{Op: opCalli, A: fn, Aux: t.data(site)})
	return nil
}
