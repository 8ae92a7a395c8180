package metadata

import (
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions (ECMA-335 III)
// ---------------------------------------------------------------------------

// Opcode is a CIL opcode. Two-byte opcodes are stored as 0xFExx.
type Opcode uint16

const (
	OpNop       Opcode = 0x00
	OpBreak     Opcode = 0x01
	OpLdarg0    Opcode = 0x02
	OpLdarg1    Opcode = 0x03
	OpLdarg2    Opcode = 0x04
	OpLdarg3    Opcode = 0x05
	OpLdloc0    Opcode = 0x06
	OpLdloc1    Opcode = 0x07
	OpLdloc2    Opcode = 0x08
	OpLdloc3    Opcode = 0x09
	OpStloc0    Opcode = 0x0A
	OpStloc1    Opcode = 0x0B
	OpStloc2    Opcode = 0x0C
	OpStloc3    Opcode = 0x0D
	OpLdargS    Opcode = 0x0E
	OpLdargaS   Opcode = 0x0F
	OpStargS    Opcode = 0x10
	OpLdlocS    Opcode = 0x11
	OpLdlocaS   Opcode = 0x12
	OpStlocS    Opcode = 0x13
	OpLdnull    Opcode = 0x14
	OpLdcI4M1   Opcode = 0x15
	OpLdcI40    Opcode = 0x16
	OpLdcI41    Opcode = 0x17
	OpLdcI42    Opcode = 0x18
	OpLdcI43    Opcode = 0x19
	OpLdcI44    Opcode = 0x1A
	OpLdcI45    Opcode = 0x1B
	OpLdcI46    Opcode = 0x1C
	OpLdcI47    Opcode = 0x1D
	OpLdcI48    Opcode = 0x1E
	OpLdcI4S    Opcode = 0x1F
	OpLdcI4     Opcode = 0x20
	OpLdcI8     Opcode = 0x21
	OpLdcR4     Opcode = 0x22
	OpLdcR8     Opcode = 0x23
	OpDup       Opcode = 0x25
	OpPop       Opcode = 0x26
	OpJmp       Opcode = 0x27
	OpCall      Opcode = 0x28
	OpCalli     Opcode = 0x29
	OpRet       Opcode = 0x2A
	OpBrS       Opcode = 0x2B
	OpBrfalseS  Opcode = 0x2C
	OpBrtrueS   Opcode = 0x2D
	OpBeqS      Opcode = 0x2E
	OpBgeS      Opcode = 0x2F
	OpBgtS      Opcode = 0x30
	OpBleS      Opcode = 0x31
	OpBltS      Opcode = 0x32
	OpBneUnS    Opcode = 0x33
	OpBgeUnS    Opcode = 0x34
	OpBgtUnS    Opcode = 0x35
	OpBleUnS    Opcode = 0x36
	OpBltUnS    Opcode = 0x37
	OpBr        Opcode = 0x38
	OpBrfalse   Opcode = 0x39
	OpBrtrue    Opcode = 0x3A
	OpBeq       Opcode = 0x3B
	OpBge       Opcode = 0x3C
	OpBgt       Opcode = 0x3D
	OpBle       Opcode = 0x3E
	OpBlt       Opcode = 0x3F
	OpBneUn     Opcode = 0x40
	OpBgeUn     Opcode = 0x41
	OpBgtUn     Opcode = 0x42
	OpBleUn     Opcode = 0x43
	OpBltUn     Opcode = 0x44
	OpSwitch    Opcode = 0x45
	OpLdindI1   Opcode = 0x46
	OpLdindU1   Opcode = 0x47
	OpLdindI2   Opcode = 0x48
	OpLdindU2   Opcode = 0x49
	OpLdindI4   Opcode = 0x4A
	OpLdindU4   Opcode = 0x4B
	OpLdindI8   Opcode = 0x4C
	OpLdindI    Opcode = 0x4D
	OpLdindR4   Opcode = 0x4E
	OpLdindR8   Opcode = 0x4F
	OpLdindRef  Opcode = 0x50
	OpStindRef  Opcode = 0x51
	OpStindI1   Opcode = 0x52
	OpStindI2   Opcode = 0x53
	OpStindI4   Opcode = 0x54
	OpStindI8   Opcode = 0x55
	OpStindR4   Opcode = 0x56
	OpStindR8   Opcode = 0x57
	OpAdd       Opcode = 0x58
	OpSub       Opcode = 0x59
	OpMul       Opcode = 0x5A
	OpDiv       Opcode = 0x5B
	OpDivUn     Opcode = 0x5C
	OpRem       Opcode = 0x5D
	OpRemUn     Opcode = 0x5E
	OpAnd       Opcode = 0x5F
	OpOr        Opcode = 0x60
	OpXor       Opcode = 0x61
	OpShl       Opcode = 0x62
	OpShr       Opcode = 0x63
	OpShrUn     Opcode = 0x64
	OpNeg       Opcode = 0x65
	OpNot       Opcode = 0x66
	OpConvI1    Opcode = 0x67
	OpConvI2    Opcode = 0x68
	OpConvI4    Opcode = 0x69
	OpConvI8    Opcode = 0x6A
	OpConvR4    Opcode = 0x6B
	OpConvR8    Opcode = 0x6C
	OpConvU4    Opcode = 0x6D
	OpConvU8    Opcode = 0x6E
	OpCallvirt  Opcode = 0x6F
	OpCpobj     Opcode = 0x70
	OpLdobj     Opcode = 0x71
	OpLdstr     Opcode = 0x72
	OpNewobj    Opcode = 0x73
	OpCastclass Opcode = 0x74
	OpIsinst    Opcode = 0x75
	OpConvRUn   Opcode = 0x76
	OpUnbox     Opcode = 0x79
	OpThrow     Opcode = 0x7A
	OpLdfld     Opcode = 0x7B
	OpLdflda    Opcode = 0x7C
	OpStfld     Opcode = 0x7D
	OpLdsfld    Opcode = 0x7E
	OpLdsflda   Opcode = 0x7F
	OpStsfld    Opcode = 0x80
	OpStobj     Opcode = 0x81

	OpConvOvfI1Un Opcode = 0x82
	OpConvOvfI2Un Opcode = 0x83
	OpConvOvfI4Un Opcode = 0x84
	OpConvOvfI8Un Opcode = 0x85
	OpConvOvfU1Un Opcode = 0x86
	OpConvOvfU2Un Opcode = 0x87
	OpConvOvfU4Un Opcode = 0x88
	OpConvOvfU8Un Opcode = 0x89
	OpConvOvfIUn  Opcode = 0x8A
	OpConvOvfUUn  Opcode = 0x8B

	OpBox       Opcode = 0x8C
	OpNewarr    Opcode = 0x8D
	OpLdlen     Opcode = 0x8E
	OpLdelema   Opcode = 0x8F
	OpLdelemI1  Opcode = 0x90
	OpLdelemU1  Opcode = 0x91
	OpLdelemI2  Opcode = 0x92
	OpLdelemU2  Opcode = 0x93
	OpLdelemI4  Opcode = 0x94
	OpLdelemU4  Opcode = 0x95
	OpLdelemI8  Opcode = 0x96
	OpLdelemI   Opcode = 0x97
	OpLdelemR4  Opcode = 0x98
	OpLdelemR8  Opcode = 0x99
	OpLdelemRef Opcode = 0x9A
	OpStelemI   Opcode = 0x9B
	OpStelemI1  Opcode = 0x9C
	OpStelemI2  Opcode = 0x9D
	OpStelemI4  Opcode = 0x9E
	OpStelemI8  Opcode = 0x9F
	OpStelemR4  Opcode = 0xA0
	OpStelemR8  Opcode = 0xA1
	OpStelemRef Opcode = 0xA2
	OpLdelem    Opcode = 0xA3
	OpStelem    Opcode = 0xA4
	OpUnboxAny  Opcode = 0xA5

	OpConvOvfI1 Opcode = 0xB3
	OpConvOvfU1 Opcode = 0xB4
	OpConvOvfI2 Opcode = 0xB5
	OpConvOvfU2 Opcode = 0xB6
	OpConvOvfI4 Opcode = 0xB7
	OpConvOvfU4 Opcode = 0xB8
	OpConvOvfI8 Opcode = 0xB9
	OpConvOvfU8 Opcode = 0xBA

	OpRefanyval  Opcode = 0xC2
	OpCkfinite   Opcode = 0xC3
	OpMkrefany   Opcode = 0xC6
	OpLdtoken    Opcode = 0xD0
	OpConvU2     Opcode = 0xD1
	OpConvU1     Opcode = 0xD2
	OpConvI      Opcode = 0xD3
	OpConvOvfI   Opcode = 0xD4
	OpConvOvfU   Opcode = 0xD5
	OpAddOvf     Opcode = 0xD6
	OpAddOvfUn   Opcode = 0xD7
	OpMulOvf     Opcode = 0xD8
	OpMulOvfUn   Opcode = 0xD9
	OpSubOvf     Opcode = 0xDA
	OpSubOvfUn   Opcode = 0xDB
	OpEndfinally Opcode = 0xDC
	OpLeave      Opcode = 0xDD
	OpLeaveS     Opcode = 0xDE
	OpStindI     Opcode = 0xDF
	OpConvU      Opcode = 0xE0

	OpArglist     Opcode = 0xFE00
	OpCeq         Opcode = 0xFE01
	OpCgt         Opcode = 0xFE02
	OpCgtUn       Opcode = 0xFE03
	OpClt         Opcode = 0xFE04
	OpCltUn       Opcode = 0xFE05
	OpLdftn       Opcode = 0xFE06
	OpLdvirtftn   Opcode = 0xFE07
	OpLdarg       Opcode = 0xFE09
	OpLdarga      Opcode = 0xFE0A
	OpStarg       Opcode = 0xFE0B
	OpLdloc       Opcode = 0xFE0C
	OpLdloca      Opcode = 0xFE0D
	OpStloc       Opcode = 0xFE0E
	OpLocalloc    Opcode = 0xFE0F
	OpEndfilter   Opcode = 0xFE11
	OpUnaligned   Opcode = 0xFE12
	OpVolatile    Opcode = 0xFE13
	OpTail        Opcode = 0xFE14
	OpInitobj     Opcode = 0xFE15
	OpConstrained Opcode = 0xFE16
	OpCpblk       Opcode = 0xFE17
	OpInitblk     Opcode = 0xFE18
	OpNo          Opcode = 0xFE19
	OpRethrow     Opcode = 0xFE1A
	OpSizeof      Opcode = 0xFE1C
	OpRefanytype  Opcode = 0xFE1D
	OpReadonly    Opcode = 0xFE1E

	twoBytePrefix = 0xFE
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandType is the inline operand shape of an opcode.
type OperandType uint8

const (
	InlineNone OperandType = iota
	ShortInlineVar
	InlineVar
	ShortInlineI
	InlineI
	InlineI8
	ShortInlineR
	InlineR
	ShortInlineBrTarget
	InlineBrTarget
	InlineSwitch
	InlineMethod
	InlineField
	InlineType
	InlineTok
	InlineString
	InlineSig
)

// OperandBytes returns the operand width; InlineSwitch returns the width of
// its count only.
func (t OperandType) OperandBytes() int {
	switch t {
	case InlineNone:
		return 0
	case ShortInlineVar, ShortInlineI, ShortInlineBrTarget:
		return 1
	case InlineVar:
		return 2
	case InlineI8, InlineR:
		return 8
	}
	return 4
}

// FlowControl describes how an opcode affects control flow.
type FlowControl uint8

const (
	FlowNext FlowControl = iota
	FlowBranch
	FlowCondBranch
	FlowCall
	FlowReturn
	FlowThrow
	FlowPrefix
	FlowBreak
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name    string
	Operand OperandType
	Flow    FlowControl
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:     {"nop", InlineNone, FlowNext},
	OpBreak:   {"break", InlineNone, FlowBreak},
	OpLdarg0:  {"ldarg.0", InlineNone, FlowNext},
	OpLdarg1:  {"ldarg.1", InlineNone, FlowNext},
	OpLdarg2:  {"ldarg.2", InlineNone, FlowNext},
	OpLdarg3:  {"ldarg.3", InlineNone, FlowNext},
	OpLdloc0:  {"ldloc.0", InlineNone, FlowNext},
	OpLdloc1:  {"ldloc.1", InlineNone, FlowNext},
	OpLdloc2:  {"ldloc.2", InlineNone, FlowNext},
	OpLdloc3:  {"ldloc.3", InlineNone, FlowNext},
	OpStloc0:  {"stloc.0", InlineNone, FlowNext},
	OpStloc1:  {"stloc.1", InlineNone, FlowNext},
	OpStloc2:  {"stloc.2", InlineNone, FlowNext},
	OpStloc3:  {"stloc.3", InlineNone, FlowNext},
	OpLdargS:  {"ldarg.s", ShortInlineVar, FlowNext},
	OpLdargaS: {"ldarga.s", ShortInlineVar, FlowNext},
	OpStargS:  {"starg.s", ShortInlineVar, FlowNext},
	OpLdlocS:  {"ldloc.s", ShortInlineVar, FlowNext},
	OpLdlocaS: {"ldloca.s", ShortInlineVar, FlowNext},
	OpStlocS:  {"stloc.s", ShortInlineVar, FlowNext},
	OpLdnull:  {"ldnull", InlineNone, FlowNext},
	OpLdcI4M1: {"ldc.i4.m1", InlineNone, FlowNext},
	OpLdcI40:  {"ldc.i4.0", InlineNone, FlowNext},
	OpLdcI41:  {"ldc.i4.1", InlineNone, FlowNext},
	OpLdcI42:  {"ldc.i4.2", InlineNone, FlowNext},
	OpLdcI43:  {"ldc.i4.3", InlineNone, FlowNext},
	OpLdcI44:  {"ldc.i4.4", InlineNone, FlowNext},
	OpLdcI45:  {"ldc.i4.5", InlineNone, FlowNext},
	OpLdcI46:  {"ldc.i4.6", InlineNone, FlowNext},
	OpLdcI47:  {"ldc.i4.7", InlineNone, FlowNext},
	OpLdcI48:  {"ldc.i4.8", InlineNone, FlowNext},
	OpLdcI4S:  {"ldc.i4.s", ShortInlineI, FlowNext},
	OpLdcI4:   {"ldc.i4", InlineI, FlowNext},
	OpLdcI8:   {"ldc.i8", InlineI8, FlowNext},
	OpLdcR4:   {"ldc.r4", ShortInlineR, FlowNext},
	OpLdcR8:   {"ldc.r8", InlineR, FlowNext},
	OpDup:     {"dup", InlineNone, FlowNext},
	OpPop:     {"pop", InlineNone, FlowNext},
	OpJmp:     {"jmp", InlineMethod, FlowCall},
	OpCall:    {"call", InlineMethod, FlowCall},
	OpCalli:   {"calli", InlineSig, FlowCall},
	OpRet:     {"ret", InlineNone, FlowReturn},

	OpBrS:      {"br.s", ShortInlineBrTarget, FlowBranch},
	OpBrfalseS: {"brfalse.s", ShortInlineBrTarget, FlowCondBranch},
	OpBrtrueS:  {"brtrue.s", ShortInlineBrTarget, FlowCondBranch},
	OpBeqS:     {"beq.s", ShortInlineBrTarget, FlowCondBranch},
	OpBgeS:     {"bge.s", ShortInlineBrTarget, FlowCondBranch},
	OpBgtS:     {"bgt.s", ShortInlineBrTarget, FlowCondBranch},
	OpBleS:     {"ble.s", ShortInlineBrTarget, FlowCondBranch},
	OpBltS:     {"blt.s", ShortInlineBrTarget, FlowCondBranch},
	OpBneUnS:   {"bne.un.s", ShortInlineBrTarget, FlowCondBranch},
	OpBgeUnS:   {"bge.un.s", ShortInlineBrTarget, FlowCondBranch},
	OpBgtUnS:   {"bgt.un.s", ShortInlineBrTarget, FlowCondBranch},
	OpBleUnS:   {"ble.un.s", ShortInlineBrTarget, FlowCondBranch},
	OpBltUnS:   {"blt.un.s", ShortInlineBrTarget, FlowCondBranch},
	OpBr:       {"br", InlineBrTarget, FlowBranch},
	OpBrfalse:  {"brfalse", InlineBrTarget, FlowCondBranch},
	OpBrtrue:   {"brtrue", InlineBrTarget, FlowCondBranch},
	OpBeq:      {"beq", InlineBrTarget, FlowCondBranch},
	OpBge:      {"bge", InlineBrTarget, FlowCondBranch},
	OpBgt:      {"bgt", InlineBrTarget, FlowCondBranch},
	OpBle:      {"ble", InlineBrTarget, FlowCondBranch},
	OpBlt:      {"blt", InlineBrTarget, FlowCondBranch},
	OpBneUn:    {"bne.un", InlineBrTarget, FlowCondBranch},
	OpBgeUn:    {"bge.un", InlineBrTarget, FlowCondBranch},
	OpBgtUn:    {"bgt.un", InlineBrTarget, FlowCondBranch},
	OpBleUn:    {"ble.un", InlineBrTarget, FlowCondBranch},
	OpBltUn:    {"blt.un", InlineBrTarget, FlowCondBranch},
	OpSwitch:   {"switch", InlineSwitch, FlowCondBranch},

	OpLdindI1:  {"ldind.i1", InlineNone, FlowNext},
	OpLdindU1:  {"ldind.u1", InlineNone, FlowNext},
	OpLdindI2:  {"ldind.i2", InlineNone, FlowNext},
	OpLdindU2:  {"ldind.u2", InlineNone, FlowNext},
	OpLdindI4:  {"ldind.i4", InlineNone, FlowNext},
	OpLdindU4:  {"ldind.u4", InlineNone, FlowNext},
	OpLdindI8:  {"ldind.i8", InlineNone, FlowNext},
	OpLdindI:   {"ldind.i", InlineNone, FlowNext},
	OpLdindR4:  {"ldind.r4", InlineNone, FlowNext},
	OpLdindR8:  {"ldind.r8", InlineNone, FlowNext},
	OpLdindRef: {"ldind.ref", InlineNone, FlowNext},
	OpStindRef: {"stind.ref", InlineNone, FlowNext},
	OpStindI1:  {"stind.i1", InlineNone, FlowNext},
	OpStindI2:  {"stind.i2", InlineNone, FlowNext},
	OpStindI4:  {"stind.i4", InlineNone, FlowNext},
	OpStindI8:  {"stind.i8", InlineNone, FlowNext},
	OpStindR4:  {"stind.r4", InlineNone, FlowNext},
	OpStindR8:  {"stind.r8", InlineNone, FlowNext},

	OpAdd:     {"add", InlineNone, FlowNext},
	OpSub:     {"sub", InlineNone, FlowNext},
	OpMul:     {"mul", InlineNone, FlowNext},
	OpDiv:     {"div", InlineNone, FlowNext},
	OpDivUn:   {"div.un", InlineNone, FlowNext},
	OpRem:     {"rem", InlineNone, FlowNext},
	OpRemUn:   {"rem.un", InlineNone, FlowNext},
	OpAnd:     {"and", InlineNone, FlowNext},
	OpOr:      {"or", InlineNone, FlowNext},
	OpXor:     {"xor", InlineNone, FlowNext},
	OpShl:     {"shl", InlineNone, FlowNext},
	OpShr:     {"shr", InlineNone, FlowNext},
	OpShrUn:   {"shr.un", InlineNone, FlowNext},
	OpNeg:     {"neg", InlineNone, FlowNext},
	OpNot:     {"not", InlineNone, FlowNext},
	OpConvI1:  {"conv.i1", InlineNone, FlowNext},
	OpConvI2:  {"conv.i2", InlineNone, FlowNext},
	OpConvI4:  {"conv.i4", InlineNone, FlowNext},
	OpConvI8:  {"conv.i8", InlineNone, FlowNext},
	OpConvR4:  {"conv.r4", InlineNone, FlowNext},
	OpConvR8:  {"conv.r8", InlineNone, FlowNext},
	OpConvU4:  {"conv.u4", InlineNone, FlowNext},
	OpConvU8:  {"conv.u8", InlineNone, FlowNext},
	OpConvRUn: {"conv.r.un", InlineNone, FlowNext},

	OpCallvirt:  {"callvirt", InlineMethod, FlowCall},
	OpCpobj:     {"cpobj", InlineType, FlowNext},
	OpLdobj:     {"ldobj", InlineType, FlowNext},
	OpLdstr:     {"ldstr", InlineString, FlowNext},
	OpNewobj:    {"newobj", InlineMethod, FlowCall},
	OpCastclass: {"castclass", InlineType, FlowNext},
	OpIsinst:    {"isinst", InlineType, FlowNext},
	OpUnbox:     {"unbox", InlineType, FlowNext},
	OpThrow:     {"throw", InlineNone, FlowThrow},
	OpLdfld:     {"ldfld", InlineField, FlowNext},
	OpLdflda:    {"ldflda", InlineField, FlowNext},
	OpStfld:     {"stfld", InlineField, FlowNext},
	OpLdsfld:    {"ldsfld", InlineField, FlowNext},
	OpLdsflda:   {"ldsflda", InlineField, FlowNext},
	OpStsfld:    {"stsfld", InlineField, FlowNext},
	OpStobj:     {"stobj", InlineType, FlowNext},

	OpConvOvfI1Un: {"conv.ovf.i1.un", InlineNone, FlowNext},
	OpConvOvfI2Un: {"conv.ovf.i2.un", InlineNone, FlowNext},
	OpConvOvfI4Un: {"conv.ovf.i4.un", InlineNone, FlowNext},
	OpConvOvfI8Un: {"conv.ovf.i8.un", InlineNone, FlowNext},
	OpConvOvfU1Un: {"conv.ovf.u1.un", InlineNone, FlowNext},
	OpConvOvfU2Un: {"conv.ovf.u2.un", InlineNone, FlowNext},
	OpConvOvfU4Un: {"conv.ovf.u4.un", InlineNone, FlowNext},
	OpConvOvfU8Un: {"conv.ovf.u8.un", InlineNone, FlowNext},
	OpConvOvfIUn:  {"conv.ovf.i.un", InlineNone, FlowNext},
	OpConvOvfUUn:  {"conv.ovf.u.un", InlineNone, FlowNext},

	OpBox:       {"box", InlineType, FlowNext},
	OpNewarr:    {"newarr", InlineType, FlowNext},
	OpLdlen:     {"ldlen", InlineNone, FlowNext},
	OpLdelema:   {"ldelema", InlineType, FlowNext},
	OpLdelemI1:  {"ldelem.i1", InlineNone, FlowNext},
	OpLdelemU1:  {"ldelem.u1", InlineNone, FlowNext},
	OpLdelemI2:  {"ldelem.i2", InlineNone, FlowNext},
	OpLdelemU2:  {"ldelem.u2", InlineNone, FlowNext},
	OpLdelemI4:  {"ldelem.i4", InlineNone, FlowNext},
	OpLdelemU4:  {"ldelem.u4", InlineNone, FlowNext},
	OpLdelemI8:  {"ldelem.i8", InlineNone, FlowNext},
	OpLdelemI:   {"ldelem.i", InlineNone, FlowNext},
	OpLdelemR4:  {"ldelem.r4", InlineNone, FlowNext},
	OpLdelemR8:  {"ldelem.r8", InlineNone, FlowNext},
	OpLdelemRef: {"ldelem.ref", InlineNone, FlowNext},
	OpStelemI:   {"stelem.i", InlineNone, FlowNext},
	OpStelemI1:  {"stelem.i1", InlineNone, FlowNext},
	OpStelemI2:  {"stelem.i2", InlineNone, FlowNext},
	OpStelemI4:  {"stelem.i4", InlineNone, FlowNext},
	OpStelemI8:  {"stelem.i8", InlineNone, FlowNext},
	OpStelemR4:  {"stelem.r4", InlineNone, FlowNext},
	OpStelemR8:  {"stelem.r8", InlineNone, FlowNext},
	OpStelemRef: {"stelem.ref", InlineNone, FlowNext},
	OpLdelem:    {"ldelem", InlineType, FlowNext},
	OpStelem:    {"stelem", InlineType, FlowNext},
	OpUnboxAny:  {"unbox.any", InlineType, FlowNext},

	OpConvOvfI1: {"conv.ovf.i1", InlineNone, FlowNext},
	OpConvOvfU1: {"conv.ovf.u1", InlineNone, FlowNext},
	OpConvOvfI2: {"conv.ovf.i2", InlineNone, FlowNext},
	OpConvOvfU2: {"conv.ovf.u2", InlineNone, FlowNext},
	OpConvOvfI4: {"conv.ovf.i4", InlineNone, FlowNext},
	OpConvOvfU4: {"conv.ovf.u4", InlineNone, FlowNext},
	OpConvOvfI8: {"conv.ovf.i8", InlineNone, FlowNext},
	OpConvOvfU8: {"conv.ovf.u8", InlineNone, FlowNext},

	OpRefanyval:  {"refanyval", InlineType, FlowNext},
	OpCkfinite:   {"ckfinite", InlineNone, FlowNext},
	OpMkrefany:   {"mkrefany", InlineType, FlowNext},
	OpLdtoken:    {"ldtoken", InlineTok, FlowNext},
	OpConvU2:     {"conv.u2", InlineNone, FlowNext},
	OpConvU1:     {"conv.u1", InlineNone, FlowNext},
	OpConvI:      {"conv.i", InlineNone, FlowNext},
	OpConvOvfI:   {"conv.ovf.i", InlineNone, FlowNext},
	OpConvOvfU:   {"conv.ovf.u", InlineNone, FlowNext},
	OpAddOvf:     {"add.ovf", InlineNone, FlowNext},
	OpAddOvfUn:   {"add.ovf.un", InlineNone, FlowNext},
	OpMulOvf:     {"mul.ovf", InlineNone, FlowNext},
	OpMulOvfUn:   {"mul.ovf.un", InlineNone, FlowNext},
	OpSubOvf:     {"sub.ovf", InlineNone, FlowNext},
	OpSubOvfUn:   {"sub.ovf.un", InlineNone, FlowNext},
	OpEndfinally: {"endfinally", InlineNone, FlowReturn},
	OpLeave:      {"leave", InlineBrTarget, FlowBranch},
	OpLeaveS:     {"leave.s", ShortInlineBrTarget, FlowBranch},
	OpStindI:     {"stind.i", InlineNone, FlowNext},
	OpConvU:      {"conv.u", InlineNone, FlowNext},

	OpArglist:     {"arglist", InlineNone, FlowNext},
	OpCeq:         {"ceq", InlineNone, FlowNext},
	OpCgt:         {"cgt", InlineNone, FlowNext},
	OpCgtUn:       {"cgt.un", InlineNone, FlowNext},
	OpClt:         {"clt", InlineNone, FlowNext},
	OpCltUn:       {"clt.un", InlineNone, FlowNext},
	OpLdftn:       {"ldftn", InlineMethod, FlowNext},
	OpLdvirtftn:   {"ldvirtftn", InlineMethod, FlowNext},
	OpLdarg:       {"ldarg", InlineVar, FlowNext},
	OpLdarga:      {"ldarga", InlineVar, FlowNext},
	OpStarg:       {"starg", InlineVar, FlowNext},
	OpLdloc:       {"ldloc", InlineVar, FlowNext},
	OpLdloca:      {"ldloca", InlineVar, FlowNext},
	OpStloc:       {"stloc", InlineVar, FlowNext},
	OpLocalloc:    {"localloc", InlineNone, FlowNext},
	OpEndfilter:   {"endfilter", InlineNone, FlowReturn},
	OpUnaligned:   {"unaligned.", ShortInlineI, FlowPrefix},
	OpVolatile:    {"volatile.", InlineNone, FlowPrefix},
	OpTail:        {"tail.", InlineNone, FlowPrefix},
	OpInitobj:     {"initobj", InlineType, FlowNext},
	OpConstrained: {"constrained.", InlineType, FlowPrefix},
	OpCpblk:       {"cpblk", InlineNone, FlowNext},
	OpInitblk:     {"initblk", InlineNone, FlowNext},
	OpNo:          {"no.", ShortInlineI, FlowPrefix},
	OpRethrow:     {"rethrow", InlineNone, FlowThrow},
	OpSizeof:      {"sizeof", InlineType, FlowNext},
	OpRefanytype:  {"refanytype", InlineNone, FlowNext},
	OpReadonly:    {"readonly.", InlineNone, FlowPrefix},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("unknown_%04X", uint16(op))
}

// Size returns the encoded width of the opcode itself.
func (op Opcode) Size() int {
	if op > 0xFF {
		return 2
	}
	return 1
}

func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// ILReader: sequential decoding of an IL stream
// ---------------------------------------------------------------------------

// ILInstruction is one decoded instruction. Branch targets are absolute IL
// offsets.
type ILInstruction struct {
	Offset  uint32
	Size    uint32
	Op      Opcode
	Int     int64
	Float   float64
	Token   Token
	Target  uint32
	Targets []uint32
}

// Next returns the offset of the following instruction.
func (in *ILInstruction) Next() uint32 {
	return in.Offset + in.Size
}

// ILReader decodes instructions one at a time.
type ILReader struct {
	code []byte
	pos  int
}

// NewILReader creates a reader over an IL stream.
func NewILReader(code []byte) *ILReader {
	return &ILReader{code: code}
}

// HasMore reports whether instructions remain.
func (r *ILReader) HasMore() bool {
	return r.pos < len(r.code)
}

// Position returns the current IL offset.
func (r *ILReader) Position() int {
	return r.pos
}

// Seek moves to an IL offset.
func (r *ILReader) Seek(pos int) {
	r.pos = pos
}

// Read decodes the instruction at the current position.
func (r *ILReader) Read() (ILInstruction, error) {
	start := r.pos
	br := NewBlobReader(r.code[r.pos:])
	b := br.ReadByte()
	op := Opcode(b)
	if b == twoBytePrefix {
		op = Opcode(0xFE00 | uint16(br.ReadByte()))
	}
	info, ok := opcodeTable[op]
	if !ok || br.Err() != nil {
		return ILInstruction{}, fmt.Errorf("%w: invalid opcode %#x at IL_%04x", ErrBadMethodBody, uint16(op), start)
	}
	in := ILInstruction{Offset: uint32(start), Op: op}
	switch info.Operand {
	case ShortInlineVar:
		in.Int = int64(br.ReadByte())
	case ShortInlineI:
		in.Int = int64(int8(br.ReadByte()))
	case InlineVar:
		in.Int = int64(br.ReadUint16())
	case InlineI:
		in.Int = int64(int32(br.ReadUint32()))
	case InlineI8:
		in.Int = int64(br.ReadUint64())
	case ShortInlineR:
		in.Float = float64(br.ReadFloat32())
	case InlineR:
		in.Float = br.ReadFloat64()
	case ShortInlineBrTarget:
		rel := int8(br.ReadByte())
		in.Target = uint32(int64(start+br.Position()) + int64(rel))
	case InlineBrTarget:
		rel := int32(br.ReadUint32())
		in.Target = uint32(int64(start+br.Position()) + int64(rel))
	case InlineSwitch:
		n := br.ReadUint32()
		if int(n) > br.Len()/4 {
			return ILInstruction{}, fmt.Errorf("%w: switch at IL_%04x has %d targets", ErrBadMethodBody, start, n)
		}
		rels := make([]int32, n)
		for i := range rels {
			rels[i] = int32(br.ReadUint32())
		}
		base := int64(start + br.Position())
		in.Targets = make([]uint32, n)
		for i, rel := range rels {
			in.Targets[i] = uint32(base + int64(rel))
		}
	case InlineMethod, InlineField, InlineType, InlineTok, InlineString, InlineSig:
		in.Token = Token(br.ReadUint32())
	}
	if br.Err() != nil {
		return ILInstruction{}, fmt.Errorf("%w: truncated %s at IL_%04x", ErrBadMethodBody, info.Name, start)
	}
	in.Size = uint32(br.Position())
	r.pos += br.Position()
	return in, nil
}

// DecodeIL decodes a whole IL stream.
func DecodeIL(code []byte) ([]ILInstruction, error) {
	r := NewILReader(code)
	var out []ILInstruction
	for r.HasMore() {
		in, err := r.Read()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// TokenNamer renders a token operand. It may be nil.
type TokenNamer func(Token) string

// FormatInstruction renders one instruction in ildasm style.
func FormatInstruction(in ILInstruction, names TokenNamer) string {
	info, _ := in.Op.Info()
	head := fmt.Sprintf("IL_%04x:  %s", in.Offset, info.Name)
	switch info.Operand {
	case InlineNone:
		return head
	case ShortInlineVar, InlineVar, ShortInlineI, InlineI, InlineI8:
		return fmt.Sprintf("%s %d", head, in.Int)
	case ShortInlineR, InlineR:
		if math.IsInf(in.Float, 0) || math.IsNaN(in.Float) {
			return fmt.Sprintf("%s %v", head, in.Float)
		}
		return fmt.Sprintf("%s %g", head, in.Float)
	case ShortInlineBrTarget, InlineBrTarget:
		return fmt.Sprintf("%s IL_%04x", head, in.Target)
	case InlineSwitch:
		labels := make([]string, len(in.Targets))
		for i, t := range in.Targets {
			labels[i] = fmt.Sprintf("IL_%04x", t)
		}
		return fmt.Sprintf("%s (%s)", head, strings.Join(labels, ", "))
	}
	if names != nil {
		if s := names(in.Token); s != "" {
			return fmt.Sprintf("%s %s", head, s)
		}
	}
	return fmt.Sprintf("%s %s", head, in.Token)
}

// Disassemble returns a listing of an IL stream. Decoding stops at the
// first invalid instruction, which is reported inline.
func Disassemble(code []byte, names TokenNamer) string {
	r := NewILReader(code)
	var sb strings.Builder
	for r.HasMore() {
		in, err := r.Read()
		if err != nil {
			fmt.Fprintf(&sb, "IL_%04x:  <%v>\n", r.Position(), err)
			break
		}
		sb.WriteString(FormatInstruction(in, names))
		sb.WriteByte('\n')
	}
	return sb.String()
}
