package metadump

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/hybrid/metadata"
	"github.com/chazu/hybrid/vm"
)

// Namer renders the token operands of img's IL by name. Tokens that do
// not resolve are printed raw.
func Namer(img *vm.Image) metadata.TokenNamer {
	return func(tok metadata.Token) string {
		switch tok.Table() {
		case metadata.TokenUserString:
			if o, err := img.GetUserString(tok); err == nil {
				return strconv.Quote(vm.GoString(o))
			}
		case metadata.TableTypeDef, metadata.TableTypeRef, metadata.TableTypeSpec:
			if c, err := img.GetClassFromToken(tok, vm.GenericContext{}); err == nil {
				return c.FullName()
			}
		case metadata.TableField:
			if f, err := img.GetFieldInfoFromToken(tok, vm.GenericContext{}); err == nil {
				return f.FullName()
			}
		case metadata.TableMethodDef, metadata.TableMethodSpec:
			if m, err := img.GetMethodInfoFromToken(tok, vm.GenericContext{}); err == nil {
				return m.FullName()
			}
		case metadata.TableMemberRef:
			if m, err := img.GetMethodInfoFromToken(tok, vm.GenericContext{}); err == nil {
				return m.FullName()
			}
			if f, err := img.GetFieldInfoFromToken(tok, vm.GenericContext{}); err == nil {
				return f.FullName()
			}
		}
		return tok.String()
	}
}

// DisassembleMethod renders m's header, IL and exception clauses.
func DisassembleMethod(rt *vm.Runtime, m *vm.MethodInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, ".method %s::%s  // %s\n", m.Class.FullName(), Signature(rt, m), m.Token)
	b := m.Body
	if b == nil {
		switch {
		case m.IsAbstract():
			sb.WriteString("  // abstract\n")
		case m.IsInternalCall():
			sb.WriteString("  // internal call\n")
		default:
			sb.WriteString("  // no body\n")
		}
		return sb.String()
	}
	fmt.Fprintf(&sb, "  .maxstack %d\n", b.MaxStack)
	if !b.LocalVarSigToken.IsNil() {
		fmt.Fprintf(&sb, "  .locals %s (init %v)\n", b.LocalVarSigToken, b.InitLocals)
	}
	namer := Namer(m.Class.Image)
	for _, line := range strings.Split(strings.TrimSuffix(metadata.Disassemble(b.Code, namer), "\n"), "\n") {
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	for _, c := range b.Clauses {
		fmt.Fprintf(&sb, "  .try IL_%04x to IL_%04x %s", c.TryOffset, c.TryOffset+c.TryLength, c.Kind)
		switch c.Kind {
		case metadata.ClauseException:
			fmt.Fprintf(&sb, " %s", namer(c.ClassToken))
		case metadata.ClauseFilter:
			fmt.Fprintf(&sb, " IL_%04x", c.FilterOffset)
		}
		fmt.Fprintf(&sb, " handler IL_%04x to IL_%04x\n", c.HandlerOffset, c.HandlerOffset+c.HandlerLength)
	}
	return sb.String()
}
