package vm

import (
	"strconv"
	"strings"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// Composite formatting: String.Format and Console.WriteLine(format, ...)
// ---------------------------------------------------------------------------

const formatError = "Input string was not in a correct format."

// formatArgs formats with the arguments following a format string. A
// single object[] argument is the params array.
func (th *Thread) formatArgs(format *Object, args []StackObject) (string, error) {
	if len(args) == 1 {
		if arr := args[0].Obj(); arr != nil && arr.Class.IsSZArray() && arr.Class.Element == th.rt.corlib.Object {
			args = arr.Elems
		}
	}
	return th.formatComposite(GoString(format), args)
}

// formatComposite expands "{index[,alignment][:format]}" items. Braces are
// escaped by doubling.
func (th *Thread) formatComposite(format string, args []StackObject) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		switch c {
		case '{':
			if i+1 < len(format) && format[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(format[i:], '}')
			if end < 0 {
				return "", th.raise(ExFormat, formatError)
			}
			item := format[i+1 : i+end]
			i += end
			s, err := th.formatItem(item, args)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		case '}':
			if i+1 < len(format) && format[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", th.raise(ExFormat, formatError)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func (th *Thread) formatItem(item string, args []StackObject) (string, error) {
	item, spec, _ := strings.Cut(item, ":")
	item, align, hasAlign := strings.Cut(item, ",")
	idx, err := strconv.Atoi(strings.TrimSpace(item))
	if err != nil {
		return "", th.raise(ExFormat, formatError)
	}
	if idx < 0 || idx >= len(args) {
		return "", th.raise(ExFormat, "Index (zero based) must be greater than or equal to zero and less than the size of the argument list.")
	}
	width := 0
	if hasAlign {
		if width, err = strconv.Atoi(strings.TrimSpace(align)); err != nil {
			return "", th.raise(ExFormat, formatError)
		}
	}
	o := args[idx].Obj()
	var s string
	if spec != "" && o != nil && o.Class.Kind == KindValueType && o.Class.IsPrimitiveLike() && !o.Class.IsEnum {
		var ok bool
		if s, ok = formatNumber(o.Class.ElemType, o.Fields[0], spec); !ok {
			return "", th.raise(ExFormat, "Format specifier '%s' was invalid.", spec)
		}
	} else if s, err = th.objectString(o); err != nil {
		return "", err
	}
	if pad := abs(width) - len([]rune(s)); pad > 0 {
		if width > 0 {
			s = strings.Repeat(" ", pad) + s
		} else {
			s += strings.Repeat(" ", pad)
		}
	}
	return s, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// formatNumber applies a standard numeric format string: D, X, F, N or G
// with an optional precision.
func formatNumber(e metadata.ElementType, v StackObject, spec string) (string, bool) {
	kind := spec[0] | 0x20
	prec := -1
	if len(spec) > 1 {
		p, err := strconv.Atoi(spec[1:])
		if err != nil || p < 0 || p > 99 {
			return "", false
		}
		prec = p
	}
	integer := e.IsInteger() && e != metadata.ElementBoolean && e != metadata.ElementChar
	signed := e == metadata.ElementI1 || e == metadata.ElementI2 || e == metadata.ElementI4 ||
		e == metadata.ElementI8 || e == metadata.ElementI
	asFloat := func() float64 {
		switch {
		case e.IsFloat():
			return v.F64()
		case signed:
			return float64(v.I64())
		case e.Size() == 8:
			return float64(v.U64())
		}
		return float64(v.U32())
	}
	switch kind {
	case 'd':
		if !integer {
			return "", false
		}
		var digits string
		neg := false
		if signed && v.I64() < 0 {
			neg = true
			digits = strconv.FormatUint(uint64(-v.I64()), 10)
		} else if signed || e.Size() == 8 {
			digits = strconv.FormatUint(v.U64(), 10)
		} else {
			digits = strconv.FormatUint(uint64(v.U32()), 10)
		}
		if len(digits) < prec {
			digits = strings.Repeat("0", prec-len(digits)) + digits
		}
		if neg {
			digits = "-" + digits
		}
		return digits, true
	case 'x':
		if !integer {
			return "", false
		}
		u := v.U64()
		if size := e.Size(); size < 8 {
			u &= 1<<(8*uint(size)) - 1
		}
		s := strconv.FormatUint(u, 16)
		if spec[0] == 'X' {
			s = strings.ToUpper(s)
		}
		if len(s) < prec {
			s = strings.Repeat("0", prec-len(s)) + s
		}
		return s, true
	case 'f':
		if prec < 0 {
			prec = 2
		}
		return strconv.FormatFloat(asFloat(), 'f', prec, 64), true
	case 'n':
		if prec < 0 {
			prec = 2
		}
		return groupThousands(strconv.FormatFloat(asFloat(), 'f', prec, 64)), true
	case 'g':
		if prec <= 0 {
			return formatPrimitive(e, v), true
		}
		return strings.ToUpper(strconv.FormatFloat(asFloat(), 'g', prec, 64)), true
	}
	return "", false
}

// groupThousands inserts ',' separators into the integer part of a
// formatted number.
func groupThousands(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")
	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return sign + b.String()
}
