package vm

import (
	"slices"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/chazu/hybrid/metadata"
)

// ---------------------------------------------------------------------------
// System.String
// ---------------------------------------------------------------------------

// Invariant-culture casing and collation. Casers and collators carry
// state, so each use takes its own.
var (
	upperPool    = sync.Pool{New: func() any { return cases.Upper(language.Und) }}
	lowerPool    = sync.Pool{New: func() any { return cases.Lower(language.Und) }}
	collatorPool = sync.Pool{New: func() any { return collate.New(language.Und) }}
)

func caseString(pool *sync.Pool, s string) string {
	c := pool.Get().(cases.Caser)
	defer pool.Put(c)
	return c.String(s)
}

// compareCulture orders strings by invariant-culture collation, falling
// back to ordinal order between strings that collate equal.
func compareCulture(a, b string) int {
	if a == b {
		return 0
	}
	c := collatorPool.Get().(*collate.Collator)
	defer collatorPool.Put(c)
	if r := c.CompareString(a, b); r != 0 {
		return r
	}
	return strings.Compare(a, b)
}

func compareOrdinal(a, b []uint16) int {
	return slices.Compare(a, b)
}

func (th *Thread) stringArg(v StackObject, param string) (*Object, error) {
	o := v.Obj()
	if o == nil {
		return nil, th.raise(ExArgumentNull, "Value cannot be null. (Parameter '%s')", param)
	}
	return o, nil
}

func (th *Thread) charsString(chars []uint16) StackObject {
	return ObjValue(th.rt.Host.NewString(chars))
}

// indexOf returns the first index of sub in s, or -1.
func indexOf(s, sub []uint16) int {
	if len(sub) == 0 {
		return 0
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if slices.Equal(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

func isSpace(c uint16) bool { return unicode.IsSpace(rune(c)) }

func registerStringNatives(rt *Runtime) {
	const s = "System.String::"
	method := func(name string, fn func(th *Thread, self *Object, args []StackObject, ret *StackObject) error) {
		rt.RegisterNative(s+name, func(th *Thread, args []StackObject, ret *StackObject) error {
			self, err := th.thisObject(args)
			if err != nil {
				return err
			}
			return fn(th, self, args, ret)
		})
	}

	// Constructors return the new string; args[0] is the null receiver.
	rt.RegisterNative(s+".ctor(char[])", func(th *Thread, args []StackObject, ret *StackObject) error {
		var chars []uint16
		if arr := args[1].Obj(); arr != nil {
			chars = make([]uint16, len(arr.Elems))
			for i := range arr.Elems {
				chars[i] = uint16(arr.Elems[i].U32())
			}
		}
		*ret = th.charsString(chars)
		return nil
	})
	rt.RegisterNative(s+".ctor(char,int32)", func(th *Thread, args []StackObject, ret *StackObject) error {
		n := args[2].I32()
		if n < 0 {
			return th.raise(ExArgumentOutOfRange, "Count cannot be less than zero. (Parameter 'count')")
		}
		chars := make([]uint16, n)
		for i := range chars {
			chars[i] = uint16(args[1].U32())
		}
		*ret = th.charsString(chars)
		return nil
	})
	rt.RegisterNative(s+".ctor(char[],int32,int32)", func(th *Thread, args []StackObject, ret *StackObject) error {
		arr, err := th.stringArg(args[1], "value")
		if err != nil {
			return err
		}
		start, n := int(args[2].I32()), int(args[3].I32())
		if start < 0 || n < 0 || start+n > len(arr.Elems) {
			return th.raise(ExArgumentOutOfRange, "Index and length must refer to a location within the string.")
		}
		chars := make([]uint16, n)
		for i := range chars {
			chars[i] = uint16(arr.Elems[start+i].U32())
		}
		*ret = th.charsString(chars)
		return nil
	})

	method("get_Length", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		ret.SetI32(int32(len(self.Chars)))
		return nil
	})
	method("get_Chars", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		i := args[1].I32()
		if i < 0 || int(i) >= len(self.Chars) {
			return th.raise(ExIndexOutOfRange, "")
		}
		ret.SetI32(int32(self.Chars[i]))
		return nil
	})
	method("Equals(object)", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		o := args[1].Obj()
		ret.SetBool(o != nil && o.Class.IsString() && slices.Equal(self.Chars, o.Chars))
		return nil
	})
	method("Equals(string)", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		o := args[1].Obj()
		ret.SetBool(o != nil && slices.Equal(self.Chars, o.Chars))
		return nil
	})
	equal := func(th *Thread, args []StackObject, ret *StackObject) error {
		a, b := args[0].Obj(), args[1].Obj()
		ret.SetBool(a == b || a != nil && b != nil && slices.Equal(a.Chars, b.Chars))
		return nil
	}
	rt.RegisterNative(s+"Equals(string,string)", equal)
	rt.RegisterNative(s+"op_Equality", equal)
	rt.RegisterNative(s+"op_Inequality", func(th *Thread, args []StackObject, ret *StackObject) error {
		if err := equal(th, args, ret); err != nil {
			return err
		}
		ret.SetBool(!ret.Bool())
		return nil
	})
	method("GetHashCode", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		ret.SetI32(stringHash(self.Chars))
		return nil
	})
	method("ToString", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		ret.SetObj(self)
		return nil
	})
	method("CompareTo", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		o := args[1].Obj()
		if o == nil {
			ret.SetI32(1)
			return nil
		}
		ret.SetI32(int32(compareCulture(GoString(self), GoString(o))))
		return nil
	})
	rt.RegisterNative(s+"CompareOrdinal", func(th *Thread, args []StackObject, ret *StackObject) error {
		a, b := args[0].Obj(), args[1].Obj()
		switch {
		case a == b:
			ret.SetI32(0)
		case a == nil:
			ret.SetI32(-1)
		case b == nil:
			ret.SetI32(1)
		default:
			ret.SetI32(int32(compareOrdinal(a.Chars, b.Chars)))
		}
		return nil
	})
	rt.RegisterNative(s+"Concat", func(th *Thread, args []StackObject, ret *StackObject) error {
		parts := args
		if len(args) == 1 {
			if arr := args[0].Obj(); arr != nil && arr.Class.IsSZArray() && arr.Class.Element.IsReference() {
				parts = arr.Elems
			}
		}
		var chars []uint16
		for _, p := range parts {
			o := p.Obj()
			if o != nil && o.Class.IsString() {
				chars = append(chars, o.Chars...)
				continue
			}
			str, err := th.objectString(o)
			if err != nil {
				return err
			}
			chars = append(chars, stringChars(str)...)
		}
		*ret = th.charsString(chars)
		return nil
	})
	rt.RegisterNative(s+"Format", func(th *Thread, args []StackObject, ret *StackObject) error {
		if args[0].IsNull() {
			return th.raise(ExArgumentNull, "Value cannot be null. (Parameter 'format')")
		}
		str, err := th.formatArgs(args[0].Obj(), args[1:])
		if err != nil {
			return err
		}
		*ret = th.newString(str)
		return nil
	})
	rt.RegisterNative(s+"Join", func(th *Thread, args []StackObject, ret *StackObject) error {
		arr, err := th.stringArg(args[1], "value")
		if err != nil {
			return err
		}
		sep := args[0].Obj()
		var chars []uint16
		for i := range arr.Elems {
			if i > 0 && sep != nil {
				chars = append(chars, sep.Chars...)
			}
			if o := arr.Elems[i].Obj(); o != nil {
				chars = append(chars, o.Chars...)
			}
		}
		*ret = th.charsString(chars)
		return nil
	})
	rt.RegisterNative(s+"IsNullOrEmpty", func(th *Thread, args []StackObject, ret *StackObject) error {
		o := args[0].Obj()
		ret.SetBool(o == nil || len(o.Chars) == 0)
		return nil
	})
	method("Substring(int32)", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		start := int(args[1].I32())
		if start < 0 || start > len(self.Chars) {
			return th.raise(ExArgumentOutOfRange, "startIndex cannot be larger than length of string. (Parameter 'startIndex')")
		}
		*ret = th.charsString(slices.Clone(self.Chars[start:]))
		return nil
	})
	method("Substring(int32,int32)", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		start, n := int(args[1].I32()), int(args[2].I32())
		if start < 0 || n < 0 || start+n > len(self.Chars) {
			return th.raise(ExArgumentOutOfRange, "Index and length must refer to a location within the string. (Parameter 'length')")
		}
		*ret = th.charsString(slices.Clone(self.Chars[start : start+n]))
		return nil
	})
	method("IndexOf(char)", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		ret.SetI32(int32(slices.Index(self.Chars, uint16(args[1].U32()))))
		return nil
	})
	method("IndexOf(string)", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		sub, err := th.stringArg(args[1], "value")
		if err != nil {
			return err
		}
		ret.SetI32(int32(indexOf(self.Chars, sub.Chars)))
		return nil
	})
	method("Contains", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		sub, err := th.stringArg(args[1], "value")
		if err != nil {
			return err
		}
		ret.SetBool(indexOf(self.Chars, sub.Chars) >= 0)
		return nil
	})
	method("StartsWith", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		p, err := th.stringArg(args[1], "value")
		if err != nil {
			return err
		}
		ret.SetBool(len(p.Chars) <= len(self.Chars) && slices.Equal(self.Chars[:len(p.Chars)], p.Chars))
		return nil
	})
	method("EndsWith", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		p, err := th.stringArg(args[1], "value")
		if err != nil {
			return err
		}
		n := len(self.Chars) - len(p.Chars)
		ret.SetBool(n >= 0 && slices.Equal(self.Chars[n:], p.Chars))
		return nil
	})
	method("Replace", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		old, err := th.stringArg(args[1], "oldValue")
		if err != nil {
			return err
		}
		if len(old.Chars) == 0 {
			return th.raise(ExArgument, "String cannot be of zero length. (Parameter 'oldValue')")
		}
		var repl []uint16
		if o := args[2].Obj(); o != nil {
			repl = o.Chars
		}
		var out []uint16
		rest := self.Chars
		for {
			i := indexOf(rest, old.Chars)
			if i < 0 {
				break
			}
			out = append(out, rest[:i]...)
			out = append(out, repl...)
			rest = rest[i+len(old.Chars):]
		}
		*ret = th.charsString(append(out, rest...))
		return nil
	})
	method("Trim", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		c := self.Chars
		for len(c) > 0 && isSpace(c[0]) {
			c = c[1:]
		}
		for len(c) > 0 && isSpace(c[len(c)-1]) {
			c = c[:len(c)-1]
		}
		*ret = th.charsString(slices.Clone(c))
		return nil
	})
	method("ToUpper", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		*ret = th.newString(caseString(&upperPool, GoString(self)))
		return nil
	})
	method("ToLower", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		*ret = th.newString(caseString(&lowerPool, GoString(self)))
		return nil
	})
	method("ToCharArray", func(th *Thread, self *Object, args []StackObject, ret *StackObject) error {
		char := th.rt.corlib.Primitive(metadata.ElementChar)
		arr := th.rt.newArray(th.rt.ArrayClass(char, 1, true), []int32{int32(len(self.Chars))}, nil)
		for i, c := range self.Chars {
			arr.Elems[i].SetI32(int32(c))
		}
		ret.SetObj(arr)
		return nil
	})
}
