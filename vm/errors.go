package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/hybrid/metadata"
)

// Sentinel errors. Typed errors below wrap one of these so callers can test
// with errors.Is without caring about the detail.
var (
	ErrBadImage       = errors.New("bad image")
	ErrUnsupported    = errors.New("not supported")
	ErrStackOverflow  = errors.New("interpreter stack overflow")
	ErrNoEntryPoint   = errors.New("image has no entry point")
	ErrNativeNotFound = errors.New("native method not registered")
	ErrWrongImage     = errors.New("encoded index belongs to another image")
	ErrNotFound       = errors.New("not found")
)

// ---------------------------------------------------------------------------
// BadImageError
// ---------------------------------------------------------------------------

// BadImageError reports metadata that violates an invariant the loader
// depends on. It is fatal to the operation that produced it.
type BadImageError struct {
	Image  string
	Token  metadata.Token
	Detail string
}

func (e *BadImageError) Error() string {
	if e.Token != 0 {
		return fmt.Sprintf("bad image %s: %s: %s", e.Image, e.Token, e.Detail)
	}
	return fmt.Sprintf("bad image %s: %s", e.Image, e.Detail)
}

func (e *BadImageError) Unwrap() error { return ErrBadImage }

func badImage(img *Image, tok metadata.Token, format string, args ...any) *BadImageError {
	name := "<unknown>"
	if img != nil {
		name = img.Name
	}
	return &BadImageError{Image: name, Token: tok, Detail: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// UnsupportedError
// ---------------------------------------------------------------------------

// UnsupportedError reports a recognized metadata shape or instruction that
// the interpreter deliberately does not implement.
type UnsupportedError struct {
	Feature string
	Where   string
}

func (e *UnsupportedError) Error() string {
	if e.Where == "" {
		return "not supported: " + e.Feature
	}
	return fmt.Sprintf("not supported: %s (in %s)", e.Feature, e.Where)
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupported }

func unsupported(where, format string, args ...any) *UnsupportedError {
	return &UnsupportedError{Feature: fmt.Sprintf(format, args...), Where: where}
}

// ---------------------------------------------------------------------------
// ResolveError
// ---------------------------------------------------------------------------

// ResolveError reports a reference to a type, method or field that no
// loaded image defines. When it surfaces during execution the interpreter
// raises it as the managed exception named by Kind.
type ResolveError struct {
	Kind  ExceptionKind
	Image string
	Token metadata.Token
	Name  string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s: %s: cannot resolve %s (%s)", e.Image, e.Token, e.Name, e.Kind)
}

func (e *ResolveError) Unwrap() error { return ErrNotFound }

func notFound(img *Image, kind ExceptionKind, tok metadata.Token, format string, args ...any) *ResolveError {
	return &ResolveError{Kind: kind, Image: img.Name, Token: tok, Name: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Managed exceptions
// ---------------------------------------------------------------------------

// ExceptionKind names the runtime exceptions the engine itself raises.
type ExceptionKind int

const (
	ExNullReference ExceptionKind = iota
	ExIndexOutOfRange
	ExArrayTypeMismatch
	ExInvalidCast
	ExOverflow
	ExDivideByZero
	ExArithmetic
	ExTypeLoad
	ExMissingMethod
	ExMissingField
	ExInvalidOperation
	ExArgument
	ExArgumentNull
	ExArgumentOutOfRange
	ExNotSupported
	ExNotImplemented
	ExInvalidProgram
	ExExecutionEngine
	ExTypeInitialization
	ExFormat
	exceptionKindCount
)

var exceptionClassNames = [exceptionKindCount]string{
	ExNullReference:      "NullReferenceException",
	ExIndexOutOfRange:    "IndexOutOfRangeException",
	ExArrayTypeMismatch:  "ArrayTypeMismatchException",
	ExInvalidCast:        "InvalidCastException",
	ExOverflow:           "OverflowException",
	ExDivideByZero:       "DivideByZeroException",
	ExArithmetic:         "ArithmeticException",
	ExTypeLoad:           "TypeLoadException",
	ExMissingMethod:      "MissingMethodException",
	ExMissingField:       "MissingFieldException",
	ExInvalidOperation:   "InvalidOperationException",
	ExArgument:           "ArgumentException",
	ExArgumentNull:       "ArgumentNullException",
	ExArgumentOutOfRange: "ArgumentOutOfRangeException",
	ExNotSupported:       "NotSupportedException",
	ExNotImplemented:     "NotImplementedException",
	ExInvalidProgram:     "InvalidProgramException",
	ExExecutionEngine:    "ExecutionEngineException",
	ExTypeInitialization: "TypeInitializationException",
	ExFormat:             "FormatException",
}

// ClassName returns the simple name of the System exception class for k.
func (k ExceptionKind) ClassName() string {
	if k < 0 || k >= exceptionKindCount {
		return "Exception"
	}
	return exceptionClassNames[k]
}

func (k ExceptionKind) String() string { return k.ClassName() }

// ManagedException carries a managed exception object across a Go call
// boundary: out of Runtime.Invoke, or out of a native method back into the
// interpreter, which rethrows it at the call site.
type ManagedException struct {
	Object *Object
}

func (e *ManagedException) Error() string {
	if e.Object == nil || e.Object.Class == nil {
		return "managed exception"
	}
	msg := ExceptionMessage(e.Object)
	if msg == "" {
		return e.Object.Class.FullName()
	}
	return e.Object.Class.FullName() + ": " + msg
}

// AsManagedException extracts a managed exception from err.
func AsManagedException(err error) (*ManagedException, bool) {
	var me *ManagedException
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}
