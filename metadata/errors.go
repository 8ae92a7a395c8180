package metadata

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpectedEOF      = errors.New("unexpected end of data")
	ErrBadCompressedInt   = errors.New("invalid compressed integer")
	ErrBadCodedIndex      = errors.New("invalid coded index")
	ErrInvalidStringIndex = errors.New("invalid string heap index")
	ErrInvalidBlobIndex   = errors.New("invalid blob heap index")
	ErrInvalidRow         = errors.New("row index out of range")
	ErrBadMethodBody      = errors.New("malformed method body")
	ErrUnmappedRVA        = errors.New("rva is not inside any section")
)

// LoadErrorKind classifies why an image could not be loaded.
type LoadErrorKind int

const (
	MalformedHeader LoadErrorKind = iota + 1
	MissingStream
	TableCountMismatch
	Truncated
)

func (k LoadErrorKind) String() string {
	switch k {
	case MalformedHeader:
		return "malformed header"
	case MissingStream:
		return "missing stream"
	case TableCountMismatch:
		return "table count mismatch"
	case Truncated:
		return "truncated image"
	}
	return fmt.Sprintf("LoadErrorKind(%d)", int(k))
}

// LoadError is returned by Load when an image is unusable. It is reported
// once; a failed image is never retried.
type LoadError struct {
	Kind   LoadErrorKind
	Detail string
	Err    error
}

func (e *LoadError) Error() string {
	msg := "metadata: " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func loadErr(kind LoadErrorKind, format string, args ...any) *LoadError {
	return &LoadError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsLoadError reports whether err is a LoadError of the given kind.
func IsLoadError(err error, kind LoadErrorKind) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Kind == kind
}
