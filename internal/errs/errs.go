// Package errs defines the error kinds surfaced by property maps, mapped objects,
// storage backends and object factories.
//
// Every failure is an *Error carrying the operation and whatever context is
// known (class, primary key, property, expected and received values). Callers
// match kinds with errors.Is against the package sentinels:
//
//	if errors.Is(err, errs.ErrNotFound) { ... }
//
// File-based backends report a missing record with FileNotFound, which also
// matches fs.ErrNotExist; queryable backends use LookupNotFound. Both match
// ErrNotFound.
package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindType is a value whose type cannot be coerced to the declared type.
	KindType
	// KindValue is a value outside the allowed choices or bounds.
	KindValue
	KindReadOnly
	KindNotFound
	KindDuplicate
	KindUnsupported
	KindConfiguration
	KindDefunct
	KindStorage
	KindNoSuchProperty
)

func (k Kind) String() string {
	switch k {
	case KindType:
		return "type error"
	case KindValue:
		return "value error"
	case KindReadOnly:
		return "read-only"
	case KindNotFound:
		return "not found"
	case KindDuplicate:
		return "duplicate"
	case KindUnsupported:
		return "unsupported"
	case KindConfiguration:
		return "configuration error"
	case KindDefunct:
		return "defunct"
	case KindStorage:
		return "storage error"
	case KindNoSuchProperty:
		return "no such property"
	default:
		return "error"
	}
}

// Sentinels for errors.Is. ErrValidation matches both KindType and KindValue.
var (
	ErrValidation     = errors.New("validation error")
	ErrType           = errors.New("type error")
	ErrValue          = errors.New("value error")
	ErrReadOnly       = errors.New("read-only")
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("duplicate")
	ErrUnsupported    = errors.New("unsupported")
	ErrConfiguration  = errors.New("configuration error")
	ErrDefunct        = errors.New("defunct")
	ErrStorage        = errors.New("storage error")
	ErrNoSuchProperty = errors.New("no such property")

	// ErrFileNotFound and ErrLookupNotFound are the two not-found flavours.
	ErrFileNotFound   = errors.New("file not found")
	ErrLookupNotFound = errors.New("record not found")
)

// Error is the error type returned across the module.
type Error struct {
	Kind     Kind
	Op       string
	Class    string
	PK       string
	Prop     string
	Expected string
	Got      string
	Choices  []string
	Msg      string
	Err      error

	flavour error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Prop != "" {
		fmt.Fprintf(&b, " prop=%q", e.Prop)
	}
	if e.Expected != "" {
		fmt.Fprintf(&b, " expected=%s", e.Expected)
	}
	if e.Got != "" {
		fmt.Fprintf(&b, " got=%s", e.Got)
	}
	if len(e.Choices) > 0 {
		fmt.Fprintf(&b, " choices=[%s]", strings.Join(e.Choices, ", "))
	}
	if e.Class != "" {
		fmt.Fprintf(&b, " class=%s", e.Class)
	}
	if e.PK != "" {
		fmt.Fprintf(&b, " pk=%s", e.PK)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the kind sentinel, the not-found flavour and the cause.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 4)
	switch e.Kind {
	case KindType:
		out = append(out, ErrValidation, ErrType)
	case KindValue:
		out = append(out, ErrValidation, ErrValue)
	case KindReadOnly:
		out = append(out, ErrReadOnly)
	case KindNotFound:
		out = append(out, ErrNotFound)
	case KindDuplicate:
		out = append(out, ErrDuplicate)
	case KindUnsupported:
		out = append(out, ErrUnsupported)
	case KindConfiguration:
		out = append(out, ErrConfiguration)
	case KindDefunct:
		out = append(out, ErrDefunct)
	case KindStorage:
		out = append(out, ErrStorage)
	case KindNoSuchProperty:
		out = append(out, ErrNoSuchProperty)
	}
	if e.flavour != nil {
		out = append(out, e.flavour)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// New builds an Error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FileNotFound reports a missing record in a file-based backend. The error
// matches ErrNotFound, ErrFileNotFound and fs.ErrNotExist.
func FileNotFound(op, pk string, cause error) *Error {
	if cause == nil {
		cause = fs.ErrNotExist
	}
	return &Error{Kind: KindNotFound, Op: op, PK: pk, Msg: "no data file", Err: cause, flavour: ErrFileNotFound}
}

// LookupNotFound reports a missing record in a queryable backend.
func LookupNotFound(op, pk string) *Error {
	return &Error{Kind: KindNotFound, Op: op, PK: pk, Msg: "no such record", flavour: ErrLookupNotFound}
}

// Storage wraps a backend I/O failure.
func Storage(op, storageID string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Msg: fmt.Sprintf("storage %q", storageID), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// WithContext fills in class and primary key on err when it is an *Error
// that does not carry them yet. Other errors are returned unchanged.
func WithContext(err error, class, pk string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	if e.Class == "" {
		e.Class = class
	}
	if e.PK == "" {
		e.PK = pk
	}
	return err
}
