// Package errdefs holds the error kinds shared by every engine package.
//
// Every failure surfaced by planning, allocation, layout or submission wraps
// exactly one of the sentinel kinds below, so callers branch with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrShapeMismatch     = errors.New("shape mismatch")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrInvalidRegion     = errors.New("invalid region")
	ErrSubmission        = errors.New("backend submission failure")
)

// Error is a failure of a specific kind raised by a named operation.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an *Error of the given kind.
func New(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: kind.Error(), Err: err}
}

func ShapeMismatch(op, format string, args ...any) error {
	return New(ErrShapeMismatch, op, format, args...)
}

func UnsupportedFormat(op, format string, args ...any) error {
	return New(ErrUnsupportedFormat, op, format, args...)
}

func CapacityExceeded(op, format string, args ...any) error {
	return New(ErrCapacityExceeded, op, format, args...)
}

func InvalidRegion(op, format string, args ...any) error {
	return New(ErrInvalidRegion, op, format, args...)
}

// KindOf reports which kind err carries, or nil.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrShapeMismatch,
		ErrUnsupportedFormat,
		ErrCapacityExceeded,
		ErrInvalidRegion,
		ErrSubmission,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
