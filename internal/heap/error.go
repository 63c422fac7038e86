package heap

import (
	"errors"
	"fmt"
)

// Code identifies the class of a heap error.
type Code int

// Stable error codes - do not change values.
const (
	CodeInvalidHandle     Code = 2001 // HEAP2001: null, unknown or out-of-range handle
	CodeTypeMismatch      Code = 2002 // HEAP2002: operation does not fit the object's type
	CodeNoSuchField       Code = 2003 // HEAP2003: unknown field name or offset
	CodeOutOfBounds       Code = 2004 // HEAP2004: array index out of bounds
	CodeInvalidMutability Code = 2005 // HEAP2005: mutation attempt of a frozen object
	CodeAlreadyFrozen     Code = 2006 // HEAP2006: pin request for a frozen object
	CodeWorldReleased     Code = 2007 // HEAP2007: world token used after Resume
	CodeStructuralHazard  Code = 2008 // HEAP2008: topology changed under an exclusive walk
	CodeReentrantFreeze   Code = 2009 // HEAP2009: freeze started from inside a freeze
	CodeDuplicateType     Code = 2010 // HEAP2010: type name registered twice
	CodeBadImage          Code = 2011 // HEAP2011: malformed heap image
)

// String returns the code as "HEAP2001" format.
func (c Code) String() string {
	return fmt.Sprintf("HEAP%d", c)
}

// Error is the error type returned (or panicked with) by the heap.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("heap %s: %s", e.Code, e.Message)
}

// HasCode reports whether err is, or wraps, a heap error with the given code.
func HasCode(err error, code Code) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// fatal panics with a heap error. Used for violations of the runtime's own
// contracts (bad handles, broken exclusion) where continuing would corrupt
// the frozen-state invariant.
func fatal(code Code, format string, args ...any) {
	panic(newError(code, format, args...))
}
