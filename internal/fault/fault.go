// Package fault classifies errors so callers can tell bad input from broken
// business rules, flaky dependencies and programming mistakes.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindValidation Kind = "validation"
	KindBusiness   Kind = "business"
	KindNotFound   Kind = "not_found"
	KindExternal   Kind = "external"
	KindInvariant  Kind = "invariant"
)

// Classified is implemented by every domain error.
type Classified interface {
	error
	Kind() Kind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindUnknown
}

func Is(err error, k Kind) bool { return KindOf(err) == k }

// Error is a generic classified error for cases that don't need their own type.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Kind() Kind    { return e.kind }
func (e *Error) Unwrap() error { return e.err }

func Validation(format string, args ...any) error {
	return &Error{kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{kind: KindNotFound, msg: fmt.Sprintf(format, args...)}
}

func Invariant(format string, args ...any) error {
	return &Error{kind: KindInvariant, msg: fmt.Sprintf(format, args...)}
}

// External wraps a dependency failure (timeout, unreachable, 5xx).
func External(err error, format string, args ...any) error {
	return &Error{kind: KindExternal, msg: fmt.Sprintf(format, args...), err: err}
}
