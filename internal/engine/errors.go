package engine

import (
	"errors"
	"fmt"
)

// Kind classifies admin operation failures.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindNotConnected
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindNotConnected:
		return "not connected"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Error is returned by every admin operation.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrValidation)
// works regardless of the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrNotConnected = &Error{Kind: KindNotConnected}
	ErrInternal     = &Error{Kind: KindInternal}
)

func validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func internal(err error) error {
	return &Error{Kind: KindInternal, Msg: err.Error()}
}

// KindOf extracts the kind of err; errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
