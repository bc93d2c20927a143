package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies ledger failures so adapters can map them without parsing messages.
type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindInvalidArgument    Kind = "invalid_argument"
	KindConflict           Kind = "conflict"
	KindBusy               Kind = "busy"
	KindInvalidState       Kind = "invalid_state"
	KindAuthenticity       Kind = "authenticity"
	KindStorage            Kind = "storage"
	KindInvariantViolation Kind = "invariant_violation"
)

// Error is a typed ledger failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so the Err* values below work as
// sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrBusy               = &Error{Kind: KindBusy}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrAuthenticity       = &Error{Kind: KindAuthenticity}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error { return newError(KindNotFound, format, args...) }

func Forbidden(format string, args ...any) error { return newError(KindForbidden, format, args...) }

func InvalidArgument(format string, args ...any) error {
	return newError(KindInvalidArgument, format, args...)
}

func Conflict(format string, args ...any) error { return newError(KindConflict, format, args...) }

func InvalidState(format string, args ...any) error {
	return newError(KindInvalidState, format, args...)
}

func Authenticity(format string, args ...any) error {
	return newError(KindAuthenticity, format, args...)
}

func InvariantViolation(format string, args ...any) error {
	return newError(KindInvariantViolation, format, args...)
}

// Storage wraps a backing store failure.
func Storage(cause error, format string, args ...any) error {
	e := newError(KindStorage, format, args...)
	e.Cause = cause
	return e
}

// KindOf reports the kind of err, or KindUnknown when it is not a ledger error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a caller may retry with fresh state.
func IsRetryable(err error) bool {
	kind := KindOf(err)
	return kind == KindConflict || kind == KindBusy
}
