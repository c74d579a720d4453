package model

import (
	"errors"
	"fmt"
)

// [ERROR_TAXONOMY]
// Sentinel kinds. Callers classify failures with errors.Is and transports
// map each kind to a status code.
var (
	ErrValidation        = errors.New("validation")
	ErrNotFound          = errors.New("not_found")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrPrecondition      = errors.New("precondition_failed")
	ErrCapacity          = errors.New("capacity")
	ErrBusy              = errors.New("busy")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("unavailable")
)

// Error attaches a human readable message to one of the sentinel kinds.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Kind.Error() + ": " + e.Msg }
func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

func NotFoundf(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

func InvalidTransitionf(format string, args ...any) error {
	return newError(ErrInvalidTransition, format, args...)
}

func Preconditionf(format string, args ...any) error {
	return newError(ErrPrecondition, format, args...)
}

func Capacityf(format string, args ...any) error {
	return newError(ErrCapacity, format, args...)
}

func Busyf(format string, args ...any) error {
	return newError(ErrBusy, format, args...)
}

func Conflictf(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

func Unavailablef(format string, args ...any) error {
	return newError(ErrUnavailable, format, args...)
}

// KindOf returns the sentinel kind of err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, k := range []error{
		ErrValidation, ErrNotFound, ErrInvalidTransition, ErrPrecondition,
		ErrCapacity, ErrBusy, ErrConflict, ErrUnavailable,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
