package domain

import (
	"errors"
	"fmt"
)

// Kind is the wire-visible error code. Every error surfaced by the core
// maps to exactly one Kind.
type Kind string

const (
	KindSchedule       Kind = "schedule_error"
	KindTimeout        Kind = "execution_timeout"
	KindQueue          Kind = "queue_error"
	KindStorage        Kind = "storage_error"
	KindDatabase       Kind = "database_error"
	KindStep           Kind = "step_error"
	KindStepAuth       Kind = "step_auth_error"
	KindCircuitOpen    Kind = "circuit_open"
	KindValidation     Kind = "validation_error"
	KindIdempotency    Kind = "idempotency_conflict"
)

// Error attaches a Kind and a retryability bit to an underlying cause.
type Error struct {
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, retryable bool, err error) *Error {
	return &Error{Kind: kind, Retryable: retryable, Err: err}
}

func Errorf(kind Kind, retryable bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or KindStep when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStep
}

// IsRetryable reports whether the retry layer may re-attempt after err.
// Errors without a Kind default to retryable, matching the step_error row
// of the taxonomy (network failures arrive as plain wrapped errors).
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}
