// Package fault classifies errors crossing component boundaries so the API
// layer can map them to stable machine-readable kinds.
package fault

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories surfaced to callers.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindConflict        Kind = "conflict_error"
	KindNotFound        Kind = "not_found_error"
	KindIO              Kind = "io_error"
	KindBudgetExceeded  Kind = "budget_exceeded"
	KindExternalService Kind = "external_service_error"
	KindInternal        Kind = "internal_error"
)

// Error carries a kind alongside a human-readable message.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }
func (e *Error) Kind() Kind    { return e.kind }

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving the chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// KindOf returns the kind of the first classified error in the chain,
// or KindInternal when none is found.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Validation(format string, args ...any) error {
	return New(KindValidation, format, args...)
}

func Conflict(format string, args ...any) error {
	return New(KindConflict, format, args...)
}

func NotFound(format string, args ...any) error {
	return New(KindNotFound, format, args...)
}

func IO(format string, args ...any) error {
	return New(KindIO, format, args...)
}

// BudgetExceeded signals that a chunk reached its time or row budget.
// It is the expected checkpoint-and-continue signal, not a failure.
func BudgetExceeded(format string, args ...any) error {
	return New(KindBudgetExceeded, format, args...)
}

func ExternalService(format string, args ...any) error {
	return New(KindExternalService, format, args...)
}
