// Package kernelerr implements the closed error-kind taxonomy every
// boundary of the kernel surfaces: a stable Kind tag plus a
// human-readable reason, with the wrapped cause preserved for
// errors.Is/errors.As.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind is a closed enum of terminal error kinds. New variants force a
// rebuild and explicit switch arms at every call site that branches on
// kind.
type Kind string

const (
	NotFound         Kind = "NotFound"
	InvalidInput     Kind = "InvalidInput"
	Conflict         Kind = "Conflict"
	PermissionDenied Kind = "PermissionDenied"
	GateFailed       Kind = "GateFailed"
	StaleDraft       Kind = "StaleDraft"
	DryRunFailed     Kind = "DryRunFailed"
	DeadlineExceeded Kind = "DeadlineExceeded"
	Cancelled        Kind = "Cancelled"
	Internal         Kind = "Internal"
)

// Error is the concrete terminal error type. Every public kernel
// operation returns either nil or a *Error (possibly wrapping a cause).
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, kernelerr.New(Kind, "")) match on Kind alone,
// regardless of Reason/Cause — callers compare kinds, not messages.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds a bare error of the given kind and reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf builds a bare error with a formatted reason.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind that preserves cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Wrapf builds a wrapped error with a formatted reason.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal for errors
// the kernel did not itself produce (e.g. an unwrapped storage driver
// error that slipped through).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// InvalidState builds the standard state-machine violation message:
// InvalidInput naming the expected source state.
func InvalidState(operation string, got, want string) *Error {
	return Newf(InvalidInput, "%s: expected state %q, got %q", operation, want, got)
}
