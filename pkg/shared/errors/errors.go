// Package errors provides the operation-error wrapping convention used
// throughout the kernel: every failure names the action that failed,
// the component it failed in, and (optionally) the resource and the
// underlying cause.
package errors

import "fmt"

// OperationError describes a failed operation with enough context to
// build an actionable log line without string-parsing the message.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("failed to %s", e.Operation)
	if e.Component != "" {
		msg += fmt.Sprintf(", component: %s", e.Component)
	}
	if e.Resource != "" {
		msg += fmt.Sprintf(", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(", cause: %s", e.Cause.Error())
	}
	return msg
}

// Unwrap lets errors.Is/errors.As see through to Cause.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds the plain "failed to <action>: <cause>" error used at
// call sites that don't need component/resource context.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds the full four-field case.
func FailedToWithDetails(action, component, resource string, cause error) error {
	return &OperationError{
		Operation: action,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}
