// Package coreerr defines the error taxonomy shared across the agent runtime
// core: typed, wrapped errors that support errors.Is/As, mirroring the
// chain-of-causes style of agent/toolerrors.ToolError.
package coreerr

import (
	"errors"
	"fmt"
)

// Code identifies one of the error categories surfaced across the system.
type Code string

const (
	// CodeInvalidInput marks missing or invalid caller-supplied parameters
	// (for example, a malformed orchestrate() request).
	CodeInvalidInput Code = "invalid_input"
	// CodeNotFound marks a missing profile, memory entry, or checkpoint.
	CodeNotFound Code = "not_found"
	// CodeAccessDenied marks an ownership mismatch (user_id scoping).
	CodeAccessDenied Code = "access_denied"
	// CodePolicyViolation marks an autonomy, depth, children cap, or
	// master-only write violation.
	CodePolicyViolation Code = "policy_violation"
	// CodeCapacityTimeout marks a Concurrency Guard acquire timeout.
	CodeCapacityTimeout Code = "capacity_timeout"
	// CodeBudgetExceeded marks iteration/tool-call budget or deadline
	// exhaustion.
	CodeBudgetExceeded Code = "budget_exceeded"
	// CodeCancelled marks cooperative cancellation via an external abort
	// signal.
	CodeCancelled Code = "cancelled"
	// CodeToolError marks a tool-execution failure; see erroranalyzer.ErrorType for
	// the finer-grained classification produced by the Error Analyzer.
	CodeToolError Code = "tool_error"
	// CodePersistence marks a storage-engine failure.
	CodePersistence Code = "persistence_error"
)

// Error is a structured, chainable error carrying a machine-readable Code.
// Implementations preserve message and causal context while still supporting
// errors.Is/As via Unwrap, matching toolerrors.ToolError.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf formats according to a format specifier and returns an Error of the
// given code.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause with the given code and message, preserving the chain for
// errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a *Error with the same Code, so callers can
// write errors.Is(err, coreerr.New(coreerr.CodeNotFound, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// CodeOf extracts the Code from err, walking the chain via errors.As.
// Returns ("", false) when err carries no coreerr.Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
