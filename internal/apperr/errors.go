// Package apperr defines the error taxonomy shared by every layer of the
// repository: query parsing, access control, storage, and replication.
package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes an Error.
type Code string

const (
	// CodeParse indicates a malformed query. Client-facing, never retried.
	CodeParse Code = "PARSE_ERROR"

	// CodePermission indicates the session lacks the required capability.
	CodePermission Code = "PERMISSION_DENIED"

	// CodeNotFound indicates missing content or an unknown identifier.
	CodeNotFound Code = "NOT_FOUND"

	// CodeTransient indicates a storage or network hiccup. Idempotent
	// operations may retry.
	CodeTransient Code = "TRANSIENT_IO"

	// CodeFatalConfig indicates a bad persisted configuration record. The
	// owning component is disabled; its siblings are unaffected.
	CodeFatalConfig Code = "FATAL_CONFIG"

	// CodeValidation indicates a rejected submission (size, identifier).
	CodeValidation Code = "VALIDATION_FAILED"
)

// Error carries a Code plus an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Code to an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the Code of the outermost *Error in err's chain, or "" if
// there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsParse returns true for malformed-query errors.
func IsParse(err error) bool { return Is(err, CodeParse) }

// IsPermission returns true for capability errors.
func IsPermission(err error) bool { return Is(err, CodePermission) }

// IsNotFound returns true for missing content errors.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsTransient returns true for retryable I/O errors.
func IsTransient(err error) bool { return Is(err, CodeTransient) }

// IsFatalConfig returns true for bad configuration records.
func IsFatalConfig(err error) bool { return Is(err, CodeFatalConfig) }

// Retryable reports whether an idempotent operation failing with err may be
// attempted again.
func Retryable(err error) bool {
	return IsTransient(err)
}
