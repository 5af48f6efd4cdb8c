// File: api/errors.go
// Package api defines the public vocabulary of kbase-go.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error taxonomy for the submission layer. Kernel control-call failures keep
// the underlying errno reachable through errors.Unwrap; resource exhaustion
// and timeouts are distinct conditions that callers are expected to retry
// (after waiting) or escalate.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrClosed            = fmt.Errorf("device is closed")
	ErrResourceExhausted = fmt.Errorf("resource exhausted")
	ErrOperationTimeout  = fmt.Errorf("operation timeout")
	ErrQueueFaulted      = fmt.Errorf("queue group faulted")
	ErrNotSupported      = fmt.Errorf("operation not supported")
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
	ErrNotFound          = fmt.Errorf("resource not found")
)

// ErrorCode classifies error conditions out-of-band of the error chain.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	// ErrCodeExhausted: atom-identifier pool empty or handle table full.
	// Recoverable by waiting for completions and retrying.
	ErrCodeExhausted
	// ErrCodeKernel: a kernel control call reported an OS-level error.
	ErrCodeKernel
	// ErrCodeFault: a completion notification reported a fatal job, queue or
	// queue-group error. Recovery requires an explicit context recreate.
	ErrCodeFault
	// ErrCodeTimeout: a deadline elapsed; shared state is unchanged.
	ErrCodeTimeout
	ErrCodeInvalidArgument
	ErrCodeNotSupported
	ErrCodeInternal
)

// Error is a structured error carrying a code and an optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

// Unwrap exposes the underlying cause, typically a unix.Errno.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError attaches a cause to a new structured error.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the ErrorCode from err, walking the wrap chain, or
// ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
