// Unified error handling for the plotter host
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"time"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Link errors
	ErrNotConnected ErrorCode = "NOT_CONNECTED"
	ErrLinkLost     ErrorCode = "LINK_LOST"
	ErrTimeout      ErrorCode = "TIMEOUT"
	ErrMalformed    ErrorCode = "MALFORMED"
	ErrFirmware     ErrorCode = "FIRMWARE"
	ErrPortBusy     ErrorCode = "PORT_BUSY"
	ErrNotFound     ErrorCode = "NOT_FOUND"

	// Controller errors
	ErrInvalidState ErrorCode = "INVALID_STATE"
	ErrJobCancelled ErrorCode = "JOB_CANCELLED"
	ErrValidation   ErrorCode = "VALIDATION"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Op is the operation or command that failed (if applicable)
	Op string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Code, e.Op, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetOp sets the failing operation
func (e *HostError) SetOp(op string) *HostError {
	e.Op = op
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new HostError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *HostError {
	return New(code, fmt.Sprintf(format, args...))
}

// Link errors

// NotConnected reports an operation attempted without an open link
func NotConnected(op string) *HostError {
	return New(ErrNotConnected, "link is not open").SetOp(op)
}

// LinkLost reports a read or write failure on an open link
func LinkLost(op string, err error) *HostError {
	return Wrap(err, ErrLinkLost, "link lost").SetOp(op)
}

// Timeout reports a command that received no complete response in time
func Timeout(op string, after time.Duration) *HostError {
	return New(ErrTimeout, fmt.Sprintf("no response within %s", after)).
		SetOp(op).
		SetContext("timeout", after.String())
}

// Malformed reports a response that does not match the expected grammar
func Malformed(op, line, reason string) *HostError {
	return New(ErrMalformed, fmt.Sprintf("unexpected response %q: %s", line, reason)).
		SetOp(op).
		SetContext("response", line)
}

// Firmware reports an error line returned by the controller board
func Firmware(op, line string) *HostError {
	return New(ErrFirmware, fmt.Sprintf("firmware rejected command: %s", line)).
		SetOp(op).
		SetContext("response", line)
}

// Controller errors

// InvalidState reports an operation that is not allowed in the current state
func InvalidState(op, state string) *HostError {
	return New(ErrInvalidState, fmt.Sprintf("%s not allowed while %s", op, state)).
		SetOp(op).
		SetContext("state", state)
}

// Validation reports rejected input
func Validation(field, reason string) *HostError {
	return New(ErrValidation, fmt.Sprintf("%s: %s", field, reason)).
		SetContext("field", field)
}

// Cancelled reports a job stopped at a cancellation checkpoint
func Cancelled(jobID string) *HostError {
	return New(ErrJobCancelled, "job cancelled").
		SetContext("job_id", jobID)
}

// RecoverPanic safely recovers from panic and converts to error
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case runtime.Error:
		return New(ErrRuntime, x.Error())
	case error:
		return Wrap(x, ErrRuntime, "panic")
	case string:
		return New(ErrRuntime, fmt.Sprintf("panic: %s", x))
	default:
		return New(ErrRuntime, fmt.Sprintf("panic: %v", x))
	}
}

// CodeOf returns the code of the first HostError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code
	}
	return ""
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsLink checks if error means the link can no longer be trusted
func IsLink(err error) bool {
	return Is(err, ErrLinkLost) || Is(err, ErrNotConnected)
}

// IsProtocol checks if error leaves the link open but the device belief stale
func IsProtocol(err error) bool {
	return Is(err, ErrTimeout) || Is(err, ErrMalformed) || Is(err, ErrFirmware)
}
