// Package errors provides structured error handling for tapstripe.
//
// Every failure surfaced by the extraction core carries an ErrorType so
// callers can decide between retrying a page, aborting a single resource or
// aborting the whole run before any I/O happens.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeUnknownResource is a catalog miss
	ErrorTypeUnknownResource ErrorType = "unknown_resource"
	// ErrorTypeConfig represents configuration errors (bad window size, missing entity, ...)
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeInvalidMode represents an unknown replication mode
	ErrorTypeInvalidMode ErrorType = "invalid_replication_mode"
	// ErrorTypeRetryableFetch represents transient provider or transport failures
	ErrorTypeRetryableFetch ErrorType = "retryable_fetch"
	// ErrorTypeFatalFetch represents permanent provider failures (bad filter, auth rejection)
	ErrorTypeFatalFetch ErrorType = "fatal_fetch"
	// ErrorTypeEmit represents failures handing records to the output boundary
	ErrorTypeEmit ErrorType = "emit"
	// ErrorTypeState represents watermark store failures
	ErrorTypeState ErrorType = "state"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail value, searching wrapped errors as well.
func Detail(err error, key string) (interface{}, bool) {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return nil, false
		}
		if v, ok := e.Details[key]; ok {
			return v, true
		}
		err = e.Cause
	}
	return nil, false
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the outermost structured error is a retryable fetch.
// A retryable error wrapped into a fatal one is not retryable.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == ErrorTypeRetryableFetch
}

// IsType checks if the outermost structured error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// HasType reports whether any structured error in the chain has the given type.
func HasType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsUnknownResource reports a catalog miss anywhere in the chain.
func IsUnknownResource(err error) bool { return HasType(err, ErrorTypeUnknownResource) }

// IsConfig reports a configuration error anywhere in the chain.
func IsConfig(err error) bool { return HasType(err, ErrorTypeConfig) }

// IsInvalidMode reports an invalid replication mode anywhere in the chain.
func IsInvalidMode(err error) bool { return HasType(err, ErrorTypeInvalidMode) }

// IsFatalFetch reports a fatal fetch error anywhere in the chain.
func IsFatalFetch(err error) bool { return HasType(err, ErrorTypeFatalFetch) }

// Is, As and Join re-export the standard helpers so callers need one import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
