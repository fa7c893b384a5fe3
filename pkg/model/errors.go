package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a document is not found
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned when trying to create a document that already exists
	ErrExists = errors.New("document already exists")
	// ErrPreconditionFailed is returned when a write precondition does not hold
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrPermissionDenied is returned when the server refuses a query or write
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidQuery is returned when a query is malformed
	ErrInvalidQuery = errors.New("invalid query")
	// ErrCanceled is returned when the operation is canceled by the client
	ErrCanceled = errors.New("operation canceled")
	// ErrInvariantViolation marks a programming error inside the engine.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrUserChanged fails waiters that were bound to the previous user.
	ErrUserChanged = errors.New("user changed")
)

// Code is the stable error classification shared with the server.
type Code int

const (
	CodeOK Code = iota
	CodeCanceled
	CodeUnknown
	CodeInvalidArgument
	CodeDeadlineExceeded
	CodeNotFound
	CodeAlreadyExists
	CodePermissionDenied
	CodeResourceExhausted
	CodeFailedPrecondition
	CodeAborted
	CodeOutOfRange
	CodeUnimplemented
	CodeInternal
	CodeUnavailable
	CodeDataLoss
	CodeUnauthenticated
)

var codeNames = map[Code]string{
	CodeOK:                 "ok",
	CodeCanceled:           "canceled",
	CodeUnknown:            "unknown",
	CodeInvalidArgument:    "invalid-argument",
	CodeDeadlineExceeded:   "deadline-exceeded",
	CodeNotFound:           "not-found",
	CodeAlreadyExists:      "already-exists",
	CodePermissionDenied:   "permission-denied",
	CodeResourceExhausted:  "resource-exhausted",
	CodeFailedPrecondition: "failed-precondition",
	CodeAborted:            "aborted",
	CodeOutOfRange:         "out-of-range",
	CodeUnimplemented:      "unimplemented",
	CodeInternal:           "internal",
	CodeUnavailable:        "unavailable",
	CodeDataLoss:           "data-loss",
	CodeUnauthenticated:    "unauthenticated",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseCode maps a wire name back to a Code. Unknown names map to CodeUnknown.
func ParseCode(name string) Code {
	for code, n := range codeNames {
		if n == name {
			return code
		}
	}
	return CodeUnknown
}

// Error is an error carrying a stable Code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match the sentinel that corresponds to the code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrExists:
		return e.Code == CodeAlreadyExists
	case ErrPreconditionFailed:
		return e.Code == CodeFailedPrecondition
	case ErrPermissionDenied:
		return e.Code == CodePermissionDenied
	case ErrInvalidQuery:
		return e.Code == CodeInvalidArgument
	case ErrCanceled:
		return e.Code == CodeCanceled
	}
	return false
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of err. Plain errors are CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if IsCanceled(err) {
		return CodeCanceled
	}
	return CodeUnknown
}

// IsPermanentError reports whether retrying an RPC that failed with code can
// never succeed.
func IsPermanentError(code Code) bool {
	switch code {
	case CodeOK:
		Fail("treated status OK as error")
		return false
	case CodeCanceled, CodeUnknown, CodeDeadlineExceeded, CodeResourceExhausted,
		CodeInternal, CodeUnavailable, CodeUnauthenticated:
		return false
	case CodeInvalidArgument, CodeNotFound, CodeAlreadyExists, CodePermissionDenied,
		CodeFailedPrecondition, CodeAborted, CodeOutOfRange, CodeUnimplemented, CodeDataLoss:
		return true
	default:
		return false
	}
}

// IsPermanentWriteError is IsPermanentError except that ABORTED is retried:
// for writes it signals contention, not a bad request.
func IsPermanentWriteError(code Code) bool {
	return IsPermanentError(code) && code != CodeAborted
}

// InvariantError is the panic value raised by Fail.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Message
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// Fail aborts the current operation with an invariant violation.
func Fail(format string, args ...interface{}) {
	panic(&InvariantError{Message: fmt.Sprintf(format, args...)})
}

// HardAssert calls Fail when cond is false.
func HardAssert(cond bool, format string, args ...interface{}) {
	if !cond {
		Fail(format, args...)
	}
}

// WrapError wraps storage errors to model errors.
// It converts context.Canceled and context.DeadlineExceeded to ErrCanceled.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or deadline exceeded.
// It checks both direct context errors and wrapped errors (e.g., from the MongoDB driver).
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCanceled) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded")
}
