// Package core provides the shared error taxonomy, logging and telemetry
// abstractions used by every other package in this module.
package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a FrameworkError into one of the abstract kinds
// named by the error handling design. Implementers map these onto
// whatever error facility their language offers; in Go they travel as the
// Kind field of a FrameworkError and are checked with errors.Is against
// the sentinels below.
type ErrorKind string

const (
	KindAuthError          ErrorKind = "AUTH_ERROR"
	KindAuthentication     ErrorKind = "AUTHENTICATION"
	KindAuthorization      ErrorKind = "AUTHORIZATION"
	KindConnectionError    ErrorKind = "CONNECTION_ERROR"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindRateLimitExceeded  ErrorKind = "RATE_LIMIT_EXCEEDED"
	KindRegistry           ErrorKind = "REGISTRY"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindAlreadyExists      ErrorKind = "ALREADY_EXISTS"
	KindWorkerError        ErrorKind = "WORKER_ERROR"
	KindProtocolError      ErrorKind = "PROTOCOL_ERROR"
	KindValidation         ErrorKind = "VALIDATION"
)

// FrameworkError is the concrete error type raised across this module.
// Op names the operation that failed, Kind is the abstract taxonomy
// entry, ID optionally names the affected resource, and Err wraps the
// underlying cause when there is one.
type FrameworkError struct {
	Op      string
	Kind    ErrorKind
	ID      string
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ID != "" {
		return fmt.Sprintf("%s: %s [%s] %s", e.Op, e.Kind, e.ID, msg)
	}
	return fmt.Sprintf("%s: %s %s", e.Op, e.Kind, msg)
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// NewFrameworkError builds a FrameworkError for op/kind, optionally
// wrapping cause.
func NewFrameworkError(op string, kind ErrorKind, id, message string, cause error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, ID: id, Message: message, Err: cause}
}

// Sentinel errors for common, identity-comparable cases. Wrap these with
// fmt.Errorf("...: %w", ErrNotFound) or attach them as a FrameworkError.Err
// so callers can use errors.Is regardless of how the error was built.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrTimeout             = errors.New("timeout")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
	ErrConnectionError     = errors.New("connection error")
	ErrValidation          = errors.New("validation error")
	ErrProtocolError       = errors.New("protocol error")
	ErrAuthenticationError = errors.New("authentication error")
	ErrWorkerError         = errors.New("worker error")
)

// Kind extracts the ErrorKind from err if it is, or wraps, a
// FrameworkError; otherwise it returns "".
func Kind(err error) ErrorKind {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable reports whether err represents a transient condition worth
// retrying: connection errors, timeouts and worker errors, but not
// validation or not-found errors.
func IsRetryable(err error) bool {
	switch Kind(err) {
	case KindConnectionError, KindTimeout, KindWorkerError:
		return true
	}
	return errors.Is(err, ErrConnectionError) || errors.Is(err, ErrTimeout)
}

// IsNotFound reports whether err represents a missing-resource condition.
func IsNotFound(err error) bool {
	return Kind(err) == KindNotFound || errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err represents a uniqueness violation.
func IsAlreadyExists(err error) bool {
	return Kind(err) == KindAlreadyExists || errors.Is(err, ErrAlreadyExists)
}

// IsValidation reports whether err represents a caller argument error.
func IsValidation(err error) bool {
	return Kind(err) == KindValidation || errors.Is(err, ErrValidation)
}
