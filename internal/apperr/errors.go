// Package apperr defines the typed error taxonomy shared by every service in
// the orchestration core. Services return these directly; callers use
// errors.As to recover the kind instead of string-matching messages.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError signals malformed input: a bad path, a bad id, a bad body.
type ValidationError struct {
	Message string
	Details any
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidation constructs a ValidationError.
func NewValidation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError signals an absent entity.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// NewNotFound constructs a NotFoundError.
func NewNotFound(format string, args ...any) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError signals a violated invariant: a duplicate active job,
// deleting a busy session.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// NewConflict constructs a ConflictError.
func NewConflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// AuthorizationError is reserved; the core does not enforce authorization.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

// RateLimitError is reserved; the core does not enforce rate limits.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string { return e.Message }

// InternalError signals an unexpected, fatal-per-request failure.
type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *InternalError) Unwrap() error { return e.Cause }

// NewInternal wraps cause in an InternalError.
func NewInternal(message string, cause error) error {
	return &InternalError{Message: message, Cause: cause}
}

// TransientRunnerError signals a child-process failure that is retriable up
// to maxJobAttempts.
type TransientRunnerError struct {
	Message string
	Cause   error
}

func (e *TransientRunnerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TransientRunnerError) Unwrap() error { return e.Cause }

// NewTransientRunner wraps cause in a TransientRunnerError.
func NewTransientRunner(message string, cause error) error {
	return &TransientRunnerError{Message: message, Cause: cause}
}

// HTTPStatus maps err to the status code §7 assigns its kind, resolving
// through wrapping via errors.As. Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	var validation *ValidationError
	var notFound *NotFoundError
	var conflict *ConflictError
	var auth *AuthorizationError
	var rateLimit *RateLimitError
	switch {
	case errors.As(err, &validation):
		return 400
	case errors.As(err, &notFound):
		return 404
	case errors.As(err, &conflict):
		return 409
	case errors.As(err, &auth):
		return 401
	case errors.As(err, &rateLimit):
		return 429
	default:
		return 500
	}
}
