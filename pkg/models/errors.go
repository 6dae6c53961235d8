package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of error kinds surfaced by the agent
// execution core (step loop, executor, provider client, session store).
type ErrorKind string

const (
	// ValidationError indicates tool arguments failed schema validation or
	// user input was malformed. Not retried.
	ValidationError ErrorKind = "validation_error"

	// PermissionDenied indicates the rule engine denied a tool call, or the
	// user rejected an Ask prompt. Surfaces as a failed tool result; the
	// step loop continues.
	PermissionDenied ErrorKind = "permission_denied"

	// Timeout indicates a deadline was exceeded. A tool timeout becomes a
	// failed tool result; a provider request timeout is retried per the
	// resilience policy.
	Timeout ErrorKind = "timeout"

	// Cancelled indicates cooperative cancellation was observed. No
	// partial state is exposed.
	Cancelled ErrorKind = "cancelled"

	// Transient indicates a network hiccup, 5xx, or stream break. Retried
	// with backoff up to a bound, then surfaced.
	Transient ErrorKind = "transient"

	// RateLimited indicates the provider asked the caller to slow down.
	RateLimited ErrorKind = "rate_limited"

	// ContextOverflow indicates the provider reported the input was too
	// large. Triggers one auto-compact pass and one retry.
	ContextOverflow ErrorKind = "context_overflow"

	// Unauthorized indicates invalid credentials. Not retried; surfaced to
	// the caller for user action.
	Unauthorized ErrorKind = "unauthorized"

	// Fatal indicates an invariant violation. The task terminates Failed;
	// the session log remains consistent because writes are sequenced
	// before acknowledgement.
	Fatal ErrorKind = "fatal"
)

// Retryable reports whether errors of this kind are eligible for the
// resilience stack's retry layer.
func (k ErrorKind) Retryable() bool {
	switch k {
	case Transient, RateLimited, Timeout, ContextOverflow:
		return true
	default:
		return false
	}
}

// CoreError wraps an underlying error with a stable ErrorKind and an
// optional human-readable message, per the error taxonomy in the
// propagation policy: each layer recovers what it owns and surfaces what
// it cannot.
type CoreError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// NewCoreError constructs a CoreError of the given kind.
func NewCoreError(kind ErrorKind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: cause}
}

func (e *CoreError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *CoreError) Unwrap() error {
	return e.Cause
}

// KindOf extracts the ErrorKind from an error chain, defaulting to Fatal
// when the error carries no CoreError.
func KindOf(err error) ErrorKind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Fatal
}
