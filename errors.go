package stroom

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a control-surface error independent of transport.
type ErrorKind string

const (
	KindWorkflowNotFound   ErrorKind = "workflow_not_found"
	KindFormNotComplete    ErrorKind = "form_not_complete"
	KindFormValidation     ErrorKind = "form_validation_error"
	KindStartPredicate     ErrorKind = "start_predicate_error"
	KindForbidden          ErrorKind = "forbidden"
	KindConflict           ErrorKind = "conflict"
	KindNotFound           ErrorKind = "not_found"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindStaleData          ErrorKind = "stale_data"
)

// Error is a control-surface error. It is returned to callers before any
// durable state change; errors inside steps never surface as Error, they
// are reified into persisted Failed/Waiting rows instead.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a control-surface error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or "" when err is not a
// control-surface Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// --- Step failure classes ---

// AssertionError indicates a step found the domain model in a state it
// asserted impossible. A Failed outcome carrying one maps the process to
// inconsistent_data and assigns NOC.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string { return "assertion failed: " + e.Message }

// Assertf returns an AssertionError with a formatted message.
func Assertf(format string, args ...any) error {
	return &AssertionError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamError indicates an upstream API was unavailable or returned a
// malformed response. A Failed outcome carrying one maps the process to
// api_unavailable and assigns SYSTEM.
type UpstreamError struct {
	System  string
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %s", e.System, e.Message)
}

// failClass is the internal failure subclassification.
type failClass int

const (
	failClassGeneric failClass = iota
	failClassAssertion
	failClassUpstream
)

func classifyError(err error) failClass {
	var ae *AssertionError
	if errors.As(err, &ae) {
		return failClassAssertion
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return failClassUpstream
	}
	return failClassGeneric
}

// classifyState recovers the failure class from a reified error dict.
// Used when the live error is no longer available (resume after restart).
func classifyState(s State) failClass {
	switch s.GetString(stateKeyErrorClass) {
	case "assertion":
		return failClassAssertion
	case "upstream":
		return failClassUpstream
	default:
		return failClassGeneric
	}
}
