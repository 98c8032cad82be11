// Package errkind classifies errors crossing component boundaries.
//
// Every error surfaced to a user or operator carries a kind, a short
// user-facing message, an operator message with internal detail, and a
// correlation ID that links the error to its decision-log events.
package errkind

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind is the retry/surfacing class of an error.
type Kind string

const (
	// KindTransient covers network timeouts, 5xx responses and store
	// connection loss. Transient errors are retried with backoff.
	KindTransient Kind = "transient"

	// KindDomain covers invalid task specs, unknown tools, schema
	// mismatches and out-of-grammar expressions. Never retried.
	KindDomain Kind = "domain"

	// KindSafety covers verifier rejections, deny-listed commands and
	// exceeded quotas. Never retried; always audited.
	KindSafety Kind = "safety"

	// KindResource covers exhausted step budgets and sandbox CPU/memory
	// ceilings. The step is aborted, partial results kept.
	KindResource Kind = "resource"

	// KindFatal covers corrupted persistent state and missing schema.
	// Writes are refused and state preserved for inspection.
	KindFatal Kind = "fatal"
)

// Error is a classified error with user and operator facing messages.
type Error struct {
	Kind          Kind
	UserMessage   string
	OperatorMsg   string
	CorrelationID string
	Err           error
}

// New creates a classified error wrapping err. A correlation ID is
// generated when none is supplied through WithCorrelation.
func New(kind Kind, userMessage string, err error) *Error {
	return &Error{
		Kind:          kind,
		UserMessage:   userMessage,
		OperatorMsg:   errText(err),
		CorrelationID: uuid.NewString(),
		Err:           err,
	}
}

// Newf creates a classified error with a formatted operator message and
// no wrapped cause.
func Newf(kind Kind, userMessage, format string, args ...any) *Error {
	return &Error{
		Kind:          kind,
		UserMessage:   userMessage,
		OperatorMsg:   fmt.Sprintf(format, args...),
		CorrelationID: uuid.NewString(),
	}
}

// WithCorrelation overrides the generated correlation ID, typically with
// the request ID of the originating message.
func (e *Error) WithCorrelation(id string) *Error {
	if e != nil && id != "" {
		e.CorrelationID = id
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.OperatorMsg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindTransient when err carries no
// classification. Unclassified errors come from I/O paths where retry is
// the safe default; domain code classifies explicitly.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindTransient
}

// Retryable reports whether the error should be retried with backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// UserMessage returns the user-facing message for err, falling back to a
// generic apology when the error carries none.
func UserMessage(err error) string {
	var classified *Error
	if errors.As(err, &classified) && classified.UserMessage != "" {
		return classified.UserMessage
	}
	return "Sorry, something went wrong on my side. I logged the details."
}

// CorrelationID returns the correlation ID attached to err, if any.
func CorrelationID(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.CorrelationID
	}
	return ""
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
