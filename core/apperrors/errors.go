// Package apperrors defines the closed set of error kinds surfaced by the
// upgrade orchestrator. Every error that crosses the HTTP boundary is either
// an *Error of one of these kinds or is treated as KindInternal.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the error union
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindConflict    Kind = "conflict"
	KindInternal    Kind = "internal"
)

// FieldViolation describes one invalid input field
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the tagged error value. Only the fields relevant to Kind are set:
// Fields for validation, Resource/ID for not_found and conflict, RetryAfter
// for rate_limited, Err for internal.
type Error struct {
	Kind       Kind
	Message    string
	Fields     []FieldViolation
	Resource   string
	ID         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindValidation:
		if len(e.Fields) == 0 {
			return e.Message
		}
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.Field + ": " + f.Message
		}
		return fmt.Sprintf("%s: %s", e.Message, strings.Join(parts, "; "))
	case KindInternal:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation builds a validation error from a list of field violations.
func Validation(fields []FieldViolation) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: "Validation failed",
		Fields:  fields,
	}
}

// NotFound reports a missing resource by type and id.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:     KindNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// RateLimited reports an admission denial. retryAfter may be zero.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    "Too many requests",
		RetryAfter: retryAfter,
	}
}

// Conflict reports a state precondition that no longer holds.
func Conflict(resource, id, message string) *Error {
	return &Error{
		Kind:     KindConflict,
		Message:  message,
		Resource: resource,
		ID:       id,
	}
}

// Internal wraps an unexpected failure. The message is safe to log but the
// HTTP layer never returns it to clients.
func Internal(message string, err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
