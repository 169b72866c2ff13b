// Package autherr defines the error taxonomy shared by the login, token and
// installation components. Callers translate an Error into a transport
// status with Status; the underlying cause stays attached for logging.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the (external) transport layer.
type Kind string

// Error kinds
const (
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindBadRequest   Kind = "bad_request"
	KindTooMany      Kind = "too_many_requests"
	KindUpstream     Kind = "upstream"
	KindInternal     Kind = "internal"
)

// Error is a classified failure with an optional cause.
type Error struct {
	Kind    Kind   // Classification
	Message string // Message safe to show to the caller
	Err     error  // Underlying cause, never shown to the caller
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the error kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	case KindTooMany:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates a classified error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NotFound indicates an unknown login state or user
func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

// Unauthorized indicates a bad, expired or missing token
func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message, nil)
}

// Forbidden indicates an authenticated identity that may not perform the request
func Forbidden(message string) *Error {
	return New(KindForbidden, message, nil)
}

// BadRequest indicates a malformed payload or missing required identity fields
func BadRequest(message string) *Error {
	return New(KindBadRequest, message, nil)
}

// TooManyRequests indicates a rate limited caller
func TooManyRequests(message string) *Error {
	return New(KindTooMany, message, nil)
}

// Upstream wraps a provider or storage failure.
func Upstream(message string, cause error) *Error {
	return New(KindUpstream, message, cause)
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return New(KindInternal, message, cause)
}

// KindOf returns the kind of the first *Error in err's chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
