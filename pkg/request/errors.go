package request

import (
	"errors"
	"net/http"
)

// ErrorKind classifies request errors for the HTTP boundary.
type ErrorKind int

const (
	// KindInternal is a server side failure.
	KindInternal ErrorKind = iota
	// KindBadRequest is a malformed or invalid submission.
	KindBadRequest
	// KindForbidden is a missing, invalid or expired signature.
	KindForbidden
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// StatusCode maps the kind to an HTTP status.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error is a rejected submission. Message is safe to show to the caller.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func badRequest(msg string) *Error {
	return &Error{Kind: KindBadRequest, Message: msg}
}

// StatusCode returns the HTTP status for err. Errors that are not *Error
// map to 500.
func StatusCode(err error) int {
	var reqErr *Error
	if errors.As(err, &reqErr) {
		return reqErr.Kind.StatusCode()
	}

	return http.StatusInternalServerError
}
