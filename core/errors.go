package core

import (
	"errors"
	"net/http"
)

// ErrorKind classifies request failures
type ErrorKind string

// all error kinds
const (
	KindNotSupported       ErrorKind = "NotSupported"
	KindUnauthorized       ErrorKind = "Unauthorized"
	KindForbidden          ErrorKind = "Forbidden"
	KindNotFound           ErrorKind = "NotFound"
	KindUnsupportedPayload ErrorKind = "UnsupportedPayload"
	KindBadRequest         ErrorKind = "BadRequest"
	KindInternal           ErrorKind = "Internal"
)

var statusByKind = map[ErrorKind]int{
	KindNotSupported:       http.StatusNotFound,
	KindUnauthorized:       http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindUnsupportedPayload: http.StatusInternalServerError,
	KindBadRequest:         http.StatusBadRequest,
	KindInternal:           http.StatusInternalServerError,
}

// Error is a classified request failure. Message is safe to return to clients,
// Err is the internal cause and only goes to the log.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError creates an error of the given kind
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates an error of the given kind with an internal cause
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for the error
func (e *Error) Status() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// AsError returns the classified error in err's chain. Unclassified errors
// become Internal errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(KindInternal, "internal error", err)
}

// KindOf returns the error kind of err, or an empty kind for nil
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}

// Unauthorized returns the uniform authorization failure. The cause is
// only logged, never returned to the client.
func Unauthorized(cause error) *Error {
	return WrapError(KindUnauthorized, "unauthorized", cause)
}
