// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindResolutionMiss   Kind = "RESOLUTION_MISS"
	KindEngineOpen       Kind = "ENGINE_OPEN"
	KindRevisionNotFound Kind = "REVISION_NOT_FOUND"
	KindAccessDenied     Kind = "ACCESS_DENIED"
	KindIO               Kind = "IO"
	KindNotFound         Kind = "NOT_FOUND"
	KindValidation       Kind = "VALIDATION"
)

// Error is the typed error carried across package boundaries. Op names the
// operation that failed, Err is the underlying cause if any.
type Error struct {
	Kind    Kind   `json:"kind"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code maps the kind onto an HTTP status for the API layer.
func (e *Error) Code() int {
	switch e.Kind {
	case KindResolutionMiss, KindNotFound, KindRevisionNotFound:
		return http.StatusNotFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func ResolutionMiss(message string) *Error {
	return &Error{Kind: KindResolutionMiss, Message: message}
}

func EngineOpen(path string, err error) *Error {
	return &Error{
		Kind:    KindEngineOpen,
		Op:      "open repository",
		Message: fmt.Sprintf("cannot load repository at %s", path),
		Err:     err,
	}
}

// RevisionNotFound reports a change or revision that no longer resolves.
// shortID is the abbreviated identifier shown to the user.
func RevisionNotFound(shortID string) *Error {
	return &Error{
		Kind:    KindRevisionNotFound,
		Message: fmt.Sprintf("change %s not found", shortID),
	}
}

func AccessDenied(path string, err error) *Error {
	return &Error{
		Kind:    KindAccessDenied,
		Message: fmt.Sprintf("access to %s denied", path),
		Err:     err,
	}
}

func IO(op string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Message: "i/o failure", Err: err}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func ValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// IsKind reports whether any error in err's chain is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or KindIO for
// untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}
