package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure surfaced to the UI boundary.
type ErrorKind string

const (
	KindPermissionDenied  ErrorKind = "PermissionDenied"
	KindDeviceUnavailable ErrorKind = "DeviceUnavailable"
	KindSessionConflict   ErrorKind = "SessionConflict"
	KindNegotiationFailed ErrorKind = "NegotiationFailed"
	KindConnectionTimeout ErrorKind = "ConnectionTimeout"
	KindConnectionLost    ErrorKind = "ConnectionLost"

	KindInvalidInput ErrorKind = "InvalidInput"
	KindInvalidState ErrorKind = "InvalidState"
	KindAborted      ErrorKind = "Aborted"
	KindBackend      ErrorKind = "Backend"
)

// Sentinels for errors.Is; matching is by kind.
var (
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
	ErrSessionConflict   = &Error{Kind: KindSessionConflict}
	ErrNegotiationFailed = &Error{Kind: KindNegotiationFailed}
	ErrConnectionTimeout = &Error{Kind: KindConnectionTimeout}
	ErrConnectionLost    = &Error{Kind: KindConnectionLost}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrAborted           = &Error{Kind: KindAborted}
)

// Error is a classified failure.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`

	// ActiveStream is set for KindSessionConflict.
	ActiveStream *ActiveStream `json:"activeStream,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError classifies an existing error.
func WrapError(err error, kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// NewConflictError reports that the creator already has an active stream.
func NewConflictError(active ActiveStream) *Error {
	return &Error{
		Kind:         KindSessionConflict,
		Message:      fmt.Sprintf("an active stream already exists: %q", active.Title),
		ActiveStream: &active,
	}
}

// AsError extracts the classified error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" if it is not classified.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}
