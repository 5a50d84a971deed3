package models

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes failures surfaced by the retrieval core.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindNotBuilt      ErrorKind = "not_built"
	KindExternalCall  ErrorKind = "external_call"
	KindNotFound      ErrorKind = "not_found"
	KindValidation    ErrorKind = "validation"
)

// Error is a typed error carrying the failing operation and its cause.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

// Unwrap implements errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrNotBuilt      = &Error{Kind: KindNotBuilt}
	ErrExternalCall  = &Error{Kind: KindExternalCall}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrValidation    = &Error{Kind: KindValidation}
)

func ConfigurationError(op, message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Message: message, Err: err}
}

func NotBuiltError(op string) *Error {
	return &Error{Kind: KindNotBuilt, Op: op, Message: "index not built"}
}

func ExternalCallError(op, message string, err error) *Error {
	return &Error{Kind: KindExternalCall, Op: op, Message: message, Err: err}
}

func NotFoundError(op, message string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message, Err: err}
}

func ValidationError(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
