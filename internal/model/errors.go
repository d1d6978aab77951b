// Package model defines the persisted VM/Hardware/NIC/Media types shared by
// the store, supervisor, registry and RPC layers, along with the validation
// rules and error taxonomy spec.md assigns to them.
package model

import "fmt"

// ErrorKind enumerates the error kinds named in spec.md ("Error kinds (not
// type names)"). Components construct an *Error rather than a bare error so
// that the RPC layer can map failures onto the method table's Errors column
// without string matching.
type ErrorKind string

const (
	ErrValidation        ErrorKind = "Validation"
	ErrUnknownVM         ErrorKind = "UnknownVM"
	ErrUnknownCommand    ErrorKind = "UnknownCommand"
	ErrVMRunning         ErrorKind = "VMRunning"
	ErrVMNotRunning      ErrorKind = "VMNotRunning"
	ErrDuplicateName     ErrorKind = "DuplicateName"
	ErrHostNetworkError  ErrorKind = "HostNetworkError"
	ErrQmpConnectionError ErrorKind = "QmpConnectionError"
	ErrInternal          ErrorKind = "Internal"
)

// Error is the typed error carried across component boundaries. Field is
// set for Validation errors to give the caller a field path such as
// "hardware.nic[0].mac" (restored from the original schema's per-field
// reporting, see SPEC_FULL.md).
type Error struct {
	Kind    ErrorKind
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &Error{Kind: ErrVMRunning}) style matching on
// kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func NewFieldError(kind ErrorKind, field, msg string) *Error {
	return &Error{Kind: kind, Field: field, Message: msg}
}

func WrapError(kind ErrorKind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) a *Error,
// defaulting to ErrInternal otherwise.
func KindOf(err error) ErrorKind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return ErrInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
