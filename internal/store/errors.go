// Package store defines the error taxonomy shared by the KV and object
// stores. Handlers translate these kinds into HTTP status codes.
package store

import (
	"errors"
	"fmt"
)

// Kind categorizes store errors for transport translation.
type Kind string

const (
	KindNotFound           Kind = "not-found"
	KindConflict           Kind = "conflict"
	KindCASConflict        Kind = "cas-conflict"
	KindValidation         Kind = "validation"
	KindUnsatisfiableRange Kind = "unsatisfiable-range"
)

// Error is a tagged store error. Anything not wrapped in one is treated as
// fatal by the API layer and surfaced as an opaque 500.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NotFound builds a not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict error (duplicate bucket, concurrent upload).
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// CASConflict builds a compare-and-swap conflict error.
func CASConflict(format string, args ...any) *Error {
	return &Error{Kind: KindCASConflict, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// UnsatisfiableRange builds a range error mapped to HTTP 416.
func UnsatisfiableRange(format string, args ...any) *Error {
	return &Error{Kind: KindUnsatisfiableRange, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err, or "" when err is not a store error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
