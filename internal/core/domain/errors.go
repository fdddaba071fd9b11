package domain

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindInsufficientStock  Kind = "insufficient_stock"
	KindConflict           Kind = "conflict"
	KindStorageUnavailable Kind = "storage_unavailable"
)

// Error is the structured failure every engine operation returns.
// Message is safe to show to callers; cause is kept for logs only.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInsufficientStock  = &Error{Kind: KindInsufficientStock}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
)

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Unavailable hides a storage failure behind a generic message.
func Unavailable(cause error) *Error {
	return &Error{Kind: KindStorageUnavailable, Message: "storage unavailable", cause: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf reports the kind of err, or "" when err is not a domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
