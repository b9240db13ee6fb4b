// Package apperr defines the error taxonomy shared by the stores, the evaluator
// and the HTTP layer.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to decide how to react.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindTransient
	KindInvariant
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindInvariant:
		return "invariant_violation"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Error carries a kind, a stable client-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind so sentinel comparisons work.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message)
}

var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrTransient    = &Error{Kind: KindTransient}
	ErrInvariant    = &Error{Kind: KindInvariant}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
)

// Validation reports malformed input.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

// Validationf formats a validation message.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown entity, e.g. "project not found".
func NotFound(entity string) error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

// Transient wraps a retryable I/O failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Message: op, Err: err}
}

// Invariant reports a store-level concurrency bug.
func Invariant(msg string) error {
	return &Error{Kind: KindInvariant, Message: msg}
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// KindOf returns the classification of err. Context timeouts and cancellations
// are transient: the caller may retry with a fresh deadline.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindInternal
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
