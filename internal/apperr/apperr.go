// Package apperr classifies failures so callers can decide whether to retry,
// what to show the user and how to map them onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the coarse category of a failure.
type Kind string

const (
	Network       Kind = "network"
	Storage       Kind = "storage"
	Validation    Kind = "validation"
	Sync          Kind = "sync"
	RemoteBackend Kind = "remote"
	NotFound      Kind = "not_found"
	Unknown       Kind = "unknown"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + string(e.Kind) + " error"
	default:
		return string(e.Kind) + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error of kind k. Retryability follows the kind.
func E(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err, Retryable: retryableKind(k)}
}

func NewNetwork(op string, err error) *Error    { return E(Network, op, err) }
func NewStorage(op string, err error) *Error    { return E(Storage, op, err) }
func NewSync(op string, err error) *Error       { return E(Sync, op, err) }
func NewRemote(op string, err error) *Error     { return E(RemoteBackend, op, err) }
func NewNotFound(op string, err error) *Error   { return E(NotFound, op, err) }
func NewValidation(op string, err error) *Error { return E(Validation, op, err) }

// Validationf is a validation error with a user-facing message.
func Validationf(format string, args ...any) *Error {
	return E(Validation, "", fmt.Errorf(format, args...))
}

func retryableKind(k Kind) bool {
	switch k {
	case Network, Storage, Sync, RemoteBackend:
		return true
	}
	return false
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// UserMessage returns text suitable for showing to the user. Validation
// messages pass through verbatim.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return "Something went wrong. Please try again."
	}
	switch e.Kind {
	case Validation:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "Invalid input."
	case Network:
		return "You appear to be offline. Changes are saved locally."
	case Storage:
		return "Could not save data on this device."
	case Sync, RemoteBackend:
		return "Sync failed. Your data is safe locally and will sync later."
	case NotFound:
		return "Not found."
	default:
		return "Something went wrong. Please try again."
	}
}
