package ports

import (
	"errors"
	"fmt"
)

// CompletionErrorKind tells the normalizer whether a completion failure is worth retrying.
type CompletionErrorKind string

const (
	CompletionTimeout    CompletionErrorKind = "timeout"
	CompletionConnection CompletionErrorKind = "connection"
	CompletionRateLimit  CompletionErrorKind = "rate_limit"
	CompletionAuth       CompletionErrorKind = "auth"
	CompletionBadRequest CompletionErrorKind = "bad_request"
	CompletionServer     CompletionErrorKind = "server"
)

// CompletionError is returned by Completer implementations.
type CompletionError struct {
	Kind   CompletionErrorKind
	Status int
	Err    error
}

func (e *CompletionError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("completion %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed when repeated.
func (e *CompletionError) Retryable() bool {
	switch e.Kind {
	case CompletionTimeout, CompletionConnection, CompletionServer:
		return true
	default:
		return false
	}
}

// CompletionKindOf returns the kind of a completion error, or "" for other errors.
func CompletionKindOf(err error) CompletionErrorKind {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
