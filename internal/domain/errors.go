package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how the pipeline reacts to them.
type ErrorKind string

const (
	KindTransientNetwork ErrorKind = "transient_network"
	KindProtocolMismatch ErrorKind = "protocol_mismatch"
	KindPermanentRemote  ErrorKind = "permanent_remote"
	KindParseRecoverable ErrorKind = "parse_recoverable"
	KindLocalIO          ErrorKind = "local_io"
	KindPageUnavailable  ErrorKind = "page_unavailable"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrEmptyInput        = errors.New("empty input")
	ErrMissingCredential = errors.New("missing credential")
)

// Error attaches a kind and the failing operation to an underlying error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind; nil stays nil.
func NewError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HasKind reports whether any *Error in the chain, including joined errors, has kind.
func HasKind(err error, kind ErrorKind) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *Error:
		return e.Kind == kind || HasKind(e.Err, kind)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if HasKind(inner, kind) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return HasKind(e.Unwrap(), kind)
	}
	return false
}

// Retryable reports whether the error is worth another attempt.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientNetwork
}
