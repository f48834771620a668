package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind int

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// Error satisfies repositories.RepositoryError for Firestore backed repositories.
type Error struct {
	op   string
	err  error
	kind errorKind
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// IsNotFound reports whether the document was missing.
func (e *Error) IsNotFound() bool { return e != nil && e.kind == kindNotFound }

// IsConflict reports whether a precondition or concurrent write failed.
func (e *Error) IsConflict() bool { return e != nil && e.kind == kindConflict }

// IsUnavailable reports whether the backend was unreachable or overloaded.
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NotFound builds a not-found error for repositories that detect absence without a gRPC status,
// e.g. an ownership mismatch that must not reveal the document exists.
func NotFound(op, msg string) error {
	return &Error{op: op, err: errors.New(msg), kind: kindNotFound}
}

// Conflict builds a conflict error for domain level precondition failures.
func Conflict(op, msg string) error {
	return &Error{op: op, err: errors.New(msg), kind: kindConflict}
}

// WrapError classifies err by its gRPC status code. Context cancellation is returned unchanged so
// callers can tell a dropped request apart from a backend failure.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	kind := kindOther
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		kind = kindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		kind = kindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		kind = kindUnavailable
	}
	return &Error{op: op, err: err, kind: kind}
}
