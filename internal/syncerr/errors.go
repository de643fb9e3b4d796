// Package syncerr defines the error taxonomy shared by every sync component.
//
// Each error carries a stable Code so it can be logged, counted and surfaced
// without inspecting message text. Codes map onto recovery policy:
//
//   - TRANSIENT: network or remote unavailable; retried via the offline queue
//   - UNAUTHORIZED: permission denied; never retried automatically
//   - CONFLICT: remote moved past the caller's known revision; routed to the resolver
//   - CAPACITY: queue full or snapshot too large; surfaced, operation degraded
//   - CORRUPT: malformed metadata or blob; refuse to overwrite
//   - UNKNOWN_STATE: metadata could not be read or state was interrupted
//   - NOT_FOUND: the document has never been committed
package syncerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/remote"
)

// Code categorizes sync errors.
type Code string

const (
	CodeTransient    Code = "TRANSIENT"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeConflict     Code = "CONFLICT"
	CodeCapacity     Code = "CAPACITY"
	CodeCorrupt      Code = "CORRUPT"
	CodeUnknownState Code = "UNKNOWN_STATE"
	CodeNotFound     Code = "NOT_FOUND"
	CodeInternal     Code = "INTERNAL"
)

// Error is an error with a stable code and the context needed to diagnose it.
// It never carries document content.
type Error struct {
	Code     Code
	Op       string
	Key      string
	Revision uint64
	Attempt  int
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Op)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key=%s", e.Key)
		if e.Revision > 0 {
			msg += fmt.Sprintf(", revision=%d", e.Revision)
		}
		if e.Attempt > 0 {
			msg += fmt.Sprintf(", attempt=%d", e.Attempt)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error. The code is taken from err when code is empty.
func New(code Code, op, key string, err error) *Error {
	if code == "" {
		code = CodeOf(err)
	}
	return &Error{Code: code, Op: op, Key: key, Err: err}
}

// Wrap classifies err and attaches operation context. Returns nil if err is nil.
// An existing *Error keeps its code.
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeOf(err), Op: op, Key: key, Err: err}
}

// CodeOf classifies any error into a Code.
// Uses errors.As / errors.Is so wrapped errors are classified correctly.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, remote.ErrConflict):
		return CodeConflict
	case errors.Is(err, remote.ErrCorrupt), errors.Is(err, doc.ErrInvalid):
		return CodeCorrupt
	case errors.Is(err, remote.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, remote.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return CodeTransient
	}
	var pending interface{ ConflictID() string }
	if errors.As(err, &pending) {
		return CodeConflict
	}
	var capErr interface{ CapacityExceeded() bool }
	if errors.As(err, &capErr) && capErr.CapacityExceeded() {
		return CodeCapacity
	}
	return CodeInternal
}

// IsTransient returns true if err should be retried via the offline queue.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeTransient
}

// IsUnauthorized returns true if err is a permission failure.
func IsUnauthorized(err error) bool {
	return CodeOf(err) == CodeUnauthorized
}

// IsConflict returns true if err reports an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}

// IsCapacity returns true if err reports a bounded resource being full.
func IsCapacity(err error) bool {
	return CodeOf(err) == CodeCapacity
}

// IsRetryable reports whether the offline queue may retry err.
func IsRetryable(err error) bool {
	return IsTransient(err)
}
