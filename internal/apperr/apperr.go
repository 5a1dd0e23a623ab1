// Package apperr defines the comparable error taxonomy shared by the core
// components, so callers can use errors.As/errors.Is instead of matching on
// error strings.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one of the closed error categories callers branch on.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnauthenticated  Kind = "unauthenticated"
	KindForbidden        Kind = "forbidden"
	KindRateLimited      Kind = "rate_limited"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindStoreUnavailable Kind = "store_unavailable"
	KindWorktreeError    Kind = "worktree_error"
	KindSpawnFailed      Kind = "spawn_failed"
	KindInternal         Kind = "internal"
)

// Error is the concrete error type carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is populated only for KindRateLimited.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, apperr.NotFound) etc. work against the Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// Sentinel values usable with errors.Is for quick membership checks.
var (
	NotFound         = &Error{Kind: KindNotFound}
	Conflict         = &Error{Kind: KindConflict}
	StoreUnavailable = &Error{Kind: KindStoreUnavailable}
	Unauthenticated  = &Error{Kind: KindUnauthenticated}
	Forbidden        = &Error{Kind: KindForbidden}
)

// Of extracts the Kind of err, defaulting to KindInternal for opaque errors.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retriable reports whether the layer that owns the resource should retry
// the operation before surfacing it to the caller.
func Retriable(err error) bool {
	return Of(err) == KindStoreUnavailable
}
