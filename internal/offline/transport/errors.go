package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// Kind classifies a failed send for the retry policy.
type Kind string

const (
	KindNone       Kind = ""
	KindTransient  Kind = "transient"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not-found"
)

var (
	ErrTransient  = errors.New("transient transport failure")
	ErrAuth       = errors.New("authentication required")
	ErrValidation = errors.New("payload rejected")
	ErrConflict   = errors.New("revision conflict")
	ErrNotFound   = errors.New("entity not found")
)

// ConflictError carries the backend's current snapshot when a mutation's
// base revision no longer matches. Server is nil when the backend did not
// include one; the caller fetches it.
type ConflictError struct {
	Server *schema.EntitySnapshot
}

func (e *ConflictError) Error() string {
	if e.Server == nil {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for %s/%s (server at revision %d)",
		e.Server.EntityType, e.Server.EntityID, e.Server.Revision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Error is a non-conflict failure reported by the backend.
type Error struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string

	// RetryAfter is the backend's requested wait, if it sent one.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindTransient:
		return target == ErrTransient
	case KindAuth:
		return target == ErrAuth
	case KindValidation:
		return target == ErrValidation
	case KindNotFound:
		return target == ErrNotFound
	}
	return false
}

// KindForStatus maps an HTTP status to a failure kind.
func KindForStatus(status int) Kind {
	switch {
	case status >= 200 && status <= 299:
		return KindNone
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return KindConflict
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	case status >= 400:
		return KindValidation
	}
	return KindTransient
}

// Classify maps any error from a send to a failure kind. Errors that carry
// no classification (connection refused, DNS failures, deadlines) are
// transient.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return KindConflict
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	switch {
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindTransient
}

// RetryAfter returns the wait requested by the backend, or 0.
func RetryAfter(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
