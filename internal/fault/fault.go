// Package fault defines the error kinds shared by every Lifestrand component
// and their mapping onto HTTP status codes.
//
// Components wrap underlying errors with a [Kind] using [Wrap] or create new
// errors with [New]. Callers test for kinds with [errors.Is]:
//
//	if errors.Is(err, fault.NotFound) { ... }
//
// The HTTP layer converts kinds to statuses with [HTTPStatus] and renders the
// structured {error, message} body the API contract requires. Internal detail
// (wrapped causes, stack context) never leaves the process.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a category of failure. Kinds are comparable sentinels: a Kind is an
// error itself, and any error produced by [New] or [Wrap] matches its Kind
// under [errors.Is].
type Kind struct {
	name   string
	status int
}

// Error implements the error interface.
func (k *Kind) Error() string { return k.name }

// String returns the kind's wire name (e.g. "not_found").
func (k *Kind) String() string { return k.name }

// The full set of error kinds. The wire names appear in the "error" field of
// JSON error responses.
var (
	NotFound           = &Kind{"not_found", http.StatusNotFound}
	ValidationFailed   = &Kind{"validation_failed", http.StatusBadRequest}
	Unauthenticated    = &Kind{"unauthenticated", http.StatusUnauthorized}
	Unauthorized       = &Kind{"unauthorized", http.StatusForbidden}
	RateLimited        = &Kind{"rate_limited", http.StatusTooManyRequests}
	QueueFull          = &Kind{"queue_full", http.StatusServiceUnavailable}
	Timeout            = &Kind{"timeout", http.StatusGatewayTimeout}
	InvalidTransition  = &Kind{"invalid_transition", http.StatusConflict}
	LoadFailed         = &Kind{"load_failed", http.StatusBadGateway}
	GenerationFailed   = &Kind{"generation_failed", http.StatusBadGateway}
	ServiceUnavailable = &Kind{"service_unavailable", http.StatusServiceUnavailable}
	StorageError       = &Kind{"storage_error", http.StatusInternalServerError}
	Cancelled          = &Kind{"cancelled", 499}
	Internal           = &Kind{"internal", http.StatusInternalServerError}
)

// kindError carries a Kind plus a human-readable message and an optional
// wrapped cause.
type kindError struct {
	kind *Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *kindError) Unwrap() []error {
	if e.err != nil {
		return []error{e.kind, e.err}
	}
	return []error{e.kind}
}

// New creates an error of the given kind with a formatted message.
func New(kind *Kind, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and a message prefix. A nil err returns nil.
func Wrap(kind *Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf returns the Kind attached to err, or [Internal] when err carries no
// kind. A nil err returns nil.
func KindOf(err error) *Kind {
	if err == nil {
		return nil
	}
	for _, k := range allKinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return Internal
}

// HTTPStatus returns the HTTP status code for err's kind. A nil err maps to
// 200.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return KindOf(err).status
}

// Message returns the outward-facing message for err: the error text of the
// outermost kindError, or a generic phrase for unclassified errors so that
// internal details never reach clients.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.msg
	}
	return "internal error"
}

var allKinds = []*Kind{
	NotFound, ValidationFailed, Unauthenticated, Unauthorized, RateLimited,
	QueueFull, Timeout, InvalidTransition, LoadFailed, GenerationFailed,
	ServiceUnavailable, StorageError, Cancelled, Internal,
}
