// Package apperr defines the error taxonomy shared by every careline component.
//
// Callers match on kinds with errors.Is; handlers translate kinds into transport
// status codes with KindOf.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel kinds. Components wrap these in OpError so the failing operation is named.
var (
	ErrValidation               = errors.New("validation error")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrConversationInactive     = errors.New("conversation inactive")
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrRateLimited              = errors.New("rate limited")
	ErrExternalService          = errors.New("external service error")
	ErrEscalationDeliveryFailed = errors.New("escalation delivery failed")
	ErrNotFound                 = errors.New("not found")
	ErrConflict                 = errors.New("conflict")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Msg may carry human-readable context; it must never contain message content.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// E builds an OpError.
func E(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// Ef builds an OpError with a formatted message.
func Ef(op string, kind error, format string, args ...any) error {
	return OpError{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// RateLimitError carries retry metadata for backpressure rejections.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.RetryAfter <= 0 {
		return fmt.Sprintf("%s: %v", e.Op, ErrRateLimited)
	}
	return fmt.Sprintf("%s: %v: retry after %s", e.Op, ErrRateLimited, e.RetryAfter)
}

func (e RateLimitError) Unwrap() error { return ErrRateLimited }

// ExternalError wraps a collaborator failure (notification/translation provider, object store).
type ExternalError struct {
	Op       string
	Provider string
	Err      error
}

func (e ExternalError) Error() string {
	return fmt.Sprintf("%s: %v: %s: %v", e.Op, ErrExternalService, e.Provider, e.Err)
}

// Unwrap exposes both the kind and the provider error.
func (e ExternalError) Unwrap() []error { return []error{ErrExternalService, e.Err} }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRateLimited reports whether err represents ErrRateLimited.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// IsInvalidTransition reports whether err represents ErrInvalidTransition.
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }

// Kind names used on the wire (HTTP error codes, websocket error envelopes).
const (
	KindValidation               = "validation_error"
	KindUnauthorized             = "unauthorized"
	KindConversationInactive     = "conversation_inactive"
	KindInvalidTransition        = "invalid_transition"
	KindRateLimited              = "rate_limited"
	KindExternalService          = "external_service_error"
	KindEscalationDeliveryFailed = "escalation_delivery_failed"
	KindNotFound                 = "not_found"
	KindConflict                 = "conflict"
	KindInternal                 = "internal"
)

// KindOf classifies err into a stable wire kind. Unknown errors are "internal".
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrConversationInactive):
		return KindConversationInactive
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrEscalationDeliveryFailed):
		return KindEscalationDeliveryFailed
	case errors.Is(err, ErrExternalService):
		return KindExternalService
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// Retryable reports whether a caller may retry the operation after backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrExternalService)
}
