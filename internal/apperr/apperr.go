// Package apperr classifies failures crossing component boundaries so callers can
// decide between retrying and giving up without inspecting transport details.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the classification of a failure.
type Kind string

const (
	KindNetworkUnavailable Kind = "network_unavailable"
	KindRateLimited        Kind = "gateway_rate_limited"
	KindCredentialRejected Kind = "credential_rejected"
	KindSessionNotReady    Kind = "session_not_ready"
	KindTemplateNotFound   Kind = "template_not_found"
	KindMissingVariable    Kind = "missing_variable"
	KindTimeout            Kind = "timeout"

	KindSessionRevoked  Kind = "session_revoked"
	KindInvalidRequest  Kind = "invalid_request"
	KindInvalidResponse Kind = "invalid_response"
	KindInvalidState    Kind = "invalid_state"
	KindNotFound        Kind = "not_found"
	KindConfiguration   Kind = "configuration"
)

// Transient reports whether an operation failing with this kind may succeed on retry.
func (k Kind) Transient() bool {
	switch k {
	case KindNetworkUnavailable, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Message is safe to show to end users; the
// wrapped Err carries the detail for logs.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Status     int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the classification of err, or "" when err is nil or unclassified.
// Context deadlines and cancellations are reported as timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// RetryAfter returns the gateway-provided retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Message returns the user-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
