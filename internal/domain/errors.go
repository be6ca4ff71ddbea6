package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a gateway failure. The kind decides whether the
// fallback engine may move on to another provider and which HTTP status the
// API layer returns.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth_error"
	KindRateLimited    ErrorKind = "rate_limited"
	KindModelNotFound  ErrorKind = "model_not_found"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindContentFilter  ErrorKind = "content_filter"
	KindTimeout        ErrorKind = "timeout"
	KindUnavailable    ErrorKind = "unavailable"
	KindNetwork        ErrorKind = "network_error"
	KindCanceled       ErrorKind = "canceled"
	KindConfiguration  ErrorKind = "configuration_error"
	KindNoProvider     ErrorKind = "no_provider_available"
)

var ErrSessionNotFound = errors.New("session not found")

// Error is the canonical gateway error. Provider names the back end that
// produced it and is empty for errors raised by the gateway itself.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Transferable reports whether the same request may be handed to the next
// provider in the fallback chain.
func (e *Error) Transferable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindUnavailable, KindNetwork:
		return true
	}
	return false
}

func Errf(kind ErrorKind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

func WrapErr(kind ErrorKind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: err.Error(), cause: err}
}

// KindOf returns the canonical kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Transferable reports whether err permits fallback to another provider.
// Errors outside the taxonomy never transfer.
func Transferable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Transferable()
	}
	return false
}

// RetryAfter extracts the upstream retry hint, zero when absent.
func RetryAfter(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}

// FromContextErr maps a transport failure to the taxonomy, honoring context
// state: caller cancellation is canceled, an expired deadline is timeout,
// anything else is a network error.
func FromContextErr(provider string, err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Provider: provider, Message: "request canceled", cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Provider: provider, Message: "request timed out", cause: err}
	}
	return WrapErr(KindNetwork, provider, err)
}
