package providers

import (
	"errors"
	"fmt"
	"strings"
)

// FailoverReason classifies why a provider call failed, independent of
// the wire transport that reported it.
type FailoverReason int

const (
	ReasonUnknown FailoverReason = iota
	ReasonTransient
	ReasonOverloaded
	ReasonRateLimit
	ReasonAuth
	ReasonPermanent
	ReasonCancelled
)

// Retryable reports whether a call failing for this reason should be
// retried against the same provider.
func (r FailoverReason) Retryable() bool {
	switch r {
	case ReasonTransient, ReasonOverloaded, ReasonRateLimit:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether this reason should trigger trying the
// next provider in the fallback chain rather than just retrying.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case ReasonAuth, ReasonPermanent:
		return true
	default:
		return false
	}
}

// Error wraps a provider failure with its classification. Tool-use and
// streaming code should always produce one of these rather than a bare
// error, so the agentic loop's retry logic never has to re-derive the
// reason from provider-specific strings.
type Error struct {
	Reason   FailoverReason
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("provider %s: reason=%d status=%d", e.Provider, e.Reason, e.Status)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error and classifies its Reason from status, code and
// message.
func New(provider string, status int, code, message string, cause error) *Error {
	e := &Error{Provider: provider, Status: status, Code: code, Message: message, Cause: cause}
	e.Reason = classify(status, code, message)
	return e
}

// classify implements the SDK-stream-error normalization the spec
// requires: a 200-status streamed response whose body carries an
// "overloaded_error" (or similar) event type must classify as a
// retryable overload, not fall through to "unknown" just because the
// HTTP status line looked successful. Status 401/403 must never be
// treated as retryable regardless of body content.
func classify(status int, code, message string) FailoverReason {
	lower := strings.ToLower(message + " " + code)

	if status == 401 || status == 403 || strings.Contains(lower, "invalid api key") || strings.Contains(lower, "unauthorized") {
		return ReasonAuth
	}
	if strings.Contains(lower, "overloaded_error") || strings.Contains(lower, "overloaded") {
		return ReasonOverloaded
	}
	if status == 429 || strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit") {
		return ReasonRateLimit
	}
	switch {
	case status >= 500 && status < 600:
		return ReasonTransient
	case status == 408:
		return ReasonTransient
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "connection reset") || strings.Contains(lower, "eof") {
		return ReasonTransient
	}
	if status >= 400 && status < 500 {
		return ReasonPermanent
	}
	return ReasonUnknown
}

// IsProviderError reports whether err (or something it wraps) is a
// *Error, and returns it.
func IsProviderError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Retryable reports whether err should be retried against the same
// provider, defaulting to false for non-classified errors.
func Retryable(err error) bool {
	pe, ok := IsProviderError(err)
	if !ok {
		return false
	}
	return pe.Reason.Retryable()
}

// ShouldFailover reports whether err should trigger trying the next
// provider in the fallback chain.
func ShouldFailover(err error) bool {
	pe, ok := IsProviderError(err)
	if !ok {
		return false
	}
	return pe.Reason.ShouldFailover()
}
