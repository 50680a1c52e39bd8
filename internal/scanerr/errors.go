// Package scanerr defines the error taxonomy shared by the provider layer and
// the scan pipeline. Every error carries a kind, a retryability flag, and the
// provider it originated from when applicable.
package scanerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a scan error.
type Kind string

const (
	// KindConfig marks invalid or missing configuration. Fatal at startup.
	KindConfig Kind = "ConfigError"
	// KindUnsupportedOperation marks an op routed to a provider that never
	// declared it. Programming error.
	KindUnsupportedOperation Kind = "UnsupportedOperation"
	// KindNoProviderAvailable marks an op with no healthy provider.
	KindNoProviderAvailable Kind = "NoProviderAvailable"
	// KindRateLimited marks a caller rejected or timed out by the rate limiter.
	KindRateLimited Kind = "RateLimited"
	// KindDailyLimitExceeded marks a daily call cap reached for the run.
	KindDailyLimitExceeded Kind = "DailyLimitExceeded"
	// KindBudgetExceeded marks a credit or cost budget reached for the run.
	KindBudgetExceeded Kind = "BudgetExceeded"
	// KindCircuitOpen marks a provider rejected by its open circuit breaker.
	KindCircuitOpen Kind = "CircuitOpen"
	// KindUpstreamTransient marks a 5xx, timeout, or connection reset.
	KindUpstreamTransient Kind = "UpstreamTransient"
	// KindUpstreamClient marks a 4xx other than 408/429.
	KindUpstreamClient Kind = "UpstreamClientError"
	// KindAuth marks an authentication failure; fatal for the provider.
	KindAuth Kind = "AuthError"
	// KindParse marks a response that did not match the expected schema.
	KindParse Kind = "ParseError"
	// KindNoChain marks an absent or empty option chain. A warning, not a failure.
	KindNoChain Kind = "NoChain"
	// KindNoData marks absent data from an otherwise healthy provider.
	KindNoData Kind = "NoData"
	// KindCancelled marks work abandoned due to scan cancellation or deadline.
	KindCancelled Kind = "Cancelled"
	// KindNotificationFailure marks a delivery failure; non-fatal at scan level.
	KindNotificationFailure Kind = "NotificationFailure"
)

// Error is the concrete error type used across the pipeline.
type Error struct {
	Kind       Kind
	Message    string
	ProviderID string
	Symbol     string
	Retryable  bool
	RetryAfter time.Duration // > 0 when the upstream sent a retry hint
	Err        error         // wrapped cause
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.ProviderID != "" {
		msg += " (provider=" + e.ProviderID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind with the default retryability for
// that kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind),
	}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Err = err
	return e
}

// WithProvider tags the error with the originating provider.
func (e *Error) WithProvider(id string) *Error {
	e.ProviderID = id
	return e
}

// WithSymbol tags the error with the affected symbol.
func (e *Error) WithSymbol(sym string) *Error {
	e.Symbol = sym
	return e
}

// WithRetryAfter records an upstream retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindCircuitOpen, KindUpstreamTransient:
		return true
	}
	return false
}

// KindOf extracts the kind from an error, or empty when it is not a scan error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// ProviderOf extracts the provider tag from an error.
func ProviderOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.ProviderID
	}
	return ""
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// RetryAfter returns the upstream retry hint, or zero.
func RetryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// CountsTowardBreaker reports whether the error should feed the circuit
// breaker's failure count. Client-side errors (bad input, auth, 4xx other
// than 408/429) never trip a breaker.
func CountsTowardBreaker(err error) bool {
	switch KindOf(err) {
	case KindUpstreamTransient, KindRateLimited:
		return true
	}
	return false
}

// IsKind reports whether the error has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
