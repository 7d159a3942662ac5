package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorClass partitions provider failures by how callers should react.
type ErrorClass string

const (
	// ErrorClassAuth covers rejected credentials. Never retryable.
	ErrorClassAuth ErrorClass = "auth"
	// ErrorClassRateLimited covers quota and throughput rejections.
	ErrorClassRateLimited ErrorClass = "rate_limited"
	// ErrorClassTimeout covers deadline expiry on our side or the provider's.
	ErrorClassTimeout ErrorClass = "timeout"
	// ErrorClassProvider covers provider-reported failures (5xx, malformed
	// responses, refusals).
	ErrorClassProvider ErrorClass = "provider_error"
	// ErrorClassNetwork covers transport failures before a response arrived.
	ErrorClassNetwork ErrorClass = "network"
)

// Error is the normalized provider failure. Status is the HTTP status
// when one was received, zero otherwise. RetryAfter carries the
// provider's requested backoff when it sent one.
type Error struct {
	Class      ErrorClass
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s (http %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Class, e.Message)
}

// Retryable reports whether a fresh attempt could plausibly succeed.
// Auth failures and provider 4xx rejections are deterministic and never
// retryable.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ErrorClassRateLimited, ErrorClassTimeout, ErrorClassNetwork:
		return true
	case ErrorClassProvider:
		return e.Status >= 500 || e.Status == 0
	default:
		return false
	}
}

// AsError unwraps err to a *Error when possible.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable provider failure.
// Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	if pe, ok := AsError(err); ok {
		return pe.Retryable()
	}
	return false
}

func classifyStatus(status int, body string, retryAfter time.Duration) *Error {
	msg := strings.TrimSpace(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == 401 || status == 403:
		return &Error{Class: ErrorClassAuth, Status: status, Message: msg}
	case status == 429:
		return &Error{Class: ErrorClassRateLimited, Status: status, Message: msg, RetryAfter: retryAfter}
	case status == 408 || status == 504:
		return &Error{Class: ErrorClassTimeout, Status: status, Message: msg}
	default:
		return &Error{Class: ErrorClassProvider, Status: status, Message: msg}
	}
}

// classifyTransport normalizes transport failures. Caller-initiated
// cancellation passes through untouched so the pipeline can distinguish
// a cancel from a provider fault.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := AsError(err); ok {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: ErrorClassTimeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Class: ErrorClassTimeout, Message: err.Error()}
	}
	return &Error{Class: ErrorClassNetwork, Message: err.Error()}
}
