// Package llmerrors classifies upstream LLM transport failures so the retry
// engine can tell transient faults from fatal ones.
package llmerrors

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// NetworkError is a connection-level fault: DNS, refused connection, reset
// stream. Retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// TimeoutError is an upstream request timeout. Retryable.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return "timeout error: " + e.Err.Error()
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// APIError is any other upstream failure, carrying the HTTP status when the
// provider reported one. Not retryable by default.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return "api error: " + e.Err.Error()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Classify wraps a transport error into one of the three kinds. Context
// cancellation passes through untouched so it is never retried.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &TimeoutError{Err: err}
		}
		return &NetworkError{Err: err}
	}
	return &APIError{Err: err}
}

// IsTransient reports whether the error is a network or timeout kind.
func IsTransient(err error) bool {
	var networkErr *NetworkError
	var timeoutErr *TimeoutError
	return errors.As(err, &networkErr) || errors.As(err, &timeoutErr)
}
