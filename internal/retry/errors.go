package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class buckets a failure for retry purposes.
type Class int

// Failure classes, from most to least retryable.
const (
	// ClassTransient covers timeouts, connection failures, 5xx responses and
	// dead proxies. Retryable.
	ClassTransient Class = iota
	// ClassRateLimited covers 429 responses and local admission denials.
	// Retryable, with a forced wait that is not a content failure.
	ClassRateLimited
	// ClassPermanent covers everything else: 4xx other than 429, malformed
	// input, policy violations. Surfaced immediately.
	ClassPermanent
)

// String returns the class name used in logs and metrics labels.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps a failure with its retry class.
type ClassifiedError struct {
	Class Class
	Err   error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable transient failure.
func Transient(err error) error {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// RateLimited wraps err as a retryable rate-limit signal.
func RateLimited(err error) error {
	return &ClassifiedError{Class: ClassRateLimited, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	return &ClassifiedError{Class: ClassPermanent, Err: err}
}

// StatusError represents an HTTP-equivalent status failure from a
// collaborator, classified by code.
type StatusError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// ClassifyStatus maps an HTTP status code to a retry class.
func ClassifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassPermanent
	default:
		return ClassPermanent
	}
}

// Classify buckets an arbitrary error. Explicit classifications win;
// otherwise timeouts and network failures are transient, cancellation is
// permanent (retrying a cancelled caller is pointless), and anything
// unrecognized is permanent: only failures known to be worth another
// attempt get the retry budget.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return ClassifyStatus(statusErr.Code)
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassPermanent
}

// Retryable reports whether the error's class permits another attempt.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}

// ExhaustedError is returned when the retry budget is consumed. It carries
// the attempt count and the last failure.
type ExhaustedError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes the last attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.Err }
