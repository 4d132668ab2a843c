package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled is returned when the caller's context ends the transfer. It is not
// a failure from the caller's point of view and is never retried.
var ErrCancelled = errors.New("transfer cancelled")

// errIdleTimeout is the cancellation cause used by the body watchdog.
var errIdleTimeout = errors.New("no data received within timeout")

// MimeTypeRejectedError is returned before any byte is written when the remote
// content type matches none of the allowed types.
type MimeTypeRejectedError struct {
	URL         string
	ContentType string
	Allowed     []string
}

func (e *MimeTypeRejectedError) Error() string {
	return fmt.Sprintf("content type %q of %s is not one of [%s]", e.ContentType, e.URL, strings.Join(e.Allowed, ", "))
}

// HTTPStatusError is returned when the server answers with a status the engine does not accept.
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected HTTP status %d", e.Method, e.URL, e.StatusCode)
}

// NetworkError represents a transport failure before a response was received:
// connection reset or refused, DNS failure, request timeout.
type NetworkError struct {
	Operation string // head or get
	URL       string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s %s: %v", e.Operation, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StreamError represents a failure while moving the body to disk: a broken or
// stalled connection, a short body or a write error. The partial file is kept.
type StreamError struct {
	URL     string
	Written int64 // bytes on disk when the stream broke
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error for %s after %d bytes: %v", e.URL, e.Written, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Class tells the retry wrapper what to do with a failed attempt.
type Class int

const (
	// ClassFatal errors are returned to the caller immediately.
	ClassFatal Class = iota
	// ClassRetryable errors are retried while attempts remain.
	ClassRetryable
	// ClassCancelled means the caller gave up; nothing to retry.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// Classify maps an error returned by Fetch to its retry class. It only looks at
// the engine's own error types; anything unknown is fatal.
func Classify(err error) Class {
	var (
		netErr    *NetworkError
		streamErr *StreamError
	)

	switch {
	case errors.Is(err, ErrCancelled):
		return ClassCancelled
	case errors.As(err, &netErr), errors.As(err, &streamErr):
		return ClassRetryable
	default:
		return ClassFatal
	}
}

// Outcome returns a bounded label for metrics: success or the error class.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}

	return Classify(err).String()
}

// cancelled wraps the context cause into ErrCancelled.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
