// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorKind categorizes stream failures for recovery decisions.
//
// Every error crossing a module boundary in the streaming path carries one
// of these kinds. The coordinator switches on the kind to pick a recovery
// strategy; handlers use it to build the client-facing error event.
type ErrorKind string

const (
	// KindAuthExpired means the upstream rejected our credential (401).
	// Recoverable via a single coordinated refresh.
	KindAuthExpired ErrorKind = "auth_expired"

	// KindRateLimited means the upstream throttled us (429).
	// Recoverable via backoff.
	KindRateLimited ErrorKind = "rate_limited"

	// KindModelUnavailable means the upstream endpoint is failing
	// (5xx, network error, or open circuit). Recoverable via retry or
	// fallback substitution.
	KindModelUnavailable ErrorKind = "model_unavailable"

	// KindParseError means a chunk could not be interpreted. Never fatal
	// on its own; surfaced only when an entire stream produces nothing.
	KindParseError ErrorKind = "parse_error"

	// KindPersistenceFailure means a turn could not be written to the
	// conversation backend. Never blocks streaming.
	KindPersistenceFailure ErrorKind = "persistence_failure"

	// KindFatal means an unrecoverable failure; the turn transitions to
	// FAILED immediately.
	KindFatal ErrorKind = "fatal"
)

// ErrNoHealthyModel is returned when both the requested model and its
// configured fallback are denied by the circuit breaker. Terminal: the
// turn fails without re-entering retry classification.
var ErrNoHealthyModel = errors.New("no healthy model available")

// Error is a categorized streaming failure.
//
// # Description
//
// Error wraps an underlying cause with the taxonomy kind the coordinator
// needs for its recovery decision, plus the Retry-After hint when the
// upstream supplied one.
//
// # Thread Safety
//
// Error values are immutable after construction.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a categorized error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the ErrorKind from any error. Errors outside the
// taxonomy are treated as fatal.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrNoHealthyModel) {
		return KindFatal
	}
	return KindFatal
}

// RetryAfterOf extracts the upstream Retry-After hint, if any.
func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// FromStatus maps an upstream HTTP status to a categorized error.
//
// # Inputs
//
//   - status: HTTP status code from the upstream response
//   - retryAfter: Parsed Retry-After header, zero when absent
//   - body: Truncated response body for the message
//
// # Outputs
//
//   - *Error: Categorized error. Unexpected 4xx codes map to KindFatal
//     since retrying a malformed request cannot succeed.
func FromStatus(status int, retryAfter time.Duration, body string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindAuthExpired, Message: "upstream rejected credential"}
	case status == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			Message:    "upstream rate limit",
			RetryAfter: retryAfter,
		}
	case status >= 500:
		return &Error{
			Kind:    KindModelUnavailable,
			Message: fmt.Sprintf("upstream returned %d: %s", status, body),
		}
	default:
		return &Error{
			Kind:    KindFatal,
			Message: fmt.Sprintf("upstream returned %d: %s", status, body),
		}
	}
}
