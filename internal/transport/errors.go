// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package transport

import (
	"errors"
	"fmt"
)

// TransientError wraps recoverable transport failures: connection refused,
// DNS failure, request timeout, HTTP 408/429, and 5xx responses. The sync
// engine retries these with backoff; events stay queued.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient transport failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError means the server received the request and refused it
// outright (4xx other than 408/429). Retrying the same payload will not
// succeed; the sync engine dead-letters the affected events instead.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server rejected request (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server rejected request (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a non-retryable server rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
