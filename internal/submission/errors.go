// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package submission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/validation"
	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrNoCredentials is returned when no bearer token can be obtained.
var ErrNoCredentials = errors.New("no credentials available")

// Error describes a failed submission. StatusCode is zero for failures that
// never produced an HTTP response.
type Error struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": " + e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Class is the orchestrator-facing meaning of a submission failure.
type Class int

const (
	// ClassNone means no error.
	ClassNone Class = iota
	// ClassRetryable failures (network, timeout, 5xx, 429) are retried with backoff.
	ClassRetryable
	// ClassAuth failures (401) are retried after refreshing credentials.
	ClassAuth
	// ClassTerminal failures (other 4xx) will not succeed on retry.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	case ClassAuth:
		return "auth"
	case ClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Classify maps err to a Class. Errors it does not recognize are retryable:
// an unknown failure must never cost the user their data.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var subErr *Error
	if errors.As(err, &subErr) && subErr.StatusCode != 0 {
		return classifyStatus(subErr.StatusCode)
	}

	var valErr *validation.Error
	switch {
	case errors.Is(err, ErrNoCredentials):
		return ClassAuth
	case errors.As(err, &valErr):
		return ClassTerminal
	case IsRejectedLocally(err):
		return ClassRetryable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassRetryable
	}
	return ClassRetryable
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusUnauthorized:
		return ClassAuth
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return ClassRetryable
	case code >= 500:
		return ClassRetryable
	case code >= 400:
		return ClassTerminal
	default:
		return ClassRetryable
	}
}

// IsRejectedLocally reports whether err came from the circuit breaker
// refusing the call, so no request reached the server.
func IsRejectedLocally(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var subErr *Error
	return errors.As(err, &subErr) && subErr.StatusCode == http.StatusTooManyRequests
}

// RetryAfterOf returns the server's Retry-After hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var subErr *Error
	if errors.As(err, &subErr) {
		return subErr.RetryAfter
	}
	return 0
}
