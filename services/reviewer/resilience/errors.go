// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience wraps fallible upstream calls with error
// classification, retry with backoff, and per-operation circuit breaking.
//
// The package models expected failure outcomes as returned values rather
// than panics: a refused call yields ErrCircuitOpen, and exhausting all
// attempts yields a *RetryExhaustedError wrapping the last underlying
// error. Callers are expected to branch on these in normal control flow.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorClass categorizes upstream failures for retry policy selection.
type ErrorClass string

const (
	// ClassTransient covers network blips, timeouts, and 5xx-style
	// failures that are worth retrying with backoff.
	ClassTransient ErrorClass = "transient"

	// ClassRateLimited covers 429/503 responses and explicit rate-limit
	// messages. Retried with a longer pause, honoring a retry-after hint
	// when one is present.
	ClassRateLimited ErrorClass = "rate_limited"

	// ClassAuthentication covers 401/403. Retried exactly once after a
	// credential refresh.
	ClassAuthentication ErrorClass = "authentication"

	// ClassPermanent covers 400/404/422 and other failures that will not
	// succeed on retry. Failed immediately.
	ClassPermanent ErrorClass = "permanent"

	// ClassUnknown is anything unclassifiable. Treated like transient.
	ClassUnknown ErrorClass = "unknown"
)

var (
	// ErrCircuitOpen is returned when a breaker refuses a call without
	// invoking the protected operation.
	ErrCircuitOpen = errors.New("circuit open: operation refused")

	// ErrNoCredentialProvider is returned when an authentication failure
	// occurs and no credential provider is configured to refresh.
	ErrNoCredentialProvider = errors.New("authentication failed and no credential provider configured")
)

// ClassifiedError is an upstream error carrying an explicit classification.
//
// Collaborators that know their failure semantics (HTTP status, rate-limit
// headers) should return this type so classification does not fall back to
// message scanning.
type ClassifiedError struct {
	// Class is the failure classification.
	Class ErrorClass

	// StatusCode is the HTTP-like status code, 0 when not applicable.
	StatusCode int

	// RetryAfter is an explicit server-provided pause hint, 0 when absent.
	RetryAfter time.Duration

	// Err is the underlying error.
	Err error
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// RetryExhaustedError reports that every attempt failed. It wraps the last
// underlying error so callers can still inspect the root cause.
type RetryExhaustedError struct {
	// Operation is the protected operation name.
	Operation string

	// Attempts is the number of invocations made.
	Attempts int

	// LastErr is the error from the final attempt.
	LastErr error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted for %s after %d attempts: %v", e.Operation, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// IsRetryExhausted reports whether err is (or wraps) a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}

// IsCircuitOpen reports whether err is (or wraps) ErrCircuitOpen.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// statusClass maps an HTTP-like status code to an error class.
func statusClass(code int) (ErrorClass, bool) {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return ClassRateLimited, true
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassAuthentication, true
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return ClassPermanent, true
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ClassTransient, true
	}
	if code >= 500 {
		return ClassTransient, true
	}
	return ClassUnknown, false
}

// transientFragments are message substrings that indicate a transient
// network failure when no structured classification is available.
var transientFragments = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporarily unavailable",
	"no such host",
	"eof",
}

// rateLimitFragments indicate rate limiting in unstructured error text.
var rateLimitFragments = []string{
	"rate limit",
	"rate-limit",
	"too many requests",
	"quota exceeded",
}

// Classify assigns an ErrorClass to an arbitrary upstream error.
//
// Classification order:
//  1. Context cancellation/deadline: permanent (retrying a dead context
//     is pointless).
//  2. An explicit *ClassifiedError anywhere in the chain wins.
//  3. net.Error timeouts are transient.
//  4. Message scanning for rate-limit and network fragments.
//  5. Everything else is unknown.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if ce.Class != "" && ce.Class != ClassUnknown {
			return ce.Class
		}
		if class, ok := statusClass(ce.StatusCode); ok {
			return class
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range rateLimitFragments {
		if strings.Contains(msg, frag) {
			return ClassRateLimited
		}
	}
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return ClassTransient
		}
	}

	return ClassUnknown
}

// RetryAfterHint extracts an explicit retry-after pause from the error
// chain, returning 0 when none is present.
func RetryAfterHint(err error) time.Duration {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		return ce.RetryAfter
	}
	return 0
}
