// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig configures the retry executor.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget, including the first call.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts" validate:"omitempty,min=1"`

	// RateLimitMultiplier scales the backoff pause for rate-limited
	// failures when no explicit retry-after hint is present. Default: 2.0
	RateLimitMultiplier float64 `yaml:"rate_limit_multiplier"`
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		RateLimitMultiplier: 2.0,
	}
}

// RetryResult reports what a retried operation cost.
type RetryResult struct {
	// Attempts is the number of invocations made.
	Attempts int

	// TotalDuration is wall time including backoff pauses.
	TotalDuration time.Duration

	// LastClass is the classification of the final error, empty on success.
	LastClass ErrorClass
}

// Operation is a fallible upstream call.
type Operation func(ctx context.Context) error

// Executor retries operations according to their error class.
//
// Policy per class:
//   - Transient/Unknown: retry with the configured backoff strategy.
//   - RateLimited: honor an explicit retry-after hint when present,
//     otherwise apply the backoff scaled by RateLimitMultiplier. Same
//     attempt budget as transient failures.
//   - Authentication: refresh credentials once and retry once; a second
//     authentication failure is returned without further attempts.
//   - Permanent: fail immediately.
//
// Exhausting the attempt budget returns a *RetryExhaustedError wrapping the
// last underlying error.
//
// Thread Safety: Safe for concurrent use.
type Executor struct {
	config      RetryConfig
	backoff     BackoffStrategy
	credentials CredentialProvider
	logger      *slog.Logger
}

// NewExecutor creates a retry executor.
//
// Inputs:
//   - config: Attempt budget and rate-limit scaling. Zero fields default.
//   - backoff: Pause strategy between attempts. Nil defaults to exponential
//     backoff with jitter (1s base, x2, 30s cap).
//   - credentials: Optional refresh hook for authentication failures.
//   - logger: Optional. Defaults to slog.Default().
func NewExecutor(config RetryConfig, backoff BackoffStrategy, credentials CredentialProvider, logger *slog.Logger) *Executor {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.RateLimitMultiplier <= 0 {
		config.RateLimitMultiplier = def.RateLimitMultiplier
	}
	if backoff == nil {
		backoff = NewExponentialJitterBackoff(time.Second, 2.0, 30*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{config: config, backoff: backoff, credentials: credentials, logger: logger}
}

// Execute invokes op, retrying per the error-class policy.
//
// Inputs:
//   - ctx: Cancellation. A cancelled context stops further attempts.
//   - operation: Name used in errors, logs, and the retry-exhausted failure.
//   - op: The fallible call.
//
// Outputs:
//   - RetryResult: Attempt count and elapsed time.
//   - error: Nil on success; the classified error for non-retryable
//     failures; *RetryExhaustedError when the budget is spent.
func (e *Executor) Execute(ctx context.Context, operation string, op Operation) (RetryResult, error) {
	start := time.Now()
	result := RetryResult{}
	refreshed := false
	var lastErr error

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		result.Attempts = attempt
		err := op(ctx)
		if err == nil {
			result.TotalDuration = time.Since(start)
			result.LastClass = ""
			return result, nil
		}

		lastErr = err
		class := Classify(err)
		result.LastClass = class

		switch class {
		case ClassPermanent:
			result.TotalDuration = time.Since(start)
			return result, err

		case ClassAuthentication:
			if refreshed {
				// One refresh, one retry. Second auth failure is final.
				result.TotalDuration = time.Since(start)
				return result, err
			}
			if e.credentials == nil {
				result.TotalDuration = time.Since(start)
				return result, ErrNoCredentialProvider
			}
			if refreshErr := e.credentials.Refresh(ctx); refreshErr != nil {
				e.logger.Error("credential refresh failed",
					"operation", operation, "error", refreshErr)
				result.TotalDuration = time.Since(start)
				return result, err
			}
			refreshed = true
			e.logger.Info("credentials refreshed, retrying",
				"operation", operation, "attempt", attempt)
			// The refresh retry does not consume backoff time.
			continue
		}

		if attempt == e.config.MaxAttempts {
			result.TotalDuration = time.Since(start)
			return result, &RetryExhaustedError{
				Operation: operation,
				Attempts:  attempt,
				LastErr:   err,
			}
		}

		pause := e.pauseFor(class, err, attempt)
		e.logger.Warn("attempt failed, backing off",
			"operation", operation,
			"attempt", attempt,
			"class", string(class),
			"pause", pause,
			"error", err)

		select {
		case <-ctx.Done():
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(pause):
		}
	}

	// Reached only when the final attempt budget was consumed by the
	// post-refresh continue.
	result.TotalDuration = time.Since(start)
	return result, &RetryExhaustedError{
		Operation: operation,
		Attempts:  result.Attempts,
		LastErr:   lastErr,
	}
}

// ExecuteWithBreaker composes retry with a circuit breaker: the breaker is
// consulted before every attempt and records each outcome. A refused call
// returns ErrCircuitOpen immediately.
func (e *Executor) ExecuteWithBreaker(ctx context.Context, cb *CircuitBreaker, op Operation) (RetryResult, error) {
	return e.Execute(ctx, cb.Name(), func(ctx context.Context) error {
		if !cb.Allow() {
			return &ClassifiedError{Class: ClassPermanent, Err: ErrCircuitOpen}
		}
		if err := op(ctx); err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}

// pauseFor computes the pause before the next attempt.
func (e *Executor) pauseFor(class ErrorClass, err error, attempt int) time.Duration {
	if class == ClassRateLimited {
		if hint := RetryAfterHint(err); hint > 0 {
			return hint
		}
		return time.Duration(float64(e.backoff.Delay(attempt)) * e.config.RateLimitMultiplier)
	}
	return e.backoff.Delay(attempt)
}
