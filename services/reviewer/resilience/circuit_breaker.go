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
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows calls through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen refuses all calls until the open timeout elapses.
	CircuitOpen

	// CircuitHalfOpen allows probe calls to test recovery.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens. Default: 5
	FailureThreshold int `yaml:"failure_threshold" validate:"omitempty,min=1"`

	// OpenTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default: 30s
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// HalfOpenThreshold is the number of consecutive successes in
	// half-open state required to close the breaker. Default: 2
	HalfOpenThreshold int `yaml:"half_open_threshold" validate:"omitempty,min=1"`
}

// DefaultBreakerConfig returns sensible defaults for upstream dependencies.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		OpenTimeout:       30 * time.Second,
		HalfOpenThreshold: 2,
	}
}

// CircuitBreaker guards one named upstream operation.
//
// State transitions:
//
//	Closed    -> Open      after FailureThreshold consecutive failures
//	Open      -> HalfOpen  after OpenTimeout elapses
//	HalfOpen  -> Closed    after HalfOpenThreshold consecutive successes
//	HalfOpen  -> Open      on any failure
//
// While open and before the timeout elapses, Allow returns false and callers
// must fail fast with ErrCircuitOpen without invoking the operation.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

// NewCircuitBreaker creates a breaker for the named operation, starting
// closed. Zero config fields fall back to DefaultBreakerConfig values.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = def.OpenTimeout
	}
	if config.HalfOpenThreshold <= 0 {
		config.HalfOpenThreshold = def.HalfOpenThreshold
	}
	return &CircuitBreaker{name: name, config: config, state: CircuitClosed}
}

// Name returns the protected operation name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed, transitioning Open -> HalfOpen
// when the open timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.config.OpenTimeout {
			cb.state = CircuitHalfOpen
			cb.consecutiveSuccesses = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures = 0
	case CircuitHalfOpen:
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.HalfOpenThreshold {
			cb.state = CircuitClosed
			cb.consecutiveFailures = 0
			cb.consecutiveSuccesses = 0
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		// Any failure while probing reopens the circuit.
		cb.open()
	}
}

// open transitions to CircuitOpen. Must be called with the lock held.
func (cb *CircuitBreaker) open() {
	cb.state = CircuitOpen
	cb.openedAt = time.Now()
	cb.consecutiveSuccesses = 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Do executes fn under breaker protection.
//
// Returns ErrCircuitOpen without invoking fn when the breaker refuses the
// call; otherwise invokes fn and records the outcome.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Stats is a point-in-time snapshot of breaker state for observability.
type Stats struct {
	Name                 string
	State                CircuitState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
}

// Stats returns a snapshot of the breaker's current state.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:                 cb.name,
		State:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		OpenedAt:             cb.openedAt,
	}
}

// Registry holds one breaker per named operation, creating breakers lazily
// with a shared config.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a breaker registry with the given shared config.
func NewRegistry(config BreakerConfig) *Registry {
	return &Registry{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for the named operation, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, r.config)
		r.breakers[name] = cb
	}
	return cb
}

// Snapshot returns stats for every registered breaker.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Stats())
	}
	return out
}
