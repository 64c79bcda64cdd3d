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
	"math/rand"
	"time"
)

// BackoffStrategy computes the pause before a given retry attempt.
//
// Attempt numbering starts at 1 for the pause after the first failure.
// Implementations must cap their result at a configured maximum.
type BackoffStrategy interface {
	// Delay returns the pause to apply before retry number attempt.
	Delay(attempt int) time.Duration
}

// fixedBackoff waits the same duration between every attempt.
type fixedBackoff struct {
	base time.Duration
	max  time.Duration
}

// NewFixedBackoff returns a strategy that always waits base, capped at max.
func NewFixedBackoff(base, max time.Duration) BackoffStrategy {
	return fixedBackoff{base: base, max: max}
}

func (b fixedBackoff) Delay(int) time.Duration {
	return capDelay(b.base, b.max)
}

// linearBackoff waits attempt * base.
type linearBackoff struct {
	base time.Duration
	max  time.Duration
}

// NewLinearBackoff returns a strategy that waits attempt * base, capped at max.
func NewLinearBackoff(base, max time.Duration) BackoffStrategy {
	return linearBackoff{base: base, max: max}
}

func (b linearBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capDelay(time.Duration(attempt)*b.base, b.max)
}

// exponentialBackoff waits base * multiplier^(attempt-1), optionally with
// uniform random jitter of up to jitterFraction of the computed value.
type exponentialBackoff struct {
	base           time.Duration
	multiplier     float64
	max            time.Duration
	jitterFraction float64
}

// NewExponentialBackoff returns a strategy that waits
// base * multiplier^(attempt-1), capped at max.
func NewExponentialBackoff(base time.Duration, multiplier float64, max time.Duration) BackoffStrategy {
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	return exponentialBackoff{base: base, multiplier: multiplier, max: max}
}

// NewExponentialJitterBackoff is NewExponentialBackoff plus uniform random
// jitter of up to 25% of the exponential value, preventing thundering herds
// of synchronized retries.
func NewExponentialJitterBackoff(base time.Duration, multiplier float64, max time.Duration) BackoffStrategy {
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	return exponentialBackoff{base: base, multiplier: multiplier, max: max, jitterFraction: 0.25}
}

func (b exponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.base)
	for i := 1; i < attempt; i++ {
		d *= b.multiplier
		if time.Duration(d) >= b.max {
			d = float64(b.max)
			break
		}
	}
	if b.jitterFraction > 0 {
		d += d * b.jitterFraction * rand.Float64()
	}
	return capDelay(time.Duration(d), b.max)
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}
