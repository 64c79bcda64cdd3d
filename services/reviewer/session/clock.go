// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"fmt"
	"sync"
	"time"
)

// ClockChecker validates the system clock before retention decisions.
//
// # Description
//
// Session cleanup deletes data based on age. A clock set to the future
// deletes sessions prematurely; a clock set to the past retains them
// forever. The checker bounds the current time and detects suspicious
// jumps between checks so cleanup can refuse to run on a bad clock.
//
// Thread Safety: Safe for concurrent use.
type ClockChecker interface {
	// Now returns the current time if the clock passes sanity checks.
	Now() (time.Time, error)
}

// ClockConfig bounds acceptable system time.
type ClockConfig struct {
	MinValidTime    time.Time
	MaxValidTime    time.Time
	MaxBackwardJump time.Duration
	MaxForwardJump  time.Duration
}

// DefaultClockConfig returns production bounds: times between 2025 and
// 2035, jumps limited to one hour back or two hours forward.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		MinValidTime:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValidTime:    time.Date(2035, 12, 31, 23, 59, 59, 0, time.UTC),
		MaxBackwardJump: time.Hour,
		MaxForwardJump:  2 * time.Hour,
	}
}

type clockChecker struct {
	config ClockConfig

	mu       sync.Mutex
	lastGood time.Time
	checked  bool
}

// NewClockChecker creates a checker with the given bounds. A zero config
// uses DefaultClockConfig.
func NewClockChecker(config ClockConfig) ClockChecker {
	if config.MinValidTime.IsZero() {
		config = DefaultClockConfig()
	}
	return &clockChecker{config: config}
}

func (c *clockChecker) Now() (time.Time, error) {
	now := time.Now()

	if now.Before(c.config.MinValidTime) {
		return time.Time{}, fmt.Errorf("clock sanity: %v is before minimum valid time %v",
			now.Format(time.RFC3339), c.config.MinValidTime.Format(time.RFC3339))
	}
	if now.After(c.config.MaxValidTime) {
		return time.Time{}, fmt.Errorf("clock sanity: %v is after maximum valid time %v",
			now.Format(time.RFC3339), c.config.MaxValidTime.Format(time.RFC3339))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checked {
		jump := now.Sub(c.lastGood)
		if jump < -c.config.MaxBackwardJump {
			return time.Time{}, fmt.Errorf("clock sanity: backward jump of %v (max %v)", -jump, c.config.MaxBackwardJump)
		}
		if jump > c.config.MaxForwardJump {
			return time.Time{}, fmt.Errorf("clock sanity: forward jump of %v (max %v)", jump, c.config.MaxForwardJump)
		}
	}
	c.lastGood = now
	c.checked = true
	return now, nil
}

// noopClock always passes. Test use only.
type noopClock struct{}

// NewNoopClockChecker returns a checker that performs no validation.
func NewNoopClockChecker() ClockChecker { return noopClock{} }

func (noopClock) Now() (time.Time, error) { return time.Now(), nil }
