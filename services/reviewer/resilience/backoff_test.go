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
	"testing"
	"time"
)

func TestFixedBackoff(t *testing.T) {
	b := NewFixedBackoff(2*time.Second, 10*time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		if d := b.Delay(attempt); d != 2*time.Second {
			t.Errorf("attempt %d: expected 2s, got %v", attempt, d)
		}
	}
}

func TestLinearBackoff(t *testing.T) {
	b := NewLinearBackoff(time.Second, 4*time.Second)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{4, 4 * time.Second},
		{5, 4 * time.Second}, // capped
		{9, 4 * time.Second}, // capped
	}
	for _, tc := range cases {
		if d := b.Delay(tc.attempt); d != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, d)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 2.0, time.Minute)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tc := range cases {
		if d := b.Delay(tc.attempt); d != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, d)
		}
	}
}

func TestExponentialBackoff_Cap(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 2.0, 5*time.Second)
	if d := b.Delay(10); d != 5*time.Second {
		t.Errorf("expected cap at 5s, got %v", d)
	}
}

func TestExponentialJitterBackoff_Bounds(t *testing.T) {
	b := NewExponentialJitterBackoff(time.Second, 2.0, time.Minute)

	// Attempt 3 has a 4s exponential base; jitter adds up to 25%.
	lo, hi := 4*time.Second, 5*time.Second
	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}
