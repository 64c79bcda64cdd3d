// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// SessionStatus is the lifecycle status of a review session.
type SessionStatus string

const (
	// SessionRunning is the status of the single active session.
	SessionRunning SessionStatus = "Running"

	// SessionCompleted means the cycle finished with no failures.
	SessionCompleted SessionStatus = "Completed"

	// SessionFailed means the cycle was halted (error-rate breach) or
	// could not finish.
	SessionFailed SessionStatus = "Failed"

	// SessionPartialSuccess means the cycle finished but some items failed.
	SessionPartialSuccess SessionStatus = "PartialSuccess"
)

// Terminal reports whether the status is a final state.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionPartialSuccess
}

// SessionCounters tracks cumulative per-session counts.
//
// Counters are mutated only between batches by the dispatcher and session
// manager (single-writer discipline); they are never written mid-batch from
// worker goroutines.
type SessionCounters struct {
	// Discovered is the number of work candidates enqueued at cycle start.
	Discovered int `json:"discovered"`

	// Processed is the number of items that completed the pipeline.
	Processed int `json:"processed"`

	// Failed is the number of items whose pipeline run failed.
	Failed int `json:"failed"`

	// Generated is the total number of candidate outputs produced.
	Generated int `json:"generated"`

	// Approved, Modified, Rejected, Deferred, Expired count approval
	// decisions by kind.
	Approved int `json:"approved"`
	Modified int `json:"modified"`
	Rejected int `json:"rejected"`
	Deferred int `json:"deferred"`
	Expired  int `json:"expired"`
}

// SessionError records one captured per-item failure for external reporting.
type SessionError struct {
	// ItemID is the failed work item.
	ItemID string `json:"item_id"`

	// Stage is the pipeline stage that failed.
	Stage string `json:"stage,omitempty"`

	// Class is the resilience error classification.
	Class string `json:"class,omitempty"`

	// Message is the captured error text.
	Message string `json:"message"`

	// At is when the failure was recorded.
	At time.Time `json:"at"`
}

// SessionMetrics holds aggregate metrics computed at finalization.
type SessionMetrics struct {
	// Duration is total wall time from creation to completion.
	Duration time.Duration `json:"duration"`

	// AvgItemTime is the mean pipeline time per successfully processed item.
	AvgItemTime time.Duration `json:"avg_item_time"`

	// SuccessRate is processed / (processed + failed), 1.0 when nothing ran.
	SuccessRate float64 `json:"success_rate"`

	// Batches is the number of batches dispatched.
	Batches int `json:"batches"`
}

// SessionState is the aggregate state of one scheduler cycle.
//
// Exactly one SessionState may be Running per process at any time; the
// session manager enforces this. The state is persisted on every mutation
// and on finalize.
type SessionState struct {
	// SessionID uniquely identifies the session.
	SessionID string `json:"session_id"`

	// Status is the lifecycle status.
	Status SessionStatus `json:"status"`

	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the session reached a terminal status.
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Scope is the discovery scope the cycle ran with.
	Scope string `json:"scope,omitempty"`

	// Counters are the cumulative counts.
	Counters SessionCounters `json:"counters"`

	// Errors lists captured per-item failures. Non-empty whenever partial
	// failures occurred.
	Errors []SessionError `json:"errors,omitempty"`

	// Metrics are computed at finalization.
	Metrics SessionMetrics `json:"metrics"`

	// TotalItemTime accumulates successful-item pipeline durations for
	// AvgItemTime; failed items are excluded so the average reflects the
	// cost of work that produced outputs.
	TotalItemTime time.Duration `json:"total_item_time,omitempty"`
}

// RecordResult folds one processing result into the session counters.
//
// Must only be called from the single writer (dispatcher, between item
// completions within its own goroutine).
func (s *SessionState) RecordResult(r ProcessingResult) {
	if r.Success {
		s.TotalItemTime += r.Duration
		s.Counters.Processed++
		s.Counters.Generated += len(r.Outputs)
		return
	}
	s.Counters.Failed++
	s.Errors = append(s.Errors, SessionError{
		ItemID:  r.ItemID,
		Stage:   r.Stage,
		Class:   r.ErrorClass,
		Message: r.ErrorMessage,
		At:      time.Now().UTC(),
	})
}

// ErrorRate returns failed / (processed + failed), or 0 when nothing ran.
func (s *SessionState) ErrorRate() float64 {
	total := s.Counters.Processed + s.Counters.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Counters.Failed) / float64(total)
}
