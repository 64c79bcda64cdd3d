// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the review
// orchestration core: work items, generated outputs, per-item processing
// results, and session state.
//
// Types here are passed between the queue, dispatcher, approval gate,
// audit ledger, and session manager. They carry no behavior beyond small
// accessors so that every component can depend on them without cycles.
package datatypes

import "time"

// WorkItem is one unit of schedulable work (one account-equivalent entity).
//
// # Ordering
//
// Items are ordered by (Priority, LastProcessed): lower Priority values are
// more urgent, and among equal priorities the least-recently-processed item
// wins. A zero LastProcessed means the item has never been processed and
// sorts before any processed item of the same priority.
type WorkItem struct {
	// ID uniquely identifies the underlying entity (e.g. an account ID).
	ID string `json:"id"`

	// Priority is the scheduling priority. Lower is more urgent.
	Priority int `json:"priority"`

	// LastProcessed is when the item last completed a pipeline run.
	// Zero value means never processed.
	LastProcessed time.Time `json:"last_processed,omitempty"`
}

// Output is a candidate recommendation produced by the output generator.
//
// Outputs are immutable once produced; modifications requested during
// approval are carried as overrides on the decision, not written back here.
type Output struct {
	// ID uniquely identifies this output.
	ID string `json:"id"`

	// ItemID is the work item this output was generated for.
	ItemID string `json:"item_id"`

	// Category groups outputs by kind (e.g. "renewal", "expansion", "risk").
	Category string `json:"category"`

	// Priority ranks outputs within a category. Lower is more urgent.
	Priority int `json:"priority"`

	// Confidence is the generator's confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Summary is a short human-readable description shown to approvers.
	Summary string `json:"summary"`

	// Payload holds the generator-specific action body.
	Payload map[string]any `json:"payload,omitempty"`
}

// ProcessingResult captures the outcome of running one work item through
// the three-stage pipeline. Immutable once produced.
type ProcessingResult struct {
	// ItemID is the processed work item.
	ItemID string `json:"item_id"`

	// Success is true when all three stages completed.
	Success bool `json:"success"`

	// Outputs holds the generated candidate outputs on success.
	Outputs []Output `json:"outputs,omitempty"`

	// Stage names the pipeline stage that failed, empty on success.
	Stage string `json:"stage,omitempty"`

	// ErrorClass is the resilience classification of Err, empty on success.
	ErrorClass string `json:"error_class,omitempty"`

	// Err is the captured failure. Never set on success.
	Err error `json:"-"`

	// ErrorMessage mirrors Err for serialization.
	ErrorMessage string `json:"error,omitempty"`

	// Duration is the wall time spent on this item.
	Duration time.Duration `json:"duration"`
}
