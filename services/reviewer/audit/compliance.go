// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity grades a compliance violation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// ViolationCategory identifies which compliance rule was broken.
type ViolationCategory string

const (
	ViolationUnapprovedWrite ViolationCategory = "unapproved_write"
	ViolationUnredactedData  ViolationCategory = "unredacted_data"
	ViolationAccessAnomaly   ViolationCategory = "access_anomaly"
	ViolationChainTampered   ViolationCategory = "chain_tampered"
)

// Violation is one compliance finding.
type Violation struct {
	Category    ViolationCategory `json:"category"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	EntryID     string            `json:"entry_id,omitempty"`
	EntityID    string            `json:"entity_id,omitempty"`
}

// Report is the structured result of a compliance verification run.
type Report struct {
	SessionID   string      `json:"session_id"`
	GeneratedAt time.Time   `json:"generated_at"`
	Entries     int         `json:"entries"`
	Compliant   bool        `json:"compliant"`
	Violations  []Violation `json:"violations,omitempty"`
}

// VerifyOptions tunes a compliance run.
type VerifyOptions struct {
	// ExpectedAccesses is the number of data accesses the session's work
	// volume implies. Zero disables the access-anomaly check.
	ExpectedAccesses int

	// AccessTolerance is the allowed fractional deviation from
	// ExpectedAccesses. Defaults to 0.10.
	AccessTolerance float64

	// SensitivePatterns are substrings that must not appear unredacted
	// in entry details. Defaults cover the ledger's redaction list.
	SensitivePatterns []string
}

// accessEvents are the event types counted as data accesses.
var accessEvents = map[EventType]bool{
	EventDataFetch:    true,
	EventContextFetch: true,
}

// VerifyCompliance audits a session's ledger against policy.
//
// # Description
//
// Four checks run over the full entry sequence:
//
//  1. Every execution write is preceded by an approval decision for the
//     same output.
//  2. No sensitive pattern appears unredacted in entry details.
//  3. The number of data-access events matches the expected volume
//     within tolerance.
//  4. The checksum chain replays cleanly from the first entry.
//
// Violations are reported to the alert sink as they are found. The run
// itself never fails on a violation; it fails only if the ledger cannot
// be read.
func (l *Ledger) VerifyCompliance(ctx context.Context, sessionID string, opts VerifyOptions) (*Report, error) {
	entries := l.Entries(sessionID)
	if entries == nil {
		return nil, fmt.Errorf("no ledger for session %s", sessionID)
	}
	if opts.AccessTolerance <= 0 {
		opts.AccessTolerance = 0.10
	}
	patterns := opts.SensitivePatterns
	if len(patterns) == 0 {
		patterns = defaultRedactedKeys
	}

	report := &Report{
		SessionID:   sessionID,
		GeneratedAt: time.Now().UTC(),
		Entries:     len(entries),
	}

	report.Violations = append(report.Violations, checkApprovals(entries)...)
	report.Violations = append(report.Violations, checkRedaction(entries, patterns)...)
	report.Violations = append(report.Violations, checkAccessVolume(entries, opts)...)
	report.Violations = append(report.Violations, checkChain(entries)...)

	report.Compliant = len(report.Violations) == 0
	for _, v := range report.Violations {
		complianceViolations.WithLabelValues(string(v.Category)).Inc()
		l.alerts.OnComplianceViolation(ctx, v)
	}
	return report, nil
}

// checkApprovals verifies approval-before-write ordering per output.
func checkApprovals(entries []Entry) []Violation {
	var violations []Violation
	approved := make(map[string]bool)
	for _, e := range entries {
		switch e.EventType {
		case EventApprovalDecide:
			if e.Success {
				approved[e.EntityID] = true
			}
		case EventExecutionWrite:
			if !approved[e.EntityID] {
				violations = append(violations, Violation{
					Category:    ViolationUnapprovedWrite,
					Severity:    SeverityCritical,
					Description: fmt.Sprintf("execution write for %s has no preceding approval", e.EntityID),
					EntryID:     e.EntryID,
					EntityID:    e.EntityID,
				})
			}
		}
	}
	return violations
}

// checkRedaction scans entry details for sensitive material that escaped
// redaction.
func checkRedaction(entries []Entry, patterns []string) []Violation {
	var violations []Violation
	for _, e := range entries {
		if len(e.Details) == 0 {
			continue
		}
		blob, err := json.Marshal(e.Details)
		if err != nil {
			continue
		}
		lower := strings.ToLower(string(blob))
		for _, p := range patterns {
			// A key is fine when its value is the placeholder; a raw
			// value containing the pattern is not.
			marker := fmt.Sprintf("%q:%q", strings.ToLower(p), strings.ToLower(redactedPlaceholder))
			if strings.Contains(lower, p) && !strings.Contains(lower, marker) && !detailKeyRedacted(e.Details, p) {
				violations = append(violations, Violation{
					Category:    ViolationUnredactedData,
					Severity:    SeverityHigh,
					Description: fmt.Sprintf("entry %d contains unredacted pattern %q", e.Seq, p),
					EntryID:     e.EntryID,
					EntityID:    e.EntityID,
				})
				break
			}
		}
	}
	return violations
}

// detailKeyRedacted reports whether every detail key matching the pattern
// carries the redaction placeholder.
func detailKeyRedacted(details map[string]any, pattern string) bool {
	matched := false
	for k, v := range details {
		if !strings.Contains(strings.ToLower(k), pattern) {
			continue
		}
		matched = true
		if s, ok := v.(string); !ok || s != redactedPlaceholder {
			return false
		}
	}
	return matched
}

// checkAccessVolume compares observed data accesses to the expected count.
func checkAccessVolume(entries []Entry, opts VerifyOptions) []Violation {
	if opts.ExpectedAccesses <= 0 {
		return nil
	}
	observed := 0
	for _, e := range entries {
		if accessEvents[e.EventType] {
			observed++
		}
	}
	expected := float64(opts.ExpectedAccesses)
	deviation := (float64(observed) - expected) / expected
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation > opts.AccessTolerance {
		return []Violation{{
			Category: ViolationAccessAnomaly,
			Severity: SeverityMedium,
			Description: fmt.Sprintf("observed %d data accesses, expected %d (±%.0f%%)",
				observed, opts.ExpectedAccesses, opts.AccessTolerance*100),
		}}
	}
	return nil
}

// checkChain replays the checksum chain from the first entry.
func checkChain(entries []Entry) []Violation {
	prev := ""
	for _, e := range entries {
		want := chainChecksum(prev, e)
		if e.Checksum != want {
			return []Violation{{
				Category:    ViolationChainTampered,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("checksum chain breaks at entry %d", e.Seq),
				EntryID:     e.EntryID,
				EntityID:    e.EntityID,
			}}
		}
		prev = e.Checksum
	}
	return nil
}
