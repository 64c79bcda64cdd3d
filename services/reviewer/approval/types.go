// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval implements the asynchronous human approval gate.
//
// Generated outputs are packaged into approval requests, delivered to a
// human reviewer over a notification channel, and resolved by polling or
// by direct push. Requests that outlive their deadline resolve to a
// synthetic Expired decision so a cycle can always finish. Every state
// transition lands in the audit ledger.
package approval

import (
	"context"
	"time"

	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
)

// Status is an approval request's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusDecided Status = "decided"
	StatusExpired Status = "expired"
)

// DecisionKind is what the approver chose. Expired is synthetic: it is
// produced by the gate, never by a human.
type DecisionKind string

const (
	DecisionApproved DecisionKind = "approved"
	DecisionModified DecisionKind = "modified"
	DecisionRejected DecisionKind = "rejected"
	DecisionDeferred DecisionKind = "deferred"
	DecisionExpired  DecisionKind = "expired"
)

// Valid reports whether the kind is one a human may submit.
func (k DecisionKind) Valid() bool {
	switch k {
	case DecisionApproved, DecisionModified, DecisionRejected, DecisionDeferred:
		return true
	}
	return false
}

// Request packages one output for human review.
type Request struct {
	// RequestID uniquely identifies the request.
	RequestID string `json:"request_id"`

	// SessionID is the cycle the output belongs to.
	SessionID string `json:"session_id"`

	// Output is the candidate being reviewed.
	Output datatypes.Output `json:"output"`

	// CreatedAt is when the request was issued.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt bounds how long the gate waits for a decision.
	ExpiresAt time.Time `json:"expires_at"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`
}

// Decision resolves one request.
type Decision struct {
	// RequestID is the resolved request.
	RequestID string `json:"request_id"`

	// OutputID is the output the decision applies to.
	OutputID string `json:"output_id"`

	// ItemID is the work item the output was generated for. Deferred
	// decisions re-enqueue this item.
	ItemID string `json:"item_id"`

	// Kind is the approver's choice, or Expired.
	Kind DecisionKind `json:"kind"`

	// Approver identifies who decided. Empty for synthetic decisions.
	Approver string `json:"approver,omitempty"`

	// Comment is the approver's free-form note.
	Comment string `json:"comment,omitempty"`

	// Overrides carries payload changes for Modified decisions. The
	// original output stays immutable; overrides travel with the
	// decision.
	Overrides map[string]any `json:"overrides,omitempty"`

	// DecidedAt is when the decision was made.
	DecidedAt time.Time `json:"decided_at"`
}

// NotificationChannel delivers approval requests to reviewers and reports
// decisions back.
//
// Implementations are pull-based: the gate polls CheckStatus on its own
// schedule. Push-capable transports additionally resolve requests through
// Gate.Resolve and may return (nil, false, nil) from CheckStatus forever.
type NotificationChannel interface {
	// Name identifies the channel in logs and audit entries.
	Name() string

	// Send delivers a new request to the reviewer.
	Send(ctx context.Context, req Request) error

	// CheckStatus reports the decision for a request, if one has been
	// made. found is false while the request is still undecided.
	CheckStatus(ctx context.Context, requestID string) (*Decision, bool, error)
}
