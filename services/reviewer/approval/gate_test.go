// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reviewloop/services/reviewer/audit"
	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
)

// stubChannel is an in-memory NotificationChannel.
type stubChannel struct {
	mu        sync.Mutex
	sent      []Request
	decisions map[string]*Decision
	sendErr   error
}

func newStubChannel() *stubChannel {
	return &stubChannel{decisions: make(map[string]*Decision)}
}

func (s *stubChannel) Name() string { return "stub" }

func (s *stubChannel) Send(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, req)
	return nil
}

func (s *stubChannel) CheckStatus(_ context.Context, requestID string) (*Decision, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[requestID]
	return d, ok, nil
}

// decide registers a decision the next poll sweep will pick up.
func (s *stubChannel) decide(requestID string, kind DecisionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[requestID] = &Decision{RequestID: requestID, Kind: kind, Approver: "reviewer@test"}
}

func (s *stubChannel) sentRequests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.sent))
	copy(out, s.sent)
	return out
}

func newTestGate(channel NotificationChannel, ttl time.Duration) (*Gate, *audit.Ledger) {
	ledger := audit.NewLedger(nil, nil, nil)
	gate := NewGate(GateConfig{RequestTTL: ttl, PollsPerSecond: 200}, channel, ledger, nil)
	return gate, ledger
}

func sampleOutputs(n int) []datatypes.Output {
	outputs := make([]datatypes.Output, 0, n)
	for i := 0; i < n; i++ {
		outputs = append(outputs, datatypes.Output{
			ID:       "out-" + string(rune('a'+i)),
			ItemID:   "item-" + string(rune('a'+i)),
			Category: "renewal",
		})
	}
	return outputs
}

func TestGate_AwaitAllApproved(t *testing.T) {
	channel := newStubChannel()
	gate, ledger := newTestGate(channel, time.Minute)
	ctx := context.Background()

	reqs, err := gate.Submit(ctx, "s1", sampleOutputs(3))
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		channel.decide(r.RequestID, DecisionApproved)
	}

	decisions, err := gate.Await(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	for _, d := range decisions {
		assert.Equal(t, DecisionApproved, d.Kind)
		assert.NotEmpty(t, d.OutputID)
		assert.NotEmpty(t, d.ItemID)
	}

	// Every request and decision transition was audited.
	entries := ledger.Entries("s1")
	var requests, decided int
	for _, e := range entries {
		switch e.EventType {
		case audit.EventApprovalRequest:
			requests++
		case audit.EventApprovalDecide:
			decided++
		}
	}
	assert.Equal(t, 3, requests)
	assert.Equal(t, 3, decided)
}

func TestGate_ExpiryProducesSyntheticDecisions(t *testing.T) {
	channel := newStubChannel() // never decides
	gate, ledger := newTestGate(channel, 20*time.Millisecond)
	ctx := context.Background()

	_, err := gate.Submit(ctx, "s1", sampleOutputs(2))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	decisions, err := gate.Await(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	for _, d := range decisions {
		assert.Equal(t, DecisionExpired, d.Kind)
		assert.Empty(t, d.Approver)
		assert.NotEmpty(t, d.ItemID, "expired decisions carry the item for deferral bookkeeping")
	}

	expired := 0
	for _, e := range ledger.Entries("s1") {
		if e.EventType == audit.EventApprovalExpire {
			expired++
		}
	}
	assert.Equal(t, 2, expired)
}

func TestGate_ResolveViaPush(t *testing.T) {
	channel := newStubChannel() // CheckStatus never finds anything
	gate, _ := newTestGate(channel, time.Minute)
	ctx := context.Background()

	reqs, err := gate.Submit(ctx, "s1", sampleOutputs(1))
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = gate.Resolve(ctx, reqs[0].RequestID, Decision{
			Kind: DecisionModified, Approver: "reviewer@test",
			Overrides: map[string]any{"amount": 42},
		})
	}()

	decisions, err := gate.Await(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionModified, decisions[0].Kind)
	assert.Equal(t, 42, decisions[0].Overrides["amount"])
}

func TestGate_ResolveErrors(t *testing.T) {
	channel := newStubChannel()
	gate, _ := newTestGate(channel, time.Minute)
	ctx := context.Background()

	reqs, err := gate.Submit(ctx, "s1", sampleOutputs(1))
	require.NoError(t, err)
	id := reqs[0].RequestID

	assert.Error(t, gate.Resolve(ctx, id, Decision{Kind: "maybe"}), "invalid kind")
	assert.ErrorIs(t, gate.Resolve(ctx, "ghost", Decision{Kind: DecisionApproved}), ErrRequestNotFound)

	require.NoError(t, gate.Resolve(ctx, id, Decision{Kind: DecisionRejected}))
	assert.ErrorIs(t, gate.Resolve(ctx, id, Decision{Kind: DecisionApproved}), ErrAlreadyResolved)
}

func TestGate_MixedDecisionKinds(t *testing.T) {
	channel := newStubChannel()
	gate, _ := newTestGate(channel, time.Minute)
	ctx := context.Background()

	reqs, err := gate.Submit(ctx, "s1", sampleOutputs(4))
	require.NoError(t, err)
	kinds := []DecisionKind{DecisionApproved, DecisionRejected, DecisionDeferred, DecisionModified}
	for i, r := range reqs {
		channel.decide(r.RequestID, kinds[i])
	}

	decisions, err := gate.Await(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, decisions, 4)
	got := map[DecisionKind]int{}
	for _, d := range decisions {
		got[d.Kind]++
	}
	for _, k := range kinds {
		assert.Equal(t, 1, got[k], string(k))
	}
}

func TestGate_SubmitStopsOnSendFailure(t *testing.T) {
	channel := newStubChannel()
	channel.sendErr = errors.New("channel down")
	gate, _ := newTestGate(channel, time.Minute)

	sent, err := gate.Submit(context.Background(), "s1", sampleOutputs(2))
	assert.Error(t, err)
	assert.Empty(t, sent)
	assert.Empty(t, gate.Pending())
}

func TestGate_PendingListsOldestFirst(t *testing.T) {
	channel := newStubChannel()
	gate, _ := newTestGate(channel, time.Minute)

	_, err := gate.Submit(context.Background(), "s1", sampleOutputs(3))
	require.NoError(t, err)

	pending := gate.Pending()
	require.Len(t, pending, 3)
	for i := 1; i < len(pending); i++ {
		assert.False(t, pending[i].CreatedAt.Before(pending[i-1].CreatedAt))
	}
}

func TestGate_AwaitHonorsContextCancel(t *testing.T) {
	channel := newStubChannel()
	gate, _ := newTestGate(channel, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := gate.Submit(ctx, "s1", sampleOutputs(1))
	require.NoError(t, err)

	_, err = gate.Await(ctx, "s1")
	assert.Error(t, err)
}
