// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reviewer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reviewloop/services/reviewer/approval"
	"github.com/AleutianAI/reviewloop/services/reviewer/audit"
	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
	"github.com/AleutianAI/reviewloop/services/reviewer/dispatch"
	"github.com/AleutianAI/reviewloop/services/reviewer/pipeline"
	"github.com/AleutianAI/reviewloop/services/reviewer/resilience"
	"github.com/AleutianAI/reviewloop/services/reviewer/session"
	"github.com/AleutianAI/reviewloop/services/reviewer/storage/badgerstore"
)

// autoChannel decides every request with a fixed kind as soon as it is
// polled.
type autoChannel struct {
	kind approval.DecisionKind

	mu   sync.Mutex
	sent map[string]approval.Request
}

func newAutoChannel(kind approval.DecisionKind) *autoChannel {
	return &autoChannel{kind: kind, sent: make(map[string]approval.Request)}
}

func (c *autoChannel) Name() string { return "auto" }

func (c *autoChannel) Send(_ context.Context, req approval.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[req.RequestID] = req
	return nil
}

func (c *autoChannel) CheckStatus(_ context.Context, requestID string) (*approval.Decision, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sent[requestID]; !ok {
		return nil, false, nil
	}
	return &approval.Decision{
		RequestID: requestID,
		Kind:      c.kind,
		Approver:  "reviewer@test",
		DecidedAt: time.Now().UTC(),
	}, true, nil
}

// testSource serves a fixed fleet of items; failing IDs error at the
// detail stage.
type testSource struct {
	items   []datatypes.WorkItem
	failing map[string]bool
}

func (s *testSource) FetchWorkCandidates(context.Context) ([]datatypes.WorkItem, error) {
	return s.items, nil
}

func (s *testSource) FetchItemDetail(_ context.Context, itemID string) (json.RawMessage, error) {
	if s.failing[itemID] {
		return nil, &resilience.ClassifiedError{Class: resilience.ClassPermanent, Err: assert.AnError}
	}
	return json.RawMessage(`{"id":"` + itemID + `"}`), nil
}

type testProvider struct{}

func (testProvider) FetchContext(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"history":[]}`), nil
}

type testGenerator struct{}

func (testGenerator) Generate(_ context.Context, item datatypes.WorkItem, _, _ json.RawMessage) ([]datatypes.Output, error) {
	return []datatypes.Output{{
		ID: "out-" + item.ID, ItemID: item.ID, Category: "renewal", Confidence: 0.8,
	}}, nil
}

// recordingSink captures execution writes.
type recordingSink struct {
	mu       sync.Mutex
	executed []string
}

func (s *recordingSink) Execute(_ context.Context, output datatypes.Output, _ approval.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, output.ID)
	return nil
}

type testHarness struct {
	orchestrator *Orchestrator
	channel      *autoChannel
	sink         *recordingSink
	sessions     *session.Manager
	ledger       *audit.Ledger
	store        *badgerstore.Store
}

func newHarness(t *testing.T, source *testSource, kind approval.DecisionKind) *testHarness {
	t.Helper()
	store, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ledger := audit.NewLedger(store, nil, nil)
	channel := newAutoChannel(kind)
	gate := approval.NewGate(approval.GateConfig{RequestTTL: time.Minute, PollsPerSecond: 200}, channel, ledger, nil)
	sessions := session.NewManager(store, nil, session.NewNoopClockChecker(), nil)

	executor := resilience.NewExecutor(resilience.RetryConfig{MaxAttempts: 2},
		resilience.NewFixedBackoff(time.Millisecond, time.Millisecond), nil, nil)
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	runner := pipeline.NewRunner(pipeline.RunnerConfig{}, source, testProvider{}, testGenerator{}, nil, executor, breakers, nil)

	sink := &recordingSink{}
	dispatchConfig := dispatch.Config{
		BatchSize: 3, Concurrency: 2, ErrorRateThreshold: 0.5, MinSampleSize: 3,
		BasePause: time.Millisecond, MaxPause: 5 * time.Millisecond,
	}
	orchestrator := NewOrchestrator(dispatchConfig, runner, gate, ledger, sessions, nil, sink, nil)
	return &testHarness{
		orchestrator: orchestrator,
		channel:      channel,
		sink:         sink,
		sessions:     sessions,
		ledger:       ledger,
		store:        store,
	}
}

func fleet(ids ...string) []datatypes.WorkItem {
	items := make([]datatypes.WorkItem, 0, len(ids))
	for i, id := range ids {
		items = append(items, datatypes.WorkItem{ID: id, Priority: i % 2})
	}
	return items
}

func TestRunCycle_CompletedWithApprovals(t *testing.T) {
	source := &testSource{items: fleet("acct-1", "acct-2", "acct-3", "acct-4")}
	h := newHarness(t, source, approval.DecisionApproved)

	state, err := h.orchestrator.RunCycle(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, datatypes.SessionCompleted, state.Status)
	assert.Equal(t, 4, state.Counters.Discovered)
	assert.Equal(t, 4, state.Counters.Processed)
	assert.Equal(t, 4, state.Counters.Generated)
	assert.Equal(t, 4, state.Counters.Approved)
	assert.Equal(t, 0, state.Counters.Failed)
	assert.Len(t, h.sink.executed, 4)
	assert.Equal(t, 0, h.orchestrator.Queue().Len())
	assert.Nil(t, h.sessions.Active())
}

func TestRunCycle_PartialSuccessOnItemFailures(t *testing.T) {
	source := &testSource{
		items:   fleet("acct-1", "acct-2", "acct-3", "acct-4", "acct-5", "acct-6"),
		failing: map[string]bool{"acct-3": true},
	}
	h := newHarness(t, source, approval.DecisionApproved)

	state, err := h.orchestrator.RunCycle(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, datatypes.SessionPartialSuccess, state.Status)
	assert.Equal(t, 5, state.Counters.Processed)
	assert.Equal(t, 1, state.Counters.Failed)
	require.Len(t, state.Errors, 1)
	assert.Equal(t, "acct-3", state.Errors[0].ItemID)
	assert.Len(t, h.sink.executed, 5)
}

func TestRunCycle_HaltFailsSession(t *testing.T) {
	failing := map[string]bool{}
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}
	for _, id := range ids {
		failing[id] = true
	}
	source := &testSource{items: fleet(ids...), failing: failing}
	h := newHarness(t, source, approval.DecisionApproved)

	state, err := h.orchestrator.RunCycle(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, datatypes.SessionFailed, state.Status)
	assert.Empty(t, h.sink.executed, "nothing reaches execution after a halt")
	assert.Greater(t, h.orchestrator.Queue().Len(), 0, "undrained items stay queued")
}

func TestRunCycle_DeferredItemsWaitForNextCycle(t *testing.T) {
	source := &testSource{items: fleet("acct-1", "acct-2")}
	h := newHarness(t, source, approval.DecisionDeferred)

	state, err := h.orchestrator.RunCycle(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, 2, state.Counters.Deferred)
	assert.Empty(t, h.sink.executed)

	// Both items are back on the queue with their original priorities.
	q := h.orchestrator.Queue()
	assert.Equal(t, 2, q.Len())
	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "acct-1", head.ID, "priority 0 item stays ahead")

	// The next cycle approves them.
	h.channel.kind = approval.DecisionApproved
	second, err := h.orchestrator.RunCycle(context.Background(), "all")
	require.NoError(t, err)
	assert.Equal(t, datatypes.SessionCompleted, second.Status)
	assert.Len(t, h.sink.executed, 2)
	assert.Equal(t, 0, q.Len())
}

func TestRunCycle_SkipsCandidatesWithHostileIDs(t *testing.T) {
	items := fleet("acct-1")
	items = append(items, datatypes.WorkItem{ID: "../../etc/passwd"})
	source := &testSource{items: items}
	h := newHarness(t, source, approval.DecisionApproved)

	state, err := h.orchestrator.RunCycle(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, 1, state.Counters.Discovered)
	assert.Equal(t, 1, state.Counters.Processed)
	assert.Len(t, h.sink.executed, 1)
}

func TestRunCycle_SecondSessionBlockedWhileRunning(t *testing.T) {
	source := &testSource{items: fleet("acct-1")}
	h := newHarness(t, source, approval.DecisionApproved)
	ctx := context.Background()

	// Occupy the active slot directly.
	_, err := h.sessions.Start(ctx, "manual")
	require.NoError(t, err)

	_, err = h.orchestrator.RunCycle(ctx, "all")
	assert.ErrorIs(t, err, session.ErrSessionActive)
}

func TestRunCycle_AuditTrailSurvivesInDurableStore(t *testing.T) {
	source := &testSource{items: fleet("acct-1")}
	h := newHarness(t, source, approval.DecisionApproved)
	ctx := context.Background()

	state, err := h.orchestrator.RunCycle(ctx, "all")
	require.NoError(t, err)

	// The in-memory log was dropped at completion; reload from badger.
	loaded, err := h.ledger.LoadSession(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Greater(t, loaded, 0)

	report, err := h.ledger.VerifyCompliance(ctx, state.SessionID, audit.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, report.Compliant)

	trail := h.ledger.BuildTrail(state.SessionID, "out-acct-1", "acct-1")
	require.NotEmpty(t, trail)
	assert.Equal(t, audit.EventExecutionWrite, trail[len(trail)-1].EventType)
}
