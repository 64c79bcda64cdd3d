// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reviewloop/services/reviewer/audit"
	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
	"github.com/AleutianAI/reviewloop/services/reviewer/queue"
)

// stubProcessor fails the item IDs in failing and counts concurrency.
type stubProcessor struct {
	failing map[string]bool
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (p *stubProcessor) ProcessItem(_ context.Context, item datatypes.WorkItem) datatypes.ProcessingResult {
	p.calls.Add(1)
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		prev := p.maxInFlight.Load()
		if cur <= prev || p.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	if p.failing[item.ID] {
		return datatypes.ProcessingResult{
			ItemID: item.ID, Stage: "datasource.detail",
			ErrorClass: "transient", ErrorMessage: "upstream down",
			Duration: time.Millisecond,
		}
	}
	return datatypes.ProcessingResult{
		ItemID: item.ID, Success: true,
		Outputs:  []datatypes.Output{{ID: "out-" + item.ID, ItemID: item.ID}},
		Duration: time.Millisecond,
	}
}

func fillQueue(t *testing.T, n int) *queue.WorkQueue {
	t.Helper()
	q := queue.New()
	for i := 0; i < n; i++ {
		require.True(t, q.Enqueue(datatypes.WorkItem{ID: fmt.Sprintf("item-%02d", i), Priority: i % 3}))
	}
	return q
}

func fastConfig() Config {
	return Config{
		BatchSize:          4,
		Concurrency:        2,
		ErrorRateThreshold: 0.5,
		MinSampleSize:      4,
		BasePause:          time.Millisecond,
		MaxPause:           5 * time.Millisecond,
	}
}

func TestDispatcher_DrainsQueueCompletely(t *testing.T) {
	processor := &stubProcessor{}
	ledger := audit.NewLedger(nil, nil, nil)
	d := NewDispatcher(fastConfig(), processor, ledger, nil, nil, nil)
	q := fillQueue(t, 10)
	state := &datatypes.SessionState{SessionID: "s1", Status: datatypes.SessionRunning}

	report, err := d.Drain(context.Background(), q, state)
	require.NoError(t, err)

	assert.False(t, report.Halted)
	assert.Equal(t, 3, report.Batches, "10 items in batches of 4")
	assert.Len(t, report.Results, 10)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 10, state.Counters.Processed)
	assert.Equal(t, 10, state.Counters.Generated)
	assert.Equal(t, 0, state.Counters.Failed)
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	processor := &stubProcessor{delay: 10 * time.Millisecond}
	ledger := audit.NewLedger(nil, nil, nil)
	d := NewDispatcher(fastConfig(), processor, ledger, nil, nil, nil)
	q := fillQueue(t, 8)
	state := &datatypes.SessionState{SessionID: "s1", Status: datatypes.SessionRunning}

	_, err := d.Drain(context.Background(), q, state)
	require.NoError(t, err)
	assert.LessOrEqual(t, processor.maxInFlight.Load(), int32(2))
}

func TestDispatcher_HaltsOnErrorRate(t *testing.T) {
	// Everything fails: after the first full batch the cumulative rate
	// is 1.0, past the 0.5 threshold. Later items are never dequeued.
	failing := map[string]bool{}
	for i := 0; i < 20; i++ {
		failing[fmt.Sprintf("item-%02d", i)] = true
	}
	processor := &stubProcessor{failing: failing}
	ledger := audit.NewLedger(nil, nil, nil)
	d := NewDispatcher(fastConfig(), processor, ledger, nil, nil, nil)
	q := fillQueue(t, 20)
	state := &datatypes.SessionState{SessionID: "s1", Status: datatypes.SessionRunning}

	report, err := d.Drain(context.Background(), q, state)
	require.NoError(t, err)

	assert.True(t, report.Halted)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, int32(4), processor.calls.Load(), "only the first batch ran")
	assert.Equal(t, 16, q.Len(), "remaining items stay queued")
	assert.Len(t, state.Errors, 4)
}

func TestDispatcher_ToleratesFailuresBelowThreshold(t *testing.T) {
	// 2 of 12 items fail: cumulative rate stays under 0.5.
	processor := &stubProcessor{failing: map[string]bool{"item-01": true, "item-07": true}}
	ledger := audit.NewLedger(nil, nil, nil)
	d := NewDispatcher(fastConfig(), processor, ledger, nil, nil, nil)
	q := fillQueue(t, 12)
	state := &datatypes.SessionState{SessionID: "s1", Status: datatypes.SessionRunning}

	report, err := d.Drain(context.Background(), q, state)
	require.NoError(t, err)

	assert.False(t, report.Halted)
	assert.Equal(t, 10, state.Counters.Processed)
	assert.Equal(t, 2, state.Counters.Failed)
	assert.InDelta(t, 2.0/12.0, state.ErrorRate(), 1e-9)
}

func TestDispatcher_MinSampleSizeDefersHalt(t *testing.T) {
	// First batch of 2 fails outright, but the threshold only applies
	// once 6 items have finished.
	processor := &stubProcessor{failing: map[string]bool{"item-00": true, "item-01": true}}
	ledger := audit.NewLedger(nil, nil, nil)
	config := fastConfig()
	config.BatchSize = 2
	config.MinSampleSize = 6
	d := NewDispatcher(config, processor, ledger, nil, nil, nil)
	q := fillQueue(t, 8)
	state := &datatypes.SessionState{SessionID: "s1", Status: datatypes.SessionRunning}

	report, err := d.Drain(context.Background(), q, state)
	require.NoError(t, err)

	assert.False(t, report.Halted, "rate recovers before the sample size is reached")
	assert.Equal(t, 8, state.Counters.Processed+state.Counters.Failed)
}

func TestDispatcher_OutputHandlerSeesOnlySuccesses(t *testing.T) {
	processor := &stubProcessor{failing: map[string]bool{"item-02": true}}
	ledger := audit.NewLedger(nil, nil, nil)

	var mu sync.Mutex
	var handled []string
	handler := func(_ context.Context, result datatypes.ProcessingResult) {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, result.ItemID)
	}

	d := NewDispatcher(fastConfig(), processor, ledger, handler, nil, nil)
	q := fillQueue(t, 6)
	state := &datatypes.SessionState{SessionID: "s1", Status: datatypes.SessionRunning}

	_, err := d.Drain(context.Background(), q, state)
	require.NoError(t, err)

	assert.Len(t, handled, 5)
	assert.NotContains(t, handled, "item-02")
}

func TestDispatcher_AuditsEveryResult(t *testing.T) {
	processor := &stubProcessor{failing: map[string]bool{"item-01": true}}
	ledger := audit.NewLedger(nil, nil, nil)
	d := NewDispatcher(fastConfig(), processor, ledger, nil, nil, nil)
	q := fillQueue(t, 5)
	state := &datatypes.SessionState{SessionID: "s1", Status: datatypes.SessionRunning}

	_, err := d.Drain(context.Background(), q, state)
	require.NoError(t, err)

	var results, failures int
	for _, e := range ledger.Entries("s1") {
		if e.EventType == audit.EventItemResult {
			results++
			if !e.Success {
				failures++
			}
		}
	}
	assert.Equal(t, 5, results)
	assert.Equal(t, 1, failures)
}

func TestDispatcher_ContextCancelStopsDrain(t *testing.T) {
	processor := &stubProcessor{delay: 20 * time.Millisecond}
	ledger := audit.NewLedger(nil, nil, nil)
	d := NewDispatcher(fastConfig(), processor, ledger, nil, nil, nil)
	q := fillQueue(t, 40)
	state := &datatypes.SessionState{SessionID: "s1", Status: datatypes.SessionRunning}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := d.Drain(ctx, q, state)
	assert.Error(t, err)
	assert.Greater(t, q.Len(), 0, "cancellation leaves undrained items queued")
}

func TestDispatcher_CheckpointsStateBetweenBatches(t *testing.T) {
	processor := &stubProcessor{}
	ledger := audit.NewLedger(nil, nil, nil)

	var checkpoints []int
	persist := func(_ context.Context, state *datatypes.SessionState) error {
		checkpoints = append(checkpoints, state.Counters.Processed+state.Counters.Failed)
		return nil
	}

	d := NewDispatcher(fastConfig(), processor, ledger, nil, persist, nil)
	q := fillQueue(t, 10)
	state := &datatypes.SessionState{SessionID: "s1", Status: datatypes.SessionRunning}

	report, err := d.Drain(context.Background(), q, state)
	require.NoError(t, err)

	assert.Equal(t, report.Batches, len(checkpoints), "one checkpoint per batch")
	assert.Equal(t, []int{4, 8, 10}, checkpoints, "each checkpoint sees the batch's counters folded in")
}

func TestDispatcher_CheckpointFailureDoesNotStopDrain(t *testing.T) {
	processor := &stubProcessor{}
	ledger := audit.NewLedger(nil, nil, nil)
	persist := func(_ context.Context, _ *datatypes.SessionState) error {
		return errors.New("store offline")
	}

	d := NewDispatcher(fastConfig(), processor, ledger, nil, persist, nil)
	q := fillQueue(t, 10)
	state := &datatypes.SessionState{SessionID: "s1", Status: datatypes.SessionRunning}

	report, err := d.Drain(context.Background(), q, state)
	require.NoError(t, err)
	assert.Len(t, report.Results, 10)
	assert.Equal(t, 0, q.Len())
}
