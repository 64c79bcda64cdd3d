// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reviewer composes the review loop: discovery feeds the priority
// queue, the dispatcher drains it through the pipeline, generated outputs
// pass the human approval gate, and decisions are executed, audited, and
// rolled into the session record.
package reviewer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/reviewloop/pkg/validation"
	"github.com/AleutianAI/reviewloop/services/reviewer/approval"
	"github.com/AleutianAI/reviewloop/services/reviewer/audit"
	"github.com/AleutianAI/reviewloop/services/reviewer/cache"
	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
	"github.com/AleutianAI/reviewloop/services/reviewer/dispatch"
	"github.com/AleutianAI/reviewloop/services/reviewer/pipeline"
	"github.com/AleutianAI/reviewloop/services/reviewer/queue"
	"github.com/AleutianAI/reviewloop/services/reviewer/session"
)

// ExecutionSink applies an approved output to the system of record.
//
// Modified decisions carry payload overrides; the sink merges them over
// the immutable output before writing.
type ExecutionSink interface {
	Execute(ctx context.Context, output datatypes.Output, decision approval.Decision) error
}

// logSink is the default sink: it logs the write instead of performing
// one. Used when no system of record is wired.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) Execute(_ context.Context, output datatypes.Output, decision approval.Decision) error {
	s.logger.Info("executing approved output",
		"output_id", output.ID,
		"item_id", output.ItemID,
		"category", output.Category,
		"kind", string(decision.Kind))
	return nil
}

// Orchestrator runs complete review cycles.
//
// Thread Safety: One RunCycle at a time; the session manager's
// single-active invariant enforces this across callers.
type Orchestrator struct {
	queue      *queue.WorkQueue
	runner     *pipeline.Runner
	dispatcher *dispatch.Dispatcher
	gate       *approval.Gate
	ledger     *audit.Ledger
	sessions   *session.Manager
	cache      *cache.Manager
	sink       ExecutionSink
	logger     *slog.Logger
	tracer     trace.Tracer

	dispatchConfig dispatch.Config
}

// NewOrchestrator wires a review loop.
//
// Inputs:
//   - dispatchConfig: Batch shape and halt policy for the drain.
//   - runner: The three-stage pipeline. Required.
//   - gate: Approval gate. Required.
//   - ledger: Audit ledger. Required.
//   - sessions: Session manager. Required.
//   - cacheManager: Optional; its session tier is reset per cycle.
//   - sink: Optional system-of-record writer. Nil logs writes instead.
//   - logger: Optional. Defaults to slog.Default().
func NewOrchestrator(dispatchConfig dispatch.Config, runner *pipeline.Runner, gate *approval.Gate,
	ledger *audit.Ledger, sessions *session.Manager, cacheManager *cache.Manager,
	sink ExecutionSink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = logSink{logger: logger}
	}
	return &Orchestrator{
		queue:          queue.New(),
		runner:         runner,
		gate:           gate,
		ledger:         ledger,
		sessions:       sessions,
		cache:          cacheManager,
		sink:           sink,
		logger:         logger,
		tracer:         otel.Tracer("reviewloop/orchestrator"),
		dispatchConfig: dispatchConfig,
	}
}

// Queue exposes the work queue for inspection and priority updates.
func (o *Orchestrator) Queue() *queue.WorkQueue { return o.queue }

// RunCycle executes one full review cycle.
//
// # Description
//
// A cycle is: start a session, discover and enqueue work, drain the
// queue through the pipeline, submit generated outputs for approval,
// wait for decisions, execute approvals, re-enqueue deferrals for the
// next cycle, and finalize the session. A deferred item keeps its
// original priority; it is re-enqueued only after the drain has fully
// stopped so it cannot be picked up again within this cycle.
//
// Outputs:
//   - *SessionState: The finalized session record, also persisted.
//   - error: Session bootstrap or persistence failures. Pipeline and
//     approval failures are folded into the session instead.
func (o *Orchestrator) RunCycle(ctx context.Context, scope string) (*datatypes.SessionState, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RunCycle",
		trace.WithAttributes(attribute.String("scope", scope)))
	defer span.End()

	state, err := o.sessions.Start(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	span.SetAttributes(attribute.String("session.id", state.SessionID))
	o.ledger.Record(ctx, state.SessionID, audit.EventSessionStart, "", true, map[string]any{"scope": scope})

	if o.cache != nil {
		o.cache.ResetSession()
	}

	items, err := o.discover(ctx, state)
	if err != nil {
		o.failSession(ctx, state, 0, fmt.Sprintf("discovery failed: %v", err))
		return state, nil
	}

	outputs, report, err := o.drain(ctx, state)
	if err != nil {
		o.failSession(ctx, state, report.Batches, fmt.Sprintf("drain aborted: %v", err))
		return state, nil
	}
	if report.Halted {
		o.failSession(ctx, state, report.Batches, "error-rate halt")
		return state, nil
	}

	if err := o.reviewOutputs(ctx, state, items, outputs); err != nil {
		o.logger.Warn("approval flow degraded", "session_id", state.SessionID, "error", err)
	}

	status := datatypes.SessionCompleted
	if state.Counters.Failed > 0 {
		status = datatypes.SessionPartialSuccess
	}
	if err := o.sessions.Complete(ctx, state, status, report.Batches); err != nil {
		return state, fmt.Errorf("finalizing session %s: %w", state.SessionID, err)
	}
	o.recordCompletion(ctx, state)
	return state, nil
}

// discover lists work candidates and enqueues them, returning the items
// by ID for deferral bookkeeping.
func (o *Orchestrator) discover(ctx context.Context, state *datatypes.SessionState) (map[string]datatypes.WorkItem, error) {
	candidates, err := o.runner.Discover(ctx)
	if err != nil {
		return nil, err
	}

	items := make(map[string]datatypes.WorkItem, len(candidates))
	for _, item := range candidates {
		// Upstream IDs end up in storage keys and request paths;
		// refuse anything that could escape them.
		if err := validation.ValidateEntityID(item.ID); err != nil {
			o.logger.Warn("skipping candidate with unusable id", "error", err)
			continue
		}
		if o.queue.Enqueue(item) {
			items[item.ID] = item
			state.Counters.Discovered++
		}
	}
	o.logger.Info("discovery finished",
		"session_id", state.SessionID,
		"candidates", len(candidates),
		"enqueued", state.Counters.Discovered)
	return items, o.sessions.Persist(ctx, state)
}

// drain runs the dispatcher and collects generated outputs.
func (o *Orchestrator) drain(ctx context.Context, state *datatypes.SessionState) ([]datatypes.Output, dispatch.Report, error) {
	var mu sync.Mutex
	var outputs []datatypes.Output
	collect := func(_ context.Context, result datatypes.ProcessingResult) {
		mu.Lock()
		defer mu.Unlock()
		outputs = append(outputs, result.Outputs...)
	}

	dispatcher := dispatch.NewDispatcher(o.dispatchConfig, o.runner, o.ledger, collect, o.sessions.Persist, o.logger)
	report, err := dispatcher.Drain(ctx, o.queue, state)
	if err != nil {
		return nil, report, err
	}
	return outputs, report, nil
}

// reviewOutputs pushes outputs through the approval gate and routes the
// decisions.
func (o *Orchestrator) reviewOutputs(ctx context.Context, state *datatypes.SessionState,
	items map[string]datatypes.WorkItem, outputs []datatypes.Output) error {
	if len(outputs) == 0 {
		return nil
	}

	byID := make(map[string]datatypes.Output, len(outputs))
	for _, output := range outputs {
		byID[output.ID] = output
	}

	if _, err := o.gate.Submit(ctx, state.SessionID, outputs); err != nil {
		return fmt.Errorf("submitting approvals: %w", err)
	}
	decisions, err := o.gate.Await(ctx, state.SessionID)
	if err != nil {
		return fmt.Errorf("awaiting approvals: %w", err)
	}

	for _, decision := range decisions {
		o.routeDecision(ctx, state, items, byID[decision.OutputID], decision)
	}
	return o.sessions.Persist(ctx, state)
}

// routeDecision applies one approval decision.
//
// Deferred items go back on the queue with their original priority; the
// drain has already stopped, so they wait for the next cycle.
func (o *Orchestrator) routeDecision(ctx context.Context, state *datatypes.SessionState,
	items map[string]datatypes.WorkItem, output datatypes.Output, decision approval.Decision) {
	switch decision.Kind {
	case approval.DecisionApproved, approval.DecisionModified:
		if decision.Kind == approval.DecisionApproved {
			state.Counters.Approved++
		} else {
			state.Counters.Modified++
		}
		if err := o.sink.Execute(ctx, output, decision); err != nil {
			o.ledger.Record(ctx, state.SessionID, audit.EventExecutionWrite, output.ID, false, map[string]any{
				"kind":  string(decision.Kind),
				"error": err.Error(),
			})
			o.logger.Error("execution write failed", "output_id", output.ID, "error", err)
			return
		}
		o.ledger.Record(ctx, state.SessionID, audit.EventExecutionWrite, output.ID, true, map[string]any{
			"kind":     string(decision.Kind),
			"approver": decision.Approver,
		})

	case approval.DecisionRejected:
		state.Counters.Rejected++

	case approval.DecisionDeferred:
		state.Counters.Deferred++
		if item, ok := items[decision.ItemID]; ok {
			if o.queue.Enqueue(item) {
				o.logger.Info("deferred item re-enqueued",
					"item_id", item.ID, "priority", item.Priority)
			}
		}

	case approval.DecisionExpired:
		state.Counters.Expired++
	}
}

// failSession marks the session Failed and records the cause.
func (o *Orchestrator) failSession(ctx context.Context, state *datatypes.SessionState, batches int, reason string) {
	o.logger.Error("cycle failed", "session_id", state.SessionID, "reason", reason)
	state.Errors = append(state.Errors, datatypes.SessionError{
		Message: reason,
		At:      time.Now().UTC(),
	})
	if err := o.sessions.Complete(ctx, state, datatypes.SessionFailed, batches); err != nil {
		o.logger.Error("failed session could not be persisted",
			"session_id", state.SessionID, "error", err)
	}
	o.recordCompletion(ctx, state)
}

// recordCompletion writes the terminal audit entry and releases the
// ledger's in-memory log for the session.
func (o *Orchestrator) recordCompletion(ctx context.Context, state *datatypes.SessionState) {
	o.ledger.Record(ctx, state.SessionID, audit.EventSessionComplete, "", state.Status != datatypes.SessionFailed, map[string]any{
		"status":    string(state.Status),
		"processed": state.Counters.Processed,
		"failed":    state.Counters.Failed,
		"approved":  state.Counters.Approved,
		"deferred":  state.Counters.Deferred,
	})
	o.ledger.DropSession(state.SessionID)
}
