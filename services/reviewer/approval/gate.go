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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/reviewloop/services/reviewer/audit"
	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
)

var (
	// ErrRequestNotFound is returned when resolving an unknown request.
	ErrRequestNotFound = errors.New("approval request not found")

	// ErrAlreadyResolved is returned when resolving a request twice.
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// GateConfig tunes the approval gate.
type GateConfig struct {
	// RequestTTL is how long a request may stay pending before it
	// expires with a synthetic Expired decision.
	RequestTTL time.Duration

	// PollsPerSecond paces status polling against the channel.
	PollsPerSecond float64
}

// DefaultGateConfig returns production defaults: 4 hour approval window,
// one poll sweep per two seconds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		RequestTTL:     4 * time.Hour,
		PollsPerSecond: 0.5,
	}
}

// pendingRequest tracks one in-flight request.
type pendingRequest struct {
	request  Request
	decision *Decision
}

// Gate is the asynchronous approval state machine.
//
// # Description
//
// Submit issues requests over the notification channel; Await blocks
// until every request of a session is resolved. Resolution happens two
// ways: the gate's poll loop asks the channel, and push transports (the
// approvals HTTP API, a websocket reader) call Resolve directly. Both
// paths funnel through the same transition, so a request resolves
// exactly once.
//
// Thread Safety: Safe for concurrent use.
type Gate struct {
	config  GateConfig
	channel NotificationChannel
	ledger  *audit.Ledger
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	wake    chan struct{}
}

// NewGate creates an approval gate.
//
// Inputs:
//   - config: TTL and poll pacing. Zero fields default.
//   - channel: Delivery transport. Required.
//   - ledger: Audit ledger; every transition is recorded. Required.
//   - logger: Optional. Defaults to slog.Default().
func NewGate(config GateConfig, channel NotificationChannel, ledger *audit.Ledger, logger *slog.Logger) *Gate {
	def := DefaultGateConfig()
	if config.RequestTTL <= 0 {
		config.RequestTTL = def.RequestTTL
	}
	if config.PollsPerSecond <= 0 {
		config.PollsPerSecond = def.PollsPerSecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		config:  config,
		channel: channel,
		ledger:  ledger,
		limiter: rate.NewLimiter(rate.Limit(config.PollsPerSecond), 1),
		logger:  logger,
		pending: make(map[string]*pendingRequest),
		wake:    make(chan struct{}, 1),
	}
}

// Submit packages outputs into approval requests and delivers them.
//
// A delivery failure stops submission and returns the requests sent so
// far; already-sent requests stay pending and are still awaited.
func (g *Gate) Submit(ctx context.Context, sessionID string, outputs []datatypes.Output) ([]Request, error) {
	now := time.Now().UTC()
	var sent []Request
	for _, output := range outputs {
		req := Request{
			RequestID: uuid.NewString(),
			SessionID: sessionID,
			Output:    output,
			CreatedAt: now,
			ExpiresAt: now.Add(g.config.RequestTTL),
			Status:    StatusPending,
		}
		if err := g.channel.Send(ctx, req); err != nil {
			return sent, fmt.Errorf("sending approval request for output %s: %w", output.ID, err)
		}

		g.mu.Lock()
		g.pending[req.RequestID] = &pendingRequest{request: req}
		g.mu.Unlock()

		requestsSubmitted.WithLabelValues(g.channel.Name()).Inc()
		g.ledger.Record(ctx, sessionID, audit.EventApprovalRequest, output.ID, true, map[string]any{
			"request_id": req.RequestID,
			"channel":    g.channel.Name(),
			"expires_at": req.ExpiresAt,
		})
		sent = append(sent, req)
	}
	return sent, nil
}

// Resolve applies a decision pushed from outside the poll loop.
func (g *Gate) Resolve(ctx context.Context, requestID string, decision Decision) error {
	if !decision.Kind.Valid() {
		return fmt.Errorf("invalid decision kind %q", decision.Kind)
	}

	g.mu.Lock()
	pr, ok := g.pending[requestID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if pr.decision != nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
	}
	g.applyLocked(pr, decision)
	g.mu.Unlock()

	g.recordDecision(ctx, pr.request, decision)
	g.signal()
	return nil
}

// Pending lists undecided requests, oldest first. Used by the approvals
// API.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Request
	for _, pr := range g.pending {
		if pr.decision == nil {
			out = append(out, pr.request)
		}
	}
	sortRequests(out)
	return out
}

// Lookup returns one tracked request.
func (g *Gate) Lookup(requestID string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pr, ok := g.pending[requestID]
	if !ok {
		return Request{}, false
	}
	return pr.request, true
}

// Await blocks until every request of the session is resolved.
//
// # Description
//
// A single poll loop paces CheckStatus sweeps with the gate's rate
// limiter. Requests past their deadline resolve to a synthetic Expired
// decision. The call returns all decisions for the session, including
// expiries, once none remain pending; it returns early only on context
// cancellation.
func (g *Gate) Await(ctx context.Context, sessionID string) ([]Decision, error) {
	for {
		if g.sweepExpiry(ctx, sessionID) {
			return g.collect(sessionID), nil
		}

		if err := g.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return g.collect(sessionID), err
		}
		if err := g.poll(ctx, sessionID); err != nil {
			g.logger.Warn("approval poll sweep failed", "session_id", sessionID, "error", err)
		}

		// A push resolution may land between sweeps; don't sleep past it.
		select {
		case <-g.wake:
		case <-ctx.Done():
			return g.collect(sessionID), ctx.Err()
		default:
		}
	}
}

// sweepExpiry expires overdue requests and reports whether the session
// has no pending requests left.
func (g *Gate) sweepExpiry(ctx context.Context, sessionID string) bool {
	now := time.Now().UTC()
	var expired []pendingRequest

	g.mu.Lock()
	remaining := 0
	for _, pr := range g.pending {
		if pr.request.SessionID != sessionID || pr.decision != nil {
			continue
		}
		if now.After(pr.request.ExpiresAt) {
			decision := Decision{
				RequestID: pr.request.RequestID,
				OutputID:  pr.request.Output.ID,
				ItemID:    pr.request.Output.ItemID,
				Kind:      DecisionExpired,
				DecidedAt: now,
			}
			g.applyLocked(pr, decision)
			pr.request.Status = StatusExpired
			expired = append(expired, *pr)
			continue
		}
		remaining++
	}
	g.mu.Unlock()

	for _, pr := range expired {
		requestsExpired.Inc()
		g.ledger.Record(ctx, sessionID, audit.EventApprovalExpire, pr.request.Output.ID, false, map[string]any{
			"request_id": pr.request.RequestID,
			"expired_at": pr.decision.DecidedAt,
		})
		g.logger.Info("approval request expired",
			"request_id", pr.request.RequestID, "output_id", pr.request.Output.ID)
	}
	return remaining == 0
}

// poll asks the channel for decisions on every pending request of the
// session.
func (g *Gate) poll(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	var ids []string
	for id, pr := range g.pending {
		if pr.request.SessionID == sessionID && pr.decision == nil {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	for _, id := range ids {
		decision, found, err := g.channel.CheckStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("checking status of %s: %w", id, err)
		}
		if !found {
			continue
		}
		if err := g.Resolve(ctx, id, *decision); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			return err
		}
	}
	return nil
}

// collect returns all decisions for the session and drops its requests
// from the gate.
func (g *Gate) collect(sessionID string) []Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Decision
	for id, pr := range g.pending {
		if pr.request.SessionID != sessionID || pr.decision == nil {
			continue
		}
		out = append(out, *pr.decision)
		delete(g.pending, id)
	}
	return out
}

// applyLocked records a decision on a pending request. Caller holds g.mu.
func (g *Gate) applyLocked(pr *pendingRequest, decision Decision) {
	decision.OutputID = pr.request.Output.ID
	decision.ItemID = pr.request.Output.ItemID
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}
	pr.decision = &decision
	if pr.request.Status == StatusPending {
		pr.request.Status = StatusDecided
	}
}

// recordDecision audits a human decision.
func (g *Gate) recordDecision(ctx context.Context, req Request, decision Decision) {
	decisionsTotal.WithLabelValues(string(decision.Kind)).Inc()
	g.ledger.Record(ctx, req.SessionID, audit.EventApprovalDecide, req.Output.ID,
		decision.Kind == DecisionApproved || decision.Kind == DecisionModified,
		map[string]any{
			"request_id": req.RequestID,
			"kind":       string(decision.Kind),
			"approver":   decision.Approver,
		})
	g.logger.Info("approval decision",
		"request_id", req.RequestID,
		"output_id", req.Output.ID,
		"kind", string(decision.Kind),
		"approver", decision.Approver)
}

// signal nudges Await out of its pacing wait.
func (g *Gate) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].RequestID < reqs[j].RequestID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
