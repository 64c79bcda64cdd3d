// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
	"github.com/AleutianAI/reviewloop/services/reviewer/session"
)

// runCycle executes one review cycle and prints the session summary.
func runCycle(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	server := serveAPI(a)
	if server != nil {
		defer shutdownServer(server, a)
	}

	state, err := cycleOnce(ctx, a)
	if err != nil {
		return err
	}
	printSummary(state)
	return nil
}

// runServe runs review cycles on an interval while serving the
// decisions API, until interrupted.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	server := serveAPI(a)
	if server != nil {
		defer shutdownServer(server, a)
	}

	ticker := time.NewTicker(serveInterval)
	defer ticker.Stop()

	for {
		state, err := cycleOnce(ctx, a)
		switch {
		case errors.Is(err, context.Canceled):
			a.logger.Info("shutting down")
			return nil
		case errors.Is(err, session.ErrSessionActive):
			a.logger.Warn("previous session still active, skipping this interval")
		case err != nil:
			a.logger.Error("cycle failed", "error", err)
		default:
			printSummary(state)
		}

		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// cycleOnce runs a cycle and archives its audit trail when a cloud
// archive is configured.
func cycleOnce(ctx context.Context, a *app) (*datatypes.SessionState, error) {
	effectiveScope := scope
	if effectiveScope == "" {
		effectiveScope = a.cfg.Upstream.Scope
	}

	state, err := a.orchestrator.RunCycle(ctx, effectiveScope)
	if err != nil {
		return nil, err
	}

	if a.archive != nil {
		if err := archiveAudit(ctx, a, state.SessionID); err != nil {
			a.logger.Warn("audit archive upload failed", "session_id", state.SessionID, "error", err)
		}
	}
	return state, nil
}

// archiveAudit reloads the finished session's ledger from durable
// storage and uploads the JSON export next to the archived session.
func archiveAudit(ctx context.Context, a *app, sessionID string) error {
	if _, err := a.ledger.LoadSession(ctx, sessionID); err != nil {
		return err
	}
	defer a.ledger.DropSession(sessionID)

	blob, err := a.ledger.Export(sessionID)
	if err != nil {
		return err
	}
	return a.archive.PutAuditExport(ctx, sessionID, blob)
}

func shutdownServer(server *http.Server, a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.logger.Warn("decisions API shutdown", "error", err)
	}
}

func printSummary(state *datatypes.SessionState) {
	fmt.Printf("session %s finished: %s\n", state.SessionID, state.Status)
	fmt.Printf("  discovered %d, processed %d, failed %d, outputs %d\n",
		state.Counters.Discovered, state.Counters.Processed,
		state.Counters.Failed, state.Counters.Generated)
	fmt.Printf("  approved %d, modified %d, rejected %d, deferred %d, expired %d\n",
		state.Counters.Approved, state.Counters.Modified,
		state.Counters.Rejected, state.Counters.Deferred, state.Counters.Expired)
	fmt.Printf("  duration %s, success rate %.0f%%\n",
		state.Metrics.Duration.Round(time.Millisecond), state.Metrics.SuccessRate*100)
}
