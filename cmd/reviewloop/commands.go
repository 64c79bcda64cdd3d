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
	"time"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath       string
	scope            string
	serveInterval    time.Duration
	retentionDays    int
	expectedAccesses int
	exportOutput     string

	rootCmd = &cobra.Command{
		Use:   "reviewloop",
		Short: "A cli to run automated account review cycles with human approval",
		Long: `Reviewloop discovers accounts due for review, runs them through a
				resilient fetch/context/generate pipeline, and routes every
				generated action through human approval before it is written
				back. All activity lands in an append-only audit ledger.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a single review cycle and exit",
		RunE:  runCycle, // Defined in cmd_run.go
	}

	// --- Approvals ---
	approvalsCmd = &cobra.Command{
		Use:   "approvals",
		Short: "Operate the human approval surface",
	}
	approvalsServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the decisions API and run review cycles continuously",
		RunE:  runServe, // Defined in cmd_run.go
	}

	// --- Sessions ---
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain stored review sessions",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		RunE:  runSessionsList, // Defined in cmd_sessions.go
	}
	sessionsCleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished sessions older than the retention window",
		RunE:  runSessionsCleanup, // Defined in cmd_sessions.go
	}

	// --- Audit ---
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Verify and export the audit ledger",
	}
	auditVerifyCmd = &cobra.Command{
		Use:   "verify [session_id]",
		Short: "Replay a session's audit chain and run the compliance checks",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuditVerify, // Defined in cmd_audit.go
	}
	auditExportCmd = &cobra.Command{
		Use:   "export [session_id]",
		Short: "Export a session's audit trail as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuditExport, // Defined in cmd_audit.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the config file (default ~/.reviewloop/reviewloop.yaml)")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&scope, "scope", "", "Override the discovery scope for this cycle")

	rootCmd.AddCommand(approvalsCmd)
	approvalsCmd.AddCommand(approvalsServeCmd)
	approvalsServeCmd.Flags().StringVar(&scope, "scope", "", "Override the discovery scope")
	approvalsServeCmd.Flags().DurationVar(&serveInterval, "interval", 15*time.Minute,
		"Pause between review cycles")

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)
	sessionsCleanupCmd.Flags().IntVar(&retentionDays, "retention-days", 0,
		"Retention window in days (default from config)")

	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditVerifyCmd.Flags().IntVar(&expectedAccesses, "expected-accesses", 0,
		"Expected data access count for the anomaly check (0 disables)")
	auditCmd.AddCommand(auditExportCmd)
	auditExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "",
		"Output filename (default audit_{session_id}.json)")
}
