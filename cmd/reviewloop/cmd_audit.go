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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/reviewloop/services/reviewer/audit"
)

// runAuditVerify replays a stored session's audit chain and reports
// compliance violations. Exits non-zero when the session fails any
// check, so the command can gate automated compliance pipelines.
func runAuditVerify(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	c, err := buildCore(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	entries, err := c.ledger.LoadSession(cmd.Context(), sessionID)
	if err != nil {
		return fmt.Errorf("loading session audit trail: %w", err)
	}

	report, err := c.ledger.VerifyCompliance(cmd.Context(), sessionID, audit.VerifyOptions{
		ExpectedAccesses: expectedAccesses,
	})
	if err != nil {
		return fmt.Errorf("verifying session: %w", err)
	}

	fmt.Printf("session %s: %d audit entries\n", sessionID, entries)
	if report.Compliant {
		fmt.Println("compliant: checksum chain intact, all checks passed")
		return nil
	}

	fmt.Printf("NOT COMPLIANT: %d violation(s)\n", len(report.Violations))
	for _, v := range report.Violations {
		fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Category, v.Description)
	}
	return fmt.Errorf("session %s failed compliance verification", sessionID)
}

// runAuditExport writes a session's audit trail to a JSON file.
func runAuditExport(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	c, err := buildCore(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.ledger.LoadSession(cmd.Context(), sessionID); err != nil {
		return fmt.Errorf("loading session audit trail: %w", err)
	}
	blob, err := c.ledger.Export(sessionID)
	if err != nil {
		return fmt.Errorf("exporting session: %w", err)
	}

	out := exportOutput
	if out == "" {
		out = fmt.Sprintf("audit_%s.json", sessionID)
	}
	if err := os.WriteFile(out, blob, 0640); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	fmt.Printf("wrote %s (%d bytes)\n", out, len(blob))
	return nil
}
