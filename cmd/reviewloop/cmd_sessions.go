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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// runSessionsList prints stored sessions, newest first.
func runSessionsList(cmd *cobra.Command, _ []string) error {
	c, err := buildCore(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	sessions, err := c.sessions.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("no stored sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tSTARTED\tPROCESSED\tFAILED\tAPPROVED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			s.SessionID, s.Status, s.StartedAt.Format(time.RFC3339),
			s.Counters.Processed, s.Counters.Failed, s.Counters.Approved)
	}
	return w.Flush()
}

// runSessionsCleanup deletes finished sessions past the retention
// window.
func runSessionsCleanup(cmd *cobra.Command, _ []string) error {
	c, err := buildCore(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	days := retentionDays
	if days <= 0 {
		days = c.cfg.Session.RetentionDays
	}

	deleted, err := c.sessions.Cleanup(cmd.Context(), days)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Printf("deleted %d session(s) older than %d days\n", deleted, days)
	return nil
}
