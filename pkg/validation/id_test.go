// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"
)

func TestValidateEntityID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid identifiers
		{"simple", "acct-1042", false},
		{"single char", "a", false},
		{"uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"prefixed", "crm:account:1042", false},
		{"dotted", "eu.west.acct_17", false},
		{"max length", strings.Repeat("a", 128), false},

		// Invalid identifiers
		{"empty", "", true},
		{"too long", strings.Repeat("a", 129), true},
		{"path traversal", "../../etc/passwd", true},
		{"slash", "acct/1042", true},
		{"leading dot", ".hidden", true},
		{"leading hyphen", "-acct", true},
		{"whitespace", "acct 1042", true},
		{"newline", "acct\n1042", true},
		{"null byte", "acct\x001042", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntityID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEntityID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEntityIDs(t *testing.T) {
	if err := ValidateEntityIDs([]string{"acct-1", "acct-2"}); err != nil {
		t.Errorf("expected all valid, got %v", err)
	}

	err := ValidateEntityIDs([]string{"acct-1", "../bad", "also bad"})
	if err == nil {
		t.Fatal("expected error for invalid identifiers")
	}
	if !strings.Contains(err.Error(), "../bad") {
		t.Errorf("error should name the offending id: %v", err)
	}
}

func TestSanitizeEntityID(t *testing.T) {
	got, err := SanitizeEntityID("  acct-1042\n")
	if err != nil {
		t.Fatalf("SanitizeEntityID failed: %v", err)
	}
	if got != "acct-1042" {
		t.Errorf("SanitizeEntityID = %q, want %q", got, "acct-1042")
	}

	if _, err := SanitizeEntityID("a/b"); err == nil {
		t.Error("expected error for embedded slash")
	}
}
