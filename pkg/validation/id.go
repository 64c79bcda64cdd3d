// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for externally supplied identifiers
// that end up in storage keys, file names, or request paths. Using
// these validators prevents key injection and path traversal when an
// upstream hands back a hostile ID.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// idPattern matches valid entity identifiers.
// Allows: letters, digits, dots, hyphens, underscores, colons.
// Max length: 128 characters (covers UUIDs and prefixed upstream IDs)
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]{0,127}$`)

// ValidateEntityID validates an externally supplied identifier before
// it is used in a storage key, cache key, or request path.
//
// Valid identifiers:
//   - 1-128 characters
//   - Letters and digits
//   - Dots (.), hyphens (-), underscores (_), colons (:) after the
//     first character
//
// Notably excluded: slashes (badger key and URL path separators) and
// whitespace.
//
// Example:
//
//	if err := validation.ValidateEntityID(item.ID); err != nil {
//	    return fmt.Errorf("invalid item id: %w", err)
//	}
//	// Safe to embed in a storage key
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier format: %q (must be 1-128 alphanumeric chars, dots, hyphens, underscores, or colons)", id)
	}
	return nil
}

// ValidateEntityIDs validates multiple identifiers.
// Returns an error listing all invalid identifiers if any fail.
func ValidateEntityIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateEntityID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %v", invalid)
	}
	return nil
}

// SanitizeEntityID trims surrounding whitespace and validates the
// result. Use this when an ID arrives from a human-edited source:
//
//	safeID, err := validation.SanitizeEntityID(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeEntityID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateEntityID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
