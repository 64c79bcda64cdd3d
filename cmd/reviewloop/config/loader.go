// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns the per-user config location,
// ~/.reviewloop/reviewloop.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".reviewloop", "reviewloop.yaml"), nil
}

// Load reads, defaults, and validates the configuration.
//
// # Description
//
// When path is empty the per-user default location is used, and a
// default config file is written there on first run. The file is
// unmarshaled over Default(), so omitted keys keep their defaults.
// Path-like fields get ~ expanded before the config is returned.
//
// Inputs:
//   - path: Explicit config file path, or "" for the default.
//
// Outputs:
//   - Config: Validated, ready-to-wire configuration.
//   - error: Missing file (explicit path only), YAML syntax errors, or
//     validation failures.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = defaultPath
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "first run detected, creating the config at %s\n", path)
			if err := writeDefault(path); err != nil {
				return cfg, err
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.Storage.Path = expandPath(cfg.Storage.Path)
	cfg.Approval.FileRoot = expandPath(cfg.Approval.FileRoot)
	cfg.Session.ServiceAccountKeyPath = expandPath(cfg.Session.ServiceAccountKeyPath)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// writeDefault creates the config directory and serializes Default().
func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
