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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestWriteDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".reviewloop", "reviewloop.yaml")

	if err := writeDefault(configPath); err != nil {
		t.Fatalf("writeDefault() failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to parse written config: %v", err)
	}
	if cfg.Approval.Channel != "file" {
		t.Errorf("Approval.Channel = %q, want %q", cfg.Approval.Channel, "file")
	}
	if cfg.Dispatch.BatchSize != 10 {
		t.Errorf("Dispatch.BatchSize = %d, want 10", cfg.Dispatch.BatchSize)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
}

func TestLoad_ExplicitPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "reviewloop.yaml")
	content := `
upstream:
  base_url: "https://crm.example.com/api"
  scope: "renewals"
dispatch:
  batch_size: 25
approval:
  channel: file
  file_root: "/tmp/approvals"
`
	if err := os.WriteFile(configPath, []byte(content), 0640); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Upstream.BaseURL != "https://crm.example.com/api" {
		t.Errorf("Upstream.BaseURL = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Dispatch.BatchSize != 25 {
		t.Errorf("Dispatch.BatchSize = %d, want 25", cfg.Dispatch.BatchSize)
	}
	// Omitted keys keep their defaults.
	if cfg.Dispatch.Concurrency != 4 {
		t.Errorf("Dispatch.Concurrency = %d, want default 4", cfg.Dispatch.Concurrency)
	}
	if cfg.Session.RetentionDays != 90 {
		t.Errorf("Session.RetentionDays = %d, want default 90", cfg.Session.RetentionDays)
	}
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing explicit path")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "reviewloop.yaml")
	if err := os.WriteFile(configPath, []byte("upstream: [not: a map"), 0640); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "parsing config file") {
		t.Fatalf("Load() error = %v, want parse failure", err)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "reviewloop.yaml")
	content := `
upstream:
  base_url: "not a url"
`
	if err := os.WriteFile(configPath, []byte(content), 0640); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("Load() error = %v, want validation failure", err)
	}
}

func TestLoad_ExpandsStoragePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	configPath := filepath.Join(t.TempDir(), "reviewloop.yaml")
	content := `
storage:
  path: "~/reviewloop-data"
approval:
  channel: file
  file_root: "~/reviewloop-approvals"
`
	if err := os.WriteFile(configPath, []byte(content), 0640); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if want := filepath.Join(home, "reviewloop-data"); cfg.Storage.Path != want {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, want)
	}
	if want := filepath.Join(home, "reviewloop-approvals"); cfg.Approval.FileRoot != want {
		t.Errorf("Approval.FileRoot = %q, want %q", cfg.Approval.FileRoot, want)
	}
}
