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
	"errors"
	"testing"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() should validate cleanly, got: %v", err)
	}
}

func TestValidate_RejectsBadEnums(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad channel", func(c *Config) { c.Approval.Channel = "pigeon" }},
		{"bad backoff strategy", func(c *Config) { c.Backoff.Strategy = "random" }},
		{"bad trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "jaeger" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"negative batch size", func(c *Config) { c.Dispatch.BatchSize = -1 }},
		{"threshold above one", func(c *Config) { c.Dispatch.ErrorRateThreshold = 1.5 }},
		{"empty upstream url", func(c *Config) { c.Upstream.BaseURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should have failed")
			}
		})
	}
}

func TestValidate_ChannelRequiredFields(t *testing.T) {
	cfg := Default()
	cfg.Approval.Channel = "websocket"
	cfg.Approval.WebsocketURL = ""

	err := cfg.Validate()
	var missing *MissingFieldError
	if !errors.As(err, &missing) {
		t.Fatalf("Validate() error = %v, want MissingFieldError", err)
	}
	if missing.Field != "approval.websocket_url" {
		t.Errorf("missing field = %q", missing.Field)
	}

	cfg.Approval.WebsocketURL = "ws://hub.internal/approvals"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed after filling websocket_url: %v", err)
	}
}

func TestValidate_FileChannelNeedsRoot(t *testing.T) {
	cfg := Default()
	cfg.Approval.FileRoot = ""
	if err := cfg.Validate(); err == nil {
		t.Error("file channel without a root should fail validation")
	}
}

func TestTokenResolution(t *testing.T) {
	cfg := Default()
	cfg.Upstream.TokenEnv = "REVIEWLOOP_TEST_TOKEN"
	cfg.Generator.APIKeyEnv = "REVIEWLOOP_TEST_KEY"
	t.Setenv("REVIEWLOOP_TEST_TOKEN", "tok-1")
	t.Setenv("REVIEWLOOP_TEST_KEY", "key-1")

	if got := cfg.UpstreamToken(); got != "tok-1" {
		t.Errorf("UpstreamToken() = %q", got)
	}
	if got := cfg.GeneratorAPIKey(); got != "key-1" {
		t.Errorf("GeneratorAPIKey() = %q", got)
	}

	cfg.Upstream.TokenEnv = ""
	if got := cfg.UpstreamToken(); got != "" {
		t.Errorf("UpstreamToken() with no env var = %q, want empty", got)
	}
}
