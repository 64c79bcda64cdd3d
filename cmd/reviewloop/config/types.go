// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the reviewloop YAML configuration.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/reviewloop/pkg/logging"
	"github.com/AleutianAI/reviewloop/services/reviewer/cache"
	"github.com/AleutianAI/reviewloop/services/reviewer/resilience"
)

// validate is the shared validator instance for config structs.
var validate = validator.New()

// Config is the root configuration for the reviewloop binary.
type Config struct {
	Logging   logging.Config           `yaml:"logging"`
	Storage   StorageConfig            `yaml:"storage"`
	Upstream  UpstreamConfig           `yaml:"upstream"`
	Generator GeneratorConfig          `yaml:"generator"`
	Cache     cache.Config             `yaml:"cache"`
	Retry     resilience.RetryConfig   `yaml:"retry"`
	Breaker   resilience.BreakerConfig `yaml:"breaker"`
	Backoff   BackoffConfig            `yaml:"backoff"`
	Dispatch  DispatchConfig           `yaml:"dispatch"`
	Approval  ApprovalConfig           `yaml:"approval"`
	Session   SessionConfig            `yaml:"session"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
}

// StorageConfig locates the durable badger store.
type StorageConfig struct {
	// Path is the badger data directory. Supports ~ expansion via the
	// loader. Ignored when InMemory is set.
	Path string `yaml:"path"`

	// InMemory runs badger without disk persistence. For tests and
	// dry runs only: sessions and audit entries vanish on exit.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites forces fsync on every write.
	SyncWrites bool `yaml:"sync_writes"`
}

// UpstreamConfig points at the system of record serving work items.
type UpstreamConfig struct {
	// BaseURL is the REST base, e.g. "https://crm.internal/api".
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Scope restricts candidate discovery (e.g. "renewals"). Empty
	// uses the upstream default.
	Scope string `yaml:"scope"`

	// TokenEnv names the environment variable holding the bearer
	// token. The token itself never lives in the config file.
	TokenEnv string `yaml:"token_env"`

	// DetailTTL and ContextTTL bound how long fetched records may be
	// served from cache.
	DetailTTL  time.Duration `yaml:"detail_ttl"`
	ContextTTL time.Duration `yaml:"context_ttl"`
}

// GeneratorConfig selects the output generator.
type GeneratorConfig struct {
	// Model is the OpenAI chat model used for synthesis.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// BackoffConfig selects the retry backoff strategy.
type BackoffConfig struct {
	// Strategy is one of "fixed", "linear", "exponential", or
	// "exponential_jitter".
	Strategy string `yaml:"strategy" validate:"omitempty,oneof=fixed linear exponential exponential_jitter"`

	// Base is the first pause. Default: 500ms
	Base time.Duration `yaml:"base"`

	// Multiplier grows exponential pauses. Default: 2.0
	Multiplier float64 `yaml:"multiplier"`

	// Max caps any single pause. Default: 30s
	Max time.Duration `yaml:"max"`
}

// DispatchConfig mirrors the batch dispatcher knobs.
type DispatchConfig struct {
	BatchSize          int           `yaml:"batch_size" validate:"omitempty,min=1"`
	Concurrency        int64         `yaml:"concurrency" validate:"omitempty,min=1"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold" validate:"omitempty,gt=0,lte=1"`
	MinSampleSize      int           `yaml:"min_sample_size" validate:"omitempty,min=1"`
	BasePause          time.Duration `yaml:"base_pause"`
	MaxPause           time.Duration `yaml:"max_pause"`
}

// ApprovalConfig selects how reviewers are notified and how long they
// get to answer.
type ApprovalConfig struct {
	// Channel is "file", "websocket", or "http".
	Channel string `yaml:"channel" validate:"omitempty,oneof=file websocket http"`

	// FileRoot is the exchange directory for the file channel.
	FileRoot string `yaml:"file_root"`

	// WebsocketURL is the reviewer hub endpoint for the websocket
	// channel.
	WebsocketURL string `yaml:"websocket_url" validate:"omitempty,url"`

	// HTTPBase is the reviewer service base URL for the http channel.
	HTTPBase string `yaml:"http_base" validate:"omitempty,url"`

	// RequestTTL is the approval window. Default: 4h
	RequestTTL time.Duration `yaml:"request_ttl"`

	// PollsPerSecond paces decision polling. Default: 0.5
	PollsPerSecond float64 `yaml:"polls_per_second" validate:"omitempty,gt=0"`

	// APIAddr, when set, serves the operator decisions API on this
	// address while cycles run (e.g. ":8466").
	APIAddr string `yaml:"api_addr"`
}

// SessionConfig controls retention and cloud archival.
type SessionConfig struct {
	// RetentionDays is how long finished sessions are kept. Default: 90
	RetentionDays int `yaml:"retention_days" validate:"omitempty,min=1"`

	// ArchiveBucket enables GCS archival of finished sessions and
	// audit exports when non-empty.
	ArchiveBucket string `yaml:"archive_bucket"`

	// ArchivePrefix namespaces archived objects within the bucket.
	ArchivePrefix string `yaml:"archive_prefix"`

	// ServiceAccountKeyPath authenticates the GCS client. Empty uses
	// application default credentials.
	ServiceAccountKeyPath string `yaml:"service_account_key_path"`
}

// TelemetryConfig mirrors the otel exporter selection.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	Environment    string `yaml:"environment"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Logging: logging.Config{
			Level:   "info",
			Service: "reviewloop",
			LogDir:  "~/.reviewloop/logs",
		},
		Storage: StorageConfig{
			Path: "~/.reviewloop/data",
		},
		Upstream: UpstreamConfig{
			BaseURL:    "http://localhost:8080/api",
			TokenEnv:   "REVIEWLOOP_UPSTREAM_TOKEN",
			DetailTTL:  15 * time.Minute,
			ContextTTL: 30 * time.Minute,
		},
		Generator: GeneratorConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Cache:   cache.DefaultConfig(),
		Retry:   resilience.DefaultRetryConfig(),
		Breaker: resilience.DefaultBreakerConfig(),
		Backoff: BackoffConfig{
			Strategy:   "exponential_jitter",
			Base:       500 * time.Millisecond,
			Multiplier: 2.0,
			Max:        30 * time.Second,
		},
		Dispatch: DispatchConfig{
			BatchSize:          10,
			Concurrency:        4,
			ErrorRateThreshold: 0.5,
			MinSampleSize:      5,
			BasePause:          500 * time.Millisecond,
			MaxPause:           10 * time.Second,
		},
		Approval: ApprovalConfig{
			Channel:        "file",
			FileRoot:       "~/.reviewloop/approvals",
			RequestTTL:     4 * time.Hour,
			PollsPerSecond: 0.5,
			APIAddr:        ":8466",
		},
		Session: SessionConfig{
			RetentionDays: 90,
			ArchivePrefix: "sessions",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
			Environment:    "development",
		},
	}
}

// Validate checks the assembled configuration.
//
// Outputs:
//   - error: validator.ValidationErrors describing every violated
//     constraint, or a plain error for cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.validateChannel()
}

// validateChannel enforces channel-specific required fields that tag
// validation cannot express.
func (c *Config) validateChannel() error {
	switch c.Approval.Channel {
	case "", "file":
		if c.Approval.FileRoot == "" {
			return &MissingFieldError{Field: "approval.file_root", Reason: "required for the file channel"}
		}
	case "websocket":
		if c.Approval.WebsocketURL == "" {
			return &MissingFieldError{Field: "approval.websocket_url", Reason: "required for the websocket channel"}
		}
	case "http":
		if c.Approval.HTTPBase == "" {
			return &MissingFieldError{Field: "approval.http_base", Reason: "required for the http channel"}
		}
	}
	return nil
}

// MissingFieldError reports a conditionally required field that was
// left empty.
type MissingFieldError struct {
	Field  string
	Reason string
}

func (e *MissingFieldError) Error() string {
	return "config: " + e.Field + " is " + e.Reason
}

// UpstreamToken resolves the upstream bearer token from the
// environment. Empty when unset.
func (c *Config) UpstreamToken() string {
	if c.Upstream.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Upstream.TokenEnv)
}

// GeneratorAPIKey resolves the generator API key from the environment.
func (c *Config) GeneratorAPIKey() string {
	if c.Generator.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Generator.APIKeyEnv)
}
