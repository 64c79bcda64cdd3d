// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the structured logger used by all reviewloop
// components.
//
// Output follows Unix CLI conventions: human-readable text on stderr by
// default, with an optional JSON log file for machine processing. Both
// destinations share one level filter, and every record carries a
// "service" attribute so aggregated logs can be filtered by component.
//
// # Usage
//
//	logger, closeFn, err := logging.New(logging.Config{
//	    Level:   "info",
//	    LogDir:  "~/.reviewloop/logs",
//	    Service: "reviewloop",
//	})
//	if err != nil {
//	    return err
//	}
//	defer closeFn()
//
//	logger.Info("cycle started", "session_id", sessionID)
//
// # Security Considerations
//
// This package does NOT redact sensitive data. Callers must ensure PII,
// tokens, and secrets are not logged:
//
//	// BAD: logs sensitive data
//	logger.Info("auth", "token", authToken)
//
//	// GOOD: log metadata only
//	logger.Info("auth", "token_present", authToken != "")
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config controls logger construction.
//
// A zero-value Config yields an Info-level text logger on stderr.
type Config struct {
	// Level is the minimum severity: "debug", "info", "warn", or
	// "error". Unknown values fall back to "info".
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// JSON switches stderr output to JSON. File output is always JSON
	// regardless of this setting.
	JSON bool `yaml:"json"`

	// LogDir enables file logging to the given directory. The file is
	// named "{Service}_{YYYY-MM-DD}.log" and the directory is created
	// with 0750 permissions if missing. Supports ~ expansion.
	LogDir string `yaml:"log_dir"`

	// Service is attached to every record as the "service" attribute.
	Service string `yaml:"service"`

	// Quiet disables stderr output. Useful for daemon processes where
	// stderr is not monitored; logs still reach the file when LogDir
	// is set.
	Quiet bool `yaml:"quiet"`
}

// ParseLevel maps a config level string to a slog.Level.
//
// Inputs:
//   - level: Case-insensitive level name.
//
// Outputs:
//   - slog.Level: The matching level, or slog.LevelInfo for unknown
//     input.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger for the given configuration.
//
// # Description
//
// Assembles stderr and file handlers per Config, fans records out to
// every enabled destination, and stamps the service attribute. The
// returned close function syncs and closes the log file; it is always
// non-nil and safe to call when file logging is disabled.
//
// Outputs:
//   - *slog.Logger: Ready-to-use logger.
//   - func() error: Cleanup hook for deferred shutdown.
//   - error: Non-nil when the log directory or file cannot be created.
func New(config Config) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	closeFn := func() error { return nil }
	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			return nil, nil, fmt.Errorf("creating log directory %s: %w", logDir, err)
		}
		service := config.Service
		if service == "" {
			service = "reviewloop"
		}
		logPath := filepath.Join(logDir,
			fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", logPath, err)
		}
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
		closeFn = func() error {
			if err := file.Sync(); err != nil {
				_ = file.Close()
				return fmt.Errorf("syncing log file: %w", err)
			}
			return file.Close()
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet with no file: discard everything.
		handler = slog.DiscardHandler
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	return slog.New(handler), closeFn, nil
}

// Default returns an Info-level stderr logger tagged with the
// reviewloop service name.
func Default() *slog.Logger {
	logger, _, _ := New(Config{Service: "reviewloop"})
	return logger
}

// multiHandler fans out records to multiple slog handlers, enabling
// simultaneous text stderr and JSON file output.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
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
