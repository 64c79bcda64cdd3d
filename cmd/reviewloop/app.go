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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/reviewloop/cmd/reviewloop/config"
	"github.com/AleutianAI/reviewloop/pkg/logging"
	"github.com/AleutianAI/reviewloop/services/reviewer"
	"github.com/AleutianAI/reviewloop/services/reviewer/approval"
	"github.com/AleutianAI/reviewloop/services/reviewer/approval/api"
	"github.com/AleutianAI/reviewloop/services/reviewer/audit"
	"github.com/AleutianAI/reviewloop/services/reviewer/cache"
	"github.com/AleutianAI/reviewloop/services/reviewer/dispatch"
	"github.com/AleutianAI/reviewloop/services/reviewer/pipeline"
	"github.com/AleutianAI/reviewloop/services/reviewer/resilience"
	"github.com/AleutianAI/reviewloop/services/reviewer/session"
	"github.com/AleutianAI/reviewloop/services/reviewer/storage/badgerstore"
	"github.com/AleutianAI/reviewloop/services/reviewer/storage/gcs"
	"github.com/AleutianAI/reviewloop/services/reviewer/telemetry"
)

// core holds the storage-level components every command needs.
type core struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
	store    *badgerstore.Store
	archive  *gcs.Client
	ledger   *audit.Ledger
	sessions *session.Manager
}

// app extends core with the full cycle machinery used by run and serve.
type app struct {
	*core

	shutdownTelemetry func(context.Context) error
	channel           approval.NotificationChannel
	closeChannel      func() error
	gate              *approval.Gate
	orchestrator      *reviewer.Orchestrator
}

// buildCore opens storage and the session/audit layers. Used directly
// by the sessions and audit commands, which never touch upstreams.
func buildCore(ctx context.Context) (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := badgerstore.Open(badgerstore.Config{
		Path:       cfg.Storage.Path,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var archiveClient *gcs.Client
	var archiveStore session.ArchiveStore
	if cfg.Session.ArchiveBucket != "" {
		archiveClient, err = gcs.NewClient(ctx, cfg.Session.ArchiveBucket,
			cfg.Session.ArchivePrefix, cfg.Session.ServiceAccountKeyPath)
		if err != nil {
			_ = store.Close()
			_ = closeLog()
			return nil, fmt.Errorf("connecting session archive: %w", err)
		}
		archiveStore = archiveClient
	}

	ledger := audit.NewLedger(store, nil, logger)
	sessions := session.NewManager(store, archiveStore,
		session.NewClockChecker(session.DefaultClockConfig()), logger)

	return &core{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		archive:  archiveClient,
		ledger:   ledger,
		sessions: sessions,
	}, nil
}

func (c *core) Close() {
	if c.archive != nil {
		_ = c.archive.Close()
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing store", "error", err)
	}
	_ = c.closeLog()
}

// buildApp assembles the full orchestration stack on top of core.
func buildApp(ctx context.Context) (*app, error) {
	coreApp, err := buildCore(ctx)
	if err != nil {
		return nil, err
	}
	cfg := coreApp.cfg

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "reviewloop",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		coreApp.Close()
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	channel, closeChannel, err := buildChannel(ctx, cfg, coreApp.logger)
	if err != nil {
		coreApp.Close()
		return nil, err
	}
	gate := approval.NewGate(approval.GateConfig{
		RequestTTL:     cfg.Approval.RequestTTL,
		PollsPerSecond: cfg.Approval.PollsPerSecond,
	}, channel, coreApp.ledger, coreApp.logger)

	cacheManager := cache.NewManager(cfg.Cache, coreApp.store, coreApp.logger)

	credentials := resilience.NewEnclaveProvider(cfg.UpstreamToken(),
		func(context.Context) (string, error) {
			token := cfg.UpstreamToken()
			if token == "" {
				return "", resilience.ErrRefreshUnavailable
			}
			return token, nil
		})
	executor := resilience.NewExecutor(cfg.Retry, buildBackoff(cfg.Backoff), credentials, coreApp.logger)
	breakers := resilience.NewRegistry(cfg.Breaker)

	source := pipeline.NewHTTPSource(cfg.Upstream.BaseURL, cfg.Upstream.Scope,
		cfg.UpstreamToken(), nil)
	generator, err := pipeline.NewOpenAIGenerator(cfg.GeneratorAPIKey(), cfg.Generator.Model, coreApp.logger)
	if err != nil {
		_ = closeChannel()
		coreApp.Close()
		return nil, fmt.Errorf("building generator: %w", err)
	}
	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		DetailTTL:  cfg.Upstream.DetailTTL,
		ContextTTL: cfg.Upstream.ContextTTL,
	}, source, source, generator, cacheManager, executor, breakers, coreApp.logger)

	orchestrator := reviewer.NewOrchestrator(dispatch.Config{
		BatchSize:          cfg.Dispatch.BatchSize,
		Concurrency:        cfg.Dispatch.Concurrency,
		ErrorRateThreshold: cfg.Dispatch.ErrorRateThreshold,
		MinSampleSize:      cfg.Dispatch.MinSampleSize,
		BasePause:          cfg.Dispatch.BasePause,
		MaxPause:           cfg.Dispatch.MaxPause,
	}, runner, gate, coreApp.ledger, coreApp.sessions, cacheManager, nil, coreApp.logger)

	return &app{
		core:              coreApp,
		shutdownTelemetry: shutdownTelemetry,
		channel:           channel,
		closeChannel:      closeChannel,
		gate:              gate,
		orchestrator:      orchestrator,
	}, nil
}

func (a *app) Close() {
	_ = a.closeChannel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.shutdownTelemetry(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", "error", err)
	}
	a.core.Close()
}

// buildChannel constructs the configured notification channel. The
// returned close function is always non-nil.
func buildChannel(ctx context.Context, cfg config.Config, logger *slog.Logger) (
	approval.NotificationChannel, func() error, error) {
	switch cfg.Approval.Channel {
	case "", "file":
		channel, err := approval.NewFileChannel(cfg.Approval.FileRoot, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("building file channel: %w", err)
		}
		return channel, channel.Close, nil
	case "websocket":
		channel, err := approval.DialWSChannel(ctx, cfg.Approval.WebsocketURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("dialing reviewer hub: %w", err)
		}
		return channel, channel.Close, nil
	case "http":
		channel := approval.NewHTTPChannel(cfg.Approval.HTTPBase, nil)
		return channel, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown approval channel %q", cfg.Approval.Channel)
	}
}

// buildBackoff maps the config strategy onto a backoff implementation.
func buildBackoff(cfg config.BackoffConfig) resilience.BackoffStrategy {
	base := cfg.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := cfg.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}
	switch cfg.Strategy {
	case "fixed":
		return resilience.NewFixedBackoff(base, max)
	case "linear":
		return resilience.NewLinearBackoff(base, max)
	case "exponential":
		return resilience.NewExponentialBackoff(base, multiplier, max)
	default:
		return resilience.NewExponentialJitterBackoff(base, multiplier, max)
	}
}

// serveAPI starts the operator decisions API plus the metrics endpoint
// and returns the server for shutdown.
func serveAPI(a *app) *http.Server {
	if a.cfg.Approval.APIAddr == "" {
		return nil
	}
	router := api.NewRouter(api.NewHandlers(a.gate))
	router.GET("/metrics", func(c *gin.Context) {
		telemetry.MetricsHandler().ServeHTTP(c.Writer, c.Request)
	})

	server := &http.Server{
		Addr:              a.cfg.Approval.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("decisions API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("decisions API stopped", "error", err)
		}
	}()
	return server
}
