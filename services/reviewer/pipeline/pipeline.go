// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs one work item through the three-stage processing
// pipeline: fetch the item's detail record, assemble surrounding context,
// and generate candidate outputs.
//
// Every upstream call goes through the resilience layer (per-operation
// circuit breaker plus classified retry), and the two fetch stages are
// backed by the tiered cache. The pipeline itself is stateless; all
// outcome information is carried in the returned ProcessingResult.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/reviewloop/services/reviewer/cache"
	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
	"github.com/AleutianAI/reviewloop/services/reviewer/resilience"
)

// Stage operation names. Each gets its own circuit breaker so a failing
// upstream only trips the breaker for its own stage.
const (
	OpItemDetail   = "datasource.detail"
	OpContextFetch = "context.fetch"
	OpGenerate     = "generator.generate"
)

// DataSource supplies work candidates and per-item detail records.
type DataSource interface {
	// FetchWorkCandidates lists the items eligible for processing.
	FetchWorkCandidates(ctx context.Context) ([]datatypes.WorkItem, error)

	// FetchItemDetail retrieves the full record for one item.
	FetchItemDetail(ctx context.Context, itemID string) (json.RawMessage, error)
}

// ContextProvider assembles the surrounding context for an item: history,
// related records, whatever the generator needs beyond the detail itself.
type ContextProvider interface {
	FetchContext(ctx context.Context, itemID string, detail json.RawMessage) (json.RawMessage, error)
}

// OutputGenerator produces candidate outputs from an item's detail and
// context.
type OutputGenerator interface {
	Generate(ctx context.Context, item datatypes.WorkItem, detail, itemContext json.RawMessage) ([]datatypes.Output, error)
}

// RunnerConfig tunes the pipeline.
type RunnerConfig struct {
	// DetailTTL bounds cached detail records.
	DetailTTL time.Duration

	// ContextTTL bounds cached context blobs.
	ContextTTL time.Duration
}

// DefaultRunnerConfig returns production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DetailTTL:  15 * time.Minute,
		ContextTTL: 30 * time.Minute,
	}
}

// Runner executes the three-stage pipeline for individual work items.
//
// Thread Safety: Safe for concurrent use; the dispatcher runs many items
// through one Runner in parallel.
type Runner struct {
	config    RunnerConfig
	source    DataSource
	provider  ContextProvider
	generator OutputGenerator
	cache     *cache.Manager
	executor  *resilience.Executor
	breakers  *resilience.Registry
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewRunner wires the pipeline's collaborators.
//
// Inputs:
//   - config: TTLs for the cached stages. Zero fields default.
//   - source, provider, generator: The three stage backends. Required.
//   - cacheManager: Tiered cache for the fetch stages. May be nil to
//     disable caching.
//   - executor: Retry executor. Required.
//   - breakers: Per-operation circuit breaker registry. Required.
//   - logger: Optional. Defaults to slog.Default().
func NewRunner(config RunnerConfig, source DataSource, provider ContextProvider, generator OutputGenerator,
	cacheManager *cache.Manager, executor *resilience.Executor, breakers *resilience.Registry, logger *slog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if config.DetailTTL <= 0 {
		config.DetailTTL = def.DetailTTL
	}
	if config.ContextTTL <= 0 {
		config.ContextTTL = def.ContextTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config:    config,
		source:    source,
		provider:  provider,
		generator: generator,
		cache:     cacheManager,
		executor:  executor,
		breakers:  breakers,
		logger:    logger,
		tracer:    otel.Tracer("reviewloop/pipeline"),
	}
}

// Discover lists work candidates through the resilience layer.
func (r *Runner) Discover(ctx context.Context) ([]datatypes.WorkItem, error) {
	var items []datatypes.WorkItem
	_, err := r.executor.ExecuteWithBreaker(ctx, r.breakers.Get("datasource.candidates"), func(ctx context.Context) error {
		var opErr error
		items, opErr = r.source.FetchWorkCandidates(ctx)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ProcessItem runs one item through all three stages.
//
// # Description
//
// Stage failures never propagate as errors: the returned ProcessingResult
// carries the failed stage name, the resilience classification, and the
// underlying error. A later stage is not attempted once an earlier one
// fails.
func (r *Runner) ProcessItem(ctx context.Context, item datatypes.WorkItem) datatypes.ProcessingResult {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "pipeline.ProcessItem",
		trace.WithAttributes(attribute.String("item.id", item.ID)))
	defer span.End()

	detail, err := r.fetchDetail(ctx, item.ID)
	if err != nil {
		return r.failed(span, item.ID, OpItemDetail, err, start)
	}

	itemContext, err := r.fetchContext(ctx, item.ID, detail)
	if err != nil {
		return r.failed(span, item.ID, OpContextFetch, err, start)
	}

	outputs, err := r.generate(ctx, item, detail, itemContext)
	if err != nil {
		return r.failed(span, item.ID, OpGenerate, err, start)
	}

	span.SetAttributes(attribute.Int("outputs.count", len(outputs)))
	stageDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
	return datatypes.ProcessingResult{
		ItemID:   item.ID,
		Success:  true,
		Outputs:  outputs,
		Duration: time.Since(start),
	}
}

// fetchDetail is stage 1: the item's full record, cache-first.
func (r *Runner) fetchDetail(ctx context.Context, itemID string) (json.RawMessage, error) {
	key := "detail:" + itemID
	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, key); ok {
			return cached, nil
		}
	}

	var detail json.RawMessage
	_, err := r.executor.ExecuteWithBreaker(ctx, r.breakers.Get(OpItemDetail), func(ctx context.Context) error {
		var opErr error
		detail, opErr = r.source.FetchItemDetail(ctx, itemID)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if cacheErr := r.cache.Set(ctx, key, detail, r.config.DetailTTL); cacheErr != nil {
			r.logger.Warn("detail cache write failed", "item_id", itemID, "error", cacheErr)
		}
	}
	return detail, nil
}

// fetchContext is stage 2: surrounding context, cache-first.
func (r *Runner) fetchContext(ctx context.Context, itemID string, detail json.RawMessage) (json.RawMessage, error) {
	key := "context:" + itemID
	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, key); ok {
			return cached, nil
		}
	}

	var itemContext json.RawMessage
	_, err := r.executor.ExecuteWithBreaker(ctx, r.breakers.Get(OpContextFetch), func(ctx context.Context) error {
		var opErr error
		itemContext, opErr = r.provider.FetchContext(ctx, itemID, detail)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if cacheErr := r.cache.Set(ctx, key, itemContext, r.config.ContextTTL); cacheErr != nil {
			r.logger.Warn("context cache write failed", "item_id", itemID, "error", cacheErr)
		}
	}
	return itemContext, nil
}

// generate is stage 3: candidate outputs. Never cached; generation must
// see the freshest inputs it was handed.
func (r *Runner) generate(ctx context.Context, item datatypes.WorkItem, detail, itemContext json.RawMessage) ([]datatypes.Output, error) {
	var outputs []datatypes.Output
	_, err := r.executor.ExecuteWithBreaker(ctx, r.breakers.Get(OpGenerate), func(ctx context.Context) error {
		var opErr error
		outputs, opErr = r.generator.Generate(ctx, item, detail, itemContext)
		return opErr
	})
	return outputs, err
}

// failed builds the failure result for one stage.
func (r *Runner) failed(span trace.Span, itemID, stage string, err error, start time.Time) datatypes.ProcessingResult {
	class := resilience.Classify(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	stageFailures.WithLabelValues(stage, string(class)).Inc()
	r.logger.Warn("pipeline stage failed",
		"item_id", itemID,
		"stage", stage,
		"error_class", string(class),
		"error", err)
	return datatypes.ProcessingResult{
		ItemID:       itemID,
		Stage:        stage,
		ErrorClass:   string(class),
		Err:          err,
		ErrorMessage: err.Error(),
		Duration:     time.Since(start),
	}
}
