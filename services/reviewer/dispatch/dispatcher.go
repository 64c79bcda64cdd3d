// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch drains the work queue in bounded batches.
//
// Items within a batch run concurrently under a weighted semaphore;
// session counters are folded in between batches by a single writer. When
// the session's cumulative error rate breaches the configured threshold,
// the drain halts: in-flight items finish, nothing further is dequeued,
// and the caller fails the session.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/reviewloop/services/reviewer/audit"
	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
	"github.com/AleutianAI/reviewloop/services/reviewer/queue"
)

// Config tunes the dispatcher.
type Config struct {
	// BatchSize is the number of items dequeued per batch.
	BatchSize int

	// Concurrency bounds parallel pipeline runs within a batch.
	Concurrency int64

	// ErrorRateThreshold halts the drain when the session's cumulative
	// failed/(processed+failed) exceeds it.
	ErrorRateThreshold float64

	// MinSampleSize is how many items must have finished before the
	// threshold applies. Prevents a halt on the first unlucky item.
	MinSampleSize int

	// BasePause is the inter-batch pause under a clean run. The actual
	// pause stretches with the previous batch's failure fraction and
	// latency.
	BasePause time.Duration

	// MaxPause caps the adaptive inter-batch pause.
	MaxPause time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:          10,
		Concurrency:        4,
		ErrorRateThreshold: 0.5,
		MinSampleSize:      5,
		BasePause:          500 * time.Millisecond,
		MaxPause:           10 * time.Second,
	}
}

// ItemProcessor runs one work item through the pipeline.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, item datatypes.WorkItem) datatypes.ProcessingResult
}

// OutputHandler receives each successful result between batches. Handlers
// run on the dispatcher's goroutine; slow handlers slow the drain.
type OutputHandler func(ctx context.Context, result datatypes.ProcessingResult)

// PersistFunc checkpoints the session's running state to durable storage.
// Drain calls it after each batch's counters are folded in, so a crash
// mid-drain loses at most the in-flight batch.
type PersistFunc func(ctx context.Context, state *datatypes.SessionState) error

// Report summarizes one drain.
type Report struct {
	// Batches is the number of batches dispatched.
	Batches int

	// Halted is true when the error-rate threshold stopped the drain.
	Halted bool

	// Results holds every per-item result in completion order.
	Results []datatypes.ProcessingResult
}

// Dispatcher drains a work queue through a processor.
//
// Thread Safety: One Drain call at a time per dispatcher. The session
// state passed to Drain is mutated only from the draining goroutine.
type Dispatcher struct {
	config    Config
	processor ItemProcessor
	ledger    *audit.Ledger
	onOutput  OutputHandler
	persist   PersistFunc
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher.
//
// Inputs:
//   - config: Batch shape and halt policy. Zero fields default.
//   - processor: The pipeline. Required.
//   - ledger: Audit ledger for per-item entries. Required.
//   - onOutput: Optional callback for successful results.
//   - persist: Optional per-batch state checkpoint.
//   - logger: Optional. Defaults to slog.Default().
func NewDispatcher(config Config, processor ItemProcessor, ledger *audit.Ledger, onOutput OutputHandler, persist PersistFunc, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.ErrorRateThreshold <= 0 || config.ErrorRateThreshold > 1 {
		config.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if config.MinSampleSize <= 0 {
		config.MinSampleSize = def.MinSampleSize
	}
	if config.BasePause <= 0 {
		config.BasePause = def.BasePause
	}
	if config.MaxPause < config.BasePause {
		config.MaxPause = def.MaxPause
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		config:    config,
		processor: processor,
		ledger:    ledger,
		onOutput:  onOutput,
		persist:   persist,
		logger:    logger,
	}
}

// Drain processes the queue until it is empty, the error rate halts the
// run, or the context is cancelled.
//
// Outputs:
//   - Report: Batch count, halt flag, and all results.
//   - error: Context cancellation only. A halt is reported, not errored.
func (d *Dispatcher) Drain(ctx context.Context, q *queue.WorkQueue, state *datatypes.SessionState) (Report, error) {
	report := Report{}
	sem := semaphore.NewWeighted(d.config.Concurrency)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch := q.DequeueBatch(d.config.BatchSize)
		if len(batch) == 0 {
			return report, nil
		}
		report.Batches++

		batchStart := time.Now()
		results := d.runBatch(ctx, sem, batch)
		batchDuration.Observe(time.Since(batchStart).Seconds())
		batchesTotal.Inc()

		// Single-writer section: counters, audit, handlers.
		failures := 0
		for _, result := range results {
			state.RecordResult(result)
			report.Results = append(report.Results, result)

			outcome := "success"
			if !result.Success {
				outcome = "failure"
				failures++
			}
			itemsTotal.WithLabelValues(outcome).Inc()

			d.ledger.Record(ctx, state.SessionID, audit.EventItemResult, result.ItemID, result.Success, map[string]any{
				"stage":       result.Stage,
				"error_class": result.ErrorClass,
				"duration_ms": result.Duration.Milliseconds(),
				"outputs":     len(result.Outputs),
			})
			if result.Success && d.onOutput != nil {
				d.onOutput(ctx, result)
			}
		}

		if d.persist != nil {
			if err := d.persist(ctx, state); err != nil {
				d.logger.Warn("batch checkpoint failed",
					"session_id", state.SessionID,
					"batch", report.Batches,
					"error", err)
			}
		}

		finished := state.Counters.Processed + state.Counters.Failed
		if finished >= d.config.MinSampleSize && state.ErrorRate() > d.config.ErrorRateThreshold {
			report.Halted = true
			haltsTotal.Inc()
			d.logger.Error("drain halted on error rate",
				"session_id", state.SessionID,
				"error_rate", state.ErrorRate(),
				"threshold", d.config.ErrorRateThreshold,
				"finished", finished)
			return report, nil
		}

		if q.Len() == 0 {
			return report, nil
		}
		if err := d.pause(ctx, len(batch), failures, time.Since(batchStart)); err != nil {
			return report, err
		}
	}
}

// runBatch executes one batch under the semaphore and waits for every
// item to finish.
func (d *Dispatcher) runBatch(ctx context.Context, sem *semaphore.Weighted, batch []datatypes.WorkItem) []datatypes.ProcessingResult {
	results := make([]datatypes.ProcessingResult, len(batch))
	var wg sync.WaitGroup

	for i, item := range batch {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled mid-batch: mark the rest unprocessed as failures
			// so the session record shows what never ran.
			for j := i; j < len(batch); j++ {
				results[j] = datatypes.ProcessingResult{
					ItemID:       batch[j].ID,
					ErrorClass:   "permanent",
					Err:          err,
					ErrorMessage: err.Error(),
				}
			}
			break
		}
		wg.Add(1)
		go func(slot int, item datatypes.WorkItem) {
			defer wg.Done()
			defer sem.Release(1)
			results[slot] = d.processor.ProcessItem(ctx, item)
		}(i, item)
	}

	wg.Wait()
	return results
}

// pause applies the adaptive inter-batch pause: the base pause stretched
// by the previous batch's failure fraction, floored by a share of its
// latency.
func (d *Dispatcher) pause(ctx context.Context, batchSize, failures int, batchLatency time.Duration) error {
	failFrac := float64(failures) / float64(batchSize)
	pause := time.Duration(float64(d.config.BasePause) * (1 + 3*failFrac))
	if backpressure := batchLatency / 4; backpressure > pause {
		pause = backpressure
	}
	if pause > d.config.MaxPause {
		pause = d.config.MaxPause
	}
	pauseSeconds.Observe(pause.Seconds())

	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
