// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reviewloop",
		Subsystem: "dispatch",
		Name:      "batches_total",
		Help:      "Batches dispatched.",
	})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reviewloop",
		Subsystem: "dispatch",
		Name:      "items_total",
		Help:      "Items processed, by outcome.",
	}, []string{"outcome"})

	haltsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reviewloop",
		Subsystem: "dispatch",
		Name:      "halts_total",
		Help:      "Drains halted by the error-rate threshold.",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reviewloop",
		Subsystem: "dispatch",
		Name:      "batch_duration_seconds",
		Help:      "Wall time per batch.",
		Buckets:   prometheus.DefBuckets,
	})

	pauseSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reviewloop",
		Subsystem: "dispatch",
		Name:      "pause_seconds",
		Help:      "Adaptive inter-batch pause.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)
