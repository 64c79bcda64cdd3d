// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reviewloop",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache hits by tier",
	}, []string{"tier"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reviewloop",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache misses by tier",
	}, []string{"tier"})

	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reviewloop",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "LRU evictions by tier",
	}, []string{"tier"})
)
