// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	auditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reviewloop",
		Subsystem: "audit",
		Name:      "entries_total",
		Help:      "Audit ledger entries recorded, by event type.",
	}, []string{"event_type"})

	auditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reviewloop",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Durable audit writes that failed and raised an alert.",
	})

	complianceViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reviewloop",
		Subsystem: "audit",
		Name:      "compliance_violations_total",
		Help:      "Compliance violations found during verification, by category.",
	}, []string{"category"})
)
