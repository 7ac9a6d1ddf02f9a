// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Failure Authority
// =============================================================================

var (
	// failuresClassified counts every record that enters the history.
	// Labels: category, severity
	failuresClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panelforge",
		Subsystem: "fallback",
		Name:      "failures_total",
		Help:      "Total failures classified by the failure authority",
	}, []string{"category", "severity"})

	// fallbackDecisions counts strategy verdicts.
	// Labels: category, mode (none, retry, mock, degraded, offline)
	fallbackDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panelforge",
		Subsystem: "fallback",
		Name:      "decisions_total",
		Help:      "Total fallback decisions by category and mode",
	}, []string{"category", "mode"})

	// fallbackResets counts manual and automatic resets.
	fallbackResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "panelforge",
		Subsystem: "fallback",
		Name:      "resets_total",
		Help:      "Total full resets of the fallback state",
	})
)

func recordClassified(rec ErrorRecord) {
	failuresClassified.WithLabelValues(rec.Category.String(), rec.Severity.String()).Inc()
}

func recordDecision(c Category, m Mode) {
	fallbackDecisions.WithLabelValues(c.String(), m.String()).Inc()
}
