// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Job Orchestrator
// =============================================================================

var (
	// jobSubmissions counts Submit outcomes.
	// Labels: outcome (accepted, mock, failed)
	jobSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panelforge",
		Subsystem: "jobs",
		Name:      "submissions_total",
		Help:      "Total job submissions by outcome",
	}, []string{"outcome"})

	// streamMessages counts event-stream messages.
	// Labels: type (status, progress, executing, ..., other, malformed)
	streamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panelforge",
		Subsystem: "jobs",
		Name:      "stream_messages_total",
		Help:      "Total event-stream messages received by type",
	}, []string{"type"})

	// streamReconnects counts reconnection attempts.
	// Labels: result (success, failure, exhausted)
	streamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panelforge",
		Subsystem: "jobs",
		Name:      "stream_reconnects_total",
		Help:      "Total event-stream reconnection attempts by result",
	}, []string{"result"})

	// historyPolls counts /history requests made by pollers.
	// Labels: result (pending, finished, error)
	historyPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panelforge",
		Subsystem: "jobs",
		Name:      "history_polls_total",
		Help:      "Total history polls by result",
	}, []string{"result"})

	// activeExecutions is the number of non-terminal records.
	activeExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "panelforge",
		Subsystem: "jobs",
		Name:      "active_executions",
		Help:      "Jobs submitted and not yet in a terminal state",
	})

	// jobDuration measures submission-to-terminal time.
	// Labels: status (completed, failed, cancelled)
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "panelforge",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Job duration from submission to terminal status",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{"status"})
)

// knownMessageTypes bounds the cardinality of the type label.
var knownMessageTypes = map[string]bool{
	msgStatus:               true,
	msgProgress:             true,
	msgExecuting:            true,
	msgExecuted:             true,
	msgExecutionStart:       true,
	msgExecutionCached:      true,
	msgExecutionError:       true,
	msgExecutionInterrupted: true,
	msgExecutionSuccess:     true,
}

func recordStreamMessage(kind string) {
	if !knownMessageTypes[kind] {
		kind = "other"
	}
	streamMessages.WithLabelValues(kind).Inc()
}

func recordTerminal(rec ExecutionRecord) {
	if rec.CompletedAt == nil {
		return
	}
	jobDuration.WithLabelValues(rec.Status.String()).Observe(rec.Duration().Seconds())
}
