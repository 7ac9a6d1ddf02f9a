// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for engine lifecycle operations.
var (
	tracer = otel.Tracer("panelforge.engine.lifecycle")
	meter  = otel.Meter("panelforge.engine.lifecycle")
)

var (
	startTotal      metric.Int64Counter
	startDuration   metric.Float64Histogram
	stopTotal       metric.Int64Counter
	unexpectedExits metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		startTotal, err = meter.Int64Counter(
			"engine_start_total",
			metric.WithDescription("Total number of engine start attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		startDuration, err = meter.Float64Histogram(
			"engine_start_duration_seconds",
			metric.WithDescription("Time from spawn to ready"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stopTotal, err = meter.Int64Counter(
			"engine_stop_total",
			metric.WithDescription("Total number of engine stops"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		unexpectedExits, err = meter.Int64Counter(
			"engine_unexpected_exit_total",
			metric.WithDescription("Engine processes that exited without being stopped"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startLifecycleSpan(ctx context.Context, operation string, port int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lifecycle."+operation,
		trace.WithAttributes(attribute.Int("engine.port", port)),
	)
}

func recordStart(ctx context.Context, result *StartResult) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("success", result.Success),
		attribute.String("mode", result.Mode.String()),
	)
	startTotal.Add(ctx, 1, attrs)
	startDuration.Record(ctx, result.Duration.Seconds(), attrs)
}

func recordStop(ctx context.Context, forced bool) {
	if err := initMetrics(); err != nil {
		return
	}
	stopTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

func recordUnexpectedExit(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	unexpectedExits.Add(ctx, 1)
}
