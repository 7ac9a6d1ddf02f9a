// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("panelforge.engine.health")
	meter  = otel.Meter("panelforge.engine.health")
)

var (
	checkTotal   metric.Int64Counter
	checkLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		checkTotal, err = meter.Int64Counter(
			"engine_health_check_total",
			metric.WithDescription("Total number of engine health checks"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkLatency, err = meter.Float64Histogram(
			"engine_health_latency_seconds",
			metric.WithDescription("Latency of engine health checks"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startCheckSpan(ctx context.Context, baseURL string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "health.Check",
		trace.WithAttributes(attribute.String("engine.base_url", baseURL)),
	)
}

func recordCheck(ctx context.Context, status HealthStatus, latency time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("state", status.State.String()),
		attribute.Bool("synthetic", status.Synthetic),
	)
	checkTotal.Add(ctx, 1, attrs)
	checkLatency.Record(ctx, latency.Seconds(), attrs)
}
