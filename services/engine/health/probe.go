// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health probes the engine's liveness and readiness.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/PanelForge/services/engine/config"
	"github.com/AleutianAI/PanelForge/services/engine/fallback"
)

// Backoff defaults applied to consecutive probe failures.
const (
	DefaultBackoffBase       = time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffMax        = 30 * time.Second

	// MaxReadyPollInterval caps the WaitForReady polling interval.
	MaxReadyPollInterval = 2 * time.Second
)

// ErrUnexpectedStatus is wrapped when the engine answers with a non-2xx
// status.
var ErrUnexpectedStatus = errors.New("unexpected engine status")

// ErrUnexpectedPayload is wrapped when the engine's body cannot be parsed.
var ErrUnexpectedPayload = errors.New("unexpected engine payload")

// HTTPDoer is the subset of *http.Client the probe needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober is what the lifecycle manager and supervisor depend on.
type Prober interface {
	// Check runs one bounded probe.
	Check(ctx context.Context) HealthStatus

	// WaitForReady polls until healthy or timeout. Never errors.
	WaitForReady(ctx context.Context, timeout time.Duration) bool

	// BackoffDelay returns the delay implied by the current failure count.
	BackoffDelay() time.Duration

	// Last returns the most recent status.
	Last() HealthStatus
}

var _ Prober = (*Probe)(nil)

// Probe checks the engine over HTTP.
//
// # Description
//
// A check issues GET /system_stats bounded by the configured health check
// timeout, then a best-effort GET /queue. Success resets the failure count
// and reports success to the failure authority. Failure increments the
// count and asks the authority for a verdict: Mock yields a synthetic
// healthy status, Degraded yields StateDegraded, anything else Unhealthy.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Check calls share one request.
type Probe struct {
	cfg       config.Config
	client    HTTPDoer
	authority fallback.Handler
	state     *fallback.State
	logger    *slog.Logger

	backoffBase       time.Duration
	backoffMultiplier float64
	backoffMax        time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	last     HealthStatus
	failures int

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Probe.
type Option func(*Probe)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c HTTPDoer) Option {
	return func(p *Probe) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Probe) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithBackoff overrides the failure backoff curve.
func WithBackoff(base time.Duration, multiplier float64, max time.Duration) Option {
	return func(p *Probe) {
		p.backoffBase = base
		p.backoffMultiplier = multiplier
		p.backoffMax = max
	}
}

// NewProbe creates a probe for cfg reporting to authority.
//
// # Inputs
//
//   - cfg: connection settings; BaseURL, HealthCheckTimeout and
//     HealthCheckInterval are used.
//   - authority: failure sink. Its State decides mock short-circuiting.
//   - opts: optional overrides.
func NewProbe(cfg config.Config, authority fallback.Handler, opts ...Option) *Probe {
	p := &Probe{
		cfg:               cfg,
		client:            &http.Client{},
		authority:         authority,
		state:             authority.State(),
		logger:            slog.Default(),
		backoffBase:       DefaultBackoffBase,
		backoffMultiplier: DefaultBackoffMultiplier,
		backoffMax:        DefaultBackoffMax,
		last:              HealthStatus{State: StateUnknown},
		sleep:             sleepWithContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "health"))
	return p
}

// =============================================================================
// Check
// =============================================================================

// Check runs one probe and caches the result.
//
// # Description
//
// Concurrent callers share one in-flight request. The shared request is
// detached from any single caller's cancellation and bounded by
// HealthCheckTimeout instead, so one caller giving up never fails the
// others. Each caller stops waiting when its own ctx ends and gets an
// unhealthy status that is not cached and does not count as a failure.
func (p *Probe) Check(ctx context.Context) HealthStatus {
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan("check", func() (any, error) {
		return p.check(shared), nil
	})
	select {
	case res := <-ch:
		return res.Val.(HealthStatus)
	case <-ctx.Done():
		return p.abandoned(ctx.Err())
	}
}

// abandoned is the status handed to a caller whose ctx ended while a
// shared check was still in flight.
func (p *Probe) abandoned(err error) HealthStatus {
	return HealthStatus{
		State:               StateUnhealthy,
		ConsecutiveFailures: p.ConsecutiveFailures(),
		ErrorMessage:        "health check abandoned: " + err.Error(),
		CheckedAt:           time.Now(),
	}
}

func (p *Probe) check(ctx context.Context) HealthStatus {
	start := time.Now()

	if p.state.Mock() {
		status := p.synthetic(start)
		p.store(status, 0)
		return status
	}

	ctx, span := startCheckSpan(ctx, p.cfg.BaseURL())
	defer span.End()

	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout.D())
	defer cancel()

	stats, err := p.fetchStats(checkCtx)
	latency := time.Since(start)

	var status HealthStatus
	if err == nil {
		status = HealthStatus{
			Healthy:   true,
			State:     StateHealthy,
			Latency:   latency,
			LatencyMs: latency.Milliseconds(),
			Stats:     stats,
			CheckedAt: time.Now(),
		}
		p.store(status, 0)
		p.authority.RecordSuccess(fallback.CategoryNetwork)
		span.SetAttributes(attribute.Bool("engine.healthy", true))
	} else {
		failures := p.incrementFailures()
		decision := p.authority.Decide(err, fallback.Fields{
			"component":            "health",
			"url":                  p.cfg.BaseURL(),
			"consecutive_failures": failures,
		})

		switch decision.Mode {
		case fallback.ModeMock:
			status = p.synthetic(start)
			p.store(status, 0)
			return status
		case fallback.ModeDegraded:
			status = HealthStatus{State: StateDegraded}
		default:
			status = HealthStatus{State: StateUnhealthy}
		}
		status.Latency = latency
		status.LatencyMs = latency.Milliseconds()
		status.ConsecutiveFailures = failures
		status.ErrorMessage = err.Error()
		status.CheckedAt = time.Now()
		p.storeStatus(status)

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Debug("health check failed",
			slog.Int("consecutive_failures", failures),
			slog.String("verdict", decision.Mode.String()),
			slog.String("error", err.Error()))
	}

	recordCheck(ctx, status, latency)
	return status
}

func (p *Probe) synthetic(start time.Time) HealthStatus {
	latency := time.Since(start)
	return HealthStatus{
		Healthy:   true,
		State:     StateHealthy,
		Latency:   latency,
		LatencyMs: latency.Milliseconds(),
		CheckedAt: time.Now(),
		Synthetic: true,
	}
}

// fetchStats reads /system_stats and, best-effort, /queue.
func (p *Probe) fetchStats(ctx context.Context) (*EngineStats, error) {
	var stats EngineStats
	if err := p.getJSON(ctx, "/system_stats", &stats); err != nil {
		return nil, err
	}

	var queue queuePayload
	if err := p.getJSON(ctx, "/queue", &queue); err == nil {
		stats.QueueRunning = len(queue.Running)
		stats.QueuePending = len(queue.Pending)
	} else {
		p.logger.Debug("queue stats unavailable", slog.String("error", err.Error()))
	}
	return &stats, nil
}

func (p *Probe) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL()+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: GET %s returned HTTP %d: %s", ErrUnexpectedStatus, path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrUnexpectedPayload, path, err)
	}
	return nil
}

func (p *Probe) incrementFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	return p.failures
}

func (p *Probe) store(status HealthStatus, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = failures
	p.last = status
}

func (p *Probe) storeStatus(status HealthStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = status
}

// Last returns the most recent status.
func (p *Probe) Last() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// ConsecutiveFailures returns the current failure streak.
func (p *Probe) ConsecutiveFailures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures
}

// =============================================================================
// Backoff
// =============================================================================

// BackoffDelay is ComputeBackoff applied to the current failure streak.
func (p *Probe) BackoffDelay() time.Duration {
	return ComputeBackoff(p.ConsecutiveFailures(), p.backoffBase, p.backoffMultiplier, p.backoffMax)
}

// ComputeBackoff returns min(base * multiplier^(failures-1), max), and 0
// when failures is 0.
//
// Pure and deterministic: it depends only on its arguments. Multipliers
// below 1 are treated as 1 so the result is non-decreasing in failures.
func ComputeBackoff(failures int, base time.Duration, multiplier float64, max time.Duration) time.Duration {
	if failures <= 0 || base <= 0 {
		return 0
	}
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(base) * math.Pow(multiplier, float64(failures-1))
	if max > 0 && (delay > float64(max) || math.IsInf(delay, 1)) {
		return max
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// =============================================================================
// Readiness and background loop
// =============================================================================

// WaitForReady polls Check every min(HealthCheckInterval, 2s) until a
// healthy status arrives or timeout elapses.
//
// # Outputs
//
//   - bool: true on a healthy status. False on timeout or ctx cancellation;
//     never blocks past the deadline.
func (p *Probe) WaitForReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	interval := min(p.cfg.HealthCheckInterval.D(), MaxReadyPollInterval)

	for {
		if p.Check(ctx).Healthy {
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.logger.Warn("engine not ready before deadline", slog.Duration("timeout", timeout))
			return false
		}
		if err := p.sleep(ctx, min(interval, remaining)); err != nil {
			return false
		}
	}
}

// Run checks the engine every HealthCheckInterval plus the current backoff
// until ctx is done. It logs state transitions and returns nil on
// cancellation so it can live in an errgroup.
func (p *Probe) Run(ctx context.Context) error {
	previous := p.Last().State
	for {
		status := p.Check(ctx)
		if status.State != previous {
			p.logger.Info("engine health changed",
				slog.String("from", previous.String()),
				slog.String("to", status.State.String()),
				slog.Int("consecutive_failures", status.ConsecutiveFailures))
			previous = status.State
		}

		wait := p.cfg.HealthCheckInterval.D() + p.BackoffDelay()
		if err := p.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
