// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine wires the supervision components around one image
// generation engine: configuration, failure authority, health probe,
// lifecycle manager, graph compiler and job orchestrator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/PanelForge/services/engine/config"
	"github.com/AleutianAI/PanelForge/services/engine/fallback"
	"github.com/AleutianAI/PanelForge/services/engine/graph"
	"github.com/AleutianAI/PanelForge/services/engine/health"
	"github.com/AleutianAI/PanelForge/services/engine/jobs"
	"github.com/AleutianAI/PanelForge/services/engine/lifecycle"
)

// ErrStarted is returned by Start while background tasks are running.
var ErrStarted = errors.New("supervisor already started")

// Status is a point-in-time view of every component.
type Status struct {
	Service    lifecycle.ServiceStatus `json:"service"`
	Health     health.HealthStatus     `json:"health"`
	Transport  string                  `json:"transport"`
	Fallback   fallback.Flags          `json:"fallback"`
	ActiveJobs int                     `json:"active_jobs"`
	Errors     fallback.Stats          `json:"errors"`
}

// options collects the per-component options handed down by Option.
type options struct {
	logger    *slog.Logger
	authority []fallback.Option
	probe     []health.Option
	manager   []lifecycle.Option
	compiler  []graph.CompilerOption
	jobs      []jobs.Option
}

// Option configures a Supervisor.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAuthorityOptions passes options to the failure authority.
func WithAuthorityOptions(opts ...fallback.Option) Option {
	return func(o *options) { o.authority = append(o.authority, opts...) }
}

// WithProbeOptions passes options to the health probe.
func WithProbeOptions(opts ...health.Option) Option {
	return func(o *options) { o.probe = append(o.probe, opts...) }
}

// WithManagerOptions passes options to the lifecycle manager.
func WithManagerOptions(opts ...lifecycle.Option) Option {
	return func(o *options) { o.manager = append(o.manager, opts...) }
}

// WithCompilerOptions passes options to the graph compiler.
func WithCompilerOptions(opts ...graph.CompilerOption) Option {
	return func(o *options) { o.compiler = append(o.compiler, opts...) }
}

// WithJobOptions passes options to every job orchestrator the supervisor
// creates.
func WithJobOptions(opts ...jobs.Option) Option {
	return func(o *options) { o.jobs = append(o.jobs, opts...) }
}

// Supervisor owns one engine and the components that watch it.
//
// # Description
//
// All components share one fallback State through one Authority, so a Mock
// verdict reached by the lifecycle manager is honored by the health probe
// and the job orchestrator alike. Start runs the health loop in an
// errgroup unless the engine came up degraded. A downgrade to polling is
// kept until an operator calls ResetTransport.
//
// # Thread Safety
//
// Safe for concurrent use.
type Supervisor struct {
	cfg       config.Config
	authority *fallback.Authority
	probe     *health.Probe
	manager   *lifecycle.Manager
	compiler  *graph.Compiler
	logger    *slog.Logger
	jobOpts   []jobs.Option

	mu     sync.Mutex
	jobs   *jobs.Orchestrator
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a supervisor for cfg. Nothing is started.
//
// # Examples
//
//	sup := engine.New(cfg, engine.WithLogger(logger.Slog()))
//	if _, err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop(context.Background())
func New(cfg config.Config, opts ...Option) *Supervisor {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	authority := fallback.NewAuthority(append([]fallback.Option{fallback.WithLogger(o.logger)}, o.authority...)...)
	probe := health.NewProbe(cfg, authority, append([]health.Option{health.WithLogger(o.logger)}, o.probe...)...)
	manager := lifecycle.NewManager(cfg, probe, authority, append([]lifecycle.Option{lifecycle.WithLogger(o.logger)}, o.manager...)...)
	compiler := graph.NewCompiler(cfg, append([]graph.CompilerOption{graph.WithLogger(o.logger)}, o.compiler...)...)

	s := &Supervisor{
		cfg:       cfg,
		authority: authority,
		probe:     probe,
		manager:   manager,
		compiler:  compiler,
		logger:    o.logger.With(slog.String("component", "supervisor")),
		jobOpts:   append([]jobs.Option{jobs.WithLogger(o.logger)}, o.jobs...),
	}
	s.jobs = s.newOrchestrator()
	return s
}

func (s *Supervisor) newOrchestrator() *jobs.Orchestrator {
	return jobs.NewOrchestrator(s.cfg, s.authority, s.jobOpts...)
}

// Config returns the supervisor's configuration.
func (s *Supervisor) Config() config.Config { return s.cfg }

// Authority returns the shared failure authority.
func (s *Supervisor) Authority() *fallback.Authority { return s.authority }

// Probe returns the health probe.
func (s *Supervisor) Probe() *health.Probe { return s.probe }

// Manager returns the lifecycle manager.
func (s *Supervisor) Manager() *lifecycle.Manager { return s.manager }

// Compiler returns the graph compiler.
func (s *Supervisor) Compiler() *graph.Compiler { return s.compiler }

// Jobs returns the current job orchestrator. Stop replaces it.
func (s *Supervisor) Jobs() *jobs.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs
}

// =============================================================================
// Start / Stop
// =============================================================================

// Start launches the engine, attaches the event stream and starts the
// background tasks.
//
// # Outputs
//
//   - *lifecycle.StartResult: the lifecycle manager's result.
//   - error: the start failure. Background tasks are not started then.
//     A stream that cannot attach is not an error; jobs are polled.
func (s *Supervisor) Start(ctx context.Context) (*lifecycle.StartResult, error) {
	s.mu.Lock()
	if s.group != nil {
		s.mu.Unlock()
		return &lifecycle.StartResult{Message: ErrStarted.Error()}, ErrStarted
	}
	s.mu.Unlock()

	result, err := s.manager.Start(ctx)
	if err != nil {
		return result, err
	}

	orch := s.Jobs()
	if !orch.Connect(ctx) {
		s.logger.Warn("event stream unavailable, jobs will be polled",
			slog.String("transport", orch.Mode().String()))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(loopCtx)
	if result.Mode == fallback.ModeDegraded {
		s.logger.Warn("engine degraded, background health checks disabled")
	} else {
		group.Go(func() error { return s.probe.Run(gctx) })
	}

	s.mu.Lock()
	s.cancel = cancel
	s.group = group
	s.mu.Unlock()

	s.logger.Info("supervisor started",
		slog.String("url", result.URL),
		slog.String("mode", result.Mode.String()),
		slog.String("transport", orch.Mode().String()))
	return result, nil
}

// Stop ends the background tasks, closes the job orchestrator and stops
// the engine. It is safe to call without a prior Start. Records of the
// closed orchestrator are discarded; a later Start tracks jobs with a
// fresh one.
func (s *Supervisor) Stop(ctx context.Context) (*lifecycle.StopResult, error) {
	s.mu.Lock()
	cancel, group, orch := s.cancel, s.group, s.jobs
	s.cancel, s.group = nil, nil
	s.jobs = s.newOrchestrator()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		if err := group.Wait(); err != nil {
			s.logger.Warn("background task ended with error", slog.String("error", err.Error()))
		}
	}
	if err := orch.Close(); err != nil {
		s.logger.Debug("closing event stream", slog.String("error", err.Error()))
	}

	result, err := s.manager.Stop(ctx)
	if err != nil {
		return result, err
	}
	s.logger.Info("supervisor stopped", slog.String("message", result.Message))
	return result, nil
}

// =============================================================================
// Jobs
// =============================================================================

// Generate compiles req, validates the graph and submits it.
//
// # Outputs
//
//   - string: the job id.
//   - graph.ValidationResult: always populated once compilation succeeds.
//   - error: a request error (graph.ErrInvalidRequest), an invalid graph
//     (graph.ErrInvalidGraph), or a submission failure.
func (s *Supervisor) Generate(ctx context.Context, req graph.PanelRequest, onUpdate jobs.UpdateFunc) (string, graph.ValidationResult, error) {
	g, err := s.compiler.Compile(req)
	if err != nil {
		return "", graph.ValidationResult{}, fmt.Errorf("compile panel request: %w", err)
	}
	return s.SubmitGraph(ctx, g, onUpdate)
}

// SubmitGraph validates a prepared graph and submits it. Graphs with
// validation errors never reach the engine.
func (s *Supervisor) SubmitGraph(ctx context.Context, g *graph.JobGraph, onUpdate jobs.UpdateFunc) (string, graph.ValidationResult, error) {
	result := s.compiler.Validate(g)
	if err := result.Err(); err != nil {
		s.authority.Report(err, fallback.Fields{
			fallback.FieldCategory: fallback.CategoryWorkflow,
			"component":            "supervisor",
			"graph_id":             g.Metadata.ID,
		})
		return "", result, err
	}

	id, err := s.Jobs().Submit(ctx, g, onUpdate)
	if err != nil {
		return "", result, err
	}
	s.logger.Info("panel submitted",
		slog.String("job_id", id),
		slog.Float64("complexity", result.Complexity),
		slog.Float64("estimated_seconds", result.EstimatedSeconds))
	return id, result, nil
}

// =============================================================================
// Fallback state
// =============================================================================

// Offline reports whether the authority has stopped accepting work.
func (s *Supervisor) Offline() bool {
	return s.authority.State().Offline()
}

// Reset clears every fallback flag and retry counter. It is the manual
// recovery from Offline.
func (s *Supervisor) Reset() {
	s.authority.Reset()
}

// ResetTransport lifts a downgrade to polling and tries the event stream
// again. Nothing else re-enables streaming once the orchestrator has fallen
// back. It reports whether the stream is attached.
func (s *Supervisor) ResetTransport(ctx context.Context) bool {
	orch := s.Jobs()
	if !orch.ResetTransport(ctx) {
		s.logger.Warn("event stream still unavailable",
			slog.String("transport", orch.Mode().String()))
		return false
	}
	s.logger.Info("event stream restored")
	return true
}

// Status gathers every component's view.
func (s *Supervisor) Status() Status {
	orch := s.Jobs()
	return Status{
		Service:    s.manager.Status(),
		Health:     s.probe.Last(),
		Transport:  orch.Mode().String(),
		Fallback:   s.authority.State().Snapshot(),
		ActiveJobs: len(orch.Table().Active()),
		Errors:     s.authority.Stats(),
	}
}
