// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle owns the engine child process: launch, readiness,
// shutdown and crash detection.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/PanelForge/services/engine/config"
	"github.com/AleutianAI/PanelForge/services/engine/fallback"
	"github.com/AleutianAI/PanelForge/services/engine/health"
)

// MockProcessID is the process id reported when the engine runs in mock
// mode and no process exists.
const MockProcessID = -1

// crashTailLines is how much engine output goes into a crash message.
const crashTailLines = 5

var (
	// ErrAlreadyRunning is returned by Start when a process is owned.
	ErrAlreadyRunning = errors.New("engine already running")

	// ErrPortInUse is wrapped when another listener holds the port.
	ErrPortInUse = errors.New("engine port unavailable")

	// ErrStartupTimeout is wrapped when the engine never became ready.
	ErrStartupTimeout = errors.New("engine startup timed out")

	// ErrProcessExited is wrapped when the engine process died.
	ErrProcessExited = errors.New("engine process exited")

	// ErrStartAborted is returned by a Start that a concurrent Stop
	// overtook.
	ErrStartAborted = errors.New("engine start aborted by stop")
)

// =============================================================================
// Status and results
// =============================================================================

// ServiceState is the lifecycle state of the engine process.
type ServiceState int

const (
	StateStopped ServiceState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

// String returns the lowercase state name.
func (s ServiceState) String() string {
	names := []string{"stopped", "starting", "running", "stopping", "error"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// MarshalText renders the state name in JSON output.
func (s ServiceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ServiceStatus is a copy of the manager's view of the engine.
type ServiceStatus struct {
	Running    bool                `json:"running"`
	State      ServiceState        `json:"state"`
	ProcessID  int                 `json:"process_id,omitempty"`
	Port       int                 `json:"port,omitempty"`
	URL        string              `json:"url,omitempty"`
	StartedAt  time.Time           `json:"started_at,omitzero"`
	LastHealth health.HealthStatus `json:"last_health"`
	Mock       bool                `json:"mock,omitempty"`
	Degraded   bool                `json:"degraded,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
}

// StartResult is returned by Start on every path.
type StartResult struct {
	Success   bool          `json:"success"`
	ProcessID int           `json:"process_id"`
	URL       string        `json:"url,omitempty"`
	Message   string        `json:"message"`
	Mode      fallback.Mode `json:"-"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
}

// StopResult is returned by Stop on every path.
type StopResult struct {
	Success  bool          `json:"success"`
	Forced   bool          `json:"forced"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// RestartResult combines the stop and start halves.
type RestartResult struct {
	Success  bool          `json:"success"`
	Stop     *StopResult   `json:"stop"`
	Start    *StartResult  `json:"start"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// =============================================================================
// Manager
// =============================================================================

// Manager owns exactly one engine process at a time.
//
// # Description
//
// Start validates configuration, refuses to start over a live listener,
// spawns the engine and blocks on the health probe's WaitForReady. Every
// failure on that path goes to the failure authority and the verdict drives
// an explicit attempt loop: Retry loops, Mock reports success with
// MockProcessID, Degraded keeps a spawned process without health
// confirmation, anything else fails. The loop is bounded by
// MaxRetryAttempts+1 regardless of the strategies registered.
//
// # Thread Safety
//
// Safe for concurrent use. Start and Stop never hold the lock while
// waiting on the process or the probe.
type Manager struct {
	cfg       config.Config
	runner    ProcessRunner
	probe     health.Prober
	authority fallback.Handler
	state     *fallback.State
	logger    *slog.Logger
	goos      string
	portInUse func(ctx context.Context, host string, port int) bool
	output    *outputTail

	mu          sync.Mutex
	status      ServiceStatus
	proc        Process
	startCancel context.CancelFunc

	// gen is bumped by every Start and Stop. A start loop only writes
	// status while its generation is current.
	gen uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner replaces the process runner.
func WithRunner(r ProcessRunner) Option {
	return func(m *Manager) {
		if r != nil {
			m.runner = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithGOOS overrides the target OS used to build the launch command.
func WithGOOS(goos string) Option {
	return func(m *Manager) { m.goos = goos }
}

// WithPortCheck replaces the live-listener check.
func WithPortCheck(fn func(ctx context.Context, host string, port int) bool) Option {
	return func(m *Manager) {
		if fn != nil {
			m.portInUse = fn
		}
	}
}

// NewManager creates a lifecycle manager.
//
// # Inputs
//
//   - cfg: engine configuration. Validated on every Start.
//   - probe: readiness source.
//   - authority: failure sink; its State is consulted for Mock and Offline.
func NewManager(cfg config.Config, probe health.Prober, authority fallback.Handler, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		runner:    NewDefaultProcessRunner(),
		probe:     probe,
		authority: authority,
		state:     authority.State(),
		logger:    slog.Default(),
		goos:      runtime.GOOS,
		portInUse: PortInUse,
		status:    ServiceStatus{State: StateStopped},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "lifecycle"))
	m.output = newOutputTail(m.logger)
	return m
}

// -----------------------------------------------------------------------------
// Start
// -----------------------------------------------------------------------------

// Start launches the engine and waits until it is ready.
//
// # Outputs
//
//   - *StartResult: always non-nil.
//   - error: nil on success (including Mock and Degraded verdicts).
//     ErrAlreadyRunning, fallback.ErrOffline, or the underlying failure
//     otherwise.
func (m *Manager) Start(ctx context.Context) (*StartResult, error) {
	began := time.Now()
	ctx, span := startLifecycleSpan(ctx, "Start", m.cfg.Port)
	defer span.End()

	m.mu.Lock()
	switch m.status.State {
	case StateStarting, StateRunning, StateStopping:
		st := m.status
		m.mu.Unlock()
		return &StartResult{
			ProcessID: st.ProcessID,
			URL:       st.URL,
			Message:   fmt.Sprintf("engine is already %s", st.State),
			Duration:  time.Since(began),
		}, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.gen++
	gen := m.gen
	m.startCancel = cancel
	m.status = ServiceStatus{State: StateStarting, Port: m.cfg.Port, URL: m.cfg.BaseURL()}
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		if m.gen == gen {
			m.startCancel = nil
		}
		m.mu.Unlock()
	}()

	result, err := m.startLoop(ctx, gen)
	result.Duration = time.Since(began)

	recordStart(ctx, result)
	span.SetAttributes(
		attribute.Bool("engine.success", result.Success),
		attribute.Int("engine.pid", result.ProcessID),
		attribute.String("engine.mode", result.Mode.String()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result.Message)
	}
	return result, err
}

func (m *Manager) startLoop(ctx context.Context, gen uint64) (*StartResult, error) {
	if m.state.Offline() {
		return m.fail(gen, 0, fmt.Errorf("%w: reset required before starting", fallback.ErrOffline))
	}
	if m.state.Mock() {
		return m.runMock(gen, 0)
	}

	maxAttempts := m.cfg.MaxRetryAttempts + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		proc, err := m.attempt(ctx, gen)
		if err == nil {
			return m.markRunning(gen, proc, attempt, fallback.ModeNone)
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, ErrStartAborted) {
			m.discard(proc)
			return m.fail(gen, attempt, fmt.Errorf("engine start cancelled: %w", err))
		}

		decision := m.authority.Handle(ctx, err, m.fieldsFor(err, attempt))
		switch decision.Outcome() {
		case fallback.OutcomeRetry:
			m.discard(proc)
			m.logger.Warn("engine start failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxAttempts),
				slog.String("error", err.Error()))
			continue

		case fallback.OutcomeMock:
			m.discard(proc)
			return m.runMock(gen, attempt)

		case fallback.OutcomeDegrade:
			if proc != nil && !exited(proc) {
				return m.markRunning(gen, proc, attempt, fallback.ModeDegraded)
			}
			m.discard(proc)
			return m.fail(gen, attempt, err)

		default:
			m.discard(proc)
			if decision.Mode == fallback.ModeOffline {
				return m.fail(gen, attempt, decision.Err())
			}
			return m.fail(gen, attempt, err)
		}
	}

	return m.fail(gen, maxAttempts, fmt.Errorf("engine did not start after %d attempts: %w", maxAttempts, lastErr))
}

// attempt runs one validate, port check, spawn, wait cycle. The returned
// process is non-nil whenever a spawn happened, even on error.
func (m *Manager) attempt(ctx context.Context, gen uint64) (Process, error) {
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	cmd, err := BuildCommand(m.cfg, m.goos)
	if err != nil {
		return nil, err
	}
	if m.portInUse(ctx, m.cfg.Host, m.cfg.Port) {
		return nil, portInUseError(m.cfg.Port)
	}

	m.output.Reset()
	cmd.Output = m.output

	proc, err := m.runner.Start(ctx, cmd)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return proc, ErrStartAborted
	}
	m.proc = proc
	m.status.ProcessID = proc.Pid()
	m.mu.Unlock()

	m.logger.Info("engine spawned",
		slog.Int("pid", proc.Pid()),
		slog.String("command", cmd.String()))

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	timeout := m.cfg.StartupTimeout.D()
	ready := m.probe.WaitForReady(waitCtx, timeout)

	switch {
	case exited(proc):
		return proc, m.exitError(proc)
	case ready:
		return proc, nil
	case ctx.Err() != nil:
		return proc, ctx.Err()
	default:
		return proc, fmt.Errorf("%w: not ready within %s", ErrStartupTimeout, timeout)
	}
}

func (m *Manager) fieldsFor(err error, attempt int) fallback.Fields {
	fields := fallback.Fields{
		"component": "lifecycle",
		"port":      m.cfg.Port,
		"attempt":   attempt,
	}
	switch {
	case errors.Is(err, config.ErrInvalidConfig), errors.Is(err, ErrNoInstallPath):
		fields[fallback.FieldCategory] = fallback.CategoryConfiguration
	case errors.Is(err, ErrPortInUse), errors.Is(err, ErrStartupTimeout), errors.Is(err, ErrProcessExited):
		fields[fallback.FieldCategory] = fallback.CategoryService
	}
	return fields
}

func (m *Manager) exitError(proc Process) error {
	var detail string
	if exitErr := proc.ExitErr(); exitErr != nil {
		detail += ": " + exitErr.Error()
	}
	if tail := m.output.Tail(crashTailLines); len(tail) > 0 {
		detail += "; last output: " + strings.Join(tail, " | ")
	}
	return fmt.Errorf("%w (pid %d)%s", ErrProcessExited, proc.Pid(), detail)
}

func (m *Manager) markRunning(gen uint64, proc Process, attempt int, mode fallback.Mode) (*StartResult, error) {
	now := time.Now()
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.discard(proc)
		return m.fail(gen, attempt, ErrStartAborted)
	}
	m.proc = proc
	m.status = ServiceStatus{
		Running:   true,
		State:     StateRunning,
		ProcessID: proc.Pid(),
		Port:      m.cfg.Port,
		URL:       m.cfg.BaseURL(),
		StartedAt: now,
		Degraded:  mode == fallback.ModeDegraded,
	}
	m.mu.Unlock()

	go m.watch(proc, now)
	if mode != fallback.ModeDegraded {
		m.authority.RecordSuccess(fallback.CategoryService)
	}

	msg := "engine ready"
	if mode == fallback.ModeDegraded {
		msg = "engine running without health confirmation"
		m.logger.Warn(msg, slog.Int("pid", proc.Pid()))
	} else {
		m.logger.Info(msg, slog.Int("pid", proc.Pid()), slog.String("url", m.cfg.BaseURL()))
	}
	return &StartResult{
		Success:   true,
		ProcessID: proc.Pid(),
		URL:       m.cfg.BaseURL(),
		Message:   msg,
		Mode:      mode,
		Attempts:  attempt,
	}, nil
}

func (m *Manager) runMock(gen uint64, attempt int) (*StartResult, error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return m.fail(gen, attempt, ErrStartAborted)
	}
	m.proc = nil
	m.status = ServiceStatus{
		Running:   true,
		State:     StateRunning,
		ProcessID: MockProcessID,
		Port:      m.cfg.Port,
		URL:       m.cfg.BaseURL(),
		StartedAt: time.Now(),
		Mock:      true,
	}
	m.mu.Unlock()

	m.logger.Warn("engine running in mock mode")
	return &StartResult{
		Success:   true,
		ProcessID: MockProcessID,
		URL:       m.cfg.BaseURL(),
		Message:   "mock engine active",
		Mode:      fallback.ModeMock,
		Attempts:  attempt,
	}, nil
}

// fail records a failed start. A start overtaken by Stop leaves the
// Stopped status alone.
func (m *Manager) fail(gen uint64, attempt int, err error) (*StartResult, error) {
	m.mu.Lock()
	current := m.gen == gen
	if current {
		m.proc = nil
		m.status = ServiceStatus{
			State:     StateError,
			Port:      m.cfg.Port,
			LastError: err.Error(),
		}
	}
	m.mu.Unlock()

	if current {
		m.logger.Error("engine failed to start", slog.String("error", err.Error()))
	} else {
		m.logger.Info("engine start abandoned after stop", slog.String("error", err.Error()))
	}
	return &StartResult{
		Message:  err.Error(),
		Mode:     fallback.ModeNone,
		Attempts: attempt,
	}, err
}

// watch marks unexpected exits of proc as StateError.
func (m *Manager) watch(proc Process, startedAt time.Time) {
	<-proc.Done()

	m.mu.Lock()
	// Status may already have reconciled the state to Error.
	if m.proc != proc || (m.status.State != StateRunning && m.status.State != StateError) {
		m.mu.Unlock()
		return
	}
	err := m.exitError(proc)
	m.proc = nil
	m.status.Running = false
	m.status.State = StateError
	m.status.LastError = err.Error()
	m.mu.Unlock()

	m.logger.Error("engine exited unexpectedly",
		slog.Int("pid", proc.Pid()),
		slog.Duration("uptime", time.Since(startedAt)),
		slog.String("error", err.Error()))
	m.authority.Report(err, fallback.Fields{
		fallback.FieldCategory: fallback.CategoryService,
		"component":            "lifecycle",
		"pid":                  proc.Pid(),
	})
	recordUnexpectedExit(context.Background())
}

// discard stops a process left over from a failed attempt.
func (m *Manager) discard(proc Process) {
	if proc == nil {
		return
	}
	m.terminate(context.Background(), proc)

	m.mu.Lock()
	if m.proc == proc {
		m.proc = nil
	}
	m.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Stop / Restart / Status
// -----------------------------------------------------------------------------

// Stop terminates the engine gracefully, force-killing it once the
// graceful shutdown timeout expires. Both paths reset the status to
// Stopped.
func (m *Manager) Stop(ctx context.Context) (*StopResult, error) {
	began := time.Now()
	ctx, span := startLifecycleSpan(ctx, "Stop", m.cfg.Port)
	defer span.End()

	m.mu.Lock()
	m.gen++
	if m.startCancel != nil {
		m.startCancel()
		m.startCancel = nil
	}
	proc := m.proc
	wasMock := m.status.Mock
	if proc == nil {
		m.status = ServiceStatus{State: StateStopped}
		m.mu.Unlock()

		msg := "engine not running"
		if wasMock {
			msg = "mock engine stopped"
		}
		return &StopResult{Success: true, Message: msg, Duration: time.Since(began)}, nil
	}
	m.status.State = StateStopping
	m.mu.Unlock()

	m.logger.Info("stopping engine", slog.Int("pid", proc.Pid()))
	forced, ok := m.terminate(ctx, proc)

	m.mu.Lock()
	if m.proc == proc {
		m.proc = nil
	}
	m.status = ServiceStatus{State: StateStopped}
	m.mu.Unlock()

	recordStop(ctx, forced)
	span.SetAttributes(attribute.Bool("engine.forced", forced))

	result := &StopResult{Success: ok, Forced: forced, Duration: time.Since(began)}
	switch {
	case !ok:
		result.Message = fmt.Sprintf("engine pid %d did not exit after kill", proc.Pid())
		span.SetStatus(codes.Error, result.Message)
		m.logger.Error(result.Message)
		return result, errors.New(result.Message)
	case forced:
		result.Message = "engine force-killed after graceful shutdown timeout"
		m.logger.Warn(result.Message, slog.Int("pid", proc.Pid()))
	default:
		result.Message = "engine stopped"
		m.logger.Info(result.Message, slog.Int("pid", proc.Pid()))
	}
	return result, nil
}

// terminate signals proc and waits. It returns whether a kill was needed
// and whether the process is gone.
func (m *Manager) terminate(ctx context.Context, proc Process) (forced, gone bool) {
	if err := proc.Terminate(); err != nil {
		m.logger.Warn("graceful terminate failed", slog.String("error", err.Error()))
	}

	graceful := time.NewTimer(m.cfg.GracefulShutdownTimeout.D())
	defer graceful.Stop()
	select {
	case <-proc.Done():
		return false, true
	case <-graceful.C:
	case <-ctx.Done():
	}

	if err := proc.Kill(); err != nil {
		m.logger.Warn("force kill failed", slog.String("error", err.Error()))
	}
	force := time.NewTimer(m.cfg.ForceShutdownTimeout.D())
	defer force.Stop()
	select {
	case <-proc.Done():
		return true, true
	case <-force.C:
		return true, false
	}
}

// Restart is Stop followed by Start. Success requires both.
func (m *Manager) Restart(ctx context.Context) (*RestartResult, error) {
	began := time.Now()

	stop, stopErr := m.Stop(ctx)
	start, startErr := m.Start(ctx)

	result := &RestartResult{
		Success:  stop.Success && start.Success,
		Stop:     stop,
		Start:    start,
		Duration: time.Since(began),
	}
	if result.Success {
		result.Message = "engine restarted"
	} else {
		result.Message = fmt.Sprintf("restart failed: stop=%q start=%q", stop.Message, start.Message)
	}
	return result, errors.Join(stopErr, startErr)
}

// Status returns a copy of the current status. A Running engine whose
// process has exited is reconciled to Error.
func (m *Manager) Status() ServiceStatus {
	m.mu.Lock()
	if m.proc != nil && m.status.State == StateRunning && exited(m.proc) {
		m.status.Running = false
		m.status.State = StateError
		m.status.LastError = m.exitError(m.proc).Error()
	}
	st := m.status
	m.mu.Unlock()

	st.LastHealth = m.probe.Last()
	return st
}

// OutputTail returns the newest n lines the engine printed.
func (m *Manager) OutputTail(n int) []string {
	return m.output.Tail(n)
}

func exited(proc Process) bool {
	select {
	case <-proc.Done():
		return true
	default:
		return false
	}
}
