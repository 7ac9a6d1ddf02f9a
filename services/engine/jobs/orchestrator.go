// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs submits job graphs to the engine and tracks their execution
// over the event stream, falling back to polling when the stream is lost.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/PanelForge/services/engine/config"
	"github.com/AleutianAI/PanelForge/services/engine/fallback"
	"github.com/AleutianAI/PanelForge/services/engine/graph"
	"github.com/AleutianAI/PanelForge/services/engine/health"
)

// MockJobPrefix starts every synthetic job id.
const MockJobPrefix = "mock-"

// Default reconnect backoff: 1s, 2s, 4s... capped at 30s.
const (
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = 30 * time.Second
)

var (
	// ErrClosed is returned by operations on a closed orchestrator.
	ErrClosed = errors.New("orchestrator closed")

	// ErrNilGraph is returned by Submit for a nil graph.
	ErrNilGraph = errors.New("nil job graph")
)

// Orchestrator submits jobs and tracks their execution.
//
// # Description
//
// Connect attaches the event stream. A listener goroutine applies stream
// messages to the shared ExecutionTable in arrival order and invokes the
// per-job callbacks. When the stream drops it reconnects with capped
// exponential backoff; once MaxReconnectAttempts are spent the
// orchestrator downgrades to polling for good, and only ResetTransport
// re-enables streaming. While not streaming, every in-flight job is
// tracked by a poller reading /history through one shared rate limiter.
//
// Failures go to the failure authority. A Mock verdict, or a Mock fallback
// state set by any other component, turns Submit into a synthetic no-op
// that completes immediately.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	cfg       config.Config
	client    *Client
	dialer    *websocket.Dialer
	authority fallback.Handler
	state     *fallback.State
	table     *ExecutionTable
	limiter   *rate.Limiter
	logger    *slog.Logger
	clientID  string
	now       func() time.Time

	reconnectBase time.Duration
	reconnectMax  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// dispatchMu orders table updates from the listener against the
	// insert-and-replay step of Submit.
	dispatchMu sync.Mutex
	early      *earlyEvents

	queueRemaining atomic.Int64

	mu        sync.Mutex
	transport Transport
	conn      *websocket.Conn
	callbacks map[string]UpdateFunc
	pollers   map[string]context.CancelFunc
	closed    bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHTTPClient replaces the HTTP transport used by the engine client.
func WithHTTPClient(doer health.HTTPDoer) Option {
	return func(o *Orchestrator) {
		if doer != nil {
			o.client = NewClient(o.cfg.BaseURL(), doer)
		}
	}
}

// WithDialer replaces the event-stream dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *Orchestrator) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReconnectBackoff overrides the reconnect backoff curve.
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(o *Orchestrator) {
		o.reconnectBase = base
		o.reconnectMax = max
	}
}

// WithPollLimiter replaces the limiter shared by all pollers.
func WithPollLimiter(l *rate.Limiter) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.limiter = l
		}
	}
}

// WithClientID fixes the client id sent with submissions and the stream
// handshake.
func WithClientID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.clientID = id
		}
	}
}

// NewOrchestrator creates an orchestrator. No connection is made until
// Connect.
//
// # Inputs
//
//   - cfg: engine address, reconnect budget, poll interval and job timeout.
//   - authority: failure sink; its State decides Mock and Offline behavior.
func NewOrchestrator(cfg config.Config, authority fallback.Handler, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	poll := cfg.PollInterval.D()
	if poll <= 0 {
		poll = time.Second
	}
	o := &Orchestrator{
		cfg:           cfg,
		client:        NewClient(cfg.BaseURL(), nil),
		dialer:        &websocket.Dialer{HandshakeTimeout: cfg.HealthCheckTimeout.D()},
		authority:     authority,
		state:         authority.State(),
		table:         NewExecutionTable(),
		limiter:       rate.NewLimiter(rate.Every(poll/4), 4),
		logger:        slog.Default(),
		clientID:      uuid.NewString(),
		now:           time.Now,
		reconnectBase: DefaultReconnectBase,
		reconnectMax:  DefaultReconnectMax,
		ctx:           ctx,
		cancel:        cancel,
		early:         newEarlyEvents(),
		callbacks:     make(map[string]UpdateFunc),
		pollers:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("component", "jobs"))
	return o
}

// ClientID returns the id this orchestrator identifies itself with.
func (o *Orchestrator) ClientID() string { return o.clientID }

// Table returns the shared execution table.
func (o *Orchestrator) Table() *ExecutionTable { return o.table }

// Mode returns the current transport. Mock fallback state wins over
// everything else.
func (o *Orchestrator) Mode() Transport {
	if o.state.Mock() {
		return TransportMock
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transport
}

// QueueRemaining returns the queue length last announced on the stream.
func (o *Orchestrator) QueueRemaining() int {
	return int(o.queueRemaining.Load())
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// =============================================================================
// Connect
// =============================================================================

// Connect attaches the event stream.
//
// # Outputs
//
//   - bool: true when jobs can be tracked in real time, that is streaming
//     is attached or the engine is in mock mode. False after a downgrade to
//     polling, in Offline state, or once closed. Jobs submitted while
//     Connect returned false are still tracked by polling.
func (o *Orchestrator) Connect(ctx context.Context) bool {
	if o.state.Offline() {
		o.logger.Warn("not connecting: fallback state is offline")
		return false
	}
	if o.state.Mock() {
		o.setTransport(TransportMock)
		return true
	}

	switch mode := o.currentTransport(); {
	case o.isClosed():
		return false
	case mode == TransportStreaming:
		return true
	case mode == TransportPolling:
		o.logger.Debug("streaming disabled until ResetTransport")
		return false
	}

	maxAttempts := o.cfg.MaxReconnectAttempts + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := o.dial(ctx)
		if err == nil {
			return o.attach(conn)
		}

		decision := o.authority.Handle(ctx, err, fallback.Fields{
			fallback.FieldCategory: fallback.CategoryNetwork,
			"component":            "jobs",
			"attempt":              attempt,
		})
		switch decision.Outcome() {
		case fallback.OutcomeRetry:
			continue
		case fallback.OutcomeMock:
			o.setTransport(TransportMock)
			return true
		}
		if decision.Mode == fallback.ModeOffline {
			return false
		}
		break
	}

	o.downgrade("event stream unavailable")
	return false
}

func (o *Orchestrator) attach(conn *websocket.Conn) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = conn.Close()
		return false
	}
	o.conn = conn
	o.transport = TransportStreaming
	o.wg.Add(1)
	o.mu.Unlock()

	o.authority.RecordSuccess(fallback.CategoryNetwork)
	o.logger.Info("event stream connected", slog.String("client_id", o.clientID))
	go o.listen(conn)
	return true
}

// downgrade switches to polling for the rest of the session and hands
// every in-flight job to a poller.
func (o *Orchestrator) downgrade(reason string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.transport = TransportPolling
	o.conn = nil
	o.mu.Unlock()

	active := o.table.Active()
	o.logger.Warn("falling back to polling",
		slog.String("reason", reason),
		slog.Int("in_flight", len(active)))
	for _, rec := range active {
		o.startPoller(rec.JobID)
	}
}

// ResetTransport lifts a polling downgrade and tries streaming again.
func (o *Orchestrator) ResetTransport(ctx context.Context) bool {
	o.mu.Lock()
	if o.transport == TransportPolling || o.transport == TransportMock {
		o.transport = TransportDisconnected
	}
	o.mu.Unlock()
	return o.Connect(ctx)
}

func (o *Orchestrator) setTransport(t Transport) {
	o.mu.Lock()
	o.transport = t
	o.mu.Unlock()
}

func (o *Orchestrator) currentTransport() Transport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transport
}

// =============================================================================
// Submit
// =============================================================================

// Submit posts g and starts tracking it.
//
// # Description
//
// Failures go to the failure authority inside an explicit loop bounded by
// MaxRetryAttempts+1: Retry posts again, Mock returns a synthetic job,
// anything else returns the error. onUpdate, when non-nil, receives a copy
// of the record after every change, starting with Queued.
//
// # Outputs
//
//   - string: the engine's job id, or a MockJobPrefix id in mock mode.
//   - error: fallback.ErrOffline in Offline state, otherwise the last
//     submission failure.
func (o *Orchestrator) Submit(ctx context.Context, g *graph.JobGraph, onUpdate UpdateFunc) (string, error) {
	if g == nil {
		return "", ErrNilGraph
	}
	if o.isClosed() {
		return "", ErrClosed
	}
	if o.state.Offline() {
		jobSubmissions.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("%w: not accepting new jobs", fallback.ErrOffline)
	}
	if o.state.Mock() {
		return o.submitMock(g, onUpdate), nil
	}

	maxAttempts := o.cfg.MaxRetryAttempts + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := o.client.PostPrompt(ctx, g, o.clientID)
		if err == nil {
			o.authority.RecordSuccess(fallback.CategoryNetwork)
			o.authority.RecordSuccess(fallback.CategoryService)
			o.track(resp, g, onUpdate)
			jobSubmissions.WithLabelValues("accepted").Inc()
			return resp.PromptID, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		decision := o.authority.Handle(ctx, err, submitFields(err, g, attempt))
		switch decision.Outcome() {
		case fallback.OutcomeRetry:
			o.logger.Warn("submission failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		case fallback.OutcomeMock:
			return o.submitMock(g, onUpdate), nil
		}
		if decision.Mode == fallback.ModeOffline {
			lastErr = decision.Err()
		}
		break
	}

	jobSubmissions.WithLabelValues("failed").Inc()
	o.logger.Error("submission failed", slog.String("graph_id", g.Metadata.ID), slog.String("error", lastErr.Error()))
	return "", fmt.Errorf("submit job graph: %w", lastErr)
}

// submitFields pins the category of engine rejections: a 4xx is a graph
// problem, a 5xx an engine problem. Transport errors are left to the
// classifier.
func submitFields(err error, g *graph.JobGraph, attempt int) fallback.Fields {
	fields := fallback.Fields{
		"component": "jobs",
		"graph_id":  g.Metadata.ID,
		"attempt":   attempt,
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Temporary() {
			fields[fallback.FieldCategory] = fallback.CategoryService
		} else {
			fields[fallback.FieldCategory] = fallback.CategoryWorkflow
		}
	}
	return fields
}

// track inserts the Queued record, replays early stream events and picks
// the tracking path.
func (o *Orchestrator) track(resp PromptResponse, g *graph.JobGraph, onUpdate UpdateFunc) {
	rec := ExecutionRecord{
		JobID:     resp.PromptID,
		GraphID:   g.Metadata.ID,
		Number:    resp.Number,
		Status:    StatusQueued,
		StartedAt: o.now(),
	}
	if onUpdate != nil {
		o.mu.Lock()
		o.callbacks[rec.JobID] = onUpdate
		o.mu.Unlock()
	}

	type replayed struct {
		rec   ExecutionRecord
		cause string
	}
	var changes []replayed

	o.dispatchMu.Lock()
	o.table.Insert(rec)
	for _, ev := range o.early.take(rec.JobID) {
		if snap, _, changed := o.applyLocked(rec.JobID, ev); changed {
			changes = append(changes, replayed{snap, ev.Type})
		}
	}
	o.dispatchMu.Unlock()

	activeExecutions.Inc()
	o.logger.Info("job submitted",
		slog.String("job_id", rec.JobID),
		slog.String("graph_id", rec.GraphID),
		slog.Int("number", rec.Number))

	o.notify(rec)
	for _, c := range changes {
		o.afterChange(c.rec, c.cause)
	}

	if o.currentTransport() != TransportStreaming {
		o.startPoller(rec.JobID)
	}
}

func (o *Orchestrator) submitMock(g *graph.JobGraph, onUpdate UpdateFunc) string {
	now := o.now()
	rec := ExecutionRecord{
		JobID:     MockJobPrefix + uuid.NewString(),
		GraphID:   g.Metadata.ID,
		Status:    StatusCompleted,
		StartedAt: now,
		Mock:      true,
	}
	rec.CompletedAt = &now
	o.table.Insert(rec)

	jobSubmissions.WithLabelValues("mock").Inc()
	o.logger.Info("mock job completed", slog.String("job_id", rec.JobID))
	if onUpdate != nil {
		o.safeCall(onUpdate, rec)
	}
	return rec.JobID
}

// =============================================================================
// Queries and cancellation
// =============================================================================

// Status returns a copy of the job's record.
func (o *Orchestrator) Status(jobID string) (ExecutionRecord, bool) {
	return o.table.Get(jobID)
}

// Jobs returns copies of every tracked record, oldest first.
func (o *Orchestrator) Jobs() []ExecutionRecord {
	return o.table.Snapshot()
}

// Forget drops a record and its callback.
func (o *Orchestrator) Forget(jobID string) bool {
	o.stopPoller(jobID)
	o.mu.Lock()
	delete(o.callbacks, jobID)
	o.mu.Unlock()
	return o.table.Delete(jobID)
}

// Cancel asks the engine to drop the job and marks the local record
// Cancelled whatever the transport outcome. Queued jobs are deleted from
// the queue; running jobs are interrupted. Terminal records are left as
// they are.
//
// # Outputs
//
//   - bool: whether a record existed.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) bool {
	rec, ok := o.table.Get(jobID)
	if !ok {
		return false
	}

	if !rec.Mock && !rec.Status.IsTerminal() && !o.state.Mock() {
		var err error
		if rec.Status == StatusExecuting {
			err = o.client.Interrupt(ctx, jobID)
		} else {
			err = o.client.DeleteQueued(ctx, jobID)
		}
		if err != nil {
			o.authority.Report(err, fallback.Fields{"component": "jobs", "job_id": jobID})
			o.logger.Warn("engine cancel request failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()))
		}
	}

	var snap ExecutionRecord
	changed := false
	o.dispatchMu.Lock()
	exists := o.table.Update(jobID, func(r *ExecutionRecord) {
		if r.Status.IsTerminal() {
			return
		}
		r.finish(StatusCancelled, o.now())
		r.ErrorMessage = "cancelled by caller"
		snap = r.Clone()
		changed = true
	})
	o.dispatchMu.Unlock()

	o.stopPoller(jobID)
	if changed {
		o.logger.Info("job cancelled", slog.String("job_id", jobID))
		o.notify(snap)
	}
	return exists
}

// Queue returns the engine queue. In mock mode it is always empty.
func (o *Orchestrator) Queue(ctx context.Context) (QueueInfo, error) {
	if o.state.Mock() {
		return QueueInfo{Running: []QueueItem{}, Pending: []QueueItem{}}, nil
	}
	info, err := o.client.Queue(ctx)
	if err != nil {
		decision := o.authority.Decide(err, fallback.Fields{"component": "jobs", "operation": "queue"})
		if decision.Mode == fallback.ModeMock {
			return QueueInfo{Running: []QueueItem{}, Pending: []QueueItem{}}, nil
		}
		return QueueInfo{}, fmt.Errorf("read engine queue: %w", err)
	}
	return info, nil
}

// Close stops the listener and every poller and waits for them. Records
// stay readable. Close is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	conn := o.conn
	o.conn = nil
	o.transport = TransportDisconnected
	o.mu.Unlock()

	o.cancel()
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	o.wg.Wait()
	o.logger.Info("orchestrator closed")
	return err
}

// =============================================================================
// Callbacks
// =============================================================================

// notify delivers rec to the job's callback and retires the callback once
// the job is terminal.
func (o *Orchestrator) notify(rec ExecutionRecord) {
	o.mu.Lock()
	fn := o.callbacks[rec.JobID]
	if rec.Status.IsTerminal() {
		delete(o.callbacks, rec.JobID)
	}
	o.mu.Unlock()

	if rec.Status.IsTerminal() {
		activeExecutions.Dec()
		recordTerminal(rec)
	}
	if fn != nil {
		o.safeCall(fn, rec)
	}
}

func (o *Orchestrator) safeCall(fn UpdateFunc, rec ExecutionRecord) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("job callback panicked",
				slog.String("job_id", rec.JobID),
				slog.Any("panic", r))
		}
	}()
	fn(rec)
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
