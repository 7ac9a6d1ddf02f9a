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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/PanelForge/services/engine/fallback"
	"github.com/AleutianAI/PanelForge/services/engine/health"
)

// Event-stream message types.
const (
	msgStatus               = "status"
	msgProgress             = "progress"
	msgExecuting            = "executing"
	msgExecuted             = "executed"
	msgExecutionStart       = "execution_start"
	msgExecutionCached      = "execution_cached"
	msgExecutionError       = "execution_error"
	msgExecutionInterrupted = "execution_interrupted"
	msgExecutionSuccess     = "execution_success"
)

// maxStreamMessage bounds a single text frame. Preview images arrive as
// binary frames and are discarded.
const maxStreamMessage = 16 << 20

// event is one decoded stream message.
type event struct {
	Type string    `json:"type"`
	Data eventData `json:"data"`
}

// eventData is the union of every message's data fields.
type eventData struct {
	PromptID string `json:"prompt_id"`

	// Node is null in the "executing" message that ends a job.
	Node *string `json:"node"`

	Value int `json:"value"`
	Max   int `json:"max"`

	Nodes  []string                   `json:"nodes"`
	Output map[string]json.RawMessage `json:"output"`

	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`

	Status *struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

// errorText renders an execution_error as one line.
func (d eventData) errorText() string {
	msg := d.ExceptionMessage
	if d.ExceptionType != "" {
		msg = d.ExceptionType + ": " + msg
	}
	if d.NodeType != "" || d.NodeID != "" {
		msg = fmt.Sprintf("%s (node %s): %s", d.NodeType, d.NodeID, msg)
	}
	return msg
}

func decodeEvent(data []byte) (event, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return event{}, fmt.Errorf("decode stream message: %w", err)
	}
	if ev.Type == "" {
		return event{}, fmt.Errorf("decode stream message: missing type")
	}
	return ev, nil
}

// failureCategory separates device memory exhaustion from ordinary
// workflow failures.
func failureCategory(message string) fallback.Category {
	if fallback.IsResourceExhaustion(message) {
		return fallback.CategoryResource
	}
	return fallback.CategoryWorkflow
}

// applyEvent mutates rec according to ev. It reports whether anything
// changed. Terminal records never change.
func applyEvent(rec *ExecutionRecord, ev event, now time.Time) bool {
	if rec.Status.IsTerminal() {
		return false
	}
	d := ev.Data

	switch ev.Type {
	case msgExecutionStart:
		rec.Status = StatusExecuting
	case msgExecutionCached:
		rec.Status = StatusExecuting
		rec.CachedNodes += len(d.Nodes)
	case msgExecuting:
		if d.Node == nil {
			rec.finish(StatusCompleted, now)
			return true
		}
		rec.Status = StatusExecuting
		rec.CurrentNode = *d.Node
		rec.Progress = Progress{}
	case msgProgress:
		rec.Status = StatusExecuting
		rec.Progress = Progress{Value: d.Value, Max: d.Max}
		if d.Node != nil {
			rec.Progress.Node = *d.Node
		}
	case msgExecuted:
		node := ""
		if d.Node != nil {
			node = *d.Node
		}
		rec.Outputs = append(rec.Outputs, assetsFromNode(node, d.Output)...)
	case msgExecutionSuccess:
		rec.finish(StatusCompleted, now)
	case msgExecutionError:
		rec.finish(StatusFailed, now)
		rec.ErrorMessage = d.errorText()
		rec.ErrorNode = d.NodeID
		rec.FailureCategory = failureCategory(rec.ErrorMessage)
	case msgExecutionInterrupted:
		rec.finish(StatusCancelled, now)
		rec.ErrorMessage = "execution interrupted"
		rec.ErrorNode = d.NodeID
	default:
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Early events
// -----------------------------------------------------------------------------

const (
	maxEarlyJobs   = 32
	maxEarlyEvents = 256
)

// earlyEvents holds messages for job ids that are not in the table yet.
// The engine may start a job and report on it before the POST /prompt
// response reaches Submit.
type earlyEvents struct {
	mu     sync.Mutex
	order  []string
	events map[string][]event
}

func newEarlyEvents() *earlyEvents {
	return &earlyEvents{events: make(map[string][]event)}
}

func (e *earlyEvents) add(jobID string, ev event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, ok := e.events[jobID]
	if !ok {
		if len(e.order) >= maxEarlyJobs {
			oldest := e.order[0]
			e.order = e.order[1:]
			delete(e.events, oldest)
		}
		e.order = append(e.order, jobID)
	}
	if len(list) < maxEarlyEvents {
		e.events[jobID] = append(list, ev)
	}
}

func (e *earlyEvents) take(jobID string) []event {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, ok := e.events[jobID]
	if !ok {
		return nil
	}
	delete(e.events, jobID)
	for i, id := range e.order {
		if id == jobID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return list
}

// -----------------------------------------------------------------------------
// Listener
// -----------------------------------------------------------------------------

func (o *Orchestrator) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, o.cfg.HealthCheckTimeout.D())
	defer cancel()

	conn, resp, err := o.dialer.DialContext(dctx, o.cfg.StreamURL(o.clientID), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	conn.SetReadLimit(maxStreamMessage)
	return conn, nil
}

// listen owns conn until the orchestrator closes or the reconnect budget
// runs out.
func (o *Orchestrator) listen(conn *websocket.Conn) {
	defer o.wg.Done()

	for {
		err := o.readLoop(conn)
		_ = conn.Close()
		if o.isClosed() {
			return
		}

		o.logger.Warn("event stream disconnected", slog.String("error", err.Error()))
		o.authority.Report(err, fallback.Fields{
			fallback.FieldCategory: fallback.CategoryNetwork,
			"component":            "jobs",
		})

		conn = o.reconnect()
		if conn == nil {
			if !o.isClosed() {
				streamReconnects.WithLabelValues("exhausted").Inc()
				o.downgrade("reconnect attempts exhausted")
			}
			return
		}
		o.resync(o.ctx)
	}
}

// resync reads the history of every job still in flight once. The engine
// does not replay events sent while the stream was down, so a job that
// finished in that window would otherwise never leave its last status.
func (o *Orchestrator) resync(ctx context.Context) {
	active := o.table.Active()
	if len(active) == 0 {
		return
	}
	o.logger.Info("resyncing in-flight jobs after reconnect", slog.Int("in_flight", len(active)))
	for _, rec := range active {
		if ctx.Err() != nil {
			return
		}
		o.pollOnce(ctx, rec.JobID)
	}
}

func (o *Orchestrator) readLoop(conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		ev, err := decodeEvent(data)
		if err != nil {
			streamMessages.WithLabelValues("malformed").Inc()
			o.logger.Debug("ignoring stream message", slog.String("error", err.Error()))
			continue
		}
		recordStreamMessage(ev.Type)
		o.dispatch(ev)
	}
}

// reconnect retries the dial with capped exponential backoff. It returns
// nil when the attempt budget is spent or the orchestrator closes.
func (o *Orchestrator) reconnect() *websocket.Conn {
	for attempt := 1; attempt <= o.cfg.MaxReconnectAttempts; attempt++ {
		delay := health.ComputeBackoff(attempt, o.reconnectBase, 2, o.reconnectMax)
		o.logger.Info("reconnecting event stream",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", o.cfg.MaxReconnectAttempts),
			slog.Duration("delay", delay))
		if err := sleepWithContext(o.ctx, delay); err != nil {
			return nil
		}

		conn, err := o.dial(o.ctx)
		if err != nil {
			streamReconnects.WithLabelValues("failure").Inc()
			o.logger.Warn("event stream reconnect failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		o.conn = conn
		o.mu.Unlock()

		streamReconnects.WithLabelValues("success").Inc()
		o.authority.RecordSuccess(fallback.CategoryNetwork)
		o.logger.Info("event stream reconnected", slog.Int("attempt", attempt))
		return conn
	}
	return nil
}

// dispatch routes one event to its record. Events for unknown job ids are
// held back in case Submit has not inserted the record yet.
func (o *Orchestrator) dispatch(ev event) {
	if ev.Type == msgStatus {
		if ev.Data.Status != nil {
			o.queueRemaining.Store(int64(ev.Data.Status.ExecInfo.QueueRemaining))
		}
		return
	}
	jobID := ev.Data.PromptID
	if jobID == "" {
		return
	}

	o.dispatchMu.Lock()
	snap, exists, changed := o.applyLocked(jobID, ev)
	if !exists {
		o.early.add(jobID, ev)
	}
	o.dispatchMu.Unlock()

	if changed {
		o.afterChange(snap, ev.Type)
	}
}

// applyLocked applies ev to the table. Caller holds dispatchMu.
func (o *Orchestrator) applyLocked(jobID string, ev event) (snap ExecutionRecord, exists, changed bool) {
	exists = o.table.Update(jobID, func(rec *ExecutionRecord) {
		changed = applyEvent(rec, ev, o.now())
		if changed {
			snap = rec.Clone()
		}
	})
	return snap, exists, changed
}

// afterChange reports failures and notifies the job's callback.
func (o *Orchestrator) afterChange(rec ExecutionRecord, cause string) {
	if cause == msgExecutionError {
		o.authority.Report(fmt.Errorf("job %s failed: %s", rec.JobID, rec.ErrorMessage), fallback.Fields{
			fallback.FieldCategory: rec.FailureCategory,
			"component":            "jobs",
			"job_id":               rec.JobID,
			"node_id":              rec.ErrorNode,
		})
		level := slog.LevelWarn
		if rec.IsResourceExhausted() {
			level = slog.LevelError
		}
		o.logger.Log(context.Background(), level, "job failed",
			slog.String("job_id", rec.JobID),
			slog.String("category", rec.FailureCategory.String()),
			slog.String("error", rec.ErrorMessage))
	} else {
		o.logger.Debug("job updated",
			slog.String("job_id", rec.JobID),
			slog.String("status", rec.Status.String()),
			slog.String("event", cause))
	}
	o.notify(rec)
}
