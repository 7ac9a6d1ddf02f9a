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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/PanelForge/services/engine/fallback"
)

// ErrJobTimeout is reported when a polled job outlives JobTimeout.
var ErrJobTimeout = errors.New("job timed out")

// startPoller tracks jobID through /history until it is terminal. At most
// one poller runs per job.
func (o *Orchestrator) startPoller(jobID string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if _, running := o.pollers[jobID]; running {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.pollers[jobID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer o.stopPoller(jobID)
		o.poll(ctx, jobID)
	}()
}

func (o *Orchestrator) stopPoller(jobID string) {
	o.mu.Lock()
	cancel, ok := o.pollers[jobID]
	delete(o.pollers, jobID)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// poll checks the history once immediately and then every PollInterval.
// Each request waits on the shared limiter. The job is failed with
// ErrJobTimeout once JobTimeout elapses.
func (o *Orchestrator) poll(ctx context.Context, jobID string) {
	interval := o.cfg.PollInterval.D()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if timeout := o.cfg.JobTimeout.D(); timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	o.logger.Debug("polling job history", slog.String("job_id", jobID), slog.Duration("interval", interval))
	for {
		if done := o.pollOnce(ctx, jobID); done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			o.timeoutJob(jobID)
			return
		case <-ticker.C:
		}
	}
}

// pollOnce reports whether polling should stop.
func (o *Orchestrator) pollOnce(ctx context.Context, jobID string) bool {
	rec, ok := o.table.Get(jobID)
	if !ok || rec.Status.IsTerminal() {
		return true
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return true
	}

	entry, found, err := o.client.History(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		historyPolls.WithLabelValues("error").Inc()
		o.logger.Debug("history poll failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return false
	}
	if !found || !entryFinished(entry) {
		historyPolls.WithLabelValues("pending").Inc()
		return false
	}

	historyPolls.WithLabelValues("finished").Inc()
	o.finishFromHistory(jobID, entry)
	return true
}

// entryFinished reports whether a history entry describes a finished job.
// Older engines omit status entirely once a job has produced outputs.
func entryFinished(entry HistoryEntry) bool {
	switch entry.Status.StatusStr {
	case "success", "error":
		return true
	case "":
		return entry.Status.Completed || len(entry.Outputs) > 0
	default:
		return entry.Status.Completed
	}
}

func (o *Orchestrator) finishFromHistory(jobID string, entry HistoryEntry) {
	failed := entry.Status.StatusStr == "error"

	var snap ExecutionRecord
	changed := false
	o.dispatchMu.Lock()
	o.table.Update(jobID, func(r *ExecutionRecord) {
		if r.Status.IsTerminal() {
			return
		}
		if failed {
			r.finish(StatusFailed, o.now())
			r.ErrorMessage = entry.ErrorMessage()
			if r.ErrorMessage == "" {
				r.ErrorMessage = "execution failed"
			}
			r.FailureCategory = failureCategory(r.ErrorMessage)
		} else {
			r.finish(StatusCompleted, o.now())
			r.Outputs = entry.Assets()
		}
		snap = r.Clone()
		changed = true
	})
	o.dispatchMu.Unlock()

	if !changed {
		return
	}
	if failed {
		o.afterChange(snap, msgExecutionError)
		return
	}
	o.logger.Info("job completed", slog.String("job_id", jobID), slog.Int("outputs", len(snap.Outputs)))
	o.notify(snap)
}

func (o *Orchestrator) timeoutJob(jobID string) {
	var snap ExecutionRecord
	changed := false
	o.dispatchMu.Lock()
	o.table.Update(jobID, func(r *ExecutionRecord) {
		if r.Status.IsTerminal() {
			return
		}
		r.finish(StatusFailed, o.now())
		r.ErrorMessage = fmt.Sprintf("%s after %s", ErrJobTimeout, o.cfg.JobTimeout.D())
		r.FailureCategory = fallback.CategoryService
		snap = r.Clone()
		changed = true
	})
	o.dispatchMu.Unlock()

	if !changed {
		return
	}
	o.authority.Report(fmt.Errorf("job %s: %w", jobID, ErrJobTimeout), fallback.Fields{
		fallback.FieldCategory: fallback.CategoryService,
		"component":            "jobs",
		"job_id":               jobID,
	})
	o.logger.Warn("job timed out", slog.String("job_id", jobID))
	o.notify(snap)
}
