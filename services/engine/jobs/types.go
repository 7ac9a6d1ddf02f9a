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
	"slices"
	"time"

	"github.com/AleutianAI/PanelForge/services/engine/fallback"
)

// JobStatus is the lifecycle state of one execution.
type JobStatus int

const (
	StatusPending JobStatus = iota
	StatusQueued
	StatusExecuting
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns the lowercase status name.
func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusQueued:
		return "queued"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON output.
func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AssetRef names one file the engine produced.
type AssetRef struct {
	NodeID    string `json:"node_id"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Progress is the sampler progress of the running node.
type Progress struct {
	Node  string `json:"node,omitempty"`
	Value int    `json:"value"`
	Max   int    `json:"max"`
}

// ExecutionRecord tracks one submitted job.
type ExecutionRecord struct {
	JobID       string     `json:"job_id"`
	GraphID     string     `json:"graph_id,omitempty"`
	Number      int        `json:"number"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outputs     []AssetRef `json:"outputs,omitempty"`

	CurrentNode string   `json:"current_node,omitempty"`
	Progress    Progress `json:"progress"`
	CachedNodes int      `json:"cached_nodes,omitempty"`

	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorNode       string            `json:"error_node,omitempty"`
	FailureCategory fallback.Category `json:"failure_category,omitempty"`

	// Mock is set for synthetic jobs created while the engine is in mock
	// mode.
	Mock bool `json:"mock,omitempty"`
}

// IsResourceExhausted reports whether the job failed because the engine
// ran out of device memory or disk.
func (r ExecutionRecord) IsResourceExhausted() bool {
	return r.Status == StatusFailed && r.FailureCategory == fallback.CategoryResource
}

// Duration is the time from submission to completion, or zero while the
// job is still running.
func (r ExecutionRecord) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Clone returns a copy that shares no memory with r.
func (r ExecutionRecord) Clone() ExecutionRecord {
	r.Outputs = slices.Clone(r.Outputs)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return r
}

// finish moves the record to a terminal status.
func (r *ExecutionRecord) finish(status JobStatus, at time.Time) {
	r.Status = status
	r.CurrentNode = ""
	r.CompletedAt = &at
}

// UpdateFunc receives a copy of a record after every change.
type UpdateFunc func(ExecutionRecord)

// QueueItem is one entry of the engine queue.
type QueueItem struct {
	Number   int    `json:"number"`
	PromptID string `json:"prompt_id"`
}

// QueueInfo is the engine queue.
type QueueInfo struct {
	Running []QueueItem `json:"running"`
	Pending []QueueItem `json:"pending"`
}

// Transport is how the orchestrator learns about job progress.
type Transport int

const (
	// TransportDisconnected means Connect has not succeeded yet. Jobs are
	// tracked by polling.
	TransportDisconnected Transport = iota
	// TransportStreaming means the event stream is attached.
	TransportStreaming
	// TransportPolling is the one-way downgrade after stream failure.
	TransportPolling
	// TransportMock means no engine is contacted at all.
	TransportMock
)

// String returns the lowercase transport name.
func (t Transport) String() string {
	switch t {
	case TransportStreaming:
		return "streaming"
	case TransportPolling:
		return "polling"
	case TransportMock:
		return "mock"
	default:
		return "disconnected"
	}
}
