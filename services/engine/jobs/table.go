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
	"strings"
	"sync"
)

// ExecutionTable is the shared job id to record map.
//
// # Description
//
// The stream listener, pollers, Submit and Cancel all write to it. Every
// read returns a copy; every write happens under the lock through Update,
// so a record can never be modified after a concurrent Delete.
//
// # Thread Safety
//
// Safe for concurrent use.
type ExecutionTable struct {
	mu      sync.RWMutex
	records map[string]*ExecutionRecord
}

// NewExecutionTable creates an empty table.
func NewExecutionTable() *ExecutionTable {
	return &ExecutionTable{records: make(map[string]*ExecutionRecord)}
}

// Insert adds rec, replacing any record with the same id.
func (t *ExecutionTable) Insert(rec ExecutionRecord) {
	cp := rec.Clone()
	t.mu.Lock()
	t.records[rec.JobID] = &cp
	t.mu.Unlock()
}

// Update runs fn on the record under the lock. It reports whether the
// record existed; fn is not called otherwise.
func (t *ExecutionTable) Update(jobID string, fn func(rec *ExecutionRecord)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[jobID]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Get returns a copy of the record.
func (t *ExecutionTable) Get(jobID string) (ExecutionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[jobID]
	if !ok {
		return ExecutionRecord{}, false
	}
	return rec.Clone(), true
}

// Delete removes the record and reports whether it existed.
func (t *ExecutionTable) Delete(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[jobID]
	delete(t.records, jobID)
	return ok
}

// Snapshot returns copies of every record ordered by submission time.
func (t *ExecutionTable) Snapshot() []ExecutionRecord {
	return t.collect(func(*ExecutionRecord) bool { return true })
}

// Active returns copies of the non-terminal records.
func (t *ExecutionTable) Active() []ExecutionRecord {
	return t.collect(func(r *ExecutionRecord) bool { return !r.Status.IsTerminal() })
}

// Len returns the number of records.
func (t *ExecutionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func (t *ExecutionTable) collect(keep func(*ExecutionRecord) bool) []ExecutionRecord {
	t.mu.RLock()
	out := make([]ExecutionRecord, 0, len(t.records))
	for _, r := range t.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b ExecutionRecord) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.JobID, b.JobID)
	})
	return out
}
