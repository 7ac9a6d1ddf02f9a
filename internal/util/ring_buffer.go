// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util holds small generic helpers shared by engine components.
package util

import (
	"sync"
	"sync/atomic"
)

// RingBuffer is a fixed-capacity FIFO that overwrites its oldest entry when
// full.
//
// # Description
//
// The failure authority keeps its error history here so that a crash loop
// cannot grow memory without bound. Readers take snapshots; entries are
// never mutated once pushed.
//
// # Thread Safety
//
// Safe for concurrent use. All operations take the internal mutex; the drop
// counter is atomic so it can be read without the lock.
//
// # Example
//
//	history := util.NewRingBuffer[ErrorRecord](100)
//	history.Push(record)
//	recent := history.Last(10)
type RingBuffer[T any] struct {
	buffer   []T
	head     int
	size     int
	capacity int
	dropped  atomic.Int64
	mu       sync.Mutex
}

// NewRingBuffer creates a ring buffer holding at most capacity items.
//
// Panics if capacity is not positive; a zero-capacity history is a
// programming error, not a runtime condition.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{
		buffer:   make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item, evicting the oldest one when full.
//
// Returns true if an item was evicted.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.size) % r.capacity
	r.buffer[tail] = item

	if r.size == r.capacity {
		r.head = (r.head + 1) % r.capacity
		r.dropped.Add(1)
		return true
	}
	r.size++
	return false
}

// Snapshot returns a copy of all items, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked(r.size)
}

// Last returns a copy of the newest n items, oldest first.
func (r *RingBuffer[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return []T{}
	}
	return r.copyLocked(n)
}

// copyLocked copies the newest n items. Caller holds r.mu.
func (r *RingBuffer[T]) copyLocked(n int) []T {
	out := make([]T, n)
	start := r.head + (r.size - n)
	for i := 0; i < n; i++ {
		out[i] = r.buffer[(start+i)%r.capacity]
	}
	return out
}

// Size returns the current number of items.
func (r *RingBuffer[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of items.
func (r *RingBuffer[T]) Capacity() int {
	return r.capacity
}

// DroppedCount returns how many items have been evicted since creation.
func (r *RingBuffer[T]) DroppedCount() int64 {
	return r.dropped.Load()
}

// Clear removes all items. The drop counter is preserved.
func (r *RingBuffer[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buffer {
		r.buffer[i] = zero
	}
	r.head = 0
	r.size = 0
}
