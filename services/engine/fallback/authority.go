// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fallback classifies engine failures and decides how every other
// component degrades.
//
// The Authority is the single sink for failures: components hand it an
// error, it records and classifies it, runs the first matching strategy for
// the category, and answers with a Decision. Decisions that flip the
// process-wide flags (Mock, Degraded, Offline) are visible to every
// component through the shared State.
package fallback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/PanelForge/internal/util"
)

// HistoryCapacity bounds the in-memory error history.
const HistoryCapacity = 100

// RecoveryFunc is notified after a strategy matched.
type RecoveryFunc func(rec ErrorRecord, mode Mode)

// Handler is the subset of the Authority that components depend on.
type Handler interface {
	// Handle classifies err, runs the matching strategy and returns its
	// verdict. It may sleep for a retry backoff.
	Handle(ctx context.Context, err error, fields Fields) Decision

	// Decide is Handle without the retry sleep.
	Decide(err error, fields Fields) Decision

	// Report classifies and records err without running a strategy.
	Report(err error, fields Fields) ErrorRecord

	// RecordSuccess tells the authority that an operation of the given
	// category succeeded.
	RecordSuccess(c Category)

	// State returns the shared fallback flags.
	State() *State
}

var _ Handler = (*Authority)(nil)

// Stats summarises the error history.
type Stats struct {
	Total      int              `json:"total"`
	ByCategory map[Category]int `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`
	Dropped    int64            `json:"dropped"`
	Flags      Flags            `json:"flags"`
}

type strategyEntry struct {
	Strategy
	retryCount int
}

// Authority is the failure authority.
//
// # Description
//
// Holds the per-category strategy registry with its retry counters, the
// bounded error history, and the recovery callbacks. Handle never panics and
// never returns an error: an unmatched failure yields ModeNone and the
// caller propagates it.
//
// # Thread Safety
//
// Safe for concurrent use. Retry sleeps happen with no lock held.
type Authority struct {
	mu         sync.Mutex
	strategies map[Category][]*strategyEntry
	callbacks  []RecoveryFunc

	history *util.RingBuffer[ErrorRecord]
	state   *State
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithState shares an existing State instead of creating one.
func WithState(s *State) Option {
	return func(a *Authority) {
		if s != nil {
			a.state = s
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Authority) {
		if fn != nil {
			a.sleep = fn
		}
	}
}

// WithStrategies replaces the default registry.
func WithStrategies(registry map[Category][]Strategy) Option {
	return func(a *Authority) {
		a.strategies = make(map[Category][]*strategyEntry, len(registry))
		for c, list := range registry {
			a.strategies[c] = newEntries(list)
		}
	}
}

// NewAuthority creates an authority with DefaultStrategies installed.
//
// # Examples
//
//	state := fallback.NewState()
//	authority := fallback.NewAuthority(fallback.WithState(state), fallback.WithLogger(logger))
func NewAuthority(opts ...Option) *Authority {
	a := &Authority{
		history: util.NewRingBuffer[ErrorRecord](HistoryCapacity),
		state:   NewState(),
		logger:  slog.Default(),
		sleep:   sleepWithContext,
		now:     time.Now,
	}
	WithStrategies(DefaultStrategies())(a)
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("component", "fallback"))
	return a
}

func newEntries(list []Strategy) []*strategyEntry {
	out := make([]*strategyEntry, len(list))
	for i, s := range list {
		out[i] = &strategyEntry{Strategy: s}
	}
	return out
}

// State returns the shared flags.
func (a *Authority) State() *State { return a.state }

// Register appends strategies to a category's list. Registration order is
// evaluation order.
func (a *Authority) Register(c Category, strategies ...Strategy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strategies[c] = append(a.strategies[c], newEntries(strategies)...)
}

// Replace swaps a category's whole strategy list.
func (a *Authority) Replace(c Category, strategies ...Strategy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strategies[c] = newEntries(strategies)
}

// OnRecovery registers a callback run after every matched strategy. It is
// called without the lock held, from the goroutine that called Handle.
func (a *Authority) OnRecovery(fn RecoveryFunc) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = append(a.callbacks, fn)
}

// Classify is the stateless classifier.
func (a *Authority) Classify(err error, fields Fields) ErrorRecord {
	return Classify(err, fields)
}

// Report classifies err and appends it to the history. No strategy runs
// and no flag changes.
func (a *Authority) Report(err error, fields Fields) ErrorRecord {
	rec := a.stamp(Classify(err, fields))
	a.record(rec)
	return rec
}

// ReportMessage is Report for plain-text failures.
func (a *Authority) ReportMessage(message string, fields Fields) ErrorRecord {
	rec := a.stamp(ClassifyMessage(message, fields))
	a.record(rec)
	return rec
}

// Handle classifies err and applies the first matching strategy.
//
// # Description
//
// Strategies for the record's category are walked in registration order.
// A Retry strategy whose counter already reached MaxRetries falls through
// to the next one. Otherwise the counter is incremented, the backoff is
// slept (context aware, no lock held) and ModeRetry is returned. A sleep
// cut short by ctx refunds the counter, since no retry follows. Mock,
// Degraded and Offline set the shared flag and return immediately.
// Recovery callbacks are notified for every matched strategy.
//
// # Inputs
//
//   - ctx: bounds the retry sleep. A cancelled sleep yields ModeNone.
//   - err: the failure. Nil yields ModeNone without recording anything.
//   - fields: optional context; FieldCategory pins the category.
//
// # Outputs
//
//   - Decision: never nil-valued; Mode is ModeNone when nothing matched.
func (a *Authority) Handle(ctx context.Context, err error, fields Fields) Decision {
	if err == nil {
		return Decision{Mode: ModeNone}
	}

	rec := a.stamp(Classify(err, fields))
	a.record(rec)

	decision, entry := a.decide(rec)

	if decision.Mode == ModeRetry && decision.Delay > 0 {
		if sleepErr := a.sleep(ctx, decision.Delay); sleepErr != nil {
			a.refund(entry)
			a.logger.Warn("retry backoff cancelled",
				slog.String("category", rec.Category.String()),
				slog.String("error", sleepErr.Error()))
			recordDecision(rec.Category, ModeNone)
			return Decision{Mode: ModeNone, Record: rec}
		}
	}

	recordDecision(rec.Category, decision.Mode)
	if decision.Mode != ModeNone {
		a.notify(rec, decision.Mode)
	}
	return decision
}

// Decide is Handle without the retry sleep. A Retry decision carries the
// advised Delay and the caller owns the wait. Components with their own
// backoff, such as the health probe, use this so a check never blocks
// past its own deadline.
func (a *Authority) Decide(err error, fields Fields) Decision {
	if err == nil {
		return Decision{Mode: ModeNone}
	}

	rec := a.stamp(Classify(err, fields))
	a.record(rec)

	decision, _ := a.decide(rec)
	recordDecision(rec.Category, decision.Mode)
	if decision.Mode != ModeNone {
		a.notify(rec, decision.Mode)
	}
	return decision
}

// decide picks the strategy and updates counters and flags under the lock.
// The matched entry is returned for Retry decisions.
func (a *Authority) decide(rec ErrorRecord) (Decision, *strategyEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, entry := range a.strategies[rec.Category] {
		if !entry.Matches(rec) {
			continue
		}
		switch entry.Mode {
		case ModeRetry:
			if entry.retryCount >= entry.MaxRetries {
				continue
			}
			entry.retryCount++
			d := Decision{
				Mode:    ModeRetry,
				Attempt: entry.retryCount,
				Delay:   entry.RetryDelay(entry.retryCount),
				Record:  rec,
			}
			a.logger.Warn("retrying after failure",
				slog.String("category", rec.Category.String()),
				slog.Int("attempt", d.Attempt),
				slog.Int("max_retries", entry.MaxRetries),
				slog.Duration("delay", d.Delay),
				slog.String("error", rec.Message))
			return d, entry
		case ModeMock, ModeDegraded, ModeOffline:
			a.state.set(entry.Mode)
			level := slog.LevelWarn
			if entry.Mode == ModeOffline {
				level = slog.LevelError
			}
			a.logger.Log(context.Background(), level, "fallback mode engaged",
				slog.String("mode", entry.Mode.String()),
				slog.String("category", rec.Category.String()),
				slog.String("severity", rec.Severity.String()),
				slog.String("error", rec.Message))
			return Decision{Mode: entry.Mode, Record: rec}, nil
		}
	}

	a.logger.Debug("no fallback strategy matched",
		slog.String("category", rec.Category.String()),
		slog.String("error", rec.Message))
	return Decision{Mode: ModeNone, Record: rec}, nil
}

// refund gives back one retry charged to entry. A Reset or RecordSuccess
// in the meantime already zeroed it.
func (a *Authority) refund(entry *strategyEntry) {
	if entry == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry.retryCount > 0 {
		entry.retryCount--
	}
}

// RecordSuccess resets the retry counters of category c and clears the
// Degraded flag. Mock and Offline stay until Reset.
func (a *Authority) RecordSuccess(c Category) {
	a.mu.Lock()
	for _, entry := range a.strategies[c] {
		entry.retryCount = 0
	}
	a.mu.Unlock()

	if a.state.degraded.CompareAndSwap(true, false) {
		a.logger.Info("recovered from degraded mode", slog.String("category", c.String()))
	}
}

// Reset clears every flag and every retry counter. Idempotent.
func (a *Authority) Reset() {
	a.mu.Lock()
	for _, list := range a.strategies {
		for _, entry := range list {
			entry.retryCount = 0
		}
	}
	a.mu.Unlock()

	a.state.clear()
	fallbackResets.Inc()
	a.logger.Info("fallback state reset")
}

// RetryCount returns the current counter of the i-th strategy of c, or -1
// if there is no such strategy.
func (a *Authority) RetryCount(c Category, i int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.strategies[c]
	if i < 0 || i >= len(list) {
		return -1
	}
	return list[i].retryCount
}

// History returns the recorded failures, oldest first.
func (a *Authority) History() []ErrorRecord {
	return a.history.Snapshot()
}

// Recent returns the newest n failures, oldest first.
func (a *Authority) Recent(n int) []ErrorRecord {
	return a.history.Last(n)
}

// Stats summarises the history and the current flags.
func (a *Authority) Stats() Stats {
	records := a.history.Snapshot()
	s := Stats{
		Total:      len(records),
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
		Dropped:    a.history.DroppedCount(),
		Flags:      a.state.Snapshot(),
	}
	for _, r := range records {
		s.ByCategory[r.Category]++
		s.BySeverity[r.Severity]++
	}
	return s
}

func (a *Authority) stamp(rec ErrorRecord) ErrorRecord {
	rec.ID = uuid.NewString()
	rec.Timestamp = a.now()
	return rec
}

func (a *Authority) record(rec ErrorRecord) {
	a.history.Push(rec)
	recordClassified(rec)
}

func (a *Authority) notify(rec ErrorRecord, mode Mode) {
	a.mu.Lock()
	callbacks := append([]RecoveryFunc(nil), a.callbacks...)
	a.mu.Unlock()

	for _, fn := range callbacks {
		a.safeCall(fn, rec, mode)
	}
}

func (a *Authority) safeCall(fn RecoveryFunc, rec ErrorRecord, mode Mode) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("recovery callback panicked", slog.Any("panic", r))
		}
	}()
	fn(rec, mode)
}

// sleepWithContext sleeps for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
