// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleep captures backoff delays instead of sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *recordingSleep) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestAuthority(opts ...Option) (*Authority, *recordingSleep) {
	rs := &recordingSleep{}
	opts = append([]Option{WithSleep(rs.sleep)}, opts...)
	return NewAuthority(opts...), rs
}

// =============================================================================
// Handle: retry semantics
// =============================================================================

func TestHandle_NetworkRetriesThenFallsThrough(t *testing.T) {
	a, rs := newTestAuthority()
	ctx := context.Background()
	err := errors.New("connection refused")

	for attempt := 1; attempt <= 3; attempt++ {
		d := a.Handle(ctx, err, nil)
		require.Equal(t, ModeRetry, d.Mode, "attempt %d", attempt)
		assert.Equal(t, attempt, d.Attempt)
		assert.Equal(t, OutcomeRetry, d.Outcome())
		assert.True(t, d.Absorbed())
	}

	d := a.Handle(ctx, err, nil)
	assert.Equal(t, ModeNone, d.Mode)
	assert.Equal(t, OutcomeFail, d.Outcome())
	assert.ErrorIs(t, d.Err(), ErrUnhandled)
	assert.ErrorIs(t, d.Err(), err)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rs.all())
}

func TestHandle_RetryDelayCapped(t *testing.T) {
	a, rs := newTestAuthority(WithStrategies(map[Category][]Strategy{
		CategoryNetwork: {Retry(5, time.Second, 10, 3*time.Second)},
	}))

	for i := 0; i < 4; i++ {
		a.Handle(context.Background(), errors.New("timeout"), nil)
	}

	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}, rs.all())
}

func TestHandle_RecordSuccessResetsCounters(t *testing.T) {
	a, _ := newTestAuthority()
	err := errors.New("connection refused")

	a.Handle(context.Background(), err, nil)
	a.Handle(context.Background(), err, nil)
	require.Equal(t, 2, a.RetryCount(CategoryNetwork, 0))

	a.RecordSuccess(CategoryNetwork)
	assert.Equal(t, 0, a.RetryCount(CategoryNetwork, 0))

	d := a.Handle(context.Background(), err, nil)
	assert.Equal(t, 1, d.Attempt)
}

func TestHandle_CancelledBackoffYieldsNone(t *testing.T) {
	a := NewAuthority()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := a.Handle(ctx, errors.New("connection refused"), nil)

	assert.Equal(t, ModeNone, d.Mode)
	assert.Equal(t, 0, a.RetryCount(CategoryNetwork, 0), "a cancelled backoff is not charged")
}

func TestHandle_CancelledBackoffKeepsBudget(t *testing.T) {
	a, _ := newTestAuthority()
	err := errors.New("connection refused")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		require.Equal(t, ModeNone, a.Handle(cancelled, err, nil).Mode)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		d := a.Handle(context.Background(), err, nil)
		require.Equal(t, ModeRetry, d.Mode, "attempt %d", attempt)
		assert.Equal(t, attempt, d.Attempt)
	}
	assert.Equal(t, ModeNone, a.Handle(context.Background(), err, nil).Mode)
}

// =============================================================================
// Handle: flag strategies
// =============================================================================

func TestHandle_ResourceRetriesThenDegrades(t *testing.T) {
	a, _ := newTestAuthority()
	err := errors.New("out of memory")

	d := a.Handle(context.Background(), err, nil)
	require.Equal(t, ModeRetry, d.Mode)
	assert.False(t, a.State().Degraded())

	d = a.Handle(context.Background(), err, nil)
	assert.Equal(t, ModeDegraded, d.Mode)
	assert.Equal(t, OutcomeDegrade, d.Outcome())
	assert.True(t, a.State().Degraded())
	assert.NoError(t, d.Err())
}

func TestHandle_CriticalSystemGoesOffline(t *testing.T) {
	a, _ := newTestAuthority()

	d := a.Handle(context.Background(), errors.New("fatal: permission denied on device"), nil)

	assert.Equal(t, ModeOffline, d.Mode)
	assert.True(t, a.State().Offline())
	assert.Equal(t, ModeOffline, a.State().Mode())
	assert.ErrorIs(t, d.Err(), ErrOffline)
}

func TestHandle_NonCriticalSystemPropagates(t *testing.T) {
	a, _ := newTestAuthority()

	d := a.Handle(context.Background(), errors.New("permission denied"), nil)

	assert.Equal(t, ModeNone, d.Mode)
	assert.False(t, a.State().Offline())
}

func TestHandle_ConfigurationPropagates(t *testing.T) {
	a, _ := newTestAuthority()

	d := a.Handle(context.Background(), errors.New("bad"), Fields{FieldCategory: CategoryConfiguration})

	assert.Equal(t, ModeNone, d.Mode)
	assert.Equal(t, CategoryConfiguration, d.Record.Category)
}

func TestHandle_PortInUseSkipsServiceRetry(t *testing.T) {
	a, rs := newTestAuthority()

	d := a.Handle(context.Background(), errors.New("port 8188 already in use"), nil)

	assert.Equal(t, ModeNone, d.Mode)
	assert.Empty(t, rs.all())
}

func TestHandle_RegisteredMockStrategy(t *testing.T) {
	a, _ := newTestAuthority()
	a.Register(CategoryService, Mock())

	d := a.Handle(context.Background(), errors.New("port 8188 already in use"), nil)

	assert.Equal(t, ModeMock, d.Mode)
	assert.Equal(t, OutcomeMock, d.Outcome())
	assert.True(t, a.State().Mock())
}

func TestHandle_NilError(t *testing.T) {
	a, _ := newTestAuthority()

	d := a.Handle(context.Background(), nil, nil)

	assert.Equal(t, ModeNone, d.Mode)
	assert.Empty(t, a.History())
}

// =============================================================================
// Recovery callbacks
// =============================================================================

func TestOnRecovery_NotifiedOnMatch(t *testing.T) {
	a, _ := newTestAuthority()

	var got []Mode
	a.OnRecovery(func(rec ErrorRecord, mode Mode) {
		assert.NotEmpty(t, rec.ID)
		got = append(got, mode)
	})
	a.OnRecovery(func(ErrorRecord, Mode) { panic("misbehaving callback") })

	a.Handle(context.Background(), errors.New("out of memory"), nil)
	a.Handle(context.Background(), errors.New("out of memory"), nil)
	a.Handle(context.Background(), errors.New("bad"), Fields{FieldCategory: CategoryWorkflow})

	assert.Equal(t, []Mode{ModeRetry, ModeDegraded}, got)
}

// =============================================================================
// Reset and success
// =============================================================================

func TestReset_Idempotent(t *testing.T) {
	a, _ := newTestAuthority()
	a.Register(CategoryWorkflow, Mock())

	a.Handle(context.Background(), errors.New("connection refused"), nil)
	a.Handle(context.Background(), errors.New("bad node"), Fields{FieldCategory: CategoryWorkflow})
	a.Handle(context.Background(), errors.New("fatal permission denied"), nil)
	require.True(t, a.State().Mock())
	require.True(t, a.State().Offline())

	a.Reset()
	once := a.State().Snapshot()
	onceCount := a.RetryCount(CategoryNetwork, 0)

	a.Reset()
	assert.Equal(t, once, a.State().Snapshot())
	assert.Equal(t, onceCount, a.RetryCount(CategoryNetwork, 0))
	assert.Equal(t, Flags{}, a.State().Snapshot())
	assert.Equal(t, 0, a.RetryCount(CategoryNetwork, 0))
}

func TestRecordSuccess_ClearsDegradedOnly(t *testing.T) {
	state := NewState()
	state.set(ModeDegraded)
	state.set(ModeMock)
	a, _ := newTestAuthority(WithState(state))

	a.RecordSuccess(CategoryNetwork)

	assert.False(t, state.Degraded())
	assert.True(t, state.Mock())
}

// =============================================================================
// History and stats
// =============================================================================

func TestReport_RecordsWithoutStrategy(t *testing.T) {
	a, rs := newTestAuthority()

	rec := a.Report(errors.New("connection refused"), Fields{"job_id": "abc"})

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, 0, a.RetryCount(CategoryNetwork, 0))
	assert.Empty(t, rs.all())

	history := a.History()
	require.Len(t, history, 1)
	assert.Equal(t, rec.ID, history[0].ID)
}

func TestReportMessage(t *testing.T) {
	a, _ := newTestAuthority()

	rec := a.ReportMessage("CUDA out of memory", nil)

	assert.Equal(t, CategoryResource, rec.Category)
	assert.Len(t, a.History(), 1)
}

func TestHistory_Bounded(t *testing.T) {
	a, _ := newTestAuthority()

	for i := 0; i < HistoryCapacity+20; i++ {
		a.Report(errors.New("x"), nil)
	}

	stats := a.Stats()
	assert.Equal(t, HistoryCapacity, stats.Total)
	assert.Equal(t, int64(20), stats.Dropped)
	assert.Len(t, a.Recent(5), 5)
}

func TestStats(t *testing.T) {
	a, _ := newTestAuthority()
	a.Report(errors.New("connection refused"), nil)
	a.Report(errors.New("connection reset"), nil)
	a.Report(errors.New("process exited"), nil)

	stats := a.Stats()

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByCategory[CategoryNetwork])
	assert.Equal(t, 1, stats.ByCategory[CategoryService])
	assert.Equal(t, 1, stats.BySeverity[SeverityHigh])
}

func TestHandle_ConcurrentRetryBudget(t *testing.T) {
	a, _ := newTestAuthority(WithStrategies(map[Category][]Strategy{
		CategoryNetwork: {Retry(10, time.Millisecond, 1, time.Millisecond)},
	}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		retries int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a.Handle(context.Background(), errors.New("timeout"), nil).Mode == ModeRetry {
				mu.Lock()
				retries++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, retries)
}

// =============================================================================
// Strategy helpers
// =============================================================================

func TestStrategy_RetryDelay(t *testing.T) {
	s := Retry(5, 100*time.Millisecond, 2, time.Second)

	assert.Equal(t, time.Duration(0), s.RetryDelay(0))
	assert.Equal(t, 100*time.Millisecond, s.RetryDelay(1))
	assert.Equal(t, 200*time.Millisecond, s.RetryDelay(2))
	assert.Equal(t, 800*time.Millisecond, s.RetryDelay(4))
	assert.Equal(t, time.Second, s.RetryDelay(5))
}

func TestDecision_ErrNilWhenAbsorbed(t *testing.T) {
	for _, m := range []Mode{ModeRetry, ModeMock, ModeDegraded} {
		assert.NoError(t, Decision{Mode: m}.Err(), m.String())
	}
}

func TestDecide_DoesNotSleep(t *testing.T) {
	a, rs := newTestAuthority()

	d := a.Decide(errors.New("connection refused"), nil)

	assert.Equal(t, ModeRetry, d.Mode)
	assert.Equal(t, time.Second, d.Delay)
	assert.Empty(t, rs.all())
	assert.Len(t, a.History(), 1)
}
