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
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PanelForge/services/engine/config"
	"github.com/AleutianAI/PanelForge/services/engine/fallback"
)

// =============================================================================
// Streaming
// =============================================================================

func TestSubmit_StreamedLifecycle(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority(), WithClientID("client-1"))

	require.True(t, o.Connect(context.Background()))
	fe.stream()
	assert.Equal(t, TransportStreaming, o.Mode())

	g := testGraph(t)
	rec := newRecorder()
	id, err := o.Submit(context.Background(), g, rec.fn)
	require.NoError(t, err)
	assert.Equal(t, "prompt-1", id)

	fe.mu.Lock()
	var clientID string
	require.NoError(t, json.Unmarshal(fe.lastBody["client_id"], &clientID))
	fe.mu.Unlock()
	assert.Equal(t, "client-1", clientID)

	fe.send(msgStatus, map[string]any{"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 1}}})
	fe.send(msgExecutionStart, map[string]any{"prompt_id": id})
	fe.send(msgExecutionCached, map[string]any{"prompt_id": id, "nodes": []string{"1", "2"}})
	fe.send(msgExecuting, map[string]any{"prompt_id": id, "node": "6"})
	fe.send(msgProgress, map[string]any{"prompt_id": id, "node": "6", "value": 10, "max": 20})
	fe.send(msgExecuted, map[string]any{"prompt_id": id, "node": "8", "output": map[string]any{
		"images": []map[string]any{{"filename": "panelforge_00001_.png", "subfolder": "", "type": "output"}},
	}})
	fe.send(msgExecuting, map[string]any{"prompt_id": id, "node": nil})

	final := rec.wait(t)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, g.Metadata.ID, final.GraphID)
	assert.Equal(t, 2, final.CachedNodes)
	require.Len(t, final.Outputs, 1)
	assert.Equal(t, AssetRef{NodeID: "8", Filename: "panelforge_00001_.png", Type: "output"}, final.Outputs[0])
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 1, o.QueueRemaining())

	statuses := rec.statuses()
	assert.Equal(t, StatusQueued, statuses[0])
	assert.Contains(t, statuses, StatusExecuting)

	stored, ok := o.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, Progress{Node: "6", Value: 10, Max: 20}, stored.Progress)
}

func TestSubmit_OutOfMemoryIsResourceFailure(t *testing.T) {
	fe := newFakeEngine(t)
	authority := testAuthority()
	o := newTestOrchestrator(t, fe.config(), authority)
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)

	fe.send(msgExecutionStart, map[string]any{"prompt_id": id})
	fe.send(msgExecutionError, map[string]any{
		"prompt_id":         id,
		"node_id":           "6",
		"node_type":         "KSampler",
		"exception_type":    "torch.OutOfMemoryError",
		"exception_message": "CUDA out of memory. Tried to allocate 2.00 GiB",
	})

	final := rec.wait(t)
	assert.Equal(t, StatusFailed, final.Status)
	assert.True(t, final.IsResourceExhausted())
	assert.Equal(t, "6", final.ErrorNode)
	assert.Contains(t, final.ErrorMessage, "CUDA out of memory")

	history := authority.History()
	require.NotEmpty(t, history)
	assert.Equal(t, fallback.CategoryResource, history[len(history)-1].Category)
	assert.False(t, authority.State().Degraded(), "a reported job failure runs no strategy")
}

func TestSubmit_WorkflowFailureIsNotResource(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)
	fe.send(msgExecutionError, map[string]any{
		"prompt_id":         id,
		"node_id":           "1",
		"node_type":         "CheckpointLoaderSimple",
		"exception_message": "Value not in list: ckpt_name: 'missing.safetensors'",
	})

	final := rec.wait(t)
	assert.Equal(t, StatusFailed, final.Status)
	assert.False(t, final.IsResourceExhausted())
	assert.Equal(t, fallback.CategoryWorkflow, final.FailureCategory)
}

func TestSubmit_EventsBeforeResponseAreReplayed(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	fe.onPrompt = func(id string) {
		fe.send(msgExecutionStart, map[string]any{"prompt_id": id})
		fe.send(msgExecutionSuccess, map[string]any{"prompt_id": id})
	}

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)

	final := rec.wait(t)
	assert.Equal(t, id, final.JobID)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestSubmit_TerminalRecordIgnoresLateEvents(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)
	fe.send(msgExecutionSuccess, map[string]any{"prompt_id": id})
	rec.wait(t)

	fe.send(msgExecutionError, map[string]any{"prompt_id": id, "exception_message": "late"})
	fe.send(msgStatus, map[string]any{"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 7}}})
	require.Eventually(t, func() bool { return o.QueueRemaining() == 7 }, 2*time.Second, 5*time.Millisecond)

	stored, _ := o.Status(id)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Empty(t, stored.ErrorMessage)
}

// =============================================================================
// Submission failures
// =============================================================================

func TestSubmit_RejectedGraphFailsWithoutRetry(t *testing.T) {
	fe := newFakeEngine(t)
	fe.promptCode.Store(http.StatusBadRequest)
	o := newTestOrchestrator(t, fe.config(), testAuthority())

	_, err := o.Submit(context.Background(), testGraph(t), nil)
	require.Error(t, err)
	assert.True(t, IsEngineError(err, http.StatusBadRequest))
	assert.Contains(t, err.Error(), "node 9: Required input is missing: images")
	assert.Equal(t, int32(1), fe.prompts.Load())
	assert.Zero(t, o.Table().Len())
}

func TestSubmit_ServerErrorRetries(t *testing.T) {
	fe := newFakeEngine(t)
	fe.promptCode.Store(http.StatusInternalServerError)
	o := newTestOrchestrator(t, fe.config(), testAuthority())

	_, err := o.Submit(context.Background(), testGraph(t), nil)
	require.Error(t, err)
	// Service strategy retries twice, then nothing matches.
	assert.Equal(t, int32(3), fe.prompts.Load())
}

func TestSubmit_NilGraph(t *testing.T) {
	o := NewOrchestrator(newFakeEngine(t).config(), testAuthority(), WithLogger(quietLogger()))
	_, err := o.Submit(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNilGraph)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestCancel_QueuedJobIsDeleted(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)

	assert.True(t, o.Cancel(context.Background(), id))
	final := rec.wait(t)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, []string{id}, fe.deleted())
	assert.Empty(t, fe.interrupted())
}

func TestCancel_ExecutingJobIsInterrupted(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	id, err := o.Submit(context.Background(), testGraph(t), nil)
	require.NoError(t, err)
	fe.send(msgExecuting, map[string]any{"prompt_id": id, "node": "6"})
	require.Eventually(t, func() bool {
		rec, _ := o.Status(id)
		return rec.Status == StatusExecuting
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, o.Cancel(context.Background(), id))
	assert.Equal(t, []string{id}, fe.interrupted())
	rec, _ := o.Status(id)
	assert.Equal(t, StatusCancelled, rec.Status)
}

func TestCancel_UnknownAndTerminal(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	assert.False(t, o.Cancel(context.Background(), "nope"))

	require.True(t, o.Connect(context.Background()))
	fe.stream()
	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)
	fe.send(msgExecutionSuccess, map[string]any{"prompt_id": id})
	rec.wait(t)

	assert.True(t, o.Cancel(context.Background(), id))
	stored, _ := o.Status(id)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Empty(t, fe.deleted())
	assert.Empty(t, fe.interrupted())
}

// =============================================================================
// Transport fallback
// =============================================================================

func TestListener_ReconnectExhaustedFallsBackToPolling(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)

	fe.rejectWS.Store(true)
	fe.drop()
	require.Eventually(t, func() bool { return o.Mode() == TransportPolling }, 3*time.Second, 5*time.Millisecond)

	fe.setHistory(id, `{"outputs": {"8": {"images": [{"filename": "panelforge_00002_.png", "subfolder": "", "type": "output"}]}},
		"status": {"status_str": "success", "completed": true, "messages": []}}`)

	final := rec.wait(t)
	assert.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Outputs, 1)
	assert.Equal(t, "panelforge_00002_.png", final.Outputs[0].Filename)
}

func TestListener_ReconnectsWithinBudget(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	fe.drop()
	fe.stream()
	assert.Equal(t, TransportStreaming, o.Mode())

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)
	fe.send(msgExecutionSuccess, map[string]any{"prompt_id": id})
	assert.Equal(t, StatusCompleted, rec.wait(t).Status)
}

func TestListener_ReconnectResyncsMissedCompletion(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)

	// The job finishes while the stream is down; its success event is lost.
	fe.setHistory(id, `{"outputs": {"8": {"images": [{"filename": "panelforge_00003_.png", "subfolder": "", "type": "output"}]}},
		"status": {"status_str": "success", "completed": true, "messages": []}}`)
	fe.drop()
	fe.stream()

	final := rec.wait(t)
	assert.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Outputs, 1)
	assert.Equal(t, "panelforge_00003_.png", final.Outputs[0].Filename)
	assert.Equal(t, TransportStreaming, o.Mode())
	assert.Empty(t, o.Table().Active())
}

func TestListener_ReconnectKeepsUnfinishedJobs(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)

	fe.drop()
	fe.stream()
	require.Eventually(t, func() bool { return o.Mode() == TransportStreaming }, 2*time.Second, 5*time.Millisecond)

	stored, ok := o.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, stored.Status)

	fe.send(msgExecutionSuccess, map[string]any{"prompt_id": id})
	assert.Equal(t, StatusCompleted, rec.wait(t).Status)
}

func TestConnect_FailureDowngradesUntilReset(t *testing.T) {
	fe := newFakeEngine(t)
	fe.rejectWS.Store(true)
	o := newTestOrchestrator(t, fe.config(), testAuthority())

	assert.False(t, o.Connect(context.Background()))
	assert.Equal(t, TransportPolling, o.Mode())
	dials := fe.dials.Load()
	assert.Equal(t, int32(2), dials)

	fe.rejectWS.Store(false)
	assert.False(t, o.Connect(context.Background()))
	assert.Equal(t, dials, fe.dials.Load(), "a downgraded orchestrator does not redial")

	assert.True(t, o.ResetTransport(context.Background()))
	fe.stream()
	assert.Equal(t, TransportStreaming, o.Mode())
}

func TestPolling_FailedHistoryEntry(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)
	fe.setHistory(id, `{"outputs": {}, "status": {"status_str": "error", "completed": false, "messages": [
		["execution_start", {"prompt_id": "`+id+`"}],
		["execution_error", {"prompt_id": "`+id+`", "node_id": "8", "node_type": "VAEDecode",
		  "exception_type": "RuntimeError", "exception_message": "CUDA error: out of memory"}]]}}`)

	final := rec.wait(t)
	assert.Equal(t, StatusFailed, final.Status)
	assert.True(t, final.IsResourceExhausted())
	assert.Equal(t, "VAEDecode (node 8): RuntimeError: CUDA error: out of memory", final.ErrorMessage)
}

func TestPolling_JobTimeout(t *testing.T) {
	fe := newFakeEngine(t)
	cfg := fe.config()
	cfg.JobTimeout = config.Duration(100 * time.Millisecond)
	o := newTestOrchestrator(t, cfg, testAuthority())

	rec := newRecorder()
	_, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)

	final := rec.wait(t)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, ErrJobTimeout.Error())
	assert.Equal(t, fallback.CategoryService, final.FailureCategory)
}

// =============================================================================
// Fallback modes
// =============================================================================

func TestMockMode(t *testing.T) {
	fe := newFakeEngine(t)
	fe.rejectWS.Store(true)
	authority := testAuthority()
	authority.Replace(fallback.CategoryNetwork, fallback.Mock())
	o := newTestOrchestrator(t, fe.config(), authority)

	assert.True(t, o.Connect(context.Background()))
	assert.Equal(t, TransportMock, o.Mode())
	assert.True(t, authority.State().Mock())

	rec := newRecorder()
	id, err := o.Submit(context.Background(), testGraph(t), rec.fn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, MockJobPrefix))
	assert.Zero(t, fe.prompts.Load())

	final := rec.wait(t)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.True(t, final.Mock)

	q, err := o.Queue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, q.Running)
	assert.Empty(t, q.Pending)
}

func TestOfflineRefusesSubmissions(t *testing.T) {
	fe := newFakeEngine(t)
	fe.rejectWS.Store(true)
	authority := testAuthority()
	authority.Replace(fallback.CategoryNetwork, fallback.Offline())
	o := newTestOrchestrator(t, fe.config(), authority)

	assert.False(t, o.Connect(context.Background()))
	require.True(t, authority.State().Offline())

	_, err := o.Submit(context.Background(), testGraph(t), nil)
	assert.ErrorIs(t, err, fallback.ErrOffline)
	assert.Zero(t, fe.prompts.Load())
}

// =============================================================================
// Misc
// =============================================================================

func TestQueue(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())

	q, err := o.Queue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []QueueItem{{Number: 3, PromptID: "prompt-3"}}, q.Running)
	assert.Equal(t, []QueueItem{{Number: 4, PromptID: "prompt-4"}}, q.Pending)
}

func TestCallbackPanicIsContained(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	id, err := o.Submit(context.Background(), testGraph(t), func(ExecutionRecord) { panic("boom") })
	require.NoError(t, err)
	fe.send(msgExecutionSuccess, map[string]any{"prompt_id": id})

	require.Eventually(t, func() bool {
		rec, _ := o.Status(id)
		return rec.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestForget(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	id, err := o.Submit(context.Background(), testGraph(t), nil)
	require.NoError(t, err)
	assert.True(t, o.Forget(id))
	assert.False(t, o.Forget(id))
	_, ok := o.Status(id)
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	fe := newFakeEngine(t)
	o := newTestOrchestrator(t, fe.config(), testAuthority())
	require.True(t, o.Connect(context.Background()))
	fe.stream()

	done := make(chan error, 1)
	go func() { done <- o.Close() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.NoError(t, o.Close())

	_, err := o.Submit(context.Background(), testGraph(t), nil)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.False(t, o.Connect(context.Background()))
}
