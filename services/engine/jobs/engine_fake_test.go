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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PanelForge/services/engine/config"
	"github.com/AleutianAI/PanelForge/services/engine/fallback"
	"github.com/AleutianAI/PanelForge/services/engine/graph"
)

// fakeEngine imitates the engine's HTTP API and event stream.
type fakeEngine struct {
	t   *testing.T
	srv *httptest.Server

	upgrader websocket.Upgrader
	streams  chan *websocket.Conn
	rejectWS atomic.Bool
	dials    atomic.Int32

	promptCode atomic.Int32
	prompts    atomic.Int32
	nextNumber atomic.Int32

	// onPrompt runs before the POST /prompt response is written.
	onPrompt func(promptID string)

	mu         sync.Mutex
	history    map[string]string
	interrupts []string
	deletes    []string
	lastBody   map[string]json.RawMessage

	writeMu sync.Mutex
	current *websocket.Conn
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	fe := &fakeEngine{
		t:       t,
		streams: make(chan *websocket.Conn, 8),
		history: make(map[string]string),
	}
	fe.promptCode.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", fe.handleStream)
	mux.HandleFunc("/prompt", fe.handlePrompt)
	mux.HandleFunc("/queue", fe.handleQueue)
	mux.HandleFunc("/interrupt", fe.handleInterrupt)
	mux.HandleFunc("/history/", fe.handleHistory)
	fe.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		fe.writeMu.Lock()
		if fe.current != nil {
			_ = fe.current.Close()
		}
		fe.writeMu.Unlock()
		fe.srv.Close()
	})
	return fe
}

func (fe *fakeEngine) handleStream(w http.ResponseWriter, r *http.Request) {
	fe.dials.Add(1)
	if fe.rejectWS.Load() {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("clientId") == "" {
		http.Error(w, "missing clientId", http.StatusBadRequest)
		return
	}
	conn, err := fe.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fe.writeMu.Lock()
	fe.current = conn
	fe.writeMu.Unlock()
	fe.streams <- conn
}

func (fe *fakeEngine) handlePrompt(w http.ResponseWriter, r *http.Request) {
	fe.prompts.Add(1)
	var body map[string]json.RawMessage
	_ = json.NewDecoder(r.Body).Decode(&body)
	fe.mu.Lock()
	fe.lastBody = body
	fe.mu.Unlock()

	if code := int(fe.promptCode.Load()); code != http.StatusOK {
		w.WriteHeader(code)
		_, _ = io.WriteString(w, `{"error": {"type": "prompt_outputs_failed_validation", "message": "Prompt outputs failed validation"},
			"node_errors": {"9": {"errors": [{"message": "Required input is missing", "details": "images"}]}}}`)
		return
	}

	n := int(fe.nextNumber.Add(1))
	id := fmt.Sprintf("prompt-%d", n)
	if fe.onPrompt != nil {
		fe.onPrompt(id)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": id, "number": n, "node_errors": map[string]any{}})
}

func (fe *fakeEngine) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var body struct {
			Delete []string `json:"delete"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		fe.mu.Lock()
		fe.deletes = append(fe.deletes, body.Delete...)
		fe.mu.Unlock()
		return
	}
	_, _ = io.WriteString(w, `{"queue_running": [[3, "prompt-3", {}, {}, []]], "queue_pending": [[4, "prompt-4", {}, {}, []]]}`)
}

func (fe *fakeEngine) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PromptID string `json:"prompt_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	fe.mu.Lock()
	fe.interrupts = append(fe.interrupts, body.PromptID)
	fe.mu.Unlock()
}

func (fe *fakeEngine) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/history/")
	fe.mu.Lock()
	entry, ok := fe.history[id]
	fe.mu.Unlock()
	if !ok {
		_, _ = io.WriteString(w, `{}`)
		return
	}
	_, _ = io.WriteString(w, `{"`+id+`": `+entry+`}`)
}

// setHistory publishes a finished entry for id.
func (fe *fakeEngine) setHistory(id, entry string) {
	fe.mu.Lock()
	fe.history[id] = entry
	fe.mu.Unlock()
}

func (fe *fakeEngine) interrupted() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return append([]string(nil), fe.interrupts...)
}

func (fe *fakeEngine) deleted() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return append([]string(nil), fe.deletes...)
}

// stream waits for the next accepted stream connection.
func (fe *fakeEngine) stream() *websocket.Conn {
	fe.t.Helper()
	select {
	case conn := <-fe.streams:
		return conn
	case <-time.After(2 * time.Second):
		fe.t.Fatal("no stream connection")
		return nil
	}
}

// send writes one event to the current stream connection.
func (fe *fakeEngine) send(kind string, data map[string]any) {
	fe.t.Helper()
	fe.writeMu.Lock()
	defer fe.writeMu.Unlock()
	require.NotNil(fe.t, fe.current, "no stream connection")
	require.NoError(fe.t, fe.current.WriteJSON(map[string]any{"type": kind, "data": data}))
}

// drop closes the current stream connection from the engine side.
func (fe *fakeEngine) drop() {
	fe.writeMu.Lock()
	defer fe.writeMu.Unlock()
	if fe.current != nil {
		_ = fe.current.Close()
		fe.current = nil
	}
}

func (fe *fakeEngine) config() config.Config {
	fe.t.Helper()
	u, err := url.Parse(fe.srv.URL)
	require.NoError(fe.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(fe.t, err)

	cfg := config.Default()
	cfg.Host = u.Hostname()
	cfg.Port = port
	cfg.HealthCheckTimeout = config.Duration(time.Second)
	cfg.MaxReconnectAttempts = 1
	cfg.MaxRetryAttempts = 3
	cfg.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.JobTimeout = config.Duration(5 * time.Second)
	return cfg
}

// -----------------------------------------------------------------------------
// Shared helpers
// -----------------------------------------------------------------------------

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuthority() *fallback.Authority {
	return fallback.NewAuthority(
		fallback.WithLogger(quietLogger()),
		fallback.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
}

func newTestOrchestrator(t *testing.T, cfg config.Config, authority fallback.Handler, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithReconnectBackoff(10*time.Millisecond, 20*time.Millisecond),
	}, opts...)
	o := NewOrchestrator(cfg, authority, opts...)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func testGraph(t *testing.T) *graph.JobGraph {
	t.Helper()
	cfg := config.Default()
	g, err := graph.NewCompiler(cfg, graph.WithLogger(quietLogger())).Compile(graph.PanelRequest{
		Prompt:        "a lighthouse at dusk, ink wash",
		Width:         512,
		Height:        512,
		Steps:         20,
		GuidanceScale: 7,
		Seed:          42,
	})
	require.NoError(t, err)
	return g
}

// recorder collects callback deliveries.
type recorder struct {
	mu      sync.Mutex
	updates []ExecutionRecord
	done    chan ExecutionRecord
}

func newRecorder() *recorder {
	return &recorder{done: make(chan ExecutionRecord, 1)}
}

func (r *recorder) fn(rec ExecutionRecord) {
	r.mu.Lock()
	r.updates = append(r.updates, rec)
	r.mu.Unlock()
	if rec.Status.IsTerminal() {
		r.done <- rec
	}
}

func (r *recorder) statuses() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobStatus, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Status)
	}
	return out
}

func (r *recorder) wait(t *testing.T) ExecutionRecord {
	t.Helper()
	select {
	case rec := <-r.done:
		return rec
	case <-time.After(3 * time.Second):
		t.Fatal("job never reached a terminal status")
		return ExecutionRecord{}
	}
}

func strPtr(s string) *string { return &s }
