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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/PanelForge/services/engine/graph"
	"github.com/AleutianAI/PanelForge/services/engine/health"
)

// DefaultRequestTimeout bounds every engine HTTP call made by Client.
const DefaultRequestTimeout = 30 * time.Second

// maxErrorBody is how much of a failed response body is kept.
const maxErrorBody = 4096

// ErrMalformedResponse is wrapped when a 2xx body cannot be decoded.
var ErrMalformedResponse = errors.New("malformed engine response")

// EngineError is a non-2xx engine response.
type EngineError struct {
	Method     string
	Path       string
	StatusCode int

	// Message is the engine's own error message when the body carried one.
	Message string

	// NodeErrors maps node ids to the engine's per-node complaints.
	NodeErrors map[string][]string

	Body string
}

// Error implements error.
func (e *EngineError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.TrimSpace(e.Body)
	}
	s := fmt.Sprintf("engine %s %s returned HTTP %d", e.Method, e.Path, e.StatusCode)
	if msg != "" {
		s += ": " + msg
	}
	if len(e.NodeErrors) > 0 {
		ids := make([]string, 0, len(e.NodeErrors))
		for id := range e.NodeErrors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("node %s: %s", id, strings.Join(e.NodeErrors[id], ", ")))
		}
		s += " (" + strings.Join(parts, "; ") + ")"
	}
	return s
}

// Temporary reports whether retrying the same request may succeed.
func (e *EngineError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsEngineError reports whether err is an *EngineError with the given
// status code. A zero code matches any status.
func IsEngineError(err error, code int) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return false
	}
	return code == 0 || ee.StatusCode == code
}

// PromptResponse is the engine's answer to a submission.
type PromptResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

// HistoryEntry is one job's entry in /history.
type HistoryEntry struct {
	Outputs map[string]map[string]json.RawMessage `json:"outputs"`
	Status  struct {
		StatusStr string              `json:"status_str"`
		Completed bool                `json:"completed"`
		Messages  [][]json.RawMessage `json:"messages"`
	} `json:"status"`
}

// Assets flattens the entry's outputs into asset references.
func (h HistoryEntry) Assets() []AssetRef {
	return assetsFromOutputs(h.Outputs)
}

// ErrorMessage returns the exception message recorded in the entry's
// execution_error event, if any.
func (h HistoryEntry) ErrorMessage() string {
	for _, m := range h.Status.Messages {
		if len(m) != 2 {
			continue
		}
		var kind string
		if json.Unmarshal(m[0], &kind) != nil || kind != msgExecutionError {
			continue
		}
		var d eventData
		if json.Unmarshal(m[1], &d) == nil {
			return d.errorText()
		}
	}
	return ""
}

// Client talks to the engine's HTTP API.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL string
	http    health.HTTPDoer
}

// NewClient creates a client for baseURL ("http://host:port"). A nil doer
// uses an http.Client with DefaultRequestTimeout.
func NewClient(baseURL string, doer health.HTTPDoer) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: doer}
}

// PostPrompt submits g on behalf of clientID.
func (c *Client) PostPrompt(ctx context.Context, g *graph.JobGraph, clientID string) (PromptResponse, error) {
	body := struct {
		Prompt   *graph.JobGraph `json:"prompt"`
		ClientID string          `json:"client_id"`
	}{Prompt: g, ClientID: clientID}

	var resp PromptResponse
	if err := c.do(ctx, http.MethodPost, "/prompt", body, &resp); err != nil {
		return PromptResponse{}, err
	}
	if resp.PromptID == "" {
		return PromptResponse{}, fmt.Errorf("%w: POST /prompt returned no prompt_id", ErrMalformedResponse)
	}
	return resp, nil
}

// Queue returns the running and pending queue.
func (c *Client) Queue(ctx context.Context) (QueueInfo, error) {
	var raw struct {
		Running [][]json.RawMessage `json:"queue_running"`
		Pending [][]json.RawMessage `json:"queue_pending"`
	}
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &raw); err != nil {
		return QueueInfo{}, err
	}
	return QueueInfo{Running: queueItems(raw.Running), Pending: queueItems(raw.Pending)}, nil
}

func queueItems(rows [][]json.RawMessage) []QueueItem {
	out := make([]QueueItem, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		var item QueueItem
		_ = json.Unmarshal(row[0], &item.Number)
		if json.Unmarshal(row[1], &item.PromptID) != nil {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Interrupt stops the running job. A non-empty promptID limits the
// interrupt to that job on engines that support it.
func (c *Client) Interrupt(ctx context.Context, promptID string) error {
	var body any
	if promptID != "" {
		body = map[string]string{"prompt_id": promptID}
	}
	return c.do(ctx, http.MethodPost, "/interrupt", body, nil)
}

// DeleteQueued removes pending jobs from the queue.
func (c *Client) DeleteQueued(ctx context.Context, promptIDs ...string) error {
	return c.do(ctx, http.MethodPost, "/queue", map[string][]string{"delete": promptIDs}, nil)
}

// History returns the history entry for promptID. found is false while the
// job has not finished.
func (c *Client) History(ctx context.Context, promptID string) (entry HistoryEntry, found bool, err error) {
	var raw map[string]HistoryEntry
	if err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &raw); err != nil {
		return HistoryEntry{}, false, err
	}
	entry, found = raw[promptID]
	return entry, found, nil
}

// SystemStats returns device and interpreter details.
func (c *Client) SystemStats(ctx context.Context) (health.EngineStats, error) {
	var stats health.EngineStats
	err := c.do(ctx, http.MethodGet, "/system_stats", nil, &stats)
	return stats, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newEngineError(method, path, resp.StatusCode, data)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, path, err)
	}
	return nil
}

func newEngineError(method, path string, status int, body []byte) *EngineError {
	ee := &EngineError{Method: method, Path: path, StatusCode: status, Body: string(body)}

	var parsed struct {
		Error json.RawMessage `json:"error"`
		// Each node error carries a list of {message, details} objects.
		NodeErrors map[string]struct {
			Errors []struct {
				Message string `json:"message"`
				Details string `json:"details"`
			} `json:"errors"`
		} `json:"node_errors"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return ee
	}

	var structured struct {
		Message string `json:"message"`
	}
	var plain string
	switch {
	case json.Unmarshal(parsed.Error, &structured) == nil && structured.Message != "":
		ee.Message = structured.Message
	case json.Unmarshal(parsed.Error, &plain) == nil:
		ee.Message = plain
	}

	for id, ne := range parsed.NodeErrors {
		for _, e := range ne.Errors {
			msg := e.Message
			if e.Details != "" {
				msg += ": " + e.Details
			}
			if ee.NodeErrors == nil {
				ee.NodeErrors = make(map[string][]string)
			}
			ee.NodeErrors[id] = append(ee.NodeErrors[id], msg)
		}
	}
	return ee
}

// assetsFromOutputs flattens {"node": {"images": [...], ...}} into asset
// references, ordered by node id. Non-file outputs are skipped.
func assetsFromOutputs(outputs map[string]map[string]json.RawMessage) []AssetRef {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []AssetRef
	for _, id := range ids {
		out = append(out, assetsFromNode(id, outputs[id])...)
	}
	return out
}

func assetsFromNode(nodeID string, output map[string]json.RawMessage) []AssetRef {
	keys := make([]string, 0, len(output))
	for k := range output {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []AssetRef
	for _, k := range keys {
		var files []AssetRef
		if json.Unmarshal(output[k], &files) != nil {
			continue
		}
		for _, f := range files {
			if f.Filename == "" {
				continue
			}
			f.NodeID = nodeID
			out = append(out, f)
		}
	}
	return out
}
