// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import "time"

// State is the probe's classification of the engine.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateUnhealthy
	StateDegraded
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HealthStatus is the result of one probe. Values are never mutated after
// they are returned.
type HealthStatus struct {
	Healthy             bool          `json:"healthy"`
	State               State         `json:"state"`
	Latency             time.Duration `json:"-"`
	LatencyMs           int64         `json:"latency_ms"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ErrorMessage        string        `json:"error,omitempty"`
	Stats               *EngineStats  `json:"stats,omitempty"`
	CheckedAt           time.Time     `json:"checked_at"`

	// Synthetic is true when the status was fabricated in mock mode.
	Synthetic bool `json:"synthetic,omitempty"`
}

// EngineStats is the parsed /system_stats and /queue payload.
type EngineStats struct {
	System       SystemInfo `json:"system"`
	Devices      []Device   `json:"devices"`
	QueueRunning int        `json:"queue_running"`
	QueuePending int        `json:"queue_pending"`
}

// SystemInfo describes the engine host.
type SystemInfo struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EngineVersion  string `json:"comfyui_version,omitempty"`
	PytorchVersion string `json:"pytorch_version,omitempty"`
	RAMTotal       int64  `json:"ram_total,omitempty"`
	RAMFree        int64  `json:"ram_free,omitempty"`
}

// Device is one compute device reported by the engine.
type Device struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Index          int    `json:"index"`
	VRAMTotal      int64  `json:"vram_total"`
	VRAMFree       int64  `json:"vram_free"`
	TorchVRAMTotal int64  `json:"torch_vram_total"`
	TorchVRAMFree  int64  `json:"torch_vram_free"`
}

// VRAMUsedFraction returns used/total across all devices, or 0 when no
// device reports memory.
func (s *EngineStats) VRAMUsedFraction() float64 {
	if s == nil {
		return 0
	}
	var total, free int64
	for _, d := range s.Devices {
		total += d.VRAMTotal
		free += d.VRAMFree
	}
	if total <= 0 {
		return 0
	}
	return float64(total-free) / float64(total)
}

type queuePayload struct {
	Running []any `json:"queue_running"`
	Pending []any `json:"queue_pending"`
}
