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
	"fmt"
	"maps"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

// Fields is the free-form context attached to a failure.
type Fields map[string]any

// FieldCategory, when present in Fields with a Category value, pins the
// classification and skips the keyword passes.
const FieldCategory = "category"

// ErrorRecord is one classified failure. Records are never mutated after
// creation.
type ErrorRecord struct {
	ID          string
	Timestamp   time.Time
	Category    Category
	Severity    Severity
	Message     string
	Kind        string
	Context     Fields
	Suggestions []string

	// Cause is the original error. Nil for records built from plain text.
	Cause error
}

// Error implements error so a record can be returned as-is.
func (r ErrorRecord) Error() string {
	return fmt.Sprintf("%s failure (%s): %s", r.Category, r.Severity, r.Message)
}

// Unwrap returns the original error.
func (r ErrorRecord) Unwrap() error { return r.Cause }

// -----------------------------------------------------------------------------
// Keyword tables
// -----------------------------------------------------------------------------

// categoryKeywords is matched in Categories order; the first hit wins.
var categoryKeywords = map[Category][]string{
	CategoryNetwork: {
		"connection refused", "connection reset", "connection closed",
		"timeout", "timed out", "deadline exceeded", "no such host", "dns",
		"network", "unreachable", "dial", "broken pipe", "eof", "websocket",
	},
	CategoryService: {
		"already in use", "address in use", "process", "startup", "exited",
		"not running", "service", "server", "spawn", "health check",
	},
	CategoryConfiguration: {
		"config", "validation", "invalid value", "no such file", "install path",
		"install_path", "must be", "setting", "executable file not found",
	},
	CategoryWorkflow: {
		"workflow", "graph", "node", "class_type", "circular", "dangling",
		"invalid prompt", "prompt_outputs_failed", "model not found",
		"checkpoint not found",
	},
	// Phrases, not bare words: engine errors mention CUDA devices and
	// memory settings without being exhaustion.
	CategoryResource: {
		"out of memory", "outofmemory", "oom-kill", "oom killer", "oomkilled",
		"not enough memory", "insufficient memory", "cannot allocate memory",
		"would exceed allowed memory", "not enough vram", "insufficient vram",
		"out of vram", "allocation failed", "failed to allocate",
		"no space left", "disk full", "resource exhausted",
	},
	CategorySystem: {
		"permission", "denied", "operating system", "os error", "signal",
		"killed", "segmentation", "read-only file system",
	},
}

var criticalKeywords = []string{"critical", "fatal", "crash", "panic", "segmentation fault"}

var categorySuggestions = map[Category][]string{
	CategoryNetwork: {
		"Check network connectivity to the engine host",
		"Verify that no firewall is blocking the engine port",
		"Confirm the engine is listening on the configured host and port",
	},
	CategoryService: {
		"Check whether the engine process is running",
		"Free the port or configure a different one",
		"Increase startup_timeout if the engine loads models slowly",
	},
	CategoryConfiguration: {
		"Review the engine configuration file",
		"Verify install_path points at a valid engine installation",
	},
	CategoryWorkflow: {
		"Validate the job graph before submission",
		"Confirm every referenced model is installed",
	},
	CategoryResource: {
		"Reduce resolution, steps or batch size",
		"Set memory_ceiling_mb to launch the engine in low-VRAM mode",
		"Free device memory or disk space",
	},
	CategorySystem: {
		"Check file and process permissions",
		"Inspect the operating system logs",
	},
	CategoryUnknown: {
		"Retry the operation",
	},
}

var genericSuggestions = []string{
	"Enable mock mode to keep working without the engine",
	"Inspect the engine logs for details",
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// Classify turns an error into an ErrorRecord without touching any state.
//
// # Description
//
// Precedence: an explicit FieldCategory hint, then typed checks
// (context.DeadlineExceeded, net.Error, ECONNREFUSED map to Network;
// os.ErrPermission maps to System), then keyword matching over the message
// and the error's Go type name in priority order. Severity comes from a
// second keyword pass plus the category default.
//
// ID and Timestamp are left empty; the Authority stamps them when the record
// enters its history.
//
// # Inputs
//
//   - err: the failure. A nil error classifies as Unknown with an empty
//     message.
//   - fields: optional context. Copied, never retained.
//
// # Outputs
//
//   - ErrorRecord: always populated with at least three suggestions.
func Classify(err error, fields Fields) ErrorRecord {
	rec := ErrorRecord{
		Context: maps.Clone(fields),
		Cause:   err,
	}
	if rec.Context == nil {
		rec.Context = Fields{}
	}
	if err != nil {
		rec.Message = err.Error()
		rec.Kind = fmt.Sprintf("%T", err)
	}

	rec.Category = classifyCategory(err, rec.Message, rec.Kind, fields)
	rec.Severity = classifySeverity(rec.Category, rec.Message)
	rec.Suggestions = suggestionsFor(rec.Category)
	return rec
}

// ClassifyMessage classifies plain text, such as an error reported by the
// engine over the event stream.
func ClassifyMessage(message string, fields Fields) ErrorRecord {
	rec := Classify(nil, fields)
	rec.Message = message
	rec.Category = classifyCategory(nil, message, "", fields)
	rec.Severity = classifySeverity(rec.Category, message)
	rec.Suggestions = suggestionsFor(rec.Category)
	return rec
}

// IsResourceExhaustion reports whether message mentions device memory or
// disk exhaustion, regardless of which category would win overall.
func IsResourceExhaustion(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range categoryKeywords[CategoryResource] {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func classifyCategory(err error, message, kind string, fields Fields) Category {
	if hint, ok := fields[FieldCategory].(Category); ok {
		return hint
	}
	if err != nil {
		if c, ok := typedCategory(err); ok {
			return c
		}
	}

	haystack := strings.ToLower(message + " " + kind)
	for _, c := range Categories {
		for _, kw := range categoryKeywords[c] {
			if strings.Contains(haystack, kw) {
				return c
			}
		}
	}
	return CategoryUnknown
}

func typedCategory(err error) (Category, bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) {
		return CategoryNetwork, true
	}
	if errors.Is(err, os.ErrPermission) {
		return CategorySystem, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork, true
	}
	return CategoryUnknown, false
}

func classifySeverity(c Category, message string) Severity {
	lower := strings.ToLower(message)
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return SeverityCritical
		}
	}
	switch c {
	case CategoryService, CategorySystem:
		return SeverityHigh
	case CategoryConfiguration:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func suggestionsFor(c Category) []string {
	specific := categorySuggestions[c]
	out := make([]string, 0, len(specific)+len(genericSuggestions))
	out = append(out, specific...)
	return append(out, genericSuggestions...)
}
