// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/PanelForge/internal/util"
)

// outputTailLines is how many engine output lines are kept for crash
// reports.
const outputTailLines = 200

// outputTail is an io.Writer that splits the engine's output into lines,
// keeps the newest ones and mirrors them to the debug log.
type outputTail struct {
	mu      sync.Mutex
	partial bytes.Buffer
	lines   *util.RingBuffer[string]
	logger  *slog.Logger
}

func newOutputTail(logger *slog.Logger) *outputTail {
	return &outputTail{
		lines:  util.NewRingBuffer[string](outputTailLines),
		logger: logger,
	}
}

func (o *outputTail) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.partial.Write(p)
	for {
		data := o.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		o.partial.Next(i + 1)
		if line == "" {
			continue
		}
		o.lines.Push(line)
		o.logger.Debug("engine output", slog.String("line", line))
	}
	return len(p), nil
}

// Tail returns the newest n lines, oldest first.
func (o *outputTail) Tail(n int) []string {
	return o.lines.Last(n)
}

// Reset drops buffered output before a new process starts.
func (o *outputTail) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.partial.Reset()
	o.lines.Clear()
}
