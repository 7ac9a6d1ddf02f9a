// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/PanelForge/services/engine/health"
)

// errUnhealthy makes the command exit non-zero.
var errUnhealthy = errors.New("engine unhealthy")

var healthJSONOutput bool // --json

// healthCmd runs one health check against the configured engine.
//
// # Examples
//
//	panelforge health
//	panelforge health --json
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether the engine is reachable and report its devices",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().BoolVar(&healthJSONOutput, "json", false, "print the status as JSON")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	status := newSupervisor().Probe().Check(cmd.Context())

	out := cmd.OutOrStdout()
	if healthJSONOutput {
		if err := printJSON(out, status); err != nil {
			return err
		}
	} else {
		printHealth(out, status)
	}
	if !status.Healthy {
		return errUnhealthy
	}
	return nil
}

func printHealth(w io.Writer, s health.HealthStatus) {
	fmt.Fprintf(w, "engine:  %s (%d ms)\n", s.State, s.LatencyMs)
	if s.ErrorMessage != "" {
		fmt.Fprintf(w, "error:   %s\n", s.ErrorMessage)
	}
	if s.Stats == nil {
		return
	}
	fmt.Fprintf(w, "queue:   %d running, %d pending\n", s.Stats.QueueRunning, s.Stats.QueuePending)
	for _, d := range s.Stats.Devices {
		fmt.Fprintf(w, "device:  %s, %d/%d MiB free\n", d.Name, d.VRAMFree>>20, d.VRAMTotal>>20)
	}
}
