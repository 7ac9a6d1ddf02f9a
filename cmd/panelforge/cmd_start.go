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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// startCmd runs the supervisor in the foreground.
//
// # Description
//
// Launches the engine, attaches the event stream and keeps the health loop
// running until SIGINT or SIGTERM. SIGHUP retries the event stream after a
// downgrade to polling. Shutdown stops the engine within the configured
// graceful and force timeouts.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch the engine and supervise it until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := newSupervisor()
	result, err := sup.Start(ctx)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s at %s (pid %d, %d attempt(s))\n",
		result.Message, result.URL, result.ProcessID, result.Attempts)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-hup:
			if sup.ResetTransport(ctx) {
				fmt.Fprintln(cmd.OutOrStdout(), "event stream restored")
			}
		}
	}

	shutdown := cfg.GracefulShutdownTimeout.D() + cfg.ForceShutdownTimeout.D()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdown)
	defer cancel()

	stopped, err := sup.Stop(stopCtx)
	if err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), stopped.Message)
	return nil
}
