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
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/PanelForge/services/engine/graph"
	"github.com/AleutianAI/PanelForge/services/engine/jobs"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	submitWait    bool          // --wait: block until the job is terminal
	submitTimeout time.Duration // --timeout: bound for --wait
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var (
	compileCmd = &cobra.Command{
		Use:   "compile <request.json>",
		Short: "Compile a panel request into an engine job graph and print it",
		Long: `Compiles the request, validates the graph and prints both.
Nothing is sent to the engine. Exits non-zero when the graph is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: runCompile,
	}

	submitCmd = &cobra.Command{
		Use:   "submit <request.json>",
		Short: "Compile a panel request and submit it to the running engine",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}

	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Show the engine's running and pending jobs",
		Args:  cobra.NoArgs,
		RunE:  runQueue,
	}

	cancelCmd = &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Remove a pending job or interrupt the running one",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
)

func init() {
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "wait for the job to finish and print its record")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "give up waiting after this long (default: job_timeout)")
	rootCmd.AddCommand(compileCmd, submitCmd, queueCmd, cancelCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

type compileOutput struct {
	Graph      *graph.JobGraph        `json:"graph"`
	Metadata   graph.Metadata         `json:"metadata"`
	Validation graph.ValidationResult `json:"validation"`
}

func runCompile(cmd *cobra.Command, args []string) error {
	req, err := graph.LoadPanelRequest(args[0])
	if err != nil {
		return err
	}
	compiler := newSupervisor().Compiler()
	g, err := compiler.Compile(req)
	if err != nil {
		return err
	}
	result := compiler.Validate(g)
	if err := printJSON(cmd.OutOrStdout(), compileOutput{Graph: g, Metadata: g.Metadata, Validation: result}); err != nil {
		return err
	}
	return result.Err()
}

// runSubmit submits the request. Without --wait it prints the job id and
// returns at once; the engine keeps the job either way.
func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := graph.LoadPanelRequest(args[0])
	if err != nil {
		return err
	}

	sup := newSupervisor()
	orch := sup.Jobs()
	defer orch.Close()

	ctx := cmd.Context()
	if submitWait {
		timeout := submitTimeout
		if timeout <= 0 {
			timeout = cfg.JobTimeout.D()
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		orch.Connect(ctx)
	}

	progress := progressWriter(cmd.ErrOrStderr())
	done := make(chan jobs.ExecutionRecord, 1)
	id, result, err := sup.Generate(ctx, req, func(rec jobs.ExecutionRecord) {
		if rec.Status.IsTerminal() {
			done <- rec
			return
		}
		if submitWait {
			progress(rec)
		}
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !submitWait {
		fmt.Fprintf(out, "%s (estimated %.0fs)\n", id, result.EstimatedSeconds)
		return nil
	}

	select {
	case rec := <-done:
		progress(jobs.ExecutionRecord{})
		if err := printJSON(out, rec); err != nil {
			return err
		}
		if rec.Status != jobs.StatusCompleted {
			return fmt.Errorf("job %s %s: %s", rec.JobID, rec.Status, rec.ErrorMessage)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job %s still running: %w", id, ctx.Err())
	}
}

// progressWriter returns a printer for in-flight updates. It prints only
// when w is a terminal, so piped output stays machine readable.
func progressWriter(w io.Writer) func(jobs.ExecutionRecord) {
	f, ok := w.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return func(jobs.ExecutionRecord) {}
	}
	var mu sync.Mutex
	return func(rec jobs.ExecutionRecord) {
		mu.Lock()
		defer mu.Unlock()
		if rec.JobID == "" {
			fmt.Fprint(f, "\r\033[K")
			return
		}
		line := fmt.Sprintf("%s %s", rec.JobID, rec.Status)
		if rec.Progress.Max > 0 {
			line += fmt.Sprintf(" %d/%d", rec.Progress.Value, rec.Progress.Max)
		}
		if rec.CurrentNode != "" {
			line += " node " + rec.CurrentNode
		}
		fmt.Fprint(f, "\r\033[K"+line)
	}
}

func runQueue(cmd *cobra.Command, args []string) error {
	info, err := newSupervisor().Jobs().Queue(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), info)
}

// runCancel works from the engine queue rather than local records, since
// the job was usually submitted by another process.
func runCancel(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := cmd.Context()
	client := jobs.NewClient(cfg.BaseURL(), nil)

	info, err := client.Queue(ctx)
	if err != nil {
		return fmt.Errorf("read engine queue: %w", err)
	}
	hasID := func(item jobs.QueueItem) bool { return item.PromptID == id }

	switch {
	case slices.ContainsFunc(info.Pending, hasID):
		err = client.DeleteQueued(ctx, id)
	case slices.ContainsFunc(info.Running, hasID):
		err = client.Interrupt(ctx, id)
	default:
		return errors.New("job " + id + " is neither pending nor running")
	}
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
	return nil
}
