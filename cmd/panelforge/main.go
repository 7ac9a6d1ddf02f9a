// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command panelforge supervises a local image generation engine and
// submits panel requests to it.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/PanelForge/pkg/logging"
	"github.com/AleutianAI/PanelForge/services/engine"
	"github.com/AleutianAI/PanelForge/services/engine/config"
)

// =============================================================================
// GLOBAL FLAGS AND STATE
// =============================================================================

var (
	configPath string // --config: JSON or YAML engine configuration
	logLevel   string // --log-level: overrides log_level from the config
	logDir     string // --log-dir: enables JSON file logging
	jsonLogs   bool   // --json-logs: JSON console logging

	// Populated by PersistentPreRunE.
	cfg    config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "panelforge",
	Short: "Supervise the image engine and submit comic panels to it",
	Long: `PanelForge launches and watches a local image generation engine,
compiles panel requests into engine job graphs and tracks their execution.

Examples:
  panelforge start --config engine.yaml
  panelforge health
  panelforge compile panel.json
  panelforge submit panel.json --wait`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "engine configuration file (.json, .yaml)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logDir, "log-dir", "", "directory for JSON log files")
	flags.BoolVar(&jsonLogs, "json-logs", false, "write console logs as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}
	level, err := logging.ParseLevel(loaded.LogLevel)
	if err != nil {
		return err
	}

	cfg = loaded
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "panelforge",
		JSON:    jsonLogs,
		Output:  cmd.ErrOrStderr(),
	})
	logger.Debug("configuration loaded",
		"path", configPath,
		"engine", cfg.BaseURL(),
		"install_path", cfg.InstallPath)
	return nil
}

// newSupervisor builds a supervisor from the loaded configuration.
func newSupervisor() *engine.Supervisor {
	return engine.New(cfg, engine.WithLogger(logger.Slog()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
