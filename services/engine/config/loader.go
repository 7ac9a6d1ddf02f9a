// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvHost        = "PANELFORGE_HOST"
	EnvPort        = "PANELFORGE_PORT"
	EnvInstallPath = "PANELFORGE_INSTALL_PATH"
	EnvLogLevel    = "PANELFORGE_LOG_LEVEL"
)

// ErrUnsupportedFormat is returned for file extensions other than .json,
// .yaml and .yml.
var ErrUnsupportedFormat = errors.New("unsupported config format")

type format int

const (
	formatJSON format = iota
	formatYAML
)

func formatFor(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Load reads the configuration at path.
//
// # Description
//
// The file is decoded on top of Default(), so keys that are absent keep their
// defaults. Environment overrides are applied next, then the result is
// validated. An empty path skips the file and loads defaults plus
// environment.
//
// # Inputs
//
//   - path: .json, .yaml or .yml file. Empty means "no file".
//
// # Outputs
//
//   - Config: the loaded value. Zero value on error.
//   - error: read, decode, override or validation failure.
//
// # Examples
//
//	cfg, err := config.Load("~/.panelforge/engine.yaml")
//	if errors.Is(err, config.ErrInvalidConfig) { ... }
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		path = expandHome(path)
		f, err := formatFor(path)
		if err != nil {
			return Config{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension. The
// parent directory is created if missing.
func Save(path string, cfg Config) error {
	path = expandHome(path)
	f, err := formatFor(path)
	if err != nil {
		return err
	}

	var data []byte
	switch f {
	case formatYAML:
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func decode(data []byte, f format, cfg *Config) error {
	if f == formatYAML {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// applyEnv overlays environment overrides. lookup is os.LookupEnv outside
// tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHost); ok && v != "" {
		cfg.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, EnvPort, v)
		}
		cfg.Port = port
	}
	if v, ok := lookup(EnvInstallPath); ok && v != "" {
		cfg.InstallPath = expandHome(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
