// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the connection configuration for the generation
// engine.
//
// A Config is an immutable value: every component receives a copy at
// construction and nothing mutates it afterwards. It is persisted as a flat
// record on disk (JSON or YAML) and validated on load.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Config holds everything needed to launch and talk to the engine.
type Config struct {
	// InstallPath is the engine's installation directory.
	InstallPath string `json:"install_path" yaml:"install_path"`

	// PythonPath overrides the interpreter chosen from InstallPath.
	PythonPath string `json:"python_path,omitempty" yaml:"python_path,omitempty"`

	Host string `json:"host" yaml:"host" validate:"required,hostname|ip"`
	Port int    `json:"port" yaml:"port" validate:"min=1,max=65535"`

	StartupTimeout      Duration `json:"startup_timeout" yaml:"startup_timeout" validate:"gt=0"`
	HealthCheckInterval Duration `json:"health_check_interval" yaml:"health_check_interval" validate:"gt=0"`
	HealthCheckTimeout  Duration `json:"health_check_timeout" yaml:"health_check_timeout" validate:"gt=0"`

	MaxReconnectAttempts int `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts" validate:"gte=0"`
	MaxRetryAttempts     int `json:"max_retry_attempts" yaml:"max_retry_attempts" validate:"gte=0"`

	GracefulShutdownTimeout Duration `json:"graceful_shutdown_timeout" yaml:"graceful_shutdown_timeout" validate:"gt=0"`
	ForceShutdownTimeout    Duration `json:"force_shutdown_timeout" yaml:"force_shutdown_timeout" validate:"gt=0"`

	EnableGPU       bool `json:"enable_gpu" yaml:"enable_gpu"`
	MemoryCeilingMB int  `json:"memory_ceiling_mb" yaml:"memory_ceiling_mb" validate:"gte=0"`

	LogLevel string `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`

	PollInterval Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	JobTimeout   Duration `json:"job_timeout" yaml:"job_timeout" validate:"gt=0"`

	// Naming conventions consumed by the graph compiler.
	DefaultCheckpoint string `json:"default_checkpoint" yaml:"default_checkpoint"`
	OutputPrefix      string `json:"output_prefix" yaml:"output_prefix" validate:"required"`
	SamplerName       string `json:"sampler_name" yaml:"sampler_name" validate:"required"`
	Scheduler         string `json:"scheduler" yaml:"scheduler" validate:"required"`

	// ExtraArgs are appended verbatim to the launch command.
	ExtraArgs []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Host:                    "127.0.0.1",
		Port:                    8188,
		StartupTimeout:          Duration(120 * time.Second),
		HealthCheckInterval:     Duration(5 * time.Second),
		HealthCheckTimeout:      Duration(5 * time.Second),
		MaxReconnectAttempts:    5,
		MaxRetryAttempts:        3,
		GracefulShutdownTimeout: Duration(10 * time.Second),
		ForceShutdownTimeout:    Duration(5 * time.Second),
		EnableGPU:               true,
		LogLevel:                "info",
		PollInterval:            Duration(time.Second),
		JobTimeout:              Duration(10 * time.Minute),
		DefaultCheckpoint:       "sd_xl_base_1.0.safetensors",
		OutputPrefix:            "panelforge",
		SamplerName:             "euler",
		Scheduler:               "normal",
	}
}

// ListenAddress returns host:port.
func (c Config) ListenAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL returns the engine's HTTP base URL without a trailing slash.
func (c Config) BaseURL() string {
	return "http://" + c.ListenAddress()
}

// StreamURL returns the event-stream URL for the given client id.
func (c Config) StreamURL(clientID string) string {
	u := url.URL{
		Scheme:   "ws",
		Host:     c.ListenAddress(),
		Path:     "/ws",
		RawQuery: url.Values{"clientId": []string{clientID}}.Encode(),
	}
	return u.String()
}

// WithPort returns a copy of c listening on port. Used by tests and the CLI
// --port flag; the receiver is left untouched.
func (c Config) WithPort(port int) Config {
	c.Port = port
	c.ExtraArgs = append([]string(nil), c.ExtraArgs...)
	return c
}

// String summarises the connection-relevant fields for logging.
func (c Config) String() string {
	return fmt.Sprintf("engine{addr=%s gpu=%t memory_ceiling_mb=%d startup_timeout=%s}",
		c.ListenAddress(), c.EnableGPU, c.MemoryCeilingMB, c.StartupTimeout)
}
