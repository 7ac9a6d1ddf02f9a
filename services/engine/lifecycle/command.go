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
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/PanelForge/services/engine/config"
)

// ErrNoInstallPath is returned when the configuration has no install path.
var ErrNoInstallPath = errors.New("install_path is not configured")

// BuildCommand derives the launch command for the target OS.
//
// # Description
//
// Windows installs ship an embedded interpreter next to the engine
// checkout:
//
//	<install>\python_embeded\python.exe <install>\ComfyUI\main.py
//
// Everywhere else a virtualenv lives inside the checkout:
//
//	<install>/venv/bin/python <install>/main.py
//
// Flags: --listen host --port N, --cpu when the GPU is disabled, --lowvram
// when a memory ceiling is set, then ExtraArgs verbatim. PythonPath, when
// set, replaces the derived interpreter.
//
// # Inputs
//
//   - cfg: connection config. InstallPath must be set.
//   - goos: target OS as in runtime.GOOS.
func BuildCommand(cfg config.Config, goos string) (LaunchCommand, error) {
	if strings.TrimSpace(cfg.InstallPath) == "" {
		return LaunchCommand{}, ErrNoInstallPath
	}

	var python, script, dir string
	if goos == "windows" {
		python = windowsJoin(cfg.InstallPath, "python_embeded", "python.exe")
		dir = windowsJoin(cfg.InstallPath, "ComfyUI")
		script = windowsJoin(dir, "main.py")
	} else {
		python = path.Join(cfg.InstallPath, "venv", "bin", "python")
		dir = path.Clean(cfg.InstallPath)
		script = path.Join(dir, "main.py")
	}
	if cfg.PythonPath != "" {
		python = cfg.PythonPath
	}

	args := []string{script, "--listen", cfg.Host, "--port", strconv.Itoa(cfg.Port)}
	if !cfg.EnableGPU {
		args = append(args, "--cpu")
	}
	if cfg.MemoryCeilingMB > 0 {
		args = append(args, "--lowvram")
	}
	args = append(args, cfg.ExtraArgs...)

	return LaunchCommand{Path: python, Args: args, Dir: dir}, nil
}

func windowsJoin(elems ...string) string {
	parts := make([]string, 0, len(elems))
	for i, e := range elems {
		e = strings.ReplaceAll(e, "/", `\`)
		if i > 0 {
			e = strings.TrimLeft(e, `\`)
		}
		if i < len(elems)-1 {
			e = strings.TrimRight(e, `\`)
		}
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, `\`)
}

// portProbeTimeout bounds the liveness dial in PortInUse.
const portProbeTimeout = 500 * time.Millisecond

// PortInUse reports whether something already accepts connections on
// host:port.
func PortInUse(ctx context.Context, host string, port int) bool {
	dialer := net.Dialer{Timeout: portProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func portInUseError(port int) error {
	return fmt.Errorf("%w: port %d already in use", ErrPortInUse, port)
}
