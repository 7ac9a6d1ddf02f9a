// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !windows

package lifecycle

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessGroup(p *os.Process) error {
	return signalProcessGroup(p, unix.SIGTERM)
}

func killProcessGroup(p *os.Process) error {
	return signalProcessGroup(p, unix.SIGKILL)
}

// signalProcessGroup signals the whole group so python workers spawned by
// the engine go down with it.
func signalProcessGroup(p *os.Process, sig unix.Signal) error {
	if p == nil || p.Pid <= 0 {
		return nil
	}
	if pgid, err := unix.Getpgid(p.Pid); err == nil && pgid > 0 {
		return unix.Kill(-pgid, sig)
	}
	return p.Signal(sig)
}
