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
	"io"
	"os/exec"
	"strings"
	"sync"
)

// LaunchCommand is everything needed to spawn the engine.
type LaunchCommand struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	// Output receives the child's stdout and stderr. Nil discards them.
	Output io.Writer
}

// String renders the command line for logs.
func (c LaunchCommand) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Process is a handle on a spawned engine.
type Process interface {
	// Pid returns the OS process id.
	Pid() int

	// Terminate asks the process (group) to exit gracefully.
	Terminate() error

	// Kill force-kills the process (group).
	Kill() error

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// ExitErr returns the wait error. Only meaningful after Done is closed.
	ExitErr() error
}

// ProcessRunner spawns engine processes.
//
// This interface enables testing the lifecycle manager without launching
// a real interpreter.
type ProcessRunner interface {
	// Start spawns cmd and returns immediately. The process is not tied to
	// ctx: cancelling ctx after Start returns does not kill it.
	Start(ctx context.Context, cmd LaunchCommand) (Process, error)
}

// -----------------------------------------------------------------------------
// Production Implementation
// -----------------------------------------------------------------------------

// DefaultProcessRunner spawns processes with os/exec in their own process
// group, so terminate and kill reach every worker the engine forks.
type DefaultProcessRunner struct{}

// NewDefaultProcessRunner creates a production runner.
func NewDefaultProcessRunner() *DefaultProcessRunner {
	return &DefaultProcessRunner{}
}

// Start implements ProcessRunner.
func (r *DefaultProcessRunner) Start(ctx context.Context, lc LaunchCommand) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(lc.Path, lc.Args...)
	cmd.Dir = lc.Dir
	if len(lc.Env) > 0 {
		cmd.Env = lc.Env
	}
	if lc.Output != nil {
		cmd.Stdout = lc.Output
		cmd.Stderr = lc.Output
	}
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn engine: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

func (p *execProcess) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	if p.exited() {
		return nil
	}
	return terminateProcessGroup(p.cmd.Process)
}

func (p *execProcess) Kill() error {
	if p.exited() {
		return nil
	}
	return killProcessGroup(p.cmd.Process)
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *execProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessRunner is a test double for ProcessRunner.
//
// If StartFunc is nil, Start returns a fresh MockProcess with pid 4242.
//
// # Examples
//
//	runner := &MockProcessRunner{
//	    StartFunc: func(ctx context.Context, cmd LaunchCommand) (Process, error) {
//	        return nil, errors.New("exec: python: executable file not found")
//	    },
//	}
type MockProcessRunner struct {
	StartFunc func(ctx context.Context, cmd LaunchCommand) (Process, error)

	// Calls records every launch command for verification.
	Calls []LaunchCommand

	// Processes records every process handed out by the default StartFunc.
	Processes []*MockProcess

	mu sync.Mutex
}

// Start records the call and delegates to StartFunc.
func (m *MockProcessRunner) Start(ctx context.Context, cmd LaunchCommand) (Process, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, cmd)
	fn := m.StartFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, cmd)
	}

	p := NewMockProcess(4242)
	m.mu.Lock()
	m.Processes = append(m.Processes, p)
	m.mu.Unlock()
	return p, nil
}

// GetCalls returns a copy of the recorded launch commands.
func (m *MockProcessRunner) GetCalls() []LaunchCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]LaunchCommand, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// MockProcess is a controllable Process.
type MockProcess struct {
	PID int

	// IgnoreTerminate makes Terminate a no-op so tests can exercise the
	// force-kill path.
	IgnoreTerminate bool

	mu         sync.Mutex
	done       chan struct{}
	exitErr    error
	terminated int
	killed     int
}

// NewMockProcess creates a running mock process.
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{PID: pid, done: make(chan struct{})}
}

// ErrMockKilled is the exit error recorded by MockProcess.Kill.
var ErrMockKilled = errors.New("signal: killed")

func (p *MockProcess) Pid() int { return p.PID }

func (p *MockProcess) Terminate() error {
	p.mu.Lock()
	p.terminated++
	ignore := p.IgnoreTerminate
	p.mu.Unlock()
	if !ignore {
		p.Exit(nil)
	}
	return nil
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.Exit(ErrMockKilled)
	return nil
}

func (p *MockProcess) Done() <-chan struct{} { return p.done }

func (p *MockProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exit simulates the process exiting with err. Later calls are no-ops.
func (p *MockProcess) Exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.exitErr = err
	close(p.done)
}

// TerminateCount returns how many times Terminate was called.
func (p *MockProcess) TerminateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// KillCount returns how many times Kill was called.
func (p *MockProcess) KillCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Compile-time interface compliance check.
var (
	_ ProcessRunner = (*DefaultProcessRunner)(nil)
	_ ProcessRunner = (*MockProcessRunner)(nil)
	_ Process       = (*execProcess)(nil)
	_ Process       = (*MockProcess)(nil)
)
