// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"github.com/MatthiasGr/portal/pkg/route"
)

// CommandTrigger starts backends by spawning their configured command as a
// local child process. At most one live child exists per backend; a start
// request while the previous child is still alive is a no-op, since the
// health probe decides readiness either way.
type CommandTrigger struct {
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*childProc
}

type childProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (c *childProc) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// NewCommandTrigger creates a CommandTrigger. A nil logger selects
// slog.Default().
func NewCommandTrigger(logger *slog.Logger) *CommandTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandTrigger{
		logger: logger,
		procs:  make(map[string]*childProc),
	}
}

var _ Trigger = (*CommandTrigger)(nil)

// Start spawns the backend's start command unless a previous child is
// still running.
func (t *CommandTrigger) Start(ctx context.Context, b *route.Backend) error {
	if len(b.StartCommand) == 0 {
		return fmt.Errorf("backend %s has no start command", b.Hostname)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if proc, ok := t.procs[b.Hostname]; ok && proc.alive() {
		t.logger.Debug("previous child process still running",
			slog.String("backend", b.Hostname))
		return nil
	}

	cmd := exec.Command(b.StartCommand[0], b.StartCommand[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %q: %w", b.StartCommand[0], err)
	}

	proc := &childProc{cmd: cmd, done: make(chan struct{})}
	t.procs[b.Hostname] = proc

	t.logger.Debug("child process created",
		slog.String("backend", b.Hostname),
		slog.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		close(proc.done)
		if err != nil {
			t.logger.Debug("child process exited",
				slog.String("backend", b.Hostname),
				slog.String("error", err.Error()))
			return
		}
		t.logger.Debug("child process finished", slog.String("backend", b.Hostname))
	}()

	return nil
}

// Stop runs the backend's stop command when one is configured, otherwise
// signals the live child with SIGTERM. Best-effort in both cases.
func (t *CommandTrigger) Stop(ctx context.Context, b *route.Backend) error {
	if len(b.StopCommand) > 0 {
		cmd := exec.CommandContext(ctx, b.StopCommand[0], b.StopCommand[1:]...)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("stop command %q: %w", b.StopCommand[0], err)
		}
		return nil
	}

	t.mu.Lock()
	proc, ok := t.procs[b.Hostname]
	t.mu.Unlock()
	if !ok || !proc.alive() {
		return nil
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal child: %w", err)
	}
	return nil
}
