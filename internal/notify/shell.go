package notify

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"

	"kitops/internal/core"
)

// ShellNotifier runs a command for every event with the event injected into
// the environment next to the run's context variables. The command runs in
// the worktree and inherits the process environment.
type ShellNotifier struct {
	Command string
	Logger  *slog.Logger
}

func (n *ShellNotifier) Name() string {
	return "shell"
}

func (n *ShellNotifier) Notify(ctx context.Context, event core.Event, reason string, ec *core.ExecutionContext) error {
	cmd := shellCommand(ctx, n.Command)
	cmd.Dir = ec.WorktreeDir
	cmd.Env = append(os.Environ(), ec.Environ()...)
	cmd.Env = append(cmd.Env,
		"KITOPS_EVENT="+string(event),
		"KITOPS_REASON="+reason,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe notifier stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start notifier command: %w", err)
	}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		n.Logger.Info(scanner.Text(), "task", ec.TaskID, "notifier", "shell")
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("notifier command: %w", err)
	}
	return nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}
