// Package notify implements the side-channel observers invoked on task
// lifecycle events. The variant set is closed: log, github-status and shell.
// Notifier failures are reported to the runner, which logs and moves on.
package notify

import (
	"context"
	"log/slog"

	"kitops/internal/core"
)

var (
	_ core.Notifier = (*LogNotifier)(nil)
	_ core.Notifier = (*StatusNotifier)(nil)
	_ core.Notifier = (*ShellNotifier)(nil)
)

// LogNotifier writes one structured line per event.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Name() string {
	return "log"
}

func (n *LogNotifier) Notify(ctx context.Context, event core.Event, reason string, ec *core.ExecutionContext) error {
	attrs := []any{"task", ec.TaskID, "sha", ec.SHA, "branch", ec.Branch}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	switch event {
	case core.EventStarted:
		n.Logger.Info("task run started", attrs...)
	case core.EventSucceeded:
		n.Logger.Info("task run succeeded", attrs...)
	case core.EventCanceled:
		n.Logger.Warn("task run canceled", attrs...)
	default:
		n.Logger.Error("task run failed", attrs...)
	}
	return nil
}
