package notify

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitops/internal/core"
)

func testExecutionContext(t *testing.T) *core.ExecutionContext {
	t.Helper()
	task := &core.TaskDefinition{
		ID:       "deploy-prod",
		Name:     "deploy-prod",
		GitURL:   "https://example.com/org/repo.git",
		Branch:   "main",
		Interval: time.Minute,
		Timeout:  time.Hour,
	}
	return core.NewExecutionContext(task, "bbbb", "aaaa", t.TempDir())
}

func TestLogNotifierWritesEvents(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	ec := testExecutionContext(t)

	require.NoError(t, n.Notify(context.Background(), core.EventStarted, "", ec))
	require.NoError(t, n.Notify(context.Background(), core.EventFailed, "exit 1", ec))

	out := buf.String()
	assert.Contains(t, out, "task run started")
	assert.Contains(t, out, "task run failed")
	assert.Contains(t, out, "task=deploy-prod")
	assert.Contains(t, out, "sha=bbbb")
	assert.Contains(t, out, "reason=\"exit 1\"")
}

func TestShellNotifierInjectsEventEnv(t *testing.T) {
	ec := testExecutionContext(t)
	out := filepath.Join(ec.WorktreeDir, "event.txt")
	n := &ShellNotifier{
		Command: "printf '%s %s %s' \"$KITOPS_EVENT\" \"$KITOPS_REASON\" \"$KITOPS_SHA\" > " + out,
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	require.NoError(t, n.Notify(context.Background(), core.EventFailed, "timeout", ec))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "failed timeout bbbb", string(data))
}

func TestShellNotifierReportsFailure(t *testing.T) {
	ec := testExecutionContext(t)
	n := &ShellNotifier{Command: "exit 7", Logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
	err := n.Notify(context.Background(), core.EventSucceeded, "", ec)
	require.Error(t, err)
}
