package core

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTask(actions ...Action) *TaskDefinition {
	return &TaskDefinition{
		ID:       "testo",
		Name:     "testo",
		GitURL:   "https://example.com/org/repo.git",
		Branch:   "main",
		Interval: time.Minute,
		Timeout:  time.Hour,
		Actions:  actions,
	}
}

func testContext(t *testing.T, task *TaskDefinition) *ExecutionContext {
	t.Helper()
	return NewExecutionContext(task, "2222222222222222222222222222222222222222", "1111111111111111111111111111111111111111", t.TempDir())
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(ctx context.Context, event Event, reason string, ec *ExecutionContext) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) seen() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

func TestRunnerExecutesChainInOrder(t *testing.T) {
	task := testTask(
		Action{Command: "echo one >> order.txt"},
		Action{Command: "echo two >> order.txt"},
	)
	ec := testContext(t, task)

	outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)

	require.True(t, outcome.Success())
	assert.Equal(t, -1, outcome.FailedAction)
	data, err := os.ReadFile(filepath.Join(ec.WorktreeDir, "order.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestRunnerSeedsEnvironment(t *testing.T) {
	task := testTask(Action{Command: "printf '%s %s %s' \"$KITOPS_SHA\" \"$KITOPS_BRANCH\" \"$KITOPS_LAST_SUCCESSFUL_SHA\" > env.txt"})
	ec := testContext(t, task)

	outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)

	require.True(t, outcome.Success())
	data, err := os.ReadFile(filepath.Join(ec.WorktreeDir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t,
		"2222222222222222222222222222222222222222 main 1111111111111111111111111111111111111111",
		string(data))
}

func TestRunnerPropagatesExportedVariables(t *testing.T) {
	task := testTask(
		Action{Command: "echo 'KITOPS_SET DEPLOY_TAG=v1.2.3'"},
		Action{Command: "printf '%s' \"$DEPLOY_TAG\" > tag.txt"},
	)
	ec := testContext(t, task)

	outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)

	require.True(t, outcome.Success())
	data, err := os.ReadFile(filepath.Join(ec.WorktreeDir, "tag.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", string(data))
	val, ok := ec.Env("DEPLOY_TAG")
	require.True(t, ok)
	assert.Equal(t, "v1.2.3", val)
}

func TestRunnerIgnoresMalformedExports(t *testing.T) {
	task := testTask(
		Action{Command: "echo 'KITOPS_SET lower=case'; echo 'KITOPS_SET OK=yes'"},
	)
	ec := testContext(t, task)

	outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)

	require.True(t, outcome.Success())
	_, ok := ec.Env("lower")
	assert.False(t, ok)
	val, ok := ec.Env("OK")
	require.True(t, ok)
	assert.Equal(t, "yes", val)
}

func TestRunnerFailureStopsChain(t *testing.T) {
	task := testTask(
		Action{Command: "exit 3"},
		Action{Command: "touch should-not-exist"},
	)
	ec := testContext(t, task)
	notifier := &recordingNotifier{}
	task.Notifiers = []Notifier{notifier}

	outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)

	assert.Equal(t, RunStatusFailed, outcome.Status)
	assert.Equal(t, 0, outcome.FailedAction)
	require.NotNil(t, outcome.ExitCode)
	assert.Equal(t, 3, *outcome.ExitCode)
	assert.NoFileExists(t, filepath.Join(ec.WorktreeDir, "should-not-exist"))
	assert.Equal(t, []Event{EventStarted, EventFailed}, notifier.seen())
}

func TestRunnerCompositeDeadlineCancelsChain(t *testing.T) {
	task := testTask(
		Action{Command: "sleep 10"},
		Action{Command: "touch did-run"},
	)
	task.Timeout = time.Second
	ec := testContext(t, task)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(task.Timeout))
	defer cancel()

	start := time.Now()
	outcome := NewRunner(testLogger()).Run(ctx, task, ec)
	elapsed := time.Since(start)

	assert.Equal(t, RunStatusTimedOut, outcome.Status)
	assert.Equal(t, "timeout", outcome.Reason)
	assert.Equal(t, 0, outcome.FailedAction)
	assert.NoFileExists(t, filepath.Join(ec.WorktreeDir, "did-run"))
	// timeout plus termination grace, with headroom for slow CI
	assert.Less(t, elapsed, task.Timeout+killGrace+2*time.Second)
}

func TestRunnerPerActionTimeout(t *testing.T) {
	task := testTask(
		Action{Command: "sleep 10", Timeout: 300 * time.Millisecond},
	)
	ec := testContext(t, task)

	outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)

	assert.Equal(t, RunStatusTimedOut, outcome.Status)
	assert.Equal(t, "timeout", outcome.Reason)
}

func TestRunnerShutdownCancelsPromptly(t *testing.T) {
	task := testTask(
		Action{Command: "sleep 10"},
		Action{Command: "touch did-run"},
	)
	ec := testContext(t, task)
	notifier := &recordingNotifier{}
	task.Notifiers = []Notifier{notifier}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	outcome := NewRunner(testLogger()).Run(ctx, task, ec)

	assert.Equal(t, RunStatusCanceled, outcome.Status)
	assert.NoFileExists(t, filepath.Join(ec.WorktreeDir, "did-run"))
	assert.Equal(t, []Event{EventStarted, EventCanceled}, notifier.seen())
}

func TestRunnerWorkingSubdir(t *testing.T) {
	task := testTask(Action{Command: "pwd > here.txt", WorkingSubdir: "sub"})
	ec := testContext(t, task)
	require.NoError(t, os.MkdirAll(filepath.Join(ec.WorktreeDir, "sub"), 0o755))

	outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)

	require.True(t, outcome.Success())
	assert.FileExists(t, filepath.Join(ec.WorktreeDir, "sub", "here.txt"))
}

func TestRunnerRejectsEscapingWorkdir(t *testing.T) {
	for _, subdir := range []string{"..", "../sibling", "a/../../b"} {
		task := testTask(Action{Command: "true", WorkingSubdir: subdir})
		ec := testContext(t, task)

		outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)

		assert.Equal(t, RunStatusFailed, outcome.Status, "subdir %q", subdir)
	}
}

func TestRunnerEnvIsolation(t *testing.T) {
	t.Setenv("KITOPS_TEST_AMBIENT", "leaky")

	task := testTask(Action{Command: "printf '%s' \"$KITOPS_TEST_AMBIENT\" > out.txt"})
	ec := testContext(t, task)
	outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)
	require.True(t, outcome.Success())
	data, err := os.ReadFile(filepath.Join(ec.WorktreeDir, "out.txt"))
	require.NoError(t, err)
	assert.Empty(t, string(data))

	task = testTask(Action{Command: "printf '%s' \"$KITOPS_TEST_AMBIENT\" > out.txt", InheritEnv: true})
	ec = testContext(t, task)
	outcome = NewRunner(testLogger()).Run(context.Background(), task, ec)
	require.True(t, outcome.Success())
	data, err = os.ReadFile(filepath.Join(ec.WorktreeDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "leaky", string(data))
}

func TestRunnerNotifierErrorDoesNotFailTask(t *testing.T) {
	task := testTask(Action{Command: "true"})
	ec := testContext(t, task)
	task.Notifiers = []Notifier{&recordingNotifier{err: assert.AnError}}

	outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)

	assert.True(t, outcome.Success())
}

func TestRunnerStaticActionEnv(t *testing.T) {
	task := testTask(Action{
		Command: "printf '%s' \"$GREETING\" > out.txt",
		Env:     map[string]string{"GREETING": "hello"},
	})
	ec := testContext(t, task)

	outcome := NewRunner(testLogger()).Run(context.Background(), task, ec)

	require.True(t, outcome.Success())
	data, err := os.ReadFile(filepath.Join(ec.WorktreeDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}
