package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxWorkers caps concurrent task runs regardless of how many tasks are
// configured.
const maxWorkers = 32

// Workspace is a checked-out tree at a resolved commit, owned by the gateway
// until released.
type Workspace struct {
	SHA string
	Dir string
}

// RepoGateway materializes working trees for tasks.
type RepoGateway interface {
	Materialize(ctx context.Context, task *TaskDefinition) (*Workspace, error)
	Release(ws *Workspace) error
}

// StateStore holds the durable per-task state. Only the scheduler calls Save.
type StateStore interface {
	Get(taskID string) (TaskState, bool)
	Put(taskID string, st TaskState)
	Save() error
}

// RunHistory records execution attempts.
type RunHistory interface {
	InsertRun(ctx context.Context, run *Run) error
	MarkRunStarted(ctx context.Context, id, sha string, startedAt time.Time) error
	MarkRunCompleted(ctx context.Context, id string, status RunStatus, endedAt time.Time, exitCode *int, errMsg *string) error
}

// TaskStatus is a point-in-time view of one task for the status API.
type TaskStatus struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	GitURL  string    `json:"git_url"`
	Branch  string    `json:"branch"`
	Running bool      `json:"running"`
	State   TaskState `json:"state"`
}

// Scheduler drives tasks on their intervals with at-most-one run in flight
// per task and a bounded worker pool across tasks.
type Scheduler struct {
	tasks   []*TaskDefinition
	gateway RepoGateway
	runner  *Runner
	state   StateStore
	history RunHistory
	logger  *slog.Logger

	cron    *cron.Cron
	sem     *semaphore.Weighted
	running sync.Map // task ID -> struct{}
	wg      sync.WaitGroup

	ctx context.Context
}

// NewScheduler constructs a scheduler over the given tasks and dependencies.
func NewScheduler(tasks []*TaskDefinition, gateway RepoGateway, runner *Runner, state StateStore, history RunHistory, logger *slog.Logger) *Scheduler {
	workers := int64(len(tasks))
	if workers > maxWorkers {
		workers = maxWorkers
	}
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		tasks:   tasks,
		gateway: gateway,
		runner:  runner,
		state:   state,
		history: history,
		logger:  logger,
		cron:    cron.New(),
		sem:     semaphore.NewWeighted(workers),
	}
}

// Start begins continuous scheduling. Each task gets an immediate first tick,
// then fires on its interval or cron expression. ctx cancellation stops new
// ticks and cancels in-flight runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	for _, task := range s.tasks {
		schedule, err := scheduleFor(task)
		if err != nil {
			return Errorf(ErrConfig, "task %s: %w", task.ID, err)
		}
		task := task
		s.cron.Schedule(schedule, cron.FuncJob(func() {
			s.tick(task)
		}))
		go s.tick(task)
	}
	s.cron.Start()
	return nil
}

// Stop halts the firing loop, waits for in-flight runs to drain (they are
// canceled through the context given to Start) and flushes state.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	if err := s.state.Save(); err != nil {
		s.logger.Error("flush state", "err", err)
	}
}

// PollOnce examines every task, executes those that are due, and reports how
// many of the executed tasks failed.
func (s *Scheduler) PollOnce(ctx context.Context) (failed int, err error) {
	workers := len(s.tasks)
	if workers > maxWorkers {
		workers = maxWorkers
	}
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	var mu sync.Mutex
	for _, task := range s.tasks {
		task := task
		st, _ := s.state.Get(task.ID)
		if !due(st, time.Now()) {
			s.logger.Info("task not due", "task", task.ID)
			continue
		}
		g.Go(func() error {
			status := s.executeTask(ctx, task)
			if status == RunStatusFailed || status == RunStatusTimedOut {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := s.state.Save(); err != nil {
		return failed, Errorf(ErrIO, "save state: %w", err)
	}
	return failed, nil
}

// Snapshot reports the live view of all tasks.
func (s *Scheduler) Snapshot() []TaskStatus {
	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		st, _ := s.state.Get(task.ID)
		_, running := s.running.Load(task.ID)
		statuses = append(statuses, TaskStatus{
			ID:      task.ID,
			Name:    task.Name,
			GitURL:  task.GitURL,
			Branch:  task.Branch,
			Running: running,
			State:   st,
		})
	}
	return statuses
}

// tick gates one firing of a task and dispatches it to the pool.
func (s *Scheduler) tick(task *TaskDefinition) {
	if s.ctx.Err() != nil {
		return
	}
	st, _ := s.state.Get(task.ID)
	if !due(st, time.Now()) {
		s.logger.Debug("tick before next_run_not_before, skipping", "task", task.ID)
		return
	}
	if _, loaded := s.running.LoadOrStore(task.ID, struct{}{}); loaded {
		s.logger.Info("previous run still in progress, skipping tick", "task", task.ID)
		s.recordSkip(task, "previous run still in progress")
		return
	}
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.running.Delete(task.ID)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer s.running.Delete(task.ID)
		s.executeTask(s.ctx, task)
	}()
}

// executeTask performs one fetch-and-compare cycle and, when the head moved,
// runs the action chain. State is persisted to disk only after success.
func (s *Scheduler) executeTask(ctx context.Context, task *TaskDefinition) RunStatus {
	// PollOnce dispatches without passing through tick.
	s.running.LoadOrStore(task.ID, struct{}{})
	defer s.running.Delete(task.ID)

	now := time.Now().UTC()
	st, _ := s.state.Get(task.ID)
	run := &Run{
		ID:          NewRunID(),
		TaskID:      task.ID,
		Status:      RunStatusQueued,
		ScheduledAt: now,
	}
	if err := s.history.InsertRun(ctx, run); err != nil {
		s.logger.Warn("record run", "task", task.ID, "err", err)
	}

	runCtx, cancel := context.WithDeadline(ctx, now.Add(task.Timeout))
	defer cancel()

	ws, err := s.gateway.Materialize(runCtx, task)
	if err != nil {
		s.logger.Error("fetch failed", "task", task.ID, "kind", string(KindOf(err)), "err", err)
		s.completeAttempt(task, st, now)
		s.finishRun(run, RunStatusFailed, nil, err.Error())
		return RunStatusFailed
	}

	if ws.SHA == st.LastSuccessfulCommit {
		s.logger.Debug("head unchanged", "task", task.ID, "sha", ws.SHA)
		s.releaseWorkspace(task, ws)
		st.LastAttemptAt = &now
		st.Fingerprint = task.Fingerprint()
		s.state.Put(task.ID, st)
		s.finishRun(run, RunStatusSkipped, nil, "")
		return RunStatusSkipped
	}

	if st.LastSuccessfulCommit == "" {
		s.logger.Info("new repo head", "task", task.ID, "sha", ws.SHA)
	} else {
		s.logger.Info("repo advanced", "task", task.ID, "from", st.LastSuccessfulCommit, "to", ws.SHA)
	}

	run.SHA = ws.SHA
	startedAt := time.Now().UTC()
	if err := s.history.MarkRunStarted(ctx, run.ID, ws.SHA, startedAt); err != nil {
		s.logger.Warn("record run start", "task", task.ID, "err", err)
	}

	ec := NewExecutionContext(task, ws.SHA, st.LastSuccessfulCommit, ws.Dir)
	outcome := s.runner.Run(runCtx, task, ec)
	s.releaseWorkspace(task, ws)

	duration := time.Since(startedAt)
	switch {
	case outcome.Success():
		st.LastSuccessfulCommit = ws.SHA
		st.LastAttemptAt = &now
		st.NextRunNotBefore = nil
		st.Fingerprint = task.Fingerprint()
		s.state.Put(task.ID, st)
		if err := s.state.Save(); err != nil {
			// Retried after the next successful run; the commit is
			// re-executed at worst.
			s.logger.Error("save state", "task", task.ID, "err", err)
		}
		s.logger.Info("task succeeded", "task", task.ID, "sha", ws.SHA, "duration", duration)
	case outcome.Status == RunStatusCanceled:
		// Shutdown is not a failure; the sha stays unprocessed so the
		// next start picks it up.
		st.LastAttemptAt = &now
		st.Fingerprint = task.Fingerprint()
		s.state.Put(task.ID, st)
		s.logger.Info("task canceled", "task", task.ID, "sha", ws.SHA, "duration", duration)
	default:
		s.completeAttempt(task, st, now)
		s.logger.Error("task failed",
			"task", task.ID,
			"sha", ws.SHA,
			"action", outcome.FailedAction,
			"reason", outcome.Reason,
			"duration", duration,
		)
	}
	s.finishRun(run, outcome.Status, outcome.ExitCode, outcome.Reason)
	return outcome.Status
}

// completeAttempt records a failed attempt, deferring the retry by one
// interval. The last successful commit is untouched so the next eligible tick
// re-attempts against the same or a newer head.
func (s *Scheduler) completeAttempt(task *TaskDefinition, st TaskState, now time.Time) {
	notBefore := now.Add(task.Interval)
	st.LastAttemptAt = &now
	st.NextRunNotBefore = &notBefore
	st.Fingerprint = task.Fingerprint()
	s.state.Put(task.ID, st)
}

func (s *Scheduler) releaseWorkspace(task *TaskDefinition, ws *Workspace) {
	if err := s.gateway.Release(ws); err != nil {
		s.logger.Warn("release worktree", "task", task.ID, "dir", ws.Dir, "err", err)
	}
}

func (s *Scheduler) recordSkip(task *TaskDefinition, reason string) {
	run := &Run{
		ID:          NewRunID(),
		TaskID:      task.ID,
		Status:      RunStatusSkipped,
		ScheduledAt: time.Now().UTC(),
		Error:       &reason,
	}
	if err := s.history.InsertRun(context.Background(), run); err != nil {
		s.logger.Warn("record skipped run", "task", task.ID, "err", err)
	}
}

func (s *Scheduler) finishRun(run *Run, status RunStatus, exitCode *int, reason string) {
	var errMsg *string
	if reason != "" {
		errMsg = &reason
	}
	ctx := context.Background()
	if err := s.history.MarkRunCompleted(ctx, run.ID, status, time.Now().UTC(), exitCode, errMsg); err != nil {
		s.logger.Warn("record run completion", "task", run.TaskID, "err", err)
	}
}

// due applies the next_run_not_before gate.
func due(st TaskState, now time.Time) bool {
	return st.NextRunNotBefore == nil || !now.Before(*st.NextRunNotBefore)
}
