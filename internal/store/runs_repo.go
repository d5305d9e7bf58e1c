package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kitops/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

var _ core.RunHistory = (*Store)(nil)

// InsertRun records a new attempt.
func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, sha, status, scheduled_at, started_at, ended_at, exit_code, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, nullableString(strPtrOrNil(run.SHA)), run.Status,
		run.ScheduledAt.UTC().Format(time.RFC3339Nano),
		nullableTime(run.StartedAt), nullableTime(run.EndedAt),
		nullableInt(run.ExitCode), nullableString(run.Error),
		run.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// MarkRunStarted transitions a queued run to running against a resolved
// commit.
func (s *Store) MarkRunStarted(ctx context.Context, id, sha string, startedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, sha = ?, started_at = ?
		WHERE id = ?
	`, core.RunStatusRunning, sha, startedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	return requireRow(res)
}

// MarkRunCompleted records the final status of a run.
func (s *Store) MarkRunCompleted(ctx context.Context, id string, status core.RunStatus, endedAt time.Time, exitCode *int, errMsg *string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, exit_code = ?, error = ?
		WHERE id = ?
	`, status, endedAt.UTC().Format(time.RFC3339Nano), nullableInt(exitCode), nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	return requireRow(res)
}

// ListRuns returns the most recent runs for a task, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, sha, status, scheduled_at, started_at, ended_at, exit_code, error, created_at
		FROM runs
		WHERE task_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// PruneOldRuns deletes history beyond keep entries per task.
func (s *Store) PruneOldRuns(ctx context.Context, taskID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM runs
		WHERE task_id = ? AND id IN (
			SELECT id FROM runs
			WHERE task_id = ?
			ORDER BY created_at DESC
			LIMIT -1 OFFSET ?
		)
	`, taskID, taskID, keep)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.Run, error) {
	var (
		id          string
		taskID      string
		sha         sql.NullString
		status      string
		scheduledAt string
		startedAt   sql.NullString
		endedAt     sql.NullString
		exitCode    sql.NullInt64
		errMsg      sql.NullString
		createdAt   string
	)
	if err := scanner.Scan(&id, &taskID, &sha, &status, &scheduledAt, &startedAt, &endedAt, &exitCode, &errMsg, &createdAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run := &core.Run{
		ID:          id,
		TaskID:      taskID,
		SHA:         sha.String,
		Status:      core.RunStatus(status),
		ScheduledAt: mustParseTime(scheduledAt),
		CreatedAt:   mustParseTime(createdAt),
	}
	if startedAt.Valid {
		t := mustParseTime(startedAt.String)
		run.StartedAt = &t
	}
	if endedAt.Valid {
		t := mustParseTime(endedAt.String)
		run.EndedAt = &t
	}
	if exitCode.Valid {
		val := int(exitCode.Int64)
		run.ExitCode = &val
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		panic(fmt.Sprintf("invalid stored time %q: %v", value, err))
	}
	return t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
