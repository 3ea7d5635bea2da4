package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/swarmguard/agentd/internal/core"
)

func (s *SQLiteStore) SaveTask(ctx context.Context, t *Task) error {
	_, err := withRetry(ctx, "store.save_task", func() (struct{}, error) {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, prompt, priority, status, working_directory, use_worktree, worktree_path,
				timeout_ms, max_output_buffer, created_at, started_at,
				completed_at, worker_id, exit_code, session_id, truncated
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				prompt = excluded.prompt,
				priority = excluded.priority,
				status = excluded.status,
				working_directory = excluded.working_directory,
				use_worktree = excluded.use_worktree,
				worktree_path = excluded.worktree_path,
				timeout_ms = excluded.timeout_ms,
				max_output_buffer = excluded.max_output_buffer,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at,
				worker_id = excluded.worker_id,
				exit_code = excluded.exit_code,
				session_id = excluded.session_id,
				truncated = excluded.truncated
		`,
			t.ID, t.Prompt, string(t.Priority), string(t.Status), t.WorkingDirectory, t.UseWorktree, nullableString(t.WorktreePath),
			nullableInt64(t.TimeoutMS), nullableInt64(t.MaxOutputBuffer), epochMS(t.CreatedAt), nullableEpochMS(t.StartedAt),
			nullableEpochMS(t.CompletedAt), nullableString(t.WorkerID), nullableInt(t.ExitCode), nullableString(t.SessionID), t.Truncated,
		)
		return struct{}{}, execErr
	})
	if err != nil {
		return err
	}
	return nil
}

func scanTask(row interface {
	Scan(dest ...any) error
}) (*Task, error) {
	var t Task
	var priority, status string
	var timeoutMS, maxOutputBuffer, startedAt, completedAt, createdAt sql.NullInt64
	var workerID, sessionID, worktreePath sql.NullString
	var exitCode sql.NullInt64

	if err := row.Scan(
		&t.ID, &t.Prompt, &priority, &status, &t.WorkingDirectory, &t.UseWorktree, &worktreePath,
		&timeoutMS, &maxOutputBuffer, &createdAt, &startedAt,
		&completedAt, &workerID, &exitCode, &sessionID, &t.Truncated,
	); err != nil {
		return nil, err
	}
	if worktreePath.Valid {
		v := worktreePath.String
		t.WorktreePath = &v
	}

	t.Priority = Priority(priority)
	t.Status = Status(status)
	t.CreatedAt = fromEpochMS(createdAt.Int64)
	if timeoutMS.Valid {
		v := timeoutMS.Int64
		t.TimeoutMS = &v
	}
	if maxOutputBuffer.Valid {
		v := maxOutputBuffer.Int64
		t.MaxOutputBuffer = &v
	}
	if startedAt.Valid {
		v := fromEpochMS(startedAt.Int64)
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := fromEpochMS(completedAt.Int64)
		t.CompletedAt = &v
	}
	if workerID.Valid {
		v := workerID.String
		t.WorkerID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	if sessionID.Valid {
		v := sessionID.String
		t.SessionID = &v
	}
	return &t, nil
}

const taskColumns = `id, prompt, priority, status, working_directory, use_worktree, worktree_path,
	timeout_ms, max_output_buffer, created_at, started_at,
	completed_at, worker_id, exit_code, session_id, truncated`

// FindTaskByID and the other read paths below query directly rather than
// through withRetry: a miss surfaces NOT_FOUND immediately instead of
// burning the write-path's backoff budget on a condition retries can't fix.
func (s *SQLiteStore) FindTaskByID(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("task %s not found", id)
	}
	if err != nil {
		return nil, core.StoreError(err, "find task %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) FindTasksByStatus(ctx context.Context, st Status) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC`, string(st))
	if err != nil {
		return nil, core.StoreError(err, "find tasks by status %s", st)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, core.StoreError(err, "scan task")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, core.StoreError(err, "iterate tasks by status %s", st)
	}
	return out, nil
}

func (s *SQLiteStore) FindAllTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, core.StoreError(err, "find all tasks")
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, core.StoreError(err, "scan task")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, core.StoreError(err, "iterate all tasks")
	}
	return out, nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := withRetry(ctx, "store.delete_task", func() (struct{}, error) {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return struct{}{}, execErr
	})
	return err
}
