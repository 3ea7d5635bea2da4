package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/swarmguard/agentd/internal/core"
)

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	_, err := withRetry(ctx, "store.save_checkpoint", func() (struct{}, error) {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (
				task_id, checkpoint_type, output_summary, error_summary,
				git_branch, git_commit_sha, git_dirty_files, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				checkpoint_type = excluded.checkpoint_type,
				output_summary = excluded.output_summary,
				error_summary = excluded.error_summary,
				git_branch = excluded.git_branch,
				git_commit_sha = excluded.git_commit_sha,
				git_dirty_files = excluded.git_dirty_files,
				created_at = excluded.created_at
		`,
			cp.TaskID, string(cp.Type), cp.OutputSummary, cp.ErrorSummary,
			cp.GitBranch, cp.GitCommitSHA, cp.GitDirtyFiles, epochMS(cp.CreatedAt),
		)
		return struct{}{}, execErr
	})
	return err
}

// FindLatestCheckpoint returns the checkpoint recorded for prereqID. There
// is at most one checkpoint per task (the most recent terminal transition
// overwrites it), so "latest" reduces to a direct lookup by task id.
func (s *SQLiteStore) FindLatestCheckpoint(ctx context.Context, prereqID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, checkpoint_type, output_summary, error_summary,
		       git_branch, git_commit_sha, git_dirty_files, created_at
		FROM checkpoints WHERE task_id = ?
	`, prereqID)

	var cp Checkpoint
	var checkpointType string
	var createdAt int64
	err := row.Scan(
		&cp.TaskID, &checkpointType, &cp.OutputSummary, &cp.ErrorSummary,
		&cp.GitBranch, &cp.GitCommitSHA, &cp.GitDirtyFiles, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("no checkpoint for task %s", prereqID)
	}
	if err != nil {
		return nil, core.StoreError(err, "find checkpoint for %s", prereqID)
	}
	cp.Type = CheckpointType(checkpointType)
	cp.CreatedAt = fromEpochMS(createdAt)
	return &cp, nil
}
