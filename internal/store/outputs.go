package store

import (
	"context"

	"github.com/swarmguard/agentd/internal/core"
)

// AppendOutput persists one captured chunk. seq is assigned as the next
// sequence number for the task so ReadOutput can reconstruct stream order
// without relying on row insertion order across connections.
func (s *SQLiteStore) AppendOutput(ctx context.Context, taskID, stream, text string) error {
	_, err := withRetry(ctx, "store.append_output", func() (struct{}, error) {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return struct{}{}, txErr
		}
		defer tx.Rollback()

		var nextSeq int
		row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM task_output WHERE task_id = ?`, taskID)
		if err := row.Scan(&nextSeq); err != nil {
			return struct{}{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_output (task_id, seq, stream, text) VALUES (?, ?, ?, ?)`,
			taskID, nextSeq, stream, text,
		); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tx.Commit()
	})
	return err
}

func (s *SQLiteStore) ReadOutput(ctx context.Context, taskID string) (*TaskOutput, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream, text FROM task_output WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, core.StoreError(err, "read output for %s", taskID)
	}
	defer rows.Close()

	out := &TaskOutput{}
	for rows.Next() {
		var stream, text string
		if err := rows.Scan(&stream, &text); err != nil {
			return nil, core.StoreError(err, "scan output chunk")
		}
		switch stream {
		case "stdout":
			out.Stdout = append(out.Stdout, text)
		case "stderr":
			out.Stderr = append(out.Stderr, text)
		}
		out.TotalSize += int64(len(text))
	}
	if err := rows.Err(); err != nil {
		return nil, core.StoreError(err, "iterate output for %s", taskID)
	}
	return out, nil
}

func (s *SQLiteStore) MarkTruncated(ctx context.Context, taskID string) error {
	_, err := withRetry(ctx, "store.mark_truncated", func() (struct{}, error) {
		_, execErr := s.db.ExecContext(ctx, `UPDATE tasks SET truncated = 1 WHERE id = ?`, taskID)
		return struct{}{}, execErr
	})
	return err
}
