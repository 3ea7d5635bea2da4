package store

import (
	"context"
	"database/sql"

	"github.com/swarmguard/agentd/internal/core"
)

// SaveDependency records that taskID depends on prereqID, rejecting the
// edge if it would introduce a cycle (spec §4.2 "the dependency graph must
// remain acyclic", §4.5). The cycle check and the insert happen inside a
// single transaction so a concurrent insert can't slip a cycle past the
// check.
func (s *SQLiteStore) SaveDependency(ctx context.Context, taskID, prereqID string) error {
	_, err := withRetry(ctx, "store.save_dependency", func() (struct{}, error) {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return struct{}{}, txErr
		}
		defer tx.Rollback()

		cyclic, cycErr := reaches(ctx, tx, prereqID, taskID)
		if cycErr != nil {
			return struct{}{}, cycErr
		}
		if cyclic {
			return struct{}{}, core.DependencyCycle("adding %s -> %s would create a cycle", taskID, prereqID)
		}

		if _, execErr := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO dependencies (task_id, prereq_id) VALUES (?, ?)`,
			taskID, prereqID,
		); execErr != nil {
			return struct{}{}, execErr
		}
		return struct{}{}, tx.Commit()
	})
	return err
}

// reaches reports whether a path exists from start to target by following
// prereq -> dependent edges (i.e. whether target transitively depends on
// start), via depth-first search within tx.
func reaches(ctx context.Context, tx *sql.Tx, start, target string) (bool, error) {
	if start == target {
		return true, nil
	}
	visited := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if cur == target {
			return true, nil
		}
		rows, err := tx.QueryContext(ctx, `SELECT task_id FROM dependencies WHERE prereq_id = ?`, cur)
		if err != nil {
			return false, err
		}
		var next []string
		for rows.Next() {
			var dependent string
			if err := rows.Scan(&dependent); err != nil {
				rows.Close()
				return false, err
			}
			next = append(next, dependent)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}
		stack = append(stack, next...)
	}
	return false, nil
}

// IsBlocked reports whether any prerequisite's status is not COMPLETED
// (spec §4.5: "true iff any prerequisite's status ≠ COMPLETED"). A
// FAILED or CANCELLED prerequisite therefore blocks its dependent
// permanently — resolve is only ever called on a prerequisite's
// terminal-success, so a failed prerequisite's dependents never
// automatically unblock and must be cancelled explicitly.
func (s *SQLiteStore) IsBlocked(ctx context.Context, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dependencies d
		JOIN tasks t ON t.id = d.prereq_id
		WHERE d.task_id = ? AND t.status != ?
	`, id, string(StatusCompleted))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, core.StoreError(err, "check blocked state for %s", id)
	}
	return count > 0, nil
}

func (s *SQLiteStore) DependentsOf(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM dependencies WHERE prereq_id = ?`, id)
	if err != nil {
		return nil, core.StoreError(err, "find dependents of %s", id)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, core.StoreError(err, "scan dependent")
		}
		out = append(out, taskID)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PrerequisitesOf(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT prereq_id FROM dependencies WHERE task_id = ?`, id)
	if err != nil {
		return nil, core.StoreError(err, "find prerequisites of %s", id)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var prereqID string
		if err := rows.Scan(&prereqID); err != nil {
			return nil, core.StoreError(err, "scan prerequisite")
		}
		out = append(out, prereqID)
	}
	return out, rows.Err()
}
