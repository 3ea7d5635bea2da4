package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/swarmguard/agentd/internal/core"
)

func (s *SQLiteStore) SaveSchedule(ctx context.Context, sch *Schedule) error {
	_, err := withRetry(ctx, "store.save_schedule", func() (struct{}, error) {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO schedules (
				id, cron_expression, timezone, prompt, priority,
				enabled, next_run_at, last_run_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				cron_expression = excluded.cron_expression,
				timezone = excluded.timezone,
				prompt = excluded.prompt,
				priority = excluded.priority,
				enabled = excluded.enabled,
				next_run_at = excluded.next_run_at,
				last_run_at = excluded.last_run_at
		`,
			sch.ID, sch.CronExpression, sch.Timezone, sch.Prompt, string(sch.Priority),
			sch.Enabled, epochMS(sch.NextRunAt), nullableEpochMS(sch.LastRunAt),
		)
		return struct{}{}, execErr
	})
	return err
}

func scanSchedule(row interface {
	Scan(dest ...any) error
}) (*Schedule, error) {
	var sch Schedule
	var priority string
	var nextRunAt int64
	var lastRunAt sql.NullInt64

	if err := row.Scan(
		&sch.ID, &sch.CronExpression, &sch.Timezone, &sch.Prompt, &priority,
		&sch.Enabled, &nextRunAt, &lastRunAt,
	); err != nil {
		return nil, err
	}
	sch.Priority = Priority(priority)
	sch.NextRunAt = fromEpochMS(nextRunAt)
	if lastRunAt.Valid {
		v := fromEpochMS(lastRunAt.Int64)
		sch.LastRunAt = &v
	}
	return &sch, nil
}

const scheduleColumns = `id, cron_expression, timezone, prompt, priority, enabled, next_run_at, last_run_at`

func (s *SQLiteStore) FindScheduleByID(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("schedule %s not found", id)
	}
	if err != nil {
		return nil, core.StoreError(err, "find schedule %s", id)
	}
	return sch, nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY next_run_at ASC`)
	if err != nil {
		return nil, core.StoreError(err, "list schedules")
	}
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, core.StoreError(err, "scan schedule")
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := withRetry(ctx, "store.delete_schedule", func() (struct{}, error) {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
		return struct{}{}, execErr
	})
	return err
}

func (s *SQLiteStore) FindDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`, epochMS(now))
	if err != nil {
		return nil, core.StoreError(err, "find due schedules")
	}
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, core.StoreError(err, "scan schedule")
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}
