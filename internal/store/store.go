// Package store implements the durable persistence contract of spec.md
// §4.2 on top of modernc.org/sqlite, the pure-Go SQLite driver already
// present in the teacher pack's dependency surface (88lin-divinesense). It
// gives tasks, outputs, dependencies, checkpoints and schedules real
// foreign-key and transaction semantics instead of a hand-rolled layer over
// a key-value engine.
package store

import (
	"context"
	"time"
)

// Store is the full persistence contract required by spec.md §4.2. All
// methods are safe for concurrent use; the underlying engine serializes
// writes through SQLite's own transaction machinery.
type Store interface {
	SaveTask(ctx context.Context, t *Task) error
	FindTaskByID(ctx context.Context, id string) (*Task, error)
	FindTasksByStatus(ctx context.Context, s Status) ([]*Task, error)
	FindAllTasks(ctx context.Context) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error

	SaveDependency(ctx context.Context, taskID, prereqID string) error
	IsBlocked(ctx context.Context, id string) (bool, error)
	DependentsOf(ctx context.Context, id string) ([]string, error)
	PrerequisitesOf(ctx context.Context, id string) ([]string, error)

	AppendOutput(ctx context.Context, taskID, stream, text string) error
	ReadOutput(ctx context.Context, taskID string) (*TaskOutput, error)
	MarkTruncated(ctx context.Context, taskID string) error

	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	FindLatestCheckpoint(ctx context.Context, prereqID string) (*Checkpoint, error)

	SaveSchedule(ctx context.Context, s *Schedule) error
	FindScheduleByID(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	FindDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)

	Close() error
}
