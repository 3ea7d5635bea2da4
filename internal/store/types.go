package store

import "time"

// Priority orders tasks in the priority queue; P0 is highest (spec §3).
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Rank returns the queue ordering rank (lower sorts first).
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	default:
		return 2
	}
}

// Status is one of the six states in the task lifecycle (spec §4.11).
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusBlocked   Status = "BLOCKED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether status is one from which no further
// transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is the authoritative unit of delegated work (spec §3 "Task").
type Task struct {
	ID               string
	Prompt           string
	Priority         Priority
	Status           Status
	WorkingDirectory string
	UseWorktree      bool
	WorktreePath     *string
	TimeoutMS        *int64
	MaxOutputBuffer  *int64
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	WorkerID         *string
	ExitCode         *int
	SessionID        *string
	Truncated        bool
}

// Dependency is an ordered (task, prerequisite) pair (spec §3 "Dependency").
type Dependency struct {
	TaskID       string
	PrereqTaskID string
}

// OutputChunk is one append to a task's stdout/stderr stream.
type OutputChunk struct {
	Stream string // "stdout" | "stderr"
	Text   string
}

// TaskOutput is the materialized view of a task's captured output (spec §3
// "TaskOutput").
type TaskOutput struct {
	Stdout    []string
	Stderr    []string
	TotalSize int64
}

// CheckpointType narrows which terminal transition produced a checkpoint.
type CheckpointType string

const (
	CheckpointCompleted CheckpointType = "completed"
	CheckpointFailed    CheckpointType = "failed"
	CheckpointCancelled CheckpointType = "cancelled"
)

// Checkpoint summarizes a task at a terminal transition for dependents
// (spec §3 "TaskCheckpoint").
type Checkpoint struct {
	TaskID        string
	Type          CheckpointType
	OutputSummary string
	ErrorSummary  string
	GitBranch     string
	GitCommitSHA  string
	GitDirtyFiles int
	CreatedAt     time.Time
}

// Schedule is a user-managed cron-driven recurring delegation (spec §3
// "Schedule").
type Schedule struct {
	ID             string
	CronExpression string
	Timezone       string
	Prompt         string
	Priority       Priority
	Enabled        bool
	NextRunAt      time.Time
	LastRunAt      *time.Time
}
