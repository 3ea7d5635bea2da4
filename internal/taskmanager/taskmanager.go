// Package taskmanager implements the task lifecycle state machine of
// spec.md §4.11 (C11): delegate, getStatus, getLogs, cancel, and the
// terminal-transition handling driven by worker exits and timeouts.
// The registry/cancel shape is grounded on the teacher's
// CancellationManager in orchestrator/cancellation.go, generalized from
// an in-memory execution map to state persisted in internal/store so it
// survives a restart.
package taskmanager

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/swarmguard/agentd/internal/auditlog"
	"github.com/swarmguard/agentd/internal/core"
	"github.com/swarmguard/agentd/internal/depgraph"
	"github.com/swarmguard/agentd/internal/eventbus"
	"github.com/swarmguard/agentd/internal/queue"
	"github.com/swarmguard/agentd/internal/store"
	"github.com/swarmguard/agentd/internal/supervisor"
	"github.com/swarmguard/agentd/internal/workerpool"
)

// DelegateSpec is the caller-supplied request to run a new task (the
// payload of the DelegateTask RPC tool / CLI command).
type DelegateSpec struct {
	Prompt           string
	Priority         store.Priority
	WorkingDirectory string
	UseWorktree      bool
	TimeoutMS        *int64
	MaxOutputBuffer  *int64
	Prerequisites    []string
}

// OutputReader is satisfied by internal/capture.Manager.
type OutputReader interface {
	Read(taskID string) (*store.TaskOutput, error)
}

// Manager owns the task state machine: every transition persists to the
// store before the corresponding event is emitted (spec §4.11).
type Manager struct {
	store  store.Store
	bus    *eventbus.Bus
	queue  *queue.Queue
	graph  *depgraph.Graph
	pool   *workerpool.Pool
	output OutputReader
	audit  *auditlog.Log
	logger *slog.Logger
}

func New(s store.Store, bus *eventbus.Bus, q *queue.Queue, graph *depgraph.Graph, pool *workerpool.Pool, output OutputReader, audit *auditlog.Log) *Manager {
	return &Manager{
		store:  s,
		bus:    bus,
		queue:  q,
		graph:  graph,
		pool:   pool,
		output: output,
		audit:  audit,
		logger: slog.Default().With("component", "taskmanager"),
	}
}

// Delegate validates spec, persists the new task as QUEUED (or BLOCKED
// if any prerequisite has not yet reached COMPLETED), and emits
// TaskPersisted.
func (m *Manager) Delegate(ctx context.Context, spec DelegateSpec) (*store.Task, *core.Error) {
	if strings.TrimSpace(spec.Prompt) == "" {
		return nil, core.InvalidInput("prompt must not be empty")
	}
	priority := spec.Priority
	if priority == "" {
		priority = store.PriorityP1
	}
	if priority != store.PriorityP0 && priority != store.PriorityP1 && priority != store.PriorityP2 {
		return nil, core.InvalidInput("priority must be one of P0, P1, P2, got %q", priority)
	}

	blocked := false
	for _, prereqID := range spec.Prerequisites {
		prereqTask, err := m.store.FindTaskByID(ctx, prereqID)
		if err != nil {
			if core.IsCode(err, core.ErrNotFound) {
				return nil, core.InvalidInput("prerequisite %s does not exist", prereqID)
			}
			return nil, asCoreError(err, "look up prerequisite %s", prereqID)
		}
		if prereqTask.Status != store.StatusCompleted {
			blocked = true
		}
	}

	task := &store.Task{
		ID:               core.NewID(),
		Prompt:           spec.Prompt,
		Priority:         priority,
		WorkingDirectory: spec.WorkingDirectory,
		UseWorktree:      spec.UseWorktree,
		TimeoutMS:        spec.TimeoutMS,
		MaxOutputBuffer:  spec.MaxOutputBuffer,
		CreatedAt:        time.Now().UTC(),
	}
	if blocked {
		task.Status = store.StatusBlocked
	} else {
		task.Status = store.StatusQueued
	}

	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, asCoreError(err, "persist task %s", task.ID)
	}

	for _, prereqID := range spec.Prerequisites {
		if err := m.graph.AddDependency(ctx, task.ID, prereqID); err != nil {
			return nil, err
		}
	}

	action := auditlog.ActionQueued
	if blocked {
		action = auditlog.ActionBlocked
	}
	m.appendAudit(action, task.ID, fmt.Sprintf("priority=%s", priority))

	if emitErr := m.bus.Emit(ctx, eventbus.TaskPersisted, task, eventbus.EmitOptions{}); emitErr != nil {
		m.logger.Error("TaskPersisted handlers failed", "task_id", task.ID, "error", emitErr)
	}

	return task, nil
}

// GetStatus returns the persisted task by ID.
func (m *Manager) GetStatus(ctx context.Context, id string) (*store.Task, *core.Error) {
	task, err := m.store.FindTaskByID(ctx, id)
	if err != nil {
		return nil, asCoreError(err, "find task %s", id)
	}
	return task, nil
}

// ListAll returns every persisted task, for the TaskStatus tool's
// no-taskId form (spec §6).
func (m *Manager) ListAll(ctx context.Context) ([]*store.Task, *core.Error) {
	tasks, err := m.store.FindAllTasks(ctx)
	if err != nil {
		return nil, asCoreError(err, "list all tasks")
	}
	return tasks, nil
}

// GetLogs returns the task's captured output through the capture
// manager's Read, which combines the lines persisted in the store with
// any lines spilled to file.
func (m *Manager) GetLogs(ctx context.Context, id string) (*store.TaskOutput, *core.Error) {
	if _, err := m.store.FindTaskByID(ctx, id); err != nil {
		return nil, asCoreError(err, "find task %s", id)
	}
	out, err := m.output.Read(id)
	if err != nil {
		return nil, asCoreError(err, "read logs for %s", id)
	}
	return out, nil
}

// Cancel transitions task id to CANCELLED. QUEUED tasks are pulled from
// the queue immediately; BLOCKED tasks are cancelled directly; RUNNING
// tasks are signalled and only reach CANCELLED once the supervisor
// reports the process exited (see OnWorkerExit). Cancelling a terminal
// task is a conflict.
func (m *Manager) Cancel(ctx context.Context, id, reason string) *core.Error {
	task, err := m.store.FindTaskByID(ctx, id)
	if err != nil {
		return asCoreError(err, "find task %s", id)
	}
	if task.Status.IsTerminal() {
		return core.ConflictState("task %s is already %s", id, task.Status)
	}

	switch task.Status {
	case store.StatusQueued:
		m.queue.Remove(id)
		return m.finishCancelled(ctx, task, reason, nil)
	case store.StatusBlocked:
		return m.finishCancelled(ctx, task, reason, nil)
	case store.StatusRunning:
		if killErr := m.pool.KillByTaskID(id, "cancel"); killErr != nil {
			return killErr
		}
		return nil
	default:
		return core.ConflictState("task %s cannot be cancelled from state %s", id, task.Status)
	}
}

// Dispatch moves a QUEUED task to RUNNING and spawns its subprocess. It
// refetches the task immediately before acting (spec §4.13's named
// race): if the task is no longer QUEUED, the caller should drop the
// event silently. Process spawn failure transitions the task directly
// to FAILED (spec §4.13's failure semantics) rather than being retried.
func (m *Manager) Dispatch(ctx context.Context, taskID string) (*workerpool.Worker, *core.Error) {
	task, err := m.store.FindTaskByID(ctx, taskID)
	if err != nil {
		return nil, asCoreError(err, "find task %s", taskID)
	}
	if task.Status != store.StatusQueued {
		return nil, core.ConflictState("task %s is no longer queued (status=%s)", taskID, task.Status)
	}

	prompt, err2 := m.enrichPrompt(ctx, task)
	if err2 != nil {
		return nil, err2
	}

	worktreeDir, worktreeErr := supervisor.PrepareWorktree(ctx, task.WorkingDirectory, task.ID, task.UseWorktree)
	if worktreeErr != nil {
		if failErr := m.finishFailed(ctx, task, supervisor.ExitResult{Reason: supervisor.ReasonSpawnFailed}, worktreeErr); failErr != nil {
			m.logger.Error("failed to persist spawn-failure state", "task_id", taskID, "error", failErr)
		}
		return nil, worktreeErr
	}
	if task.UseWorktree {
		task.WorktreePath = &worktreeDir
	}

	workerID := core.NewID()
	now := time.Now().UTC()
	task.Status = store.StatusRunning
	task.StartedAt = &now
	task.WorkerID = &workerID
	if saveErr := m.store.SaveTask(ctx, task); saveErr != nil {
		return nil, asCoreError(saveErr, "persist running state for %s", taskID)
	}

	worker, spawnErr := m.pool.Spawn(workerID, task, prompt)
	if spawnErr != nil {
		if failErr := m.finishFailed(ctx, task, supervisor.ExitResult{Reason: supervisor.ReasonSpawnFailed}, spawnErr); failErr != nil {
			m.logger.Error("failed to persist spawn-failure state", "task_id", taskID, "error", failErr)
		}
		return nil, spawnErr
	}

	m.appendAudit(auditlog.ActionStarted, taskID, fmt.Sprintf("worker=%s pid=%d", workerID, worker.Pid))
	return worker, nil
}

// enrichPrompt prepends a "DEPENDENCY CONTEXT" section summarizing each
// prerequisite's checkpoint, per spec §4.11's session continuation rule.
func (m *Manager) enrichPrompt(ctx context.Context, task *store.Task) (string, *core.Error) {
	prereqIDs, err := m.graph.Prerequisites(ctx, task.ID)
	if err != nil {
		return "", err
	}
	if len(prereqIDs) == 0 {
		return task.Prompt, nil
	}

	var b strings.Builder
	b.WriteString("DEPENDENCY CONTEXT:\n")
	for _, prereqID := range prereqIDs {
		cp, cpErr := m.store.FindLatestCheckpoint(ctx, prereqID)
		if cpErr != nil {
			if core.IsCode(cpErr, core.ErrNotFound) {
				continue
			}
			return "", asCoreError(cpErr, "load checkpoint for %s", prereqID)
		}
		fmt.Fprintf(&b, "- task %s: status=%s\n", prereqID, cp.Type)
		if cp.OutputSummary != "" {
			fmt.Fprintf(&b, "  output: %s\n", cp.OutputSummary)
		}
		if cp.ErrorSummary != "" {
			fmt.Fprintf(&b, "  error: %s\n", cp.ErrorSummary)
		}
		if cp.GitBranch != "" || cp.GitCommitSHA != "" {
			fmt.Fprintf(&b, "  git: branch=%s commit=%s dirty=%d\n", cp.GitBranch, cp.GitCommitSHA, cp.GitDirtyFiles)
		}
	}
	b.WriteString("\n")
	b.WriteString(task.Prompt)
	return b.String(), nil
}

// OnWorkerExit translates a supervisor exit classification into the
// task's terminal state transition (spec §4.8's "emits the appropriate
// terminal event when the supervisor reports exit").
func (m *Manager) OnWorkerExit(ctx context.Context, payload workerpool.ExitPayload) *core.Error {
	task, err := m.store.FindTaskByID(ctx, payload.TaskID)
	if err != nil {
		return asCoreError(err, "find task %s", payload.TaskID)
	}
	if task.Status.IsTerminal() {
		return nil
	}

	switch payload.Result.Reason {
	case supervisor.ReasonSuccess:
		return m.finishSuccess(ctx, task, payload.Result)
	case supervisor.ReasonTimeout:
		return m.finishFailed(ctx, task, payload.Result, fmt.Errorf("task exceeded its configured timeout"))
	case supervisor.ReasonCancelled:
		return m.finishCancelled(ctx, task, "", &payload.Result)
	default:
		return m.finishFailed(ctx, task, payload.Result, payload.Result.Err)
	}
}

// OnTaskTimeout is the timeout-specific entry point named in spec §4.11.
// The worker pool already kills the process and reports the exit via
// OnWorkerExit with ReasonTimeout; this is exposed separately so a
// caller that observes a timeout through another path (e.g. a
// supervisory health check) can force the same transition directly.
func (m *Manager) OnTaskTimeout(ctx context.Context, taskID string, timeoutErr error) *core.Error {
	task, err := m.store.FindTaskByID(ctx, taskID)
	if err != nil {
		return asCoreError(err, "find task %s", taskID)
	}
	if task.Status.IsTerminal() {
		return nil
	}
	return m.finishFailed(ctx, task, supervisor.ExitResult{Reason: supervisor.ReasonTimeout}, timeoutErr)
}

func (m *Manager) finishSuccess(ctx context.Context, task *store.Task, result supervisor.ExitResult) *core.Error {
	now := time.Now().UTC()
	task.Status = store.StatusCompleted
	task.CompletedAt = &now
	task.ExitCode = result.ExitCode
	if err := m.store.SaveTask(ctx, task); err != nil {
		return asCoreError(err, "persist completed state for %s", task.ID)
	}
	m.cleanupWorktree(task)
	m.writeCheckpoint(ctx, task, store.CheckpointCompleted, "")
	m.appendAudit(auditlog.ActionCompleted, task.ID, "")
	if emitErr := m.bus.Emit(ctx, eventbus.TaskCompleted, task, eventbus.EmitOptions{}); emitErr != nil {
		m.logger.Error("TaskCompleted handlers failed", "task_id", task.ID, "error", emitErr)
	}
	return nil
}

func (m *Manager) finishFailed(ctx context.Context, task *store.Task, result supervisor.ExitResult, cause error) *core.Error {
	now := time.Now().UTC()
	task.Status = store.StatusFailed
	task.CompletedAt = &now
	task.ExitCode = result.ExitCode
	if err := m.store.SaveTask(ctx, task); err != nil {
		return asCoreError(err, "persist failed state for %s", task.ID)
	}
	m.cleanupWorktree(task)
	errSummary := ""
	if cause != nil {
		errSummary = cause.Error()
	} else if result.Err != nil {
		errSummary = result.Err.Error()
	}
	m.writeCheckpoint(ctx, task, store.CheckpointFailed, errSummary)
	m.appendAudit(auditlog.ActionFailed, task.ID, errSummary)
	if emitErr := m.bus.Emit(ctx, eventbus.TaskFailed, task, eventbus.EmitOptions{}); emitErr != nil {
		m.logger.Error("TaskFailed handlers failed", "task_id", task.ID, "error", emitErr)
	}
	return nil
}

func (m *Manager) finishCancelled(ctx context.Context, task *store.Task, reason string, result *supervisor.ExitResult) *core.Error {
	now := time.Now().UTC()
	task.Status = store.StatusCancelled
	task.CompletedAt = &now
	if result != nil {
		task.ExitCode = result.ExitCode
	}
	if err := m.store.SaveTask(ctx, task); err != nil {
		return asCoreError(err, "persist cancelled state for %s", task.ID)
	}
	m.cleanupWorktree(task)
	m.writeCheckpoint(ctx, task, store.CheckpointCancelled, reason)
	m.appendAudit(auditlog.ActionCancelled, task.ID, reason)
	if emitErr := m.bus.Emit(ctx, eventbus.TaskCancelled, task, eventbus.EmitOptions{}); emitErr != nil {
		m.logger.Error("TaskCancelled handlers failed", "task_id", task.ID, "error", emitErr)
	}
	return nil
}

func (m *Manager) writeCheckpoint(ctx context.Context, task *store.Task, cpType store.CheckpointType, errSummary string) {
	out, err := m.output.Read(task.ID)
	outputSummary := ""
	if err == nil {
		outputSummary = summarizeTail(out.Stdout, 2000)
	}
	branch, commit, dirty := gitInfo(task.WorkingDirectory)

	cp := &store.Checkpoint{
		TaskID:        task.ID,
		Type:          cpType,
		OutputSummary: outputSummary,
		ErrorSummary:  errSummary,
		GitBranch:     branch,
		GitCommitSHA:  commit,
		GitDirtyFiles: dirty,
		CreatedAt:     time.Now().UTC(),
	}
	if saveErr := m.store.SaveCheckpoint(ctx, cp); saveErr != nil {
		m.logger.Error("failed to write checkpoint", "task_id", task.ID, "error", saveErr)
	}
}

// cleanupWorktree removes the isolated checkout PrepareWorktree created
// for task, if any. Best-effort: a failure here is logged, not returned,
// since it must never block the terminal transition that triggered it.
func (m *Manager) cleanupWorktree(task *store.Task) {
	if task.WorktreePath == nil || *task.WorktreePath == "" {
		return
	}
	if err := supervisor.CleanupWorktree(task.WorkingDirectory, *task.WorktreePath); err != nil {
		m.logger.Error("failed to clean up worktree", "task_id", task.ID, "worktree_path", *task.WorktreePath, "error", err)
	}
}

func (m *Manager) appendAudit(action, taskID, detail string) {
	if m.audit == nil {
		return
	}
	if _, err := m.audit.Append(action, taskID, detail); err != nil {
		m.logger.Warn("audit log append failed", "task_id", taskID, "action", action, "error", err)
	}
}

// summarizeTail returns the last maxBytes of lines joined, used to keep
// checkpoint summaries bounded regardless of how much output a task
// produced.
func summarizeTail(lines []string, maxBytes int) string {
	joined := strings.Join(lines, "")
	if len(joined) <= maxBytes {
		return joined
	}
	return joined[len(joined)-maxBytes:]
}

// gitInfo best-effort inspects cwd for branch/commit/dirty-file count.
// Absence of a git repository (or of git itself) is not an error; every
// field is simply left zero.
func gitInfo(cwd string) (branch, commit string, dirtyFiles int) {
	if cwd == "" {
		return "", "", 0
	}
	branch = runGit(cwd, "rev-parse", "--abbrev-ref", "HEAD")
	commit = runGit(cwd, "rev-parse", "HEAD")
	status := runGit(cwd, "status", "--porcelain")
	if status != "" {
		dirtyFiles = len(strings.Split(strings.TrimSpace(status), "\n"))
	}
	return branch, commit, dirtyFiles
}

func runGit(cwd string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func asCoreError(err error, format string, args ...any) *core.Error {
	if ce, ok := err.(*core.Error); ok {
		return ce
	}
	return core.StoreError(err, format, args...)
}
