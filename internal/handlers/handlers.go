// Package handlers wires the orchestration glue subscribers of spec.md
// §4.13 (C13) onto internal/eventbus: the queue handler, the worker
// handler, the dependency handler, and the schedule handler described
// by §2's control flow. The teacher's scheduler.go wires its own
// dispatcher glue directly as method calls between concrete types
// (executeScheduledWorkflow calling into the DAG engine); this
// re-expresses the same "glue" role as independent bus subscribers so
// every subsystem only depends on the bus, never on its neighbors.
package handlers

import (
	"context"
	"log/slog"

	"github.com/swarmguard/agentd/internal/core"
	"github.com/swarmguard/agentd/internal/cronsched"
	"github.com/swarmguard/agentd/internal/depgraph"
	"github.com/swarmguard/agentd/internal/eventbus"
	"github.com/swarmguard/agentd/internal/queue"
	"github.com/swarmguard/agentd/internal/store"
	"github.com/swarmguard/agentd/internal/taskmanager"
	"github.com/swarmguard/agentd/internal/workerpool"
)

// Admitter is satisfied by internal/monitor.Monitor.
type Admitter interface {
	CanSpawnWorker() bool
}

// Register subscribes every orchestration handler on bus. Call once
// during daemon startup after every dependency has been constructed.
func Register(bus *eventbus.Bus, s store.Store, q *queue.Queue, graph *depgraph.Graph, mgr *taskmanager.Manager, admitter Admitter) {
	qh := &queueHandler{store: s, queue: q, graph: graph, bus: bus, logger: slog.Default().With("component", "handlers.queue")}
	wh := &workerHandler{bus: bus, mgr: mgr, admitter: admitter, logger: slog.Default().With("component", "handlers.worker")}
	dh := &dependencyHandler{graph: graph, bus: bus, logger: slog.Default().With("component", "handlers.dependency")}
	sh := &scheduleHandler{mgr: mgr, logger: slog.Default().With("component", "handlers.schedule")}

	bus.Subscribe(eventbus.TaskPersisted, qh.onTaskPersisted)
	bus.Subscribe(eventbus.TaskUnblocked, qh.onTaskUnblocked)
	bus.Subscribe(eventbus.NextTaskQuery, qh.onNextTaskQuery)
	bus.Subscribe(eventbus.RequeueTask, qh.onRequeueTask)

	bus.Subscribe(eventbus.TaskQueued, wh.onTaskQueued)
	bus.Subscribe(eventbus.WorkerExited, wh.onWorkerExited)

	bus.Subscribe(eventbus.TaskCompleted, dh.onTaskCompleted)

	bus.Subscribe(eventbus.ScheduleDue, sh.onScheduleDue)
}

// queueHandler owns the only code path that ever calls queue.Enqueue,
// keeping the priority queue's contents in lockstep with each task's
// persisted status (spec §4.13's named race guards exactly this).
type queueHandler struct {
	store  store.Store
	queue  *queue.Queue
	graph  *depgraph.Graph
	bus    *eventbus.Bus
	logger *slog.Logger
}

func (h *queueHandler) onTaskPersisted(ctx context.Context, evt eventbus.Event) *core.Error {
	task, ok := evt.Payload.(*store.Task)
	if !ok {
		return nil
	}
	blocked, err := h.graph.IsBlocked(ctx, task.ID)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}
	return h.admit(ctx, task)
}

func (h *queueHandler) onTaskUnblocked(ctx context.Context, evt eventbus.Event) *core.Error {
	taskID, ok := evt.Payload.(string)
	if !ok {
		return nil
	}
	task, err := h.store.FindTaskByID(ctx, taskID)
	if err != nil {
		if core.IsCode(err, core.ErrNotFound) {
			return nil
		}
		return asCoreError(err, "find task %s", taskID)
	}
	if task.Status != store.StatusQueued && task.Status != store.StatusBlocked {
		h.logger.Info("dropping stale unblock", "task_id", taskID, "status", task.Status)
		return nil
	}
	if task.Status == store.StatusBlocked {
		task.Status = store.StatusQueued
		if saveErr := h.store.SaveTask(ctx, task); saveErr != nil {
			return asCoreError(saveErr, "persist unblocked state for %s", taskID)
		}
	}
	return h.admit(ctx, task)
}

func (h *queueHandler) admit(ctx context.Context, task *store.Task) *core.Error {
	h.queue.Enqueue(task.ID, task.Priority, task.CreatedAt)
	if emitErr := h.bus.Emit(ctx, eventbus.TaskQueued, task, eventbus.EmitOptions{}); emitErr != nil {
		h.logger.Error("TaskQueued handlers failed", "task_id", task.ID, "error", emitErr)
	}
	return nil
}

// onRequeueTask handles startup recovery: a task left RUNNING by a
// daemon crash has no live worker to report its exit, so it would
// otherwise never transition again. The restart reconciliation pass
// (cmd/agentd) emits RequeueTask for every such orphan; this puts it
// back onto the runnable queue, satisfying spec §1's "idempotent
// re-enqueue on recovery" non-goal carve-out.
func (h *queueHandler) onRequeueTask(ctx context.Context, evt eventbus.Event) *core.Error {
	taskID, ok := evt.Payload.(string)
	if !ok {
		return nil
	}
	task, err := h.store.FindTaskByID(ctx, taskID)
	if err != nil {
		if core.IsCode(err, core.ErrNotFound) {
			return nil
		}
		return asCoreError(err, "find task %s", taskID)
	}
	if task.Status != store.StatusRunning {
		return nil
	}
	task.Status = store.StatusQueued
	task.StartedAt = nil
	task.WorkerID = nil
	if saveErr := h.store.SaveTask(ctx, task); saveErr != nil {
		return asCoreError(saveErr, "persist requeued state for %s", taskID)
	}
	return h.admit(ctx, task)
}

func (h *queueHandler) onNextTaskQuery(ctx context.Context, evt eventbus.Event) *core.Error {
	taskID, ok := h.queue.Dequeue()
	if !ok {
		h.bus.RespondError(evt.CorrelationID, core.NotFound("queue is empty"))
		return nil
	}
	h.bus.Respond(evt.CorrelationID, taskID)
	return nil
}

// workerHandler turns queue admission into a dispatched subprocess, and
// frees a slot's worth of future admission whenever a worker exits.
type workerHandler struct {
	bus      *eventbus.Bus
	mgr      *taskmanager.Manager
	admitter Admitter
	logger   *slog.Logger
}

func (h *workerHandler) onTaskQueued(ctx context.Context, evt eventbus.Event) *core.Error {
	h.tryDispatch(ctx)
	return nil
}

func (h *workerHandler) onWorkerExited(ctx context.Context, evt eventbus.Event) *core.Error {
	payload, ok := evt.Payload.(workerpool.ExitPayload)
	if !ok {
		return nil
	}
	if err := h.mgr.OnWorkerExit(ctx, payload); err != nil {
		h.logger.Error("OnWorkerExit failed", "task_id", payload.TaskID, "error", err)
	}
	h.tryDispatch(ctx)
	return nil
}

// tryDispatch asks the monitor for admission, then the queue handler
// for the next runnable task via the NextTaskQuery request/response
// channel, and dispatches it. A worktree or spawn failure already
// transitions the task to FAILED inside Dispatch (spec §4.13's failure
// semantics); this handler only logs any dispatch error.
func (h *workerHandler) tryDispatch(ctx context.Context) {
	if !h.admitter.CanSpawnWorker() {
		return
	}
	result, err := h.bus.Request(ctx, eventbus.NextTaskQuery, nil, 0)
	if err != nil {
		return
	}
	taskID, ok := result.(string)
	if !ok || taskID == "" {
		return
	}
	if _, dispatchErr := h.mgr.Dispatch(ctx, taskID); dispatchErr != nil {
		h.logger.Error("dispatch failed", "task_id", taskID, "error", dispatchErr)
	}
}

// dependencyHandler resolves dependents once a prerequisite succeeds.
// Per the isBlocked/resolve contract in spec §4.5, only terminal-SUCCESS
// runs resolution: a FAILED or CANCELLED prerequisite leaves its
// dependents permanently blocked, so this never subscribes to
// TaskFailed or TaskCancelled.
type dependencyHandler struct {
	graph  *depgraph.Graph
	bus    *eventbus.Bus
	logger *slog.Logger
}

func (h *dependencyHandler) onTaskCompleted(ctx context.Context, evt eventbus.Event) *core.Error {
	task, ok := evt.Payload.(*store.Task)
	if !ok {
		return nil
	}
	unblocked, err := h.graph.Unblocked(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, dependentID := range unblocked {
		if emitErr := h.bus.Emit(ctx, eventbus.TaskUnblocked, dependentID, eventbus.EmitOptions{}); emitErr != nil {
			h.logger.Error("TaskUnblocked handlers failed", "task_id", dependentID, "error", emitErr)
		}
	}
	return nil
}

// scheduleHandler turns a fired cron schedule into a fresh delegation.
type scheduleHandler struct {
	mgr    *taskmanager.Manager
	logger *slog.Logger
}

func (h *scheduleHandler) onScheduleDue(ctx context.Context, evt eventbus.Event) *core.Error {
	payload, ok := evt.Payload.(cronsched.DuePayload)
	if !ok {
		return nil
	}
	spec := taskmanager.DelegateSpec{Prompt: payload.Prompt, Priority: payload.Priority}
	if _, err := h.mgr.Delegate(ctx, spec); err != nil {
		h.logger.Error("scheduled delegate failed", "schedule_id", payload.ScheduleID, "error", err)
		return err
	}
	return nil
}

func asCoreError(err error, format string, args ...any) *core.Error {
	if ce, ok := err.(*core.Error); ok {
		return ce
	}
	return core.StoreError(err, format, args...)
}
