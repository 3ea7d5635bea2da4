// Package workerpool implements the bounded worker pool of spec.md §4.8
// (C8): spawn under the autoscaler's cap, arm/disarm per-task timeouts,
// and kill individual or all workers. It generalizes the teacher's
// fixed-goroutine worker pool in dag_engine.go (a static N-worker loop
// draining a ready channel) into a managed map whose size is governed
// externally by the autoscaler rather than fixed at construction.
package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/agentd/internal/capture"
	"github.com/swarmguard/agentd/internal/core"
	"github.com/swarmguard/agentd/internal/eventbus"
	"github.com/swarmguard/agentd/internal/store"
	"github.com/swarmguard/agentd/internal/supervisor"
)

// CapProvider supplies the current concurrency cap; internal/autoscaler
// is the production implementation.
type CapProvider interface {
	Cap() int
}

// Worker is a snapshot of one live supervised task.
type Worker struct {
	ID        string
	TaskID    string
	Pid       int
	StartedAt time.Time
}

// ExitPayload is published on eventbus.WorkerExited once a supervised
// process reports a terminal classification.
type ExitPayload struct {
	WorkerID string
	TaskID   string
	Result   supervisor.ExitResult
}

type entry struct {
	worker *Worker
	handle *supervisor.Handle
	timer  *time.Timer
}

// Pool owns every live worker. All mutations are serialized by mu; no
// lock is held across process I/O (spec §5's shared-resource policy).
type Pool struct {
	mu      sync.Mutex
	workers map[string]*entry

	sup              *supervisor.Supervisor
	capture          *capture.Manager
	cap              CapProvider
	bus              *eventbus.Bus
	defaultTimeout   time.Duration
	defaultMaxOutput int64
	logger           *slog.Logger
}

func New(sup *supervisor.Supervisor, captureMgr *capture.Manager, cap CapProvider, bus *eventbus.Bus, defaultTimeout time.Duration, defaultMaxOutput int64) *Pool {
	return &Pool{
		workers:          make(map[string]*entry),
		sup:              sup,
		capture:          captureMgr,
		cap:              cap,
		bus:              bus,
		defaultTimeout:   defaultTimeout,
		defaultMaxOutput: defaultMaxOutput,
		logger:           slog.Default().With("component", "workerpool"),
	}
}

// WorkerCount is O(1): a map length read under the pool's single lock.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Spawn admits task under the autoscaler's current cap and starts its
// subprocess under workerID, a caller-generated identifier — the caller
// (internal/taskmanager) persists {taskID, workerID, RUNNING} atomically
// before calling Spawn, so the two never disagree about who is running
// what. prompt is the (possibly dependency-context-enriched) text handed
// to the subprocess agent, distinct from task.Prompt which stays the
// original persisted value.
func (p *Pool) Spawn(workerID string, task *store.Task, prompt string) (*Worker, *core.Error) {
	p.mu.Lock()
	if len(p.workers) >= p.cap.Cap() {
		p.mu.Unlock()
		return nil, core.ResourceExhausted("worker pool at capacity (%d)", p.cap.Cap())
	}
	// Reserve the slot before releasing the lock so a concurrent Spawn
	// racing for the last slot sees the updated count rather than the
	// same stale len(p.workers) this call just checked.
	p.workers[workerID] = &entry{}
	p.mu.Unlock()

	budget := p.defaultMaxOutput
	if task.MaxOutputBuffer != nil {
		budget = *task.MaxOutputBuffer
	}
	sess := p.capture.Open(task.ID, budget)

	cwd := task.WorkingDirectory
	if task.WorktreePath != nil && *task.WorktreePath != "" {
		cwd = *task.WorktreePath
	}
	handle, err := p.sup.Spawn(task.ID, prompt, cwd, sess)
	if err != nil {
		p.mu.Lock()
		delete(p.workers, workerID)
		p.mu.Unlock()
		p.capture.Close(task.ID)
		return nil, err
	}

	w := &Worker{ID: workerID, TaskID: task.ID, Pid: handle.Pid, StartedAt: time.Now().UTC()}

	timeout := p.defaultTimeout
	if task.TimeoutMS != nil {
		timeout = time.Duration(*task.TimeoutMS) * time.Millisecond
	}
	timer := time.AfterFunc(timeout, func() { p.onTimeout(workerID) })

	p.mu.Lock()
	p.workers[workerID] = &entry{worker: w, handle: handle, timer: timer}
	p.mu.Unlock()

	go p.awaitExit(workerID, handle)

	return w, nil
}

func (p *Pool) onTimeout(workerID string) {
	p.mu.Lock()
	e, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.logger.Info("task timeout fired, killing worker", "worker_id", workerID, "task_id", e.worker.TaskID)
	e.handle.Kill("timeout")
}

func (p *Pool) awaitExit(workerID string, handle *supervisor.Handle) {
	result := handle.Wait()

	p.mu.Lock()
	e, ok := p.workers[workerID]
	if ok {
		e.timer.Stop()
		delete(p.workers, workerID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.capture.Close(e.worker.TaskID)

	if emitErr := p.bus.Emit(context.Background(), eventbus.WorkerExited, ExitPayload{
		WorkerID: workerID,
		TaskID:   e.worker.TaskID,
		Result:   result,
	}, eventbus.EmitOptions{}); emitErr != nil {
		p.logger.Error("WorkerExited handlers failed", "error", emitErr)
	}
}

// Kill signals workerID's process; the terminal event follows once the
// supervisor reports exit, not synchronously from this call.
func (p *Pool) Kill(workerID, reason string) *core.Error {
	p.mu.Lock()
	e, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return core.NotFound("worker %s not found", workerID)
	}
	e.handle.Kill(reason)
	return nil
}

// KillByTaskID finds the worker currently running taskID and kills it.
func (p *Pool) KillByTaskID(taskID, reason string) *core.Error {
	p.mu.Lock()
	var found *entry
	for _, e := range p.workers {
		if e.worker.TaskID == taskID {
			found = e
			break
		}
	}
	p.mu.Unlock()
	if found == nil {
		return core.NotFound("no running worker for task %s", taskID)
	}
	found.handle.Kill(reason)
	return nil
}

// KillAll fires SIGTERM at every live worker concurrently and waits up
// to grace for all to report exit, per spec §4.8/§5's shutdown sequence.
func (p *Pool) KillAll(grace time.Duration) {
	p.mu.Lock()
	handles := make([]*supervisor.Handle, 0, len(p.workers))
	for _, e := range p.workers {
		handles = append(handles, e.handle)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.Kill("cancel")
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-deadline.C:
			return
		}
	}
}
