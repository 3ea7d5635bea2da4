// Command agentd is the daemon process: it wires every C2-C14 subsystem
// together and serves the line-delimited JSON-RPC tool surface on stdio,
// following the bootstrap/shutdown shape of the teacher's orchestrator
// main.go (signal.NotifyContext, a deferred OTel flush, a timeout-bounded
// shutdown sequence) adapted from an HTTP listener to a stdio transport.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/swarmguard/agentd/internal/auditlog"
	"github.com/swarmguard/agentd/internal/autoscaler"
	"github.com/swarmguard/agentd/internal/capture"
	"github.com/swarmguard/agentd/internal/config"
	"github.com/swarmguard/agentd/internal/cronsched"
	"github.com/swarmguard/agentd/internal/depgraph"
	"github.com/swarmguard/agentd/internal/eventbus"
	"github.com/swarmguard/agentd/internal/handlers"
	"github.com/swarmguard/agentd/internal/logging"
	"github.com/swarmguard/agentd/internal/monitor"
	"github.com/swarmguard/agentd/internal/queue"
	"github.com/swarmguard/agentd/internal/rpc"
	"github.com/swarmguard/agentd/internal/store"
	"github.com/swarmguard/agentd/internal/supervisor"
	"github.com/swarmguard/agentd/internal/taskmanager"
	"github.com/swarmguard/agentd/internal/telemetry"
	"github.com/swarmguard/agentd/internal/workerpool"
)

// capIndirection breaks the construction cycle between workerpool (needs
// a CapProvider at New) and autoscaler (needs the pool's live worker
// count via monitor, but doesn't exist until after the pool does). It
// starts at 1 and is pointed at the real autoscaler once built.
type capIndirection struct {
	cap atomic.Pointer[autoscaler.Autoscaler]
}

func (c *capIndirection) Cap() int {
	if a := c.cap.Load(); a != nil {
		return a.Cap()
	}
	return 1
}

func main() {
	const service = "agentd"
	logger := logging.Init(service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry := telemetry.Init(ctx, service)

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	al, err := auditlog.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("audit log open failed", "error", err)
		os.Exit(1)
	}
	defer al.Close()

	bus := eventbus.New()
	q := queue.New()
	graph := depgraph.New(s)
	capMgr := capture.NewManager(cfg.SpillDir, s)
	sup := supervisor.New(30 * time.Second)

	capInd := &capIndirection{}
	pool := workerpool.New(sup, capMgr, capInd, bus, cfg.TaskTimeout, cfg.MaxOutputBuffer)

	mon := monitor.New(monitor.Config{
		CPUThreshold:    cfg.CPUThresholdPercent,
		MemReserveBytes: uint64(cfg.MemoryReserveBytes),
		HardCap:         cfg.HardCapWorkers,
	}, pool)

	scaler := autoscaler.New(autoscaler.Config{
		MemReserveBytes: uint64(cfg.MemoryReserveBytes),
		HardCap:         cfg.HardCapWorkers,
	}, mon, q)
	capInd.cap.Store(scaler)

	mgr := taskmanager.New(s, bus, q, graph, pool, capMgr, al)
	handlers.Register(bus, s, q, graph, mgr, mon)

	sched := cronsched.New(s, bus, cronsched.DefaultInterval)

	// Reconcile QUEUED and orphaned RUNNING tasks left by a previous crash
	// before the scheduler or the RPC surface can introduce new work.
	reconcile(ctx, s, bus, logger)

	mon.Start(ctx)
	scaler.Start(ctx)
	sched.Start(ctx)

	server := rpc.NewServer()
	rpc.RegisterTools(server, mgr)
	rpc.RegisterScheduleTools(server, s)

	logger.Info("agentd started", "store", cfg.StorePath, "hard_cap", cfg.HardCapWorkers)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("rpc serve exited", "error", err)
		} else {
			logger.Info("rpc input closed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sched.Stop()
	scaler.Stop()
	mon.Stop()
	pool.KillAll(5 * time.Second)
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// reconcile re-admits tasks a previous process left QUEUED (emitting
// TaskPersisted so the queue handler enqueues them) and emits RequeueTask
// for each task it left RUNNING, satisfying spec.md's "idempotent
// re-enqueue on recovery" carve-out (internal/handlers.queueHandler.onRequeueTask
// does the actual state reset).
func reconcile(ctx context.Context, s store.Store, bus *eventbus.Bus, logger *slog.Logger) {
	queued, err := s.FindTasksByStatus(ctx, store.StatusQueued)
	if err != nil {
		logger.Error("reconciliation scan failed", "error", err)
		return
	}
	for _, task := range queued {
		if emitErr := bus.Emit(ctx, eventbus.TaskPersisted, task, eventbus.EmitOptions{}); emitErr != nil {
			logger.Error("failed to re-admit queued task", "task_id", task.ID, "error", emitErr)
		}
	}

	orphans, err := s.FindTasksByStatus(ctx, store.StatusRunning)
	if err != nil {
		logger.Error("reconciliation scan failed", "error", err)
		return
	}
	for _, task := range orphans {
		if emitErr := bus.Emit(ctx, eventbus.RequeueTask, task.ID, eventbus.EmitOptions{}); emitErr != nil {
			logger.Error("failed to requeue orphaned task", "task_id", task.ID, "error", emitErr)
		}
	}
	if len(orphans) > 0 {
		logger.Info("reconciled orphaned tasks", "count", len(orphans))
	}
}
