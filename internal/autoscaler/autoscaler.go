// Package autoscaler implements the worker-cap control loop of spec.md
// §4.10 (C10): a fixed-interval loop that reads monitor metrics and
// queue depth, computes a target concurrency, and publishes it for the
// worker pool to consult on spawn. The periodic-ticker loop shape is
// grounded on the teacher's resilience/hybrid_ratelimiter.go
// leakyBucketWorker/reportMetrics goroutines.
package autoscaler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/agentd/internal/monitor"
)

// Default tuning from spec §4.10.
const (
	DefaultInterval  = 5 * time.Second
	DefaultHighWater = 80.0 // percent CPU
	DefaultLowWater  = 40.0 // percent CPU
)

// MetricsSource is satisfied by internal/monitor.Monitor.
type MetricsSource interface {
	Snapshot() monitor.Snapshot
}

// QueueDepth reports how many tasks are waiting to run; satisfied by
// internal/queue.Queue.
type QueueDepth interface {
	Len() int
}

// Config tunes the control loop.
type Config struct {
	Interval        time.Duration
	HighWaterCPU    float64
	LowWaterCPU     float64
	MemReserveBytes uint64
	HardCap         int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.HighWaterCPU <= 0 {
		c.HighWaterCPU = DefaultHighWater
	}
	if c.LowWaterCPU <= 0 {
		c.LowWaterCPU = DefaultLowWater
	}
	if c.HardCap <= 0 {
		c.HardCap = 1
	}
	return c
}

// Autoscaler owns the current worker concurrency cap and periodically
// recomputes it. It satisfies internal/workerpool.CapProvider via Cap().
type Autoscaler struct {
	cfg     Config
	metrics MetricsSource
	queue   QueueDepth
	logger  *slog.Logger

	cap int32 // atomic; starts at 1 per spec's N* ∈ [1, hardCap]

	stopCh chan struct{}
	wg     sync.WaitGroup

	capGauge metric.Int64Gauge
}

func New(cfg Config, metrics MetricsSource, queue QueueDepth) *Autoscaler {
	meter := otel.GetMeterProvider().Meter("agentd-autoscaler")
	capGauge, _ := meter.Int64Gauge("agentd_autoscaler_cap")

	a := &Autoscaler{
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		queue:    queue,
		logger:   slog.Default().With("component", "autoscaler"),
		stopCh:   make(chan struct{}),
		capGauge: capGauge,
	}
	atomic.StoreInt32(&a.cap, 1)
	return a
}

// Cap returns the currently published concurrency cap. Safe for
// concurrent use by the worker pool.
func (a *Autoscaler) Cap() int {
	return int(atomic.LoadInt32(&a.cap))
}

// Start launches the control loop.
func (a *Autoscaler) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.tick()
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the control loop and waits for it to exit.
func (a *Autoscaler) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Autoscaler) tick() {
	snap := a.metrics.Snapshot()
	cpuPct, freeMem, live := snap.SmoothedCPUPercent, snap.FreeMemoryBytes, snap.LiveWorkers
	queueDepth := a.queue.Len()
	current := a.Cap()

	next := a.computeTarget(current, cpuPct, freeMem, live, queueDepth)
	if next != current {
		a.logger.Info("adjusting worker cap", "from", current, "to", next,
			"cpu_percent", cpuPct, "free_mem_bytes", freeMem, "live_workers", live, "queue_depth", queueDepth)
		atomic.StoreInt32(&a.cap, int32(next))
	}
	a.capGauge.Record(context.Background(), int64(next))
}

// computeTarget implements the N* rule from spec §4.10. Scale-down never
// preempts running workers; it only lowers the ceiling future spawns see.
func (a *Autoscaler) computeTarget(current int, cpuPct float64, freeMem uint64, live, queueDepth int) int {
	overloaded := cpuPct > a.cfg.HighWaterCPU || freeMem < a.cfg.MemReserveBytes
	if overloaded {
		target := live - 1
		if target < 1 {
			target = 1
		}
		return target
	}

	comfortable := cpuPct < a.cfg.LowWaterCPU && freeMem >= a.cfg.MemReserveBytes
	if comfortable && queueDepth > 0 {
		target := live + 1
		if target > a.cfg.HardCap {
			target = a.cfg.HardCap
		}
		return target
	}

	return current
}
