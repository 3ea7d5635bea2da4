// Package monitor implements the resource monitor of spec.md §4.9 (C9):
// periodic CPU/memory sampling, EWMA-smoothed CPU to damp spikes, and the
// CanSpawnWorker admission predicate the worker handler (internal/handlers)
// consults before each dispatch; the autoscaler reads the samples through
// Snapshot. Sampling is grounded on gopsutil, the host-metrics library
// already present in the retrieved example pack, in the teacher's
// periodic-ticker-plus-gauge idiom from resilience/hybrid_ratelimiter.go.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Default thresholds from spec §4.9.
const (
	DefaultInterval        = 1 * time.Second
	DefaultCPUThreshold    = 80.0 // percent
	DefaultMemReserveBytes = 1 << 30
	ewmaAlpha              = 0.3
)

// Config tunes the monitor's sampling cadence and admission thresholds.
type Config struct {
	Interval        time.Duration
	CPUThreshold    float64
	MemReserveBytes uint64
	HardCap         int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = DefaultCPUThreshold
	}
	if c.MemReserveBytes == 0 {
		c.MemReserveBytes = DefaultMemReserveBytes
	}
	if c.HardCap <= 0 {
		c.HardCap = 1
	}
	return c
}

// LiveWorkerCounter is satisfied by internal/workerpool.Pool.
type LiveWorkerCounter interface {
	WorkerCount() int
}

// reading is one raw (unsmoothed) resource sample.
type reading struct {
	cpuPercent   float64
	freeMemBytes uint64
}

// Monitor samples host resource usage on a fixed cadence and exposes a
// smoothed snapshot plus the canSpawnWorker predicate.
type Monitor struct {
	cfg     Config
	workers LiveWorkerCounter
	logger  *slog.Logger
	read    func(ctx context.Context) reading

	mu           sync.RWMutex
	smoothedCPU  float64
	freeMemBytes uint64
	primed       bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	cpuGauge metric.Float64Gauge
	memGauge metric.Int64Gauge
}

func New(cfg Config, workers LiveWorkerCounter) *Monitor {
	meter := otel.GetMeterProvider().Meter("agentd-monitor")
	cpuGauge, _ := meter.Float64Gauge("agentd_monitor_cpu_smoothed_percent")
	memGauge, _ := meter.Int64Gauge("agentd_monitor_free_memory_bytes")

	m := &Monitor{
		cfg:      cfg.withDefaults(),
		workers:  workers,
		logger:   slog.Default().With("component", "monitor"),
		stopCh:   make(chan struct{}),
		cpuGauge: cpuGauge,
		memGauge: memGauge,
	}
	m.read = m.readHost
	return m
}

func (m *Monitor) readHost(ctx context.Context) reading {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	var raw float64
	if err != nil || len(percents) == 0 {
		m.logger.Warn("cpu sample failed", "error", err)
	} else {
		raw = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	var free uint64
	if err != nil {
		m.logger.Warn("memory sample failed", "error", err)
	} else {
		free = vm.Available
	}
	return reading{cpuPercent: raw, freeMemBytes: free}
}

// Start launches the sampling loop; it blocks on its first sample so
// Snapshot is meaningful immediately after Start returns.
func (m *Monitor) Start(ctx context.Context) {
	m.sample(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample(ctx)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) sample(ctx context.Context) {
	r := m.read(ctx)

	m.mu.Lock()
	if !m.primed {
		m.smoothedCPU = r.cpuPercent
		m.primed = true
	} else {
		m.smoothedCPU = ewmaAlpha*r.cpuPercent + (1-ewmaAlpha)*m.smoothedCPU
	}
	m.freeMemBytes = r.freeMemBytes
	smoothed := m.smoothedCPU
	m.mu.Unlock()

	m.cpuGauge.Record(ctx, smoothed)
	m.memGauge.Record(ctx, int64(r.freeMemBytes))
}

// Snapshot is a point-in-time view of the monitor's smoothed readings.
type Snapshot struct {
	SmoothedCPUPercent float64
	FreeMemoryBytes    uint64
	LiveWorkers        int
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		SmoothedCPUPercent: m.smoothedCPU,
		FreeMemoryBytes:    m.freeMemBytes,
		LiveWorkers:        m.workers.WorkerCount(),
	}
}

// CanSpawnWorker reports whether the monitor currently allows a new
// worker to spawn (spec §4.9): smoothed CPU under threshold, free memory
// above reserve, and live workers under the hard cap.
func (m *Monitor) CanSpawnWorker() bool {
	snap := m.Snapshot()
	return snap.SmoothedCPUPercent < m.cfg.CPUThreshold &&
		snap.FreeMemoryBytes > m.cfg.MemReserveBytes &&
		snap.LiveWorkers < m.cfg.HardCap
}

// HardCap returns the configured hard worker ceiling.
func (m *Monitor) HardCap() int {
	return m.cfg.HardCap
}
