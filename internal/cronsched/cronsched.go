// Package cronsched implements the cron scheduler of spec.md §4.12
// (C12): standard 5-field expressions evaluated in a schedule's own IANA
// timezone, and a 1-second ticker scanning the store for due schedules.
// It uses robfig/cron/v3's expression parser the way the teacher's
// scheduler.go does, but owns its own ticker loop instead of
// cron.Cron's internal scheduler, since schedules here are dynamic rows
// in internal/store rather than functions registered at startup. Per
// spec §2's control flow, firing emits ScheduleDue on the event bus
// rather than calling a task manager directly; internal/handlers'
// schedule handler turns that event into a delegate call.
package cronsched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/agentd/internal/core"
	"github.com/swarmguard/agentd/internal/eventbus"
	"github.com/swarmguard/agentd/internal/store"
)

// DefaultInterval is the scan cadence named in spec §4.12.
const DefaultInterval = 1 * time.Second

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DuePayload is the eventbus.ScheduleDue payload.
type DuePayload struct {
	ScheduleID string
	Prompt     string
	Priority   store.Priority
}

// Scheduler scans the store for due schedules on a fixed cadence and
// emits ScheduleDue for each one.
type Scheduler struct {
	store    store.Store
	bus      *eventbus.Bus
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(s store.Store, bus *eventbus.Bus, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    s,
		bus:      bus,
		interval: interval,
		logger:   slog.Default().With("component", "cronsched"),
		stopCh:   make(chan struct{}),
	}
}

// ParseExpression validates a cron expression and its timezone, used by
// schedule creation to reject bad input before it is persisted.
func ParseExpression(cronExpr, timezone string) (cron.Schedule, *time.Location, *core.Error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, nil, core.InvalidInput("invalid timezone %q: %v", timezone, err)
	}
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, nil, core.InvalidInput("invalid cron expression %q: %v", cronExpr, err)
	}
	return sched, loc, nil
}

// NextRunAt computes the next fire time strictly after from, in the
// schedule's timezone.
func NextRunAt(cronExpr, timezone string, from time.Time) (time.Time, *core.Error) {
	sched, loc, err := ParseExpression(cronExpr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.In(loc)), nil
}

// NextRunTimes returns the next k fire times strictly after from, in the
// schedule's timezone, each strictly later than the one before it. Used
// by schedule previews (e.g. a CLI "show upcoming runs" view) where a
// single NextRunAt isn't enough.
func NextRunTimes(cronExpr, timezone string, k int, from time.Time) ([]time.Time, *core.Error) {
	sched, loc, err := ParseExpression(cronExpr, timezone)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, core.InvalidInput("k must be positive, got %d", k)
	}
	times := make([]time.Time, 0, k)
	cursor := from.In(loc)
	for i := 0; i < k; i++ {
		cursor = sched.Next(cursor)
		times = append(times, cursor)
	}
	return times, nil
}

// Start launches the scan loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.scan(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scan loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// scan finds every enabled schedule whose nextRunAt has passed, fires it
// exactly once regardless of how many occurrences were missed (e.g.
// after a suspension), and advances nextRunAt from now rather than from
// the missed nextRunAt, per spec §4.12's misfire-collapse rule.
func (s *Scheduler) scan(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.FindDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("find due schedules failed", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	next, err := NextRunAt(sched.CronExpression, sched.Timezone, now)
	if err != nil {
		s.logger.Error("recompute next run failed, disabling schedule", "schedule_id", sched.ID, "error", err)
		sched.Enabled = false
		if saveErr := s.store.SaveSchedule(ctx, sched); saveErr != nil {
			s.logger.Error("failed to disable broken schedule", "schedule_id", sched.ID, "error", saveErr)
		}
		return
	}

	lastRun := now
	sched.LastRunAt = &lastRun
	sched.NextRunAt = next
	if saveErr := s.store.SaveSchedule(ctx, sched); saveErr != nil {
		s.logger.Error("failed to persist schedule advance", "schedule_id", sched.ID, "error", saveErr)
		return
	}

	payload := DuePayload{ScheduleID: sched.ID, Prompt: sched.Prompt, Priority: sched.Priority}
	if emitErr := s.bus.Emit(ctx, eventbus.ScheduleDue, payload, eventbus.EmitOptions{}); emitErr != nil {
		s.logger.Error("ScheduleDue handlers failed", "schedule_id", sched.ID, "error", emitErr)
	}
}
