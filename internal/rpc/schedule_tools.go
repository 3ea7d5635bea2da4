package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/swarmguard/agentd/internal/core"
	"github.com/swarmguard/agentd/internal/cronsched"
	"github.com/swarmguard/agentd/internal/store"
)

// RegisterScheduleTools wires the schedule-management tools supplementing
// spec.md §6's required four: ScheduleCreate/List/Delete/Enable/Disable
// manage the cron-driven delegates of spec §4.12, and ScheduleStats
// mirrors the teacher's Scheduler.GetScheduleStats snapshot. None of
// these six appear in spec §6's table; they exist because the cron
// scheduler and its CLI surface (`schedule {create|list|delete|enable|
// disable}`) need somewhere to attach over JSON-RPC.
func RegisterScheduleTools(server *Server, s store.Store) {
	server.Handle("tools/call", chainScheduleDispatch(server, s))
	server.Handle("tools/list", func(ctx context.Context, params json.RawMessage) (any, *ResponseError) {
		return toolsListResult{Tools: append(toolDescriptors(), scheduleToolDescriptors()...)}, nil
	})
}

func scheduleToolDescriptors() []toolDescriptor {
	scheduleIDSchema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"scheduleId": map[string]any{"type": "string"}},
		"required":   []string{"scheduleId"},
	}
	return []toolDescriptor{
		{
			Name:        "ScheduleCreate",
			Description: "Create a cron-driven schedule that delegates a prompt when due.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cronExpression": map[string]any{"type": "string"},
					"timezone":       map[string]any{"type": "string"},
					"prompt":         map[string]any{"type": "string"},
					"priority":       map[string]any{"type": "string", "enum": []string{"P0", "P1", "P2"}},
				},
				"required": []string{"cronExpression", "prompt"},
			},
		},
		{
			Name:        "ScheduleList",
			Description: "List every schedule.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{Name: "ScheduleDelete", Description: "Delete a schedule.", InputSchema: scheduleIDSchema},
		{Name: "ScheduleEnable", Description: "Enable a schedule.", InputSchema: scheduleIDSchema},
		{Name: "ScheduleDisable", Description: "Disable a schedule.", InputSchema: scheduleIDSchema},
		{
			Name:        "ScheduleStats",
			Description: "Get a snapshot of schedule counts.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}

// chainScheduleDispatch wraps whatever tools/call handler is already
// registered (RegisterTools' DelegateTask/TaskStatus/TaskLogs/CancelTask
// dispatch) so both tool families share one method name, as spec §6's
// tool table and this package's MCP-style convention expect.
func chainScheduleDispatch(server *Server, s store.Store) HandlerFunc {
	previous := server.handlers["tools/call"]
	return func(ctx context.Context, params json.RawMessage) (any, *ResponseError) {
		var call toolCallParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, InvalidParams("malformed tools/call params: %v", err)
		}
		switch call.Name {
		case "ScheduleCreate":
			return scheduleCreate(ctx, s, call.Arguments)
		case "ScheduleList":
			return scheduleList(ctx, s, call.Arguments)
		case "ScheduleDelete":
			return scheduleDelete(ctx, s, call.Arguments)
		case "ScheduleEnable":
			return scheduleSetEnabled(ctx, s, call.Arguments, true)
		case "ScheduleDisable":
			return scheduleSetEnabled(ctx, s, call.Arguments, false)
		case "ScheduleStats":
			return scheduleStats(ctx, s, call.Arguments)
		default:
			if previous == nil {
				return nil, InvalidParams("unknown tool: %s", call.Name)
			}
			return previous(ctx, params)
		}
	}
}

type scheduleCreateArgs struct {
	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone"`
	Prompt         string `json:"prompt"`
	Priority       string `json:"priority"`
}

type scheduleResult struct {
	ScheduleID     string     `json:"scheduleId"`
	CronExpression string     `json:"cronExpression"`
	Timezone       string     `json:"timezone"`
	Prompt         string     `json:"prompt"`
	Priority       string     `json:"priority"`
	Enabled        bool       `json:"enabled"`
	NextRunAt      time.Time  `json:"nextRunAt"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
}

func toScheduleResult(sch *store.Schedule) scheduleResult {
	return scheduleResult{
		ScheduleID:     sch.ID,
		CronExpression: sch.CronExpression,
		Timezone:       sch.Timezone,
		Prompt:         sch.Prompt,
		Priority:       string(sch.Priority),
		Enabled:        sch.Enabled,
		NextRunAt:      sch.NextRunAt,
		LastRunAt:      sch.LastRunAt,
	}
}

func scheduleCreate(ctx context.Context, s store.Store, raw json.RawMessage) (any, *ResponseError) {
	var args scheduleCreateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, InvalidParams("malformed ScheduleCreate arguments: %v", err)
	}
	if args.Prompt == "" {
		return nil, InvalidParams("prompt is required")
	}
	timezone := args.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	priority := store.Priority(args.Priority)
	if priority == "" {
		priority = store.PriorityP1
	}

	next, parseErr := cronsched.NextRunAt(args.CronExpression, timezone, time.Now().UTC())
	if parseErr != nil {
		return nil, toResponseError(parseErr)
	}

	sch := &store.Schedule{
		ID:             core.NewID(),
		CronExpression: args.CronExpression,
		Timezone:       timezone,
		Prompt:         args.Prompt,
		Priority:       priority,
		Enabled:        true,
		NextRunAt:      next,
	}
	if err := s.SaveSchedule(ctx, sch); err != nil {
		return nil, InternalError(err)
	}
	return toScheduleResult(sch), nil
}

func scheduleList(ctx context.Context, s store.Store, raw json.RawMessage) (any, *ResponseError) {
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return nil, InternalError(err)
	}
	out := make([]scheduleResult, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, toScheduleResult(sch))
	}
	return out, nil
}

type scheduleIDArgs struct {
	ScheduleID string `json:"scheduleId"`
}

func scheduleDelete(ctx context.Context, s store.Store, raw json.RawMessage) (any, *ResponseError) {
	var args scheduleIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, InvalidParams("malformed ScheduleDelete arguments: %v", err)
	}
	if args.ScheduleID == "" {
		return nil, InvalidParams("scheduleId is required")
	}
	if err := s.DeleteSchedule(ctx, args.ScheduleID); err != nil {
		return nil, InternalError(err)
	}
	return map[string]bool{"deleted": true}, nil
}

func scheduleSetEnabled(ctx context.Context, s store.Store, raw json.RawMessage, enabled bool) (any, *ResponseError) {
	var args scheduleIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, InvalidParams("malformed arguments: %v", err)
	}
	if args.ScheduleID == "" {
		return nil, InvalidParams("scheduleId is required")
	}
	sch, err := s.FindScheduleByID(ctx, args.ScheduleID)
	if err != nil {
		return nil, InternalError(err)
	}
	sch.Enabled = enabled
	if err := s.SaveSchedule(ctx, sch); err != nil {
		return nil, InternalError(err)
	}
	return toScheduleResult(sch), nil
}

type scheduleStatsResult struct {
	TotalSchedules   int `json:"totalSchedules"`
	EnabledSchedules int `json:"enabledSchedules"`
	DueNow           int `json:"dueNow"`
}

// scheduleStats mirrors the teacher's Scheduler.GetScheduleStats: a
// snapshot of entry counts rather than a cumulative misfire counter,
// since this design collapses misfires at scan time (internal/cronsched)
// instead of tracking them as a running total.
func scheduleStats(ctx context.Context, s store.Store, raw json.RawMessage) (any, *ResponseError) {
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return nil, InternalError(err)
	}
	due, err := s.FindDueSchedules(ctx, time.Now().UTC())
	if err != nil {
		return nil, InternalError(err)
	}
	enabled := 0
	for _, sch := range schedules {
		if sch.Enabled {
			enabled++
		}
	}
	return scheduleStatsResult{TotalSchedules: len(schedules), EnabledSchedules: enabled, DueNow: len(due)}, nil
}
