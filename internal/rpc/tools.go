package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/swarmguard/agentd/internal/core"
	"github.com/swarmguard/agentd/internal/store"
	"github.com/swarmguard/agentd/internal/taskmanager"
)

const protocolVersion = "2025-03-26"

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      serverInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// RegisterTools wires the initialize/tools/list/tools/call method family
// and the four recognized tools of spec.md §6 onto server, dispatching
// into mgr.
func RegisterTools(server *Server, mgr *taskmanager.Manager) {
	server.Handle("initialize", func(ctx context.Context, params json.RawMessage) (any, *ResponseError) {
		return initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: "agentd", Version: "1.0"},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}, nil
	})

	server.Handle("tools/list", func(ctx context.Context, params json.RawMessage) (any, *ResponseError) {
		return toolsListResult{Tools: toolDescriptors()}, nil
	})

	server.Handle("tools/call", func(ctx context.Context, params json.RawMessage) (any, *ResponseError) {
		var call toolCallParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, InvalidParams("malformed tools/call params: %v", err)
		}
		switch call.Name {
		case "DelegateTask":
			return delegateTask(ctx, mgr, call.Arguments)
		case "TaskStatus":
			return taskStatus(ctx, mgr, call.Arguments)
		case "TaskLogs":
			return taskLogs(ctx, mgr, call.Arguments)
		case "CancelTask":
			return cancelTask(ctx, mgr, call.Arguments)
		default:
			return nil, InvalidParams("unknown tool: %s", call.Name)
		}
	})
}

func toolDescriptors() []toolDescriptor {
	return []toolDescriptor{
		{
			Name:        "DelegateTask",
			Description: "Delegate a prompt to a supervised subprocess agent.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt":           map[string]any{"type": "string"},
					"priority":         map[string]any{"type": "string", "enum": []string{"P0", "P1", "P2"}},
					"timeout":          map[string]any{"type": "integer"},
					"maxOutputBuffer":  map[string]any{"type": "integer"},
					"workingDirectory": map[string]any{"type": "string"},
					"useWorktree":      map[string]any{"type": "boolean"},
					"dependsOn":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"prompt"},
			},
		},
		{
			Name:        "TaskStatus",
			Description: "Get the status of one task, or every task if taskId is omitted.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"taskId": map[string]any{"type": "string"}},
			},
		},
		{
			Name:        "TaskLogs",
			Description: "Get a task's captured stdout/stderr.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"taskId": map[string]any{"type": "string"}, "tail": map[string]any{"type": "integer"}},
				"required":   []string{"taskId"},
			},
		},
		{
			Name:        "CancelTask",
			Description: "Cancel a task.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"taskId": map[string]any{"type": "string"}, "reason": map[string]any{"type": "string"}},
				"required":   []string{"taskId"},
			},
		},
	}
}

type delegateTaskArgs struct {
	Prompt           string   `json:"prompt"`
	Priority         string   `json:"priority"`
	Timeout          *int64   `json:"timeout"`
	MaxOutputBuffer  *int64   `json:"maxOutputBuffer"`
	WorkingDirectory string   `json:"workingDirectory"`
	UseWorktree      bool     `json:"useWorktree"`
	DependsOn        []string `json:"dependsOn"`
}

type delegateTaskResult struct {
	TaskID string      `json:"taskId"`
	Status store.Status `json:"status"`
}

func delegateTask(ctx context.Context, mgr *taskmanager.Manager, raw json.RawMessage) (any, *ResponseError) {
	var args delegateTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, InvalidParams("malformed DelegateTask arguments: %v", err)
	}
	task, err := mgr.Delegate(ctx, taskmanager.DelegateSpec{
		Prompt:           args.Prompt,
		Priority:         store.Priority(args.Priority),
		WorkingDirectory: args.WorkingDirectory,
		UseWorktree:      args.UseWorktree,
		TimeoutMS:        args.Timeout,
		MaxOutputBuffer:  args.MaxOutputBuffer,
		Prerequisites:    args.DependsOn,
	})
	if err != nil {
		return nil, toResponseError(err)
	}
	return delegateTaskResult{TaskID: task.ID, Status: task.Status}, nil
}

type taskStatusArgs struct {
	TaskID string `json:"taskId"`
}

type taskStatusResult struct {
	TaskID      string     `json:"taskId"`
	Status      store.Status `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
}

func taskStatus(ctx context.Context, mgr *taskmanager.Manager, raw json.RawMessage) (any, *ResponseError) {
	var args taskStatusArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, InvalidParams("malformed TaskStatus arguments: %v", err)
		}
	}
	if args.TaskID != "" {
		task, err := mgr.GetStatus(ctx, args.TaskID)
		if err != nil {
			return nil, toResponseError(err)
		}
		return toStatusResult(task), nil
	}
	tasks, err := mgr.ListAll(ctx)
	if err != nil {
		return nil, toResponseError(err)
	}
	out := make([]taskStatusResult, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toStatusResult(t))
	}
	return out, nil
}

func toStatusResult(t *store.Task) taskStatusResult {
	return taskStatusResult{
		TaskID:      t.ID,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		ExitCode:    t.ExitCode,
	}
}

type taskLogsArgs struct {
	TaskID string `json:"taskId"`
	Tail   int    `json:"tail"`
}

type taskLogsResult struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

func taskLogs(ctx context.Context, mgr *taskmanager.Manager, raw json.RawMessage) (any, *ResponseError) {
	var args taskLogsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, InvalidParams("malformed TaskLogs arguments: %v", err)
	}
	if args.TaskID == "" {
		return nil, InvalidParams("taskId is required")
	}
	out, err := mgr.GetLogs(ctx, args.TaskID)
	if err != nil {
		return nil, toResponseError(err)
	}
	stdout, stderr := out.Stdout, out.Stderr
	if args.Tail > 0 {
		stdout = tailLines(stdout, args.Tail)
		stderr = tailLines(stderr, args.Tail)
	}
	return taskLogsResult{Stdout: stdout, Stderr: stderr}, nil
}

func tailLines(lines []string, n int) []string {
	if n >= len(lines) {
		return lines
	}
	return lines[len(lines)-n:]
}

type cancelTaskArgs struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

type cancelTaskResult struct {
	Cancelled bool `json:"cancelled"`
}

func cancelTask(ctx context.Context, mgr *taskmanager.Manager, raw json.RawMessage) (any, *ResponseError) {
	var args cancelTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, InvalidParams("malformed CancelTask arguments: %v", err)
	}
	if args.TaskID == "" {
		return nil, InvalidParams("taskId is required")
	}
	if err := mgr.Cancel(ctx, args.TaskID, args.Reason); err != nil {
		return nil, toResponseError(err)
	}
	return cancelTaskResult{Cancelled: true}, nil
}

// toResponseError maps the daemon's closed error-kind taxonomy (spec §7)
// onto JSON-RPC error codes, preserving the original kind in Data so a
// CLI client can branch on it without string-matching Message.
func toResponseError(err *core.Error) *ResponseError {
	code := CodeInternalError
	switch {
	case core.IsCode(err, core.ErrInvalidInput):
		code = CodeInvalidParams
	case core.IsCode(err, core.ErrNotFound):
		code = CodeInvalidParams
	}
	return &ResponseError{Code: code, Message: err.Error(), Data: map[string]string{"kind": string(err.Code)}}
}
