// Command agentctl is the thin CLI client of spec.md §6's "CLI surface"
// (specified for exit semantics only: 0 on success, 1 on error). It
// speaks to an agentd process over the same line-delimited JSON-RPC
// protocol agentd itself implements, following the teacher's cobra
// bootstrap shape (88lin-divinesense's cmd/divinesense/main.go) adapted
// from an HTTP-serving root command to a one-shot request/response CLI.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
)

var agentdPath string

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "Control an agentd daemon: delegate tasks, check status, read logs, cancel work, manage schedules.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&agentdPath, "agentd", "agentd", "path to the agentd binary to dial")
	rootCmd.AddCommand(
		delegateCmd(),
		statusCmd(),
		logsCmd(),
		cancelCmd(),
		scheduleCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rpcRequest spawns agentdPath, sends one JSON-RPC request for the given
// tool, reads the single-line response, and returns its result or an
// error. Each invocation of agentctl owns a private agentd process for
// the duration of one call — the daemon's stdio transport has no
// mechanism for multiple independent clients to share a running
// instance, so agentctl always points its own agentd at the caller's
// configured store/audit paths via the same AGENTD_* environment
// variables internal/config reads.
func rpcRequest(toolName string, args any) (json.RawMessage, error) {
	cmd := exec.Command(agentdPath)
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open agentd stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open agentd stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agentd: %w", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	argBytes, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  mustMarshal(map[string]any{"name": toolName, "arguments": json.RawMessage(argBytes)}),
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	reader := bufio.NewReader(stdout)
	respLine, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(strings.TrimSpace(string(respLine))) == 0 {
		return nil, fmt.Errorf("agentd closed without responding")
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s", resp.Error.Message)
	}
	return resp.Result, nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func printResult(result json.RawMessage) {
	var pretty map[string]any
	if err := json.Unmarshal(result, &pretty); err == nil {
		b, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Println(string(result))
}

func delegateCmd() *cobra.Command {
	var priority, workingDirectory string
	var timeoutMS, maxOutputBuffer int64
	var useWorktree bool
	var dependsOn []string

	cmd := &cobra.Command{
		Use:   "delegate <prompt>",
		Short: "Delegate a prompt to a supervised subprocess agent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"prompt": args[0]}
			if priority != "" {
				payload["priority"] = priority
			}
			if workingDirectory != "" {
				payload["workingDirectory"] = workingDirectory
			}
			if timeoutMS > 0 {
				payload["timeout"] = timeoutMS
			}
			if maxOutputBuffer > 0 {
				payload["maxOutputBuffer"] = maxOutputBuffer
			}
			if useWorktree {
				payload["useWorktree"] = true
			}
			if len(dependsOn) > 0 {
				payload["dependsOn"] = dependsOn
			}
			result, err := rpcRequest("DelegateTask", payload)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "P0, P1, or P2")
	cmd.Flags().StringVar(&workingDirectory, "working-directory", "", "working directory for the subprocess")
	cmd.Flags().Int64Var(&timeoutMS, "timeout", 0, "timeout in milliseconds")
	cmd.Flags().Int64Var(&maxOutputBuffer, "max-output-buffer", 0, "max captured output bytes before spill")
	cmd.Flags().BoolVar(&useWorktree, "use-worktree", false, "run in an isolated git worktree")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "prerequisite task IDs")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [taskId]",
		Short: "Get the status of one task, or every task if taskId is omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if len(args) == 1 {
				payload["taskId"] = args[0]
			}
			result, err := rpcRequest("TaskStatus", payload)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <taskId>",
		Short: "Get a task's captured stdout/stderr.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"taskId": args[0]}
			if tail > 0 {
				payload["tail"] = tail
			}
			result, err := rpcRequest("TaskLogs", payload)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 0, "only show the last N lines of stdout/stderr")
	return cmd
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <taskId>",
		Short: "Cancel a task.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"taskId": args[0]}
			if reason != "" {
				payload["reason"] = reason
			}
			result, err := rpcRequest("CancelTask", payload)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "human-readable cancellation reason")
	return cmd
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-driven schedules.",
	}
	cmd.AddCommand(
		scheduleCreateCmd(),
		scheduleListCmd(),
		scheduleDeleteCmd(),
		scheduleEnableCmd(),
		scheduleDisableCmd(),
	)
	return cmd
}

func scheduleCreateCmd() *cobra.Command {
	var timezone, priority string
	cmd := &cobra.Command{
		Use:   "create <cronExpression> <prompt>",
		Short: "Create a schedule.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"cronExpression": args[0], "prompt": args[1]}
			if timezone != "" {
				payload["timezone"] = timezone
			}
			if priority != "" {
				payload["priority"] = priority
			}
			result, err := rpcRequest("ScheduleCreate", payload)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone, default UTC")
	cmd.Flags().StringVar(&priority, "priority", "", "P0, P1, or P2")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every schedule.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := rpcRequest("ScheduleList", map[string]any{})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

func scheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <scheduleId>",
		Short: "Delete a schedule.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := rpcRequest("ScheduleDelete", map[string]any{"scheduleId": args[0]})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

func scheduleEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <scheduleId>",
		Short: "Enable a schedule.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := rpcRequest("ScheduleEnable", map[string]any{"scheduleId": args[0]})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

func scheduleDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <scheduleId>",
		Short: "Disable a schedule.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := rpcRequest("ScheduleDisable", map[string]any{"scheduleId": args[0]})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}
