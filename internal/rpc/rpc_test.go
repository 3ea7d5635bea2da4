package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agentd/internal/auditlog"
	"github.com/swarmguard/agentd/internal/capture"
	"github.com/swarmguard/agentd/internal/depgraph"
	"github.com/swarmguard/agentd/internal/eventbus"
	"github.com/swarmguard/agentd/internal/handlers"
	"github.com/swarmguard/agentd/internal/queue"
	"github.com/swarmguard/agentd/internal/store"
	"github.com/swarmguard/agentd/internal/supervisor"
	"github.com/swarmguard/agentd/internal/taskmanager"
	"github.com/swarmguard/agentd/internal/workerpool"
)

type fixedCap int

func (c fixedCap) Cap() int { return int(c) }

type alwaysAdmit struct{}

func (alwaysAdmit) CanSpawnWorker() bool { return true }

func newServer(t *testing.T) (*Server, *taskmanager.Manager) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "r.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	al, err := auditlog.Open(filepath.Join(dir, "r.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { al.Close() })

	capMgr := capture.NewManager(filepath.Join(dir, "spill"), s)
	sup := supervisor.New(2 * time.Second)
	bus := eventbus.New()
	pool := workerpool.New(sup, capMgr, fixedCap(4), bus, 2*time.Second, 1<<20)
	q := queue.New()
	graph := depgraph.New(s)

	mgr := taskmanager.New(s, bus, q, graph, pool, capMgr, al)
	handlers.Register(bus, s, q, graph, mgr, alwaysAdmit{})

	server := NewServer()
	RegisterTools(server, mgr)
	return server, mgr
}

func call(t *testing.T, server *Server, lines string) []Response {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, server.Serve(context.Background(), bytes.NewBufferString(lines), &out))

	var resps []Response
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		resps = append(resps, r)
	}
	return resps
}

func TestDelegateTaskCallSucceeds(t *testing.T) {
	server, _ := newServer(t)
	resps := call(t, server, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"DelegateTask","arguments":{"prompt":"echo hi"}}}`+"\n")
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	var result delegateTaskResult
	b, _ := json.Marshal(resps[0].Result)
	require.NoError(t, json.Unmarshal(b, &result))
	assert.NotEmpty(t, result.TaskID)
	assert.Equal(t, store.StatusQueued, result.Status)
}

func TestTaskStatusWithoutTaskIDReturnsArray(t *testing.T) {
	server, mgr := newServer(t)
	_, err := mgr.Delegate(context.Background(), taskmanager.DelegateSpec{Prompt: "echo a"})
	require.Nil(t, err)
	_, err = mgr.Delegate(context.Background(), taskmanager.DelegateSpec{Prompt: "echo b"})
	require.Nil(t, err)

	resps := call(t, server, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"TaskStatus","arguments":{}}}`+"\n")
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	var result []taskStatusResult
	b, _ := json.Marshal(resps[0].Result)
	require.NoError(t, json.Unmarshal(b, &result))
	assert.Len(t, result, 2)
}

func TestTaskStatusWithTaskIDReturnsSingleObject(t *testing.T) {
	server, mgr := newServer(t)
	task, err := mgr.Delegate(context.Background(), taskmanager.DelegateSpec{Prompt: "echo hi"})
	require.Nil(t, err)

	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"TaskStatus","arguments":{"taskId":"` + task.ID + `"}}}` + "\n"
	resps := call(t, server, req)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	var result taskStatusResult
	b, _ := json.Marshal(resps[0].Result)
	require.NoError(t, json.Unmarshal(b, &result))
	assert.Equal(t, task.ID, result.TaskID)
}

func TestTaskLogsAppliesTail(t *testing.T) {
	server, mgr := newServer(t)
	task, err := mgr.Delegate(context.Background(), taskmanager.DelegateSpec{Prompt: "printf 'a\\nb\\nc\\n'"})
	require.Nil(t, err)

	require.Eventually(t, func() bool {
		final, _ := mgr.GetStatus(context.Background(), task.ID)
		return final != nil && final.Status.IsTerminal()
	}, 3*time.Second, 10*time.Millisecond)

	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"TaskLogs","arguments":{"taskId":"` + task.ID + `","tail":1}}}` + "\n"
	resps := call(t, server, req)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	var result taskLogsResult
	b, _ := json.Marshal(resps[0].Result)
	require.NoError(t, json.Unmarshal(b, &result))
	assert.LessOrEqual(t, len(result.Stdout), 1)
}

func TestCancelTaskCallSucceeds(t *testing.T) {
	server, mgr := newServer(t)
	task, err := mgr.Delegate(context.Background(), taskmanager.DelegateSpec{Prompt: "sleep 10"})
	require.Nil(t, err)
	// The handlers registered by newServer admit and dispatch the task
	// inside Delegate, so it is already RUNNING here.
	running, statusErr := mgr.GetStatus(context.Background(), task.ID)
	require.Nil(t, statusErr)
	require.Equal(t, store.StatusRunning, running.Status)

	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"CancelTask","arguments":{"taskId":"` + task.ID + `","reason":"test"}}}` + "\n"
	resps := call(t, server, req)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	var result cancelTaskResult
	b, _ := json.Marshal(resps[0].Result)
	require.NoError(t, json.Unmarshal(b, &result))
	assert.True(t, result.Cancelled)
}

func TestToolsListReturnsFourTools(t *testing.T) {
	server, _ := newServer(t)
	resps := call(t, server, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n")
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	var result toolsListResult
	b, _ := json.Marshal(resps[0].Result)
	require.NoError(t, json.Unmarshal(b, &result))
	assert.Len(t, result.Tools, 4)
}

func TestMalformedLineReturnsParseError(t *testing.T) {
	server, _ := newServer(t)
	resps := call(t, server, `{not json`+"\n")
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, CodeParseError, resps[0].Error.Code)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	server, _ := newServer(t)
	resps := call(t, server, `{"jsonrpc":"2.0","id":1,"method":"bogus"}`+"\n")
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, CodeMethodNotFound, resps[0].Error.Code)
}

func TestNotificationProducesNoResponse(t *testing.T) {
	server, _ := newServer(t)
	resps := call(t, server, `{"jsonrpc":"2.0","method":"tools/list"}`+"\n")
	assert.Empty(t, resps)
}

func TestInitializeReturnsServerInfo(t *testing.T) {
	server, _ := newServer(t)
	resps := call(t, server, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n")
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	var result initializeResult
	b, _ := json.Marshal(resps[0].Result)
	require.NoError(t, json.Unmarshal(b, &result))
	assert.Equal(t, "agentd", result.ServerInfo.Name)
}
