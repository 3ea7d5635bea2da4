package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agentd/internal/store"
)

func newScheduleServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	server := NewServer()
	RegisterScheduleTools(server, s)
	return server, s
}

func callLine(t *testing.T, server *Server, line string) Response {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, server.Serve(context.Background(), bytes.NewBufferString(line+"\n"), &out))

	var r Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &r))
	return r
}

func TestScheduleCreateAndList(t *testing.T) {
	server, _ := newScheduleServer(t)

	createResp := callLine(t, server, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ScheduleCreate","arguments":{"cronExpression":"0 0 * * *","prompt":"nightly build"}}}`)
	require.Nil(t, createResp.Error)

	var created scheduleResult
	b, _ := json.Marshal(createResp.Result)
	require.NoError(t, json.Unmarshal(b, &created))
	assert.NotEmpty(t, created.ScheduleID)
	assert.True(t, created.Enabled)

	listResp := callLine(t, server, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ScheduleList","arguments":{}}}`)
	require.Nil(t, listResp.Error)

	var list []scheduleResult
	b, _ = json.Marshal(listResp.Result)
	require.NoError(t, json.Unmarshal(b, &list))
	assert.Len(t, list, 1)
}

func TestScheduleCreateRejectsBadCron(t *testing.T) {
	server, _ := newScheduleServer(t)
	resp := callLine(t, server, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ScheduleCreate","arguments":{"cronExpression":"garbage","prompt":"x"}}}`)
	require.NotNil(t, resp.Error)
}

func TestScheduleDisableThenEnable(t *testing.T) {
	server, _ := newScheduleServer(t)
	createResp := callLine(t, server, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ScheduleCreate","arguments":{"cronExpression":"0 0 * * *","prompt":"nightly build"}}}`)
	var created scheduleResult
	b, _ := json.Marshal(createResp.Result)
	require.NoError(t, json.Unmarshal(b, &created))

	disableReq := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ScheduleDisable","arguments":{"scheduleId":"` + created.ScheduleID + `"}}}`
	disableResp := callLine(t, server, disableReq)
	require.Nil(t, disableResp.Error)
	var disabled scheduleResult
	b, _ = json.Marshal(disableResp.Result)
	require.NoError(t, json.Unmarshal(b, &disabled))
	assert.False(t, disabled.Enabled)

	enableReq := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"ScheduleEnable","arguments":{"scheduleId":"` + created.ScheduleID + `"}}}`
	enableResp := callLine(t, server, enableReq)
	require.Nil(t, enableResp.Error)
	var enabled scheduleResult
	b, _ = json.Marshal(enableResp.Result)
	require.NoError(t, json.Unmarshal(b, &enabled))
	assert.True(t, enabled.Enabled)
}

func TestScheduleDeleteRemovesSchedule(t *testing.T) {
	server, _ := newScheduleServer(t)
	createResp := callLine(t, server, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ScheduleCreate","arguments":{"cronExpression":"0 0 * * *","prompt":"nightly build"}}}`)
	var created scheduleResult
	b, _ := json.Marshal(createResp.Result)
	require.NoError(t, json.Unmarshal(b, &created))

	deleteReq := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ScheduleDelete","arguments":{"scheduleId":"` + created.ScheduleID + `"}}}`
	deleteResp := callLine(t, server, deleteReq)
	require.Nil(t, deleteResp.Error)

	listResp := callLine(t, server, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"ScheduleList","arguments":{}}}`)
	var list []scheduleResult
	b, _ = json.Marshal(listResp.Result)
	require.NoError(t, json.Unmarshal(b, &list))
	assert.Empty(t, list)
}

func TestScheduleStatsCountsEnabled(t *testing.T) {
	server, _ := newScheduleServer(t)
	callLine(t, server, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ScheduleCreate","arguments":{"cronExpression":"0 0 * * *","prompt":"a"}}}`)
	callLine(t, server, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ScheduleCreate","arguments":{"cronExpression":"0 0 * * *","prompt":"b"}}}`)

	statsResp := callLine(t, server, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"ScheduleStats","arguments":{}}}`)
	require.Nil(t, statsResp.Error)

	var stats scheduleStatsResult
	b, _ := json.Marshal(statsResp.Result)
	require.NoError(t, json.Unmarshal(b, &stats))
	assert.Equal(t, 2, stats.TotalSchedules)
	assert.Equal(t, 2, stats.EnabledSchedules)
}

func TestToolsListIncludesScheduleTools(t *testing.T) {
	server, _ := newScheduleServer(t)
	resp := callLine(t, server, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)

	var result toolsListResult
	b, _ := json.Marshal(resp.Result)
	require.NoError(t, json.Unmarshal(b, &result))
	assert.Len(t, result.Tools, 10)
}
