package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agentd/internal/capture"
	"github.com/swarmguard/agentd/internal/store"
)

func newTestSession(t *testing.T, taskID string) (*capture.Session, store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sup-test.db")
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SaveTask(context.Background(), &store.Task{
		ID: taskID, Prompt: "x", Priority: store.PriorityP1,
		Status: store.StatusRunning, CreatedAt: time.Now().UTC(),
	}))
	mgr := capture.NewManager(filepath.Join(t.TempDir(), "spill"), s)
	return mgr.Open(taskID, 1<<20), s
}

func TestSpawnSuccessExitsClean(t *testing.T) {
	sess, s := newTestSession(t, "t1")
	sup := New(2 * time.Second)

	h, err := sup.Spawn("t1", "echo hello", "", sess)
	require.Nil(t, err)

	result := h.Wait()
	assert.Equal(t, ReasonSuccess, result.Reason)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)

	out, readErr := s.ReadOutput(context.Background(), "t1")
	require.NoError(t, readErr)
	assert.Contains(t, out.Stdout, "hello\n")
}

func TestSpawnNonZeroExitIsFailure(t *testing.T) {
	sess, _ := newTestSession(t, "t2")
	sup := New(2 * time.Second)

	h, err := sup.Spawn("t2", "exit 7", "", sess)
	require.Nil(t, err)

	result := h.Wait()
	assert.Equal(t, ReasonFailure, result.Reason)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 7, *result.ExitCode)
}

func TestKillClassifiesAsCancelled(t *testing.T) {
	sess, _ := newTestSession(t, "t3")
	sup := New(2 * time.Second)

	h, err := sup.Spawn("t3", "sleep 10", "", sess)
	require.Nil(t, err)

	h.Kill("cancel")
	result := h.Wait()
	assert.Equal(t, ReasonCancelled, result.Reason)
}

func TestKillClassifiesAsTimeout(t *testing.T) {
	sess, _ := newTestSession(t, "t4")
	sup := New(2 * time.Second)

	h, err := sup.Spawn("t4", "sleep 10", "", sess)
	require.Nil(t, err)

	h.Kill("timeout")
	result := h.Wait()
	assert.Equal(t, ReasonTimeout, result.Reason)
}
