package capture

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agentd/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "capture-test.db")
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.SaveTask(context.Background(), &store.Task{
		ID:        "cap-task",
		Prompt:    "x",
		Priority:  store.PriorityP1,
		Status:    store.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}))

	spillDir := filepath.Join(t.TempDir(), "spill")
	return NewManager(spillDir, s), s
}

func TestWriteWithinBudgetPersistsToStore(t *testing.T) {
	m, s := newTestManager(t)
	sess := m.Open("cap-task", 1<<20)
	sess.Write("stdout", []byte("hello\nworld\n"))
	m.Close("cap-task")

	out, err := s.ReadOutput(context.Background(), "cap-task")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello\n", "world\n"}, out.Stdout)
}

func TestWriteOverBudgetSpillsToFile(t *testing.T) {
	m, s := newTestManager(t)
	sess := m.Open("cap-task", 5) // tiny budget forces overflow quickly
	sess.Write("stdout", []byte("line-one\n"))
	sess.Write("stdout", []byte("line-two\n"))
	m.Close("cap-task")

	task, err := s.FindTaskByID(context.Background(), "cap-task")
	require.NoError(t, err)
	_ = task // truncated marker is set only on spill *failure*, not on spill itself

	out, err := m.Read("cap-task")
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, "line-one\n")
	assert.Contains(t, out.Stdout, "line-two\n")
}

func TestPartialLineFlushedOnClose(t *testing.T) {
	m, s := newTestManager(t)
	sess := m.Open("cap-task", 1<<20)
	sess.Write("stderr", []byte("no newline yet"))
	m.Close("cap-task")

	out, err := s.ReadOutput(context.Background(), "cap-task")
	require.NoError(t, err)
	require.Len(t, out.Stderr, 1)
	assert.Equal(t, "no newline yet", out.Stderr[0])
}

func TestStreamsKeptSeparate(t *testing.T) {
	m, _ := newTestManager(t)
	sess := m.Open("cap-task", 1<<20)
	sess.Write("stdout", []byte("out-line\n"))
	sess.Write("stderr", []byte("err-line\n"))
	m.Close("cap-task")

	out, err := m.Read("cap-task")
	require.NoError(t, err)
	assert.Equal(t, []string{"out-line\n"}, out.Stdout)
	assert.Equal(t, []string{"err-line\n"}, out.Stderr)
}
