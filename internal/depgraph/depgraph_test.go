package depgraph

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agentd/internal/core"
	"github.com/swarmguard/agentd/internal/store"
)

func newTestGraph(t *testing.T) (*Graph, store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "depgraph-test.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func seedTask(t *testing.T, s store.Store, id string, status store.Status) {
	t.Helper()
	require.NoError(t, s.SaveTask(context.Background(), &store.Task{
		ID:        id,
		Prompt:    "x",
		Priority:  store.PriorityP1,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestAddDependencyRejectsSelfLoop(t *testing.T) {
	g, s := newTestGraph(t)
	seedTask(t, s, "a", store.StatusQueued)
	err := g.AddDependency(context.Background(), "a", "a")
	require.NotNil(t, err)
	assert.True(t, core.IsCode(err, core.ErrDependencyCycle))
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()
	seedTask(t, s, "a", store.StatusQueued)
	seedTask(t, s, "b", store.StatusQueued)

	require.Nil(t, g.AddDependency(ctx, "a", "b"))
	err := g.AddDependency(ctx, "b", "a")
	require.NotNil(t, err)
	assert.True(t, core.IsCode(err, core.ErrDependencyCycle))
}

func TestUnblockedAfterPrereqTerminal(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()
	seedTask(t, s, "dependent", store.StatusBlocked)
	seedTask(t, s, "prereq", store.StatusRunning)
	require.Nil(t, g.AddDependency(ctx, "dependent", "prereq"))

	blocked, err := g.IsBlocked(ctx, "dependent")
	require.Nil(t, err)
	assert.True(t, blocked)

	seedTask(t, s, "prereq", store.StatusCompleted)
	unblocked, err := g.Unblocked(ctx, "prereq")
	require.Nil(t, err)
	assert.Equal(t, []string{"dependent"}, unblocked)
}
