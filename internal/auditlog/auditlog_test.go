package auditlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.bolt")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendChainsHashes(t *testing.T) {
	l := newTestLog(t)

	e1, err := l.Append(ActionQueued, "task-1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e1.Index)
	assert.Empty(t, e1.PrevHash)

	e2, err := l.Append(ActionStarted, "task-1", "worker-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e2.Index)
	assert.Equal(t, e1.Hash, e2.PrevHash)

	ok, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestForTaskFiltersByID(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append(ActionQueued, "a", "")
	require.NoError(t, err)
	_, err = l.Append(ActionQueued, "b", "")
	require.NoError(t, err)
	_, err = l.Append(ActionCompleted, "a", "")
	require.NoError(t, err)

	entries, err := l.ForTask("a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionQueued, entries[0].Action)
	assert.Equal(t, ActionCompleted, entries[1].Action)
}

func TestReopenResumesChainPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.bolt")
	l, err := Open(path)
	require.NoError(t, err)
	first, err := l.Append(ActionQueued, "x", "")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	second, err := reopened.Append(ActionStarted, "x", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Index)
	assert.Equal(t, first.Hash, second.PrevHash)
}
