package supervisor

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agentd/internal/core"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, exec.Command("sh", "-c", "echo hi > "+filepath.Join(dir, "README")).Run())
	run("add", "README")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestPrepareWorktreeIsNoOpWhenDisabled(t *testing.T) {
	path, err := PrepareWorktree(context.Background(), "/some/repo", "task-1", false)
	require.Nil(t, err)
	assert.Equal(t, "/some/repo", path)
}

func TestPrepareWorktreeRejectsEmptyRepoDir(t *testing.T) {
	_, err := PrepareWorktree(context.Background(), "", "task-1", true)
	require.NotNil(t, err)
	assert.True(t, core.IsCode(err, core.ErrInvalidInput))
}

func TestPrepareAndCleanupWorktreeRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	taskID := "task-worktree-1"

	path, err := PrepareWorktree(context.Background(), repo, taskID, true)
	require.Nil(t, err)
	assert.DirExists(t, path)
	assert.FileExists(t, filepath.Join(path, "README"))

	require.NoError(t, CleanupWorktree(repo, path))
	assert.NoDirExists(t, path)
}

func TestPrepareWorktreeFailsForNonGitRepoDir(t *testing.T) {
	dir := t.TempDir()
	_, err := PrepareWorktree(context.Background(), dir, "task-2", true)
	require.NotNil(t, err)
	assert.True(t, core.IsCode(err, core.ErrSpawnFailed))
}

func TestCleanupWorktreeIsNoOpForEmptyPath(t *testing.T) {
	require.NoError(t, CleanupWorktree("/some/repo", ""))
}
