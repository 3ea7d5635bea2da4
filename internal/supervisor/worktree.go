package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/swarmguard/agentd/internal/core"
)

// worktreeRoot is where every isolated checkout is created, one
// subdirectory per task.
var worktreeRoot = filepath.Join(os.TempDir(), "agentd-worktrees")

// PrepareWorktree checks out a fresh `git worktree add` under a scratch
// directory for taskID when useWorktree is set, leaving repoDir itself
// untouched, and returns the directory the subprocess should run in. It
// is a no-op returning repoDir unchanged when useWorktree is false.
func PrepareWorktree(ctx context.Context, repoDir, taskID string, useWorktree bool) (string, *core.Error) {
	if !useWorktree {
		return repoDir, nil
	}
	if strings.TrimSpace(repoDir) == "" {
		return "", core.InvalidInput("useWorktree requires a workingDirectory pointing at a git repository")
	}

	path := filepath.Join(worktreeRoot, taskID)
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "worktree", "add", "--detach", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", core.SpawnFailed("git worktree add for task %s: %v: %s", taskID, err, strings.TrimSpace(string(out)))
	}
	return path, nil
}

// CleanupWorktree removes the checkout PrepareWorktree created. Called
// from a task's terminal-transition handling, never from the hot path,
// so failures are returned for the caller to log rather than block the
// transition that triggered them.
func CleanupWorktree(repoDir, worktreePath string) error {
	if worktreePath == "" {
		return nil
	}
	cmd := exec.Command("git", "-C", repoDir, "worktree", "remove", "--force", worktreePath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &worktreeCleanupError{path: worktreePath, out: strings.TrimSpace(string(out)), cause: err}
	}
	return nil
}

type worktreeCleanupError struct {
	path  string
	out   string
	cause error
}

func (e *worktreeCleanupError) Error() string {
	return "remove worktree " + e.path + ": " + e.cause.Error() + ": " + e.out
}

func (e *worktreeCleanupError) Unwrap() error { return e.cause }
