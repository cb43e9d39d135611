package subagent

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// setupWorktree creates a detached git worktree for one task so its file
// edits cannot race the shared workspace. Returns the worktree path and a
// cleanup func. Fails when the workspace is not a git repository.
func setupWorktree(workspace, taskID string) (string, func(), error) {
	check := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	check.Dir = workspace
	if out, err := check.CombinedOutput(); err != nil || strings.TrimSpace(string(out)) != "true" {
		return "", nil, fmt.Errorf("workspace is not a git repository")
	}

	path := filepath.Join(os.TempDir(), "nibot-worktree-"+taskID)
	add := exec.Command("git", "worktree", "add", "--detach", path)
	add.Dir = workspace
	if out, err := add.CombinedOutput(); err != nil {
		return "", nil, fmt.Errorf("git worktree add: %v: %s", err, strings.TrimSpace(string(out)))
	}

	cleanup := func() {
		rm := exec.Command("git", "worktree", "remove", "--force", path)
		rm.Dir = workspace
		if out, err := rm.CombinedOutput(); err != nil {
			slog.Warn("worktree cleanup failed", "path", path, "error", err,
				"output", strings.TrimSpace(string(out)))
			os.RemoveAll(path)
		}
	}
	return path, cleanup, nil
}
