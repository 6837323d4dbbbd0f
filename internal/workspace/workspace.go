// Package workspace resolves where a project's tests run and prepares that
// directory before a run.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mpataki/testforge/internal/models"
)

// Workspaces manages synced project copies under one base directory, one
// subdirectory per project id.
type Workspaces struct {
	baseDir   string
	translate func(string) string
	logger    *slog.Logger
}

// New returns a Workspaces rooted at baseDir. translate maps a stored project
// path into this process's view of the filesystem; nil means identity.
func New(baseDir string, translate func(string) string, logger *slog.Logger) *Workspaces {
	if translate == nil {
		translate = func(p string) string { return p }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspaces{baseDir: baseDir, translate: translate, logger: logger}
}

// Path is the synced copy location for projectID.
func (w *Workspaces) Path(projectID string) string {
	return filepath.Join(w.baseDir, projectID)
}

// EffectivePath returns the synced copy when it exists and is non-empty,
// otherwise the translated project path.
func (w *Workspaces) EffectivePath(p models.Project) string {
	ws := w.Path(p.ID)
	entries, err := os.ReadDir(ws)
	if err == nil && len(entries) > 0 {
		w.logger.Info("using synced workspace", "project_id", p.ID, "path", ws)
		return ws
	}
	return w.translate(p.Path)
}

// Sync snapshots sourceRepo's current HEAD into the project's workspace as a
// detached git worktree, replacing any previous snapshot.
func (w *Workspaces) Sync(projectID, sourceRepo string) (string, error) {
	absRepo, err := filepath.Abs(sourceRepo)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repo path: %w", err)
	}

	if _, err := git(absRepo, "rev-parse", "--git-dir"); err != nil {
		return "", fmt.Errorf("%s is not a git repository", absRepo)
	}

	out, err := git(absRepo, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD: %w", err)
	}
	sha := strings.TrimSpace(out)

	target := w.Path(projectID)
	if _, err := os.Stat(target); err == nil {
		// a stale worktree registration would make "worktree add" refuse the path
		_, _ = git(absRepo, "worktree", "remove", "--force", target)
		if err := os.RemoveAll(target); err != nil {
			return "", fmt.Errorf("failed to clear workspace: %w", err)
		}
		_, _ = git(absRepo, "worktree", "prune")
	}
	if err := os.MkdirAll(w.baseDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace directory: %w", err)
	}

	if out, err := git(absRepo, "worktree", "add", "--detach", target, sha); err != nil {
		return "", fmt.Errorf("failed to create worktree: %s", out)
	}
	w.logger.Info("workspace synced", "project_id", projectID, "sha", sha, "path", target)
	return target, nil
}

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
