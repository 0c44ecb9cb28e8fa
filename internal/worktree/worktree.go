package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentmux/agentmux/internal/git"
	"github.com/agentmux/agentmux/internal/logx"
	"github.com/agentmux/agentmux/schema"
	"pkt.systems/pslog"
)

// autoCommitMessage is used when the worktree has uncommitted changes at
// merge time.
const autoCommitMessage = "Auto-commit agent changes before merge"

// Coordinator creates and removes git worktrees for agents and runs the
// local-merge and pull-request flows. All shell invocations are serialized;
// callers must not assume two mutating operations on the same repo can
// overlap.
type Coordinator struct {
	mu      sync.Mutex
	baseDir string
	log     pslog.Logger
}

// NewCoordinator returns a coordinator rooted at baseDir
// (typically <home>/.aiagent-console/worktrees).
func NewCoordinator(baseDir string, logger pslog.Logger) *Coordinator {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Coordinator{baseDir: baseDir, log: logger.With("worktree_base", baseDir)}
}

// BaseDir returns the directory under which worktrees are created.
func (c *Coordinator) BaseDir() string {
	return c.baseDir
}

// Create adds a worktree for the agent under the base dir, attached to
// branch. The branch is created when it does not exist yet. Returns the
// worktree path.
func (c *Coordinator) Create(ctx context.Context, sourceRepo string, agentID schema.AgentID, branch string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := logx.WithAgent(ctx, agentID).With("source_repo", sourceRepo, "branch", branch)
	if !git.IsRepository(ctx, sourceRepo) {
		log.Warn("worktree create rejected: not a git repository")
		return "", fmt.Errorf("%w: %s", schema.ErrNotGitRepository, sourceRepo)
	}
	if err := os.MkdirAll(c.baseDir, 0o755); err != nil {
		return "", err
	}
	workDir := filepath.Join(c.baseDir, string(agentID))
	if git.RefExists(ctx, sourceRepo, "refs/heads/"+branch) {
		if _, err := git.Run(ctx, sourceRepo, "worktree", "add", workDir, branch); err != nil {
			return "", err
		}
	} else {
		if _, err := git.Run(ctx, sourceRepo, "worktree", "add", "-b", branch, workDir); err != nil {
			return "", err
		}
	}
	log.Info("worktree created", "work_dir", workDir)
	return workDir, nil
}

// Remove force-removes the agent's worktree. On git failure it falls back to
// a recursive filesystem delete followed by a prune. Idempotent; residual
// failures are logged and swallowed.
func (c *Coordinator) Remove(ctx context.Context, sourceRepo string, agentID schema.AgentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := logx.WithAgent(ctx, agentID).With("source_repo", sourceRepo)
	workDir := filepath.Join(c.baseDir, string(agentID))
	if _, err := git.Run(ctx, sourceRepo, "worktree", "remove", "--force", workDir); err != nil {
		log.Warn("worktree remove failed, falling back to rm", "err", err)
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("worktree dir delete failed", "err", err)
		}
		if _, err := git.Run(ctx, sourceRepo, "worktree", "prune"); err != nil {
			log.Warn("worktree prune failed", "err", err)
		}
	}
	log.Info("worktree removed", "work_dir", workDir)
}

// TryLocalMerge merges the worktree's branch into targetBranch inside the
// main repository. An empty targetBranch selects origin/HEAD when set,
// falling back to the first of main/master that exists locally. Uncommitted
// worktree changes are auto-committed first. On merge failure the conflict
// list is collected, the merge aborted, and the main repo's original branch
// restored; the returned result has Success=false and a nil error. The
// original branch is restored on unexpected failures too.
func (c *Coordinator) TryLocalMerge(ctx context.Context, workDir, targetBranch string) (schema.MergeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := c.log.With("work_dir", workDir)

	branch, err := git.CurrentBranch(ctx, workDir)
	if err != nil {
		return schema.MergeResult{}, err
	}
	mainRepo, err := git.MainWorktreePath(ctx, workDir)
	if err != nil {
		return schema.MergeResult{}, err
	}
	target, err := c.resolveTargetBranch(ctx, mainRepo, targetBranch)
	if err != nil {
		return schema.MergeResult{}, err
	}
	log = log.With("branch", branch, "target", target)

	dirty, err := git.HasUncommittedChanges(ctx, workDir)
	if err != nil {
		return schema.MergeResult{}, err
	}
	if dirty {
		if err := git.AddAll(ctx, workDir); err != nil {
			return schema.MergeResult{}, err
		}
		if _, err := git.Commit(ctx, workDir, autoCommitMessage); err != nil {
			return schema.MergeResult{}, err
		}
		log.Info("merge auto-committed worktree changes")
	}

	originalBranch, err := git.CurrentBranch(ctx, mainRepo)
	if err != nil {
		return schema.MergeResult{}, err
	}
	if _, err := git.Run(ctx, mainRepo, "checkout", target); err != nil {
		return schema.MergeResult{}, err
	}
	if _, err := git.Run(ctx, mainRepo, "merge", "--no-edit", branch); err != nil {
		conflicts, listErr := git.UnmergedFiles(ctx, mainRepo)
		if listErr != nil {
			log.Warn("merge conflict listing failed", "err", listErr)
		}
		if _, abortErr := git.Run(ctx, mainRepo, "merge", "--abort"); abortErr != nil {
			log.Warn("merge abort failed", "err", abortErr)
		}
		if _, coErr := git.Run(ctx, mainRepo, "checkout", originalBranch); coErr != nil {
			log.Warn("merge branch restore failed", "err", coErr)
		}
		log.Info("merge failed with conflicts", "conflicts", len(conflicts))
		return schema.MergeResult{
			Success:      false,
			Branch:       branch,
			TargetBranch: target,
			Conflicts:    conflicts,
			Message:      fmt.Sprintf("merge of %s into %s failed: %v", branch, target, err),
		}, nil
	}
	log.Info("merge succeeded")
	return schema.MergeResult{Success: true, Branch: branch, TargetBranch: target}, nil
}

// resolveTargetBranch picks the merge target: caller override, origin/HEAD,
// then the first of main/master that exists locally.
func (c *Coordinator) resolveTargetBranch(ctx context.Context, mainRepo, override string) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if out, err := git.Run(ctx, mainRepo, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		ref := strings.TrimSpace(out)
		if name, ok := strings.CutPrefix(ref, "origin/"); ok && name != "" {
			return name, nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if git.RefExists(ctx, mainRepo, "refs/heads/"+candidate) {
			return candidate, nil
		}
	}
	return "", schema.ErrTargetBranchUnknown
}

// CreatePullRequest pushes the worktree's branch with upstream tracking and
// opens a pull request via the gh CLI. Title and body are passed as argv
// entries, never through a shell. Returns the CLI's stdout (the PR URL)
// trimmed.
func (c *Coordinator) CreatePullRequest(ctx context.Context, workDir, title, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	branch, err := git.CurrentBranch(ctx, workDir)
	if err != nil {
		return "", err
	}
	if _, err := git.Run(ctx, workDir, "push", "-u", "origin", branch); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, "gh", "pr", "create", "--title", title, "--body", body)
	cmd.Dir = workDir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("gh pr create failed: %w (%s)", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh pr create failed: %w", err)
	}
	url := strings.TrimSpace(string(out))
	c.log.With("work_dir", workDir, "branch", branch).Info("pull request created", "url", url)
	return url, nil
}

// Status returns raw `git status` output for the worktree.
func (c *Coordinator) Status(ctx context.Context, workDir string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return git.Run(ctx, workDir, "status")
}

// Diff returns raw `git diff` output for the worktree.
func (c *Coordinator) Diff(ctx context.Context, workDir string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return git.Run(ctx, workDir, "diff")
}
