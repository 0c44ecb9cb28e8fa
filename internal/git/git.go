package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"pkt.systems/pslog"
)

// Run executes a git command in the provided directory.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	log := pslog.Ctx(ctx).With("dir", dir, "args", strings.Join(args, " "))
	log.Debug("git run start")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		preview := strings.TrimSpace(string(output))
		truncated := false
		if len(preview) > 200 {
			preview = preview[:200]
			truncated = true
		}
		log.Warn("git run failed", "err", err, "output", preview, "truncated", truncated)
		return string(output), fmt.Errorf("git %s failed: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	log.Debug("git run ok", "output_len", len(output))
	return string(output), nil
}

// IsRepository reports whether dir is inside a git repository.
func IsRepository(ctx context.Context, dir string) bool {
	_, err := Run(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

// CurrentBranch returns the checked-out branch of dir.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RefExists reports whether ref resolves in dir.
func RefExists(ctx context.Context, dir, ref string) bool {
	_, err := Run(ctx, dir, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// HasUncommittedChanges reports whether dir has staged or unstaged changes.
func HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// AddAll stages all changes.
func AddAll(ctx context.Context, dir string) error {
	_, err := Run(ctx, dir, "add", "-A")
	return err
}

// Commit creates a commit with the provided message.
func Commit(ctx context.Context, dir, message string) (string, error) {
	return Run(ctx, dir, "commit", "-m", message)
}

// MainWorktreePath returns the primary worktree of the repository containing
// dir, from the first entry of the porcelain worktree listing.
func MainWorktreePath(ctx context.Context, dir string) (string, error) {
	out, err := Run(ctx, dir, "worktree", "list", "--porcelain")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			return strings.TrimSpace(path), nil
		}
	}
	return "", fmt.Errorf("no worktree entries in %q", dir)
}

// UnmergedFiles lists paths with merge conflicts in dir.
func UnmergedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := Run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}
