package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentmux/agentmux/internal/git"
	"github.com/agentmux/agentmux/schema"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	mustRun(t, dir, "init", "-b", "main")
	mustRun(t, dir, "config", "user.email", "test@example.com")
	mustRun(t, dir, "config", "user.name", "tester")
	writeFile(t, dir, "x.txt", "one\n")
	if err := git.AddAll(ctx, dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := git.Commit(ctx, dir, "init"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := git.Run(context.Background(), dir, args...)
	if err != nil {
		t.Fatalf("git %v: %v", args, err)
	}
	return out
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestCreateRejectsNonRepository(t *testing.T) {
	requireGit(t)
	coordinator := NewCoordinator(t.TempDir(), nil)
	_, err := coordinator.Create(context.Background(), t.TempDir(), "agent1", "agent/x")
	if !errors.Is(err, schema.ErrNotGitRepository) {
		t.Fatalf("expected ErrNotGitRepository, got %v", err)
	}
}

func TestCreateNewAndExistingBranch(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)
	coordinator := NewCoordinator(t.TempDir(), nil)

	workDir, err := coordinator.Create(ctx, repo, "agent1", "agent/x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(workDir, "x.txt")); statErr != nil {
		t.Fatalf("worktree not populated: %v", statErr)
	}
	if !git.RefExists(ctx, repo, "refs/heads/agent/x") {
		t.Fatalf("branch not created")
	}

	// A second worktree can attach to the surviving branch.
	coordinator.Remove(ctx, repo, "agent1")
	workDir2, err := coordinator.Create(ctx, repo, "agent2", "agent/x")
	if err != nil {
		t.Fatalf("create on existing branch: %v", err)
	}
	branch, err := git.CurrentBranch(ctx, workDir2)
	if err != nil {
		t.Fatalf("current branch: %v", err)
	}
	if branch != "agent/x" {
		t.Fatalf("expected agent/x, got %q", branch)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)
	coordinator := NewCoordinator(t.TempDir(), nil)
	workDir, err := coordinator.Create(ctx, repo, "agent1", "agent/x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	coordinator.Remove(ctx, repo, "agent1")
	if _, statErr := os.Stat(workDir); !os.IsNotExist(statErr) {
		t.Fatalf("expected worktree gone, stat err=%v", statErr)
	}
	coordinator.Remove(ctx, repo, "agent1")
}

func TestTryLocalMergeSuccess(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)
	coordinator := NewCoordinator(t.TempDir(), nil)
	workDir, err := coordinator.Create(ctx, repo, "agent1", "agent/x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustRun(t, workDir, "config", "user.email", "test@example.com")
	mustRun(t, workDir, "config", "user.name", "tester")
	writeFile(t, workDir, "y.txt", "new file\n")

	result, err := coordinator.TryLocalMerge(ctx, workDir, "")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Branch != "agent/x" || result.TargetBranch != "main" {
		t.Fatalf("unexpected result: %+v", result)
	}
	branch, _ := git.CurrentBranch(ctx, repo)
	if branch != "main" {
		t.Fatalf("expected main checked out, got %q", branch)
	}
	if _, statErr := os.Stat(filepath.Join(repo, "y.txt")); statErr != nil {
		t.Fatalf("merged file missing: %v", statErr)
	}
}

func TestTryLocalMergeConflictRestoresBranch(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)
	coordinator := NewCoordinator(t.TempDir(), nil)
	workDir, err := coordinator.Create(ctx, repo, "agent1", "agent/x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustRun(t, workDir, "config", "user.email", "test@example.com")
	mustRun(t, workDir, "config", "user.name", "tester")

	// Conflicting edits to line 1 of x.txt on both sides.
	writeFile(t, workDir, "x.txt", "agent change\n")
	writeFile(t, repo, "x.txt", "main change\n")
	mustRun(t, repo, "add", "-A")
	mustRun(t, repo, "commit", "-m", "main edit")
	preHead := strings.TrimSpace(mustRun(t, repo, "rev-parse", "HEAD"))

	result, err := coordinator.TryLocalMerge(ctx, workDir, "")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.Success {
		t.Fatalf("expected conflict, got %+v", result)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0] != "x.txt" {
		t.Fatalf("expected conflicts [x.txt], got %+v", result.Conflicts)
	}
	if result.TargetBranch != "main" {
		t.Fatalf("unexpected target: %+v", result)
	}
	postHead := strings.TrimSpace(mustRun(t, repo, "rev-parse", "HEAD"))
	if postHead != preHead {
		t.Fatalf("HEAD moved on failed merge: %s -> %s", preHead, postHead)
	}
	branch, _ := git.CurrentBranch(ctx, repo)
	if branch != "main" {
		t.Fatalf("expected original branch restored, got %q", branch)
	}
}

func TestResolveTargetBranch(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)
	coordinator := NewCoordinator(t.TempDir(), nil)

	target, err := coordinator.resolveTargetBranch(ctx, repo, "release")
	if err != nil || target != "release" {
		t.Fatalf("override: target=%q err=%v", target, err)
	}
	target, err = coordinator.resolveTargetBranch(ctx, repo, "")
	if err != nil || target != "main" {
		t.Fatalf("fallback: target=%q err=%v", target, err)
	}

	// A repo with neither origin/HEAD nor main/master cannot pick a target.
	trunkRepo := t.TempDir()
	mustRun(t, trunkRepo, "init", "-b", "trunk")
	mustRun(t, trunkRepo, "config", "user.email", "test@example.com")
	mustRun(t, trunkRepo, "config", "user.name", "tester")
	writeFile(t, trunkRepo, "a.txt", "a\n")
	mustRun(t, trunkRepo, "add", "-A")
	mustRun(t, trunkRepo, "commit", "-m", "init")
	if _, err := coordinator.resolveTargetBranch(ctx, trunkRepo, ""); !errors.Is(err, schema.ErrTargetBranchUnknown) {
		t.Fatalf("expected ErrTargetBranchUnknown, got %v", err)
	}
}
