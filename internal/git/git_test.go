package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
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
	if _, err := Run(ctx, dir, "init", "-b", "main"); err != nil {
		t.Fatalf("git init: %v", err)
	}
	if _, err := Run(ctx, dir, "config", "user.email", "test@example.com"); err != nil {
		t.Fatalf("git config email: %v", err)
	}
	if _, err := Run(ctx, dir, "config", "user.name", "tester"); err != nil {
		t.Fatalf("git config name: %v", err)
	}
	return dir
}

func TestRunOutsideRepoErrors(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	if _, err := Run(context.Background(), dir, "status"); err == nil {
		t.Fatalf("expected error outside repo")
	}
}

func TestIsRepository(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	if !IsRepository(context.Background(), dir) {
		t.Fatalf("expected repository")
	}
	if IsRepository(context.Background(), t.TempDir()) {
		t.Fatalf("expected non-repository")
	}
}

func TestCurrentBranchAndRefExists(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := AddAll(ctx, dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := Commit(ctx, dir, "init"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	branch, err := CurrentBranch(ctx, dir)
	if err != nil {
		t.Fatalf("current branch: %v", err)
	}
	if branch != "main" {
		t.Fatalf("expected main, got %q", branch)
	}
	if !RefExists(ctx, dir, "refs/heads/main") {
		t.Fatalf("expected refs/heads/main")
	}
	if RefExists(ctx, dir, "refs/heads/nope") {
		t.Fatalf("unexpected ref")
	}
}

func TestHasUncommittedChanges(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := AddAll(ctx, dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := Commit(ctx, dir, "init"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	dirty, err := HasUncommittedChanges(ctx, dir)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if dirty {
		t.Fatalf("expected clean tree")
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	dirty, err = HasUncommittedChanges(ctx, dir)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !dirty {
		t.Fatalf("expected dirty tree")
	}
}

func TestMainWorktreePath(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := AddAll(ctx, dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := Commit(ctx, dir, "init"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	aux := filepath.Join(t.TempDir(), "wt")
	if _, err := Run(ctx, dir, "worktree", "add", "-b", "side", aux); err != nil {
		t.Fatalf("worktree add: %v", err)
	}
	main, err := MainWorktreePath(ctx, aux)
	if err != nil {
		t.Fatalf("main worktree: %v", err)
	}
	resolvedMain, _ := filepath.EvalSymlinks(main)
	resolvedDir, _ := filepath.EvalSymlinks(dir)
	if resolvedMain != resolvedDir {
		t.Fatalf("expected main worktree %q, got %q", resolvedDir, resolvedMain)
	}
}
