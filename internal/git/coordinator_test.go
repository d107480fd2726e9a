package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sprintd/sprintd/internal/common/config"
	"github.com/sprintd/sprintd/internal/common/logger"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return NewCoordinator(config.GitConfig{Binary: "git", MainBranch: "main"}, log)
}

// initRepo creates a repository with one commit on main.
func initRepo(t *testing.T, c *Coordinator) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	mustRun(t, c, dir, "init")
	mustRun(t, c, dir, "config", "user.email", "ci@example.com")
	mustRun(t, c, dir, "config", "user.name", "ci")
	mustRun(t, c, dir, "checkout", "-b", "main")
	writeFile(t, dir, "README.md", "hello\n")
	mustRun(t, c, dir, "add", "-A")
	mustRun(t, c, dir, "commit", "-m", "init")
	return dir
}

func mustRun(t *testing.T, c *Coordinator, dir string, args ...string) string {
	t.Helper()
	out, err := c.run(context.Background(), dir, args...)
	if err != nil {
		t.Fatalf("git %v: %v", args, err)
	}
	return out
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestBranchAndPathHelpers(t *testing.T) {
	if got := SprintBranch("2026-08-25-auth"); got != "sprint/2026-08-25-auth" {
		t.Fatalf("SprintBranch = %q", got)
	}
	if got := SlotBranch("s1", "dev-2"); got != "sprint/s1/dev-2" {
		t.Fatalf("SlotBranch = %q", got)
	}
	if got := WorktreePath("/tmp/app/", "dev-1"); got != "/tmp/app-worktree-dev-1" {
		t.Fatalf("WorktreePath = %q", got)
	}
}

func TestSetupSprintGit(t *testing.T) {
	requireGit(t)
	c := newTestCoordinator(t)
	target := initRepo(t, c)
	ctx := context.Background()

	worktrees, err := c.SetupSprintGit(ctx, target, "s1", []string{"dev-1", "dev-2"})
	if err != nil {
		t.Fatalf("SetupSprintGit: %v", err)
	}
	if len(worktrees) != 2 {
		t.Fatalf("worktrees = %v", worktrees)
	}

	if head := mustRun(t, c, target, "rev-parse", "--abbrev-ref", "HEAD"); head != "sprint/s1" {
		t.Fatalf("target HEAD = %q", head)
	}
	for slot, wt := range worktrees {
		if head := mustRun(t, c, wt, "rev-parse", "--abbrev-ref", "HEAD"); head != SlotBranch("s1", slot) {
			t.Fatalf("worktree %s HEAD = %q", slot, head)
		}
	}

	// Re-establishing after a restart reuses everything.
	again, err := c.SetupSprintGit(ctx, target, "s1", []string{"dev-1", "dev-2"})
	if err != nil {
		t.Fatalf("second SetupSprintGit: %v", err)
	}
	if again["dev-1"] != worktrees["dev-1"] {
		t.Fatalf("worktree path changed: %q vs %q", again["dev-1"], worktrees["dev-1"])
	}
}

func TestCommitInWorktree(t *testing.T) {
	requireGit(t)
	c := newTestCoordinator(t)
	target := initRepo(t, c)
	ctx := context.Background()

	worktrees, err := c.SetupSprintGit(ctx, target, "s1", []string{"dev-1"})
	if err != nil {
		t.Fatalf("SetupSprintGit: %v", err)
	}
	wt := worktrees["dev-1"]

	committed, err := c.CommitInWorktree(ctx, wt, "task(1): noop")
	if err != nil {
		t.Fatalf("CommitInWorktree: %v", err)
	}
	if committed {
		t.Fatal("empty tree must not commit")
	}

	writeFile(t, wt, "feature.go", "package feature\n")
	committed, err = c.CommitInWorktree(ctx, wt, "task(1): add feature")
	if err != nil || !committed {
		t.Fatalf("commit = %v, err %v", committed, err)
	}
	if msg := mustRun(t, c, wt, "log", "-1", "--format=%s"); msg != "task(1): add feature" {
		t.Fatalf("commit message = %q", msg)
	}
}

func TestMergeWaveAndReset(t *testing.T) {
	requireGit(t)
	c := newTestCoordinator(t)
	target := initRepo(t, c)
	ctx := context.Background()

	worktrees, _ := c.SetupSprintGit(ctx, target, "s1", []string{"dev-1", "dev-2"})
	writeFile(t, worktrees["dev-1"], "a.go", "package a\n")
	writeFile(t, worktrees["dev-2"], "b.go", "package b\n")
	if _, err := c.CommitInWorktree(ctx, worktrees["dev-1"], "task(1): a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CommitInWorktree(ctx, worktrees["dev-2"], "task(2): b"); err != nil {
		t.Fatal(err)
	}

	results, err := c.MergeWaveAndReset(ctx, target, "s1", []string{"dev-1", "dev-2"})
	if err != nil {
		t.Fatalf("MergeWaveAndReset: %v", err)
	}
	for _, r := range results {
		if !r.Merged {
			t.Fatalf("slot %s did not merge: %v", r.Slot, r.Conflicts)
		}
	}

	for _, name := range []string{"a.go", "b.go"} {
		if _, err := os.Stat(filepath.Join(target, name)); err != nil {
			t.Fatalf("%s missing from sprint branch: %v", name, err)
		}
	}

	// Slot branches now sit at the sprint head.
	sprintHead := mustRun(t, c, target, "rev-parse", "sprint/s1")
	for _, slot := range []string{"dev-1", "dev-2"} {
		if head := mustRun(t, c, target, "rev-parse", SlotBranch("s1", slot)); head != sprintHead {
			t.Fatalf("slot %s not reset to sprint head", slot)
		}
		if head := mustRun(t, c, worktrees[slot], "rev-parse", "--abbrev-ref", "HEAD"); head != SlotBranch("s1", slot) {
			t.Fatalf("worktree %s not back on its branch: %q", slot, head)
		}
	}
}

func TestMergeConflictIsReportedNotFatal(t *testing.T) {
	requireGit(t)
	c := newTestCoordinator(t)
	target := initRepo(t, c)
	ctx := context.Background()

	worktrees, _ := c.SetupSprintGit(ctx, target, "s1", []string{"dev-1", "dev-2"})
	writeFile(t, worktrees["dev-1"], "shared.go", "package shared // one\n")
	writeFile(t, worktrees["dev-2"], "shared.go", "package shared // two\n")
	_, _ = c.CommitInWorktree(ctx, worktrees["dev-1"], "task(1): shared one")
	_, _ = c.CommitInWorktree(ctx, worktrees["dev-2"], "task(2): shared two")

	results, err := c.MergeWaveAndReset(ctx, target, "s1", []string{"dev-1", "dev-2"})
	if err != nil {
		t.Fatalf("MergeWaveAndReset: %v", err)
	}
	if !results[0].Merged {
		t.Fatalf("first slot should merge cleanly: %v", results[0].Conflicts)
	}
	if results[1].Merged {
		t.Fatal("second slot must conflict")
	}
	if len(results[1].Conflicts) != 1 || results[1].Conflicts[0] != "shared.go" {
		t.Fatalf("conflict paths = %v", results[1].Conflicts)
	}

	// The abort left the sprint branch clean.
	if out := mustRun(t, c, target, "status", "--porcelain"); out != "" {
		t.Fatalf("tree dirty after conflict abort:\n%s", out)
	}
}

func TestFinalizeImplementation(t *testing.T) {
	requireGit(t)
	c := newTestCoordinator(t)
	target := initRepo(t, c)
	ctx := context.Background()

	worktrees, _ := c.SetupSprintGit(ctx, target, "s1", []string{"dev-1"})
	writeFile(t, worktrees["dev-1"], "done.go", "package done\n")
	_, _ = c.CommitInWorktree(ctx, worktrees["dev-1"], "task(1): done")

	if _, err := c.FinalizeImplementation(ctx, target, "s1", []string{"dev-1"}); err != nil {
		t.Fatalf("FinalizeImplementation: %v", err)
	}

	if _, err := os.Stat(worktrees["dev-1"]); !os.IsNotExist(err) {
		t.Fatal("worktree directory still present")
	}
	if c.branchExists(ctx, target, SlotBranch("s1", "dev-1")) {
		t.Fatal("slot branch still present")
	}
	if head := mustRun(t, c, target, "rev-parse", "--abbrev-ref", "HEAD"); head != "sprint/s1" {
		t.Fatalf("target HEAD = %q", head)
	}
	if _, err := os.Stat(filepath.Join(target, "done.go")); err != nil {
		t.Fatal("merged file missing after finalize")
	}
}

func TestMergeSprintToMainAndRemotes(t *testing.T) {
	requireGit(t)
	c := newTestCoordinator(t)
	target := initRepo(t, c)
	ctx := context.Background()

	if c.HasRemote(ctx, target) {
		t.Fatal("fresh repo must have no remote")
	}

	worktrees, _ := c.SetupSprintGit(ctx, target, "s1", []string{"dev-1"})
	writeFile(t, worktrees["dev-1"], "done.go", "package done\n")
	_, _ = c.CommitInWorktree(ctx, worktrees["dev-1"], "task(1): done")
	if _, err := c.FinalizeImplementation(ctx, target, "s1", []string{"dev-1"}); err != nil {
		t.Fatal(err)
	}

	if err := c.MergeSprintToMain(ctx, target, "s1"); err != nil {
		t.Fatalf("MergeSprintToMain: %v", err)
	}
	if head := mustRun(t, c, target, "rev-parse", "--abbrev-ref", "HEAD"); head != "main" {
		t.Fatalf("HEAD = %q", head)
	}
	if _, err := os.Stat(filepath.Join(target, "done.go")); err != nil {
		t.Fatal("sprint work missing from main")
	}
}
