// Package git drives all repository operations through the git CLI: the
// sprint branch, per-developer worktrees, wave merges and the final merge
// or push. No FFI, no in-process git. Operations are serialised per target
// tree.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sprintd/sprintd/internal/common/config"
	"github.com/sprintd/sprintd/internal/common/logger"
)

// SprintBranch returns the integration branch for a sprint.
func SprintBranch(sprintID string) string {
	return "sprint/" + sprintID
}

// SlotBranch returns a developer slot's working branch.
func SlotBranch(sprintID, slot string) string {
	return "sprint/" + sprintID + "/" + slot
}

// WorktreePath returns the worktree directory for a slot, a sibling of the
// target tree.
func WorktreePath(target, slot string) string {
	return filepath.Clean(target) + "-worktree-" + slot
}

// SlotMerge is the outcome of merging one slot branch into the sprint
// branch. A conflict is a normal outcome, not an error.
type SlotMerge struct {
	Slot      string
	Branch    string
	Merged    bool
	Conflicts []string
}

// Coordinator runs git against sprint target trees.
type Coordinator struct {
	binary     string
	mainBranch string
	log        *logger.Logger

	mu    sync.Mutex
	trees map[string]*sync.Mutex
}

// NewCoordinator builds a coordinator from git configuration.
func NewCoordinator(cfg config.GitConfig, log *logger.Logger) *Coordinator {
	binary := cfg.Binary
	if binary == "" {
		binary = "git"
	}
	return &Coordinator{
		binary:     binary,
		mainBranch: cfg.MainBranch,
		log:        log.WithComponent("git"),
		trees:      make(map[string]*sync.Mutex),
	}
}

// lockTree serialises operations on one target tree and returns the unlock.
func (c *Coordinator) lockTree(target string) func() {
	key := filepath.Clean(target)
	c.mu.Lock()
	m, ok := c.trees[key]
	if !ok {
		m = &sync.Mutex{}
		c.trees[key] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// run executes git in dir and returns trimmed stdout. Stderr is folded
// into the error.
func (c *Coordinator) run(ctx context.Context, dir string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w",
			strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// runOK executes git and reports whether it exited zero.
func (c *Coordinator) runOK(ctx context.Context, dir string, args ...string) bool {
	_, err := c.run(ctx, dir, args...)
	return err == nil
}

// SetupSprintGit creates or re-establishes the sprint's git layout: the
// sprint branch checked out in the target and one worktree per developer
// slot on its own branch. Existing branches and valid worktrees are reused
// so a restart resumes where work stopped. Returns slot id to worktree path.
func (c *Coordinator) SetupSprintGit(ctx context.Context, target, sprintID string, slots []string) (map[string]string, error) {
	defer c.lockTree(target)()

	if _, err := c.run(ctx, target, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("target is not a git repository: %w", err)
	}

	branch := SprintBranch(sprintID)
	if c.branchExists(ctx, target, branch) {
		if _, err := c.run(ctx, target, "checkout", branch); err != nil {
			return nil, err
		}
	} else {
		if _, err := c.run(ctx, target, "checkout", "-b", branch); err != nil {
			return nil, err
		}
	}

	worktrees := make(map[string]string, len(slots))
	for _, slot := range slots {
		path, err := c.setupWorktree(ctx, target, sprintID, slot)
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", slot, err)
		}
		worktrees[slot] = path
	}

	c.log.WithSprint(sprintID).Info(fmt.Sprintf("sprint git ready: branch %s, %d worktrees", branch, len(slots)))
	return worktrees, nil
}

func (c *Coordinator) setupWorktree(ctx context.Context, target, sprintID, slot string) (string, error) {
	path := WorktreePath(target, slot)
	slotBranch := SlotBranch(sprintID, slot)

	if c.worktreeValid(ctx, path, slotBranch) {
		return path, nil
	}

	// Stale directory from a previous run: detach it before recreating.
	if _, err := os.Stat(path); err == nil {
		_, _ = c.run(ctx, target, "worktree", "remove", "--force", path)
		_ = os.RemoveAll(path)
		_, _ = c.run(ctx, target, "worktree", "prune")
	}

	if c.branchExists(ctx, target, slotBranch) {
		if _, err := c.run(ctx, target, "worktree", "add", path, slotBranch); err != nil {
			return "", err
		}
	} else {
		if _, err := c.run(ctx, target, "worktree", "add", "-b", slotBranch, path, SprintBranch(sprintID)); err != nil {
			return "", err
		}
	}
	return path, nil
}

// worktreeValid reports whether path is a usable worktree already on the
// given branch.
func (c *Coordinator) worktreeValid(ctx context.Context, path, branch string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	head, err := c.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	return err == nil && head == branch
}

func (c *Coordinator) branchExists(ctx context.Context, dir, branch string) bool {
	return c.runOK(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
}

// CommitInWorktree stages everything under dir and commits with message.
// Returns false without committing when the staged diff is empty.
func (c *Coordinator) CommitInWorktree(ctx context.Context, dir, message string) (bool, error) {
	defer c.lockTree(dir)()

	if _, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}
	// Exit 0 means nothing staged.
	if c.runOK(ctx, dir, "diff", "--cached", "--quiet") {
		return false, nil
	}
	if _, err := c.run(ctx, dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// MergeWaveAndReset merges every slot branch into the sprint branch, then
// resets all slot branches to the new sprint head and points the worktrees
// at them. A conflicting merge is aborted, reported in the result and the
// slot is still reset, so the next wave starts from the merged state.
func (c *Coordinator) MergeWaveAndReset(ctx context.Context, target, sprintID string, slots []string) ([]SlotMerge, error) {
	defer c.lockTree(target)()
	return c.mergeWaveLocked(ctx, target, sprintID, slots)
}

func (c *Coordinator) mergeWaveLocked(ctx context.Context, target, sprintID string, slots []string) ([]SlotMerge, error) {
	branch := SprintBranch(sprintID)
	if _, err := c.run(ctx, target, "checkout", branch); err != nil {
		return nil, err
	}

	results := make([]SlotMerge, 0, len(slots))
	for _, slot := range slots {
		slotBranch := SlotBranch(sprintID, slot)
		result := SlotMerge{Slot: slot, Branch: slotBranch, Merged: true}

		if _, err := c.run(ctx, target, "merge", "--no-edit", slotBranch); err != nil {
			conflicts, _ := c.run(ctx, target, "diff", "--name-only", "--diff-filter=U")
			if _, abortErr := c.run(ctx, target, "merge", "--abort"); abortErr != nil {
				return nil, fmt.Errorf("merge of %s failed and abort failed: %v (merge: %w)", slotBranch, abortErr, err)
			}
			result.Merged = false
			if conflicts != "" {
				result.Conflicts = strings.Split(conflicts, "\n")
			}
			c.log.WithSprint(sprintID).Warn(fmt.Sprintf("merge conflict on %s: %v", slotBranch, result.Conflicts))
		}
		results = append(results, result)
	}

	for _, slot := range slots {
		if err := c.resetSlot(ctx, target, sprintID, slot); err != nil {
			return results, err
		}
	}
	return results, nil
}

// resetSlot recreates the slot branch at the sprint head and leaves the
// worktree checked out on it. The worktree detaches first because git will
// not delete a branch that a worktree has checked out.
func (c *Coordinator) resetSlot(ctx context.Context, target, sprintID, slot string) error {
	wt := WorktreePath(target, slot)
	slotBranch := SlotBranch(sprintID, slot)
	sprintBranch := SprintBranch(sprintID)

	if _, err := c.run(ctx, wt, "checkout", "--detach", sprintBranch); err != nil {
		return err
	}
	if c.branchExists(ctx, target, slotBranch) {
		if _, err := c.run(ctx, target, "branch", "-D", slotBranch); err != nil {
			return err
		}
	}
	if _, err := c.run(ctx, target, "branch", slotBranch, sprintBranch); err != nil {
		return err
	}
	if _, err := c.run(ctx, wt, "checkout", slotBranch); err != nil {
		return err
	}
	return nil
}

// FinalizeImplementation performs the last wave merge, then removes every
// worktree and slot branch. The target is left on the sprint branch with
// all developer work merged.
func (c *Coordinator) FinalizeImplementation(ctx context.Context, target, sprintID string, slots []string) ([]SlotMerge, error) {
	defer c.lockTree(target)()

	results, err := c.mergeWaveLocked(ctx, target, sprintID, slots)
	if err != nil {
		return results, err
	}

	for _, slot := range slots {
		wt := WorktreePath(target, slot)
		if _, err := c.run(ctx, target, "worktree", "remove", "--force", wt); err != nil {
			c.log.WithSprint(sprintID).WithError(err).Warn("worktree remove failed")
			_ = os.RemoveAll(wt)
		}
		slotBranch := SlotBranch(sprintID, slot)
		if c.branchExists(ctx, target, slotBranch) {
			if _, err := c.run(ctx, target, "branch", "-D", slotBranch); err != nil {
				return results, err
			}
		}
	}
	if _, err := c.run(ctx, target, "worktree", "prune"); err != nil {
		return results, err
	}
	return results, nil
}

// HasRemote reports whether the target has any git remote configured.
func (c *Coordinator) HasRemote(ctx context.Context, target string) bool {
	out, err := c.run(ctx, target, "remote")
	return err == nil && out != ""
}

// PushBranch pushes a branch to the target's first remote.
func (c *Coordinator) PushBranch(ctx context.Context, target, branch string) error {
	defer c.lockTree(target)()

	remotes, err := c.run(ctx, target, "remote")
	if err != nil {
		return err
	}
	remote := strings.SplitN(remotes, "\n", 2)[0]
	if remote == "" {
		return fmt.Errorf("no remote configured in %s", target)
	}
	_, err = c.run(ctx, target, "push", "-u", remote, branch)
	return err
}

// MergeSprintToMain merges the sprint branch into the main branch and
// leaves the target on main. The main branch is taken from configuration,
// falling back to main then master.
func (c *Coordinator) MergeSprintToMain(ctx context.Context, target, sprintID string) error {
	defer c.lockTree(target)()

	main, err := c.detectMainBranch(ctx, target)
	if err != nil {
		return err
	}
	if _, err := c.run(ctx, target, "checkout", main); err != nil {
		return err
	}
	if _, err := c.run(ctx, target, "merge", "--no-edit", SprintBranch(sprintID)); err != nil {
		// Leave the tree clean; the sprint branch stays intact.
		_, _ = c.run(ctx, target, "merge", "--abort")
		_, _ = c.run(ctx, target, "checkout", SprintBranch(sprintID))
		return fmt.Errorf("merge to %s failed: %w", main, err)
	}
	return nil
}

func (c *Coordinator) detectMainBranch(ctx context.Context, target string) (string, error) {
	candidates := []string{c.mainBranch, "main", "master"}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		if c.branchExists(ctx, target, name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("no main branch found in %s (tried %v)", target, candidates)
}

// CreatePullRequest opens a pull request for the sprint branch via the gh
// CLI and returns its URL.
func (c *Coordinator) CreatePullRequest(ctx context.Context, target, branch, title, body string) (string, error) {
	main, err := c.detectMainBranch(ctx, target)
	if err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--title", title,
		"--body", body,
		"--base", main,
		"--head", branch,
	)
	cmd.Dir = target
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gh pr create: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
