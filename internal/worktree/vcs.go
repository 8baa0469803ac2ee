package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aristath/taskrunner/internal/ports"
)

// VcsAdapter adapts WorktreeManager to the ports.Vcs contract the run
// engine depends on. The engine never imports this package directly;
// it is wired in at cmd/orchestrator/main.go.
type VcsAdapter struct {
	*WorktreeManager
}

// NewVcsAdapter wraps m as a ports.Vcs.
func NewVcsAdapter(m *WorktreeManager) *VcsAdapter {
	return &VcsAdapter{WorktreeManager: m}
}

var _ ports.Vcs = (*VcsAdapter)(nil)

// EnsureCleanWorkingTree fails if repoPath has uncommitted changes,
// per spec.md §4.5.1 step 1.
func (a *VcsAdapter) EnsureCleanWorkingTree(ctx context.Context, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("worktree: git status: %w (output: %s)", err, string(output))
	}
	if strings.TrimSpace(string(output)) != "" {
		return fmt.Errorf("worktree: repository %s has uncommitted changes", repoPath)
	}
	return nil
}

// CheckoutOrCreateBranch checks out branch in repoPath, creating it
// from HEAD if it doesn't exist yet.
func (a *VcsAdapter) CheckoutOrCreateBranch(ctx context.Context, repoPath, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "checkout", branch)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err == nil {
		return nil
	} else {
		createCmd := exec.CommandContext(ctx, "git", "checkout", "-b", branch)
		createCmd.Dir = repoPath
		if createOutput, createErr := createCmd.CombinedOutput(); createErr != nil {
			return fmt.Errorf("worktree: checkout %s: %w (checkout output: %s, create output: %s)", branch, createErr, string(output), string(createOutput))
		}
	}
	return nil
}

// ResolveRunBaseSha returns the commit mainBranch points to at run
// start; the Run Engine pins this as RunState.ControlPlane.BaseSHA /
// the run's merge-base for later ancestry checks.
func (a *VcsAdapter) ResolveRunBaseSha(ctx context.Context, repoPath, mainBranch string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", mainBranch)
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("worktree: resolve base sha for %s: %w (output: %s)", mainBranch, err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// HeadSha returns repoPath's current HEAD commit.
func (a *VcsAdapter) HeadSha(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("worktree: HEAD sha: %w (output: %s)", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// IsAncestor reports whether maybeAncestor is an ancestor of (or equal
// to) descendant, used by the Task Ledger's reuse-eligibility check.
func (a *VcsAdapter) IsAncestor(ctx context.Context, repoPath, maybeAncestor, descendant string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", maybeAncestor, descendant)
	cmd.Dir = repoPath
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("worktree: is-ancestor %s %s: %w", maybeAncestor, descendant, err)
	}
	return true, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// MergeTaskBranches sequentially merges each branch in req.Branches
// into the manager's configured BaseBranch in its configured RepoPath
// (req.RepoPath is used only to read the resulting HEAD), stopping at
// the first conflict. This implements
// spec.md §4.6.1 step 8's "sequential branch merge, conflict halts the
// whole batch" rule on top of WorktreeManager.Merge's two-phase
// merge-tree-then-merge strategy.
func (a *VcsAdapter) MergeTaskBranches(ctx context.Context, req ports.MergeRequest) (ports.MergeOutcome, error) {
	for _, branch := range req.Branches {
		taskID := strings.TrimPrefix(branch, "task/")
		info := &WorktreeInfo{Branch: branch, TaskID: taskID}

		result, err := a.WorktreeManager.Merge(ctx, info, MergeOrt)
		if err != nil {
			return ports.MergeOutcome{}, fmt.Errorf("worktree: merge %s: %w", branch, err)
		}
		if !result.Merged {
			return ports.MergeOutcome{
				Status: "conflict",
				Conflict: &ports.MergeConflict{
					TaskID:     taskID,
					BranchName: branch,
				},
				Message: result.Error.Error(),
			}, nil
		}
	}

	head, err := a.HeadSha(ctx, req.RepoPath)
	if err != nil {
		return ports.MergeOutcome{}, err
	}

	return ports.MergeOutcome{
		Status:      "clean",
		MergeCommit: head,
	}, nil
}
