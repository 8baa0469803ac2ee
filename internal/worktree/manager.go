package worktree

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// WorktreeManager manages git worktrees for parallel task execution.
type WorktreeManager struct {
	config  WorktreeManagerConfig
	mergeMu sync.Mutex // serializes merge operations to prevent git lock conflicts
}

// NewWorktreeManager creates a new worktree manager.
func NewWorktreeManager(cfg WorktreeManagerConfig) *WorktreeManager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	return &WorktreeManager{config: cfg}
}

// Create creates a new worktree for the given task ID, branched from
// the configured base branch.
func (m *WorktreeManager) Create(ctx context.Context, taskID string) (*WorktreeInfo, error) {
	branch := fmt.Sprintf("task/%s", taskID)
	wtPath := filepath.Join(m.config.RepoPath, m.config.WorktreeDir, taskID)

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, wtPath, m.config.BaseBranch)
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w (output: %s)", err, string(output))
	}

	headCmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	headCmd.Dir = wtPath
	headOutput, err := headCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w (output: %s)", err, string(headOutput))
	}

	return &WorktreeInfo{
		Path:   wtPath,
		Branch: branch,
		TaskID: taskID,
		Head:   strings.TrimSpace(string(headOutput)),
	}, nil
}

// Merge merges the worktree branch back to the base branch, pre-checking
// for conflicts with a dry-run `git merge-tree` before the real merge.
func (m *WorktreeManager) Merge(ctx context.Context, info *WorktreeInfo, strategy MergeStrategy) (*MergeResult, error) {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	checkoutCmd := exec.CommandContext(ctx, "git", "checkout", m.config.BaseBranch)
	checkoutCmd.Dir = m.config.RepoPath
	if checkoutOutput, err := checkoutCmd.CombinedOutput(); err != nil {
		return &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("failed to checkout base branch: %w (output: %s)", err, string(checkoutOutput)),
		}, nil
	}

	detectCmd := exec.CommandContext(ctx, "git", "merge-tree", "--write-tree", m.config.BaseBranch, info.Branch)
	detectCmd.Dir = m.config.RepoPath
	detectOutput, err := detectCmd.CombinedOutput()
	if err != nil {
		result := &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge conflict detected: %s", string(detectOutput)),
		}
		result.ConflictFiles = parseConflictFiles(string(detectOutput))
		return result, nil
	}

	outputStr := string(detectOutput)
	if strings.Contains(outputStr, "CONFLICT") {
		result := &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge conflict detected: %s", outputStr),
		}
		result.ConflictFiles = parseConflictFiles(outputStr)
		return result, nil
	}

	strategyArg := strategy.String()

	mergeCmd := exec.CommandContext(ctx, "git", "merge", "--no-ff", "-s", strategyArg, info.Branch)
	mergeCmd.Dir = m.config.RepoPath
	mergeOutput, err := mergeCmd.CombinedOutput()
	if err != nil {
		return &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge failed: %w (output: %s)", err, string(mergeOutput)),
		}, nil
	}

	return &MergeResult{Merged: true}, nil
}

func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "CONFLICT") && strings.Contains(line, "in ") {
			parts := strings.Split(line, "in ")
			if len(parts) > 1 {
				conflicts = append(conflicts, strings.TrimSpace(parts[len(parts)-1]))
			}
		}
	}
	return conflicts
}

// Cleanup removes the worktree and deletes the branch.
func (m *WorktreeManager) Cleanup(ctx context.Context, info *WorktreeInfo) error {
	var errs []string

	removeCmd := exec.CommandContext(ctx, "git", "worktree", "remove", info.Path)
	removeCmd.Dir = m.config.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		forceCmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", info.Path)
		forceCmd.Dir = m.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			errs = append(errs, fmt.Sprintf("worktree remove failed: %v (output: %s, force output: %s)", err, string(output), string(forceOutput)))
		}
	}

	branchCmd := exec.CommandContext(ctx, "git", "branch", "-d", info.Branch)
	branchCmd.Dir = m.config.RepoPath
	if output, err := branchCmd.CombinedOutput(); err != nil {
		forceCmd := exec.CommandContext(ctx, "git", "branch", "-D", info.Branch)
		forceCmd.Dir = m.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			errs = append(errs, fmt.Sprintf("branch delete failed: %v (output: %s, force output: %s)", err, string(output), string(forceOutput)))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ForceCleanup removes the worktree and branch using force flags.
func (m *WorktreeManager) ForceCleanup(ctx context.Context, info *WorktreeInfo) error {
	var errs []string

	removeCmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", info.Path)
	removeCmd.Dir = m.config.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		errs = append(errs, fmt.Sprintf("force worktree remove failed: %v (output: %s)", err, string(output)))
	}

	branchCmd := exec.CommandContext(ctx, "git", "branch", "-D", info.Branch)
	branchCmd.Dir = m.config.RepoPath
	if output, err := branchCmd.CombinedOutput(); err != nil {
		errs = append(errs, fmt.Sprintf("force branch delete failed: %v (output: %s)", err, string(output)))
	}

	if len(errs) > 0 {
		return fmt.Errorf("force cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// List returns all worktrees in the repository.
func (m *WorktreeManager) List(ctx context.Context) ([]WorktreeInfo, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, string(output))
	}

	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}

		if strings.HasPrefix(line, "worktree ") {
			current.Path = strings.TrimPrefix(line, "worktree ")
		} else if strings.HasPrefix(line, "HEAD ") {
			current.Head = strings.TrimPrefix(line, "HEAD ")
		} else if strings.HasPrefix(line, "branch ") {
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
			if strings.HasPrefix(current.Branch, "task/") {
				current.TaskID = strings.TrimPrefix(current.Branch, "task/")
			}
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees, nil
}

// Prune cleans up stale worktree metadata.
func (m *WorktreeManager) Prune(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, string(output))
	}
	return nil
}
