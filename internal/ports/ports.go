// Package ports declares the boundary interfaces the run engine consumes
// from external collaborators: version control, worker execution,
// validation, and event logging. The engine packages (internal/engine,
// internal/compliance, internal/budget) depend only on these interfaces;
// internal/worktree, internal/backend, internal/validate and
// internal/obslog provide default concrete adapters grounded on the
// teacher's own worktree/backend implementations.
package ports

import "context"

// MergeRequest describes a sequential merge of task branches into a
// main branch.
type MergeRequest struct {
	RepoPath   string
	MainBranch string
	Branches   []string
}

// MergeConflict describes the first branch that failed to merge.
type MergeConflict struct {
	TaskID     string
	BranchName string
}

// MergeOutcome is the result of a MergeTaskBranches call.
type MergeOutcome struct {
	Status     string // "clean" | "conflict"
	MergeCommit string
	Conflict   *MergeConflict
	Message    string
}

// Vcs is the version-control port: clean-tree checks, checkout, merge,
// and ancestry queries. Consumed, never implemented, by the engine.
type Vcs interface {
	EnsureCleanWorkingTree(ctx context.Context, repoPath string) error
	CheckoutOrCreateBranch(ctx context.Context, repoPath, branch string) error
	ResolveRunBaseSha(ctx context.Context, repoPath, mainBranch string) (string, error)
	HeadSha(ctx context.Context, repoPath string) (string, error)
	IsAncestor(ctx context.Context, repoPath, maybeAncestor, descendant string) (bool, error)
	MergeTaskBranches(ctx context.Context, req MergeRequest) (MergeOutcome, error)
}

// TaskAttemptRequest carries everything a WorkerRunner needs to start a
// task attempt inside its prepared workspace.
type TaskAttemptRequest struct {
	TaskID        string
	WorkspacePath string
	HomeDir       string
	Prompt        string
	DoctorCommand string
	MaxRetries    int
	Checkpoint    string // last checkpoint commit, if resuming within-attempt
}

// TaskResumeRequest is used to reattach to an already-started attempt.
type TaskResumeRequest struct {
	TaskID        string
	ContainerHint string
}

// WorkerRunnerResult is returned by RunAttempt/ResumeAttempt.
type WorkerRunnerResult struct {
	Success        bool
	ContainerID    string
	ResetToPending bool
	ErrorMessage   string
	TokensUsed     int
	CheckpointSHA  string
}

// StopResult reports what happened when Stop was asked to halt active
// containers/processes.
type StopResult struct {
	Stopped bool
	Errors  []string
}

// WorkerRunner is the worker-execution port: container/process launch,
// reattachment, and teardown. A single capability set covers both
// Docker-backed and local-subprocess-backed implementations.
type WorkerRunner interface {
	Prepare(ctx context.Context, buildImage bool) error
	RunAttempt(ctx context.Context, req TaskAttemptRequest) (WorkerRunnerResult, error)
	ResumeAttempt(ctx context.Context, req TaskResumeRequest) (WorkerRunnerResult, error)
	CleanupTask(ctx context.Context, taskID, containerIDHint string) error
	Stop(ctx context.Context, stopContainersOnExit bool) (StopResult, error)
}

// ValidationReport is returned by every ValidatorRunner call.
type ValidationReport struct {
	Pass    bool
	Summary string
	Details map[string]any
}

// ValidatorParams carries the inputs a validator needs: the task or
// repo path to validate against, and a wall-clock timeout.
type ValidatorParams struct {
	RepoPath string
	TaskID   string
	Command  string
	Timeout  int // seconds
}

// ValidatorRunner is the validation port: test, style, architecture and
// doctor checks, each reducing to "run a command, capture pass/fail".
type ValidatorRunner interface {
	RunTest(ctx context.Context, params ValidatorParams) (ValidationReport, error)
	RunStyle(ctx context.Context, params ValidatorParams) (ValidationReport, error)
	RunArchitecture(ctx context.Context, params ValidatorParams) (ValidationReport, error)
	RunDoctor(ctx context.Context, params ValidatorParams) (ValidationReport, error)
}

// Logger is the append-only JSON-lines event sink port.
type Logger interface {
	Log(eventType string, payload map[string]any)
	Close() error
}
