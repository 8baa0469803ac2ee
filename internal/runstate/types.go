// Package runstate owns RunState, the central mutable document of a
// run, and the named transition methods through which task statuses
// change. Run-level fields (Status, ControlPlane) and the initial Tasks
// entries are set directly by the engine. Grounded on the teacher's scheduler.TaskStatus enum, split
// out from the task-spec package per spec.md §3.2 (RunState is owned by
// the Run Engine and is distinct from the immutable task catalog).
package runstate

import (
	"sort"
	"time"
)

// SchemaVersion is embedded in every persisted RunState document. Load
// rejects a file whose version doesn't match.
const SchemaVersion = 1

// RunStatus is the top-level status of a run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunPaused   RunStatus = "paused"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// TaskStatus is the status of a single task within a run.
type TaskStatus string

const (
	TaskPending           TaskStatus = "pending"
	TaskRunning           TaskStatus = "running"
	TaskValidated         TaskStatus = "validated"
	TaskComplete          TaskStatus = "complete"
	TaskNeedsHumanReview  TaskStatus = "needs_human_review"
	TaskRescopeRequired   TaskStatus = "rescope_required"
	TaskFailed            TaskStatus = "failed"
	TaskSkipped           TaskStatus = "skipped"
)

// BlockedStatuses are the task statuses that require human attention
// before the task can make further progress, per spec.md §3.2.
var BlockedStatuses = map[TaskStatus]bool{
	TaskFailed:           true,
	TaskNeedsHumanReview: true,
	TaskRescopeRequired:  true,
}

// BatchStatus is the status of a single batch.
type BatchStatus string

const (
	BatchRunning  BatchStatus = "running"
	BatchComplete BatchStatus = "complete"
	BatchFailed   BatchStatus = "failed"
)

// ValidatorResult is the last recorded outcome of a named validator
// (test/style/architecture/doctor) for a task. Last write wins.
type ValidatorResult struct {
	Pass      bool      `json:"pass"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskState is the mutable execution record for one task within a run.
type TaskState struct {
	Status            TaskStatus                 `json:"status"`
	Attempts          int                         `json:"attempts"`
	BatchID           int                         `json:"batch_id,omitempty"`
	Branch            string                      `json:"branch,omitempty"`
	Workspace         string                      `json:"workspace,omitempty"`
	LogsDir           string                      `json:"logs_dir,omitempty"`
	ContainerID       string                      `json:"container_id,omitempty"`
	ThreadID          string                      `json:"thread_id,omitempty"`
	StartedAt         *time.Time                  `json:"started_at,omitempty"`
	CompletedAt       *time.Time                  `json:"completed_at,omitempty"`
	LastError         string                      `json:"last_error,omitempty"`
	CheckpointCommits []string                    `json:"checkpoint_commits,omitempty"`
	ValidatorResults  map[string]ValidatorResult  `json:"validator_results,omitempty"`
	HumanReview       string                      `json:"human_review,omitempty"`
	TokensUsed        int                         `json:"tokens_used"`
	EstimatedCost     float64                     `json:"estimated_cost"`
	UsageByAttempt    []int                       `json:"usage_by_attempt,omitempty"`
}

// BatchState is the append-only record of one scheduled batch.
type BatchState struct {
	BatchID                 int         `json:"batch_id"`
	Status                  BatchStatus `json:"status"`
	Tasks                   []string    `json:"tasks"`
	Locks                   []string    `json:"locks"`
	StartedAt               time.Time   `json:"started_at"`
	CompletedAt             *time.Time  `json:"completed_at,omitempty"`
	MergeCommit             string      `json:"merge_commit,omitempty"`
	IntegrationDoctorPassed bool        `json:"integration_doctor_passed"`
}

// ControlPlaneSnapshot pins the base SHA and model metadata at run
// start, per spec.md §4.5.1 step 4.
type ControlPlaneSnapshot struct {
	BaseSHA      string `json:"base_sha"`
	ModelPath    string `json:"model_path,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
	Enabled      bool   `json:"enabled"`
}

// RunState is the central mutable document of a run.
type RunState struct {
	SchemaVersion int                    `json:"schema_version"`
	RunID         string                 `json:"run_id"`
	Project       string                 `json:"project"`
	RepoPath      string                 `json:"repo_path"`
	MainBranch    string                 `json:"main_branch"`
	StartedAt     time.Time              `json:"started_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Status        RunStatus              `json:"status"`
	Tasks         map[string]*TaskState  `json:"tasks"`
	Batches       []*BatchState          `json:"batches"`
	ControlPlane  *ControlPlaneSnapshot  `json:"control_plane,omitempty"`
	TokensUsed    int                    `json:"tokens_used"`
	EstimatedCost float64                `json:"estimated_cost"`
}

// New creates a fresh RunState in the "running" status.
func New(runID, project, repoPath, mainBranch string, now time.Time) *RunState {
	return &RunState{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		Project:       project,
		RepoPath:      repoPath,
		MainBranch:    mainBranch,
		StartedAt:     now,
		UpdatedAt:     now,
		Status:        RunRunning,
		Tasks:         make(map[string]*TaskState),
		Batches:       []*BatchState{},
	}
}

// NextBatchID returns the next monotonic batch id, i.e. one greater
// than the highest BatchID seen so far (0 if no batches exist yet).
func (rs *RunState) NextBatchID() int {
	max := 0
	for _, b := range rs.Batches {
		if b.BatchID > max {
			max = b.BatchID
		}
	}
	return max + 1
}

// LatestRunningBatch returns the batch with status "running", if any.
// Per spec.md §4.5.2 step 2, at most one batch is ever running at a
// time.
func (rs *RunState) LatestRunningBatch() *BatchState {
	for _, b := range rs.Batches {
		if b.Status == BatchRunning {
			return b
		}
	}
	return nil
}

// PendingTaskIDs returns the IDs of every task whose status is pending,
// in sorted order for determinism.
func (rs *RunState) PendingTaskIDs() []string {
	var out []string
	for id, ts := range rs.Tasks {
		if ts.Status == TaskPending {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
