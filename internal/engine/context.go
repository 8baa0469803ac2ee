// Package engine implements the Run Engine, Batch Engine, and Task
// Engine of spec.md §4.5-§4.7: a single-threaded cooperative main loop
// that plans batches of non-conflicting tasks, fans them out to a
// bounded pool of concurrent attempts, and folds the results back
// through compliance, validation, merge, and ledger-write in a fixed
// order. Grounded on the teacher's orchestrator.ParallelRunner (the
// errgroup-bounded wave loop, Prune-at-start, progress events)
// generalized from "one flat wave over all eligible tasks every tick"
// to "one Scheduler-planned batch at a time, persisted before launch,
// recovered before rescheduling if still running."
package engine

import (
	"github.com/aristath/taskrunner/internal/compliance"
	"github.com/aristath/taskrunner/internal/config"
	"github.com/aristath/taskrunner/internal/ledger"
	"github.com/aristath/taskrunner/internal/ports"
	"github.com/aristath/taskrunner/internal/runstate"
	"github.com/aristath/taskrunner/internal/scheduler"
)

// RunContext is the frozen set of settings a run is configured with.
// It never changes once a Run starts; anything that can change during
// a run (status, task state, batches) lives in runstate.RunState
// instead. Kept as a flat value (not embedded pointers into config) so
// engine code never reaches back into a live config.OrchestratorConfig.
type RunContext struct {
	RunID      string
	Project    string
	RepoPath   string
	MainBranch string

	MaxParallel    int
	LockMode       scheduler.LockMode
	ComplianceMode compliance.Mode
	PolicyTier     int

	DryRun bool
	Reuse  bool

	DoctorCommand string
	DoctorTimeout int // seconds
	DoctorCadence int // run doctor validator every N finished tasks; 0 disables

	Budget               config.BudgetConfig
	StopContainersOnExit bool
	BlastRadiusEnabled   bool
}

// NewRunContext builds a RunContext from a loaded OrchestratorConfig
// and the per-invocation run identity.
func NewRunContext(runID, project, repoPath, mainBranch string, cfg config.RunConfig, dryRun, reuse bool) RunContext {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	lockMode := scheduler.LockMode(cfg.LockMode)
	if lockMode == "" {
		lockMode = scheduler.LockModeDeclared
	}
	complianceMode := compliance.Mode(cfg.ComplianceMode)
	if complianceMode == "" {
		complianceMode = compliance.ModeWarn
	}

	return RunContext{
		RunID:                runID,
		Project:              project,
		RepoPath:             repoPath,
		MainBranch:           mainBranch,
		MaxParallel:          maxParallel,
		LockMode:             lockMode,
		ComplianceMode:       complianceMode,
		DryRun:               dryRun,
		Reuse:                reuse || cfg.ReuseFromLedger,
		PolicyTier:           cfg.PolicyTier,
		DoctorCommand:        cfg.DoctorCommand,
		DoctorTimeout:        cfg.DoctorTimeout,
		DoctorCadence:        cfg.DoctorCadence,
		Budget:               cfg.Budget,
		StopContainersOnExit: cfg.StopContainersOnExit,
		BlastRadiusEnabled:   true,
	}
}

// Deps bundles every external port and collaborator the engine
// packages consume. A single struct keeps Run/BatchEngine/TaskEngine
// constructors from growing an unreadable parameter list.
type Deps struct {
	Vcs          ports.Vcs
	Worker       ports.WorkerRunner
	Validator    ports.ValidatorRunner
	Logger       ports.Logger
	Store        runstate.Store
	Ledger       ledger.Ledger
	DAG          *scheduler.DAG
	LockResolver scheduler.LockResolver
	Compliance   *compliance.Pipeline
}

// TaskResult is the outcome of one task attempt, collected by the Run
// Engine's batch fan-out and consumed by the Batch Engine.
type TaskResult struct {
	TaskID string
	Result ports.WorkerRunnerResult
	Err    error
}

// BlockageDetail explains why classifyBlockage reached its verdict.
type BlockageDetail struct {
	MissingDeps map[string][]string // taskID -> dep IDs with no TaskState at all
	BlockedDeps map[string][]string // taskID -> dep IDs in a blocked status
	PendingDeps map[string][]string // taskID -> dep IDs still waitable
}
