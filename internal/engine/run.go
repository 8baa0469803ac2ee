package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskrunner/internal/ledger"
	"github.com/aristath/taskrunner/internal/ports"
	"github.com/aristath/taskrunner/internal/runstate"
	"github.com/aristath/taskrunner/internal/scheduler"
)

// Run is the Run Engine: the single-threaded cooperative main loop of
// spec.md §4.5. It owns the only code path that mutates RunState;
// batch fan-out calls out to TaskEngine concurrently but task attempts
// communicate back only through their returned TaskResult.
type Run struct {
	rc   RunContext
	deps Deps

	batch *BatchEngine
	task  *TaskEngine

	state *runstate.RunState

	stopRequested atomic.Bool
	stopReason    string
}

// NewRun builds a Run ready for Prepare.
func NewRun(rc RunContext, deps Deps) *Run {
	return &Run{
		rc:    rc,
		deps:  deps,
		batch: NewBatchEngine(rc, deps),
		task:  NewTaskEngine(deps.Worker),
	}
}

// RequestStop delivers a level-triggered stop signal, per spec.md §5's
// cancellation model: every subsequent loop iteration and batch
// boundary observes it and the run halts at the next boundary.
func (r *Run) RequestStop(reason string) {
	r.stopReason = reason
	r.stopRequested.Store(true)
}

// Prepare implements spec.md §4.5.1's seven initialization steps.
func (r *Run) Prepare(ctx context.Context) error {
	// Step 1: run-id resolution is the caller's job (new vs. resume);
	// r.rc.RunID is assumed already resolved.

	// Step 2: integration branch must be clean and checked out.
	if err := r.deps.Vcs.EnsureCleanWorkingTree(ctx, r.rc.RepoPath); err != nil {
		return fmt.Errorf("engine: prepare: %w", err)
	}
	if err := r.deps.Vcs.CheckoutOrCreateBranch(ctx, r.rc.RepoPath, r.rc.MainBranch); err != nil {
		return fmt.Errorf("engine: prepare: checkout %s: %w", r.rc.MainBranch, err)
	}

	// Step 3: load or create RunState.
	exists, err := r.deps.Store.Exists(ctx)
	if err != nil {
		return fmt.Errorf("engine: prepare: state store exists: %w", err)
	}

	now := time.Now()
	if exists {
		rs, lerr := r.deps.Store.Load(ctx)
		if lerr != nil {
			return fmt.Errorf("engine: prepare: load run state: %w", lerr)
		}
		if rs.Status != runstate.RunRunning && rs.Status != runstate.RunPaused {
			r.emit("run.resume.blocked", "", map[string]any{"reason": "state_not_running", "status": string(rs.Status)})
			return fmt.Errorf("engine: prepare: resume blocked: run status is %s", rs.Status)
		}
		if rs.Status == runstate.RunPaused {
			rs.Status = runstate.RunRunning
		}
		r.state = rs
		r.emit("run.resume", "", map[string]any{"run_id": rs.RunID})
	} else {
		r.state = runstate.New(r.rc.RunID, r.rc.Project, r.rc.RepoPath, r.rc.MainBranch, now)
		r.emit("run.start", "", map[string]any{"run_id": r.rc.RunID})
	}

	// Step 4: pin the control-plane snapshot (base SHA at run start).
	if r.state.ControlPlane == nil {
		baseSHA, berr := r.deps.Vcs.ResolveRunBaseSha(ctx, r.rc.RepoPath, r.rc.MainBranch)
		if berr != nil {
			return fmt.Errorf("engine: prepare: resolve base sha: %w", berr)
		}
		r.state.ControlPlane = &runstate.ControlPlaneSnapshot{BaseSHA: baseSHA}
	}

	// Step 5: load task catalog (already populated into deps.DAG by the
	// caller) and ensure every catalog task has a TaskState.
	tasks := r.deps.DAG.Tasks()
	if len(tasks) == 0 {
		r.emit("run.no_tasks", "", nil)
		return fmt.Errorf("engine: prepare: task catalog is empty")
	}
	if _, verr := r.deps.DAG.Validate(); verr != nil {
		r.emit("run.tasks_invalid", "", map[string]any{"error": verr.Error()})
		return fmt.Errorf("engine: prepare: invalid task catalog: %w", verr)
	}
	for _, t := range tasks {
		if _, ok := r.state.Tasks[t.ID]; !ok {
			r.state.Tasks[t.ID] = &runstate.TaskState{Status: runstate.TaskPending}
		}
	}
	r.emit("run.tasks_loaded", "", map[string]any{"count": len(tasks)})

	// Steps 6-7: ledger-backed reuse seeding.
	if r.rc.Reuse {
		if err := r.seedFromLedger(ctx, tasks); err != nil {
			return fmt.Errorf("engine: prepare: seed from ledger: %w", err)
		}
	}

	return r.deps.Store.Save(ctx, r.state)
}

// seedFromLedger marks a pending task skipped (reuse) when its ledger
// entry is eligible, per spec.md §4.5.1 step 7. Eligibility (outcome
// complete or skipped, commit SHA an ancestor of the pinned base SHA) is owned by
// the Ledger port; IsAncestor is supplied here since it's a Vcs
// concern the ledger doesn't own.
func (r *Run) seedFromLedger(ctx context.Context, tasks []*scheduler.TaskSpec) error {
	snapshot, err := r.deps.Ledger.Load(ctx, r.rc.Project)
	if err != nil {
		return err
	}

	isAncestor := func(ancestor, descendant string) (bool, error) {
		return r.deps.Vcs.IsAncestor(ctx, r.rc.RepoPath, ancestor, descendant)
	}

	baseSHA := r.state.ControlPlane.BaseSHA
	now := time.Now()

	for _, t := range tasks {
		ts := r.state.Tasks[t.ID]
		if ts.Status != runstate.TaskPending {
			continue
		}
		entry, ok := snapshot.Entries[t.ID]
		if !ok {
			continue
		}

		fp, ferr := ledger.FingerprintForTask(*t)
		if ferr != nil || fp != entry.Fingerprint {
			continue
		}

		eligible, eerr := r.deps.Ledger.EligibleForReuse(entry, baseSHA, isAncestor)
		if eerr != nil || !eligible {
			continue
		}

		if err := r.state.MarkSkipped(t.ID, now); err != nil {
			continue
		}
		r.emit("task.seeded_complete", t.ID, map[string]any{"commit_sha": entry.CommitSHA})
	}

	return nil
}

// Loop implements spec.md §4.5.2's main loop.
func (r *Run) Loop(ctx context.Context) error {
	for {
		if r.stopRequested.Load() {
			return r.stopRun(ctx)
		}

		if running := r.state.LatestRunningBatch(); running != nil {
			results := r.recoverBatch(ctx, running)
			stopReason, err := r.batch.FinalizeBatch(ctx, r.state, running, results)
			if err != nil {
				return err
			}
			if stopReason != "" {
				r.emit("run.stop", "", map[string]any{"reason": stopReason})
				break
			}
			continue
		}

		pending := r.state.PendingTaskIDs()
		if len(pending) == 0 {
			break
		}

		completed := r.effectiveCompleted(ctx)
		ready := r.deps.DAG.Eligible(pending, completed)

		if len(ready) == 0 {
			failed, paused, _ := classifyBlockage(pending, r.state.Tasks, r.deps.DAG)
			if failed {
				r.state.Status = runstate.RunFailed
				r.emit("run.blocked", "", map[string]any{"reason": "deadlock_or_missing_deps"})
				break
			}
			if paused {
				r.state.Status = runstate.RunPaused
				r.emit("run.paused", "", map[string]any{"reason": "blocked_tasks", "blocked_tasks": pending})
				break
			}
			// Neither failed nor paused with an empty ready set should not
			// happen; treat conservatively as paused rather than spin.
			r.state.Status = runstate.RunPaused
			r.emit("run.paused", "", map[string]any{"reason": "no_eligible_tasks", "blocked_tasks": pending})
			break
		}

		plan, err := scheduler.NewBatchPlan(ready, r.deps.LockResolver, r.rc.MaxParallel)
		if err != nil {
			return fmt.Errorf("engine: loop: build batch plan: %w", err)
		}

		batchID := r.state.NextBatchID()
		taskIDs := make([]string, 0, len(plan.Tasks))
		for _, t := range plan.Tasks {
			taskIDs = append(taskIDs, t.ID)
		}
		sort.Strings(taskIDs)

		locks := append([]string(nil), plan.Locks.Reads...)
		locks = append(locks, plan.Locks.Writes...)

		now := time.Now()
		b := r.state.StartBatch(batchID, taskIDs, locks, now)
		if err := r.deps.Store.Save(ctx, r.state); err != nil {
			return fmt.Errorf("engine: loop: persist batch start: %w", err)
		}
		r.emit("batch.start", "", map[string]any{"batch_id": batchID, "tasks": taskIDs, "locks": locks, "lock_mode": string(r.rc.LockMode)})

		if r.rc.DryRun {
			for _, id := range taskIDs {
				_ = r.state.MarkSkipped(id, now)
			}
			_ = r.state.CloseBatch(batchID, runstate.BatchComplete, "", false, now)
			if err := r.deps.Store.Save(ctx, r.state); err != nil {
				return fmt.Errorf("engine: loop: persist dry run batch: %w", err)
			}
			r.emit("batch.dry_run", "", map[string]any{"batch_id": batchID})
			r.emit("batch.complete", "", map[string]any{"batch_id": batchID})
			continue
		}

		results := r.runBatchTasks(ctx, plan.Tasks, b)
		stopReason, err := r.batch.FinalizeBatch(ctx, r.state, b, results)
		if err != nil {
			return err
		}
		if stopReason != "" {
			r.emit("run.stop", "", map[string]any{"reason": stopReason})
			break
		}
	}

	return r.finalize(ctx)
}

// runBatchTasks launches every task in the batch concurrently, bounded
// by RunContext.MaxParallel, mirroring the teacher's errgroup-bounded
// wave in ParallelRunner.Run.
func (r *Run) runBatchTasks(ctx context.Context, tasks []*scheduler.TaskSpec, b *runstate.BatchState) []TaskResult {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.rc.MaxParallel)

	var mu sync.Mutex
	results := make([]TaskResult, 0, len(tasks))
	now := time.Now()

	for _, t := range tasks {
		task := t
		branch := fmt.Sprintf("task/%s", task.ID)
		workspace := fmt.Sprintf("%s/.worktrees/%s", r.rc.RepoPath, task.ID)

		_ = r.state.MarkRunning(task.ID, b.BatchID, branch, workspace, now)
		r.emit("task.started", task.ID, map[string]any{"agent_role": task.AgentRole})

		g.Go(func() error {
			req := ports.TaskAttemptRequest{
				TaskID:        task.ID,
				WorkspacePath: workspace,
				Prompt:        task.Prompt,
				DoctorCommand: task.Verify.Doctor,
			}
			result, err := r.task.RunAttempt(gctx, req)

			mu.Lock()
			results = append(results, TaskResult{TaskID: task.ID, Result: result, Err: err})
			mu.Unlock()
			return nil // task-level errors are carried in TaskResult, not returned to errgroup
		})
	}

	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })
	return results
}

// recoverBatch implements spec.md §4.5.2 step 2: for every task still
// marked running in a recovered batch, ask the Task Engine to
// reattach.
func (r *Run) recoverBatch(ctx context.Context, b *runstate.BatchState) []TaskResult {
	var results []TaskResult
	for _, taskID := range b.Tasks {
		ts, ok := r.state.Tasks[taskID]
		if !ok || ts.Status != runstate.TaskRunning {
			continue
		}
		result, err := r.task.ResumeRunningTask(ctx, taskID, ts.ContainerID)
		results = append(results, TaskResult{TaskID: taskID, Result: result, Err: err})
	}
	return results
}

// effectiveCompleted builds the readiness-only completed set of
// spec.md §4.5.2 step 4: RunState-complete/skipped tasks unioned with
// ledger-external completions, without writing the latter into
// RunState.
func (r *Run) effectiveCompleted(ctx context.Context) map[string]bool {
	completed := make(map[string]bool, len(r.state.Tasks))
	for id, ts := range r.state.Tasks {
		if ts.Status == runstate.TaskComplete || ts.Status == runstate.TaskSkipped {
			completed[id] = true
		}
	}

	if !r.rc.Reuse {
		return completed
	}

	snapshot, err := r.deps.Ledger.Load(ctx, r.rc.Project)
	if err != nil {
		return completed
	}

	isAncestor := func(ancestor, descendant string) (bool, error) {
		return r.deps.Vcs.IsAncestor(ctx, r.rc.RepoPath, ancestor, descendant)
	}
	baseSHA := ""
	if r.state.ControlPlane != nil {
		baseSHA = r.state.ControlPlane.BaseSHA
	}

	for id, entry := range snapshot.Entries {
		if completed[id] {
			continue
		}
		if eligible, _ := r.deps.Ledger.EligibleForReuse(entry, baseSHA, isAncestor); eligible {
			completed[id] = true
			r.emit("deps.external_satisfied", id, map[string]any{"commit_sha": entry.CommitSHA})
		}
	}

	return completed
}

// classifyBlockage implements spec.md §4.5.5.
func classifyBlockage(pending []string, tasks map[string]*runstate.TaskState, dag *scheduler.DAG) (failed, paused bool, detail BlockageDetail) {
	detail = BlockageDetail{
		MissingDeps: map[string][]string{},
		BlockedDeps: map[string][]string{},
		PendingDeps: map[string][]string{},
	}

	anyMissing := false
	anyBlocked := false

	for _, taskID := range pending {
		spec, ok := dag.Get(taskID)
		if !ok {
			continue
		}
		for _, dep := range spec.DependsOn {
			depState, ok := tasks[dep]
			switch {
			case !ok:
				anyMissing = true
				detail.MissingDeps[taskID] = append(detail.MissingDeps[taskID], dep)
			case runstate.BlockedStatuses[depState.Status]:
				anyBlocked = true
				detail.BlockedDeps[taskID] = append(detail.BlockedDeps[taskID], dep)
			case depState.Status != runstate.TaskComplete && depState.Status != runstate.TaskSkipped:
				detail.PendingDeps[taskID] = append(detail.PendingDeps[taskID], dep)
			}
		}
	}

	if anyMissing {
		return true, false, detail
	}
	if anyBlocked {
		return false, true, detail
	}
	return true, false, detail
}

// finalize implements spec.md §4.5.3.
func (r *Run) finalize(ctx context.Context) error {
	if r.state.Status == runstate.RunRunning {
		blocked := false
		for _, ts := range r.state.Tasks {
			if runstate.BlockedStatuses[ts.Status] {
				blocked = true
				break
			}
		}
		if blocked {
			r.state.Status = runstate.RunPaused
			r.emit("run.paused", "", map[string]any{"reason": "tasks_blocked"})
		} else {
			r.state.Status = runstate.RunComplete
		}
	}

	if err := r.deps.Store.Save(ctx, r.state); err != nil {
		return fmt.Errorf("engine: finalize: persist: %w", err)
	}

	r.emit("run.complete", "", map[string]any{"status": string(r.state.Status)})
	r.emit("run.summary", "", map[string]any{
		"status":      string(r.state.Status),
		"tokens_used": r.state.TokensUsed,
	})

	if r.deps.Logger != nil {
		_ = r.deps.Logger.Close()
	}
	return nil
}

// stopRun implements spec.md §4.5.4: ask the WorkerRunner to halt
// active containers/processes, persist a resumable `running` status,
// and report what happened.
func (r *Run) stopRun(ctx context.Context) error {
	result, err := r.deps.Worker.Stop(ctx, r.rc.StopContainersOnExit)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	// Status stays "running" so the run can be resumed.
	r.state.Status = runstate.RunRunning
	if serr := r.deps.Store.Save(ctx, r.state); serr != nil {
		return fmt.Errorf("engine: stop: persist: %w", serr)
	}

	containers := "left_running"
	if result.Stopped {
		containers = "stopped"
	}
	r.emit("run.stop", "", map[string]any{
		"reason":     "signal",
		"containers": containers,
		"errors":     result.Errors,
	})

	if r.deps.Logger != nil {
		_ = r.deps.Logger.Close()
	}
	return nil
}

func (r *Run) emit(eventType, taskID string, payload map[string]any) {
	if r.deps.Logger == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	payload["run_id"] = r.rc.RunID
	r.deps.Logger.Log(eventType, payload)
}
