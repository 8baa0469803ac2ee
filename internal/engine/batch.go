package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/taskrunner/internal/budget"
	"github.com/aristath/taskrunner/internal/compliance"
	"github.com/aristath/taskrunner/internal/ledger"
	"github.com/aristath/taskrunner/internal/ports"
	"github.com/aristath/taskrunner/internal/runstate"
	"github.com/aristath/taskrunner/internal/scheduler"
)

// BatchEngine runs the fixed-order post-attempt side effects of
// spec.md §4.6: status folding, compliance, validators, merge,
// integration doctor, budgets, and the ledger write. Grounded on the
// teacher's ParallelRunner.executeTask side-effect ordering (mark
// status -> checkpoint -> merge -> cleanup) and
// WorktreeManager.Merge's two-phase merge-tree-then-merge strategy,
// generalized from per-task to per-batch.
type BatchEngine struct {
	rc      RunContext
	deps    Deps
	tracker *budget.Tracker

	finishedCount int // finished tasks across the run, for doctor cadence
}

// NewBatchEngine builds a BatchEngine for one run.
func NewBatchEngine(rc RunContext, deps Deps) *BatchEngine {
	return &BatchEngine{
		rc:      rc,
		deps:    deps,
		tracker: budget.NewTracker(rc.Budget),
	}
}

// FinalizeBatch implements spec.md §4.6.1. results need not be sorted;
// FinalizeBatch processes them in task-id ascending order per the
// ordering guarantee of spec.md §5.
func (e *BatchEngine) FinalizeBatch(ctx context.Context, rs *runstate.RunState, b *runstate.BatchState, results []TaskResult) (stopReason string, err error) {
	now := time.Now()
	byTask := make(map[string]TaskResult, len(results))
	for _, r := range results {
		byTask[r.TaskID] = r
	}

	taskIDs := append([]string(nil), b.Tasks...)
	sort.Strings(taskIDs)

	// Step 1-2: refresh usage, fold per-task status.
	for _, taskID := range taskIDs {
		res, ok := byTask[taskID]
		if !ok {
			continue // recovered batch with no attempt result for this task this tick
		}
		if res.Result.TokensUsed > 0 {
			_ = rs.AddUsage(taskID, res.Result.TokensUsed, 0)
			budget.RecordUsage(res.Result.TokensUsed, rs.TokensUsed)
		}

		switch {
		case res.Result.ResetToPending:
			_ = rs.ResetToPending(taskID, res.Result.ErrorMessage, now)
			e.emit("task.reset", taskID, map[string]any{"reason": res.Result.ErrorMessage})
		case !res.Result.Success || res.Err != nil:
			msg := res.Result.ErrorMessage
			if msg == "" && res.Err != nil {
				msg = res.Err.Error()
			}
			_ = rs.MarkFailed(taskID, msg, now)
			e.emit("task.failed", taskID, map[string]any{"message": msg})
		default:
			// success: status stays running, falls through to compliance.
		}
	}

	if err := e.deps.Store.Save(ctx, rs); err != nil {
		return "", fmt.Errorf("engine: persist after status fold: %w", err)
	}

	// Budget breach detection, right after the token refresh.
	taskTokens := make(map[string]int, len(taskIDs))
	for _, taskID := range taskIDs {
		if ts, ok := rs.Tasks[taskID]; ok {
			taskTokens[taskID] = ts.TokensUsed
		}
	}
	for _, br := range e.tracker.Detect(rs.TokensUsed, taskTokens) {
		budget.RecordBreach(br)
		if br.Block {
			e.emit("budget.block", br.TaskID, map[string]any{"used": br.Used, "limit": br.Limit, "scope": br.Scope})
			stopReason = "budget_block"
		} else {
			e.emit("budget.warn", br.TaskID, map[string]any{"used": br.Used, "limit": br.Limit, "scope": br.Scope})
		}
	}

	// Step 3: compliance pass for tasks that are still "running" (i.e.
	// succeeded this attempt and weren't reset or failed above).
	for _, taskID := range taskIDs {
		ts, ok := rs.Tasks[taskID]
		if !ok || ts.Status != runstate.TaskRunning {
			continue
		}
		task, ok := e.deps.DAG.Get(taskID)
		if !ok {
			continue
		}

		baseSHA := ""
		if rs.ControlPlane != nil {
			baseSHA = rs.ControlPlane.BaseSHA
		}
		effectiveMode := compliance.EffectivePolicy(e.rc.ComplianceMode == compliance.ModeOff, e.rc.ComplianceMode, e.rc.PolicyTier)
		report, cerr := e.deps.Compliance.Run(ctx, task, ts.Workspace, baseSHA, effectiveMode)
		if cerr != nil {
			e.emit("task.checkset.error", taskID, map[string]any{"error": cerr.Error()})
			continue
		}

		switch report.Verdict {
		case "block":
			if report.RescopePlan != nil {
				if uerr := e.deps.DAG.UpdateManifest(taskID, *report.RescopePlan, task.Locks); uerr != nil {
					e.emit("task.rescope.failed", taskID, map[string]any{"error": uerr.Error()})
					_ = rs.MarkRescopeRequired(taskID, uerr.Error(), now)
					continue
				}
				_ = rs.ResetToPending(taskID, "rescope: widened manifest", now)
				e.emit("task.rescope.updated", taskID, map[string]any{"writes": report.RescopePlan.Writes})
			} else {
				_ = rs.MarkRescopeRequired(taskID, "rescope could not compute a valid manifest", now)
				e.emit("task.rescope.failed", taskID, nil)
			}
		}
	}

	if err := e.deps.Store.Save(ctx, rs); err != nil {
		return stopReason, fmt.Errorf("engine: persist after compliance: %w", err)
	}

	// Step 5: blast-radius reports.
	if e.rc.BlastRadiusEnabled {
		for _, taskID := range taskIDs {
			if ts, ok := rs.Tasks[taskID]; ok && ts.Status == runstate.TaskRunning {
				if task, ok := e.deps.DAG.Get(taskID); ok {
					e.emit("task.blast_radius", taskID, map[string]any{"writes": task.Files.Writes})
				}
			}
		}
	}

	// Step 6-7: validators, then promote to validated.
	var validated []string
	for _, taskID := range taskIDs {
		ts, ok := rs.Tasks[taskID]
		if !ok || ts.Status != runstate.TaskRunning {
			continue
		}

		pass, reason := e.runValidators(ctx, rs, taskID, ts)
		if !pass {
			_ = rs.MarkNeedsHumanReview(taskID, reason, now)
			continue
		}

		_ = rs.MarkValidated(taskID, now)
		validated = append(validated, taskID)
	}

	if err := e.deps.Store.Save(ctx, rs); err != nil {
		return stopReason, fmt.Errorf("engine: persist after validators: %w", err)
	}

	doctorPassed := false
	mergeCommit := ""
	batchFailed := false

	// Step 8: merge and integration doctor.
	if len(validated) > 0 && stopReason == "" {
		sort.Strings(validated)
		branches := make([]string, 0, len(validated))
		for _, taskID := range validated {
			if ts, ok := rs.Tasks[taskID]; ok {
				branches = append(branches, ts.Branch)
			}
		}

		e.emit("batch.merging", "", map[string]any{"batch_id": b.BatchID, "branches": branches})
		outcome, merr := e.deps.Vcs.MergeTaskBranches(ctx, ports.MergeRequest{
			RepoPath:   e.rc.RepoPath,
			MainBranch: e.rc.MainBranch,
			Branches:   branches,
		})
		if merr != nil {
			return stopReason, fmt.Errorf("engine: merge task branches: %w", merr)
		}

		if outcome.Status == "conflict" {
			e.emit("batch.merge_conflict", outcome.Conflict.TaskID, map[string]any{"branch": outcome.Conflict.BranchName, "message": outcome.Message})
			for _, taskID := range validated {
				_ = rs.MarkNeedsHumanReview(taskID, fmt.Sprintf("merge conflict: %s", outcome.Message), now)
			}
			batchFailed = true
			stopReason = "merge_conflict"
			rs.Status = runstate.RunFailed
		} else {
			mergeCommit = outcome.MergeCommit
			report, derr := e.deps.Validator.RunDoctor(ctx, ports.ValidatorParams{
				RepoPath: e.rc.RepoPath,
				TaskID:   "",
				Command:  e.rc.DoctorCommand,
				Timeout:  e.doctorTimeoutSeconds(),
			})
			if derr != nil {
				return stopReason, fmt.Errorf("engine: integration doctor: %w", derr)
			}
			doctorPassed = report.Pass
			if !doctorPassed {
				e.emit("doctor.integration.fail", "", map[string]any{"batch_id": b.BatchID, "summary": report.Summary})
				for _, taskID := range validated {
					_ = rs.MarkNeedsHumanReview(taskID, "integration doctor failed: "+report.Summary, now)
				}
				stopReason = "integration_doctor_failed"
				rs.Status = runstate.RunFailed
			}
		}
	}

	// Step 9: cadence doctor run. It runs only when this batch merged
	// nothing (so no integration doctor ran above) and the running count
	// of finished tasks, prior batches included, is a positive multiple
	// of DoctorCadence.
	e.finishedCount += len(validated)
	if !doctorPassed && mergeCommit == "" && e.rc.DoctorCadence > 0 && e.finishedCount > 0 && e.finishedCount%e.rc.DoctorCadence == 0 {
		report, derr := e.deps.Validator.RunDoctor(ctx, ports.ValidatorParams{
			RepoPath: e.rc.RepoPath,
			Command:  e.rc.DoctorCommand,
			Timeout:  e.doctorTimeoutSeconds(),
		})
		if derr == nil && !report.Pass {
			e.emit("task.policy.error", "", map[string]any{"reason": "cadence doctor failed"})
		}
	}

	// Step 10: complete + ledger write, gated on the doctor pass.
	if doctorPassed && mergeCommit != "" {
		for _, taskID := range validated {
			_ = rs.MarkComplete(taskID, now)
			e.emit("task.complete", taskID, nil)
			if cerr := e.deps.Worker.CleanupTask(ctx, taskID, ""); cerr != nil {
				e.emit("task.checkset.error", taskID, map[string]any{"cleanup_error": cerr.Error()})
			}
		}
	}

	if err := e.deps.Store.Save(ctx, rs); err != nil {
		return stopReason, fmt.Errorf("engine: persist before close: %w", err)
	}

	// Step 11: close the batch.
	status := runstate.BatchComplete
	if batchFailed || (len(validated) > 0 && !doctorPassed) {
		status = runstate.BatchFailed
	}
	if cerr := rs.CloseBatch(b.BatchID, status, mergeCommit, doctorPassed, now); cerr != nil {
		return stopReason, fmt.Errorf("engine: close batch: %w", cerr)
	}

	if err := e.deps.Store.Save(ctx, rs); err != nil {
		return stopReason, fmt.Errorf("engine: persist after close: %w", err)
	}

	// Ledger write (§4.6.5): ImportFromRun re-derives which tasks are
	// eligible (complete/skipped in a doctor-passed batch) from rs
	// itself, so it is safe to call after every batch close.
	if doctorPassed {
		e.emit("ledger.write.start", "", map[string]any{"batch_id": b.BatchID})
		allTasks := make([]scheduler.TaskSpec, 0, len(e.deps.DAG.Tasks()))
		for _, t := range e.deps.DAG.Tasks() {
			allTasks = append(allTasks, *t)
		}
		imported, errs := e.deps.Ledger.ImportFromRun(ctx, e.rc.Project, rs, allTasks, ledger.FingerprintForTask)
		for _, ierr := range errs {
			e.emit("ledger.write.error", "", map[string]any{"error": ierr.Error()})
		}
		e.emit("ledger.write.complete", "", map[string]any{"imported": imported})
	}

	e.emit("batch.complete", "", map[string]any{"batch_id": b.BatchID})

	return stopReason, nil
}

func (e *BatchEngine) runValidators(ctx context.Context, rs *runstate.RunState, taskID string, ts *runstate.TaskState) (pass bool, reason string) {
	params := ports.ValidatorParams{RepoPath: ts.Workspace, TaskID: taskID, Timeout: e.doctorTimeoutSeconds()}

	checks := []struct {
		name string
		run  func(context.Context, ports.ValidatorParams) (ports.ValidationReport, error)
	}{
		{"test", e.deps.Validator.RunTest},
		{"style", e.deps.Validator.RunStyle},
		{"architecture", e.deps.Validator.RunArchitecture},
	}

	for _, check := range checks {
		report, err := check.run(ctx, params)
		if err != nil {
			return false, fmt.Sprintf("%s validator error: %v", check.name, err)
		}
		_ = rs.RecordValidatorResult(taskID, check.name, runstate.ValidatorResult{
			Pass:      report.Pass,
			Summary:   report.Summary,
			Timestamp: time.Now(),
		})
		if !report.Pass {
			return false, fmt.Sprintf("%s validator failed: %s", check.name, report.Summary)
		}
	}
	return true, ""
}

func (e *BatchEngine) doctorTimeoutSeconds() int {
	if e.rc.DoctorTimeout > 0 {
		return e.rc.DoctorTimeout
	}
	return 300
}

func (e *BatchEngine) emit(eventType, taskID string, payload map[string]any) {
	if e.deps.Logger == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	e.deps.Logger.Log(eventType, payload)
}
