package runstate

import (
	"fmt"
	"time"
)

// legalTransitions encodes the TaskStatus state machine from spec.md
// §3.2. The zero value of TaskStatus ("") is treated as "pending" for
// the purpose of a task's very first transition.
var legalTransitions = map[TaskStatus]map[TaskStatus]bool{
	"":                    {TaskRunning: true, TaskSkipped: true},
	TaskPending:           {TaskRunning: true, TaskSkipped: true},
	TaskRunning: {
		TaskValidated:        true,
		TaskNeedsHumanReview: true,
		TaskRescopeRequired:  true,
		TaskFailed:           true,
		TaskSkipped:          true,
		TaskPending:          true, // resume recovery / rescope reset
	},
	TaskValidated: {
		TaskComplete:         true,
		TaskNeedsHumanReview: true,
	},
	TaskNeedsHumanReview: {TaskPending: true, TaskComplete: true},
	TaskRescopeRequired:  {TaskPending: true},
}

func (rs *RunState) taskState(taskID string) (*TaskState, error) {
	ts, ok := rs.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("runstate: task %q not found", taskID)
	}
	return ts, nil
}

func (rs *RunState) transition(taskID string, to TaskStatus, now time.Time, mutate func(*TaskState)) error {
	ts, ok := rs.Tasks[taskID]
	if !ok {
		ts = &TaskState{Status: TaskPending}
		rs.Tasks[taskID] = ts
	}

	if !legalTransitions[ts.Status][to] {
		return fmt.Errorf("runstate: illegal transition for task %q: %s -> %s", taskID, ts.Status, to)
	}

	ts.Status = to
	if mutate != nil {
		mutate(ts)
	}
	rs.UpdatedAt = now
	return nil
}

// MarkRunning transitions a task to running, recording the attempt
// count and batch assignment.
func (rs *RunState) MarkRunning(taskID string, batchID int, branch, workspace string, now time.Time) error {
	return rs.transition(taskID, TaskRunning, now, func(ts *TaskState) {
		ts.Attempts++
		ts.BatchID = batchID
		ts.Branch = branch
		ts.Workspace = workspace
		ts.StartedAt = &now
		ts.LastError = ""
	})
}

// MarkValidated transitions a task from running to validated (all
// configured validators passed).
func (rs *RunState) MarkValidated(taskID string, now time.Time) error {
	return rs.transition(taskID, TaskValidated, now, nil)
}

// MarkComplete transitions a task to complete, recording completion
// time. Legal from validated or needs_human_review (operator override).
func (rs *RunState) MarkComplete(taskID string, now time.Time) error {
	return rs.transition(taskID, TaskComplete, now, func(ts *TaskState) {
		ts.CompletedAt = &now
	})
}

// MarkNeedsHumanReview transitions a task to needs_human_review with a
// reason, e.g. a validator block or a merge conflict summary.
func (rs *RunState) MarkNeedsHumanReview(taskID, reason string, now time.Time) error {
	return rs.transition(taskID, TaskNeedsHumanReview, now, func(ts *TaskState) {
		ts.HumanReview = reason
	})
}

// MarkRescopeRequired transitions a task to rescope_required after a
// failed rescope attempt.
func (rs *RunState) MarkRescopeRequired(taskID, reason string, now time.Time) error {
	return rs.transition(taskID, TaskRescopeRequired, now, func(ts *TaskState) {
		ts.LastError = reason
	})
}

// MarkFailed transitions a task to failed, recording the error message.
func (rs *RunState) MarkFailed(taskID, errMsg string, now time.Time) error {
	return rs.transition(taskID, TaskFailed, now, func(ts *TaskState) {
		ts.LastError = errMsg
		ts.CompletedAt = &now
	})
}

// MarkSkipped transitions a task to skipped (dry-run or reuse seeding).
func (rs *RunState) MarkSkipped(taskID string, now time.Time) error {
	return rs.transition(taskID, TaskSkipped, now, func(ts *TaskState) {
		ts.CompletedAt = &now
	})
}

// ResetToPending resets a task back to pending, e.g. after a successful
// rescope, a worker reattach failure, or an operator decision following
// needs_human_review. reason is recorded for diagnostics.
func (rs *RunState) ResetToPending(taskID, reason string, now time.Time) error {
	return rs.transition(taskID, TaskPending, now, func(ts *TaskState) {
		ts.LastError = reason
		ts.BatchID = 0
	})
}

// RecordValidatorResult stores the last outcome of a named validator
// for a task (last write wins, per spec.md §3.2).
func (rs *RunState) RecordValidatorResult(taskID, validator string, result ValidatorResult) error {
	ts, err := rs.taskState(taskID)
	if err != nil {
		return err
	}
	if ts.ValidatorResults == nil {
		ts.ValidatorResults = make(map[string]ValidatorResult)
	}
	ts.ValidatorResults[validator] = result
	return nil
}

// AddUsage accumulates token usage for a task and the run.
func (rs *RunState) AddUsage(taskID string, tokens int, cost float64) error {
	ts, err := rs.taskState(taskID)
	if err != nil {
		return err
	}
	ts.TokensUsed += tokens
	ts.EstimatedCost += cost
	ts.UsageByAttempt = append(ts.UsageByAttempt, tokens)
	rs.TokensUsed += tokens
	rs.EstimatedCost += cost
	return nil
}

// StartBatch appends a new running BatchState and returns it.
func (rs *RunState) StartBatch(batchID int, taskIDs []string, locks []string, now time.Time) *BatchState {
	b := &BatchState{
		BatchID:    batchID,
		Status:     BatchRunning,
		Tasks:      taskIDs,
		Locks:      locks,
		StartedAt:  now,
	}
	rs.Batches = append(rs.Batches, b)
	rs.UpdatedAt = now
	return b
}

// CloseBatch finalizes a batch with the given status, merge commit, and
// integration-doctor result.
func (rs *RunState) CloseBatch(batchID int, status BatchStatus, mergeCommit string, doctorPassed bool, now time.Time) error {
	for _, b := range rs.Batches {
		if b.BatchID == batchID {
			b.Status = status
			b.MergeCommit = mergeCommit
			b.IntegrationDoctorPassed = doctorPassed
			b.CompletedAt = &now
			rs.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("runstate: batch %d not found", batchID)
}
