// Package compliance implements the manifest compliance pipeline of
// spec.md §4.8: after a task attempt finishes, check whether it
// touched files outside its declared manifest, and either rescope the
// task (widen its manifest and send it back to pending) or, when no
// valid widened manifest can be computed, leave it rescope_required.
// Grounded on the teacher's scheduler.WorkflowManager,
// whose OnTaskCompleted hook follows the same re-entry shape this
// pipeline needs: inspect a finished task, derive a follow-up action,
// re-validate, and feed the result back into the scheduler.
package compliance

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aristath/taskrunner/internal/ports"
	"github.com/aristath/taskrunner/internal/scheduler"
)

// Mode is the manifest enforcement policy.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeWarn   Mode = "warn"
	ModeBlock  Mode = "block"
)

// Violation is one file changed outside the task's declared scope.
type Violation struct {
	TaskID   string
	Resource string
	Reason   string
}

// Report is the outcome of running the pipeline for one task.
type Report struct {
	TaskID          string
	EffectiveMode   Mode
	Violations      []Violation
	Verdict         string // "skip" | "pass" | "warn" | "block"
	RescopePlan     *scheduler.Files // non-nil if a valid widened manifest was computed
	RescopeFailed   bool
}

// EffectivePolicy resolves spec.md §4.8 step 1: off when scope checking
// is disabled; otherwise the configured mode, tightened to block at
// policy tier >= 2 regardless of the configured mode.
func EffectivePolicy(scopeOff bool, configured Mode, tier int) Mode {
	if scopeOff {
		return ModeOff
	}
	if tier >= 2 {
		return ModeBlock
	}
	if configured == "" {
		return ModeWarn
	}
	return configured
}

// Pipeline runs the compliance check for completed task attempts.
type Pipeline struct {
	logger ports.Logger
}

// NewPipeline builds a Pipeline that logs compliance events through logger.
func NewPipeline(logger ports.Logger) *Pipeline {
	return &Pipeline{logger: logger}
}

// Run executes spec.md §4.8 for one task: diff the workspace against
// baseSHA, compare changed paths against the task's declared
// Files{Reads,Writes}, and classify the result.
func (p *Pipeline) Run(ctx context.Context, task *scheduler.TaskSpec, workspacePath, baseSHA string, mode Mode) (Report, error) {
	report := Report{TaskID: task.ID, EffectiveMode: mode}

	if mode == ModeOff {
		report.Verdict = "skip"
		p.logEvent("manifest.compliance.skip", task.ID, nil)
		return report, nil
	}

	changed, err := changedFiles(ctx, workspacePath, baseSHA)
	if err != nil {
		return report, fmt.Errorf("compliance: diff changed files: %w", err)
	}

	declared := declaredPaths(task.Files)
	for _, path := range changed {
		if !coveredBy(path, declared) {
			report.Violations = append(report.Violations, Violation{
				TaskID:   task.ID,
				Resource: path,
				Reason:   "changed file not covered by declared manifest",
			})
		}
	}

	if len(report.Violations) == 0 {
		report.Verdict = "pass"
		p.logEvent("manifest.compliance.pass", task.ID, nil)
		return report, nil
	}

	for _, v := range report.Violations {
		p.logEvent("access.requested", task.ID, map[string]any{"resource": v.Resource, "reason": v.Reason})
	}

	if mode == ModeWarn {
		report.Verdict = "warn"
		p.logEvent("manifest.compliance.warn", task.ID, map[string]any{"violations": len(report.Violations)})
		return report, nil
	}

	report.Verdict = "block"
	p.logEvent("manifest.compliance.block", task.ID, map[string]any{"violations": len(report.Violations)})

	plan := Rescope(task.Files, report.Violations)
	if plan != nil {
		report.RescopePlan = plan
	} else {
		report.RescopeFailed = true
	}

	return report, nil
}

// Rescope computes a widened Files manifest covering every violated
// resource, per spec.md §4.8 step 5. It always succeeds for file-scope
// violations (the widened set is simply the union); it returns nil
// only when there is nothing to widen, which RescopeFailed treats as a
// rescope failure rather than a no-op.
func Rescope(current scheduler.Files, violations []Violation) *scheduler.Files {
	if len(violations) == 0 {
		return nil
	}

	writes := append([]string(nil), current.Writes...)
	for _, v := range violations {
		writes = append(writes, v.Resource)
	}

	widened := scheduler.Files{
		Reads:  scheduler.Normalize(current.Reads),
		Writes: scheduler.Normalize(writes),
	}
	return &widened
}

func (p *Pipeline) logEvent(eventType, taskID string, payload map[string]any) {
	if p.logger == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["task_id"] = taskID
	p.logger.Log(eventType, payload)
}

func declaredPaths(f scheduler.Files) []string {
	out := append([]string(nil), f.Reads...)
	out = append(out, f.Writes...)
	return out
}

// coveredBy reports whether path matches one of the declared patterns.
// Patterns ending in "/" or "/**" cover every file beneath that
// directory; anything else must match exactly.
func coveredBy(path string, patterns []string) bool {
	for _, pat := range patterns {
		pat = strings.TrimSuffix(pat, "**")
		if pat == path {
			return true
		}
		if strings.HasSuffix(pat, "/") && strings.HasPrefix(path, pat) {
			return true
		}
	}
	return false
}

// changedFiles lists paths modified in workspacePath since baseSHA,
// combining tracked changes (diff) and untracked new files.
func changedFiles(ctx context.Context, workspacePath, baseSHA string) ([]string, error) {
	diffCmd := exec.CommandContext(ctx, "git", "diff", "--name-only", baseSHA, "HEAD")
	diffCmd.Dir = workspacePath
	diffOut, err := diffCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git diff: %w (output: %s)", err, string(diffOut))
	}

	untrackedCmd := exec.CommandContext(ctx, "git", "ls-files", "--others", "--exclude-standard")
	untrackedCmd.Dir = workspacePath
	untrackedOut, err := untrackedCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git ls-files: %w (output: %s)", err, string(untrackedOut))
	}

	var out []string
	for _, line := range strings.Split(string(diffOut), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	for _, line := range strings.Split(string(untrackedOut), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
