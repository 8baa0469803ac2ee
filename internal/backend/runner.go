package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/taskrunner/internal/ports"
)

// Runner adapts the CLI Backend adapters (claude/codex/goose) to the
// ports.WorkerRunner contract. One Runner serves an entire run; it
// multiplexes Backend instances by task ID, mirroring the teacher's
// one-subprocess-per-invocation model.
type Runner struct {
	backendType  string
	model        string
	provider     string
	systemPrompt string

	procMgr *ProcessManager

	mu       sync.Mutex
	backends map[string]Backend
}

// NewRunner creates a Runner that spawns backendType ("claude", "codex",
// or "goose") subprocesses for each task attempt.
func NewRunner(backendType, model, provider, systemPrompt string) *Runner {
	return &Runner{
		backendType:  backendType,
		model:        model,
		provider:     provider,
		systemPrompt: systemPrompt,
		procMgr:      NewProcessManager(),
		backends:     make(map[string]Backend),
	}
}

var _ ports.WorkerRunner = (*Runner)(nil)

// Prepare is a no-op for subprocess-per-invocation backends; buildImage
// is meaningful only for container-backed WorkerRunner implementations.
func (r *Runner) Prepare(ctx context.Context, buildImage bool) error {
	return nil
}

// RunAttempt starts (or continues) a task's backend session and sends
// its prompt, per spec.md §6.1's WorkerRunner contract.
func (r *Runner) RunAttempt(ctx context.Context, req ports.TaskAttemptRequest) (ports.WorkerRunnerResult, error) {
	b, err := r.backendFor(req.TaskID, req.WorkspacePath)
	if err != nil {
		return ports.WorkerRunnerResult{}, err
	}

	resp, err := b.Send(ctx, Message{Role: "user", Content: req.Prompt})
	if err != nil {
		return ports.WorkerRunnerResult{
			Success:        false,
			ErrorMessage:   resp.Error,
			ResetToPending: isTransientErr(err),
		}, nil
	}

	return ports.WorkerRunnerResult{
		Success:     true,
		ContainerID: resp.SessionID,
	}, nil
}

// ResumeAttempt is asked to reattach to a task's process after a
// restart. Subprocess-per-invocation backends keep no process alive
// across invocations, so there is never anything to reattach to: the
// result carries ResetToPending=true and the task goes back to pending
// to be run again.
func (r *Runner) ResumeAttempt(ctx context.Context, req ports.TaskResumeRequest) (ports.WorkerRunnerResult, error) {
	return ports.WorkerRunnerResult{
		ResetToPending: true,
		ErrorMessage:   fmt.Sprintf("no live process to reattach to for task %s", req.TaskID),
	}, nil
}

// CleanupTask releases the backend instance held for a task.
func (r *Runner) CleanupTask(ctx context.Context, taskID, containerIDHint string) error {
	r.mu.Lock()
	b, ok := r.backends[taskID]
	delete(r.backends, taskID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return b.Close()
}

// Stop terminates every tracked subprocess.
func (r *Runner) Stop(ctx context.Context, stopContainersOnExit bool) (ports.StopResult, error) {
	if !stopContainersOnExit {
		return ports.StopResult{Stopped: false}, nil
	}
	if err := r.procMgr.KillAll(); err != nil {
		return ports.StopResult{Stopped: false, Errors: []string{err.Error()}}, nil
	}
	return ports.StopResult{Stopped: true}, nil
}

func (r *Runner) backendFor(taskID, workDir string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[taskID]; ok {
		return b, nil
	}

	b, err := New(Config{
		Type:         r.backendType,
		WorkDir:      workDir,
		Model:        r.model,
		Provider:     r.provider,
		SystemPrompt: r.systemPrompt,
	}, r.procMgr)
	if err != nil {
		return nil, fmt.Errorf("backend: create %s adapter: %w", r.backendType, err)
	}

	r.backends[taskID] = b
	return b, nil
}

// isTransientErr classifies a Send error as transient (worth resetting
// the task to pending and retrying the batch) versus terminal. Every
// Backend.Send error is currently a subprocess/parse failure, which is
// treated as transient so the Task Engine's retry/backoff wrapper (see
// internal/engine) retries it; if the retries run out, the result still
// carries ResetToPending and the Batch Engine resets the task to pending.
func isTransientErr(err error) bool {
	return err != nil
}
