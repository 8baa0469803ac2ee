// Package validate implements ports.ValidatorRunner by shelling out to
// a configured command and capturing pass/fail, per spec.md §6.1: test,
// style, architecture, and doctor validators all reduce to "run a
// command with a timeout, capture pass/fail."
package validate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/aristath/taskrunner/internal/ports"
)

// Commands configures the shell command run for each validator kind.
// An empty command disables that validator (RunX returns a pass with a
// "skipped" summary).
type Commands struct {
	Test         string
	Style        string
	Architecture string
	Doctor       string
}

// ShellRunner implements ports.ValidatorRunner, grounded on the
// concurrent-pipe-draining executeCommand helper in
// internal/backend/process.go, copied here rather than imported since
// internal/backend is kept as the CLI-agent package and this is a
// distinct shell-command concern (test/style/architecture/doctor
// commands, not agent CLIs).
type ShellRunner struct {
	cmds Commands
}

// NewShellRunner creates a ShellRunner with the given per-kind commands.
func NewShellRunner(cmds Commands) *ShellRunner {
	return &ShellRunner{cmds: cmds}
}

var _ ports.ValidatorRunner = (*ShellRunner)(nil)

func (r *ShellRunner) RunTest(ctx context.Context, params ports.ValidatorParams) (ports.ValidationReport, error) {
	return r.run(ctx, "test", coalesce(params.Command, r.cmds.Test), params)
}

func (r *ShellRunner) RunStyle(ctx context.Context, params ports.ValidatorParams) (ports.ValidationReport, error) {
	return r.run(ctx, "style", coalesce(params.Command, r.cmds.Style), params)
}

func (r *ShellRunner) RunArchitecture(ctx context.Context, params ports.ValidatorParams) (ports.ValidationReport, error) {
	return r.run(ctx, "architecture", coalesce(params.Command, r.cmds.Architecture), params)
}

func (r *ShellRunner) RunDoctor(ctx context.Context, params ports.ValidatorParams) (ports.ValidationReport, error) {
	return r.run(ctx, "doctor", coalesce(params.Command, r.cmds.Doctor), params)
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (r *ShellRunner) run(ctx context.Context, kind, command string, params ports.ValidatorParams) (ports.ValidationReport, error) {
	if command == "" {
		return ports.ValidationReport{Pass: true, Summary: kind + " validator not configured, skipped"}, nil
	}

	timeout := time.Duration(params.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = params.RepoPath

	stdout, stderr, err := executeCommand(runCtx, cmd)

	details := map[string]any{
		"stdout": string(stdout),
		"stderr": string(stderr),
		"task":   params.TaskID,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return ports.ValidationReport{
			Pass:    false,
			Summary: fmt.Sprintf("%s validator timed out after %s", kind, timeout),
			Details: details,
		}, nil
	}

	if err != nil {
		return ports.ValidationReport{
			Pass:    false,
			Summary: fmt.Sprintf("%s validator failed: %v", kind, err),
			Details: details,
		}, nil
	}

	return ports.ValidationReport{
		Pass:    true,
		Summary: fmt.Sprintf("%s validator passed", kind),
		Details: details,
	}, nil
}

// executeCommand mirrors internal/backend/process.go's concurrent pipe
// draining: start the command, read both pipes in goroutines, wait for
// both readers, then Wait the process — avoiding the deadlock that
// follows from calling Wait while a pipe buffer is still full.
func executeCommand(ctx context.Context, cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start: %w", err)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}
