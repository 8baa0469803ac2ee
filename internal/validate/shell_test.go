package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrunner/internal/ports"
)

func TestRunTestUnconfiguredSkipsWithPass(t *testing.T) {
	r := NewShellRunner(Commands{})
	report, err := r.RunTest(context.Background(), ports.ValidatorParams{RepoPath: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, report.Pass)
	assert.Contains(t, report.Summary, "not configured")
}

func TestRunTestSucceedsOnZeroExit(t *testing.T) {
	r := NewShellRunner(Commands{Test: "exit 0"})
	report, err := r.RunTest(context.Background(), ports.ValidatorParams{RepoPath: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, report.Pass)
}

func TestRunTestFailsOnNonZeroExit(t *testing.T) {
	r := NewShellRunner(Commands{Test: "exit 1"})
	report, err := r.RunTest(context.Background(), ports.ValidatorParams{RepoPath: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, report.Pass)
	assert.Contains(t, report.Summary, "failed")
}

func TestRunStyleAndArchitectureRouteToTheirOwnCommands(t *testing.T) {
	r := NewShellRunner(Commands{Style: "exit 0", Architecture: "exit 1"})

	style, err := r.RunStyle(context.Background(), ports.ValidatorParams{RepoPath: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, style.Pass)

	arch, err := r.RunArchitecture(context.Background(), ports.ValidatorParams{RepoPath: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, arch.Pass)
}

func TestRunDoctorPerAttemptCommandOverridesConfigured(t *testing.T) {
	r := NewShellRunner(Commands{Doctor: "exit 1"})
	report, err := r.RunDoctor(context.Background(), ports.ValidatorParams{RepoPath: t.TempDir(), Command: "exit 0"})
	require.NoError(t, err)
	assert.True(t, report.Pass)
}

func TestRunCapturesStdoutInDetails(t *testing.T) {
	r := NewShellRunner(Commands{Test: "echo hello"})
	report, err := r.RunTest(context.Background(), ports.ValidatorParams{RepoPath: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, report.Pass)
	assert.Contains(t, report.Details["stdout"], "hello")
}

func TestRunTimesOutOnSlowCommand(t *testing.T) {
	r := NewShellRunner(Commands{Test: "sleep 2"})
	report, err := r.RunTest(context.Background(), ports.ValidatorParams{RepoPath: t.TempDir(), Timeout: 1})
	require.NoError(t, err)
	assert.False(t, report.Pass)
	assert.Contains(t, report.Summary, "timed out")
}

func TestCoalescePrefersPerAttemptCommand(t *testing.T) {
	assert.Equal(t, "a", coalesce("a", "b"))
	assert.Equal(t, "b", coalesce("", "b"))
}
