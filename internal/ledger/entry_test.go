package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrunner/internal/scheduler"
)

func TestFingerprintIsOrderIndependentOverReadsAndWrites(t *testing.T) {
	m1 := Manifest{AgentRole: "coder", Prompt: "do x", Reads: []string{"b", "a"}, Writes: []string{"d", "c"}}
	m2 := Manifest{AgentRole: "coder", Prompt: "do x", Reads: []string{"a", "b"}, Writes: []string{"c", "d"}}

	fp1, err := Fingerprint(m1, nil)
	require.NoError(t, err)
	fp2, err := Fingerprint(m2, nil)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestFingerprintDiffersOnPromptChange(t *testing.T) {
	m1 := Manifest{AgentRole: "coder", Prompt: "do x"}
	m2 := Manifest{AgentRole: "coder", Prompt: "do y"}

	fp1, err := Fingerprint(m1, nil)
	require.NoError(t, err)
	fp2, err := Fingerprint(m2, nil)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintNormalizesCRLFInSpecBytes(t *testing.T) {
	m := Manifest{AgentRole: "coder", Prompt: "do x"}

	fp1, err := Fingerprint(m, []byte("line1\r\nline2\r\n"))
	require.NoError(t, err)
	fp2, err := Fingerprint(m, []byte("line1\nline2\n"))
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestFingerprintForTaskUsesDeclaredFilesAndDeps(t *testing.T) {
	task := scheduler.TaskSpec{
		ID:        "t1",
		AgentRole: "coder",
		Prompt:    "implement thing",
		DependsOn: []string{"t0"},
		Files:     scheduler.Files{Reads: []string{"a/"}, Writes: []string{"b/"}},
	}

	fp1, err := FingerprintForTask(task)
	require.NoError(t, err)

	task.Prompt = "implement other thing"
	fp2, err := FingerprintForTask(task)
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestManifestKeyIsStableUnderReordering(t *testing.T) {
	m1 := Manifest{AgentRole: "coder", Reads: []string{"b", "a"}}
	m2 := Manifest{AgentRole: "coder", Reads: []string{"a", "b"}}
	assert.Equal(t, m1.Key(), m2.Key())
}
