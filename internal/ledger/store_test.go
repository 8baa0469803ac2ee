package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrunner/internal/runstate"
	"github.com/aristath/taskrunner/internal/scheduler"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	// Every test opens the same shared-cache in-memory DSN; the database
	// is discarded when the last connection closes at cleanup, so tests
	// that run one after another start from an empty ledger.
	l, err := OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestUpsertThenLoadRoundTrips(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	entry := Entry{
		Project:     "proj",
		TaskID:      "t1",
		Fingerprint: "fp1",
		RunID:       "run-1",
		CommitSHA:   "sha1",
		Outcome:     "complete",
		RecordedAt:  time.Now().Truncate(time.Second),
	}
	require.NoError(t, l.Upsert(ctx, "proj", entry))

	snap, err := l.Load(ctx, "proj")
	require.NoError(t, err)
	got, ok := snap.Entries["t1"]
	require.True(t, ok)
	assert.Equal(t, entry.Fingerprint, got.Fingerprint)
	assert.Equal(t, entry.CommitSHA, got.CommitSHA)
}

func TestUpsertReplacesExistingEntry(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Upsert(ctx, "proj", Entry{Project: "proj", TaskID: "t1", Fingerprint: "fp1", Outcome: "complete", RecordedAt: time.Now()}))
	require.NoError(t, l.Upsert(ctx, "proj", Entry{Project: "proj", TaskID: "t1", Fingerprint: "fp2", Outcome: "skipped", RecordedAt: time.Now()}))

	snap, err := l.Load(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
	assert.Equal(t, "fp2", snap.Entries["t1"].Fingerprint)
	assert.Equal(t, "skipped", snap.Entries["t1"].Outcome)
}

func TestLoadScopesToProject(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Upsert(ctx, "proj-a", Entry{Project: "proj-a", TaskID: "t1", Fingerprint: "fp1", Outcome: "complete", RecordedAt: time.Now()}))
	require.NoError(t, l.Upsert(ctx, "proj-b", Entry{Project: "proj-b", TaskID: "t1", Fingerprint: "fp2", Outcome: "complete", RecordedAt: time.Now()}))

	snap, err := l.Load(ctx, "proj-a")
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
	assert.Equal(t, "fp1", snap.Entries["t1"].Fingerprint)
}

func TestSnapshotByFingerprintFindsMatch(t *testing.T) {
	snap := &Snapshot{Entries: map[string]Entry{
		"t1": {TaskID: "t1", Fingerprint: "fp1"},
		"t2": {TaskID: "t2", Fingerprint: "fp2"},
	}}
	e, ok := snap.ByFingerprint("fp2")
	assert.True(t, ok)
	assert.Equal(t, "t2", e.TaskID)
}

func TestEligibleForReuseRequiresCompleteOrSkippedOutcomeAndCommitSHA(t *testing.T) {
	l := newTestLedger(t)
	alwaysTrue := func(ancestor, descendant string) (bool, error) { return true, nil }

	eligible, err := l.EligibleForReuse(Entry{Outcome: "complete", CommitSHA: "sha1"}, "sha2", alwaysTrue)
	require.NoError(t, err)
	assert.True(t, eligible)

	eligible, err = l.EligibleForReuse(Entry{Outcome: "skipped", CommitSHA: "sha1"}, "sha2", alwaysTrue)
	require.NoError(t, err)
	assert.True(t, eligible)

	eligible, err = l.EligibleForReuse(Entry{Outcome: "failed", CommitSHA: "sha1"}, "sha2", alwaysTrue)
	require.NoError(t, err)
	assert.False(t, eligible)

	eligible, err = l.EligibleForReuse(Entry{Outcome: "complete", CommitSHA: ""}, "sha2", alwaysTrue)
	require.NoError(t, err)
	assert.False(t, eligible)
}

func TestEligibleForReuseDefersToIsAncestor(t *testing.T) {
	l := newTestLedger(t)
	alwaysFalse := func(ancestor, descendant string) (bool, error) { return false, nil }

	eligible, err := l.EligibleForReuse(Entry{Outcome: "complete", CommitSHA: "sha1"}, "sha2", alwaysFalse)
	require.NoError(t, err)
	assert.False(t, eligible)
}

func TestEligibleForReusePropagatesAncestryError(t *testing.T) {
	l := newTestLedger(t)
	boom := func(ancestor, descendant string) (bool, error) { return false, fmt.Errorf("git error") }

	_, err := l.EligibleForReuse(Entry{Outcome: "complete", CommitSHA: "sha1"}, "sha2", boom)
	assert.Error(t, err)
}

func TestImportFromRunOnlyImportsDoctorPassedBatches(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	now := time.Now()
	rs := runstate.New("run-1", "proj", "/repo", "main", now)
	rs.Tasks["t1"] = &runstate.TaskState{Status: runstate.TaskComplete, BatchID: 1}
	rs.Tasks["t2"] = &runstate.TaskState{Status: runstate.TaskComplete, BatchID: 2}
	rs.Batches = []*runstate.BatchState{
		{BatchID: 1, IntegrationDoctorPassed: true, MergeCommit: "merge-1"},
		{BatchID: 2, IntegrationDoctorPassed: false},
	}

	tasks := []scheduler.TaskSpec{
		{ID: "t1", AgentRole: "coder", Prompt: "do 1"},
		{ID: "t2", AgentRole: "coder", Prompt: "do 2"},
	}

	imported, errs := l.ImportFromRun(ctx, "proj", rs, tasks, FingerprintForTask)
	assert.Empty(t, errs)
	assert.Equal(t, 1, imported)

	snap, err := l.Load(ctx, "proj")
	require.NoError(t, err)
	assert.Contains(t, snap.Entries, "t1")
	assert.NotContains(t, snap.Entries, "t2")
	assert.Equal(t, "merge-1", snap.Entries["t1"].CommitSHA)
}

func TestImportFromRunSkipsTasksWithoutMatchingSpec(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	now := time.Now()
	rs := runstate.New("run-1", "proj", "/repo", "main", now)
	rs.Tasks["ghost"] = &runstate.TaskState{Status: runstate.TaskComplete, BatchID: 1}
	rs.Batches = []*runstate.BatchState{{BatchID: 1, IntegrationDoctorPassed: true}}

	imported, errs := l.ImportFromRun(ctx, "proj", rs, nil, FingerprintForTask)
	assert.Equal(t, 0, imported)
	assert.Len(t, errs, 1)
}

func TestImportFromRunIncludesSkippedStatus(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	now := time.Now()
	rs := runstate.New("run-1", "proj", "/repo", "main", now)
	rs.Tasks["t1"] = &runstate.TaskState{Status: runstate.TaskSkipped, BatchID: 1}
	rs.Batches = []*runstate.BatchState{{BatchID: 1, IntegrationDoctorPassed: true}}

	tasks := []scheduler.TaskSpec{{ID: "t1", AgentRole: "coder", Prompt: "reused"}}
	imported, errs := l.ImportFromRun(ctx, "proj", rs, tasks, FingerprintForTask)
	assert.Empty(t, errs)
	assert.Equal(t, 1, imported)
}
