package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/taskrunner/internal/ledger"
	"github.com/aristath/taskrunner/internal/ports"
	"github.com/aristath/taskrunner/internal/runstate"
	"github.com/aristath/taskrunner/internal/scheduler"
)

// fakeVcs is an in-memory ports.Vcs double: every merge succeeds and
// ancestry always holds, unless a test configures otherwise.
type fakeVcs struct {
	mu             sync.Mutex
	cleanTreeErr   error
	baseSHA        string
	mergeOutcome   ports.MergeOutcome
	mergeErr       error
	mergeCalls     int
	isAncestorFunc func(ancestor, descendant string) (bool, error)
}

func newFakeVcs() *fakeVcs {
	return &fakeVcs{
		baseSHA:      "base-sha",
		mergeOutcome: ports.MergeOutcome{Status: "clean", MergeCommit: "merged-sha"},
	}
}

func (f *fakeVcs) EnsureCleanWorkingTree(ctx context.Context, repoPath string) error {
	return f.cleanTreeErr
}

func (f *fakeVcs) CheckoutOrCreateBranch(ctx context.Context, repoPath, branch string) error {
	return nil
}

func (f *fakeVcs) ResolveRunBaseSha(ctx context.Context, repoPath, mainBranch string) (string, error) {
	return f.baseSHA, nil
}

func (f *fakeVcs) HeadSha(ctx context.Context, repoPath string) (string, error) {
	return f.baseSHA, nil
}

func (f *fakeVcs) IsAncestor(ctx context.Context, repoPath, maybeAncestor, descendant string) (bool, error) {
	if f.isAncestorFunc != nil {
		return f.isAncestorFunc(maybeAncestor, descendant)
	}
	return true, nil
}

func (f *fakeVcs) MergeTaskBranches(ctx context.Context, req ports.MergeRequest) (ports.MergeOutcome, error) {
	f.mu.Lock()
	f.mergeCalls++
	f.mu.Unlock()
	return f.mergeOutcome, f.mergeErr
}

var _ ports.Vcs = (*fakeVcs)(nil)

// fakeWorker is an in-memory ports.WorkerRunner double driven by a
// per-task queue of canned results.
type fakeWorker struct {
	mu      sync.Mutex
	results map[string][]ports.WorkerRunnerResult
	stopRes ports.StopResult
	calls   int
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{results: make(map[string][]ports.WorkerRunnerResult)}
}

func (f *fakeWorker) queue(taskID string, results ...ports.WorkerRunnerResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[taskID] = append(f.results[taskID], results...)
}

func (f *fakeWorker) Prepare(ctx context.Context, buildImage bool) error { return nil }

func (f *fakeWorker) RunAttempt(ctx context.Context, req ports.TaskAttemptRequest) (ports.WorkerRunnerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	queue := f.results[req.TaskID]
	if len(queue) == 0 {
		return ports.WorkerRunnerResult{Success: true}, nil
	}
	next := queue[0]
	f.results[req.TaskID] = queue[1:]
	return next, nil
}

func (f *fakeWorker) ResumeAttempt(ctx context.Context, req ports.TaskResumeRequest) (ports.WorkerRunnerResult, error) {
	return ports.WorkerRunnerResult{Success: true}, nil
}

func (f *fakeWorker) CleanupTask(ctx context.Context, taskID, containerIDHint string) error {
	return nil
}

func (f *fakeWorker) Stop(ctx context.Context, stopContainersOnExit bool) (ports.StopResult, error) {
	return f.stopRes, nil
}

var _ ports.WorkerRunner = (*fakeWorker)(nil)

// fakeValidator passes everything by default.
type fakeValidator struct {
	testPass, stylePass, archPass, doctorPass bool
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{testPass: true, stylePass: true, archPass: true, doctorPass: true}
}

func (f *fakeValidator) RunTest(ctx context.Context, params ports.ValidatorParams) (ports.ValidationReport, error) {
	return ports.ValidationReport{Pass: f.testPass, Summary: "test"}, nil
}

func (f *fakeValidator) RunStyle(ctx context.Context, params ports.ValidatorParams) (ports.ValidationReport, error) {
	return ports.ValidationReport{Pass: f.stylePass, Summary: "style"}, nil
}

func (f *fakeValidator) RunArchitecture(ctx context.Context, params ports.ValidatorParams) (ports.ValidationReport, error) {
	return ports.ValidationReport{Pass: f.archPass, Summary: "architecture"}, nil
}

func (f *fakeValidator) RunDoctor(ctx context.Context, params ports.ValidatorParams) (ports.ValidationReport, error) {
	return ports.ValidationReport{Pass: f.doctorPass, Summary: "doctor"}, nil
}

var _ ports.ValidatorRunner = (*fakeValidator)(nil)

// fakeLogger collects emitted events for assertions.
type fakeLogger struct {
	mu     sync.Mutex
	events []fakeEvent
}

type fakeEvent struct {
	Type    string
	Payload map[string]any
}

func newFakeLogger() *fakeLogger { return &fakeLogger{} }

func (f *fakeLogger) Log(eventType string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{Type: eventType, Payload: payload})
}

func (f *fakeLogger) Close() error { return nil }

func (f *fakeLogger) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

var _ ports.Logger = (*fakeLogger)(nil)

// memStore is an in-memory runstate.Store double.
type memStore struct {
	mu    sync.Mutex
	state *runstate.RunState
	saves int
}

func newMemStore() *memStore { return &memStore{} }

func (s *memStore) Exists(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != nil, nil
}

func (s *memStore) Load(ctx context.Context) (*runstate.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, fmt.Errorf("memStore: no state")
	}
	return s.state, nil
}

func (s *memStore) Save(ctx context.Context, rs *runstate.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = rs
	s.saves++
	return nil
}

var _ runstate.Store = (*memStore)(nil)

// memLedger is an in-memory ledger.Ledger double.
type memLedger struct {
	mu      sync.Mutex
	entries map[string]ledger.Entry // keyed by task id
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[string]ledger.Entry)}
}

func (l *memLedger) Load(ctx context.Context, project string) (*ledger.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]ledger.Entry, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return &ledger.Snapshot{Project: project, Entries: out}, nil
}

func (l *memLedger) Upsert(ctx context.Context, project string, e ledger.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.TaskID] = e
	return nil
}

func (l *memLedger) ImportFromRun(ctx context.Context, project string, rs *runstate.RunState, tasks []scheduler.TaskSpec, fingerprintFn func(scheduler.TaskSpec) (string, error)) (int, []error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	imported := 0
	var errs []error
	for _, t := range tasks {
		ts, ok := rs.Tasks[t.ID]
		if !ok {
			continue
		}
		if ts.Status != runstate.TaskComplete && ts.Status != runstate.TaskSkipped {
			continue
		}

		fp, err := fingerprintFn(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		l.entries[t.ID] = ledger.Entry{
			Project:     project,
			TaskID:      t.ID,
			Fingerprint: fp,
			RunID:       rs.RunID,
			Outcome:     string(ts.Status),
		}
		imported++
	}
	return imported, errs
}

func (l *memLedger) EligibleForReuse(e ledger.Entry, baseSHA string, isAncestor func(ancestor, descendant string) (bool, error)) (bool, error) {
	if e.Outcome != "complete" || e.CommitSHA == "" {
		return false, nil
	}
	return isAncestor(e.CommitSHA, baseSHA)
}

func (l *memLedger) Close() error { return nil }
