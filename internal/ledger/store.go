package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/taskrunner/internal/runstate"
	"github.com/aristath/taskrunner/internal/scheduler"
)

// Entry is one recorded outcome for a task within a project, keyed by
// (project, task_id). Fingerprint is the content address used for the
// reuse-eligibility check; CommitSHA is the commit the task's work
// landed on.
type Entry struct {
	Project     string
	TaskID      string
	Fingerprint string
	RunID       string
	CommitSHA   string
	Outcome     string // "complete" | "skipped"
	RecordedAt  time.Time
}

// Snapshot is a project's whole ledger, keyed by task id, as returned
// by Load.
type Snapshot struct {
	Project string
	Entries map[string]Entry
}

// ByFingerprint returns the entry matching fingerprint, if any.
func (s *Snapshot) ByFingerprint(fingerprint string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Fingerprint == fingerprint {
			return e, true
		}
	}
	return Entry{}, false
}

// Ledger is the Task Ledger contract of spec.md §3.3/§4.2.
type Ledger interface {
	// Load returns every entry recorded for project.
	Load(ctx context.Context, project string) (*Snapshot, error)

	// Upsert records (or replaces) the outcome for a (project, task_id)
	// pair. The write runs inside a BEGIN IMMEDIATE transaction, which
	// serializes concurrent upserts across run processes against the
	// same ledger database and so also functions as the per-project
	// advisory lock spec.md §4.2 requires.
	Upsert(ctx context.Context, project string, e Entry) error

	// ImportFromRun walks rs.Tasks and upserts an entry for every task
	// whose status is complete or skipped and whose owning batch passed
	// its integration doctor, recomputing each task's fingerprint from
	// fingerprintFn. Partial success is allowed: errors are collected
	// per task rather than aborting the whole import.
	ImportFromRun(ctx context.Context, project string, rs *runstate.RunState, tasks []scheduler.TaskSpec, fingerprintFn func(scheduler.TaskSpec) (string, error)) (imported int, errs []error)

	// EligibleForReuse reports whether an entry is eligible for reuse
	// per spec.md §4.2: outcome complete or skipped, and entry.CommitSHA
	// an ancestor of baseSHA. isAncestor is supplied by the caller since
	// ancestry is a Git concern the ledger itself does not own.
	EligibleForReuse(e Entry, baseSHA string, isAncestor func(ancestor, descendant string) (bool, error)) (bool, error)

	Close() error
}

// SQLiteLedger implements Ledger using modernc.org/sqlite, adapted from
// the teacher's SQLiteStore: same WAL/busy-timeout connection string
// and BEGIN IMMEDIATE write pattern, repointed from a task/session
// schema at a (project, task_id) -> outcome table.
type SQLiteLedger struct {
	db *sql.DB
}

// Open creates or opens a SQLite-backed ledger at path.
func Open(ctx context.Context, path string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger: create dir %s: %w", dir, err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(2)

	l := &SQLiteLedger{db: db}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return l, nil
}

// OpenMemory creates an in-memory ledger, for tests.
func OpenMemory(ctx context.Context) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("ledger: open memory db: %w", err)
	}
	db.SetMaxOpenConns(2)

	l := &SQLiteLedger{db: db}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		project TEXT NOT NULL,
		task_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		run_id TEXT NOT NULL,
		commit_sha TEXT NOT NULL,
		outcome TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (project, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_fingerprint ON ledger_entries(project, fingerprint);
	`
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) Load(ctx context.Context, project string) (*Snapshot, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT task_id, fingerprint, run_id, commit_sha, outcome, recorded_at
		FROM ledger_entries
		WHERE project = ?
	`, project)
	if err != nil {
		return nil, fmt.Errorf("ledger: load %s: %w", project, err)
	}
	defer rows.Close()

	snap := &Snapshot{Project: project, Entries: make(map[string]Entry)}
	for rows.Next() {
		var e Entry
		e.Project = project
		if err := rows.Scan(&e.TaskID, &e.Fingerprint, &e.RunID, &e.CommitSHA, &e.Outcome, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan row: %w", err)
		}
		snap.Entries[e.TaskID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate rows: %w", err)
	}

	return snap, nil
}

func (l *SQLiteLedger) Upsert(ctx context.Context, project string, e Entry) error {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (project, task_id, fingerprint, run_id, commit_sha, outcome, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project, task_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			run_id = excluded.run_id,
			commit_sha = excluded.commit_sha,
			outcome = excluded.outcome,
			recorded_at = excluded.recorded_at
	`, project, e.TaskID, e.Fingerprint, e.RunID, e.CommitSHA, e.Outcome, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("ledger: upsert %s/%s: %w", project, e.TaskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// ImportFromRun implements spec.md §4.2's end-of-run ledger import: a
// task is eligible for import iff its status is complete or skipped
// and its owning batch's integration doctor passed.
func (l *SQLiteLedger) ImportFromRun(ctx context.Context, project string, rs *runstate.RunState, tasks []scheduler.TaskSpec, fingerprintFn func(scheduler.TaskSpec) (string, error)) (int, []error) {
	doctorPassed := make(map[int]bool, len(rs.Batches))
	mergeCommit := make(map[int]string, len(rs.Batches))
	for _, b := range rs.Batches {
		doctorPassed[b.BatchID] = b.IntegrationDoctorPassed
		mergeCommit[b.BatchID] = b.MergeCommit
	}

	specByID := make(map[string]scheduler.TaskSpec, len(tasks))
	for _, t := range tasks {
		specByID[t.ID] = t
	}

	var errs []error
	imported := 0

	for taskID, ts := range rs.Tasks {
		if ts.Status != runstate.TaskComplete && ts.Status != runstate.TaskSkipped {
			continue
		}
		if !doctorPassed[ts.BatchID] {
			continue
		}

		spec, ok := specByID[taskID]
		if !ok {
			errs = append(errs, fmt.Errorf("ledger: import %s: no matching task spec", taskID))
			continue
		}

		fp, err := fingerprintFn(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("ledger: import %s: fingerprint: %w", taskID, err))
			continue
		}

		entry := Entry{
			Project:     project,
			TaskID:      taskID,
			Fingerprint: fp,
			RunID:       rs.RunID,
			CommitSHA:   mergeCommit[ts.BatchID],
			Outcome:     string(ts.Status),
			RecordedAt:  rs.UpdatedAt,
		}

		if err := l.Upsert(ctx, project, entry); err != nil {
			errs = append(errs, fmt.Errorf("ledger: import %s: %w", taskID, err))
			continue
		}
		imported++
	}

	return imported, errs
}

func (l *SQLiteLedger) EligibleForReuse(e Entry, baseSHA string, isAncestor func(ancestor, descendant string) (bool, error)) (bool, error) {
	if e.Outcome != "complete" && e.Outcome != "skipped" {
		return false, nil
	}
	if e.CommitSHA == "" {
		return false, nil
	}
	ok, err := isAncestor(e.CommitSHA, baseSHA)
	if err != nil {
		return false, fmt.Errorf("ledger: ancestry check %s -> %s: %w", e.CommitSHA, baseSHA, err)
	}
	return ok, nil
}
