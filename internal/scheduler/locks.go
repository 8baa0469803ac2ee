package scheduler

// EffectiveLocks is the normalized {reads, writes} resource set the
// Scheduler packs batches against.
type EffectiveLocks struct {
	Reads  []string
	Writes []string
}

// ScopeReport is a derived-scope finding produced by the (external)
// control-plane model for a task: the resources it actually touched,
// plus a confidence rating.
type ScopeReport struct {
	Reads         []string
	DerivedWrites []string
	Confidence    string // "high" | "medium" | "low"
}

// LockMode selects how the LockResolver computes a task's effective
// lock set.
type LockMode string

const (
	LockModeDeclared LockMode = "declared"
	LockModeDerived  LockMode = "derived"
	LockModeOff      LockMode = "off"
)

// LockResolver derives the per-task read/write lock sets the Scheduler
// uses for batch admission. Grounded on the teacher's
// ResourceLockManager (which performed runtime mutex locking); per
// spec.md §5, locks here are advisory and scheduler-enforced only, so
// the resolver computes sets rather than acquiring anything.
type LockResolver interface {
	Resolve(task *TaskSpec) EffectiveLocks
}

// DeclaredResolver returns the task's own declared locks, normalized.
type DeclaredResolver struct{}

func (DeclaredResolver) Resolve(task *TaskSpec) EffectiveLocks {
	return EffectiveLocks{
		Reads:  Normalize(task.Locks.Reads),
		Writes: Normalize(task.Locks.Writes),
	}
}

// DerivedResolver consults a per-task ScopeReport (e.g. from the
// control-plane model) instead of the task's declared locks. If the
// report's confidence is "low" and a FallbackResource is configured,
// the fallback is unioned into the write set so an uncertain scope
// fails closed rather than open.
type DerivedResolver struct {
	Reports          map[string]ScopeReport // taskID -> report
	FallbackResource string
}

func (r DerivedResolver) Resolve(task *TaskSpec) EffectiveLocks {
	report, ok := r.Reports[task.ID]
	if !ok {
		return EffectiveLocks{Reads: []string{}, Writes: []string{}}
	}

	writes := append([]string(nil), report.DerivedWrites...)
	if report.Confidence == "low" && r.FallbackResource != "" {
		writes = append(writes, r.FallbackResource)
	}

	return EffectiveLocks{
		Reads:  Normalize(report.Reads),
		Writes: Normalize(writes),
	}
}

// OffResolver disables lock-based serialization entirely.
type OffResolver struct{}

func (OffResolver) Resolve(task *TaskSpec) EffectiveLocks {
	return EffectiveLocks{Reads: []string{}, Writes: []string{}}
}
