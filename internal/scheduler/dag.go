package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// DAG holds the immutable task catalog for a run and answers readiness
// queries against an externally-supplied completed set. It does not
// track execution status itself -- that lives in runstate.RunState, and
// is supplied to Eligible by the caller (the Run Engine) each tick, per
// spec.md §4.5.2 step 4 (ledger-external deps are unioned into the
// completed set for readiness purposes without being written back into
// RunState).
type DAG struct {
	mu    sync.RWMutex
	tasks map[string]*TaskSpec
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{tasks: make(map[string]*TaskSpec)}
}

// AddTask adds a task spec to the DAG. Returns an error if the ID is a
// duplicate.
func (d *DAG) AddTask(task *TaskSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}
	d.tasks[task.ID] = task
	return nil
}

// Validate runs a topological sort over the catalog, returning the
// ordered task IDs or an error if a cycle or a dangling dependency is
// found. Grounded on the teacher's gammazero/toposort usage.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for taskID, task := range d.tasks {
		for _, depID := range task.DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for taskID, task := range d.tasks {
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("DAG contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		missing := []string{}
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for taskID := range d.tasks {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d task(s): %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// UpdateManifest swaps a task's declared Files/Locks for a widened
// manifest computed by a rescope plan (spec.md §4.8 step 5). TaskSpec
// is otherwise immutable for the life of a run; this is the one
// sanctioned exception, gated behind the compliance pipeline.
func (d *DAG) UpdateManifest(taskID string, files Files, locks Locks) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q not found", taskID)
	}
	t.Files = files
	t.Locks = locks
	return nil
}

// Get returns the task spec for an ID.
func (d *DAG) Get(taskID string) (*TaskSpec, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[taskID]
	return t, ok
}

// Tasks returns every task spec in the catalog, in no particular order.
func (d *DAG) Tasks() []*TaskSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*TaskSpec, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t)
	}
	return out
}

// Eligible implements spec.md §4.3's topological readiness rule:
// R = { t ∈ pending : deps(t) ⊆ completed }.
// pending is the set of task IDs still waiting to run; completed is the
// "effective completed" set (RunState-complete tasks unioned with
// ledger-external completions). Results are returned in the order the
// caller's pending slice presents them; callers needing a deterministic
// packing order sort before calling the batch packer, not here.
func (d *DAG) Eligible(pending []string, completed map[string]bool) []*TaskSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []*TaskSpec
	for _, id := range pending {
		task, ok := d.tasks[id]
		if !ok {
			continue
		}
		allResolved := true
		for _, depID := range task.DependsOn {
			if !completed[depID] {
				allResolved = false
				break
			}
		}
		if allResolved {
			ready = append(ready, task)
		}
	}
	return ready
}
