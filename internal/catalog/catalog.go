// Package catalog loads a run's task catalog from disk into the
// Scheduler's DAG, per spec.md §4.5.1 step 5. Grounded on
// internal/config's JSON-file loading convention: the catalog is a
// single JSON document describing every task known to a run.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aristath/taskrunner/internal/scheduler"
)

// taskDoc mirrors scheduler.TaskSpec's JSON shape. Kept as a separate
// type so the catalog file format doesn't leak scheduler.TaskSpec's
// Go field order/tags as an implicit contract.
type taskDoc struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	AgentRole string          `json:"agent_role"`
	Prompt    string          `json:"prompt"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Locks     lockDoc         `json:"locks,omitempty"`
	Files     filesDoc        `json:"files,omitempty"`
	Verify    verifyDoc       `json:"verify,omitempty"`
	Spec      json.RawMessage `json:"spec,omitempty"`
}

type lockDoc struct {
	Reads  []string `json:"reads,omitempty"`
	Writes []string `json:"writes,omitempty"`
}

type filesDoc struct {
	Reads  []string `json:"reads,omitempty"`
	Writes []string `json:"writes,omitempty"`
}

type verifyDoc struct {
	Doctor string `json:"doctor,omitempty"`
}

// Document is the on-disk shape of a task catalog file: a flat list of
// task specifications with declared dependencies and resource locks.
type Document struct {
	Tasks []taskDoc `json:"tasks"`
}

// LoadFile reads a catalog file and returns its tasks as TaskSpecs. If
// subset is non-empty, only tasks whose ID appears in it (plus their
// transitive dependencies) are returned, per spec.md §4.5.1 step 5's
// "filter to requested subset if any".
func LoadFile(path string, subset []string) ([]*scheduler.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}

	byID := make(map[string]*scheduler.TaskSpec, len(doc.Tasks))
	var all []*scheduler.TaskSpec
	for _, t := range doc.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("catalog: task with empty id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate task id %q", t.ID)
		}
		spec := &scheduler.TaskSpec{
			ID:        t.ID,
			Name:      t.Name,
			AgentRole: t.AgentRole,
			Prompt:    t.Prompt,
			DependsOn: t.DependsOn,
			Locks:     scheduler.Locks{Reads: t.Locks.Reads, Writes: t.Locks.Writes},
			Files:     scheduler.Files{Reads: t.Files.Reads, Writes: t.Files.Writes},
			Verify:    scheduler.Verify{Doctor: t.Verify.Doctor},
			Spec:      []byte(t.Spec),
		}
		byID[t.ID] = spec
		all = append(all, spec)
	}

	if len(subset) == 0 {
		return all, nil
	}
	return filterSubset(byID, subset)
}

// filterSubset returns the requested tasks plus their transitive
// dependency closure, so a partial run never ends up with a dangling
// DependsOn reference.
func filterSubset(byID map[string]*scheduler.TaskSpec, subset []string) ([]*scheduler.TaskSpec, error) {
	keep := make(map[string]bool, len(subset))
	var walk func(id string) error
	walk = func(id string) error {
		if keep[id] {
			return nil
		}
		spec, ok := byID[id]
		if !ok {
			return fmt.Errorf("catalog: requested task %q not found", id)
		}
		keep[id] = true
		for _, dep := range spec.DependsOn {
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, id := range subset {
		if err := walk(id); err != nil {
			return nil, err
		}
	}

	out := make([]*scheduler.TaskSpec, 0, len(keep))
	for id := range keep {
		out = append(out, byID[id])
	}
	return out, nil
}

// BuildDAG loads tasks into a fresh scheduler.DAG and validates it
// (cycle/dangling-dependency check), ready for a Run to consume.
func BuildDAG(tasks []*scheduler.TaskSpec) (*scheduler.DAG, error) {
	dag := scheduler.NewDAG()
	for _, t := range tasks {
		if err := dag.AddTask(t); err != nil {
			return nil, err
		}
	}
	if _, err := dag.Validate(); err != nil {
		return nil, err
	}
	return dag, nil
}
