package scheduler

import "sort"

// Locks declares the resource names a task reads and writes. Resources
// are opaque strings; the Scheduler never interprets them beyond
// equality, it only uses them to keep writers from colliding with
// readers or other writers inside the same batch.
type Locks struct {
	Reads  []string
	Writes []string
}

// Files declares file-path patterns a task reads and writes, used by
// the derived lock mode and by the compliance pipeline to detect
// out-of-scope changes.
type Files struct {
	Reads  []string
	Writes []string
}

// Verify carries the task's doctor command override, if any.
type Verify struct {
	Doctor string
}

// TaskSpec is the immutable, catalog-supplied description of a unit of
// work. It never changes once loaded for a run; all mutable execution
// state lives in runstate.TaskState instead.
type TaskSpec struct {
	ID        string
	Name      string
	AgentRole string
	Prompt    string
	DependsOn []string
	Locks     Locks
	Files     Files
	Verify    Verify
	Spec      []byte // opaque spec document, used for ledger fingerprinting
}

// Normalize returns a deduplicated, lexicographically sorted copy of in.
// A nil or empty slice normalizes to an empty (non-nil) slice, per
// spec.md §4.4's "empty arrays collapse to empty sets" rule.
func Normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Disjoint reports whether a and b share no elements. Both must already
// be normalized (sorted) for the linear merge-walk to be correct.
func Disjoint(a, b []string) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return false
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return true
}
