package scheduler

import (
	"fmt"
	"sort"
)

// BatchPlan is the output of the greedy batch packer: the tasks admitted
// into the next batch and the union of their effective locks.
type BatchPlan struct {
	Tasks []*TaskSpec
	Locks EffectiveLocks
}

// NewBatchPlan implements the deterministic greedy batch-packing
// algorithm of spec.md §4.3:
//  1. Sort ready by (len(DependsOn) descending, ID ascending).
//  2. Walk the sorted list; admit a candidate iff:
//     - batch.size < maxParallel, and
//     - candidate's writes are disjoint from both reads and writes of
//       every already-admitted task, and
//     - candidate's reads are disjoint from writes of every admitted
//       task.
//  3. Union admitted locks into the batch's lock set.
//  4. A task whose own writes intersect its own reads is an invalid
//     manifest and is never admitted (or returned as an error if it
//     would otherwise have been the only candidate).
//
// NewBatchPlan returns an error when ready is empty or when no candidate
// has a valid manifest; otherwise it admits at least one task (a single
// valid task always fits under rule 2).
func NewBatchPlan(ready []*TaskSpec, resolver LockResolver, maxParallel int) (BatchPlan, error) {
	if len(ready) == 0 {
		return BatchPlan{}, fmt.Errorf("scheduler: NewBatchPlan called with no ready tasks")
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}

	sorted := make([]*TaskSpec, len(ready))
	copy(sorted, ready)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i].DependsOn) != len(sorted[j].DependsOn) {
			return len(sorted[i].DependsOn) > len(sorted[j].DependsOn)
		}
		return sorted[i].ID < sorted[j].ID
	})

	plan := BatchPlan{
		Tasks: make([]*TaskSpec, 0, maxParallel),
		Locks: EffectiveLocks{Reads: []string{}, Writes: []string{}},
	}

	admittedReads := map[string]struct{}{}
	admittedWrites := map[string]struct{}{}

	for _, candidate := range sorted {
		if len(plan.Tasks) >= maxParallel {
			break
		}

		locks := resolver.Resolve(candidate)
		if !Disjoint(locks.Reads, locks.Writes) {
			// Invalid manifest: a task may not write a resource it also
			// reads. Skip it; if no other candidate is admitted, the
			// error returned below ends the Run Engine's loop.
			continue
		}

		if !disjointAgainstSet(locks.Writes, admittedReads) {
			continue
		}
		if !disjointAgainstSet(locks.Writes, admittedWrites) {
			continue
		}
		if !disjointAgainstSet(locks.Reads, admittedWrites) {
			continue
		}

		plan.Tasks = append(plan.Tasks, candidate)
		for _, r := range locks.Reads {
			admittedReads[r] = struct{}{}
		}
		for _, w := range locks.Writes {
			admittedWrites[w] = struct{}{}
		}
	}

	if len(plan.Tasks) == 0 {
		return BatchPlan{}, fmt.Errorf("scheduler: no task in the ready set has a valid manifest")
	}

	plan.Locks.Reads = setToSortedSlice(admittedReads)
	plan.Locks.Writes = setToSortedSlice(admittedWrites)

	return plan, nil
}

func disjointAgainstSet(items []string, set map[string]struct{}) bool {
	for _, item := range items {
		if _, ok := set[item]; ok {
			return false
		}
	}
	return true
}

func setToSortedSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
