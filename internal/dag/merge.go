// ABOUTME: Merges a replanned structure into a partially executed plan.
// ABOUTME: Executed layers are frozen; the remainder is replaced and re-layered.

package dag

import (
	"fmt"

	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// Merge grafts proposed onto cur. Layers below executedLayers are
// preserved exactly, statuses included. Tasks from proposed whose IDs
// fall in that frozen prefix are ignored in favor of cur's record; the
// remaining proposed tasks replace the unscheduled portion entirely, so
// a replan may add, rewrite, or drop pending tasks.
//
// The union graph is re-validated before anything is committed: a cycle,
// an edge into the frozen prefix from a new task, or an invalid proposed
// task rejects the merge with ReplanConflictError and cur is returned
// unchanged. On success the result carries cur.Revision+1.
func Merge(cur *Structure, proposed *Structure, executedLayers int) (*Structure, error) {
	if proposed == nil || len(proposed.Tasks) == 0 {
		return cur, &ReplanConflictError{Reason: "proposed plan has no tasks"}
	}
	if executedLayers < 0 {
		executedLayers = 0
	}
	if executedLayers > len(cur.Layers) {
		executedLayers = len(cur.Layers)
	}

	frozen := make(map[string]bool)
	for _, layer := range cur.Layers[:executedLayers] {
		for _, id := range layer {
			frozen[id] = true
		}
	}

	merged := make([]*task.Task, 0, len(cur.Tasks))
	byID := make(map[string]*task.Task)
	for _, t := range cur.Tasks {
		if frozen[t.ID] {
			merged = append(merged, t)
			byID[t.ID] = t
		}
	}

	var remainder []*task.Task
	for _, t := range proposed.Tasks {
		if frozen[t.ID] {
			continue
		}
		if err := t.Validate(); err != nil {
			return cur, &ReplanConflictError{Reason: "invalid proposed task", Cause: err}
		}
		if _, dup := byID[t.ID]; dup {
			return cur, &ReplanConflictError{Reason: fmt.Sprintf("duplicate task %s", t.ID)}
		}
		merged = append(merged, t)
		byID[t.ID] = t
		remainder = append(remainder, t)
	}
	if len(remainder) == 0 {
		return cur, &ReplanConflictError{Reason: "proposed plan adds no unscheduled tasks"}
	}

	// Frozen-internal history keeps cur's edges; everything touching the
	// remainder comes from the proposal, whether listed as edges or
	// declared on the tasks themselves.
	var edges []Edge
	seen := make(map[Edge]bool)
	add := func(e Edge) {
		key := Edge{Source: e.Source, Target: e.Target}
		if !seen[key] {
			seen[key] = true
			edges = append(edges, e)
		}
	}
	for _, e := range cur.Edges {
		if frozen[e.Source] && frozen[e.Target] {
			add(e)
		}
	}
	for _, e := range proposed.Edges {
		if frozen[e.Source] && frozen[e.Target] {
			continue
		}
		if _, ok := byID[e.Source]; !ok {
			return cur, &ReplanConflictError{Reason: fmt.Sprintf("edge source %q not in merged plan", e.Source)}
		}
		if _, ok := byID[e.Target]; !ok {
			return cur, &ReplanConflictError{Reason: fmt.Sprintf("edge target %q not in merged plan", e.Target)}
		}
		if frozen[e.Target] {
			return cur, &ReplanConflictError{Reason: fmt.Sprintf("edge into already-executed task %s", e.Target)}
		}
		add(e)
	}
	for _, t := range remainder {
		declared, err := declaredEdges(t, byID)
		if err != nil {
			return cur, &ReplanConflictError{Reason: "invalid proposed task", Cause: err}
		}
		for _, e := range declared {
			add(e)
		}
	}

	next := &Structure{
		Tasks:    merged,
		Edges:    edges,
		Revision: cur.Revision + 1,
	}
	next.Reindex()

	if chain := findCycle(merged, next.deps); chain != nil {
		return cur, &ReplanConflictError{
			Reason: "proposed plan introduces a cycle",
			Cause:  &CyclicDependencyError{Chain: chain},
		}
	}

	next.Layers = mergeLayers(cur.Layers[:executedLayers], remainder, next.deps, frozen)
	next.Reindex()

	return next, nil
}

// mergeLayers re-layers only the remainder. Dependencies inside the
// frozen prefix count as already satisfied, so remainder depths start at
// the first unscheduled layer.
func mergeLayers(executed [][]string, remainder []*task.Task, deps map[string][]string, frozen map[string]bool) [][]string {
	depth := make(map[string]int, len(remainder))

	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range deps[id] {
			if frozen[dep] {
				continue
			}
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		return d
	}

	maxDepth := 0
	for _, t := range remainder {
		if d := depthOf(t.ID); d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]string, len(executed), len(executed)+maxDepth+1)
	for i, layer := range executed {
		layers[i] = append([]string(nil), layer...)
	}
	tail := make([][]string, maxDepth+1)
	for _, t := range remainder {
		d := depth[t.ID]
		tail[d] = append(tail[d], t.ID)
	}
	return append(layers, tail...)
}
