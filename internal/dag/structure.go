// ABOUTME: The committed execution plan: tasks, edges, ordered layers, revision.
// ABOUTME: Read-only to executors once built; replans produce a new revision.

package dag

import (
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// Edge is one dependency: Target consumes from Source. Field names the
// matched output field when the edge came from shape inference or an
// argument reference; explicit depends_on edges leave it empty.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Field  string `json:"field,omitempty"`
}

// Structure is the current execution plan. Executors treat a committed
// Structure as immutable; replanning builds a successor with a higher
// revision instead of mutating in place.
type Structure struct {
	Tasks    []*task.Task `json:"tasks"`
	Edges    []Edge       `json:"edges"`
	Layers   [][]string   `json:"layers"`
	Revision int          `json:"revision"`

	byID       map[string]*task.Task
	deps       map[string][]string
	dependents map[string][]string
	layerOf    map[string]int
}

// Reindex rebuilds the internal lookup tables. The builder and Merge call
// it; callers that decode a Structure from JSON must call it before use.
func (s *Structure) Reindex() {
	s.byID = make(map[string]*task.Task, len(s.Tasks))
	for _, t := range s.Tasks {
		s.byID[t.ID] = t
	}

	s.deps = make(map[string][]string)
	s.dependents = make(map[string][]string)
	seen := make(map[Edge]bool, len(s.Edges))
	for _, e := range s.Edges {
		key := Edge{Source: e.Source, Target: e.Target}
		if seen[key] {
			continue
		}
		seen[key] = true
		s.deps[e.Target] = append(s.deps[e.Target], e.Source)
		s.dependents[e.Source] = append(s.dependents[e.Source], e.Target)
	}

	s.layerOf = make(map[string]int, len(s.Tasks))
	for i, layer := range s.Layers {
		for _, id := range layer {
			s.layerOf[id] = i
		}
	}
}

// TaskByID returns the task with the given ID.
func (s *Structure) TaskByID(id string) (*task.Task, bool) {
	t, ok := s.byID[id]
	return t, ok
}

// Dependencies returns the IDs this task depends on, deduplicated, in
// edge order.
func (s *Structure) Dependencies(id string) []string {
	return s.deps[id]
}

// Dependents returns the IDs that directly depend on this task.
func (s *Structure) Dependents(id string) []string {
	return s.dependents[id]
}

// LayerIndex returns the layer a task was scheduled into, or -1.
func (s *Structure) LayerIndex(id string) int {
	if i, ok := s.layerOf[id]; ok {
		return i
	}
	return -1
}

// TransitiveDependents walks the dependent graph breadth-first and
// returns every task downstream of id, in deterministic traversal order.
func (s *Structure) TransitiveDependents(id string) []string {
	var out []string
	visited := map[string]bool{id: true}
	queue := append([]string(nil), s.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		out = append(out, next)
		queue = append(queue, s.dependents[next]...)
	}
	return out
}

// TaskCount returns the number of tasks in the plan.
func (s *Structure) TaskCount() int {
	return len(s.Tasks)
}

// Clone deep-copies the structure, tasks included.
func (s *Structure) Clone() *Structure {
	cp := &Structure{
		Tasks:    make([]*task.Task, len(s.Tasks)),
		Edges:    append([]Edge(nil), s.Edges...),
		Layers:   make([][]string, len(s.Layers)),
		Revision: s.Revision,
	}
	for i, t := range s.Tasks {
		cp.Tasks[i] = t.Clone()
	}
	for i, layer := range s.Layers {
		cp.Layers[i] = append([]string(nil), layer...)
	}
	cp.Reindex()
	return cp
}
