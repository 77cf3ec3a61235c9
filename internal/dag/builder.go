// ABOUTME: Builds a validated, layered Structure from task descriptors.
// ABOUTME: Edge sources: explicit deps, argument references, shape inference.

package dag

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/Casys-AI/casys-pml-sub002/internal/schema"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// Builder assembles tasks into an executable Structure.
type Builder struct {
	analyzer *schema.Analyzer
	logger   *slog.Logger
}

// NewBuilder creates a Builder with its own schema analyzer.
func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{
		analyzer: schema.NewAnalyzer(logger),
		logger:   logger.With("component", "dag"),
	}
}

// Build validates the task set, collects dependency edges from all three
// sources, proves the graph acyclic, and groups tasks into minimal
// ordered layers. On a cycle it returns CyclicDependencyError naming the
// chain and no structure.
func (b *Builder) Build(tasks []*task.Task) (*Structure, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyPlan
	}

	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		byID[t.ID] = t
	}

	edges, err := collectEdges(tasks, byID, b.analyzer)
	if err != nil {
		return nil, err
	}

	s := &Structure{
		Tasks:    tasks,
		Edges:    edges,
		Revision: 1,
	}
	s.Reindex()

	if chain := findCycle(tasks, s.deps); chain != nil {
		return nil, &CyclicDependencyError{Chain: chain}
	}

	s.Layers = computeLayers(tasks, s.deps)
	s.Reindex()

	b.logger.Debug("plan built",
		"tasks", len(s.Tasks),
		"edges", len(s.Edges),
		"layers", len(s.Layers))

	return s, nil
}

// collectEdges merges explicit depends_on entries, output references in
// arguments, and shape-inferred edges. Order is deterministic: explicit
// first, then references, then inference, each in task input order.
func collectEdges(tasks []*task.Task, byID map[string]*task.Task, analyzer *schema.Analyzer) ([]Edge, error) {
	var edges []Edge
	seen := make(map[Edge]bool)

	add := func(e Edge) {
		if !seen[e] {
			seen[e] = true
			edges = append(edges, e)
		}
	}

	for _, t := range tasks {
		declared, err := declaredEdges(t, byID)
		if err != nil {
			return nil, err
		}
		for _, e := range declared {
			add(e)
		}
	}

	for _, e := range analyzer.Infer(tasks).Edges {
		add(Edge{Source: e.Source, Target: e.Target, Field: e.Field})
	}

	return edges, nil
}

// declaredEdges returns the edges one task declares itself: explicit
// depends_on entries, then argument output references in sorted order.
func declaredEdges(t *task.Task, byID map[string]*task.Task) ([]Edge, error) {
	var edges []Edge
	for _, dep := range t.DependsOn {
		if _, ok := byID[dep]; !ok {
			return nil, fmt.Errorf("%w: task %s depends on %q", ErrUnknownTask, t.ID, dep)
		}
		edges = append(edges, Edge{Source: dep, Target: t.ID})
	}

	refs := task.References(t.Arguments)
	sort.Strings(refs)
	for _, ref := range refs {
		if _, ok := byID[ref]; !ok {
			return nil, fmt.Errorf("%w: task %s references output of %q", ErrUnknownTask, t.ID, ref)
		}
		if ref == t.ID {
			return nil, &CyclicDependencyError{Chain: []string{t.ID, t.ID}}
		}
		edges = append(edges, Edge{Source: ref, Target: t.ID})
	}
	return edges, nil
}

// findCycle runs a depth-first search over tasks in input order and
// returns one stable cycle witness, first node repeated at the end, or
// nil when the graph is acyclic.
func findCycle(tasks []*task.Task, deps map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	// Cycle witnesses read naturally along data flow, so walk the
	// dependency edges source -> target.
	out := make(map[string][]string)
	for target, sources := range deps {
		for _, src := range sources {
			out[src] = append(out[src], target)
		}
	}
	for _, succ := range out {
		sort.Strings(succ)
	}

	color := make(map[string]int, len(tasks))
	parent := make(map[string]string, len(tasks))
	var cycle []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range out[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back-edge u -> v closes a cycle. Walk parents from u
				// back to v, then reverse into forward order.
				chain := []string{v}
				for cur := u; cur != v; cur = parent[cur] {
					chain = append(chain, cur)
				}
				chain = append(chain, v)
				for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
					chain[i], chain[j] = chain[j], chain[i]
				}
				cycle = chain
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, t := range tasks {
		if color[t.ID] == white && dfs(t.ID) {
			return cycle
		}
	}
	return nil
}

// computeLayers assigns each task the layer equal to its longest
// dependency path, then groups tasks by layer preserving input order.
// This yields the minimal number of layers with deterministic ties.
func computeLayers(tasks []*task.Task, deps map[string][]string) [][]string {
	depth := make(map[string]int, len(tasks))

	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range deps[id] {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		return d
	}

	maxDepth := 0
	for _, t := range tasks {
		if d := depthOf(t.ID); d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]string, maxDepth+1)
	for _, t := range tasks {
		d := depth[t.ID]
		layers[d] = append(layers[d], t.ID)
	}
	return layers
}
