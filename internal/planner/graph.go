// ABOUTME: Graph-backed suggester: learns follow-up patterns from finished runs.
// ABOUTME: Edge multiplicity is the weight; confidence is the normalized share.

package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Casys-AI/casys-pml-sub002/internal/catalog"
	"github.com/Casys-AI/casys-pml-sub002/internal/dag"
	"github.com/Casys-AI/casys-pml-sub002/internal/plangraph"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

const (
	labelTool   = "tool"
	edgeFollows = "follows"
	propName    = "name"
)

// GraphSuggester proposes plans from the plan graph. Every finished
// run it observes adds one "follows" edge per executed dependency, so
// a pair seen ten times outweighs a pair seen once without any stored
// counters to update.
type GraphSuggester struct {
	graph    *plangraph.Store
	registry *catalog.Registry // optional; fills shapes and safety flags
	builder  *dag.Builder
	logger   *slog.Logger
	maxChain int
	topK     int
}

// NewGraphSuggester creates a suggester over graph. registry may be
// nil; materialized tasks are then conservatively marked side-effecting.
func NewGraphSuggester(graph *plangraph.Store, registry *catalog.Registry, logger *slog.Logger) *GraphSuggester {
	return &GraphSuggester{
		graph:    graph,
		registry: registry,
		builder:  dag.NewBuilder(logger),
		logger:   logger.With("component", "planner"),
		maxChain: 6,
		topK:     4,
	}
}

// RecordRun feeds one finished run back into the graph: every
// succeeded tool task becomes (or refreshes) a tool node, and each
// dependency between two succeeded tool tasks adds a follows edge.
func (g *GraphSuggester) RecordRun(s *dag.Structure, results map[string]task.Result) error {
	ids := make(map[string]plangraph.NodeID)
	node := func(toolName string) (plangraph.NodeID, error) {
		if id, ok := ids[toolName]; ok {
			return id, nil
		}
		if n, ok := g.graph.FindNodeByProperty(labelTool, propName, toolName); ok {
			ids[toolName] = n.ID
			return n.ID, nil
		}
		id, err := g.graph.AddNode([]string{labelTool}, map[string]any{propName: toolName})
		if err != nil {
			return 0, fmt.Errorf("recording tool %s: %w", toolName, err)
		}
		ids[toolName] = id
		return id, nil
	}

	succeededTool := func(taskID string) (string, bool) {
		t, ok := s.TaskByID(taskID)
		if !ok || t.Kind != task.KindTool {
			return "", false
		}
		res, ok := results[taskID]
		if !ok || !res.Status.Succeeded() {
			return "", false
		}
		return t.Tool, true
	}

	for _, t := range s.Tasks {
		if toolName, ok := succeededTool(t.ID); ok {
			if _, err := node(toolName); err != nil {
				return err
			}
		}
	}

	recorded := 0
	for _, e := range s.Edges {
		fromTool, ok := succeededTool(e.Source)
		if !ok {
			continue
		}
		toTool, ok := succeededTool(e.Target)
		if !ok || fromTool == toTool {
			continue
		}
		fromID, err := node(fromTool)
		if err != nil {
			return err
		}
		toID, err := node(toTool)
		if err != nil {
			return err
		}
		if _, err := g.graph.AddEdge(fromID, toID, edgeFollows, nil); err != nil {
			return fmt.Errorf("recording edge %s->%s: %w", fromTool, toTool, err)
		}
		recorded++
	}

	g.logger.Debug("run recorded into plan graph", "edges", recorded, "tasks", len(s.Tasks))
	return nil
}

// SuggestDAG seeds on tool names mentioned in the intent and walks the
// strongest follows chain from each seed.
func (g *GraphSuggester) SuggestDAG(_ context.Context, intent string) (*dag.Structure, error) {
	needle := strings.ToLower(intent)

	var seeds []plangraph.Node
	for _, n := range g.graph.NodesByLabel(labelTool) {
		name := nodeName(n)
		if name != "" && strings.Contains(needle, strings.ToLower(name)) {
			seeds = append(seeds, n)
		}
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: no known tool matches intent", ErrNoSuggestion)
	}
	sort.Slice(seeds, func(i, j int) bool { return nodeName(seeds[i]) < nodeName(seeds[j]) })

	var tasks []*task.Task
	seen := make(map[string]bool)
	for _, seed := range seeds {
		prev := ""
		cur := seed
		for range g.maxChain {
			name := nodeName(cur)
			if name == "" {
				break
			}
			if !seen[name] {
				seen[name] = true
				var deps []string
				if prev != "" {
					deps = []string{prev}
				}
				tasks = append(tasks, g.materialize(name, deps))
			}
			prev = name

			next, _, ok := g.strongestNext(cur.ID)
			if !ok {
				break
			}
			cur = next
		}
	}

	return g.builder.Build(tasks)
}

// ReplanDAG treats the new requirement as a fresh intent. The merge
// layer above freezes whatever already executed.
func (g *GraphSuggester) ReplanDAG(ctx context.Context, req ReplanRequest) (*dag.Structure, error) {
	if strings.TrimSpace(req.NewRequirement) == "" {
		return nil, fmt.Errorf("%w: replan carries no requirement", ErrNoSuggestion)
	}
	return g.SuggestDAG(ctx, req.NewRequirement)
}

// PredictNextNodes ranks follows targets of every succeeded tool task.
// When the current plan already carries a pending task for a predicted
// tool, that task is returned (cloned) so its real arguments travel
// with the prediction.
func (g *GraphSuggester) PredictNextNodes(_ context.Context, s *dag.Structure, completed []task.Result) ([]Prediction, error) {
	best := make(map[string]float64)
	for _, res := range completed {
		if !res.Status.Succeeded() {
			continue
		}
		t, ok := s.TaskByID(res.TaskID)
		if !ok || t.Kind != task.KindTool {
			continue
		}
		n, ok := g.graph.FindNodeByProperty(labelTool, propName, t.Tool)
		if !ok {
			continue
		}
		counts, total := g.followCounts(n.ID)
		for name, c := range counts {
			if conf := float64(c) / float64(total); conf > best[name] {
				best[name] = conf
			}
		}
	}
	if len(best) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(best))
	for name := range best {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if best[names[i]] != best[names[j]] {
			return best[names[i]] > best[names[j]]
		}
		return names[i] < names[j]
	})

	out := make([]Prediction, 0, g.topK)
	for _, name := range names {
		if len(out) >= g.topK {
			break
		}
		pt := g.pendingTaskForTool(s, name)
		if pt == nil {
			pt = g.materialize(name, nil)
		}
		out = append(out, Prediction{Task: pt, Confidence: best[name]})
	}
	return out, nil
}

func (g *GraphSuggester) materialize(toolName string, deps []string) *task.Task {
	t := &task.Task{
		ID:         toolName,
		Kind:       task.KindTool,
		Tool:       toolName,
		DependsOn:  deps,
		SideEffect: true,
	}
	if g.registry != nil {
		if d, err := g.registry.Lookup(toolName); err == nil {
			t.SideEffect = d.SideEffect
			t.Inputs = append([]task.FieldShape(nil), d.Inputs...)
			t.Outputs = append([]task.FieldShape(nil), d.Outputs...)
		}
	}
	return t
}

func (g *GraphSuggester) pendingTaskForTool(s *dag.Structure, toolName string) *task.Task {
	for _, t := range s.Tasks {
		if t.Kind != task.KindTool || t.Tool != toolName {
			continue
		}
		if t.Status == "" || t.Status == task.StatusPending {
			return t.Clone()
		}
	}
	return nil
}

func (g *GraphSuggester) strongestNext(id plangraph.NodeID) (plangraph.Node, float64, bool) {
	counts := make(map[plangraph.NodeID]int)
	nodes := make(map[plangraph.NodeID]plangraph.Node)
	total := 0
	for _, tr := range g.graph.Neighbors(id, edgeFollows) {
		counts[tr.Node.ID]++
		nodes[tr.Node.ID] = tr.Node
		total++
	}
	if total == 0 {
		return plangraph.Node{}, 0, false
	}

	best := -1
	var bestID plangraph.NodeID
	for nid, c := range counts {
		if c > best || (c == best && nid < bestID) {
			best = c
			bestID = nid
		}
	}
	return nodes[bestID], float64(best) / float64(total), true
}

func (g *GraphSuggester) followCounts(id plangraph.NodeID) (map[string]int, int) {
	counts := make(map[string]int)
	total := 0
	for _, tr := range g.graph.Neighbors(id, edgeFollows) {
		name := nodeName(tr.Node)
		if name == "" {
			continue
		}
		counts[name]++
		total++
	}
	return counts, total
}

func nodeName(n plangraph.Node) string {
	name, _ := n.Properties[propName].(string)
	return name
}
