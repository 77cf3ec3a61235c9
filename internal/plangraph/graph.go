// ABOUTME: Labeled property graph over executed plans: nodes, edges, indexes.
// ABOUTME: Append-only writes; label and adjacency indexes serve the suggester.

// Package plangraph stores what the engine has learned about tool
// usage as a labeled property graph: tool nodes, typed edges between
// them, and the indexes needed to walk "what usually follows what".
// Writes go through a write-ahead log and can be compacted into
// segment files; see wal.go and segments.go.
package plangraph

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// NodeID and EdgeID are monotonically assigned, starting at 1, and
// never reused.
type (
	NodeID uint64
	EdgeID uint64
)

// Node is one labeled vertex.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Edge is one typed, directed connection.
type Edge struct {
	ID         EdgeID         `json:"id"`
	From       NodeID         `json:"from"`
	To         NodeID         `json:"to"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Traversal pairs an edge with the node on its far side.
type Traversal struct {
	Edge Edge
	Node Node
}

// Store is an in-memory graph with optional durability. All methods
// are safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	nodes      map[NodeID]*Node
	edges      map[EdgeID]*Edge
	labelIndex map[string][]NodeID
	adjOut     map[NodeID][]EdgeID
	adjIn      map[NodeID][]EdgeID
	nextNode   NodeID
	nextEdge   EdgeID

	wal    *wal // nil for purely in-memory stores
	dir    string
	logger *slog.Logger
}

// NewStore creates an in-memory store with no durability.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		nodes:      make(map[NodeID]*Node),
		edges:      make(map[EdgeID]*Edge),
		labelIndex: make(map[string][]NodeID),
		adjOut:     make(map[NodeID][]EdgeID),
		adjIn:      make(map[NodeID][]EdgeID),
		nextNode:   1,
		nextEdge:   1,
		logger:     logger.With("component", "plangraph"),
	}
}

// AddNode inserts a node and returns its ID. Durable stores append to
// the WAL before touching memory.
func (s *Store) AddNode(labels []string, properties map[string]any) (NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextNode
	if s.wal != nil {
		rec := walRecord{Type: recordAddNode, ID: uint64(id), Labels: labels, Properties: properties}
		if err := s.wal.append(rec); err != nil {
			return 0, fmt.Errorf("logging node: %w", err)
		}
	}
	s.applyNode(Node{ID: id, Labels: labels, Properties: properties})
	return id, nil
}

// AddEdge inserts a directed edge between existing nodes.
func (s *Store) AddEdge(from, to NodeID, edgeType string, properties map[string]any) (EdgeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[from]; !ok {
		return 0, fmt.Errorf("edge source node %d does not exist", from)
	}
	if _, ok := s.nodes[to]; !ok {
		return 0, fmt.Errorf("edge target node %d does not exist", to)
	}

	id := s.nextEdge
	if s.wal != nil {
		rec := walRecord{
			Type:       recordAddEdge,
			ID:         uint64(id),
			From:       uint64(from),
			To:         uint64(to),
			EdgeType:   edgeType,
			Properties: properties,
		}
		if err := s.wal.append(rec); err != nil {
			return 0, fmt.Errorf("logging edge: %w", err)
		}
	}
	s.applyEdge(Edge{ID: id, From: from, To: to, Type: edgeType, Properties: properties})
	return id, nil
}

// applyNode inserts under the write lock. Nodes already present are
// left alone, which makes segment loads plus WAL replay idempotent.
func (s *Store) applyNode(n Node) {
	if _, exists := s.nodes[n.ID]; exists {
		return
	}
	stored := n
	s.nodes[n.ID] = &stored
	for _, label := range n.Labels {
		s.labelIndex[label] = append(s.labelIndex[label], n.ID)
	}
	if n.ID >= s.nextNode {
		s.nextNode = n.ID + 1
	}
}

func (s *Store) applyEdge(e Edge) {
	if _, exists := s.edges[e.ID]; exists {
		return
	}
	stored := e
	s.edges[e.ID] = &stored
	s.adjOut[e.From] = append(s.adjOut[e.From], e.ID)
	s.adjIn[e.To] = append(s.adjIn[e.To], e.ID)
	if e.ID >= s.nextEdge {
		s.nextEdge = e.ID + 1
	}
}

// Node returns a copy of the node with the given ID.
func (s *Store) Node(id NodeID) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns every node, sorted by ID.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodesByLabel returns the nodes carrying a label, in insertion order.
func (s *Store) NodesByLabel(label string) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.labelIndex[label]
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok {
			out = append(out, *n)
		}
	}
	return out
}

// FindNodeByProperty returns the first node with the label whose
// property key equals value. Values compare with ==, so numeric
// properties loaded from disk compare as float64.
func (s *Store) FindNodeByProperty(label, key string, value any) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.labelIndex[label] {
		n, ok := s.nodes[id]
		if ok && n.Properties[key] == value {
			return *n, true
		}
	}
	return Node{}, false
}

// Neighbors returns outgoing traversals from a node, optionally
// filtered by edge type ("" matches every type).
func (s *Store) Neighbors(id NodeID, edgeType string) []Traversal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traverse(s.adjOut[id], edgeType, func(e *Edge) NodeID { return e.To })
}

// IncomingNeighbors returns traversals arriving at a node.
func (s *Store) IncomingNeighbors(id NodeID, edgeType string) []Traversal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traverse(s.adjIn[id], edgeType, func(e *Edge) NodeID { return e.From })
}

func (s *Store) traverse(edgeIDs []EdgeID, edgeType string, farSide func(*Edge) NodeID) []Traversal {
	var out []Traversal
	for _, eid := range edgeIDs {
		e, ok := s.edges[eid]
		if !ok || (edgeType != "" && e.Type != edgeType) {
			continue
		}
		n, ok := s.nodes[farSide(e)]
		if !ok {
			continue
		}
		out = append(out, Traversal{Edge: *e, Node: *n})
	}
	return out
}

// Counts returns how many nodes and edges the store holds.
func (s *Store) Counts() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges)
}
