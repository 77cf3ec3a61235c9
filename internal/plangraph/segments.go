// ABOUTME: Durable graph store: segment flush/load plus WAL replay on open.
// ABOUTME: Flush compacts the WAL into nodes.seg and edges.seg, both fsynced.

package plangraph

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const (
	nodesSegmentFile = "nodes.seg"
	edgesSegmentFile = "edges.seg"
)

type nodesSegment struct {
	Count int    `json:"count"`
	Nodes []Node `json:"nodes"`
}

type edgesSegment struct {
	Count int    `json:"count"`
	Edges []Edge `json:"edges"`
}

// Open creates a durable store rooted at dir. Existing segments are
// loaded first, then any WAL records written since the last flush are
// replayed on top, so an unflushed crash loses nothing acknowledged.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating graph directory: %w", err)
	}

	s := NewStore(logger)
	s.dir = dir

	if err := s.loadSegments(); err != nil {
		return nil, err
	}

	records, err := readWAL(filepath.Join(dir, walFilename))
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		switch rec.Type {
		case recordAddNode:
			s.applyNode(Node{ID: NodeID(rec.ID), Labels: rec.Labels, Properties: rec.Properties})
		case recordAddEdge:
			s.applyEdge(Edge{
				ID:         EdgeID(rec.ID),
				From:       NodeID(rec.From),
				To:         NodeID(rec.To),
				Type:       rec.EdgeType,
				Properties: rec.Properties,
			})
		default:
			return nil, fmt.Errorf("unknown wal record type %q", rec.Type)
		}
	}

	w, err := openWAL(filepath.Join(dir, walFilename))
	if err != nil {
		return nil, err
	}
	s.wal = w

	nodes, edges := s.Counts()
	s.logger.Info("plan graph opened",
		"dir", dir,
		"nodes", nodes,
		"edges", edges,
		"replayed_records", len(records))
	return s, nil
}

// Flush writes the whole graph into segment files and truncates the
// WAL. In-memory stores treat it as a no-op.
func (s *Store) Flush() error {
	if s.wal == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, *e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	if err := writeSegment(filepath.Join(s.dir, nodesSegmentFile), nodesSegment{Count: len(nodes), Nodes: nodes}); err != nil {
		return err
	}
	if err := writeSegment(filepath.Join(s.dir, edgesSegmentFile), edgesSegment{Count: len(edges), Edges: edges}); err != nil {
		return err
	}

	// Segments now carry everything; the log restarts empty.
	if err := s.wal.truncate(); err != nil {
		return err
	}

	s.logger.Debug("plan graph flushed", "nodes", len(nodes), "edges", len(edges))
	return nil
}

// Close flushes and releases the WAL handle. In-memory stores close
// trivially.
func (s *Store) Close() error {
	if s.wal == nil {
		return nil
	}
	if err := s.Flush(); err != nil {
		return err
	}
	return s.wal.close()
}

func writeSegment(path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func (s *Store) loadSegments() error {
	var ns nodesSegment
	ok, err := readSegment(filepath.Join(s.dir, nodesSegmentFile), &ns)
	if err != nil {
		return err
	}
	if ok {
		for _, n := range ns.Nodes {
			s.applyNode(n)
		}
	}

	var es edgesSegment
	ok, err = readSegment(filepath.Join(s.dir, edgesSegmentFile), &es)
	if err != nil {
		return err
	}
	if ok {
		for _, e := range es.Edges {
			s.applyEdge(e)
		}
	}
	return nil
}

func readSegment(path string, into any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
