// ABOUTME: In-memory checkpoint store for tests and throwaway runs.
// ABOUTME: Same semantics as the SQLite store, nothing survives the process.

package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps checkpoints and summaries in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	byWorkflow map[string][]*Checkpoint
	summaries  map[string]*RunSummary
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byWorkflow: make(map[string][]*Checkpoint),
		summaries:  make(map[string]*RunSummary),
	}
}

// Save appends a checkpoint for its workflow.
func (m *MemoryStore) Save(_ context.Context, cp *Checkpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	stored := *cp
	m.byWorkflow[cp.WorkflowID] = append(m.byWorkflow[cp.WorkflowID], &stored)
	return cp.ID, nil
}

// Load returns the most recently saved checkpoint, nil when none exists.
func (m *MemoryStore) Load(_ context.Context, workflowID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.byWorkflow[workflowID]
	if len(cps) == 0 {
		return nil, nil
	}
	cp := *cps[len(cps)-1]
	return &cp, nil
}

// RecordSummary upserts the summary for a workflow.
func (m *MemoryStore) RecordSummary(_ context.Context, sum *RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *sum
	m.summaries[sum.WorkflowID] = &stored
	return nil
}

// ListSummaries returns summaries newest first.
func (m *MemoryStore) ListSummaries(_ context.Context, limit int) ([]*RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RunSummary, 0, len(m.summaries))
	for _, sum := range m.summaries {
		cp := *sum
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.After(out[j].FinishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
