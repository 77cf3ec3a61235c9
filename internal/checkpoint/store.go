// ABOUTME: Checkpoint and run-summary persistence contract plus typed IO error.
// ABOUTME: Snapshots are opaque JSON blobs; the store never interprets them.

// Package checkpoint persists workflow snapshots taken at layer
// boundaries and the summaries of finished runs. Saving is best-effort
// from the engine's point of view: a failed save degrades resumability
// but never stops execution.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoCheckpoint is returned by resume paths when a workflow has
// nothing saved to continue from.
var ErrNoCheckpoint = errors.New("no checkpoint for workflow")

// Checkpoint is one durable snapshot of a workflow. Layer is the first
// layer not yet executed; State and Structure are serialized by the
// control layer and opaque here.
type Checkpoint struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Layer      int             `json:"layer"`
	Revision   int             `json:"revision"`
	State      json.RawMessage `json:"state"`
	Structure  json.RawMessage `json:"structure"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RunSummary records how one workflow run ended.
type RunSummary struct {
	WorkflowID     string            `json:"workflow_id"`
	Phase          string            `json:"phase"`
	TaskStatuses   map[string]string `json:"task_statuses"`
	PartialFailure bool              `json:"partial_failure"`
	Revision       int               `json:"revision"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// Store persists checkpoints and run summaries.
type Store interface {
	// Save writes a checkpoint and returns its ID.
	Save(ctx context.Context, cp *Checkpoint) (string, error)
	// Load returns the latest checkpoint for a workflow, nil when none exists.
	Load(ctx context.Context, workflowID string) (*Checkpoint, error)
	// RecordSummary upserts the summary of a finished run.
	RecordSummary(ctx context.Context, sum *RunSummary) error
	// ListSummaries returns finished runs, newest first.
	ListSummaries(ctx context.Context, limit int) ([]*RunSummary, error)
	Close() error
}

// IOError wraps a storage failure with the operation that hit it.
type IOError struct {
	Op         string
	WorkflowID string
	Err        error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("checkpoint %s for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
