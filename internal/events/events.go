// ABOUTME: Execution event model: kinds, payloads, terminal classification.
// ABOUTME: Events are observational; the execution path never depends on them.

// Package events defines the engine's observable event model and a
// generic bounded broadcaster that fans events out to any number of
// subscribers with an explicit drop-oldest overflow policy.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind tags one observable state change.
type Kind string

const (
	WorkflowStarted   Kind = "workflow_started"
	WorkflowPaused    Kind = "workflow_paused"
	WorkflowResumed   Kind = "workflow_resumed"
	WorkflowCompleted Kind = "workflow_completed"
	WorkflowAborted   Kind = "workflow_aborted"
	WorkflowFailed    Kind = "workflow_failed"

	LayerStarted   Kind = "layer_started"
	LayerCompleted Kind = "layer_completed"

	TaskStarted   Kind = "task_started"
	TaskSucceeded Kind = "task_succeeded"
	TaskFailed    Kind = "task_failed"
	TaskSkipped   Kind = "task_skipped"
	TaskLeaked    Kind = "task_leaked"

	CheckpointSaved  Kind = "checkpoint_saved"
	CheckpointFailed Kind = "checkpoint_failed"

	DecisionRequired Kind = "decision_required"
	DecisionResolved Kind = "decision_resolved"
	DecisionTimeout  Kind = "decision_timeout"

	ReplanApplied  Kind = "replan_applied"
	ReplanRejected Kind = "replan_rejected"

	SpeculationCommitted Kind = "speculation_committed"
	SpeculationDiscarded Kind = "speculation_discarded"
	SpeculationSkipped   Kind = "speculation_skipped"

	CommandRejected Kind = "command_rejected"
)

// Event is one observable state change. Subscribers receive copies and
// must treat them as read-only.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	WorkflowID string         `json:"workflow_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Layer      int            `json:"layer"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New creates an event with a fresh ID and timestamp. Layer defaults to
// -1, meaning not layer-scoped.
func New(kind Kind, workflowID string) Event {
	return Event{
		ID:         uuid.New().String(),
		Kind:       kind,
		WorkflowID: workflowID,
		Layer:      -1,
		Timestamp:  time.Now().UTC(),
	}
}

// Terminal reports whether the event ends its workflow's stream.
func (e Event) Terminal() bool {
	switch e.Kind {
	case WorkflowCompleted, WorkflowAborted, WorkflowFailed:
		return true
	}
	return false
}
