// ABOUTME: Suggester contract: propose plans, rework them mid-run, predict next tools.
// ABOUTME: The engine treats every implementation as advisory and validates its output.

// Package planner defines the suggester contract the engine plans
// through, plus two implementations: a static one that replays a plan
// document, and a graph-backed one that learns follow-up patterns
// from finished runs.
package planner

import (
	"context"
	"errors"

	"github.com/Casys-AI/casys-pml-sub002/internal/dag"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// ErrNoSuggestion means the suggester has nothing to offer for the
// given intent. Callers fall back or surface the error; it is not a
// failure of the suggester itself.
var ErrNoSuggestion = errors.New("no suggestion available")

// ErrReplanUnsupported is returned by suggesters that only ever
// propose whole plans.
var ErrReplanUnsupported = errors.New("suggester cannot replan")

// Prediction is one speculated next task with the suggester's
// confidence in it, in [0, 1].
type Prediction struct {
	Task       *task.Task
	Confidence float64
}

// ReplanRequest carries everything a suggester may use to rework the
// unscheduled remainder of a running plan.
type ReplanRequest struct {
	Current        *dag.Structure
	Completed      []task.Result
	NewRequirement string
	Context        map[string]any
}

// Suggester proposes plans. Proposals are advisory: the engine
// re-validates every structure before committing to it, so a broken
// suggestion is rejected rather than executed.
type Suggester interface {
	// SuggestDAG proposes a full plan for a natural-language intent.
	SuggestDAG(ctx context.Context, intent string) (*dag.Structure, error)

	// ReplanDAG proposes a replacement for the unexecuted remainder of
	// a running plan.
	ReplanDAG(ctx context.Context, req ReplanRequest) (*dag.Structure, error)

	// PredictNextNodes ranks tasks likely to be needed soon, given what
	// has already finished. Implementations with no opinion return an
	// empty slice and no error.
	PredictNextNodes(ctx context.Context, s *dag.Structure, completed []task.Result) ([]Prediction, error)
}
