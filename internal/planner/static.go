// ABOUTME: Suggester that replays one fixed plan document.
// ABOUTME: Serves CLI runs and tests; it neither replans nor predicts.

package planner

import (
	"context"
	"log/slog"

	"github.com/Casys-AI/casys-pml-sub002/internal/dag"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// StaticSuggester always proposes the same plan, whatever the intent.
type StaticSuggester struct {
	doc     *PlanDocument
	builder *dag.Builder
	logger  *slog.Logger
}

// NewStaticSuggester wraps a parsed plan document.
func NewStaticSuggester(doc *PlanDocument, logger *slog.Logger) *StaticSuggester {
	return &StaticSuggester{
		doc:     doc,
		builder: dag.NewBuilder(logger),
		logger:  logger.With("component", "planner"),
	}
}

// SuggestDAG compiles the wrapped document. The intent is ignored; the
// document is the plan.
func (s *StaticSuggester) SuggestDAG(_ context.Context, _ string) (*dag.Structure, error) {
	return s.doc.Build(s.builder)
}

// ReplanDAG is unsupported for static plans.
func (s *StaticSuggester) ReplanDAG(_ context.Context, _ ReplanRequest) (*dag.Structure, error) {
	return nil, ErrReplanUnsupported
}

// PredictNextNodes has no opinion.
func (s *StaticSuggester) PredictNextNodes(_ context.Context, _ *dag.Structure, _ []task.Result) ([]Prediction, error) {
	return nil, nil
}
