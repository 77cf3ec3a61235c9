// ABOUTME: Infers data-dependency edges between tasks from declared field shapes.
// ABOUTME: Full producer/consumer comparison, independent of task input order.

// Package schema infers data dependencies between task descriptors. Two
// tasks are linked when one declares an output field whose name and type
// are compatible with another's input field. Every producer/consumer pair
// is examined, so the result does not depend on the order tasks arrive in.
package schema

import (
	"log/slog"

	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// Edge is one inferred data dependency: Target consumes Field produced by
// Source.
type Edge struct {
	Source string
	Target string
	Field  string
}

// Ambiguity records an input field that more than one task could supply.
// The analyzer keeps every candidate edge, which can over-constrain
// parallelism; callers inspect this to see where.
type Ambiguity struct {
	Target    string
	Field     string
	Producers []string
}

// Inference is the full result of a shape analysis pass.
type Inference struct {
	Edges     []Edge
	Ambiguous []Ambiguity
}

// Analyzer infers edges from task field shapes.
type Analyzer struct {
	logger *slog.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	return &Analyzer{logger: logger.With("component", "schema")}
}

// Infer compares every consumer input against every other task's outputs.
// When several producers match one input field, an edge is added from all
// of them. Edge order follows task input order, so repeated runs over the
// same slice produce identical results.
func (a *Analyzer) Infer(tasks []*task.Task) Inference {
	var inf Inference

	for _, consumer := range tasks {
		for _, input := range consumer.Inputs {
			var producers []string
			for _, producer := range tasks {
				if producer.ID == consumer.ID {
					continue
				}
				if producesField(producer, input) {
					producers = append(producers, producer.ID)
				}
			}

			for _, p := range producers {
				inf.Edges = append(inf.Edges, Edge{Source: p, Target: consumer.ID, Field: input.Name})
			}
			if len(producers) > 1 {
				inf.Ambiguous = append(inf.Ambiguous, Ambiguity{
					Target:    consumer.ID,
					Field:     input.Name,
					Producers: producers,
				})
				a.logger.Debug("ambiguous field producer",
					"task", consumer.ID,
					"field", input.Name,
					"candidates", len(producers))
			}
		}
	}

	return inf
}

func producesField(t *task.Task, input task.FieldShape) bool {
	for _, out := range t.Outputs {
		if out.Compatible(input) {
			return true
		}
	}
	return false
}
