// ABOUTME: JSON plan documents: the external form plans arrive in.
// ABOUTME: ParsePlan accepts raw JSON or markdown with a fenced json block.

package planner

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Casys-AI/casys-pml-sub002/internal/dag"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// PlanDocument is the JSON form in which plans cross the boundary: an
// optional intent plus task definitions. Edges are implicit, declared
// on the tasks through depends_on and argument references.
type PlanDocument struct {
	Intent string       `json:"intent,omitempty"`
	Tasks  []*task.Task `json:"tasks"`
}

// ParseDocument decodes a raw JSON plan document.
func ParseDocument(data []byte) (*PlanDocument, error) {
	var doc PlanDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing plan document: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("plan document has no tasks")
	}
	return &doc, nil
}

// ParsePlan accepts either a raw JSON document or a markdown document
// carrying one in a fenced code block, which is how plans usually
// arrive from a model.
func ParsePlan(data []byte) (*PlanDocument, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return ParseDocument(trimmed)
	}
	block, err := ExtractJSONBlock(data)
	if err != nil {
		return nil, err
	}
	return ParseDocument(block)
}

// Build validates the document's tasks and compiles them into an
// executable structure. The document keeps its own task copies.
func (d *PlanDocument) Build(builder *dag.Builder) (*dag.Structure, error) {
	tasks := make([]*task.Task, len(d.Tasks))
	for i, t := range d.Tasks {
		tasks[i] = t.Clone()
	}
	return builder.Build(tasks)
}
