// ABOUTME: Core task model: Task struct, closed kind set, field shapes, results.
// ABOUTME: Tasks are mutated only by the executor that owns them.

package task

import (
	"fmt"
	"time"
)

// Kind identifies what a task does. The set is closed: dispatch switches
// over it and fails on anything else rather than falling through.
type Kind string

const (
	// KindTool invokes an external tool through the configured invoker.
	KindTool Kind = "tool"
	// KindTransform reshapes upstream outputs in-process. Never has side effects.
	KindTransform Kind = "transform"
	// KindNoop is a structural node, used when a replan merge needs a
	// synchronization point. Produces an empty output.
	KindNoop Kind = "noop"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTool, KindTransform, KindNoop:
		return true
	}
	return false
}

// FieldShape declares one named, typed field of a task's input or output.
// Types are JSON-level: "string", "number", "boolean", "object", "array",
// or "any".
type FieldShape struct {
	Name string `json:"name" toml:"name"`
	Type string `json:"type" toml:"type"`
}

// Compatible reports whether a producer field can feed a consumer field.
// Names must match exactly; types match when equal or when either side
// declares "any".
func (f FieldShape) Compatible(consumer FieldShape) bool {
	if f.Name != consumer.Name {
		return false
	}
	return f.Type == consumer.Type || f.Type == "any" || consumer.Type == "any"
}

// Task is one schedulable tool invocation.
type Task struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	SideEffect bool           `json:"side_effect"`
	Approval   bool           `json:"approval,omitempty"`
	Inputs     []FieldShape   `json:"inputs,omitempty"`
	Outputs    []FieldShape   `json:"outputs,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`

	Status Status `json:"status"`
}

// Validate checks the task is well-formed enough to schedule.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task has no id")
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("task %s: unknown kind %q", t.ID, t.Kind)
	}
	if t.Kind == KindTool && t.Tool == "" {
		return fmt.Errorf("task %s: tool kind requires a tool name", t.ID)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task %s: depends on itself", t.ID)
		}
	}
	return nil
}

// SafeToFail reports whether downstream consumers may run even when this
// task fails, and whether the task is eligible for speculation.
func (t *Task) SafeToFail() bool {
	return !t.SideEffect
}

// Signature identifies the operation a task performs, independent of its
// position in a DAG. Speculation cache keys start from this.
func (t *Task) Signature() string {
	return string(t.Kind) + ":" + t.Tool
}

// Clone returns a deep copy. Snapshots handed to subscribers must never
// alias executor-owned maps.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Arguments != nil {
		cp.Arguments = make(map[string]any, len(t.Arguments))
		for k, v := range t.Arguments {
			cp.Arguments[k] = v
		}
	}
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.Inputs = append([]FieldShape(nil), t.Inputs...)
	cp.Outputs = append([]FieldShape(nil), t.Outputs...)
	return &cp
}

// Result is the recorded outcome of one task.
type Result struct {
	TaskID      string         `json:"task_id"`
	Status      Status         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
	Speculative bool           `json:"speculative,omitempty"`
}

// Duration returns how long the task ran, zero for tasks that never started.
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SkipReason formats the reason recorded on tasks skipped because an
// upstream dependency failed.
func SkipReason(failedID string) string {
	return "dependency_failed:" + failedID
}
