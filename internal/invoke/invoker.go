// ABOUTME: Invoker interface and kind-based dispatch for task execution.
// ABOUTME: The kind set is closed; unknown kinds fail instead of falling through.

package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// ErrUnknownKind indicates a task kind outside the closed set.
var ErrUnknownKind = errors.New("unknown task kind")

// Invoker executes one task with already-resolved arguments. The same
// contract serves ordinary and speculative execution. Implementations
// must observe ctx and return promptly on cancellation; the engine
// enforces a grace period around those that do not.
type Invoker interface {
	Invoke(ctx context.Context, t *task.Task, args map[string]any) (map[string]any, error)
}

// Func adapts a function to the Invoker interface.
type Func func(ctx context.Context, t *task.Task, args map[string]any) (map[string]any, error)

// Invoke calls the function.
func (f Func) Invoke(ctx context.Context, t *task.Task, args map[string]any) (map[string]any, error) {
	return f(ctx, t, args)
}

// Dispatcher routes tasks by kind: noop and transform tasks execute
// in-process, tool tasks go to the delegate.
type Dispatcher struct {
	tools  Invoker
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher delegating tool tasks to tools.
func NewDispatcher(tools Invoker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tools:  tools,
		logger: logger.With("component", "invoke"),
	}
}

// Invoke executes the task according to its kind.
func (d *Dispatcher) Invoke(ctx context.Context, t *task.Task, args map[string]any) (map[string]any, error) {
	switch t.Kind {
	case task.KindNoop:
		return map[string]any{}, nil
	case task.KindTransform:
		return applyTransform(t.Tool, args)
	case task.KindTool:
		return d.tools.Invoke(ctx, t, args)
	default:
		return nil, fmt.Errorf("%w: task %s has kind %q", ErrUnknownKind, t.ID, t.Kind)
	}
}
