// ABOUTME: Deterministic tool invoker for tests and the CLI demo runner.
// ABOUTME: Canned outputs, latency, failure injection, and a cancellation-deaf hang mode.

package invoke

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// SimulatedTool configures how the simulator behaves for one tool name.
type SimulatedTool struct {
	// Latency before the result is produced. The simulator honors
	// cancellation while waiting unless Hang is set.
	Latency time.Duration
	// Hang makes the tool sleep through cancellation for the given
	// duration, like a tool that ignores its cancel token.
	Hang time.Duration
	// Fail makes every invocation return this error message.
	Fail string
	// Output is the canned result. Nil produces {"result": "ok"}.
	Output map[string]any
}

// Simulator is an Invoker producing deterministic results without any
// external calls. Tools not explicitly registered succeed immediately
// with a generic output, which keeps demo plans short.
type Simulator struct {
	mu     sync.RWMutex
	tools  map[string]SimulatedTool
	calls  map[string]int
	logger *slog.Logger
}

// NewSimulator creates an empty Simulator.
func NewSimulator(logger *slog.Logger) *Simulator {
	return &Simulator{
		tools:  make(map[string]SimulatedTool),
		calls:  make(map[string]int),
		logger: logger.With("component", "simulator"),
	}
}

// Register installs or replaces the behavior for a tool name.
func (s *Simulator) Register(name string, st SimulatedTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = st
}

// Calls returns how many times a tool has been invoked.
func (s *Simulator) Calls(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[name]
}

// Invoke runs the configured behavior for t.Tool.
func (s *Simulator) Invoke(ctx context.Context, t *task.Task, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls[t.Tool]++
	st := s.tools[t.Tool]
	s.mu.Unlock()

	if st.Hang > 0 {
		// Deliberately deaf to ctx. Exercises the abort grace period.
		time.Sleep(st.Hang)
	} else if st.Latency > 0 {
		select {
		case <-time.After(st.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st.Fail != "" {
		return nil, fmt.Errorf("%s: %s", t.Tool, st.Fail)
	}

	if st.Output != nil {
		out := make(map[string]any, len(st.Output))
		for k, v := range st.Output {
			out[k] = v
		}
		return out, nil
	}

	s.logger.Debug("simulated tool call", "tool", t.Tool, "task", t.ID, "args", len(args))
	return map[string]any{"result": "ok"}, nil
}
