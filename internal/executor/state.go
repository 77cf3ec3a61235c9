// ABOUTME: Mutable execution memory for one run: results plus status transitions.
// ABOUTME: A single mutex serializes layer workers; lookups feed argument resolution.

package executor

import (
	"sync"

	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// State accumulates finished results across the layers of one run. It
// also serializes task status transitions, which matters when two
// failing tasks race to skip a shared downstream dependent.
type State struct {
	mu      sync.RWMutex
	results map[string]task.Result
}

// NewState creates an empty State.
func NewState() *State {
	return &State{results: make(map[string]task.Result)}
}

// Record stores a finished result, replacing any prior entry.
func (st *State) Record(res task.Result) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.results[res.TaskID] = res
}

// Result returns the recorded result for a task.
func (st *State) Result(id string) (task.Result, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	res, ok := st.results[id]
	return res, ok
}

// Output implements task.OutputLookup: it returns the output of a
// producer only when that producer succeeded, so consumers of failed or
// skipped tasks resolve to the unavailable sentinel instead.
func (st *State) Output(id string) (map[string]any, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	res, ok := st.results[id]
	if !ok || !res.Status.Succeeded() {
		return nil, false
	}
	return res.Output, true
}

// Results returns a copy of every recorded result keyed by task ID.
func (st *State) Results() map[string]task.Result {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]task.Result, len(st.results))
	for id, res := range st.results {
		out[id] = res
	}
	return out
}

// transition applies a status change under the state lock.
func (st *State) transition(t *task.Task, to task.Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return t.Transition(to)
}

// statusOf reads a task's status under the state lock.
func (st *State) statusOf(t *task.Task) task.Status {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if t.Status == "" {
		return task.StatusPending
	}
	return t.Status
}
