// ABOUTME: Layer-parallel task runner: bounded pool, timeouts, skip propagation.
// ABOUTME: Settles every task in a layer; one task's failure never aborts siblings.

// Package executor runs one DAG layer at a time with bounded
// parallelism. It owns per-task timeouts, the settle grace for tools
// that ignore cancellation, and the skip propagation that follows a
// failure downstream. Control flow above it decides which layer runs
// next; this package only ever sees one layer.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Casys-AI/casys-pml-sub002/internal/dag"
	"github.com/Casys-AI/casys-pml-sub002/internal/invoke"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

const (
	// DefaultTaskTimeout bounds tasks that declare no timeout of their own.
	DefaultTaskTimeout = 30 * time.Second
	// DefaultSettleGrace is how long a worker waits for a tool to return
	// after its context ended before declaring the invocation leaked.
	DefaultSettleGrace = 5 * time.Second
)

// Precomputed serves results computed ahead of schedule. Lookup is
// consulted with resolved arguments right before dispatch; a hit
// completes the task without invoking anything.
type Precomputed interface {
	Lookup(t *task.Task, args map[string]any) (map[string]any, bool)
}

// UpdateKind tags one observation from a running layer.
type UpdateKind string

const (
	UpdateStarted  UpdateKind = "started"
	UpdateFinished UpdateKind = "finished"
	UpdateSkipped  UpdateKind = "skipped"
	UpdateLeaked   UpdateKind = "leaked"
)

// Update is one observation delivered while a layer runs. Per task,
// started always precedes finished; skipped updates for downstream
// tasks arrive as soon as a failure propagates to them.
type Update struct {
	Kind      UpdateKind
	TaskID    string
	Layer     int
	Result    task.Result
	FromCache bool
}

// Stats summarizes how one layer settled. Fatal counts the subset of
// failures whose task was not marked safe to fail.
type Stats struct {
	Succeeded int
	Failed    int
	Skipped   int
	Fatal     int
}

// Total returns the number of settled tasks in the layer.
func (s Stats) Total() int {
	return s.Succeeded + s.Failed + s.Skipped
}

// Config parameterizes a Runner. Zero values fall back to defaults;
// MaxParallelism <= 0 means unbounded.
type Config struct {
	Invoker        invoke.Invoker
	Precomputed    Precomputed
	DefaultTimeout time.Duration
	SettleGrace    time.Duration
	MaxParallelism int
	Logger         *slog.Logger
}

// Runner executes the tasks of a single layer concurrently and waits
// for all of them to settle. It never fails fast: task errors land in
// results, and ExecuteLayer itself errors only on structural misuse.
type Runner struct {
	invoker invoke.Invoker
	pre     Precomputed
	timeout time.Duration
	grace   time.Duration
	limit   int
	logger  *slog.Logger
}

// NewRunner creates a Runner from cfg.
func NewRunner(cfg Config) *Runner {
	r := &Runner{
		invoker: cfg.Invoker,
		pre:     cfg.Precomputed,
		timeout: cfg.DefaultTimeout,
		grace:   cfg.SettleGrace,
		limit:   cfg.MaxParallelism,
		logger:  cfg.Logger.With("component", "executor"),
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTaskTimeout
	}
	if r.grace <= 0 {
		r.grace = DefaultSettleGrace
	}
	return r
}

// ExecuteLayer runs every still-pending task in the layer and blocks
// until all of them settle. Updates, when non-nil, must be drained by
// the caller or sized for the whole structure; workers send without
// timeouts. Cancelling ctx fails the in-flight tasks, bounded by the
// settle grace for tools that ignore cancellation.
func (r *Runner) ExecuteLayer(ctx context.Context, s *dag.Structure, layer int, st *State, updates chan<- Update) (Stats, error) {
	if layer < 0 || layer >= len(s.Layers) {
		return Stats{}, fmt.Errorf("layer %d out of range, plan has %d", layer, len(s.Layers))
	}

	var g errgroup.Group
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}
	for _, id := range s.Layers[layer] {
		t, ok := s.TaskByID(id)
		if !ok {
			r.logger.Error("layer references unknown task", "task", id, "layer", layer)
			continue
		}
		if st.statusOf(t).Terminal() {
			// Skipped by an earlier layer's failure. Counted, not dispatched.
			continue
		}
		g.Go(func() error {
			r.runTask(ctx, s, t, layer, st, updates)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors

	return r.layerStats(s, layer, st), nil
}

func (r *Runner) runTask(ctx context.Context, s *dag.Structure, t *task.Task, layer int, st *State, updates chan<- Update) {
	if err := st.transition(t, task.StatusRunning); err != nil {
		// A propagated skip got here between dispatch and start.
		return
	}
	res := task.Result{TaskID: t.ID, StartedAt: time.Now().UTC()}
	r.send(updates, Update{Kind: UpdateStarted, TaskID: t.ID, Layer: layer})

	args, err := task.ResolveArguments(t.Arguments, st.Output)
	if err != nil {
		r.finish(s, t, layer, st, updates, res, nil, &TaskExecutionError{TaskID: t.ID, Err: err}, false)
		return
	}

	if r.pre != nil && t.SafeToFail() {
		if out, ok := r.pre.Lookup(t, args); ok {
			res.Speculative = true
			r.finish(s, t, layer, st, updates, res, out, nil, true)
			return
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type invocation struct {
		out map[string]any
		err error
	}
	done := make(chan invocation, 1)
	go func() {
		out, invErr := r.invoker.Invoke(taskCtx, t, args)
		done <- invocation{out: out, err: invErr}
	}()

	var inv invocation
	leaked := false
	select {
	case inv = <-done:
	case <-taskCtx.Done():
		// The tool's window is over. Give it the settle grace to come
		// back before declaring the goroutine leaked.
		select {
		case <-done:
		case <-time.After(r.grace):
			leaked = true
		}
		inv = invocation{err: taskCtx.Err()}
	}

	var failure error
	switch {
	case inv.err == nil:
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		failure = &TaskTimeoutError{TaskID: t.ID, Timeout: timeout}
	default:
		failure = &TaskExecutionError{TaskID: t.ID, Err: inv.err}
	}

	r.finish(s, t, layer, st, updates, res, inv.out, failure, false)

	if leaked {
		r.logger.Warn("task invocation leaked",
			"task", t.ID,
			"tool", t.Tool,
			"grace", r.grace)
		r.send(updates, Update{Kind: UpdateLeaked, TaskID: t.ID, Layer: layer})
	}
}

func (r *Runner) finish(s *dag.Structure, t *task.Task, layer int, st *State, updates chan<- Update, res task.Result, out map[string]any, failure error, fromCache bool) {
	res.FinishedAt = time.Now().UTC()
	if failure != nil {
		res.Status = task.StatusFailed
		res.Error = failure.Error()
	} else {
		res.Status = task.StatusSucceeded
		res.Output = out
	}

	if err := st.transition(t, res.Status); err != nil {
		r.logger.Error("status transition rejected", "task", t.ID, "error", err)
	}
	st.Record(res)
	r.send(updates, Update{Kind: UpdateFinished, TaskID: t.ID, Layer: layer, Result: res, FromCache: fromCache})

	if res.Status == task.StatusFailed {
		r.propagateFailure(s, t.ID, st, updates)
	}
}

// propagateFailure marks every pending transitive dependent that is not
// safe to fail as skipped, recording which failure caused it. Safe-to-
// fail dependents still run and see the unavailable sentinel where they
// referenced the failed output.
func (r *Runner) propagateFailure(s *dag.Structure, failedID string, st *State, updates chan<- Update) {
	reason := task.SkipReason(failedID)
	for _, depID := range s.TransitiveDependents(failedID) {
		dep, ok := s.TaskByID(depID)
		if !ok || dep.SafeToFail() {
			continue
		}
		if err := st.transition(dep, task.StatusSkipped); err != nil {
			// Already running or terminal; an earlier failure won.
			continue
		}
		res := task.Result{TaskID: depID, Status: task.StatusSkipped, Error: reason}
		st.Record(res)
		r.send(updates, Update{Kind: UpdateSkipped, TaskID: depID, Layer: s.LayerIndex(depID), Result: res})
		r.logger.Debug("dependent skipped", "task", depID, "failed_dependency", failedID)
	}
}

func (r *Runner) layerStats(s *dag.Structure, layer int, st *State) Stats {
	var out Stats
	for _, id := range s.Layers[layer] {
		t, ok := s.TaskByID(id)
		if !ok {
			continue
		}
		switch st.statusOf(t) {
		case task.StatusSucceeded:
			out.Succeeded++
		case task.StatusFailed:
			out.Failed++
			if !t.SafeToFail() {
				out.Fatal++
			}
		case task.StatusSkipped:
			out.Skipped++
		}
	}
	return out
}

func (r *Runner) send(updates chan<- Update, u Update) {
	if updates != nil {
		updates <- u
	}
}
