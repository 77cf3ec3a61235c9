// ABOUTME: The run loop: layer scheduling, mid-layer command handling, terminal paths.
// ABOUTME: Single writer of workflow state; all reducers run on this goroutine.

package control

import (
	"context"
	"fmt"
	"time"

	"github.com/Casys-AI/casys-pml-sub002/internal/checkpoint"
	"github.com/Casys-AI/casys-pml-sub002/internal/events"
	"github.com/Casys-AI/casys-pml-sub002/internal/executor"
	"github.com/Casys-AI/casys-pml-sub002/internal/speculative"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer c.broadcaster.Close()

	if c.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Deadline)
		defer cancel()
	}
	if c.spec != nil {
		c.specCtx, c.specCancel = context.WithCancel(ctx)
		defer c.specCancel()
	}

	c.startedAt = time.Now().UTC()
	c.setPhase(PhaseRunning)

	started := c.newEvent(events.WorkflowStarted)
	started.Payload = map[string]any{
		"tasks":    c.structure.TaskCount(),
		"layers":   len(c.structure.Layers),
		"revision": c.structure.Revision,
	}
	if c.startLayer > 0 {
		started.Payload["resumed_from_layer"] = c.startLayer
	}
	c.publish(started)
	c.logger.Info("workflow started",
		"tasks", c.structure.TaskCount(),
		"layers", len(c.structure.Layers),
		"start_layer", c.startLayer)

	layer := c.startLayer
	for {
		if !c.boundary(ctx, layer) {
			return
		}
		// Replans can grow or shrink the plan, so the bound is re-read
		// every iteration.
		if layer >= len(c.structure.Layers) {
			break
		}
		if !c.runLayer(ctx, layer) {
			return
		}
		layer++
	}
	c.finish(PhaseCompleted, "")
}

// runLayer executes one layer to settlement while staying responsive to
// the inbox. Returns false when the run reached a terminal phase inside.
func (c *Controller) runLayer(ctx context.Context, layer int) bool {
	ev := c.newEvent(events.LayerStarted)
	ev.Layer = layer
	ev.Payload = map[string]any{"tasks": append([]string(nil), c.structure.Layers[layer]...)}
	c.publish(ev)
	c.logger.Info("layer started", "layer", layer, "tasks", len(c.structure.Layers[layer]))

	layerCtx, cancelLayer := context.WithCancel(ctx)
	defer cancelLayer()

	updates := make(chan executor.Update, 64)
	type layerOutcome struct {
		stats executor.Stats
		err   error
	}
	outcomeCh := make(chan layerOutcome, 1)
	go func() {
		stats, err := c.runner.ExecuteLayer(layerCtx, c.structure, layer, c.exec, updates)
		outcomeCh <- layerOutcome{stats: stats, err: err}
	}()

	var outcome *layerOutcome
	aborted := false
	abortMsg := ""
	ctxDone := ctx.Done()
	for outcome == nil {
		select {
		case u := <-updates:
			c.handleUpdate(u)
		case cmd := <-c.commands:
			switch cmd.Kind {
			case CommandAbort:
				aborted = true
				abortMsg = abortReason(cmd)
				cancelLayer()
			case CommandPause:
				c.pausePending = true
			default:
				// Everything else waits for the layer boundary, in order.
				c.deferred = append(c.deferred, cmd)
			}
		case <-ctxDone:
			ctxDone = nil
			aborted = true
			abortMsg = ctx.Err().Error()
			cancelLayer()
		case o := <-outcomeCh:
			outcome = &o
		}
	}

	// The runner has returned, so every update it sent is buffered.
drain:
	for {
		select {
		case u := <-updates:
			c.handleUpdate(u)
		default:
			break drain
		}
	}

	if aborted {
		c.finish(PhaseAborted, abortMsg)
		return false
	}
	if outcome.err != nil {
		c.logger.Error("layer execution failed", "layer", layer, "error", outcome.err)
		c.finish(PhaseFailed, outcome.err.Error())
		return false
	}

	stats := outcome.stats
	completed := c.newEvent(events.LayerCompleted)
	completed.Layer = layer
	completed.Payload = map[string]any{
		"succeeded": stats.Succeeded,
		"failed":    stats.Failed,
		"skipped":   stats.Skipped,
	}
	c.publish(completed)
	c.state.AppendMessage(RoleEngine, fmt.Sprintf("layer %d settled: %d succeeded, %d failed, %d skipped",
		layer, stats.Succeeded, stats.Failed, stats.Skipped))
	c.state.SetLayer(layer + 1)
	c.logger.Info("layer completed",
		"layer", layer,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"skipped", stats.Skipped)

	// Safe-to-fail failures never trip fail-fast; their consumers see
	// the unavailable sentinel instead.
	if stats.Fatal > 0 && c.opts.FailFast {
		c.finish(PhaseFailed, "task failures with fail-fast enabled")
		return false
	}

	c.maybeCheckpoint(ctx, layer+1)
	c.speculate()
	return true
}

// handleUpdate turns one runner observation into state and events. Only
// the run loop calls this, which keeps the state single-writer.
func (c *Controller) handleUpdate(u executor.Update) {
	switch u.Kind {
	case executor.UpdateStarted:
		ev := c.newEvent(events.TaskStarted)
		ev.TaskID = u.TaskID
		ev.Layer = u.Layer
		c.publish(ev)

	case executor.UpdateFinished:
		c.state.AppendTaskRecord(u.Result)
		kind := events.TaskSucceeded
		if u.Result.Status == task.StatusFailed {
			kind = events.TaskFailed
		}
		ev := c.newEvent(kind)
		ev.TaskID = u.TaskID
		ev.Layer = u.Layer
		ev.Error = u.Result.Error
		ev.Payload = map[string]any{"duration": u.Result.Duration().String()}
		if u.Result.Speculative {
			ev.Payload["speculative"] = true
		}
		c.publish(ev)
		if u.FromCache {
			sc := c.newEvent(events.SpeculationCommitted)
			sc.TaskID = u.TaskID
			sc.Layer = u.Layer
			c.publish(sc)
		}

	case executor.UpdateSkipped:
		c.state.AppendTaskRecord(u.Result)
		ev := c.newEvent(events.TaskSkipped)
		ev.TaskID = u.TaskID
		ev.Layer = u.Layer
		ev.Payload = map[string]any{"reason": u.Result.Error}
		c.publish(ev)

	case executor.UpdateLeaked:
		ev := c.newEvent(events.TaskLeaked)
		ev.TaskID = u.TaskID
		ev.Layer = u.Layer
		ev.Error = "invocation still running after grace period"
		c.publish(ev)
	}
}

// finish reaches a terminal phase: drains speculation, emits the
// terminal event with the per-task breakdown, and records the summary.
func (c *Controller) finish(phase Phase, reason string) {
	c.drainSpeculation()

	statuses, counts := c.taskStatuses()
	partial := phase == PhaseCompleted &&
		(counts[task.StatusFailed] > 0 || counts[task.StatusSkipped] > 0)

	var kind events.Kind
	switch phase {
	case PhaseCompleted:
		kind = events.WorkflowCompleted
	case PhaseAborted:
		kind = events.WorkflowAborted
	default:
		kind = events.WorkflowFailed
	}

	c.setPhase(phase)
	msg := fmt.Sprintf("workflow %s", phase)
	if reason != "" {
		msg += ": " + reason
	}
	c.state.AppendMessage(RoleEngine, msg)

	ev := c.newEvent(kind)
	ev.Payload = map[string]any{
		"task_statuses":   statuses,
		"partial_failure": partial,
		"succeeded":       counts[task.StatusSucceeded],
		"failed":          counts[task.StatusFailed],
		"skipped":         counts[task.StatusSkipped],
		"pending":         counts[task.StatusPending],
		"revision":        c.structure.Revision,
		"duration":        time.Since(c.startedAt).String(),
	}
	if reason != "" {
		ev.Payload["reason"] = reason
	}
	c.publish(ev)
	c.logger.Info("workflow finished",
		"phase", phase,
		"partial_failure", partial,
		"reason", reason,
		"duration", time.Since(c.startedAt))

	c.recordSummary(phase, statuses, partial)
}

func (c *Controller) drainSpeculation() {
	if c.spec == nil {
		return
	}
	if c.specCancel != nil {
		c.specCancel()
	}
	for _, rec := range c.spec.Drain() {
		if rec.Outcome != speculative.OutcomeDiscarded {
			continue
		}
		ev := c.newEvent(events.SpeculationDiscarded)
		ev.TaskID = rec.TaskID
		ev.Payload = map[string]any{
			"tool":       rec.Tool,
			"confidence": rec.Confidence,
			"reason":     rec.Err,
		}
		c.publish(ev)
	}
}

// taskStatuses reads every task's settled status off the structure. Only
// called when no layer is in flight.
func (c *Controller) taskStatuses() (map[string]string, map[task.Status]int) {
	statuses := make(map[string]string, len(c.structure.Tasks))
	counts := make(map[task.Status]int)
	for _, t := range c.structure.Tasks {
		st := t.Status
		if st == "" {
			st = task.StatusPending
		}
		statuses[t.ID] = string(st)
		counts[st]++
	}
	return statuses, counts
}

func (c *Controller) recordSummary(phase Phase, statuses map[string]string, partial bool) {
	if c.store == nil {
		return
	}
	// The run context may already be over; the summary write gets its
	// own short deadline instead.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sum := &checkpoint.RunSummary{
		WorkflowID:     c.workflowID,
		Phase:          string(phase),
		TaskStatuses:   statuses,
		PartialFailure: partial,
		Revision:       c.structure.Revision,
		StartedAt:      c.startedAt,
		FinishedAt:     time.Now().UTC(),
	}
	if err := c.store.RecordSummary(ctx, sum); err != nil {
		c.logger.Warn("run summary not recorded", "error", err)
	}
}

func abortReason(cmd Command) string {
	if cmd.Reason != "" {
		return cmd.Reason
	}
	return "abort requested"
}
