// ABOUTME: Layer-boundary work: command drain, pause, decision gates, replans, checkpoints.
// ABOUTME: Waiting states block on the inbox; nothing in here polls.

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Casys-AI/casys-pml-sub002/internal/checkpoint"
	"github.com/Casys-AI/casys-pml-sub002/internal/dag"
	"github.com/Casys-AI/casys-pml-sub002/internal/events"
	"github.com/Casys-AI/casys-pml-sub002/internal/planner"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// boundary settles the gap before scheduling a layer: it drains the
// inbox in enqueue order, applies a pending pause, and holds the
// decision gate. Returns false when the run reached a terminal phase.
func (c *Controller) boundary(ctx context.Context, layer int) bool {
	for {
		// Commands deferred mid-layer come first; they arrived earlier.
		pending := c.deferred
		c.deferred = nil
		for _, cmd := range pending {
			if !c.applyBoundaryCommand(ctx, cmd) {
				return false
			}
		}
	drain:
		for {
			select {
			case cmd := <-c.commands:
				if !c.applyBoundaryCommand(ctx, cmd) {
					return false
				}
			default:
				break drain
			}
		}
		if err := ctx.Err(); err != nil {
			c.finish(PhaseAborted, err.Error())
			return false
		}
		if c.pausePending {
			c.pausePending = false
			if !c.enterPaused(ctx) {
				return false
			}
			continue // the inbox may have grown while paused
		}
		if layer < len(c.structure.Layers) && c.needsDecision(layer) {
			if !c.enterDecision(ctx, layer) {
				return false
			}
			continue // a replan may have moved the gate
		}
		return true
	}
}

func (c *Controller) applyBoundaryCommand(ctx context.Context, cmd Command) bool {
	switch cmd.Kind {
	case CommandAbort:
		c.finish(PhaseAborted, abortReason(cmd))
		return false
	case CommandPause:
		c.pausePending = true
	case CommandContinue:
		if c.pausePending {
			// Continue queued behind a not-yet-applied pause cancels it.
			c.pausePending = false
		} else {
			c.rejectCommand(cmd, "workflow is not paused")
		}
	case CommandReplan:
		c.handleReplan(ctx, cmd)
	case CommandApproval:
		c.rejectCommand(cmd, "no decision pending")
	}
	return true
}

// enterPaused blocks until continue or abort. Replans are allowed while
// paused; the workflow stays paused after one.
func (c *Controller) enterPaused(ctx context.Context) bool {
	c.setPhase(PhasePaused)
	c.publish(c.newEvent(events.WorkflowPaused))
	c.state.AppendMessage(RoleEngine, "workflow paused")
	c.logger.Info("workflow paused")

	for {
		select {
		case cmd := <-c.commands:
			switch cmd.Kind {
			case CommandContinue:
				c.setPhase(PhaseRunning)
				c.publish(c.newEvent(events.WorkflowResumed))
				c.state.AppendMessage(RoleEngine, "workflow resumed")
				c.logger.Info("workflow resumed")
				return true
			case CommandAbort:
				c.finish(PhaseAborted, abortReason(cmd))
				return false
			case CommandReplan:
				c.handleReplan(ctx, cmd)
			case CommandPause:
				c.rejectCommand(cmd, "already paused")
			default:
				c.rejectCommand(cmd, "no decision pending")
			}
		case <-ctx.Done():
			c.finish(PhaseAborted, ctx.Err().Error())
			return false
		}
	}
}

// needsDecision reports whether the gap before layer requires an
// approval: either the previous layer is a configured decision point, or
// the layer contains a task flagged for approval that can still run.
func (c *Controller) needsDecision(layer int) bool {
	if c.decidedLayers[layer] {
		return false
	}
	if layer > 0 && slices.Contains(c.opts.DecisionLayers, layer-1) {
		return true
	}
	return len(c.approvalTasks(layer)) > 0
}

func (c *Controller) approvalTasks(layer int) []string {
	var out []string
	for _, id := range c.structure.Layers[layer] {
		t, ok := c.structure.TaskByID(id)
		if ok && t.Approval && !t.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// enterDecision blocks scheduling until an approval response, a
// successful replan, the decision timeout, or an abort.
func (c *Controller) enterDecision(ctx context.Context, layer int) bool {
	c.setPhase(PhaseAwaitingDecision)
	requestedAt := time.Now().UTC()
	awaiting := c.approvalTasks(layer)

	required := c.newEvent(events.DecisionRequired)
	required.Layer = layer
	required.Payload = map[string]any{
		"layer":          layer,
		"approval_tasks": awaiting,
		"on_timeout":     string(c.opts.OnDecisionTimeout),
	}
	if c.opts.DecisionTimeout > 0 {
		required.Payload["timeout"] = c.opts.DecisionTimeout.String()
	}
	c.publish(required)
	c.logger.Info("decision required", "layer", layer, "approval_tasks", awaiting)

	var timeoutCh <-chan time.Time
	if c.opts.DecisionTimeout > 0 {
		timer := time.NewTimer(c.opts.DecisionTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case cmd := <-c.commands:
			switch cmd.Kind {
			case CommandApproval:
				approver, err := c.verifyApproval(cmd)
				if err != nil {
					// The gate stays pending; an imposter response must
					// not resolve it either way.
					c.rejectCommand(cmd, err.Error())
					continue
				}
				c.recordDecision(Decision{
					Layer:       layer,
					Source:      DecisionSourceApproval,
					Approved:    cmd.Approved,
					ApprovedBy:  approver,
					RequestedAt: requestedAt,
				})
				resolved := c.newEvent(events.DecisionResolved)
				resolved.Layer = layer
				resolved.Payload = map[string]any{
					"approved":    cmd.Approved,
					"approved_by": approver,
				}
				c.publish(resolved)
				if !cmd.Approved {
					c.finish(PhaseAborted, "approval denied")
					return false
				}
				c.decidedLayers[layer] = true
				c.setPhase(PhaseRunning)
				return true

			case CommandReplan:
				if !c.handleReplan(ctx, cmd) {
					continue // gate stays pending
				}
				c.recordDecision(Decision{
					Layer:       layer,
					Source:      DecisionSourceReplan,
					Approved:    true,
					Note:        cmd.NewRequirement,
					RequestedAt: requestedAt,
				})
				resolved := c.newEvent(events.DecisionResolved)
				resolved.Layer = layer
				resolved.Payload = map[string]any{"resolved_by": "replan"}
				c.publish(resolved)
				c.decidedLayers[layer] = true
				c.setPhase(PhaseRunning)
				return true

			case CommandAbort:
				c.finish(PhaseAborted, abortReason(cmd))
				return false

			default:
				c.rejectCommand(cmd, "workflow is awaiting a decision")
			}

		case <-timeoutCh:
			action := c.opts.OnDecisionTimeout
			c.recordDecision(Decision{
				Layer:       layer,
				Source:      DecisionSourceTimeout,
				Approved:    action == TimeoutProceed,
				Note:        "decision timeout, action " + string(action),
				RequestedAt: requestedAt,
			})
			tev := c.newEvent(events.DecisionTimeout)
			tev.Layer = layer
			tev.Payload = map[string]any{"action": string(action)}
			c.publish(tev)
			c.logger.Warn("decision timed out", "layer", layer, "action", action)
			if action == TimeoutAbort {
				c.finish(PhaseAborted, "decision timeout")
				return false
			}
			c.decidedLayers[layer] = true
			c.setPhase(PhaseRunning)
			return true

		case <-ctx.Done():
			c.finish(PhaseAborted, ctx.Err().Error())
			return false
		}
	}
}

func (c *Controller) verifyApproval(cmd Command) (string, error) {
	if c.approvals == nil {
		if cmd.ApprovedBy != "" {
			return cmd.ApprovedBy, nil
		}
		return "caller", nil
	}
	if cmd.Token == "" {
		return "", errors.New("approval token required")
	}
	approver, err := c.approvals.Verify(cmd.Token)
	if err != nil {
		return "", fmt.Errorf("approval token rejected: %w", err)
	}
	return approver, nil
}

func (c *Controller) recordDecision(d Decision) {
	d.ID = uuid.New().String()
	d.ResolvedAt = time.Now().UTC()
	c.state.AppendDecision(d)
}

// handleReplan asks the suggester for a replacement remainder and merges
// it. The executed prefix is frozen; a conflicting proposal is rejected
// and the current plan stays in force.
func (c *Controller) handleReplan(ctx context.Context, cmd Command) bool {
	if c.suggester == nil {
		c.rejectCommand(cmd, "no suggester configured")
		return false
	}
	if len(cmd.Context) > 0 {
		c.state.MergeContext(cmd.Context)
	}

	req := planner.ReplanRequest{
		Current:        c.structure,
		Completed:      c.completedResults(),
		NewRequirement: cmd.NewRequirement,
		Context:        c.state.Snapshot().Context,
	}
	proposed, err := c.suggester.ReplanDAG(ctx, req)
	if err != nil {
		c.replanRejected(err)
		return false
	}

	executed := c.state.CurrentLayer()
	merged, err := dag.Merge(c.structure, proposed, executed)
	if err != nil {
		c.replanRejected(err)
		return false
	}
	c.structure = merged

	ev := c.newEvent(events.ReplanApplied)
	ev.Payload = map[string]any{
		"revision":      merged.Revision,
		"tasks":         merged.TaskCount(),
		"layers":        len(merged.Layers),
		"frozen_layers": executed,
	}
	c.publish(ev)
	c.state.AppendMessage(RoleEngine,
		fmt.Sprintf("plan revised to revision %d: %s", merged.Revision, cmd.NewRequirement))
	c.logger.Info("replan applied",
		"revision", merged.Revision,
		"tasks", merged.TaskCount(),
		"layers", len(merged.Layers))
	return true
}

func (c *Controller) replanRejected(err error) {
	ev := c.newEvent(events.ReplanRejected)
	ev.Error = err.Error()
	c.publish(ev)
	c.logger.Warn("replan rejected", "error", err)
}

func (c *Controller) rejectCommand(cmd Command, reason string) {
	ev := c.newEvent(events.CommandRejected)
	ev.Payload = map[string]any{"command": string(cmd.Kind)}
	ev.Error = reason
	c.publish(ev)
	c.logger.Warn("command rejected", "command", cmd.Kind, "reason", reason)
}

// maybeCheckpoint saves a snapshot when the cadence says so. nextLayer
// is the first layer not yet executed.
func (c *Controller) maybeCheckpoint(ctx context.Context, nextLayer int) {
	n := c.opts.CheckpointEveryNLayers
	if c.store == nil || n <= 0 {
		return
	}
	if nextLayer%n != 0 {
		return
	}
	c.saveCheckpoint(ctx, nextLayer)
}

func (c *Controller) saveCheckpoint(ctx context.Context, nextLayer int) {
	stateJSON, err := json.Marshal(c.state.Snapshot())
	if err != nil {
		c.checkpointFailed(nextLayer, err)
		return
	}
	structJSON, err := json.Marshal(c.structure)
	if err != nil {
		c.checkpointFailed(nextLayer, err)
		return
	}

	cp := &checkpoint.Checkpoint{
		WorkflowID: c.workflowID,
		Layer:      nextLayer,
		Revision:   c.structure.Revision,
		State:      stateJSON,
		Structure:  structJSON,
	}
	id, err := c.store.Save(ctx, cp)
	if err != nil {
		c.checkpointFailed(nextLayer, err)
		return
	}
	c.state.SetCheckpointID(id)

	ev := c.newEvent(events.CheckpointSaved)
	ev.Layer = nextLayer
	ev.Payload = map[string]any{
		"checkpoint_id": id,
		"revision":      c.structure.Revision,
	}
	c.publish(ev)
	c.logger.Debug("checkpoint saved", "checkpoint", id, "next_layer", nextLayer)
}

// checkpointFailed degrades resumability but never stops the run.
func (c *Controller) checkpointFailed(nextLayer int, err error) {
	ev := c.newEvent(events.CheckpointFailed)
	ev.Layer = nextLayer
	ev.Error = err.Error()
	c.publish(ev)
	c.logger.Warn("checkpoint save failed", "next_layer", nextLayer, "error", err)
}

// speculate asks the suggester what comes next and hands eligible
// predictions to the speculator. Safety refusals become events; routine
// ineligibility is only logged.
func (c *Controller) speculate() {
	if c.spec == nil || !c.opts.SpeculationEnabled || c.suggester == nil {
		return
	}
	preds, err := c.suggester.PredictNextNodes(c.specCtx, c.structure, c.completedResults())
	if err != nil {
		c.logger.Debug("prediction unavailable", "error", err)
		return
	}
	if len(preds) == 0 {
		return
	}
	for _, verdict := range c.spec.Speculate(c.specCtx, preds, c.exec.Output) {
		if verdict.Launched || !verdict.Violation {
			continue
		}
		ev := c.newEvent(events.SpeculationSkipped)
		ev.TaskID = verdict.TaskID
		ev.Error = verdict.Reason
		c.publish(ev)
	}
}

func (c *Controller) completedResults() []task.Result {
	results := c.exec.Results()
	out := make([]task.Result, 0, len(results))
	for _, res := range results {
		out = append(out, res)
	}
	slices.SortFunc(out, func(a, b task.Result) int {
		switch {
		case a.TaskID < b.TaskID:
			return -1
		case a.TaskID > b.TaskID:
			return 1
		}
		return 0
	})
	return out
}
