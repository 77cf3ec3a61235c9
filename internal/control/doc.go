// Package control runs a workflow plan under an interactive state
// machine, layer by layer, with a caller steering it through commands.
//
// # Lifecycle
//
// A Controller moves through idle, running, paused, awaiting_decision
// and one of the terminal phases completed, aborted or failed. Execute
// starts the run loop and returns an event stream; the loop schedules
// one layer at a time and settles every boundary before scheduling the
// next. Failed tasks skip their dependents but do not stop the workflow
// unless fail-fast is on; a completed run with failures is reported as a
// partial failure.
//
// # Commands
//
// Callers steer with abort, pause, continue, approval_response and
// replan_dag. Commands act at layer boundaries in enqueue order; the
// only exception is mid-layer, where abort cancels the running layer
// immediately and pause takes effect once the layer settles. Everything
// else queues for the boundary. Commands against a finished workflow
// are refused with ErrWorkflowFinished.
//
// # Decisions
//
// A decision gate opens before a configured decision layer or any layer
// holding a task flagged for approval. The loop blocks on the command
// inbox until an approval response, a successful replan, or the decision
// timeout resolves it. Denied approvals abort; timeouts follow the
// configured proceed-or-abort action. Every resolution is recorded in
// workflow state with its source and approver.
//
// # Replanning
//
// replan_dag asks the suggester for a replacement plan and merges it
// over the current one. Executed layers are frozen; a proposal that
// contradicts them, introduces a cycle, or adds nothing is rejected and
// the current plan stays in force.
//
// # Checkpoints
//
// When a store is configured the controller snapshots state and plan
// every N settled layers. Save failures are reported as warning events
// and never stop the run; they only degrade resumability. Resume loads
// the latest checkpoint and re-enters the loop at the first
// unexecuted layer.
package control
