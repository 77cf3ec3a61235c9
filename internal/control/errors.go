// ABOUTME: Sentinel errors for the control package.
// ABOUTME: Callers branch on these with errors.Is.

package control

import "errors"

var (
	// ErrNoPlan means Execute was called without a usable structure.
	ErrNoPlan = errors.New("no plan to execute")

	// ErrAlreadyStarted means this controller is already driving a
	// workflow. One controller runs exactly one workflow.
	ErrAlreadyStarted = errors.New("workflow already started")

	// ErrWorkflowFinished means the workflow reached a terminal phase
	// and accepts no further commands.
	ErrWorkflowFinished = errors.New("workflow finished")

	// ErrCommandQueueFull means the inbox is saturated; the caller
	// should back off and retry.
	ErrCommandQueueFull = errors.New("command queue full")

	// ErrInvalidCommand rejects malformed commands before they enter
	// the inbox.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrNoCheckpointStore means Resume was called on a controller
	// built without persistence.
	ErrNoCheckpointStore = errors.New("no checkpoint store configured")
)
