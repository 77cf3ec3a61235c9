// ABOUTME: Inbox commands steering a running workflow.
// ABOUTME: Consumed in enqueue order at layer boundaries; abort and pause act mid-layer.

package control

import "fmt"

// CommandKind names one steering instruction.
type CommandKind string

const (
	// CommandAbort terminates the workflow, bounded by the grace period.
	CommandAbort CommandKind = "abort"
	// CommandPause suspends scheduling before the next layer.
	CommandPause CommandKind = "pause"
	// CommandContinue resumes a paused workflow.
	CommandContinue CommandKind = "continue"
	// CommandApproval resolves a pending decision gate.
	CommandApproval CommandKind = "approval_response"
	// CommandReplan asks the suggester to rework the unexecuted remainder.
	CommandReplan CommandKind = "replan_dag"
)

// Command is one steering instruction for a running workflow. Each
// command is consumed exactly once.
type Command struct {
	Kind CommandKind `json:"kind"`

	// Reason annotates an abort.
	Reason string `json:"reason,omitempty"`

	// Approved, ApprovedBy and Token resolve an approval gate. Token is
	// mandatory when the controller has a verifier; without one,
	// ApprovedBy is taken on the caller's word.
	Approved   bool   `json:"approved,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`
	Token      string `json:"token,omitempty"`

	// NewRequirement and Context parameterize a replan.
	NewRequirement string         `json:"new_requirement,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// Validate checks the command is well-formed before it enters the inbox.
func (c Command) Validate() error {
	switch c.Kind {
	case CommandAbort, CommandPause, CommandContinue, CommandApproval:
		return nil
	case CommandReplan:
		if c.NewRequirement == "" {
			return fmt.Errorf("%w: replan_dag needs a new requirement", ErrInvalidCommand)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
}
