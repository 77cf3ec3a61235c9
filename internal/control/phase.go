// ABOUTME: Workflow phase machine: Idle -> Running -> {Paused, AwaitingDecision, terminal}.
// ABOUTME: Transitions are validated; terminal phases accept nothing further.

package control

// Phase is a workflow's position in its lifecycle.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseRunning          Phase = "running"
	PhasePaused           Phase = "paused"
	PhaseAwaitingDecision Phase = "awaiting_decision"
	PhaseCompleted        Phase = "completed"
	PhaseAborted          Phase = "aborted"
	PhaseFailed           Phase = "failed"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseAborted, PhaseFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from p to next is legal.
func (p Phase) CanTransition(next Phase) bool {
	switch p {
	case PhaseIdle:
		return next == PhaseRunning
	case PhaseRunning:
		switch next {
		case PhasePaused, PhaseAwaitingDecision, PhaseCompleted, PhaseAborted, PhaseFailed:
			return true
		}
	case PhasePaused, PhaseAwaitingDecision:
		return next == PhaseRunning || next == PhaseAborted
	}
	return false
}
