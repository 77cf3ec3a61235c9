// ABOUTME: Per-run execution options with engine-level defaults.
// ABOUTME: Zero values mean defaults; negative values disable where documented.

package control

import (
	"time"

	"github.com/Casys-AI/casys-pml-sub002/internal/executor"
)

const (
	// DefaultDecisionTimeout bounds a decision gate nobody answers.
	DefaultDecisionTimeout = 2 * time.Minute
	// DefaultCheckpointCadence saves a checkpoint after every layer.
	DefaultCheckpointCadence = 1
	// DefaultEventBuffer sizes each subscriber's event buffer.
	DefaultEventBuffer = 256
)

// TimeoutAction selects what a decision gate does when its timeout fires.
type TimeoutAction string

const (
	TimeoutProceed TimeoutAction = "proceed"
	TimeoutAbort   TimeoutAction = "abort"
)

// Options parameterize one workflow run.
type Options struct {
	// WorkflowID overrides the generated ID.
	WorkflowID string
	// Intent seeds the execution memory and gives replans their goal.
	Intent string
	// Context seeds the workflow context.
	Context map[string]any

	// MaxParallelism bounds concurrent tasks within a layer; <= 0 means
	// unbounded.
	MaxParallelism int
	// PerTaskTimeout bounds tasks that declare no timeout of their own.
	PerTaskTimeout time.Duration

	// DecisionLayers lists layer indexes after which the workflow stops
	// for a decision. Layers containing a task flagged for approval gate
	// themselves regardless.
	DecisionLayers []int
	// DecisionTimeout bounds how long a decision gate waits; negative
	// disables the timer. OnDecisionTimeout picks what happens when it
	// fires.
	DecisionTimeout   time.Duration
	OnDecisionTimeout TimeoutAction

	// SpeculationEnabled turns predictive pre-execution on. The
	// controller also needs a speculator and a suggester for it to do
	// anything.
	SpeculationEnabled bool

	// AbortGracePeriod bounds how long an abort waits for in-flight
	// tools before declaring them leaked.
	AbortGracePeriod time.Duration

	// CheckpointEveryNLayers is the checkpoint cadence; 0 means every
	// layer, negative disables checkpointing.
	CheckpointEveryNLayers int

	// FailFast ends the run as failed after the first layer with a
	// non-safe-to-fail failure, instead of completing with a
	// partial-failure flag. Safe-to-fail failures never trip it.
	FailFast bool

	// Deadline bounds the whole run; 0 means none.
	Deadline time.Duration

	// EventBuffer sizes each subscriber's event buffer.
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.PerTaskTimeout <= 0 {
		o.PerTaskTimeout = executor.DefaultTaskTimeout
	}
	if o.DecisionTimeout == 0 {
		o.DecisionTimeout = DefaultDecisionTimeout
	}
	if o.OnDecisionTimeout == "" {
		o.OnDecisionTimeout = TimeoutProceed
	}
	if o.AbortGracePeriod <= 0 {
		o.AbortGracePeriod = executor.DefaultSettleGrace
	}
	if o.CheckpointEveryNLayers == 0 {
		o.CheckpointEveryNLayers = DefaultCheckpointCadence
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}
