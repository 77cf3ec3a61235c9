// ABOUTME: The controlled executor: one controller drives one workflow to a terminal phase.
// ABOUTME: Public surface: Execute, Resume, EnqueueCommand, Subscribe, accessors.

package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Casys-AI/casys-pml-sub002/internal/checkpoint"
	"github.com/Casys-AI/casys-pml-sub002/internal/dag"
	"github.com/Casys-AI/casys-pml-sub002/internal/events"
	"github.com/Casys-AI/casys-pml-sub002/internal/executor"
	"github.com/Casys-AI/casys-pml-sub002/internal/invoke"
	"github.com/Casys-AI/casys-pml-sub002/internal/planner"
	"github.com/Casys-AI/casys-pml-sub002/internal/speculative"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

const commandQueueSize = 64

// ApprovalVerifier checks approval tokens and returns the approver's
// subject. The controller accepts unverified approvals when built
// without one.
type ApprovalVerifier interface {
	Verify(token string) (string, error)
}

// Config assembles a Controller.
type Config struct {
	// Invoker executes tool tasks. Required.
	Invoker invoke.Invoker
	// Checkpoints persists snapshots and run summaries. Optional;
	// without it the workflow runs fine but cannot be resumed.
	Checkpoints checkpoint.Store
	// Suggester serves replans and next-task predictions. Optional.
	Suggester planner.Suggester
	// Approvals verifies approval tokens. Optional.
	Approvals ApprovalVerifier
	// Speculator pre-executes predicted tasks. Optional; also gated by
	// Options.SpeculationEnabled.
	Speculator *speculative.Executor

	Logger  *slog.Logger
	Options Options
}

// Controller runs one workflow: it schedules layers through the runner,
// drains the command inbox at layer boundaries, stops at decision gates,
// checkpoints at the configured cadence, and emits the event stream.
// A Controller is single-use; build a new one per workflow.
type Controller struct {
	invoker   invoke.Invoker
	store     checkpoint.Store
	suggester planner.Suggester
	approvals ApprovalVerifier
	spec      *speculative.Executor
	logger    *slog.Logger
	opts      Options

	commands    chan Command
	broadcaster *events.Broadcaster[events.Event]
	done        chan struct{}

	mu         sync.RWMutex
	phase      Phase
	started    bool
	workflowID string
	state      *WorkflowState
	exec       *executor.State

	// Owned by the run loop once started.
	structure     *dag.Structure
	runner        *executor.Runner
	startLayer    int
	startedAt     time.Time
	pausePending  bool
	deferred      []Command
	decidedLayers map[int]bool
	specCtx       context.Context
	specCancel    context.CancelFunc
}

// NewController creates a Controller from cfg.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.Options.withDefaults()
	return &Controller{
		invoker:       cfg.Invoker,
		store:         cfg.Checkpoints,
		suggester:     cfg.Suggester,
		approvals:     cfg.Approvals,
		spec:          cfg.Speculator,
		logger:        logger.With("component", "control"),
		opts:          opts,
		commands:      make(chan Command, commandQueueSize),
		broadcaster:   events.NewBroadcaster[events.Event](logger, opts.EventBuffer),
		done:          make(chan struct{}),
		phase:         PhaseIdle,
		decidedLayers: make(map[int]bool),
	}
}

// Execute starts the workflow for a built plan and returns its event
// stream. The stream ends shortly after a terminal event. The structure
// is cloned, so the caller's copy stays untouched.
func (c *Controller) Execute(ctx context.Context, s *dag.Structure) (<-chan events.Event, error) {
	if s == nil || len(s.Tasks) == 0 {
		return nil, ErrNoPlan
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.started = true
	id := c.opts.WorkflowID
	if id == "" {
		id = uuid.New().String()
	}
	c.workflowID = id
	c.structure = s.Clone()
	c.state = NewWorkflowState(id)
	c.exec = executor.NewState()
	c.startLayer = 0
	c.mu.Unlock()

	if c.opts.Intent != "" {
		c.state.AppendMessage(RoleUser, c.opts.Intent)
	}
	if len(c.opts.Context) > 0 {
		c.state.MergeContext(c.opts.Context)
	}
	return c.start(ctx)
}

// Resume restarts a workflow from its latest checkpoint. Settled tasks
// keep their recorded results; execution continues with the first
// unexecuted layer. Side-effecting tasks from layers after the last
// checkpoint may run again.
func (c *Controller) Resume(ctx context.Context, workflowID string) (<-chan events.Event, error) {
	if c.store == nil {
		return nil, ErrNoCheckpointStore
	}

	cp, err := c.store.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNoCheckpoint, workflowID)
	}
	var snap Snapshot
	if err := json.Unmarshal(cp.State, &snap); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	var s dag.Structure
	if err := json.Unmarshal(cp.Structure, &s); err != nil {
		return nil, fmt.Errorf("decode checkpoint structure: %w", err)
	}
	s.Reindex()

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.started = true
	c.workflowID = workflowID
	c.structure = &s
	c.state = FromSnapshot(snap)
	c.exec = executor.NewState()
	for _, rec := range snap.TaskRecords {
		c.exec.Record(rec)
	}
	c.startLayer = cp.Layer
	c.mu.Unlock()

	c.logger.Info("resuming workflow",
		"workflow", workflowID,
		"layer", cp.Layer,
		"revision", cp.Revision)
	return c.start(ctx)
}

func (c *Controller) start(ctx context.Context) (<-chan events.Event, error) {
	c.logger = c.logger.With("workflow", c.workflowID)
	c.runner = executor.NewRunner(executor.Config{
		Invoker:        c.invoker,
		Precomputed:    c.precomputed(),
		DefaultTimeout: c.opts.PerTaskTimeout,
		SettleGrace:    c.opts.AbortGracePeriod,
		MaxParallelism: c.opts.MaxParallelism,
		Logger:         c.logger,
	})
	stream, _ := c.broadcaster.Subscribe(ctx)
	go c.run(ctx)
	return stream, nil
}

func (c *Controller) precomputed() executor.Precomputed {
	if c.spec == nil || !c.opts.SpeculationEnabled {
		return nil
	}
	return c.spec
}

// EnqueueCommand queues cmd for the run loop. Commands are consumed in
// enqueue order at layer boundaries; abort and pause are additionally
// honored while a layer is in flight.
func (c *Controller) EnqueueCommand(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if c.Phase().Terminal() {
		return ErrWorkflowFinished
	}
	select {
	case c.commands <- cmd:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

// Subscribe attaches an additional event stream. After the workflow
// finishes, the returned channel is already closed.
func (c *Controller) Subscribe(ctx context.Context) (<-chan events.Event, string) {
	return c.broadcaster.Subscribe(ctx)
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// WorkflowID returns the workflow's ID, empty before Execute or Resume.
func (c *Controller) WorkflowID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workflowID
}

// Results returns a copy of all settled task results so far.
func (c *Controller) Results() map[string]task.Result {
	c.mu.RLock()
	exec := c.exec
	c.mu.RUnlock()
	if exec == nil {
		return map[string]task.Result{}
	}
	return exec.Results()
}

// Structure returns a copy of the workflow's plan. The run loop owns
// the plan while the workflow is in flight; call this only after Done
// has closed.
func (c *Controller) Structure() *dag.Structure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.structure == nil {
		return nil
	}
	return c.structure.Clone()
}

// StateSnapshot returns a point-in-time copy of the workflow state.
func (c *Controller) StateSnapshot() Snapshot {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state == nil {
		return Snapshot{}
	}
	return state.Snapshot()
}

// Done is closed when the run loop has fully finished, terminal event
// included.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) setPhase(to Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.phase.CanTransition(to) {
		c.logger.Error("illegal phase transition", "from", c.phase, "to", to)
	}
	c.phase = to
}

func (c *Controller) newEvent(kind events.Kind) events.Event {
	return events.New(kind, c.workflowID)
}

func (c *Controller) publish(ev events.Event) {
	c.broadcaster.Publish(ev)
}
