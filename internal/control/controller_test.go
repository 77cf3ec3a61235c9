// ABOUTME: End-to-end controller tests: lifecycle, commands, decisions, replans, resume.
// ABOUTME: Drives real runs on the simulator and asserts on the event stream.

package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Casys-AI/casys-pml-sub002/internal/cache"
	"github.com/Casys-AI/casys-pml-sub002/internal/catalog"
	"github.com/Casys-AI/casys-pml-sub002/internal/checkpoint"
	"github.com/Casys-AI/casys-pml-sub002/internal/dag"
	"github.com/Casys-AI/casys-pml-sub002/internal/events"
	"github.com/Casys-AI/casys-pml-sub002/internal/invoke"
	"github.com/Casys-AI/casys-pml-sub002/internal/planner"
	"github.com/Casys-AI/casys-pml-sub002/internal/speculative"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

const waitFor = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func toolTask(id string, deps ...string) *task.Task {
	return &task.Task{ID: id, Kind: task.KindTool, Tool: id, DependsOn: deps, SideEffect: true}
}

func buildStructure(t *testing.T, tasks ...*task.Task) *dag.Structure {
	t.Helper()
	s, err := dag.NewBuilder(testLogger()).Build(tasks)
	require.NoError(t, err)
	return s
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func eventsOfKind(evs []events.Event, k events.Kind) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func oneEventOfKind(t *testing.T, evs []events.Event, k events.Kind) events.Event {
	t.Helper()
	matches := eventsOfKind(evs, k)
	require.Len(t, matches, 1, "want exactly one %s in %v", k, kinds(evs))
	return matches[0]
}

// awaitEvent consumes the stream until it sees kind, returning everything
// consumed including the match.
func awaitEvent(t *testing.T, stream <-chan events.Event, kind events.Kind) []events.Event {
	t.Helper()
	var seen []events.Event
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-stream:
			require.True(t, ok, "stream closed before %s, saw %v", kind, kinds(seen))
			seen = append(seen, ev)
			if ev.Kind == kind {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, saw %v", kind, kinds(seen))
		}
	}
}

// awaitTaskStarted consumes the stream until the given task starts.
func awaitTaskStarted(t *testing.T, stream <-chan events.Event, id string) {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-stream:
			require.True(t, ok, "stream closed before task %s started", id)
			if ev.Kind == events.TaskStarted && ev.TaskID == id {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for task %s to start", id)
		}
	}
}

// collectEvents drains the stream until the broadcaster closes it.
func collectEvents(t *testing.T, stream <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream never closed, saw %v", kinds(out))
		}
	}
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("workflow did not finish in time")
	}
}

type fakeSuggester struct {
	mu      sync.Mutex
	replan  func(req planner.ReplanRequest) (*dag.Structure, error)
	predict func(s *dag.Structure, completed []task.Result) []planner.Prediction
	replans []planner.ReplanRequest
}

func (f *fakeSuggester) SuggestDAG(context.Context, string) (*dag.Structure, error) {
	return nil, planner.ErrNoSuggestion
}

func (f *fakeSuggester) ReplanDAG(_ context.Context, req planner.ReplanRequest) (*dag.Structure, error) {
	f.mu.Lock()
	f.replans = append(f.replans, req)
	fn := f.replan
	f.mu.Unlock()
	if fn == nil {
		return nil, planner.ErrReplanUnsupported
	}
	return fn(req)
}

func (f *fakeSuggester) PredictNextNodes(_ context.Context, s *dag.Structure, completed []task.Result) ([]planner.Prediction, error) {
	f.mu.Lock()
	fn := f.predict
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(s, completed), nil
}

func (f *fakeSuggester) replanRequests() []planner.ReplanRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]planner.ReplanRequest(nil), f.replans...)
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (string, error) {
	if token == "valid-token" {
		return "alice", nil
	}
	return "", errors.New("bad signature")
}

func TestController_ExecuteValidation(t *testing.T) {
	c := NewController(Config{Invoker: invoke.NewSimulator(testLogger()), Logger: testLogger()})

	_, err := c.Execute(t.Context(), nil)
	assert.ErrorIs(t, err, ErrNoPlan)

	_, err = c.Execute(t.Context(), &dag.Structure{})
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestController_RunsLayersAndCompletes(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	s := buildStructure(t, toolTask("A"), toolTask("B", "A"))

	c := NewController(Config{
		Invoker: sim,
		Logger:  testLogger(),
		Options: Options{Intent: "fetch and report"},
	})
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)

	_, err = c.Execute(t.Context(), s)
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	evs := collectEvents(t, stream)
	waitDone(t, c)

	require.NotEmpty(t, evs)
	assert.Equal(t, events.WorkflowStarted, evs[0].Kind)
	assert.Equal(t, 2, evs[0].Payload["tasks"])
	assert.Equal(t, 2, evs[0].Payload["layers"])

	assert.Len(t, eventsOfKind(evs, events.LayerStarted), 2)
	assert.Len(t, eventsOfKind(evs, events.TaskStarted), 2)
	assert.Len(t, eventsOfKind(evs, events.TaskSucceeded), 2)
	assert.Len(t, eventsOfKind(evs, events.LayerCompleted), 2)

	final := evs[len(evs)-1]
	assert.Equal(t, events.WorkflowCompleted, final.Kind)
	assert.Equal(t, false, final.Payload["partial_failure"])
	assert.Equal(t, 2, final.Payload["succeeded"])

	assert.Equal(t, PhaseCompleted, c.Phase())
	assert.Equal(t, 1, sim.Calls("A"))
	assert.Equal(t, 1, sim.Calls("B"))

	results := c.Results()
	require.Len(t, results, 2)
	assert.Equal(t, task.StatusSucceeded, results["A"].Status)
	assert.Equal(t, task.StatusSucceeded, results["B"].Status)

	snap := c.StateSnapshot()
	require.NotEmpty(t, snap.Messages)
	assert.Equal(t, RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "fetch and report", snap.Messages[0].Content)
	assert.Equal(t, 2, snap.CurrentLayer)

	err = c.EnqueueCommand(Command{Kind: CommandPause})
	assert.ErrorIs(t, err, ErrWorkflowFinished)
}

func TestController_PartialFailureSkipsDependents(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("A", invoke.SimulatedTool{Fail: "upstream 500"})

	s := buildStructure(t, toolTask("A"), toolTask("B", "A"), toolTask("C"))
	c := NewController(Config{Invoker: sim, Logger: testLogger()})

	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	evs := collectEvents(t, stream)
	waitDone(t, c)

	failed := oneEventOfKind(t, evs, events.TaskFailed)
	assert.Equal(t, "A", failed.TaskID)
	assert.Contains(t, failed.Error, "upstream 500")

	skipped := oneEventOfKind(t, evs, events.TaskSkipped)
	assert.Equal(t, "B", skipped.TaskID)
	assert.Equal(t, task.SkipReason("A"), skipped.Payload["reason"])

	// Failure elsewhere in the plan does not fail the workflow.
	final := oneEventOfKind(t, evs, events.WorkflowCompleted)
	assert.Equal(t, true, final.Payload["partial_failure"])
	statuses := final.Payload["task_statuses"].(map[string]string)
	assert.Equal(t, "failed", statuses["A"])
	assert.Equal(t, "skipped", statuses["B"])
	assert.Equal(t, "succeeded", statuses["C"])
	assert.Equal(t, PhaseCompleted, c.Phase())
	assert.Equal(t, 0, sim.Calls("B"))
}

func TestController_FailFastStopsScheduling(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("A", invoke.SimulatedTool{Fail: "boom"})

	s := buildStructure(t, toolTask("A"), toolTask("C"), toolTask("B", "C"))
	c := NewController(Config{
		Invoker: sim,
		Logger:  testLogger(),
		Options: Options{FailFast: true},
	})

	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	evs := collectEvents(t, stream)
	waitDone(t, c)

	final := oneEventOfKind(t, evs, events.WorkflowFailed)
	assert.Contains(t, final.Payload["reason"], "fail-fast")
	assert.Equal(t, 1, final.Payload["pending"])
	assert.Equal(t, PhaseFailed, c.Phase())
	assert.Equal(t, 0, sim.Calls("B"))
}

func TestController_FailFastIgnoresSafeToFailFailures(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("flaky", invoke.SimulatedTool{Fail: "boom"})

	flaky := &task.Task{ID: "flaky", Kind: task.KindTool, Tool: "flaky"}
	s := buildStructure(t, flaky, toolTask("solid"))
	c := NewController(Config{
		Invoker: sim,
		Logger:  testLogger(),
		Options: Options{FailFast: true},
	})

	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	evs := collectEvents(t, stream)
	waitDone(t, c)

	final := oneEventOfKind(t, evs, events.WorkflowCompleted)
	assert.Equal(t, true, final.Payload["partial_failure"])
	statuses := final.Payload["task_statuses"].(map[string]string)
	assert.Equal(t, "failed", statuses["flaky"])
	assert.Equal(t, "succeeded", statuses["solid"])
	assert.Equal(t, PhaseCompleted, c.Phase())
}

func TestController_AbortSettlesWithinGrace(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("deaf", invoke.SimulatedTool{Hang: 2 * time.Second})

	s := buildStructure(t, toolTask("deaf"), toolTask("next", "deaf"))
	c := NewController(Config{
		Invoker: sim,
		Logger:  testLogger(),
		Options: Options{AbortGracePeriod: 100 * time.Millisecond},
	})

	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	seen := awaitEvent(t, stream, events.TaskStarted)

	aborted := time.Now()
	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandAbort, Reason: "operator stop"}))
	evs := append(seen, collectEvents(t, stream)...)
	waitDone(t, c)

	// Settled well before the 2s hang: cancellation plus the grace period.
	assert.Less(t, time.Since(aborted), time.Second)

	assert.Len(t, eventsOfKind(evs, events.TaskLeaked), 1)
	final := oneEventOfKind(t, evs, events.WorkflowAborted)
	assert.Equal(t, "operator stop", final.Payload["reason"])
	assert.Equal(t, PhaseAborted, c.Phase())
	assert.Equal(t, 0, sim.Calls("next"))
}

func TestController_PauseAppliesAtBoundary(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("slow", invoke.SimulatedTool{Latency: 120 * time.Millisecond})

	s := buildStructure(t, toolTask("slow"), toolTask("later", "slow"))
	c := NewController(Config{Invoker: sim, Logger: testLogger()})

	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)

	// Pause lands mid-layer and must wait for the layer to settle.
	awaitEvent(t, stream, events.TaskStarted)
	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandPause}))

	seen := awaitEvent(t, stream, events.WorkflowPaused)
	assert.Len(t, eventsOfKind(seen, events.LayerCompleted), 1, "pause must not interrupt the running layer")
	assert.Empty(t, eventsOfKind(seen, events.TaskSkipped))
	assert.Equal(t, PhasePaused, c.Phase())
	assert.Equal(t, 1, sim.Calls("slow"))
	assert.Equal(t, 0, sim.Calls("later"))

	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandContinue}))
	awaitEvent(t, stream, events.WorkflowResumed)
	evs := collectEvents(t, stream)
	waitDone(t, c)

	oneEventOfKind(t, evs, events.WorkflowCompleted)
	assert.Equal(t, PhaseCompleted, c.Phase())
	assert.Equal(t, 1, sim.Calls("later"))
}

func TestController_ContinueWithoutPauseRejected(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("slow", invoke.SimulatedTool{Latency: 80 * time.Millisecond})

	s := buildStructure(t, toolTask("slow"))
	c := NewController(Config{Invoker: sim, Logger: testLogger()})

	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	awaitEvent(t, stream, events.TaskStarted)
	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandContinue}))

	evs := collectEvents(t, stream)
	waitDone(t, c)

	rejected := oneEventOfKind(t, evs, events.CommandRejected)
	assert.Equal(t, "continue", rejected.Payload["command"])
	assert.Contains(t, rejected.Error, "not paused")
	assert.Equal(t, PhaseCompleted, c.Phase())
}

func TestController_DecisionApproved(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	s := buildStructure(t, toolTask("A"), toolTask("B", "A"))

	c := NewController(Config{
		Invoker: sim,
		Logger:  testLogger(),
		Options: Options{DecisionLayers: []int{0}},
	})
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)

	seen := awaitEvent(t, stream, events.DecisionRequired)
	required := seen[len(seen)-1]
	assert.Equal(t, 1, required.Layer)
	assert.Empty(t, required.Payload["approval_tasks"])
	assert.Equal(t, "2m0s", required.Payload["timeout"])
	assert.Equal(t, PhaseAwaitingDecision, c.Phase())
	assert.Equal(t, 0, sim.Calls("B"))

	require.NoError(t, c.EnqueueCommand(Command{
		Kind:       CommandApproval,
		Approved:   true,
		ApprovedBy: "sre-on-call",
	}))
	evs := append(seen, collectEvents(t, stream)...)
	waitDone(t, c)

	resolved := oneEventOfKind(t, evs, events.DecisionResolved)
	assert.Equal(t, true, resolved.Payload["approved"])
	oneEventOfKind(t, evs, events.WorkflowCompleted)
	assert.Equal(t, 1, sim.Calls("B"))

	decisions := c.StateSnapshot().Decisions
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionSourceApproval, decisions[0].Source)
	assert.True(t, decisions[0].Approved)
	assert.Equal(t, "sre-on-call", decisions[0].ApprovedBy)
	assert.Equal(t, 1, decisions[0].Layer)
	assert.NotEmpty(t, decisions[0].ID)
}

func TestController_DecisionDenied(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	s := buildStructure(t, toolTask("A"), toolTask("B", "A"))

	c := NewController(Config{
		Invoker: sim,
		Logger:  testLogger(),
		Options: Options{DecisionLayers: []int{0}, DecisionTimeout: -1},
	})
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)

	seen := awaitEvent(t, stream, events.DecisionRequired)
	_, hasTimeout := seen[len(seen)-1].Payload["timeout"]
	assert.False(t, hasTimeout, "negative timeout disables the timer")

	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandApproval, Approved: false}))
	evs := append(seen, collectEvents(t, stream)...)
	waitDone(t, c)

	final := oneEventOfKind(t, evs, events.WorkflowAborted)
	assert.Equal(t, "approval denied", final.Payload["reason"])
	statuses := final.Payload["task_statuses"].(map[string]string)
	assert.Equal(t, "succeeded", statuses["A"])
	assert.Equal(t, "pending", statuses["B"])
	assert.Equal(t, 0, sim.Calls("B"))
}

func TestController_DecisionTimeoutProceeds(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	s := buildStructure(t, toolTask("A"), toolTask("B", "A"))

	c := NewController(Config{
		Invoker: sim,
		Logger:  testLogger(),
		Options: Options{DecisionLayers: []int{0}, DecisionTimeout: 80 * time.Millisecond},
	})
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	evs := collectEvents(t, stream)
	waitDone(t, c)

	timeout := oneEventOfKind(t, evs, events.DecisionTimeout)
	assert.Equal(t, "proceed", timeout.Payload["action"])
	oneEventOfKind(t, evs, events.WorkflowCompleted)
	assert.Equal(t, 1, sim.Calls("B"))

	decisions := c.StateSnapshot().Decisions
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionSourceTimeout, decisions[0].Source)
	assert.True(t, decisions[0].Approved)
}

func TestController_DecisionTimeoutAborts(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	s := buildStructure(t, toolTask("A"), toolTask("B", "A"))

	c := NewController(Config{
		Invoker: sim,
		Logger:  testLogger(),
		Options: Options{
			DecisionLayers:    []int{0},
			DecisionTimeout:   80 * time.Millisecond,
			OnDecisionTimeout: TimeoutAbort,
		},
	})
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	evs := collectEvents(t, stream)
	waitDone(t, c)

	final := oneEventOfKind(t, evs, events.WorkflowAborted)
	assert.Equal(t, "decision timeout", final.Payload["reason"])
	assert.Equal(t, 0, sim.Calls("B"))
}

func TestController_ApprovalTaskGatesLayer(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	danger := toolTask("drop-index")
	danger.Approval = true
	s := buildStructure(t, danger)

	c := NewController(Config{Invoker: sim, Logger: testLogger()})
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)

	seen := awaitEvent(t, stream, events.DecisionRequired)
	required := seen[len(seen)-1]
	assert.Equal(t, 0, required.Layer)
	assert.Equal(t, []string{"drop-index"}, required.Payload["approval_tasks"])
	assert.Equal(t, 0, sim.Calls("drop-index"))

	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandApproval, Approved: true}))
	evs := append(seen, collectEvents(t, stream)...)
	waitDone(t, c)

	oneEventOfKind(t, evs, events.WorkflowCompleted)
	assert.Equal(t, 1, sim.Calls("drop-index"))
}

func TestController_ApprovalTokenVerified(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	s := buildStructure(t, toolTask("A"), toolTask("B", "A"))

	c := NewController(Config{
		Invoker:   sim,
		Approvals: fakeVerifier{},
		Logger:    testLogger(),
		Options:   Options{DecisionLayers: []int{0}, DecisionTimeout: -1},
	})
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	awaitEvent(t, stream, events.DecisionRequired)

	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandApproval, Approved: true}))
	seen := awaitEvent(t, stream, events.CommandRejected)
	assert.Contains(t, seen[len(seen)-1].Error, "token required")
	assert.Equal(t, PhaseAwaitingDecision, c.Phase())

	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandApproval, Approved: true, Token: "forged"}))
	seen = awaitEvent(t, stream, events.CommandRejected)
	assert.Contains(t, seen[len(seen)-1].Error, "token rejected")
	assert.Equal(t, PhaseAwaitingDecision, c.Phase())

	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandApproval, Approved: true, Token: "valid-token"}))
	evs := collectEvents(t, stream)
	waitDone(t, c)

	resolved := oneEventOfKind(t, evs, events.DecisionResolved)
	assert.Equal(t, "alice", resolved.Payload["approved_by"])
	oneEventOfKind(t, evs, events.WorkflowCompleted)

	decisions := c.StateSnapshot().Decisions
	require.Len(t, decisions, 1)
	assert.Equal(t, "alice", decisions[0].ApprovedBy)
}

func TestController_ReplanExtendsPlan(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("A", invoke.SimulatedTool{Latency: 100 * time.Millisecond})

	suggester := &fakeSuggester{
		replan: func(planner.ReplanRequest) (*dag.Structure, error) {
			return &dag.Structure{Tasks: []*task.Task{toolTask("B", "A")}}, nil
		},
	}
	s := buildStructure(t, toolTask("A"))
	c := NewController(Config{Invoker: sim, Suggester: suggester, Logger: testLogger()})

	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)

	// Mid-layer replans defer to the boundary; the running layer is
	// never disturbed.
	awaitEvent(t, stream, events.TaskStarted)
	require.NoError(t, c.EnqueueCommand(Command{
		Kind:           CommandReplan,
		NewRequirement: "also summarize the results",
	}))

	seen := awaitEvent(t, stream, events.ReplanApplied)
	applied := seen[len(seen)-1]
	assert.Equal(t, 2, applied.Payload["revision"])
	assert.Equal(t, 2, applied.Payload["tasks"])
	assert.Equal(t, 1, applied.Payload["frozen_layers"])
	assert.Len(t, eventsOfKind(seen, events.LayerCompleted), 1, "replan applies only after the layer settles")

	evs := append(seen, collectEvents(t, stream)...)
	waitDone(t, c)

	final := oneEventOfKind(t, evs, events.WorkflowCompleted)
	assert.Equal(t, 2, final.Payload["revision"])
	assert.Equal(t, 1, sim.Calls("B"))

	reqs := suggester.replanRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "also summarize the results", reqs[0].NewRequirement)
	require.Len(t, reqs[0].Completed, 1)
	assert.Equal(t, "A", reqs[0].Completed[0].TaskID)
}

func TestController_ReplanConflictKeepsPlan(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("A", invoke.SimulatedTool{Latency: 100 * time.Millisecond})

	// The proposal only restates the already-executed task, so the merge
	// has nothing to graft.
	suggester := &fakeSuggester{
		replan: func(planner.ReplanRequest) (*dag.Structure, error) {
			return &dag.Structure{Tasks: []*task.Task{toolTask("A")}}, nil
		},
	}
	s := buildStructure(t, toolTask("A"))
	c := NewController(Config{Invoker: sim, Suggester: suggester, Logger: testLogger()})

	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	awaitEvent(t, stream, events.TaskStarted)
	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandReplan, NewRequirement: "redo everything"}))

	evs := collectEvents(t, stream)
	waitDone(t, c)

	rejected := oneEventOfKind(t, evs, events.ReplanRejected)
	assert.Contains(t, rejected.Error, "adds no unscheduled tasks")
	assert.Empty(t, eventsOfKind(evs, events.ReplanApplied))

	final := oneEventOfKind(t, evs, events.WorkflowCompleted)
	assert.Equal(t, 1, final.Payload["revision"])
}

func TestController_ReplanWithoutSuggesterRejected(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("A", invoke.SimulatedTool{Latency: 80 * time.Millisecond})

	s := buildStructure(t, toolTask("A"))
	c := NewController(Config{Invoker: sim, Logger: testLogger()})

	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	awaitEvent(t, stream, events.TaskStarted)
	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandReplan, NewRequirement: "add a step"}))

	evs := collectEvents(t, stream)
	waitDone(t, c)

	rejected := oneEventOfKind(t, evs, events.CommandRejected)
	assert.Contains(t, rejected.Error, "no suggester")
	oneEventOfKind(t, evs, events.WorkflowCompleted)
}

func TestController_CheckpointsEachLayer(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	store := checkpoint.NewMemoryStore()
	s := buildStructure(t, toolTask("A"), toolTask("B", "A"))

	c := NewController(Config{
		Invoker:     sim,
		Checkpoints: store,
		Logger:      testLogger(),
		Options:     Options{WorkflowID: "wf-ckpt"},
	})
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	evs := collectEvents(t, stream)
	waitDone(t, c)

	saved := eventsOfKind(evs, events.CheckpointSaved)
	require.Len(t, saved, 2)
	assert.Equal(t, 1, saved[0].Layer)
	assert.Equal(t, 2, saved[1].Layer)
	assert.NotEmpty(t, saved[0].Payload["checkpoint_id"])

	cp, err := store.Load(t.Context(), "wf-ckpt")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.Layer)
	assert.Equal(t, 1, cp.Revision)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(cp.State, &snap))
	assert.Equal(t, 2, snap.CurrentLayer)
	assert.Len(t, snap.TaskRecords, 2)

	sums, err := store.ListSummaries(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "completed", sums[0].Phase)
	assert.False(t, sums[0].PartialFailure)
	assert.Equal(t, "succeeded", sums[0].TaskStatuses["B"])
}

type failingSaveStore struct {
	*checkpoint.MemoryStore
}

func (f *failingSaveStore) Save(context.Context, *checkpoint.Checkpoint) (string, error) {
	return "", errors.New("disk full")
}

func TestController_CheckpointFailureIsNonFatal(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	store := &failingSaveStore{MemoryStore: checkpoint.NewMemoryStore()}
	s := buildStructure(t, toolTask("A"), toolTask("B", "A"))

	c := NewController(Config{Invoker: sim, Checkpoints: store, Logger: testLogger()})
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	evs := collectEvents(t, stream)
	waitDone(t, c)

	failures := eventsOfKind(evs, events.CheckpointFailed)
	require.NotEmpty(t, failures)
	assert.Contains(t, failures[0].Error, "disk full")
	assert.Empty(t, eventsOfKind(evs, events.CheckpointSaved))

	// The run itself is unharmed, and the summary still lands.
	oneEventOfKind(t, evs, events.WorkflowCompleted)
	sums, err := store.ListSummaries(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "completed", sums[0].Phase)
}

func TestController_ResumeFromCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()

	sim := invoke.NewSimulator(testLogger())
	sim.Register("A", invoke.SimulatedTool{Output: map[string]any{"x": "one"}})
	sim.Register("B", invoke.SimulatedTool{Hang: 2 * time.Second})

	b := toolTask("B", "A")
	b.Arguments = map[string]any{"v": "$A.x"}
	s := buildStructure(t, toolTask("A"), b)

	first := NewController(Config{
		Invoker:     sim,
		Checkpoints: store,
		Logger:      testLogger(),
		Options: Options{
			WorkflowID:       "wf-resume",
			AbortGracePeriod: 50 * time.Millisecond,
		},
	})
	stream, err := first.Execute(t.Context(), s)
	require.NoError(t, err)

	// Layer 0 checkpoints before B starts hanging; abort strands the run
	// with B unexecuted.
	awaitTaskStarted(t, stream, "B")
	require.NoError(t, first.EnqueueCommand(Command{Kind: CommandAbort, Reason: "machine going down"}))
	collectEvents(t, stream)
	waitDone(t, first)
	assert.Equal(t, PhaseAborted, first.Phase())

	cp, err := store.Load(t.Context(), "wf-resume")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, 1, cp.Layer)

	// Second process: A must come from the checkpoint, never re-run.
	var aRuns atomic.Int32
	var got atomic.Value
	inv := invoke.Func(func(_ context.Context, tk *task.Task, args map[string]any) (map[string]any, error) {
		if tk.ID == "A" {
			aRuns.Add(1)
			return nil, errors.New("must not re-run")
		}
		got.Store(args["v"])
		return map[string]any{"result": "ok"}, nil
	})

	second := NewController(Config{Invoker: inv, Checkpoints: store, Logger: testLogger()})
	stream2, err := second.Resume(t.Context(), "wf-resume")
	require.NoError(t, err)
	evs := collectEvents(t, stream2)
	waitDone(t, second)

	assert.Equal(t, "wf-resume", second.WorkflowID())
	started := oneEventOfKind(t, evs, events.WorkflowStarted)
	assert.Equal(t, 1, started.Payload["resumed_from_layer"])

	final := oneEventOfKind(t, evs, events.WorkflowCompleted)
	statuses := final.Payload["task_statuses"].(map[string]string)
	assert.Equal(t, "succeeded", statuses["A"])
	assert.Equal(t, "succeeded", statuses["B"])

	assert.Equal(t, int32(0), aRuns.Load())
	// B's argument resolved from the checkpointed result of A.
	assert.Equal(t, "one", got.Load())

	sums, err := store.ListSummaries(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "completed", sums[0].Phase)
}

func TestController_ResumeUnknownWorkflow(t *testing.T) {
	c := NewController(Config{
		Invoker:     invoke.NewSimulator(testLogger()),
		Checkpoints: checkpoint.NewMemoryStore(),
		Logger:      testLogger(),
	})
	_, err := c.Resume(t.Context(), "never-ran")
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)

	noStore := NewController(Config{Invoker: invoke.NewSimulator(testLogger()), Logger: testLogger()})
	_, err = noStore.Resume(t.Context(), "wf")
	assert.ErrorIs(t, err, ErrNoCheckpointStore)
}

func TestController_SpeculativeResultCommits(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("fetch", invoke.SimulatedTool{Latency: 5 * time.Millisecond, Output: map[string]any{"body": "hello"}})

	reg := catalog.NewRegistry(testLogger(), cache.New[catalog.Descriptor](time.Minute, 16))
	t.Cleanup(func() { reg.Close() })
	require.NoError(t, reg.RegisterBuiltin(catalog.Descriptor{
		Name: "fetch", Category: "read", Cost: 0.01, DurationRaw: "10ms",
	}))

	specCache := cache.New[speculative.CachedResult](time.Minute, 32)
	spec := speculative.NewExecutor(speculative.Config{
		Invoker: sim,
		Catalog: reg,
		Cache:   specCache,
		Logger:  testLogger(),
	})
	t.Cleanup(func() { spec.Close() })

	suggester := &fakeSuggester{
		predict: func(_ *dag.Structure, completed []task.Result) []planner.Prediction {
			if len(completed) == 0 {
				return nil
			}
			return []planner.Prediction{{
				Task: &task.Task{
					ID: "B", Kind: task.KindTool, Tool: "fetch",
					Arguments: map[string]any{"url": "http://a"},
				},
				Confidence: 0.99,
			}}
		},
	}

	b := &task.Task{
		ID: "B", Kind: task.KindTool, Tool: "fetch",
		Arguments: map[string]any{"url": "http://a"},
		DependsOn: []string{"A"},
	}
	s := buildStructure(t, toolTask("A"), b)

	c := NewController(Config{
		Invoker:    sim,
		Suggester:  suggester,
		Speculator: spec,
		Logger:     testLogger(),
		Options: Options{
			SpeculationEnabled: true,
			// The gate before layer 1 holds the schedule while the
			// speculative run finishes.
			DecisionLayers:  []int{0},
			DecisionTimeout: -1,
		},
	})
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)

	awaitEvent(t, stream, events.DecisionRequired)
	require.Eventually(t, func() bool { return specCache.Len() == 1 }, waitFor, 5*time.Millisecond,
		"speculative result never reached the cache")
	assert.Equal(t, 1, sim.Calls("fetch"))

	require.NoError(t, c.EnqueueCommand(Command{Kind: CommandApproval, Approved: true}))
	evs := collectEvents(t, stream)
	waitDone(t, c)

	committed := oneEventOfKind(t, evs, events.SpeculationCommitted)
	assert.Equal(t, "B", committed.TaskID)
	oneEventOfKind(t, evs, events.WorkflowCompleted)

	// One speculative invocation, zero real ones.
	assert.Equal(t, 1, sim.Calls("fetch"))
	res := c.Results()["B"]
	assert.True(t, res.Speculative)
	assert.Equal(t, "hello", res.Output["body"])

	stats := spec.Stats()
	assert.Equal(t, 1, stats.Launched)
	assert.Equal(t, 1, stats.Committed)
	assert.Equal(t, 0, stats.Discarded)
}

func TestController_DeadlineAborts(t *testing.T) {
	sim := invoke.NewSimulator(testLogger())
	sim.Register("slow", invoke.SimulatedTool{Latency: 2 * time.Second})

	s := buildStructure(t, toolTask("slow"))
	c := NewController(Config{
		Invoker: sim,
		Logger:  testLogger(),
		Options: Options{Deadline: 80 * time.Millisecond},
	})

	start := time.Now()
	stream, err := c.Execute(t.Context(), s)
	require.NoError(t, err)
	evs := collectEvents(t, stream)
	waitDone(t, c)

	assert.Less(t, time.Since(start), time.Second)
	final := oneEventOfKind(t, evs, events.WorkflowAborted)
	assert.Contains(t, final.Payload["reason"], "deadline")
	assert.Equal(t, PhaseAborted, c.Phase())
}
