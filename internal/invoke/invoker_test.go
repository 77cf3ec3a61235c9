// ABOUTME: Tests for kind dispatch, transforms, and the simulator.
// ABOUTME: Covers unknown kinds, cancellation behavior, and hang mode.

package invoke

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDispatcher(t *testing.T) (*Dispatcher, *Simulator) {
	t.Helper()
	sim := NewSimulator(testLogger())
	return NewDispatcher(sim, testLogger()), sim
}

func TestDispatcher_NoopCompletesEmpty(t *testing.T) {
	d, _ := newDispatcher(t)

	out, err := d.Invoke(t.Context(), &task.Task{ID: "n", Kind: task.KindNoop}, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDispatcher_ToolDelegates(t *testing.T) {
	d, sim := newDispatcher(t)
	sim.Register("greet", SimulatedTool{Output: map[string]any{"text": "hi"}})

	out, err := d.Invoke(t.Context(), &task.Task{ID: "g", Kind: task.KindTool, Tool: "greet"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["text"])
	assert.Equal(t, 1, sim.Calls("greet"))
}

func TestDispatcher_UnknownKind(t *testing.T) {
	d, _ := newDispatcher(t)

	_, err := d.Invoke(t.Context(), &task.Task{ID: "x", Kind: "mystery"}, nil)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestTransform_PickFields(t *testing.T) {
	d, _ := newDispatcher(t)

	tk := &task.Task{ID: "p", Kind: task.KindTransform, Tool: TransformPickFields}
	args := map[string]any{
		"source": map[string]any{"a": 1, "b": 2, "c": 3},
		"fields": []any{"a", "c", "missing"},
	}

	out, err := d.Invoke(t.Context(), tk, args)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "c": 3}, out)
}

func TestTransform_PickFieldsToleratesUnavailableSource(t *testing.T) {
	d, _ := newDispatcher(t)

	tk := &task.Task{ID: "p", Kind: task.KindTransform, Tool: TransformPickFields}
	args := map[string]any{"source": task.Unavailable, "fields": []any{"a"}}

	out, err := d.Invoke(t.Context(), tk, args)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTransform_MergeObjects(t *testing.T) {
	d, _ := newDispatcher(t)

	tk := &task.Task{ID: "m", Kind: task.KindTransform, Tool: TransformMergeObjects}
	args := map[string]any{
		"b_second": map[string]any{"x": 2, "y": 20},
		"a_first":  map[string]any{"x": 1},
		"ignored":  "not an object",
	}

	out, err := d.Invoke(t.Context(), tk, args)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 2, "y": 20}, out, "later argument name wins")
}

func TestTransform_RenameField(t *testing.T) {
	d, _ := newDispatcher(t)

	tk := &task.Task{ID: "r", Kind: task.KindTransform, Tool: TransformRenameField}
	args := map[string]any{
		"source": map[string]any{"old": 1, "keep": 2},
		"from":   "old",
		"to":     "new",
	}

	out, err := d.Invoke(t.Context(), tk, args)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"new": 1, "keep": 2}, out)
}

func TestTransform_Const(t *testing.T) {
	d, _ := newDispatcher(t)

	tk := &task.Task{ID: "c", Kind: task.KindTransform, Tool: TransformConst}
	out, err := d.Invoke(t.Context(), tk, map[string]any{"seed": 7})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"seed": 7}, out)
}

func TestTransform_Unknown(t *testing.T) {
	d, _ := newDispatcher(t)

	tk := &task.Task{ID: "u", Kind: task.KindTransform, Tool: "explode"}
	_, err := d.Invoke(t.Context(), tk, nil)
	assert.True(t, errors.Is(err, ErrUnknownTransform))
}

func TestSimulator_DefaultOutput(t *testing.T) {
	sim := NewSimulator(testLogger())

	out, err := sim.Invoke(t.Context(), &task.Task{ID: "x", Kind: task.KindTool, Tool: "anything"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "ok"}, out)
}

func TestSimulator_Failure(t *testing.T) {
	sim := NewSimulator(testLogger())
	sim.Register("broken", SimulatedTool{Fail: "backend unavailable"})

	_, err := sim.Invoke(t.Context(), &task.Task{ID: "x", Kind: task.KindTool, Tool: "broken"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
}

func TestSimulator_CancellationDuringLatency(t *testing.T) {
	sim := NewSimulator(testLogger())
	sim.Register("slow", SimulatedTool{Latency: 5 * time.Second})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := sim.Invoke(ctx, &task.Task{ID: "x", Kind: task.KindTool, Tool: "slow"}, nil)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("simulator ignored cancellation")
	}
}

func TestSimulator_HangIgnoresCancellation(t *testing.T) {
	sim := NewSimulator(testLogger())
	sim.Register("stuck", SimulatedTool{Hang: 150 * time.Millisecond})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	start := time.Now()
	_, err := sim.Invoke(ctx, &task.Task{ID: "x", Kind: task.KindTool, Tool: "stuck"}, nil)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Error(t, err, "hang still reports the cancelled context after waking")
}

func TestSimulator_OutputIsCopied(t *testing.T) {
	sim := NewSimulator(testLogger())
	sim.Register("canned", SimulatedTool{Output: map[string]any{"n": 1}})

	tk := &task.Task{ID: "x", Kind: task.KindTool, Tool: "canned"}
	out1, err := sim.Invoke(t.Context(), tk, nil)
	require.NoError(t, err)
	out1["n"] = 99

	out2, err := sim.Invoke(t.Context(), tk, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out2["n"])
	assert.Equal(t, 2, sim.Calls("canned"))
}

func TestBuiltinDescriptors(t *testing.T) {
	descs := BuiltinDescriptors()
	require.Len(t, descs, 4)
	for _, d := range descs {
		assert.False(t, d.SideEffect)
		assert.Equal(t, "transform", d.Category)
		assert.False(t, d.Dangerous())
	}
}
