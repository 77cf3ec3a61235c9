// ABOUTME: Tests for replan merging onto a partially executed plan.
// ABOUTME: Covers frozen prefixes, cycle rejection, and revision bumps.

package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

func buildPlan(t *testing.T, tasks ...*task.Task) *Structure {
	t.Helper()
	s, err := NewBuilder(testLogger()).Build(tasks)
	require.NoError(t, err)
	return s
}

func TestMerge_ReplacesUnscheduledPortion(t *testing.T) {
	cur := buildPlan(t,
		toolTask("fetch"),
		toolTask("parse", "fetch"),
		toolTask("report", "parse"),
	)
	cur.Tasks[0].Status = task.StatusSucceeded

	// Replan after layer 0: keep fetch, swap parse/report for a new pair.
	proposed := buildPlan(t,
		toolTask("fetch"),
		toolTask("extract", "fetch"),
		toolTask("rank", "extract"),
	)

	merged, err := Merge(cur, proposed, 1)
	require.NoError(t, err)

	assert.Equal(t, cur.Revision+1, merged.Revision)
	assert.Equal(t, [][]string{{"fetch"}, {"extract"}, {"rank"}}, merged.Layers)

	kept, ok := merged.TaskByID("fetch")
	require.True(t, ok)
	assert.Equal(t, task.StatusSucceeded, kept.Status, "frozen task keeps its record")

	_, dropped := merged.TaskByID("parse")
	assert.False(t, dropped, "replan may drop pending tasks")
}

func TestMerge_CycleRejectedKeepsCurrent(t *testing.T) {
	cur := buildPlan(t,
		toolTask("a"),
		toolTask("b", "a"),
	)

	proposed := &Structure{
		Tasks: []*task.Task{toolTask("a"), toolTask("x"), toolTask("y")},
		Edges: []Edge{
			{Source: "x", Target: "y"},
			{Source: "y", Target: "x"},
		},
	}

	merged, err := Merge(cur, proposed, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplanConflict))
	assert.True(t, errors.Is(err, ErrCyclicDependency))
	assert.Same(t, cur, merged, "current plan retained on conflict")
	assert.Equal(t, 1, cur.Revision)
}

func TestMerge_EdgeIntoExecutedPrefixRejected(t *testing.T) {
	cur := buildPlan(t,
		toolTask("done"),
		toolTask("pending", "done"),
	)

	proposed := &Structure{
		Tasks: []*task.Task{toolTask("done"), toolTask("late")},
		Edges: []Edge{{Source: "late", Target: "done"}},
	}

	merged, err := Merge(cur, proposed, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplanConflict))
	assert.Contains(t, err.Error(), "already-executed")
	assert.Same(t, cur, merged)
}

func TestMerge_NoNewTasksRejected(t *testing.T) {
	cur := buildPlan(t, toolTask("a"), toolTask("b", "a"))

	proposed := &Structure{Tasks: []*task.Task{toolTask("a"), toolTask("b")}}

	_, err := Merge(cur, proposed, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplanConflict))
}

func TestMerge_EmptyProposalRejected(t *testing.T) {
	cur := buildPlan(t, toolTask("a"))

	_, err := Merge(cur, nil, 0)
	assert.True(t, errors.Is(err, ErrReplanConflict))

	_, err = Merge(cur, &Structure{}, 0)
	assert.True(t, errors.Is(err, ErrReplanConflict))
}

func TestMerge_AppendsAfterFullExecution(t *testing.T) {
	cur := buildPlan(t, toolTask("a"), toolTask("b", "a"))

	proposed := &Structure{
		Tasks: []*task.Task{toolTask("followup")},
		Edges: []Edge{{Source: "b", Target: "followup"}},
	}

	merged, err := Merge(cur, proposed, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"followup"}}, merged.Layers)
	assert.Equal(t, []string{"b"}, merged.Dependencies("followup"))
}

func TestMerge_LayerInvariantHolds(t *testing.T) {
	cur := buildPlan(t,
		toolTask("a"),
		toolTask("b", "a"),
		toolTask("c", "b"),
	)

	proposed := &Structure{
		Tasks: []*task.Task{
			toolTask("a"),
			toolTask("n1"),
			toolTask("n2", "n1"),
			toolTask("n3", "n1", "n2"),
		},
		Edges: []Edge{{Source: "a", Target: "n1"}},
	}

	merged, err := Merge(cur, proposed, 1)
	require.NoError(t, err)

	for _, tk := range merged.Tasks {
		for _, dep := range merged.Dependencies(tk.ID) {
			assert.Greater(t, merged.LayerIndex(tk.ID), merged.LayerIndex(dep))
		}
	}
}
