// ABOUTME: Tests for the workflow registry.
// ABOUTME: Registration, duplicates, lookup, and sorted listing.

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Casys-AI/casys-pml-sub002/internal/control"
	"github.com/Casys-AI/casys-pml-sub002/internal/invoke"
)

func newIdleController() *control.Controller {
	return control.NewController(control.Config{
		Invoker: invoke.NewSimulator(testLogger()),
		Logger:  testLogger(),
	})
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(testLogger())
	c := newIdleController()

	require.NoError(t, r.Register("wf-1", c))

	got, ok := r.Get("wf-1")
	require.True(t, ok)
	assert.Same(t, c, got)

	_, ok = r.Get("wf-2")
	assert.False(t, ok)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry(testLogger())

	require.NoError(t, r.Register("wf-1", newIdleController()))
	err := r.Register("wf-1", newIdleController())
	require.ErrorIs(t, err, ErrWorkflowAlreadyRegistered)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register("wf-1", newIdleController()))

	r.Unregister("wf-1")
	_, ok := r.Get("wf-1")
	assert.False(t, ok)

	// Unknown IDs are a no-op.
	r.Unregister("wf-1")
}

func TestRegistry_ListSortedByID(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register("wf-b", newIdleController()))
	require.NoError(t, r.Register("wf-a", newIdleController()))
	require.NoError(t, r.Register("wf-c", newIdleController()))

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "wf-a", infos[0].ID)
	assert.Equal(t, "wf-b", infos[1].ID)
	assert.Equal(t, "wf-c", infos[2].ID)
	for _, info := range infos {
		assert.Equal(t, control.PhaseIdle, info.Phase)
	}

	assert.Len(t, r.Controllers(), 3)
}
