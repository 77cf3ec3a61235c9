// ABOUTME: Tests for the SQLite and in-memory checkpoint stores.
// ABOUTME: Covers latest-wins loads, nil-when-absent, summaries, and reopen durability.

package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCheckpoint(workflowID string, layer int) *Checkpoint {
	return &Checkpoint{
		WorkflowID: workflowID,
		Layer:      layer,
		Revision:   1,
		State:      json.RawMessage(fmt.Sprintf(`{"current_layer":%d}`, layer)),
		Structure:  json.RawMessage(`{"tasks":[]}`),
	}
}

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cp.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStore_LoadReturnsNilWhenAbsent(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			cp, err := s.Load(t.Context(), "nope")
			require.NoError(t, err)
			assert.Nil(t, cp)
		})
	}
}

func TestStore_SaveThenLoadLatest(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			first := testCheckpoint("wf-1", 1)
			first.CreatedAt = time.Now().UTC().Add(-time.Minute)
			_, err := s.Save(t.Context(), first)
			require.NoError(t, err)

			second := testCheckpoint("wf-1", 2)
			id, err := s.Save(t.Context(), second)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			got, err := s.Load(t.Context(), "wf-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, id, got.ID)
			assert.Equal(t, 2, got.Layer)
			assert.JSONEq(t, string(second.State), string(got.State))

			// Another workflow's checkpoints stay invisible.
			other, err := s.Load(t.Context(), "wf-2")
			require.NoError(t, err)
			assert.Nil(t, other)
		})
	}
}

func TestStore_Summaries(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Millisecond)
			older := &RunSummary{
				WorkflowID:   "wf-old",
				Phase:        "completed",
				TaskStatuses: map[string]string{"a": "succeeded"},
				StartedAt:    now.Add(-2 * time.Hour),
				FinishedAt:   now.Add(-time.Hour),
			}
			newer := &RunSummary{
				WorkflowID:     "wf-new",
				Phase:          "completed",
				TaskStatuses:   map[string]string{"a": "succeeded", "b": "failed"},
				PartialFailure: true,
				StartedAt:      now.Add(-time.Minute),
				FinishedAt:     now,
			}
			require.NoError(t, s.RecordSummary(t.Context(), older))
			require.NoError(t, s.RecordSummary(t.Context(), newer))

			got, err := s.ListSummaries(t.Context(), 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "wf-new", got[0].WorkflowID)
			assert.True(t, got[0].PartialFailure)
			assert.Equal(t, "failed", got[0].TaskStatuses["b"])

			// Re-recording the same workflow replaces, not duplicates.
			newer.Phase = "aborted"
			require.NoError(t, s.RecordSummary(t.Context(), newer))
			got, err = s.ListSummaries(t.Context(), 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "aborted", got[0].Phase)
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")

	s, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	_, err = s.Save(t.Context(), testCheckpoint("wf-1", 3))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(t.Context(), "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Layer)
	assert.Equal(t, 1, got.Revision)
}
