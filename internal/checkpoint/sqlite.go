// ABOUTME: SQLite implementation of the checkpoint store using modernc.org/sqlite.
// ABOUTME: WAL mode, automatic schema creation, latest-wins checkpoint loads.

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent
// directories are created if needed; ":memory:" works for tests.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	logger = logger.With("component", "checkpoint")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps checkpoint writes from blocking summary reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("checkpoint store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			layer INTEGER NOT NULL,
			revision INTEGER NOT NULL,
			state BLOB NOT NULL,
			structure BLOB NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow
			ON checkpoints(workflow_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS run_summaries (
			workflow_id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			task_statuses TEXT NOT NULL,
			partial_failure INTEGER NOT NULL,
			revision INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_summaries_finished
			ON run_summaries(finished_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save writes a checkpoint. An empty ID gets a fresh UUID.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO checkpoints (id, workflow_id, layer, revision, state, structure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		cp.ID,
		cp.WorkflowID,
		cp.Layer,
		cp.Revision,
		[]byte(cp.State),
		[]byte(cp.Structure),
		cp.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", &IOError{Op: "save", WorkflowID: cp.WorkflowID, Err: err}
	}

	s.logger.Debug("checkpoint saved",
		"workflow_id", cp.WorkflowID,
		"checkpoint_id", cp.ID,
		"layer", cp.Layer)
	return cp.ID, nil
}

// Load returns the most recent checkpoint for a workflow, nil when the
// workflow has never been checkpointed.
func (s *SQLiteStore) Load(ctx context.Context, workflowID string) (*Checkpoint, error) {
	query := `
		SELECT id, workflow_id, layer, revision, state, structure, created_at
		FROM checkpoints
		WHERE workflow_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, workflowID)

	var cp Checkpoint
	var state, structure []byte
	var createdAt string
	err := row.Scan(&cp.ID, &cp.WorkflowID, &cp.Layer, &cp.Revision, &state, &structure, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "load", WorkflowID: workflowID, Err: err}
	}

	cp.State = json.RawMessage(state)
	cp.Structure = json.RawMessage(structure)
	if cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, &IOError{Op: "load", WorkflowID: workflowID, Err: fmt.Errorf("parsing created_at: %w", err)}
	}
	return &cp, nil
}

// RecordSummary upserts the summary row for a finished run.
func (s *SQLiteStore) RecordSummary(ctx context.Context, sum *RunSummary) error {
	statuses, err := json.Marshal(sum.TaskStatuses)
	if err != nil {
		return &IOError{Op: "record summary", WorkflowID: sum.WorkflowID, Err: err}
	}

	query := `
		INSERT INTO run_summaries (workflow_id, phase, task_statuses, partial_failure, revision, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			phase = excluded.phase,
			task_statuses = excluded.task_statuses,
			partial_failure = excluded.partial_failure,
			revision = excluded.revision,
			finished_at = excluded.finished_at
	`
	_, err = s.db.ExecContext(ctx, query,
		sum.WorkflowID,
		sum.Phase,
		string(statuses),
		boolToInt(sum.PartialFailure),
		sum.Revision,
		sum.StartedAt.UTC().Format(time.RFC3339Nano),
		sum.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &IOError{Op: "record summary", WorkflowID: sum.WorkflowID, Err: err}
	}
	return nil
}

// ListSummaries returns finished runs, newest first.
func (s *SQLiteStore) ListSummaries(ctx context.Context, limit int) ([]*RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT workflow_id, phase, task_statuses, partial_failure, revision, started_at, finished_at
		FROM run_summaries
		ORDER BY finished_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, &IOError{Op: "list summaries", Err: err}
	}
	defer rows.Close()

	var out []*RunSummary
	for rows.Next() {
		var sum RunSummary
		var statuses, startedAt, finishedAt string
		var partial int
		if err := rows.Scan(&sum.WorkflowID, &sum.Phase, &statuses, &partial, &sum.Revision, &startedAt, &finishedAt); err != nil {
			return nil, &IOError{Op: "list summaries", Err: err}
		}
		if err := json.Unmarshal([]byte(statuses), &sum.TaskStatuses); err != nil {
			return nil, &IOError{Op: "list summaries", WorkflowID: sum.WorkflowID, Err: err}
		}
		sum.PartialFailure = partial != 0
		if sum.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, &IOError{Op: "list summaries", WorkflowID: sum.WorkflowID, Err: err}
		}
		if sum.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, &IOError{Op: "list summaries", WorkflowID: sum.WorkflowID, Err: err}
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
