// ABOUTME: Speculation records: what ran ahead of schedule and how it ended.
// ABOUTME: Records feed the adaptive threshold and the terminal accounting.

package speculative

import "time"

// Outcome tells how one speculative run ended.
type Outcome string

const (
	// OutcomePending marks a speculation still waiting for the real
	// schedule to reach its task.
	OutcomePending Outcome = "pending"
	// OutcomeCommitted means the real schedule hit the cached result.
	OutcomeCommitted Outcome = "committed"
	// OutcomeDiscarded means the result was never used: the run failed,
	// the inputs did not match, or the workflow ended first.
	OutcomeDiscarded Outcome = "discarded"
)

// Record is the audit trail of one pre-executed prediction.
type Record struct {
	TaskID     string    `json:"task_id"`
	Tool       string    `json:"tool"`
	Signature  string    `json:"signature"`
	Confidence float64   `json:"confidence"`
	InputHash  string    `json:"input_hash"`
	Outcome    Outcome   `json:"outcome"`
	Cost       float64   `json:"cost"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Err        string    `json:"error,omitempty"`
}

// Stats summarizes one workflow's speculation activity.
type Stats struct {
	Launched   int
	Committed  int
	Discarded  int
	Skipped    int
	Violations int
}
