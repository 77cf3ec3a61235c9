// ABOUTME: Append-only workflow memory: messages, task records, decisions, context.
// ABOUTME: One writer (the control loop); everyone else reads point-in-time snapshots.

package control

import (
	"sync"
	"time"

	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// Message roles.
const (
	RoleUser   = "user"
	RoleEngine = "engine"
)

// Decision sources.
const (
	DecisionSourceApproval = "approval"
	DecisionSourceReplan   = "replan"
	DecisionSourceTimeout  = "timeout"
)

// Message is one line of execution memory. Messages give replans their
// context and make a resumed run explainable.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Decision records how one approval gate was resolved.
type Decision struct {
	ID          string    `json:"id"`
	Layer       int       `json:"layer"`
	Source      string    `json:"source"`
	Approved    bool      `json:"approved"`
	ApprovedBy  string    `json:"approved_by,omitempty"`
	Note        string    `json:"note,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Snapshot is the serializable image of a WorkflowState. Checkpoints
// store exactly this.
type Snapshot struct {
	WorkflowID   string         `json:"workflow_id"`
	Messages     []Message      `json:"messages,omitempty"`
	TaskRecords  []task.Result  `json:"task_records,omitempty"`
	Decisions    []Decision     `json:"decisions,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	CurrentLayer int            `json:"current_layer"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
}

// WorkflowState is the mutable memory of one run. Messages, task records
// and decisions only ever grow; context merges shallowly with later keys
// winning. All mutation goes through the reducers below, and only the
// control loop calls them.
type WorkflowState struct {
	mu           sync.RWMutex
	workflowID   string
	messages     []Message
	records      []task.Result
	decisions    []Decision
	context      map[string]any
	currentLayer int
	checkpointID string
}

// NewWorkflowState creates an empty state for a workflow.
func NewWorkflowState(workflowID string) *WorkflowState {
	return &WorkflowState{
		workflowID: workflowID,
		context:    make(map[string]any),
	}
}

// FromSnapshot rebuilds a state from a decoded snapshot.
func FromSnapshot(snap Snapshot) *WorkflowState {
	s := &WorkflowState{
		workflowID:   snap.WorkflowID,
		messages:     append([]Message(nil), snap.Messages...),
		records:      append([]task.Result(nil), snap.TaskRecords...),
		decisions:    append([]Decision(nil), snap.Decisions...),
		context:      make(map[string]any, len(snap.Context)),
		currentLayer: snap.CurrentLayer,
		checkpointID: snap.CheckpointID,
	}
	for k, v := range snap.Context {
		s.context[k] = v
	}
	return s
}

// AppendMessage adds one line of execution memory.
func (s *WorkflowState) AppendMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: role, Content: content, At: time.Now().UTC()})
}

// AppendTaskRecord adds a settled task result.
func (s *WorkflowState) AppendTaskRecord(res task.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, res)
}

// AppendDecision adds a resolved approval gate.
func (s *WorkflowState) AppendDecision(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
}

// MergeContext folds kv into the workflow context, later keys winning.
func (s *WorkflowState) MergeContext(kv map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.context[k] = v
	}
}

// SetLayer records the next layer to be scheduled.
func (s *WorkflowState) SetLayer(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentLayer = n
}

// CurrentLayer returns the next layer to be scheduled, which equals the
// number of already-executed layers.
func (s *WorkflowState) CurrentLayer() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLayer
}

// SetCheckpointID records the most recent durable checkpoint.
func (s *WorkflowState) SetCheckpointID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointID = id
}

// Snapshot returns a point-in-time copy safe to serialize or hand out.
func (s *WorkflowState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		WorkflowID:   s.workflowID,
		Messages:     append([]Message(nil), s.messages...),
		TaskRecords:  append([]task.Result(nil), s.records...),
		Decisions:    append([]Decision(nil), s.decisions...),
		Context:      make(map[string]any, len(s.context)),
		CurrentLayer: s.currentLayer,
		CheckpointID: s.checkpointID,
	}
	for k, v := range s.context {
		snap.Context[k] = v
	}
	return snap
}
