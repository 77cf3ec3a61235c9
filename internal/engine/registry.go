// ABOUTME: Tracks live workflows so commands and subscriptions can find them.
// ABOUTME: One controller per workflow ID; entries leave when the run finishes.

package engine

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/Casys-AI/casys-pml-sub002/internal/control"
)

// ErrWorkflowAlreadyRegistered indicates a workflow with the same ID is
// already running.
var ErrWorkflowAlreadyRegistered = errors.New("workflow already registered")

// ErrWorkflowNotFound indicates the specified workflow is not running.
var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowInfo is the public view of one registered workflow.
type WorkflowInfo struct {
	ID    string
	Phase control.Phase
}

// Registry tracks the controllers of in-flight workflows.
type Registry struct {
	workflows map[string]*control.Controller
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		workflows: make(map[string]*control.Controller),
		logger:    logger.With("component", "workflows"),
	}
}

// Register adds a running workflow under its ID.
// Returns ErrWorkflowAlreadyRegistered if the ID is taken.
func (r *Registry) Register(id string, c *control.Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[id]; exists {
		return ErrWorkflowAlreadyRegistered
	}

	r.workflows[id] = c
	r.logger.Info("workflow registered", "workflow", id, "total", len(r.workflows))
	return nil
}

// Unregister removes a workflow from the registry.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[id]; exists {
		delete(r.workflows, id)
		r.logger.Info("workflow unregistered", "workflow", id, "total", len(r.workflows))
	}
}

// Get retrieves a workflow's controller by ID.
func (r *Registry) Get(id string) (*control.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.workflows[id]
	return c, ok
}

// List returns the registered workflows, sorted by ID.
func (r *Registry) List() []WorkflowInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]WorkflowInfo, 0, len(r.workflows))
	for id, c := range r.workflows {
		infos = append(infos, WorkflowInfo{ID: id, Phase: c.Phase()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Controllers returns every registered controller, in no particular order.
func (r *Registry) Controllers() []*control.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs := make([]*control.Controller, 0, len(r.workflows))
	for _, c := range r.workflows {
		cs = append(cs, c)
	}
	return cs
}
