// ABOUTME: Engine wires catalog, planner, stores, and per-run controllers together.
// ABOUTME: One engine serves many workflows; the lifecycle ends with Shutdown.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Casys-AI/casys-pml-sub002/internal/auth"
	"github.com/Casys-AI/casys-pml-sub002/internal/cache"
	"github.com/Casys-AI/casys-pml-sub002/internal/catalog"
	"github.com/Casys-AI/casys-pml-sub002/internal/checkpoint"
	"github.com/Casys-AI/casys-pml-sub002/internal/config"
	"github.com/Casys-AI/casys-pml-sub002/internal/control"
	"github.com/Casys-AI/casys-pml-sub002/internal/dag"
	"github.com/Casys-AI/casys-pml-sub002/internal/events"
	"github.com/Casys-AI/casys-pml-sub002/internal/invoke"
	"github.com/Casys-AI/casys-pml-sub002/internal/plangraph"
	"github.com/Casys-AI/casys-pml-sub002/internal/planner"
	"github.com/Casys-AI/casys-pml-sub002/internal/speculative"
)

// summaryScanLimit bounds the summary window searched by Resume. The
// store keeps one row per workflow, so this covers any plausible host.
const summaryScanLimit = 512

// Engine owns the long-lived collaborators and starts one controller
// per workflow run. Tool-kind tasks go to the injected invoker;
// transform and noop tasks run in-process.
type Engine struct {
	config    *config.Config
	logger    *slog.Logger
	catalog   *catalog.Registry
	store     checkpoint.Store
	graph     *plangraph.Store
	suggester *planner.GraphSuggester
	verifier  *auth.JWTVerifier
	invoker   invoke.Invoker
	registry  *Registry

	// wg tracks the per-workflow watcher goroutines.
	wg sync.WaitGroup
}

// New assembles an Engine from cfg.
func New(cfg *config.Config, tools invoke.Invoker, logger *slog.Logger) (*Engine, error) {
	if tools == nil {
		return nil, errors.New("engine requires a tool invoker")
	}

	schemaCache := cache.New[catalog.Descriptor](cfg.Catalog.SchemaCacheTTL, cfg.Catalog.SchemaCacheSize)
	reg := catalog.NewRegistry(logger, schemaCache)
	if cfg.Catalog.ManifestDir != "" {
		if err := reg.LoadDir(cfg.Catalog.ManifestDir); err != nil {
			reg.Close()
			return nil, fmt.Errorf("loading tool manifests: %w", err)
		}
	}

	store, err := checkpoint.NewSQLiteStore(cfg.Checkpoint.Path, logger)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("initializing checkpoint store: %w", err)
	}

	var graph *plangraph.Store
	if cfg.PlanGraph.Dir != "" {
		graph, err = plangraph.Open(cfg.PlanGraph.Dir, logger)
		if err != nil {
			reg.Close()
			_ = store.Close()
			return nil, fmt.Errorf("opening plan graph: %w", err)
		}
	} else {
		graph = plangraph.NewStore(logger)
	}

	var verifier *auth.JWTVerifier
	if cfg.Approval.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Approval.JWTSecret))
	} else {
		logger.Warn("approval token verification disabled - no jwt_secret configured")
	}

	return &Engine{
		config:    cfg,
		logger:    logger.With("component", "engine"),
		catalog:   reg,
		store:     store,
		graph:     graph,
		suggester: planner.NewGraphSuggester(graph, reg, logger),
		verifier:  verifier,
		invoker:   invoke.NewDispatcher(tools, logger),
		registry:  NewRegistry(logger),
	}, nil
}

// ExecuteOptions carries the per-run inputs layered over the engine
// configuration.
type ExecuteOptions struct {
	// WorkflowID overrides the generated ID.
	WorkflowID string
	// Intent seeds the execution memory and gives replans their goal.
	Intent string
	// Context seeds the workflow context.
	Context map[string]any
	// DecisionLayers lists layer indexes after which the run stops for
	// a decision.
	DecisionLayers []int
	// Deadline bounds the whole run; 0 means none.
	Deadline time.Duration
}

// Execute starts a workflow for a built plan. It returns the event
// stream and the workflow ID; the workflow stays registered until its
// run loop finishes.
func (e *Engine) Execute(ctx context.Context, s *dag.Structure, opts ExecuteOptions) (<-chan events.Event, string, error) {
	id := opts.WorkflowID
	if id == "" {
		id = uuid.New().String()
	}

	ctrl, spec := e.newController(id, opts)
	if err := e.registry.Register(id, ctrl); err != nil {
		closeSpeculator(spec)
		return nil, "", err
	}

	stream, err := ctrl.Execute(ctx, s)
	if err != nil {
		e.registry.Unregister(id)
		closeSpeculator(spec)
		return nil, "", err
	}

	e.watch(ctrl, spec)
	return stream, id, nil
}

// Resume restarts a workflow from its latest checkpoint. Workflows
// whose recorded run already completed are refused; aborted and failed
// ones continue from the first unexecuted layer.
func (e *Engine) Resume(ctx context.Context, workflowID string) (<-chan events.Event, error) {
	if workflowID == "" {
		return nil, errors.New("workflow id required")
	}

	sum, err := e.summaryFor(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if sum != nil && sum.Phase == string(control.PhaseCompleted) {
		return nil, fmt.Errorf("workflow %s already completed", workflowID)
	}

	ctrl, spec := e.newController(workflowID, ExecuteOptions{})
	if err := e.registry.Register(workflowID, ctrl); err != nil {
		closeSpeculator(spec)
		return nil, err
	}

	stream, err := ctrl.Resume(ctx, workflowID)
	if err != nil {
		e.registry.Unregister(workflowID)
		closeSpeculator(spec)
		return nil, err
	}

	e.watch(ctrl, spec)
	return stream, nil
}

// EnqueueCommand routes a steering command to a running workflow.
func (e *Engine) EnqueueCommand(workflowID string, cmd control.Command) error {
	ctrl, ok := e.registry.Get(workflowID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return ctrl.EnqueueCommand(cmd)
}

// Subscribe attaches an additional event stream to a running workflow.
func (e *Engine) Subscribe(ctx context.Context, workflowID string) (<-chan events.Event, error) {
	ctrl, ok := e.registry.Get(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	stream, _ := ctrl.Subscribe(ctx)
	return stream, nil
}

// Suggest asks the plan suggester for a full plan matching an intent.
func (e *Engine) Suggest(ctx context.Context, intent string) (*dag.Structure, error) {
	return e.suggester.SuggestDAG(ctx, intent)
}

// Workflows lists the currently registered workflows, sorted by ID.
func (e *Engine) Workflows() []WorkflowInfo {
	return e.registry.List()
}

// Catalog exposes the tool registry for inspection commands.
func (e *Engine) Catalog() *catalog.Registry {
	return e.catalog
}

// Graph exposes the plan graph for inspection commands.
func (e *Engine) Graph() *plangraph.Store {
	return e.graph
}

// Summaries returns recent run summaries, newest first.
func (e *Engine) Summaries(ctx context.Context, limit int) ([]*checkpoint.RunSummary, error) {
	return e.store.ListSummaries(ctx, limit)
}

// newController builds one controller and, when speculation is
// configured, its per-run speculative executor and cache.
func (e *Engine) newController(id string, opts ExecuteOptions) (*control.Controller, *speculative.Executor) {
	eng := e.config.Engine

	var spec *speculative.Executor
	if eng.Speculation.Enabled {
		spec = speculative.NewExecutor(speculative.Config{
			Invoker:     e.invoker,
			Catalog:     e.catalog,
			Cache:       cache.New[speculative.CachedResult](eng.Speculation.CacheTTL, eng.Speculation.CacheSize),
			Threshold:   eng.Speculation.ConfidenceThreshold,
			CostCap:     eng.Speculation.CostCap,
			DurationCap: eng.Speculation.DurationCap,
			Logger:      e.logger,
		})
	}

	cfg := control.Config{
		Invoker:     e.invoker,
		Checkpoints: e.store,
		Suggester:   e.suggester,
		Speculator:  spec,
		Logger:      e.logger,
		Options: control.Options{
			WorkflowID:             id,
			Intent:                 opts.Intent,
			Context:                opts.Context,
			MaxParallelism:         eng.MaxParallelism,
			PerTaskTimeout:         eng.PerTaskTimeout,
			DecisionLayers:         opts.DecisionLayers,
			DecisionTimeout:        eng.DecisionTimeout,
			OnDecisionTimeout:      control.TimeoutAction(eng.OnDecisionTimeout),
			SpeculationEnabled:     eng.Speculation.Enabled,
			AbortGracePeriod:       eng.AbortGracePeriod,
			CheckpointEveryNLayers: eng.CheckpointEveryNLayers,
			FailFast:               eng.FailFast,
			Deadline:               opts.Deadline,
		},
	}
	// A nil *JWTVerifier must not become a non-nil interface value.
	if e.verifier != nil {
		cfg.Approvals = e.verifier
	}
	return control.NewController(cfg), spec
}

// watch waits for one workflow to finish, feeds completed runs back
// into the plan graph, and unregisters the workflow.
func (e *Engine) watch(ctrl *control.Controller, spec *speculative.Executor) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-ctrl.Done()

		closeSpeculator(spec)

		if ctrl.Phase() == control.PhaseCompleted {
			if err := e.suggester.RecordRun(ctrl.Structure(), ctrl.Results()); err != nil {
				e.logger.Warn("recording run in plan graph failed",
					"workflow", ctrl.WorkflowID(), "error", err)
			} else if err := e.graph.Flush(); err != nil {
				e.logger.Warn("flushing plan graph failed", "error", err)
			}
		}

		e.registry.Unregister(ctrl.WorkflowID())
	}()
}

func (e *Engine) summaryFor(ctx context.Context, workflowID string) (*checkpoint.RunSummary, error) {
	sums, err := e.store.ListSummaries(ctx, summaryScanLimit)
	if err != nil {
		return nil, fmt.Errorf("listing run summaries: %w", err)
	}
	for _, s := range sums {
		if s.WorkflowID == workflowID {
			return s, nil
		}
	}
	return nil, nil
}

// Shutdown aborts still-running workflows, waits for their run loops
// bounded by ctx, and closes the stores.
func (e *Engine) Shutdown(ctx context.Context) error {
	running := e.registry.Controllers()
	e.logger.Info("shutting down engine", "running_workflows", len(running))

	for _, ctrl := range running {
		err := ctrl.EnqueueCommand(control.Command{Kind: control.CommandAbort, Reason: "engine shutdown"})
		if err != nil && !errors.Is(err, control.ErrWorkflowFinished) {
			e.logger.Warn("abort on shutdown failed",
				"workflow", ctrl.WorkflowID(), "error", err)
		}
	}

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	var errs []error
	select {
	case <-finished:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for workflows: %w", ctx.Err()))
	}

	errs = appendCloseError(errs, "plan graph close", e.graph.Close())
	errs = appendCloseError(errs, "checkpoint store close", e.store.Close())
	e.catalog.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func closeSpeculator(spec *speculative.Executor) {
	if spec != nil {
		spec.Close()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
