// ABOUTME: Speculative pre-execution of predicted tasks behind safety gates.
// ABOUTME: Results land in a bounded cache and commit on input-hash match.

package speculative

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/Casys-AI/casys-pml-sub002/internal/cache"
	"github.com/Casys-AI/casys-pml-sub002/internal/catalog"
	"github.com/Casys-AI/casys-pml-sub002/internal/invoke"
	"github.com/Casys-AI/casys-pml-sub002/internal/planner"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

const (
	// DefaultCostCap is the highest declared tool cost eligible for
	// speculative execution.
	DefaultCostCap = 0.10
	// DefaultDurationCap bounds both a tool's declared expected duration
	// and the wall clock granted to a speculative run.
	DefaultDurationCap = 5 * time.Second
	// DefaultMaxInFlight bounds concurrent speculative runs.
	DefaultMaxInFlight = 4
)

// DescriptorSource resolves a tool name to its catalog descriptor.
// *catalog.Registry satisfies it.
type DescriptorSource interface {
	Lookup(name string) (catalog.Descriptor, error)
}

// SafetyViolationError reports a prediction that asked to pre-execute a
// task that must never run ahead of the visible schedule: one with side
// effects, or one in a dangerous category.
type SafetyViolationError struct {
	TaskID   string
	Tool     string
	Category string
}

func (e *SafetyViolationError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("speculation safety violation: task %s tool %s is in dangerous category %q", e.TaskID, e.Tool, e.Category)
	}
	return fmt.Sprintf("speculation safety violation: task %s tool %s has side effects", e.TaskID, e.Tool)
}

// CachedResult is one precomputed output waiting for the real schedule.
// The concrete fields stay private to this package; the type is exported
// only so callers can build the cache the executor adopts.
type CachedResult struct {
	output map[string]any
	record *Record
}

// Launch reports the gate decision for a single prediction.
type Launch struct {
	TaskID     string
	Tool       string
	Confidence float64
	Launched   bool
	Reason     string // set when not launched
	Violation  bool   // skipped for safety, not mere ineligibility
}

// Config assembles an Executor.
type Config struct {
	// Invoker runs the speculative invocations. Required.
	Invoker invoke.Invoker
	// Catalog resolves tool descriptors for the safety and cost gates.
	// Without it, only transform tasks are eligible.
	Catalog DescriptorSource
	// Cache holds precomputed results keyed by (signature, input hash).
	// The executor owns it from here on and closes it with Close.
	Cache *cache.Cache[CachedResult]
	// Threshold seeds the adaptive confidence gate. Zero means
	// DefaultThreshold.
	Threshold float64
	// CostCap and DurationCap bound what a speculation may spend.
	// Zero means the package defaults.
	CostCap     float64
	DurationCap time.Duration
	// MaxInFlight bounds concurrent speculative runs. Zero means
	// DefaultMaxInFlight.
	MaxInFlight int
	Logger      *slog.Logger
}

// Executor pre-executes predicted tasks that pass every gate and serves
// the results back through Lookup. It satisfies the runner's Precomputed
// interface, so a hit commits the cached output as the task's real result.
type Executor struct {
	invoker     invoke.Invoker
	catalog     DescriptorSource
	cache       *cache.Cache[CachedResult]
	threshold   *Threshold
	costCap     float64
	durationCap time.Duration
	maxInFlight int
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	records  []*Record
	stats    Stats
	drained  bool
	wg       sync.WaitGroup
}

// NewExecutor creates an Executor from cfg.
func NewExecutor(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CostCap <= 0 {
		cfg.CostCap = DefaultCostCap
	}
	if cfg.DurationCap <= 0 {
		cfg.DurationCap = DefaultDurationCap
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &Executor{
		invoker:     cfg.Invoker,
		catalog:     cfg.Catalog,
		cache:       cfg.Cache,
		threshold:   NewThreshold(cfg.Threshold),
		costCap:     cfg.CostCap,
		durationCap: cfg.DurationCap,
		maxInFlight: cfg.MaxInFlight,
		logger:      logger.With("component", "speculative"),
		inflight:    make(map[string]struct{}),
	}
}

// Speculate evaluates predictions against the gates and launches eligible
// ones in the background. Argument references are resolved through lookup
// at launch time; a prediction whose inputs are not settled yet is skipped,
// not queued. The returned slice reports one verdict per prediction.
func (e *Executor) Speculate(ctx context.Context, preds []planner.Prediction, lookup task.OutputLookup) []Launch {
	verdicts := make([]Launch, 0, len(preds))
	for _, p := range preds {
		verdicts = append(verdicts, e.speculateOne(ctx, p, lookup))
	}
	return verdicts
}

func (e *Executor) speculateOne(ctx context.Context, p planner.Prediction, lookup task.OutputLookup) Launch {
	if p.Task == nil {
		return e.skip(Launch{Confidence: p.Confidence}, "prediction carries no task", false)
	}
	v := Launch{TaskID: p.Task.ID, Tool: p.Task.Tool, Confidence: p.Confidence}

	if p.Task.Status != task.StatusPending && p.Task.Status != "" {
		return e.skip(v, "task already scheduled", false)
	}
	if p.Confidence < e.threshold.Value() {
		return e.skip(v, fmt.Sprintf("confidence %.2f below threshold %.2f", p.Confidence, e.threshold.Value()), false)
	}
	if p.Task.SideEffect {
		verr := &SafetyViolationError{TaskID: p.Task.ID, Tool: p.Task.Tool}
		return e.skip(v, verr.Error(), true)
	}

	cost := 0.0
	switch p.Task.Kind {
	case task.KindNoop:
		return e.skip(v, "noop has nothing to precompute", false)
	case task.KindTransform:
		// In-process and side-effect free; no descriptor needed.
	default:
		if e.catalog == nil {
			return e.skip(v, "no catalog to vet the tool", false)
		}
		desc, err := e.catalog.Lookup(p.Task.Tool)
		if err != nil {
			return e.skip(v, fmt.Sprintf("tool not in catalog: %v", err), false)
		}
		if desc.SideEffect {
			verr := &SafetyViolationError{TaskID: p.Task.ID, Tool: p.Task.Tool}
			return e.skip(v, verr.Error(), true)
		}
		if desc.Dangerous() {
			verr := &SafetyViolationError{TaskID: p.Task.ID, Tool: p.Task.Tool, Category: desc.Category}
			return e.skip(v, verr.Error(), true)
		}
		if desc.Cost > e.costCap {
			return e.skip(v, fmt.Sprintf("cost %.2f exceeds cap %.2f", desc.Cost, e.costCap), false)
		}
		if desc.Duration > e.durationCap {
			return e.skip(v, fmt.Sprintf("expected duration %s exceeds cap %s", desc.Duration, e.durationCap), false)
		}
		cost = desc.Cost
	}

	args, err := task.ResolveArguments(p.Task.Arguments, lookup)
	if err != nil {
		return e.skip(v, fmt.Sprintf("arguments not resolvable: %v", err), false)
	}
	if anyUnavailable(args) {
		return e.skip(v, "inputs not settled yet", false)
	}
	hash, err := hashArguments(args)
	if err != nil {
		return e.skip(v, fmt.Sprintf("arguments not hashable: %v", err), false)
	}
	sig := p.Task.Signature()
	key := cacheKey(sig, hash)

	e.mu.Lock()
	if e.drained {
		e.mu.Unlock()
		return e.skip(v, "workflow finished", false)
	}
	if _, running := e.inflight[key]; running {
		e.mu.Unlock()
		return e.skip(v, "speculation already in flight", false)
	}
	if _, cached := e.cache.Get(key); cached {
		e.mu.Unlock()
		return e.skip(v, "result already cached", false)
	}
	if len(e.inflight) >= e.maxInFlight {
		e.mu.Unlock()
		return e.skip(v, "speculation capacity reached", false)
	}
	rec := &Record{
		TaskID:     p.Task.ID,
		Tool:       p.Task.Tool,
		Signature:  sig,
		Confidence: p.Confidence,
		InputHash:  hash,
		Outcome:    OutcomePending,
		Cost:       cost,
		StartedAt:  time.Now().UTC(),
	}
	e.records = append(e.records, rec)
	e.inflight[key] = struct{}{}
	e.stats.Launched++
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx, p.Task.Clone(), args, key, rec)

	v.Launched = true
	e.logger.Debug("speculation launched",
		"task", v.TaskID, "tool", v.Tool,
		"confidence", v.Confidence, "input_hash", hash[:8])
	return v
}

func (e *Executor) skip(v Launch, reason string, violation bool) Launch {
	v.Reason = reason
	v.Violation = violation
	e.mu.Lock()
	e.stats.Skipped++
	if violation {
		e.stats.Violations++
	}
	e.mu.Unlock()
	if violation {
		e.logger.Warn("speculation refused", "task", v.TaskID, "reason", reason)
	} else {
		e.logger.Debug("speculation skipped", "task", v.TaskID, "reason", reason)
	}
	return v
}

// run executes one speculation. The invocation itself happens in an inner
// goroutine so a cancellation-deaf tool cannot block Drain past the
// duration cap.
func (e *Executor) run(ctx context.Context, t *task.Task, args map[string]any, key string, rec *Record) {
	defer e.wg.Done()

	runCtx, cancel := context.WithTimeout(ctx, e.durationCap)
	defer cancel()

	type invokeResult struct {
		output map[string]any
		err    error
	}
	resultCh := make(chan invokeResult, 1)
	go func() {
		output, err := e.invoker.Invoke(runCtx, t, args)
		resultCh <- invokeResult{output: output, err: err}
	}()

	select {
	case r := <-resultCh:
		e.settle(key, rec, r.output, r.err)
	case <-runCtx.Done():
		e.settle(key, rec, nil, runCtx.Err())
	}
}

func (e *Executor) settle(key string, rec *Record, output map[string]any, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
	rec.FinishedAt = time.Now().UTC()
	if err != nil || e.drained {
		rec.Outcome = OutcomeDiscarded
		if err != nil {
			rec.Err = err.Error()
		}
		e.stats.Discarded++
		e.threshold.Observe(false)
		e.logger.Debug("speculation discarded", "task", rec.TaskID, "error", rec.Err)
		return
	}
	e.cache.Put(key, CachedResult{output: output, record: rec})
}

// Lookup serves a precomputed result for t if one exists for exactly these
// arguments. A hit consumes the entry and counts as an accepted
// speculation; a mismatch for the same task discards the stale entry.
// Lookup satisfies the runner's Precomputed interface.
func (e *Executor) Lookup(t *task.Task, args map[string]any) (map[string]any, bool) {
	if t == nil || t.SideEffect {
		return nil, false
	}
	hash, err := hashArguments(args)
	if err != nil {
		return nil, false
	}
	sig := t.Signature()
	key := cacheKey(sig, hash)

	e.mu.Lock()
	defer e.mu.Unlock()
	if res, ok := e.cache.Get(key); ok {
		e.cache.Delete(key)
		res.record.Outcome = OutcomeCommitted
		e.stats.Committed++
		e.threshold.Observe(true)
		e.logger.Debug("speculation committed", "task", t.ID, "input_hash", hash[:8])
		return cloneOutput(res.output), true
	}
	for _, rec := range e.records {
		if rec.TaskID != t.ID || rec.Outcome != OutcomePending {
			continue
		}
		staleKey := cacheKey(rec.Signature, rec.InputHash)
		if staleKey == key {
			continue // still in flight, not a mismatch
		}
		if _, cached := e.cache.Get(staleKey); !cached {
			continue
		}
		e.cache.Delete(staleKey)
		rec.Outcome = OutcomeDiscarded
		rec.Err = "input mismatch"
		e.stats.Discarded++
		e.threshold.Observe(false)
		e.logger.Debug("speculation discarded", "task", rec.TaskID, "reason", "input mismatch")
	}
	return nil, false
}

// Drain stops accepting work, waits for in-flight speculation to settle,
// discards anything unconsumed, and returns every record. Call it once
// when the workflow reaches a terminal phase.
func (e *Executor) Drain() []Record {
	e.mu.Lock()
	e.drained = true
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.records {
		if rec.Outcome != OutcomePending {
			continue
		}
		e.cache.Delete(cacheKey(rec.Signature, rec.InputHash))
		rec.Outcome = OutcomeDiscarded
		rec.Err = "workflow finished before use"
		e.stats.Discarded++
		e.threshold.Observe(false)
	}
	out := make([]Record, len(e.records))
	for i, rec := range e.records {
		out[i] = *rec
	}
	return out
}

// Close releases the result cache. Call after Drain.
func (e *Executor) Close() {
	e.cache.Close()
}

// ThresholdValue exposes the current adaptive confidence gate.
func (e *Executor) ThresholdValue() float64 {
	return e.threshold.Value()
}

// Stats returns a snapshot of the speculation counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Records returns a snapshot of all speculation records so far.
func (e *Executor) Records() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, len(e.records))
	for i, rec := range e.records {
		out[i] = *rec
	}
	return out
}

func cacheKey(signature, inputHash string) string {
	return signature + "@" + inputHash
}

func hashArguments(args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	// encoding/json writes map keys in sorted order, which makes the
	// serialization canonical for hashing.
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func anyUnavailable(v any) bool {
	switch tv := v.(type) {
	case string:
		return task.IsUnavailable(tv)
	case map[string]any:
		for _, nested := range tv {
			if anyUnavailable(nested) {
				return true
			}
		}
	case []any:
		for _, nested := range tv {
			if anyUnavailable(nested) {
				return true
			}
		}
	}
	return false
}

func cloneOutput(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
