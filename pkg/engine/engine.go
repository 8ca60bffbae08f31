// Package engine orchestrates one routed call end to end: match the input
// against the active registry snapshot, fan out a bounded set of candidate
// tasks through the shared worker slots, and aggregate per-handler outcomes.
// A Process call always yields an AggregatedResponse; individual handler
// failures are reported in the outcome list, never as a call-level error.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/dispatch-oss/internal/governance"
	"github.com/polisai/dispatch-oss/pkg/cache"
	"github.com/polisai/dispatch-oss/pkg/dispatch"
	"github.com/polisai/dispatch-oss/pkg/domain"
	"github.com/polisai/dispatch-oss/pkg/match"
	"github.com/polisai/dispatch-oss/pkg/policy"
	"github.com/polisai/dispatch-oss/pkg/registry"
	"github.com/polisai/dispatch-oss/pkg/telemetry"
)

// Config holds the execution engine tuning knobs.
type Config struct {
	// MaxFanOut caps the number of candidate handlers dispatched per call.
	MaxFanOut int
	// Workers bounds how many tasks execute simultaneously process-wide.
	Workers int
	// CallTimeout is the default per-call deadline applied when the caller's
	// context carries none.
	CallTimeout time.Duration
	// CacheTTL is how long successful results stay servable from the cache.
	CacheTTL time.Duration
	// Breaker configures the per-handler circuit breakers.
	Breaker governance.BreakerConfig
}

// DefaultConfig returns sensible engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxFanOut:   5,
		Workers:     runtime.GOMAXPROCS(0),
		CallTimeout: 30 * time.Second,
		CacheTTL:    60 * time.Second,
		Breaker:     governance.DefaultBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFanOut <= 0 {
		c.MaxFanOut = d.MaxFanOut
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	return c
}

// Engine ties the registry, dispatcher, cache and breakers together behind
// the Process entry point.
type Engine struct {
	config     Config
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	breakers   *governance.BreakerManager
	store      cache.ResultCache
	guard      *policy.Guard
	sem        *prioritySemaphore
	logger     *slog.Logger
	tracer     trace.Tracer

	startedAt       time.Time
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	totalExecutions atomic.Uint64
	totalErrors     atomic.Uint64
}

// NewEngine builds an engine. The guard is optional; a nil guard means every
// candidate is dispatched unvetted. The cache is required; callers that want
// no caching pass a cache with zero capacity.
func NewEngine(config Config, reg *registry.Registry, dispatcher *dispatch.Dispatcher, store cache.ResultCache, guard *policy.Guard, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	return &Engine{
		config:     config,
		registry:   reg,
		dispatcher: dispatcher,
		breakers:   governance.NewBreakerManager(config.Breaker),
		store:      store,
		guard:      guard,
		sem:        newPrioritySemaphore(config.Workers),
		logger:     logger,
		tracer:     otel.Tracer("dispatch.engine"),
		startedAt:  time.Now(),
	}
}

// Breakers exposes the breaker manager for status reporting and admin resets.
func (e *Engine) Breakers() *governance.BreakerManager {
	return e.breakers
}

// Process routes the input text, dispatches the top candidates concurrently
// and returns the aggregated outcomes. Hints name handlers that are
// dispatched regardless of keyword matching. Only oversized input or a
// missing registry snapshot produce a hard error.
func (e *Engine) Process(ctx context.Context, text string, hints []string) (domain.AggregatedResponse, error) {
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "engine.process",
		trace.WithAttributes(
			attribute.Int("input.length", len(text)),
			attribute.Int("input.hints", len(hints)),
		))
	defer span.End()

	snap := e.registry.Snapshot()
	if snap == nil {
		return domain.AggregatedResponse{}, domain.ErrRegistryEmpty
	}

	result, err := snap.Trie.Match(text)
	if err != nil {
		span.RecordError(err)
		return domain.AggregatedResponse{}, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.CallTimeout)
		defer cancel()
	}

	response := domain.AggregatedResponse{
		MatchedKeywords:  result.MatchedKeywords,
		Candidates:       result.Candidates,
		Categories:       result.Categories,
		SuggestsParallel: result.SuggestsParallel,
	}

	tasks, hintOutcomes := e.planTasks(snap, result, hints)
	response.Outcomes = append(response.Outcomes, hintOutcomes...)
	if len(tasks) == 0 {
		response.Elapsed = time.Since(start)
		return response, nil
	}

	span.SetAttributes(attribute.Int("dispatch.fan_out", len(tasks)))

	normalized := match.Normalize(text)
	outcomes := e.runTasks(ctx, snap, tasks, normalized, text)
	response.Outcomes = append(response.Outcomes, outcomes...)
	response.Elapsed = time.Since(start)
	return response, nil
}

// planTasks selects the dispatch set: the top MaxFanOut ranked candidates
// plus any hinted handlers not already selected. A broad match (more than
// three candidates) additionally promotes a coordinator-tagged handler to the
// front of the set, so wide fan-outs get an orchestrating view. Hints naming
// handlers absent from the snapshot are reported as immediate error outcomes.
func (e *Engine) planTasks(snap *registry.Snapshot, result domain.MatchResult, hints []string) ([]domain.Task, []domain.HandlerOutcome) {
	now := time.Now()
	selected := make(map[string]struct{})
	var tasks []domain.Task

	if len(result.Candidates) > 3 {
		if d, ok := coordinatorFor(snap); ok {
			selected[d.Name] = struct{}{}
			tasks = append(tasks, domain.Task{
				ID:          uuid.NewString(),
				HandlerName: d.Name,
				Priority:    d.Priority,
				SubmittedAt: now,
			})
		}
	}

	for _, c := range result.Candidates {
		if _, dup := selected[c.Handler]; dup {
			continue
		}
		if len(tasks) >= e.config.MaxFanOut {
			break
		}
		selected[c.Handler] = struct{}{}
		tasks = append(tasks, domain.Task{
			ID:          uuid.NewString(),
			HandlerName: c.Handler,
			Priority:    c.Priority,
			SubmittedAt: now,
		})
	}

	var hintOutcomes []domain.HandlerOutcome
	for _, hint := range hints {
		if _, dup := selected[hint]; dup {
			continue
		}
		d, ok := snap.ByName[hint]
		if !ok {
			hintOutcomes = append(hintOutcomes, domain.HandlerOutcome{
				Handler:   hint,
				Status:    domain.StatusError,
				Path:      domain.PathNone,
				ErrorKind: domain.ErrorKind(domain.ErrUnknownHandler),
				Error:     "hinted handler is not registered",
			})
			continue
		}
		selected[hint] = struct{}{}
		tasks = append(tasks, domain.Task{
			ID:          uuid.NewString(),
			HandlerName: hint,
			Priority:    d.Priority,
			SubmittedAt: now,
		})
	}

	return tasks, hintOutcomes
}

// coordinatorFor returns the coordinator-tagged handler with the strongest
// priority, name-ordered for determinism when priorities tie.
func coordinatorFor(snap *registry.Snapshot) (domain.HandlerDescriptor, bool) {
	var best domain.HandlerDescriptor
	found := false
	for _, d := range snap.Descriptors {
		if !d.HasTag("coordinator") {
			continue
		}
		if !found || d.Priority < best.Priority || (d.Priority == best.Priority && d.Name < best.Name) {
			best = d
			found = true
		}
	}
	return best, found
}

type taskResult struct {
	index   int
	outcome domain.HandlerOutcome
}

// runTasks fans the tasks out and collects their outcomes. When the call
// deadline fires, tasks that have not reported yet are recorded as timed out
// and the call returns without waiting on stuck handlers; their worker slots
// are reclaimed independently.
func (e *Engine) runTasks(ctx context.Context, snap *registry.Snapshot, tasks []domain.Task, normalized, payload string) []domain.HandlerOutcome {
	results := make(chan taskResult, len(tasks))
	for i, task := range tasks {
		go func(i int, task domain.Task) {
			results <- taskResult{index: i, outcome: e.executeTask(ctx, snap, task, normalized, payload)}
		}(i, task)
	}

	outcomes := make([]domain.HandlerOutcome, len(tasks))
	reported := make([]bool, len(tasks))
	pending := len(tasks)
	for pending > 0 {
		select {
		case r := <-results:
			outcomes[r.index] = r.outcome
			reported[r.index] = true
			pending--
		case <-ctx.Done():
			// Only synthesize the response entries here. Each outstanding
			// task's goroutine observes the cancellation itself and owns the
			// counter and telemetry accounting, so nothing is counted twice.
			for i := range outcomes {
				if !reported[i] {
					outcomes[i] = timedOutResult(tasks[i])
				}
			}
			return outcomes
		}
	}
	return outcomes
}

// executeTask runs one candidate through the full pipeline: worker slot,
// policy guard, result cache, circuit breaker, then the tandem dispatcher.
// The cache is consulted before the breaker so hits keep serving while a
// circuit is open and a half-open trial slot is never spent on a hit.
func (e *Engine) executeTask(ctx context.Context, snap *registry.Snapshot, task domain.Task, normalized, payload string) domain.HandlerOutcome {
	if err := e.sem.Acquire(ctx, task.Priority); err != nil {
		return e.timedOutOutcome(ctx, task, snap)
	}

	descriptor := snap.ByName[task.HandlerName]

	if e.guard != nil {
		allowed, err := e.guard.Allow(ctx, policy.Input{
			Handler:  task.HandlerName,
			Category: descriptor.Category,
			Priority: task.Priority,
			Tags:     descriptor.Tags,
			Query:    payload,
		})
		if err != nil {
			e.logger.Warn("dispatch guard evaluation failed, allowing",
				"handler", task.HandlerName, "error", err)
		} else if !allowed {
			e.sem.Release()
			return e.record(ctx, descriptor, domain.HandlerOutcome{
				Handler: task.HandlerName,
				Status:  domain.StatusSkipped,
				Path:    domain.PathNone,
				Error:   "denied by dispatch policy",
			})
		}
	}

	fingerprint := cache.Fingerprint(normalized, task.HandlerName)
	if value, ok := e.store.Get(ctx, fingerprint); ok {
		e.cacheHits.Add(1)
		e.sem.Release()
		return e.record(ctx, descriptor, domain.HandlerOutcome{
			Handler: task.HandlerName,
			Status:  domain.StatusCached,
			Path:    domain.PathNone,
			Value:   value,
		})
	}
	e.cacheMisses.Add(1)

	breaker := e.breakers.Get(task.HandlerName)
	if err := breaker.Allow(); err != nil {
		e.totalErrors.Add(1)
		e.sem.Release()
		return e.record(ctx, descriptor, domain.HandlerOutcome{
			Handler:   task.HandlerName,
			Status:    domain.StatusCircuitOpen,
			Path:      domain.PathNone,
			ErrorKind: "circuit_open",
			Error:     err.Error(),
		})
	}

	e.totalExecutions.Add(1)

	// The invocation runs in its own goroutine so the worker slot can be
	// reclaimed when the deadline fires even if the handler ignores
	// cancellation; a late result is discarded.
	invoked := make(chan dispatch.Result, 1)
	go func() {
		invoked <- e.dispatcher.Invoke(ctx, task.HandlerName, payload)
		e.sem.Release()
	}()

	var res dispatch.Result
	select {
	case res = <-invoked:
	case <-ctx.Done():
		breaker.Record(ctx.Err())
		e.totalErrors.Add(1)
		return e.record(ctx, descriptor, domain.HandlerOutcome{
			Handler:   task.HandlerName,
			Status:    domain.StatusTimedOut,
			Path:      domain.PathNone,
			ErrorKind: domain.ErrorKind(domain.ErrTimedOut),
			Error:     context.DeadlineExceeded.Error(),
			Latency:   time.Since(task.SubmittedAt),
		})
	}

	breaker.Record(res.Err)

	outcome := domain.HandlerOutcome{
		Handler:  task.HandlerName,
		Path:     res.Path,
		Attempts: res.Attempts,
		Latency:  res.Latency,
	}
	switch {
	case res.Err == nil:
		outcome.Status = domain.StatusSuccess
		outcome.Value = res.Value
		e.store.Put(ctx, fingerprint, res.Value, e.config.CacheTTL)
	case errors.Is(res.Err, domain.ErrTimedOut) || errors.Is(res.Err, context.DeadlineExceeded) || errors.Is(res.Err, context.Canceled):
		e.totalErrors.Add(1)
		outcome.Status = domain.StatusTimedOut
		outcome.ErrorKind = domain.ErrorKind(domain.ErrTimedOut)
		outcome.Error = res.Err.Error()
	default:
		e.totalErrors.Add(1)
		outcome.Status = domain.StatusError
		outcome.ErrorKind = domain.ErrorKind(res.Err)
		outcome.Error = res.Err.Error()
	}
	return e.record(ctx, descriptor, outcome)
}

// timedOutResult builds the outcome for a task the call deadline overtook.
// It carries no accounting; callers decide whether to count it.
func timedOutResult(task domain.Task) domain.HandlerOutcome {
	return domain.HandlerOutcome{
		Handler:   task.HandlerName,
		Status:    domain.StatusTimedOut,
		Path:      domain.PathNone,
		ErrorKind: domain.ErrorKind(domain.ErrTimedOut),
		Error:     "call deadline exceeded before dispatch completed",
		Latency:   time.Since(task.SubmittedAt),
	}
}

// timedOutOutcome counts and records a task that never ran because the call
// deadline fired before it got a worker slot.
func (e *Engine) timedOutOutcome(ctx context.Context, task domain.Task, snap *registry.Snapshot) domain.HandlerOutcome {
	e.totalErrors.Add(1)
	return e.record(ctx, snap.ByName[task.HandlerName], timedOutResult(task))
}

func (e *Engine) record(ctx context.Context, descriptor domain.HandlerDescriptor, outcome domain.HandlerOutcome) domain.HandlerOutcome {
	telemetry.RecordDispatchMetrics(ctx, telemetry.DispatchMetrics{
		Handler:  outcome.Handler,
		Category: string(descriptor.Category),
		Path:     outcome.Path,
		Status:   outcome.Status,
		Duration: outcome.Latency,
		Attempts: outcome.Attempts,
	})
	return outcome
}

// GetStatus reports the engine's operational state.
func (e *Engine) GetStatus() domain.EngineStatus {
	status := domain.EngineStatus{
		CacheHits:       e.cacheHits.Load(),
		CacheMisses:     e.cacheMisses.Load(),
		QueueDepth:      e.sem.Waiting(),
		Workers:         e.config.Workers,
		TotalExecutions: e.totalExecutions.Load(),
		TotalErrors:     e.totalErrors.Load(),
		UptimeSeconds:   time.Since(e.startedAt).Seconds(),
	}
	if total := status.CacheHits + status.CacheMisses; total > 0 {
		status.CacheHitRate = float64(status.CacheHits) / float64(total)
	}

	if snap := e.registry.Snapshot(); snap != nil {
		status.HandlersLoaded = len(snap.Descriptors)
		status.RegistryVersion = snap.Version
	}

	for _, handler := range e.breakers.Handlers() {
		stats := e.breakers.Get(handler).Stats()
		status.Circuits = append(status.Circuits, domain.CircuitStatus{
			Handler:             handler,
			State:               stats.State,
			ConsecutiveFailures: stats.ConsecutiveFailures,
			Reopenings:          stats.Reopenings,
		})
	}
	return status
}
