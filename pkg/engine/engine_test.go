package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/dispatch-oss/internal/governance"
	"github.com/polisai/dispatch-oss/pkg/cache"
	"github.com/polisai/dispatch-oss/pkg/dispatch"
	"github.com/polisai/dispatch-oss/pkg/domain"
	"github.com/polisai/dispatch-oss/pkg/match"
	"github.com/polisai/dispatch-oss/pkg/policy"
	"github.com/polisai/dispatch-oss/pkg/registry"
)

const engineDescriptors = `
handlers:
  - name: security-scanner
    category: security
    priority: 1
    triggerKeywords:
      - vulnerability
      - scan for vulnerabilities
  - name: performance-optimizer
    category: performance
    priority: 2
    triggerKeywords:
      - optimize
      - optimize database performance
  - name: schema-migrator
    category: data
    priority: 3
    triggerKeywords:
      - migration
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "handlers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(engineDescriptors), 0o600))

	reg, err := registry.NewRegistry([]string{path}, match.DefaultParams(), testLogger())
	require.NoError(t, err)
	return reg
}

func fastEngineConfig() Config {
	return Config{
		MaxFanOut:   5,
		Workers:     4,
		CallTimeout: time.Second,
		CacheTTL:    time.Minute,
		Breaker: governance.BreakerConfig{
			FailureThreshold:  3,
			CoolDown:          time.Minute,
			Window:            time.Minute,
			MaxCoolDownFactor: 8,
		},
	}
}

func dispatcherFor(t *testing.T, fns map[string]dispatch.HandlerFunc) *dispatch.Dispatcher {
	t.Helper()
	table := dispatch.NewTable()
	for name, fn := range fns {
		require.NoError(t, table.Register(dispatch.Registration{Name: name, Fallback: fn}))
	}
	return dispatch.NewDispatcher(table, dispatch.Config{
		Retry: governance.RetryConfig{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}, testLogger())
}

func staticHandler(value any) dispatch.HandlerFunc {
	return func(context.Context, any) (any, error) { return value, nil }
}

func outcomeFor(t *testing.T, outcomes []domain.HandlerOutcome, handler string) domain.HandlerOutcome {
	t.Helper()
	for _, o := range outcomes {
		if o.Handler == handler {
			return o
		}
	}
	t.Fatalf("no outcome for handler %s", handler)
	return domain.HandlerOutcome{}
}

func TestProcessDispatchesMatchedHandlers(t *testing.T) {
	reg := testRegistry(t)
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"security-scanner":      staticHandler("scan-done"),
		"performance-optimizer": staticHandler("optimized"),
		"schema-migrator":       staticHandler("migrated"),
	})
	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	response, err := eng.Process(context.Background(), "scan for vulnerabilities and optimize database performance", nil)
	require.NoError(t, err)

	assert.True(t, response.SuggestsParallel)
	require.Len(t, response.Outcomes, 2)

	scan := outcomeFor(t, response.Outcomes, "security-scanner")
	assert.Equal(t, domain.StatusSuccess, scan.Status)
	assert.Equal(t, "scan-done", scan.Value)
	assert.Equal(t, domain.PathFallback, scan.Path)

	opt := outcomeFor(t, response.Outcomes, "performance-optimizer")
	assert.Equal(t, domain.StatusSuccess, opt.Status)
}

func TestProcessEmptyMatchDispatchesNothing(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"security-scanner": func(context.Context, any) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	})
	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	response, err := eng.Process(context.Background(), "nothing matches here", nil)
	require.NoError(t, err)

	assert.Empty(t, response.Outcomes)
	assert.Empty(t, response.Candidates)
	assert.Equal(t, int32(0), calls.Load())
}

func TestProcessInputTooLargeIsHardError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handlers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(engineDescriptors), 0o600))
	reg, err := registry.NewRegistry([]string{path}, match.Params{MaxInputLength: 32}, testLogger())
	require.NoError(t, err)

	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{})
	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	_, err = eng.Process(context.Background(), "this input is definitely longer than thirty two bytes", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInputTooLarge)
}

func TestProcessServesSecondCallFromCache(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"schema-migrator": func(context.Context, any) (any, error) {
			calls.Add(1)
			return "migrated", nil
		},
	})
	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	first, err := eng.Process(context.Background(), "run the migration", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, outcomeFor(t, first.Outcomes, "schema-migrator").Status)

	// Same input after normalization: served from cache, handler not re-run.
	second, err := eng.Process(context.Background(), "Run the MIGRATION!", nil)
	require.NoError(t, err)
	cached := outcomeFor(t, second.Outcomes, "schema-migrator")
	assert.Equal(t, domain.StatusCached, cached.Status)
	assert.Equal(t, "migrated", cached.Value)
	assert.Equal(t, domain.PathNone, cached.Path)
	assert.Equal(t, int32(1), calls.Load())

	status := eng.GetStatus()
	assert.Equal(t, uint64(1), status.CacheHits)
}

func TestProcessFailedResultsNotCached(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"schema-migrator": func(context.Context, any) (any, error) {
			calls.Add(1)
			return nil, governance.Fatal(errors.New("bad schema"))
		},
	})
	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	first, err := eng.Process(context.Background(), "run the migration", nil)
	require.NoError(t, err)
	failed := outcomeFor(t, first.Outcomes, "schema-migrator")
	assert.Equal(t, domain.StatusError, failed.Status)
	assert.Equal(t, "handler_fatal", failed.ErrorKind)

	_, err = eng.Process(context.Background(), "run the migration", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "failures must not be served from cache")
}

func TestProcessCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"schema-migrator": func(context.Context, any) (any, error) {
			calls.Add(1)
			return nil, governance.Fatal(errors.New("still broken"))
		},
	})
	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	// Threshold is 3 consecutive failures.
	for i := 0; i < 3; i++ {
		response, err := eng.Process(context.Background(), "run the migration", nil)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusError, outcomeFor(t, response.Outcomes, "schema-migrator").Status)
	}
	invoked := calls.Load()

	response, err := eng.Process(context.Background(), "run the migration", nil)
	require.NoError(t, err)
	open := outcomeFor(t, response.Outcomes, "schema-migrator")
	assert.Equal(t, domain.StatusCircuitOpen, open.Status)
	assert.Equal(t, "circuit_open", open.ErrorKind)
	assert.Equal(t, invoked, calls.Load(), "open circuit must refuse without invoking")

	status := eng.GetStatus()
	require.Len(t, status.Circuits, 1)
	assert.Equal(t, "open", status.Circuits[0].State)
}

func TestProcessHints(t *testing.T) {
	reg := testRegistry(t)
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"security-scanner": staticHandler("scan-done"),
	})
	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	response, err := eng.Process(context.Background(), "no keywords at all",
		[]string{"security-scanner", "ghost-handler"})
	require.NoError(t, err)

	hinted := outcomeFor(t, response.Outcomes, "security-scanner")
	assert.Equal(t, domain.StatusSuccess, hinted.Status, "hinted handler dispatches without a keyword match")

	ghost := outcomeFor(t, response.Outcomes, "ghost-handler")
	assert.Equal(t, domain.StatusError, ghost.Status)
	assert.Equal(t, "unknown_handler", ghost.ErrorKind)
}

func TestProcessHandlerNotRegisteredInTable(t *testing.T) {
	reg := testRegistry(t)
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{})
	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	response, err := eng.Process(context.Background(), "run the migration", nil)
	require.NoError(t, err)

	missing := outcomeFor(t, response.Outcomes, "schema-migrator")
	assert.Equal(t, domain.StatusError, missing.Status)
	assert.Equal(t, "unknown_handler", missing.ErrorKind)
}

func TestProcessWorkerBound(t *testing.T) {
	reg := testRegistry(t)

	var mu sync.Mutex
	running, peak := 0, 0
	track := func(context.Context, any) (any, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return "done", nil
	}

	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"security-scanner":      track,
		"performance-optimizer": track,
		"schema-migrator":       track,
	})

	cfg := fastEngineConfig()
	cfg.Workers = 1
	eng := NewEngine(cfg, reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	response, err := eng.Process(context.Background(), "vulnerability optimize migration", nil)
	require.NoError(t, err)
	require.Len(t, response.Outcomes, 3)
	for _, o := range response.Outcomes {
		assert.Equal(t, domain.StatusSuccess, o.Status)
	}
	assert.Equal(t, 1, peak, "at most one task may execute at a time with one worker slot")
}

func TestProcessFanOutCap(t *testing.T) {
	reg := testRegistry(t)
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"security-scanner":      staticHandler("a"),
		"performance-optimizer": staticHandler("b"),
		"schema-migrator":       staticHandler("c"),
	})

	cfg := fastEngineConfig()
	cfg.MaxFanOut = 1
	eng := NewEngine(cfg, reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	response, err := eng.Process(context.Background(), "vulnerability optimize migration", nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(response.Candidates), 3, "ranking still reports every candidate")
	require.Len(t, response.Outcomes, 1, "dispatch is capped at MaxFanOut")
	assert.Equal(t, "security-scanner", response.Outcomes[0].Handler, "top-ranked candidate wins the slot")
}

func TestProcessPromotesCoordinatorOnBroadMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handlers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
handlers:
  - name: deploy-coordinator
    category: infrastructure
    priority: 1
    tags: [coordinator]
    triggerKeywords: [orchestrate]
  - name: security-scanner
    category: security
    triggerKeywords: [vulnerability]
  - name: performance-optimizer
    category: performance
    triggerKeywords: [optimize]
  - name: schema-migrator
    category: data
    triggerKeywords: [migration]
  - name: build-doctor
    category: development
    triggerKeywords: [build]
`), 0o600))
	reg, err := registry.NewRegistry([]string{path}, match.DefaultParams(), testLogger())
	require.NoError(t, err)

	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"deploy-coordinator":    staticHandler("coordinated"),
		"security-scanner":      staticHandler("a"),
		"performance-optimizer": staticHandler("b"),
		"schema-migrator":       staticHandler("c"),
		"build-doctor":          staticHandler("d"),
	})

	cfg := fastEngineConfig()
	cfg.Workers = 8
	eng := NewEngine(cfg, reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	// Four matched handlers is a broad result, so the coordinator leads the
	// dispatch set even though nothing matched its own triggers.
	response, err := eng.Process(context.Background(), "vulnerability optimize migration build", nil)
	require.NoError(t, err)

	require.Len(t, response.Outcomes, 5)
	lead := outcomeFor(t, response.Outcomes, "deploy-coordinator")
	assert.Equal(t, domain.StatusSuccess, lead.Status)
	assert.Equal(t, "coordinated", lead.Value)
}

func TestProcessNoCoordinatorPromotionOnNarrowMatch(t *testing.T) {
	reg := testRegistry(t)
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"schema-migrator": staticHandler("migrated"),
	})
	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	response, err := eng.Process(context.Background(), "run the migration", nil)
	require.NoError(t, err)
	require.Len(t, response.Outcomes, 1)
	assert.Equal(t, "schema-migrator", response.Outcomes[0].Handler)
}

func TestProcessDeadlineReportsTimedOut(t *testing.T) {
	reg := testRegistry(t)
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"schema-migrator": func(ctx context.Context, _ any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		},
	})

	cfg := fastEngineConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	eng := NewEngine(cfg, reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	start := time.Now()
	response, err := eng.Process(context.Background(), "run the migration", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "the caller must not wait out a stuck handler")

	timedOut := outcomeFor(t, response.Outcomes, "schema-migrator")
	assert.Equal(t, domain.StatusTimedOut, timedOut.Status)
	assert.Equal(t, "timed_out", timedOut.ErrorKind)
}

func TestProcessTimedOutTaskCountsOnce(t *testing.T) {
	reg := testRegistry(t)
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"schema-migrator": func(context.Context, any) (any, error) {
			// Ignores cancellation so the task is still in flight when the
			// call deadline fires.
			time.Sleep(300 * time.Millisecond)
			return "late", nil
		},
	})

	cfg := fastEngineConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	eng := NewEngine(cfg, reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	response, err := eng.Process(context.Background(), "run the migration", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimedOut, outcomeFor(t, response.Outcomes, "schema-migrator").Status)

	// Let the task goroutine finish its own bookkeeping, then confirm the
	// timeout was counted exactly once.
	time.Sleep(100 * time.Millisecond)
	status := eng.GetStatus()
	assert.Equal(t, uint64(1), status.TotalErrors, "one timed-out task is one error")
	assert.Equal(t, uint64(1), status.TotalExecutions)
}

func TestProcessGuardSkipsDeniedHandlers(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"security-scanner": staticHandler("scan-done"),
		"schema-migrator": func(context.Context, any) (any, error) {
			calls.Add(1)
			return "migrated", nil
		},
	})

	guard, err := policy.NewGuard(context.Background(), policy.GuardOptions{
		Module: `package dispatch

default allow := true

allow := false if input.category == "data"
`,
	})
	require.NoError(t, err)

	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), guard, testLogger())

	response, err := eng.Process(context.Background(), "vulnerability migration", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuccess, outcomeFor(t, response.Outcomes, "security-scanner").Status)

	skipped := outcomeFor(t, response.Outcomes, "schema-migrator")
	assert.Equal(t, domain.StatusSkipped, skipped.Status)
	assert.Equal(t, int32(0), calls.Load(), "denied handler must not be invoked")
}

func TestGetStatusCounters(t *testing.T) {
	reg := testRegistry(t)
	disp := dispatcherFor(t, map[string]dispatch.HandlerFunc{
		"schema-migrator": staticHandler("migrated"),
	})
	eng := NewEngine(fastEngineConfig(), reg, disp, cache.NewMemoryCache(16), nil, testLogger())

	_, err := eng.Process(context.Background(), "run the migration", nil)
	require.NoError(t, err)
	_, err = eng.Process(context.Background(), "run the migration", nil)
	require.NoError(t, err)

	status := eng.GetStatus()
	assert.Equal(t, 3, status.HandlersLoaded)
	assert.Equal(t, int64(1), status.RegistryVersion)
	assert.Equal(t, uint64(1), status.TotalExecutions)
	assert.Equal(t, uint64(1), status.CacheHits)
	assert.Equal(t, uint64(1), status.CacheMisses)
	assert.InDelta(t, 0.5, status.CacheHitRate, 1e-9)
	assert.Equal(t, 4, status.Workers)
	assert.GreaterOrEqual(t, status.UptimeSeconds, 0.0)
}
