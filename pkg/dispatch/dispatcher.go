package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/dispatch-oss/internal/governance"
	"github.com/polisai/dispatch-oss/pkg/domain"
)

// Config holds the tandem dispatcher tuning knobs.
type Config struct {
	// Mode selects fast-path availability (auto/on/off).
	Mode FastPathMode
	// FastFailureRateThreshold skips the fast path for a handler whose
	// recent fast-path failure rate reaches this fraction (0..1).
	FastFailureRateThreshold float64
	// FastHealthWindow is the number of recent fast invocations considered.
	FastHealthWindow int
	// FastMinSamples guards the rate check until enough observations exist.
	FastMinSamples int
	// Retry configures the fallback path's retry/backoff behaviour.
	Retry governance.RetryConfig
}

// DefaultConfig returns sensible dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                     FastPathAuto,
		FastFailureRateThreshold: 0.5,
		FastHealthWindow:         16,
		FastMinSamples:           4,
		Retry:                    governance.DefaultRetryConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.FastFailureRateThreshold <= 0 || c.FastFailureRateThreshold > 1 {
		c.FastFailureRateThreshold = d.FastFailureRateThreshold
	}
	if c.FastHealthWindow <= 0 {
		c.FastHealthWindow = d.FastHealthWindow
	}
	if c.FastMinSamples <= 0 {
		c.FastMinSamples = d.FastMinSamples
	}
	return c
}

// Result is the single outcome reported for every invocation, fast or
// fallback, retried or not.
type Result struct {
	Path     domain.ExecutionPath
	Attempts int
	Latency  time.Duration
	Value    any
	Err      error
}

// Dispatcher chooses between the fast and fallback execution paths per
// invocation and owns the fallback retry loop.
type Dispatcher struct {
	table      *Table
	capability Capability
	config     Config
	retry      *governance.RetryPolicy
	logger     *slog.Logger

	mu     sync.Mutex
	health map[string]*fastHealth
}

// NewDispatcher builds a dispatcher over the registration table. Capability
// detection happens here, once.
func NewDispatcher(table *Table, config Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	d := &Dispatcher{
		table:      table,
		capability: DetectCapability(config.Mode, table),
		config:     config,
		retry:      governance.NewRetryPolicy(config.Retry),
		logger:     logger,
		health:     make(map[string]*fastHealth),
	}
	logger.Info("dispatch capability detected",
		"fast_path", d.capability.FastPath,
		"reason", d.capability.Reason,
	)
	return d
}

// Capability returns the startup capability record.
func (d *Dispatcher) Capability() Capability {
	return d.capability
}

// Invoke runs the handler with tandem path selection. A fast-path failure or
// unavailability degrades to the fallback path within the same call; the
// fallback retries retryable failures up to the configured ceiling with
// exponential backoff. Exactly one Result is reported per invocation.
func (d *Dispatcher) Invoke(ctx context.Context, handlerName string, payload any) Result {
	start := time.Now()

	reg, ok := d.table.Get(handlerName)
	if !ok {
		return Result{
			Path:    domain.PathNone,
			Latency: time.Since(start),
			Err:     fmt.Errorf("%w: %s", domain.ErrUnknownHandler, handlerName),
		}
	}

	attempts := 0

	if d.useFastPath(reg) {
		attempts++
		value, err := d.invokeFast(ctx, reg, payload)
		if err == nil {
			return Result{
				Path:     domain.PathFast,
				Attempts: attempts,
				Latency:  time.Since(start),
				Value:    value,
			}
		}
		if ctx.Err() != nil {
			return Result{
				Path:     domain.PathFast,
				Attempts: attempts,
				Latency:  time.Since(start),
				Err:      ctx.Err(),
			}
		}
		d.logger.Debug("fast path failed, degrading to fallback",
			"handler", handlerName, "error", err)
	}

	value, fallbackAttempts, err := d.retry.ExecuteWithRetry(ctx, func(ctx context.Context) (any, error) {
		return reg.Fallback(ctx, payload)
	})
	attempts += fallbackAttempts

	result := Result{
		Path:     domain.PathFallback,
		Attempts: attempts,
		Latency:  time.Since(start),
		Value:    value,
		Err:      normalizeError(err),
	}
	return result
}

// useFastPath decides availability for one call: the capability flag must be
// set, the handler must have a fast strategy, and its recent fast failure
// rate must be under the threshold.
func (d *Dispatcher) useFastPath(reg Registration) bool {
	if !d.capability.FastPath || reg.Fast == nil {
		return false
	}
	rate, samples := d.healthFor(reg.Name).failureRate()
	if samples < d.config.FastMinSamples {
		return true
	}
	return rate < d.config.FastFailureRateThreshold
}

func (d *Dispatcher) invokeFast(ctx context.Context, reg Registration, payload any) (any, error) {
	value, err := reg.Fast(ctx, payload)
	d.healthFor(reg.Name).record(err != nil)
	return value, err
}

func (d *Dispatcher) healthFor(name string) *fastHealth {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.health[name]
	if !ok {
		h = newFastHealth(d.config.FastHealthWindow)
		d.health[name] = h
	}
	return h
}

// normalizeError maps retry-layer errors onto the domain taxonomy so callers
// see stable error kinds.
func normalizeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, governance.ErrMaxRetriesExceeded):
		return fmt.Errorf("%w: %v", domain.ErrRetryExhausted, err)
	case governance.IsFatal(err):
		return fmt.Errorf("%w: %v", domain.ErrHandlerFatal, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", domain.ErrTimedOut, err)
	default:
		return err
	}
}
