package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/dispatch-oss/pkg/domain"
)

var (
	metricsOnce                sync.Once
	metricsInitErr             error
	dispatchCounter            metric.Int64Counter
	dispatchRetryCounter       metric.Int64Counter
	dispatchCircuitOpenCounter metric.Int64Counter
	dispatchTimeoutCounter     metric.Int64Counter
	dispatchCacheHitCounter    metric.Int64Counter
	dispatchLatencyHistogram   metric.Float64Histogram
)

// DispatchMetrics captures the fields needed to record handler dispatch telemetry.
type DispatchMetrics struct {
	Handler  string
	Category string
	Path     domain.ExecutionPath
	Status   domain.OutcomeStatus
	Duration time.Duration
	Attempts int
}

// RecordDispatchMetrics emits counters and histograms that describe dispatch behaviour.
func RecordDispatchMetrics(ctx context.Context, metrics DispatchMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("handler.name", metrics.Handler),
		attribute.String("handler.category", metrics.Category),
		attribute.String("dispatch.path", string(metrics.Path)),
		attribute.String("dispatch.status", string(metrics.Status)),
	}

	dispatchCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		dispatchLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Attempts > 1 {
		dispatchRetryCounter.Add(ctx, int64(metrics.Attempts-1), metric.WithAttributes(attrs...))
	}

	switch metrics.Status {
	case domain.StatusCircuitOpen:
		dispatchCircuitOpenCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case domain.StatusTimedOut:
		dispatchTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case domain.StatusCached:
		dispatchCacheHitCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("dispatch.engine")

		dispatchCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.handler.executions_total",
			metric.WithDescription("Handler dispatches partitioned by path and status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		dispatchRetryCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.handler.retries_total",
			metric.WithDescription("Retry attempts performed by the fallback path"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		dispatchCircuitOpenCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.handler.circuit_open_total",
			metric.WithDescription("Dispatches refused because the handler circuit was open"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		dispatchTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.handler.timeouts_total",
			metric.WithDescription("Dispatches that exceeded the call deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		dispatchCacheHitCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.handler.cache_hits_total",
			metric.WithDescription("Dispatches served from the result cache"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		dispatchLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"dispatch.handler.duration_milliseconds",
			metric.WithDescription("Handler dispatch latency"),
			metric.WithUnit("ms"),
		)
	})
	return metricsInitErr
}
