package telemetry

import "sync"

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	dispatchCounter = nil
	dispatchRetryCounter = nil
	dispatchCircuitOpenCounter = nil
	dispatchTimeoutCounter = nil
	dispatchCacheHitCounter = nil
	dispatchLatencyHistogram = nil
}
