// Package telemetry wires OpenTelemetry exporters and meters for the
// dispatch engine.
//
// It centralises trace provider setup, applies engine-specific resource
// attributes, and records per-dispatch metrics (outcomes, retries, circuit
// opens, latency) so operators can correlate routing decisions with handler
// behaviour.
package telemetry
