// Package telemetry provides simple, production-ready metrics and tracing.
//
// Metrics go through three functions that never fail and never block:
//
//	telemetry.Counter("agentloop.tool.executions", "tool", name, "status", "success")
//	telemetry.Histogram("agentloop.tool.duration_ms", 125.3, "tool", name)
//	defer telemetry.Duration("agentloop.orchestrator.duration_ms", time.Now())
//
// Until Initialize installs real providers they record into the OpenTelemetry
// no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/itsneelabh/agentloop"

var instruments = NewMetricInstruments(instrumentationName)

// Counter increments a counter metric by 1.
// Labels should be provided as key-value pairs.
// Example: Counter("agentloop.jobs.evicted", "reason", "ttl")
func Counter(name string, labels ...string) {
	_ = instruments.RecordCounter(context.Background(), name, 1, metric.WithAttributes(parseLabels(labels...)...))
}

// Histogram records a value in a distribution.
// Example: Histogram("agentloop.tool.duration_ms", 125.3, "tool", "weather")
func Histogram(name string, value float64, labels ...string) {
	_ = instruments.RecordHistogram(context.Background(), name, value, metric.WithAttributes(parseLabels(labels...)...))
}

// Duration records elapsed time since startTime in milliseconds.
//
//	start := time.Now()
//	defer Duration("agentloop.reflection.duration_ms", start)
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// parseLabels converts "k1", "v1", "k2", "v2" into attributes.
// A trailing key without value is dropped.
func parseLabels(labels ...string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
