// Package o11y abstracts metrics and tracing so the transport and dispatcher
// can record telemetry without binding to a specific backend.
package o11y

import "context"

// MetricsProvider abstracts metrics collection. The otel subpackage provides
// an OpenTelemetry implementation; tests use NopProvider.
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider abstracts distributed tracing.
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter represents a monotonically increasing metric.
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records a distribution of values.
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge represents a value that can go up and down.
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span represents a unit of work in a trace.
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label is a key-value pair attached to metrics and spans.
type Label struct {
	Key   string
	Value string
}

// SpanStatusCode represents the status of a span.
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// NopProvider discards all metrics. It is the default when no provider is
// configured.
type NopProvider struct{}

func (NopProvider) Counter(name string) Counter     { return nopInstrument{} }
func (NopProvider) Histogram(name string) Histogram { return nopInstrument{} }
func (NopProvider) Gauge(name string) Gauge         { return nopInstrument{} }

type nopInstrument struct{}

func (nopInstrument) Add(ctx context.Context, value int64, labels ...Label)      {}
func (nopInstrument) Record(ctx context.Context, value float64, labels ...Label) {}
func (nopInstrument) Set(ctx context.Context, value float64, labels ...Label)    {}
