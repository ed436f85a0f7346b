// Package telemetry exposes the OpenTelemetry instruments of the
// authorization engine. Instruments are taken from the global providers, so
// the process decides where they are exported. Recording before Init is a
// no-op.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ServiceName is the service name reported by the engine.
	ServiceName = "ai-authz-engine"

	// TracerName is the instrumentation scope of the tracer.
	TracerName = "github.com/nielsarts/ai-authz-engine"

	// MeterName is the instrumentation scope of the meter.
	MeterName = "github.com/nielsarts/ai-authz-engine"
)

// Decision results.
const (
	ResultAllow = "allow"
	ResultDeny  = "deny"
	ResultError = "error"
)

var (
	tracer trace.Tracer
	meter  metric.Meter

	// DecisionCounter counts decisions by operation and result.
	DecisionCounter metric.Int64Counter

	// DecisionDuration tracks decision latency in milliseconds.
	DecisionDuration metric.Float64Histogram

	// FilterCompiledCounter counts compiled filter expressions by backend.
	FilterCompiledCounter metric.Int64Counter
)

// Init creates the instruments from the global providers. Instrument
// creation failures leave the instrument unset; telemetry never fails the
// caller.
func Init() {
	tracer = otel.GetTracerProvider().Tracer(TracerName)
	meter = otel.GetMeterProvider().Meter(MeterName)

	var err error

	DecisionCounter, err = meter.Int64Counter("authz.decisions",
		metric.WithDescription("Number of authorization decisions"),
		metric.WithUnit("1"))
	if err != nil {
		DecisionCounter = nil
	}

	DecisionDuration, err = meter.Float64Histogram("authz.decision.duration",
		metric.WithDescription("Duration of authorization decisions"),
		metric.WithUnit("ms"))
	if err != nil {
		DecisionDuration = nil
	}

	FilterCompiledCounter, err = meter.Int64Counter("authz.filter.compiled",
		metric.WithDescription("Number of compiled vector database filter expressions"),
		metric.WithUnit("1"))
	if err != nil {
		FilterCompiledCounter = nil
	}
}

// StartDecisionSpan starts a span for one decision operation, for example
// "authorize". The span is named "authz.<operation>".
func StartDecisionSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	t := tracer
	if t == nil {
		t = otel.GetTracerProvider().Tracer(TracerName)
	}
	allAttrs := append([]attribute.KeyValue{
		attribute.String("authz.operation", operation),
	}, attrs...)

	return t.Start(ctx, "authz."+operation,
		trace.WithAttributes(allAttrs...),
		trace.WithSpanKind(trace.SpanKindInternal))
}

// RecordDecision records the outcome and duration of a decision.
func RecordDecision(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("authz.operation", operation),
		attribute.String("authz.result", result),
	)
	if DecisionCounter != nil {
		DecisionCounter.Add(ctx, 1, attrs)
	}
	if DecisionDuration != nil {
		DecisionDuration.Record(ctx, durationMs, attrs)
	}
}

// RecordFilterCompiled records a compiled filter for the backend.
func RecordFilterCompiled(ctx context.Context, backend string) {
	if FilterCompiledCounter == nil {
		return
	}
	FilterCompiledCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("vectordb.type", backend)))
}
