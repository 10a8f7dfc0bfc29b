package core

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span is the minimal tracing-span contract components depend on,
// independent of any particular tracing backend.
type Span interface {
	SetAttribute(key string, value interface{})
	AddEvent(name string, attrs ...map[string]interface{})
	RecordError(err error)
	End()
}

// Telemetry is the minimal contract for starting spans and emitting
// counters/gauges. Components accept this interface so they work the same
// whether wired to a real OpenTelemetry SDK or left at the NoOp default.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Counter(name string, value float64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
}

// NoOpSpan discards everything.
type NoOpSpan struct{}

func (NoOpSpan) SetAttribute(string, interface{})      {}
func (NoOpSpan) AddEvent(string, ...map[string]interface{}) {}
func (NoOpSpan) RecordError(error)                     {}
func (NoOpSpan) End()                                  {}

// NoOpTelemetry is the default Telemetry implementation when no tracer is
// configured.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, NoOpSpan{}
}
func (NoOpTelemetry) Counter(string, float64, map[string]string) {}
func (NoOpTelemetry) Gauge(string, float64, map[string]string)   {}

var (
	_ Telemetry = NoOpTelemetry{}
	_ Telemetry = (*OTelTelemetry)(nil)
)

// otelSpan adapts an OpenTelemetry trace.Span to the Span interface.
type otelSpan struct{ span trace.Span }

func (s otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, toString(value)))
}

func (s otelSpan) AddEvent(name string, attrs ...map[string]interface{}) {
	var opts []trace.EventOption
	for _, m := range attrs {
		for k, v := range m {
			opts = append(opts, trace.WithAttributes(attribute.String(k, toString(v))))
		}
	}
	s.span.AddEvent(name, opts...)
}

func (s otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

func (s otelSpan) End() { s.span.End() }

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return ""
	}
}

// OTelTelemetry wires span creation to a named OpenTelemetry tracer and
// counters/gauges to its meter. Construct with NewOTelTelemetry; the
// global otel.Tracer/otel.Meter providers are used, so wiring an SDK
// provider at process start (via go.opentelemetry.io/otel/sdk) is enough
// to make every span and metric real.
type OTelTelemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
	gauges   map[string]metric.Float64Gauge
}

// NewOTelTelemetry builds an OTelTelemetry using the global tracer/meter
// providers under the given instrumentation name.
func NewOTelTelemetry(instrumentationName string) *OTelTelemetry {
	return &OTelTelemetry{
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		counters: make(map[string]metric.Float64Counter),
		gauges:   make(map[string]metric.Float64Gauge),
	}
}

// InstallStdoutTracerProvider wires the global OpenTelemetry tracer
// provider to a batching span processor over a stdout exporter, for
// environments with no collector to ship spans to.
func InstallStdoutTracerProvider(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func (t *OTelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, otelSpan{span: span}
}

func (t *OTelTelemetry) Counter(name string, value float64, tags map[string]string) {
	t.mu.Lock()
	c, ok := t.counters[name]
	if !ok {
		var err error
		c, err = t.meter.Float64Counter(name)
		if err != nil {
			t.mu.Unlock()
			return
		}
		t.counters[name] = c
	}
	t.mu.Unlock()
	c.Add(context.Background(), value, metric.WithAttributes(attrsFromTags(tags)...))
}

func (t *OTelTelemetry) Gauge(name string, value float64, tags map[string]string) {
	t.mu.Lock()
	g, ok := t.gauges[name]
	if !ok {
		var err error
		g, err = t.meter.Float64Gauge(name)
		if err != nil {
			t.mu.Unlock()
			return
		}
		t.gauges[name] = g
	}
	t.mu.Unlock()
	g.Record(context.Background(), value, metric.WithAttributes(attrsFromTags(tags)...))
}

func attrsFromTags(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
