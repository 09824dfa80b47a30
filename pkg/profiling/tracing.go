package profiling

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "plugind"

// Tracer wraps an OpenTelemetry tracer. The zero value uses the global
// provider, which is a no-op until the process installs one.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(instrumentationName)}
}

// Start opens a span carrying the given string attributes, passed as
// alternating keys and values.
func (t *Tracer) Start(ctx context.Context, name string, kv ...string) (context.Context, *Span) {
	tr := t.tracer
	if tr == nil {
		tr = otel.Tracer(instrumentationName)
	}
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	ctx, span := tr.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Span{span: span}
}

type Span struct {
	span trace.Span
}

func (s *Span) SetAttribute(key, value string) {
	s.span.SetAttributes(attribute.String(key, value))
}

// End closes the span, marking it failed when err is non-nil.
func (s *Span) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
