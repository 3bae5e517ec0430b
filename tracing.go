package realtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nshafer/realtime"

type tracer struct {
	tracer trace.Tracer
}

// newTracer uses the global provider when tp is nil.
func newTracer(tp trace.TracerProvider) *tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &tracer{tracer: tp.Tracer(tracerName)}
}

// startAttempt opens the span covering one transport attempt, from dial
// until activation or failure.
func (t *tracer) startAttempt(ctx context.Context, kind TransportKind, params TransportParams) trace.Span {
	_, span := t.tracer.Start(ctx, "realtime.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("realtime.transport", string(kind)),
			attribute.String("realtime.host", params.Host),
			attribute.String("realtime.mode", string(params.Mode)),
		),
	)
	return span
}

func endAttempt(span trace.Span, outcome string, err *ErrorInfo) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("realtime.outcome", outcome))
	if err != nil {
		span.SetAttributes(
			attribute.Int("realtime.error.code", err.Code),
			attribute.Int("realtime.error.status", err.StatusCode),
		)
		span.SetStatus(codes.Error, err.Message)
	} else if outcome == "connected" {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
