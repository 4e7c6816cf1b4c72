// internal/broker/tracing.go
// Thin OpenTelemetry integration: every ingress request and every agent poll
// gets a span keyed by its RequestId when a Tracer is configured. When
// cfg.Tracer is nil spans are true no-ops (otel's noop tracer), so call sites
// never need a conditional.
package broker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func (s *Server) tracer() trace.Tracer {
	if s.cfg.Tracer != nil {
		return s.cfg.Tracer
	}
	return noop.NewTracerProvider().Tracer("tunnel-broker")
}

func (s *Server) startSpan(ctx context.Context, name, requestID string) (context.Context, trace.Span) {
	return s.tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("tunnel.request_id", requestID),
	))
}
