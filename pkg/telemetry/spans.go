package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/redhat-et/delegated-secrets-demo"

// Span attribute keys for the delegated-secrets demo domain.
var (
	AttrSubject       = attribute.Key("obodemo.subject")
	AttrUsername      = attribute.Key("obodemo.username")
	AttrCorrelationID = attribute.Key("obodemo.correlation_id")
	AttrStage         = attribute.Key("obodemo.stage")
	AttrRole          = attribute.Key("obodemo.role")
	AttrOperation     = attribute.Key("obodemo.operation")
	AttrProductID     = attribute.Key("obodemo.product.id")
	AttrJWTIssuer     = attribute.Key("obodemo.jwt.issuer")
	AttrJWTAudience   = attribute.Key("obodemo.jwt.audience")
	AttrJWTGroups     = attribute.Key("obodemo.jwt.groups")
	AttrCredentialTTL = attribute.Key("obodemo.credential.ttl_seconds")
	AttrDecision      = attribute.Key("obodemo.decision")
	AttrReason        = attribute.Key("obodemo.reason")
)

// Tracer returns the project-wide OTel tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan creates a new span with the given name and optional attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// SetSpanError records an error on the span and sets its status to Error.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to OK.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SetSpanAttributes annotates the span active on ctx. A no-op when the
// context carries no span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// AddSpanEvent marks a point-in-time event on the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
