package chain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/redhat-et/delegated-secrets-demo/pkg/audit"
	"github.com/redhat-et/delegated-secrets-demo/pkg/policy"
	"github.com/redhat-et/delegated-secrets-demo/pkg/products"
	"github.com/redhat-et/delegated-secrets-demo/pkg/telemetry"
)

// installSpanRecorder swaps in a recording tracer provider for one test.
func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestHandleAnnotatesSpan(t *testing.T) {
	recorder := installSpanRecorder(t)
	h, _, _ := newTerminalHarness(identity("alice", "ReadOnly"))

	ctx := audit.WithCorrelationID(context.Background(), "corr-span")
	_, err := h.Handle(ctx, "alice-token", Operation{Kind: OpList})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "product-service.handle", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	attrs := spanAttrs(span)
	assert.Equal(t, "corr-span", attrs[telemetry.AttrCorrelationID].AsString())
	assert.Equal(t, "list", attrs[telemetry.AttrOperation].AsString())
	assert.Equal(t, "alice", attrs[telemetry.AttrSubject].AsString())
	assert.Equal(t, []string{"ReadOnly"}, attrs[telemetry.AttrJWTGroups].AsStringSlice())
	assert.Equal(t, "readonly", attrs[telemetry.AttrRole].AsString())
	assert.Greater(t, attrs[telemetry.AttrCredentialTTL].AsFloat64(), 0.0)

	var events []string
	for _, ev := range span.Events() {
		events = append(events, ev.Name)
	}
	assert.Equal(t, []string{
		string(audit.StageReceived),
		string(audit.StageValidated),
		string(audit.StageRoleResolved),
		string(audit.StageCredentialBrokered),
		string(audit.StageAccessCompleted),
	}, events)
}

func TestHandleMarksSpanErrorOnDenial(t *testing.T) {
	recorder := installSpanRecorder(t)
	h, _, _ := newTerminalHarness(identity("carol", "Guest"))

	_, err := h.Handle(context.Background(), "carol-token", Operation{Kind: OpList})
	require.ErrorIs(t, err, policy.ErrNoMatchingPolicy)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, codes.Error, span.Status().Code)

	var denial *sdktrace.Event
	for i, ev := range span.Events() {
		if ev.Name == string(audit.StageRoleResolved) {
			denial = &span.Events()[i]
		}
	}
	require.NotNil(t, denial)
	reason := spanEventAttr(*denial, telemetry.AttrReason)
	assert.Contains(t, reason, "no access policy")
}

func TestForwardingSpanCarriesDelegatedAudience(t *testing.T) {
	recorder := installSpanRecorder(t)
	exchanger := &fakeExchanger{}
	downstream := &fakeDownstream{result: &Result{Products: []products.Product{{Name: "Laptop"}}}}
	h := NewForwarding("agent-service", &fakeValidator{id: identity("alice", "ReadOnly")},
		exchanger, downstream, "products", nil, audit.NewRecorder(testLog()), testLog())

	_, err := h.Handle(context.Background(), "alice-token", Operation{Kind: OpList})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "agent-service.handle", spans[0].Name())
	assert.Equal(t, []string{"products"}, attrs[telemetry.AttrJWTAudience].AsStringSlice())
}

func spanEventAttr(ev sdktrace.Event, key attribute.Key) string {
	for _, kv := range ev.Attributes {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}
