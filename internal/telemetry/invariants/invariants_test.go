package invariants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func attr(event sdktrace.Event, key string) string {
	for _, kv := range event.Attributes {
		if kv.Key == attribute.Key(key) {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestViolationLandsOnActiveSpan(t *testing.T) {
	recorder := withRecorder(t)
	before := Count()

	ctx, span := otel.Tracer("test").Start(context.Background(), "clientauth.login")
	ok := RetriesWithin(ctx, "clientauth.locateIdentifier", 4, 3)
	span.End()

	assert.False(t, ok)
	assert.Equal(t, before+1, Count())
	ended := recorder.Ended()
	require.Len(t, ended, 1)
	events := ended[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventName, events[0].Name)
	assert.Equal(t, RuleRetryBudget, attr(events[0], "rule"))
	assert.Equal(t, "clientauth.locateIdentifier", attr(events[0], "where"))
	assert.Equal(t, "4", attr(events[0], "field.used"))
	assert.Equal(t, "3", attr(events[0], "field.limit"))
}

func TestViolationWithoutSpanOpensOneOff(t *testing.T) {
	recorder := withRecorder(t)

	assert.False(t, LegalTransition(context.Background(), "session.State.Transition", "not_started", "authenticated", false))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, EventName, ended[0].Name())
	assert.Equal(t, "not_started -> authenticated", attr(ended[0].Events()[0], "reason"))
}

func TestHoldingRulesEmitNothing(t *testing.T) {
	recorder := withRecorder(t)
	before := Count()
	ctx := context.Background()

	assert.True(t, RetriesWithin(ctx, "x", 3, 3))
	assert.True(t, RetriesWithin(ctx, "x", 10, 0))
	assert.True(t, LegalTransition(ctx, "x", "connected", "authenticating", true))
	assert.True(t, WindowMatchesPhase(ctx, "x", "connected", true, true))
	assert.True(t, WindowMatchesPhase(ctx, "x", "starting", false, false))

	assert.Empty(t, recorder.Ended())
	assert.Equal(t, before, Count())
}

func TestWindowMismatchReportsPhase(t *testing.T) {
	recorder := withRecorder(t)

	assert.False(t, WindowMatchesPhase(context.Background(), "session.State.Transition", "connected", true, false))

	event := recorder.Ended()[0].Events()[0]
	assert.Equal(t, RuleWindowMatchPhase, attr(event, "rule"))
	assert.Equal(t, "connected", attr(event, "field.phase"))
	assert.Equal(t, "false", attr(event, "field.has_window"))
}
