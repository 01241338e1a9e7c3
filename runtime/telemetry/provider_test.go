package telemetry_test

import (
	"context"
	"testing"

	"github.com/promptkit/treeprompt/runtime/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestTracer_NilProviderFallsBackToGlobal(t *testing.T) {
	tracer := telemetry.Tracer(nil)
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "test-span")
	defer span.End()
	assert.NotNil(t, span)
}

func TestTracer_UsesProvidedProvider(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	tracer := telemetry.Tracer(tp)
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "test-span")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
}
