package tracer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"f503i-bridge/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok, "expected noop provider, got %T", otel.GetTracerProvider())
}

func TestSetupExporters(t *testing.T) {
	for _, exporter := range []string{"noop", "", "stdout"} {
		shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exporter})
		require.NoError(t, err, exporter)
		require.NoError(t, shutdown(context.Background()), exporter)
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "zipkin"})
	assert.ErrorContains(t, err, "unsupported exporter")
}

func TestSpanHelpers(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, span := StartSpan(context.Background(), "ok-span")
	span.SetAttributes(StringAttr("opcode", "stopBuzzer"))
	SetOK(span)
	span.End()

	_, span = StartSpan(context.Background(), "err-span")
	RecordError(span, errors.New("boom"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "ok-span", ended[0].Name())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "boom", ended[1].Status().Description)
}
