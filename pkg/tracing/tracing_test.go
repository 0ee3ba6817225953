package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "rtcore", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestStartSpan_NoProvider(t *testing.T) {
	_, span := StartSpan(context.Background(), "test.operation")
	require.NotNil(t, span)
	span.End()
}

func TestTraceSessionOperation(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := TraceSessionOperation(context.Background(), "join", "sess-1", "h:deadbeef")
	AddSpanAttributes(ctx, BitrateKey.Int(800))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "session.join", spans[0].Name())

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "sess-1", attrs[SessionIDKey].AsString())
	assert.Equal(t, "h:deadbeef", attrs[ChannelKey].AsString())
	assert.Equal(t, int64(800), attrs[BitrateKey].AsInt64())
}

func TestTraceRelayOperation(t *testing.T) {
	recorder := recordSpans(t)

	_, span := TraceRelayOperation(context.Background(), "start", "sess-1", 3)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "relay.start", spans[0].Name())
	assert.Equal(t, int64(3), attrMap(spans[0].Attributes())[DestinationKey].AsInt64())
}

func TestRecordError(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := TraceProbe(context.Background(), 500_000, 0)
	RecordError(ctx, errors.New("network unreachable"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
}

func TestMeasureDuration(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/sessions")
	MeasureDuration(ctx, time.Now().Add(-20*time.Millisecond), "list")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.GreaterOrEqual(t, attrMap(spans[0].Attributes())[DurationKey].AsInt64(), int64(20))
}
