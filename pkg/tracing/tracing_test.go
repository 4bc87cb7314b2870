package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.ServiceName != "livestage" {
		t.Errorf("expected service name 'livestage', got '%s'", cfg.ServiceName)
	}
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of disabled provider failed: %v", err)
	}
}

func TestTraceNegotiation_RecordsAttributes(t *testing.T) {
	recorder := withRecorder(t)

	_, span := TraceNegotiation(context.Background(), "create_offer", "stream-1", "viewer-1")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "webrtc.create_offer" {
		t.Errorf("unexpected span name %q", spans[0].Name())
	}

	found := false
	for _, attr := range spans[0].Attributes() {
		if attr.Key == PartyIDKey && attr.Value.AsString() == "viewer-1" {
			found = true
		}
	}
	if !found {
		t.Error("party id attribute missing")
	}
}

func TestRecordError_SetsStatus(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceAcquisition(context.Background(), "host", "high")
	RecordError(ctx, errors.New("device busy"))
	RecordError(ctx, nil)
	MeasureDuration(ctx, time.Now(), "media.acquire")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status().Code)
	}
	if len(spans[0].Events()) != 1 {
		t.Errorf("expected exactly one recorded error event, got %d", len(spans[0].Events()))
	}
}

func TestTraceID(t *testing.T) {
	withRecorder(t)

	if TraceID(context.Background()) != "" {
		t.Error("expected empty trace id without a span")
	}

	ctx, span := TraceSignaling(context.Background(), "offer", "host-1")
	defer span.End()
	if len(TraceID(ctx)) != 32 {
		t.Errorf("expected 32 hex chars, got %q", TraceID(ctx))
	}
}
