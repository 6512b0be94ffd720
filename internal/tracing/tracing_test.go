package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestSetup_DisabledIsNoop verifies a disabled config installs nothing.
func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

// TestSetup_UnknownProtocol verifies an invalid protocol is rejected.
func TestSetup_UnknownProtocol(t *testing.T) {
	if _, err := Setup(context.Background(), Config{Enabled: true, Protocol: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error")
	}
}

// TestStartEnd_RecordsAttributesAndError verifies span helpers against an
// in-memory exporter.
func TestStartEnd_RecordsAttributesAndError(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := Start(context.Background(), "turn", "conversation", "573001")
	if TraceID(ctx) == "" {
		t.Error("TraceID empty inside a span")
	}
	End(span, errors.New("boom"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	s := spans[0]
	if s.Name != "turn" || len(s.Attributes) != 1 || s.Attributes[0].Value.AsString() != "573001" {
		t.Errorf("span = %s %v", s.Name, s.Attributes)
	}
	if s.Status.Description != "boom" {
		t.Errorf("status = %+v", s.Status)
	}
}
