package telemetry

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if tel.IsEnabled() {
		t.Error("telemetry should be disabled")
	}
	if tel.ServiceName() != "neonspark-gateway" {
		t.Errorf("ServiceName() = %q", tel.ServiceName())
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestLogrusHook_AddsTraceFields(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	entry := logrus.NewEntry(logrus.New()).WithContext(ctx)
	if err := NewLogrusHook().Fire(entry); err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if entry.Data["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", entry.Data["trace_id"])
	}
	if entry.Data["trace_sampled"] != true {
		t.Error("trace_sampled should be set for sampled spans")
	}
	if TraceIDFromContext(ctx) == "" {
		t.Error("TraceIDFromContext() should not be empty")
	}
}

func TestLogrusHook_NoContext(t *testing.T) {
	entry := logrus.NewEntry(logrus.New())
	if err := NewLogrusHook().Fire(entry); err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if _, ok := entry.Data["trace_id"]; ok {
		t.Error("trace_id should not be set without context")
	}
}
