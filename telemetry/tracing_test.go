package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracing("streamwatch-test", "0.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if shutdown == nil {
		t.Fatal("shutdown func must be non-nil even when disabled")
	}
	shutdown()
	if IsTracingEnabled() {
		t.Error("tracing reported enabled without an endpoint")
	}
}

func TestSpanHelpersNoOpWithoutProvider(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "corr-1")
	ctx, span := StartSpan(ctx, "tracker", "poll.cycle")
	if span == nil {
		t.Fatal("StartSpan returned nil span")
	}
	RecordError(span, errors.New("boom"))
	SetSpanSuccess(span)
	span.End()
	if got := GetCorrelation(ctx); got != "corr-1" {
		t.Errorf("correlation lost through StartSpan: %q", got)
	}
}
