package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansAreRecorded(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, run := StartRunSpan(context.Background(), "exec-1", "flow-1")
	_, step := StartStepSpan(ctx, "swap", true)
	Fail(step, errors.New("slippage exceeded"))
	step.End()
	run.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "flow.step" || spans[0].Status().Code != codes.Error {
		t.Fatalf("unexpected step span: %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Fatalf("step span should be a child of the run span")
	}
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(context.Background(), Config{})
	if err != nil || tp != nil {
		t.Fatalf("disabled tracing should be a no-op, got %v %v", tp, err)
	}
}
