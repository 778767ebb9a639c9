package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "ledgerflow"

// Config OpenTelemetry 配置
type Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// Init 初始化 OpenTelemetry tracer；未启用时返回 nil provider，span 退化为 no-op。
func Init(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.ExportEndpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "ledgerflowd"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartRunSpan 开始一次流程运行的 span
func StartRunSpan(ctx context.Context, executionID, flowID string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, "flow.run",
		trace.WithAttributes(
			attribute.String("flow.execution_id", executionID),
			attribute.String("flow.id", flowID),
		),
	)
}

// StartStepSpan 开始单个步骤的 span
func StartStepSpan(ctx context.Context, stepID string, critical bool) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, "flow.step",
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.Bool("step.critical", critical),
		),
	)
}

// StartAttemptSpan 开始一次动作尝试的 span
func StartAttemptSpan(ctx context.Context, stepID string, attempt int, alternative string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("step.id", stepID),
		attribute.Int("step.attempt", attempt),
	}
	if alternative != "" {
		attrs = append(attrs, attribute.String("step.alternative", alternative))
	}
	return otel.Tracer(instrumentation).Start(ctx, "flow.attempt", trace.WithAttributes(attrs...))
}

// Fail 将错误记录到 span 上。
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
