// Package telemetry 封装了网关的 OpenTelemetry 链路追踪。
// 追踪数据通过 OTLP gRPC 导出到 Tempo、Jaeger 等后端；
// 未启用时使用全局的空操作追踪器，调用方无需判断开关。
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName 是网关内部 Span 使用的追踪器名称
const TracerName = "neonspark"

// ServiceVersion 写入追踪资源和健康检查响应的版本号
const ServiceVersion = "1.0.0"

// Config 遥测配置
type Config struct {
	// Enabled 为 false 时不建立导出连接
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP gRPC 接收端，例如 "tempo:4317"
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率 0.0 - 1.0
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 运行环境，例如 production
	Environment string `yaml:"environment"`
}

// Telemetry 持有追踪提供者，负责其生命周期。
type Telemetry struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// New 根据配置初始化追踪。
//
// 参数：
//   - ctx: 上下文，限制导出连接的建立时间
//   - cfg: 遥测配置
//
// 返回：
//   - *Telemetry: 遥测实例
//   - error: 连接导出端或创建资源失败
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "neonspark-gateway"
	}
	if !cfg.Enabled {
		return &Telemetry{config: cfg, tracer: otel.Tracer(TracerName)}, nil
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.1
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "tempo:4317"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{
		config:         cfg,
		tracerProvider: tp,
		tracer:         tp.Tracer(TracerName),
	}, nil
}

// Tracer 返回追踪器
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName 返回生效的服务名
func (t *Telemetry) ServiceName() string {
	return t.config.ServiceName
}

// Shutdown 刷新未导出的 Span 并关闭提供者
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// IsEnabled 返回是否启用了导出
func (t *Telemetry) IsEnabled() bool {
	return t.config.Enabled
}

// TraceIDFromContext 提取 Trace ID，无有效 Span 时返回空字符串
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// StartSpan 在全局提供者上创建子 Span，调用方负责 End。
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, opts...)
}

// StartRequestSpan 为一次生成请求的执行单元创建 Span，
// 请求 ID、优先级和超时作为属性附加。
func StartRequestSpan(ctx context.Context, requestID string, priority, timeoutSec int) (context.Context, trace.Span) {
	return StartSpan(ctx, "tracker.unit",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("neonspark.request_id", requestID),
			attribute.Int("neonspark.priority", priority),
			attribute.Int("neonspark.timeout_sec", timeoutSec),
		),
	)
}

// EndWithStatus 记录请求的最终状态并结束 Span。
// errMsg 非空时 Span 标记为错误。
func EndWithStatus(span trace.Span, status string, errMsg string) {
	span.SetAttributes(attribute.String("neonspark.status", status))
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
