package tracing

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// current 最近一次 NewTracerProvider 安装的 Provider
var current atomic.Pointer[trace.TracerProvider]

// NewTracerProvider 创建 TracerProvider 并安装为全局 Provider 与 W3C 传播器
// 未启用时 Provider 不挂载任何处理器，Span 只在进程内流转
func NewTracerProvider(cfg *Config) (*trace.TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		cfg.ExporterType = ExporterNoop
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}
	opts := []trace.TracerProviderOption{
		trace.WithSampler(newSampler(cfg)),
		trace.WithResource(res),
	}

	if cfg.ExporterType != ExporterNoop {
		exporter, err := newExporter(context.Background(), cfg)
		if err != nil {
			return nil, fmt.Errorf("tracing: exporter %s: %w", cfg.ExporterType, err)
		}
		opts = append(opts, trace.WithBatcher(exporter,
			trace.WithBatchTimeout(cfg.Batch.Timeout),
			trace.WithMaxExportBatchSize(cfg.Batch.MaxSize),
			trace.WithMaxQueueSize(cfg.Batch.QueueSize),
		))
	}

	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	current.Store(tp)
	return tp, nil
}

// newResource 服务资源，OTEL_RESOURCE_ATTRIBUTES 中的属性同样生效
func newResource(cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}

	return resource.New(context.Background(),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
}

// Shutdown 导出剩余 Span 并关闭当前 Provider，未创建过 Provider 时直接返回
func Shutdown(ctx context.Context) error {
	tp := current.Swap(nil)
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// GetTracerProvider 当前 Provider，未创建或已关闭时为 nil
func GetTracerProvider() *trace.TracerProvider {
	return current.Load()
}
