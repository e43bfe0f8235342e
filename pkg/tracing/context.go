package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrumentation qichat 各组件 Tracer 名称的公共前缀
const instrumentation = "github.com/tokmz/qichat"

// Tracer 返回组件 Tracer，如 Tracer("ws") -> github.com/tokmz/qichat/ws
// 全局 Provider 晚于组件创建时，otel 的委托 Tracer 会在 Provider 设置后生效
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentation + "/" + component)
}

// StartSpan 以 qichat 根 Tracer 启动 Span
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, spanName, opts...)
}

// RecordError 记录错误并标记 Span 失败，err 为 nil 时不做任何事
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Finish 记录错误后结束 Span
func Finish(span trace.Span, err error) {
	RecordError(span, err)
	span.End()
}
