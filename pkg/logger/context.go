package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	connIDKey ctxKey = iota
	uidKey
)

// WithConnID 记录当前连接，*Context 日志方法会带上 conn_id
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

// WithUID 记录当前用户，*Context 日志方法会带上 uid
func WithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, uidKey, uid)
}

// contextFields 追加链路与连接字段，原字段排在最后
func contextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+4)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out = append(out,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v, _ := ctx.Value(connIDKey).(string); v != "" {
		out = append(out, zap.String("conn_id", v))
	}
	if v, _ := ctx.Value(uidKey).(string); v != "" {
		out = append(out, zap.String("uid", v))
	}
	return append(out, fields...)
}
