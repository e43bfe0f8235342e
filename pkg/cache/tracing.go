package cache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokmz/qichat/pkg/tracing"
)

// tracedCache 为每次操作记录一个客户端 span
type tracedCache struct {
	Cache
	tracer trace.Tracer
}

// NewTracing 包装缓存，未命中记为 cache.hit=false 而不是错误
func NewTracing(c Cache) Cache {
	return &tracedCache{Cache: c, tracer: tracing.Tracer("cache")}
}

func (t *tracedCache) do(ctx context.Context, op, key string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	if key != "" {
		attrs = append(attrs, attribute.String("cache.key", key))
	}
	ctx, span := t.tracer.Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	err := fn(ctx)
	if errors.Is(err, ErrCacheNotFound) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		span.End()
		return err
	}
	tracing.Finish(span, err)
	return err
}

func (t *tracedCache) Get(ctx context.Context, key string, value any) error {
	return t.do(ctx, "get", key, func(ctx context.Context) error {
		err := t.Cache.Get(ctx, key, value)
		if err == nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("cache.hit", true))
		}
		return err
	})
}

func (t *tracedCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return t.do(ctx, "set", key, func(ctx context.Context) error {
		return t.Cache.Set(ctx, key, value, ttl)
	}, attribute.Int64("cache.ttl_ms", ttl.Milliseconds()))
}

func (t *tracedCache) Delete(ctx context.Context, keys ...string) error {
	return t.do(ctx, "delete", "", func(ctx context.Context) error {
		return t.Cache.Delete(ctx, keys...)
	}, attribute.Int("cache.keys", len(keys)))
}
