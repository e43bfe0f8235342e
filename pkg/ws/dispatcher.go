package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/errors"
	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/protocol"
	"github.com/tokmz/qichat/pkg/tracing"
)

// Dispatcher 事件分发管线
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[protocol.EventType]*Route
	frozen bool

	registry *Registry
	limiter  Limiter
	cache    *ResponseCache
	logger   logger.Logger
	metrics  Metrics
	tracer   trace.Tracer

	maxInvalidFrames int32
	now              func() time.Time
}

// NewDispatcher 创建分发器
func NewDispatcher(config *Config, registry *Registry) (*Dispatcher, error) {
	if registry == nil {
		return nil, ErrNotInitialized
	}
	if config == nil {
		config = DefaultConfig()
	}
	config.setDefaults()

	limiter := config.Limiter
	if limiter == nil {
		limiter = NewMemoryLimiter(time.Minute)
		config.Limiter = limiter
		registry.limiter = limiter
	}

	store := config.ResponseStore
	if store == nil {
		s, err := NewLRUStore(config.Dispatch.ResponseCacheSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		store = s
	}

	return &Dispatcher{
		routes:           make(map[protocol.EventType]*Route),
		registry:         registry,
		limiter:          limiter,
		cache:            NewResponseCache(store),
		logger:           config.Logger,
		metrics:          config.Metrics,
		tracer:           tracing.Tracer("ws"),
		maxInvalidFrames: int32(config.Dispatch.MaxInvalidFrames),
		now:              time.Now,
	}, nil
}

// Register 注册事件
func (d *Dispatcher) Register(routes ...Route) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen {
		return ErrDispatcherFrozen
	}
	for i := range routes {
		r := routes[i]
		if r.Event == "" || r.Handler == nil {
			return ErrRouteInvalid
		}
		if _, exists := d.routes[r.Event]; exists {
			return fmt.Errorf("%w: %s", ErrRouteExists, r.Event)
		}
		d.routes[r.Event] = &r
	}
	return nil
}

// Freeze 冻结路由表（启动后不可修改）
func (d *Dispatcher) Freeze() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frozen = true
}

// Route 查找注册记录
func (d *Dispatcher) Route(event protocol.EventType) (*Route, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.routes[event]
	return r, ok
}

// Serve 在独立协程中分发一帧，受连接并发槽位约束
// 同一连接的消息可能乱序完成，客户端按 replyTo 关联
func (d *Dispatcher) Serve(ctx context.Context, conn *Conn, frame []byte, wg *sync.WaitGroup) bool {
	if !conn.acquire(ctx) {
		return false
	}
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer func() {
			conn.release()
			if wg != nil {
				wg.Done()
			}
		}()
		d.Dispatch(ctx, conn, frame)
	}()
	return true
}

// Dispatch 解码并执行完整管线
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		d.invalidFrame(ctx, conn, err)
		return
	}
	conn.invalidFrames.Store(0)

	// 1. 查找处理器：未注册的事件静默丢弃
	route, ok := d.Route(env.Event.Type)
	if !ok {
		d.logger.DebugContext(ctx, "dropping unhandled event",
			zap.String("event", env.Event.Type.String()),
			zap.String("conn_id", conn.ID),
			zap.Bool("known", protocol.Known(env.Event.Type)),
		)
		return
	}

	start := d.now()
	ctx, span := d.tracer.Start(ctx, "ws.dispatch "+env.Event.Type.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("ws.event", env.Event.Type.String()),
			attribute.String("ws.conn_id", conn.ID),
			attribute.String("ws.envelope_id", env.ID),
		),
	)
	defer span.End()

	req := &Request{
		Envelope: env,
		Payload:  env.Event.Payload,
		User:     conn.Principal(),
		Conn:     conn,
	}
	ctx = logger.WithConnID(ctx, conn.ID)
	if req.User != nil {
		ctx = logger.WithUID(ctx, req.User.UserID)
		span.SetAttributes(attribute.String("ws.user_id", req.User.UserID))
	}

	d.metrics.IncrementMessageCount(env.Event.Type.String())
	result, err := d.run(ctx, route, req)
	d.metrics.RecordMessageLatency(env.Event.Type.String(), d.now().Sub(start))

	if err != nil {
		tracing.RecordError(span, err)
		d.fail(ctx, route, req, err)
		return
	}

	// 10. 响应：nil 结果或无响应类型的事件不响应
	if result == nil || protocol.ResponseType(env.Event.Type) == "" {
		return
	}
	resp, err := protocol.NewResponse(env, result)
	if err != nil {
		d.fail(ctx, route, req, err)
		return
	}
	if err := conn.SendEnvelope(resp); err != nil {
		d.metrics.IncrementDroppedMessages()
		d.logger.DebugContext(ctx, "response dropped",
			zap.String("event", env.Event.Type.String()),
			zap.Error(err),
		)
	}
}

// run 执行阶段 2-9，任一阶段返回错误即短路
func (d *Dispatcher) run(ctx context.Context, route *Route, req *Request) (any, error) {
	env, conn := req.Envelope, req.Conn
	event := env.Event.Type.String()

	// 2. 认证
	if route.RequireAuth && req.User == nil {
		return nil, errors.ErrUnauthorized
	}

	// 3. 去重
	if route.Dedup != DedupOff && env.ID != "" && conn.dedup.Seen(env.ID, d.now()) {
		d.metrics.IncrementDeduplicated(event)
		if route.Dedup == DedupReject {
			return nil, errors.ErrDuplicate.WithDetails(map[string]string{"id": env.ID})
		}
		d.logger.DebugContext(ctx, "duplicate envelope dropped",
			zap.String("event", event),
			zap.String("envelope_id", env.ID),
		)
		return nil, nil
	}

	identity := conn.identity()

	// 4. 限流
	if route.RateLimit != nil {
		if err := d.consume(ctx, conn, identity, event, route.RateLimit); err != nil {
			return nil, err
		}
	}

	// 5. 负载校验
	normalized := []byte(env.Event.Payload)
	if route.Schema != nil {
		value, norm, err := route.Schema.Decode(env.Event.Payload)
		if err != nil {
			return nil, err
		}
		req.Payload = value
		normalized = norm
	}

	// 6. 前置钩子
	for _, hook := range route.Before {
		if err := safeCall(func() error { return hook(ctx, req) }); err != nil {
			return nil, err
		}
	}

	// 7-8. 缓存执行 / 带超时调用
	var (
		result any
		err    error
	)
	if route.Cache != nil && route.Cache.TTL > 0 {
		result, err = d.cached(ctx, route, req, CacheKey(event, identity, normalized))
	} else {
		result, err = d.invoke(ctx, route, req)
	}
	if err != nil {
		return nil, err
	}

	// 9. 后置钩子：错误只记录，不影响已计算的响应
	for _, hook := range route.After {
		if err := safeCall(func() error { return hook(ctx, req, result) }); err != nil {
			d.logger.WarnContext(ctx, "after hook failed",
				zap.String("event", event),
				zap.String("envelope_id", env.ID),
				zap.Error(err),
			)
		}
	}

	return result, nil
}

// consume 消耗一个限流点数
func (d *Dispatcher) consume(ctx context.Context, conn *Conn, identity, event string, rl *RateLimit) error {
	key := limitKey(identity, event)
	if !conn.IsAuthenticated() && !conn.trackAnonKey(key) {
		// 连接已释放，不再为其创建窗口
		defer d.limiter.Forget(context.WithoutCancel(ctx), key)
	}

	res, err := d.limiter.Allow(ctx, key, rl.Points, rl.Window)
	if err != nil {
		// 限流后端故障时放行
		d.logger.WarnContext(ctx, "rate limiter unavailable", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !res.Allowed {
		d.metrics.IncrementRateLimited(event)
		retry := res.ResetAt.Sub(d.now())
		if retry < 0 {
			retry = 0
		}
		return errors.ErrRateLimited.WithDetails(map[string]int64{"retryAfterMs": retry.Milliseconds()})
	}
	return nil
}

// cached 缓存执行：相同内容在 TTL 内只调用一次处理器
func (d *Dispatcher) cached(ctx context.Context, route *Route, req *Request, key string) (any, error) {
	value, hit, err := d.cache.Do(ctx, key, route.Cache.TTL, func() ([]byte, error) {
		result, err := d.invoke(ctx, route, req)
		if err != nil || result == nil {
			return nil, err
		}
		return protocol.Marshal(result)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		d.metrics.IncrementCacheHits(req.Envelope.Event.Type.String())
	}
	if value == nil {
		return nil, nil
	}
	return json.RawMessage(value), nil
}

// invoke 调用处理器；声明超时时与计时器竞争，超时后取消 Context 并丢弃迟到结果
func (d *Dispatcher) invoke(ctx context.Context, route *Route, req *Request) (any, error) {
	if route.Timeout <= 0 {
		return safeHandle(ctx, route.Handler, req)
	}

	tctx, cancel := context.WithTimeout(ctx, route.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := safeHandle(tctx, route.Handler, req)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.ErrTimeout.WithDetails(map[string]int64{"timeoutMs": route.Timeout.Milliseconds()})
	}
}

// fail 统一错误出口：记录、错误钩子、发送错误响应
func (d *Dispatcher) fail(ctx context.Context, route *Route, req *Request, err error) {
	env := req.Envelope
	out, expected := errors.Sanitize(err)

	fields := []zap.Field{
		zap.String("event", env.Event.Type.String()),
		zap.String("envelope_id", env.ID),
		zap.String("code", out.Code.String()),
		zap.Error(err),
	}
	switch {
	case !expected:
		d.logger.ErrorContext(ctx, "event handling failed", append(fields, zap.Stack("stack"))...)
	case out.Code == errors.CodeTimeout:
		d.logger.WarnContext(ctx, "event handling timed out", fields...)
	default:
		d.logger.DebugContext(ctx, "event rejected", fields...)
	}
	d.metrics.IncrementMessageErrors(env.Event.Type.String(), out.Code.String())

	// 错误钩子失败不影响错误响应
	for _, hook := range route.OnError {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.ErrorContext(ctx, "error hook panic",
						zap.String("event", env.Event.Type.String()),
						zap.Any("panic", r),
					)
				}
			}()
			hook(ctx, req, err)
		}()
	}

	if sendErr := req.Conn.SendEnvelope(protocol.NewError(env.ID, out)); sendErr != nil {
		d.metrics.IncrementDroppedMessages()
	}
}

// invalidFrame 无法解码的帧：回复 MALFORMED_MESSAGE，连续超限则关闭连接
func (d *Dispatcher) invalidFrame(ctx context.Context, conn *Conn, err error) {
	d.metrics.IncrementInvalidMessages()
	n := conn.invalidFrames.Add(1)

	d.logger.DebugContext(ctx, "invalid frame",
		zap.String("conn_id", conn.ID),
		zap.Int32("consecutive", n),
		zap.Error(err),
	)

	if n > d.maxInvalidFrames {
		d.registry.CloseConnection(conn, ClosePolicyViolation, "too many invalid frames")
		return
	}
	_ = conn.SendEnvelope(protocol.NewError("", errors.ErrMalformed.WithMessage("invalid envelope")))
}

// safeHandle 调用处理器并将 panic 转为错误
func safeHandle(ctx context.Context, h HandlerFunc, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, panicError(r)
		}
	}()
	return h(ctx, req)
}

// safeCall 调用钩子并将 panic 转为错误
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn()
}

// panicError 不包装原值，panic 一律按内部错误处理
func panicError(r any) error {
	return fmt.Errorf("panic: %v", r)
}
