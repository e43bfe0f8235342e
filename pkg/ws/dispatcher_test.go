package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qichat/pkg/errors"
	"github.com/tokmz/qichat/pkg/protocol"
)

type dispatchFixture struct {
	d        *Dispatcher
	registry *Registry
	config   *Config
	clock    *fakeClock
}

func newDispatchFixture(t *testing.T, routes ...Route) *dispatchFixture {
	t.Helper()
	clock := newFakeClock()
	config := DefaultConfig()
	config.Dispatch.MaxInvalidFrames = 2
	limiter := NewMemoryLimiter(0, WithClock(clock.Now))
	t.Cleanup(limiter.Close)
	config.Limiter = limiter

	registry := NewRegistry(config, nil)
	d, err := NewDispatcher(config, registry)
	require.NoError(t, err)
	d.now = clock.Now
	require.NoError(t, d.Register(routes...))

	return &dispatchFixture{d: d, registry: registry, config: config, clock: clock}
}

func echoRoute(event protocol.EventType) Route {
	return Route{
		Event: event,
		Handler: func(_ context.Context, req *Request) (any, error) {
			return map[string]string{"echo": string(req.Envelope.Event.Type)}, nil
		},
	}
}

// TestDispatchResponse 测试响应类型与 replyTo 关联
func TestDispatchResponse(t *testing.T) {
	f := newDispatchFixture(t, Route{
		Event: protocol.EventPing,
		Handler: func(context.Context, *Request) (any, error) {
			return protocol.PongPayload{Ts: 1}, nil
		},
	})
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "req-1", protocol.EventPing, nil))

	envs := sink.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.EventPong, envs[0].Event.Type)
	assert.Equal(t, "req-1", envs[0].Meta.ReplyTo)
	assert.NotEmpty(t, envs[0].ID)
	assert.JSONEq(t, `{"ts":1}`, string(envs[0].Event.Payload))
}

// TestDispatchUnauthorized 测试认证门禁
func TestDispatchUnauthorized(t *testing.T) {
	var called atomic.Bool
	f := newDispatchFixture(t, Route{
		Event:       protocol.EventSetStatus,
		RequireAuth: true,
		Handler: func(context.Context, *Request) (any, error) {
			called.Store(true)
			return nil, nil
		},
	})
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "r1", protocol.EventSetStatus, nil))

	env, p := sink.lastError(t)
	assert.Equal(t, "r1", env.Meta.ReplyTo)
	assert.Equal(t, errors.CodeUnauthorized, p.Code)
	assert.False(t, called.Load())
	assert.True(t, sink.high[0], "errors go to the high priority queue")
}

// TestDispatchAuthenticatedUser 测试已认证请求携带用户
func TestDispatchAuthenticatedUser(t *testing.T) {
	var got *Principal
	f := newDispatchFixture(t, Route{
		Event:       protocol.EventSetStatus,
		RequireAuth: true,
		Handler: func(_ context.Context, req *Request) (any, error) {
			got = req.User
			return nil, nil
		},
	})
	conn, sink := authed(t, f.registry, f.config, "u1")

	f.d.Dispatch(context.Background(), conn, frame(t, "r1", protocol.EventSetStatus, nil))

	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, 0, sink.count(), "nil result sends nothing")
}

// TestDispatchDedupSilent 测试重复消息静默丢弃
func TestDispatchDedupSilent(t *testing.T) {
	var calls atomic.Int32
	f := newDispatchFixture(t, Route{
		Event: protocol.EventPing,
		Dedup: DedupSilent,
		Handler: func(context.Context, *Request) (any, error) {
			calls.Add(1)
			return protocol.PongPayload{}, nil
		},
	})
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "same", protocol.EventPing, nil))
	f.d.Dispatch(context.Background(), conn, frame(t, "same", protocol.EventPing, nil))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, sink.count())

	// 去重表按连接隔离
	other, otherSink := newTestConn(t, f.registry, f.config)
	f.d.Dispatch(context.Background(), other, frame(t, "same", protocol.EventPing, nil))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, otherSink.count())

	// TTL 过期后视为新消息
	f.clock.Advance(f.config.Dispatch.DedupTTL)
	f.d.Dispatch(context.Background(), conn, frame(t, "same", protocol.EventPing, nil))
	assert.Equal(t, int32(3), calls.Load())
}

// TestDispatchDedupReject 测试重复消息返回错误
func TestDispatchDedupReject(t *testing.T) {
	var calls atomic.Int32
	f := newDispatchFixture(t, Route{
		Event: protocol.EventSendMessageDM,
		Dedup: DedupReject,
		Handler: func(context.Context, *Request) (any, error) {
			calls.Add(1)
			return map[string]string{"ok": "1"}, nil
		},
	})
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "m1", protocol.EventSendMessageDM, nil))
	f.d.Dispatch(context.Background(), conn, frame(t, "m1", protocol.EventSendMessageDM, nil))

	assert.Equal(t, int32(1), calls.Load())
	env, p := sink.lastError(t)
	assert.Equal(t, "m1", env.Meta.ReplyTo)
	assert.Equal(t, errors.CodeDuplicateMessage, p.Code)

	// 空 id 不参与去重
	f.d.Dispatch(context.Background(), conn, frame(t, "", protocol.EventSendMessageDM, nil))
	f.d.Dispatch(context.Background(), conn, frame(t, "", protocol.EventSendMessageDM, nil))
	assert.Equal(t, int32(3), calls.Load())
}

// TestDispatchRateLimit 测试限流与 retryAfterMs
func TestDispatchRateLimit(t *testing.T) {
	f := newDispatchFixture(t, Route{
		Event:     protocol.EventAddReaction,
		RateLimit: &RateLimit{Points: 2, Window: time.Second},
		Handler: func(context.Context, *Request) (any, error) {
			return map[string]bool{"ok": true}, nil
		},
	})
	conn, sink := authed(t, f.registry, f.config, "u1")

	for i := 0; i < 2; i++ {
		f.d.Dispatch(context.Background(), conn, frame(t, fmt.Sprintf("t%d", i), protocol.EventAddReaction, nil))
	}
	f.clock.Advance(250 * time.Millisecond)
	f.d.Dispatch(context.Background(), conn, frame(t, "t2", protocol.EventAddReaction, nil))

	env, p := sink.lastError(t)
	assert.Equal(t, "t2", env.Meta.ReplyTo)
	assert.Equal(t, errors.CodeRateLimit, p.Code)
	details, ok := p.Details.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 750, details["retryAfterMs"])

	// 同一用户的另一连接共享额度
	conn2, sink2 := authed(t, f.registry, f.config, "u1")
	f.d.Dispatch(context.Background(), conn2, frame(t, "t3", protocol.EventAddReaction, nil))
	_, p = sink2.lastError(t)
	assert.Equal(t, errors.CodeRateLimit, p.Code)

	// 窗口结束后恢复
	f.clock.Advance(750 * time.Millisecond)
	f.d.Dispatch(context.Background(), conn, frame(t, "t4", protocol.EventAddReaction, nil))
	envs := sink.envelopes(t)
	assert.NotEqual(t, protocol.EventError, envs[len(envs)-1].Event.Type)
}

// TestDispatchMalformedPayload 测试负载校验失败返回字段问题
func TestDispatchMalformedPayload(t *testing.T) {
	var called atomic.Bool
	f := newDispatchFixture(t, Route{
		Event:  protocol.EventSendMessageDM,
		Schema: Payload[protocol.SendMessageDMPayload](),
		Handler: Handle(func(context.Context, *Request, *protocol.SendMessageDMPayload) (any, error) {
			called.Store(true)
			return nil, nil
		}),
	})
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "bad", protocol.EventSendMessageDM, map[string]string{"receiverId": "u2", "text": "   "}))

	_, p := sink.lastError(t)
	assert.Equal(t, errors.CodeMalformedMessage, p.Code)
	issues, ok := p.Details.([]any)
	require.True(t, ok)
	require.Len(t, issues, 1)
	issue := issues[0].(map[string]any)
	assert.Equal(t, "text", issue["field"])
	assert.False(t, called.Load())
}

// TestDispatchNormalizedPayload 测试处理器收到归一化后的负载
func TestDispatchNormalizedPayload(t *testing.T) {
	var got protocol.SendMessageDMPayload
	f := newDispatchFixture(t, Route{
		Event:  protocol.EventSendMessageDM,
		Schema: Payload[protocol.SendMessageDMPayload](),
		Handler: Handle(func(_ context.Context, _ *Request, p *protocol.SendMessageDMPayload) (any, error) {
			got = *p
			return nil, nil
		}),
	})
	conn, _ := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "ok", protocol.EventSendMessageDM, map[string]string{"receiverId": " u2 ", "text": " hi "}))

	assert.Equal(t, "u2", got.ReceiverID)
	assert.Equal(t, "hi", got.Text)
}

// TestDispatchInvalidFrames 测试连续无效帧超限后以 1008 关闭
func TestDispatchInvalidFrames(t *testing.T) {
	f := newDispatchFixture(t, echoRoute(protocol.EventPing))
	conn, sink := newTestConn(t, f.registry, f.config)
	ctx := context.Background()

	f.d.Dispatch(ctx, conn, []byte("not json"))
	f.d.Dispatch(ctx, conn, []byte(`{"id":"x","event":{}}`))
	_, p := sink.lastError(t)
	assert.Equal(t, errors.CodeMalformedMessage, p.Code)
	assert.False(t, conn.IsClosed())

	// 有效帧重置计数
	f.d.Dispatch(ctx, conn, frame(t, "p", protocol.EventPing, nil))
	f.d.Dispatch(ctx, conn, []byte("{"))
	f.d.Dispatch(ctx, conn, []byte("{"))
	assert.False(t, conn.IsClosed())

	f.d.Dispatch(ctx, conn, []byte("{"))
	assert.True(t, conn.IsClosed())
	assert.Equal(t, ClosePolicyViolation, sink.closeCode)
	assert.Equal(t, 0, f.registry.Count())
}

// TestDispatchFireAndForget 测试无响应类型的事件不回复
func TestDispatchFireAndForget(t *testing.T) {
	var calls atomic.Int32
	f := newDispatchFixture(t, Route{
		Event: protocol.EventTypingDM,
		Handler: func(context.Context, *Request) (any, error) {
			calls.Add(1)
			return map[string]bool{"ok": true}, nil
		},
	})
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "t", protocol.EventTypingDM, nil))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, sink.count())
}

// TestDispatchUnknownEvent 测试未注册事件静默丢弃
func TestDispatchUnknownEvent(t *testing.T) {
	f := newDispatchFixture(t, echoRoute(protocol.EventPing))
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "u", "no_such_event", nil))
	f.d.Dispatch(context.Background(), conn, frame(t, "u2", protocol.EventJoinServer, nil))

	assert.Equal(t, 0, sink.count())
	assert.False(t, conn.IsClosed())
}

// TestDispatchBeforeHookAbort 测试前置钩子中止管线
func TestDispatchBeforeHookAbort(t *testing.T) {
	var called atomic.Bool
	f := newDispatchFixture(t, Route{
		Event: protocol.EventJoinChannel,
		Before: []BeforeHook{
			func(context.Context, *Request) error { return nil },
			func(context.Context, *Request) error { return errors.ErrForbidden },
		},
		Handler: func(context.Context, *Request) (any, error) {
			called.Store(true)
			return nil, nil
		},
	})
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "j", protocol.EventJoinChannel, nil))

	_, p := sink.lastError(t)
	assert.Equal(t, errors.CodeForbidden, p.Code)
	assert.False(t, called.Load())
}

// TestDispatchAfterHookIsolated 测试后置钩子失败不影响响应
func TestDispatchAfterHookIsolated(t *testing.T) {
	var seen any
	f := newDispatchFixture(t, Route{
		Event: protocol.EventPing,
		After: []AfterHook{
			func(context.Context, *Request, any) error { return fmt.Errorf("audit down") },
			func(context.Context, *Request, any) error { panic("boom") },
			func(_ context.Context, _ *Request, result any) error {
				seen = result
				return nil
			},
		},
		Handler: func(context.Context, *Request) (any, error) {
			return protocol.PongPayload{Ts: 7}, nil
		},
	})
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "p", protocol.EventPing, nil))

	envs := sink.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.EventPong, envs[0].Event.Type)
	assert.Equal(t, protocol.PongPayload{Ts: 7}, seen)
}

// TestDispatchCache 测试相同内容只执行一次，内容不同重新执行
func TestDispatchCache(t *testing.T) {
	var calls atomic.Int32
	f := newDispatchFixture(t, Route{
		Event:       protocol.EventGetPresence,
		RequireAuth: true,
		Schema:      Payload[protocol.GetPresencePayload](),
		Cache:       &CacheOptions{TTL: time.Minute},
		Handler: Handle(func(_ context.Context, _ *Request, p *protocol.GetPresencePayload) (any, error) {
			calls.Add(1)
			return protocol.PresenceSyncPayload{Online: p.UserIDs}, nil
		}),
	})
	conn, sink := authed(t, f.registry, f.config, "u1")
	ctx := context.Background()

	f.d.Dispatch(ctx, conn, frame(t, "a", protocol.EventGetPresence, map[string]any{"userIds": []string{"u2"}}))
	f.d.Dispatch(ctx, conn, frame(t, "b", protocol.EventGetPresence, map[string]any{"userIds": []string{"u2"}}))
	assert.Equal(t, int32(1), calls.Load())

	f.d.Dispatch(ctx, conn, frame(t, "c", protocol.EventGetPresence, map[string]any{"userIds": []string{"u3"}}))
	assert.Equal(t, int32(2), calls.Load())

	envs := sink.envelopes(t)
	require.Len(t, envs, 3)
	assert.Equal(t, "a", envs[0].Meta.ReplyTo)
	assert.Equal(t, "b", envs[1].Meta.ReplyTo)
	assert.JSONEq(t, string(envs[0].Event.Payload), string(envs[1].Event.Payload))
	assert.JSONEq(t, `{"online":["u3"]}`, string(envs[2].Event.Payload))

	// 缓存按身份隔离
	other, _ := authed(t, f.registry, f.config, "u9")
	f.d.Dispatch(ctx, other, frame(t, "d", protocol.EventGetPresence, map[string]any{"userIds": []string{"u2"}}))
	assert.Equal(t, int32(3), calls.Load())
}

// TestDispatchTimeout 测试超时返回 TIMEOUT 且丢弃迟到结果
func TestDispatchTimeout(t *testing.T) {
	finished := make(chan struct{})
	f := newDispatchFixture(t, Route{
		Event:   protocol.EventPing,
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, _ *Request) (any, error) {
			defer close(finished)
			<-ctx.Done()
			return protocol.PongPayload{Ts: 1}, nil
		},
	})
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "slow", protocol.EventPing, nil))
	<-finished
	time.Sleep(10 * time.Millisecond)

	envs := sink.envelopes(t)
	require.Len(t, envs, 1)
	_, p := sink.lastError(t)
	assert.Equal(t, errors.CodeTimeout, p.Code)
}

// TestDispatchInternalErrorSanitized 测试内部错误不泄露细节
func TestDispatchInternalErrorSanitized(t *testing.T) {
	f := newDispatchFixture(t,
		Route{
			Event: protocol.EventPing,
			Handler: func(context.Context, *Request) (any, error) {
				return nil, fmt.Errorf("dial tcp 10.0.0.1:5432: password authentication failed")
			},
		},
		Route{
			Event: protocol.EventSetStatus,
			Handler: func(context.Context, *Request) (any, error) {
				panic(errors.ErrForbidden)
			},
		},
	)
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "e1", protocol.EventPing, nil))
	_, p := sink.lastError(t)
	assert.Equal(t, errors.CodeInternal, p.Code)
	assert.Equal(t, "internal server error", p.Message)
	assert.Nil(t, p.Details)

	// panic 一律视为内部错误
	f.d.Dispatch(context.Background(), conn, frame(t, "e2", protocol.EventSetStatus, nil))
	_, p = sink.lastError(t)
	assert.Equal(t, errors.CodeInternal, p.Code)
}

// TestDispatchErrorHooks 测试错误钩子 panic 不影响错误响应
func TestDispatchErrorHooks(t *testing.T) {
	var got error
	f := newDispatchFixture(t, Route{
		Event: protocol.EventPing,
		OnError: []ErrorHook{
			func(context.Context, *Request, error) { panic("hook") },
			func(_ context.Context, _ *Request, err error) { got = err },
		},
		Handler: func(context.Context, *Request) (any, error) {
			return nil, errors.ErrNotFound.WithMessage("user not found")
		},
	})
	conn, sink := newTestConn(t, f.registry, f.config)

	f.d.Dispatch(context.Background(), conn, frame(t, "x", protocol.EventPing, nil))

	_, p := sink.lastError(t)
	assert.Equal(t, errors.CodeNotFound, p.Code)
	assert.Equal(t, "user not found", p.Message)
	assert.True(t, errors.Is(got, errors.ErrNotFound))
}

// TestDispatchRegister 测试注册约束
func TestDispatchRegister(t *testing.T) {
	f := newDispatchFixture(t, echoRoute(protocol.EventPing))

	assert.ErrorIs(t, f.d.Register(echoRoute(protocol.EventPing)), ErrRouteExists)
	assert.ErrorIs(t, f.d.Register(Route{Event: protocol.EventSetStatus}), ErrRouteInvalid)

	f.d.Freeze()
	assert.ErrorIs(t, f.d.Register(echoRoute(protocol.EventSetStatus)), ErrDispatcherFrozen)

	_, ok := f.d.Route(protocol.EventPing)
	assert.True(t, ok)
}

// TestDispatchServe 测试并发槽位与关闭连接
func TestDispatchServe(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int32
	var peak atomic.Int32
	f := newDispatchFixture(t, Route{
		Event: protocol.EventPing,
		Handler: func(context.Context, *Request) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil, nil
		},
	})
	f.config.Dispatch.MaxInflight = 2
	conn, _ := newTestConn(t, f.registry, f.config)

	var wg sync.WaitGroup
	ctx := context.Background()
	assert.True(t, f.d.Serve(ctx, conn, frame(t, "1", protocol.EventPing, nil), &wg))
	assert.True(t, f.d.Serve(ctx, conn, frame(t, "2", protocol.EventPing, nil), &wg))

	// 第三帧等待槽位
	third := make(chan bool, 1)
	go func() {
		third <- f.d.Serve(ctx, conn, frame(t, "3", protocol.EventPing, nil), &wg)
	}()
	select {
	case <-third:
		t.Fatal("serve should block while all slots are busy")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	assert.True(t, <-third)
	wg.Wait()
	assert.Equal(t, int32(2), peak.Load())

	// 关闭后的连接不再接收
	f.registry.CloseConnection(conn, CloseNormal, "")
	assert.False(t, f.d.Serve(ctx, conn, frame(t, "4", protocol.EventPing, nil), &wg))
}

// TestPayloadDecodeInvalidJSON 测试负载 JSON 错误
func TestPayloadDecodeInvalidJSON(t *testing.T) {
	_, _, err := Payload[protocol.PingPayload]().Decode(json.RawMessage(`{"ts":"x"}`))
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errors.CodeMalformedMessage, e.Code)
}

// TestBindPayloadType 测试类型不匹配
func TestBindPayloadType(t *testing.T) {
	_, err := Bind[protocol.PingPayload](&Request{Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrPayloadType)

	p, err := Bind[protocol.PingPayload](&Request{Payload: &protocol.PingPayload{Ts: 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Ts)
}

// TestDispatchDedupConcurrent 测试同一 id 并发到达时处理器只执行一次
func TestDispatchDedupConcurrent(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	f := newDispatchFixture(t, Route{
		Event: protocol.EventSendMessageDM,
		Dedup: DedupSilent,
		Handler: func(context.Context, *Request) (any, error) {
			calls.Add(1)
			<-release
			return map[string]string{"ok": "1"}, nil
		},
	})
	conn, sink := newTestConn(t, f.registry, f.config)
	msg := frame(t, "same-id", protocol.EventSendMessageDM, nil)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			f.d.Dispatch(context.Background(), conn, msg)
		}()
	}
	close(start)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, sink.count())
}

// TestDispatchClosedAnonymousConn 测试连接释放后匿名限流键不残留
func TestDispatchClosedAnonymousConn(t *testing.T) {
	f := newDispatchFixture(t)
	limiter := f.config.Limiter.(*MemoryLimiter)
	conn, _ := newTestConn(t, f.registry, f.config)
	require.True(t, f.registry.Remove(conn))

	rl := &RateLimit{Points: 5, Window: time.Minute}
	require.NoError(t, f.d.consume(context.Background(), conn, conn.identity(), "ping", rl))
	assert.Equal(t, 0, limiter.Len())
	assert.False(t, conn.trackAnonKey("anon:late:ping"))

	// 未关闭的匿名连接照常记录并在关闭时释放
	live, _ := newTestConn(t, f.registry, f.config)
	require.NoError(t, f.d.consume(context.Background(), live, live.identity(), "ping", rl))
	assert.Equal(t, 1, limiter.Len())
	f.registry.Remove(live)
	assert.Equal(t, 0, limiter.Len())
}
