package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokmz/qichat/pkg/auth"
	"github.com/tokmz/qichat/pkg/cache"
	"github.com/tokmz/qichat/pkg/protocol"
	"github.com/tokmz/qichat/pkg/ws"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// settleEvent 用于等待事件总线排空的标记事件
const settleEvent ws.LifecycleEvent = 100

// recordSink 记录写入帧
type recordSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *recordSink) Write(frame []byte, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ws.ErrConnectionClosed
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *recordSink) Close(int, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordSink) RemoteAddr() string { return "127.0.0.1:0" }

func (s *recordSink) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(s.frames))
	for _, f := range s.frames {
		env, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// ofType 指定类型的帧
func (s *recordSink) ofType(t *testing.T, et protocol.EventType) []*protocol.Envelope {
	t.Helper()
	var out []*protocol.Envelope
	for _, env := range s.envelopes(t) {
		if env.Event.Type == et {
			out = append(out, env)
		}
	}
	return out
}

func (s *recordSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

// client 一个已注册的测试连接
type client struct {
	conn *ws.Conn
	sink *recordSink
}

// harness 完整的处理器装配
type harness struct {
	t          *testing.T
	store      *memStore
	tokens     *auth.JWTManager
	bus        *ws.EventBus
	registry   *ws.Registry
	dispatcher *ws.Dispatcher
	service    *Service
	settled    chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := ws.DefaultConfig()
	bus := ws.NewEventBus(nil)
	t.Cleanup(bus.Close)

	registry := ws.NewRegistry(cfg, bus)
	dispatcher, err := ws.NewDispatcher(cfg, registry)
	require.NoError(t, err)
	broadcaster := ws.NewBroadcaster(cfg, registry)

	tokens, err := auth.NewJWTManager(testSecret, "qichat")
	require.NoError(t, err)

	mem, err := cache.NewWithOptions(cache.WithMemory(cache.DefaultMemoryConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	store := newMemStore()
	svc, err := NewService(store.deps(tokens), registry, broadcaster,
		WithAudienceCache(cache.NewGroup(mem), time.Minute))
	require.NoError(t, err)
	require.NoError(t, svc.Register(dispatcher))
	svc.Subscribe(bus)

	h := &harness{
		t:          t,
		store:      store,
		tokens:     tokens,
		bus:        bus,
		registry:   registry,
		dispatcher: dispatcher,
		service:    svc,
		settled:    make(chan struct{}, 1),
	}
	bus.Subscribe(settleEvent, func(ws.Event) { h.settled <- struct{}{} })
	return h
}

// settle 等待此前发布的生命周期事件全部投递
func (h *harness) settle() {
	h.t.Helper()
	h.bus.Publish(ws.Event{Type: settleEvent})
	select {
	case <-h.settled:
	case <-time.After(2 * time.Second):
		h.t.Fatal("event bus did not settle")
	}
}

// open 建立未认证连接
func (h *harness) open() *client {
	h.t.Helper()
	sink := &recordSink{}
	conn := ws.NewConn(sink, nil)
	require.NoError(h.t, h.registry.Add(conn))
	return &client{conn: conn, sink: sink}
}

// token 为用户签发当前版本的令牌
func (h *harness) token(userID string) string {
	h.t.Helper()
	version := 0
	if u, err := h.store.FindByID(context.Background(), userID); err == nil {
		version = u.TokenVersion
	}
	tok, err := h.tokens.Issue(userID, version, time.Hour)
	require.NoError(h.t, err)
	return tok
}

// connect 建立连接并认证，清空握手产生的帧
func (h *harness) connect(userID string) *client {
	h.t.Helper()
	c := h.open()
	h.send(c, "auth-"+c.conn.ID, protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: h.token(userID)})
	require.True(h.t, c.conn.IsAuthenticated(), "authenticate %s failed: %v", userID, c.sink.envelopes(h.t))
	h.settle()
	c.sink.reset()
	return c
}

// disconnect 模拟连接断开
func (h *harness) disconnect(c *client) {
	h.t.Helper()
	h.registry.CloseConnection(c.conn, ws.CloseNormal, "bye")
}

// send 同步分发一帧
func (h *harness) send(c *client, id string, event protocol.EventType, payload any) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	frame, err := protocol.Encode(&protocol.Envelope{
		ID:    id,
		Event: protocol.Event{Type: event, Payload: raw},
		Meta:  protocol.Meta{Ts: time.Now().UnixMilli()},
	})
	require.NoError(h.t, err)
	h.dispatcher.Dispatch(context.Background(), c.conn, frame)
}

// reply 取与请求关联的唯一回复
func reply(t *testing.T, c *client, id string) *protocol.Envelope {
	t.Helper()
	var out []*protocol.Envelope
	for _, env := range c.sink.envelopes(t) {
		if env.Meta.ReplyTo == id {
			out = append(out, env)
		}
	}
	require.Len(t, out, 1, "replies to %s", id)
	return out[0]
}

// decode 解码负载
func decode[T any](t *testing.T, env *protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Event.Payload, &v))
	return v
}
