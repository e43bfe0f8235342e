package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokmz/qichat/pkg/protocol"
)

// recordSink 记录写入帧的测试 Sink
type recordSink struct {
	mu          sync.Mutex
	frames      [][]byte
	high        []bool
	closed      bool
	closeCode   int
	closeReason string
	full        bool
}

func (s *recordSink) Write(frame []byte, high bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionClosed
	}
	if s.full {
		return ErrChannelFull
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	s.high = append(s.high, high)
	return nil
}

func (s *recordSink) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closeCode = code
		s.closeReason = reason
	}
	return nil
}

func (s *recordSink) RemoteAddr() string {
	return "127.0.0.1:0"
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

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

// lastError 最后一帧必须是错误事件
func (s *recordSink) lastError(t *testing.T) (*protocol.Envelope, protocol.ErrorPayload) {
	t.Helper()
	envs := s.envelopes(t)
	require.NotEmpty(t, envs)
	env := envs[len(envs)-1]
	require.Equal(t, protocol.EventError, env.Event.Type)

	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Event.Payload, &p))
	return env, p
}

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestConn 创建并注册一个记录连接
func newTestConn(t *testing.T, r *Registry, config *Config) (*Conn, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	conn := NewConn(sink, config)
	require.NoError(t, r.Add(conn))
	return conn, sink
}

// authed 创建并认证一个记录连接
func authed(t *testing.T, r *Registry, config *Config, userID string) (*Conn, *recordSink) {
	t.Helper()
	conn, sink := newTestConn(t, r, config)
	require.NoError(t, r.Authenticate(conn, Principal{UserID: userID, Username: userID, Status: protocol.StatusOnline}))
	return conn, sink
}

// frame 构造一帧请求
func frame(t *testing.T, id string, event protocol.EventType, payload any) []byte {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	b, err := protocol.Encode(&protocol.Envelope{
		ID:    id,
		Event: protocol.Event{Type: event, Payload: raw},
		Meta:  protocol.Meta{Ts: time.Now().UnixMilli()},
	})
	require.NoError(t, err)
	return b
}
