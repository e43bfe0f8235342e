package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qichat/pkg/config"
	"github.com/tokmz/qichat/pkg/errors"
	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/orm"
	"github.com/tokmz/qichat/pkg/protocol"
	"github.com/tokmz/qichat/pkg/ws"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testSettings(t *testing.T, overrides map[string]any) *config.Settings {
	t.Helper()
	c := config.New(config.WithDefaults(config.Defaults()))
	require.NoError(t, c.Load())

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	c.Set("auth.secret", testSecret)
	c.Set("server.mode", "test")
	c.Set("database.dsn", "file:"+name+"?mode=memory&cache=shared")
	c.Set("database.max_open_conns", 1)
	c.Set("ws.allow_all_origins", true)
	for k, v := range overrides {
		c.Set(k, v)
	}

	s, err := c.Settings()
	require.NoError(t, err)
	return s
}

func newApp(t *testing.T, s *config.Settings) *App {
	t.Helper()
	a, err := New(context.Background(), s, logger.NewNop(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, path string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &wsClient{t: t, conn: c}
}

func (c *wsClient) send(id string, event protocol.EventType, payload any) {
	c.t.Helper()
	raw, err := sonic.Marshal(payload)
	require.NoError(c.t, err)
	frame, err := protocol.Encode(&protocol.Envelope{
		ID:    id,
		Event: protocol.Event{Type: event, Payload: raw},
	})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

// until 读取帧直到出现指定事件，返回途中收到的全部事件
func (c *wsClient) until(event protocol.EventType) ([]protocol.EventType, *protocol.Envelope) {
	c.t.Helper()
	var seen []protocol.EventType
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s, seen %v", event, seen)
		env, err := protocol.Decode(data)
		require.NoError(c.t, err)
		seen = append(seen, env.Event.Type)
		if env.Event.Type == event {
			return seen, env
		}
	}
}

// TestNewNilSettings 测试缺少配置
func TestNewNilSettings(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNilSettings)
}

// TestNewDistributedWithoutRedis 测试分布式模式缺少 Redis 时失败且不泄漏资源
func TestNewDistributedWithoutRedis(t *testing.T) {
	s := testSettings(t, nil)
	s.WS.Distributed = true

	_, err := New(context.Background(), s, nil, WithRegistry(prometheus.NewRegistry()))
	assert.ErrorIs(t, err, ws.ErrInvalidConfig)
}

// TestEndToEnd 测试认证、上线通知与私信的完整链路
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, testSettings(t, nil))

	st := a.Store()
	require.NoError(t, st.CreateUser(ctx, "alice", "alice"))
	require.NoError(t, st.CreateUser(ctx, "bob", "bob"))
	require.NoError(t, st.AddFriend(ctx, "alice", "bob"))

	aliceToken, err := a.IssueToken(ctx, "alice")
	require.NoError(t, err)
	bobToken, err := a.IssueToken(ctx, "bob")
	require.NoError(t, err)

	srv := httptest.NewServer(a.Server().Handler())
	t.Cleanup(srv.Close)

	alice := dial(t, srv, "/ws")
	alice.send("a1", protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: aliceToken})
	seen, env := alice.until(protocol.EventAuthenticated)
	assert.Contains(t, seen, protocol.EventPresenceSync)
	assert.Equal(t, "a1", env.Meta.ReplyTo)

	bob := dial(t, srv, "/ws")
	bob.send("b1", protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: bobToken})
	bob.until(protocol.EventAuthenticated)
	alice.until(protocol.EventUserOnline)

	alice.send("a2", protocol.EventSendMessageDM, protocol.SendMessageDMPayload{ReceiverID: "bob", Text: "hi"})
	_, env = alice.until(protocol.EventMessageDMSent)
	assert.Equal(t, "a2", env.Meta.ReplyTo)

	_, env = bob.until(protocol.EventMessageDM)
	var msg protocol.MessageDMPayload
	require.NoError(t, sonic.Unmarshal(env.Event.Payload, &msg))
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "hi", msg.Text)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), `"connections":2`)
	assert.Contains(t, string(body), `"online_users":2`)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "qichat_ws_connections")
}

// TestIssueToken 测试按令牌版本签发
func TestIssueToken(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, testSettings(t, map[string]any{"metrics.enabled": false}))

	_, err := a.IssueToken(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, a.Store().CreateUser(ctx, "carol", "carol"))
	_, err = a.Store().RevokeTokens(ctx, "carol")
	require.NoError(t, err)

	token, err := a.IssueToken(ctx, "carol")
	require.NoError(t, err)
	claims, err := a.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "carol", claims.UserID)
	assert.Equal(t, 1, claims.Version)
	assert.NotNil(t, claims.ExpiresAt)

	require.NoError(t, a.Store().DeleteUser(ctx, "carol"))
	_, err = a.IssueToken(ctx, "carol")
	assert.ErrorIs(t, err, ErrUserDeleted)
}

// TestOpenStore 测试运维命令的独立存储与签发
func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t, nil)

	st, closeDB, err := OpenStore(ctx, s, nil)
	require.NoError(t, err)
	defer func() { assert.NoError(t, closeDB()) }()

	require.NoError(t, st.CreateUser(ctx, "dave", "dave"))
	token, err := IssueToken(ctx, s, st, "dave")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, _, err = OpenStore(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrNilSettings)
}

// TestNewLogger 测试日志配置映射
func TestNewLogger(t *testing.T) {
	s := config.LogSettings{
		Level:  "debug",
		Format: "console",
		File:   filepath.Join(t.TempDir(), "qichat.log"),
	}
	l, err := NewLogger(s)
	require.NoError(t, err)
	assert.Equal(t, logger.DebugLevel, l.Level())

	s.Level = "verbose"
	_, err = NewLogger(s)
	assert.Error(t, err)
}

// TestOrmConfig 测试数据库配置映射
func TestOrmConfig(t *testing.T) {
	s := testSettings(t, map[string]any{
		"database.replicas":       []string{"file:replica.db"},
		"database.max_idle_conns": 3,
		"database.trace":          true,
	})

	cfg := ormConfig(s, logger.NewNop())
	assert.Equal(t, orm.SQLite, cfg.Type)
	assert.Equal(t, 3, cfg.MaxIdleConns)
	assert.Equal(t, 1, cfg.MaxOpenConns)
	assert.False(t, cfg.Trace, "trace requires tracing enabled")
	require.NotNil(t, cfg.ReadWriteSplit)
	assert.Equal(t, []string{"file:replica.db"}, cfg.ReadWriteSplit.Sources)

	s.Tracing.Enabled = true
	assert.True(t, ormConfig(s, nil).Trace)
}

// TestTracingConfig 测试追踪配置映射
func TestTracingConfig(t *testing.T) {
	s := testSettings(t, map[string]any{"tracing.sampling_rate": 0.25})
	cfg := tracingConfig(s)
	assert.Equal(t, "qichat", cfg.ServiceName)
	assert.Equal(t, 0.25, cfg.SamplingRate)
	assert.Equal(t, "test", cfg.Environment)
	assert.NoError(t, cfg.Validate())
}
