package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/logger"
)

// Manager WebSocket 核心管理器
type Manager struct {
	// 核心组件
	registry    *Registry
	dispatcher  *Dispatcher
	broadcaster *Broadcaster
	events      *EventBus

	// 配置
	config   *Config
	upgrader *websocket.Upgrader
	logger   logger.Logger

	// 生命周期
	closing  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // 连接协程
	inflight sync.WaitGroup // 处理中的消息
}

// NewManager 创建管理器
func NewManager(opts ...Option) (*Manager, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	events := NewEventBus(config.Logger)
	registry := NewRegistry(config, events)
	dispatcher, err := NewDispatcher(config, registry)
	if err != nil {
		events.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		registry:    registry,
		dispatcher:  dispatcher,
		broadcaster: NewBroadcaster(config, registry),
		events:      events,
		config:      config,
		upgrader:    newUpgrader(config),
		logger:      config.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Registry 连接注册表
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Dispatcher 分发器
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Broadcaster 广播器
func (m *Manager) Broadcaster() *Broadcaster {
	return m.broadcaster
}

// Events 生命周期事件总线
func (m *Manager) Events() *EventBus {
	return m.events
}

// Subscribe 订阅生命周期事件
func (m *Manager) Subscribe(t LifecycleEvent, handler EventHandler) {
	m.events.Subscribe(t, handler)
}

// Register 注册事件
func (m *Manager) Register(routes ...Route) error {
	return m.dispatcher.Register(routes...)
}

// HandleUpgrade 处理 WebSocket 升级
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	if m.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return ErrConnectionClosed
	}
	// 升级前检查，超限直接返回 503
	if m.registry.Count() >= m.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return ErrTooManyConnections
	}

	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sink := newSocketSink(wsConn, m.config)
	conn := NewConn(sink, m.config)

	// 升级后的并发竞争仍可能超限，此时以 1013 关闭
	if err := m.registry.Add(conn); err != nil {
		_ = wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseTryAgainLater, err.Error()))
		_ = wsConn.Close()
		return err
	}

	m.logger.Debug("connection opened",
		zap.String("conn_id", conn.ID),
		zap.String("remote", conn.RemoteAddr()),
	)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		sink.writePump()
	}()
	go func() {
		defer m.wg.Done()
		m.serve(conn, sink)
	}()

	return nil
}

// serve 读循环，退出时完成注销
func (m *Manager) serve(conn *Conn, sink *socketSink) {
	defer func() {
		_ = sink.Close(CloseNormal, "")
		m.registry.Remove(conn)
		m.logger.Debug("connection closed", zap.String("conn_id", conn.ID))
	}()

	// writePump 异常退出时底层连接已关闭，readPump 随之返回
	sink.readPump(func(frame []byte) bool {
		if conn.IsClosed() {
			return false
		}
		return m.dispatcher.Serve(m.ctx, conn, frame, &m.inflight)
	})
}

// Count 连接数
func (m *Manager) Count() int {
	return m.registry.Count()
}

// OnlineUserCount 在线用户数
func (m *Manager) OnlineUserCount() int {
	return m.registry.OnlineUserCount()
}

// Shutdown 优雅关闭
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	m.dispatcher.Freeze()

	// 并发关闭所有连接
	var closeWg sync.WaitGroup
	m.registry.Range(func(c *Conn) bool {
		closeWg.Add(1)
		go func(conn *Conn) {
			defer closeWg.Done()
			m.registry.CloseConnection(conn, CloseGoingAway, "server shutdown")
		}(c)
		return true
	})
	closeWg.Wait()

	// 等待处理中的消息与连接协程退出
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.cancel()
	m.events.Close()
	if ml, ok := m.dispatcher.limiter.(*MemoryLimiter); ok {
		ml.Close()
	}
	return err
}
