package ws

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/logger"
)

// LifecycleEvent 内部生命周期事件（封闭集合）
type LifecycleEvent int

const (
	// ConnOpened 连接建立
	ConnOpened LifecycleEvent = iota + 1
	// ConnClosed 连接关闭
	ConnClosed
	// ConnAuthenticated 连接完成认证
	ConnAuthenticated
	// UserOnline 用户首个连接认证（0 -> 1）
	UserOnline
	// UserOffline 用户最后一个连接关闭（1 -> 0）
	UserOffline
)

// String 事件名
func (e LifecycleEvent) String() string {
	switch e {
	case ConnOpened:
		return "conn.opened"
	case ConnClosed:
		return "conn.closed"
	case ConnAuthenticated:
		return "conn.authenticated"
	case UserOnline:
		return "user.online"
	case UserOffline:
		return "user.offline"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(e))
	}
}

// Event 生命周期事件
type Event struct {
	Type   LifecycleEvent
	ConnID string
	UserID string
	Time   time.Time
}

// EventHandler 事件处理器
type EventHandler func(Event)

// EventBus 有序事件总线
// 事件按发布顺序排队，由单个协程依次投递，Publish 永不阻塞
type EventBus struct {
	mu       sync.Mutex
	handlers map[LifecycleEvent][]EventHandler
	queue    []Event
	signal   chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	logger   logger.Logger

	delivered atomic.Int64
}

// NewEventBus 创建事件总线
func NewEventBus(l logger.Logger) *EventBus {
	if l == nil {
		l = logger.NewNop()
	}
	eb := &EventBus{
		handlers: make(map[LifecycleEvent][]EventHandler),
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   l,
	}
	go eb.run()
	return eb
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(t LifecycleEvent, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[t] = append(eb.handlers[t], handler)
}

// Publish 发布事件（入队后立即返回）
func (eb *EventBus) Publish(e Event) {
	if eb.closed.Load() {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	eb.mu.Lock()
	eb.queue = append(eb.queue, e)
	eb.mu.Unlock()

	select {
	case eb.signal <- struct{}{}:
	default:
	}
}

// Delivered 已投递事件数
func (eb *EventBus) Delivered() int64 {
	return eb.delivered.Load()
}

// Close 关闭总线，已入队事件投递完毕后返回
func (eb *EventBus) Close() {
	if eb.closed.Swap(true) {
		<-eb.done
		return
	}
	close(eb.stopCh)
	<-eb.done
}

// run 投递循环
func (eb *EventBus) run() {
	defer close(eb.done)
	for {
		select {
		case <-eb.signal:
			eb.drain()
		case <-eb.stopCh:
			eb.drain()
			return
		}
	}
}

// drain 投递当前队列
func (eb *EventBus) drain() {
	for {
		eb.mu.Lock()
		batch := eb.queue
		eb.queue = nil
		eb.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			eb.deliver(e)
		}
	}
}

// deliver 依次调用订阅者，单个订阅者 panic 不影响其他订阅者
func (eb *EventBus) deliver(e Event) {
	eb.mu.Lock()
	handlers := append([]EventHandler(nil), eb.handlers[e.Type]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("lifecycle handler panic",
						zap.String("event", e.Type.String()),
						zap.String("conn_id", e.ConnID),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
				}
			}()
			h(e)
		}()
	}
	eb.delivered.Add(1)
}
