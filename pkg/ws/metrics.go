package ws

import "time"

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(count int)
	SetOnlineUsers(count int)

	// 消息指标
	IncrementMessageCount(event string)
	RecordMessageLatency(event string, d time.Duration)
	IncrementMessageErrors(event string, code string)

	// 管线指标
	IncrementRateLimited(event string)
	IncrementDeduplicated(event string)
	IncrementCacheHits(event string)

	// 广播指标
	RecordBroadcast(target string, delivered int)
	IncrementDroppedMessages()

	// 错误指标
	IncrementInvalidMessages()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (m *NoopMetrics) IncrementConnections()                              {}
func (m *NoopMetrics) DecrementConnections()                              {}
func (m *NoopMetrics) SetConnectionCount(count int)                       {}
func (m *NoopMetrics) SetOnlineUsers(count int)                           {}
func (m *NoopMetrics) IncrementMessageCount(event string)                 {}
func (m *NoopMetrics) RecordMessageLatency(event string, d time.Duration) {}
func (m *NoopMetrics) IncrementMessageErrors(event string, code string)   {}
func (m *NoopMetrics) IncrementRateLimited(event string)                  {}
func (m *NoopMetrics) IncrementDeduplicated(event string)                 {}
func (m *NoopMetrics) IncrementCacheHits(event string)                    {}
func (m *NoopMetrics) RecordBroadcast(target string, delivered int)       {}
func (m *NoopMetrics) IncrementDroppedMessages()                          {}
func (m *NoopMetrics) IncrementInvalidMessages()                          {}
