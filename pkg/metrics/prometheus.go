// Package metrics WebSocket 指标的 Prometheus 实现
package metrics

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokmz/qichat/pkg/ws"
)

const (
	namespace = "qichat"
	subsystem = "ws"
)

var _ ws.Metrics = (*Prometheus)(nil)

// Prometheus ws.Metrics 的 Prometheus 实现
type Prometheus struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	connectionsTotal *prometheus.CounterVec
	connections      prometheus.Gauge
	onlineUsers      prometheus.Gauge
	messagesTotal    *prometheus.CounterVec
	messageLatency   *prometheus.HistogramVec
	messageErrors    *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	deduplicated     *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	broadcastFanout  *prometheus.HistogramVec
	dropped          prometheus.Counter
	invalid          prometheus.Counter
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// New 创建指标收集器，registerer 为 nil 时使用默认注册表
func New(registerer prometheus.Registerer) *Prometheus {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		registerer:       registerer,
		connectionsTotal: counterVec("connections_total", "Connection lifecycle transitions", "action"),
		connections:      gauge("connections", "Currently registered connections"),
		onlineUsers:      gauge("online_users", "Users with at least one authenticated connection"),
		messagesTotal:    counterVec("messages_total", "Inbound envelopes by event", "event"),
		messageLatency:   histogramVec("message_duration_seconds", "Dispatch latency by event", prometheus.DefBuckets, "event"),
		messageErrors:    counterVec("message_errors_total", "Error responses by event and code", "event", "code"),
		rateLimited:      counterVec("rate_limited_total", "Requests rejected by the rate limiter", "event"),
		deduplicated:     counterVec("deduplicated_total", "Requests dropped as duplicates", "event"),
		cacheHits:        counterVec("cache_hits_total", "Responses served from the response cache", "event"),
		broadcastFanout:  histogramVec("broadcast_fanout", "Connections reached per broadcast", []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000, 5000}, "target"),
		dropped:          counter("dropped_messages_total", "Outbound frames dropped on full or closed queues"),
		invalid:          counter("invalid_messages_total", "Inbound frames that failed to decode"),
	}
}

// Register 注册全部收集器，可重复调用
// 同名收集器已注册时复用已有实例
func (p *Prometheus) Register() (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registered {
		return nil
	}

	r := p.registerer
	if p.connectionsTotal, err = register(r, p.connectionsTotal); err != nil {
		return err
	}
	if p.connections, err = register(r, p.connections); err != nil {
		return err
	}
	if p.onlineUsers, err = register(r, p.onlineUsers); err != nil {
		return err
	}
	if p.messagesTotal, err = register(r, p.messagesTotal); err != nil {
		return err
	}
	if p.messageLatency, err = register(r, p.messageLatency); err != nil {
		return err
	}
	if p.messageErrors, err = register(r, p.messageErrors); err != nil {
		return err
	}
	if p.rateLimited, err = register(r, p.rateLimited); err != nil {
		return err
	}
	if p.deduplicated, err = register(r, p.deduplicated); err != nil {
		return err
	}
	if p.cacheHits, err = register(r, p.cacheHits); err != nil {
		return err
	}
	if p.broadcastFanout, err = register(r, p.broadcastFanout); err != nil {
		return err
	}
	if p.dropped, err = register(r, p.dropped); err != nil {
		return err
	}
	if p.invalid, err = register(r, p.invalid); err != nil {
		return err
	}

	p.registered = true
	return nil
}

func register[T prometheus.Collector](r prometheus.Registerer, c T) (T, error) {
	err := r.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if stderrors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}

// IncrementConnections 连接建立
func (p *Prometheus) IncrementConnections() {
	p.connectionsTotal.WithLabelValues("opened").Inc()
}

// DecrementConnections 连接关闭
func (p *Prometheus) DecrementConnections() {
	p.connectionsTotal.WithLabelValues("closed").Inc()
}

// SetConnectionCount 当前连接数
func (p *Prometheus) SetConnectionCount(count int) {
	p.connections.Set(float64(count))
}

// SetOnlineUsers 当前在线用户数
func (p *Prometheus) SetOnlineUsers(count int) {
	p.onlineUsers.Set(float64(count))
}

func (p *Prometheus) IncrementMessageCount(event string) {
	p.messagesTotal.WithLabelValues(event).Inc()
}

func (p *Prometheus) RecordMessageLatency(event string, d time.Duration) {
	p.messageLatency.WithLabelValues(event).Observe(d.Seconds())
}

func (p *Prometheus) IncrementMessageErrors(event string, code string) {
	p.messageErrors.WithLabelValues(event, code).Inc()
}

func (p *Prometheus) IncrementRateLimited(event string) {
	p.rateLimited.WithLabelValues(event).Inc()
}

func (p *Prometheus) IncrementDeduplicated(event string) {
	p.deduplicated.WithLabelValues(event).Inc()
}

func (p *Prometheus) IncrementCacheHits(event string) {
	p.cacheHits.WithLabelValues(event).Inc()
}

// RecordBroadcast 单次广播触达的连接数
func (p *Prometheus) RecordBroadcast(target string, delivered int) {
	p.broadcastFanout.WithLabelValues(target).Observe(float64(delivered))
}

func (p *Prometheus) IncrementDroppedMessages() {
	p.dropped.Inc()
}

func (p *Prometheus) IncrementInvalidMessages() {
	p.invalid.Inc()
}
