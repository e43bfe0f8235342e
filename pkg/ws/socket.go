package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// socketSink gorilla/websocket 实现的 Sink
type socketSink struct {
	conn *websocket.Conn

	// 发送队列
	send     chan []byte
	sendHigh chan []byte // 高优先级队列（错误响应）

	// 心跳
	lastPong atomic.Int64 // Unix timestamp

	// 生命周期
	ctx         context.Context
	cancel      context.CancelFunc
	closed      atomic.Bool
	closeOnce   sync.Once
	closeCode   int
	closeReason string
	writeDone   chan struct{}

	config *Config
}

// newSocketSink 创建 socket Sink
func newSocketSink(conn *websocket.Conn, config *Config) *socketSink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &socketSink{
		conn:      conn,
		send:      make(chan []byte, config.MessageQueueSize),
		sendHigh:  make(chan []byte, config.HighPriorityQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		closeCode: CloseNormal,
		writeDone: make(chan struct{}),
		config:    config,
	}
	s.lastPong.Store(time.Now().Unix())
	return s
}

// Write 非阻塞入队
func (s *socketSink) Write(frame []byte, high bool) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}

	ch := s.send
	if high {
		ch = s.sendHigh
	}
	select {
	case ch <- frame:
		return nil
	case <-s.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrChannelFull
	}
}

// Close 记录关闭码并停止写协程，写协程负责发送关闭帧
func (s *socketSink) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		s.closed.Store(true)
		s.cancel()
	})
	return nil
}

// RemoteAddr 远端地址
func (s *socketSink) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// readPump 读取帧并交给 onFrame，连接出错或关闭时返回
func (s *socketSink) readPump(onFrame func([]byte) bool) {
	s.conn.SetReadLimit(s.config.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.config.HeartbeatTimeout)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().Unix())
		return s.conn.SetReadDeadline(time.Now().Add(s.config.HeartbeatTimeout))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !onFrame(data) {
			return
		}
	}
}

// writePump 写出队列中的帧并定期发送 ping
func (s *socketSink) writePump() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writeDone)
	}()

	for {
		// 高优先级队列优先
		select {
		case frame := <-s.sendHigh:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case <-s.ctx.Done():
			s.flush()
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, s.closeReason))
			return

		case frame := <-s.sendHigh:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}

		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush 关闭前尽量写出已入队的帧
func (s *socketSink) flush() {
	for {
		select {
		case frame := <-s.sendHigh:
			if s.write(websocket.TextMessage, frame) != nil {
				return
			}
		case frame := <-s.send:
			if s.write(websocket.TextMessage, frame) != nil {
				return
			}
		default:
			return
		}
	}
}

// write 写入一帧
func (s *socketSink) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}
