package protocol

import (
	"encoding/json"
	"time"

	"github.com/tokmz/qichat/pkg/errors"
)

// Envelope 线上交换的最小单元
type Envelope struct {
	ID    string `json:"id"`
	Event Event  `json:"event"`
	Meta  Meta   `json:"meta"`
}

// Event 事件体
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Meta 元信息
type Meta struct {
	ReplyTo string `json:"replyTo"` // 响应对应的请求 ID，推送为空
	Ts      int64  `json:"ts"`      // 毫秒时间戳
}

// ErrorPayload 错误事件负载
type ErrorPayload struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

// Decode 解析一帧
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if env.Event.Type == "" {
		return nil, errors.ErrMalformed.WithMessage("missing event type")
	}
	return &env, nil
}

// Encode 编码为一帧
func Encode(env *Envelope) ([]byte, error) {
	return Marshal(env)
}

// NewPush 构造推送事件
func NewPush(t EventType, payload any) (*Envelope, error) {
	raw, err := rawPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:    NewID(),
		Event: Event{Type: t, Payload: raw},
		Meta:  Meta{Ts: nowMillis()},
	}, nil
}

// MustPush 构造推送事件，负载无法编码时 panic
func MustPush(t EventType, payload any) *Envelope {
	env, err := NewPush(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// NewResponse 构造与请求关联的响应
func NewResponse(req *Envelope, payload any) (*Envelope, error) {
	return NewReply(req.ID, ResponseType(req.Event.Type), payload)
}

// NewReply 构造指定类型的关联响应
func NewReply(replyTo string, t EventType, payload any) (*Envelope, error) {
	raw, err := rawPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:    NewID(),
		Event: Event{Type: t, Payload: raw},
		Meta:  Meta{ReplyTo: replyTo, Ts: nowMillis()},
	}, nil
}

// NewError 构造错误事件
func NewError(replyTo string, e *errors.Error) *Envelope {
	raw, err := Marshal(ErrorPayload{Code: e.Code, Message: e.Message, Details: e.Details})
	if err != nil {
		// details 无法编码时退化为不带 details
		raw, _ = Marshal(ErrorPayload{Code: e.Code, Message: e.Message})
	}
	return &Envelope{
		ID:    NewID(),
		Event: Event{Type: EventError, Payload: raw},
		Meta:  Meta{ReplyTo: replyTo, Ts: nowMillis()},
	}
}

// rawPayload 编码负载，已编码的字节原样使用
func rawPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return Marshal(payload)
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
