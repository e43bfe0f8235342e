package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tokmz/qichat/pkg/errors"
	"github.com/tokmz/qichat/pkg/protocol"
)

// Request 一次处理请求
type Request struct {
	Envelope *protocol.Envelope
	Payload  any        // 通过 Schema 后为归一化后的类型化负载，否则为原始 JSON
	User     *Principal // 未认证为 nil
	Conn     *Conn
}

// HandlerFunc 事件处理器，返回 nil 结果表示不响应
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// BeforeHook 前置钩子，返回错误中止管线
type BeforeHook func(ctx context.Context, req *Request) error

// AfterHook 后置钩子，错误仅记录
type AfterHook func(ctx context.Context, req *Request, result any) error

// ErrorHook 错误钩子，在错误响应发送前调用
type ErrorHook func(ctx context.Context, req *Request, err error)

// RateLimit 限流声明
type RateLimit struct {
	Points int
	Window time.Duration
}

// CacheOptions 响应缓存声明（只用于只读幂等事件）
type CacheOptions struct {
	TTL time.Duration
}

// Schema 负载解码、归一化与校验
type Schema interface {
	// Decode 返回类型化负载及其归一化编码（用于内容哈希）
	Decode(raw json.RawMessage) (value any, normalized []byte, err error)
}

// Route 事件注册记录
type Route struct {
	Event       protocol.EventType
	RequireAuth bool
	Dedup       DedupMode
	RateLimit   *RateLimit
	Schema      Schema
	Cache       *CacheOptions
	Timeout     time.Duration
	Before      []BeforeHook
	After       []AfterHook
	OnError     []ErrorHook
	Handler     HandlerFunc
}

// payloadSchema 基于结构体标签的 Schema
type payloadSchema[T any] struct{}

// Payload 构建解码到 *T 并执行 validate 标签校验的 Schema
func Payload[T any]() Schema {
	return payloadSchema[T]{}
}

// Decode 解码、归一化、校验
func (payloadSchema[T]) Decode(raw json.RawMessage) (any, []byte, error) {
	v := new(T)
	if len(raw) > 0 && string(raw) != "null" {
		if err := protocol.Unmarshal(raw, v); err != nil {
			return nil, nil, errors.ErrMalformed.WithMessage("invalid payload").WithError(err)
		}
	}
	if err := protocol.Validate(v); err != nil {
		return nil, nil, err
	}
	normalized, err := protocol.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return v, normalized, nil
}

// Handle 将类型化处理函数适配为 HandlerFunc
func Handle[T any](fn func(ctx context.Context, req *Request, payload *T) (any, error)) HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		p, ok := req.Payload.(*T)
		if !ok {
			return nil, ErrPayloadType
		}
		return fn(ctx, req, p)
	}
}

// Bind 取出类型化负载
func Bind[T any](req *Request) (*T, error) {
	p, ok := req.Payload.(*T)
	if !ok {
		return nil, ErrPayloadType
	}
	return p, nil
}
