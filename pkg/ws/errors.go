package ws

import "errors"

// 错误定义
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New("ws: too many connections")
	ErrConnIDExists       = errors.New("ws: connection id already exists")
	ErrConnNotFound       = errors.New("ws: connection not found")
	ErrConnectionClosed   = errors.New("ws: connection closed")
	ErrChannelFull        = errors.New("ws: send channel full")

	// 路由相关错误
	ErrRouteExists      = errors.New("ws: route already registered")
	ErrRouteInvalid     = errors.New("ws: route requires event and handler")
	ErrDispatcherFrozen = errors.New("ws: dispatcher is frozen")
	ErrPayloadType      = errors.New("ws: unexpected payload type")

	// 生命周期错误
	ErrNotInitialized = errors.New("ws: not initialized")
	ErrBusClosed      = errors.New("ws: event bus closed")

	// 配置相关错误
	ErrInvalidConfig = errors.New("ws: invalid config")
)
