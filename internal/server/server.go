// Package server qichat HTTP 入口：WebSocket 升级、健康检查与指标
package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/tracing"
)

// Hub WebSocket 连接中心（*ws.Manager 满足）
type Hub interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request) error
	Count() int
	OnlineUserCount() int
	Shutdown(ctx context.Context) error
}

// Server HTTP 服务
type Server struct {
	config *Config
	engine *gin.Engine
	server *http.Server
	hub    Hub
	logger logger.Logger
}

// New 创建服务并注册路由
func New(hub Hub, l logger.Logger, opts ...Option) *Server {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if l == nil {
		l = logger.NewNop()
	}

	// gin.SetMode 是全局操作，进程内只应创建一个 Server
	gin.SetMode(config.Mode)
	silenceGin()

	engine := gin.New()
	engine.Use(gin.Recovery())
	if config.TrustedProxies != nil {
		if err := engine.SetTrustedProxies(config.TrustedProxies); err != nil {
			l.Warn("set trusted proxies failed", zap.Error(err))
		}
	}

	s := &Server{
		config: config,
		engine: engine,
		hub:    hub,
		logger: l,
	}
	s.routes()
	return s
}

// routes 注册路由
// 健康检查与指标不记录访问日志和链路
func (s *Server) routes() {
	s.engine.Use(logger.Middleware(s.logger, "/healthz", s.config.MetricsPath))

	s.engine.GET("/healthz", s.health)
	if s.config.MetricsHandler != nil {
		s.engine.GET(s.config.MetricsPath, gin.WrapH(s.config.MetricsHandler))
	}
	s.engine.GET(s.config.WSPath, tracing.Middleware(), s.upgrade)
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.engine
}

// upgrade WebSocket 升级，失败时 Hub 已写出响应
func (s *Server) upgrade(c *gin.Context) {
	if err := s.hub.HandleUpgrade(c.Writer, c.Request); err != nil {
		s.logger.DebugContext(c.Request.Context(), "upgrade rejected",
			zap.String("ip", c.ClientIP()),
			zap.Error(err),
		)
	}
}

// health 健康检查
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, Success(Health{
		Status:      "ok",
		Connections: s.hub.Count(),
		OnlineUsers: s.hub.OnlineUserCount(),
	}))
}

// Run 启动服务，ctx 取消或收到 SIGINT/SIGTERM 时优雅关机
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}

	if s.config.Banner {
		s.printBanner()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	s.logger.Info("server started", zap.String("addr", s.config.Addr), zap.String("ws_path", s.config.WSPath))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown 停止接收新请求并以 1001 关闭全部 WebSocket 连接
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.BeforeShutdown != nil {
		s.config.BeforeShutdown()
	}

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.hub.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.config.AfterShutdown != nil {
		s.config.AfterShutdown()
	}
	return errors.Join(errs...)
}
