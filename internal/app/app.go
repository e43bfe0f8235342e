// Package app 按配置装配 qichat 进程：存储、缓存、追踪、指标、WebSocket 与聊天服务
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tokmz/qichat/internal/server"
	"github.com/tokmz/qichat/pkg/auth"
	"github.com/tokmz/qichat/pkg/cache"
	"github.com/tokmz/qichat/pkg/chat"
	"github.com/tokmz/qichat/pkg/config"
	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/metrics"
	"github.com/tokmz/qichat/pkg/orm"
	"github.com/tokmz/qichat/pkg/store"
	"github.com/tokmz/qichat/pkg/tracing"
	"github.com/tokmz/qichat/pkg/ws"
)

var (
	// ErrNilSettings 缺少配置
	ErrNilSettings = errors.New("app: settings is nil")
	// ErrUserDeleted 用户已注销
	ErrUserDeleted = errors.New("app: user deleted")
)

// App 装配完成的 qichat 进程
type App struct {
	settings *config.Settings
	logger   logger.Logger
	db       *gorm.DB
	store    *store.Store
	cache    cache.Cache
	tokens   *auth.JWTManager
	manager  *ws.Manager
	service  *chat.Service
	server   *server.Server
	tracing  bool

	mu sync.Mutex // 保护资源释放
}

type options struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// Option 装配选项
type Option func(*options)

// WithRegistry 指标注册到独立的 Registry（默认全局）
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) {
		o.registerer = r
		o.gatherer = r
	}
}

// New 按配置依次创建各组件，任一步失败会释放已创建的资源
func New(ctx context.Context, s *config.Settings, l logger.Logger, opts ...Option) (_ *App, err error) {
	if s == nil {
		return nil, ErrNilSettings
	}
	if l == nil {
		l = logger.NewNop()
	}
	o := &options{
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{settings: s, logger: l}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if s.Tracing.Enabled {
		if _, err = tracing.NewTracerProvider(tracingConfig(s)); err != nil {
			return nil, fmt.Errorf("app: tracing: %w", err)
		}
		a.tracing = true
	}

	if a.db, err = orm.New(ormConfig(s, l)); err != nil {
		return nil, fmt.Errorf("app: database: %w", err)
	}
	if a.store, err = store.New(a.db); err != nil {
		return nil, err
	}
	if s.Database.AutoMigrate {
		if err = a.store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("app: migrate: %w", err)
		}
	}

	if a.cache, err = newCache(s.Cache); err != nil {
		return nil, fmt.Errorf("app: cache: %w", err)
	}
	if a.tracing {
		a.cache = cache.NewTracing(a.cache)
	}

	wsOpts, err := a.wsOptions(o)
	if err != nil {
		return nil, err
	}
	if a.manager, err = ws.NewManager(wsOpts...); err != nil {
		return nil, err
	}

	if a.tokens, err = auth.NewJWTManager(s.Auth.Secret, s.Auth.Issuer); err != nil {
		return nil, err
	}
	a.service, err = chat.NewService(a.store.Deps(a.tokens), a.manager.Registry(), a.manager.Broadcaster(),
		chat.WithLogger(l.With(zap.String("module", "chat"))),
		chat.WithAudienceCache(cache.NewGroup(a.cache), s.Chat.AudienceTTL),
		chat.WithPresenceTimeout(s.Chat.PresenceTimeout),
	)
	if err != nil {
		return nil, err
	}
	if err = a.service.Attach(a.manager); err != nil {
		return nil, err
	}

	a.server = server.New(a.manager, l, a.serverOptions(o)...)
	return a, nil
}

// wsOptions WebSocket 管理器选项
func (a *App) wsOptions(o *options) ([]ws.Option, error) {
	s := a.settings.WS
	opts := []ws.Option{
		ws.WithLogger(a.logger.With(zap.String("module", "ws"))),
		ws.WithMaxConnections(s.MaxConnections),
		ws.WithHeartbeatInterval(s.HeartbeatInterval),
		ws.WithHeartbeatTimeout(s.HeartbeatTimeout),
		ws.WithMessageSizeLimit(s.MaxMessageSize),
		ws.WithMessageQueueSize(s.MessageQueueSize),
		ws.WithMaxInflight(s.MaxInflight),
		ws.WithMaxInvalidFrames(s.MaxInvalidFrames),
		ws.WithDedup(s.DedupTTL, s.DedupCapacity),
		ws.WithResponseCacheSize(s.ResponseCacheSize),
	}
	if s.AllowAllOrigins {
		opts = append(opts, ws.WithAllowAllOrigins())
	} else if len(s.AllowedOrigins) > 0 {
		opts = append(opts, ws.WithCheckOriginWhitelist(s.AllowedOrigins))
	}

	if s.Distributed {
		client, ok := cache.RedisClient(a.cache)
		if !ok {
			return nil, fmt.Errorf("%w: distributed mode requires a redis cache", ws.ErrInvalidConfig)
		}
		opts = append(opts,
			ws.WithLimiter(ws.NewRedisLimiter(client, a.settings.Cache.KeyPrefix+"ratelimit:")),
			ws.WithResponseStore(ws.NewSharedStore(a.cache, "resp:")),
		)
	}

	if a.settings.Metrics.Enabled {
		m := metrics.New(o.registerer)
		if err := m.Register(); err != nil {
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
		opts = append(opts, ws.WithMetrics(m))
	}
	return opts, nil
}

// serverOptions HTTP 服务选项
func (a *App) serverOptions(o *options) []server.Option {
	s := a.settings
	opts := []server.Option{
		server.WithMode(s.Server.Mode),
		server.WithAddr(s.Server.Addr),
		server.WithWSPath(s.WS.Path),
		server.WithShutdownTimeout(s.Server.ShutdownTimeout),
		server.WithTrustedProxies(s.Server.TrustedProxies),
		server.WithAfterShutdown(func() { _ = a.release(context.Background()) }),
	}
	if s.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(s.Metrics.Path, promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})))
	}
	return opts
}

// Run 启动 HTTP 服务，阻塞到 ctx 取消或收到退出信号，退出时释放全部资源
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Server HTTP 服务
func (a *App) Server() *server.Server {
	return a.server
}

// Store 持久化存储
func (a *App) Store() *store.Store {
	return a.store
}

// Manager WebSocket 管理器
func (a *App) Manager() *ws.Manager {
	return a.manager
}

// IssueToken 按用户当前令牌版本签发访问令牌
func (a *App) IssueToken(ctx context.Context, userID string) (string, error) {
	return issueToken(ctx, a.store, a.tokens, a.settings.Auth.TokenTTL, userID)
}

// Close 关闭 WebSocket 连接并释放资源，用于未调用 Run 的场景
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.manager != nil {
		err = a.manager.Shutdown(ctx)
	}
	return errors.Join(err, a.release(ctx))
}

// release 关闭缓存、数据库与追踪导出器
func (a *App) release(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
		a.cache = nil
	}
	if a.db != nil {
		errs = append(errs, orm.Close(a.db))
		a.db = nil
	}
	if a.tracing {
		errs = append(errs, tracing.Shutdown(ctx))
		a.tracing = false
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("release resources failed", zap.Error(err))
	}
	return err
}

// OpenStore 仅打开数据库与存储，供运维命令使用，返回的 close 释放连接
func OpenStore(ctx context.Context, s *config.Settings, l logger.Logger) (*store.Store, func() error, error) {
	if s == nil {
		return nil, nil, ErrNilSettings
	}
	db, err := orm.New(ormConfig(s, l))
	if err != nil {
		return nil, nil, fmt.Errorf("app: database: %w", err)
	}
	closeDB := func() error { return orm.Close(db) }

	st, err := store.New(db)
	if err == nil && s.Database.AutoMigrate {
		err = st.Migrate(ctx)
	}
	if err != nil {
		_ = closeDB()
		return nil, nil, err
	}
	return st, closeDB, nil
}

// IssueToken 使用独立的存储连接签发令牌
func IssueToken(ctx context.Context, s *config.Settings, st *store.Store, userID string) (string, error) {
	tokens, err := auth.NewJWTManager(s.Auth.Secret, s.Auth.Issuer)
	if err != nil {
		return "", err
	}
	return issueToken(ctx, st, tokens, s.Auth.TokenTTL, userID)
}

// issueToken 按用户当前令牌版本签发，已注销用户拒绝签发
func issueToken(ctx context.Context, st *store.Store, tokens *auth.JWTManager, ttl time.Duration, userID string) (string, error) {
	u, err := st.Deps(tokens).Users.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.Deleted {
		return "", fmt.Errorf("%w: user %s is deleted", ErrUserDeleted, userID)
	}
	return tokens.Issue(u.ID, u.TokenVersion, ttl)
}
