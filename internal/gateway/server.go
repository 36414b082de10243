package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nao1215/agrigw/pkg/apierror"
	"github.com/nao1215/agrigw/pkg/httpserver"
	"github.com/nao1215/agrigw/pkg/middleware"
	"github.com/nao1215/agrigw/pkg/ratelimit"
	"github.com/nao1215/agrigw/pkg/rbac"
	"github.com/nao1215/agrigw/pkg/token"
)

// shutdownTimeout はグレースフルシャットダウンで処理中のリクエストを待つ最大時間。
const shutdownTimeout = 15 * time.Second

// authLimitedPaths は認証クラスのレート制限を適用するPOSTのパス。
var authLimitedPaths = map[string]struct{}{
	"/api/auth/login":          {},
	"/api/auth/register":       {},
	"/api/auth/request-access": {},
}

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はゲートウェイの設定。
	cfg *Config
	// logger は構造化ロガー。
	logger *zap.Logger
	// codec はアクセストークンの検証に使う。
	codec *token.Codec
	// limiters はトラフィッククラスごとのレート制限。
	limiters ratelimit.Classes
	// routes はパス接頭辞と転送先の対応表。
	routes *RouteTable
	// proxies はバックエンド名ごとのリバースプロキシ。
	proxies map[string]*Proxy
	// health はバックエンドの死活確認。
	health *healthChecker
	// metrics はPrometheusメトリクス。
	metrics *middleware.Metrics
	// registry は/metricsで公開するレジストリ。
	registry *prometheus.Registry
}

// options はNewServerの生成オプション。
type options struct {
	clock  clockwork.Clock
	routes []Route
}

// Option はNewServerの生成オプション。
type Option func(*options)

// WithClock はレート制限とトークン検証の時刻取得元を差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithRoutes は既定のルート表を差し替える。
func WithRoutes(routes []Route) Option {
	return func(o *options) {
		o.routes = routes
	}
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg *Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: clockwork.NewRealClock(), routes: DefaultRoutes()}
	for _, opt := range opts {
		opt(&o)
	}

	codec, err := token.NewCodec(cfg.JWT.TokenConfig(), token.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("トークン検証の初期化に失敗: %w", err)
	}

	limiters := make(ratelimit.Classes)
	for class, lc := range cfg.RateLimitClasses() {
		l, err := ratelimit.New(lc, ratelimit.WithClock(o.clock))
		if err != nil {
			return nil, fmt.Errorf("%sクラスのレート制限の初期化に失敗: %w", class, err)
		}
		limiters[class] = l
	}

	routes, err := NewRouteTable(o.routes)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := middleware.NewMetrics(registry)

	proxies := make(map[string]*Proxy)
	for _, name := range routes.Backends() {
		b, ok := cfg.Backends[name]
		if !ok {
			return nil, fmt.Errorf("%w: バックエンド%sのURLが設定されていません", ErrInvalidConfig, name)
		}
		p, err := NewProxy(ProxyConfig{
			Name:             name,
			Target:           b.URL,
			Timeout:          cfg.ProxyTimeout,
			FailureThreshold: cfg.Circuit.FailureThreshold,
			OpenTimeout:      cfg.Circuit.OpenTimeout,
		}, logger, metrics)
		if err != nil {
			return nil, err
		}
		proxies[name] = p
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("%w: 信頼するプロキシの設定に失敗: %w", ErrInvalidConfig, err)
	}

	s := &Server{
		router:   router,
		cfg:      cfg,
		logger:   logger,
		codec:    codec,
		limiters: limiters,
		routes:   routes,
		proxies:  proxies,
		health:   newHealthChecker(cfg.Backends, proxies),
		metrics:  metrics,
		registry: registry,
	}
	s.setupRoutes()
	return s, nil
}

// Handler はゲートウェイのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はリクエスト受付パイプラインとルーティングを設定する。
// 順序: リクエストID、リカバリ、アクセスログとメトリクス、CORS、
// 全体のレート制限、認証クラスのレート制限、識別情報、ルートごとの認可、転送。
func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.RequestID(),
		middleware.Recovery(s.logger),
		middleware.Logger(s.logger),
		s.metrics.Handler(),
		middleware.CORS(s.cfg.AllowedOrigins),
	)

	// 診断用エンドポイントはレート制限と認証を通さない
	s.router.GET("/health", handleHealth())
	s.router.GET("/version", handleVersion(s.cfg.Version))
	s.router.GET("/health/backends", s.health.handleBackendHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// 認証クラスはトークンの有無に関わらず接続元アドレスで数える
	s.router.Any("/api/*path",
		middleware.RateLimit(s.limiters[ratelimit.ClassGlobal], ratelimit.ClassGlobal, middleware.SubjectOrIPKey(s.codec)),
		when(isAuthLimited, middleware.RateLimit(s.limiters[ratelimit.ClassAuth], ratelimit.ClassAuth, middleware.ClientIPKey)),
		middleware.Identity(s.codec),
		s.dispatch,
	)

	s.router.NoRoute(func(c *gin.Context) {
		apierror.Abort(c, apierror.New(apierror.KindNotFound, "指定されたパスは存在しません", nil))
	})
}

// dispatch はパスに一致するルートの認可方針を適用し、バックエンドへ転送する。
func (s *Server) dispatch(c *gin.Context) {
	route, ok := s.routes.Match(c.Request.URL.Path)
	if !ok {
		apierror.Abort(c, apierror.New(apierror.KindNotFound, "指定されたパスは存在しません", nil))
		return
	}
	middleware.SetRouteLabel(c, route.Name)

	if route.Access == AccessProtected {
		permission := rbac.NewPermission(route.Resource, rbac.ActionForMethod(c.Request.Method))
		if !middleware.CheckPermission(c, permission) {
			return
		}
	}

	s.proxies[route.Backend].Serve(c)
}

// isAuthLimited は認証クラスのレート制限を適用するリクエストかを返す。
func isAuthLimited(c *gin.Context) bool {
	if c.Request.Method != http.MethodPost {
		return false
	}
	p := c.Request.URL.Path
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	_, ok := authLimitedPaths[p]
	return ok
}

// when はmatchがtrueのリクエストにだけhandlerを適用する。
func when(match func(*gin.Context) bool, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !match(c) {
			c.Next()
			return
		}
		handler(c)
	}
}

// Run はHTTPサーバーとカウンタ掃除のスケジューラを起動し、ctxが終了するまで待つ。
// ctx終了後は処理中のリクエストを待ってから停止する。
func (s *Server) Run(ctx context.Context) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(s.cfg.SweepSchedule, func() {
		if removed := s.limiters.Sweep(); removed > 0 {
			s.logger.Debug("期限切れのレート制限カウンタを破棄しました", zap.Int("removed", removed))
		}
	}); err != nil {
		return fmt.Errorf("カウンタ掃除のスケジュール登録に失敗: %w", err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	srv := httpserver.New(s.cfg.Port, s.router)
	s.logger.Info("Gatewayサービスを起動します", zap.String("addr", srv.Addr), zap.String("version", s.cfg.Version))
	if err := httpserver.Run(ctx, srv, s.logger, shutdownTimeout); err != nil {
		return fmt.Errorf("Gatewayサービスの実行に失敗: %w", err)
	}
	return nil
}
