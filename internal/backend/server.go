package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/agrigw/pkg/apierror"
	"github.com/nao1215/agrigw/pkg/httpserver"
	"github.com/nao1215/agrigw/pkg/middleware"
	"github.com/nao1215/agrigw/pkg/rbac"
)

// Server はゲートウェイの背後に置く汎用バックエンドのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はバックエンドの設定。
	cfg *Config
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は新しいバックエンドサーバーを生成する。
func NewServer(cfg *Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router: gin.New(),
		cfg:    cfg,
		logger: logger.With(zap.String("service", cfg.ServiceName)),
	}
	s.setupRoutes()
	return s
}

// Handler はバックエンドのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終了するまで待つ。
func (s *Server) Run(ctx context.Context) error {
	srv := httpserver.New(s.cfg.Port, s.router)
	s.logger.Info("バックエンドサービスを起動します", zap.String("addr", srv.Addr))
	if err := httpserver.Run(ctx, srv, s.logger, httpserver.DefaultShutdownTimeout); err != nil {
		return fmt.Errorf("%sサービスの実行に失敗: %w", s.cfg.ServiceName, err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
// ゲートウェイはパスを変えずに転送するため、接頭辞ごとに受け口を用意する。
func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.RequestID(),
		middleware.Recovery(s.logger),
		middleware.Logger(s.logger),
		middleware.ForwardedIdentity(),
	)

	for _, prefix := range s.cfg.Prefixes {
		g := s.router.Group(prefix, s.authorize())
		g.Any("", s.handleEcho())
		g.Any("/*path", s.handleEcho())
	}

	// ヘルスチェック
	s.router.GET(s.cfg.HealthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": s.cfg.ServiceName})
	})

	s.router.NoRoute(func(c *gin.Context) {
		apierror.Abort(c, apierror.New(apierror.KindNotFound, "指定されたパスは存在しません", nil))
	})
}

// authorize はリソースに対するメソッド相当の権限を確認する。
// Optionalの場合、匿名リクエストの参照系メソッドは認可せずに通す。
func (s *Server) authorize() gin.HandlerFunc {
	require := middleware.RequireMethodPermission(s.cfg.Resource)
	return func(c *gin.Context) {
		if s.cfg.Optional && rbac.ActionForMethod(c.Request.Method) == rbac.ActionRead &&
			middleware.GetAuthState(c).Status == middleware.Anonymous {
			c.Next()
			return
		}
		require(c)
	}
}

// echoResponse は受け取ったリクエストの要約。
type echoResponse struct {
	// Service はサービス名。
	Service string `json:"service"`
	// Method はHTTPメソッド。
	Method string `json:"method"`
	// Path はリクエストパス。
	Path string `json:"path"`
	// Query はクエリ文字列。
	Query string `json:"query,omitempty"`
	// RequestID はリクエストID。
	RequestID string `json:"request_id"`
	// UserID は認証済みユーザーのID。匿名の場合は空。
	UserID string `json:"user_id,omitempty"`
	// Role は認証済みユーザーのロール。
	Role string `json:"role,omitempty"`
	// FarmID は認証済みユーザーの農場ID。
	FarmID string `json:"farm_id,omitempty"`
}

// handleEcho は受け取ったリクエストと利用者の識別情報をそのまま返すハンドラ。
func (s *Server) handleEcho() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := echoResponse{
			Service:   s.cfg.ServiceName,
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Query:     c.Request.URL.RawQuery,
			RequestID: middleware.GetRequestID(c),
		}
		if identity := middleware.GetIdentity(c); identity != nil {
			resp.UserID = identity.Subject
			resp.Role = string(identity.Role)
			resp.FarmID = identity.FarmID
		}
		c.JSON(http.StatusOK, resp)
	}
}
