package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/agrigw/pkg/apierror"
	"github.com/nao1215/agrigw/pkg/httpclient"
	"github.com/nao1215/agrigw/pkg/httpserver"
	"github.com/nao1215/agrigw/pkg/middleware"
	"github.com/nao1215/agrigw/pkg/rbac"
	"github.com/nao1215/agrigw/pkg/token"
)

// notifyTimeout は通知サービスへの送信に許す時間。
const notifyTimeout = 3 * time.Second

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は認証サービスの設定。
	cfg *Config
	// logger は構造化ロガー。
	logger *zap.Logger
	// store はユーザーとアクセス申請の保存先。
	store *Store
	// codec はトークンの発行と検証に使う。
	codec *token.Codec
	// notifier は通知サービスへのクライアント。未設定の場合はnil。
	notifier *httpclient.Client
	// clock は日時の取得元。
	clock clockwork.Clock
	// dummyHash は存在しないユーザーのログインでも照合時間を揃えるためのハッシュ。
	dummyHash []byte
}

// Option はNewServerの生成オプション。
type Option func(*Server)

// WithClock は日時の取得元を差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// NewServer は新しい認証サーバーを生成する。
// SQLiteデータベースを開き、マイグレーションを適用する。
func NewServer(ctx context.Context, cfg *Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router: gin.New(),
		cfg:    cfg,
		logger: logger,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	codec, err := token.NewCodec(cfg.JWT, token.WithClock(s.clock))
	if err != nil {
		return nil, fmt.Errorf("トークン発行の初期化に失敗: %w", err)
	}
	s.codec = codec

	dummy, err := bcrypt.GenerateFromPassword([]byte("agrigw-dummy-password"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("ダミーハッシュの生成に失敗: %w", err)
	}
	s.dummyHash = dummy

	if cfg.NotificationURL != "" {
		s.notifier = httpclient.New(cfg.NotificationURL, httpclient.WithTimeout(notifyTimeout))
	}

	store, err := OpenStore(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	s.store = store

	s.setupRoutes()
	return s, nil
}

// Handler は認証サービスのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.store.Close()
}

// Run はHTTPサーバーを起動し、ctxが終了するまで待つ。終了時にデータベースを閉じる。
func (s *Server) Run(ctx context.Context) error {
	defer s.Close() //nolint:errcheck

	srv := httpserver.New(s.cfg.Port, s.router)
	s.logger.Info("認証サービスを起動します", zap.String("addr", srv.Addr))
	if err := httpserver.Run(ctx, srv, s.logger, httpserver.DefaultShutdownTimeout); err != nil {
		return fmt.Errorf("認証サービスの実行に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
// ゲートウェイは/api/authをパスを変えずに転送する。
func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.RequestID(),
		middleware.Recovery(s.logger),
		middleware.Logger(s.logger),
		middleware.ForwardedIdentity(),
	)

	api := s.router.Group("/api/auth")
	{
		api.POST("/register", s.handleRegister())
		api.POST("/login", s.handleLogin())
		api.POST("/refresh", s.handleRefresh())
		api.POST("/request-access", s.handleRequestAccess())
		api.GET("/me", middleware.RequirePermission(rbac.NewPermission(rbac.ResourceProfile, rbac.ActionRead)), s.handleMe())
		api.GET("/access-requests", middleware.RequireRole(rbac.RoleAdmin), s.handleListAccessRequests())
	}

	// ヘルスチェック
	s.router.GET("/auth/health", s.handleHealth())

	s.router.NoRoute(func(c *gin.Context) {
		apierror.Abort(c, apierror.New(apierror.KindNotFound, "指定されたパスは存在しません", nil))
	})
}
