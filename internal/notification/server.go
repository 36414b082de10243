package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nao1215/agrigw/pkg/apierror"
	"github.com/nao1215/agrigw/pkg/httpserver"
	"github.com/nao1215/agrigw/pkg/middleware"
	"github.com/nao1215/agrigw/pkg/rbac"
)

// Config は通知サービスの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// DatabasePath はSQLiteのDSN。
	DatabasePath string
	// LogLevel はログレベル。
	LogLevel string
}

// LoadConfig は.envと環境変数から設定を読み込む。
func LoadConfig() *Config {
	// .envが無い場合は環境変数のみを使う
	_ = godotenv.Load()

	cfg := &Config{
		Port:         "8085",
		DatabasePath: "/data/notification.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		LogLevel:     "info",
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("NOTIFICATION_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は通知サービスの設定。
	cfg *Config
	// logger は構造化ロガー。
	logger *zap.Logger
	// store は通知の保存先。
	store *Store
	// clock は日時の取得元。
	clock clockwork.Clock
}

// Option はNewServerの生成オプション。
type Option func(*Server)

// WithClock は日時の取得元を差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// NewServer は新しい通知サーバーを生成する。
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

	store, err := OpenStore(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	s.store = store

	s.setupRoutes()
	return s, nil
}

// Handler は通知サービスのhttp.Handlerを返す。
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
	s.logger.Info("通知サービスを起動します", zap.String("addr", srv.Addr))
	if err := httpserver.Run(ctx, srv, s.logger, httpserver.DefaultShutdownTimeout); err != nil {
		return fmt.Errorf("通知サービスの実行に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.RequestID(),
		middleware.Recovery(s.logger),
		middleware.Logger(s.logger),
		middleware.ForwardedIdentity(),
	)

	notifications := s.router.Group("/api/notifications")
	notifications.Use(middleware.RequireMethodPermission(rbac.ResourceNotifications))
	{
		// 通知一覧取得
		notifications.GET("", s.handleList(false))
		// 未読通知一覧取得
		notifications.GET("/unread", s.handleList(true))
		// 通知を既読にする
		notifications.PUT("/:id/read", s.handleMarkAsRead())
		// 本人宛ての通知を全て既読にする
		notifications.PUT("/read-all", s.handleMarkAllAsRead())
	}

	// 通知送信（内部API。ゲートウェイは/api配下しか転送しないため外部からは届かない）
	s.router.POST("/internal/notifications", s.handleSend())

	// ヘルスチェック
	s.router.GET("/notifications/health", func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "service": "notification"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})

	s.router.NoRoute(func(c *gin.Context) {
		apierror.Abort(c, apierror.New(apierror.KindNotFound, "指定されたパスは存在しません", nil))
	})
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// Recipient は通知先。
	Recipient string `json:"recipient"`
	// Kind は通知の種類。
	Kind string `json:"kind"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toNotificationResponses は通知のスライスをJSONレスポンスのスライスに変換する。
func toNotificationResponses(list []Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		responses = append(responses, notificationResponse{
			ID:        n.ID,
			Recipient: n.Recipient,
			Kind:      n.Kind,
			Title:     n.Title,
			Message:   n.Message,
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return responses
}

// handleList は認証済みユーザー宛ての通知一覧を返すハンドラ。
func (s *Server) handleList(unreadOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := middleware.GetIdentity(c)

		list, err := s.store.ListFor(c.Request.Context(), identity.Subject, identity.Role, unreadOnly)
		if err != nil {
			apierror.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, toNotificationResponses(list))
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 本人宛てか自分のロール宛ての通知のみ操作できる。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := middleware.GetIdentity(c)

		n, err := s.store.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ErrNotFound) {
			apierror.Abort(c, apierror.New(apierror.KindNotFound, "通知が見つかりません", err))
			return
		}
		if err != nil {
			apierror.Abort(c, err)
			return
		}
		if n.Recipient != identity.Subject && n.Recipient != RoleRecipient(identity.Role) {
			apierror.Abort(c, apierror.New(apierror.KindForbidden, "この通知を操作する権限がありません", nil))
			return
		}

		if err := s.store.MarkAsRead(c.Request.Context(), n.ID); err != nil {
			apierror.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザー本人宛ての通知を全て既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		updated, err := s.store.MarkAllAsRead(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			apierror.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	// Recipient は通知先のユーザーIDまたは"role:<ロール名>"。
	Recipient string `json:"recipient" binding:"required"`
	// Kind は通知の種類。省略時はgeneral。
	Kind string `json:"kind"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
}

// handleSend は通知を作成するハンドラ。
// 内部API（認証サービスなどから呼び出される）。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierror.Abort(c, apierror.New(apierror.KindBadRequest, "リクエストが不正です", err))
			return
		}
		if req.Kind == "" {
			req.Kind = "general"
		}

		n := Notification{
			ID:        uuid.NewString(),
			Recipient: req.Recipient,
			Kind:      req.Kind,
			Title:     req.Title,
			Message:   req.Message,
			CreatedAt: s.clock.Now(),
		}
		if err := s.store.Create(c.Request.Context(), n); err != nil {
			apierror.Abort(c, err)
			return
		}

		s.logger.Info("通知を作成しました",
			zap.String("requestID", middleware.GetRequestID(c)),
			zap.String("notificationID", n.ID),
			zap.String("kind", n.Kind),
		)
		c.JSON(http.StatusCreated, gin.H{
			"id":      n.ID,
			"message": "通知を送信しました",
		})
	}
}
