package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/agrigw/pkg/apierror"
	"github.com/nao1215/agrigw/pkg/httpclient"
	"github.com/nao1215/agrigw/pkg/middleware"
	"github.com/nao1215/agrigw/pkg/rbac"
	"github.com/nao1215/agrigw/pkg/token"
)

const (
	// accessRequestPending は審査待ちのアクセス申請の状態。
	accessRequestPending = "pending"
	// adminRecipient は管理者ロール全体を表す通知先。
	adminRecipient = "role:admin"
	// notificationPath は通知サービスの内部送信API。
	notificationPath = "/internal/notifications"
)

// errInvalidCredentials はメールアドレスまたはパスワードが一致しないことを表す。
var errInvalidCredentials = apierror.New(apierror.KindUnauthorized, "メールアドレスまたはパスワードが正しくありません", nil)

// registerRequest はユーザー登録リクエストのJSON構造。
type registerRequest struct {
	// Email はログインに使うメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password は平文のパスワード。bcryptの上限により72バイトまで。
	Password string `json:"password" binding:"required,min=8,max=72"`
	// Name は表示名。
	Name string `json:"name" binding:"max=100"`
	// FarmID は所属する農場ID。
	FarmID string `json:"farm_id" binding:"max=64"`
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// refreshRequest はトークン再発行リクエストのJSON構造。
type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// accessRequestRequest はアクセス申請リクエストのJSON構造。
type accessRequestRequest struct {
	// Email は申請者のメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Name は申請者の氏名。
	Name string `json:"name" binding:"required,max=100"`
	// FarmName は運営する農場名。
	FarmName string `json:"farm_name" binding:"max=200"`
	// Message は申請理由などの自由記述。
	Message string `json:"message" binding:"max=2000"`
}

// userResponse はユーザー情報のJSONレスポンス構造。パスワードハッシュは含まない。
type userResponse struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	FarmID string `json:"farm_id,omitempty"`
}

// tokenResponse はトークン発行時のJSONレスポンス構造。
type tokenResponse struct {
	// AccessToken はゲートウェイに提示する短命なトークン。
	AccessToken string `json:"access_token"`
	// RefreshToken はアクセストークン再発行用のトークン。
	RefreshToken string `json:"refresh_token"`
	// TokenType は常に"Bearer"。
	TokenType string `json:"token_type"`
	// ExpiresIn はアクセストークンの有効期間（秒）。
	ExpiresIn int64 `json:"expires_in"`
	// User は発行対象のユーザー。
	User userResponse `json:"user"`
}

// accessRequestResponse はアクセス申請のJSONレスポンス構造。
type accessRequestResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	FarmName  string `json:"farm_name"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// notifyRequest は通知サービスへの送信リクエストのJSON構造。
type notifyRequest struct {
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Message   string `json:"message"`
}

// toUserResponse はUserをJSONレスポンスに変換する。
func toUserResponse(u User) userResponse {
	return userResponse{
		ID:     u.ID,
		Email:  u.Email,
		Name:   u.Name,
		Role:   string(u.Role),
		FarmID: u.FarmID,
	}
}

// normalizeEmail はメールアドレスを比較用に正規化する。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// badRequest はバインドエラーを400として返す。
func badRequest(c *gin.Context, err error) {
	apierror.Abort(c, apierror.New(apierror.KindBadRequest, "リクエストが不正です", err))
}

// handleRegister はユーザーを登録し、トークンを発行するハンドラを返す。
// 自己登録できるロールはfarmerのみ。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
		if err != nil {
			apierror.Abort(c, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err))
			return
		}

		user := User{
			ID:           uuid.NewString(),
			Email:        normalizeEmail(req.Email),
			Name:         strings.TrimSpace(req.Name),
			PasswordHash: string(hash),
			Role:         rbac.RoleFarmer,
			FarmID:       req.FarmID,
			CreatedAt:    s.clock.Now(),
		}
		if err := s.store.CreateUser(c.Request.Context(), user); err != nil {
			if errors.Is(err, ErrEmailTaken) {
				apierror.Abort(c, apierror.New(apierror.KindConflict, "メールアドレスは既に登録されています", err))
				return
			}
			apierror.Abort(c, err)
			return
		}

		s.logger.Info("ユーザーを登録しました",
			zap.String("requestID", middleware.GetRequestID(c)),
			zap.String("userID", user.ID),
		)
		s.respondTokens(c, http.StatusCreated, user)
	}
}

// handleLogin はメールアドレスとパスワードを照合し、トークンを発行するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		user, err := s.store.GetUserByEmail(c.Request.Context(), normalizeEmail(req.Email))
		if errors.Is(err, ErrUserNotFound) {
			// 存在しないユーザーでも照合時間を揃える
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
			apierror.Abort(c, errInvalidCredentials)
			return
		}
		if err != nil {
			apierror.Abort(c, err)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			apierror.Abort(c, errInvalidCredentials)
			return
		}

		if err := s.store.UpdateLastLogin(c.Request.Context(), user.ID, s.clock.Now()); err != nil {
			s.logger.Warn("最終ログイン日時の更新に失敗しました", zap.String("userID", user.ID), zap.Error(err))
		}
		s.respondTokens(c, http.StatusOK, user)
	}
}

// handleRefresh はリフレッシュトークンを検証し、トークンを再発行するハンドラを返す。
// ロールはトークンではなく現在のユーザー情報から取り直す。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		identity, err := s.codec.VerifyRefresh(req.RefreshToken)
		if err != nil {
			apierror.Abort(c, apierror.New(apierror.KindInvalidToken, "リフレッシュトークンが無効または期限切れです", err))
			return
		}

		user, err := s.store.GetUserByID(c.Request.Context(), identity.Subject)
		if errors.Is(err, ErrUserNotFound) {
			apierror.Abort(c, apierror.New(apierror.KindInvalidToken, "リフレッシュトークンが無効または期限切れです", err))
			return
		}
		if err != nil {
			apierror.Abort(c, err)
			return
		}
		s.respondTokens(c, http.StatusOK, user)
	}
}

// respondTokens はアクセストークンとリフレッシュトークンを発行して返す。
func (s *Server) respondTokens(c *gin.Context, status int, user User) {
	subject := token.Subject{ID: user.ID, Role: user.Role, FarmID: user.FarmID}

	access, err := s.codec.SignAccess(subject)
	if err != nil {
		apierror.Abort(c, fmt.Errorf("アクセストークンの発行に失敗: %w", err))
		return
	}
	refresh, err := s.codec.SignRefresh(subject)
	if err != nil {
		apierror.Abort(c, fmt.Errorf("リフレッシュトークンの発行に失敗: %w", err))
		return
	}

	c.JSON(status, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.TTL(token.TypeAccess) / time.Second),
		User:         toUserResponse(user),
	})
}

// handleRequestAccess はアクセス申請を保存し、管理者に通知するハンドラを返す。
// 通知の失敗は申請の成否に影響しない。
func (s *Server) handleRequestAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accessRequestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		ar := AccessRequest{
			ID:        uuid.NewString(),
			Email:     normalizeEmail(req.Email),
			Name:      strings.TrimSpace(req.Name),
			FarmName:  strings.TrimSpace(req.FarmName),
			Message:   req.Message,
			Status:    accessRequestPending,
			CreatedAt: s.clock.Now(),
		}
		if err := s.store.CreateAccessRequest(c.Request.Context(), ar); err != nil {
			apierror.Abort(c, err)
			return
		}

		s.notifyAdmins(c.Request.Context(), middleware.GetRequestID(c), ar)
		c.JSON(http.StatusAccepted, gin.H{"id": ar.ID, "status": ar.Status})
	}
}

// notifyAdmins はアクセス申請を通知サービス経由で管理者に知らせる。
func (s *Server) notifyAdmins(ctx context.Context, requestID string, ar AccessRequest) {
	if s.notifier == nil {
		return
	}
	msg := fmt.Sprintf("%s（%s）からアクセス申請がありました。", ar.Name, ar.Email)
	if ar.FarmName != "" {
		msg = fmt.Sprintf("%s（%s、%s）からアクセス申請がありました。", ar.Name, ar.Email, ar.FarmName)
	}

	ctx = httpclient.WithRequestID(ctx, requestID)
	if err := s.notifier.PostJSON(ctx, notificationPath, notifyRequest{
		Recipient: adminRecipient,
		Kind:      "access_request",
		Title:     "新しいアクセス申請",
		Message:   msg,
	}, nil); err != nil {
		s.logger.Warn("アクセス申請の通知に失敗しました",
			zap.String("requestID", requestID),
			zap.String("accessRequestID", ar.ID),
			zap.Error(err),
		)
	}
}

// handleMe は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.store.GetUserByID(c.Request.Context(), middleware.GetUserID(c))
		if errors.Is(err, ErrUserNotFound) {
			apierror.Abort(c, apierror.New(apierror.KindNotFound, "ユーザーが見つかりません", err))
			return
		}
		if err != nil {
			apierror.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, toUserResponse(user))
	}
}

// handleListAccessRequests は審査待ちのアクセス申請一覧を返すハンドラを返す。
func (s *Server) handleListAccessRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.DefaultQuery("status", accessRequestPending)
		requests, err := s.store.ListAccessRequests(c.Request.Context(), status)
		if err != nil {
			apierror.Abort(c, err)
			return
		}

		resp := make([]accessRequestResponse, 0, len(requests))
		for _, r := range requests {
			resp = append(resp, accessRequestResponse{
				ID:        r.ID,
				Email:     r.Email,
				Name:      r.Name,
				FarmName:  r.FarmName,
				Message:   r.Message,
				Status:    r.Status,
				CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleHealth は認証サービスの死活を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "service": "auth"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auth"})
	}
}
