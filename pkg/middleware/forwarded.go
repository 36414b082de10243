package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/nao1215/agrigw/pkg/rbac"
	"github.com/nao1215/agrigw/pkg/token"
)

// ForwardedIdentity はゲートウェイが付与したX-User-*ヘッダーから認証状態を復元するGinミドルウェアを返す。
// バックエンドサービス専用。ゲートウェイはクライアントが送った同名ヘッダーを必ず削除するため、
// バックエンドはこの値をトークン検証済みの識別情報として扱える。
// ヘッダーが無い場合はAnonymous、ロールが未知の場合はInvalidになる。
func ForwardedIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(authStateKey, forwardedAuthState(c))
		c.Next()
	}
}

// forwardedAuthState は識別ヘッダーから認証状態を判定する。
func forwardedAuthState(c *gin.Context) AuthState {
	userID := c.GetHeader(HeaderUserID)
	if userID == "" {
		return AuthState{Status: Anonymous}
	}
	role, err := rbac.ParseRole(c.GetHeader(HeaderUserRole))
	if err != nil {
		return AuthState{Status: Invalid, Err: err}
	}
	return AuthState{
		Status: Authenticated,
		Identity: &token.Identity{
			Subject: userID,
			Role:    role,
			FarmID:  c.GetHeader(HeaderFarmID),
			Type:    token.TypeAccess,
		},
	}
}
