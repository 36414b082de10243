package middleware

import (
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/agrigw/pkg/apierror"
	"github.com/nao1215/agrigw/pkg/rbac"
	"github.com/nao1215/agrigw/pkg/token"
)

// forbiddenMessage は権限不足時の応答メッセージ。必要だった権限は明かさない。
const forbiddenMessage = "この操作を行う権限がありません"

// RequireRole は指定ロールのいずれかを持つ呼び出し元のみ通すGinミドルウェアを返す。
func RequireRole(roles ...rbac.Role) gin.HandlerFunc {
	allowed := slices.Clone(roles)
	return func(c *gin.Context) {
		identity, ok := requireIdentity(c)
		if !ok {
			return
		}
		if !slices.Contains(allowed, identity.Role) {
			apierror.Abort(c, apierror.New(apierror.KindForbidden, forbiddenMessage, nil))
			return
		}
		c.Next()
	}
}

// RequirePermission は指定権限を持つ呼び出し元のみ通すGinミドルウェアを返す。
func RequirePermission(permission rbac.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CheckPermission(c, permission) {
			return
		}
		c.Next()
	}
}

// RequireMethodPermission はHTTPメソッドから操作を決め、resourceに対する権限を要求する。
// GET・HEAD・OPTIONSはread、それ以外はwriteとして扱う。
func RequireMethodPermission(resource rbac.Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CheckPermission(c, rbac.NewPermission(resource, rbac.ActionForMethod(c.Request.Method))) {
			return
		}
		c.Next()
	}
}

// CheckPermission は呼び出し元がpermissionを持つかを判定する。
// 持たない場合は401または403を書き込んでリクエストを中断し、falseを返す。
func CheckPermission(c *gin.Context, permission rbac.Permission) bool {
	identity, ok := requireIdentity(c)
	if !ok {
		return false
	}
	if !rbac.HasPermission(identity.Role, permission) {
		apierror.Abort(c, apierror.New(apierror.KindForbidden, forbiddenMessage, nil))
		return false
	}
	return true
}

// requireIdentity は認証済みの識別情報を返す。
// 無ければ401を書き込み、falseを返す。
func requireIdentity(c *gin.Context) (*token.Identity, bool) {
	state := GetAuthState(c)
	switch state.Status {
	case Authenticated:
		return state.Identity, true
	case Invalid:
		apierror.Abort(c, apierror.New(apierror.KindInvalidToken, "トークンが無効または期限切れです", state.Err))
	default:
		apierror.Abort(c, apierror.New(apierror.KindUnauthorized, "認証が必要です", nil))
	}
	return nil, false
}
