package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/agrigw/pkg/token"
)

const (
	// HeaderUserID はゲートウェイがバックエンドに伝えるユーザーIDヘッダー。
	HeaderUserID = "X-User-ID"
	// HeaderUserRole はゲートウェイがバックエンドに伝えるロールヘッダー。
	HeaderUserRole = "X-User-Role"
	// HeaderFarmID はゲートウェイがバックエンドに伝える農場IDヘッダー。
	HeaderFarmID = "X-Farm-ID"

	// authStateKey はGinコンテキストに認証状態を格納するキー。
	authStateKey = "authState"
	// verifiedStateKey は同じリクエスト内で検証結果を使い回すためのキー。
	verifiedStateKey = "verifiedAuthState"
	// bearerScheme はAuthorizationヘッダーのBearerスキーム。大文字小文字は区別しない。
	bearerScheme = "Bearer"
)

// ErrMalformedAuthorization はAuthorizationヘッダーがBearer形式でないことを表す。
var ErrMalformedAuthorization = errors.New("Authorizationヘッダーの形式が不正です")

// IdentityHeaders はクライアントからの値を信用してはならない識別ヘッダーの一覧。
var IdentityHeaders = []string{HeaderUserID, HeaderUserRole, HeaderFarmID}

// TokenVerifier はアクセストークンを検証するインターフェース。
type TokenVerifier interface {
	VerifyAccess(tokenString string) (*token.Identity, error)
}

// AuthStatus はリクエストの認証状態。
type AuthStatus int

const (
	// Anonymous はAuthorizationヘッダーが無いことを表す。
	Anonymous AuthStatus = iota
	// Invalid はヘッダーはあるが検証に失敗したことを表す。
	Invalid
	// Authenticated は検証済みの識別情報があることを表す。
	Authenticated
)

// String は認証状態の名前を返す。
func (s AuthStatus) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Invalid:
		return "invalid"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// AuthState はIdentityミドルウェアが判定した認証の結果。
type AuthState struct {
	// Status は認証状態。
	Status AuthStatus
	// Identity はStatusがAuthenticatedのときのみ設定される。
	Identity *token.Identity
	// Err はStatusがInvalidのときの検証エラー。
	Err error
}

// Identity はBearerトークンを任意で検証し、結果をコンテキストに格納するGinミドルウェアを返す。
// トークンが無い場合も不正な場合もリクエストを中断しない。
// 拒否するかどうかは後続の認可ミドルウェアが判断する。
func Identity(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(authStateKey, cachedAuthState(c, verifier))
		c.Next()
	}
}

// cachedAuthState は同じリクエストで検証済みならその結果を返し、未検証なら検証して保持する。
func cachedAuthState(c *gin.Context, verifier TokenVerifier) AuthState {
	if v, ok := c.Get(verifiedStateKey); ok {
		if state, ok := v.(AuthState); ok {
			return state
		}
	}
	state := resolveAuthState(c, verifier)
	c.Set(verifiedStateKey, state)
	return state
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// スキームが異なる場合やトークンが空の場合はfalseを返す。
func bearerToken(authHeader string) (string, bool) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	tokenString := strings.TrimSpace(rest)
	return tokenString, tokenString != ""
}

// resolveAuthState はAuthorizationヘッダーから認証状態を判定する。
func resolveAuthState(c *gin.Context, verifier TokenVerifier) AuthState {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return AuthState{Status: Anonymous}
	}
	tokenString, ok := bearerToken(authHeader)
	if !ok {
		return AuthState{Status: Invalid, Err: ErrMalformedAuthorization}
	}

	identity, err := verifier.VerifyAccess(tokenString)
	if err != nil {
		return AuthState{Status: Invalid, Err: err}
	}
	return AuthState{Status: Authenticated, Identity: identity}
}

// GetAuthState はGinコンテキストから認証状態を取得する。
// Identityミドルウェアを通っていない場合はAnonymousを返す。
func GetAuthState(c *gin.Context) AuthState {
	v, ok := c.Get(authStateKey)
	if !ok {
		return AuthState{Status: Anonymous}
	}
	state, ok := v.(AuthState)
	if !ok {
		return AuthState{Status: Anonymous}
	}
	return state
}

// GetIdentity はGinコンテキストから検証済みの識別情報を取得する。
// 認証されていない場合はnilを返す。
func GetIdentity(c *gin.Context) *token.Identity {
	state := GetAuthState(c)
	if state.Status != Authenticated {
		return nil
	}
	return state.Identity
}

// GetUserID はGinコンテキストから認証済みユーザーのIDを取得する。
// 認証されていない場合は空文字列を返す。
func GetUserID(c *gin.Context) string {
	if id := GetIdentity(c); id != nil {
		return id.Subject
	}
	return ""
}
