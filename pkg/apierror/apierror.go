// Package apierror は各サービスが呼び出し元に返すエラーの分類とJSON表現を提供する。
package apierror

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind はエラーの分類。
type Kind string

const (
	// KindRateLimited はレート制限超過。
	KindRateLimited Kind = "rate_limited"
	// KindUnauthorized は認証情報が無い。
	KindUnauthorized Kind = "unauthorized"
	// KindInvalidToken はトークンが不正・期限切れ。
	KindInvalidToken Kind = "invalid_token"
	// KindForbidden は認証済みだが権限が無い。
	KindForbidden Kind = "forbidden"
	// KindNotFound はルートが存在しない。
	KindNotFound Kind = "not_found"
	// KindGatewayUnavailable はバックエンドに到達できない。
	KindGatewayUnavailable Kind = "gateway_unavailable"
	// KindGatewayTimeout はバックエンドが時間内に応答しない。
	KindGatewayTimeout Kind = "gateway_timeout"
	// KindBadRequest はリクエストの内容が不正。
	KindBadRequest Kind = "bad_request"
	// KindConflict は既存のリソースと衝突する。
	KindConflict Kind = "conflict"
	// KindInternal はゲートウェイ内部のエラー。
	KindInternal Kind = "internal_error"
)

// Status はKindに対応するHTTPステータスコードを返す。
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnauthorized, KindInvalidToken:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindGatewayUnavailable:
		return http.StatusBadGateway
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error は分類付きのエラー。
type Error struct {
	// Kind はエラーの分類。
	Kind Kind
	// Message は呼び出し元に返すメッセージ。
	Message string
	// Err は原因となったエラー。呼び出し元には返さない。
	Err error
	// Status は0以外のときKind既定のステータスコードの代わりに使う。
	Status int
}

// New は新しいErrorを生成する。
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithStatus はステータスコードを上書きしたErrorを返す。
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// StatusCode は応答に使うHTTPステータスコードを返す。
func (e *Error) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.Status()
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Response はエラーレスポンスのJSON構造。
type Response struct {
	// Error はエラー分類のコード。
	Error Kind `json:"error"`
	// Message は人間向けのメッセージ。
	Message string `json:"message"`
}

// Abort はerrに対応するステータスとJSONを書き込み、以降のハンドラを中断する。
// *Error以外のエラーは内部エラーとして扱い、詳細は返さない。
func Abort(c *gin.Context, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = New(KindInternal, "内部サーバーエラーが発生しました", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(apiErr.StatusCode(), Response{
		Error:   apiErr.Kind,
		Message: apiErr.Message,
	})
}
