package middleware

import (
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/agrigw/pkg/apierror"
	"github.com/nao1215/agrigw/pkg/ratelimit"
)

const (
	// HeaderRateLimitLimit はウィンドウあたりの上限を示すヘッダー。
	HeaderRateLimitLimit = "X-RateLimit-Limit"
	// HeaderRateLimitRemaining は残りリクエスト数を示すヘッダー。
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	// HeaderRateLimitReset はウィンドウが切り替わるまでの秒数を示すヘッダー。
	HeaderRateLimitReset = "X-RateLimit-Reset"
	// HeaderRetryAfter は再試行まで待つべき秒数を示すヘッダー。
	HeaderRetryAfter = "Retry-After"

	// rateLimitedKey は拒否したトラフィッククラスをGinコンテキストに格納するキー。
	rateLimitedKey = "rateLimitedClass"
)

// KeyFunc はリクエストからレート制限のクライアントキーを導出する。
type KeyFunc func(c *gin.Context) string

// ClientIPKey は接続元アドレスをクライアントキーとする。
// 転送ヘッダーはエンジンのSetTrustedProxiesで信用したプロキシからのものだけが使われる。
func ClientIPKey(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// SubjectOrIPKey は検証済みのユーザーIDがあればそれを、無ければ接続元アドレスをキーとする。
// 識別情報がまだコンテキストに無い段階でも、Bearerトークンを検証して判定する。
// 検証結果はコンテキストに保持し、後続のIdentityミドルウェアが再利用する。
func SubjectOrIPKey(verifier TokenVerifier) KeyFunc {
	return func(c *gin.Context) string {
		if id := GetIdentity(c); id != nil {
			return "user:" + id.Subject
		}
		if verifier != nil {
			if state := cachedAuthState(c, verifier); state.Status == Authenticated {
				return "user:" + state.Identity.Subject
			}
		}
		return ClientIPKey(c)
	}
}

// RateLimit はlimiterでリクエスト数を制限するGinミドルウェアを返す。
// 上限を超えたリクエストは429で中断し、バックエンドへは転送しない。
func RateLimit(limiter *ratelimit.Limiter, class ratelimit.Class, keyFunc KeyFunc) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = ClientIPKey
	}
	return func(c *gin.Context) {
		res := limiter.Allow(keyFunc(c))

		c.Header(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
		c.Header(HeaderRateLimitReset, strconv.Itoa(ceilSeconds(res.ResetAfter)))

		if !res.Allowed {
			c.Set(rateLimitedKey, class)
			c.Header(HeaderRetryAfter, strconv.Itoa(max(1, ceilSeconds(res.RetryAfter))))
			apierror.Abort(c, apierror.New(apierror.KindRateLimited,
				"リクエストが多すぎます。しばらくしてから再試行してください", ratelimit.ErrRateLimited))
			return
		}
		c.Next()
	}
}

// RateLimitedClass はリクエストを拒否したトラフィッククラスを返す。
// 拒否されていない場合はfalseを返す。
func RateLimitedClass(c *gin.Context) (ratelimit.Class, bool) {
	v, ok := c.Get(rateLimitedKey)
	if !ok {
		return "", false
	}
	class, ok := v.(ratelimit.Class)
	return class, ok
}

// ceilSeconds は期間を秒単位に切り上げる。
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
