package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/nao1215/agrigw/pkg/apierror"
	"github.com/nao1215/agrigw/pkg/middleware"
	"github.com/nao1215/agrigw/pkg/token"
)

// statusClientClosedRequest は呼び出し元が応答前に切断したことを表すステータス。
const statusClientClosedRequest = 499

// 転送結果のメトリクスラベル。
const (
	outcomeOK          = "ok"
	outcomeUnavailable = "unavailable"
	outcomeTimeout     = "timeout"
	outcomeCircuitOpen = "circuit_open"
	outcomeCanceled    = "canceled"
)

// ProxyConfig はProxyの設定。
type ProxyConfig struct {
	// Name はバックエンド名。
	Name string
	// Target は転送先のベースURL。
	Target string
	// Timeout は1回の転送に許す最大時間。
	Timeout time.Duration
	// FailureThreshold はサーキットを開放するまでの連続失敗回数。
	FailureThreshold int
	// OpenTimeout はサーキット開放から半開状態に移るまでの時間。
	OpenTimeout time.Duration
}

// Proxy は1つのバックエンドへのリバースプロキシ。
// バックエンドごとに接続プールとサーキットブレーカーを分け、
// 遅いバックエンドが他のバックエンドへの転送を妨げないようにする。
type Proxy struct {
	name    string
	target  *url.URL
	timeout time.Duration
	rp      *httputil.ReverseProxy
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *middleware.Metrics
}

// NewProxy は新しいProxyを生成する。
func NewProxy(cfg ProxyConfig, logger *zap.Logger, metrics *middleware.Metrics) (*Proxy, error) {
	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("%s: 転送先URLの解析に失敗: %w", cfg.Name, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%s: 転送先URLが不正です: %q", cfg.Name, cfg.Target)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Proxy{
		name:    cfg.Name,
		target:  target,
		timeout: cfg.Timeout,
		logger:  logger.With(zap.String("backend", cfg.Name)),
		metrics: metrics,
	}

	threshold := uint32(max(cfg.FailureThreshold, 1)) //nolint:gosec // 上限は設定値の範囲
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("サーキットブレーカーの状態が変化しました",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if p.metrics != nil {
				p.metrics.CircuitStateChanged(name, from.String(), to.String())
			}
		},
	})

	p.rp = &httputil.ReverseProxy{
		Rewrite:       p.rewrite,
		Transport:     otelhttp.NewTransport(newTransport(cfg.Timeout)),
		FlushInterval: -1,
		ErrorHandler:  p.recordError,
	}
	return p, nil
}

// newTransport はバックエンド専用の接続プールを持つTransportを生成する。
func newTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: timeout,
	}
}

// Name はバックエンド名を返す。
func (p *Proxy) Name() string {
	return p.name
}

// State はサーキットブレーカーの状態を返す。
func (p *Proxy) State() gobreaker.State {
	return p.breaker.State()
}

// proxyState は1回の転送で発生したエラーを受け渡す。
type proxyState struct {
	identity *token.Identity
	err      error
}

type proxyStateKey struct{}

// Serve はリクエストをバックエンドに転送し、応答をそのまま呼び出し元に返す。
// 接続できない場合は502、時間内に応答が無い場合は504、サーキット開放中は503を返す。
func (p *Proxy) Serve(c *gin.Context) {
	start := time.Now()
	inbound := c.Request.Context()

	ctx, cancel := context.WithTimeout(inbound, p.timeout)
	defer cancel()

	state := &proxyState{identity: middleware.GetIdentity(c)}
	req := c.Request.WithContext(context.WithValue(ctx, proxyStateKey{}, state))

	_, err := p.breaker.Execute(func() (any, error) {
		p.rp.ServeHTTP(c.Writer, req)
		if state.err != nil && inbound.Err() == nil {
			return nil, state.err
		}
		return nil, nil
	})
	if err == nil {
		err = state.err
	}

	outcome, apiErr := p.classify(inbound, err)
	if p.metrics != nil {
		p.metrics.ObserveProxy(p.name, outcome, time.Since(start))
	}
	if err == nil {
		return
	}

	if outcome == outcomeCanceled {
		p.logger.Debug("呼び出し元が切断したため転送を中止しました", zap.String("path", c.Request.URL.Path))
		c.AbortWithStatus(statusClientClosedRequest)
		return
	}
	p.logger.Warn("バックエンドへの転送に失敗しました",
		zap.String("requestID", middleware.GetRequestID(c)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("outcome", outcome),
		zap.Error(err),
	)
	apierror.Abort(c, apiErr)
}

// classify は転送エラーをメトリクスの結果ラベルとAPIエラーに分類する。
func (p *Proxy) classify(inbound context.Context, err error) (string, *apierror.Error) {
	if err == nil {
		return outcomeOK, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return outcomeCircuitOpen, apierror.New(apierror.KindGatewayUnavailable,
			"バックエンドが一時的に利用できません", err).WithStatus(http.StatusServiceUnavailable)
	}
	if errors.Is(inbound.Err(), context.Canceled) {
		return outcomeCanceled, nil
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return outcomeUnavailable, apierror.New(apierror.KindGatewayUnavailable, "バックエンドに接続できません", err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) && netErr.Timeout() {
		return outcomeTimeout, apierror.New(apierror.KindGatewayTimeout, "バックエンドが時間内に応答しませんでした", err)
	}
	return outcomeUnavailable, apierror.New(apierror.KindGatewayUnavailable, "バックエンドに接続できません", err)
}

// rewrite は転送リクエストの宛先とヘッダーを書き換える。
// 呼び出し元が送った識別ヘッダーは必ず削除し、検証済みの識別情報だけを付与する。
func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)
	pr.SetXForwarded()

	for _, h := range middleware.IdentityHeaders {
		pr.Out.Header.Del(h)
	}
	state, ok := pr.In.Context().Value(proxyStateKey{}).(*proxyState)
	if !ok || state.identity == nil {
		return
	}
	pr.Out.Header.Set(middleware.HeaderUserID, state.identity.Subject)
	pr.Out.Header.Set(middleware.HeaderUserRole, string(state.identity.Role))
	if state.identity.FarmID != "" {
		pr.Out.Header.Set(middleware.HeaderFarmID, state.identity.FarmID)
	}
}

// recordError は転送エラーを記録する。応答はServeが書き込む。
func (p *Proxy) recordError(_ http.ResponseWriter, r *http.Request, err error) {
	if state, ok := r.Context().Value(proxyStateKey{}).(*proxyState); ok {
		state.err = err
	}
}
