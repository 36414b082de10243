package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsNamespace はメトリクス名の接頭辞。
const metricsNamespace = "agrigw"

const (
	// unmatchedRoute はルートに一致しなかったリクエストのラベル値。
	unmatchedRoute = "unmatched"
	// routeLabelKey はルートラベルを上書きする値をGinコンテキストに格納するキー。
	routeLabelKey = "metricsRoute"
)

// Metrics はゲートウェイのPrometheusメトリクス。
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitedTotal *prometheus.CounterVec
	proxyDuration    *prometheus.HistogramVec
	circuitChanges   *prometheus.CounterVec
}

// NewMetrics はregに登録したMetricsを生成する。
// regがnilの場合はprometheus.DefaultRegistererを使用する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "ゲートウェイが処理したリクエスト数",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "リクエストの処理時間（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "レート制限で拒否したリクエスト数",
		}, []string{"class"}),
		proxyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "proxy_duration_seconds",
			Help:      "バックエンドへの転送にかかった時間（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "outcome"}),
		circuitChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "circuit_state_changes_total",
			Help:      "バックエンドごとのサーキットブレーカー状態遷移の回数",
		}, []string{"backend", "from", "to"}),
	}
}

// Handler はリクエスト数と処理時間を記録するGinミドルウェアを返す。
// ルートラベルにはパスそのものではなく登録済みのルートパターンを使う。
func (m *Metrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.GetString(routeLabelKey)
		if route == "" {
			route = c.FullPath()
		}
		if route == "" {
			route = unmatchedRoute
		}
		method := methodLabel(c.Request.Method)
		m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())

		if class, ok := RateLimitedClass(c); ok {
			m.rateLimitedTotal.WithLabelValues(string(class)).Inc()
		}
	}
}

// methodLabel は標準のHTTPメソッド以外を"other"にまとめたラベルを返す。
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return method
	default:
		return "other"
	}
}

// SetRouteLabel はメトリクスのルートラベルを上書きする。
// ワイルドカードで受けたリクエストを転送先ごとに集計するために使う。
func SetRouteLabel(c *gin.Context, label string) {
	c.Set(routeLabelKey, label)
}

// ObserveProxy はバックエンドへの転送1回分の結果を記録する。
func (m *Metrics) ObserveProxy(backend, outcome string, d time.Duration) {
	m.proxyDuration.WithLabelValues(backend, outcome).Observe(d.Seconds())
}

// CircuitStateChanged はサーキットブレーカーの状態遷移を記録する。
func (m *Metrics) CircuitStateChanged(backend, from, to string) {
	m.circuitChanges.WithLabelValues(backend, from, to).Inc()
}
