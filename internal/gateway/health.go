package gateway

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/agrigw/pkg/httpclient"
)

const (
	// healthCheckTimeout はバックエンド1つあたりの死活確認のタイムアウト。
	healthCheckTimeout = 3 * time.Second
	// healthCheckConcurrency は同時に実行する死活確認の上限。
	healthCheckConcurrency = 8
)

// BackendStatus はバックエンド1つ分の死活確認結果。
type BackendStatus struct {
	// Name はバックエンド名。
	Name string `json:"name"`
	// Status は"ok"または"down"。
	Status string `json:"status"`
	// Circuit はサーキットブレーカーの状態。
	Circuit string `json:"circuit"`
	// Error は失敗時の理由。
	Error string `json:"error,omitempty"`
	// LatencyMS は確認にかかった時間（ミリ秒）。
	LatencyMS int64 `json:"latency_ms"`
}

// healthChecker はバックエンドの死活確認を並行して行う。
type healthChecker struct {
	clients map[string]*httpclient.Client
	paths   map[string]string
	proxies map[string]*Proxy
}

// newHealthChecker はバックエンド設定からhealthCheckerを生成する。
func newHealthChecker(backends map[string]BackendConfig, proxies map[string]*Proxy) *healthChecker {
	h := &healthChecker{
		clients: make(map[string]*httpclient.Client, len(backends)),
		paths:   make(map[string]string, len(backends)),
		proxies: proxies,
	}
	for name, b := range backends {
		h.clients[name] = httpclient.New(b.URL, httpclient.WithTimeout(healthCheckTimeout))
		h.paths[name] = b.HealthPath
	}
	return h
}

// Check は全バックエンドの死活を並行して確認し、名前順に返す。
func (h *healthChecker) Check(ctx context.Context) []BackendStatus {
	names := make([]string, 0, len(h.clients))
	for name := range h.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]BackendStatus, len(names))
	var g errgroup.Group
	g.SetLimit(healthCheckConcurrency)
	for i, name := range names {
		g.Go(func() error {
			start := time.Now()
			err := h.clients[name].Ping(ctx, h.paths[name])

			st := BackendStatus{
				Name:      name,
				Status:    "ok",
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if p, ok := h.proxies[name]; ok {
				st.Circuit = p.State().String()
			}
			if err != nil {
				st.Status = "down"
				st.Error = err.Error()
			}
			results[i] = st
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// handleHealth はゲートウェイ自身の死活を返すハンドラを返す。
func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	}
}

// handleVersion はゲートウェイのバージョンを返すハンドラを返す。
func handleVersion(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": "gateway", "version": version})
	}
}

// handleBackendHealth は全バックエンドの死活をまとめて返すハンドラを返す。
// 1つでも応答しないバックエンドがあれば503を返す。
func (h *healthChecker) handleBackendHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		results := h.Check(c.Request.Context())

		status, overall := http.StatusOK, "ok"
		for _, r := range results {
			if r.Status != "ok" {
				status, overall = http.StatusServiceUnavailable, "degraded"
				break
			}
		}
		c.JSON(status, gin.H{"status": overall, "backends": results})
	}
}
