// Package httpserver はHTTPサーバーの起動とグレースフルシャットダウンを提供する。
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultShutdownTimeout は処理中のリクエストを待つ既定の最大時間。
	DefaultShutdownTimeout = 15 * time.Second
	// readHeaderTimeout はリクエストヘッダーの読み込みに許す時間。
	readHeaderTimeout = 10 * time.Second
	// idleTimeout はKeep-Alive接続を保持する時間。
	idleTimeout = 120 * time.Second
)

// New はタイムアウトを設定したhttp.Serverを生成する。
func New(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort("", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// Run はsrvを起動し、ctxが終了するまで待つ。
// ctx終了後は処理中のリクエストをshutdownTimeoutまで待ってから停止する。
func Run(ctx context.Context, srv *http.Server, logger *zap.Logger, shutdownTimeout time.Duration) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%sでの待ち受けに失敗: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		logger.Info("サーバーを停止します", zap.String("addr", srv.Addr))
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
		}
		return nil
	})
	return g.Wait()
}
