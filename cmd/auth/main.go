// 認証サービスのエントリポイント。
// ユーザー登録、ログイン、トークンの発行と更新、アクセス申請の受付を担当する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/agrigw/internal/auth"
	"github.com/nao1215/agrigw/pkg/logging"
)

func main() {
	cfg, err := auth.LoadConfig()
	if err != nil {
		log.Fatalf("認証サービスの設定読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := auth.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("認証サーバーの初期化に失敗", zap.Error(err))
	}

	if err := server.Run(ctx); err != nil {
		logger.Fatal("認証サービスの実行に失敗", zap.Error(err))
	}
	logger.Info("認証サービスを停止しました")
}
