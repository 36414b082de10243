// 通知サービスのエントリポイント。
// ユーザー宛てとロール宛ての通知を保存し、既読状態を管理する。
// 認証サービスなどからの内部APIで通知を受け付ける。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/agrigw/internal/notification"
	"github.com/nao1215/agrigw/pkg/logging"
)

func main() {
	cfg := notification.LoadConfig()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := notification.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("通知サーバーの初期化に失敗", zap.Error(err))
	}

	if err := server.Run(ctx); err != nil {
		logger.Fatal("通知サービスの実行に失敗", zap.Error(err))
	}
	logger.Info("通知サービスを停止しました")
}
