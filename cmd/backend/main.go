// 汎用バックエンドサービスのエントリポイント。
// SERVICE_NAMEで農場・デバイス・分析・管理・システムのいずれとして動くかを決める。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/agrigw/internal/backend"
	"github.com/nao1215/agrigw/pkg/logging"
)

func main() {
	cfg, err := backend.LoadConfig()
	if err != nil {
		log.Fatalf("バックエンドの設定読み込みに失敗（SERVICE_NAMEは%vのいずれか）: %v", backend.ServiceNames(), err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := backend.NewServer(cfg, logger).Run(ctx); err != nil {
		logger.Fatal("バックエンドサービスの実行に失敗", zap.Error(err))
	}
	logger.Info("バックエンドサービスを停止しました", zap.String("service", cfg.ServiceName))
}
