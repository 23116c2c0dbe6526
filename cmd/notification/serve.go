package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/config"
	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/pkg/logging"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "HTTPサーバー・ポーラー・ブローカー購読を起動する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := notification.NewApp(cfg, logger)
			if err != nil {
				logger.Error("通知サービスの初期化に失敗しました", zap.Error(err))
				return err
			}
			defer app.Close() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("通知サービスが異常終了しました", zap.Error(err))
				return err
			}
			logger.Info("通知サービスを停止しました")
			return nil
		},
	}
}
