package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/config"
	"github.com/nao1215/notifyhub/internal/schema"
	"github.com/nao1215/notifyhub/pkg/database"
	"github.com/nao1215/notifyhub/pkg/logging"
)

func migrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "スキーマのマイグレーションを適用して終了する",
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

			db, dialect, err := database.Open(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck

			m := schema.Migrator(db, dialect, logger)
			if status {
				versions, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				for _, v := range versions {
					mark := "未適用"
					if v.Applied {
						mark = "適用済み"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%06d  %-40s  %s\n", v.Number, v.Name, mark)
				}
				return nil
			}

			n, err := m.Up(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("マイグレーションが完了しました", zap.Int("applied", n))
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "適用せずに各マイグレーションの状態を表示する")
	return cmd
}
