// 通知サービスのエントリポイント。
// ドメインイベントを受信者・チャネル単位の通知に分解し、WebSocket・メール・プッシュ・SMSで配信する。
//
// 使い方:
//
//	notifyhub serve
//	notifyhub migrate [--status]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "notifyhub",
		Short:   "通知の分解・配信サービス",
		Version: version,
		// エラーはmainで1回だけ表示する
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
