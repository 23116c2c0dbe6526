// Package schema は通知サービスのテーブル定義を方言ごとに埋め込み、適用する。
package schema

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/database"
	"github.com/nao1215/notifyhub/pkg/migration"
)

//go:embed migrations
var migrations embed.FS

// Migrator は方言に対応するマイグレーションディレクトリのMigratorを返す。
func Migrator(db *sql.DB, dialect database.Dialect, logger *zap.Logger) *migration.Migrator {
	dir := "migrations/sqlite"
	if dialect == database.Postgres {
		dir = "migrations/postgres"
	}
	return migration.New(db, dialect, migrations, dir, logger)
}

// Apply は未適用のマイグレーションを全て適用する。
func Apply(db *sql.DB, dialect database.Dialect, logger *zap.Logger) error {
	if _, err := Migrator(db, dialect, logger).Up(context.Background()); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
