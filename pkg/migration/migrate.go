// Package migration はデータベースのマイグレーションを管理する。
// fs.FSからSQLファイルを読み込み、schema_migrations テーブルで適用状態を追跡する。
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/database"
)

// upSuffix は適用対象のファイル名の末尾。down はこのパッケージでは扱わない。
const upSuffix = ".up.sql"

// Version は1つのマイグレーションファイルとその適用状態。
type Version struct {
	Number  int
	Name    string
	Applied bool

	file string
}

// Migrator は1つのディレクトリ分のマイグレーションを適用する。
// ファイル名形式: 000001_description.up.sql
type Migrator struct {
	db      *sql.DB
	dialect database.Dialect
	fsys    fs.FS
	dir     string
	logger  *zap.Logger
}

// New は新しいMigratorを生成する。
func New(db *sql.DB, dialect database.Dialect, fsys fs.FS, dir string, logger *zap.Logger) *Migrator {
	return &Migrator{
		db:      db,
		dialect: dialect,
		fsys:    fsys,
		dir:     dir,
		logger:  logger.Named("migration"),
	}
}

// Up は未適用のマイグレーションをバージョン順に適用し、適用した件数を返す。
func (m *Migrator) Up(ctx context.Context) (int, error) {
	versions, err := m.Status(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, v := range versions {
		if v.Applied {
			continue
		}
		if err := m.apply(ctx, v); err != nil {
			return n, fmt.Errorf("マイグレーション %06d の適用に失敗: %w", v.Number, err)
		}
		m.logger.Info("マイグレーションを適用しました",
			zap.Int("version", v.Number),
			zap.String("name", v.Name),
		)
		n++
	}
	return n, nil
}

// Status はディレクトリ内の全マイグレーションを適用状態付きで返す。
func (m *Migrator) Status(ctx context.Context) ([]Version, error) {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return nil, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	versions, err := scan(m.fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}
	for i := range versions {
		versions[i].Applied = applied[versions[i].Number]
	}
	return versions, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// apply は1ファイル分の文を1トランザクションで実行し、バージョンを記録する。
func (m *Migrator) apply(ctx context.Context, v Version) error {
	content, err := fs.ReadFile(m.fsys, path.Join(m.dir, v.file))
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i, stmt := range splitStatements(string(content)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%d番目の文の実行に失敗: %w", i+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx, m.dialect.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), v.Number); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}

// scan はディレクトリからup.sqlファイルを集めてバージョン順に並べる。
// 形式に合わないファイルは無視する。
func scan(fsys fs.FS, dir string) ([]Version, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var versions []Version
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), upSuffix) {
			continue
		}
		num, name, ok := strings.Cut(strings.TrimSuffix(entry.Name(), upSuffix), "_")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		versions = append(versions, Version{Number: n, Name: name, file: entry.Name()})
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Number < versions[j].Number
	})
	return versions, nil
}

// splitStatements はセミコロンで終わる行を区切りとして文に分ける。
// 行の途中のセミコロンや "--" で始まるコメント行は区切りとして扱わない。
func splitStatements(content string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return stmts
}
