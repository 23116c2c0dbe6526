// Package database はSQLiteとPostgreSQLの差異を吸収してdatabase/sqlの接続を提供する。
//
// ストア実装は "?" プレースホルダでSQLを記述し、Dialect.Rebind で
// ドライバに合わせた形式へ変換する。
package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	// PostgreSQLドライバ（"pgx"）
	_ "github.com/jackc/pgx/v5/stdlib"
	// SQLiteドライバ（"sqlite"）
	_ "modernc.org/sqlite"
)

// Dialect はSQL方言を表す。
type Dialect string

const (
	// SQLite はmodernc.org/sqliteを使用する。
	SQLite Dialect = "sqlite"
	// Postgres はpgx/v5/stdlibを使用する。
	Postgres Dialect = "pgx"
)

// Open は指定ドライバでデータベースに接続する。
// SQLiteの場合はWALモードとbusy_timeoutを有効にする。
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	d := Dialect(driver)
	switch d {
	case SQLite:
		if dsn != ":memory:" && !strings.Contains(dsn, "_pragma") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case Postgres:
	default:
		return nil, "", fmt.Errorf("未対応のドライバです: %s", driver)
	}

	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if d == SQLite && dsn == ":memory:" {
		// インメモリDBは接続ごとに別のDBになるため1接続に固定する
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	return db, d, nil
}

// Rebind は "?" プレースホルダを方言に合わせて変換する。
// PostgreSQLでは $1, $2, ... に置き換える。
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Placeholders は n 個の "?" をカンマ区切りで返す。IN句の組み立てに使う。
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// SkipLocked はポーリングのclaimで使う行ロック句を返す。
// SQLiteはデータベース単位の書き込みロックのため空文字を返す。
func (d Dialect) SkipLocked() string {
	if d == Postgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// SequenceColumn は同一時刻内の挿入順を表す列名を返す。
func (d Dialect) SequenceColumn() string {
	if d == Postgres {
		return "seq"
	}
	return "rowid"
}
