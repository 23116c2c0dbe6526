package intake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/notifyhub/pkg/database"
)

// Marker は処理済みイベントIDを記録する。
type Marker interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// SQLMarker は processed_events テーブルに処理済みを記録する。
type SQLMarker struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

// NewSQLMarker は新しいSQLMarkerを生成する。
func NewSQLMarker(db *sql.DB, dialect database.Dialect) *SQLMarker {
	return &SQLMarker{db: db, dialect: dialect, now: time.Now}
}

// Seen は処理済みかどうかを返す。
func (m *SQLMarker) Seen(ctx context.Context, eventID string) (bool, error) {
	var id string
	err := m.db.QueryRowContext(ctx, m.dialect.Rebind(
		`SELECT event_id FROM processed_events WHERE event_id = ?`), eventID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("処理済みマーカーの取得に失敗: %w", err)
	}
	return true, nil
}

// Mark は処理済みとして記録する。既に記録済みでもエラーにしない。
func (m *SQLMarker) Mark(ctx context.Context, eventID string) error {
	_, err := m.db.ExecContext(ctx, m.dialect.Rebind(
		`INSERT INTO processed_events (event_id, processed_at) VALUES (?, ?)
		 ON CONFLICT (event_id) DO NOTHING`), eventID, m.now().UTC())
	if err != nil {
		return fmt.Errorf("処理済みマーカーの記録に失敗: %w", err)
	}
	return nil
}

// RedisMarker はRedisに有効期限付きで処理済みを記録する。
type RedisMarker struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisMarker は新しいRedisMarkerを生成する。
func NewRedisMarker(rdb *redis.Client, ttl time.Duration) *RedisMarker {
	return &RedisMarker{rdb: rdb, ttl: ttl, prefix: "notification:processed:"}
}

// Seen は処理済みかどうかを返す。
func (m *RedisMarker) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, m.prefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("処理済みマーカーの取得に失敗: %w", err)
	}
	return n > 0, nil
}

// Mark は処理済みとして記録する。既存のキーの有効期限は延長しない。
func (m *RedisMarker) Mark(ctx context.Context, eventID string) error {
	if err := m.rdb.SetNX(ctx, m.prefix+eventID, time.Now().UTC().Format(time.RFC3339), m.ttl).Err(); err != nil {
		return fmt.Errorf("処理済みマーカーの記録に失敗: %w", err)
	}
	return nil
}
