package block

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nao1215/notifyhub/pkg/database"
	"github.com/nao1215/notifyhub/pkg/event"
)

// Source はルールスナップショットの取得元。
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// SQLRuleStore はブロックルールをDBから読み込む。
// ルールの書き込みは管理用APIからのみ行う。
type SQLRuleStore struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

// NewSQLRuleStore は新しいSQLRuleStoreを生成する。
func NewSQLRuleStore(db *sql.DB, dialect database.Dialect) *SQLRuleStore {
	return &SQLRuleStore{db: db, dialect: dialect, now: time.Now}
}

// Snapshot は有効なルールを全て読み込む。
func (s *SQLRuleStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{LoadedAt: s.now().UTC()}

	var err error
	if snap.Globals, err = s.loadGlobals(ctx); err != nil {
		return nil, fmt.Errorf("グローバルブロックの読み込みに失敗: %w", err)
	}
	if snap.EventTypeRules, err = s.loadEventTypeRules(ctx); err != nil {
		return nil, fmt.Errorf("イベント種別ルールの読み込みに失敗: %w", err)
	}
	if snap.Scoped, err = s.loadScoped(ctx); err != nil {
		return nil, fmt.Errorf("スコープ付きブロックの読み込みに失敗: %w", err)
	}
	return snap, nil
}

func (s *SQLRuleStore) loadGlobals(ctx context.Context) ([]GlobalBlock, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT id, event_type_pattern, window_start, window_end, reason
		 FROM global_blocks WHERE active = ?`), true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []GlobalBlock
	for rows.Next() {
		g := GlobalBlock{Active: true}
		var start, end sql.NullTime
		if err := rows.Scan(&g.ID, &g.EventTypePattern, &start, &end, &g.Reason); err != nil {
			return nil, err
		}
		if start.Valid {
			t := start.Time
			g.WindowStart = &t
		}
		if end.Valid {
			t := end.Time
			g.WindowEnd = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLRuleStore) loadEventTypeRules(ctx context.Context) ([]EventTypeRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, mandatory_channels, user_can_disable FROM event_type_rules`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EventTypeRule
	for rows.Next() {
		var r EventTypeRule
		var mandatory string
		if err := rows.Scan(&r.ID, &r.EventType, &mandatory, &r.UserCanDisable); err != nil {
			return nil, err
		}
		if r.MandatoryChannels, err = parseChannels(mandatory); err != nil {
			return nil, fmt.Errorf("ルール %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLRuleStore) loadScoped(ctx context.Context) ([]ScopedBlock, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT id, level, scope_type, scope_id, event_type_pattern, blocked_channels, quiet_start, quiet_end
		 FROM scoped_blocks WHERE active = ?`), true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ScopedBlock
	for rows.Next() {
		b := ScopedBlock{Active: true}
		var blocked, quietStart, quietEnd string
		if err := rows.Scan(&b.ID, &b.Level, &b.ScopeType, &b.ScopeID, &b.EventTypePattern, &blocked, &quietStart, &quietEnd); err != nil {
			return nil, err
		}
		if b.BlockedChannels, err = parseChannels(blocked); err != nil {
			return nil, fmt.Errorf("ブロック %s: %w", b.ID, err)
		}
		if quietStart != "" && quietEnd != "" {
			qh, err := parseQuietHours(quietStart, quietEnd)
			if err != nil {
				return nil, fmt.Errorf("ブロック %s: %w", b.ID, err)
			}
			b.QuietHours = qh
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PutGlobal はグローバルブロックを作成または更新する。
func (s *SQLRuleStore) PutGlobal(ctx context.Context, g GlobalBlock) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO global_blocks (id, event_type_pattern, active, window_start, window_end, reason)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   event_type_pattern = excluded.event_type_pattern,
		   active = excluded.active,
		   window_start = excluded.window_start,
		   window_end = excluded.window_end,
		   reason = excluded.reason`),
		g.ID, g.EventTypePattern, g.Active, utcPtr(g.WindowStart), utcPtr(g.WindowEnd), g.Reason)
	if err != nil {
		return fmt.Errorf("グローバルブロックの保存に失敗: %w", err)
	}
	return nil
}

// PutEventTypeRule はイベント種別ルールを作成または更新する。
func (s *SQLRuleStore) PutEventTypeRule(ctx context.Context, r EventTypeRule) error {
	mandatory, err := formatChannels(r.MandatoryChannels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO event_type_rules (id, event_type, mandatory_channels, user_can_disable)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   event_type = excluded.event_type,
		   mandatory_channels = excluded.mandatory_channels,
		   user_can_disable = excluded.user_can_disable`),
		r.ID, r.EventType, mandatory, r.UserCanDisable)
	if err != nil {
		return fmt.Errorf("イベント種別ルールの保存に失敗: %w", err)
	}
	return nil
}

// PutScoped は組織・ハブ・ユーザーのブロックを作成または更新する。
func (s *SQLRuleStore) PutScoped(ctx context.Context, b ScopedBlock) error {
	switch b.Level {
	case LevelOrganization, LevelHub, LevelUser:
	default:
		return fmt.Errorf("不明な階層です: %q", b.Level)
	}
	blocked, err := formatChannels(b.BlockedChannels)
	if err != nil {
		return err
	}
	var quietStart, quietEnd string
	if b.QuietHours != nil {
		quietStart, quietEnd = b.QuietHours.Start.String(), b.QuietHours.End.String()
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO scoped_blocks (id, level, scope_type, scope_id, event_type_pattern, blocked_channels, quiet_start, quiet_end, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   level = excluded.level,
		   scope_type = excluded.scope_type,
		   scope_id = excluded.scope_id,
		   event_type_pattern = excluded.event_type_pattern,
		   blocked_channels = excluded.blocked_channels,
		   quiet_start = excluded.quiet_start,
		   quiet_end = excluded.quiet_end,
		   active = excluded.active`),
		b.ID, string(b.Level), b.ScopeType, b.ScopeID, b.EventTypePattern, blocked, quietStart, quietEnd, b.Active)
	if err != nil {
		return fmt.Errorf("スコープ付きブロックの保存に失敗: %w", err)
	}
	return nil
}

// parseChannels はJSON配列のチャネル集合を解析する。空文字は空集合とみなす。
func parseChannels(raw string) ([]event.Channel, error) {
	if raw == "" {
		return nil, nil
	}
	var chs []event.Channel
	if err := json.Unmarshal([]byte(raw), &chs); err != nil {
		return nil, fmt.Errorf("チャネル集合の解析に失敗: %w", err)
	}
	for _, ch := range chs {
		if !ch.Valid() {
			return nil, fmt.Errorf("不明なチャネルです: %q", ch)
		}
	}
	return chs, nil
}

func formatChannels(chs []event.Channel) (string, error) {
	if chs == nil {
		chs = []event.Channel{}
	}
	for _, ch := range chs {
		if !ch.Valid() {
			return "", fmt.Errorf("不明なチャネルです: %q", ch)
		}
	}
	b, err := json.Marshal(chs)
	if err != nil {
		return "", fmt.Errorf("チャネル集合のシリアライズに失敗: %w", err)
	}
	return string(b), nil
}

func parseQuietHours(start, end string) (*QuietHours, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return nil, err
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return nil, err
	}
	return &QuietHours{Start: s, End: e}, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
