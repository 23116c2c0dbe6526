package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/notifyhub/pkg/database"
	"github.com/nao1215/notifyhub/pkg/event"
)

// Store は通知レコードの永続化と状態遷移を担う。
type Store interface {
	// ExistingKeys は渡したキーのうち既に存在するものを返す。
	ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error)
	// InsertBatch は1トランザクションで一括挿入し、新たに挿入されたレコードのみを返す。
	InsertBatch(ctx context.Context, recs []Record) ([]Record, error)
	// ClaimPending はPENDINGのレコードを優先度順に最大limit件IN_FLIGHTにして返す。
	// 返したレコードには確保のトークン（ClaimID）が入る。
	ClaimPending(ctx context.Context, ch event.Channel, limit int) ([]Record, error)
	// RenewClaim は確保がまだ有効なら滞留の起点を現在時刻に更新して true を返す。
	// 回収や別ワーカーによる再確保で確保を失っていれば false を返す。
	RenewClaim(ctx context.Context, id, claimID string) (bool, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	// RequeueStale は olderThan より前からIN_FLIGHTのままのレコードをPENDINGに戻す。
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
	// Resend はFAILEDのレコードをPENDINGに戻す。運用者の明示的な操作でのみ呼ぶ。
	Resend(ctx context.Context, id string) error
	// MarkRead は既読にし、状態が変わったレコードを返す。
	MarkRead(ctx context.Context, id string, reader Owner) ([]Record, error)
	// MarkAllRead は受信者の未読を全て既読にし、共有レコードへの波及分も含めて状態が変わったレコードを返す。
	MarkAllRead(ctx context.Context, owner Owner) ([]Record, error)
	CountUnread(ctx context.Context, owner Owner) (int, error)
	ListByRecipient(ctx context.Context, owner Owner, opts ListOptions) ([]Record, error)
	ListByEvent(ctx context.Context, eventID string) ([]Record, error)
	Get(ctx context.Context, id string) (*Record, error)
}

// ListOptions は受信者別一覧の絞り込み条件。
type ListOptions struct {
	UnreadOnly bool
	Channel    event.Channel
	Limit      int
	Offset     int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
	keyChunkSize     = 500
)

const columns = `id, idempotency_key, event_id, event_type, aggregate_type, recipient_id, recipient_type,
	channel, priority, status, read_by_all, title, body, payload, last_error, created_at, updated_at, read_at`

// SQLStore はdatabase/sqlによるStoreの実装。SQLiteとPostgreSQLに対応する。
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

// NewSQLStore は新しいSQLStoreを生成する。
func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// WithClock は時刻の取得関数を差し替えたコピーを返す。
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	c := *s
	c.now = now
	return &c
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *SQLStore) timestamp() time.Time {
	return s.now().UTC()
}

// ExistingKeys は渡したキーのうち既に存在するものを返す。
func (s *SQLStore) ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for start := 0; start < len(keys); start += keyChunkSize {
		end := min(start+keyChunkSize, len(keys))
		chunk := keys[start:end]

		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		rows, err := s.db.QueryContext(ctx, s.q(
			`SELECT idempotency_key FROM notification_records WHERE idempotency_key IN (`+database.Placeholders(len(chunk))+`)`),
			args...)
		if err != nil {
			return nil, fmt.Errorf("既存キーの取得に失敗: %w", err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("既存キーの読み込みに失敗: %w", err)
			}
			found[k] = true
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("既存キーの読み込みに失敗: %w", err)
		}
		_ = rows.Close()
	}
	return found, nil
}

// InsertBatch は1トランザクションで一括挿入する。
// 重複キーの行は挿入されずに読み飛ばされ、戻り値にも含まれない。
func (s *SQLStore) InsertBatch(ctx context.Context, recs []Record) ([]Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, s.q(
		`INSERT INTO notification_records (`+columns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`))
	if err != nil {
		return nil, fmt.Errorf("挿入文の準備に失敗: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := make([]Record, 0, len(recs))
	for _, r := range recs {
		payload := string(r.Payload)
		if payload == "" {
			payload = "{}"
		}
		res, err := stmt.ExecContext(ctx,
			r.ID, r.IdempotencyKey, r.EventID, r.EventType, r.AggregateType, r.RecipientID, string(r.RecipientType),
			string(r.Channel), string(r.Priority), string(r.Status), r.ReadByAll, r.Title, r.Body, payload, r.LastError,
			r.CreatedAt.UTC(), r.UpdatedAt.UTC(), nullableTime(r.ReadAt),
		)
		if err != nil {
			return nil, fmt.Errorf("通知レコードの挿入に失敗: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("挿入件数の取得に失敗: %w", err)
		}
		if n > 0 {
			inserted = append(inserted, r)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return inserted, nil
}

// ClaimPending はPENDINGのレコードを原子的にIN_FLIGHTへ変更して返す。
// 並び順は優先度（HIGH→NORMAL→LOW）、作成日時、挿入順。
func (s *SQLStore) ClaimPending(ctx context.Context, ch event.Channel, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	seqCol := s.dialect.SequenceColumn()
	order := `CASE priority WHEN 'HIGH' THEN 0 WHEN 'NORMAL' THEN 1 ELSE 2 END, created_at, ` + seqCol

	claimID := uuid.NewString()
	query := s.q(`UPDATE notification_records SET status = ?, updated_at = ?, claim_id = ?
		WHERE id IN (
			SELECT id FROM notification_records
			WHERE channel = ? AND status = ?
			ORDER BY ` + order + `
			LIMIT ?` + s.dialect.SkipLocked() + `
		)
		RETURNING ` + columns + `, ` + seqCol)

	rows, err := s.db.QueryContext(ctx, query,
		string(StatusInFlight), s.timestamp(), claimID, string(ch), string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("配信対象の確保に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows, true)
		if err != nil {
			return nil, fmt.Errorf("配信対象の読み込みに失敗: %w", err)
		}
		r.ClaimID = claimID
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信対象の読み込みに失敗: %w", err)
	}

	// RETURNINGの順序は保証されないため並べ直す
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.seq < b.seq
	})
	return out, nil
}

// RenewClaim は claimID での確保が続いていれば updated_at を進めて true を返す。
func (s *SQLStore) RenewClaim(ctx context.Context, id, claimID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE notification_records SET updated_at = ?
		 WHERE id = ? AND status = ? AND claim_id = ?`),
		s.timestamp(), id, string(StatusInFlight), claimID)
	if err != nil {
		return false, fmt.Errorf("確保の更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered はIN_FLIGHTのレコードをDELIVEREDにする。
func (s *SQLStore) MarkDelivered(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusInFlight, StatusDelivered, "")
}

// MarkFailed はIN_FLIGHTのレコードをFAILEDにし、失敗理由を記録する。
func (s *SQLStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, StatusInFlight, StatusFailed, reason)
}

// Resend はFAILEDのレコードをPENDINGに戻す。
func (s *SQLStore) Resend(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusFailed, StatusPending, "")
}

func (s *SQLStore) transition(ctx context.Context, id string, from, to Status, lastError string) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE notification_records SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`),
		string(to), lastError, s.timestamp(), id, string(from))
	if err != nil {
		return fmt.Errorf("状態の更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n > 0 {
		return nil
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
}

// RequeueStale は滞留したIN_FLIGHTをPENDINGに戻し、件数を返す。
func (s *SQLStore) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE notification_records SET status = ?, updated_at = ?, claim_id = ''
		 WHERE status = ? AND updated_at < ?`),
		string(StatusPending), s.timestamp(), string(StatusInFlight), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("滞留レコードの回収に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// MarkRead は既読にする。readByAllのレコードは同じイベントの共有レコードも同時に既読にする。
// 既に既読の場合は何もせず空を返す。
func (s *SQLStore) MarkRead(ctx context.Context, id string, reader Owner) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, s.q(`SELECT `+columns+` FROM notification_records WHERE id = ?`), id)
	target, err := scanRecord(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	if !reader.Owns(*target) {
		return nil, ErrForbidden
	}
	if target.Status == StatusRead {
		return nil, nil
	}
	if !CanTransition(target.Status, StatusRead) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, target.Status, StatusRead)
	}

	now := s.timestamp()
	var rows *sql.Rows
	if target.ReadByAll {
		rows, err = tx.QueryContext(ctx, s.q(
			`UPDATE notification_records SET status = ?, read_at = ?, updated_at = ?
			 WHERE event_id = ? AND read_by_all = ? AND status IN (?, ?)
			 RETURNING `+columns),
			string(StatusRead), now, now, target.EventID, true, string(StatusPending), string(StatusDelivered))
	} else {
		rows, err = tx.QueryContext(ctx, s.q(
			`UPDATE notification_records SET status = ?, read_at = ?, updated_at = ?
			 WHERE id = ? AND status IN (?, ?)
			 RETURNING `+columns),
			string(StatusRead), now, now, id, string(StatusPending), string(StatusDelivered))
	}
	if err != nil {
		return nil, fmt.Errorf("既読への更新に失敗: %w", err)
	}
	changed, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("既読への更新に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return changed, nil
}

// MarkAllRead は受信者の未読を全て既読にする。
// 既読にしたレコードのうち共有スコープのものは、MarkReadと同じく同じイベントの共有レコードにも同じ既読日時で波及する。
func (s *SQLStore) MarkAllRead(ctx context.Context, owner Owner) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.timestamp()
	rows, err := tx.QueryContext(ctx, s.q(
		`UPDATE notification_records SET status = ?, read_at = ?, updated_at = ?
		 WHERE recipient_id = ? AND recipient_type = ? AND status IN (?, ?)
		 RETURNING `+columns),
		string(StatusRead), now, now, owner.ID, string(owner.Type), string(StatusPending), string(StatusDelivered))
	if err != nil {
		return nil, fmt.Errorf("一括既読への更新に失敗: %w", err)
	}
	changed, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("一括既読への更新に失敗: %w", err)
	}

	seen := make(map[string]bool)
	var shared []string
	for _, r := range changed {
		if r.ReadByAll && !seen[r.EventID] {
			seen[r.EventID] = true
			shared = append(shared, r.EventID)
		}
	}
	for start := 0; start < len(shared); start += keyChunkSize {
		chunk := shared[start:min(start+keyChunkSize, len(shared))]
		args := []any{string(StatusRead), now, now}
		for _, id := range chunk {
			args = append(args, id)
		}
		args = append(args, true, string(StatusPending), string(StatusDelivered))

		rows, err := tx.QueryContext(ctx, s.q(
			`UPDATE notification_records SET status = ?, read_at = ?, updated_at = ?
			 WHERE event_id IN (`+database.Placeholders(len(chunk))+`) AND read_by_all = ? AND status IN (?, ?)
			 RETURNING `+columns), args...)
		if err != nil {
			return nil, fmt.Errorf("共有レコードの既読化に失敗: %w", err)
		}
		siblings, err := collect(rows)
		if err != nil {
			return nil, fmt.Errorf("共有レコードの既読化に失敗: %w", err)
		}
		changed = append(changed, siblings...)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return changed, nil
}

// CountUnread は受信者の未読件数を返す。
func (s *SQLStore) CountUnread(ctx context.Context, owner Owner) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM notification_records
		 WHERE recipient_id = ? AND recipient_type = ? AND status IN (?, ?, ?)`),
		owner.ID, string(owner.Type), string(StatusPending), string(StatusInFlight), string(StatusDelivered)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return n, nil
}

// ListByRecipient は受信者のレコードを作成日時の新しい順で返す。
func (s *SQLStore) ListByRecipient(ctx context.Context, owner Owner, opts ListOptions) ([]Record, error) {
	query := `SELECT ` + columns + ` FROM notification_records WHERE recipient_id = ? AND recipient_type = ?`
	args := []any{owner.ID, string(owner.Type)}
	if opts.UnreadOnly {
		query += ` AND status IN (?, ?, ?)`
		args = append(args, string(StatusPending), string(StatusInFlight), string(StatusDelivered))
	}
	if opts.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, string(opts.Channel))
	}
	query += ` ORDER BY created_at DESC, ` + s.dialect.SequenceColumn() + ` DESC LIMIT ? OFFSET ?`
	args = append(args, clampLimit(opts.Limit), max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の読み込みに失敗: %w", err)
	}
	return out, nil
}

// ListByEvent はイベントから生成された全レコードを作成順で返す。
func (s *SQLStore) ListByEvent(ctx context.Context, eventID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+columns+` FROM notification_records WHERE event_id = ?
		 ORDER BY created_at, `+s.dialect.SequenceColumn()), eventID)
	if err != nil {
		return nil, fmt.Errorf("イベント別通知の取得に失敗: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("イベント別通知の読み込みに失敗: %w", err)
	}
	return out, nil
}

// Get はIDでレコードを取得する。
func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+columns+` FROM notification_records WHERE id = ?`), id)
	r, err := scanRecord(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner, withSeq bool) (*Record, error) {
	var (
		r             Record
		recipientType string
		channel       string
		priority      string
		status        string
		payload       []byte
		readAt        sql.NullTime
	)
	dest := []any{
		&r.ID, &r.IdempotencyKey, &r.EventID, &r.EventType, &r.AggregateType, &r.RecipientID, &recipientType,
		&channel, &priority, &status, &r.ReadByAll, &r.Title, &r.Body, &payload, &r.LastError,
		&r.CreatedAt, &r.UpdatedAt, &readAt,
	}
	if withSeq {
		dest = append(dest, &r.seq)
	}
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	r.RecipientType = event.RecipientType(recipientType)
	r.Channel = event.Channel(channel)
	r.Priority = event.Priority(priority)
	r.Status = Status(status)
	if len(payload) > 0 {
		r.Payload = append([]byte(nil), payload...)
	}
	if readAt.Valid {
		t := readAt.Time
		r.ReadAt = &t
	}
	return &r, nil
}

func collect(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
