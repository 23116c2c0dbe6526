package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nao1215/notifyhub/pkg/event"
)

var (
	// ErrNotFound は指定IDのレコードが存在しないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrForbidden は他の受信者のレコードを操作しようとしたことを表す。
	ErrForbidden = errors.New("この通知を操作する権限がありません")
	// ErrInvalidTransition は状態遷移が許可されていないことを表す。
	ErrInvalidTransition = errors.New("許可されていない状態遷移です")
)

// Owner はレコードの持ち主。受信者IDは受信者種別ごとに一意なので、照合には両方を使う。
type Owner struct {
	ID   string
	Type event.RecipientType
}

// Owns は rec がこの受信者のものかどうかを返す。
func (o Owner) Owns(rec Record) bool {
	return rec.Owner() == o
}

// Status は配信・既読の状態。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusRead      Status = "READ"
)

// transitions は許可された遷移。
// IN_FLIGHT→PENDING は滞留レコードの回収、FAILED→PENDING は手動再送でのみ使う。
var transitions = map[Status][]Status{
	StatusPending:   {StatusInFlight, StatusRead},
	StatusInFlight:  {StatusDelivered, StatusFailed, StatusPending},
	StatusDelivered: {StatusRead},
	StatusFailed:    {StatusPending},
}

// CanTransition は from から to への遷移が許可されているかを返す。
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Unread は未読として数える状態かどうかを返す。
// 配信に失敗したレコードは受信者に届いていないため含めない。
func (s Status) Unread() bool {
	return s == StatusPending || s == StatusInFlight || s == StatusDelivered
}

// Record は1受信者・1チャネル分の通知。
type Record struct {
	ID             string              `json:"id"`
	IdempotencyKey string              `json:"idempotency_key"`
	EventID        string              `json:"event_id"`
	EventType      string              `json:"event_type"`
	AggregateType  string              `json:"aggregate_type"`
	RecipientID    string              `json:"recipient_id"`
	RecipientType  event.RecipientType `json:"recipient_type"`
	Channel        event.Channel       `json:"channel"`
	Priority       event.Priority      `json:"priority"`
	Status         Status              `json:"status"`
	ReadByAll      bool                `json:"read_by_all"`
	Title          string              `json:"title"`
	Body           string              `json:"body"`
	Payload        json.RawMessage     `json:"payload,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ReadAt         *time.Time          `json:"read_at,omitempty"`
	// ClaimID はClaimPendingで確保したときのトークン。IN_FLIGHTの間だけ意味を持つ。
	ClaimID string `json:"-"`

	// seq は同一時刻内の挿入順。ポーリングの並び替えにのみ使う。
	seq int64
}

// Owner はレコードの受信者を返す。
func (r Record) Owner() Owner {
	return Owner{ID: r.RecipientID, Type: r.RecipientType}
}

// IdempotencyKey は (集約種別, イベントID, 受信者ID, チャネル) から重複排除キーを計算する。
func IdempotencyKey(aggregateType, eventID, recipientID string, ch event.Channel) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{aggregateType, eventID, recipientID, string(ch)}, "|")))
	return hex.EncodeToString(sum[:])
}
