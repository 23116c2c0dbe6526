package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの発生元となる集約の種類を表す。
type AggregateType string

const (
	// AggregateTypeReservation は予約集約を表す。
	AggregateTypeReservation AggregateType = "RESERVATION"
	// AggregateTypeChat はチャット集約を表す。
	AggregateTypeChat AggregateType = "CHAT"
	// AggregateTypeSocial はソーシャル集約を表す。
	AggregateTypeSocial AggregateType = "SOCIAL"
	// AggregateTypeChallenge はチャレンジ集約を表す。
	AggregateTypeChallenge AggregateType = "CHALLENGE"
	// AggregateTypeSystem はシステム通知を表す。
	AggregateTypeSystem AggregateType = "SYSTEM"
)

// Type はイベントの種類を表す。ブロックルールのパターンはこの値に対して照合される。
type Type string

const (
	TypeReservationRequested Type = "RESERVATION_REQUESTED"
	TypeReservationConfirmed Type = "RESERVATION_CONFIRMED"
	TypeReservationRejected  Type = "RESERVATION_REJECTED"
	TypeReservationCancelled Type = "RESERVATION_CANCELLED"
	TypeReservationModified  Type = "RESERVATION_MODIFIED"
	TypeReservationReminder  Type = "RESERVATION_REMINDER"

	TypeChatMessageReceived Type = "CHAT_MESSAGE_RECEIVED"
	TypeChatGroupMessage    Type = "CHAT_GROUP_MESSAGE"

	TypeSocialNewFollower Type = "SOCIAL_NEW_FOLLOWER"
	TypeSocialPostLiked   Type = "SOCIAL_POST_LIKED"

	TypeChallengeStarted Type = "CHALLENGE_STARTED"

	TypeSystemMaintenance Type = "SYSTEM_MAINTENANCE"
)

// Channel は通知の配信チャネルを表す。
type Channel string

const (
	// ChannelWebSocket は接続中クライアントへのリアルタイム配信。
	ChannelWebSocket Channel = "WEBSOCKET"
	// ChannelEmail はメール配信。
	ChannelEmail Channel = "EMAIL"
	// ChannelPush はモバイルプッシュ配信。
	ChannelPush Channel = "PUSH"
	// ChannelSMS はSMS配信。
	ChannelSMS Channel = "SMS"
)

// AllChannels は既知の全チャネルを定義順に返す。
func AllChannels() []Channel {
	return []Channel{ChannelWebSocket, ChannelEmail, ChannelPush, ChannelSMS}
}

// Valid は既知のチャネルかどうかを返す。
func (c Channel) Valid() bool {
	switch c {
	case ChannelWebSocket, ChannelEmail, ChannelPush, ChannelSMS:
		return true
	}
	return false
}

// Priority は配信優先度。
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Rank はポーリング時の並び順を返す。小さいほど先に配信される。
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// RecipientType は受信者の種別タグ。
type RecipientType string

const (
	RecipientCustomer       RecipientType = "CUSTOMER"
	RecipientRestaurantUser RecipientType = "RESTAURANT_USER"
	RecipientAgencyUser     RecipientType = "AGENCY_USER"
	RecipientAdmin          RecipientType = "ADMIN"
)

// RecipientRef はエンベロープに直接指定された受信者。
// OrgType/OrgID/HubType/HubID はブロック判定の組織・ハブ階層に使用する。
type RecipientRef struct {
	ID      string        `json:"id" validate:"required"`
	Type    RecipientType `json:"type" validate:"required"`
	OrgType string        `json:"org_type,omitempty"`
	OrgID   string        `json:"org_id,omitempty"`
	HubType string        `json:"hub_type,omitempty"`
	HubID   string        `json:"hub_id,omitempty"`
}

// RecipientSpec は受信者の指定方法を表す。
// Recipients が空の場合は Selector を使ってディレクトリサービスに問い合わせる。
type RecipientSpec struct {
	Recipients []RecipientRef    `json:"recipients,omitempty" validate:"dive"`
	Selector   map[string]string `json:"selector,omitempty"`
}

// Envelope はブローカーまたはHTTP経由で受け取るドメインイベント。
type Envelope struct {
	// EventID はイベントの一意識別子。重複排除のキーになる。
	EventID       string        `json:"event_id" validate:"required"`
	EventType     Type          `json:"event_type" validate:"required"`
	AggregateType AggregateType `json:"aggregate_type" validate:"required"`
	AggregateID   string        `json:"aggregate_id,omitempty"`
	// Priority が空の場合はNORMALとして扱う。
	Priority Priority `json:"priority,omitempty" validate:"omitempty,oneof=HIGH NORMAL LOW"`
	// Channels が空の場合は全チャネルを要求したものとみなす。
	Channels      []Channel       `json:"channels,omitempty" validate:"omitempty,dive,oneof=WEBSOCKET EMAIL PUSH SMS"`
	ReadByAll     bool            `json:"read_by_all,omitempty"`
	Title         string          `json:"title,omitempty"`
	Body          string          `json:"body,omitempty"`
	RecipientSpec RecipientSpec   `json:"recipient_spec"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// ReservationData は予約系イベントのペイロード。
type ReservationData struct {
	ReservationID string    `json:"reservation_id"`
	RestaurantID  string    `json:"restaurant_id"`
	CustomerID    string    `json:"customer_id"`
	Pax           int       `json:"pax"`
	ReservedAt    time.Time `json:"reserved_at"`
}

// ChatMessageData はチャット系イベントのペイロード。
type ChatMessageData struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Preview        string `json:"preview"`
}
