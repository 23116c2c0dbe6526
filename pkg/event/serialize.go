package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrInvalid はエンベロープの形式が不正であることを表す。
var ErrInvalid = errors.New("エンベロープが不正です")

var validate = validator.New(validator.WithRequiredStructEnabled())

// New は新しいエンベロープを生成する。
// payloadにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(aggregateType AggregateType, eventType Type, aggregateID string, payload any) (*Envelope, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}

	return &Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Priority:      PriorityNormal,
		Payload:       jsonData,
		OccurredAt:    time.Now().UTC(),
	}, nil
}

// Decode はJSONバイト列をエンベロープにデシリアライズし、検証する。
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := Validate(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate は必須フィールドと列挙値を検証する。
func Validate(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil", ErrInvalid)
	}
	if err := validate.Struct(env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	p := bytes.TrimSpace(env.Payload)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return fmt.Errorf("%w: payloadが空です", ErrInvalid)
	}
	return nil
}

// EffectivePriority は未指定時にNORMALを返す。
func (e *Envelope) EffectivePriority() Priority {
	if e.Priority == "" {
		return PriorityNormal
	}
	return e.Priority
}

// RequestedChannels は要求チャネルを重複なしで返す。未指定の場合は全チャネル。
func (e *Envelope) RequestedChannels() []Channel {
	if len(e.Channels) == 0 {
		return AllChannels()
	}
	seen := make(map[Channel]bool, len(e.Channels))
	out := make([]Channel, 0, len(e.Channels))
	for _, c := range e.Channels {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// DecodePayload はエンベロープのPayloadを指定された型にデシリアライズする。
func DecodePayload[T any](e *Envelope) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return nil, fmt.Errorf("ペイロードのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
