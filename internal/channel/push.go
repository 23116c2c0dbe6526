package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/pkg/event"
	"github.com/nao1215/notifyhub/pkg/httpclient"
)

// pushRequest はプッシュゲートウェイへのリクエスト。
type pushRequest struct {
	Tokens         []string        `json:"tokens"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	NotificationID string          `json:"notification_id"`
	EventType      string          `json:"event_type"`
	Priority       event.Priority  `json:"priority"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// PushSender はプッシュゲートウェイ経由で端末に通知する。
type PushSender struct {
	client    *httpclient.Client
	directory Directory
}

// NewPushSender は新しいPushSenderを生成する。
func NewPushSender(client *httpclient.Client, directory Directory) *PushSender {
	return &PushSender{client: client, directory: directory}
}

// Channel はPUSHを返す。
func (s *PushSender) Channel() event.Channel {
	return event.ChannelPush
}

// Send は受信者の全端末に対して POST /push を呼ぶ。
func (s *PushSender) Send(ctx context.Context, rec record.Record) error {
	contact, err := s.directory.Lookup(ctx, rec.RecipientType, rec.RecipientID)
	if err != nil {
		return err
	}
	if len(contact.DeviceTokens) == 0 {
		return fmt.Errorf("%w: push recipient=%s", ErrNoAddress, rec.RecipientID)
	}

	req := pushRequest{
		Tokens:         contact.DeviceTokens,
		Title:          rec.Title,
		Body:           rec.Body,
		NotificationID: rec.ID,
		EventType:      rec.EventType,
		Priority:       rec.Priority,
		Data:           rec.Payload,
	}
	if err := s.client.PostJSON(httpclient.WithRequestID(ctx, rec.ID), "/push", req, nil); err != nil {
		return fmt.Errorf("プッシュ通知の送信に失敗: %w", err)
	}
	return nil
}
