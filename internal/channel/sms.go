package channel

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/pkg/event"
)

// MessageCreator はSMS送信APIの抽象。twilioの *ApiService が満たす。
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMSSender はTwilioでSMSを送る。
type SMSSender struct {
	api       MessageCreator
	from      string
	directory Directory
}

// NewSMSSender はTwilioの認証情報からSMSSenderを生成する。
func NewSMSSender(accountSID, authToken, from string, directory Directory) *SMSSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return NewSMSSenderWithAPI(client.Api, from, directory)
}

// NewSMSSenderWithAPI は任意のMessageCreatorでSMSSenderを生成する。
func NewSMSSenderWithAPI(api MessageCreator, from string, directory Directory) *SMSSender {
	return &SMSSender{api: api, from: from, directory: directory}
}

// Channel はSMSを返す。
func (s *SMSSender) Channel() event.Channel {
	return event.ChannelSMS
}

// Send は「タイトル: 本文」を1通のSMSとして送る。
func (s *SMSSender) Send(ctx context.Context, rec record.Record) error {
	contact, err := s.directory.Lookup(ctx, rec.RecipientType, rec.RecipientID)
	if err != nil {
		return err
	}
	if contact.Phone == "" {
		return fmt.Errorf("%w: sms recipient=%s", ErrNoAddress, rec.RecipientID)
	}

	text := rec.Body
	if rec.Title != "" {
		text = rec.Title + ": " + rec.Body
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(contact.Phone)
	params.SetFrom(s.from)
	params.SetBody(text)

	err = withContext(ctx, func() error {
		_, err := s.api.CreateMessage(params)
		return err
	})
	if err != nil {
		return fmt.Errorf("SMSの送信に失敗: %w", err)
	}
	return nil
}
