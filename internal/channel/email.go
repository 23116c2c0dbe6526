package channel

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/pkg/event"
)

// MailDialer はメール送信の抽象。*gomail.Dialer が満たす。
type MailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig はSMTP接続設定。
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// EmailSender はSMTPでメールを送る。
type EmailSender struct {
	dialer    MailDialer
	from      string
	directory Directory
}

// NewEmailSender はSMTP設定からEmailSenderを生成する。
func NewEmailSender(cfg SMTPConfig, directory Directory) *EmailSender {
	return NewEmailSenderWithDialer(gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password), cfg.From, directory)
}

// NewEmailSenderWithDialer は任意のMailDialerでEmailSenderを生成する。
func NewEmailSenderWithDialer(dialer MailDialer, from string, directory Directory) *EmailSender {
	return &EmailSender{dialer: dialer, from: from, directory: directory}
}

// Channel はEMAILを返す。
func (s *EmailSender) Channel() event.Channel {
	return event.ChannelEmail
}

// Send はレコードのタイトルを件名、本文を本文としてメールを送る。
func (s *EmailSender) Send(ctx context.Context, rec record.Record) error {
	contact, err := s.directory.Lookup(ctx, rec.RecipientType, rec.RecipientID)
	if err != nil {
		return err
	}
	if contact.Email == "" {
		return fmt.Errorf("%w: email recipient=%s", ErrNoAddress, rec.RecipientID)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.from)
	msg.SetHeader("To", contact.Email)
	msg.SetHeader("Subject", rec.Title)
	msg.SetHeader("X-Notification-ID", rec.ID)
	msg.SetBody("text/plain", rec.Body)

	if err := withContext(ctx, func() error { return s.dialer.DialAndSend(msg) }); err != nil {
		return fmt.Errorf("メールの送信に失敗: %w", err)
	}
	return nil
}

// withContext はctxを受け取らない送信処理をctxの期限で打ち切る。
// 打ち切った後も send 自体は裏で完了まで走る。
func withContext(ctx context.Context, send func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- send() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
