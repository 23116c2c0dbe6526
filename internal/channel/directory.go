package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/nao1215/notifyhub/pkg/event"
	"github.com/nao1215/notifyhub/pkg/httpclient"
)

// ErrNoAddress は受信者にチャネルの宛先が登録されていないことを表す。
var ErrNoAddress = errors.New("宛先が登録されていません")

// Contact は受信者の連絡先。
type Contact struct {
	Email        string   `json:"email"`
	Phone        string   `json:"phone"`
	DeviceTokens []string `json:"device_tokens"`
}

// Directory は受信者の連絡先を引く。
type Directory interface {
	Lookup(ctx context.Context, recipientType event.RecipientType, recipientID string) (Contact, error)
}

// HTTPDirectory はディレクトリサービスから連絡先を取得する。
type HTTPDirectory struct {
	client *httpclient.Client
}

// NewHTTPDirectory は新しいHTTPDirectoryを生成する。
func NewHTTPDirectory(client *httpclient.Client) *HTTPDirectory {
	return &HTTPDirectory{client: client}
}

// Lookup は GET /recipients/{type}/{id}/contact を呼ぶ。
func (d *HTTPDirectory) Lookup(ctx context.Context, recipientType event.RecipientType, recipientID string) (Contact, error) {
	if d.client == nil {
		return Contact{}, fmt.Errorf("%w: ディレクトリサービスが設定されていません", ErrNoAddress)
	}
	path := fmt.Sprintf("/recipients/%s/%s/contact", url.PathEscape(string(recipientType)), url.PathEscape(recipientID))

	var c Contact
	if err := d.client.GetJSON(ctx, path, &c); err != nil {
		return Contact{}, fmt.Errorf("連絡先の取得に失敗: %w", err)
	}
	return c, nil
}
