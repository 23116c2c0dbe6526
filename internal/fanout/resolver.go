package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/nao1215/notifyhub/internal/block"
	"github.com/nao1215/notifyhub/pkg/event"
	"github.com/nao1215/notifyhub/pkg/httpclient"
)

// ErrNoResolver は受信者が明示されておらず、問い合わせ先も無いことを表す。
var ErrNoResolver = errors.New("受信者を解決できません")

// Recipient は通知の受信者とブロック判定用のコンテキスト。
type Recipient struct {
	ID      string
	Type    event.RecipientType
	Context block.Context
}

// Resolver はエンベロープから受信者一覧を解決する。
type Resolver interface {
	Resolve(ctx context.Context, env *event.Envelope) ([]Recipient, error)
}

// SpecResolver はエンベロープに明示された受信者だけを使う。
type SpecResolver struct{}

// Resolve は RecipientSpec.Recipients をそのまま受信者に変換する。
func (SpecResolver) Resolve(_ context.Context, env *event.Envelope) ([]Recipient, error) {
	return fromRefs(env.RecipientSpec.Recipients), nil
}

// HTTPResolver はディレクトリサービスに受信者を問い合わせる。
// エンベロープに受信者が明示されている場合は問い合わせない。
type HTTPResolver struct {
	client *httpclient.Client
	path   string
}

// NewHTTPResolver は新しいHTTPResolverを生成する。
func NewHTTPResolver(client *httpclient.Client, path string) *HTTPResolver {
	return &HTTPResolver{client: client, path: path}
}

type resolveRequest struct {
	EventType     event.Type          `json:"event_type"`
	AggregateType event.AggregateType `json:"aggregate_type"`
	AggregateID   string              `json:"aggregate_id"`
	Selector      map[string]string   `json:"selector"`
}

type resolveResponse struct {
	Recipients []event.RecipientRef `json:"recipients"`
}

// Resolve は明示された受信者、またはディレクトリサービスの応答を返す。
func (r *HTTPResolver) Resolve(ctx context.Context, env *event.Envelope) ([]Recipient, error) {
	if len(env.RecipientSpec.Recipients) > 0 {
		return fromRefs(env.RecipientSpec.Recipients), nil
	}
	if r == nil || r.client == nil {
		return nil, ErrNoResolver
	}

	var resp resolveResponse
	err := r.client.PostJSON(ctx, r.path, resolveRequest{
		EventType:     env.EventType,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		Selector:      env.RecipientSpec.Selector,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("受信者の問い合わせに失敗: %w", err)
	}
	return fromRefs(resp.Recipients), nil
}

func fromRefs(refs []event.RecipientRef) []Recipient {
	out := make([]Recipient, 0, len(refs))
	for _, ref := range refs {
		out = append(out, Recipient{
			ID:   ref.ID,
			Type: ref.Type,
			Context: block.Context{
				OrgType:       ref.OrgType,
				OrgID:         ref.OrgID,
				HubType:       ref.HubType,
				HubID:         ref.HubID,
				RecipientType: ref.Type,
			},
		})
	}
	return out
}
