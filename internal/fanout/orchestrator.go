package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/block"
	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/pkg/event"
)

// Orchestrator は1つのイベントを受信者×チャネルの通知レコードに分解する。
type Orchestrator struct {
	store  record.Store
	rules  block.Source
	engine *block.Engine
	now    func() time.Time
	logger *zap.Logger
}

// NewOrchestrator は新しいOrchestratorを生成する。
func NewOrchestrator(store record.Store, rules block.Source, engine *block.Engine, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		rules:  rules,
		engine: engine,
		now:    time.Now,
		logger: logger.Named("fanout"),
	}
}

type candidate struct {
	recipient Recipient
	channel   event.Channel
	key       string
}

// FanOut は受信者×チャネルごとにブロック判定を行い、PENDINGのレコードを一括で作成する。
// 既に存在するキーとブロックされた組み合わせは作成しない。
// 挿入は1トランザクションで行い、失敗した場合はこのイベントのレコードは1件も作成されない。
func (o *Orchestrator) FanOut(ctx context.Context, env *event.Envelope, recipients []Recipient, channels []event.Channel, readByAll bool) ([]record.Record, error) {
	start := time.Now()
	defer func() { fanoutDuration.Observe(time.Since(start).Seconds()) }()

	snap, err := o.rules.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("ブロックルールの取得に失敗: %w", err)
	}

	candidates := o.expand(env, recipients, channels)
	if len(candidates) == 0 {
		return nil, nil
	}

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	existing, err := o.store.ExistingKeys(ctx, keys)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	priority := env.EffectivePriority()
	payload := env.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	recs := make([]record.Record, 0, len(candidates))
	for _, c := range candidates {
		if existing[c.key] {
			fanoutRecordsTotal.WithLabelValues(string(c.channel), "duplicate").Inc()
			continue
		}
		if !o.engine.Decide(snap, string(env.EventType), c.channel, c.recipient.ID, c.recipient.Context) {
			fanoutRecordsTotal.WithLabelValues(string(c.channel), "blocked").Inc()
			continue
		}
		recs = append(recs, record.Record{
			ID:             uuid.NewString(),
			IdempotencyKey: c.key,
			EventID:        env.EventID,
			EventType:      string(env.EventType),
			AggregateType:  string(env.AggregateType),
			RecipientID:    c.recipient.ID,
			RecipientType:  c.recipient.Type,
			Channel:        c.channel,
			Priority:       priority,
			Status:         record.StatusPending,
			ReadByAll:      readByAll,
			Title:          env.Title,
			Body:           env.Body,
			Payload:        payload,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	inserted, err := o.store.InsertBatch(ctx, recs)
	if err != nil {
		return nil, err
	}
	for _, r := range inserted {
		fanoutRecordsTotal.WithLabelValues(string(r.Channel), "created").Inc()
	}

	o.logger.Debug("イベントを分解しました",
		zap.String("event_id", env.EventID),
		zap.String("event_type", string(env.EventType)),
		zap.Int("candidates", len(candidates)),
		zap.Int("created", len(inserted)),
	)
	return inserted, nil
}

// expand は受信者とチャネルの重複を除いた直積を作る。
func (o *Orchestrator) expand(env *event.Envelope, recipients []Recipient, channels []event.Channel) []candidate {
	seenRecipient := make(map[string]bool, len(recipients))
	seenChannel := make(map[event.Channel]bool, len(channels))
	var chs []event.Channel
	for _, ch := range channels {
		if seenChannel[ch] {
			continue
		}
		seenChannel[ch] = true
		chs = append(chs, ch)
	}

	out := make([]candidate, 0, len(recipients)*len(chs))
	for _, r := range recipients {
		if r.ID == "" || seenRecipient[r.ID] {
			continue
		}
		seenRecipient[r.ID] = true
		if r.Context.RecipientType == "" {
			r.Context.RecipientType = r.Type
		}
		for _, ch := range chs {
			out = append(out, candidate{
				recipient: r,
				channel:   ch,
				key:       record.IdempotencyKey(string(env.AggregateType), env.EventID, r.ID, ch),
			})
		}
	}
	return out
}
