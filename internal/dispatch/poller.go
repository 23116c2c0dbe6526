package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/pkg/event"
)

// Sender は1チャネル分の送信処理。
type Sender interface {
	Channel() event.Channel
	Send(ctx context.Context, rec record.Record) error
}

// PollerOptions はPollerの動作設定。
type PollerOptions struct {
	// BatchSize は1回のポーリングで確保する最大件数。
	BatchSize int
	// Interval はポーリング間隔。
	Interval time.Duration
	// SendTimeout は1件の送信に許す最大時間。
	SendTimeout time.Duration
	// RatePerSecond が0より大きい場合は送信レートを制限する。
	RatePerSecond float64
}

// Poller は1チャネルのPENDINGレコードを確保して送信するワーカー。
type Poller struct {
	// store はレコードの確保と結果記録に使う。
	store record.Store
	// sender はこのPollerが担当するチャネルの送信処理。
	sender Sender
	// opts は動作設定。
	opts PollerOptions
	// limiter はnilの場合レート制限を行わない。
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewPoller は新しいPollerを生成する。
func NewPoller(store record.Store, sender Sender, opts PollerOptions, logger *zap.Logger) *Poller {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	p := &Poller{
		store:  store,
		sender: sender,
		opts:   opts,
		logger: logger.Named("poller").With(zap.String("channel", string(sender.Channel()))),
	}
	if opts.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), max(1, int(opts.RatePerSecond)))
	}
	return p
}

// Channel は担当チャネルを返す。
func (p *Poller) Channel() event.Channel {
	return p.sender.Channel()
}

// Run はctxがキャンセルされるまで一定間隔でPollBatchを繰り返す。
// 停止はバッチの合間でのみ行い、確保済みのバッチは最後まで処理する。
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("ポーリングを開始します",
		zap.Duration("interval", p.opts.Interval),
		zap.Int("batch_size", p.opts.BatchSize),
	)
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ポーリングを停止しました")
			return nil
		case <-ticker.C:
			// 満杯のバッチが続く間は間隔を待たずに続ける
			for ctx.Err() == nil {
				recs, err := p.PollBatch(ctx)
				if err != nil {
					p.logger.Error("ポーリングに失敗しました", zap.Error(err))
					break
				}
				if len(recs) < p.opts.BatchSize {
					break
				}
			}
		}
	}
}

// PollBatch は最大BatchSize件を確保して送信し、結果を反映したレコードを返す。
// 送信成功はDELIVERED、失敗はFAILEDになる。送信直前に確保を失っていたレコードは送らずIN_FLIGHTのまま返す。
func (p *Poller) PollBatch(ctx context.Context) ([]record.Record, error) {
	claimed, err := p.store.ClaimPending(ctx, p.sender.Channel(), p.opts.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	// 確保したレコードは呼び出し元がキャンセルしても結果まで記録する
	batchCtx := context.WithoutCancel(ctx)
	for i := range claimed {
		claimed[i] = p.dispatch(batchCtx, claimed[i])
	}
	return claimed, nil
}

func (p *Poller) dispatch(ctx context.Context, rec record.Record) record.Record {
	log := p.logger.With(zap.String("record_id", rec.ID), zap.String("event_id", rec.EventID))

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			log.Warn("レート制限の待機に失敗しました", zap.Error(err))
		}
	}

	// 待機中に回収されて別のワーカーが確保していれば、そちらに任せる
	held, err := p.store.RenewClaim(ctx, rec.ID, rec.ClaimID)
	if err != nil {
		log.Error("確保の更新に失敗しました", zap.Error(err))
		return rec
	}
	if !held {
		sendTotal.WithLabelValues(string(rec.Channel), "skipped").Inc()
		log.Warn("確保を失ったため送信を見送りました")
		return rec
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	start := time.Now()
	sendErr := p.sender.Send(sendCtx, rec)
	cancel()
	sendDuration.WithLabelValues(string(rec.Channel)).Observe(time.Since(start).Seconds())

	if sendErr != nil {
		sendTotal.WithLabelValues(string(rec.Channel), "failed").Inc()
		log.Warn("送信に失敗しました", zap.Error(sendErr))
		if err := p.store.MarkFailed(ctx, rec.ID, sendErr.Error()); err != nil {
			log.Error("失敗の記録に失敗しました", zap.Error(err))
			return rec
		}
		rec.Status = record.StatusFailed
		rec.LastError = sendErr.Error()
		return rec
	}

	sendTotal.WithLabelValues(string(rec.Channel), "delivered").Inc()
	if err := p.store.MarkDelivered(ctx, rec.ID); err != nil {
		log.Error("配信済みの記録に失敗しました", zap.Error(err))
		return rec
	}
	rec.Status = record.StatusDelivered
	return rec
}
