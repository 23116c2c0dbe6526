// Package intake はブローカーやHTTPから受け取ったイベントを冪等に取り込む。
package intake

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/fanout"
	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/pkg/event"
	"github.com/nao1215/notifyhub/pkg/httpclient"
)

// ErrMalformed はエンベロープが不正で、再試行しても成功しないことを表す。
var ErrMalformed = errors.New("イベントの形式が不正です")

// Outcome は取り込み結果。ブローカーアダプタはこれをack/nackに対応付ける。
type Outcome string

const (
	// OutcomeAck は新規イベントを処理した。
	OutcomeAck Outcome = "ACK"
	// OutcomeDuplicate は処理済みのイベントだった。
	OutcomeDuplicate Outcome = "ACK_DUPLICATE"
	// OutcomeReject は不正なイベント、または再試行回数を使い切った。デッドレターに送る。
	OutcomeReject Outcome = "REJECT"
	// OutcomeRetry は一時的な失敗。再配信させる。
	OutcomeRetry Outcome = "RETRY"
)

// FanOuter はイベントをレコードに分解する。
type FanOuter interface {
	FanOut(ctx context.Context, env *event.Envelope, recipients []fanout.Recipient, channels []event.Channel, readByAll bool) ([]record.Record, error)
}

// Intake は重複排除、受信者解決、分解を順に行う。
type Intake struct {
	marker      Marker
	resolver    fanout.Resolver
	fanout      FanOuter
	maxAttempts int
	logger      *zap.Logger
}

// New は新しいIntakeを生成する。maxAttemptsは1以上。
func New(marker Marker, resolver fanout.Resolver, f FanOuter, maxAttempts int, logger *zap.Logger) *Intake {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Intake{
		marker:      marker,
		resolver:    resolver,
		fanout:      f,
		maxAttempts: maxAttempts,
		logger:      logger.Named("intake"),
	}
}

// ConsumeBytes はJSONをデコードしてから Consume する。
func (in *Intake) ConsumeBytes(ctx context.Context, body []byte, attempt int) (Outcome, error) {
	env, err := event.Decode(body)
	if err != nil {
		return in.finish(OutcomeReject, "", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return in.Consume(ctx, env, attempt)
}

// Consume は1件のイベントを取り込む。attemptは1始まりの配信回数。
// 失敗時は attempt が上限未満ならRETRY、上限に達していればREJECTを返す。
func (in *Intake) Consume(ctx context.Context, env *event.Envelope, attempt int) (Outcome, error) {
	if err := event.Validate(env); err != nil {
		return in.finish(OutcomeReject, "", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	ctx = httpclient.WithRequestID(ctx, env.EventID)

	seen, err := in.marker.Seen(ctx, env.EventID)
	if err != nil {
		return in.retryOrReject(env.EventID, attempt, err)
	}
	if seen {
		return in.finish(OutcomeDuplicate, env.EventID, nil)
	}

	recipients, err := in.resolver.Resolve(ctx, env)
	if errors.Is(err, fanout.ErrNoResolver) {
		return in.finish(OutcomeReject, env.EventID, err)
	}
	if err != nil {
		return in.retryOrReject(env.EventID, attempt, err)
	}

	recs, err := in.fanout.FanOut(ctx, env, recipients, env.RequestedChannels(), env.ReadByAll)
	if err != nil {
		return in.retryOrReject(env.EventID, attempt, err)
	}

	// 分解は冪等なので、ここで失敗しても再試行で同じ結果になる
	if err := in.marker.Mark(ctx, env.EventID); err != nil {
		return in.retryOrReject(env.EventID, attempt, err)
	}

	in.logger.Info("イベントを取り込みました",
		zap.String("event_id", env.EventID),
		zap.String("event_type", string(env.EventType)),
		zap.Int("recipients", len(recipients)),
		zap.Int("records", len(recs)),
	)
	return in.finish(OutcomeAck, env.EventID, nil)
}

func (in *Intake) retryOrReject(eventID string, attempt int, err error) (Outcome, error) {
	if attempt < in.maxAttempts {
		in.logger.Warn("イベントの取り込みに失敗したため再試行します",
			zap.String("event_id", eventID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return in.finish(OutcomeRetry, eventID, err)
	}
	in.logger.Error("再試行回数の上限に達したためイベントを破棄します",
		zap.String("event_id", eventID),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	return in.finish(OutcomeReject, eventID, err)
}

func (in *Intake) finish(o Outcome, eventID string, err error) (Outcome, error) {
	intakeOutcomesTotal.WithLabelValues(string(o)).Inc()
	if o == OutcomeReject && errors.Is(err, ErrMalformed) {
		in.logger.Warn("不正なイベントを破棄しました", zap.String("event_id", eventID), zap.Error(err))
	}
	return o, err
}

// MaxAttempts は再試行の上限回数を返す。
func (in *Intake) MaxAttempts() int {
	return in.maxAttempts
}
