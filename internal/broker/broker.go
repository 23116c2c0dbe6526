// Package broker はメッセージブローカーからイベントを受け取り、取り込み結果をack/nackに対応付ける。
package broker

import (
	"context"

	"github.com/nao1215/notifyhub/internal/intake"
)

// Handler は受信したイベントを取り込む。*intake.Intake が満たす。
type Handler interface {
	ConsumeBytes(ctx context.Context, body []byte, attempt int) (intake.Outcome, error)
	MaxAttempts() int
}

// Action はブローカーに対する応答。
type Action int

const (
	// ActionAck はメッセージを確認済みにする。
	ActionAck Action = iota
	// ActionRetry は試行回数を増やして再配信させる。
	ActionRetry
	// ActionDeadLetter はデッドレターに送る。
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	default:
		return "dead_letter"
	}
}

// ActionFor は取り込み結果をブローカーへの応答に変換する。
func ActionFor(o intake.Outcome) Action {
	switch o {
	case intake.OutcomeAck, intake.OutcomeDuplicate:
		return ActionAck
	case intake.OutcomeRetry:
		return ActionRetry
	default:
		return ActionDeadLetter
	}
}
