package block

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/pkg/event"
)

// Engine は5階層のブロックルールを評価する。
// 状態を持たず、スナップショットと時計だけに依存する。
type Engine struct {
	now    func() time.Time
	loc    *time.Location
	logger *zap.Logger
}

// Option はEngineの設定を変更する。
type Option func(*Engine)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation はお休み時間帯を評価するタイムゾーンを指定する。
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithLogger はロガーを指定する。
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine は新しいEngineを生成する。既定はUTCの実時計。
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		now:    time.Now,
		loc:    time.UTC,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide は (イベント種別, チャネル, 受信者, コンテキスト) に対して送信可否を返す。
func (e *Engine) Decide(s *Snapshot, eventType string, ch event.Channel, recipientID string, c Context) bool {
	if s == nil {
		return true
	}
	now := e.now()
	log := e.logger.With(
		zap.String("event_type", eventType),
		zap.String("channel", string(ch)),
		zap.String("recipient_id", recipientID),
	)

	// 階層0: グローバル
	if e.GloballyBlocked(s, eventType, now) {
		log.Debug("グローバルブロックにより拒否")
		return false
	}

	// 階層1: 必須チャネルは以降の階層を無視する
	if slices.Contains(e.MandatoryChannels(s, eventType), ch) {
		log.Debug("必須チャネルのため許可")
		return true
	}
	userCanDisable := e.UserCanDisable(s, eventType)

	tod := e.timeOfDay(now)

	// 階層2: 組織
	if c.HasOrganization() && e.scopeBlocks(s, LevelOrganization, c.OrgType, c.OrgID, eventType, ch, tod) {
		log.Debug("組織ブロックにより拒否", zap.String("org_type", c.OrgType), zap.String("org_id", c.OrgID))
		return false
	}

	// 階層3: ハブ
	if c.HasHub() && e.scopeBlocks(s, LevelHub, c.HubType, c.HubID, eventType, ch, tod) {
		log.Debug("ハブブロックにより拒否", zap.String("hub_type", c.HubType), zap.String("hub_id", c.HubID))
		return false
	}

	// 階層4: ユーザー
	if userCanDisable && recipientID != "" &&
		e.scopeBlocks(s, LevelUser, string(c.RecipientType), recipientID, eventType, ch, tod) {
		log.Debug("ユーザーブロックにより拒否")
		return false
	}

	return true
}

// GloballyBlocked は有効なグローバルブロックが一致するかを返す。
func (e *Engine) GloballyBlocked(s *Snapshot, eventType string, now time.Time) bool {
	for _, g := range s.Globals {
		if g.Active && MatchPattern(g.EventTypePattern, eventType) && g.inWindow(now) {
			return true
		}
	}
	return false
}

// MandatoryChannels は一致する全ルールの必須チャネルの和集合を返す。
func (e *Engine) MandatoryChannels(s *Snapshot, eventType string) []event.Channel {
	var out []event.Channel
	for _, r := range s.EventTypeRules {
		if !MatchPattern(r.EventType, eventType) {
			continue
		}
		for _, ch := range r.MandatoryChannels {
			if !slices.Contains(out, ch) {
				out = append(out, ch)
			}
		}
	}
	return out
}

// UserCanDisable はユーザーがこのイベント種別を無効化できるかを返す。
// 一致するルールが無ければtrue、1つでもfalseのルールがあればfalse。
func (e *Engine) UserCanDisable(s *Snapshot, eventType string) bool {
	for _, r := range s.EventTypeRules {
		if MatchPattern(r.EventType, eventType) && !r.UserCanDisable {
			return false
		}
	}
	return true
}

// AvailableChannels は要求チャネルのうち送信可能なものを要求順で返す。
func (e *Engine) AvailableChannels(s *Snapshot, eventType string, requested []event.Channel, recipientID string, c Context) []event.Channel {
	out := make([]event.Channel, 0, len(requested))
	for _, ch := range requested {
		if e.Decide(s, eventType, ch, recipientID, c) {
			out = append(out, ch)
		}
	}
	return out
}

// scopeBlocks は指定階層・スコープの有効ルールのいずれかがブロックするかを返す。
// ScopeType が空のルールは種別を問わず一致する。
func (e *Engine) scopeBlocks(s *Snapshot, level Level, scopeType, scopeID, eventType string, ch event.Channel, tod TimeOfDay) bool {
	for _, b := range s.Scoped {
		if !b.Active || b.Level != level || b.ScopeID != scopeID {
			continue
		}
		if b.ScopeType != "" && b.ScopeType != scopeType {
			continue
		}
		if !MatchPattern(b.EventTypePattern, eventType) {
			continue
		}
		if b.blocks(ch, tod) {
			return true
		}
	}
	return false
}

func (e *Engine) timeOfDay(now time.Time) TimeOfDay {
	local := now.In(e.loc)
	return TimeOfDay(local.Hour()*60 + local.Minute())
}
