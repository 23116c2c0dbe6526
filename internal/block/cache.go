package block

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRulesUnavailable はルールを取得できず、フェイルクローズで判定を中止したことを表す。
var ErrRulesUnavailable = errors.New("ブロックルールを取得できません")

// Policy はルールストアに到達できず、キャッシュも無い場合の振る舞い。
type Policy string

const (
	// PolicyOpen は空のスナップショットで判定し、全チャネルを許可する。
	PolicyOpen Policy = "open"
	// PolicyClosed はErrRulesUnavailableを返す。
	PolicyClosed Policy = "closed"
)

// CachedSource はスナップショットをTTLの間キャッシュする。
// 再取得に失敗した場合は古いスナップショットを返す。
type CachedSource struct {
	src    Source
	ttl    time.Duration
	policy Policy
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	snap      *Snapshot
	fetchedAt time.Time
	dirty     bool
}

// NewCachedSource は新しいCachedSourceを生成する。
func NewCachedSource(src Source, ttl time.Duration, policy Policy, logger *zap.Logger) *CachedSource {
	return &CachedSource{
		src:    src,
		ttl:    ttl,
		policy: policy,
		now:    time.Now,
		logger: logger.Named("rule-cache"),
	}
}

// Snapshot はキャッシュされたスナップショット、または再取得したものを返す。
func (c *CachedSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.snap != nil && !c.dirty && now.Sub(c.fetchedAt) < c.ttl {
		return c.snap, nil
	}

	snap, err := c.src.Snapshot(ctx)
	if err == nil {
		c.snap = snap
		c.fetchedAt = now
		c.dirty = false
		return snap, nil
	}

	if c.snap != nil {
		c.logger.Warn("ルールの再取得に失敗したため古いスナップショットを使用します",
			zap.Error(err),
			zap.Time("loaded_at", c.snap.LoadedAt),
		)
		return c.snap, nil
	}
	if c.policy == PolicyOpen {
		c.logger.Warn("ルールを取得できないため全チャネルを許可します", zap.Error(err))
		return &Snapshot{LoadedAt: now.UTC()}, nil
	}
	c.logger.Error("ルールを取得できないため判定を中止します", zap.Error(err))
	return nil, fmt.Errorf("%w: %v", ErrRulesUnavailable, err)
}

// Invalidate は次回のSnapshot呼び出しで再取得させる。
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

type staticSource struct{ snap *Snapshot }

func (s staticSource) Snapshot(context.Context) (*Snapshot, error) { return s.snap, nil }

// Static は固定のスナップショットを返すSourceを生成する。
func Static(snap *Snapshot) Source {
	return staticSource{snap: snap}
}
