package block

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InvalidationChannel はルール変更を通知するRedisチャネル名。
const InvalidationChannel = "notification:rules:invalidate"

// Invalidator はRedis Pub/Subでルール変更を受け取り、キャッシュを無効化する。
// 複数インスタンス構成で管理APIを叩いたインスタンス以外のキャッシュも更新するために使う。
type Invalidator struct {
	rdb    *redis.Client
	cache  *CachedSource
	logger *zap.Logger
}

// NewInvalidator は新しいInvalidatorを生成する。
func NewInvalidator(rdb *redis.Client, cache *CachedSource, logger *zap.Logger) *Invalidator {
	return &Invalidator{rdb: rdb, cache: cache, logger: logger.Named("rule-invalidator")}
}

// Run はctxがキャンセルされるまで購読を続ける。
func (i *Invalidator) Run(ctx context.Context) error {
	sub := i.rdb.Subscribe(ctx, InvalidationChannel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("ルール変更チャネルの購読に失敗: %w", err)
	}
	i.logger.Info("ルール変更チャネルを購読しました", zap.String("channel", InvalidationChannel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			i.cache.Invalidate()
			i.logger.Debug("ルールキャッシュを無効化しました", zap.String("payload", msg.Payload))
		}
	}
}

// Publish は全インスタンスにルール変更を通知する。
func (i *Invalidator) Publish(ctx context.Context, reason string) error {
	if err := i.rdb.Publish(ctx, InvalidationChannel, reason).Err(); err != nil {
		return fmt.Errorf("ルール変更の通知に失敗: %w", err)
	}
	return nil
}
