package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader はKafkaからの読み込み。*kafka.Reader が満たす。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter はデッドレタートピックへの書き込み。*kafka.Writer が満たす。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer はKafkaのトピックからイベントを受け取る。
// Kafkaにはメッセージ単位のnackが無いため、RETRYはその場で上限回数まで繰り返す。
// REJECTはデッドレタートピックに書き込んでからコミットする。
type KafkaConsumer struct {
	reader  MessageReader
	dlq     MessageWriter
	handler Handler
	backoff time.Duration
	logger  *zap.Logger
}

// NewKafkaConsumer はブローカー一覧とトピックからKafkaConsumerを生成する。
// デッドレタートピックは "<topic>.dlq"。
func NewKafkaConsumer(brokers []string, topic, groupID string, handler Handler, logger *zap.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic + ".dlq",
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return newKafkaConsumer(reader, writer, handler, logger.Named("kafka").With(zap.String("topic", topic)))
}

func newKafkaConsumer(reader MessageReader, dlq MessageWriter, handler Handler, logger *zap.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:  reader,
		dlq:     dlq,
		handler: handler,
		backoff: 200 * time.Millisecond,
		logger:  logger,
	}
}

// Run はctxがキャンセルされるまでメッセージを処理する。
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer func() {
		_ = c.reader.Close()
		_ = c.dlq.Close()
	}()

	c.logger.Info("イベントの受信を開始します")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafkaからの読み込みに失敗: %w", err)
		}
		if err := c.handle(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle は1件を取り込み、確定した結果に応じてコミットする。
func (c *KafkaConsumer) handle(ctx context.Context, m kafka.Message) error {
	log := c.logger.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	var action Action
	for attempt := 1; ; attempt++ {
		outcome, err := c.handler.ConsumeBytes(ctx, m.Value, attempt)
		action = ActionFor(outcome)
		if action == ActionRetry && attempt >= c.handler.MaxAttempts() {
			action = ActionDeadLetter
		}
		if action != ActionRetry {
			if err != nil {
				log = log.With(zap.Error(err))
			}
			break
		}
		log.Warn("イベントを再試行します", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			// コミットせずに終了し、次回の起動で読み直す
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}

	if action == ActionDeadLetter {
		dead := kafka.Message{Key: m.Key, Value: m.Value, Headers: m.Headers}
		if err := c.dlq.WriteMessages(ctx, dead); err != nil {
			return fmt.Errorf("デッドレターへの書き込みに失敗: %w", err)
		}
		log.Warn("イベントをデッドレターに送りました")
	}
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("オフセットのコミットに失敗: %w", err)
	}
	return nil
}
