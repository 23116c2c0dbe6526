package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// HeaderAttempt は配信回数を運ぶヘッダー。未設定なら1回目とみなす。
const HeaderAttempt = "x-attempt"

// Publisher は再配信用の発行処理。*amqp.Channel が満たす。
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPConsumer はRabbitMQのキューからイベントを受け取る。
// REJECTはnackでデッドレター交換に送られ、RETRYは試行回数を増やして待機キューに再発行する。
// 待機キューで期限切れになったメッセージは元のキューに戻る。
type AMQPConsumer struct {
	url      string
	exchange string
	queue    string
	prefetch int
	// backoff は再試行までの待機時間の単位。attempt 回目の失敗の後は backoff*attempt 待つ。
	backoff time.Duration
	handler Handler
	logger  *zap.Logger
}

// NewAMQPConsumer は新しいAMQPConsumerを生成する。
func NewAMQPConsumer(url, exchange, queue string, handler Handler, logger *zap.Logger) *AMQPConsumer {
	return &AMQPConsumer{
		url:      url,
		exchange: exchange,
		queue:    queue,
		prefetch: 16,
		backoff:  time.Second,
		handler:  handler,
		logger:   logger.Named("amqp").With(zap.String("queue", queue)),
	}
}

// Run はctxがキャンセルされるか接続が切れるまでメッセージを処理する。
func (c *AMQPConsumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("rabbitmqへの接続に失敗: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("チャネルのオープンに失敗: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := c.declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("QoSの設定に失敗: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "notifyhub", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("コンシューマーの登録に失敗: %w", err)
	}

	c.logger.Info("イベントの受信を開始します")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmqのチャネルが閉じられました")
			}
			c.handle(ctx, ch, d)
		}
	}
}

// declare はイベント用の交換とキュー、デッドレター用の交換とキューを宣言する。
func (c *AMQPConsumer) declare(ch *amqp.Channel) error {
	dlx := c.exchange + ".dlx"
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("交換の宣言に失敗: %w", err)
	}
	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("デッドレター交換の宣言に失敗: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlx,
	}); err != nil {
		return fmt.Errorf("キューの宣言に失敗: %w", err)
	}
	if err := ch.QueueBind(c.queue, "#", c.exchange, false, nil); err != nil {
		return fmt.Errorf("キューのバインドに失敗: %w", err)
	}
	if _, err := ch.QueueDeclare(c.retryQueue(), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.queue,
	}); err != nil {
		return fmt.Errorf("待機キューの宣言に失敗: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queue+".dlq", true, false, false, false, nil); err != nil {
		return fmt.Errorf("デッドレターキューの宣言に失敗: %w", err)
	}
	if err := ch.QueueBind(c.queue+".dlq", "", dlx, false, nil); err != nil {
		return fmt.Errorf("デッドレターキューのバインドに失敗: %w", err)
	}
	return nil
}

// handle は1件を取り込み、結果に応じてack/nack/再発行する。
func (c *AMQPConsumer) handle(ctx context.Context, pub Publisher, d amqp.Delivery) Action {
	attempt := attemptOf(d.Headers)
	outcome, err := c.handler.ConsumeBytes(ctx, d.Body, attempt)
	action := ActionFor(outcome)
	log := c.logger.With(zap.String("message_id", d.MessageId), zap.Int("attempt", attempt), zap.Stringer("action", action))
	if err != nil {
		log = log.With(zap.Error(err))
	}

	switch action {
	case ActionAck:
		if err := d.Ack(false); err != nil {
			log.Error("ackに失敗しました", zap.NamedError("ack_error", err))
		}
	case ActionRetry:
		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers[HeaderAttempt] = int32(attempt + 1)
		delay := c.backoff * time.Duration(attempt)
		msg := amqp.Publishing{
			Headers:      headers,
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
			Body:         d.Body,
		}
		if err := pub.PublishWithContext(ctx, "", c.retryQueue(), false, false, msg); err != nil {
			// 再発行できない場合は元のメッセージをキューに戻す
			log.Warn("再発行に失敗したためキューに戻します", zap.NamedError("publish_error", err))
			_ = d.Nack(false, true)
			return action
		}
		if err := d.Ack(false); err != nil {
			log.Error("ackに失敗しました", zap.NamedError("ack_error", err))
		}
		log.Info("イベントを再試行します", zap.Duration("delay", delay))
	case ActionDeadLetter:
		if err := d.Nack(false, false); err != nil {
			log.Error("nackに失敗しました", zap.NamedError("nack_error", err))
		}
		log.Warn("イベントをデッドレターに送りました")
	}
	return action
}

// retryQueue は再試行を待つキューの名前。
func (c *AMQPConsumer) retryQueue() string {
	return c.queue + ".retry"
}

// attemptOf はヘッダーから配信回数を読む。
func attemptOf(h amqp.Table) int {
	switch v := h[HeaderAttempt].(type) {
	case int:
		return max(v, 1)
	case int32:
		return max(int(v), 1)
	case int64:
		return max(int(v), 1)
	default:
		return 1
	}
}
