package notification

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/notifyhub/internal/block"
	"github.com/nao1215/notifyhub/internal/broker"
	"github.com/nao1215/notifyhub/internal/channel"
	"github.com/nao1215/notifyhub/internal/config"
	"github.com/nao1215/notifyhub/internal/dispatch"
	"github.com/nao1215/notifyhub/internal/fanout"
	"github.com/nao1215/notifyhub/internal/intake"
	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/internal/schema"
	"github.com/nao1215/notifyhub/pkg/database"
	"github.com/nao1215/notifyhub/pkg/httpclient"
)

// runner はctxがキャンセルされるまで動き続けるコンポーネント。
type runner interface {
	Run(ctx context.Context) error
}

// App は通知サービス全体。HTTPサーバー、チャネルごとのポーラー、回収処理、ブローカーの購読をまとめて動かす。
type App struct {
	cfg    config.Config
	db     *sql.DB
	rdb    *redis.Client
	hub    *channel.Hub
	server *Server
	// workers はHTTPサーバー以外のバックグラウンド処理。
	workers []runner
	logger  *zap.Logger
}

// NewApp は設定から全コンポーネントを組み立てる。スキーマは起動時に適用する。
func NewApp(cfg config.Config, logger *zap.Logger) (*App, error) {
	db, dialect, err := database.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := schema.Apply(db, dialect, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &App{cfg: cfg, db: db, logger: logger}
	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	loc, err := time.LoadLocation(cfg.QuietHoursLocation)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("タイムゾーンの読み込みに失敗: %w", err)
	}

	// ブロックルール
	ruleStore := block.NewSQLRuleStore(db, dialect)
	rules := block.NewCachedSource(ruleStore, cfg.RuleCacheTTL, block.Policy(cfg.RulesUnavailablePolicy), logger)
	engine := block.NewEngine(block.WithLocation(loc), block.WithLogger(logger))
	invalidator := &ruleInvalidator{cache: rules}
	if a.rdb != nil {
		invalidator.pub = block.NewInvalidator(a.rdb, rules, logger)
		a.workers = append(a.workers, invalidator.pub)
	}

	// 取り込みと分解
	records := record.NewSQLStore(db, dialect)
	var marker intake.Marker = intake.NewSQLMarker(db, dialect)
	if a.rdb != nil {
		marker = intake.NewRedisMarker(a.rdb, cfg.MarkerTTL)
	}
	var directoryClient *httpclient.Client
	if cfg.DirectoryURL != "" {
		var opts []httpclient.Option
		if cfg.DirectoryToken != "" {
			opts = append(opts, httpclient.WithBearerToken(cfg.DirectoryToken))
		}
		directoryClient = httpclient.New(cfg.DirectoryURL, opts...)
	}
	orchestrator := fanout.NewOrchestrator(records, rules, engine, logger)
	in := intake.New(marker, fanout.NewHTTPResolver(directoryClient, cfg.RecipientPath), orchestrator, cfg.MaxAttempts, logger)

	switch cfg.Broker {
	case "amqp":
		a.workers = append(a.workers, broker.NewAMQPConsumer(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, in, logger))
	case "kafka":
		a.workers = append(a.workers, broker.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, in, logger))
	}

	// 配信
	a.hub = channel.NewHub(logger)
	pollerOpts := dispatch.PollerOptions{
		BatchSize:     cfg.PollBatchSize,
		Interval:      cfg.PollInterval,
		SendTimeout:   cfg.SendTimeout,
		RatePerSecond: cfg.SendRatePerSecond,
	}
	for _, sender := range a.senders(directoryClient) {
		a.workers = append(a.workers, dispatch.NewPoller(records, sender, pollerOpts, logger))
	}
	a.workers = append(a.workers, dispatch.NewReconciler(records, cfg.StaleAfter, cfg.ReconcileEvery, logger))

	a.server = NewServer(Deps{
		Records:     records,
		Intake:      in,
		Hub:         a.hub,
		Rules:       ruleStore,
		Invalidator: invalidator,
	}, Options{
		Port:        cfg.Port,
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSAllowedOrigins,
	}, logger)
	return a, nil
}

// senders は設定済みのチャネルの送信処理を返す。未設定のチャネルのレコードはPENDINGのまま残る。
func (a *App) senders(directoryClient *httpclient.Client) []dispatch.Sender {
	directory := channel.NewHTTPDirectory(directoryClient)
	out := []dispatch.Sender{a.hub}

	if a.cfg.SMTPHost != "" {
		out = append(out, channel.NewEmailSender(channel.SMTPConfig{
			Host:     a.cfg.SMTPHost,
			Port:     a.cfg.SMTPPort,
			User:     a.cfg.SMTPUser,
			Password: a.cfg.SMTPPassword,
			From:     a.cfg.SMTPFrom,
		}, directory))
	} else {
		a.logger.Warn("SMTPが未設定のためEMAILチャネルは配信しません")
	}
	if a.cfg.TwilioAccountSID != "" {
		out = append(out, channel.NewSMSSender(a.cfg.TwilioAccountSID, a.cfg.TwilioAuthToken, a.cfg.TwilioFrom, directory))
	} else {
		a.logger.Warn("Twilioが未設定のためSMSチャネルは配信しません")
	}
	if a.cfg.PushGatewayURL != "" {
		out = append(out, channel.NewPushSender(httpclient.New(a.cfg.PushGatewayURL), directory))
	} else {
		a.logger.Warn("プッシュゲートウェイが未設定のためPUSHチャネルは配信しません")
	}
	return out
}

// Server はHTTPサーバーを返す。
func (a *App) Server() *Server {
	return a.server
}

// Run はctxがキャンセルされるか、いずれかのコンポーネントが失敗するまで全体を動かす。
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.server.Run(ctx) })
	g.Go(func() error { return a.hub.Heartbeat(ctx, a.cfg.HeartbeatInterval) })
	for _, w := range a.workers {
		g.Go(func() error { return w.Run(ctx) })
	}

	a.logger.Info("通知サービスを起動しました", zap.Int("workers", len(a.workers)), zap.String("broker", a.cfg.Broker))
	return g.Wait()
}

// Close はデータベースとRedisの接続を閉じる。
func (a *App) Close() error {
	var err error
	if a.rdb != nil {
		err = a.rdb.Close()
	}
	if cerr := a.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// ruleInvalidator は自インスタンスのキャッシュを無効化し、Redisがあれば他インスタンスにも通知する。
type ruleInvalidator struct {
	cache *block.CachedSource
	pub   *block.Invalidator
}

func (r *ruleInvalidator) InvalidateRules(ctx context.Context, reason string) error {
	r.cache.Invalidate()
	if r.pub == nil {
		return nil
	}
	return r.pub.Publish(ctx, reason)
}
