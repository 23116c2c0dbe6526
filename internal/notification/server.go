package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/block"
	"github.com/nao1215/notifyhub/internal/channel"
	"github.com/nao1215/notifyhub/internal/intake"
	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

// EventIntake はHTTPで受け取ったイベントを取り込む。*intake.Intake が満たす。
type EventIntake interface {
	ConsumeBytes(ctx context.Context, body []byte, attempt int) (intake.Outcome, error)
}

// RuleAdmin はブロックルールの保存先。*block.SQLRuleStore が満たす。
type RuleAdmin interface {
	PutGlobal(ctx context.Context, g block.GlobalBlock) error
	PutEventTypeRule(ctx context.Context, r block.EventTypeRule) error
	PutScoped(ctx context.Context, b block.ScopedBlock) error
}

// RuleInvalidator はルール変更をキャッシュに反映させる。
type RuleInvalidator interface {
	InvalidateRules(ctx context.Context, reason string) error
}

// Deps はServerが依存するコンポーネント。
type Deps struct {
	// Records は通知レコードのストア。
	Records record.Store
	// Intake はHTTP経由のイベント取り込み。
	Intake EventIntake
	// Hub はWebSocket接続の管理。既読の即時通知にも使う。
	Hub *channel.Hub
	// Rules はブロックルールの管理。
	Rules RuleAdmin
	// Invalidator はルールキャッシュの無効化。
	Invalidator RuleInvalidator
}

// Options はServerの動作設定。
type Options struct {
	Port        string
	JWTSecret   string
	CORSOrigins []string
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// deps は各ハンドラが使うコンポーネント。
	deps   Deps
	logger *zap.Logger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	logger = logger.Named("http")

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	if len(opts.CORSOrigins) > 0 {
		router.Use(middleware.CORS(opts.CORSOrigins))
	}

	s := &Server{
		router: router,
		port:   opts.Port,
		deps:   deps,
		logger: logger,
	}
	s.setupRoutes(opts.JWTSecret)
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はctxがキャンセルされるまでHTTPサーバーを動かし、キャンセル後は処理中のリクエストを待って停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.logger.Info("HTTPサーバーを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(jwtSecret string) {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 未読件数
			notifications.GET("/unread-count", s.handleUnreadCount())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}

		// 内部API（サービス間トークンのみ）
		internal := api.Group("/internal")
		internal.Use(middleware.RequireRole(middleware.RoleService))
		{
			internal.POST("/events", s.handleIngest())
			internal.GET("/events/:event_id/notifications", s.handleListByEvent())
			internal.POST("/notifications/:id/resend", s.handleResend())
			internal.PUT("/rules/global/:id", s.handlePutGlobalBlock())
			internal.PUT("/rules/event-types/:id", s.handlePutEventTypeRule())
			internal.PUT("/rules/scoped/:id", s.handlePutScopedBlock())
			internal.POST("/rules/invalidate", s.handleInvalidateRules())
		}
	}

	// WebSocketはブラウザからAuthorizationヘッダーを付けられないためクエリのトークンも受け付ける
	s.router.GET("/ws", middleware.JWTAuth(jwtSecret), s.handleWebSocket())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// writeError はストアのエラーをHTTPステータスに対応付けて返す。
func (s *Server) writeError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, record.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": record.ErrNotFound.Error()})
	case errors.Is(err, record.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": record.ErrForbidden.Error()})
	case errors.Is(err, record.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}
