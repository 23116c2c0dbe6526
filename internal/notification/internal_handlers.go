package notification

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/block"
	"github.com/nao1215/notifyhub/internal/intake"
	"github.com/nao1215/notifyhub/pkg/event"
)

// headerAttempt は呼び出し側が再送したときの試行回数。
const headerAttempt = "X-Attempt"

// maxEventBytes は受け付けるイベントの最大サイズ。
const maxEventBytes = 1 << 20

// handleIngest はイベントを取り込むハンドラ。
// 結果は ACK=202、ACK_DUPLICATE=200、REJECT=400、RETRY=503 で返す。
func (s *Server) handleIngest() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの読み込みに失敗しました"})
			return
		}
		if len(body) > maxEventBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "イベントが大きすぎます"})
			return
		}

		attempt := 1
		if v := c.GetHeader(headerAttempt); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				attempt = n
			}
		}

		outcome, err := s.deps.Intake.ConsumeBytes(c.Request.Context(), body, attempt)
		resp := gin.H{"outcome": outcome}
		if err != nil {
			resp["error"] = err.Error()
		}

		switch outcome {
		case intake.OutcomeAck:
			c.JSON(http.StatusAccepted, resp)
		case intake.OutcomeDuplicate:
			c.JSON(http.StatusOK, resp)
		case intake.OutcomeRetry:
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, resp)
		default:
			if errors.Is(err, intake.ErrMalformed) {
				c.JSON(http.StatusBadRequest, resp)
				return
			}
			c.JSON(http.StatusUnprocessableEntity, resp)
		}
	}
}

// handleListByEvent はイベントから生成された通知を全受信者分返すハンドラ。
func (s *Server) handleListByEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		recs, err := s.deps.Records.ListByEvent(c.Request.Context(), c.Param("event_id"))
		if err != nil {
			s.writeError(c, err, "イベント別通知の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, toNotificationResponses(recs))
	}
}

// handleResend は配信に失敗した通知を再送キューに戻すハンドラ。
func (s *Server) handleResend() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.deps.Records.Resend(c.Request.Context(), id); err != nil {
			s.writeError(c, err, "通知の再送に失敗しました")
			return
		}
		s.logger.Info("通知を再送キューに戻しました", zap.String("notification_id", id))
		c.JSON(http.StatusAccepted, gin.H{"message": "通知を再送します"})
	}
}

// globalBlockRequest はグローバルブロックの登録リクエスト。
type globalBlockRequest struct {
	EventTypePattern string     `json:"event_type_pattern" binding:"required"`
	Active           bool       `json:"active"`
	WindowStart      *time.Time `json:"window_start"`
	WindowEnd        *time.Time `json:"window_end"`
	Reason           string     `json:"reason"`
}

// eventTypeRuleRequest はイベント種別ルールの登録リクエスト。
type eventTypeRuleRequest struct {
	EventType         string          `json:"event_type" binding:"required"`
	MandatoryChannels []event.Channel `json:"mandatory_channels" binding:"dive,oneof=WEBSOCKET EMAIL PUSH SMS"`
	UserCanDisable    bool            `json:"user_can_disable"`
}

// scopedBlockRequest はスコープ付きブロックの登録リクエスト。
type scopedBlockRequest struct {
	Level            block.Level     `json:"level" binding:"required,oneof=ORGANIZATION HUB USER"`
	ScopeType        string          `json:"scope_type"`
	ScopeID          string          `json:"scope_id" binding:"required"`
	EventTypePattern string          `json:"event_type_pattern"`
	BlockedChannels  []event.Channel `json:"blocked_channels" binding:"dive,oneof=WEBSOCKET EMAIL PUSH SMS"`
	QuietStart       string          `json:"quiet_start"`
	QuietEnd         string          `json:"quiet_end"`
	Active           bool            `json:"active"`
}

func (r scopedBlockRequest) quietHours() (*block.QuietHours, error) {
	if r.QuietStart == "" && r.QuietEnd == "" {
		return nil, nil
	}
	start, err := block.ParseTimeOfDay(r.QuietStart)
	if err != nil {
		return nil, err
	}
	end, err := block.ParseTimeOfDay(r.QuietEnd)
	if err != nil {
		return nil, err
	}
	return &block.QuietHours{Start: start, End: end}, nil
}

// handlePutGlobalBlock はグローバルブロックを登録するハンドラ。
func (s *Server) handlePutGlobalBlock() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req globalBlockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}
		g := block.GlobalBlock{
			ID:               c.Param("id"),
			EventTypePattern: req.EventTypePattern,
			Active:           req.Active,
			WindowStart:      req.WindowStart,
			WindowEnd:        req.WindowEnd,
			Reason:           req.Reason,
		}
		if err := s.deps.Rules.PutGlobal(c.Request.Context(), g); err != nil {
			s.writeError(c, err, "グローバルブロックの保存に失敗しました")
			return
		}
		s.rulesChanged(c, "global:"+g.ID)
	}
}

// handlePutEventTypeRule はイベント種別ルールを登録するハンドラ。
func (s *Server) handlePutEventTypeRule() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req eventTypeRuleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}
		r := block.EventTypeRule{
			ID:                c.Param("id"),
			EventType:         req.EventType,
			MandatoryChannels: req.MandatoryChannels,
			UserCanDisable:    req.UserCanDisable,
		}
		if err := s.deps.Rules.PutEventTypeRule(c.Request.Context(), r); err != nil {
			s.writeError(c, err, "イベント種別ルールの保存に失敗しました")
			return
		}
		s.rulesChanged(c, "event_type:"+r.ID)
	}
}

// handlePutScopedBlock は組織・ハブ・ユーザーのブロックを登録するハンドラ。
func (s *Server) handlePutScopedBlock() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scopedBlockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}
		qh, err := req.quietHours()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}
		b := block.ScopedBlock{
			ID:               c.Param("id"),
			Level:            req.Level,
			ScopeType:        req.ScopeType,
			ScopeID:          req.ScopeID,
			EventTypePattern: req.EventTypePattern,
			BlockedChannels:  req.BlockedChannels,
			QuietHours:       qh,
			Active:           req.Active,
		}
		if err := s.deps.Rules.PutScoped(c.Request.Context(), b); err != nil {
			s.writeError(c, err, "スコープ付きブロックの保存に失敗しました")
			return
		}
		s.rulesChanged(c, "scoped:"+b.ID)
	}
}

// handleInvalidateRules はルールキャッシュを無効化するハンドラ。
func (s *Server) handleInvalidateRules() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.rulesChanged(c, "manual")
	}
}

// rulesChanged は全インスタンスのルールキャッシュを無効化して202を返す。
// 無効化に失敗してもルールはTTL経過後に反映される。
func (s *Server) rulesChanged(c *gin.Context, reason string) {
	if s.deps.Invalidator != nil {
		if err := s.deps.Invalidator.InvalidateRules(c.Request.Context(), reason); err != nil {
			s.logger.Warn("ルールキャッシュの無効化に失敗しました", zap.String("reason", reason), zap.Error(err))
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "ルールを更新しました"})
}
