package notification

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/pkg/event"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// EventID は通知の元になったイベントの識別子。
	EventID string `json:"event_id"`
	// EventType はイベントの種類。
	EventType string `json:"event_type"`
	// RecipientID は通知先の受信者ID。
	RecipientID string `json:"recipient_id"`
	// Channel は配信チャネル。
	Channel event.Channel `json:"channel"`
	// Priority は配信優先度。
	Priority event.Priority `json:"priority"`
	// Status は配信・既読の状態。
	Status record.Status `json:"status"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// ReadByAll が true の場合、誰か1人が読むと全員分が既読になる。
	ReadByAll bool `json:"read_by_all"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知本文。
	Body string `json:"body"`
	// Data はイベント固有のデータ。
	Data json.RawMessage `json:"data,omitempty"`
	// LastError は最後の送信失敗の理由。
	LastError string `json:"last_error,omitempty"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
	// ReadAt は既読にした日時（RFC3339形式）。
	ReadAt string `json:"read_at,omitempty"`
}

// toNotificationResponse はレコードをJSONレスポンスに変換する。
func toNotificationResponse(r record.Record) notificationResponse {
	resp := notificationResponse{
		ID:          r.ID,
		EventID:     r.EventID,
		EventType:   r.EventType,
		RecipientID: r.RecipientID,
		Channel:     r.Channel,
		Priority:    r.Priority,
		Status:      r.Status,
		IsRead:      r.Status == record.StatusRead,
		ReadByAll:   r.ReadByAll,
		Title:       r.Title,
		Body:        r.Body,
		Data:        r.Payload,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
	if r.ReadAt != nil {
		resp.ReadAt = r.ReadAt.Format(time.RFC3339)
	}
	return resp
}

// toNotificationResponses はレコードのスライスをJSONレスポンスのスライスに変換する。
func toNotificationResponses(recs []record.Record) []notificationResponse {
	responses := make([]notificationResponse, 0, len(recs))
	for _, r := range recs {
		responses = append(responses, toNotificationResponse(r))
	}
	return responses
}

// listOptions はクエリパラメータから一覧の絞り込み条件を組み立てる。
func listOptions(c *gin.Context) (record.ListOptions, error) {
	var opts record.ListOptions
	var err error
	if v := c.Query("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil || opts.Limit < 0 {
			return opts, errInvalidQuery("limit")
		}
	}
	if v := c.Query("offset"); v != "" {
		if opts.Offset, err = strconv.Atoi(v); err != nil || opts.Offset < 0 {
			return opts, errInvalidQuery("offset")
		}
	}
	if v := c.Query("channel"); v != "" {
		opts.Channel = event.Channel(v)
		if !opts.Channel.Valid() {
			return opts, errInvalidQuery("channel")
		}
	}
	if v := c.Query("unread"); v != "" {
		if opts.UnreadOnly, err = strconv.ParseBool(v); err != nil {
			return opts, errInvalidQuery("unread")
		}
	}
	return opts, nil
}

type errInvalidQuery string

func (e errInvalidQuery) Error() string {
	return "クエリパラメータが不正です: " + string(e)
}

// handleList は認証済み受信者の通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.list(c, false)
	}
}

// handleListUnread は認証済み受信者の未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.list(c, true)
	}
}

// currentOwner はJWTの受信者IDと受信者種別から受信者を組み立てる。
// どちらかが欠けていれば401を書いて false を返す。
func currentOwner(c *gin.Context) (record.Owner, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return record.Owner{}, false
	}
	recipientType := middleware.GetRecipientType(c)
	if recipientType == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "受信者種別が取得できません"})
		return record.Owner{}, false
	}
	return record.Owner{ID: userID, Type: event.RecipientType(recipientType)}, true
}

func (s *Server) list(c *gin.Context, unreadOnly bool) {
	owner, ok := currentOwner(c)
	if !ok {
		return
	}

	opts, err := listOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts.UnreadOnly = opts.UnreadOnly || unreadOnly

	recs, err := s.deps.Records.ListByRecipient(c.Request.Context(), owner, opts)
	if err != nil {
		s.writeError(c, err, "通知一覧の取得に失敗しました")
		return
	}
	c.JSON(http.StatusOK, toNotificationResponses(recs))
}

// handleUnreadCount は認証済み受信者の未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := currentOwner(c)
		if !ok {
			return
		}

		n, err := s.deps.Records.CountUnread(c.Request.Context(), owner)
		if err != nil {
			s.writeError(c, err, "未読件数の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"unread_count": n})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 全員既読の通知は同じイベントの他の受信者分も既読になり、接続中の受信者には即時に通知する。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := currentOwner(c)
		if !ok {
			return
		}

		notificationID := c.Param("id")
		if notificationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが必要です"})
			return
		}

		changed, err := s.deps.Records.MarkRead(c.Request.Context(), notificationID, owner)
		if err != nil {
			s.writeError(c, err, "通知の既読処理に失敗しました")
			return
		}

		if s.deps.Hub != nil && len(changed) > 0 {
			s.deps.Hub.PushRead(changed)
		}
		if len(changed) > 1 {
			s.logger.Debug("全員既読を反映しました",
				zap.String("notification_id", notificationID),
				zap.Int("updated", len(changed)),
			)
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "通知を既読にしました",
			"updated": len(changed),
		})
	}
}

// handleMarkAllAsRead は認証済み受信者の全通知を既読にするハンドラ。
// 全員既読の通知は個別の既読と同じく他の受信者分にも波及する。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := currentOwner(c)
		if !ok {
			return
		}

		changed, err := s.deps.Records.MarkAllRead(c.Request.Context(), owner)
		if err != nil {
			s.writeError(c, err, "全通知の既読処理に失敗しました")
			return
		}

		if s.deps.Hub != nil && len(changed) > 0 {
			s.deps.Hub.PushRead(changed)
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "全通知を既読にしました",
			"updated": len(changed),
		})
	}
}

// handleWebSocket は受信者のWebSocket接続を受け付けるハンドラ。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Hub == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WebSocketは無効です"})
			return
		}
		owner, ok := currentOwner(c)
		if !ok {
			return
		}
		if err := s.deps.Hub.Serve(c.Writer, c.Request, owner); err != nil {
			// Upgraderが既にエラーレスポンスを書いている
			s.logger.Debug("WebSocketへのアップグレードに失敗しました", zap.Error(err))
		}
	}
}
