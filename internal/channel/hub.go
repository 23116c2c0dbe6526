package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/pkg/event"
)

const (
	// FrameNotification は新しい通知。
	FrameNotification = "notification"
	// FrameRead は通知が既読になったことを表す。
	FrameRead = "notification.read"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	readLimit  = 512
	bufferSize = 1024
)

// Frame はクライアントに送るメッセージ。
type Frame struct {
	Type         string        `json:"type"`
	Notification record.Record `json:"notification"`
}

// conn は1つのWebSocket接続。書き込みは同時に1つまで。
type conn struct {
	ws    *websocket.Conn
	owner record.Owner

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// Hub は受信者ごとのWebSocket接続を管理し、WEBSOCKETチャネルの送信を行う。
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[record.Owner]map[*conn]struct{}
}

// NewHub は新しいHubを生成する。
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			// 認証はアップグレード前のJWTで済んでいる
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.Named("ws"),
		conns:  make(map[record.Owner]map[*conn]struct{}),
	}
}

// Channel はWEBSOCKETを返す。
func (h *Hub) Channel() event.Channel {
	return event.ChannelWebSocket
}

// Serve はHTTP接続をWebSocketにアップグレードし、切断されるまで読み込みを続ける。
// 受信者IDは種別ごとに一意なので、接続は受信者IDと種別の組で管理する。
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, owner record.Owner) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := h.register(owner, ws)
	defer h.unregister(c)

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		c.touch()
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return nil
		}
	}
}

func (h *Hub) register(owner record.Owner, ws *websocket.Conn) *conn {
	c := &conn{ws: ws, owner: owner, lastSeen: time.Now()}

	h.mu.Lock()
	if _, ok := h.conns[owner]; !ok {
		h.conns[owner] = make(map[*conn]struct{})
	}
	h.conns[owner][c] = struct{}{}
	total := len(h.conns[owner])
	h.mu.Unlock()

	h.logger.Debug("接続しました",
		zap.String("recipient_id", owner.ID),
		zap.String("recipient_type", string(owner.Type)),
		zap.Int("connections", total),
	)
	return c
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if set, ok := h.conns[c.owner]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.owner)
		}
	}
	h.mu.Unlock()

	_ = c.ws.Close()
	h.logger.Debug("切断しました", zap.String("recipient_id", c.owner.ID))
}

// Connected は受信者が接続中かどうかを返す。
func (h *Hub) Connected(owner record.Owner) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[owner]) > 0
}

func (h *Hub) snapshot(owner record.Owner) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns[owner]))
	for c := range h.conns[owner] {
		out = append(out, c)
	}
	return out
}

// push は受信者の全接続にフレームを送り、成功した接続数を返す。
// 書き込みに失敗した接続は閉じる。
func (h *Hub) push(owner record.Owner, f Frame) int {
	sent := 0
	for _, c := range h.snapshot(owner) {
		if err := c.writeJSON(f); err != nil {
			h.logger.Warn("WebSocketへの書き込みに失敗しました", zap.String("recipient_id", owner.ID), zap.Error(err))
			h.unregister(c)
			continue
		}
		sent++
	}
	return sent
}

// Send はレコードを受信者のセッションに送る。
// 未接続の受信者には何も送らず成功とする。通知は一覧APIから取得できる。
func (h *Hub) Send(_ context.Context, rec record.Record) error {
	if h.push(rec.Owner(), Frame{Type: FrameNotification, Notification: rec}) == 0 {
		h.logger.Debug("接続中のセッションがありません", zap.String("recipient_id", rec.RecipientID), zap.String("record_id", rec.ID))
	}
	return nil
}

// PushRead は既読になったレコードを各受信者のセッションに通知する。
func (h *Hub) PushRead(recs []record.Record) {
	for _, r := range recs {
		h.push(r.Owner(), Frame{Type: FrameRead, Notification: r})
	}
}

// Heartbeat はctxがキャンセルされるまで定期的にPingを送り、応答の無い接続を閉じる。
func (h *Hub) Heartbeat(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("ping間隔は正の値である必要があります: %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			h.mu.RLock()
			var all []*conn
			for _, set := range h.conns {
				for c := range set {
					all = append(all, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range all {
				if time.Since(c.seen()) > 2*interval+pongWait {
					h.unregister(c)
					continue
				}
				if err := c.ping(); err != nil {
					h.unregister(c)
				}
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.conns {
		for c := range set {
			_ = c.ws.Close()
		}
		delete(h.conns, id)
	}
}
