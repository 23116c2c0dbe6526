package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/block"
	"github.com/nao1215/notifyhub/internal/channel"
	"github.com/nao1215/notifyhub/internal/fanout"
	"github.com/nao1215/notifyhub/internal/intake"
	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/internal/schema"
	"github.com/nao1215/notifyhub/pkg/database"
	"github.com/nao1215/notifyhub/pkg/event"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// serviceUser はサービス間トークンで呼び出すことを表す擬似ユーザー。
const serviceUser = "@service"

// fakeInvalidator は無効化の呼び出しを記録する。
type fakeInvalidator struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeInvalidator) InvalidateRules(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeInvalidator) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

// testServer はテスト対象のサーバーと依存コンポーネント。
type testServer struct {
	server      *Server
	router      http.Handler
	records     *record.SQLStore
	rules       *block.SQLRuleStore
	hub         *channel.Hub
	invalidator *fakeInvalidator
}

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	db, dialect, err := database.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := schema.Apply(db, dialect, zap.NewNop()); err != nil {
		t.Fatalf("スキーマ初期化に失敗: %v", err)
	}

	records := record.NewSQLStore(db, dialect)
	rules := block.NewSQLRuleStore(db, dialect)
	orchestrator := fanout.NewOrchestrator(records, rules, block.NewEngine(), zap.NewNop())
	in := intake.New(intake.NewSQLMarker(db, dialect), fanout.SpecResolver{}, orchestrator, 3, zap.NewNop())
	hub := channel.NewHub(zap.NewNop())
	inv := &fakeInvalidator{}

	s := NewServer(Deps{
		Records:     records,
		Intake:      in,
		Hub:         hub,
		Rules:       rules,
		Invalidator: inv,
	}, Options{Port: "0", JWTSecret: testSecret}, zap.NewNop())

	return &testServer{
		server:      s,
		router:      s.Handler(),
		records:     records,
		rules:       rules,
		hub:         hub,
		invalidator: inv,
	}
}

// createTestNotification はテスト用に通知をDBに直接挿入するヘルパー関数。
func createTestNotification(t *testing.T, ts *testServer, id, recipientID, eventID string, readByAll bool) {
	t.Helper()

	now := time.Now().UTC()
	rec := record.Record{
		ID:             id,
		IdempotencyKey: record.IdempotencyKey(string(event.AggregateTypeReservation), eventID, recipientID, event.ChannelWebSocket),
		EventID:        eventID,
		EventType:      string(event.TypeReservationRequested),
		AggregateType:  string(event.AggregateTypeReservation),
		RecipientID:    recipientID,
		RecipientType:  event.RecipientRestaurantUser,
		Channel:        event.ChannelWebSocket,
		Priority:       event.PriorityNormal,
		Status:         record.StatusPending,
		ReadByAll:      readByAll,
		Title:          "予約リクエスト",
		Body:           "2名様の予約リクエストがあります",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := ts.records.InsertBatch(t.Context(), []record.Record{rec}); err != nil {
		t.Fatalf("テスト用通知の作成に失敗: %v", err)
	}
}

// tokenFor はユーザーIDに対応するトークンを生成する。serviceUser の場合はサービス間トークン。
func tokenFor(t *testing.T, userID string) string {
	t.Helper()

	var (
		token string
		err   error
	)
	if userID == serviceUser {
		token, err = middleware.GenerateServiceJWT(testSecret, "test-service")
	} else {
		token, err = middleware.GenerateJWT(testSecret, userID, string(event.RecipientRestaurantUser))
	}
	if err != nil {
		t.Fatalf("トークンの生成に失敗: %v", err)
	}
	return token
}

// staffOwner は createTestNotification が作る通知の受信者を返す。
func staffOwner(id string) record.Owner {
	return record.Owner{ID: id, Type: event.RecipientRestaurantUser}
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
// userIDが空の場合はAuthorizationヘッダーを付けない。
func doRequest(t *testing.T, router http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	token := ""
	if userID != "" {
		token = tokenFor(t, userID)
	}
	return doRequestWithToken(t, router, method, path, token, body)
}

// doRequestWithToken は任意のトークンでリクエストを実行する。
func doRequestWithToken(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Reader
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewReader(nil)
	case []byte:
		reqBody = bytes.NewReader(b)
	default:
		jsonBytes, _ := json.Marshal(b)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにパースする。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのパースに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// parseJSONArray はレスポンスボディを配列にパースする。
func parseJSONArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var result []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSON配列のパースに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// TestHealthAndMetrics はヘルスチェックとメトリクスのテスト。
func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	ts := setupTestServer(t)

	w := doRequest(t, ts.router, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if got := parseJSON(t, w)["service"]; got != "notification" {
		t.Errorf("service: got %v, want notification", got)
	}

	w = doRequest(t, ts.router, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("メトリクスのステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
}

// TestHandleListNotifications は通知一覧取得ハンドラのテスト。
func TestHandleListNotifications(t *testing.T) {
	t.Parallel()

	t.Run("通知が存在しない場合は空配列を返す", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		w := doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications", "user-1", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if result := parseJSONArray(t, w); len(result) != 0 {
			t.Errorf("配列の長さ: got %d, want 0", len(result))
		}
	})

	t.Run("自分宛ての通知のみ返す", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)
		createTestNotification(t, ts, "notif-2", "user-1", "evt-2", false)
		// 別ユーザーの通知は含まれないことを確認するため
		createTestNotification(t, ts, "notif-3", "user-2", "evt-1", false)

		w := doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications", "user-1", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if result := parseJSONArray(t, w); len(result) != 2 {
			t.Errorf("配列の長さ: got %d, want 2", len(result))
		}
	})

	t.Run("通知のフィールドが正しく返される", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", true)

		w := doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications", "user-1", nil)
		result := parseJSONArray(t, w)
		if len(result) != 1 {
			t.Fatalf("配列の長さ: got %d, want 1", len(result))
		}

		notif := result[0]
		if notif["id"] != "notif-1" {
			t.Errorf("id: got %v, want notif-1", notif["id"])
		}
		if notif["recipient_id"] != "user-1" {
			t.Errorf("recipient_id: got %v, want user-1", notif["recipient_id"])
		}
		if notif["title"] != "予約リクエスト" {
			t.Errorf("title: got %v, want 予約リクエスト", notif["title"])
		}
		if notif["status"] != "PENDING" {
			t.Errorf("status: got %v, want PENDING", notif["status"])
		}
		if notif["is_read"] != false {
			t.Errorf("is_read: got %v, want false", notif["is_read"])
		}
		if notif["read_by_all"] != true {
			t.Errorf("read_by_all: got %v, want true", notif["read_by_all"])
		}
	})

	t.Run("limitとoffsetでページングできる", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)
		createTestNotification(t, ts, "notif-2", "user-1", "evt-2", false)
		createTestNotification(t, ts, "notif-3", "user-1", "evt-3", false)

		w := doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications?limit=2&offset=2", "user-1", nil)
		if result := parseJSONArray(t, w); len(result) != 1 {
			t.Errorf("配列の長さ: got %d, want 1", len(result))
		}
	})

	t.Run("不正なクエリはBadRequest", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		for _, q := range []string{"limit=-1", "offset=x", "channel=FAX", "unread=maybe"} {
			w := doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications?"+q, "user-1", nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s: ステータスコード: got %d, want %d", q, w.Code, http.StatusBadRequest)
			}
		}
	})

	t.Run("トークンが無い場合はUnauthorized", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		w := doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications", "", nil)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleUnread は未読一覧と未読件数のテスト。
func TestHandleUnread(t *testing.T) {
	t.Parallel()

	t.Run("未読通知のみを返す", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)
		createTestNotification(t, ts, "notif-2", "user-1", "evt-2", false)
		if _, err := ts.records.MarkRead(t.Context(), "notif-1", staffOwner("user-1")); err != nil {
			t.Fatalf("既読化に失敗: %v", err)
		}

		w := doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications/unread", "user-1", nil)
		result := parseJSONArray(t, w)
		if len(result) != 1 {
			t.Fatalf("配列の長さ: got %d, want 1", len(result))
		}
		if result[0]["id"] != "notif-2" {
			t.Errorf("id: got %v, want notif-2", result[0]["id"])
		}

		w = doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications/unread-count", "user-1", nil)
		if got := parseJSON(t, w)["unread_count"]; got != float64(1) {
			t.Errorf("unread_count: got %v, want 1", got)
		}
	})
}

// TestHandleMarkRead は通知を既読にするハンドラのテスト。
func TestHandleMarkRead(t *testing.T) {
	t.Parallel()

	t.Run("正常に通知を既読にできる", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)

		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/notifications/notif-1/read", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		if got := parseJSON(t, w)["updated"]; got != float64(1) {
			t.Errorf("updated: got %v, want 1", got)
		}

		// 既読になったことを未読一覧で確認する
		w2 := doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications/unread", "user-1", nil)
		if unread := parseJSONArray(t, w2); len(unread) != 0 {
			t.Errorf("未読通知の数: got %d, want 0", len(unread))
		}
	})

	t.Run("既読済みの通知を再度既読にしても成功する", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)
		doRequest(t, ts.router, http.MethodPut, "/api/v1/notifications/notif-1/read", "user-1", nil)

		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/notifications/notif-1/read", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if got := parseJSON(t, w)["updated"]; got != float64(0) {
			t.Errorf("updated: got %v, want 0", got)
		}
	})

	t.Run("全員既読の通知は他の受信者分も既読になる", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", true)
		createTestNotification(t, ts, "notif-2", "user-2", "evt-1", true)
		createTestNotification(t, ts, "notif-3", "user-3", "evt-1", true)

		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/notifications/notif-1/read", "user-1", nil)
		if got := parseJSON(t, w)["updated"]; got != float64(3) {
			t.Errorf("updated: got %v, want 3", got)
		}

		w = doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications/unread-count", "user-3", nil)
		if got := parseJSON(t, w)["unread_count"]; got != float64(0) {
			t.Errorf("user-3のunread_count: got %v, want 0", got)
		}
	})

	t.Run("存在しない通知の場合はNotFound", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/notifications/nonexistent/read", "user-1", nil)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("他ユーザーの通知を既読にするとForbidden", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", true)

		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/notifications/notif-1/read", "user-2", nil)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("配信失敗した通知はConflict", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)
		if _, err := ts.records.ClaimPending(t.Context(), event.ChannelWebSocket, 10); err != nil {
			t.Fatalf("確保に失敗: %v", err)
		}
		if err := ts.records.MarkFailed(t.Context(), "notif-1", "timeout"); err != nil {
			t.Fatalf("失敗の記録に失敗: %v", err)
		}

		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/notifications/notif-1/read", "user-1", nil)
		if w.Code != http.StatusConflict {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusConflict)
		}
	})

	t.Run("接続中の受信者に既読が即時に通知される", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", true)
		createTestNotification(t, ts, "notif-2", "user-2", "evt-1", true)

		srv := httptest.NewServer(ts.router)
		t.Cleanup(srv.Close)

		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?access_token=" + tokenFor(t, "user-2")
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("WebSocketの接続に失敗: %v", err)
		}
		t.Cleanup(func() { _ = ws.Close() })

		deadline := time.Now().Add(2 * time.Second)
		for !ts.hub.Connected(staffOwner("user-2")) {
			if time.Now().After(deadline) {
				t.Fatal("WebSocketの登録を待機中にタイムアウト")
			}
			time.Sleep(10 * time.Millisecond)
		}

		doRequest(t, ts.router, http.MethodPut, "/api/v1/notifications/notif-1/read", "user-1", nil)

		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f channel.Frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("フレームの読み込みに失敗: %v", err)
		}
		if f.Type != channel.FrameRead {
			t.Errorf("type: got %q, want %q", f.Type, channel.FrameRead)
		}
		if f.Notification.ID != "notif-2" {
			t.Errorf("notification.id: got %q, want notif-2", f.Notification.ID)
		}
	})
}

// TestHandleMarkAllRead は全通知を既読にするハンドラのテスト。
func TestHandleMarkAllRead(t *testing.T) {
	t.Parallel()

	t.Run("正常に全通知を既読にできる", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)
		createTestNotification(t, ts, "notif-2", "user-1", "evt-2", false)
		createTestNotification(t, ts, "notif-3", "user-2", "evt-3", false)

		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/notifications/read-all", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if got := parseJSON(t, w)["updated"]; got != float64(2) {
			t.Errorf("updated: got %v, want 2", got)
		}

		// 他ユーザーの通知は既読にならない
		w = doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications/unread-count", "user-2", nil)
		if got := parseJSON(t, w)["unread_count"]; got != float64(1) {
			t.Errorf("user-2のunread_count: got %v, want 1", got)
		}
	})

	t.Run("全員既読の通知は他の受信者分も既読になる", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", true)
		createTestNotification(t, ts, "notif-2", "user-2", "evt-1", true)
		createTestNotification(t, ts, "notif-3", "user-1", "evt-2", false)
		createTestNotification(t, ts, "notif-4", "user-2", "evt-2", false)

		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/notifications/read-all", "user-1", nil)
		if got := parseJSON(t, w)["updated"]; got != float64(3) {
			t.Errorf("updated: got %v, want 3", got)
		}

		w = doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications/unread", "user-2", nil)
		unread := parseJSONArray(t, w)
		if len(unread) != 1 {
			t.Fatalf("user-2の未読数: got %d, want 1", len(unread))
		}
		if unread[0]["id"] != "notif-4" {
			t.Errorf("id: got %v, want notif-4", unread[0]["id"])
		}
	})
}

// TestRecipientTypeScope は受信者IDが同じで種別の違う受信者を区別することのテスト。
func TestRecipientTypeScope(t *testing.T) {
	t.Parallel()

	customerToken := func(t *testing.T) string {
		t.Helper()
		token, err := middleware.GenerateJWT(testSecret, "user-1", string(event.RecipientCustomer))
		if err != nil {
			t.Fatalf("トークンの生成に失敗: %v", err)
		}
		return token
	}

	t.Run("一覧と未読件数に他の種別の通知が含まれない", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)
		token := customerToken(t)

		w := doRequestWithToken(t, ts.router, http.MethodGet, "/api/v1/notifications", token, nil)
		if got := parseJSONArray(t, w); len(got) != 0 {
			t.Errorf("配列の長さ: got %d, want 0", len(got))
		}

		w = doRequestWithToken(t, ts.router, http.MethodGet, "/api/v1/notifications/unread-count", token, nil)
		if got := parseJSON(t, w)["unread_count"]; got != float64(0) {
			t.Errorf("unread_count: got %v, want 0", got)
		}
	})

	t.Run("他の種別の通知を既読にするとForbidden", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)

		w := doRequestWithToken(t, ts.router, http.MethodPut, "/api/v1/notifications/notif-1/read", customerToken(t), nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("一括既読は他の種別の通知に触れない", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)

		w := doRequestWithToken(t, ts.router, http.MethodPut, "/api/v1/notifications/read-all", customerToken(t), nil)
		if got := parseJSON(t, w)["updated"]; got != float64(0) {
			t.Errorf("updated: got %v, want 0", got)
		}

		w = doRequest(t, ts.router, http.MethodGet, "/api/v1/notifications/unread-count", "user-1", nil)
		if got := parseJSON(t, w)["unread_count"]; got != float64(1) {
			t.Errorf("unread_count: got %v, want 1", got)
		}
	})

	t.Run("受信者種別の無いトークンはUnauthorized", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		token, err := middleware.GenerateJWT(testSecret, "user-1", "")
		if err != nil {
			t.Fatalf("トークンの生成に失敗: %v", err)
		}
		w := doRequestWithToken(t, ts.router, http.MethodGet, "/api/v1/notifications", token, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

func newTestEnvelope(t *testing.T) *event.Envelope {
	t.Helper()

	env, err := event.New(event.AggregateTypeReservation, event.TypeReservationRequested, "rsv-1",
		event.ReservationData{ReservationID: "rsv-1", Pax: 2})
	if err != nil {
		t.Fatalf("エンベロープの生成に失敗: %v", err)
	}
	env.Title = "予約リクエスト"
	env.Body = "2名様の予約リクエストがあります"
	env.ReadByAll = true
	env.Channels = []event.Channel{event.ChannelWebSocket, event.ChannelEmail}
	env.RecipientSpec.Recipients = []event.RecipientRef{
		{ID: "user-1", Type: event.RecipientRestaurantUser, OrgType: "RESTAURANT", OrgID: "r-1"},
		{ID: "user-2", Type: event.RecipientRestaurantUser, OrgType: "RESTAURANT", OrgID: "r-1"},
	}
	return env
}

// TestHandleIngest はイベント取り込みハンドラのテスト。
func TestHandleIngest(t *testing.T) {
	t.Parallel()

	t.Run("新規イベントは202で受け付けレコードが作成される", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)
		env := newTestEnvelope(t)

		w := doRequest(t, ts.router, http.MethodPost, "/api/v1/internal/events", serviceUser, env)
		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusAccepted, w.Body.String())
		}
		if got := parseJSON(t, w)["outcome"]; got != "ACK" {
			t.Errorf("outcome: got %v, want ACK", got)
		}

		w = doRequest(t, ts.router, http.MethodGet, "/api/v1/internal/events/"+env.EventID+"/notifications", serviceUser, nil)
		if result := parseJSONArray(t, w); len(result) != 4 {
			t.Errorf("レコード数: got %d, want 4", len(result))
		}
	})

	t.Run("同じイベントの2回目は200でACK_DUPLICATE", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)
		env := newTestEnvelope(t)

		doRequest(t, ts.router, http.MethodPost, "/api/v1/internal/events", serviceUser, env)
		w := doRequest(t, ts.router, http.MethodPost, "/api/v1/internal/events", serviceUser, env)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if got := parseJSON(t, w)["outcome"]; got != "ACK_DUPLICATE" {
			t.Errorf("outcome: got %v, want ACK_DUPLICATE", got)
		}
	})

	t.Run("不正なイベントは400でREJECT", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		w := doRequest(t, ts.router, http.MethodPost, "/api/v1/internal/events", serviceUser, []byte(`{"event_id":`))
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
		if got := parseJSON(t, w)["outcome"]; got != "REJECT" {
			t.Errorf("outcome: got %v, want REJECT", got)
		}
	})

	t.Run("受信者トークンではForbidden", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		w := doRequest(t, ts.router, http.MethodPost, "/api/v1/internal/events", "user-1", newTestEnvelope(t))
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("一時的な失敗は503でRETRY", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)
		s := NewServer(Deps{Records: ts.records, Intake: retryingIntake{}}, Options{JWTSecret: testSecret}, zap.NewNop())

		w := doRequest(t, s.Handler(), http.MethodPost, "/api/v1/internal/events", serviceUser, newTestEnvelope(t))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("Retry-Afterヘッダーがありません")
		}
	})
}

type retryingIntake struct{}

func (retryingIntake) ConsumeBytes(context.Context, []byte, int) (intake.Outcome, error) {
	return intake.OutcomeRetry, errors.New("一時的な障害")
}

// TestHandleResend は再送ハンドラのテスト。
func TestHandleResend(t *testing.T) {
	t.Parallel()

	t.Run("FAILEDの通知はPENDINGに戻る", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)
		if _, err := ts.records.ClaimPending(t.Context(), event.ChannelWebSocket, 10); err != nil {
			t.Fatalf("確保に失敗: %v", err)
		}
		if err := ts.records.MarkFailed(t.Context(), "notif-1", "timeout"); err != nil {
			t.Fatalf("失敗の記録に失敗: %v", err)
		}

		w := doRequest(t, ts.router, http.MethodPost, "/api/v1/internal/notifications/notif-1/resend", serviceUser, nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusAccepted, w.Body.String())
		}

		rec, err := ts.records.Get(t.Context(), "notif-1")
		if err != nil {
			t.Fatalf("取得に失敗: %v", err)
		}
		if rec.Status != record.StatusPending {
			t.Errorf("status: got %s, want PENDING", rec.Status)
		}
	})

	t.Run("FAILED以外はConflict", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		createTestNotification(t, ts, "notif-1", "user-1", "evt-1", false)

		w := doRequest(t, ts.router, http.MethodPost, "/api/v1/internal/notifications/notif-1/resend", serviceUser, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusConflict)
		}
	})

	t.Run("存在しない通知はNotFound", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		w := doRequest(t, ts.router, http.MethodPost, "/api/v1/internal/notifications/none/resend", serviceUser, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleRules はブロックルール管理のテスト。
func TestHandleRules(t *testing.T) {
	t.Parallel()

	t.Run("スコープ付きブロックを登録するとキャッシュが無効化され分解に反映される", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		body := map[string]any{
			"level":            "ORGANIZATION",
			"scope_type":       "RESTAURANT",
			"scope_id":         "r-1",
			"blocked_channels": []string{"EMAIL"},
			"active":           true,
		}
		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/internal/rules/scoped/blk-1", serviceUser, body)
		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusAccepted, w.Body.String())
		}
		if got := ts.invalidator.calls(); len(got) != 1 || got[0] != "scoped:blk-1" {
			t.Errorf("無効化の呼び出し: got %v", got)
		}

		env := newTestEnvelope(t)
		doRequest(t, ts.router, http.MethodPost, "/api/v1/internal/events", serviceUser, env)
		recs, err := ts.records.ListByEvent(t.Context(), env.EventID)
		if err != nil {
			t.Fatalf("取得に失敗: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("レコード数: got %d, want 2", len(recs))
		}
		for _, r := range recs {
			if r.Channel != event.ChannelWebSocket {
				t.Errorf("channel: got %s, want WEBSOCKET", r.Channel)
			}
		}
	})

	t.Run("お休み時間帯の形式が不正な場合はBadRequest", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		body := map[string]any{
			"level":       "USER",
			"scope_id":    "user-1",
			"quiet_start": "25:00",
			"quiet_end":   "07:00",
			"active":      true,
		}
		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/internal/rules/scoped/blk-2", serviceUser, body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("不明なチャネルはBadRequest", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		body := map[string]any{
			"event_type":         "RESERVATION_*",
			"mandatory_channels": []string{"FAX"},
		}
		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/internal/rules/event-types/r-1", serviceUser, body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("グローバルブロックとイベント種別ルールを登録できる", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		w := doRequest(t, ts.router, http.MethodPut, "/api/v1/internal/rules/global/g-1", serviceUser,
			map[string]any{"event_type_pattern": "CHAT_*", "active": true, "reason": "障害対応"})
		if w.Code != http.StatusAccepted {
			t.Errorf("グローバル: got %d, want %d, body=%s", w.Code, http.StatusAccepted, w.Body.String())
		}
		w = doRequest(t, ts.router, http.MethodPut, "/api/v1/internal/rules/event-types/e-1", serviceUser,
			map[string]any{"event_type": "RESERVATION_*", "mandatory_channels": []string{"EMAIL"}, "user_can_disable": false})
		if w.Code != http.StatusAccepted {
			t.Errorf("イベント種別: got %d, want %d, body=%s", w.Code, http.StatusAccepted, w.Body.String())
		}

		snap, err := ts.rules.Snapshot(t.Context())
		if err != nil {
			t.Fatalf("スナップショットの取得に失敗: %v", err)
		}
		if len(snap.Globals) != 1 || len(snap.EventTypeRules) != 1 {
			t.Errorf("ルール数: globals=%d, event_type_rules=%d", len(snap.Globals), len(snap.EventTypeRules))
		}
	})

	t.Run("手動でキャッシュを無効化できる", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t)

		w := doRequest(t, ts.router, http.MethodPost, "/api/v1/internal/rules/invalidate", serviceUser, nil)
		if w.Code != http.StatusAccepted {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusAccepted)
		}
		if got := ts.invalidator.calls(); len(got) != 1 || got[0] != "manual" {
			t.Errorf("無効化の呼び出し: got %v", got)
		}
	})
}
