package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nao1215/notifyhub/internal/block"
	"github.com/nao1215/notifyhub/internal/record"
	"github.com/nao1215/notifyhub/internal/schema"
	"github.com/nao1215/notifyhub/pkg/database"
	"github.com/nao1215/notifyhub/pkg/event"
	"github.com/nao1215/notifyhub/pkg/httpclient"
)

func setupStore(t *testing.T) *record.SQLStore {
	t.Helper()

	db, dialect, err := database.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, schema.Apply(db, dialect, zap.NewNop()))
	return record.NewSQLStore(db, dialect)
}

func newEnvelope(t *testing.T, eventType event.Type) *event.Envelope {
	t.Helper()

	env, err := event.New(event.AggregateTypeReservation, eventType, "rsv-1", event.ReservationData{ReservationID: "rsv-1", Pax: 2})
	require.NoError(t, err)
	env.Title = "予約"
	env.Body = "予約が更新されました"
	return env
}

var staff = []Recipient{
	{ID: "u-1", Type: event.RecipientRestaurantUser, Context: block.Context{OrgType: "RESTAURANT", OrgID: "r-1"}},
	{ID: "u-2", Type: event.RecipientRestaurantUser, Context: block.Context{OrgType: "RESTAURANT", OrgID: "r-1"}},
	{ID: "u-3", Type: event.RecipientRestaurantUser, Context: block.Context{OrgType: "RESTAURANT", OrgID: "r-1"}},
}

func TestOrchestrator_FanOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := block.NewEngine(block.WithClock(func() time.Time {
		return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	}))

	t.Run("受信者×チャネル分のレコードが作成されること", func(t *testing.T) {
		t.Parallel()

		store := setupStore(t)
		o := NewOrchestrator(store, block.Static(&block.Snapshot{}), engine, zap.NewNop())
		env := newEnvelope(t, event.TypeReservationRequested)
		env.Priority = event.PriorityHigh

		got, err := o.FanOut(ctx, env, staff, []event.Channel{event.ChannelWebSocket, event.ChannelEmail}, true)
		require.NoError(t, err)
		assert.Len(t, got, 6)
		for _, r := range got {
			assert.Equal(t, record.StatusPending, r.Status)
			assert.Equal(t, event.PriorityHigh, r.Priority)
			assert.True(t, r.ReadByAll)
			assert.Equal(t, env.EventID, r.EventID)
			assert.Equal(t, record.IdempotencyKey(string(env.AggregateType), env.EventID, r.RecipientID, r.Channel), r.IdempotencyKey)
		}
	})

	t.Run("同じイベントを2回分解しても件数が変わらないこと", func(t *testing.T) {
		t.Parallel()

		store := setupStore(t)
		o := NewOrchestrator(store, block.Static(&block.Snapshot{}), engine, zap.NewNop())
		env := newEnvelope(t, event.TypeReservationRequested)
		channels := []event.Channel{event.ChannelWebSocket, event.ChannelEmail}

		first, err := o.FanOut(ctx, env, staff, channels, false)
		require.NoError(t, err)
		second, err := o.FanOut(ctx, env, staff, channels, false)
		require.NoError(t, err)

		assert.Len(t, first, 6)
		assert.Empty(t, second)

		all, err := store.ListByEvent(ctx, env.EventID)
		require.NoError(t, err)
		assert.Len(t, all, 6)
	})

	t.Run("ブロックされた組み合わせは作成されないこと", func(t *testing.T) {
		t.Parallel()

		store := setupStore(t)
		snap := &block.Snapshot{
			EventTypeRules: []block.EventTypeRule{
				{EventType: "RESERVATION_*", MandatoryChannels: []event.Channel{event.ChannelEmail}, UserCanDisable: true},
			},
			Scoped: []block.ScopedBlock{
				{Level: block.LevelOrganization, ScopeType: "RESTAURANT", ScopeID: "r-1", Active: true},
			},
		}
		o := NewOrchestrator(store, block.Static(snap), engine, zap.NewNop())
		env := newEnvelope(t, event.TypeReservationConfirmed)

		got, err := o.FanOut(ctx, env, staff, event.AllChannels(), false)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for _, r := range got {
			assert.Equal(t, event.ChannelEmail, r.Channel)
		}
	})

	t.Run("重複した受信者とチャネルはまとめられること", func(t *testing.T) {
		t.Parallel()

		store := setupStore(t)
		o := NewOrchestrator(store, block.Static(&block.Snapshot{}), engine, zap.NewNop())
		env := newEnvelope(t, event.TypeReservationRequested)

		recipients := []Recipient{staff[0], staff[0], {ID: ""}}
		got, err := o.FanOut(ctx, env, recipients, []event.Channel{event.ChannelPush, event.ChannelPush}, false)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("受信者がいない場合は何も作成しないこと", func(t *testing.T) {
		t.Parallel()

		store := setupStore(t)
		o := NewOrchestrator(store, block.Static(&block.Snapshot{}), engine, zap.NewNop())

		got, err := o.FanOut(ctx, newEnvelope(t, event.TypeReservationRequested), nil, event.AllChannels(), false)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ルールを取得できない場合はエラーになりレコードを作成しないこと", func(t *testing.T) {
		t.Parallel()

		store := setupStore(t)
		failing := block.NewCachedSource(errSource{}, time.Minute, block.PolicyClosed, zap.NewNop())
		o := NewOrchestrator(store, failing, engine, zap.NewNop())
		env := newEnvelope(t, event.TypeReservationRequested)

		_, err := o.FanOut(ctx, env, staff, event.AllChannels(), false)
		assert.ErrorIs(t, err, block.ErrRulesUnavailable)

		all, err := store.ListByEvent(ctx, env.EventID)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("挿入に失敗した場合はエラーが返ること", func(t *testing.T) {
		t.Parallel()

		o := NewOrchestrator(failingStore{Store: setupStore(t)}, block.Static(&block.Snapshot{}), engine, zap.NewNop())
		_, err := o.FanOut(ctx, newEnvelope(t, event.TypeReservationRequested), staff, event.AllChannels(), false)
		assert.Error(t, err)
	})
}

type errSource struct{}

func (errSource) Snapshot(context.Context) (*block.Snapshot, error) {
	return nil, errors.New("接続できません")
}

type failingStore struct {
	record.Store
}

func (failingStore) InsertBatch(context.Context, []record.Record) ([]record.Record, error) {
	return nil, errors.New("挿入に失敗")
}

func TestHTTPResolver(t *testing.T) {
	t.Parallel()

	t.Run("明示された受信者はそのまま使われること", func(t *testing.T) {
		t.Parallel()

		env := &event.Envelope{RecipientSpec: event.RecipientSpec{Recipients: []event.RecipientRef{
			{ID: "c-1", Type: event.RecipientCustomer},
		}}}
		got, err := NewHTTPResolver(nil, "/x").Resolve(context.Background(), env)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, event.RecipientCustomer, got[0].Context.RecipientType)
	})

	t.Run("問い合わせ先が無い場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := NewHTTPResolver(nil, "/x").Resolve(context.Background(), &event.Envelope{})
		assert.ErrorIs(t, err, ErrNoResolver)
	})

	t.Run("ディレクトリサービスに問い合わせること", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req resolveRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if r.URL.Path != "/recipients" || req.Selector["restaurant_id"] != "r-1" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(resolveResponse{Recipients: []event.RecipientRef{
				{ID: "u-1", Type: event.RecipientRestaurantUser, OrgType: "RESTAURANT", OrgID: "r-1", HubType: "RESTAURANT_USER_HUB", HubID: "h-1"},
			}})
		}))
		t.Cleanup(srv.Close)

		env := &event.Envelope{
			EventType:     event.TypeReservationRequested,
			RecipientSpec: event.RecipientSpec{Selector: map[string]string{"restaurant_id": "r-1"}},
		}
		got, err := NewHTTPResolver(httpclient.New(srv.URL), "/recipients").Resolve(context.Background(), env)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "r-1", got[0].Context.OrgID)
		assert.Equal(t, "h-1", got[0].Context.HubID)
	})

	t.Run("ディレクトリサービスのエラーが伝播すること", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)

		_, err := NewHTTPResolver(httpclient.New(srv.URL), "/recipients").Resolve(context.Background(), &event.Envelope{})
		assert.Error(t, err)
	})
}

func TestSpecResolver(t *testing.T) {
	t.Parallel()

	env := &event.Envelope{RecipientSpec: event.RecipientSpec{Recipients: []event.RecipientRef{
		{ID: "a-1", Type: event.RecipientAgencyUser, OrgType: "AGENCY", OrgID: "ag-1"},
	}}}
	got, err := SpecResolver{}.Resolve(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Context.HasOrganization())
}
