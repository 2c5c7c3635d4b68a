package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/montserZalloum/memora/internal/archive"
	"github.com/montserZalloum/memora/internal/cache"
	"github.com/montserZalloum/memora/internal/config"
	"github.com/montserZalloum/memora/internal/engine"
	"github.com/montserZalloum/memora/internal/notify"
	"github.com/montserZalloum/memora/internal/persist"
	"github.com/montserZalloum/memora/internal/queue"
	"github.com/montserZalloum/memora/internal/reconcile"
	"github.com/montserZalloum/memora/internal/safemode"
	"github.com/montserZalloum/memora/internal/server"
	"github.com/montserZalloum/memora/internal/storage/sqlite"
	"github.com/montserZalloum/memora/pkg/types"
)

type fixture struct {
	mr     *miniredis.Miniredis
	store  *sqlite.Store
	cache  *cache.ScheduleCache
	alerts *notify.Recorder
	url    string
}

// startTestServer wires the full stack on an in-memory SQLite store and a
// miniredis instance and serves it with httptest.
func startTestServer(t *testing.T, cfg config.ServerConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	store, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	alerts := notify.NewRecorder(10)
	c := cache.New(client, store, cache.Config{KeyPrefix: "srs:"}, log)
	q := queue.NewMemoryQueue()
	p := persist.New(store, q, alerts, persist.Config{PreferAtomic: true}, log)
	detector := safemode.NewDetector(c, safemode.DetectorConfig{MaxFailures: 1, Cooldown: time.Hour}, log)
	safe := safemode.NewManager(detector, safemode.NewMemoryGate(safemode.Limits{}), store, log)
	rec := reconcile.New(store, c, alerts, reconcile.Config{}, log)

	eng, err := engine.New(engine.Deps{
		Cache:      c,
		SafeMode:   safe,
		Persister:  p,
		Store:      store,
		Queue:      q,
		Reconciler: rec,
	}, engine.DefaultConfig(), log)
	require.NoError(t, err)

	srv, err := server.New(server.Deps{
		Engine:     eng,
		Seasons:    archive.New(store, c, q, alerts, archive.Config{}, log),
		Reconciler: rec,
		Alerts:     alerts,
	}, cfg, log)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{mr: mr, store: store, cache: c, alerts: alerts, url: ts.URL}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.url+path, &buf)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// activeSeason creates and opens a season through the API.
func (f *fixture) activeSeason(t *testing.T, name string) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/v1/seasons", map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/v1/seasons/"+name+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_HealthAndSecurityHeaders(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{})

	resp := f.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	resp = f.do(t, http.MethodDelete, "/v1/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_SubmitThenReadDueItems(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{})
	f.activeSeason(t, "fall")
	now := time.Now().UTC()

	resp := f.do(t, http.MethodPost, "/v1/reviews", map[string]any{
		"user_id": "u1",
		"season":  "fall",
		"updates": []types.ScheduleUpdate{
			{ItemID: "Q1", Stability: 1, NextReviewAt: now.Add(-10 * time.Second), ReviewedAt: now.Add(-time.Hour)},
			{ItemID: "Q2", Stability: 2, NextReviewAt: now.Add(time.Hour), ReviewedAt: now},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decode[engine.SubmitResponse](t, resp)
	assert.True(t, submitted.Cached)
	assert.False(t, submitted.Inline)
	assert.NotEmpty(t, submitted.JobID)

	resp = f.do(t, http.MethodGet, "/v1/due?user=u1&season=fall&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	due := decode[engine.DueResponse](t, resp)
	assert.Equal(t, engine.SourceCache, due.Source)
	require.Len(t, due.Items, 1)
	assert.Equal(t, "Q1", due.Items[0].ItemID)
}

func TestServer_GradedAnswers(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{})
	f.activeSeason(t, "fall")

	resp := f.do(t, http.MethodPost, "/v1/reviews", map[string]any{
		"user_id": "u1",
		"season":  "fall",
		"answers": []map[string]any{
			{"item_id": "Q9", "stability": 2, "correct": true, "subject": "math"},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	entries, err := f.cache.AllScores(context.Background(), types.ScheduleKey{UserID: "u1", Season: "fall"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Q9", entries[0].ItemID)
	assert.True(t, entries[0].Due.After(time.Now()))
}

func TestServer_ErrorMapping(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{})
	resp := f.do(t, http.MethodPost, "/v1/seasons", map[string]any{"name": "spring"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing user", http.MethodGet, "/v1/due?season=spring", nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad limit", http.MethodGet, "/v1/due?user=u1&season=spring&limit=x", nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown season", http.MethodGet, "/v1/due?user=u1&season=nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"season not open", http.MethodGet, "/v1/due?user=u1&season=spring", nil, http.StatusConflict, "SEASON_CLOSED"},
		{"unknown field", http.MethodPost, "/v1/reviews", map[string]any{"bogus": 1}, http.StatusBadRequest, "INVALID_INPUT"},
		{"empty submission", http.MethodPost, "/v1/reviews", map[string]any{"user_id": "u1", "season": "spring"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"duplicate season", http.MethodPost, "/v1/seasons", map[string]any{"name": "spring"}, http.StatusConflict, "DUPLICATE"},
		{"bad season name", http.MethodPost, "/v1/seasons", map[string]any{"name": "a:b"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"archive not inactive", http.MethodPost, "/v1/seasons/spring/archive", nil, http.StatusConflict, "REJECTED"},
		{"purge without confirm", http.MethodPost, "/v1/retention/purge", nil, http.StatusConflict, "REJECTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decode[errorBody](t, resp).Code)
		})
	}
}

func TestServer_SafeModeRateLimit(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{})
	f.activeSeason(t, "fall")
	now := time.Now().UTC()

	require.NoError(t, f.store.CreateItem(context.Background(), &types.MemoryItem{
		UserID: "u1", Season: "fall", ItemID: "Q1", Stability: 1,
		LastReviewAt: now.Add(-24 * time.Hour), NextReviewAt: now.Add(-time.Minute),
	}))
	f.mr.Close()

	resp := f.do(t, http.MethodGet, "/v1/due?user=u1&season=fall", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	due := decode[engine.DueResponse](t, resp)
	assert.True(t, due.SafeMode)
	assert.Equal(t, engine.SourceDurable, due.Source)
	require.Len(t, due.Items, 1)

	resp = f.do(t, http.MethodGet, "/v1/due?user=u1&season=fall", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "SAFE_MODE_RATE_LIMITED", decode[errorBody](t, resp).Code)
}

func TestServer_SeasonLifecycleAndArchive(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{})
	f.activeSeason(t, "fall")

	resp := f.do(t, http.MethodPost, "/v1/reviews", map[string]any{
		"user_id": "u1",
		"season":  "fall",
		"answers": []map[string]any{{"item_id": "Q1", "correct": false}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/seasons/fall/deactivate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.SeasonInactive, decode[types.Season](t, resp).Status)

	// Closed seasons refuse reads immediately.
	resp = f.do(t, http.MethodGet, "/v1/due?user=u1&season=fall", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/v1/seasons/fall/auto-archive", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[types.Season](t, resp).AutoArchive)

	resp = f.do(t, http.MethodPost, "/v1/seasons/fall/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[archive.Result](t, resp)
	assert.Equal(t, "fall", res.Season)
	assert.Equal(t, 0, res.HotLeft)

	resp = f.do(t, http.MethodGet, "/v1/seasons?status=archived", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	seasons := decode[[]types.Season](t, resp)
	require.Len(t, seasons, 1)
	assert.Equal(t, "fall", seasons[0].Name)

	resp = f.do(t, http.MethodGet, "/v1/seasons?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/retention/flag", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[map[string]int](t, resp)["flagged"])

	resp = f.do(t, http.MethodPost, "/v1/retention/purge?confirm=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[map[string]int](t, resp)["purged"])
}

func TestServer_Rename(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{})
	resp := f.do(t, http.MethodPost, "/v1/seasons", map[string]any{"name": "fal"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/seasons/fal/rename", map[string]any{"new_name": "fall"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fall", decode[types.Season](t, resp).Name)

	resp = f.do(t, http.MethodGet, "/v1/seasons/fal", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/seasons/fall/rename", map[string]any{"new_name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_StatusAndReconcile(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{})
	f.activeSeason(t, "fall")

	resp := f.do(t, http.MethodPost, "/v1/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[reconcile.Report](t, resp)
	assert.Equal(t, 0, report.Discrepancies)

	resp = f.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[engine.Status](t, resp)
	assert.True(t, st.Cache.Connected)
	assert.False(t, st.SafeMode)
	require.NotNil(t, st.LastReconcile)
	assert.Contains(t, st.QueueDepth, queue.QueuePersistence)
}

func TestServer_AdminToken(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{AdminToken: "s3cret"})

	resp := f.do(t, http.MethodGet, "/v1/seasons", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/seasons", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/seasons", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Client routes stay open.
	resp = f.do(t, http.MethodGet, "/v1/due?season=fall", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_APIRateLimit(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{APIRatePerSec: 0.001, APIBurst: 1})

	resp := f.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", decode[errorBody](t, resp).Code)
}

func TestServer_RecentAlerts(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{})
	alert := notify.New(notify.KindReconciliation, notify.SeverityWarning, "drift", nil)
	require.NoError(t, f.alerts.Notify(context.Background(), alert))

	resp := f.do(t, http.MethodGet, "/v1/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	alerts := decode[[]notify.Alert](t, resp)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.ID, alerts[0].ID)
}

func TestServer_AlertStream(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.url, "http")+"/v1/alerts/stream", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	alert := notify.New(notify.KindPersistenceExhausted, notify.SeverityCritical, "job exhausted",
		map[string]any{"job_id": "j1"})
	require.NoError(t, f.alerts.Notify(ctx, alert))

	var got notify.Alert
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, alert.ID, got.ID)
	assert.Equal(t, notify.KindPersistenceExhausted, got.Kind)
	assert.Equal(t, "j1", got.Data["job_id"])
}

func TestServer_AlertStreamRejectsForeignOrigin(t *testing.T) {
	f := startTestServer(t, config.ServerConfig{AllowedOrigins: []string{"localhost:7373"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.url, "http")+"/v1/alerts/stream", &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNew_RequiresEngineAndSeasons(t *testing.T) {
	_, err := server.New(server.Deps{}, config.ServerConfig{}, nil)
	assert.Error(t, err)
}
