package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/signal"
	"chartink-webhook-go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestManager returns a storage manager backed by a private in-memory
// SQLite tier.
func newTestManager(t *testing.T) *storage.Manager {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	cfg := config.Storage{SafetyMargin: 100 * time.Millisecond, Firebase: config.Firebase{Root: "chartink"}}
	tier := storage.NewSQLiteTier(config.SQLite{DSN: dsn}, zap.NewNop())
	return storage.NewManager(cfg, storage.NewEmergencyQueue(10), zap.NewNop(),
		storage.Binding{Tier: tier, InitTimeout: 2 * time.Second, WriteTimeout: 2 * time.Second})
}

func setupAPI(t *testing.T, runner AccountRunner, accounts ...config.Account) (*APIServer, http.Handler) {
	t.Helper()
	manager := newTestManager(t)
	cfg := config.Config{Webhook: testWebhookConfig(), Server: config.Server{Port: 0, ReadCacheTTL: time.Minute}}
	orch := NewOrchestrator(cfg.Webhook, accounts, signal.NewEvaluator(testSignals()), runner, manager, zap.NewNop())
	s := NewAPIServer(cfg, orch, manager, zap.NewNop())
	return s, s.Handler()
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestWebhookHandler_StoresAlert(t *testing.T) {
	_, h := setupAPI(t, &MockRunner{})

	w := serve(h, http.MethodPost, "/webhook", `{"alert_name":"Volume spike","scan_name":"Intraday","stocks":"INFY,TCS","trigger_prices":"1670,3300"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp Response
	decode(t, w, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, config.TierSQLite, resp.Storage.Tier)
	assert.Equal(t, resp.ID, w.Header().Get("X-Webhook-ID"))
	assert.True(t, strings.HasSuffix(w.Header().Get("X-Processing-Time"), "ms"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebhookHandler_Rejections(t *testing.T) {
	_, h := setupAPI(t, &MockRunner{})

	t.Run("preflight", func(t *testing.T) {
		w := serve(h, http.MethodOptions, "/webhook", "")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	})

	t.Run("wrong method", func(t *testing.T) {
		w := serve(h, http.MethodGet, "/webhook", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Equal(t, "POST, OPTIONS", w.Header().Get("Allow"))
	})

	t.Run("malformed json", func(t *testing.T) {
		w := serve(h, http.MethodPost, "/webhook", `{"stocks":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not an object", func(t *testing.T) {
		w := serve(h, http.MethodPost, "/webhook", `["INFY"]`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("declared length too large", func(t *testing.T) {
		body := `{"stocks":"` + strings.Repeat("A", 11*1024) + `"}`
		w := serve(h, http.MethodPost, "/webhook", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("streamed body too large", func(t *testing.T) {
		body := `{"stocks":"` + strings.Repeat("A", 11*1024) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestWebhookHandler_PanicBecomes500(t *testing.T) {
	runner := &MockRunner{}
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("unexpected") })
	_, h := setupAPI(t, runner, validAccount)

	w := serve(h, http.MethodPost, "/webhook", `{"alert_name":"CE-23.1 X","stocks":"INFY"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Processing failed")
}

func TestWebhookHandler_PanicNearDeadlineBecomes504(t *testing.T) {
	runner := &MockRunner{}
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("unexpected") })
	s, h := setupAPI(t, runner, validAccount)

	t0 := time.Now()
	calls := 0
	s.now = func() time.Time {
		calls++
		if calls == 1 {
			return t0
		}
		return t0.Add(9950 * time.Millisecond)
	}

	w := serve(h, http.MethodPost, "/webhook", `{"alert_name":"CE-23.1 X","stocks":"INFY"}`)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "Processing timeout")
}

func TestReadHandler(t *testing.T) {
	_, h := setupAPI(t, &MockRunner{})
	w := serve(h, http.MethodPost, "/webhook", `{"alert_name":"Volume spike","scan_name":"Intraday Breakout","stocks":"INFY, TCS","trigger_prices":"1670,3300"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var stored Response
	decode(t, w, &stored)
	serve(h, http.MethodPost, "/webhook", `{"alert_name":"Other","scan_name":"Reversal","stocks":"SBIN"}`)

	query := fmt.Sprintf(`{"date":%q,"scan_name":"breakout","symbol":"tcs"}`, stored.DateDirectory)

	w = serve(h, http.MethodPost, "/api/read", query)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Success bool             `json:"success"`
		Source  string           `json:"source"`
		Count   int              `json:"count"`
		Total   int              `json:"total"`
		Cached  bool             `json:"cached"`
		Data    []map[string]any `json:"data"`
	}
	decode(t, w, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, config.TierSQLite, resp.Source)
	assert.Equal(t, 2, resp.Total)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, float64(2), resp.Data[0]["stocks_count"])
	assert.False(t, resp.Cached)

	w = serve(h, http.MethodPost, "/api/read", query)
	decode(t, w, &resp)
	assert.True(t, resp.Cached)

	t.Run("bad date", func(t *testing.T) {
		w := serve(h, http.MethodPost, "/api/read", `{"date":"2025-12-09"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = serve(h, http.MethodPost, "/api/read", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		w := serve(h, http.MethodGet, "/api/read", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestDatesHandler(t *testing.T) {
	_, h := setupAPI(t, &MockRunner{})
	w := serve(h, http.MethodPost, "/webhook", `{"stocks":"INFY"}`)
	var stored Response
	decode(t, w, &stored)

	w = serve(h, http.MethodGet, "/api/dates", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Dates []string `json:"dates"`
	}
	decode(t, w, &resp)
	assert.Equal(t, []string{stored.DateDirectory}, resp.Dates)
}

func TestStatusHandler(t *testing.T) {
	_, h := setupAPI(t, &MockRunner{}, validAccount, invalidAccount)

	w := serve(h, http.MethodGet, "/api/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResponse
	decode(t, w, &status)
	assert.NotEmpty(t, status.UUID)
	assert.Equal(t, 1, status.Accounts)
	require.Len(t, status.Tiers, 1)
	assert.Equal(t, config.TierSQLite, status.Tiers[0].Tier)
	assert.True(t, status.Tiers[0].Connected)
	assert.Equal(t, 10, status.EmergencyQueue.Capacity)
}

func TestHealthAndMetrics(t *testing.T) {
	_, h := setupAPI(t, &MockRunner{})

	w := serve(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK\n", w.Body.String())

	serve(h, http.MethodPost, "/webhook", `{"stocks":"INFY"}`)
	w = serve(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "webhook_requests_total")
	assert.Contains(t, w.Body.String(), "storage_writes_total")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.RemoteAddr = "10.1.1.1:5555"
	assert.Equal(t, "10.1.1.1", clientIP(req))

	req.Header.Set("X-Real-IP", "10.2.2.2")
	assert.Equal(t, "10.2.2.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}
