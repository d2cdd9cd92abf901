package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/config"
	"fundarb/internal/apperr"
	"fundarb/internal/audit"
	"fundarb/internal/execution"
	"fundarb/internal/metrics"
	"fundarb/internal/model"
	"fundarb/logger"
)

type fakeExecutor struct {
	mu       sync.Mutex
	registry *execution.Registry
	shutdown bool
	openErr  error
	opened   []execution.OpenRequest
	closed   []string
}

func (f *fakeExecutor) Open(_ context.Context, req execution.OpenRequest) (model.TradeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, req)
	if f.openErr != nil {
		return model.TradeState{}, f.openErr
	}
	t := newTrade(req.Symbol, model.StateComplete)
	f.registry.Add(t)
	return t.Snapshot(), nil
}

func (f *fakeExecutor) Close(_ context.Context, id, reason string, _ bool) (model.TradeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.registry.Get(id)
	if !ok {
		return model.TradeState{}, fmt.Errorf("%w: %s", execution.ErrTradeNotFound, id)
	}
	f.closed = append(f.closed, reason)
	t.Update(func(s *model.TradeState) {
		s.Status = model.StateClosed
		s.CloseReason = reason
	})
	return t.Snapshot(), nil
}

func (f *fakeExecutor) Registry() *execution.Registry { return f.registry }
func (f *fakeExecutor) ShuttingDown() bool            { return f.shutdown }

func newTrade(symbol string, status model.ExecState) *model.Trade {
	t := model.NewTrade(symbol, decimal.NewFromInt(1),
		model.Leg{Venue: "alpha", Side: model.SideBuy},
		model.Leg{Venue: "beta", Side: model.SideSell},
		time.Now())
	t.Update(func(s *model.TradeState) { s.Status = status })
	return t
}

func newTestServer(t *testing.T) (*Server, *gin.Engine, *fakeExecutor, *audit.Recorder) {
	t.Helper()
	log := logger.Logger()
	log.SetOutput(io.Discard)
	exec := &fakeExecutor{registry: execution.NewRegistry()}
	rec := audit.NewRecorder(50)

	srv, err := NewServer(config.OpsConfig{Enabled: true, ListenAddr: ":9000", LogBuffer: 20},
		config.AppConfig{Name: "fundarb", Version: "test", DryRun: true}, exec, rec, log)
	require.NoError(t, err)
	require.NotNil(t, srv)
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter()
	require.NoError(t, err)
	return srv, router, exec, rec
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}

func decode(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.OpsConfig{}, config.AppConfig{}, nil, nil, logger.GetLogger())
	require.NoError(t, err)
	assert.Nil(t, srv)
	assert.Empty(t, srv.Address())
}

func TestHealthz(t *testing.T) {
	srv, router, exec, _ := newTestServer(t)
	assert.Equal(t, "0.0.0.0:9000", srv.Address())
	exec.registry.Add(newTrade("ETH", model.StateFailed))

	res := do(router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, res.Code)
	body := decode(t, res)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["open_trades"])
	assert.EqualValues(t, 1, body["failed_trades"])

	exec.shutdown = true
	res = do(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
	assert.Equal(t, "shutting_down", decode(t, res)["status"])
}

func TestTradesEndpoints(t *testing.T) {
	_, router, exec, _ := newTestServer(t)
	live := newTrade("ETH", model.StateComplete)
	closing := newTrade("BTC", model.StateClosing)
	exec.registry.Add(live)
	exec.registry.Add(closing)

	res := do(router, http.MethodGet, "/trades", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decode(t, res)["trades"], 2)

	res = do(router, http.MethodGet, "/trades?status=closing", "")
	trades := decode(t, res)["trades"].([]any)
	require.Len(t, trades, 1)
	assert.Equal(t, closing.ID, trades[0].(map[string]any)["id"])

	res = do(router, http.MethodGet, "/trades/"+live.ID, "")
	require.Equal(t, http.StatusOK, res.Code)
	trade := decode(t, res)["trade"].(map[string]any)
	assert.Equal(t, "ETH", trade["symbol"])
	assert.Equal(t, "COMPLETE", trade["status"])

	res = do(router, http.MethodGet, "/trades/missing", "")
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestOpenTrade(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		openErr error
		want    int
	}{
		{"created", `{"symbol":"ETH","qty":"0.5","maker_venue":"alpha","hedge_venue":"beta","maker_side":"BUY"}`, nil, http.StatusCreated},
		{"missing symbol", `{"qty":"0.5","maker_venue":"alpha","hedge_venue":"beta","maker_side":"BUY"}`, nil, http.StatusBadRequest},
		{"malformed", `{"symbol":`, nil, http.StatusBadRequest},
		{"symbol busy", `{"symbol":"ETH","qty":"1","maker_venue":"alpha","hedge_venue":"beta","maker_side":"SELL"}`, execution.ErrSymbolBusy, http.StatusConflict},
		{"rejected", `{"symbol":"ETH","qty":"1","maker_venue":"alpha","hedge_venue":"beta","maker_side":"SELL"}`,
			apperr.Newf(apperr.OrderRejected, "open", "qty must be positive"), http.StatusBadRequest},
		{"shutting down", `{"symbol":"ETH","qty":"1","maker_venue":"alpha","hedge_venue":"beta","maker_side":"SELL"}`, execution.ErrShuttingDown, http.StatusServiceUnavailable},
		{"hedge failed", `{"symbol":"ETH","qty":"1","maker_venue":"alpha","hedge_venue":"beta","maker_side":"SELL"}`,
			apperr.Newf(apperr.HedgeFailure, "hedge", "unhedged"), http.StatusBadGateway},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, router, exec, _ := newTestServer(t)
			exec.openErr = c.openErr

			res := do(router, http.MethodPost, "/trades", c.body)
			assert.Equal(t, c.want, res.Code, res.Body.String())
			if c.want == http.StatusCreated {
				require.Len(t, exec.opened, 1)
				assert.True(t, exec.opened[0].Qty.Equal(decimal.RequireFromString("0.5")))
				assert.Equal(t, model.SideBuy, exec.opened[0].MakerSide)
				assert.Equal(t, 1, exec.registry.Len())
			}
		})
	}
}

func TestCloseTrade(t *testing.T) {
	_, router, exec, _ := newTestServer(t)
	tr := newTrade("ETH", model.StateComplete)
	exec.registry.Add(tr)

	res := do(router, http.MethodPost, "/trades/"+tr.ID+"/close", "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = do(router, http.MethodPost, "/trades/"+tr.ID+"/close", `{"reason":"rebalance"}`)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, []string{"manual", "rebalance"}, exec.closed)

	res = do(router, http.MethodPost, "/trades/nope/close", "")
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestEventsFilters(t *testing.T) {
	_, router, _, rec := newTestServer(t)
	ctx := context.Background()
	rec.Record(ctx, audit.Event{Type: audit.TypeGhostFill, TradeID: "t1", Symbol: "ETH"})
	rec.Record(ctx, audit.Event{Type: audit.TypeExitDecision, TradeID: "t2", Symbol: "BTC"})
	rec.Record(ctx, audit.Event{Type: audit.TypeExitDecision, TradeID: "t1", Symbol: "ETH"})

	res := do(router, http.MethodGet, "/events?limit=2", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decode(t, res)["events"], 2)

	res = do(router, http.MethodGet, "/events?trade_id=t1", "")
	evs := decode(t, res)["events"].([]any)
	require.Len(t, evs, 2)
	assert.Equal(t, string(audit.TypeGhostFill), evs[0].(map[string]any)["type"])

	res = do(router, http.MethodGet, "/events?type=exit_decision", "")
	assert.Len(t, decode(t, res)["events"], 2)

	res = do(router, http.MethodGet, "/events?trade_id=unknown", "")
	assert.Equal(t, []any{}, decode(t, res)["events"])
}

func TestLogsCapturesComponentLines(t *testing.T) {
	srv, router, _, _ := newTestServer(t)
	srv.log.WithComponent("supervisor").WithTrade("t9", "ETH").Warn("closing trade")
	srv.log.WithComponent("gate").Info("penalty")

	res := do(router, http.MethodGet, "/logs?component=supervisor", "")
	require.Equal(t, http.StatusOK, res.Code)
	logs := decode(t, res)["logs"].([]any)
	require.Len(t, logs, 1)
	line := logs[0].(map[string]any)
	assert.Equal(t, "closing trade", line["message"])
	assert.Equal(t, "t9", line["trade_id"])
	assert.Equal(t, "warning", line["level"])

	res = do(router, http.MethodGet, "/logs?trade_id=t9", "")
	assert.Len(t, decode(t, res)["logs"], 1)
}

func TestMetricsEndpoints(t *testing.T) {
	srv, router, _, _ := newTestServer(t)

	res := do(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, res.Code)

	srv.metricStore.handle(metrics.Metric{Timestamp: time.Now(), Component: "persistence", Name: "queue_depth", Value: 3, Type: "gauge"})
	res = do(router, http.MethodGet, "/metrics/recent", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, decode(t, res)["metrics"], 1)
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	exec := &fakeExecutor{registry: execution.NewRegistry()}
	log := logger.Logger()
	log.SetOutput(io.Discard)
	srv, err := NewServer(config.OpsConfig{Enabled: true, AllowOrigins: []string{"http://localhost:3000"}},
		config.AppConfig{}, exec, nil, log)
	require.NoError(t, err)
	t.Cleanup(srv.cleanup)
	router, err := srv.buildRouter()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	assert.Equal(t, "http://localhost:3000", res.Header().Get("Access-Control-Allow-Origin"))
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                      "127.0.0.1:8089",
		"  :9090  ":             "0.0.0.0:9090",
		"localhost":             "localhost:8089",
		"0.0.0.0:80":            "0.0.0.0:80",
		"[::1]:443":             "[::1]:443",
		"*:8080":                "0.0.0.0:8080",
		"http://10.0.0.5:8080":  "10.0.0.5:8080",
		"tcp://localhost:5050":  "localhost:5050",
		"https://ops.internal/": "ops.internal:8089",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeAddress(in), in)
	}
}

func TestRingKeepsNewest(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.snapshot(0))
	assert.Equal(t, []int{4, 5}, r.snapshot(2))
}
