package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cryptoworker/config"
	"cryptoworker/internal/metrics"
	"cryptoworker/internal/models"
	"cryptoworker/internal/twap"
	"cryptoworker/internal/venue"
	"cryptoworker/internal/worker"
	"cryptoworker/logger"
)

type fakeBackend struct {
	market  []venue.OrderRequest
	closes  []worker.CloseRequest
	twaps   []twap.Request
	cancels []string
	events  []models.Event
}

func (b *fakeBackend) Venues() []string { return []string{"bybit"} }

func (b *fakeBackend) Tickers(_ context.Context, id string) ([]models.Ticker, error) {
	if id != "bybit" {
		return nil, fmt.Errorf("%w: %s", venue.ErrUnknownVenue, id)
	}
	return []models.Ticker{{Symbol: "BTC/USDT:USDT", LastPrice: 100}}, nil
}

func (b *fakeBackend) Positions(context.Context) []models.Position {
	return []models.Position{{Exchange: "bybit", Symbol: "BTC/USDT:USDT", Side: models.SideLong, Size: 1}}
}
func (b *fakeBackend) Orders(context.Context) []models.Order     { return []models.Order{} }
func (b *fakeBackend) Balances(context.Context) []models.Balance { return []models.Balance{} }
func (b *fakeBackend) ClosedTrades(context.Context, int64) []models.ClosedTrade {
	return []models.ClosedTrade{}
}
func (b *fakeBackend) Connections() map[string]map[string]models.ConnectionState {
	return map[string]map[string]models.ConnectionState{"bybit": {"bybit/public-0": models.StateConnected}}
}

func (b *fakeBackend) PlaceMarketOrder(_ context.Context, id string, req venue.OrderRequest) ([]venue.OrderResult, error) {
	if req.Size <= 0 {
		return nil, venue.ErrInvalidSize
	}
	b.market = append(b.market, req)
	return []venue.OrderResult{{ID: "1", Symbol: req.Symbol, Side: req.Side, Size: req.Size}}, nil
}

func (b *fakeBackend) ClosePosition(_ context.Context, req worker.CloseRequest) ([]venue.OrderResult, error) {
	b.closes = append(b.closes, req)
	return []venue.OrderResult{{ID: "2", Symbol: req.Symbol}}, nil
}

func (b *fakeBackend) CancelOrder(_ context.Context, _, _, id string) error {
	b.cancels = append(b.cancels, id)
	return nil
}

func (b *fakeBackend) CancelAllOrders(context.Context, string, string) error {
	return fmt.Errorf("venue said no")
}

func (b *fakeBackend) SetLeverage(_ context.Context, _, _ string, leverage int) error {
	if leverage <= 0 {
		return venue.ErrInvalidLeverage
	}
	return nil
}

func (b *fakeBackend) StartTwap(req twap.Request) (models.TwapJob, error) {
	b.twaps = append(b.twaps, req)
	return models.TwapJob{ID: "job-1", Exchange: req.Exchange, Status: models.TwapActive}, nil
}

func (b *fakeBackend) CancelTwap(id string) (models.TwapJob, error) {
	return models.TwapJob{}, fmt.Errorf("%w: %s", twap.ErrJobNotFound, id)
}

func (b *fakeBackend) TwapJobs() []models.TwapJob { return []models.TwapJob{} }

// Subscribe replays the queued events and closes the stream.
func (b *fakeBackend) Subscribe() (<-chan models.Event, func()) {
	ch := make(chan models.Event, len(b.events))
	for _, e := range b.events {
		ch <- e
	}
	close(ch)
	return ch, func() {}
}

func newTestServer(t *testing.T, b *fakeBackend) (*Server, http.Handler) {
	t.Helper()
	srv, err := NewServer(config.ControlConfig{Enabled: true, MetricsHistory: 10, LogHistory: 10}, b, logger.Logger())
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	t.Cleanup(srv.cleanup)
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}
	return srv, router
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

// streamRecorder adds the close notification gin streams poll.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closed }

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                           "0.0.0.0:8080",
		"  :9090  ":                  "0.0.0.0:9090",
		"localhost":                  "localhost:8080",
		"0.0.0.0:80":                 "0.0.0.0:80",
		"[::1]:443":                  "[::1]:443",
		"::1":                        "[::1]:8080",
		"*:8080":                     "0.0.0.0:8080",
		"http://10.0.0.7:8080":       "10.0.0.7:8080",
		"https://10.0.0.7":           "10.0.0.7:8080",
		"http://:7070":               "0.0.0.0:7070",
		"tcp://localhost:5050":       "localhost:5050",
		"https://control.example.io": "control.example.io:8080",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.ControlConfig{}, &fakeBackend{}, logger.Logger())
	if err != nil || srv != nil {
		t.Fatalf("disabled control API: srv=%v err=%v", srv, err)
	}
	if srv.Address() != "" {
		t.Fatal("nil server should report no address")
	}
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("nil server Run: %v", err)
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	srv, err := NewServer(config.ControlConfig{Enabled: true, Address: ":9000"}, &fakeBackend{}, logger.Logger())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	defer srv.cleanup()
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
}

func TestTickersRoute(t *testing.T) {
	_, h := newTestServer(t, &fakeBackend{})

	res := do(h, http.MethodGet, "/api/tickers/bybit", "")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	var body struct {
		ExchangeID string          `json:"exchangeId"`
		Data       []models.Ticker `json:"data"`
		Count      int             `json:"count"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ExchangeID != "bybit" || body.Count != 1 || body.Data[0].LastPrice != 100 {
		t.Fatalf("unexpected body: %+v", body)
	}

	if res := do(h, http.MethodGet, "/api/tickers/kraken", ""); res.Code != http.StatusNotFound {
		t.Fatalf("unknown venue status = %d", res.Code)
	}
}

func TestMarketOrderRoute(t *testing.T) {
	b := &fakeBackend{}
	_, h := newTestServer(t, b)

	res := do(h, http.MethodPost, "/api/orders/market", `{"exchange":"bybit","symbol":"BTC/USDT:USDT","side":"buy","size":0.5}`)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", res.Code, res.Body.String())
	}
	if len(b.market) != 1 || b.market[0].Size != 0.5 || b.market[0].Side != models.SideBuy {
		t.Fatalf("unexpected order: %+v", b.market)
	}

	if res := do(h, http.MethodPost, "/api/orders/market", `{"exchange":"bybit","symbol":"BTC/USDT:USDT","side":"buy","size":0}`); res.Code != http.StatusBadRequest {
		t.Fatalf("zero size status = %d", res.Code)
	}
	if res := do(h, http.MethodPost, "/api/orders/market", `{"symbol":"BTC/USDT:USDT"}`); res.Code != http.StatusBadRequest {
		t.Fatalf("missing exchange status = %d", res.Code)
	}
}

func TestClosePositionDefaults(t *testing.T) {
	b := &fakeBackend{}
	_, h := newTestServer(t, b)

	if res := do(h, http.MethodPost, "/api/positions/close", `{"exchange":"bybit","symbol":"BTC/USDT:USDT"}`); res.Code != http.StatusOK {
		t.Fatalf("status = %d", res.Code)
	}
	if len(b.closes) != 1 || b.closes[0].Percentage != 100 || b.closes[0].OrderType != venue.OrderTypeMarket {
		t.Fatalf("unexpected close: %+v", b.closes)
	}

	if res := do(h, http.MethodPost, "/api/positions/close", `{"exchange":"bybit","symbol":"BTC/USDT:USDT","orderType":"limit"}`); res.Code != http.StatusBadRequest {
		t.Fatalf("limit close without price status = %d", res.Code)
	}
}

func TestCancelAndLeverageRoutes(t *testing.T) {
	b := &fakeBackend{}
	_, h := newTestServer(t, b)

	if res := do(h, http.MethodDelete, "/api/orders/bybit/42?symbol=BTC/USDT:USDT", ""); res.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d", res.Code)
	}
	if len(b.cancels) != 1 || b.cancels[0] != "42" {
		t.Fatalf("unexpected cancels: %v", b.cancels)
	}
	if res := do(h, http.MethodDelete, "/api/orders/bybit", ""); res.Code != http.StatusBadGateway {
		t.Fatalf("venue rejection status = %d", res.Code)
	}
	if res := do(h, http.MethodPost, "/api/leverage", `{"exchange":"bybit","symbol":"BTC/USDT:USDT","leverage":0}`); res.Code != http.StatusBadRequest {
		t.Fatalf("bad leverage status = %d", res.Code)
	}
	if res := do(h, http.MethodPost, "/api/leverage", `{"exchange":"bybit","symbol":"BTC/USDT:USDT","leverage":5}`); res.Code != http.StatusOK {
		t.Fatalf("leverage status = %d", res.Code)
	}
}

func TestTwapRoutes(t *testing.T) {
	b := &fakeBackend{}
	_, h := newTestServer(t, b)

	res := do(h, http.MethodPost, "/api/twap", `{"exchange":"bybit","symbol":"BTC/USDT:USDT","side":"buy","totalSize":1000,"ordersCount":5,"durationMinutes":10}`)
	if res.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", res.Code, res.Body.String())
	}
	if len(b.twaps) != 1 || b.twaps[0].Duration != 10*time.Minute || b.twaps[0].OrdersCount != 5 || b.twaps[0].TotalSize != 1000 {
		t.Fatalf("unexpected twap request: %+v", b.twaps)
	}
	if res := do(h, http.MethodDelete, "/api/twap/missing", ""); res.Code != http.StatusNotFound {
		t.Fatalf("cancel missing status = %d", res.Code)
	}
	if res := do(h, http.MethodGet, "/api/twap", ""); res.Code != http.StatusOK {
		t.Fatalf("list status = %d", res.Code)
	}
}

func TestEventsStreamAsSSE(t *testing.T) {
	b := &fakeBackend{events: []models.Event{
		{Type: models.EventConnected, ExchangeID: "bybit", Data: models.ConnectionStatus{Shard: "bybit/public-0", State: models.StateConnected}},
		{Type: models.EventTickers, ExchangeID: "bybit", Data: []models.Ticker{{Symbol: "BTC/USDT:USDT"}}, Count: 1},
	}}
	_, h := newTestServer(t, b)

	res := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool)}
	h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	body := res.Body.String()
	if !strings.Contains(body, "event:connected") || !strings.Contains(body, "event:tickers") {
		t.Fatalf("missing events in stream: %q", body)
	}
	if !strings.Contains(body, `"exchangeId":"bybit"`) {
		t.Fatalf("event payload not encoded: %q", body)
	}
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	srv, h := newTestServer(t, &fakeBackend{})
	metrics.EmitMetric(logger.Logger(), "aggregator", "tickers_flushed", 5, "counter", logger.Fields{"venue": "bybit"})

	if res := do(h, http.MethodGet, "/api/metrics", ""); res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatal("metrics store empty")
	}
	res := do(h, http.MethodGet, "/metrics", "")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "go_goroutines") {
		t.Fatalf("prometheus endpoint: %d", res.Code)
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", venue.ErrNoPosition), http.StatusNotFound},
		{twap.ErrInvalidJob, http.StatusBadRequest},
		{twap.ErrTooManyJobs, http.StatusTooManyRequests},
		{worker.ErrNotRunning, http.StatusServiceUnavailable},
		{venue.ErrNotConfigured, http.StatusPreconditionFailed},
		{fmt.Errorf("insufficient margin"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := statusOf(tc.err); got != tc.want {
			t.Fatalf("statusOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
