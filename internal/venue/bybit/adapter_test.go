package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoworker/config"
	"cryptoworker/internal/models"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/venue"
)

type recordingSink struct {
	fragments []models.TickerFragment
	accounts  []models.AccountUpdate
}

func (s *recordingSink) Fragment(f models.TickerFragment) { s.fragments = append(s.fragments, f) }
func (s *recordingSink) Account(u models.AccountUpdate)   { s.accounts = append(s.accounts, u) }

func TestParseTickerSnapshotAndDelta(t *testing.T) {
	a := New(config.VenueConfig{})

	snapshot := `{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1673272861686,"cs":24987956059,"data":{` +
		`"symbol":"BTCUSDT","tickDirection":"PlusTick","price24hPcnt":"0.017103","lastPrice":"17216.00",` +
		`"prevPrice24h":"16926.50","highPrice24h":"17281.50","lowPrice24h":"16915.00","markPrice":"17217.33",` +
		`"indexPrice":"17227.36","openInterest":"68744.761","turnover24h":"1570811.5","volume24h":"91705.276",` +
		`"nextFundingTime":"1673280000000","fundingRate":"-0.000212","bid1Price":"17215.50","bid1Size":"84.489",` +
		`"ask1Price":"17216.00","ask1Size":"83.020"}}`
	frags := a.ParseTickerFragment([]byte(snapshot))
	require.Len(t, frags, 1)
	f := frags[0]
	assert.Equal(t, "BTC/USDT:USDT", f.Symbol)
	assert.Equal(t, 17216.0, f.LastPrice)
	assert.Equal(t, 17215.5, f.BestBid)
	assert.Equal(t, 17216.0, f.BestAsk)
	assert.Equal(t, 16926.5, f.Price24h)
	assert.Equal(t, 91705.276, f.Volume24h)
	assert.Equal(t, -0.000212, f.FundingRate)
	assert.Equal(t, int64(1673280000000), f.NextFundingTime)

	delta := `{"topic":"tickers.BTCUSDT","type":"delta","ts":1673272861700,"data":{"symbol":"BTCUSDT","bid1Price":"17215.00"}}`
	frags = a.ParseTickerFragment([]byte(delta))
	require.Len(t, frags, 1)
	assert.Equal(t, models.FieldBestBid, frags[0].Set)
	assert.Equal(t, 17215.0, frags[0].BestBid)
}

func TestParseTickerIgnoresAcks(t *testing.T) {
	a := New(config.VenueConfig{})
	assert.Empty(t, a.ParseTickerFragment([]byte(`{"success":true,"ret_msg":"","conn_id":"x","req_id":"1","op":"subscribe"}`)))
	assert.Empty(t, a.ParseTickerFragment([]byte(`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","lastPrice":""}}`)))
	assert.Empty(t, a.ParseTickerFragment([]byte(`garbage`)))
}

func TestPong(t *testing.T) {
	assert.True(t, isPong([]byte(`{"success":true,"ret_msg":"pong","conn_id":"a","req_id":"","op":"ping"}`)))
	assert.True(t, isPong([]byte(`{"req_id":"","op":"pong","args":["1675418560633"],"conn_id":"b"}`)))
	assert.False(t, isPong([]byte(`{"topic":"tickers.BTCUSDT","data":{}}`)))
}

func TestSignature(t *testing.T) {
	frame := authFrame("key", "secret", time.UnixMilli(1700000000000-authWindow.Milliseconds()))
	require.Len(t, frame.Args, 3)
	assert.Equal(t, "key", frame.Args[0])
	assert.Equal(t, int64(1700000000000), frame.Args[1])
	assert.Equal(t, "9baf584ddf7a063dffe910d97ce4eac0cf7064058356de8b8d92f028e5ad936f", frame.Args[2])
	assert.NotEqual(t, sign("secret", 1700000000000), sign("other", 1700000000000))
}

func TestOrderTopicSplitsTPSL(t *testing.T) {
	a := New(config.VenueConfig{})
	raw := `{"id":"1","topic":"order","creationTime":1672364262474,"data":[` +
		`{"symbol":"ETHUSDT","orderId":"abc","side":"Sell","orderType":"Market","price":"0","qty":"1",` +
		`"orderStatus":"Untriggered","cumExecQty":"0","stopOrderType":"tpslOrder","triggerPrice":"0",` +
		`"takeProfit":"2100","stopLoss":"1800","reduceOnly":true,"updatedTime":"1672364262444"},` +
		`{"symbol":"ETHUSDT","orderId":"def","side":"Buy","orderType":"Limit","price":"1500","qty":"2",` +
		`"orderStatus":"Filled","cumExecQty":"2","stopOrderType":"","updatedTime":"1672364262445"}]}`

	update, err := a.parsePrivate([]byte(raw))
	require.NoError(t, err)
	require.Len(t, update.Orders, 3)
	assert.Equal(t, "abc_tp", update.Orders[0].ID)
	assert.Equal(t, 2100.0, update.Orders[0].TriggerPrice)
	assert.Equal(t, "abc_sl", update.Orders[1].ID)
	assert.Equal(t, 1800.0, update.Orders[1].TriggerPrice)
	assert.Equal(t, models.CategoryTPSL, update.Orders[1].Category)
	assert.Equal(t, "def", update.Orders[2].ID)
	assert.Equal(t, models.StatusClosed, update.Orders[2].Status)
	assert.Equal(t, models.CategoryRegular, update.Orders[2].Category)
}

func TestPositionTopicZeroSize(t *testing.T) {
	a := New(config.VenueConfig{})
	raw := `{"id":"2","topic":"position","creationTime":1,"data":[{"positionIdx":2,"tradeMode":0,"symbol":"BTCUSDT",` +
		`"side":"","size":"0","entryPrice":"0","leverage":"10","markPrice":"17000","liqPrice":"","unrealisedPnl":"0"}]}`

	update, err := a.parsePrivate([]byte(raw))
	require.NoError(t, err)
	require.Len(t, update.Positions, 1)
	assert.True(t, update.Positions[0].Closed())
	assert.Equal(t, models.SideShort, update.Positions[0].Side)
}

func TestWalletAndExecutionTopics(t *testing.T) {
	a := New(config.VenueConfig{})
	wallet := `{"id":"3","topic":"wallet","creationTime":5,"data":[{"accountType":"UNIFIED",` +
		`"totalEquity":"1000","totalWalletBalance":"990","totalAvailableBalance":"600"}]}`
	update, err := a.parsePrivate([]byte(wallet))
	require.NoError(t, err)
	require.NotNil(t, update.Balance)
	assert.Equal(t, 1000.0, update.Balance.Total)
	assert.Equal(t, 400.0, update.Balance.Used)

	exec := `{"id":"4","topic":"execution","creationTime":6,"data":[{"symbol":"BTCUSDT","orderId":"o1","execId":"e1",` +
		`"side":"Sell","execPrice":"101","execQty":"2","execFee":"0.1","execType":"Trade","closedSize":"2",` +
		`"execPnl":"2","execTime":"6"},{"symbol":"BTCUSDT","execType":"Funding","execQty":"0"}]}`
	update, err = a.parsePrivate([]byte(exec))
	require.NoError(t, err)
	require.Len(t, update.Fills, 1)
	assert.True(t, update.Fills[0].HasPnl)
	assert.Equal(t, 2.0, update.Fills[0].RealizedPnl)
}

func TestPublicShards(t *testing.T) {
	a := New(config.VenueConfig{MaxSubscriptionsPerConn: 2, MaxTopicsPerRequest: 10})
	specs, err := a.PublicShards([]string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, "10.0.0.2", &recordingSink{})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, []string{"tickers.BTCUSDT", "tickers.ETHUSDT"}, specs[0].Topics)
	assert.Equal(t, "bybit/public-1@10.0.0.2", specs[1].Key)
	assert.Equal(t, `{"op":"ping"}`, string(specs[0].Ping()))

	payload, err := specs[0].EncodeSubscribe(specs[0].Topics)
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &frame))
	assert.Equal(t, "subscribe", frame["op"])
	assert.Len(t, frame["args"], 2)
}

// authServer answers the first auth op with the given success flag.
func authServer(t *testing.T, success bool) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame opFrame
		if json.Unmarshal(msg, &frame) != nil || frame.Op != "auth" {
			return
		}
		retMsg := ""
		if !success {
			retMsg = "Params Error"
		}
		_ = ws.WriteJSON(map[string]interface{}{"success": success, "ret_msg": retMsg, "op": "auth", "conn_id": "c"})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestPrivateShardAuthFailureIsFatal(t *testing.T) {
	srv := authServer(t, false)
	defer srv.Close()

	a := New(config.VenueConfig{Private: true, APIKey: "k", APISecret: "s",
		PrivateURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	spec, ok, err := a.PrivateShard(&recordingSink{})
	require.NoError(t, err)
	require.True(t, ok)

	changes := make(chan stream.StateChange, 16)
	sup := stream.NewSupervisor(config.VenueBybit, stream.Options{
		Backoff: stream.Backoff{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
	}, func(c stream.StateChange) { changes <- c })
	require.NoError(t, sup.Add(spec))
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.To == models.StateError {
				assert.True(t, c.Fatal)
				assert.True(t, errors.Is(c.Err, stream.ErrAuthFailed))
				return
			}
		case <-deadline:
			t.Fatal("no fatal error transition")
		}
	}
}

func TestPrivateShardAuthSuccess(t *testing.T) {
	srv := authServer(t, true)
	defer srv.Close()

	a := New(config.VenueConfig{Private: true, APIKey: "k", APISecret: "s",
		PrivateURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	spec, _, err := a.PrivateShard(&recordingSink{})
	require.NoError(t, err)

	changes := make(chan stream.StateChange, 16)
	sup := stream.NewSupervisor(config.VenueBybit, stream.Options{}, func(c stream.StateChange) { changes <- c })
	require.NoError(t, sup.Add(spec))
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			require.NotEqual(t, models.StateError, c.To)
			if c.To == models.StateConnected {
				return
			}
		case <-deadline:
			t.Fatal("private shard never connected")
		}
	}
}

func TestStatusAndSides(t *testing.T) {
	assert.Equal(t, models.StatusCanceled, orderStatus("Deactivated"))
	assert.Equal(t, models.StatusClosed, orderStatus("Filled"))
	assert.Equal(t, models.StatusOpen, orderStatus("Untriggered"))
	assert.Equal(t, models.CategoryAlgo, orderCategory("TrailingStop"))
	assert.Equal(t, models.SideLong, positionSide("", 1))
	assert.Equal(t, models.SideShort, positionSide("Sell", 0))
	assert.Equal(t, 2, positionIdx(models.SideShort))
}

func TestPlaceMarketOrderHedgeModeSendsPositionIdx(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/create" {
			http.NotFound(w, r)
			return
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"1","orderLinkId":"cw1"},"retExtInfo":{},"time":1}`))
	}))
	defer srv.Close()

	a := New(config.VenueConfig{RestURL: srv.URL, APIKey: "k", APISecret: "s", HedgeMode: true})
	a.Catalog.Replace(venue.Instruments{
		"BTC/USDT:USDT": {Symbol: "BTC/USDT:USDT", NativeID: "BTCUSDT", LotStep: 0.001, MinQty: 0.001},
	})

	for _, side := range []models.OrderSide{models.SideBuy, models.SideSell} {
		_, err := a.PlaceMarketOrder(context.Background(), venue.OrderRequest{Symbol: "BTC/USDT:USDT", Side: side, Size: 0.01})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, "Buy", bodies[0]["side"])
	assert.EqualValues(t, 1, bodies[0]["positionIdx"])
	assert.Equal(t, "Sell", bodies[1]["side"])
	assert.EqualValues(t, 2, bodies[1]["positionIdx"])
	_, reduce := bodies[1]["reduceOnly"]
	assert.False(t, reduce)
}

func openOrder(id string) string {
	return `{"orderId":"` + id + `","orderLinkId":"","symbol":"BTCUSDT","side":"Buy","orderType":"Limit","qty":"0.01",` +
		`"price":"30000","cumExecQty":"0","orderStatus":"New","reduceOnly":false,"stopOrderType":"","updatedTime":"1"}`
}

func TestFetchOrdersFollowsCursor(t *testing.T) {
	var mu sync.Mutex
	var cursors []string
	failSecondPage := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/realtime" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		mu.Lock()
		cursors = append(cursors, q.Get("settleCoin")+"/"+q.Get("cursor"))
		fail := failSecondPage
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case q.Get("settleCoin") == "USDT" && q.Get("cursor") == "":
			_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[` + openOrder("1") + `,` + openOrder("2") +
				`],"nextPageCursor":"page2"},"time":1}`))
		case q.Get("settleCoin") == "USDT" && q.Get("cursor") == "page2" && fail:
			_, _ = w.Write([]byte(`{"retCode":10006,"retMsg":"Too many visits","result":{},"time":1}`))
		case q.Get("settleCoin") == "USDT" && q.Get("cursor") == "page2":
			_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[` + openOrder("3") + `],"nextPageCursor":""},"time":1}`))
		default:
			_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[],"nextPageCursor":""},"time":1}`))
		}
	}))
	defer srv.Close()

	a := New(config.VenueConfig{RestURL: srv.URL, APIKey: "k", APISecret: "s"})
	orders := a.FetchOrders(context.Background())
	require.Len(t, orders, 3)
	ids := []string{orders[0].ID, orders[1].ID, orders[2].ID}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	mu.Lock()
	assert.Equal(t, []string{"USDT/", "USDT/page2", "USDC/"}, cursors)
	failSecondPage = true
	mu.Unlock()

	// a truncated list must not pass for the full open order set
	assert.Nil(t, a.FetchOrders(context.Background()))
}
