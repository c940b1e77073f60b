package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoworker/config"
	"cryptoworker/internal/models"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/venue"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testAddress(t *testing.T) common.Address {
	key, err := crypto.HexToECDSA(testKey[2:])
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey)
}

func recoverSigner(t *testing.T, action interface{}, nonce int64, mainnet bool, sig Signature) common.Address {
	hash, err := actionHash(action, nonce, "")
	require.NoError(t, err)
	source := sourceTestnet
	if mainnet {
		source = sourceMainnet
	}
	digest, err := typedDataDigest(agentTypedData(source, hash))
	require.NoError(t, err)
	r, err := hexutil.Decode(sig.R)
	require.NoError(t, err)
	s, err := hexutil.Decode(sig.S)
	require.NoError(t, err)
	pub, err := crypto.SigToPub(digest, append(append(r, s...), byte(sig.V-27)))
	require.NoError(t, err)
	return crypto.PubkeyToAddress(*pub)
}

func TestSignActionRecoversAddress(t *testing.T) {
	s, err := newSigner(testKey, true)
	require.NoError(t, err)
	assert.Equal(t, testAddress(t), s.address)

	action := orderAction{Type: "order", Grouping: "na", Orders: []orderWire{{
		Asset: 3, IsBuy: true, Price: "68251", Size: "0.01",
		Type: orderType{Limit: limitOrder{Tif: "Ioc"}},
	}}}
	sig, err := s.signAction(action, 1700000000000, "")
	require.NoError(t, err)
	assert.Contains(t, []int{27, 28}, sig.V)
	assert.Equal(t, s.address, recoverSigner(t, action, 1700000000000, true, sig))

	testnet, err := newSigner(testKey, false)
	require.NoError(t, err)
	other, err := testnet.signAction(action, 1700000000000, "")
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)

	_, err = newSigner("not-a-key", true)
	assert.Error(t, err)
}

func TestActionHashCoversNonceAndVault(t *testing.T) {
	action := cancelAction{Type: "cancel", Cancels: []cancelWire{{Asset: 0, Oid: 42}}}
	h1, err := actionHash(action, 1, "")
	require.NoError(t, err)
	h2, err := actionHash(action, 2, "")
	require.NoError(t, err)
	h3, err := actionHash(action, 1, "0x000000000000000000000000000000000000dEaD")
	require.NoError(t, err)
	assert.Len(t, h1, 32)
	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestPriceRounding(t *testing.T) {
	assert.Equal(t, 68251.0, slippagePrice(65000.5, models.SideBuy, 5))
	assert.Equal(t, 61750.0, slippagePrice(65000.5, models.SideSell, 5))
	assert.Equal(t, 0.12346, roundPrice(0.123456789, 0))
	assert.Equal(t, 1.2346, roundPrice(1.234567, 2))
	assert.Equal(t, 0.001, roundPrice(0.0012345678, 3))

	assert.Equal(t, "0.01", wireNumber(0.01))
	assert.Equal(t, "68251", wireNumber(68251))
	assert.Equal(t, "1.5", wireNumber(1.50))
	assert.Equal(t, "0", wireNumber(0))
}

func TestNonceIsMonotonic(t *testing.T) {
	a := New(config.VenueConfig{})
	fixed := time.UnixMilli(1700000000000)
	a.now = func() time.Time { return fixed }
	n1 := a.nextNonce()
	n2 := a.nextNonce()
	assert.Equal(t, int64(1700000000000), n1)
	assert.Equal(t, n1+1, n2)
}

type capture struct {
	mu      sync.Mutex
	actions []map[string]interface{}
	signers []common.Address
}

// venueServer answers /info by request type and records signed /exchange
// actions together with the address that signed them.
func venueServer(t *testing.T, info map[string]string, exchange string, c *capture) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/info":
			var req map[string]interface{}
			require.NoError(t, json.Unmarshal(body, &req))
			key, _ := req["type"].(string)
			if dex, ok := req["dex"].(string); ok {
				key += ":" + dex
			}
			reply, ok := info[key]
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write([]byte(reply))
		case "/exchange":
			var req struct {
				Action    json.RawMessage `json:"action"`
				Nonce     int64           `json:"nonce"`
				Signature Signature       `json:"signature"`
			}
			require.NoError(t, json.Unmarshal(body, &req))
			var head struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(req.Action, &head))
			var action interface{}
			switch head.Type {
			case "order":
				action = &orderAction{}
			case "cancel":
				action = &cancelAction{}
			case "updateLeverage":
				action = &leverageAction{}
			}
			require.NotNil(t, action)
			require.NoError(t, json.Unmarshal(req.Action, action))
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(req.Action, &m))
			c.mu.Lock()
			c.actions = append(c.actions, m)
			c.signers = append(c.signers, recoverSigner(t, action, req.Nonce, true, req.Signature))
			c.mu.Unlock()
			_, _ = w.Write([]byte(exchange))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

var universeInfo = map[string]string{
	"meta": `{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":40},{"name":"ETH","szDecimals":4,"maxLeverage":25},` +
		`{"name":"OLD","szDecimals":0,"maxLeverage":3,"isDelisted":true}]}`,
	"perpDexs": `[null,{"name":"xyz","full_name":"XYZ"}]`,
	"meta:xyz": `{"universe":[{"name":"xyz:TSLA","szDecimals":3,"maxLeverage":10}]}`,
	"allMids":  `{"BTC":"65000.5","ETH":"3500"}`,
}

func withUniverse(extra map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range universeInfo {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func TestLoadInstrumentsWithBuilderDex(t *testing.T) {
	srv := venueServer(t, universeInfo, "", &capture{})
	defer srv.Close()

	a := New(config.VenueConfig{RestURL: srv.URL})
	insts, err := a.LoadInstruments(context.Background())
	require.NoError(t, err)

	assert.Len(t, insts, 3)
	assert.NotContains(t, insts, "OLD/USDC:USDC")
	btc := insts["BTC/USDC:USDC"]
	assert.Equal(t, "BTC", btc.NativeID)
	assert.Equal(t, 0.00001, btc.LotStep)
	assert.Equal(t, 40.0, btc.MaxLeverage)

	tsla, ok := insts["xyz-TSLA/USDC:USDC"]
	require.True(t, ok)
	assert.Equal(t, "xyz:TSLA", tsla.NativeID)

	asset, ok := a.codec.Asset("xyz:TSLA")
	require.True(t, ok)
	assert.Equal(t, 110000, asset.Index)
	old, ok := a.codec.Asset("OLD")
	require.True(t, ok)
	assert.Equal(t, 2, old.Index)
	assert.Equal(t, []string{"", "xyz"}, a.builderDexes())
}

func TestPlaceMarketOrderSignsIOC(t *testing.T) {
	c := &capture{}
	srv := venueServer(t, universeInfo,
		`{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"totalSz":"0.01","avgPx":"65010.0","oid":77}}]}}}`, c)
	defer srv.Close()

	a := New(config.VenueConfig{RestURL: srv.URL, PrivateKey: testKey})
	_, err := a.LoadInstruments(context.Background())
	require.NoError(t, err)

	res, err := a.PlaceMarketOrder(context.Background(), venue.OrderRequest{Symbol: "BTC/USDC:USDC", Side: models.SideBuy, Size: 0.01})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "77", res[0].ID)
	assert.Equal(t, string(models.StatusClosed), res[0].Status)
	assert.Equal(t, 65010.0, res[0].Price)

	require.Len(t, c.actions, 1)
	assert.Equal(t, testAddress(t), c.signers[0])
	order := c.actions[0]["orders"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(0), order["a"])
	assert.Equal(t, true, order["b"])
	assert.Equal(t, "68251", order["p"])
	assert.Equal(t, "0.01", order["s"])
	assert.Equal(t, map[string]interface{}{"limit": map[string]interface{}{"tif": "Ioc"}}, order["t"])
	assert.Len(t, order["c"], 34)
	assert.Equal(t, "na", c.actions[0]["grouping"])
}

func TestExchangeErrors(t *testing.T) {
	for name, reply := range map[string]string{
		"status err": `{"status":"err","response":"User or API Wallet does not exist."}`,
		"item error": `{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Order must have minimum value of $10."}]}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := venueServer(t, universeInfo, reply, &capture{})
			defer srv.Close()

			a := New(config.VenueConfig{RestURL: srv.URL, PrivateKey: testKey})
			_, err := a.LoadInstruments(context.Background())
			require.NoError(t, err)
			_, err = a.PlaceMarketOrder(context.Background(), venue.OrderRequest{Symbol: "ETH/USDC:USDC", Side: models.SideSell, Size: 0.001})
			require.Error(t, err)
			var apiErr *APIError
			assert.True(t, errors.As(err, &apiErr))
		})
	}
}

func TestTradingNeedsKey(t *testing.T) {
	a := New(config.VenueConfig{AccountAddress: "0x000000000000000000000000000000000000dEaD"})
	_, err := a.PlaceMarketOrder(context.Background(), venue.OrderRequest{Symbol: "BTC/USDC:USDC", Side: models.SideBuy, Size: 1})
	assert.ErrorIs(t, err, venue.ErrNotConfigured)

	bad := New(config.VenueConfig{PrivateKey: "zz"})
	assert.ErrorIs(t, bad.SetLeverage(context.Background(), "BTC/USDC:USDC", 5), venue.ErrNotConfigured)
}

func TestCancelAllOrdersFiltersBySymbol(t *testing.T) {
	c := &capture{}
	srv := venueServer(t, withUniverse(map[string]string{
		"frontendOpenOrders": `[{"coin":"BTC","side":"B","limitPx":"60000","sz":"0.1","origSz":"0.1","oid":1,"timestamp":1},` +
			`{"coin":"ETH","side":"A","limitPx":"4000","sz":"1","origSz":"1","oid":2,"timestamp":2}]`,
	}), `{"status":"ok","response":{"type":"cancel","data":{"statuses":["success"]}}}`, c)
	defer srv.Close()

	a := New(config.VenueConfig{RestURL: srv.URL, PrivateKey: testKey})
	_, err := a.LoadInstruments(context.Background())
	require.NoError(t, err)

	require.NoError(t, a.CancelAllOrders(context.Background(), "ETH/USDC:USDC"))
	require.Len(t, c.actions, 1)
	assert.Equal(t, []interface{}{map[string]interface{}{"a": float64(1), "o": float64(2)}}, c.actions[0]["cancels"])

	require.NoError(t, a.SetLeverage(context.Background(), "BTC/USDC:USDC", 10))
	require.Len(t, c.actions, 2)
	assert.Equal(t, "updateLeverage", c.actions[1]["type"])
	assert.Equal(t, true, c.actions[1]["isCross"])
	assert.Equal(t, float64(10), c.actions[1]["leverage"])
}

func TestSnapshots(t *testing.T) {
	srv := venueServer(t, withUniverse(map[string]string{
		"clearinghouseState": `{"marginSummary":{"accountValue":"1000.5","totalMarginUsed":"200"},"withdrawable":"700.5","time":1700000000000,` +
			`"assetPositions":[{"type":"oneWay","position":{"coin":"ETH","szi":"-2.0","entryPx":"3500","positionValue":"7200",` +
			`"unrealizedPnl":"-200","liquidationPx":null,"marginUsed":"720","leverage":{"type":"cross","value":10}}},` +
			`{"type":"oneWay","position":{"coin":"BTC","szi":"0.0","entryPx":null,"positionValue":"0","unrealizedPnl":"0",` +
			`"marginUsed":"0","leverage":{"type":"cross","value":20}}}]}`,
		"clearinghouseState:xyz": `{"marginSummary":{"accountValue":"0"},"withdrawable":"0","assetPositions":[]}`,
		"frontendOpenOrders": `[{"coin":"BTC","side":"A","limitPx":"70000","sz":"0.05","origSz":"0.1","oid":9,"timestamp":5,` +
			`"orderType":"Limit","isTrigger":false,"reduceOnly":false},` +
			`{"coin":"BTC","side":"A","limitPx":"55000","sz":"0.1","origSz":"0.1","oid":10,"timestamp":6,` +
			`"orderType":"Stop Market","triggerPx":"56000","isTrigger":true,"reduceOnly":true}]`,
	}), "", &capture{})
	defer srv.Close()

	a := New(config.VenueConfig{RestURL: srv.URL, AccountAddress: "0x000000000000000000000000000000000000dEaD"})
	_, err := a.LoadInstruments(context.Background())
	require.NoError(t, err)

	positions := a.FetchPositions(context.Background())
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "ETH/USDC:USDC", p.Symbol)
	assert.Equal(t, models.SideShort, p.Side)
	assert.Equal(t, 2.0, p.Size)
	assert.Equal(t, 3600.0, p.MarkPrice)
	assert.Equal(t, 10.0, p.Leverage)
	assert.Equal(t, 0.0, p.LiquidationPrice)

	b := a.FetchBalance(context.Background())
	require.NotNil(t, b)
	assert.Equal(t, "USDC", b.Currency)
	assert.Equal(t, 1000.5, b.Total)
	assert.Equal(t, 700.5, b.Available)
	assert.Equal(t, 300.0, b.Used)

	orders := a.FetchOrders(context.Background())
	require.Len(t, orders, 2)
	assert.Equal(t, models.StatusPartial, orders[0].Status)
	assert.Equal(t, 0.05, orders[0].Filled)
	assert.Equal(t, models.SideSell, orders[0].Side)
	assert.Equal(t, models.CategoryTPSL, orders[1].Category)
	assert.Equal(t, 56000.0, orders[1].TriggerPrice)
}

func TestFetchClosedTradesFromFills(t *testing.T) {
	srv := venueServer(t, withUniverse(map[string]string{
		"userFillsByTime": `[{"coin":"BTC","px":"60000","sz":"0.1","side":"B","time":1,"dir":"Open Long","closedPnl":"0","oid":1,"tid":11,"fee":"1"},` +
			`{"coin":"BTC","px":"61000","sz":"0.05","side":"A","time":2,"dir":"Close Long","closedPnl":"50","oid":2,"tid":12,"fee":"1"},` +
			`{"coin":"BTC","px":"61000","sz":"0.05","side":"A","time":3,"dir":"Close Long","closedPnl":"50","oid":2,"tid":13,"fee":"1"}]`,
	}), "", &capture{})
	defer srv.Close()

	a := New(config.VenueConfig{RestURL: srv.URL, AccountAddress: "0x000000000000000000000000000000000000dEaD"})
	trades := a.FetchClosedTrades(context.Background(), 0)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, "2", tr.OrderID)
	assert.Equal(t, models.SideLong, tr.Side)
	assert.InDelta(t, 0.1, tr.Size, 1e-9)
	assert.InDelta(t, 61000, tr.ExitPrice, 1e-6)
	assert.InDelta(t, 60000, tr.EntryPrice, 1e-6)
	assert.Equal(t, int64(3), tr.ClosedAt)
}

type recordingSink struct {
	frags   []models.TickerFragment
	updates []models.AccountUpdate
}

func (s *recordingSink) Fragment(f models.TickerFragment) { s.frags = append(s.frags, f) }
func (s *recordingSink) Account(u models.AccountUpdate)   { s.updates = append(s.updates, u) }

func TestPublicShards(t *testing.T) {
	a := New(config.VenueConfig{MaxSubscriptionsPerConn: 5, MaxTopicsPerRequest: 50})
	specs, err := a.PublicShards([]string{"BTC", "ETH", "xyz:TSLA"}, "", &recordingSink{})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, 1, specs[0].BatchSize)
	assert.Equal(t, `{"type":"allMids"}`, specs[0].Topics[0])
	assert.Len(t, specs[0].Topics, 5)
	assert.Len(t, specs[1].Topics, 2)
	assert.Equal(t, wsURL, specs[0].URL)

	payload, err := specs[1].EncodeSubscribe(specs[1].Topics[:1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"subscribe","subscription":{"type":"activeAssetCtx","coin":"xyz:TSLA"}}`, string(payload))
	_, err = specs[1].EncodeSubscribe(specs[1].Topics)
	assert.Error(t, err)

	assert.JSONEq(t, `{"method":"ping"}`, string(specs[0].Ping()))
	assert.True(t, specs[0].IsPong([]byte(`{"channel":"pong"}`)))
	assert.False(t, specs[0].IsPong([]byte(`{"channel":"bbo","data":{}}`)))
}

func TestParseTickerFragment(t *testing.T) {
	a := New(config.VenueConfig{})
	now := time.Date(2024, 1, 1, 10, 17, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	_, err := a.PublicShards([]string{"BTC"}, "", &recordingSink{})
	require.NoError(t, err)

	frags := a.ParseTickerFragment([]byte(`{"channel":"allMids","data":{"mids":{"BTC":"65000.5","ETH":"3500","@107":"1.2"}}}`))
	require.Len(t, frags, 1)
	assert.Equal(t, "BTC/USDC:USDC", frags[0].Symbol)
	assert.Equal(t, 65000.5, frags[0].LastPrice)

	ctx := `{"channel":"activeAssetCtx","data":{"coin":"BTC","ctx":{"funding":"0.0000125","openInterest":"100","prevDayPx":"64000",` +
		`"dayNtlVlm":"1000000","premium":"0.0001","oraclePx":"65001","markPx":"65002","midPx":"65001.5","dayBaseVlm":"15.5"}}}`
	frags = a.ParseTickerFragment([]byte(ctx))
	require.Len(t, frags, 1)
	f := frags[0]
	assert.Equal(t, 65001.5, f.LastPrice)
	assert.Equal(t, 64000.0, f.Price24h)
	assert.Equal(t, 15.5, f.Volume24h)
	assert.Equal(t, 0.0000125, f.FundingRate)
	assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC).UnixMilli(), f.NextFundingTime)

	bbo := `{"channel":"bbo","data":{"coin":"xyz:TSLA","time":1700000000123,"bbo":[{"px":"250.1","sz":"3","n":1},null]}}`
	frags = a.ParseTickerFragment([]byte(bbo))
	require.Len(t, frags, 1)
	assert.Equal(t, "xyz-TSLA/USDC:USDC", frags[0].Symbol)
	assert.Equal(t, 250.1, frags[0].BestBid)
	assert.False(t, frags[0].Has(models.FieldBestAsk))
	assert.Equal(t, int64(1700000000123), frags[0].Timestamp)

	assert.Nil(t, a.ParseTickerFragment([]byte(`{"channel":"pong"}`)))
	assert.Nil(t, a.ParseTickerFragment([]byte(`{"channel":"subscriptionResponse","data":{"method":"subscribe"}}`)))
}

func TestParsePrivate(t *testing.T) {
	a := New(config.VenueConfig{})

	update, err := a.parsePrivate([]byte(`{"channel":"orderUpdates","data":[{"order":{"coin":"BTC","side":"B","limitPx":"60000",` +
		`"sz":"0.1","oid":5,"timestamp":1,"origSz":"0.1"},"status":"marginCanceled","statusTimestamp":9}]}`))
	require.NoError(t, err)
	require.NotNil(t, update)
	require.Len(t, update.Orders, 1)
	assert.Equal(t, models.StatusCanceled, update.Orders[0].Status)
	assert.Equal(t, "5", update.Orders[0].ID)
	assert.Equal(t, int64(9), update.Orders[0].Timestamp)

	update, err = a.parsePrivate([]byte(`{"channel":"userFills","data":{"isSnapshot":true,"user":"0x1","fills":[` +
		`{"coin":"BTC","px":"1","sz":"1","side":"B","time":1,"dir":"Open Long","closedPnl":"0","oid":1,"tid":1,"fee":"0"}]}}`))
	require.NoError(t, err)
	assert.Nil(t, update)

	update, err = a.parsePrivate([]byte(`{"channel":"userFills","data":{"user":"0x1","fills":[` +
		`{"coin":"BTC","px":"61000","sz":"0.1","side":"A","time":2,"dir":"Close Long","closedPnl":"100","oid":2,"tid":2,"fee":"0.5"}]}}`))
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.True(t, update.RefetchAccount)
	require.Len(t, update.Fills, 1)
	assert.Equal(t, "Close Long", update.Fills[0].Direction)
	assert.True(t, update.Fills[0].HasPnl)
	assert.Equal(t, models.SideSell, update.Fills[0].Side)

	_, err = a.parsePrivate([]byte(`{"channel":"error","data":"Invalid subscription"}`))
	assert.Error(t, err)
}

func TestPrivateShard(t *testing.T) {
	_, ok, err := New(config.VenueConfig{}).PrivateShard(&recordingSink{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = New(config.VenueConfig{Private: true}).PrivateShard(&recordingSink{})
	assert.ErrorIs(t, err, venue.ErrNotConfigured)

	bad := New(config.VenueConfig{Private: true, AccountAddress: "not-an-address"})
	spec, ok, err := bad.PrivateShard(&recordingSink{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, spec.Handshake(context.Background(), nil), stream.ErrAuthFailed)

	good := New(config.VenueConfig{Private: true, PrivateKey: testKey})
	spec, ok, err = good.PrivateShard(&recordingSink{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, spec.Handshake(context.Background(), nil))
	user := strings.ToLower(testAddress(t).Hex())
	assert.Contains(t, spec.Topics, `{"type":"orderUpdates","user":"`+user+`"}`)
	assert.Equal(t, 1, spec.BatchSize)
}

func TestPositionsSnapshotIsAllDexesOrNothing(t *testing.T) {
	flat := `{"marginSummary":{"accountValue":"0"},"withdrawable":"0","time":1,"assetPositions":[]}`

	srv := venueServer(t, withUniverse(map[string]string{"clearinghouseState": flat, "clearinghouseState:xyz": flat}), "", &capture{})
	defer srv.Close()
	a := New(config.VenueConfig{RestURL: srv.URL, AccountAddress: "0x000000000000000000000000000000000000dEaD"})
	_, err := a.LoadInstruments(context.Background())
	require.NoError(t, err)
	positions := a.FetchPositions(context.Background())
	assert.NotNil(t, positions)
	assert.Empty(t, positions)

	broken := venueServer(t, withUniverse(map[string]string{"clearinghouseState": flat}), "", &capture{})
	defer broken.Close()
	b := New(config.VenueConfig{RestURL: broken.URL, AccountAddress: "0x000000000000000000000000000000000000dEaD"})
	_, err = b.LoadInstruments(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b.FetchPositions(context.Background()))
}
