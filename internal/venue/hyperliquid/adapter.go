package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoworker/config"
	"cryptoworker/internal/models"
	"cryptoworker/internal/symbols"
	"cryptoworker/internal/venue"
)

const (
	restURL        = "https://api.hyperliquid.xyz"
	testnetRestURL = "https://api.hyperliquid-testnet.xyz"

	// market orders are IOC limits this far through the mid.
	marketSlippage = 0.05
	// prices carry at most this many significant figures and
	// maxPriceDecimals-szDecimals decimals.
	priceSigFigs     = 5
	maxPriceDecimals = 6
	wireDecimals     = 8
	closedTradesSpan = 7 * 24 * time.Hour
	quoteCurrency    = "USDC"
)

// Adapter trades Hyperliquid perps, including builder-deployed dexes.
type Adapter struct {
	*venue.Base
	rest   *client
	codec  *symbols.HyperliquidCodec
	signer *signer
	keyErr error
	now    func() time.Time

	mu    sync.Mutex
	nonce int64
	dexes []string
	coins map[string]bool
}

func New(cfg config.VenueConfig) *Adapter {
	base := venue.NewBase(config.VenueHyperliquid, cfg)
	url := restURL
	if cfg.Testnet {
		url = testnetRestURL
	}
	if cfg.RestURL != "" {
		url = cfg.RestURL
	}
	a := &Adapter{
		Base:  base,
		rest:  newClient(url, base.Timeout()),
		codec: symbols.NewHyperliquidCodec(),
		now:   time.Now,
		coins: map[string]bool{},
	}
	if cfg.PrivateKey != "" {
		a.signer, a.keyErr = newSigner(cfg.PrivateKey, !cfg.Testnet)
		if a.keyErr != nil {
			base.Log().WithError(a.keyErr).Warn("private key rejected, trading disabled")
		}
	}
	return a
}

func (a *Adapter) ID() string { return config.VenueHyperliquid }

func (a *Adapter) Codec() symbols.Codec { return a.codec }

// address is the account queried by snapshots and private streams: the
// configured address, else the one derived from the signing key.
func (a *Adapter) address() string {
	if a.Config.AccountAddress != "" {
		return strings.ToLower(a.Config.AccountAddress)
	}
	if a.signer != nil {
		return strings.ToLower(a.signer.address.Hex())
	}
	return ""
}

func (a *Adapter) requireSigner() error {
	if a.keyErr != nil {
		return fmt.Errorf("%w: %w", venue.ErrNotConfigured, a.keyErr)
	}
	if a.signer == nil {
		return fmt.Errorf("%w: hyperliquid private key", venue.ErrNotConfigured)
	}
	return nil
}

func (a *Adapter) unified(coin string) string {
	u, err := a.codec.ToUnified(coin)
	if err != nil {
		return coin
	}
	return u
}

func (a *Adapter) asset(unified string) (symbols.HyperliquidAsset, error) {
	coin, err := a.codec.FromUnified(unified)
	if err != nil {
		return symbols.HyperliquidAsset{}, fmt.Errorf("hyperliquid symbol: %w", err)
	}
	asset, ok := a.codec.Asset(coin)
	if !ok {
		return symbols.HyperliquidAsset{}, fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, unified)
	}
	return asset, nil
}

func (a *Adapter) info(ctx context.Context, body map[string]interface{}, out interface{}) error {
	if err := a.Wait(ctx); err != nil {
		return err
	}
	header, err := a.rest.info(ctx, body, out)
	a.ObserveHeader(header)
	return err
}

// nextNonce returns a millisecond nonce that never repeats.
func (a *Adapter) nextNonce() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.now().UnixMilli()
	if n <= a.nonce {
		n = a.nonce + 1
	}
	a.nonce = n
	return n
}

// exchange signs and submits one action.
func (a *Adapter) exchange(ctx context.Context, action interface{}) ([]json.RawMessage, error) {
	if err := a.Wait(ctx); err != nil {
		return nil, err
	}
	nonce := a.nextNonce()
	sig, err := a.signer.signAction(action, nonce, "")
	if err != nil {
		return nil, err
	}
	statuses, header, err := a.rest.exchange(ctx, exchangeRequest{Action: action, Nonce: nonce, Signature: sig})
	a.ObserveHeader(header)
	return statuses, err
}

type universeRecord struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	IsDelisted  bool   `json:"isDelisted"`
}

type metaRecord struct {
	Universe []universeRecord `json:"universe"`
}

// LoadInstruments reads the main universe and every builder dex and
// rebuilds the codec's asset table. Delisted assets keep their index slot.
func (a *Adapter) LoadInstruments(ctx context.Context) (venue.Instruments, error) {
	var main metaRecord
	if err := a.info(ctx, map[string]interface{}{"type": "meta"}, &main); err != nil {
		return nil, err
	}
	var perpDexs []*struct {
		Name string `json:"name"`
	}
	if err := a.info(ctx, map[string]interface{}{"type": "perpDexs"}, &perpDexs); err != nil {
		// builder dexes are optional; the main universe is still usable
		a.SnapshotFailed("perp_dexs", err)
		perpDexs = nil
	}

	dexes := []symbols.HyperliquidDex{universe("", 0, main)}
	var names []string
	for pos, d := range perpDexs {
		if pos == 0 || d == nil || d.Name == "" {
			continue
		}
		var meta metaRecord
		if err := a.info(ctx, map[string]interface{}{"type": "meta", "dex": d.Name}, &meta); err != nil {
			a.SnapshotFailed("meta_"+d.Name, err)
			continue
		}
		dexes = append(dexes, universe(d.Name, pos, meta))
		names = append(names, d.Name)
	}
	a.codec.Reload(dexes)

	out := make(venue.Instruments)
	for _, dex := range dexes {
		for i, asset := range dex.Assets {
			if dexDelisted(main, dex, i) {
				continue
			}
			unified := a.unified(asset.Coin)
			out[unified] = venue.Instrument{
				Symbol:       unified,
				NativeID:     asset.Coin,
				LotStep:      decimal.New(1, -int32(asset.SzDecimals)).InexactFloat64(),
				SizeDecimals: asset.SzDecimals,
				MaxLeverage:  float64(asset.MaxLeverage),
			}
		}
	}
	a.Catalog.Replace(out)
	a.mu.Lock()
	a.dexes = names
	a.mu.Unlock()
	return out, nil
}

func universe(name string, pos int, meta metaRecord) symbols.HyperliquidDex {
	dex := symbols.HyperliquidDex{Name: name, Position: pos}
	for _, u := range meta.Universe {
		dex.Assets = append(dex.Assets, symbols.HyperliquidAsset{
			Coin:        u.Name,
			SzDecimals:  u.SzDecimals,
			MaxLeverage: u.MaxLeverage,
		})
	}
	return dex
}

func dexDelisted(main metaRecord, dex symbols.HyperliquidDex, i int) bool {
	if dex.Position == 0 && i < len(main.Universe) {
		return main.Universe[i].IsDelisted
	}
	return false
}

// builderDexes returns "" for the main dex followed by each builder dex.
func (a *Adapter) builderDexes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{""}, a.dexes...)
}

type clearinghouseState struct {
	MarginSummary struct {
		AccountValue    venue.Num `json:"accountValue"`
		TotalMarginUsed venue.Num `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable   venue.Num `json:"withdrawable"`
	AssetPositions []struct {
		Position positionRecord `json:"position"`
	} `json:"assetPositions"`
	Time int64 `json:"time"`
}

type positionRecord struct {
	Coin     string    `json:"coin"`
	Szi      venue.Num `json:"szi"`
	EntryPx  venue.Num `json:"entryPx"`
	Value    venue.Num `json:"positionValue"`
	Upnl     venue.Num `json:"unrealizedPnl"`
	LiqPx    venue.Num `json:"liquidationPx"`
	Margin   venue.Num `json:"marginUsed"`
	Leverage struct {
		Type  string    `json:"type"`
		Value venue.Num `json:"value"`
	} `json:"leverage"`
}

// position derives the mark price from position value over size, since the
// state carries no mark.
func (a *Adapter) position(r positionRecord, ts int64) models.Position {
	size := r.Szi.Float()
	side := models.SideLong
	if size < 0 {
		side = models.SideShort
		size = -size
	}
	var mark float64
	if size > 0 {
		mark = r.Value.Float() / size
	}
	mode := models.MarginCross
	if r.Leverage.Type == "isolated" {
		mode = models.MarginIsolated
	}
	return models.Position{
		Exchange:         config.VenueHyperliquid,
		Symbol:           a.unified(r.Coin),
		Side:             side,
		Size:             size,
		EntryPrice:       r.EntryPx.Float(),
		MarkPrice:        mark,
		LiquidationPrice: r.LiqPx.Float(),
		Leverage:         r.Leverage.Value.Float(),
		MarginMode:       mode,
		Margin:           r.Margin.Float(),
		UnrealizedPnl:    r.Upnl.Float(),
		Timestamp:        ts,
	}
}

func (a *Adapter) clearinghouse(ctx context.Context, dex string) (clearinghouseState, error) {
	body := map[string]interface{}{"type": "clearinghouseState", "user": a.address()}
	if dex != "" {
		body["dex"] = dex
	}
	var state clearinghouseState
	err := a.info(ctx, body, &state)
	return state, err
}

func (a *Adapter) FetchPositions(ctx context.Context) []models.Position {
	if a.RequireCredentials() != nil {
		return nil
	}
	out := []models.Position{}
	for _, dex := range a.builderDexes() {
		state, err := a.clearinghouse(ctx, dex)
		if err != nil {
			a.SnapshotFailed("positions", err)
			return nil
		}
		for _, ap := range state.AssetPositions {
			if p := a.position(ap.Position, state.Time); p.Size > 0 {
				out = append(out, p)
			}
		}
	}
	return out
}

// FetchBalance reports the main dex margin account.
func (a *Adapter) FetchBalance(ctx context.Context) *models.Balance {
	if a.RequireCredentials() != nil {
		return nil
	}
	state, err := a.clearinghouse(ctx, "")
	if err != nil {
		a.SnapshotFailed("balance", err)
		return nil
	}
	ts := state.Time
	if ts == 0 {
		ts = venue.NowMillis()
	}
	b := models.NewBalance(config.VenueHyperliquid, quoteCurrency,
		state.MarginSummary.AccountValue.Float(), state.Withdrawable.Float(), ts)
	return &b
}

type openOrderRecord struct {
	Coin           string    `json:"coin"`
	Side           string    `json:"side"`
	LimitPx        venue.Num `json:"limitPx"`
	Sz             venue.Num `json:"sz"`
	OrigSz         venue.Num `json:"origSz"`
	Oid            int64     `json:"oid"`
	Cloid          string    `json:"cloid"`
	Timestamp      int64     `json:"timestamp"`
	OrderType      string    `json:"orderType"`
	TriggerPx      venue.Num `json:"triggerPx"`
	IsTrigger      bool      `json:"isTrigger"`
	ReduceOnly     bool      `json:"reduceOnly"`
	IsPositionTpsl bool      `json:"isPositionTpsl"`
}

func (a *Adapter) order(r openOrderRecord, status models.OrderStatus) models.Order {
	size := r.OrigSz.Float()
	if !r.OrigSz.Valid || size == 0 {
		size = r.Sz.Float()
	}
	category := models.CategoryRegular
	if r.IsTrigger || r.TriggerPx.Float() > 0 {
		category = models.CategoryAlgo
		lower := strings.ToLower(r.OrderType)
		if r.IsPositionTpsl || strings.Contains(lower, "take profit") || strings.Contains(lower, "stop") {
			category = models.CategoryTPSL
		}
	}
	typ := strings.ToLower(r.OrderType)
	if typ == "" {
		typ = venue.OrderTypeLimit
	}
	filled := size - r.Sz.Float()
	if filled < 0 || status == models.StatusCanceled {
		filled = 0
	}
	if status == models.StatusOpen && filled > 0 {
		status = models.StatusPartial
	}
	return models.Order{
		Exchange:     config.VenueHyperliquid,
		Symbol:       a.unified(r.Coin),
		ID:           strconv.FormatInt(r.Oid, 10),
		ClientID:     r.Cloid,
		Side:         fillSide(r.Side),
		Type:         typ,
		Size:         size,
		Price:        r.LimitPx.Float(),
		TriggerPrice: r.TriggerPx.Float(),
		Filled:       filled,
		Status:       status,
		Category:     category,
		ReduceOnly:   r.ReduceOnly,
		Timestamp:    r.Timestamp,
	}
}

func (a *Adapter) openOrders(ctx context.Context) ([]openOrderRecord, error) {
	var list []openOrderRecord
	err := a.info(ctx, map[string]interface{}{"type": "frontendOpenOrders", "user": a.address()}, &list)
	return list, err
}

func (a *Adapter) FetchOrders(ctx context.Context) []models.Order {
	if a.RequireCredentials() != nil {
		return nil
	}
	list, err := a.openOrders(ctx)
	if err != nil {
		a.SnapshotFailed("orders", err)
		return nil
	}
	out := make([]models.Order, 0, len(list))
	for _, r := range list {
		out = append(out, a.order(r, models.StatusOpen))
	}
	return out
}

type fillRecord struct {
	Coin      string    `json:"coin"`
	Px        venue.Num `json:"px"`
	Sz        venue.Num `json:"sz"`
	Side      string    `json:"side"`
	Time      int64     `json:"time"`
	Dir       string    `json:"dir"`
	ClosedPnl venue.Num `json:"closedPnl"`
	Oid       int64     `json:"oid"`
	Tid       int64     `json:"tid"`
	Fee       venue.Num `json:"fee"`
}

// fill keeps the venue's direction label ("Open Long", "Close Short",
// "Long > Short") for the close classifier.
func (a *Adapter) fill(r fillRecord) models.Fill {
	return models.Fill{
		Exchange:    config.VenueHyperliquid,
		Symbol:      a.unified(r.Coin),
		OrderID:     strconv.FormatInt(r.Oid, 10),
		TradeID:     strconv.FormatInt(r.Tid, 10),
		Side:        fillSide(r.Side),
		Direction:   r.Dir,
		Price:       r.Px.Float(),
		Size:        r.Sz.Float(),
		RealizedPnl: r.ClosedPnl.Float(),
		HasPnl:      r.ClosedPnl.Valid && r.ClosedPnl.Value != 0,
		Fee:         r.Fee.Float(),
		Timestamp:   r.Time,
	}
}

// FetchClosedTrades derives closed trades from the fill history; the venue
// has no per-position close report. since defaults to the last week.
func (a *Adapter) FetchClosedTrades(ctx context.Context, since int64) []models.ClosedTrade {
	if a.RequireCredentials() != nil {
		return nil
	}
	if since <= 0 {
		since = a.now().Add(-closedTradesSpan).UnixMilli()
	}
	var list []fillRecord
	body := map[string]interface{}{"type": "userFillsByTime", "user": a.address(), "startTime": since}
	if err := a.info(ctx, body, &list); err != nil {
		a.SnapshotFailed("closed_trades", err)
		return nil
	}
	fills := make([]models.Fill, 0, len(list))
	for _, r := range list {
		fills = append(fills, a.fill(r))
	}
	return venue.DeriveClosedTrades(fills, nil)
}

func (a *Adapter) mid(ctx context.Context, coin string) (float64, error) {
	var mids map[string]string
	if err := a.info(ctx, map[string]interface{}{"type": "allMids"}, &mids); err != nil {
		return 0, err
	}
	px := venue.ParseFloat(mids[coin])
	if px <= 0 {
		return 0, fmt.Errorf("hyperliquid: no mid price for %s", coin)
	}
	return px, nil
}

// slippagePrice moves mid by marketSlippage in the aggressive direction.
func slippagePrice(mid float64, side models.OrderSide, szDecimals int) float64 {
	if side == models.SideBuy {
		mid *= 1 + marketSlippage
	} else {
		mid *= 1 - marketSlippage
	}
	return roundPrice(mid, szDecimals)
}

// roundPrice applies the significant figure rule, then the decimal limit.
func roundPrice(px float64, szDecimals int) float64 {
	sig, err := strconv.ParseFloat(strconv.FormatFloat(px, 'g', priceSigFigs, 64), 64)
	if err != nil {
		return px
	}
	places := maxPriceDecimals - szDecimals
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(sig).Round(int32(places)).InexactFloat64()
}

// wireNumber renders a number without trailing zeros, which the action
// hash is computed over.
func wireNumber(v float64) string {
	s := decimal.NewFromFloat(v).Round(wireDecimals).String()
	if s == "-0" {
		return "0"
	}
	return s
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, req venue.OrderRequest) ([]venue.OrderResult, error) {
	if err := a.requireSigner(); err != nil {
		return nil, err
	}
	if err := venue.ValidateSize(req.Size); err != nil {
		return nil, err
	}
	asset, err := a.asset(req.Symbol)
	if err != nil {
		return nil, err
	}
	mid, err := a.mid(ctx, asset.Coin)
	if err != nil {
		return nil, a.CommandFailed("place_order", req.Symbol, err)
	}
	req.Type = venue.OrderTypeMarket
	req.Price = slippagePrice(mid, req.Side, asset.SzDecimals)
	return venue.PlaceSplit(ctx, req, a.Catalog.Lookup(req.Symbol), a.placeOne)
}

// ClosePosition sends reduce-only orders; the venue is one-way only.
func (a *Adapter) ClosePosition(ctx context.Context, req venue.CloseRequest) ([]venue.OrderResult, error) {
	if err := a.requireSigner(); err != nil {
		return nil, err
	}
	req.Hedge = false
	order, err := venue.CloseOrder(req)
	if err != nil {
		return nil, err
	}
	asset, err := a.asset(order.Symbol)
	if err != nil {
		return nil, err
	}
	if order.Type == venue.OrderTypeMarket {
		mid, err := a.mid(ctx, asset.Coin)
		if err != nil {
			return nil, a.CommandFailed("close_position", order.Symbol, err)
		}
		order.Price = slippagePrice(mid, order.Side, asset.SzDecimals)
	}
	return venue.PlaceSplit(ctx, order, a.Catalog.Lookup(order.Symbol), a.placeOne)
}

type limitOrder struct {
	Tif string `json:"tif" msgpack:"tif"`
}

type orderType struct {
	Limit limitOrder `json:"limit" msgpack:"limit"`
}

// orderWire field order is part of the signed hash.
type orderWire struct {
	Asset      int       `json:"a" msgpack:"a"`
	IsBuy      bool      `json:"b" msgpack:"b"`
	Price      string    `json:"p" msgpack:"p"`
	Size       string    `json:"s" msgpack:"s"`
	ReduceOnly bool      `json:"r" msgpack:"r"`
	Type       orderType `json:"t" msgpack:"t"`
	Cloid      string    `json:"c,omitempty" msgpack:"c,omitempty"`
}

type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []orderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type cancelWire struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

type cancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []cancelWire `json:"cancels" msgpack:"cancels"`
}

type leverageAction struct {
	Type     string `json:"type" msgpack:"type"`
	Asset    int    `json:"asset" msgpack:"asset"`
	IsCross  bool   `json:"isCross" msgpack:"isCross"`
	Leverage int    `json:"leverage" msgpack:"leverage"`
}

// newCloid returns a 128-bit hex client order id.
func newCloid() string {
	return "0x" + venue.NewClientID("", 32)
}

func (a *Adapter) orderAction(req venue.OrderRequest) (orderAction, error) {
	asset, err := a.asset(req.Symbol)
	if err != nil {
		return orderAction{}, err
	}
	tif := "Ioc"
	if req.Type == venue.OrderTypeLimit {
		tif = "Gtc"
	}
	size := venue.RoundToStep(req.Size, decimal.New(1, -int32(asset.SzDecimals)).InexactFloat64())
	return orderAction{
		Type: "order",
		Orders: []orderWire{{
			Asset:      asset.Index,
			IsBuy:      req.Side == models.SideBuy,
			Price:      wireNumber(roundPrice(req.Price, asset.SzDecimals)),
			Size:       wireNumber(size),
			ReduceOnly: req.ReduceOnly,
			Type:       orderType{Limit: limitOrder{Tif: tif}},
			Cloid:      newCloid(),
		}},
		Grouping: "na",
	}, nil
}

func (a *Adapter) placeOne(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	action, err := a.orderAction(req)
	if err != nil {
		return venue.OrderResult{}, err
	}
	statuses, err := a.exchange(ctx, action)
	if err != nil {
		return venue.OrderResult{}, a.CommandFailed("place_order", req.Symbol, err)
	}
	if len(statuses) == 0 {
		return venue.OrderResult{}, a.CommandFailed("place_order", req.Symbol, fmt.Errorf("empty acknowledgement"))
	}
	st, err := parseStatus(statuses[0])
	if err != nil {
		return venue.OrderResult{}, a.CommandFailed("place_order", req.Symbol, err)
	}
	res := venue.OrderResult{
		ClientID: action.Orders[0].Cloid,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Size:     req.Size,
		Price:    req.Price,
		Status:   string(models.StatusOpen),
	}
	switch {
	case st.Filled != nil:
		res.ID = strconv.FormatInt(st.Filled.Oid, 10)
		res.Status = string(models.StatusClosed)
		if st.Filled.TotalSz.Valid {
			res.Size = st.Filled.TotalSz.Value
		}
		if st.Filled.AvgPx.Valid {
			res.Price = st.Filled.AvgPx.Value
		}
	case st.Resting != nil:
		res.ID = strconv.FormatInt(st.Resting.Oid, 10)
	}
	return res, nil
}

func (a *Adapter) cancel(ctx context.Context, op, symbol string, cancels []cancelWire) error {
	statuses, err := a.exchange(ctx, cancelAction{Type: "cancel", Cancels: cancels})
	if err != nil {
		return a.CommandFailed(op, symbol, err)
	}
	for _, raw := range statuses {
		if _, err := parseStatus(raw); err != nil {
			return a.CommandFailed(op, symbol, err)
		}
	}
	return nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, id string) error {
	if err := a.requireSigner(); err != nil {
		return err
	}
	asset, err := a.asset(symbol)
	if err != nil {
		return err
	}
	oid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("hyperliquid order id %q: %w", id, err)
	}
	return a.cancel(ctx, "cancel_order", symbol, []cancelWire{{Asset: asset.Index, Oid: oid}})
}

// CancelAllOrders cancels every open order, or those of one symbol, in a
// single action.
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := a.requireSigner(); err != nil {
		return err
	}
	coin := ""
	if symbol != "" {
		asset, err := a.asset(symbol)
		if err != nil {
			return err
		}
		coin = asset.Coin
	}
	list, err := a.openOrders(ctx)
	if err != nil {
		return a.CommandFailed("cancel_all_orders", symbol, err)
	}
	var cancels []cancelWire
	for _, o := range list {
		if coin != "" && o.Coin != coin {
			continue
		}
		asset, ok := a.codec.Asset(o.Coin)
		if !ok {
			continue
		}
		cancels = append(cancels, cancelWire{Asset: asset.Index, Oid: o.Oid})
	}
	if len(cancels) == 0 {
		return nil
	}
	return a.cancel(ctx, "cancel_all_orders", symbol, cancels)
}

func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := a.requireSigner(); err != nil {
		return err
	}
	if leverage <= 0 {
		return venue.ErrInvalidLeverage
	}
	asset, err := a.asset(symbol)
	if err != nil {
		return err
	}
	action := leverageAction{Type: "updateLeverage", Asset: asset.Index, IsCross: true, Leverage: leverage}
	if _, err := a.exchange(ctx, action); err != nil {
		return a.CommandFailed("set_leverage", symbol, err)
	}
	return nil
}

// fillSide maps the book side letters: B bids, A asks.
func fillSide(s string) models.OrderSide {
	if strings.EqualFold(s, "A") || strings.EqualFold(s, "sell") {
		return models.SideSell
	}
	return models.SideBuy
}
