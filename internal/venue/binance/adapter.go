package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"cryptoworker/config"
	"cryptoworker/internal/models"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/symbols"
	"cryptoworker/internal/venue"
)

const (
	restURL        = "https://fapi.binance.com"
	testnetRestURL = "https://testnet.binancefuture.com"
	wsURL          = "wss://fstream.binance.com/ws"
	testnetWSURL   = "wss://stream.binancefuture.com/ws"

	settleAsset = "USDT"
	clientIDLen = 36
)

// Auth rejections of the listen key endpoint.
var authCodes = map[int64]bool{-2014: true, -2015: true, -1022: true, -2008: true}

// Adapter speaks the USDⓈ-M futures API.
type Adapter struct {
	*venue.Base
	client *futures.Client
	codec  symbols.BinanceCodec

	mu        sync.Mutex
	listenKey string
	subID     int64
}

// New builds the adapter. REST calls go through go-binance; sockets are run
// by the stream supervisor.
func New(cfg config.VenueConfig) *Adapter {
	base := venue.NewBase(config.VenueBinance, cfg)
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.BaseURL = restURL
	if cfg.Testnet {
		client.BaseURL = testnetRestURL
	}
	if cfg.RestURL != "" {
		client.BaseURL = cfg.RestURL
	}
	client.HTTPClient = &http.Client{Timeout: base.Timeout()}
	return &Adapter{Base: base, client: client}
}

func (a *Adapter) ID() string { return config.VenueBinance }

func (a *Adapter) Codec() symbols.Codec { return a.codec }

// HedgeMode reports the configured dual side setting.
func (a *Adapter) HedgeMode() bool { return a.Config.HedgeMode }

func (a *Adapter) publicURL() string {
	if a.Config.PublicURL != "" {
		return a.Config.PublicURL
	}
	if a.Config.Testnet {
		return testnetWSURL
	}
	return wsURL
}

func (a *Adapter) privateURL(key string) string {
	base := a.Config.PrivateURL
	if base == "" {
		base = a.publicURL()
	}
	return strings.TrimSuffix(base, "/") + "/" + key
}

func (a *Adapter) unified(native string) string {
	u, err := a.codec.ToUnified(native)
	if err != nil {
		return native
	}
	return u
}

func (a *Adapter) native(unified string) (string, error) {
	n, err := a.codec.FromUnified(unified)
	if err != nil {
		return "", fmt.Errorf("binance symbol: %w", err)
	}
	return n, nil
}

// LoadInstruments reads lot, market lot and price filters of every trading
// perpetual.
func (a *Adapter) LoadInstruments(ctx context.Context) (venue.Instruments, error) {
	if err := a.Wait(ctx); err != nil {
		return nil, err
	}
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance exchange info: %w", err)
	}
	out := make(venue.Instruments, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.ContractType != futures.ContractTypePerpetual || s.Status != "TRADING" {
			continue
		}
		unified, err := a.codec.ToUnified(s.Symbol)
		if err != nil {
			continue
		}
		inst := venue.Instrument{Symbol: unified, NativeID: s.Symbol, SizeDecimals: s.QuantityPrecision}
		if f := s.LotSizeFilter(); f != nil {
			inst.LotStep = venue.ParseFloat(f.StepSize)
			inst.MinQty = venue.ParseFloat(f.MinQuantity)
			inst.MaxQty = venue.ParseFloat(f.MaxQuantity)
		}
		if f := s.MarketLotSizeFilter(); f != nil {
			inst.MaxMarketQty = venue.ParseFloat(f.MaxQuantity)
		}
		if f := s.PriceFilter(); f != nil {
			inst.PriceTick = venue.ParseFloat(f.TickSize)
		}
		out[unified] = inst
	}
	a.Catalog.Replace(out)
	return out, nil
}

func (a *Adapter) FetchPositions(ctx context.Context) []models.Position {
	if a.RequireCredentials() != nil {
		return nil
	}
	if err := a.Wait(ctx); err != nil {
		a.SnapshotFailed("positions", err)
		return nil
	}
	risks, err := a.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		a.SnapshotFailed("positions", err)
		return nil
	}
	now := venue.NowMillis()
	out := make([]models.Position, 0, len(risks))
	for _, r := range risks {
		if p, ok := a.positionFromRisk(r, now); ok {
			out = append(out, p)
		}
	}
	return out
}

func (a *Adapter) positionFromRisk(r *futures.PositionRisk, now int64) (models.Position, bool) {
	amount := venue.ParseFloat(r.PositionAmt)
	if amount == 0 {
		return models.Position{}, false
	}
	side := positionSide(string(r.PositionSide), amount)
	size := amount
	if size < 0 {
		size = -size
	}
	mark := venue.ParseFloat(r.MarkPrice)
	leverage := venue.ParseFloat(r.Leverage)
	mode := marginMode(r.MarginType)
	margin := venue.ParseFloat(r.IsolatedMargin)
	if mode == models.MarginCross && leverage > 0 {
		margin = size * mark / leverage
	}
	return models.Position{
		Exchange:         config.VenueBinance,
		Symbol:           a.unified(r.Symbol),
		Side:             side,
		Size:             size,
		EntryPrice:       venue.ParseFloat(r.EntryPrice),
		MarkPrice:        mark,
		LiquidationPrice: venue.ParseFloat(r.LiquidationPrice),
		Leverage:         leverage,
		MarginMode:       mode,
		Margin:           margin,
		UnrealizedPnl:    venue.ParseFloat(r.UnRealizedProfit),
		Timestamp:        now,
	}, true
}

func (a *Adapter) FetchOrders(ctx context.Context) []models.Order {
	if a.RequireCredentials() != nil {
		return nil
	}
	if err := a.Wait(ctx); err != nil {
		a.SnapshotFailed("orders", err)
		return nil
	}
	orders, err := a.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		a.SnapshotFailed("orders", err)
		return nil
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, models.Order{
			Exchange:     config.VenueBinance,
			Symbol:       a.unified(o.Symbol),
			ID:           strconv.FormatInt(o.OrderID, 10),
			ClientID:     o.ClientOrderID,
			Side:         orderSide(string(o.Side)),
			Type:         strings.ToLower(string(o.Type)),
			Size:         venue.ParseFloat(o.OrigQuantity),
			Price:        venue.ParseFloat(o.Price),
			TriggerPrice: venue.ParseFloat(o.StopPrice),
			Filled:       venue.ParseFloat(o.ExecutedQuantity),
			Status:       orderStatus(string(o.Status)),
			Category:     orderCategory(string(o.Type)),
			ReduceOnly:   o.ReduceOnly,
			Timestamp:    o.UpdateTime,
		})
	}
	return out
}

func (a *Adapter) FetchBalance(ctx context.Context) *models.Balance {
	if a.RequireCredentials() != nil {
		return nil
	}
	if err := a.Wait(ctx); err != nil {
		a.SnapshotFailed("balance", err)
		return nil
	}
	acct, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		a.SnapshotFailed("balance", err)
		return nil
	}
	b := models.NewBalance(config.VenueBinance, settleAsset,
		venue.ParseFloat(acct.TotalMarginBalance), venue.ParseFloat(acct.AvailableBalance), venue.NowMillis())
	return &b
}

// FetchClosedTrades derives closed positions from account trades of the
// configured symbols and of every symbol with an open position.
func (a *Adapter) FetchClosedTrades(ctx context.Context, since int64) []models.ClosedTrade {
	if a.RequireCredentials() != nil {
		return nil
	}
	natives := make(map[string]struct{})
	for _, s := range a.Config.Symbols {
		natives[strings.ToUpper(s)] = struct{}{}
	}
	for _, p := range a.FetchPositions(ctx) {
		if n, err := a.native(p.Symbol); err == nil {
			natives[n] = struct{}{}
		}
	}

	var fills []models.Fill
	for native := range natives {
		if err := a.Wait(ctx); err != nil {
			a.SnapshotFailed("closed_trades", err)
			return nil
		}
		svc := a.client.NewListAccountTradeService().Symbol(native)
		if since > 0 {
			svc = svc.StartTime(since)
		}
		trades, err := svc.Do(ctx)
		if err != nil {
			a.SnapshotFailed("closed_trades", err)
			continue
		}
		for _, t := range trades {
			fills = append(fills, models.Fill{
				Exchange:     config.VenueBinance,
				Symbol:       a.unified(t.Symbol),
				OrderID:      strconv.FormatInt(t.OrderID, 10),
				TradeID:      strconv.FormatInt(t.ID, 10),
				Side:         orderSide(string(t.Side)),
				PositionSide: hedgeSide(string(t.PositionSide)),
				Price:        venue.ParseFloat(t.Price),
				Size:         venue.ParseFloat(t.Quantity),
				RealizedPnl:  venue.ParseFloat(t.RealizedPnl),
				HasPnl:       true,
				Fee:          venue.ParseFloat(t.Commission),
				Timestamp:    t.Time,
			})
		}
	}
	return venue.DeriveClosedTrades(fills, nil)
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, req venue.OrderRequest) ([]venue.OrderResult, error) {
	if err := a.RequireCredentials(); err != nil {
		return nil, err
	}
	req.Type = venue.OrderTypeMarket
	req = venue.HedgeLeg(req, a.Config.HedgeMode)
	if req.ClientID == "" {
		req.ClientID = venue.NewClientID("cw", clientIDLen-4)
	}
	return venue.PlaceSplit(ctx, req, a.Catalog.Lookup(req.Symbol), a.placeOne)
}

func (a *Adapter) ClosePosition(ctx context.Context, req venue.CloseRequest) ([]venue.OrderResult, error) {
	if err := a.RequireCredentials(); err != nil {
		return nil, err
	}
	req.Hedge = a.Config.HedgeMode
	order, err := venue.CloseOrder(req)
	if err != nil {
		return nil, err
	}
	order.ClientID = venue.NewClientID("cwc", clientIDLen-4)
	return venue.PlaceSplit(ctx, order, a.Catalog.Lookup(order.Symbol), a.placeOne)
}

func (a *Adapter) placeOne(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	native, err := a.native(req.Symbol)
	if err != nil {
		return venue.OrderResult{}, err
	}
	inst := a.Catalog.Lookup(req.Symbol)
	svc := a.client.NewCreateOrderService().
		Symbol(native).
		Side(futures.SideType(strings.ToUpper(string(req.Side)))).
		Quantity(inst.FormatSize(req.Size))
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.Type == venue.OrderTypeLimit {
		svc = svc.Type(futures.OrderTypeLimit).TimeInForce(futures.TimeInForceTypeGTC).Price(inst.FormatPrice(req.Price))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.PositionSide != "" {
		// dual side accounts reject reduceOnly; the position side implies it
		svc = svc.PositionSide(futures.PositionSideType(strings.ToUpper(string(req.PositionSide))))
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	if err := a.Wait(ctx); err != nil {
		return venue.OrderResult{}, err
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return venue.OrderResult{}, a.CommandFailed("place_order", req.Symbol, err)
	}
	return venue.OrderResult{
		ID:       strconv.FormatInt(resp.OrderID, 10),
		ClientID: resp.ClientOrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Size:     req.Size,
		Price:    venue.ParseFloat(resp.AvgPrice),
		Status:   string(resp.Status),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, id string) error {
	if err := a.RequireCredentials(); err != nil {
		return err
	}
	native, err := a.native(symbol)
	if err != nil {
		return err
	}
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("binance order id %q: %w", id, err)
	}
	if err := a.Wait(ctx); err != nil {
		return err
	}
	if _, err := a.client.NewCancelOrderService().Symbol(native).OrderID(orderID).Do(ctx); err != nil {
		return a.CommandFailed("cancel_order", symbol, err)
	}
	return nil
}

// CancelAllOrders cancels per symbol; an empty symbol walks every symbol
// with an open order.
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := a.RequireCredentials(); err != nil {
		return err
	}
	targets := []string{symbol}
	if symbol == "" {
		seen := make(map[string]bool)
		targets = targets[:0]
		for _, o := range a.FetchOrders(ctx) {
			if !seen[o.Symbol] {
				seen[o.Symbol] = true
				targets = append(targets, o.Symbol)
			}
		}
	}
	var firstErr error
	for _, s := range targets {
		native, err := a.native(s)
		if err != nil {
			return err
		}
		if err := a.Wait(ctx); err != nil {
			return err
		}
		if err := a.client.NewCancelAllOpenOrdersService().Symbol(native).Do(ctx); err != nil && firstErr == nil {
			firstErr = a.CommandFailed("cancel_all_orders", s, err)
		}
	}
	return firstErr
}

func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := a.RequireCredentials(); err != nil {
		return err
	}
	if leverage <= 0 {
		return venue.ErrInvalidLeverage
	}
	native, err := a.native(symbol)
	if err != nil {
		return err
	}
	if err := a.Wait(ctx); err != nil {
		return err
	}
	if _, err := a.client.NewChangeLeverageService().Symbol(native).Leverage(leverage).Do(ctx); err != nil {
		return a.CommandFailed("set_leverage", symbol, err)
	}
	return nil
}

// startListenKey opens a user data session. Key rejections are fatal for
// the private shard.
func (a *Adapter) startListenKey(ctx context.Context) (string, error) {
	if err := a.Wait(ctx); err != nil {
		return "", err
	}
	key, err := a.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && authCodes[apiErr.Code] {
			return "", fmt.Errorf("%w: binance listen key: %s", stream.ErrAuthFailed, apiErr.Message)
		}
		return "", fmt.Errorf("binance listen key: %w", err)
	}
	a.mu.Lock()
	a.listenKey = key
	a.mu.Unlock()
	return key, nil
}

// Keepalive extends the current listen key.
func (a *Adapter) Keepalive(ctx context.Context) error {
	a.mu.Lock()
	key := a.listenKey
	a.mu.Unlock()
	if key == "" {
		return nil
	}
	if err := a.Wait(ctx); err != nil {
		return err
	}
	if err := a.client.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx); err != nil {
		return fmt.Errorf("binance listen key keepalive: %w", err)
	}
	return nil
}

func positionSide(ps string, amount float64) models.PositionSide {
	if side := hedgeSide(ps); side != "" {
		return side
	}
	if amount < 0 {
		return models.SideShort
	}
	return models.SideLong
}

// hedgeSide maps LONG/SHORT, leaving one-way BOTH empty.
func hedgeSide(ps string) models.PositionSide {
	switch strings.ToUpper(ps) {
	case "LONG":
		return models.SideLong
	case "SHORT":
		return models.SideShort
	}
	return ""
}

func orderSide(s string) models.OrderSide {
	if strings.EqualFold(s, "SELL") {
		return models.SideSell
	}
	return models.SideBuy
}

func marginMode(s string) models.MarginMode {
	if strings.EqualFold(s, "isolated") {
		return models.MarginIsolated
	}
	return models.MarginCross
}

func orderStatus(s string) models.OrderStatus {
	switch strings.ToUpper(s) {
	case "PARTIALLY_FILLED":
		return models.StatusPartial
	case "FILLED":
		return models.StatusClosed
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH", "REJECTED":
		return models.StatusCanceled
	}
	return models.StatusOpen
}

func orderCategory(orderType string) models.OrderCategory {
	switch strings.ToUpper(orderType) {
	case "STOP", "STOP_MARKET", "TAKE_PROFIT", "TAKE_PROFIT_MARKET":
		return models.CategoryTPSL
	case "TRAILING_STOP_MARKET":
		return models.CategoryAlgo
	}
	return models.CategoryRegular
}
