package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	bybitapi "github.com/bybit-exchange/bybit.go.api"

	"cryptoworker/config"
	"cryptoworker/internal/models"
	"cryptoworker/internal/symbols"
	"cryptoworker/internal/venue"
)

const (
	restURL        = "https://api.bybit.com"
	testnetRestURL = "https://api-testnet.bybit.com"

	category    = "linear"
	accountType = "UNIFIED"
	clientIDLen = 36

	// Leverage already at the requested value.
	codeLeverageNotModified = 110043
)

// Settle coins walked by the settleCoin scoped list endpoints.
var settleCoins = []string{"USDT", "USDC"}

// APIError is a non-zero retCode answer.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit retCode %d: %s", e.Code, e.Message)
}

// Adapter speaks the v5 unified trading API for linear contracts.
type Adapter struct {
	*venue.Base
	client *bybitapi.Client
	codec  symbols.BybitCodec

	mu    sync.Mutex
	reqID int64
}

func New(cfg config.VenueConfig) *Adapter {
	base := venue.NewBase(config.VenueBybit, cfg)
	url := restURL
	if cfg.Testnet {
		url = testnetRestURL
	}
	if cfg.RestURL != "" {
		url = cfg.RestURL
	}
	client := bybitapi.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybitapi.WithBaseURL(url))
	client.HTTPClient = &http.Client{Timeout: base.Timeout()}
	return &Adapter{Base: base, client: client}
}

func (a *Adapter) ID() string { return config.VenueBybit }

func (a *Adapter) Codec() symbols.Codec { return a.codec }

func (a *Adapter) HedgeMode() bool { return a.Config.HedgeMode }

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
		return "", fmt.Errorf("bybit symbol: %w", err)
	}
	return n, nil
}

type restCall func(ctx context.Context) (*bybitapi.ServerResponse, error)

// do runs one limited REST call and decodes its result into out.
func (a *Adapter) do(ctx context.Context, op string, call restCall, out interface{}) error {
	if err := a.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.Timeout())
	defer cancel()
	resp, err := call(ctx)
	if err != nil {
		return fmt.Errorf("bybit %s: %w", op, err)
	}
	if resp == nil {
		return fmt.Errorf("bybit %s: empty response", op)
	}
	if resp.RetCode != 0 {
		return &APIError{Code: resp.RetCode, Message: resp.RetMsg}
	}
	if out == nil {
		return nil
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("bybit %s: %w", op, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("bybit %s decode: %w", op, err)
	}
	return nil
}

type cursorPage struct {
	List           json.RawMessage `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

// eachPage follows nextPageCursor until the list ends, handing every
// page's raw list to add.
func (a *Adapter) eachPage(ctx context.Context, op string, params map[string]interface{}, fetch func(map[string]interface{}) restCall, add func(json.RawMessage) error) error {
	cursor := ""
	for {
		p := make(map[string]interface{}, len(params)+1)
		for k, v := range params {
			p[k] = v
		}
		if cursor != "" {
			p["cursor"] = cursor
		}
		var page cursorPage
		if err := a.do(ctx, op, fetch(p), &page); err != nil {
			return err
		}
		if len(page.List) > 0 {
			if err := add(page.List); err != nil {
				return fmt.Errorf("bybit %s decode: %w", op, err)
			}
		}
		if page.NextPageCursor == "" || page.NextPageCursor == cursor {
			return nil
		}
		cursor = page.NextPageCursor
	}
}

type instrumentList struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		ContractType  string `json:"contractType"`
		LotSizeFilter struct {
			QtyStep        venue.Num `json:"qtyStep"`
			MinOrderQty    venue.Num `json:"minOrderQty"`
			MaxOrderQty    venue.Num `json:"maxOrderQty"`
			MaxMktOrderQty venue.Num `json:"maxMktOrderQty"`
		} `json:"lotSizeFilter"`
		PriceFilter struct {
			TickSize venue.Num `json:"tickSize"`
		} `json:"priceFilter"`
		LeverageFilter struct {
			MaxLeverage venue.Num `json:"maxLeverage"`
		} `json:"leverageFilter"`
	} `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

func (a *Adapter) LoadInstruments(ctx context.Context) (venue.Instruments, error) {
	out := make(venue.Instruments)
	cursor := ""
	for {
		params := map[string]interface{}{"category": category, "limit": 1000}
		if cursor != "" {
			params["cursor"] = cursor
		}
		svc := a.client.NewUtaBybitServiceWithParams(params)
		var page instrumentList
		if err := a.do(ctx, "instruments", func(ctx context.Context) (*bybitapi.ServerResponse, error) {
			return svc.GetInstrumentInfo(ctx)
		}, &page); err != nil {
			return nil, err
		}
		for _, s := range page.List {
			if s.Status != "Trading" || !strings.HasSuffix(s.ContractType, "Perpetual") {
				continue
			}
			unified, err := a.codec.ToUnified(s.Symbol)
			if err != nil {
				continue
			}
			out[unified] = venue.Instrument{
				Symbol:       unified,
				NativeID:     s.Symbol,
				LotStep:      s.LotSizeFilter.QtyStep.Float(),
				MinQty:       s.LotSizeFilter.MinOrderQty.Float(),
				MaxQty:       s.LotSizeFilter.MaxOrderQty.Float(),
				MaxMarketQty: s.LotSizeFilter.MaxMktOrderQty.Float(),
				PriceTick:    s.PriceFilter.TickSize.Float(),
				MaxLeverage:  s.LeverageFilter.MaxLeverage.Float(),
			}
		}
		if page.NextPageCursor == "" || page.NextPageCursor == cursor {
			break
		}
		cursor = page.NextPageCursor
	}
	a.Catalog.Replace(out)
	return out, nil
}

// positionRecord is shared by the REST list and the position topic.
type positionRecord struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Size          venue.Num `json:"size"`
	AvgPrice      venue.Num `json:"avgPrice"`
	EntryPrice    venue.Num `json:"entryPrice"`
	MarkPrice     venue.Num `json:"markPrice"`
	LiqPrice      venue.Num `json:"liqPrice"`
	Leverage      venue.Num `json:"leverage"`
	TradeMode     int       `json:"tradeMode"`
	PositionIM    venue.Num `json:"positionIM"`
	Unrealised    venue.Num `json:"unrealisedPnl"`
	PositionIdx   int       `json:"positionIdx"`
	UpdatedTime   venue.Num `json:"updatedTime"`
	PositionValue venue.Num `json:"positionValue"`
}

func (a *Adapter) position(r positionRecord) models.Position {
	entry := r.AvgPrice.Float()
	if !r.AvgPrice.Valid {
		entry = r.EntryPrice.Float()
	}
	mode := models.MarginCross
	if r.TradeMode == 1 {
		mode = models.MarginIsolated
	}
	return models.Position{
		Exchange:         config.VenueBybit,
		Symbol:           a.unified(r.Symbol),
		Side:             positionSide(r.Side, r.PositionIdx),
		Size:             r.Size.Float(),
		EntryPrice:       entry,
		MarkPrice:        r.MarkPrice.Float(),
		LiquidationPrice: r.LiqPrice.Float(),
		Leverage:         r.Leverage.Float(),
		MarginMode:       mode,
		Margin:           r.PositionIM.Float(),
		UnrealizedPnl:    r.Unrealised.Float(),
		Timestamp:        r.UpdatedTime.Int64(),
	}
}

// FetchPositions returns nil unless every settle coin was read in full.
func (a *Adapter) FetchPositions(ctx context.Context) []models.Position {
	if a.RequireCredentials() != nil {
		return nil
	}
	out := []models.Position{}
	for _, coin := range settleCoins {
		params := map[string]interface{}{"category": category, "settleCoin": coin, "limit": 200}
		err := a.eachPage(ctx, "positions", params, func(p map[string]interface{}) restCall {
			svc := a.client.NewUtaBybitServiceWithParams(p)
			return func(ctx context.Context) (*bybitapi.ServerResponse, error) { return svc.GetPositionList(ctx) }
		}, func(list json.RawMessage) error {
			var records []positionRecord
			if err := json.Unmarshal(list, &records); err != nil {
				return err
			}
			for _, r := range records {
				if p := a.position(r); p.Size > 0 {
					out = append(out, p)
				}
			}
			return nil
		})
		if err != nil {
			a.SnapshotFailed("positions", err)
			return nil
		}
	}
	return out
}

// orderRecord is shared by the REST open order list and the order topic.
type orderRecord struct {
	OrderID       string    `json:"orderId"`
	OrderLinkID   string    `json:"orderLinkId"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	OrderType     string    `json:"orderType"`
	Qty           venue.Num `json:"qty"`
	Price         venue.Num `json:"price"`
	CumExecQty    venue.Num `json:"cumExecQty"`
	OrderStatus   string    `json:"orderStatus"`
	ReduceOnly    bool      `json:"reduceOnly"`
	StopOrderType string    `json:"stopOrderType"`
	TriggerPrice  venue.Num `json:"triggerPrice"`
	TakeProfit    venue.Num `json:"takeProfit"`
	StopLoss      venue.Num `json:"stopLoss"`
	UpdatedTime   venue.Num `json:"updatedTime"`
}

// orders maps one record, expanding combined TP/SL orders into their legs.
func (a *Adapter) orders(r orderRecord) []models.Order {
	o := models.Order{
		Exchange:     config.VenueBybit,
		Symbol:       a.unified(r.Symbol),
		ID:           r.OrderID,
		ClientID:     r.OrderLinkID,
		Side:         orderSide(r.Side),
		Type:         strings.ToLower(r.OrderType),
		Size:         r.Qty.Float(),
		Price:        r.Price.Float(),
		TriggerPrice: r.TriggerPrice.Float(),
		Filled:       r.CumExecQty.Float(),
		Status:       orderStatus(r.OrderStatus),
		Category:     orderCategory(r.StopOrderType),
		ReduceOnly:   r.ReduceOnly,
		Timestamp:    r.UpdatedTime.Int64(),
	}
	if o.Category == models.CategoryRegular {
		return []models.Order{o}
	}
	return venue.SplitTPSL(o, r.TakeProfit.Float(), r.StopLoss.Float())
}

// FetchOrders returns nil unless every page of every settle coin was
// read; a partial list would read as cancellations.
func (a *Adapter) FetchOrders(ctx context.Context) []models.Order {
	if a.RequireCredentials() != nil {
		return nil
	}
	out := []models.Order{}
	for _, coin := range settleCoins {
		params := map[string]interface{}{"category": category, "settleCoin": coin, "limit": 50}
		err := a.eachPage(ctx, "orders", params, func(p map[string]interface{}) restCall {
			svc := a.client.NewUtaBybitServiceWithParams(p)
			return func(ctx context.Context) (*bybitapi.ServerResponse, error) { return svc.GetOpenOrders(ctx) }
		}, func(list json.RawMessage) error {
			var records []orderRecord
			if err := json.Unmarshal(list, &records); err != nil {
				return err
			}
			for _, r := range records {
				out = append(out, a.orders(r)...)
			}
			return nil
		})
		if err != nil {
			a.SnapshotFailed("orders", err)
			return nil
		}
	}
	return out
}

type walletRecord struct {
	TotalEquity           venue.Num `json:"totalEquity"`
	TotalWalletBalance    venue.Num `json:"totalWalletBalance"`
	TotalAvailableBalance venue.Num `json:"totalAvailableBalance"`
	AccountType           string    `json:"accountType"`
}

func walletBalance(w walletRecord, ts int64) models.Balance {
	total := w.TotalEquity.Float()
	if !w.TotalEquity.Valid {
		total = w.TotalWalletBalance.Float()
	}
	return models.NewBalance(config.VenueBybit, "USD", total, w.TotalAvailableBalance.Float(), ts)
}

func (a *Adapter) FetchBalance(ctx context.Context) *models.Balance {
	if a.RequireCredentials() != nil {
		return nil
	}
	svc := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{"accountType": accountType})
	var page struct {
		List []walletRecord `json:"list"`
	}
	if err := a.do(ctx, "balance", func(ctx context.Context) (*bybitapi.ServerResponse, error) {
		return svc.GetAccountWallet(ctx)
	}, &page); err != nil {
		a.SnapshotFailed("balance", err)
		return nil
	}
	if len(page.List) == 0 {
		return nil
	}
	b := walletBalance(page.List[0], venue.NowMillis())
	return &b
}

type closedPnlRecord struct {
	Symbol        string    `json:"symbol"`
	OrderID       string    `json:"orderId"`
	Side          string    `json:"side"`
	Qty           venue.Num `json:"qty"`
	ClosedSize    venue.Num `json:"closedSize"`
	AvgEntryPrice venue.Num `json:"avgEntryPrice"`
	AvgExitPrice  venue.Num `json:"avgExitPrice"`
	ClosedPnl     venue.Num `json:"closedPnl"`
	Leverage      venue.Num `json:"leverage"`
	UpdatedTime   venue.Num `json:"updatedTime"`
}

// FetchClosedTrades reads the closed PnL list. Bybit reports the closing
// order side, so the position side is its opposite.
func (a *Adapter) FetchClosedTrades(ctx context.Context, since int64) []models.ClosedTrade {
	if a.RequireCredentials() != nil {
		return nil
	}
	params := map[string]interface{}{"category": category, "limit": 100}
	if since > 0 {
		params["startTime"] = since
	}
	svc := a.client.NewUtaBybitServiceWithParams(params)
	var page struct {
		List []closedPnlRecord `json:"list"`
	}
	if err := a.do(ctx, "closed_trades", func(ctx context.Context) (*bybitapi.ServerResponse, error) {
		return svc.GetClosePnl(ctx)
	}, &page); err != nil {
		a.SnapshotFailed("closed_trades", err)
		return nil
	}
	out := make([]models.ClosedTrade, 0, len(page.List))
	for _, r := range page.List {
		size := r.ClosedSize.Float()
		if size == 0 {
			size = r.Qty.Float()
		}
		out = append(out, models.ClosedTrade{
			Exchange:    config.VenueBybit,
			Symbol:      a.unified(r.Symbol),
			OrderID:     r.OrderID,
			Side:        orderSide(r.Side).OpensSide().Opposite(),
			Size:        size,
			EntryPrice:  r.AvgEntryPrice.Float(),
			ExitPrice:   r.AvgExitPrice.Float(),
			RealizedPnl: r.ClosedPnl.Float(),
			Leverage:    r.Leverage.Float(),
			ClosedAt:    r.UpdatedTime.Int64(),
		})
	}
	return out
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

// orderParams renders one child order for the create endpoint.
func (a *Adapter) orderParams(req venue.OrderRequest) (map[string]interface{}, error) {
	native, err := a.native(req.Symbol)
	if err != nil {
		return nil, err
	}
	inst := a.Catalog.Lookup(req.Symbol)
	params := map[string]interface{}{
		"category":  category,
		"symbol":    native,
		"side":      wireSide(req.Side),
		"orderType": "Market",
		"qty":       inst.FormatSize(req.Size),
	}
	if req.Type == venue.OrderTypeLimit {
		params["orderType"] = "Limit"
		params["timeInForce"] = "GTC"
		params["price"] = inst.FormatPrice(req.Price)
	}
	if req.ClientID != "" {
		params["orderLinkId"] = req.ClientID
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.PositionSide != "" {
		params["positionIdx"] = positionIdx(req.PositionSide)
	}
	return params, nil
}

func (a *Adapter) placeOne(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	params, err := a.orderParams(req)
	if err != nil {
		return venue.OrderResult{}, err
	}
	svc := a.client.NewUtaBybitServiceWithParams(params)
	var ack struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := a.do(ctx, "place_order", func(ctx context.Context) (*bybitapi.ServerResponse, error) {
		return svc.PlaceOrder(ctx)
	}, &ack); err != nil {
		return venue.OrderResult{}, a.CommandFailed("place_order", req.Symbol, err)
	}
	return venue.OrderResult{
		ID:       ack.OrderID,
		ClientID: ack.OrderLinkID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Size:     req.Size,
		Price:    req.Price,
		Status:   string(models.StatusOpen),
	}, nil
}

// CancelOrder accepts synthetic TP/SL ids and cancels the parent order.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, id string) error {
	if err := a.RequireCredentials(); err != nil {
		return err
	}
	native, err := a.native(symbol)
	if err != nil {
		return err
	}
	id = strings.TrimSuffix(strings.TrimSuffix(id, models.TakeProfitSuffix), models.StopLossSuffix)
	svc := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{"category": category, "symbol": native, "orderId": id})
	if err := a.do(ctx, "cancel_order", func(ctx context.Context) (*bybitapi.ServerResponse, error) {
		return svc.CancelOrder(ctx)
	}, nil); err != nil {
		return a.CommandFailed("cancel_order", symbol, err)
	}
	return nil
}

// CancelAllOrders cancels one symbol, or every settle coin when symbol is
// empty.
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := a.RequireCredentials(); err != nil {
		return err
	}
	var scopes []map[string]interface{}
	if symbol != "" {
		native, err := a.native(symbol)
		if err != nil {
			return err
		}
		scopes = append(scopes, map[string]interface{}{"category": category, "symbol": native})
	} else {
		for _, coin := range settleCoins {
			scopes = append(scopes, map[string]interface{}{"category": category, "settleCoin": coin})
		}
	}
	var firstErr error
	for _, params := range scopes {
		svc := a.client.NewUtaBybitServiceWithParams(params)
		if err := a.do(ctx, "cancel_all_orders", func(ctx context.Context) (*bybitapi.ServerResponse, error) {
			return svc.CancelAllOrders(ctx)
		}, nil); err != nil && firstErr == nil {
			firstErr = a.CommandFailed("cancel_all_orders", symbol, err)
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
	lev := strconv.Itoa(leverage)
	svc := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category":     category,
		"symbol":       native,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	})
	err = a.do(ctx, "set_leverage", func(ctx context.Context) (*bybitapi.ServerResponse, error) {
		return svc.SetPositionLeverage(ctx)
	}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeLeverageNotModified {
		return nil
	}
	if err != nil {
		return a.CommandFailed("set_leverage", symbol, err)
	}
	return nil
}

// positionSide reads the hedge index first; one-way positions carry their
// direction in side.
func positionSide(side string, idx int) models.PositionSide {
	switch idx {
	case 1:
		return models.SideLong
	case 2:
		return models.SideShort
	}
	if strings.EqualFold(side, "Sell") {
		return models.SideShort
	}
	return models.SideLong
}

func positionIdx(side models.PositionSide) int {
	if side == models.SideShort {
		return 2
	}
	return 1
}

func orderSide(s string) models.OrderSide {
	if strings.EqualFold(s, "Sell") {
		return models.SideSell
	}
	return models.SideBuy
}

func wireSide(s models.OrderSide) string {
	if s == models.SideSell {
		return "Sell"
	}
	return "Buy"
}

func orderStatus(s string) models.OrderStatus {
	switch s {
	case "PartiallyFilled":
		return models.StatusPartial
	case "Filled":
		return models.StatusClosed
	case "Cancelled", "Rejected", "Deactivated", "PartiallyFilledCanceled":
		return models.StatusCanceled
	}
	return models.StatusOpen
}

func orderCategory(stopOrderType string) models.OrderCategory {
	switch stopOrderType {
	case "", "UNKNOWN":
		return models.CategoryRegular
	case "TakeProfit", "StopLoss", "PartialTakeProfit", "PartialStopLoss", "tpslOrder", "TpslOrder", "OcoOrder", "BidirectionalTpslOrder":
		return models.CategoryTPSL
	}
	return models.CategoryAlgo
}
