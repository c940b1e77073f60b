package okx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"cryptoworker/config"
	"cryptoworker/internal/models"
	"cryptoworker/internal/symbols"
	"cryptoworker/internal/venue"
)

const (
	restURL = "https://www.okx.com"

	instType    = "SWAP"
	clientIDLen = 32
	// cancel-batch-orders accepts at most this many orders.
	cancelBatch = 20
)

// Adapter speaks the v5 API for perpetual swaps.
type Adapter struct {
	*venue.Base
	rest  *client
	codec symbols.OkxCodec

	mu    sync.Mutex
	reqID int64
}

func New(cfg config.VenueConfig) *Adapter {
	base := venue.NewBase(config.VenueOkx, cfg)
	url := restURL
	if cfg.RestURL != "" {
		url = cfg.RestURL
	}
	return &Adapter{
		Base: base,
		rest: newClient(url, cfg.APIKey, cfg.APISecret, cfg.Passphrase, cfg.Testnet, base.Timeout()),
	}
}

func (a *Adapter) ID() string { return config.VenueOkx }

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
		return "", fmt.Errorf("okx symbol: %w", err)
	}
	return n, nil
}

// get and post wrap the signed client with the limiter and header reporting.
func (a *Adapter) get(ctx context.Context, path string, query url.Values, private bool, out interface{}) error {
	return a.call(ctx, http.MethodGet, path, query, nil, private, out)
}

func (a *Adapter) post(ctx context.Context, path string, body, out interface{}) error {
	return a.call(ctx, http.MethodPost, path, nil, body, true, out)
}

func (a *Adapter) call(ctx context.Context, method, path string, query url.Values, body interface{}, private bool, out interface{}) error {
	if err := a.Wait(ctx); err != nil {
		return err
	}
	header, err := a.rest.call(ctx, method, path, query, body, private, out)
	a.ObserveHeader(header)
	return err
}

// contractSize is the base amount of one contract; unknown instruments
// count one contract per base unit.
func (a *Adapter) contractSize(symbol string) float64 {
	if cs := a.Catalog.Lookup(symbol).ContractSize; cs > 0 {
		return cs
	}
	return 1
}

func (a *Adapter) LoadInstruments(ctx context.Context) (venue.Instruments, error) {
	var list []struct {
		InstID   string    `json:"instId"`
		State    string    `json:"state"`
		CtVal    venue.Num `json:"ctVal"`
		CtMult   venue.Num `json:"ctMult"`
		LotSz    venue.Num `json:"lotSz"`
		MinSz    venue.Num `json:"minSz"`
		MaxLmtSz venue.Num `json:"maxLmtSz"`
		MaxMktSz venue.Num `json:"maxMktSz"`
		TickSz   venue.Num `json:"tickSz"`
		Lever    venue.Num `json:"lever"`
	}
	if err := a.get(ctx, "/api/v5/public/instruments", url.Values{"instType": {instType}}, false, &list); err != nil {
		return nil, err
	}
	out := make(venue.Instruments, len(list))
	for _, s := range list {
		if s.State != "live" {
			continue
		}
		unified, err := a.codec.ToUnified(s.InstID)
		if err != nil {
			continue
		}
		cs := s.CtVal.Float()
		if s.CtMult.Valid && s.CtMult.Value > 0 {
			cs *= s.CtMult.Value
		}
		out[unified] = venue.Instrument{
			Symbol:       unified,
			NativeID:     s.InstID,
			LotStep:      s.LotSz.Float(),
			MinQty:       s.MinSz.Float(),
			MaxQty:       s.MaxLmtSz.Float(),
			MaxMarketQty: s.MaxMktSz.Float(),
			PriceTick:    s.TickSz.Float(),
			MaxLeverage:  s.Lever.Float(),
			ContractSize: cs,
		}
	}
	a.Catalog.Replace(out)
	return out, nil
}

// positionRecord is shared by the REST list and the positions channel.
type positionRecord struct {
	InstID  string    `json:"instId"`
	PosSide string    `json:"posSide"`
	Pos     venue.Num `json:"pos"`
	AvgPx   venue.Num `json:"avgPx"`
	MarkPx  venue.Num `json:"markPx"`
	LiqPx   venue.Num `json:"liqPx"`
	Lever   venue.Num `json:"lever"`
	MgnMode string    `json:"mgnMode"`
	Margin  venue.Num `json:"margin"`
	Imr     venue.Num `json:"imr"`
	Upl     venue.Num `json:"upl"`
	UTime   venue.Num `json:"uTime"`
}

func (a *Adapter) position(r positionRecord) models.Position {
	symbol := a.unified(r.InstID)
	contracts := r.Pos.Float()
	side := models.SideLong
	switch strings.ToLower(r.PosSide) {
	case "long":
	case "short":
		side = models.SideShort
	default:
		if contracts < 0 {
			side = models.SideShort
		}
	}
	if contracts < 0 {
		contracts = -contracts
	}
	mode := models.MarginCross
	margin := r.Imr.Float()
	if strings.EqualFold(r.MgnMode, "isolated") {
		mode = models.MarginIsolated
		margin = r.Margin.Float()
	}
	return models.Position{
		Exchange:         config.VenueOkx,
		Symbol:           symbol,
		Side:             side,
		Size:             contracts * a.contractSize(symbol),
		EntryPrice:       r.AvgPx.Float(),
		MarkPrice:        r.MarkPx.Float(),
		LiquidationPrice: r.LiqPx.Float(),
		Leverage:         r.Lever.Float(),
		MarginMode:       mode,
		Margin:           margin,
		UnrealizedPnl:    r.Upl.Float(),
		Timestamp:        r.UTime.Int64(),
	}
}

func (a *Adapter) FetchPositions(ctx context.Context) []models.Position {
	if a.RequireCredentials() != nil {
		return nil
	}
	var list []positionRecord
	if err := a.get(ctx, "/api/v5/account/positions", url.Values{"instType": {instType}}, true, &list); err != nil {
		a.SnapshotFailed("positions", err)
		return nil
	}
	out := make([]models.Position, 0, len(list))
	for _, r := range list {
		if p := a.position(r); p.Size > 0 {
			out = append(out, p)
		}
	}
	return out
}

// orderRecord is shared by the pending order list and the orders channel.
type orderRecord struct {
	InstID     string    `json:"instId"`
	OrdID      string    `json:"ordId"`
	ClOrdID    string    `json:"clOrdId"`
	Side       string    `json:"side"`
	PosSide    string    `json:"posSide"`
	OrdType    string    `json:"ordType"`
	Sz         venue.Num `json:"sz"`
	Px         venue.Num `json:"px"`
	AccFillSz  venue.Num `json:"accFillSz"`
	FillPx     venue.Num `json:"fillPx"`
	FillSz     venue.Num `json:"fillSz"`
	TradeID    string    `json:"tradeId"`
	FillPnl    venue.Num `json:"fillPnl"`
	Pnl        venue.Num `json:"pnl"`
	Fee        venue.Num `json:"fee"`
	State      string    `json:"state"`
	ReduceOnly string    `json:"reduceOnly"`
	FillTime   venue.Num `json:"fillTime"`
	UTime      venue.Num `json:"uTime"`
}

func (a *Adapter) order(r orderRecord) models.Order {
	symbol := a.unified(r.InstID)
	cs := a.contractSize(symbol)
	return models.Order{
		Exchange:   config.VenueOkx,
		Symbol:     symbol,
		ID:         r.OrdID,
		ClientID:   r.ClOrdID,
		Side:       orderSide(r.Side),
		Type:       strings.ToLower(r.OrdType),
		Size:       r.Sz.Float() * cs,
		Price:      r.Px.Float(),
		Filled:     r.AccFillSz.Float() * cs,
		Status:     orderStatus(r.State),
		Category:   models.CategoryRegular,
		ReduceOnly: r.ReduceOnly == "true",
		Timestamp:  r.UTime.Int64(),
	}
}

type algoRecord struct {
	InstID      string    `json:"instId"`
	AlgoID      string    `json:"algoId"`
	AlgoClOrdID string    `json:"algoClOrdId"`
	Side        string    `json:"side"`
	OrdType     string    `json:"ordType"`
	Sz          venue.Num `json:"sz"`
	TpTriggerPx venue.Num `json:"tpTriggerPx"`
	SlTriggerPx venue.Num `json:"slTriggerPx"`
	TriggerPx   venue.Num `json:"triggerPx"`
	State       string    `json:"state"`
	ReduceOnly  string    `json:"reduceOnly"`
	UTime       venue.Num `json:"uTime"`
	CTime       venue.Num `json:"cTime"`
}

// algoOrders maps a pending algo order; oco and conditional orders with both
// triggers become two synthetic legs.
func (a *Adapter) algoOrders(r algoRecord) []models.Order {
	symbol := a.unified(r.InstID)
	ts := r.UTime.Int64()
	if ts == 0 {
		ts = r.CTime.Int64()
	}
	o := models.Order{
		Exchange:     config.VenueOkx,
		Symbol:       symbol,
		ID:           r.AlgoID,
		ClientID:     r.AlgoClOrdID,
		Side:         orderSide(r.Side),
		Type:         strings.ToLower(r.OrdType),
		Size:         r.Sz.Float() * a.contractSize(symbol),
		TriggerPrice: r.TriggerPx.Float(),
		Status:       algoStatus(r.State),
		Category:     models.CategoryAlgo,
		ReduceOnly:   r.ReduceOnly == "true",
		Timestamp:    ts,
	}
	if r.OrdType != "oco" && r.OrdType != "conditional" {
		return []models.Order{o}
	}
	return venue.SplitTPSL(o, r.TpTriggerPx.Float(), r.SlTriggerPx.Float())
}

func (a *Adapter) FetchOrders(ctx context.Context) []models.Order {
	if a.RequireCredentials() != nil {
		return nil
	}
	var pending []orderRecord
	if err := a.get(ctx, "/api/v5/trade/orders-pending", url.Values{"instType": {instType}}, true, &pending); err != nil {
		a.SnapshotFailed("orders", err)
		return nil
	}
	out := make([]models.Order, 0, len(pending))
	for _, r := range pending {
		out = append(out, a.order(r))
	}

	var algos []algoRecord
	query := url.Values{"instType": {instType}, "ordType": {"conditional,oco"}}
	if err := a.get(ctx, "/api/v5/trade/orders-algo-pending", query, true, &algos); err != nil {
		// without the algo half the algo orders would read as cancelled
		a.SnapshotFailed("algo_orders", err)
		return nil
	}
	for _, r := range algos {
		out = append(out, a.algoOrders(r)...)
	}
	return out
}

type accountRecord struct {
	TotalEq venue.Num `json:"totalEq"`
	UTime   venue.Num `json:"uTime"`
	Details []struct {
		Ccy      string    `json:"ccy"`
		Eq       venue.Num `json:"eq"`
		AvailEq  venue.Num `json:"availEq"`
		AvailBal venue.Num `json:"availBal"`
	} `json:"details"`
}

// balance takes the account equity as total and the USDT available equity
// as available.
func balance(r accountRecord, ts int64) models.Balance {
	var available float64
	for _, d := range r.Details {
		if d.Ccy != "USDT" {
			continue
		}
		available = d.AvailEq.Float()
		if !d.AvailEq.Valid {
			available = d.AvailBal.Float()
		}
	}
	if u := r.UTime.Int64(); u > 0 {
		ts = u
	}
	return models.NewBalance(config.VenueOkx, "USD", r.TotalEq.Float(), available, ts)
}

func (a *Adapter) FetchBalance(ctx context.Context) *models.Balance {
	if a.RequireCredentials() != nil {
		return nil
	}
	var list []accountRecord
	if err := a.get(ctx, "/api/v5/account/balance", nil, true, &list); err != nil {
		a.SnapshotFailed("balance", err)
		return nil
	}
	if len(list) == 0 {
		return nil
	}
	b := balance(list[0], venue.NowMillis())
	return &b
}

// FetchClosedTrades reads the position history, which OKX reports per
// closed position.
func (a *Adapter) FetchClosedTrades(ctx context.Context, since int64) []models.ClosedTrade {
	if a.RequireCredentials() != nil {
		return nil
	}
	query := url.Values{"instType": {instType}}
	if since > 0 {
		query.Set("before", strconv.FormatInt(since, 10))
	}
	var list []struct {
		InstID        string    `json:"instId"`
		PosID         string    `json:"posId"`
		Direction     string    `json:"direction"`
		OpenAvgPx     venue.Num `json:"openAvgPx"`
		CloseAvgPx    venue.Num `json:"closeAvgPx"`
		CloseTotalPos venue.Num `json:"closeTotalPos"`
		RealizedPnl   venue.Num `json:"realizedPnl"`
		Lever         venue.Num `json:"lever"`
		UTime         venue.Num `json:"uTime"`
	}
	if err := a.get(ctx, "/api/v5/account/positions-history", query, true, &list); err != nil {
		a.SnapshotFailed("closed_trades", err)
		return nil
	}
	out := make([]models.ClosedTrade, 0, len(list))
	for _, r := range list {
		symbol := a.unified(r.InstID)
		side := models.SideLong
		if strings.EqualFold(r.Direction, "short") {
			side = models.SideShort
		}
		out = append(out, models.ClosedTrade{
			Exchange:    config.VenueOkx,
			Symbol:      symbol,
			OrderID:     r.PosID,
			Side:        side,
			Size:        r.CloseTotalPos.Float() * a.contractSize(symbol),
			EntryPrice:  r.OpenAvgPx.Float(),
			ExitPrice:   r.CloseAvgPx.Float(),
			RealizedPnl: r.RealizedPnl.Float(),
			Leverage:    r.Lever.Float(),
			ClosedAt:    r.UTime.Int64(),
		})
	}
	return out
}

// contracts converts a base-unit request into venue contracts so splitting
// works against the contract-denominated lot rules.
func (a *Adapter) contracts(req venue.OrderRequest) venue.OrderRequest {
	req.Size /= a.contractSize(req.Symbol)
	return req
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, req venue.OrderRequest) ([]venue.OrderResult, error) {
	if err := a.RequireCredentials(); err != nil {
		return nil, err
	}
	if err := venue.ValidateSize(req.Size); err != nil {
		return nil, err
	}
	req.Type = venue.OrderTypeMarket
	req = venue.HedgeLeg(req, a.Config.HedgeMode)
	if req.ClientID == "" {
		req.ClientID = venue.NewClientID("cw", clientIDLen-4)
	}
	return venue.PlaceSplit(ctx, a.contracts(req), a.Catalog.Lookup(req.Symbol), a.placeOne)
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
	return venue.PlaceSplit(ctx, a.contracts(order), a.Catalog.Lookup(order.Symbol), a.placeOne)
}

type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// orderBody renders one child; req.Size is already in contracts.
func (a *Adapter) orderBody(req venue.OrderRequest) (map[string]interface{}, error) {
	native, err := a.native(req.Symbol)
	if err != nil {
		return nil, err
	}
	inst := a.Catalog.Lookup(req.Symbol)
	body := map[string]interface{}{
		"instId":  native,
		"tdMode":  "cross",
		"side":    string(req.Side),
		"ordType": "market",
		"sz":      inst.FormatSize(req.Size),
	}
	if req.Type == venue.OrderTypeLimit {
		body["ordType"] = "limit"
		body["px"] = inst.FormatPrice(req.Price)
	}
	if req.ClientID != "" {
		body["clOrdId"] = req.ClientID
	}
	if req.PositionSide != "" {
		body["posSide"] = string(req.PositionSide)
	} else if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	return body, nil
}

func (a *Adapter) placeOne(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	body, err := a.orderBody(req)
	if err != nil {
		return venue.OrderResult{}, err
	}
	var acks []orderAck
	if err := a.post(ctx, "/api/v5/trade/order", body, &acks); err != nil {
		return venue.OrderResult{}, a.CommandFailed("place_order", req.Symbol, err)
	}
	if len(acks) == 0 {
		return venue.OrderResult{}, a.CommandFailed("place_order", req.Symbol, fmt.Errorf("empty acknowledgement"))
	}
	if acks[0].SCode != "" && acks[0].SCode != "0" {
		return venue.OrderResult{}, a.CommandFailed("place_order", req.Symbol, &APIError{Code: acks[0].SCode, Message: acks[0].SMsg})
	}
	return venue.OrderResult{
		ID:       acks[0].OrdID,
		ClientID: acks[0].ClOrdID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Size:     req.Size * a.contractSize(req.Symbol),
		Price:    req.Price,
		Status:   string(models.StatusOpen),
	}, nil
}

// CancelOrder routes synthetic TP/SL ids to the algo cancel endpoint.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, id string) error {
	if err := a.RequireCredentials(); err != nil {
		return err
	}
	native, err := a.native(symbol)
	if err != nil {
		return err
	}
	if algoID, ok := parentID(id); ok {
		body := []map[string]string{{"instId": native, "algoId": algoID}}
		if err := a.post(ctx, "/api/v5/trade/cancel-algos", body, nil); err != nil {
			return a.CommandFailed("cancel_order", symbol, err)
		}
		return nil
	}
	var acks []orderAck
	if err := a.post(ctx, "/api/v5/trade/cancel-order", map[string]string{"instId": native, "ordId": id}, &acks); err != nil {
		return a.CommandFailed("cancel_order", symbol, err)
	}
	if len(acks) > 0 && acks[0].SCode != "" && acks[0].SCode != "0" {
		return a.CommandFailed("cancel_order", symbol, &APIError{Code: acks[0].SCode, Message: acks[0].SMsg})
	}
	return nil
}

func parentID(id string) (string, bool) {
	for _, suffix := range []string{models.TakeProfitSuffix, models.StopLossSuffix} {
		if strings.HasSuffix(id, suffix) {
			return strings.TrimSuffix(id, suffix), true
		}
	}
	return "", false
}

// CancelAllOrders has no venue endpoint; pending regular orders are
// cancelled in batches.
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := a.RequireCredentials(); err != nil {
		return err
	}
	query := url.Values{"instType": {instType}}
	if symbol != "" {
		native, err := a.native(symbol)
		if err != nil {
			return err
		}
		query.Set("instId", native)
	}
	var pending []orderRecord
	if err := a.get(ctx, "/api/v5/trade/orders-pending", query, true, &pending); err != nil {
		return a.CommandFailed("cancel_all_orders", symbol, err)
	}
	var firstErr error
	for start := 0; start < len(pending); start += cancelBatch {
		end := start + cancelBatch
		if end > len(pending) {
			end = len(pending)
		}
		body := make([]map[string]string, 0, end-start)
		for _, o := range pending[start:end] {
			body = append(body, map[string]string{"instId": o.InstID, "ordId": o.OrdID})
		}
		if err := a.post(ctx, "/api/v5/trade/cancel-batch-orders", body, nil); err != nil && firstErr == nil {
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
	body := map[string]string{"instId": native, "lever": strconv.Itoa(leverage), "mgnMode": "cross"}
	if err := a.post(ctx, "/api/v5/account/set-leverage", body, nil); err != nil {
		return a.CommandFailed("set_leverage", symbol, err)
	}
	return nil
}

func orderSide(s string) models.OrderSide {
	if strings.EqualFold(s, "sell") {
		return models.SideSell
	}
	return models.SideBuy
}

func orderStatus(s string) models.OrderStatus {
	switch s {
	case "partially_filled":
		return models.StatusPartial
	case "filled":
		return models.StatusClosed
	case "canceled", "mmp_canceled":
		return models.StatusCanceled
	}
	return models.StatusOpen
}

func algoStatus(s string) models.OrderStatus {
	switch s {
	case "effective":
		return models.StatusClosed
	case "canceled", "order_failed", "partially_failed":
		return models.StatusCanceled
	}
	return models.StatusOpen
}
