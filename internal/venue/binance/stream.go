package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cryptoworker/config"
	"cryptoworker/internal/models"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/venue"
)

// Streams subscribed per symbol.
var symbolStreams = []string{"@ticker", "@bookTicker", "@markPrice@1s"}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *Adapter) encodeSubscribe(topics []string) ([]byte, error) {
	a.mu.Lock()
	a.subID++
	id := a.subID
	a.mu.Unlock()
	return json.Marshal(subscribeFrame{Method: "SUBSCRIBE", Params: topics, ID: id})
}

// PublicShards spreads the symbol streams over as many sockets as the
// per-connection stream cap needs.
func (a *Adapter) PublicShards(natives []string, localIP string, sink venue.Sink) ([]stream.ShardSpec, error) {
	groups := stream.PartitionSymbols(natives, a.Config.MaxSubscriptionsPerConn, len(symbolStreams))
	specs := make([]stream.ShardSpec, 0, len(groups))
	for i, group := range groups {
		topics := make([]string, 0, len(group)*len(symbolStreams))
		for _, native := range group {
			lower := strings.ToLower(native)
			for _, suffix := range symbolStreams {
				topics = append(topics, lower+suffix)
			}
		}
		specs = append(specs, stream.ShardSpec{
			Key:             shardKey("public", i, localIP),
			Venue:           config.VenueBinance,
			URL:             a.publicURL(),
			LocalIP:         localIP,
			Topics:          topics,
			BatchSize:       a.Config.MaxTopicsPerRequest,
			EncodeSubscribe: a.encodeSubscribe,
			ControlPing:     true,
			Handler: func(msg []byte) error {
				for _, frag := range a.ParseTickerFragment(msg) {
					sink.Fragment(frag)
				}
				return nil
			},
		})
	}
	return specs, nil
}

// PrivateShard runs the user data stream. Every connect fetches a fresh
// listen key.
func (a *Adapter) PrivateShard(sink venue.Sink) (stream.ShardSpec, bool, error) {
	if !a.Config.Private {
		return stream.ShardSpec{}, false, nil
	}
	if err := a.RequireCredentials(); err != nil {
		return stream.ShardSpec{}, false, err
	}
	return stream.ShardSpec{
		Key:   config.VenueBinance + "/private",
		Venue: config.VenueBinance,
		ResolveURL: func(ctx context.Context) (string, error) {
			key, err := a.startListenKey(ctx)
			if err != nil {
				return "", err
			}
			return a.privateURL(key), nil
		},
		ControlPing: true,
		Handler: func(msg []byte) error {
			update, err := a.parseUserData(msg)
			if err != nil {
				return err
			}
			if update != nil {
				sink.Account(*update)
			}
			return nil
		},
	}, true, nil
}

func shardKey(kind string, i int, localIP string) string {
	key := config.VenueBinance + "/" + kind + "-" + strconv.Itoa(i)
	if localIP != "" {
		key += "@" + localIP
	}
	return key
}

type envelope struct {
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
}

// Field names collide case-insensitively (s/S, a/A, c/C ...), so every
// frame struct names both spellings it can receive.
type tickerEvent struct {
	Event      string    `json:"e"`
	EventTime  int64     `json:"E"`
	Symbol     string    `json:"s"`
	Change     venue.Num `json:"p"`
	ChangePct  venue.Num `json:"P"`
	Weighted   venue.Num `json:"w"`
	Last       venue.Num `json:"c"`
	CloseTime  int64     `json:"C"`
	Open       venue.Num `json:"o"`
	OpenTime   int64     `json:"O"`
	High       venue.Num `json:"h"`
	Low        venue.Num `json:"l"`
	Volume     venue.Num `json:"v"`
	QuoteVol   venue.Num `json:"q"`
	LastQty    venue.Num `json:"Q"`
	FirstTrade int64     `json:"F"`
	LastTrade  int64     `json:"L"`
	Count      int64     `json:"n"`
}

type bookTickerEvent struct {
	Event     string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Bid       venue.Num `json:"b"`
	BidQty    venue.Num `json:"B"`
	Ask       venue.Num `json:"a"`
	AskQty    venue.Num `json:"A"`
	TradeTime int64     `json:"T"`
	UpdateID  int64     `json:"u"`
}

type markPriceEvent struct {
	Event       string    `json:"e"`
	EventTime   int64     `json:"E"`
	Symbol      string    `json:"s"`
	Mark        venue.Num `json:"p"`
	Settle      venue.Num `json:"P"`
	Index       venue.Num `json:"i"`
	Funding     venue.Num `json:"r"`
	NextFunding int64     `json:"T"`
}

// ParseTickerFragment understands 24hrTicker, bookTicker and
// markPriceUpdate frames, raw or wrapped in a combined stream envelope.
func (a *Adapter) ParseTickerFragment(raw []byte) []models.TickerFragment {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	payload := raw
	if len(env.Data) > 0 {
		payload = env.Data
		var inner envelope
		if err := json.Unmarshal(payload, &inner); err != nil {
			return nil
		}
		env.Event = inner.Event
	}

	switch env.Event {
	case "24hrTicker":
		var ev tickerEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Symbol == "" {
			return nil
		}
		frag := a.fragment(ev.Symbol, ev.EventTime)
		setNum(&frag, models.FieldLastPrice, ev.Last)
		setNum(&frag, models.FieldPrice24h, ev.Open)
		setNum(&frag, models.FieldVolume24h, ev.Volume)
		return nonEmpty(frag)
	case "bookTicker":
		var ev bookTickerEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Symbol == "" {
			return nil
		}
		ts := ev.EventTime
		if ts == 0 {
			ts = ev.TradeTime
		}
		frag := a.fragment(ev.Symbol, ts)
		setNum(&frag, models.FieldBestBid, ev.Bid)
		setNum(&frag, models.FieldBestAsk, ev.Ask)
		return nonEmpty(frag)
	case "markPriceUpdate":
		var ev markPriceEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Symbol == "" {
			return nil
		}
		frag := a.fragment(ev.Symbol, ev.EventTime)
		setNum(&frag, models.FieldFundingRate, ev.Funding)
		if ev.NextFunding > 0 {
			frag.SetFloat(models.FieldNextFundingTime, float64(ev.NextFunding))
		}
		return nonEmpty(frag)
	}
	return nil
}

func (a *Adapter) fragment(native string, ts int64) models.TickerFragment {
	return models.TickerFragment{Exchange: config.VenueBinance, Symbol: a.unified(native), Timestamp: ts}
}

func setNum(f *models.TickerFragment, field models.TickerField, n venue.Num) {
	if n.Valid {
		f.SetFloat(field, n.Value)
	}
}

func nonEmpty(f models.TickerFragment) []models.TickerFragment {
	if f.Empty() {
		return nil
	}
	return []models.TickerFragment{f}
}

type accountUpdateEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Data      struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset  string    `json:"a"`
			Wallet venue.Num `json:"wb"`
			Cross  venue.Num `json:"cw"`
			Change venue.Num `json:"bc"`
		} `json:"B"`
		Positions []struct {
			Symbol     string    `json:"s"`
			Amount     venue.Num `json:"pa"`
			Entry      venue.Num `json:"ep"`
			BreakEven  venue.Num `json:"bep"`
			Realized   venue.Num `json:"cr"`
			Unrealized venue.Num `json:"up"`
			MarginType string    `json:"mt"`
			Isolated   venue.Num `json:"iw"`
			Side       string    `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

type orderUpdateEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Order     struct {
		Symbol        string    `json:"s"`
		Side          string    `json:"S"`
		ClientID      string    `json:"c"`
		Type          string    `json:"o"`
		OrigType      string    `json:"ot"`
		TimeInForce   string    `json:"f"`
		Quantity      venue.Num `json:"q"`
		Price         venue.Num `json:"p"`
		AvgPrice      venue.Num `json:"ap"`
		ActivatePrice venue.Num `json:"AP"`
		StopPrice     venue.Num `json:"sp"`
		ExecType      string    `json:"x"`
		Status        string    `json:"X"`
		OrderID       int64     `json:"i"`
		LastQty       venue.Num `json:"l"`
		LastPrice     venue.Num `json:"L"`
		CumQty        venue.Num `json:"z"`
		Commission    venue.Num `json:"n"`
		CommAsset     string    `json:"N"`
		TradeTime     int64     `json:"T"`
		TradeID       int64     `json:"t"`
		ReduceOnly    bool      `json:"R"`
		PositionSide  string    `json:"ps"`
		RealizedPnl   venue.Num `json:"rp"`
		IsMaker       bool      `json:"m"`
	} `json:"o"`
}

// parseUserData turns one user data frame into an account update. A nil
// update with nil error means the frame carries nothing of interest.
func (a *Adapter) parseUserData(raw []byte) (*models.AccountUpdate, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("binance user data: %w", err)
	}
	switch env.Event {
	case "listenKeyExpired":
		return nil, fmt.Errorf("binance listen key expired: %w", stream.ErrReconnect)
	case "ACCOUNT_UPDATE":
		var ev accountUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("binance account update: %w", err)
		}
		update := &models.AccountUpdate{Exchange: config.VenueBinance, Timestamp: ev.EventTime}
		for _, p := range ev.Data.Positions {
			amount := p.Amount.Float()
			size := amount
			if size < 0 {
				size = -size
			}
			update.Positions = append(update.Positions, models.Position{
				Exchange:      config.VenueBinance,
				Symbol:        a.unified(p.Symbol),
				Side:          positionSide(p.Side, amount),
				Size:          size,
				EntryPrice:    p.Entry.Float(),
				MarginMode:    marginMode(p.MarginType),
				Margin:        p.Isolated.Float(),
				UnrealizedPnl: p.Unrealized.Float(),
				Timestamp:     ev.EventTime,
			})
		}
		// Wallet deltas carry no available balance; ask for a REST refresh.
		update.RefetchAccount = len(ev.Data.Balances) > 0
		return update, nil
	case "ORDER_TRADE_UPDATE":
		var ev orderUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("binance order update: %w", err)
		}
		o := ev.Order
		orderType := o.OrigType
		if orderType == "" {
			orderType = o.Type
		}
		symbol := a.unified(o.Symbol)
		id := strconv.FormatInt(o.OrderID, 10)
		update := &models.AccountUpdate{
			Exchange: config.VenueBinance,
			Orders: []models.Order{{
				Exchange:     config.VenueBinance,
				Symbol:       symbol,
				ID:           id,
				ClientID:     o.ClientID,
				Side:         orderSide(o.Side),
				Type:         strings.ToLower(orderType),
				Size:         o.Quantity.Float(),
				Price:        o.Price.Float(),
				TriggerPrice: o.StopPrice.Float(),
				Filled:       o.CumQty.Float(),
				Status:       orderStatus(o.Status),
				Category:     orderCategory(orderType),
				ReduceOnly:   o.ReduceOnly,
				Timestamp:    ev.TxTime,
			}},
			Timestamp: ev.EventTime,
		}
		if strings.EqualFold(o.ExecType, "TRADE") && o.LastQty.Float() > 0 {
			update.Fills = []models.Fill{{
				Exchange:     config.VenueBinance,
				Symbol:       symbol,
				OrderID:      id,
				TradeID:      strconv.FormatInt(o.TradeID, 10),
				Side:         orderSide(o.Side),
				PositionSide: hedgeSide(o.PositionSide),
				Price:        o.LastPrice.Float(),
				Size:         o.LastQty.Float(),
				RealizedPnl:  o.RealizedPnl.Float(),
				HasPnl:       o.RealizedPnl.Valid,
				Fee:          o.Commission.Float(),
				Timestamp:    o.TradeTime,
			}}
		}
		return update, nil
	}
	return nil, nil
}
