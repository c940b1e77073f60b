package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cryptoworker/config"
	"cryptoworker/internal/models"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/venue"
)

const (
	publicURL         = "wss://stream.bybit.com/v5/public/linear"
	testnetPublicURL  = "wss://stream-testnet.bybit.com/v5/public/linear"
	privateURL        = "wss://stream.bybit.com/v5/private"
	testnetPrivateURL = "wss://stream-testnet.bybit.com/v5/private"

	// Lifetime of the signed auth frame.
	authWindow = 10 * time.Second
)

var privateTopics = []string{"position", "order", "execution", "wallet"}

type opFrame struct {
	ReqID string        `json:"req_id,omitempty"`
	Op    string        `json:"op"`
	Args  []interface{} `json:"args,omitempty"`
}

// reply is the venue answer to an op frame.
type reply struct {
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Op      string `json:"op"`
	ConnID  string `json:"conn_id"`
}

func (a *Adapter) nextReqID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqID++
	return strconv.FormatInt(a.reqID, 10)
}

func (a *Adapter) encodeSubscribe(topics []string) ([]byte, error) {
	args := make([]interface{}, len(topics))
	for i, t := range topics {
		args[i] = t
	}
	return json.Marshal(opFrame{ReqID: a.nextReqID(), Op: "subscribe", Args: args})
}

func ping() []byte {
	return []byte(`{"op":"ping"}`)
}

// isPong matches both the public ({"op":"pong"}) and private
// ({"op":"ping","ret_msg":"pong"}) heartbeat answers.
func isPong(msg []byte) bool {
	if len(msg) > 128 || !strings.Contains(string(msg), "pong") {
		return false
	}
	var r reply
	if err := json.Unmarshal(msg, &r); err != nil {
		return false
	}
	return r.Op == "pong" || (r.Op == "ping" && r.RetMsg == "pong")
}

func (a *Adapter) publicURL() string {
	if a.Config.PublicURL != "" {
		return a.Config.PublicURL
	}
	if a.Config.Testnet {
		return testnetPublicURL
	}
	return publicURL
}

func (a *Adapter) privateURL() string {
	if a.Config.PrivateURL != "" {
		return a.Config.PrivateURL
	}
	if a.Config.Testnet {
		return testnetPrivateURL
	}
	return privateURL
}

func (a *Adapter) PublicShards(natives []string, localIP string, sink venue.Sink) ([]stream.ShardSpec, error) {
	groups := stream.PartitionSymbols(natives, a.Config.MaxSubscriptionsPerConn, 1)
	specs := make([]stream.ShardSpec, 0, len(groups))
	for i, group := range groups {
		topics := make([]string, len(group))
		for j, native := range group {
			topics[j] = "tickers." + strings.ToUpper(native)
		}
		key := config.VenueBybit + "/public-" + strconv.Itoa(i)
		if localIP != "" {
			key += "@" + localIP
		}
		specs = append(specs, stream.ShardSpec{
			Key:             key,
			Venue:           config.VenueBybit,
			URL:             a.publicURL(),
			LocalIP:         localIP,
			Topics:          topics,
			BatchSize:       a.Config.MaxTopicsPerRequest,
			EncodeSubscribe: a.encodeSubscribe,
			Ping:            ping,
			IsPong:          isPong,
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

func (a *Adapter) PrivateShard(sink venue.Sink) (stream.ShardSpec, bool, error) {
	if !a.Config.Private {
		return stream.ShardSpec{}, false, nil
	}
	if err := a.RequireCredentials(); err != nil {
		return stream.ShardSpec{}, false, err
	}
	return stream.ShardSpec{
		Key:             config.VenueBybit + "/private",
		Venue:           config.VenueBybit,
		URL:             a.privateURL(),
		Handshake:       a.authenticate,
		Topics:          privateTopics,
		EncodeSubscribe: a.encodeSubscribe,
		Ping:            ping,
		IsPong:          isPong,
		Handler: func(msg []byte) error {
			update, err := a.parsePrivate(msg)
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

// sign is the hex HMAC-SHA256 of GET/realtime{expires}.
func sign(secret string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func authFrame(key, secret string, now time.Time) opFrame {
	expires := now.Add(authWindow).UnixMilli()
	return opFrame{Op: "auth", Args: []interface{}{key, expires, sign(secret, expires)}}
}

// authenticate sends the signed auth op and waits for its answer.
func (a *Adapter) authenticate(ctx context.Context, conn *stream.Conn) error {
	if err := conn.WriteJSON(authFrame(a.Config.APIKey, a.Config.APISecret, time.Now())); err != nil {
		return fmt.Errorf("bybit auth send: %w", err)
	}
	end := time.Now().Add(authWindow)
	if d, ok := ctx.Deadline(); ok {
		end = d
	}
	for {
		left := time.Until(end)
		if left <= 0 {
			return fmt.Errorf("bybit auth reply: %w", context.DeadlineExceeded)
		}
		msg, err := conn.ReadMessage(left)
		if err != nil {
			return fmt.Errorf("bybit auth reply: %w", err)
		}
		var r reply
		if err := json.Unmarshal(msg, &r); err != nil || r.Op != "auth" {
			continue
		}
		if r.Success == nil || !*r.Success {
			return fmt.Errorf("%w: bybit: %s", stream.ErrAuthFailed, r.RetMsg)
		}
		return nil
	}
}

type topicFrame struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
	// private frames
	CreationTime int64 `json:"creationTime"`
}

type tickerData struct {
	Symbol          string    `json:"symbol"`
	LastPrice       venue.Num `json:"lastPrice"`
	Bid1Price       venue.Num `json:"bid1Price"`
	Ask1Price       venue.Num `json:"ask1Price"`
	PrevPrice24h    venue.Num `json:"prevPrice24h"`
	Volume24h       venue.Num `json:"volume24h"`
	FundingRate     venue.Num `json:"fundingRate"`
	NextFundingTime venue.Num `json:"nextFundingTime"`
	MarkPrice       venue.Num `json:"markPrice"`
}

// ParseTickerFragment handles tickers.* snapshots and deltas. Deltas carry
// only changed fields, which is what the fragment flags express.
func (a *Adapter) ParseTickerFragment(raw []byte) []models.TickerFragment {
	var frame topicFrame
	if err := json.Unmarshal(raw, &frame); err != nil || !strings.HasPrefix(frame.Topic, "tickers.") {
		return nil
	}
	var d tickerData
	if err := json.Unmarshal(frame.Data, &d); err != nil {
		return nil
	}
	native := d.Symbol
	if native == "" {
		native = strings.TrimPrefix(frame.Topic, "tickers.")
	}
	frag := models.TickerFragment{Exchange: config.VenueBybit, Symbol: a.unified(native), Timestamp: frame.TS}
	set := func(field models.TickerField, n venue.Num) {
		if n.Valid {
			frag.SetFloat(field, n.Value)
		}
	}
	set(models.FieldLastPrice, d.LastPrice)
	set(models.FieldBestBid, d.Bid1Price)
	set(models.FieldBestAsk, d.Ask1Price)
	set(models.FieldPrice24h, d.PrevPrice24h)
	set(models.FieldVolume24h, d.Volume24h)
	set(models.FieldFundingRate, d.FundingRate)
	set(models.FieldNextFundingTime, d.NextFundingTime)
	if frag.Empty() {
		return nil
	}
	return []models.TickerFragment{frag}
}

type executionRecord struct {
	Symbol     string    `json:"symbol"`
	OrderID    string    `json:"orderId"`
	ExecID     string    `json:"execId"`
	Side       string    `json:"side"`
	ExecPrice  venue.Num `json:"execPrice"`
	ExecQty    venue.Num `json:"execQty"`
	ExecFee    venue.Num `json:"execFee"`
	ExecType   string    `json:"execType"`
	ClosedSize venue.Num `json:"closedSize"`
	ExecPnl    venue.Num `json:"execPnl"`
	ExecTime   venue.Num `json:"execTime"`
}

// parsePrivate decodes position, order, execution and wallet topics.
func (a *Adapter) parsePrivate(raw []byte) (*models.AccountUpdate, error) {
	var frame topicFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("bybit private frame: %w", err)
	}
	ts := frame.CreationTime
	if ts == 0 {
		ts = frame.TS
	}
	update := &models.AccountUpdate{Exchange: config.VenueBybit, Timestamp: ts}
	switch frame.Topic {
	case "position":
		var recs []positionRecord
		if err := json.Unmarshal(frame.Data, &recs); err != nil {
			return nil, fmt.Errorf("bybit position topic: %w", err)
		}
		for _, r := range recs {
			update.Positions = append(update.Positions, a.position(r))
		}
	case "order":
		var recs []orderRecord
		if err := json.Unmarshal(frame.Data, &recs); err != nil {
			return nil, fmt.Errorf("bybit order topic: %w", err)
		}
		for _, r := range recs {
			update.Orders = append(update.Orders, a.orders(r)...)
		}
	case "execution":
		var recs []executionRecord
		if err := json.Unmarshal(frame.Data, &recs); err != nil {
			return nil, fmt.Errorf("bybit execution topic: %w", err)
		}
		for _, r := range recs {
			if r.ExecType != "" && r.ExecType != "Trade" {
				continue
			}
			update.Fills = append(update.Fills, models.Fill{
				Exchange:    config.VenueBybit,
				Symbol:      a.unified(r.Symbol),
				OrderID:     r.OrderID,
				TradeID:     r.ExecID,
				Side:        orderSide(r.Side),
				Price:       r.ExecPrice.Float(),
				Size:        r.ExecQty.Float(),
				RealizedPnl: r.ExecPnl.Float(),
				HasPnl:      r.ClosedSize.Float() > 0,
				Fee:         r.ExecFee.Float(),
				Timestamp:   r.ExecTime.Int64(),
			})
		}
	case "wallet":
		var recs []walletRecord
		if err := json.Unmarshal(frame.Data, &recs); err != nil {
			return nil, fmt.Errorf("bybit wallet topic: %w", err)
		}
		for _, w := range recs {
			if w.AccountType != "" && w.AccountType != accountType {
				continue
			}
			b := walletBalance(w, ts)
			update.Balance = &b
		}
	default:
		// subscribe and auth acknowledgements
		return nil, nil
	}
	return update, nil
}
