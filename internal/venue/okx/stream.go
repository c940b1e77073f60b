package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cryptoworker/config"
	"cryptoworker/internal/models"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/venue"
)

const (
	publicURL         = "wss://ws.okx.com:8443/ws/v5/public"
	privateURL        = "wss://ws.okx.com:8443/ws/v5/private"
	demoPublicURL     = "wss://wspap.okx.com:8443/ws/v5/public"
	demoPrivateURL    = "wss://wspap.okx.com:8443/ws/v5/private"
	channelTickers    = "tickers"
	channelFunding    = "funding-rate"
	channelPositions  = "positions"
	channelOrders     = "orders"
	channelAccount    = "account"
	loginVerifyPath   = "/users/self/verify"
	loginReplyTimeout = 10 * time.Second
)

// Topics are carried as "channel?key=value" so one string names a full
// subscription argument.
func topic(channel, key, value string) string {
	return channel + "?" + url.Values{key: {value}}.Encode()
}

func topicArg(t string) map[string]string {
	channel, rawQuery, _ := strings.Cut(t, "?")
	arg := map[string]string{"channel": channel}
	values, _ := url.ParseQuery(rawQuery)
	for k := range values {
		arg[k] = values.Get(k)
	}
	return arg
}

type opFrame struct {
	ID   string        `json:"id,omitempty"`
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

func (a *Adapter) encodeSubscribe(topics []string) ([]byte, error) {
	args := make([]interface{}, len(topics))
	for i, t := range topics {
		args[i] = topicArg(t)
	}
	a.mu.Lock()
	a.reqID++
	id := strconv.FormatInt(a.reqID, 10)
	a.mu.Unlock()
	return json.Marshal(opFrame{ID: id, Op: "subscribe", Args: args})
}

func ping() []byte { return []byte("ping") }

func isPong(msg []byte) bool { return bytes.Equal(bytes.TrimSpace(msg), []byte("pong")) }

func (a *Adapter) publicURL() string {
	if a.Config.PublicURL != "" {
		return a.Config.PublicURL
	}
	if a.Config.Testnet {
		return demoPublicURL
	}
	return publicURL
}

func (a *Adapter) privateURL() string {
	if a.Config.PrivateURL != "" {
		return a.Config.PrivateURL
	}
	if a.Config.Testnet {
		return demoPrivateURL
	}
	return privateURL
}

// PublicShards subscribes tickers and funding-rate per instrument.
func (a *Adapter) PublicShards(natives []string, localIP string, sink venue.Sink) ([]stream.ShardSpec, error) {
	groups := stream.PartitionSymbols(natives, a.Config.MaxSubscriptionsPerConn, 2)
	specs := make([]stream.ShardSpec, 0, len(groups))
	for i, group := range groups {
		topics := make([]string, 0, 2*len(group))
		for _, native := range group {
			native = strings.ToUpper(native)
			topics = append(topics, topic(channelTickers, "instId", native), topic(channelFunding, "instId", native))
		}
		key := config.VenueOkx + "/public-" + strconv.Itoa(i)
		if localIP != "" {
			key += "@" + localIP
		}
		specs = append(specs, stream.ShardSpec{
			Key:             key,
			Venue:           config.VenueOkx,
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
		Key:       config.VenueOkx + "/private",
		Venue:     config.VenueOkx,
		URL:       a.privateURL(),
		Handshake: a.login,
		Topics: []string{
			topic(channelPositions, "instType", instType),
			topic(channelOrders, "instType", instType),
			channelAccount,
		},
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

// signLogin is base64(HMAC-SHA256(secret, ts+"GET"+"/users/self/verify")).
func signLogin(secret, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "GET" + loginVerifyPath))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func loginFrame(key, secret, passphrase string, now time.Time) opFrame {
	ts := strconv.FormatInt(now.Unix(), 10)
	return opFrame{Op: "login", Args: []interface{}{map[string]string{
		"apiKey":     key,
		"passphrase": passphrase,
		"timestamp":  ts,
		"sign":       signLogin(secret, ts),
	}}}
}

type eventReply struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
}

func (a *Adapter) login(ctx context.Context, conn *stream.Conn) error {
	if err := conn.WriteJSON(loginFrame(a.Config.APIKey, a.Config.APISecret, a.Config.Passphrase, time.Now())); err != nil {
		return fmt.Errorf("okx login send: %w", err)
	}
	end := time.Now().Add(loginReplyTimeout)
	if d, ok := ctx.Deadline(); ok {
		end = d
	}
	for {
		left := time.Until(end)
		if left <= 0 {
			return fmt.Errorf("okx login reply: %w", context.DeadlineExceeded)
		}
		msg, err := conn.ReadMessage(left)
		if err != nil {
			return fmt.Errorf("okx login reply: %w", err)
		}
		var r eventReply
		if err := json.Unmarshal(msg, &r); err != nil {
			continue
		}
		switch r.Event {
		case "login":
			if r.Code == "" || r.Code == "0" {
				return nil
			}
			return fmt.Errorf("%w: okx code %s: %s", stream.ErrAuthFailed, r.Code, r.Msg)
		case "error":
			return fmt.Errorf("%w: okx code %s: %s", stream.ErrAuthFailed, r.Code, r.Msg)
		}
	}
}

type pushFrame struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type tickerRecord struct {
	InstID    string    `json:"instId"`
	Last      venue.Num `json:"last"`
	BidPx     venue.Num `json:"bidPx"`
	AskPx     venue.Num `json:"askPx"`
	Open24h   venue.Num `json:"open24h"`
	VolCcy24h venue.Num `json:"volCcy24h"`
	TS        venue.Num `json:"ts"`
}

type fundingRecord struct {
	InstID          string    `json:"instId"`
	FundingRate     venue.Num `json:"fundingRate"`
	FundingTime     venue.Num `json:"fundingTime"`
	NextFundingTime venue.Num `json:"nextFundingTime"`
	TS              venue.Num `json:"ts"`
}

// ParseTickerFragment handles tickers and funding-rate pushes. Swap 24h
// volume is taken in base currency.
func (a *Adapter) ParseTickerFragment(raw []byte) []models.TickerFragment {
	if isPong(raw) {
		return nil
	}
	var frame pushFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event != "" {
		return nil
	}
	var out []models.TickerFragment
	switch frame.Arg.Channel {
	case channelTickers:
		var recs []tickerRecord
		if err := json.Unmarshal(frame.Data, &recs); err != nil {
			return nil
		}
		for _, r := range recs {
			f := models.TickerFragment{Exchange: config.VenueOkx, Symbol: a.unified(r.InstID), Timestamp: r.TS.Int64()}
			setNum(&f, models.FieldLastPrice, r.Last)
			setNum(&f, models.FieldBestBid, r.BidPx)
			setNum(&f, models.FieldBestAsk, r.AskPx)
			setNum(&f, models.FieldPrice24h, r.Open24h)
			setNum(&f, models.FieldVolume24h, r.VolCcy24h)
			if !f.Empty() {
				out = append(out, f)
			}
		}
	case channelFunding:
		var recs []fundingRecord
		if err := json.Unmarshal(frame.Data, &recs); err != nil {
			return nil
		}
		for _, r := range recs {
			f := models.TickerFragment{Exchange: config.VenueOkx, Symbol: a.unified(r.InstID), Timestamp: r.TS.Int64()}
			setNum(&f, models.FieldFundingRate, r.FundingRate)
			// fundingTime is the settlement the current rate applies to
			setNum(&f, models.FieldNextFundingTime, r.FundingTime)
			if !f.Empty() {
				out = append(out, f)
			}
		}
	}
	return out
}

func setNum(f *models.TickerFragment, field models.TickerField, n venue.Num) {
	if n.Valid {
		f.SetFloat(field, n.Value)
	}
}

// parsePrivate decodes positions, orders and account pushes.
func (a *Adapter) parsePrivate(raw []byte) (*models.AccountUpdate, error) {
	if isPong(raw) {
		return nil, nil
	}
	var frame pushFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("okx private frame: %w", err)
	}
	if frame.Event == "error" {
		var r eventReply
		_ = json.Unmarshal(raw, &r)
		return nil, fmt.Errorf("okx private error %s: %s", r.Code, r.Msg)
	}
	if frame.Event != "" || len(frame.Data) == 0 {
		return nil, nil
	}
	update := &models.AccountUpdate{Exchange: config.VenueOkx, Timestamp: venue.NowMillis()}
	switch frame.Arg.Channel {
	case channelPositions:
		var recs []positionRecord
		if err := json.Unmarshal(frame.Data, &recs); err != nil {
			return nil, fmt.Errorf("okx positions push: %w", err)
		}
		for _, r := range recs {
			update.Positions = append(update.Positions, a.position(r))
		}
	case channelOrders:
		var recs []orderRecord
		if err := json.Unmarshal(frame.Data, &recs); err != nil {
			return nil, fmt.Errorf("okx orders push: %w", err)
		}
		for _, r := range recs {
			o := a.order(r)
			update.Orders = append(update.Orders, o)
			if r.FillSz.Float() > 0 && r.TradeID != "" {
				pnl := r.FillPnl
				if !pnl.Valid {
					pnl = r.Pnl
				}
				update.Fills = append(update.Fills, models.Fill{
					Exchange:     config.VenueOkx,
					Symbol:       o.Symbol,
					OrderID:      o.ID,
					TradeID:      r.TradeID,
					Side:         o.Side,
					PositionSide: hedgeSide(r.PosSide),
					Price:        r.FillPx.Float(),
					Size:         r.FillSz.Float() * a.contractSize(o.Symbol),
					RealizedPnl:  pnl.Float(),
					HasPnl:       pnl.Valid && pnl.Value != 0,
					Fee:          r.Fee.Float(),
					Timestamp:    r.FillTime.Int64(),
				})
			}
		}
	case channelAccount:
		var recs []accountRecord
		if err := json.Unmarshal(frame.Data, &recs); err != nil {
			return nil, fmt.Errorf("okx account push: %w", err)
		}
		if len(recs) > 0 {
			b := balance(recs[0], update.Timestamp)
			update.Balance = &b
		}
	default:
		return nil, nil
	}
	return update, nil
}

func hedgeSide(posSide string) models.PositionSide {
	switch strings.ToLower(posSide) {
	case "long":
		return models.SideLong
	case "short":
		return models.SideShort
	}
	return ""
}
