package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cryptoworker/config"
	"cryptoworker/internal/models"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/venue"
)

const (
	wsURL        = "wss://api.hyperliquid.xyz/ws"
	testnetWsURL = "wss://api.hyperliquid-testnet.xyz/ws"

	channelAllMids      = "allMids"
	channelAssetCtx     = "activeAssetCtx"
	channelBbo          = "bbo"
	channelOrderUpdates = "orderUpdates"
	channelUserFills    = "userFills"
	channelPong         = "pong"
	channelError        = "error"
)

// topic renders a subscription object; the supervisor treats it as opaque.
func topic(sub map[string]string) string {
	raw, _ := json.Marshal(sub)
	return string(raw)
}

type subscribeFrame struct {
	Method       string          `json:"method"`
	Subscription json.RawMessage `json:"subscription"`
}

// encodeSubscribe sends one subscription per frame.
func encodeSubscribe(topics []string) ([]byte, error) {
	if len(topics) != 1 {
		return nil, fmt.Errorf("hyperliquid subscribes one topic per frame, got %d", len(topics))
	}
	return json.Marshal(subscribeFrame{Method: "subscribe", Subscription: json.RawMessage(topics[0])})
}

func ping() []byte { return []byte(`{"method":"ping"}`) }

type frame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func isPong(msg []byte) bool {
	var f frame
	return json.Unmarshal(msg, &f) == nil && f.Channel == channelPong
}

func (a *Adapter) streamURL(override string) string {
	if override != "" {
		return override
	}
	if a.Config.Testnet {
		return testnetWsURL
	}
	return wsURL
}

// PublicShards subscribes activeAssetCtx and bbo per coin; the first shard
// also carries allMids, filtered down to the configured coins.
func (a *Adapter) PublicShards(natives []string, localIP string, sink venue.Sink) ([]stream.ShardSpec, error) {
	a.mu.Lock()
	for _, coin := range natives {
		a.coins[coin] = true
	}
	a.mu.Unlock()

	groups := stream.PartitionSymbols(natives, a.Config.MaxSubscriptionsPerConn, 2)
	specs := make([]stream.ShardSpec, 0, len(groups))
	for i, group := range groups {
		topics := make([]string, 0, 2*len(group)+1)
		if i == 0 {
			topics = append(topics, topic(map[string]string{"type": channelAllMids}))
		}
		for _, coin := range group {
			topics = append(topics,
				topic(map[string]string{"type": channelAssetCtx, "coin": coin}),
				topic(map[string]string{"type": channelBbo, "coin": coin}))
		}
		key := config.VenueHyperliquid + "/public-" + strconv.Itoa(i)
		if localIP != "" {
			key += "@" + localIP
		}
		specs = append(specs, stream.ShardSpec{
			Key:             key,
			Venue:           config.VenueHyperliquid,
			URL:             a.streamURL(a.Config.PublicURL),
			LocalIP:         localIP,
			Topics:          topics,
			BatchSize:       1,
			EncodeSubscribe: encodeSubscribe,
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

// PrivateShard subscribes the account's order and fill feeds. There is no
// login; the address is validated before any subscription is sent.
func (a *Adapter) PrivateShard(sink venue.Sink) (stream.ShardSpec, bool, error) {
	if !a.Config.Private {
		return stream.ShardSpec{}, false, nil
	}
	if err := a.RequireCredentials(); err != nil {
		return stream.ShardSpec{}, false, err
	}
	user := a.address()
	return stream.ShardSpec{
		Key:   config.VenueHyperliquid + "/private",
		Venue: config.VenueHyperliquid,
		URL:   a.streamURL(a.Config.PrivateURL),
		Handshake: func(ctx context.Context, conn *stream.Conn) error {
			if !common.IsHexAddress(user) {
				return fmt.Errorf("%w: hyperliquid address %q", stream.ErrAuthFailed, user)
			}
			return nil
		},
		Topics: []string{
			topic(map[string]string{"type": channelOrderUpdates, "user": user}),
			topic(map[string]string{"type": channelUserFills, "user": user}),
		},
		BatchSize:       1,
		EncodeSubscribe: encodeSubscribe,
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

type assetCtxData struct {
	Coin string `json:"coin"`
	Ctx  struct {
		Funding    venue.Num `json:"funding"`
		PrevDayPx  venue.Num `json:"prevDayPx"`
		DayBaseVlm venue.Num `json:"dayBaseVlm"`
		MarkPx     venue.Num `json:"markPx"`
		MidPx      venue.Num `json:"midPx"`
	} `json:"ctx"`
}

type bboLevel struct {
	Px venue.Num `json:"px"`
	Sz venue.Num `json:"sz"`
}

type bboData struct {
	Coin string      `json:"coin"`
	Time int64       `json:"time"`
	Bbo  []*bboLevel `json:"bbo"`
}

// nextFundingTime is the next top of the hour; funding settles hourly.
func nextFundingTime(now time.Time) int64 {
	return now.Truncate(time.Hour).Add(time.Hour).UnixMilli()
}

func (a *Adapter) wanted(coin string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.coins) == 0 || a.coins[coin]
}

func (a *Adapter) fragment(coin string, ts int64) (models.TickerFragment, bool) {
	symbol, err := a.codec.ToUnified(coin)
	if err != nil {
		return models.TickerFragment{}, false
	}
	return models.TickerFragment{Exchange: config.VenueHyperliquid, Symbol: symbol, Timestamp: ts}, true
}

// ParseTickerFragment handles allMids, activeAssetCtx and bbo pushes.
func (a *Adapter) ParseTickerFragment(raw []byte) []models.TickerFragment {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil || len(f.Data) == 0 {
		return nil
	}
	now := a.now()
	switch f.Channel {
	case channelAllMids:
		var data struct {
			Mids map[string]venue.Num `json:"mids"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return nil
		}
		var out []models.TickerFragment
		for coin, mid := range data.Mids {
			if !mid.Valid || !a.wanted(coin) {
				continue
			}
			frag, ok := a.fragment(coin, now.UnixMilli())
			if !ok {
				continue
			}
			frag.SetFloat(models.FieldLastPrice, mid.Value)
			out = append(out, frag)
		}
		return out
	case channelAssetCtx:
		var data assetCtxData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return nil
		}
		frag, ok := a.fragment(data.Coin, now.UnixMilli())
		if !ok {
			return nil
		}
		setNum(&frag, models.FieldLastPrice, data.Ctx.MidPx)
		if !data.Ctx.MidPx.Valid {
			setNum(&frag, models.FieldLastPrice, data.Ctx.MarkPx)
		}
		setNum(&frag, models.FieldPrice24h, data.Ctx.PrevDayPx)
		setNum(&frag, models.FieldVolume24h, data.Ctx.DayBaseVlm)
		if data.Ctx.Funding.Valid {
			frag.SetFloat(models.FieldFundingRate, data.Ctx.Funding.Value)
			frag.SetFloat(models.FieldNextFundingTime, float64(nextFundingTime(now)))
		}
		if frag.Empty() {
			return nil
		}
		return []models.TickerFragment{frag}
	case channelBbo:
		var data bboData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return nil
		}
		ts := data.Time
		if ts == 0 {
			ts = now.UnixMilli()
		}
		frag, ok := a.fragment(data.Coin, ts)
		if !ok {
			return nil
		}
		if len(data.Bbo) > 0 && data.Bbo[0] != nil {
			setNum(&frag, models.FieldBestBid, data.Bbo[0].Px)
		}
		if len(data.Bbo) > 1 && data.Bbo[1] != nil {
			setNum(&frag, models.FieldBestAsk, data.Bbo[1].Px)
		}
		if frag.Empty() {
			return nil
		}
		return []models.TickerFragment{frag}
	}
	return nil
}

func setNum(f *models.TickerFragment, field models.TickerField, n venue.Num) {
	if n.Valid {
		f.SetFloat(field, n.Value)
	}
}

type orderUpdate struct {
	Order           openOrderRecord `json:"order"`
	Status          string          `json:"status"`
	StatusTimestamp int64           `json:"statusTimestamp"`
}

type userFillsData struct {
	IsSnapshot bool         `json:"isSnapshot"`
	User       string       `json:"user"`
	Fills      []fillRecord `json:"fills"`
}

// parsePrivate decodes orderUpdates and userFills. Fill snapshots sent on
// subscribe are skipped since the REST snapshot already covers them.
func (a *Adapter) parsePrivate(raw []byte) (*models.AccountUpdate, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("hyperliquid private frame: %w", err)
	}
	switch f.Channel {
	case channelError:
		var msg string
		if json.Unmarshal(f.Data, &msg) != nil {
			msg = string(f.Data)
		}
		return nil, fmt.Errorf("hyperliquid private error: %s", msg)
	case channelOrderUpdates:
		var updates []orderUpdate
		if err := json.Unmarshal(f.Data, &updates); err != nil {
			return nil, fmt.Errorf("hyperliquid order updates: %w", err)
		}
		if len(updates) == 0 {
			return nil, nil
		}
		update := &models.AccountUpdate{Exchange: config.VenueHyperliquid, Timestamp: venue.NowMillis()}
		for _, u := range updates {
			o := a.order(u.Order, updateStatus(u.Status))
			if u.StatusTimestamp > 0 {
				o.Timestamp = u.StatusTimestamp
			}
			update.Orders = append(update.Orders, o)
		}
		return update, nil
	case channelUserFills:
		var data userFillsData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return nil, fmt.Errorf("hyperliquid user fills: %w", err)
		}
		if data.IsSnapshot || len(data.Fills) == 0 {
			return nil, nil
		}
		update := &models.AccountUpdate{
			Exchange:       config.VenueHyperliquid,
			Timestamp:      venue.NowMillis(),
			RefetchAccount: true,
		}
		for _, r := range data.Fills {
			update.Fills = append(update.Fills, a.fill(r))
		}
		return update, nil
	}
	return nil, nil
}

// updateStatus maps order update statuses; every cancel or reject variant
// ("marginCanceled", "reduceOnlyRejected", ...) leaves the book.
func updateStatus(s string) models.OrderStatus {
	switch s {
	case "open":
		return models.StatusOpen
	case "filled", "triggered":
		return models.StatusClosed
	}
	return models.StatusCanceled
}
