package venue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoworker/internal/models"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/symbols"
)

func fill(side models.OrderSide, price, size float64, ts int64) models.Fill {
	return models.Fill{Exchange: "hyperliquid", Symbol: "BTC/USDC:USDC", OrderID: "o", Side: side, Price: price, Size: size, Timestamp: ts}
}

func TestClassifyEvidenceOrder(t *testing.T) {
	tests := []struct {
		name     string
		fill     models.Fill
		seed     models.PositionSide
		wantRole FillRole
		wantSide models.PositionSide
	}{
		{name: "label close long", fill: models.Fill{Side: models.SideSell, Direction: "Close Long"}, wantRole: RoleClose, wantSide: models.SideLong},
		{name: "label open short", fill: models.Fill{Side: models.SideSell, Direction: "Open Short"}, wantRole: RoleOpen, wantSide: models.SideShort},
		{name: "label flip closes old side", fill: models.Fill{Side: models.SideSell, Direction: "Long > Short"}, wantRole: RoleClose, wantSide: models.SideLong},
		{name: "label beats pnl", fill: models.Fill{Side: models.SideBuy, Direction: "Open Long", HasPnl: true, RealizedPnl: 5}, wantRole: RoleOpen, wantSide: models.SideLong},
		{name: "position side closing", fill: models.Fill{Side: models.SideBuy, PositionSide: models.SideShort}, wantRole: RoleClose, wantSide: models.SideShort},
		{name: "position side opening", fill: models.Fill{Side: models.SideBuy, PositionSide: models.SideLong}, wantRole: RoleOpen, wantSide: models.SideLong},
		{name: "pnl sign", fill: models.Fill{Side: models.SideSell, HasPnl: true, RealizedPnl: -3}, wantRole: RoleClose, wantSide: models.SideLong},
		{name: "zero pnl falls through to tracker", fill: models.Fill{Side: models.SideSell, HasPnl: true}, seed: models.SideLong, wantRole: RoleClose, wantSide: models.SideLong},
		{name: "first fill opens", fill: models.Fill{Side: models.SideSell}, wantRole: RoleOpen, wantSide: models.SideShort},
		{name: "same side as tracked adds", fill: models.Fill{Side: models.SideBuy}, seed: models.SideLong, wantRole: RoleOpen, wantSide: models.SideLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewDirectionTracker()
			tt.fill.Symbol = "BTC/USDT:USDT"
			if tt.seed != "" {
				tr.Seed(tt.fill.Symbol, tt.seed)
			}
			role, side := tr.Classify(tt.fill)
			assert.Equal(t, tt.wantRole, role)
			assert.Equal(t, tt.wantSide, side)
		})
	}
}

// The tracker never reports a close before any direction was established,
// and every opening fill makes its side the tracked direction.
func TestTrackerProperties(t *testing.T) {
	sequences := [][]models.OrderSide{
		{models.SideBuy, models.SideBuy, models.SideSell},
		{models.SideSell, models.SideBuy, models.SideBuy, models.SideSell},
		{models.SideBuy, models.SideSell, models.SideSell, models.SideSell},
	}
	for _, seq := range sequences {
		tr := NewDirectionTracker()
		for i, side := range seq {
			_, had := tr.Direction("X")
			role, pos := tr.Classify(models.Fill{Symbol: "X", Side: side})
			if !had {
				assert.Equal(t, RoleOpen, role, "fill %d", i)
			}
			if role == RoleOpen {
				dir, _ := tr.Direction("X")
				assert.Equal(t, pos, dir)
				assert.Equal(t, side.OpensSide(), pos)
			} else {
				assert.Equal(t, side, pos.ClosingSide())
			}
		}
	}

	// Known edge: without pnl or labels, further sells after a full close
	// still read as closing the tracked long.
	tr := NewDirectionTracker()
	tr.Classify(models.Fill{Symbol: "X", Side: models.SideBuy})
	role, _ := tr.Classify(models.Fill{Symbol: "X", Side: models.SideSell})
	assert.Equal(t, RoleClose, role)
	role, _ = tr.Classify(models.Fill{Symbol: "X", Side: models.SideSell})
	assert.Equal(t, RoleClose, role)
}

func TestDeriveClosedTradesBackDerivesEntry(t *testing.T) {
	open := fill(models.SideBuy, 100, 2, 1)
	open.OrderID = "open"
	c1 := fill(models.SideSell, 110, 1, 2)
	c1.HasPnl, c1.RealizedPnl, c1.Leverage = true, 10, 5
	c2 := fill(models.SideSell, 120, 1, 3)
	c2.HasPnl, c2.RealizedPnl = true, 20

	trades := DeriveClosedTrades([]models.Fill{c2, open, c1}, nil)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, models.SideLong, tr.Side)
	assert.Equal(t, 2.0, tr.Size)
	assert.InDelta(t, 115, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 100, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 30, tr.RealizedPnl, 1e-9)
	assert.Equal(t, 5.0, tr.Leverage)
	assert.Equal(t, int64(3), tr.ClosedAt)
}

func TestDeriveClosedTradesShort(t *testing.T) {
	f := fill(models.SideBuy, 90, 4, 10)
	f.Direction = "Close Short"
	f.HasPnl, f.RealizedPnl = true, 40

	trades := DeriveClosedTrades([]models.Fill{f}, nil)
	require.Len(t, trades, 1)
	assert.Equal(t, models.SideShort, trades[0].Side)
	assert.InDelta(t, 100, trades[0].EntryPrice, 1e-9)
}

func TestDeriveClosedTradesSkipsOpeningAndGroupsByOrder(t *testing.T) {
	a := fill(models.SideSell, 50, 1, 1)
	a.OrderID, a.PositionSide = "a", models.SideLong
	b := fill(models.SideSell, 52, 1, 2)
	b.OrderID, b.PositionSide = "b", models.SideLong
	o := fill(models.SideBuy, 49, 3, 0)
	o.PositionSide = models.SideLong

	trades := DeriveClosedTrades([]models.Fill{a, b, o}, nil)
	require.Len(t, trades, 2)
	assert.Equal(t, "a", trades[0].OrderID)
	assert.Equal(t, "b", trades[1].OrderID)
	assert.Equal(t, trades[0].ExitPrice, trades[0].EntryPrice)
	assert.Empty(t, DeriveClosedTrades(nil, nil))
}

func TestEntryFromExitInvertsPnl(t *testing.T) {
	for _, side := range []models.PositionSide{models.SideLong, models.SideShort} {
		for _, entry := range []float64{1, 99.5, 30000} {
			exit, size := entry*1.07, 3.0
			pnl := (exit - entry) * size
			if side == models.SideShort {
				pnl = -pnl
			}
			assert.InDelta(t, entry, EntryFromExit(side, exit, pnl, size), 1e-6)
		}
	}
	assert.Equal(t, 10.0, EntryFromExit(models.SideLong, 10, 5, 0))
}

type stubAdapter struct{ id string }

func (s stubAdapter) ID() string { return s.id }
func (s stubAdapter) Codec() symbols.Codec { return symbols.BinanceCodec{} }
func (s stubAdapter) LoadInstruments(context.Context) (Instruments, error) { return nil, nil }
func (s stubAdapter) ParseTickerFragment([]byte) []models.TickerFragment { return nil }
func (s stubAdapter) FetchPositions(context.Context) []models.Position { return nil }
func (s stubAdapter) FetchOrders(context.Context) []models.Order { return nil }
func (s stubAdapter) FetchBalance(context.Context) *models.Balance { return nil }
func (s stubAdapter) CancelOrder(context.Context, string, string) error { return nil }
func (s stubAdapter) CancelAllOrders(context.Context, string) error { return nil }
func (s stubAdapter) SetLeverage(context.Context, string, int) error { return nil }
func (s stubAdapter) FetchClosedTrades(context.Context, int64) []models.ClosedTrade {
	return nil
}
func (s stubAdapter) PublicShards([]string, string, Sink) ([]stream.ShardSpec, error) {
	return nil, nil
}
func (s stubAdapter) PrivateShard(Sink) (stream.ShardSpec, bool, error) {
	return stream.ShardSpec{}, false, nil
}
func (s stubAdapter) PlaceMarketOrder(context.Context, OrderRequest) ([]OrderResult, error) {
	return nil, nil
}
func (s stubAdapter) ClosePosition(context.Context, CloseRequest) ([]OrderResult, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubAdapter{id: "okx"}))
	require.NoError(t, r.Register(stubAdapter{id: "binance"}))
	assert.Error(t, r.Register(stubAdapter{id: "okx"}))

	a, err := r.Get("okx")
	require.NoError(t, err)
	assert.Equal(t, "okx", a.ID())
	_, err = r.Get("kraken")
	assert.ErrorIs(t, err, ErrUnknownVenue)
	assert.Equal(t, []string{"binance", "okx"}, r.IDs())
}
