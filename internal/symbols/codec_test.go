package symbols

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	hl := NewHyperliquidCodec()
	reg := Default(hl)

	tests := []struct {
		venue   string
		native  string
		unified string
	}{
		{Binance, "BTCUSDT", "BTC/USDT:USDT"},
		{Binance, "ETHUSDC", "ETH/USDC:USDC"},
		{Binance, "1000PEPEUSDT", "1000PEPE/USDT:USDT"},
		{Binance, "BTCFDUSD", "BTC/FDUSD:FDUSD"},
		{Bybit, "BTCUSDT", "BTC/USDT:USDT"},
		{Bybit, "ETHPERP", "ETH/USDC:USDC"},
		{Bybit, "BTCUSD", "BTC/USD:BTC"},
		{Okx, "BTC-USDT-SWAP", "BTC/USDT:USDT"},
		{Okx, "BTC-USD-SWAP", "BTC/USD:BTC"},
		{Okx, "ETH-USDC-SWAP", "ETH/USDC:USDC"},
		{Hyperliquid, "BTC", "BTC/USDC:USDC"},
		{Hyperliquid, "kPEPE", "kPEPE/USDC:USDC"},
		{Hyperliquid, "xyz:TSLA", "xyz-TSLA/USDC:USDC"},
	}
	for _, tt := range tests {
		t.Run(tt.venue+"/"+tt.native, func(t *testing.T) {
			c, err := reg.Get(tt.venue)
			require.NoError(t, err)

			u, err := c.ToUnified(tt.native)
			require.NoError(t, err)
			assert.Equal(t, tt.unified, u)

			back, err := c.FromUnified(u)
			require.NoError(t, err)
			assert.Equal(t, tt.native, back)
		})
	}
}

func TestUnsupported(t *testing.T) {
	reg := Default(nil)
	tests := []struct {
		venue string
		in    string
		to    bool
	}{
		{Binance, "BTCEUR", true},
		{Binance, "BTC/USD:BTC", false},
		{Bybit, "BTC/USDC:BTC", false},
		{Okx, "BTC-USDT", true},
		{Okx, "BTC/USDT:BTC", false},
		{Hyperliquid, "@107", true},
		{Hyperliquid, "BTC/USDT:USDT", false},
	}
	for _, tt := range tests {
		c, err := reg.Get(tt.venue)
		require.NoError(t, err)
		if tt.to {
			_, err = c.ToUnified(tt.in)
		} else {
			_, err = c.FromUnified(tt.in)
		}
		assert.True(t, errors.Is(err, ErrUnsupported), "%s %s: %v", tt.venue, tt.in, err)
	}
}

func TestParse(t *testing.T) {
	u, err := Parse("BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT:USDT", u.String())

	_, err = Parse("BTCUSDT")
	assert.Error(t, err)
	_, err = Parse("BTC/USDT:")
	assert.Error(t, err)
}

func TestHyperliquidAssetTable(t *testing.T) {
	hl := NewHyperliquidCodec()
	hl.Reload([]HyperliquidDex{
		{Name: "", Position: 0, Assets: []HyperliquidAsset{{Coin: "BTC", SzDecimals: 5}, {Coin: "ETH", SzDecimals: 4}}},
		{Name: "xyz", Position: 1, Assets: []HyperliquidAsset{{Coin: "xyz:TSLA", SzDecimals: 3}}},
	})

	a, ok := hl.Asset("ETH")
	require.True(t, ok)
	assert.Equal(t, 1, a.Index)

	a, ok = hl.Asset("xyz:TSLA")
	require.True(t, ok)
	assert.Equal(t, 110000, a.Index)
	assert.Equal(t, "xyz", a.Dex)

	byIdx, ok := hl.AssetByIndex(110000)
	require.True(t, ok)
	assert.Equal(t, "xyz:TSLA", byIdx.Coin)

	coin, err := hl.FromUnified("xyz-TSLA/USDC:USDC")
	require.NoError(t, err)
	assert.Equal(t, "xyz:TSLA", coin)

	// reload drops stale entries
	hl.Reload([]HyperliquidDex{{Assets: []HyperliquidAsset{{Coin: "SOL"}}}})
	_, ok = hl.Asset("BTC")
	assert.False(t, ok)
	assert.Equal(t, 1, hl.Len())
}

func TestToUnifiedAll(t *testing.T) {
	got := ToUnifiedAll(BinanceCodec{}, []string{"BTCUSDT", "garbage", "ETHUSDT"})
	assert.Equal(t, []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}, got)
}
