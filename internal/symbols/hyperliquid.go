package symbols

import (
	"fmt"
	"strings"
	"sync"
)

const (
	hyperliquidQuote = "USDC"
	// builder-deployed dex assets are numbered from this offset, one block
	// of dexAssetStride indices per dex.
	dexAssetOffset = 100000
	dexAssetStride = 10000
)

// HyperliquidAsset describes one perp in a dex universe.
type HyperliquidAsset struct {
	Coin        string
	Index       int
	Dex         string
	SzDecimals  int
	MaxLeverage int
}

// HyperliquidDex is one universe as returned by the meta endpoint. The main
// dex has an empty Name and Position 0.
type HyperliquidDex struct {
	Name     string
	Position int
	Assets   []HyperliquidAsset
}

// HyperliquidCodec maps coins to unified symbols. Streams use coin names,
// order actions use integer asset indices, so the codec keeps a memo table
// that is rebuilt on every instrument reload.
type HyperliquidCodec struct {
	mu        sync.RWMutex
	byCoin    map[string]HyperliquidAsset
	byIndex   map[int]HyperliquidAsset
	byUnified map[string]string
}

func NewHyperliquidCodec() *HyperliquidCodec {
	return &HyperliquidCodec{
		byCoin:    map[string]HyperliquidAsset{},
		byIndex:   map[int]HyperliquidAsset{},
		byUnified: map[string]string{},
	}
}

func (c *HyperliquidCodec) Venue() string { return Hyperliquid }

// AssetIndex computes the wire index of the i-th asset in a dex.
func AssetIndex(dexPosition, i int) int {
	if dexPosition == 0 {
		return i
	}
	return dexAssetOffset + dexPosition*dexAssetStride + i
}

// Reload replaces the memo table with the given universes.
func (c *HyperliquidCodec) Reload(dexes []HyperliquidDex) {
	byCoin := map[string]HyperliquidAsset{}
	byIndex := map[int]HyperliquidAsset{}
	byUnified := map[string]string{}
	for _, dex := range dexes {
		for i, a := range dex.Assets {
			a.Dex = dex.Name
			a.Index = AssetIndex(dex.Position, i)
			byCoin[a.Coin] = a
			byIndex[a.Index] = a
			byUnified[coinToUnified(a.Coin)] = a.Coin
		}
	}
	c.mu.Lock()
	c.byCoin, c.byIndex, c.byUnified = byCoin, byIndex, byUnified
	c.mu.Unlock()
}

// Asset looks up a coin in the current table.
func (c *HyperliquidCodec) Asset(coin string) (HyperliquidAsset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byCoin[coin]
	return a, ok
}

// AssetByIndex looks up a wire asset index.
func (c *HyperliquidCodec) AssetByIndex(index int) (HyperliquidAsset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byIndex[index]
	return a, ok
}

// Len returns the number of known assets.
func (c *HyperliquidCodec) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byCoin)
}

func (c *HyperliquidCodec) ToUnified(coin string) (string, error) {
	coin = strings.TrimSpace(coin)
	if coin == "" || strings.HasPrefix(coin, "@") || strings.Contains(coin, "/") {
		return "", fmt.Errorf("%w: hyperliquid %q", ErrUnsupported, coin)
	}
	return coinToUnified(coin), nil
}

func (c *HyperliquidCodec) FromUnified(unified string) (string, error) {
	u, err := Parse(unified)
	if err != nil {
		return "", err
	}
	if u.Quote != hyperliquidQuote || u.Settle != hyperliquidQuote {
		return "", fmt.Errorf("%w: hyperliquid %q", ErrUnsupported, unified)
	}
	c.mu.RLock()
	coin, ok := c.byUnified[u.String()]
	c.mu.RUnlock()
	if ok {
		return coin, nil
	}
	if dex, ticker, ok := strings.Cut(u.Base, "-"); ok && dex != "" && ticker != "" {
		return dex + ":" + ticker, nil
	}
	return u.Base, nil
}

func coinToUnified(coin string) string {
	base := coin
	if dex, ticker, ok := strings.Cut(coin, ":"); ok {
		base = dex + "-" + ticker
	}
	return Unified{Base: base, Quote: hyperliquidQuote, Settle: hyperliquidQuote}.String()
}
