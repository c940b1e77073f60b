package venue

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Instrument holds the trading rules of one contract.
type Instrument struct {
	Symbol   string `json:"symbol"`
	NativeID string `json:"nativeId"`
	// LotStep is the quantity increment; MinQty the smallest order.
	LotStep float64 `json:"lotStep"`
	MinQty  float64 `json:"minQty"`
	// MaxQty bounds limit orders, MaxMarketQty market orders. Zero means
	// unbounded.
	MaxQty       float64 `json:"maxQty"`
	MaxMarketQty float64 `json:"maxMarketQty"`
	PriceTick    float64 `json:"priceTick"`
	SizeDecimals int     `json:"sizeDecimals"`
	MaxLeverage  float64 `json:"maxLeverage"`
	// ContractSize converts base units to venue contracts (OKX swaps).
	ContractSize float64 `json:"contractSize,omitempty"`
}

// MaxOrderSize is the per-order cap for the given order type.
func (i Instrument) MaxOrderSize(orderType string) float64 {
	if !strings.EqualFold(orderType, OrderTypeLimit) && i.MaxMarketQty > 0 {
		return i.MaxMarketQty
	}
	return i.MaxQty
}

// FormatSize renders size at the instrument's lot precision.
func (i Instrument) FormatSize(size float64) string {
	return decimal.NewFromFloat(RoundToStep(size, i.LotStep)).StringFixed(int32(i.sizePlaces()))
}

// FormatPrice renders price at the instrument's tick precision.
func (i Instrument) FormatPrice(price float64) string {
	d := decimal.NewFromFloat(price)
	if i.PriceTick > 0 {
		tick := decimal.NewFromFloat(i.PriceTick)
		d = d.Div(tick).Round(0).Mul(tick)
		return d.StringFixed(int32(decimalPlaces(i.PriceTick)))
	}
	return d.String()
}

func (i Instrument) sizePlaces() int {
	if i.LotStep > 0 {
		return decimalPlaces(i.LotStep)
	}
	return i.SizeDecimals
}

// decimalPlaces counts the fractional digits of a step such as 0.001.
func decimalPlaces(step float64) int {
	exp := decimal.NewFromFloat(step).Exponent()
	if exp >= 0 {
		return 0
	}
	return int(-exp)
}

// Instruments indexes instruments by unified symbol.
type Instruments map[string]Instrument

// Catalog is a concurrency safe, reloadable instrument set.
type Catalog struct {
	mu    sync.RWMutex
	items Instruments
}

func NewCatalog() *Catalog {
	return &Catalog{items: make(Instruments)}
}

// Replace swaps the whole set.
func (c *Catalog) Replace(items Instruments) {
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
}

func (c *Catalog) Get(symbol string) (Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.items[symbol]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return inst, nil
}

// Lookup returns the instrument or a permissive default when unknown.
func (c *Catalog) Lookup(symbol string) Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if inst, ok := c.items[symbol]; ok {
		return inst
	}
	return Instrument{Symbol: symbol}
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Symbols lists every unified symbol in the catalog.
func (c *Catalog) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.items))
	for s := range c.items {
		out = append(out, s)
	}
	return out
}
