package symbols

import (
	"fmt"
	"strings"
)

// Venue ids, mirrored from config to keep this package dependency free.
const (
	Binance     = "binance"
	Bybit       = "bybit"
	Okx         = "okx"
	Hyperliquid = "hyperliquid"
)

var binanceQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD"}

// BinanceCodec handles USDⓈ-M perpetual ids such as BTCUSDT.
type BinanceCodec struct{}

func (BinanceCodec) Venue() string { return Binance }

func (BinanceCodec) ToUnified(native string) (string, error) {
	native = strings.ToUpper(strings.TrimSpace(native))
	base, quote, ok := splitQuote(native, binanceQuotes)
	if !ok {
		return "", fmt.Errorf("%w: binance %q", ErrUnsupported, native)
	}
	return Unified{Base: base, Quote: quote, Settle: quote}.String(), nil
}

func (BinanceCodec) FromUnified(unified string) (string, error) {
	u, err := Parse(unified)
	if err != nil {
		return "", err
	}
	if !u.Linear() || !contains(binanceQuotes, u.Quote) {
		return "", fmt.Errorf("%w: binance %q", ErrUnsupported, unified)
	}
	return u.Base + u.Quote, nil
}

// BybitCodec handles v5 linear and inverse ids: BTCUSDT, BTCPERP (USDC
// settled) and BTCUSD (inverse, settled in base).
type BybitCodec struct{}

func (BybitCodec) Venue() string { return Bybit }

func (BybitCodec) ToUnified(native string) (string, error) {
	native = strings.ToUpper(strings.TrimSpace(native))
	switch {
	case strings.HasSuffix(native, "USDT") && len(native) > 4:
		base := strings.TrimSuffix(native, "USDT")
		return Unified{Base: base, Quote: "USDT", Settle: "USDT"}.String(), nil
	case strings.HasSuffix(native, "PERP") && len(native) > 4:
		base := strings.TrimSuffix(native, "PERP")
		return Unified{Base: base, Quote: "USDC", Settle: "USDC"}.String(), nil
	case strings.HasSuffix(native, "USD") && len(native) > 3:
		base := strings.TrimSuffix(native, "USD")
		return Unified{Base: base, Quote: "USD", Settle: base}.String(), nil
	}
	return "", fmt.Errorf("%w: bybit %q", ErrUnsupported, native)
}

func (BybitCodec) FromUnified(unified string) (string, error) {
	u, err := Parse(unified)
	if err != nil {
		return "", err
	}
	switch {
	case u.Quote == "USDT" && u.Settle == "USDT":
		return u.Base + "USDT", nil
	case u.Quote == "USDC" && u.Settle == "USDC":
		return u.Base + "PERP", nil
	case u.Quote == "USD" && u.Settle == u.Base:
		return u.Base + "USD", nil
	}
	return "", fmt.Errorf("%w: bybit %q", ErrUnsupported, unified)
}

// OkxCodec handles swap ids such as BTC-USDT-SWAP and BTC-USD-SWAP.
type OkxCodec struct{}

func (OkxCodec) Venue() string { return Okx }

func (OkxCodec) ToUnified(native string) (string, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(native)), "-")
	if len(parts) != 3 || parts[2] != "SWAP" || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: okx %q", ErrUnsupported, native)
	}
	base, quote := parts[0], parts[1]
	settle := quote
	if quote == "USD" {
		settle = base
	}
	return Unified{Base: base, Quote: quote, Settle: settle}.String(), nil
}

func (OkxCodec) FromUnified(unified string) (string, error) {
	u, err := Parse(unified)
	if err != nil {
		return "", err
	}
	linear := u.Linear() && u.Quote != "USD"
	inverse := u.Quote == "USD" && u.Settle == u.Base
	if !linear && !inverse {
		return "", fmt.Errorf("%w: okx %q", ErrUnsupported, unified)
	}
	return u.Base + "-" + u.Quote + "-SWAP", nil
}

// Default builds a registry with the stateless codecs and the given
// Hyperliquid codec.
func Default(hl *HyperliquidCodec) *Registry {
	if hl == nil {
		hl = NewHyperliquidCodec()
	}
	return NewRegistry(BinanceCodec{}, BybitCodec{}, OkxCodec{}, hl)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
