package symbols

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned for ids a venue cannot represent.
var ErrUnsupported = errors.New("symbol not representable on venue")

// Codec maps between unified symbols (BASE/QUOTE:SETTLE) and the native
// instrument ids of one venue.
type Codec interface {
	Venue() string
	ToUnified(native string) (string, error)
	FromUnified(unified string) (string, error)
}

// Unified is a parsed BASE/QUOTE:SETTLE symbol.
type Unified struct {
	Base   string
	Quote  string
	Settle string
}

func (u Unified) String() string {
	return u.Base + "/" + u.Quote + ":" + u.Settle
}

// Linear reports whether the contract settles in its quote currency.
func (u Unified) Linear() bool {
	return u.Quote == u.Settle
}

// Parse splits a unified symbol. A missing settle defaults to the quote.
func Parse(symbol string) (Unified, error) {
	symbol = strings.TrimSpace(symbol)
	pair, settle, hasSettle := strings.Cut(symbol, ":")
	base, quote, ok := strings.Cut(pair, "/")
	if !ok || base == "" || quote == "" {
		return Unified{}, fmt.Errorf("malformed unified symbol %q", symbol)
	}
	if !hasSettle {
		settle = quote
	}
	if settle == "" {
		return Unified{}, fmt.Errorf("malformed unified symbol %q", symbol)
	}
	return Unified{Base: base, Quote: quote, Settle: settle}, nil
}

// Registry holds one codec per venue id.
type Registry struct {
	codecs map[string]Codec
}

func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		r.codecs[c.Venue()] = c
	}
	return r
}

// Get returns the codec for venue.
func (r *Registry) Get(venue string) (Codec, error) {
	c, ok := r.codecs[strings.ToLower(venue)]
	if !ok {
		return nil, fmt.Errorf("no symbol codec for venue %q", venue)
	}
	return c, nil
}

// ToUnifiedAll converts natives, skipping ids the codec rejects.
func ToUnifiedAll(c Codec, natives []string) []string {
	out := make([]string, 0, len(natives))
	for _, n := range natives {
		if u, err := c.ToUnified(n); err == nil {
			out = append(out, u)
		}
	}
	return out
}

// splitQuote returns the base of native when it ends with one of quotes.
// quotes must be ordered longest first.
func splitQuote(native string, quotes []string) (base, quote string, ok bool) {
	for _, q := range quotes {
		if strings.HasSuffix(native, q) && len(native) > len(q) {
			return strings.TrimSuffix(native, q), q, true
		}
	}
	return "", "", false
}
