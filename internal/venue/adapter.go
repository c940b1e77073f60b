package venue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cryptoworker/internal/models"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/symbols"
)

var (
	ErrInvalidSize     = errors.New("order size must be positive and finite")
	ErrUnknownVenue    = errors.New("unknown venue")
	ErrNoPosition      = errors.New("no open position")
	ErrNotConfigured   = errors.New("venue credentials not configured")
	ErrUnknownSymbol   = errors.New("unknown instrument")
	ErrInvalidLeverage = errors.New("leverage must be positive")
)

// Sink receives everything an adapter parses from its streams. Fragment must
// not block; Account may block until the reconciler accepts the update.
type Sink interface {
	Fragment(models.TickerFragment)
	Account(models.AccountUpdate)
}

// Adapter is the contract every venue implements. Stream handlers only parse
// and forward to the Sink; canonical state lives in the aggregator and the
// reconciler.
type Adapter interface {
	ID() string
	Codec() symbols.Codec

	// LoadInstruments fetches trading rules for every listed contract.
	LoadInstruments(ctx context.Context) (Instruments, error)

	// PublicShards builds the market data sockets for the given native
	// symbols, bound to localIP when set.
	PublicShards(natives []string, localIP string, sink Sink) ([]stream.ShardSpec, error)
	// PrivateShard builds the authenticated account socket. ok is false when
	// the venue has no private stream configured.
	PrivateShard(sink Sink) (spec stream.ShardSpec, ok bool, err error)

	// ParseTickerFragment decodes one market data frame. Unknown or
	// malformed frames yield nothing.
	ParseTickerFragment(raw []byte) []models.TickerFragment

	// REST snapshots. Failures are logged and produce empty results. For
	// positions and orders nil means the snapshot failed or is incomplete,
	// an empty slice means there are none.
	FetchPositions(ctx context.Context) []models.Position
	FetchOrders(ctx context.Context) []models.Order
	FetchBalance(ctx context.Context) *models.Balance
	FetchClosedTrades(ctx context.Context, since int64) []models.ClosedTrade

	PlaceMarketOrder(ctx context.Context, req OrderRequest) ([]OrderResult, error)
	ClosePosition(ctx context.Context, req CloseRequest) ([]OrderResult, error)
	CancelOrder(ctx context.Context, symbol, id string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Keepaliver is implemented by venues whose private session needs renewing.
type Keepaliver interface {
	Keepalive(ctx context.Context) error
}

// HedgeReporter is implemented by venues that know whether the account is
// in hedge (dual side) mode.
type HedgeReporter interface {
	HedgeMode() bool
}

// Registry holds one adapter per venue id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds a. A second adapter for the same venue id is rejected.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.ID()]; ok {
		return fmt.Errorf("venue %s already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, id)
	}
	return a, nil
}

// IDs lists registered venues in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Codecs collects the symbol codec of every registered venue.
func (r *Registry) Codecs() *symbols.Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codecs := make([]symbols.Codec, 0, len(r.adapters))
	for _, a := range r.adapters {
		codecs = append(codecs, a.Codec())
	}
	return symbols.NewRegistry(codecs...)
}
