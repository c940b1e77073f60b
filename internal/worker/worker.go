package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"cryptoworker/config"
	"cryptoworker/internal/account"
	"cryptoworker/internal/models"
	"cryptoworker/internal/processor"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/twap"
	"cryptoworker/internal/venue"
	"cryptoworker/internal/venue/binance"
	"cryptoworker/internal/venue/bybit"
	"cryptoworker/internal/venue/hyperliquid"
	"cryptoworker/internal/venue/okx"
	"cryptoworker/logger"
)

// factories builds the adapter of each supported venue.
var factories = map[string]func(config.VenueConfig) venue.Adapter{
	config.VenueBinance:     func(c config.VenueConfig) venue.Adapter { return binance.New(c) },
	config.VenueBybit:       func(c config.VenueConfig) venue.Adapter { return bybit.New(c) },
	config.VenueOkx:         func(c config.VenueConfig) venue.Adapter { return okx.New(c) },
	config.VenueHyperliquid: func(c config.VenueConfig) venue.Adapter { return hyperliquid.New(c) },
}

// VenueAccount is the account view of one venue.
type VenueAccount struct {
	Exchange string `json:"exchange"`
	account.State
}

// Worker owns every venue service, the TWAP scheduler and the outbound
// event bus of the process.
type Worker struct {
	cfg      *config.Config
	registry *venue.Registry
	bus      *Bus
	slabs    *processor.SlabPool
	twap     *twap.Scheduler

	mu       sync.RWMutex
	services map[string]*VenueService
	started  []string
	log      *logger.Entry
}

// New builds adapters for every enabled venue.
func New(cfg *config.Config, shards *config.IPShards) (*Worker, error) {
	byID := cfg.Venues.ByID()
	adapters := make([]venue.Adapter, 0, len(byID))
	for _, id := range cfg.Venues.Enabled() {
		build, ok := factories[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", venue.ErrUnknownVenue, id)
		}
		adapters = append(adapters, build(byID[id]))
	}
	return NewWithAdapters(cfg, shards, adapters...)
}

// NewWithAdapters wires the given adapters instead of building them from
// config.
func NewWithAdapters(cfg *config.Config, shards *config.IPShards, adapters ...venue.Adapter) (*Worker, error) {
	w := &Worker{
		cfg:      cfg,
		registry: venue.NewRegistry(),
		bus:      NewBus(cfg.Channels.EventBuffer),
		slabs:    processor.NewSlabPool(cfg.Aggregator.InitialSlab),
		services: make(map[string]*VenueService),
		log:      logger.GetLogger().WithComponent("worker"),
	}
	byID := cfg.Venues.ByID()
	for _, a := range adapters {
		if err := w.registry.Register(a); err != nil {
			return nil, err
		}
		id := a.ID()
		groups := shards.ForVenue(id)
		if syms := byID[id].Symbols; len(syms) > 0 {
			groups[""] = append(groups[""], syms...)
		}
		w.services[id] = NewVenueService(a, w.bus, ServiceOptions{
			Stream:         stream.OptionsFromConfig(cfg.Stream),
			Channels:       cfg.Channels,
			Aggregator:     cfg.Aggregator,
			Account:        cfg.Account,
			Shards:         groups,
			Slab:           w.slabs.Get(id),
			ReportInterval: cfg.Metrics.ReportInterval,
		})
	}
	w.twap = twap.NewScheduler(w.market, w.bus, twap.Options{
		MaxActiveJobs: cfg.Twap.MaxActiveJobs,
		MinInterval:   cfg.Twap.MinInterval,
	})
	return w, nil
}

func (w *Worker) market(id string) (twap.Market, error) {
	return w.Service(id)
}

// Start brings every venue up concurrently. A venue that fails to start is
// logged and left out; Start fails only when none came up.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.twap.Start(ctx); err != nil {
		return err
	}

	ids := w.registry.IDs()
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, svc *VenueService) {
			defer wg.Done()
			errs[i] = svc.Start(ctx)
		}(i, w.services[id])
	}
	wg.Wait()

	var started []string
	for i, id := range ids {
		if errs[i] != nil {
			w.log.WithError(errs[i]).WithField("venue", id).Error("venue failed to start")
			continue
		}
		started = append(started, id)
	}
	w.mu.Lock()
	w.started = started
	w.mu.Unlock()

	if len(ids) > 0 && len(started) == 0 {
		w.twap.Stop()
		return fmt.Errorf("no venue started: %w", errors.Join(errs...))
	}
	w.log.WithField("venues", started).Info("worker started")
	return nil
}

// Stop halts TWAP jobs first so no child order races a closing venue.
func (w *Worker) Stop() {
	w.twap.Stop()
	var wg sync.WaitGroup
	for _, svc := range w.services {
		wg.Add(1)
		go func(svc *VenueService) {
			defer wg.Done()
			svc.Stop()
		}(svc)
	}
	wg.Wait()
	w.bus.Close()
	w.log.Info("worker stopped")
}

// Subscribe returns the outbound event stream.
func (w *Worker) Subscribe() (<-chan models.Event, func()) {
	return w.bus.Subscribe()
}

// Venues lists registered venue ids.
func (w *Worker) Venues() []string {
	return w.registry.IDs()
}

func (w *Worker) Service(id string) (*VenueService, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	svc, ok := w.services[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", venue.ErrUnknownVenue, id)
	}
	return svc, nil
}

func (w *Worker) Tickers(ctx context.Context, venueID string) ([]models.Ticker, error) {
	svc, err := w.Service(venueID)
	if err != nil {
		return nil, err
	}
	return svc.Tickers(ctx), nil
}

// Accounts fans out to every venue. Venues without a private stream are
// read over REST; their failures come back as empty sets.
func (w *Worker) Accounts(ctx context.Context) []VenueAccount {
	ids := w.registry.IDs()
	out := make([]VenueAccount, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		svc := w.services[id]
		i, id := i, id
		g.Go(func() error {
			out[i] = VenueAccount{Exchange: id, State: svc.Account(ctx)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (w *Worker) Positions(ctx context.Context) []models.Position {
	var out []models.Position
	for _, a := range w.Accounts(ctx) {
		out = append(out, a.Positions...)
	}
	if out == nil {
		out = []models.Position{}
	}
	return out
}

func (w *Worker) Orders(ctx context.Context) []models.Order {
	var out []models.Order
	for _, a := range w.Accounts(ctx) {
		out = append(out, a.Orders...)
	}
	if out == nil {
		out = []models.Order{}
	}
	return out
}

func (w *Worker) Balances(ctx context.Context) []models.Balance {
	out := []models.Balance{}
	for _, a := range w.Accounts(ctx) {
		if a.Balance != nil {
			out = append(out, *a.Balance)
		}
	}
	return out
}

// ClosedTrades reads realized trades since the given millisecond time from
// every venue.
func (w *Worker) ClosedTrades(ctx context.Context, since int64) []models.ClosedTrade {
	ids := w.registry.IDs()
	parts := make([][]models.ClosedTrade, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		svc := w.services[id]
		i := i
		g.Go(func() error {
			parts[i] = svc.Adapter().FetchClosedTrades(ctx, since)
			return nil
		})
	}
	_ = g.Wait()
	out := []models.ClosedTrade{}
	for _, p := range parts {
		out = append(out, p...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt > out[j].ClosedAt })
	return out
}

// Connections maps venue to shard states.
func (w *Worker) Connections() map[string]map[string]models.ConnectionState {
	out := make(map[string]map[string]models.ConnectionState)
	for _, id := range w.registry.IDs() {
		out[id] = w.services[id].Connections()
	}
	return out
}

func (w *Worker) PlaceMarketOrder(ctx context.Context, venueID string, req venue.OrderRequest) ([]venue.OrderResult, error) {
	svc, err := w.Service(venueID)
	if err != nil {
		return nil, err
	}
	return svc.PlaceMarketOrder(ctx, req)
}

// CloseRequest closes part of a recorded position.
type CloseRequest struct {
	Exchange   string              `json:"exchange"`
	Symbol     string              `json:"symbol"`
	Side       models.PositionSide `json:"side,omitempty"`
	Percentage float64             `json:"percentage"`
	OrderType  string              `json:"orderType"`
	LimitPrice *float64            `json:"limitPrice,omitempty"`
}

func (w *Worker) ClosePosition(ctx context.Context, req CloseRequest) ([]venue.OrderResult, error) {
	svc, err := w.Service(req.Exchange)
	if err != nil {
		return nil, err
	}
	return svc.ClosePosition(ctx, req.Symbol, req.Side, req.Percentage, req.OrderType, req.LimitPrice)
}

func (w *Worker) CancelOrder(ctx context.Context, venueID, symbol, id string) error {
	svc, err := w.Service(venueID)
	if err != nil {
		return err
	}
	return svc.Adapter().CancelOrder(ctx, symbol, id)
}

func (w *Worker) CancelAllOrders(ctx context.Context, venueID, symbol string) error {
	svc, err := w.Service(venueID)
	if err != nil {
		return err
	}
	return svc.Adapter().CancelAllOrders(ctx, symbol)
}

func (w *Worker) SetLeverage(ctx context.Context, venueID, symbol string, leverage int) error {
	svc, err := w.Service(venueID)
	if err != nil {
		return err
	}
	return svc.Adapter().SetLeverage(ctx, symbol, leverage)
}

func (w *Worker) StartTwap(req twap.Request) (models.TwapJob, error) {
	return w.twap.StartJob(req)
}

func (w *Worker) CancelTwap(id string) (models.TwapJob, error) {
	return w.twap.Cancel(id)
}

func (w *Worker) TwapJob(id string) (models.TwapJob, error) {
	return w.twap.Get(id)
}

func (w *Worker) TwapJobs() []models.TwapJob {
	return w.twap.Jobs()
}
