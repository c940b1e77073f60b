package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cryptoworker/config"
	"cryptoworker/internal/account"
	"cryptoworker/internal/channel"
	"cryptoworker/internal/models"
	"cryptoworker/internal/processor"
	"cryptoworker/internal/stream"
	"cryptoworker/internal/venue"
	"cryptoworker/logger"
)

var ErrNotRunning = errors.New("venue service is not running")

// ServiceOptions carries the per-venue wiring knobs.
type ServiceOptions struct {
	Stream     stream.Options
	Channels   config.ChannelsConfig
	Aggregator config.AggregatorConfig
	Account    config.AccountConfig
	// Shards maps a local source IP ("" for the default route) to the
	// symbols streamed from it. Symbols may be unified or native.
	Shards map[string][]string
	// Slab is the reusable flush buffer of this venue.
	Slab           *processor.Slab
	ReportInterval time.Duration
}

// sink forwards adapter output into the venue channels.
type sink struct {
	ctx context.Context
	ch  *channel.Channels
}

func (s sink) Fragment(f models.TickerFragment) { s.ch.SendFragment(s.ctx, f) }

func (s sink) Account(u models.AccountUpdate) { s.ch.SendAccount(s.ctx, u) }

// VenueService runs one venue: its socket shards, the aggregator that owns
// its tickers and, when private streaming is on, the account reconciler.
type VenueService struct {
	id      string
	adapter venue.Adapter
	emit    models.Emitter
	opts    ServiceOptions

	mu         sync.RWMutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	channels   *channel.Channels
	aggregator *processor.Aggregator
	reconciler *account.Reconciler
	supervisor *stream.Supervisor
	privateKey string

	log *logger.Entry
}

func NewVenueService(adapter venue.Adapter, emit models.Emitter, opts ServiceOptions) *VenueService {
	if opts.Slab == nil {
		opts.Slab = processor.NewSlab(opts.Aggregator.InitialSlab)
	}
	return &VenueService{
		id:      adapter.ID(),
		adapter: adapter,
		emit:    emit,
		opts:    opts,
		log:     logger.GetLogger().WithComponent("venue_service").WithField("venue", adapter.ID()),
	}
}

func (s *VenueService) ID() string { return s.id }

func (s *VenueService) Adapter() venue.Adapter { return s.adapter }

// Start loads instruments, then brings up the aggregator, the reconciler
// and every socket shard.
func (s *VenueService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%s service already running", s.id)
	}

	instruments, err := s.adapter.LoadInstruments(ctx)
	if err != nil {
		return fmt.Errorf("%s load instruments: %w", s.id, err)
	}
	s.log.WithField("instruments", len(instruments)).Info("instruments loaded")

	ctx, cancel := context.WithCancel(ctx)
	ch := channel.NewChannels(s.id, s.opts.Channels.FragmentBuffer, s.opts.Channels.AccountBuffer)
	out := sink{ctx: ctx, ch: ch}

	agg := processor.NewAggregator(s.id, s.opts.Aggregator.BatchInterval, ch.Fragments, s.opts.Slab, s.emit)
	sup := stream.NewSupervisor(s.id, s.opts.Stream, s.onStateChange)

	groups, err := s.shardGroups(instruments)
	if err != nil {
		cancel()
		return err
	}
	for _, ip := range sortedKeys(groups) {
		specs, err := s.adapter.PublicShards(groups[ip], ip, out)
		if err != nil {
			cancel()
			return fmt.Errorf("%s public shards: %w", s.id, err)
		}
		for _, spec := range specs {
			if err := sup.Add(spec); err != nil {
				cancel()
				return err
			}
		}
	}

	var rec *account.Reconciler
	privateKey := ""
	spec, ok, err := s.adapter.PrivateShard(out)
	switch {
	case err != nil:
		s.log.WithError(err).Warn("private stream disabled")
	case ok:
		hedge := false
		if h, isHedge := s.adapter.(venue.HedgeReporter); isHedge {
			hedge = h.HedgeMode()
		}
		rec = account.NewReconciler(s.id, ch.Account, s.adapter, s.emit, account.Options{
			Hedge:             hedge,
			ReconcileInterval: s.opts.Account.ReconcileInterval,
			RefetchInterval:   s.opts.Account.BalanceRefetchInterval,
		})
		if err := sup.Add(spec); err != nil {
			cancel()
			return err
		}
		privateKey = spec.Key
	}

	if err := agg.Start(ctx); err != nil {
		cancel()
		return err
	}
	if rec != nil {
		if err := rec.Start(ctx); err != nil {
			agg.Stop()
			cancel()
			return err
		}
	}
	if err := sup.Start(ctx); err != nil {
		if rec != nil {
			rec.Stop()
		}
		agg.Stop()
		cancel()
		return err
	}
	ch.StartMetricsReporting(ctx, s.opts.ReportInterval)

	s.channels, s.aggregator, s.reconciler, s.supervisor = ch, agg, rec, sup
	s.privateKey = privateKey
	s.cancel = cancel
	s.running = true

	if k, ok := s.adapter.(venue.Keepaliver); ok && privateKey != "" {
		s.wg.Add(1)
		go s.keepalive(ctx, k)
	}

	s.log.WithFields(logger.Fields{
		"shards":  len(sup.Keys()),
		"private": privateKey != "",
	}).Info("venue service started")
	return nil
}

// Stop tears the venue down: senders are released first, then the flush
// timer, the sockets with their reconnect and heartbeat timers, and the
// reconciler. Channels close last.
func (s *VenueService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, agg, sup, rec, ch := s.cancel, s.aggregator, s.supervisor, s.reconciler, s.channels
	s.mu.Unlock()

	cancel()
	agg.Stop()
	sup.Stop()
	if rec != nil {
		rec.Stop()
	}
	s.wg.Wait()
	ch.Close()
	s.log.Info("venue service stopped")
}

func (s *VenueService) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// shardGroups resolves the configured symbols to native ids grouped by
// local IP. Without any configuration every listed instrument is streamed
// from the default route.
func (s *VenueService) shardGroups(instruments venue.Instruments) (map[string][]string, error) {
	codec := s.adapter.Codec()
	groups := make(map[string][]string)
	for ip, symbols := range s.opts.Shards {
		for _, sym := range symbols {
			native, err := nativeID(codec.FromUnified, sym)
			if err != nil {
				s.log.WithError(err).WithField("symbol", sym).Warn("skipping unmappable symbol")
				continue
			}
			groups[ip] = append(groups[ip], native)
		}
	}
	if len(groups) > 0 {
		return groups, nil
	}
	all := make([]string, 0, len(instruments))
	for unified := range instruments {
		native, err := codec.FromUnified(unified)
		if err != nil {
			continue
		}
		all = append(all, native)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%s: no symbols to stream", s.id)
	}
	sort.Strings(all)
	groups[""] = all
	return groups, nil
}

// nativeID accepts either form; unified symbols always carry a slash.
func nativeID(fromUnified func(string) (string, error), sym string) (string, error) {
	if strings.Contains(sym, "/") {
		return fromUnified(sym)
	}
	return sym, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// keepalive renews the private session. A failed renewal recycles the
// private shard, which fetches a new session on connect.
func (s *VenueService) keepalive(ctx context.Context, k venue.Keepaliver) {
	defer s.wg.Done()
	interval := s.opts.Account.ListenKeyKeepalive
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.Keepalive(ctx); err != nil {
				s.log.WithError(err).Warn("private session keepalive failed, reconnecting")
				s.mu.RLock()
				sup, key := s.supervisor, s.privateKey
				s.mu.RUnlock()
				if sup != nil {
					_ = sup.ForceReconnect(key)
				}
				continue
			}
			s.log.Debug("private session renewed")
		}
	}
}

// onStateChange turns shard transitions into outbound connection events.
func (s *VenueService) onStateChange(c stream.StateChange) {
	status := models.ConnectionStatus{Shard: c.Key, State: c.To}
	if c.Err != nil {
		status.Reason = c.Err.Error()
	}
	switch {
	case c.To == models.StateConnected:
		s.publish(models.EventConnected, status)
	case c.From == models.StateConnected, c.Fatal:
		s.publish(models.EventDisconnected, status)
	}
	if c.Fatal {
		s.log.WithField("shard", c.Key).Error("shard authentication failed, not retrying")
		s.publish(models.EventError, status)
	}
}

func (s *VenueService) publish(t models.EventType, data interface{}) {
	if s.emit != nil {
		s.emit.Emit(models.Event{Type: t, ExchangeID: s.id, Data: data})
	}
}

// Connections reports the state of every shard.
func (s *VenueService) Connections() map[string]models.ConnectionState {
	s.mu.RLock()
	sup := s.supervisor
	s.mu.RUnlock()
	if sup == nil {
		return map[string]models.ConnectionState{}
	}
	return sup.States()
}

// Tickers returns the live ticker map of the venue.
func (s *VenueService) Tickers(ctx context.Context) []models.Ticker {
	s.mu.RLock()
	agg := s.aggregator
	s.mu.RUnlock()
	if agg == nil {
		return nil
	}
	out := agg.Snapshot(ctx)
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// LastPrice reads the live last price of symbol.
func (s *VenueService) LastPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	agg := s.aggregator
	s.mu.RUnlock()
	if agg == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotRunning, s.id)
	}
	return agg.LastPrice(ctx, symbol)
}

// Account returns the reconciled account, or a REST snapshot when the
// venue has no private stream.
func (s *VenueService) Account(ctx context.Context) account.State {
	s.mu.RLock()
	rec := s.reconciler
	s.mu.RUnlock()
	if rec != nil {
		return rec.State(ctx)
	}
	state := account.State{
		Positions: s.adapter.FetchPositions(ctx),
		Orders:    s.adapter.FetchOrders(ctx),
		Balance:   s.adapter.FetchBalance(ctx),
	}
	if state.Positions == nil {
		state.Positions = []models.Position{}
	}
	if state.Orders == nil {
		state.Orders = []models.Order{}
	}
	return state
}

func (s *VenueService) PlaceMarketOrder(ctx context.Context, req venue.OrderRequest) ([]venue.OrderResult, error) {
	return s.adapter.PlaceMarketOrder(ctx, req)
}

// ClosePosition closes percentage of the recorded position of symbol.
// side may be empty in one-way mode.
func (s *VenueService) ClosePosition(ctx context.Context, symbol string, side models.PositionSide, percentage float64, orderType string, limitPrice *float64) ([]venue.OrderResult, error) {
	var pos models.Position
	found := false
	for _, p := range s.Account(ctx).Positions {
		if p.Symbol == symbol && (side == "" || p.Side == side) {
			pos, found = p, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s %s %s", venue.ErrNoPosition, s.id, symbol, side)
	}
	hedge := false
	if h, ok := s.adapter.(venue.HedgeReporter); ok {
		hedge = h.HedgeMode()
	}
	return s.adapter.ClosePosition(ctx, venue.CloseRequest{
		Symbol:       symbol,
		PositionSide: pos.Side,
		PositionSize: pos.Size,
		Percentage:   percentage,
		OrderType:    orderType,
		LimitPrice:   limitPrice,
		Hedge:        hedge,
	})
}
