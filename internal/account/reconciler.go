package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cryptoworker/internal/metrics"
	"cryptoworker/internal/models"
	"cryptoworker/internal/venue"
	"cryptoworker/logger"
)

const (
	defaultReconcileInterval = time.Minute
	defaultRefetchInterval   = 2 * time.Second
)

// Fetcher is the REST snapshot side of an adapter.
type Fetcher interface {
	FetchPositions(ctx context.Context) []models.Position
	FetchOrders(ctx context.Context) []models.Order
	FetchBalance(ctx context.Context) *models.Balance
}

// Options tune a reconciler. Zero values take the defaults.
type Options struct {
	Hedge             bool
	ReconcileInterval time.Duration
	RefetchInterval   time.Duration
}

// State is a copy of the reconciled account.
type State struct {
	Positions []models.Position `json:"positions"`
	Orders    []models.Order    `json:"orders"`
	Balance   *models.Balance   `json:"balance,omitempty"`
}

// Reconciler owns the positions, orders and balance of one private venue.
// Streamed diffs and REST snapshots are applied by a single goroutine;
// every change is emitted as an outbound event.
type Reconciler struct {
	venue string
	opts  Options
	in    <-chan models.AccountUpdate
	fetch Fetcher
	emit  models.Emitter

	positions map[string]models.Position
	orders    map[string]models.Order
	balance   *models.Balance
	tracker   *venue.DirectionTracker

	// When each key last changed, and when positions closed or orders
	// went terminal. A REST snapshot only overrides what it can have seen.
	positionAt map[string]int64
	closedAt   map[string]int64
	orderAt    map[string]int64
	removed    map[string]int64
	balanceAt  int64
	now        func() time.Time

	refetch      *rate.Limiter
	refetchTimer *time.Timer
	refetchC     <-chan time.Time
	snapshots    chan models.AccountUpdate
	queries      chan chan State

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	log     *logger.Entry
}

func NewReconciler(venueID string, in <-chan models.AccountUpdate, fetch Fetcher, emit models.Emitter, opts Options) *Reconciler {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = defaultReconcileInterval
	}
	if opts.RefetchInterval <= 0 {
		opts.RefetchInterval = defaultRefetchInterval
	}
	return &Reconciler{
		venue:     venueID,
		opts:      opts,
		in:        in,
		fetch:     fetch,
		emit:      emit,
		positions: make(map[string]models.Position),
		orders:    make(map[string]models.Order),
		tracker:   venue.NewDirectionTracker(),

		positionAt: make(map[string]int64),
		closedAt:   make(map[string]int64),
		orderAt:    make(map[string]int64),
		removed:    make(map[string]int64),
		now:        time.Now,

		refetch:   rate.NewLimiter(rate.Every(opts.RefetchInterval), 1),
		snapshots: make(chan models.AccountUpdate, 4),
		queries:   make(chan chan State),
		log:       logger.GetLogger().WithComponent("account").WithField("venue", venueID),
	}
}

// Start takes an initial REST snapshot and begins consuming updates.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("%s reconciler already running", r.venue)
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.run(ctx, r.done)
	r.requestSnapshot(ctx, true)
	r.log.WithField("reconcile_interval", r.opts.ReconcileInterval.String()).Info("reconciler started")
	return nil
}

// Stop halts the loop and its timers. Reconciled state is kept for
// inspection until the next Start.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
	r.log.Info("reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context, done chan struct{}) {
	defer r.wg.Done()
	defer close(done)
	ticker := time.NewTicker(r.opts.ReconcileInterval)
	defer ticker.Stop()
	defer r.stopRefetchTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-r.in:
			if !ok {
				return
			}
			r.Apply(u)
			if u.RefetchAccount {
				r.scheduleRefetch(ctx)
			}
		case u := <-r.snapshots:
			r.Apply(u)
		case <-ticker.C:
			r.requestSnapshot(ctx, true)
		case <-r.refetchC:
			r.refetchTimer, r.refetchC = nil, nil
			r.requestSnapshot(ctx, false)
		case q := <-r.queries:
			q <- r.state()
		}
	}
}

// scheduleRefetch coalesces refetch requests so that REST is hit at most
// once per RefetchInterval, whatever the burst size.
func (r *Reconciler) scheduleRefetch(ctx context.Context) {
	if r.refetchTimer != nil {
		return
	}
	res := r.refetch.Reserve()
	delay := res.Delay()
	if delay == 0 {
		r.requestSnapshot(ctx, false)
		return
	}
	r.refetchTimer = time.NewTimer(delay)
	r.refetchC = r.refetchTimer.C
}

func (r *Reconciler) stopRefetchTimer() {
	if r.refetchTimer != nil {
		r.refetchTimer.Stop()
		r.refetchTimer, r.refetchC = nil, nil
	}
}

// requestSnapshot fetches in the background and hands the result to the
// loop. full also replaces the open orders.
func (r *Reconciler) requestSnapshot(ctx context.Context, full bool) {
	if r.fetch == nil {
		return
	}
	go func() {
		u := r.Snapshot(ctx, full)
		select {
		case r.snapshots <- u:
		case <-ctx.Done():
		}
	}()
}

// Snapshot reads positions, balance and, when full, orders over REST.
// Failed calls leave their part out of the update.
func (r *Reconciler) Snapshot(ctx context.Context, full bool) models.AccountUpdate {
	start := time.Now()
	u := models.AccountUpdate{Exchange: r.venue, Timestamp: venue.NowMillis()}
	defer func() {
		logger.LogPerformanceEntry(r.log, "account", "rest_snapshot", time.Since(start), logger.Fields{
			"full":      full,
			"positions": len(u.Positions),
			"orders":    len(u.Orders),
		})
	}()
	if positions := r.fetch.FetchPositions(ctx); positions != nil {
		u.Positions, u.PositionsSnapshot = positions, true
	}
	if full {
		if orders := r.fetch.FetchOrders(ctx); orders != nil {
			u.Orders, u.OrdersSnapshot = orders, true
		}
	}
	u.Balance = r.fetch.FetchBalance(ctx)
	return u
}

// Apply folds one update into the state. It is called by the loop only,
// and directly by tests.
func (r *Reconciler) Apply(u models.AccountUpdate) {
	if u.PositionsSnapshot {
		r.applyPositionsSnapshot(u.Positions, u.Timestamp)
	} else {
		for _, p := range u.Positions {
			r.applyPosition(p)
		}
	}

	if u.OrdersSnapshot {
		r.applyOrdersSnapshot(u.Orders, u.Timestamp)
	} else {
		for _, o := range u.Orders {
			r.applyOrder(o)
		}
	}

	// a balance older than the one held is stale, REST or stream
	if u.Balance != nil && !after(r.balanceAt, u.Timestamp) {
		b := *u.Balance
		r.balance = &b
		r.balanceAt = r.stamp(u.Timestamp)
		r.publish(models.EventBalance, b)
	}

	if len(u.Fills) > 0 {
		for _, t := range venue.DeriveClosedTrades(u.Fills, r.tracker) {
			r.publish(models.EventClosedTrade, t)
		}
	}
}

// stamp is the time of a change: the venue timestamp, or now when the
// venue sent none.
func (r *Reconciler) stamp(ts int64) int64 {
	if ts > 0 {
		return ts
	}
	return r.now().UnixMilli()
}

// after reports whether a change at ts happened after a snapshot fetched
// at watermark. A zero watermark is an authoritative snapshot.
func after(ts, watermark int64) bool {
	return watermark > 0 && ts > watermark
}

// applyPositionsSnapshot replaces the position set with a REST view
// fetched at watermark. Positions the stream opened or closed after the
// fetch began win over it.
func (r *Reconciler) applyPositionsSnapshot(positions []models.Position, watermark int64) {
	for key, at := range r.closedAt {
		if !after(at, watermark) {
			delete(r.closedAt, key)
		}
	}
	seen := make(map[string]bool, len(positions))
	for i := range positions {
		if positions[i].Exchange == "" {
			positions[i].Exchange = r.venue
		}
		seen[positions[i].Key(r.opts.Hedge)] = true
	}
	for key, p := range r.positions {
		if !seen[key] && !after(r.positionAt[key], watermark) {
			p.Size = 0
			r.removePosition(key, p)
		}
	}
	for _, p := range positions {
		key := p.Key(r.opts.Hedge)
		if _, closed := r.closedAt[key]; closed {
			continue
		}
		if _, live := r.positions[key]; live && after(r.positionAt[key], watermark) {
			continue
		}
		r.applyPosition(p)
	}
}

// applyOrdersSnapshot replaces the open-order set with a REST view
// fetched at watermark. Orders that went terminal or changed on the
// stream after the fetch began keep their streamed state.
func (r *Reconciler) applyOrdersSnapshot(orders []models.Order, watermark int64) {
	for key, at := range r.removed {
		if !after(at, watermark) {
			delete(r.removed, key)
		}
	}
	seen := make(map[string]bool, len(orders))
	for i := range orders {
		if orders[i].Exchange == "" {
			orders[i].Exchange = r.venue
		}
		seen[orders[i].Key()] = true
	}
	for key, o := range r.orders {
		if !seen[key] && !after(r.orderAt[key], watermark) {
			r.removeOrder(key, o)
		}
	}
	for _, o := range orders {
		key := o.Key()
		if _, gone := r.removed[key]; gone {
			continue
		}
		if _, live := r.orders[key]; live && after(r.orderAt[key], watermark) {
			continue
		}
		r.applyOrder(o)
	}
}

func (r *Reconciler) applyPosition(p models.Position) {
	if p.Exchange == "" {
		p.Exchange = r.venue
	}
	key := p.Key(r.opts.Hedge)
	prev, existed := r.positions[key]
	if p.Closed() {
		r.closedAt[key] = r.stamp(p.Timestamp)
		if existed {
			r.removePosition(key, p)
		}
		return
	}
	if at, closed := r.closedAt[key]; closed {
		if p.Timestamp > 0 && p.Timestamp < at {
			return
		}
		delete(r.closedAt, key)
	}
	if existed {
		// private streams omit some fields; keep the last known value
		if p.MarkPrice == 0 {
			p.MarkPrice = prev.MarkPrice
		}
		if p.Leverage == 0 {
			p.Leverage = prev.Leverage
		}
		if p.LiquidationPrice == 0 {
			p.LiquidationPrice = prev.LiquidationPrice
		}
		if p.MarginMode == "" {
			p.MarginMode = prev.MarginMode
		}
		if p.Timestamp > 0 && prev.Timestamp > p.Timestamp {
			return
		}
		if p == prev {
			return
		}
	}
	r.positions[key] = p
	r.positionAt[key] = r.stamp(p.Timestamp)
	r.tracker.Seed(p.Symbol, p.Side)
	r.publish(models.EventPosition, p)
}

// removePosition publishes the zero-size position so consumers drop it.
func (r *Reconciler) removePosition(key string, p models.Position) {
	delete(r.positions, key)
	delete(r.positionAt, key)
	p.Size = 0
	r.publish(models.EventPosition, p)
}

func (r *Reconciler) applyOrder(o models.Order) {
	if o.Exchange == "" {
		o.Exchange = r.venue
	}
	key := o.Key()
	prev, existed := r.orders[key]
	if o.Status.Terminal() {
		r.removed[key] = r.stamp(o.Timestamp)
		if existed {
			r.removeOrder(key, o)
			return
		}
		// never seen live, still tell consumers it is gone
		r.publish(models.EventOrderRemoved, o)
		return
	}
	if ts, gone := r.removed[key]; gone && (o.Timestamp == 0 || o.Timestamp <= ts) {
		return
	}
	if existed {
		if o.Timestamp > 0 && prev.Timestamp > o.Timestamp {
			return
		}
		if o == prev {
			return
		}
	}
	r.orders[key] = o
	r.orderAt[key] = r.stamp(o.Timestamp)
	r.publish(models.EventOrder, o)
}

func (r *Reconciler) removeOrder(key string, o models.Order) {
	delete(r.orders, key)
	delete(r.orderAt, key)
	r.publish(models.EventOrderRemoved, o)
}

func (r *Reconciler) publish(t models.EventType, data interface{}) {
	metrics.IncAccountEvent(r.venue, string(t))
	if r.emit != nil {
		r.emit.Emit(models.Event{Type: t, ExchangeID: r.venue, Data: data})
	}
}

func (r *Reconciler) state() State {
	s := State{
		Positions: make([]models.Position, 0, len(r.positions)),
		Orders:    make([]models.Order, 0, len(r.orders)),
	}
	for _, p := range r.positions {
		s.Positions = append(s.Positions, p)
	}
	for _, o := range r.orders {
		s.Orders = append(s.Orders, o)
	}
	sort.Slice(s.Positions, func(i, j int) bool {
		return s.Positions[i].Key(true) < s.Positions[j].Key(true)
	})
	sort.Slice(s.Orders, func(i, j int) bool { return s.Orders[i].ID < s.Orders[j].ID })
	if r.balance != nil {
		b := *r.balance
		s.Balance = &b
	}
	return s
}

// State returns a copy of the account, asking the loop when it runs.
func (r *Reconciler) State(ctx context.Context) State {
	r.mu.Lock()
	running, done := r.running, r.done
	r.mu.Unlock()
	if !running {
		return r.state()
	}
	q := make(chan State, 1)
	select {
	case r.queries <- q:
	case <-done:
		return r.state()
	case <-ctx.Done():
		return State{}
	}
	select {
	case s := <-q:
		return s
	case <-ctx.Done():
		return State{}
	}
}

// Position returns the open position of symbol, if any.
func (r *Reconciler) Position(ctx context.Context, symbol string, side models.PositionSide) (models.Position, bool) {
	for _, p := range r.State(ctx).Positions {
		if p.Symbol == symbol && (side == "" || p.Side == side) {
			return p, true
		}
	}
	return models.Position{}, false
}
