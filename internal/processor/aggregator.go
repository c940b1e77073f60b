package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cryptoworker/internal/metrics"
	"cryptoworker/internal/models"
	"cryptoworker/logger"
)

const defaultBatchInterval = 200 * time.Millisecond

type query struct {
	symbol string
	reply  chan []models.Ticker
}

// Aggregator owns the ticker map of one venue. Fragments arrive on a
// channel, are merged into a pending set and flushed as one tickers event
// per batch interval. Only the run goroutine touches the maps.
type Aggregator struct {
	venue    string
	interval time.Duration
	in       <-chan models.TickerFragment
	emit     models.Emitter
	slab     *Slab

	tickers map[string]*models.Ticker
	pending map[string]struct{}
	order   []string

	queries chan query
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

// NewAggregator binds an aggregator to a fragment channel. A zero interval
// uses 200ms.
func NewAggregator(venue string, interval time.Duration, in <-chan models.TickerFragment, slab *Slab, emit models.Emitter) *Aggregator {
	if interval <= 0 {
		interval = defaultBatchInterval
	}
	if slab == nil {
		slab = NewSlab(0)
	}
	return &Aggregator{
		venue:    venue,
		interval: interval,
		in:       in,
		emit:     emit,
		slab:     slab,
		tickers:  make(map[string]*models.Ticker),
		pending:  make(map[string]struct{}),
		queries:  make(chan query),
		log:      logger.GetLogger().WithComponent("aggregator").WithField("venue", venue),
	}
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("%s aggregator already running", a.venue)
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.wg.Add(1)
	go a.run(ctx, a.done)
	a.log.WithField("interval", a.interval.String()).Info("aggregator started")
	return nil
}

// Stop halts the loop, drops any pending flush and clears the ticker map.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
	a.tickers = make(map[string]*models.Ticker)
	a.pending = make(map[string]struct{})
	a.order = a.order[:0]
	a.log.Info("aggregator stopped")
}

func (a *Aggregator) run(ctx context.Context, done chan struct{}) {
	defer a.wg.Done()
	defer close(done)

	var timer *time.Timer
	var flushC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, flushC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-a.in:
			if !ok {
				stopTimer()
				a.flush()
				return
			}
			if !a.merge(f) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(a.interval)
				flushC = timer.C
			}
		case <-flushC:
			timer, flushC = nil, nil
			a.flush()
		case q := <-a.queries:
			q.reply <- a.lookup(q.symbol)
		}
	}
}

// merge folds f into the canonical entry of its symbol and marks it pending.
func (a *Aggregator) merge(f models.TickerFragment) bool {
	if f.Symbol == "" || f.Empty() {
		return false
	}
	t, ok := a.tickers[f.Symbol]
	if !ok {
		t = &models.Ticker{Symbol: f.Symbol}
		a.tickers[f.Symbol] = t
	}
	t.Apply(f)
	if _, ok := a.pending[f.Symbol]; !ok {
		a.pending[f.Symbol] = struct{}{}
		a.order = append(a.order, f.Symbol)
	}
	return true
}

// flush copies every pending ready ticker into the slab and emits them.
// The emitted slice is reused by the next flush.
func (a *Aggregator) flush() int {
	if len(a.order) == 0 {
		return 0
	}
	out := a.slab.Take(len(a.order))
	n := 0
	for _, symbol := range a.order {
		t := a.tickers[symbol]
		if t == nil || !t.Ready() {
			continue
		}
		out[n] = *t
		n++
	}
	for _, symbol := range a.order {
		delete(a.pending, symbol)
	}
	a.order = a.order[:0]

	if n == 0 {
		return 0
	}
	metrics.ObserveFlush(a.venue, n)
	logger.LogDataFlowEntry(a.log, "aggregator", "emitter", n, "tickers")
	if a.emit != nil {
		a.emit.Emit(models.Event{Type: models.EventTickers, ExchangeID: a.venue, Data: out[:n], Count: n})
	}
	return n
}

func (a *Aggregator) lookup(symbol string) []models.Ticker {
	if symbol != "" {
		t, ok := a.tickers[symbol]
		if !ok {
			return nil
		}
		return []models.Ticker{*t}
	}
	out := make([]models.Ticker, 0, len(a.tickers))
	for _, t := range a.tickers {
		if t.Ready() {
			out = append(out, *t)
		}
	}
	return out
}

func (a *Aggregator) ask(ctx context.Context, symbol string) ([]models.Ticker, bool) {
	a.mu.Lock()
	done := a.done
	running := a.running
	a.mu.Unlock()
	if !running {
		return nil, false
	}
	q := query{symbol: symbol, reply: make(chan []models.Ticker, 1)}
	select {
	case a.queries <- q:
	case <-done:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
	select {
	case res := <-q.reply:
		return res, true
	case <-ctx.Done():
		return nil, false
	}
}

// Ticker returns a copy of the current ticker of symbol.
func (a *Aggregator) Ticker(ctx context.Context, symbol string) (models.Ticker, bool) {
	res, ok := a.ask(ctx, symbol)
	if !ok || len(res) == 0 {
		return models.Ticker{}, false
	}
	return res[0], true
}

// Snapshot copies every ready ticker.
func (a *Aggregator) Snapshot(ctx context.Context) []models.Ticker {
	res, _ := a.ask(ctx, "")
	return res
}

// LastPrice implements the price source of the TWAP scheduler.
func (a *Aggregator) LastPrice(ctx context.Context, symbol string) (float64, error) {
	t, ok := a.Ticker(ctx, symbol)
	if !ok || !t.Ready() {
		return 0, fmt.Errorf("no live price for %s on %s", symbol, a.venue)
	}
	return t.LastPrice, nil
}
