package twap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cryptoworker/internal/metrics"
	"cryptoworker/internal/models"
	"cryptoworker/internal/venue"
	"cryptoworker/logger"
)

const (
	defaultMaxActiveJobs = 32
	historyLimit         = 64
	childTimeout         = 15 * time.Second
)

var (
	ErrJobNotFound  = errors.New("twap job not found")
	ErrTooManyJobs  = errors.New("too many active twap jobs")
	ErrInvalidJob   = errors.New("invalid twap job")
	ErrNotAvailable = errors.New("scheduler is not running")
)

// Market is what a job needs from one venue: a live price and a way to
// send market orders.
type Market interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
	PlaceMarketOrder(ctx context.Context, req venue.OrderRequest) ([]venue.OrderResult, error)
}

// Resolver finds the market of a venue id.
type Resolver func(venueID string) (Market, error)

// Request starts a job. TotalSize is in quote currency.
type Request struct {
	Exchange    string           `json:"exchange"`
	Symbol      string           `json:"symbol"`
	Side        models.OrderSide `json:"side"`
	TotalSize   float64          `json:"totalSize"`
	OrdersCount int              `json:"ordersCount"`
	Duration    time.Duration    `json:"-"`
}

// Options bound the scheduler. Zero values take the defaults.
type Options struct {
	MaxActiveJobs int
	MinInterval   time.Duration
}

type job struct {
	mu     sync.Mutex
	rec    models.TwapJob
	market Market
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// stopping blocks new children once Cancel has begun; inflight is
	// closed when the child being sent has been counted.
	stopping bool
	inflight chan struct{}
}

// sendable reports whether another child may start.
func (j *job) sendable() (models.TwapJob, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec, j.rec.Status == models.TwapActive && !j.stopping
}

// claim marks a child as in flight unless the job is being cancelled.
func (j *job) claim() (chan struct{}, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.rec.Status != models.TwapActive || j.stopping {
		return nil, false
	}
	j.inflight = make(chan struct{})
	return j.inflight, true
}

func (j *job) snapshot() models.TwapJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec
}

// Scheduler paces parent orders into evenly spaced market orders. It owns
// only its job records; prices are read from the venue's live tickers.
type Scheduler struct {
	resolve Resolver
	emit    models.Emitter
	opts    Options
	after   func(time.Duration) <-chan time.Time
	now     func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	active  map[string]*job
	history []models.TwapJob
	wg      sync.WaitGroup
	log     *logger.Entry
}

func NewScheduler(resolve Resolver, emit models.Emitter, opts Options) *Scheduler {
	if opts.MaxActiveJobs <= 0 {
		opts.MaxActiveJobs = defaultMaxActiveJobs
	}
	return &Scheduler{
		resolve: resolve,
		emit:    emit,
		opts:    opts,
		after:   time.After,
		now:     time.Now,
		active:  make(map[string]*job),
		log:     logger.GetLogger().WithComponent("twap_scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("twap scheduler already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.log.WithField("max_active_jobs", s.opts.MaxActiveJobs).Info("twap scheduler started")
	return nil
}

// Stop cancels every active job and waits for their loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_, _ = s.Cancel(id)
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("twap scheduler stopped")
}

// Plan validates req and derives the job record without starting it.
func (s *Scheduler) Plan(req Request) (models.TwapJob, error) {
	if req.Exchange == "" || req.Symbol == "" {
		return models.TwapJob{}, fmt.Errorf("%w: exchange and symbol are required", ErrInvalidJob)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return models.TwapJob{}, fmt.Errorf("%w: side %q", ErrInvalidJob, req.Side)
	}
	if req.TotalSize <= 0 || math.IsNaN(req.TotalSize) || math.IsInf(req.TotalSize, 0) {
		return models.TwapJob{}, fmt.Errorf("%w: total size %v", ErrInvalidJob, req.TotalSize)
	}
	if req.OrdersCount < 1 {
		return models.TwapJob{}, fmt.Errorf("%w: orders count %d", ErrInvalidJob, req.OrdersCount)
	}
	if req.Duration < 0 {
		return models.TwapJob{}, fmt.Errorf("%w: negative duration", ErrInvalidJob)
	}
	if req.OrdersCount > 1 && req.Duration == 0 {
		return models.TwapJob{}, fmt.Errorf("%w: %d orders need a duration", ErrInvalidJob, req.OrdersCount)
	}
	interval := req.Duration / time.Duration(req.OrdersCount)
	if req.OrdersCount > 1 && interval < s.opts.MinInterval {
		return models.TwapJob{}, fmt.Errorf("%w: interval %s below minimum %s", ErrInvalidJob, interval, s.opts.MinInterval)
	}
	return models.TwapJob{
		Exchange:     req.Exchange,
		Symbol:       req.Symbol,
		Side:         req.Side,
		TotalSize:    req.TotalSize,
		OrdersCount:  req.OrdersCount,
		IntervalMs:   interval.Milliseconds(),
		SizePerOrder: req.TotalSize / float64(req.OrdersCount),
		Status:       models.TwapActive,
	}, nil
}

// StartJob launches a job. The first child order is sent immediately.
func (s *Scheduler) StartJob(req Request) (models.TwapJob, error) {
	rec, err := s.Plan(req)
	if err != nil {
		return models.TwapJob{}, err
	}
	market, err := s.resolve(req.Exchange)
	if err != nil {
		return models.TwapJob{}, err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return models.TwapJob{}, ErrNotAvailable
	}
	if len(s.active) >= s.opts.MaxActiveJobs {
		s.mu.Unlock()
		return models.TwapJob{}, fmt.Errorf("%w: limit %d", ErrTooManyJobs, s.opts.MaxActiveJobs)
	}
	rec.ID = uuid.NewString()
	rec.StartedAt = s.now().UnixMilli()
	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{rec: rec, market: market, parent: s.ctx, cancel: cancel, done: make(chan struct{})}
	s.active[rec.ID] = j
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{
		"job":      rec.ID,
		"venue":    rec.Exchange,
		"symbol":   rec.Symbol,
		"side":     rec.Side,
		"orders":   rec.OrdersCount,
		"interval": rec.IntervalMs,
	}).Info("twap job started")
	s.publish(rec)
	go s.run(ctx, j)
	return rec, nil
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.wg.Done()
	defer close(j.done)
	interval := time.Duration(j.snapshot().IntervalMs) * time.Millisecond

	for {
		if s.tick(j) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.after(interval):
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// tick sends one child order and reports whether the job reached a
// terminal state.
func (s *Scheduler) tick(j *job) bool {
	rec, ok := j.sendable()
	if !ok {
		return true
	}
	log := s.log.WithFields(logger.Fields{"job": rec.ID, "venue": rec.Exchange, "symbol": rec.Symbol})

	// children run on the scheduler context so a cancel never aborts one
	// half sent
	ctx, cancel := context.WithTimeout(j.parent, childTimeout)
	defer cancel()

	price := rec.LastPrice
	if p, err := j.market.LastPrice(ctx, rec.Symbol); err == nil && p > 0 {
		price = p
	} else if err != nil {
		log.WithError(err).Debug("live price unavailable, using last known")
	}

	// the price refresh may have raced a Cancel
	inflight, ok := j.claim()
	if !ok {
		return true
	}
	defer close(inflight)

	var childErr error
	if price <= 0 {
		childErr = fmt.Errorf("no price for %s", rec.Symbol)
	} else {
		_, childErr = j.market.PlaceMarketOrder(ctx, venue.OrderRequest{
			Symbol: rec.Symbol,
			Side:   rec.Side,
			Size:   rec.SizePerOrder / price,
			Type:   venue.OrderTypeMarket,
		})
	}
	logger.IncrementTwapChild()

	j.mu.Lock()
	j.inflight = nil
	if price > 0 {
		j.rec.LastPrice = price
	}
	if childErr != nil {
		j.rec.OrdersFailed++
		j.rec.LastError = childErr.Error()
		metrics.IncTwapOrder(rec.Exchange, "failed")
		log.WithError(childErr).Warn("twap child order failed")
	} else {
		j.rec.OrdersPlaced++
		metrics.IncTwapOrder(rec.Exchange, "placed")
	}
	finished := j.rec.OrdersPlaced+j.rec.OrdersFailed >= j.rec.OrdersCount
	if !finished && j.stopping {
		// Cancel waits for this child and finalizes the record
		j.mu.Unlock()
		return true
	}
	if finished {
		j.rec.Status = models.TwapCompleted
		if j.rec.OrdersPlaced == 0 {
			j.rec.Status = models.TwapError
		}
		j.rec.FinishedAt = s.now().UnixMilli()
	}
	out := j.rec
	j.mu.Unlock()

	if finished {
		s.release(out)
		log.WithFields(logger.Fields{
			"status": out.Status,
			"placed": out.OrdersPlaced,
			"failed": out.OrdersFailed,
		}).Info("twap job finished")
	}
	s.publish(out)
	return finished
}

// Cancel stops an active job. No venue cancellations are sent; children
// already placed stay placed.
func (s *Scheduler) Cancel(id string) (models.TwapJob, error) {
	s.mu.Lock()
	j, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return models.TwapJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	j.mu.Lock()
	if j.rec.Status != models.TwapActive || j.stopping {
		j.mu.Unlock()
		return models.TwapJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.stopping = true
	inflight := j.inflight
	j.mu.Unlock()
	j.cancel()

	// a child already on its way to the venue is counted, never dropped
	if inflight != nil {
		<-inflight
	}

	j.mu.Lock()
	if j.rec.Status != models.TwapActive {
		// the in-flight child was the last one
		out := j.rec
		j.mu.Unlock()
		return out, nil
	}
	j.rec.Status = models.TwapCancelled
	j.rec.FinishedAt = s.now().UnixMilli()
	out := j.rec
	j.mu.Unlock()

	s.release(out)
	s.log.WithFields(logger.Fields{
		"job":    id,
		"placed": out.OrdersPlaced,
		"failed": out.OrdersFailed,
	}).Info("twap job cancelled")
	s.publish(out)
	return out, nil
}

// release drops the active record and keeps a bounded history of
// finished jobs for listing.
func (s *Scheduler) release(rec models.TwapJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, rec.ID)
	s.history = append(s.history, rec)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

func (s *Scheduler) publish(rec models.TwapJob) {
	if s.emit != nil {
		s.emit.Emit(models.Event{Type: models.EventTwap, ExchangeID: rec.Exchange, Data: rec})
	}
}

// Get returns an active or recently finished job.
func (s *Scheduler) Get(id string) (models.TwapJob, error) {
	s.mu.Lock()
	j, ok := s.active[id]
	if !ok {
		defer s.mu.Unlock()
		for i := len(s.history) - 1; i >= 0; i-- {
			if s.history[i].ID == id {
				return s.history[i], nil
			}
		}
		return models.TwapJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.mu.Unlock()
	return j.snapshot(), nil
}

// Jobs lists active jobs first, then finished ones, each by start time.
func (s *Scheduler) Jobs() []models.TwapJob {
	s.mu.Lock()
	active := make([]*job, 0, len(s.active))
	for _, j := range s.active {
		active = append(active, j)
	}
	finished := append([]models.TwapJob(nil), s.history...)
	s.mu.Unlock()

	out := make([]models.TwapJob, 0, len(active)+len(finished))
	for _, j := range active {
		out = append(out, j.snapshot())
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].StartedAt < out[k].StartedAt })
	sort.SliceStable(finished, func(i, k int) bool { return finished[i].StartedAt < finished[k].StartedAt })
	return append(out, finished...)
}

// Active counts running jobs.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
