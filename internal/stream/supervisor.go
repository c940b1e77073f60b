package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cryptoworker/config"
	"cryptoworker/internal/metrics"
	"cryptoworker/internal/metrics/rate"
	"cryptoworker/internal/models"
	"cryptoworker/logger"
)

var (
	// ErrAuthFailed marks handshake failures. They stop the shard for good.
	ErrAuthFailed   = errors.New("stream authentication failed")
	ErrStopped      = errors.New("supervisor stopped")
	ErrUnknownShard = errors.New("unknown shard")
	ErrDuplicate    = errors.New("shard already registered")
	// ErrReconnect returned by a Handler drops the socket and reconnects.
	ErrReconnect = errors.New("reconnect requested")
)

// ShardSpec describes one socket: where to connect, how to authenticate and
// subscribe, how the venue keeps the link alive and who parses its frames.
type ShardSpec struct {
	Key     string
	Venue   string
	URL     string
	LocalIP string

	// ResolveURL replaces URL when set, e.g. to fetch a listen key. Errors
	// wrapping ErrAuthFailed are fatal.
	ResolveURL func(ctx context.Context) (string, error)

	// Handshake authenticates a fresh socket before subscribing.
	Handshake func(ctx context.Context, conn *Conn) error

	Topics          []string
	BatchSize       int
	EncodeSubscribe func(topics []string) ([]byte, error)

	// Ping builds a client-driven application ping. ControlPing sends
	// websocket ping frames instead. With neither, the venue pings us and
	// the watchdog only tracks inbound traffic.
	Ping        func() []byte
	ControlPing bool
	IsPong      func(msg []byte) bool

	// Handler parses one frame. Errors skip the frame; ErrReconnect also
	// recycles the socket.
	Handler func(msg []byte) error
}

// Options tune every shard of a supervisor.
type Options struct {
	Backoff      Backoff
	PingInterval time.Duration
	PongTimeout  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func OptionsFromConfig(cfg config.StreamConfig) Options {
	return Options{
		Backoff:      BackoffFromConfig(cfg),
		PingInterval: cfg.PingInterval,
		PongTimeout:  cfg.PongTimeout,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

type shard struct {
	spec    ShardSpec
	state   models.ConnectionState
	attempt int
	conn    *Conn
	timer   *time.Timer
	fatal   bool
	tracker *rate.WSWeightTracker
}

// Supervisor owns the socket shards of one venue and runs
// connect → authenticate → heartbeat → reconnect for each of them.
type Supervisor struct {
	opts     Options
	onChange func(StateChange)
	log      *logger.Entry

	mu      sync.Mutex
	shards  map[string]*shard
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewSupervisor builds a supervisor. onChange may be nil.
func NewSupervisor(venue string, opts Options, onChange func(StateChange)) *Supervisor {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 3 * opts.PingInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Supervisor{
		opts:     opts,
		onChange: onChange,
		log:      logger.GetLogger().WithComponent("stream").WithField("venue", venue),
		shards:   make(map[string]*shard),
	}
}

// Add registers a shard. Shards added after Start connect immediately.
func (s *Supervisor) Add(spec ShardSpec) error {
	if spec.Key == "" {
		return fmt.Errorf("shard key is required")
	}
	if spec.URL == "" && spec.ResolveURL == nil {
		return fmt.Errorf("shard %s: url is required", spec.Key)
	}
	if spec.BatchSize <= 0 {
		spec.BatchSize = len(spec.Topics)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, ok := s.shards[spec.Key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, spec.Key)
	}
	sh := &shard{spec: spec, state: models.StateDisconnected, tracker: rate.NewWSWeightTracker()}
	s.shards[spec.Key] = sh
	started := s.started
	s.mu.Unlock()

	if started {
		s.launch(sh)
	}
	return nil
}

// Start connects every registered shard.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	for _, sh := range shards {
		s.launch(sh)
	}
	return nil
}

// Stop clears pending reconnect timers, ends heartbeats, closes every
// socket and waits for the shard goroutines to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var conns []*Conn
	var shards []*shard
	for _, sh := range s.shards {
		if sh.timer != nil {
			sh.timer.Stop()
			sh.timer = nil
		}
		if sh.conn != nil {
			conns = append(conns, sh.conn)
		}
		shards = append(shards, sh)
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()

	for _, sh := range shards {
		s.transition(sh, models.StateDisconnected, nil, false)
	}
	s.log.Info("stream supervisor stopped")
}

// State returns the current state of a shard.
func (s *Supervisor) State(key string) (models.ConnectionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[key]
	if !ok {
		return "", false
	}
	return sh.state, true
}

// States returns the state of every shard.
func (s *Supervisor) States() map[string]models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.ConnectionState, len(s.shards))
	for k, sh := range s.shards {
		out[k] = sh.state
	}
	return out
}

// Keys lists shard keys in order.
func (s *Supervisor) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.shards))
	for k := range s.shards {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ForceReconnect drops the live socket of a shard; the read loop then takes
// the normal reconnect path.
func (s *Supervisor) ForceReconnect(key string) error {
	s.mu.Lock()
	sh, ok := s.shards[key]
	var conn *Conn
	if ok {
		conn = sh.conn
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownShard, key)
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Send writes a text frame on a connected shard.
func (s *Supervisor) Send(key string, payload []byte) error {
	s.mu.Lock()
	sh, ok := s.shards[key]
	var conn *Conn
	if ok {
		conn = sh.conn
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownShard, key)
	}
	if conn == nil {
		return fmt.Errorf("shard %s is not connected", key)
	}
	return conn.WriteText(payload)
}

func (s *Supervisor) launch(sh *shard) {
	s.mu.Lock()
	if s.stopped || sh.fatal {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(ctx, sh)
	}()
}

// run performs one connection cycle and schedules the next on failure.
func (s *Supervisor) run(ctx context.Context, sh *shard) {
	spec := sh.spec
	log := s.log.WithField("shard", spec.Key)

	if !s.transition(sh, models.StateConnecting, nil, false) {
		return
	}

	url := spec.URL
	if spec.ResolveURL != nil {
		resolved, err := spec.ResolveURL(ctx)
		if err != nil {
			s.fail(ctx, sh, fmt.Errorf("resolve url: %w", err))
			return
		}
		url = resolved
	}

	sh.tracker.RegisterConnectionAttempt()
	ws, err := dial(ctx, url, spec.LocalIP, s.opts.DialTimeout)
	if err != nil {
		log.WithError(err).Warn("failed to connect to websocket")
		s.fail(ctx, sh, err)
		return
	}
	conn := newConn(ws, s.opts.WriteTimeout, sh.tracker)

	s.mu.Lock()
	sh.attempt = 0
	stopped := s.stopped
	if !stopped {
		sh.conn = conn
	}
	s.mu.Unlock()
	if stopped {
		_ = conn.Close()
		return
	}

	if spec.Handshake != nil {
		hsCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
		err := spec.Handshake(hsCtx, conn)
		cancel()
		if err != nil {
			s.detach(sh, conn)
			s.fail(ctx, sh, err)
			return
		}
	}

	if err := subscribe(conn, spec); err != nil {
		log.WithError(err).Warn("failed to subscribe")
		s.detach(sh, conn)
		s.fail(ctx, sh, err)
		return
	}

	s.transition(sh, models.StateConnected, nil, false)
	log.WithField("topics", len(spec.Topics)).Info("websocket connected")

	err = s.serve(ctx, sh, conn)
	s.detach(sh, conn)
	if ctx.Err() != nil || s.isStopped() {
		return
	}
	log.WithError(err).Warn("websocket read loop ended")
	s.transition(sh, models.StateReconnecting, err, false)
	s.scheduleReconnect(sh)
}

// fail records a failed cycle: fatal on auth errors, otherwise error then
// reconnecting.
func (s *Supervisor) fail(ctx context.Context, sh *shard, err error) {
	if ctx.Err() != nil || s.isStopped() {
		return
	}
	if errors.Is(err, ErrAuthFailed) {
		s.mu.Lock()
		sh.fatal = true
		s.mu.Unlock()
		s.log.WithField("shard", sh.spec.Key).WithError(err).Error("stream handshake failed; shard stopped")
		s.transition(sh, models.StateError, err, true)
		return
	}
	s.transition(sh, models.StateError, err, false)
	s.transition(sh, models.StateReconnecting, err, false)
	s.scheduleReconnect(sh)
}

// scheduleReconnect arms the reconnect timer of a shard. It is a no-op when
// a timer is already pending, the shard is fatal or the supervisor stopped.
func (s *Supervisor) scheduleReconnect(sh *shard) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || sh.fatal || sh.timer != nil {
		return false
	}
	delay := s.opts.Backoff.Delay(sh.attempt)
	sh.attempt++
	metrics.IncReconnect(sh.spec.Venue)
	logger.IncrementReconnect()
	s.log.WithFields(logger.Fields{
		"shard":   sh.spec.Key,
		"attempt": sh.attempt,
		"delay":   delay.String(),
	}).Info("scheduling reconnect")

	sh.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		sh.timer = nil
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			s.launch(sh)
		}
	})
	return true
}

func (s *Supervisor) detach(sh *shard, conn *Conn) {
	_ = conn.Close()
	s.mu.Lock()
	if sh.conn == conn {
		sh.conn = nil
	}
	s.mu.Unlock()
	rate.ReportWSWeight(logger.GetLogger(), sh.tracker, sh.spec.Venue, sh.spec.Key)
}

func (s *Supervisor) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Supervisor) transition(sh *shard, to models.ConnectionState, err error, fatal bool) bool {
	s.mu.Lock()
	from := sh.state
	if from == to {
		s.mu.Unlock()
		return true
	}
	if !ValidTransition(from, to) {
		s.mu.Unlock()
		s.log.WithFields(logger.Fields{"shard": sh.spec.Key, "from": from, "to": to}).Debug("ignoring invalid state transition")
		return false
	}
	sh.state = to
	s.mu.Unlock()

	metrics.SetConnectionState(sh.spec.Venue, sh.spec.Key, string(to))
	if s.onChange != nil {
		s.onChange(StateChange{Key: sh.spec.Key, Venue: sh.spec.Venue, From: from, To: to, Err: err, Fatal: fatal})
	}
	return true
}

func subscribe(conn *Conn, spec ShardSpec) error {
	if spec.EncodeSubscribe == nil || len(spec.Topics) == 0 {
		return nil
	}
	for _, batch := range Batches(spec.Topics, spec.BatchSize) {
		payload, err := spec.EncodeSubscribe(batch)
		if err != nil {
			return err
		}
		if err := conn.WriteText(payload); err != nil {
			return err
		}
	}
	return nil
}

// serve runs the heartbeat and the read loop until the socket fails.
func (s *Supervisor) serve(ctx context.Context, sh *shard, conn *Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.ws.SetPongHandler(func(string) error {
		conn.touch()
		return nil
	})
	conn.ws.SetPingHandler(func(data string) error {
		conn.touch()
		err := conn.writeControl(websocket.PongMessage, []byte(data))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat(connCtx, sh, conn)
	}()

	spec := sh.spec
	log := s.log.WithField("shard", spec.Key)
	for {
		msg, err := conn.ReadMessage(0)
		if err != nil {
			return err
		}
		logger.IncrementStreamRead(spec.Venue, len(msg))
		if spec.IsPong != nil && spec.IsPong(msg) {
			continue
		}
		metrics.IncMessage(spec.Venue, shardKind(spec.Key))
		if spec.Handler == nil {
			continue
		}
		if err := spec.Handler(msg); err != nil {
			if errors.Is(err, ErrReconnect) {
				return err
			}
			log.WithError(err).Debug("skipping unparseable message")
		}
	}
}

// heartbeat sends client pings and closes the socket when nothing has been
// heard within the pong timeout.
func (s *Supervisor) heartbeat(ctx context.Context, sh *shard, conn *Conn) {
	spec := sh.spec
	log := s.log.WithField("shard", spec.Key)

	var ping <-chan time.Time
	if spec.Ping != nil || spec.ControlPing {
		pingTicker := time.NewTicker(s.opts.PingInterval)
		defer pingTicker.Stop()
		ping = pingTicker.C
	}

	watch := s.opts.PongTimeout / 4
	if watch <= 0 {
		watch = time.Second
	}
	watchTicker := time.NewTicker(watch)
	defer watchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping:
			var err error
			if spec.Ping != nil {
				err = conn.WriteText(spec.Ping())
			} else {
				err = conn.writeControl(websocket.PingMessage, nil)
			}
			if err != nil {
				log.WithError(err).Warn("failed to send websocket ping")
				_ = conn.Close()
				return
			}
		case <-watchTicker.C:
			if idle := conn.Idle(); idle > s.opts.PongTimeout {
				log.WithField("idle", idle.String()).Warn("pong timeout; forcing reconnect")
				_ = conn.Close()
				return
			}
		}
	}
}

func shardKind(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			key = key[i+1:]
			break
		}
	}
	for i := 0; i < len(key); i++ {
		if key[i] == '-' {
			return key[:i]
		}
	}
	return key
}
