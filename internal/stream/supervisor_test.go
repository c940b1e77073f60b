package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoworker/internal/models"
)

type testServer struct {
	*httptest.Server
	conns atomic.Int32

	mu       sync.Mutex
	received []string
}

// newTestServer runs a websocket endpoint; onConn owns each accepted socket.
func newTestServer(t *testing.T, onConn func(s *testServer, ws *websocket.Conn)) *testServer {
	t.Helper()
	s := &testServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns.Add(1)
		defer ws.Close()
		onConn(s, ws)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) record(msg []byte) {
	s.mu.Lock()
	s.received = append(s.received, string(msg))
	s.mu.Unlock()
}

func (s *testServer) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// drain reads until the peer goes away.
func drain(s *testServer, ws *websocket.Conn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.record(msg)
	}
}

type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *stateLog) add(c StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *stateLog) all() []StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StateChange(nil), l.changes...)
}

func fastOptions() Options {
	return Options{
		Backoff:      Backoff{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
		PingInterval: time.Hour,
		PongTimeout:  time.Hour,
		DialTimeout:  2 * time.Second,
		WriteTimeout: time.Second,
	}
}

func encodeTopics(topics []string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"op": "subscribe", "args": topics})
}

func TestSupervisorSubscribesInBatchesAndDelivers(t *testing.T) {
	srv := newTestServer(t, func(s *testServer, ws *websocket.Conn) {
		for i := 0; i < 2; i++ {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.record(msg)
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"data":"hello"}`))
		drain(s, ws)
	})

	got := make(chan string, 4)
	states := &stateLog{}
	sup := NewSupervisor("bybit", fastOptions(), states.add)
	require.NoError(t, sup.Add(ShardSpec{
		Key:             "bybit/public-0",
		Venue:           "bybit",
		URL:             srv.wsURL(),
		Topics:          []string{"tickers.BTCUSDT", "tickers.ETHUSDT", "tickers.SOLUSDT"},
		BatchSize:       2,
		EncodeSubscribe: encodeTopics,
		Handler: func(msg []byte) error {
			got <- string(msg)
			return nil
		},
	}))
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	select {
	case msg := <-got:
		assert.Equal(t, `{"data":"hello"}`, msg)
	case <-time.After(3 * time.Second):
		t.Fatal("handler never received a frame")
	}

	msgs := srv.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "tickers.ETHUSDT")
	assert.Contains(t, msgs[1], "tickers.SOLUSDT")

	state, ok := sup.State("bybit/public-0")
	require.True(t, ok)
	assert.Equal(t, models.StateConnected, state)

	changes := states.all()
	require.GreaterOrEqual(t, len(changes), 2)
	assert.Equal(t, models.StateConnecting, changes[0].To)
	assert.Equal(t, models.StateConnected, changes[1].To)
}

func TestSupervisorReconnectsAfterServerClose(t *testing.T) {
	srv := newTestServer(t, func(s *testServer, ws *websocket.Conn) {
		if s.conns.Load() == 1 {
			return
		}
		drain(s, ws)
	})

	states := &stateLog{}
	sup := NewSupervisor("okx", fastOptions(), states.add)
	require.NoError(t, sup.Add(ShardSpec{Key: "okx/public-0", Venue: "okx", URL: srv.wsURL()}))
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	require.Eventually(t, func() bool {
		state, _ := sup.State("okx/public-0")
		return srv.conns.Load() >= 2 && state == models.StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	var sawReconnecting bool
	for _, c := range states.all() {
		if c.To == models.StateReconnecting {
			sawReconnecting = true
		}
	}
	assert.True(t, sawReconnecting)
}

func TestSupervisorWatchdogForcesReconnect(t *testing.T) {
	srv := newTestServer(t, drain)

	opts := fastOptions()
	opts.PongTimeout = 100 * time.Millisecond
	sup := NewSupervisor("hyperliquid", opts, nil)
	require.NoError(t, sup.Add(ShardSpec{Key: "hyperliquid/public-0", Venue: "hyperliquid", URL: srv.wsURL()}))
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	require.Eventually(t, func() bool {
		return srv.conns.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSupervisorClientPingAndPong(t *testing.T) {
	srv := newTestServer(t, func(s *testServer, ws *websocket.Conn) {
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.record(msg)
			if string(msg) == `{"method":"ping"}` {
				_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"channel":"pong"}`))
			}
		}
	})

	opts := fastOptions()
	opts.PingInterval = 20 * time.Millisecond
	opts.PongTimeout = 200 * time.Millisecond

	var handled atomic.Int32
	sup := NewSupervisor("hyperliquid", opts, nil)
	require.NoError(t, sup.Add(ShardSpec{
		Key:    "hyperliquid/public-0",
		Venue:  "hyperliquid",
		URL:    srv.wsURL(),
		Ping:   func() []byte { return []byte(`{"method":"ping"}`) },
		IsPong: func(msg []byte) bool { return string(msg) == `{"channel":"pong"}` },
		Handler: func([]byte) error {
			handled.Add(1)
			return nil
		},
	}))
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	require.Eventually(t, func() bool {
		return len(srv.messages()) >= 10
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), srv.conns.Load())
	assert.Zero(t, handled.Load())
}

func TestSupervisorHandlerRequestsReconnect(t *testing.T) {
	srv := newTestServer(t, func(s *testServer, ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"e":"listenKeyExpired"}`))
		drain(s, ws)
	})

	var skipped atomic.Int32
	sup := NewSupervisor("binance", fastOptions(), nil)
	require.NoError(t, sup.Add(ShardSpec{
		Key:   "binance/private",
		Venue: "binance",
		URL:   srv.wsURL(),
		Handler: func(msg []byte) error {
			if string(msg) == `not json` {
				skipped.Add(1)
				return fmt.Errorf("malformed frame")
			}
			return ErrReconnect
		},
	}))
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	require.Eventually(t, func() bool {
		return srv.conns.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, skipped.Load(), int32(1))
}

func TestSupervisorAuthFailureIsFatal(t *testing.T) {
	srv := newTestServer(t, drain)

	states := &stateLog{}
	sup := NewSupervisor("bybit", fastOptions(), states.add)
	require.NoError(t, sup.Add(ShardSpec{
		Key:   "bybit/private",
		Venue: "bybit",
		URL:   srv.wsURL(),
		Handshake: func(ctx context.Context, conn *Conn) error {
			return fmt.Errorf("%w: invalid signature", ErrAuthFailed)
		},
	}))
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	require.Eventually(t, func() bool {
		state, _ := sup.State("bybit/private")
		return state == models.StateError
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), srv.conns.Load())
	state, _ := sup.State("bybit/private")
	assert.Equal(t, models.StateError, state)

	changes := states.all()
	last := changes[len(changes)-1]
	assert.True(t, last.Fatal)
	assert.ErrorIs(t, last.Err, ErrAuthFailed)
}

func TestSupervisorStopClearsPendingReconnect(t *testing.T) {
	refused := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer refused.Close()

	opts := fastOptions()
	opts.Backoff = Backoff{Base: time.Hour, Cap: time.Hour}
	sup := NewSupervisor("binance", opts, nil)
	require.NoError(t, sup.Add(ShardSpec{
		Key:   "binance/public-0",
		Venue: "binance",
		URL:   "ws" + strings.TrimPrefix(refused.URL, "http"),
	}))
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		state, _ := sup.State("binance/public-0")
		return state == models.StateReconnecting
	}, 3*time.Second, 10*time.Millisecond)

	sup.mu.Lock()
	pending := sup.shards["binance/public-0"].timer != nil
	sup.mu.Unlock()
	require.True(t, pending)

	// a second schedule while the timer is pending is a no-op
	assert.False(t, sup.scheduleReconnect(sup.shards["binance/public-0"]))

	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	sup.mu.Lock()
	assert.Nil(t, sup.shards["binance/public-0"].timer)
	sup.mu.Unlock()
	state, _ := sup.State("binance/public-0")
	assert.Equal(t, models.StateDisconnected, state)
	assert.ErrorIs(t, sup.Add(ShardSpec{Key: "x", URL: "ws://x"}), ErrStopped)
}

func TestSupervisorRejectsDuplicateShard(t *testing.T) {
	sup := NewSupervisor("okx", fastOptions(), nil)
	require.NoError(t, sup.Add(ShardSpec{Key: "okx/a", URL: "ws://localhost"}))
	assert.ErrorIs(t, sup.Add(ShardSpec{Key: "okx/a", URL: "ws://localhost"}), ErrDuplicate)
	assert.Error(t, sup.Add(ShardSpec{Key: "okx/b"}))
	assert.ErrorIs(t, sup.ForceReconnect("okx/missing"), ErrUnknownShard)
	assert.Equal(t, []string{"okx/a"}, sup.Keys())
}
