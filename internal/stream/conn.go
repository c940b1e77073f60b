package stream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cryptoworker/internal/metrics/rate"
)

// Conn is one open shard socket. Writes are serialised; reads happen only on
// the shard's read loop or inside its handshake.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	lastSeen     atomic.Int64
	tracker      *rate.WSWeightTracker
	closeOnce    sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration, tracker *rate.WSWeightTracker) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	c := &Conn{ws: ws, writeTimeout: writeTimeout, tracker: tracker}
	c.touch()
	return c
}

// dial opens a websocket, binding to localIP when given.
func dial(ctx context.Context, url, localIP string, timeout time.Duration) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	if ip := net.ParseIP(localIP); ip != nil {
		dialer.NetDialContext = (&net.Dialer{
			LocalAddr: &net.TCPAddr{IP: ip},
			Timeout:   timeout,
		}).DialContext
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	return ws, err
}

// WriteJSON marshals v and sends it as a text frame.
func (c *Conn) WriteJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteText(payload)
}

// WriteText sends payload as a text frame.
func (c *Conn) WriteText(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if c.tracker != nil {
		c.tracker.RegisterOutgoing(1)
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) writeControl(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(kind, data, time.Now().Add(c.writeTimeout))
}

// ReadMessage reads one data frame. A positive timeout bounds the wait.
func (c *Conn) ReadMessage(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
		defer c.ws.SetReadDeadline(time.Time{})
	}
	_, msg, err := c.ws.ReadMessage()
	if err == nil {
		c.touch()
	}
	return msg, err
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Idle returns the time since the last inbound frame or pong.
func (c *Conn) Idle() time.Duration {
	return time.Since(time.Unix(0, c.lastSeen.Load()))
}

// Close closes the socket once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
