package rate

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"cryptoworker/logger"
)

// UsedWeightFromHeader derives used request weight from REST response
// headers. It understands the Binance used-weight header and the
// limit/remaining pairs returned by OKX and Bybit. Missing headers yield 0.
func UsedWeightFromHeader(header http.Header) int64 {
	if v := header.Get("X-MBX-USED-WEIGHT-1m"); v != "" {
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	limit := firstInt(header, "X-Bapi-Limit", "Rate-Limit-Limit", "X-RateLimit-Limit")
	remaining := firstInt(header, "X-Bapi-Limit-Status", "Rate-Limit-Remaining", "X-RateLimit-Remaining")
	if limit <= 0 {
		return 0
	}
	used := limit - remaining
	if used < 0 {
		return 0
	}
	return used
}

func firstInt(header http.Header, keys ...string) int64 {
	for _, k := range keys {
		if v := header.Get(k); v != "" {
			if nums := extractInts(v); len(nums) > 0 {
				return nums[0]
			}
		}
	}
	return 0
}

// ReportUsedWeight emits a used_weight gauge for venue from header.
func ReportUsedWeight(log *logger.Log, venue string, header http.Header) {
	used := UsedWeightFromHeader(header)
	if used == 0 {
		return
	}
	component := "venue_" + venue
	log.WithComponent(component).LogMetric(component, "used_weight", used, "gauge", logger.Fields{"venue": venue})
}

// WSWeightTracker counts outgoing websocket messages in a one second window
// and connection attempts over the tracker lifetime.
type WSWeightTracker struct {
	mu       sync.Mutex
	window   time.Time
	msgs     int
	attempts int
}

func NewWSWeightTracker() *WSWeightTracker {
	return &WSWeightTracker{window: time.Now()}
}

// RegisterOutgoing records n outgoing client frames (subscribes, pings).
func (t *WSWeightTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.window) >= time.Second {
		t.msgs = 0
		t.window = now
	}
	t.msgs += n
}

func (t *WSWeightTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// Stats returns frames in the current window and total attempts.
func (t *WSWeightTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs, t.attempts
}

// ReportWSWeight emits the tracker counters for one shard.
func ReportWSWeight(log *logger.Log, t *WSWeightTracker, venue, shard string) {
	msgs, attempts := t.Stats()
	component := "stream_" + venue
	fields := logger.Fields{"venue": venue, "shard": shard}
	l := log.WithComponent(component)
	l.LogMetric(component, "outgoing_messages", int64(msgs), "gauge", fields)
	l.LogMetric(component, "connection_attempts", int64(attempts), "counter", fields)
}
