// Prometheus collectors for the worker, served on the control API /metrics route:
//
//	#cryptoworker_connection_state
//	#cryptoworker_reconnects_total
//	#cryptoworker_messages_total
//	#cryptoworker_batch_flush_size
//	#cryptoworker_account_events_total
//	#cryptoworker_twap_orders_total
//	#cryptoworker_dropped_total
//	#go_* and process_* system metrics
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	connectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cryptoworker_connection_state",
		Help: "1 for the current state of each socket shard",
	}, []string{"venue", "shard", "state"})

	reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptoworker_reconnects_total",
		Help: "Reconnect attempts scheduled per venue",
	}, []string{"venue"})

	messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptoworker_messages_total",
		Help: "Inbound websocket messages by venue and stream kind",
	}, []string{"venue", "kind"})

	batchFlushSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cryptoworker_batch_flush_size",
		Help:    "Tickers emitted per aggregator flush",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"venue"})

	accountEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptoworker_account_events_total",
		Help: "Private events emitted by the reconciler",
	}, []string{"venue", "type"})

	twapOrders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptoworker_twap_orders_total",
		Help: "TWAP child orders by outcome",
	}, []string{"venue", "result"})

	dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptoworker_dropped_total",
		Help: "Messages dropped on full channels",
	}, []string{"metric", "venue"})
)

// Init registers the worker collectors plus Go and process collectors.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			connectionState, reconnects, messages, batchFlushSize,
			accountEvents, twapOrders, dropped,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

var shardStates = []string{"disconnected", "connecting", "connected", "reconnecting", "error"}

// SetConnectionState marks state as the only active state of a shard.
func SetConnectionState(venue, shard, state string) {
	for _, s := range shardStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(venue, shard, s).Set(v)
	}
}

func IncReconnect(venue string) {
	reconnects.WithLabelValues(venue).Inc()
}

func IncMessage(venue, kind string) {
	messages.WithLabelValues(venue, kind).Inc()
}

func ObserveFlush(venue string, count int) {
	batchFlushSize.WithLabelValues(venue).Observe(float64(count))
}

func IncAccountEvent(venue, eventType string) {
	accountEvents.WithLabelValues(venue, eventType).Inc()
}

func IncTwapOrder(venue, result string) {
	twapOrders.WithLabelValues(venue, result).Inc()
}
