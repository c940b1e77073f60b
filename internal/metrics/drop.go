package metrics

import "cryptoworker/logger"

// DropMetric names the metric emitted when a bounded channel is full.
type DropMetric string

const (
	DropMetricFragment DropMetric = "ticker_fragments_dropped"
	DropMetricAccount  DropMetric = "account_updates_dropped"
	DropMetricEvent    DropMetric = "outbound_events_dropped"
)

// EmitDropMetric records one dropped message. Empty metadata is omitted.
func EmitDropMetric(log *logger.Log, metric DropMetric, venue, symbol, stage string) {
	fields := logger.Fields{}
	if venue != "" {
		fields["venue"] = venue
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
	dropped.WithLabelValues(string(metric), venue).Inc()
}
