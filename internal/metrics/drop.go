package metrics

import "fundarb/logger"

// DropMetric identifies the metric name emitted when a bounded buffer sheds a message.
type DropMetric string

const (
	// DropMetricAuditPublish records audit events the Kafka publisher could not buffer.
	DropMetricAuditPublish DropMetric = "audit_events_dropped"
	// DropMetricQuoteStream records streamed quotes discarded because the consumer lagged.
	DropMetricQuoteStream DropMetric = "stream_quotes_dropped"
	// DropMetricAuditRing records events evicted from the in-memory audit ring.
	DropMetricAuditRing DropMetric = "audit_ring_evicted"
)

// EmitDropMetric logs and emits a counter increment of one for a dropped
// message. venue, symbol and stage are attached when set.
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

	EmitMetric(log, "buffer_drops", string(metric), 1, "counter", fields)
}
