// Package metrics holds the Prometheus metrics for the event log, fan-out
// hub, auth gate, rate gate, and settlement pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every metric the core registers.
type Metrics struct {
	AppendTotal       *prometheus.CounterVec
	AppendDuration    *prometheus.HistogramVec
	StreamHeadSeq     *prometheus.GaugeVec

	PollTotal         *prometheus.CounterVec
	PollDuration      *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec
	SlowConsumerStrikes *prometheus.CounterVec
	SubscriptionEvictions *prometheus.CounterVec

	RateLimitRejections *prometheus.CounterVec
	PayloadRejections   *prometheus.CounterVec

	AuthDenials *prometheus.CounterVec

	BreakerState       *prometheus.GaugeVec
	SettlementTotal    *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	WalletExecutorCalls *prometheus.CounterVec

	RouterDecisions *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics for the core.
func New() *Metrics {
	return &Metrics{
		AppendTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khala_eventlog_append_total",
				Help: "Total number of append calls by outcome",
			},
			[]string{"topic_class", "outcome"},
		),
		AppendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "khala_eventlog_append_duration_seconds",
				Help:    "Duration of append operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic_class"},
		),
		StreamHeadSeq: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "khala_eventlog_stream_head_seq",
				Help: "Current head sequence for a stream",
			},
			[]string{"stream_key"},
		),
		PollTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khala_fanout_poll_total",
				Help: "Total number of poll calls by outcome",
			},
			[]string{"topic_class", "outcome"},
		),
		PollDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "khala_fanout_poll_duration_seconds",
				Help:    "Duration of poll operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic_class"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "khala_fanout_queue_depth",
				Help: "Current ring buffer depth for a topic",
			},
			[]string{"topic"},
		),
		SlowConsumerStrikes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khala_fanout_slow_consumer_strikes_total",
				Help: "Total slow-consumer strikes issued",
			},
			[]string{"topic"},
		),
		SubscriptionEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khala_fanout_subscription_evictions_total",
				Help: "Total subscriptions evicted for slow consumption",
			},
			[]string{"topic"},
		),
		RateLimitRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khala_rate_limit_rejections_total",
				Help: "Total publish-side rate limit rejections",
			},
			[]string{"topic_class"},
		),
		PayloadRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khala_payload_rejections_total",
				Help: "Total payload-too-large rejections",
			},
			[]string{"topic_class"},
		),
		AuthDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khala_auth_denials_total",
				Help: "Total authorization denials by reason",
			},
			[]string{"reason_code"},
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "khala_credit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=half_open,2=open)",
			},
			[]string{"pool", "scope_type"},
		),
		SettlementTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khala_credit_settlement_total",
				Help: "Total settlement outcomes",
			},
			[]string{"status"},
		),
		SettlementDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "khala_credit_settlement_duration_seconds",
				Help:    "Duration of settle calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		WalletExecutorCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khala_wallet_executor_calls_total",
				Help: "Total wallet executor calls by outcome",
			},
			[]string{"outcome"},
		),
		RouterDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "khala_router_decisions_total",
				Help: "Total router decisions by policy",
			},
			[]string{"policy"},
		),
	}
}

// RecordAppend records the outcome of an append call.
func (m *Metrics) RecordAppend(topicClass, outcome string, seconds float64) {
	m.AppendTotal.WithLabelValues(topicClass, outcome).Inc()
	m.AppendDuration.WithLabelValues(topicClass).Observe(seconds)
}

// RecordPoll records the outcome of a poll call.
func (m *Metrics) RecordPoll(topicClass, outcome string, seconds float64) {
	m.PollTotal.WithLabelValues(topicClass, outcome).Inc()
	m.PollDuration.WithLabelValues(topicClass).Observe(seconds)
}

// RecordSettlement records a settlement outcome.
func (m *Metrics) RecordSettlement(status string, seconds float64) {
	m.SettlementTotal.WithLabelValues(status).Inc()
	m.SettlementDuration.WithLabelValues(status).Observe(seconds)
}
