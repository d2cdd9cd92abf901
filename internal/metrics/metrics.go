// Registers the fundarb_* prometheus collectors:
//
//	#fundarb_gate_requests_total
//	#fundarb_gate_penalties_total
//	#fundarb_gate_wait_seconds
//	#fundarb_trade_transitions_total
//	#fundarb_rollback_attempts_total
//	#fundarb_audit_events_total
//	#fundarb_funding_payments_total
//	#fundarb_exit_decisions_total
//	#fundarb_ghost_fill_checks_total
//	#fundarb_persistence_writes_total
//	#fundarb_unhedged_window_seconds
//	#fundarb_open_trades
//	#go_* and process_* system metrics
//
// Handler exposes them; the ops server mounts it on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	gateRequests     *prometheus.CounterVec
	gatePenalties    *prometheus.CounterVec
	gateWait         *prometheus.HistogramVec
	tradeTransitions *prometheus.CounterVec
	rollbackAttempts *prometheus.CounterVec
	auditEvents      *prometheus.CounterVec
	fundingPayments  *prometheus.CounterVec
	exitDecisions    *prometheus.CounterVec
	ghostFillChecks  *prometheus.CounterVec
	persistWrites    *prometheus.CounterVec
	unhedgedWindow   prometheus.Histogram
	openTrades       prometheus.Gauge
)

func Init() {
	once.Do(func() {
		gateRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_gate_requests_total",
				Help: "Venue calls that passed through the rate gate, by outcome",
			},
			[]string{"venue", "class", "outcome"},
		)
		gatePenalties = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_gate_penalties_total",
				Help: "Rate-limit penalties entered per venue",
			},
			[]string{"venue"},
		)
		gateWait = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fundarb_gate_wait_seconds",
				Help:    "Time spent waiting for quota and in-flight slots",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"venue", "class"},
		)
		tradeTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_trade_transitions_total",
				Help: "Execution state transitions",
			},
			[]string{"to"},
		)
		rollbackAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_rollback_attempts_total",
				Help: "Compensating close attempts by ladder and outcome",
			},
			[]string{"ladder", "outcome"},
		)
		auditEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_audit_events_total",
				Help: "Audit events recorded by type",
			},
			[]string{"type"},
		)
		fundingPayments = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_funding_payments_total",
				Help: "Funding payments applied per venue and lookup path",
			},
			[]string{"venue", "path"},
		)
		exitDecisions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_exit_decisions_total",
				Help: "Exit decisions by layer and reason",
			},
			[]string{"layer", "reason"},
		)
		ghostFillChecks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_ghost_fill_checks_total",
				Help: "Ghost fill checks by verdict",
			},
			[]string{"verdict"},
		)
		persistWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_persistence_writes_total",
				Help: "Trade snapshot writes by outcome",
			},
			[]string{"outcome"},
		)
		unhedgedWindow = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fundarb_unhedged_window_seconds",
			Help:    "Time between a confirmed maker fill and the hedge fill or rollback start",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		})
		openTrades = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fundarb_open_trades",
			Help: "Trades held in the active registry",
		})

		_ = prometheus.Register(gateRequests)
		_ = prometheus.Register(gatePenalties)
		_ = prometheus.Register(gateWait)
		_ = prometheus.Register(tradeTransitions)
		_ = prometheus.Register(rollbackAttempts)
		_ = prometheus.Register(auditEvents)
		_ = prometheus.Register(fundingPayments)
		_ = prometheus.Register(exitDecisions)
		_ = prometheus.Register(ghostFillChecks)
		_ = prometheus.Register(persistWrites)
		_ = prometheus.Register(unhedgedWindow)
		_ = prometheus.Register(openTrades)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// The helpers below are no-ops until Init has run, so packages can be tested
// without a registry.

func ObserveGateRequest(venue, class, outcome string) {
	if gateRequests != nil {
		gateRequests.WithLabelValues(venue, class, outcome).Inc()
	}
}

func ObserveGatePenalty(venue string) {
	if gatePenalties != nil {
		gatePenalties.WithLabelValues(venue).Inc()
	}
}

func ObserveGateWait(venue, class string, seconds float64) {
	if gateWait != nil {
		gateWait.WithLabelValues(venue, class).Observe(seconds)
	}
}

func ObserveTransition(to string) {
	if tradeTransitions != nil {
		tradeTransitions.WithLabelValues(to).Inc()
	}
}

func ObserveRollbackAttempt(ladder, outcome string) {
	if rollbackAttempts != nil {
		rollbackAttempts.WithLabelValues(ladder, outcome).Inc()
	}
}

func ObserveAuditEvent(eventType string) {
	if auditEvents != nil {
		auditEvents.WithLabelValues(eventType).Inc()
	}
}

func ObserveFundingPayment(venue, path string) {
	if fundingPayments != nil {
		fundingPayments.WithLabelValues(venue, path).Inc()
	}
}

func ObserveExitDecision(layer, reason string) {
	if exitDecisions != nil {
		exitDecisions.WithLabelValues(layer, reason).Inc()
	}
}

func ObserveGhostFill(verdict string) {
	if ghostFillChecks != nil {
		ghostFillChecks.WithLabelValues(verdict).Inc()
	}
}

func ObservePersistWrite(outcome string) {
	if persistWrites != nil {
		persistWrites.WithLabelValues(outcome).Inc()
	}
}

func ObserveUnhedgedWindow(seconds float64) {
	if unhedgedWindow != nil {
		unhedgedWindow.Observe(seconds)
	}
}

func SetOpenTrades(n int) {
	if openTrades != nil {
		openTrades.Set(float64(n))
	}
}
