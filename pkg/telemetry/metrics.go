// Package telemetry holds the Prometheus collectors for the execution
// pipeline. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	transitions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	quoteFailures *prometheus.CounterVec
	spread        prometheus.Histogram
	confirmations *prometheus.CounterVec
	jobs          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swap",
			Name:      "order_transitions_total",
			Help:      "Order status transitions by target status.",
		}, []string{"status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swap",
			Name:      "order_failures_total",
			Help:      "Terminal order failures by reason.",
		}, []string{"reason"}),
		quoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swap",
			Name:      "quote_failures_total",
			Help:      "Venue quote requests that failed or timed out.",
		}, []string{"venue"}),
		spread: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "swap",
			Name:      "route_spread_percent",
			Help:      "Percent spread between best and second-best effective price.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swap",
			Name:      "settlement_confirmations_total",
			Help:      "Settlement verdicts by discovery path.",
		}, []string{"path", "verdict"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swap",
			Name:      "queue_jobs_total",
			Help:      "Queue job outcomes.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.failures, m.quoteFailures, m.spread, m.confirmations, m.jobs)
	}
	return m
}

func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveFailure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveQuoteFailure(venue string) {
	if m == nil {
		return
	}
	m.quoteFailures.WithLabelValues(venue).Inc()
}

func (m *Metrics) ObserveSpread(percent float64) {
	if m == nil {
		return
	}
	m.spread.Observe(percent)
}

func (m *Metrics) ObserveConfirmation(path, verdict string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(path, verdict).Inc()
}

func (m *Metrics) ObserveJob(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
}
