package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveTransition("routing")
	m.ObserveTransition("routing")
	m.ObserveFailure("NoQuotesAvailable")
	m.ObserveConfirmation("fallback", "confirmed")

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("routing")); got != 2 {
		t.Errorf("routing transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("NoQuotesAvailable")); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.confirmations.WithLabelValues("fallback", "confirmed")); got != 1 {
		t.Errorf("confirmations = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("routing")
	m.ObserveSpread(1.5)
	m.ObserveJob("completed")
}
