package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ObserveCommandIncrementsLabeledCounter(t *testing.T) {
	m := New()
	m.ObserveCommand(OutcomeCompleted)
	m.ObserveCommand(OutcomeCompleted)
	m.ObserveCommand(OutcomeCanceled)

	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues(string(OutcomeCompleted))); got != 2 {
		t.Fatalf("completed count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues(string(OutcomeCanceled))); got != 1 {
		t.Fatalf("canceled count = %v, want 1", got)
	}
}

func TestMetrics_SessionGaugeAndCounter(t *testing.T) {
	m := New()
	m.SessionsTotal.Inc()
	m.SessionsActive.Set(3)

	if got := testutil.ToFloat64(m.SessionsTotal); got != 1 {
		t.Fatalf("sessions total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 3 {
		t.Fatalf("sessions active = %v, want 3", got)
	}
}
