package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionLifecycleMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SessionCreated()
	m.SessionCreated()
	m.SessionClosed(12)

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("Expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsCreated); got != 2 {
		t.Errorf("Expected 2 sessions created, got %v", got)
	}
}

func TestTurnMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTurnCompleted(48000)
	m.RecordTurnInterrupted()
	m.RecordTurnInterrupted()
	m.RecordCapture(1.5, true, false)

	if got := testutil.ToFloat64(m.Turns.WithLabelValues("completed")); got != 1 {
		t.Errorf("Expected 1 completed turn, got %v", got)
	}
	if got := testutil.ToFloat64(m.Turns.WithLabelValues("interrupted")); got != 2 {
		t.Errorf("Expected 2 interrupted turns, got %v", got)
	}
	if got := testutil.ToFloat64(m.CodecFallbacks); got != 1 {
		t.Errorf("Expected 1 codec fallback, got %v", got)
	}
	if got := testutil.ToFloat64(m.SilentCaptures); got != 0 {
		t.Errorf("Expected no silent captures, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.SessionCreated()
	m.RecordUpstreamError("abnormal_close")
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
}

func TestRegistriesAreIndependent(t *testing.T) {
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
