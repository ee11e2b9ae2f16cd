package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}

	// Verify all metrics are initialized
	if m.SessionsCreatedTotal == nil {
		t.Error("SessionsCreatedTotal should be initialized")
	}
	if m.SessionsCompletedTotal == nil {
		t.Error("SessionsCompletedTotal should be initialized")
	}
	if m.ObservationsTotal == nil {
		t.Error("ObservationsTotal should be initialized")
	}
	if m.WebhooksTotal == nil {
		t.Error("WebhooksTotal should be initialized")
	}
	if m.ForwardsTotal == nil {
		t.Error("ForwardsTotal should be initialized")
	}
	if m.ReconcilePassesTotal == nil {
		t.Error("ReconcilePassesTotal should be initialized")
	}
	if m.MonitorCallDuration == nil {
		t.Error("MonitorCallDuration should be initialized")
	}
	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}

func TestObserveSessionCompleted(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSessionCompleted("BTC", "", 90*time.Second)
	m.ObserveSessionCompleted("BTC", "underpaid", 30*time.Second)

	clean := promtest.ToFloat64(m.SessionsCompletedTotal.WithLabelValues("BTC", "none"))
	if clean != 1 {
		t.Errorf("expected 1 clean completion, got %.0f", clean)
	}
	flagged := promtest.ToFloat64(m.SessionsCompletedTotal.WithLabelValues("BTC", "underpaid"))
	if flagged != 1 {
		t.Errorf("expected 1 underpaid completion, got %.0f", flagged)
	}
}

func TestObserveObservation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveObservation("webhook", "detected")
	m.ObserveObservation("webhook", "unchanged")
	m.ObserveObservation("webhook", "unchanged")

	dup := promtest.ToFloat64(m.ObservationsTotal.WithLabelValues("webhook", "unchanged"))
	if dup != 2 {
		t.Errorf("expected 2 duplicate observations, got %.0f", dup)
	}
}

func TestObserveForward(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveForward("BTC", true, 0.4874, 0.0125)
	m.ObserveForward("BTC", false, 0, 0)

	ok := promtest.ToFloat64(m.ForwardsTotal.WithLabelValues("BTC", "success"))
	failed := promtest.ToFloat64(m.ForwardsTotal.WithLabelValues("BTC", "failed"))
	if ok != 1 || failed != 1 {
		t.Errorf("forwards = %.0f success / %.0f failed, want 1/1", ok, failed)
	}
	fees := promtest.ToFloat64(m.FeesRetainedTotal.WithLabelValues("BTC"))
	if fees != 0.0125 {
		t.Errorf("fees retained = %v, want 0.0125", fees)
	}
}

func TestObserveReconcilePass(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveReconcilePass(10, 2, 1, 3*time.Second)
	m.ObserveReconcilePass(5, 0, 0, time.Second)

	passes := promtest.ToFloat64(m.ReconcilePassesTotal)
	checked := promtest.ToFloat64(m.ReconcileCheckedTotal)
	errCount := promtest.ToFloat64(m.ReconcileErrorsTotal)
	if passes != 2 || checked != 15 || errCount != 2 {
		t.Errorf("passes=%.0f checked=%.0f errors=%.0f", passes, checked, errCount)
	}
}

func TestObserveSignerCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSignerCall("transfer", nil)
	m.ObserveSignerCall("transfer", errors.New("boom"))

	ok := promtest.ToFloat64(m.SignerCallsTotal.WithLabelValues("transfer", "success"))
	bad := promtest.ToFloat64(m.SignerCallsTotal.WithLabelValues("transfer", "error"))
	if ok != 1 || bad != 1 {
		t.Errorf("signer calls = %.0f/%.0f, want 1/1", ok, bad)
	}
}

func TestMeasureDBQueryNilSafe(t *testing.T) {
	// Must not panic with a nil collector.
	done := MeasureDBQuery(nil, "get_session", "postgres")
	done()
	RecordDBQuery(nil, "get_session", "postgres", time.Millisecond)
}
