package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payment gateway.
type Metrics struct {
	// Session lifecycle metrics
	SessionsCreatedTotal   *prometheus.CounterVec
	SessionsCompletedTotal *prometheus.CounterVec
	SessionsExpiredTotal   prometheus.Counter
	ConfirmationLatency    *prometheus.HistogramVec

	// Observation pipeline metrics
	ObservationsTotal *prometheus.CounterVec
	WebhooksTotal     *prometheus.CounterVec

	// Settlement metrics
	ForwardsTotal        *prometheus.CounterVec
	ForwardedAmountTotal *prometheus.CounterVec
	FeesRetainedTotal    *prometheus.CounterVec
	FeeCollectionsTotal  *prometheus.CounterVec

	// Reconciliation metrics
	ReconcilePassesTotal  prometheus.Counter
	ReconcileCheckedTotal prometheus.Counter
	ReconcileErrorsTotal  prometheus.Counter
	ReconcileRetriedTotal prometheus.Counter
	ReconcilePassDuration prometheus.Histogram

	// External service metrics
	MonitorCallDuration *prometheus.HistogramVec
	SignerCallsTotal    *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Session lifecycle metrics
		SessionsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessara_sessions_created_total",
				Help: "Total number of payment sessions created",
			},
			[]string{"currency"},
		),
		SessionsCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessara_sessions_completed_total",
				Help: "Total number of sessions reaching completed",
			},
			[]string{"currency", "mismatch"},
		),
		SessionsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tessara_sessions_expired_total",
				Help: "Total number of sessions expired without payment",
			},
		),
		ConfirmationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tessara_confirmation_latency_seconds",
				Help:    "Time from first detection to completion",
				Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 21600},
			},
			[]string{"currency"},
		),

		// Observation pipeline metrics
		ObservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessara_observations_total",
				Help: "Total number of chain observations processed",
			},
			[]string{"source", "outcome"},
		),
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessara_webhooks_total",
				Help: "Total number of webhook notifications received",
			},
			[]string{"status"},
		),

		// Settlement metrics
		ForwardsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessara_forwards_total",
				Help: "Total number of settlement forwards attempted",
			},
			[]string{"currency", "status"},
		),
		ForwardedAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessara_forwarded_amount_total",
				Help: "Total amount forwarded to merchants, in currency units",
			},
			[]string{"currency"},
		),
		FeesRetainedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessara_fees_retained_total",
				Help: "Total service fees retained, in currency units",
			},
			[]string{"currency"},
		),
		FeeCollectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessara_fee_collections_total",
				Help: "Total number of fee collection sweeps",
			},
			[]string{"currency", "status"},
		),

		// Reconciliation metrics
		ReconcilePassesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tessara_reconcile_passes_total",
				Help: "Total number of reconciliation passes",
			},
		),
		ReconcileCheckedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tessara_reconcile_checked_total",
				Help: "Total number of sessions checked by reconciliation",
			},
		),
		ReconcileErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tessara_reconcile_errors_total",
				Help: "Total number of reconciliation check failures",
			},
		),
		ReconcileRetriedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tessara_reconcile_retried_total",
				Help: "Total number of settlement retries driven by reconciliation",
			},
		),
		ReconcilePassDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tessara_reconcile_pass_duration_seconds",
				Help:    "Duration of one reconciliation pass",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),

		// External service metrics
		MonitorCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tessara_monitor_call_duration_seconds",
				Help:    "Duration of chain monitor calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method"},
		),
		SignerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessara_signer_calls_total",
				Help: "Total number of wallet signer calls",
			},
			[]string{"method", "status"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessara_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tessara_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tessara_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObserveSessionCreated records a new session.
func (m *Metrics) ObserveSessionCreated(currency string) {
	m.SessionsCreatedTotal.WithLabelValues(currency).Inc()
}

// ObserveSessionCompleted records a completion, with mismatch classification
// and the detection-to-completion latency when known.
func (m *Metrics) ObserveSessionCompleted(currency, mismatch string, latency time.Duration) {
	if mismatch == "" {
		mismatch = "none"
	}
	m.SessionsCompletedTotal.WithLabelValues(currency, mismatch).Inc()
	if latency > 0 {
		m.ConfirmationLatency.WithLabelValues(currency).Observe(latency.Seconds())
	}
}

// ObserveObservation records the outcome of one processed observation.
func (m *Metrics) ObserveObservation(source, outcome string) {
	m.ObservationsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveWebhook records a webhook delivery by acceptance status.
func (m *Metrics) ObserveWebhook(status string) {
	m.WebhooksTotal.WithLabelValues(status).Inc()
}

// ObserveForward records a settlement forward attempt.
func (m *Metrics) ObserveForward(currency string, success bool, forwarded, fee float64) {
	status := "success"
	if !success {
		status = "failed"
	}
	m.ForwardsTotal.WithLabelValues(currency, status).Inc()
	if success {
		m.ForwardedAmountTotal.WithLabelValues(currency).Add(forwarded)
		if fee > 0 {
			m.FeesRetainedTotal.WithLabelValues(currency).Add(fee)
		}
	}
}

// ObserveFeeCollection records a fee collection sweep.
func (m *Metrics) ObserveFeeCollection(currency string, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	m.FeeCollectionsTotal.WithLabelValues(currency, status).Inc()
}

// ObserveReconcilePass records the counters from one reconciliation pass.
func (m *Metrics) ObserveReconcilePass(checked, errors, retried int, duration time.Duration) {
	m.ReconcilePassesTotal.Inc()
	m.ReconcileCheckedTotal.Add(float64(checked))
	m.ReconcileErrorsTotal.Add(float64(errors))
	m.ReconcileRetriedTotal.Add(float64(retried))
	m.ReconcilePassDuration.Observe(duration.Seconds())
}

// ObserveMonitorCall records a chain monitor call duration.
func (m *Metrics) ObserveMonitorCall(method string, duration time.Duration) {
	m.MonitorCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveSignerCall records a wallet signer call.
func (m *Metrics) ObserveSignerCall(method string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SignerCallsTotal.WithLabelValues(method, status).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveSessionExpired records sessions expired by the sweep.
func (m *Metrics) ObserveSessionExpired(count int) {
	m.SessionsExpiredTotal.Add(float64(count))
}
