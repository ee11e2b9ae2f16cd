package events

import (
	"context"
	"time"

	"github.com/TessaraPay/gateway/internal/metrics"
)

// MetricsHook feeds lifecycle events into the Prometheus collectors.
type MetricsHook struct {
	m *metrics.Metrics
}

// NewMetricsHook creates the hook. Register it for both payment and
// settlement events.
func NewMetricsHook(m *metrics.Metrics) *MetricsHook {
	return &MetricsHook{m: m}
}

// Name implements PaymentHook and SettlementHook.
func (h *MetricsHook) Name() string { return "metrics" }

// OnPaymentDetected implements PaymentHook.
func (h *MetricsHook) OnPaymentDetected(_ context.Context, _ PaymentDetectedEvent) {}

// OnConfirmationUpdated implements PaymentHook.
func (h *MetricsHook) OnConfirmationUpdated(_ context.Context, _ ConfirmationUpdatedEvent) {}

// OnPaymentCompleted implements PaymentHook.
func (h *MetricsHook) OnPaymentCompleted(_ context.Context, event PaymentCompletedEvent) {
	var latency time.Duration
	if event.Session.DetectedAt != nil {
		latency = event.Timestamp.Sub(*event.Session.DetectedAt)
	}
	h.m.ObserveSessionCompleted(event.Session.Currency, string(event.Mismatch), latency)
}

// OnForwardCompleted implements SettlementHook.
func (h *MetricsHook) OnForwardCompleted(_ context.Context, event ForwardCompletedEvent) {
	h.m.ObserveForward(event.Session.Currency, true,
		event.ForwardedAmount.InexactFloat64(), event.FeeAmount.InexactFloat64())
}

// OnForwardFailed implements SettlementHook.
func (h *MetricsHook) OnForwardFailed(_ context.Context, event ForwardFailedEvent) {
	h.m.ObserveForward(event.Session.Currency, false, 0, 0)
}
