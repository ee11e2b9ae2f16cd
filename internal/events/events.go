package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/storage"
)

// Observation sources, recorded on every event for audit and metrics.
const (
	SourceWebhook    = "webhook"
	SourcePoller     = "poller"
	SourceReconciler = "reconciler"
)

// PaymentDetectedEvent fires the first time an incoming transaction is
// recorded on a session. Duplicate observations never re-fire it.
type PaymentDetectedEvent struct {
	Session   storage.PaymentSession
	TxHash    string
	Amount    decimal.Decimal
	Source    string
	Timestamp time.Time
}

// ConfirmationUpdatedEvent fires whenever the confirmation count advances.
type ConfirmationUpdatedEvent struct {
	Session       storage.PaymentSession
	Confirmations int
	Required      int
	Source        string
	Timestamp     time.Time
}

// PaymentCompletedEvent fires exactly once per session, when the confirmation
// threshold is met and the session transitions to completed.
type PaymentCompletedEvent struct {
	Session   storage.PaymentSession
	Mismatch  storage.MismatchKind
	Source    string
	Timestamp time.Time
}

// ForwardCompletedEvent fires when funds have been settled to the merchant.
type ForwardCompletedEvent struct {
	Session         storage.PaymentSession
	ForwardTxHash   string
	ForwardedAmount decimal.Decimal
	FeeAmount       decimal.Decimal
	Timestamp       time.Time
}

// ForwardFailedEvent fires when a settlement attempt fails. The session stays
// completed; the failure is retried by the reconciliation pass.
type ForwardFailedEvent struct {
	Session   storage.PaymentSession
	Reason    string
	Timestamp time.Time
}

// PaymentHook receives session lifecycle events.
type PaymentHook interface {
	Name() string
	OnPaymentDetected(ctx context.Context, event PaymentDetectedEvent)
	OnConfirmationUpdated(ctx context.Context, event ConfirmationUpdatedEvent)
	OnPaymentCompleted(ctx context.Context, event PaymentCompletedEvent)
}

// SettlementHook receives forwarding outcomes.
type SettlementHook interface {
	Name() string
	OnForwardCompleted(ctx context.Context, event ForwardCompletedEvent)
	OnForwardFailed(ctx context.Context, event ForwardFailedEvent)
}
