package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a payment session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusDetected   SessionStatus = "detected"
	StatusConfirming SessionStatus = "confirming"
	StatusCompleted  SessionStatus = "completed"
	StatusCancelled  SessionStatus = "cancelled"
	StatusExpired    SessionStatus = "expired"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether no further processing-driven mutation is permitted.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// MismatchKind records how a received amount deviated from the expected amount
// beyond the configured tolerance band.
type MismatchKind string

const (
	MismatchNone      MismatchKind = ""
	MismatchUnderpaid MismatchKind = "underpaid"
	MismatchOverpaid  MismatchKind = "overpaid"
)

// SettlementRecord carries the state-machine-relevant settlement facts that
// used to live in a free-form metadata bag. The open Metadata map on the
// session remains for unstructured annotations only.
type SettlementRecord struct {
	AutoForwarded     bool            `json:"auto_forwarded" bson:"auto_forwarded"`
	ForwardTxHash     string          `json:"forward_tx_hash,omitempty" bson:"forward_tx_hash,omitempty"`
	ForwardedAmount   decimal.Decimal `json:"forwarded_amount" bson:"forwarded_amount"`
	FeeAmount         decimal.Decimal `json:"fee_amount" bson:"fee_amount"`
	FeeTaken          bool            `json:"fee_taken" bson:"fee_taken"`
	FeePercentage     float64         `json:"fee_percentage,omitempty" bson:"fee_percentage,omitempty"`
	AutoForwardFailed bool            `json:"auto_forward_failed" bson:"auto_forward_failed"`
	FailureReason     string          `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
	FeesCollected     bool            `json:"fees_collected" bson:"fees_collected"`
	AmountMismatch    MismatchKind    `json:"amount_mismatch,omitempty" bson:"amount_mismatch,omitempty"`
	PartialPayment    bool            `json:"partial_payment" bson:"partial_payment"`
	AmountUSD         decimal.Decimal `json:"amount_usd" bson:"amount_usd"`
}

// HistoryType classifies a transaction-history entry.
type HistoryType string

const (
	HistoryDetected      HistoryType = "detected"
	HistoryConfirmation  HistoryType = "confirmation"
	HistoryCompleted     HistoryType = "completed"
	HistoryFailed        HistoryType = "failed"
	HistoryCancelled     HistoryType = "cancelled"
	HistoryExpired       HistoryType = "expired"
	HistoryForwarded     HistoryType = "forwarded"
	HistoryForwardFailed HistoryType = "forward_failed"
	HistoryFeesCollected HistoryType = "fees_collected"
)

// HistoryEntry is one timestamped, state-relevant event on a session.
// The history log is append-only: entries are never mutated or reordered.
type HistoryEntry struct {
	ID            string          `json:"id" bson:"id"`
	Type          HistoryType     `json:"type" bson:"type"`
	TxHash        string          `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	Amount        decimal.Decimal `json:"amount" bson:"amount"`
	Confirmations int             `json:"confirmations" bson:"confirmations"`
	Status        SessionStatus   `json:"status" bson:"status"`
	Note          string          `json:"note,omitempty" bson:"note,omitempty"`
	Timestamp     time.Time       `json:"timestamp" bson:"timestamp"`
}

// PaymentSession is the unit of tracking for one expected payment, from
// address issuance to terminal resolution. Owned exclusively by the session
// store; all other components receive copies.
type PaymentSession struct {
	ID                    string            `json:"id" bson:"_id"`
	UserID                string            `json:"user_id" bson:"user_id"`
	Currency              string            `json:"currency" bson:"currency"`
	PaymentAddress        string            `json:"payment_address" bson:"payment_address"`
	ForwardingAddress     string            `json:"forwarding_address" bson:"forwarding_address"`
	AddressIndex          uint32            `json:"address_index" bson:"address_index"`
	ExpectedAmount        decimal.Decimal   `json:"expected_amount" bson:"expected_amount"`
	ReceivedAmount        decimal.Decimal   `json:"received_amount" bson:"received_amount"`
	Confirmations         int               `json:"confirmations" bson:"confirmations"`
	RequiredConfirmations int               `json:"required_confirmations" bson:"required_confirmations"`
	Status                SessionStatus     `json:"status" bson:"status"`
	TxHash                string            `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	BlockHeight           int64             `json:"block_height,omitempty" bson:"block_height,omitempty"`
	Settlement            SettlementRecord  `json:"settlement" bson:"settlement"`
	Metadata              map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	History               []HistoryEntry    `json:"history" bson:"history"`
	CreatedAt             time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at" bson:"updated_at"`
	ExpiresAt             time.Time         `json:"expires_at" bson:"expires_at"`
	DetectedAt            *time.Time        `json:"detected_at,omitempty" bson:"detected_at,omitempty"`
	ConfirmedAt           *time.Time        `json:"confirmed_at,omitempty" bson:"confirmed_at,omitempty"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// HasExpectedAmount reports whether the session carries an amount expectation.
func (s *PaymentSession) HasExpectedAmount() bool {
	return s.ExpectedAmount.IsPositive()
}

// Clone returns a deep copy so callers never alias store-internal state.
func (s *PaymentSession) Clone() PaymentSession {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.History != nil {
		out.History = make([]HistoryEntry, len(s.History))
		copy(out.History, s.History)
	}
	if s.DetectedAt != nil {
		t := *s.DetectedAt
		out.DetectedAt = &t
	}
	if s.ConfirmedAt != nil {
		t := *s.ConfirmedAt
		out.ConfirmedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// hasSeenTx reports whether a detection entry for the given transaction is
// already recorded. Used to keep partial-payment accumulation idempotent
// under duplicate observations.
func (s *PaymentSession) hasSeenTx(txHash string) bool {
	for i := range s.History {
		if s.History[i].Type == HistoryDetected && s.History[i].TxHash == txHash {
			return true
		}
	}
	return false
}

// SessionSpec is the creation request handed to the store by the
// address-issuance path.
type SessionSpec struct {
	UserID            string
	Currency          string
	PaymentAddress    string
	ForwardingAddress string
	AddressIndex      uint32
	ExpectedAmount    decimal.Decimal
	AmountUSD         decimal.Decimal
	PartialPayment    bool
	ExpiresAt         time.Time
	Metadata          map[string]string
}

// UpdateFields is a partial update applied through SessionStore.Update.
// Nil fields are left unchanged. Identity fields (id, user, payment address,
// creation time) cannot be updated and have no representation here.
type UpdateFields struct {
	ForwardingAddress *string
	ExpectedAmount    *decimal.Decimal
	ExpiresAt         *time.Time
	Metadata          map[string]string // merged key-by-key
}
