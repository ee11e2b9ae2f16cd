package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// The apply* helpers implement the session state transitions on a loaded
// record. Every backend runs them while holding its own form of the
// per-session lock (mutex, row lock, or single-document update), which keeps
// the semantics identical regardless of where the session is persisted.

// applyDetected records an incoming transaction at zero confirmations.
// Returns false for duplicate observations of a transaction already recorded.
func applyDetected(sess *PaymentSession, txHash string, amount decimal.Decimal, blockHeight int64) (bool, error) {
	if sess.Status.Terminal() {
		return false, ErrTerminalState
	}

	now := time.Now().UTC()

	if sess.Settlement.PartialPayment {
		if sess.hasSeenTx(txHash) {
			return false, nil
		}
		sess.ReceivedAmount = sess.ReceivedAmount.Add(amount)
	} else {
		if sess.TxHash == txHash && sess.Status != StatusPending {
			return false, nil
		}
		sess.ReceivedAmount = amount
	}

	sess.TxHash = txHash
	if blockHeight > 0 {
		sess.BlockHeight = blockHeight
	}
	if sess.Status == StatusPending {
		sess.Status = StatusDetected
	}
	if sess.DetectedAt == nil {
		sess.DetectedAt = &now
	}

	appendEntry(sess, HistoryEntry{
		Type:   HistoryDetected,
		TxHash: txHash,
		Amount: amount,
		Status: sess.Status,
	})
	return true, nil
}

// applyConfirmations advances the confirmation count monotonically.
func applyConfirmations(sess *PaymentSession, confirmations int, blockHeight int64) (bool, error) {
	if sess.Status.Terminal() {
		return false, ErrTerminalState
	}
	if confirmations <= sess.Confirmations {
		return false, nil
	}

	sess.Confirmations = confirmations
	if blockHeight > 0 {
		sess.BlockHeight = blockHeight
	}
	if sess.Status == StatusPending || sess.Status == StatusDetected {
		sess.Status = StatusConfirming
	}
	if sess.ConfirmedAt == nil && confirmations >= sess.RequiredConfirmations {
		now := time.Now().UTC()
		sess.ConfirmedAt = &now
	}

	appendEntry(sess, HistoryEntry{
		Type:          HistoryConfirmation,
		TxHash:        sess.TxHash,
		Confirmations: confirmations,
		Status:        sess.Status,
	})
	return true, nil
}

// applyCompleted transitions to completed. A terminal session is a silent
// no-op so exactly one racing observer sees the transition.
func applyCompleted(sess *PaymentSession, mismatch MismatchKind) bool {
	if sess.Status.Terminal() {
		return false
	}

	now := time.Now().UTC()
	sess.Status = StatusCompleted
	sess.CompletedAt = &now
	sess.Settlement.AmountMismatch = mismatch

	note := ""
	if mismatch != MismatchNone {
		note = "amount mismatch: " + string(mismatch)
	}
	appendEntry(sess, HistoryEntry{
		Type:          HistoryCompleted,
		TxHash:        sess.TxHash,
		Amount:        sess.ReceivedAmount,
		Confirmations: sess.Confirmations,
		Status:        StatusCompleted,
		Note:          note,
	})
	return true
}

func applyFailed(sess *PaymentSession, reason string) error {
	if sess.Status.Terminal() {
		return ErrTerminalState
	}
	sess.Status = StatusFailed
	appendEntry(sess, HistoryEntry{Type: HistoryFailed, Status: StatusFailed, Note: reason})
	return nil
}

func applyCancelled(sess *PaymentSession) error {
	if sess.Status.Terminal() {
		return ErrTerminalState
	}
	sess.Status = StatusCancelled
	appendEntry(sess, HistoryEntry{Type: HistoryCancelled, Status: StatusCancelled})
	return nil
}

// applyForwardSuccess records settlement completion. Returns false if the
// session was already forwarded (idempotent retry after a slow success).
func applyForwardSuccess(sess *PaymentSession, txHash string, forwarded, fee decimal.Decimal, feeTaken bool, feePercent float64) bool {
	if sess.Settlement.AutoForwarded {
		return false
	}
	sess.Settlement.AutoForwarded = true
	sess.Settlement.ForwardTxHash = txHash
	sess.Settlement.ForwardedAmount = forwarded
	sess.Settlement.FeeAmount = fee
	sess.Settlement.FeeTaken = feeTaken
	sess.Settlement.FeePercentage = feePercent
	sess.Settlement.AutoForwardFailed = false
	sess.Settlement.FailureReason = ""

	appendEntry(sess, HistoryEntry{
		Type:   HistoryForwarded,
		TxHash: txHash,
		Amount: forwarded,
		Status: sess.Status,
	})
	return true
}

func applyForwardFailure(sess *PaymentSession, reason string) {
	sess.Settlement.AutoForwardFailed = true
	sess.Settlement.FailureReason = reason
	appendEntry(sess, HistoryEntry{
		Type:   HistoryForwardFailed,
		Status: sess.Status,
		Note:   reason,
	})
}

func applyFeesCollected(sess *PaymentSession, txHash string) bool {
	if sess.Settlement.FeesCollected {
		return false
	}
	sess.Settlement.FeesCollected = true
	appendEntry(sess, HistoryEntry{
		Type:   HistoryFeesCollected,
		TxHash: txHash,
		Amount: sess.Settlement.FeeAmount,
		Status: sess.Status,
	})
	return true
}
