// Package settlement forwards completed payments to the merchant's address,
// applying the tiered service fee, and sweeps retained fees to treasury.
package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/currency"
	"github.com/TessaraPay/gateway/internal/events"
	"github.com/TessaraPay/gateway/internal/signer"
	"github.com/TessaraPay/gateway/internal/storage"
)

// Config tunes the settlement tier and per-chain cost assumptions.
type Config struct {
	// FeeThresholdUSD is the payment size at which the service fee starts
	// applying.
	FeeThresholdUSD decimal.Decimal
	// FeeBasisPoints is the service fee in basis points (250 = 2.5%).
	FeeBasisPoints int64
	// NetworkFeeEstimates maps currency code to the reserve deducted before
	// forwarding so the broadcast transaction can pay its own network fee.
	NetworkFeeEstimates map[string]decimal.Decimal
	// TreasuryAddresses maps currency code to the fee collection address.
	TreasuryAddresses map[string]string
}

// Coordinator settles completed sessions. At most one forward happens per
// session: a per-session in-flight guard serializes concurrent attempts in
// this process, and the store's AutoForwarded flag makes retries after a
// recorded success no-ops.
type Coordinator struct {
	store   storage.SessionStore
	wallet  signer.Signer
	bus     *events.Bus
	monitor signer.ChainMonitor
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store storage.SessionStore, wallet signer.Signer, bus *events.Bus, cfg Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		wallet:   wallet,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "settlement").Logger(),
		inFlight: make(map[string]bool),
	}
}

// WithChainMonitor attaches a chain monitor used to verify address balances
// before sweeping fees. Without it sweeps trust the recorded fee amounts.
func (c *Coordinator) WithChainMonitor(monitor signer.ChainMonitor) *Coordinator {
	c.monitor = monitor
	return c
}

// Name implements events.PaymentHook.
func (c *Coordinator) Name() string { return "settlement" }

// OnPaymentDetected implements events.PaymentHook.
func (c *Coordinator) OnPaymentDetected(context.Context, events.PaymentDetectedEvent) {}

// OnConfirmationUpdated implements events.PaymentHook.
func (c *Coordinator) OnConfirmationUpdated(context.Context, events.ConfirmationUpdatedEvent) {}

// OnPaymentCompleted forwards funds as soon as a payment completes. Failures
// are recorded on the session and picked up by the retry pass; they never
// propagate back into the confirmation path.
func (c *Coordinator) OnPaymentCompleted(ctx context.Context, event events.PaymentCompletedEvent) {
	if err := c.Forward(ctx, event.Session.ID); err != nil {
		c.logger.Error().Err(err).
			Str("session_id", event.Session.ID).
			Msg("settlement.forward_error")
	}
}

// Forward settles one completed session. Calling it on a session that is
// already forwarded, not yet completed, or currently being forwarded is a
// no-op. The returned error covers infrastructure problems only; a rejected
// transfer is recorded on the session, not returned.
func (c *Coordinator) Forward(ctx context.Context, sessionID string) error {
	if !c.acquire(sessionID) {
		return nil
	}
	defer c.release(sessionID)

	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Status != storage.StatusCompleted || sess.Settlement.AutoForwarded {
		return nil
	}

	cur, err := currency.Lookup(sess.Currency)
	if err != nil {
		return err
	}

	split := computeSplit(
		sess.ReceivedAmount,
		sess.Settlement.AmountUSD,
		c.cfg.FeeThresholdUSD,
		c.cfg.FeeBasisPoints,
		c.networkFee(cur.Code),
	)
	if !split.ForwardAmount.IsPositive() {
		c.recordFailure(ctx, sess, "received amount does not cover the network fee")
		return nil
	}

	receipt, err := c.wallet.Transfer(ctx, cur.Code, sess.AddressIndex, sess.ForwardingAddress, split.ForwardAmount)
	if err != nil {
		c.recordFailure(ctx, sess, err.Error())
		return nil
	}

	updated, err := c.store.RecordForwardSuccess(ctx, sess.ID, receipt.TxHash,
		split.ForwardAmount, split.FeeAmount, split.FeeTaken, split.FeePercent)
	if err != nil {
		// The transfer went out but the record did not land. Surface loudly;
		// the retry pass will see AutoForwarded unset and must not re-send
		// without operator review.
		return fmt.Errorf("record forward success for %s (tx %s): %w", sess.ID, receipt.TxHash, err)
	}

	c.logger.Info().
		Str("session_id", sess.ID).
		Str("currency", cur.Code).
		Str("forward_tx", receipt.TxHash).
		Str("forwarded", split.ForwardAmount.String()).
		Str("fee", split.FeeAmount.String()).
		Bool("fee_taken", split.FeeTaken).
		Msg("settlement.forwarded")

	c.bus.EmitForwardCompleted(ctx, events.ForwardCompletedEvent{
		Session:         updated,
		ForwardTxHash:   receipt.TxHash,
		ForwardedAmount: split.ForwardAmount,
		FeeAmount:       split.FeeAmount,
		Timestamp:       time.Now().UTC(),
	})
	return nil
}

// RetryFailed re-attempts settlement for completed sessions whose forward
// previously failed. Returns how many sessions were retried.
func (c *Coordinator) RetryFailed(ctx context.Context) (int, error) {
	sessions, err := c.store.ListByStatus(ctx, storage.StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("list completed sessions: %w", err)
	}

	retried := 0
	for _, sess := range sessions {
		if sess.Settlement.AutoForwarded || !sess.Settlement.AutoForwardFailed {
			continue
		}
		retried++
		if err := c.Forward(ctx, sess.ID); err != nil {
			c.logger.Error().Err(err).
				Str("session_id", sess.ID).
				Msg("settlement.retry_error")
		}
	}
	return retried, nil
}

// CollectReport summarizes one fee collection run.
type CollectReport struct {
	Currency  string   `json:"currency"`
	Collected int      `json:"collected"`
	TxHash    string   `json:"tx_hash,omitempty"`
	Failed    []string `json:"failed,omitempty"` // session ids
}

// CollectFees sweeps retained fees for one currency to its treasury address.
// UTXO chains consolidate all fee inputs in a single batch transaction;
// account-style chains need one transfer per session address.
func (c *Coordinator) CollectFees(ctx context.Context, currencyCode string) (CollectReport, error) {
	cur, err := currency.Lookup(currencyCode)
	if err != nil {
		return CollectReport{}, err
	}
	treasury, ok := c.cfg.TreasuryAddresses[cur.Code]
	if !ok || treasury == "" {
		return CollectReport{}, fmt.Errorf("no treasury address configured for %s", cur.Code)
	}

	sessions, err := c.store.ListByStatus(ctx, storage.StatusCompleted)
	if err != nil {
		return CollectReport{}, fmt.Errorf("list completed sessions: %w", err)
	}

	var pending []storage.PaymentSession
	for _, sess := range sessions {
		if sess.Currency != cur.Code {
			continue
		}
		st := sess.Settlement
		if st.AutoForwarded && st.FeeTaken && !st.FeesCollected && st.FeeAmount.IsPositive() {
			pending = append(pending, sess)
		}
	}

	pending = c.verifyFeeBalances(ctx, cur, pending)

	report := CollectReport{Currency: cur.Code}
	if len(pending) == 0 {
		return report, nil
	}

	if cur.IsUTXO() {
		inputs := make([]signer.FeeInput, 0, len(pending))
		for _, sess := range pending {
			inputs = append(inputs, signer.FeeInput{
				AddressIndex: sess.AddressIndex,
				Address:      sess.PaymentAddress,
				Amount:       sess.Settlement.FeeAmount,
			})
		}
		receipt, err := c.wallet.ConsolidateUTXOs(ctx, cur.Code, inputs, treasury)
		if err != nil {
			return report, fmt.Errorf("consolidate fees: %w", err)
		}
		report.TxHash = receipt.TxHash
		for _, sess := range pending {
			if _, err := c.store.MarkFeesCollected(ctx, sess.ID, receipt.TxHash); err != nil {
				c.logger.Error().Err(err).
					Str("session_id", sess.ID).
					Msg("settlement.fees_record_error")
				report.Failed = append(report.Failed, sess.ID)
				continue
			}
			report.Collected++
		}
		c.logger.Info().
			Str("currency", cur.Code).
			Int("sessions", report.Collected).
			Str("tx_hash", receipt.TxHash).
			Msg("settlement.fees_collected")
		return report, nil
	}

	for _, sess := range pending {
		receipt, err := c.wallet.Transfer(ctx, cur.Code, sess.AddressIndex, treasury, sess.Settlement.FeeAmount)
		if err != nil {
			c.logger.Error().Err(err).
				Str("session_id", sess.ID).
				Msg("settlement.fee_transfer_error")
			report.Failed = append(report.Failed, sess.ID)
			continue
		}
		if _, err := c.store.MarkFeesCollected(ctx, sess.ID, receipt.TxHash); err != nil {
			c.logger.Error().Err(err).
				Str("session_id", sess.ID).
				Msg("settlement.fees_record_error")
			report.Failed = append(report.Failed, sess.ID)
			continue
		}
		report.Collected++
	}
	c.logger.Info().
		Str("currency", cur.Code).
		Int("sessions", report.Collected).
		Int("failed", len(report.Failed)).
		Msg("settlement.fees_collected")
	return report, nil
}

// verifyFeeBalances drops sessions whose payment address no longer holds the
// recorded fee, so a sweep never broadcasts against an emptied address. A
// monitor error keeps the session in; the sweep itself will surface it.
func (c *Coordinator) verifyFeeBalances(ctx context.Context, cur currency.Currency, pending []storage.PaymentSession) []storage.PaymentSession {
	if c.monitor == nil {
		return pending
	}
	kept := pending[:0]
	for _, sess := range pending {
		balance, err := c.monitor.AddressBalance(ctx, cur.Code, sess.PaymentAddress)
		if err != nil {
			c.logger.Warn().Err(err).
				Str("session_id", sess.ID).
				Msg("settlement.fee_balance_check_failed")
			kept = append(kept, sess)
			continue
		}
		if balance.LessThan(sess.Settlement.FeeAmount) {
			c.logger.Warn().
				Str("session_id", sess.ID).
				Str("balance", balance.String()).
				Str("fee", sess.Settlement.FeeAmount.String()).
				Msg("settlement.fee_balance_short")
			continue
		}
		kept = append(kept, sess)
	}
	return kept
}

func (c *Coordinator) recordFailure(ctx context.Context, sess storage.PaymentSession, reason string) {
	c.logger.Warn().
		Str("session_id", sess.ID).
		Str("reason", reason).
		Msg("settlement.forward_failed")
	if _, err := c.store.RecordForwardFailure(ctx, sess.ID, reason); err != nil {
		c.logger.Error().Err(err).
			Str("session_id", sess.ID).
			Msg("settlement.failure_record_error")
	}
	c.bus.EmitForwardFailed(ctx, events.ForwardFailedEvent{
		Session:   sess,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Coordinator) networkFee(currencyCode string) decimal.Decimal {
	if fee, ok := c.cfg.NetworkFeeEstimates[currencyCode]; ok {
		return fee
	}
	return decimal.Zero
}

func (c *Coordinator) acquire(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[sessionID] {
		return false
	}
	c.inFlight[sessionID] = true
	return true
}

func (c *Coordinator) release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, sessionID)
}
