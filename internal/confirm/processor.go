// Package confirm turns raw chain observations into session state
// transitions. Observations arrive from webhooks, pollers, and the
// reconciler; they may be duplicated, reordered, or stale, and every path
// funnels through ProcessObservation so the transition rules are applied
// exactly once per fact regardless of source.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/currency"
	"github.com/TessaraPay/gateway/internal/events"
	"github.com/TessaraPay/gateway/internal/storage"
)

// Output is one output of an observed transaction.
type Output struct {
	Addresses   []string
	ValueAtomic int64
}

// Observation is a normalized view of one transaction sighting, whatever the
// source. Atomic amounts are in the currency's smallest unit.
type Observation struct {
	SessionID      string
	TxHash         string
	Confirmations  int
	BlockHeight    int64
	Inputs         []string // spending addresses, when the source provides them
	Outputs        []Output
	TotalAtomic    int64 // transaction total, least specific fallback
	ReceivedAtomic int64 // amount credited to the watched address, per the source
	Source         string
}

// Outcome classifies what an observation did to its session.
type Outcome string

const (
	OutcomeDetected        Outcome = "detected"
	OutcomeConfirming      Outcome = "confirming"
	OutcomeCompleted       Outcome = "completed"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeAlreadyTerminal Outcome = "already_terminal"
	OutcomeSweepSkipped    Outcome = "sweep_skipped"
	OutcomeNotFound        Outcome = "session_not_found"
)

// Result reports the effect of processing one observation.
type Result struct {
	Outcome Outcome
	Session storage.PaymentSession
}

// Config tunes the processor.
type Config struct {
	// TolerancePercent is the allowed deviation between expected and received
	// amounts before a completion is flagged as a mismatch.
	TolerancePercent float64
}

// Processor applies observations to sessions.
type Processor struct {
	store     storage.SessionStore
	bus       *events.Bus
	tolerance decimal.Decimal
	logger    zerolog.Logger
}

// NewProcessor creates a Processor. A zero TolerancePercent means any
// deviation from the expected amount is flagged.
func NewProcessor(store storage.SessionStore, bus *events.Bus, cfg Config, logger zerolog.Logger) *Processor {
	return &Processor{
		store:     store,
		bus:       bus,
		tolerance: decimal.NewFromFloat(cfg.TolerancePercent).Div(decimal.NewFromInt(100)),
		logger:    logger.With().Str("component", "confirm").Logger(),
	}
}

// ProcessObservation runs one observation through the session state machine.
// It is safe to call concurrently and with duplicates: every state change is
// guarded inside the store, and events fire only for transitions that
// actually happened.
func (p *Processor) ProcessObservation(ctx context.Context, obs Observation) (Result, error) {
	sess, err := p.store.Get(ctx, obs.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn().
			Str("session_id", obs.SessionID).
			Str("tx_hash", obs.TxHash).
			Str("source", obs.Source).
			Msg("confirm.unknown_session")
		return Result{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load session: %w", err)
	}

	if sess.Status.Terminal() {
		return Result{Outcome: OutcomeAlreadyTerminal, Session: sess}, nil
	}

	if isSweep(&sess, obs) {
		p.logger.Info().
			Str("session_id", sess.ID).
			Str("tx_hash", obs.TxHash).
			Msg("confirm.sweep_skipped")
		return Result{Outcome: OutcomeSweepSkipped, Session: sess}, nil
	}

	cur, err := currency.Lookup(sess.Currency)
	if err != nil {
		return Result{}, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	amount := resolveAmount(cur, sess.PaymentAddress, obs)

	outcome := OutcomeUnchanged

	if obs.TxHash != "" && (amount.IsPositive() || sess.Status == storage.StatusPending) {
		updated, changed, err := p.store.MarkDetected(ctx, sess.ID, obs.TxHash, amount, obs.BlockHeight)
		if errors.Is(err, storage.ErrTerminalState) {
			return Result{Outcome: OutcomeAlreadyTerminal, Session: sess}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("mark detected: %w", err)
		}
		sess = updated
		if changed {
			outcome = OutcomeDetected
			p.bus.EmitPaymentDetected(ctx, events.PaymentDetectedEvent{
				Session:   sess,
				TxHash:    obs.TxHash,
				Amount:    amount,
				Source:    obs.Source,
				Timestamp: time.Now().UTC(),
			})
			p.logger.Info().
				Str("session_id", sess.ID).
				Str("tx_hash", obs.TxHash).
				Str("amount", amount.String()).
				Str("source", obs.Source).
				Msg("confirm.payment_detected")
		}
	}

	if obs.Confirmations > 0 {
		updated, changed, err := p.store.UpdateConfirmations(ctx, sess.ID, obs.Confirmations, obs.BlockHeight)
		if errors.Is(err, storage.ErrTerminalState) {
			return Result{Outcome: OutcomeAlreadyTerminal, Session: sess}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("update confirmations: %w", err)
		}
		sess = updated
		if changed {
			outcome = OutcomeConfirming
			p.bus.EmitConfirmationUpdated(ctx, events.ConfirmationUpdatedEvent{
				Session:       sess,
				Confirmations: sess.Confirmations,
				Required:      sess.RequiredConfirmations,
				Source:        obs.Source,
				Timestamp:     time.Now().UTC(),
			})
		}
	}

	if p.readyToComplete(&sess) {
		mismatch := p.classifyMismatch(&sess)
		updated, changed, err := p.store.MarkCompleted(ctx, sess.ID, mismatch)
		if err != nil {
			return Result{}, fmt.Errorf("mark completed: %w", err)
		}
		sess = updated
		if changed {
			outcome = OutcomeCompleted
			if mismatch != storage.MismatchNone {
				p.logger.Warn().
					Str("session_id", sess.ID).
					Str("mismatch", string(mismatch)).
					Str("expected", sess.ExpectedAmount.String()).
					Str("received", sess.ReceivedAmount.String()).
					Msg("confirm.amount_mismatch")
			}
			p.logger.Info().
				Str("session_id", sess.ID).
				Str("amount", sess.ReceivedAmount.String()).
				Int("confirmations", sess.Confirmations).
				Str("source", obs.Source).
				Msg("confirm.payment_completed")
			p.bus.EmitPaymentCompleted(ctx, events.PaymentCompletedEvent{
				Session:   sess,
				Mismatch:  mismatch,
				Source:    obs.Source,
				Timestamp: time.Now().UTC(),
			})
		}
	}

	return Result{Outcome: outcome, Session: sess}, nil
}

// readyToComplete reports whether the session has met its confirmation
// threshold with funds actually recorded. Partial-payment sessions wait
// until the running total covers the expected amount.
func (p *Processor) readyToComplete(sess *storage.PaymentSession) bool {
	if sess.Status.Terminal() {
		return false
	}
	if sess.Confirmations < sess.RequiredConfirmations {
		return false
	}
	if !sess.ReceivedAmount.IsPositive() {
		return false
	}
	if sess.Settlement.PartialPayment && sess.HasExpectedAmount() {
		return sess.ReceivedAmount.GreaterThanOrEqual(sess.ExpectedAmount)
	}
	return true
}

// classifyMismatch compares received against expected with the tolerance
// band. A deviation inside the band is treated as exact.
func (p *Processor) classifyMismatch(sess *storage.PaymentSession) storage.MismatchKind {
	if !sess.HasExpectedAmount() {
		return storage.MismatchNone
	}
	deviation := sess.ReceivedAmount.Sub(sess.ExpectedAmount).Div(sess.ExpectedAmount)
	switch {
	case deviation.LessThan(p.tolerance.Neg()):
		return storage.MismatchUnderpaid
	case deviation.GreaterThan(p.tolerance):
		return storage.MismatchOverpaid
	default:
		return storage.MismatchNone
	}
}

// isSweep detects the session's own funds leaving the watched address: the
// address appears among the transaction's inputs but collects nothing from
// its outputs. Best effort; sources that omit input data never trigger it.
func isSweep(sess *storage.PaymentSession, obs Observation) bool {
	spends := false
	for _, in := range obs.Inputs {
		if strings.EqualFold(in, sess.PaymentAddress) {
			spends = true
			break
		}
	}
	if !spends {
		return false
	}
	for _, out := range obs.Outputs {
		for _, addr := range out.Addresses {
			if strings.EqualFold(addr, sess.PaymentAddress) {
				return false
			}
		}
	}
	return true
}

// resolveAmount picks the credited amount from the observation, most
// specific source first: summed outputs paying the watched address, then the
// source's own received figure, then the transaction total.
func resolveAmount(cur currency.Currency, paymentAddress string, obs Observation) decimal.Decimal {
	var outputSum int64
	for _, out := range obs.Outputs {
		for _, addr := range out.Addresses {
			if strings.EqualFold(addr, paymentAddress) {
				outputSum += out.ValueAtomic
				break
			}
		}
	}
	switch {
	case outputSum > 0:
		return cur.FromSmallestUnit(outputSum)
	case obs.ReceivedAtomic > 0:
		return cur.FromSmallestUnit(obs.ReceivedAtomic)
	case obs.TotalAtomic > 0:
		return cur.FromSmallestUnit(obs.TotalAtomic)
	default:
		return decimal.Zero
	}
}
