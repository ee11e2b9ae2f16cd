// Package reconcile periodically re-checks active sessions against the chain
// monitor, catching up on anything the webhook and polling paths missed, and
// re-drives failed settlements.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TessaraPay/gateway/internal/circuitbreaker"
	"github.com/TessaraPay/gateway/internal/confirm"
	"github.com/TessaraPay/gateway/internal/currency"
	"github.com/TessaraPay/gateway/internal/metrics"
	"github.com/TessaraPay/gateway/internal/settlement"
	"github.com/TessaraPay/gateway/internal/signer"
	"github.com/TessaraPay/gateway/internal/storage"
)

// Config tunes the reconciliation pass.
type Config struct {
	// Interval between passes.
	Interval time.Duration
	// CallTimeout bounds each chain monitor call.
	CallTimeout time.Duration
}

// Stats summarizes one reconciliation pass.
type Stats struct {
	Checked   int `json:"checked"`
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Errors    int `json:"errors"`
	Retried   int `json:"retried"` // settlement retries attempted
	Expired   int `json:"expired"` // pending sessions past their deadline
}

// Scheduler runs the reconciliation loop. All chain state it learns flows
// through the same observation pipeline as webhooks and pollers, so a
// reconciler sighting can never disagree with a live one.
type Scheduler struct {
	store       storage.SessionStore
	processor   *confirm.Processor
	coordinator *settlement.Coordinator
	monitor     signer.ChainMonitor
	breakers    *circuitbreaker.Manager
	metrics     *metrics.Metrics
	cfg         Config
	logger      zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. Interval defaults to 5m, CallTimeout to 15s.
func NewScheduler(
	store storage.SessionStore,
	processor *confirm.Processor,
	coordinator *settlement.Coordinator,
	monitor signer.ChainMonitor,
	breakers *circuitbreaker.Manager,
	m *metrics.Metrics,
	cfg Config,
	logger zerolog.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Scheduler{
		store:       store,
		processor:   processor,
		coordinator: coordinator,
		monitor:     monitor,
		breakers:    breakers,
		metrics:     m,
		cfg:         cfg,
		logger:      logger.With().Str("component", "reconcile").Logger(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Msg("reconcile.started")

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop gracefully stops the loop, waiting for an in-progress pass.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("reconcile.stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// An immediate first pass catches up on observations missed while the
	// process was down, rather than waiting a full interval.
	s.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	stats, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reconcile.pass_failed")
		return
	}
	s.logger.Info().
		Int("checked", stats.Checked).
		Int("advanced", stats.Advanced).
		Int("completed", stats.Completed).
		Int("errors", stats.Errors).
		Int("retried", stats.Retried).
		Int("expired", stats.Expired).
		Msg("reconcile.pass_done")
}

// RunOnce performs a single reconciliation pass: refresh every active session
// that has a known transaction, then retry failed settlements. Also exposed
// through the admin API for manual triggering.
func (s *Scheduler) RunOnce(ctx context.Context) (Stats, error) {
	start := time.Now()
	var stats Stats

	sessions, err := s.store.ListByStatus(ctx,
		storage.StatusPending, storage.StatusDetected, storage.StatusConfirming)
	if err != nil {
		return stats, fmt.Errorf("list active sessions: %w", err)
	}

	for _, sess := range sessions {
		if sess.TxHash == "" {
			continue
		}
		stats.Checked++

		status, err := s.transactionStatus(ctx, sess.Currency, sess.TxHash)
		if err != nil {
			stats.Errors++
			s.logger.Warn().Err(err).
				Str("session_id", sess.ID).
				Str("tx_hash", sess.TxHash).
				Msg("reconcile.status_check_failed")
			continue
		}

		cur, err := currency.Lookup(sess.Currency)
		if err != nil {
			stats.Errors++
			continue
		}

		res, err := s.processor.ProcessObservation(ctx, confirm.Observation{
			SessionID:      sess.ID,
			TxHash:         sess.TxHash,
			Confirmations:  status.Confirmations,
			BlockHeight:    status.BlockHeight,
			ReceivedAtomic: cur.ToSmallestUnit(sess.ReceivedAmount),
			Source:         "reconciler",
		})
		if err != nil {
			stats.Errors++
			s.logger.Error().Err(err).
				Str("session_id", sess.ID).
				Msg("reconcile.process_failed")
			continue
		}

		switch res.Outcome {
		case confirm.OutcomeCompleted:
			stats.Completed++
			stats.Advanced++
		case confirm.OutcomeDetected, confirm.OutcomeConfirming:
			stats.Advanced++
		}
	}

	retried, err := s.coordinator.RetryFailed(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reconcile.settlement_retry_failed")
	}
	stats.Retried = retried

	// The storage sweep also expires sessions on its own timer; doing it
	// here as well keeps the admin-triggered pass authoritative.
	expired, err := s.store.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("reconcile.expire_failed")
	}
	stats.Expired = expired
	if expired > 0 && s.metrics != nil {
		s.metrics.ObserveSessionExpired(expired)
	}

	if s.metrics != nil {
		s.metrics.ObserveReconcilePass(stats.Checked, stats.Errors, stats.Retried, time.Since(start))
	}
	return stats, nil
}

// transactionStatus reads chain state through the circuit breaker with a
// bounded timeout.
func (s *Scheduler) transactionStatus(ctx context.Context, currencyCode, txHash string) (signer.TxStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	callStart := time.Now()
	result, err := s.breakers.Execute(circuitbreaker.ServiceChainMonitor, func() (interface{}, error) {
		return s.monitor.TransactionStatus(callCtx, currencyCode, txHash)
	})
	if s.metrics != nil {
		s.metrics.ObserveMonitorCall("transaction_status", time.Since(callStart))
	}
	if err != nil {
		return signer.TxStatus{}, err
	}
	return result.(signer.TxStatus), nil
}
