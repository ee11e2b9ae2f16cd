package confirm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/events"
	"github.com/TessaraPay/gateway/internal/storage"
)

type captureHook struct {
	mu        sync.Mutex
	detected  []events.PaymentDetectedEvent
	confirmed []events.ConfirmationUpdatedEvent
	completed []events.PaymentCompletedEvent
}

func (h *captureHook) Name() string { return "capture" }

func (h *captureHook) OnPaymentDetected(_ context.Context, e events.PaymentDetectedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detected = append(h.detected, e)
}

func (h *captureHook) OnConfirmationUpdated(_ context.Context, e events.ConfirmationUpdatedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirmed = append(h.confirmed, e)
}

func (h *captureHook) OnPaymentCompleted(_ context.Context, e events.PaymentCompletedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, e)
}

func (h *captureHook) completedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.completed)
}

type fixture struct {
	store *storage.MemoryStore
	proc  *Processor
	hook  *captureHook
}

func newFixture(t *testing.T, tolerancePercent float64) *fixture {
	t.Helper()
	store := storage.NewMemoryStore(time.Hour, time.Hour)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus(zerolog.Nop())
	hook := &captureHook{}
	bus.RegisterPaymentHook(hook)

	proc := NewProcessor(store, bus, Config{TolerancePercent: tolerancePercent}, zerolog.Nop())
	return &fixture{store: store, proc: proc, hook: hook}
}

func (f *fixture) createSession(t *testing.T, spec storage.SessionSpec) storage.PaymentSession {
	t.Helper()
	sess, err := f.store.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func btcSession(t *testing.T, f *fixture, expected string) storage.PaymentSession {
	t.Helper()
	return f.createSession(t, storage.SessionSpec{
		UserID:            "user-1",
		Currency:          "BTC",
		PaymentAddress:    "bc1qWatchMe",
		ForwardingAddress: "bc1qMerchant",
		ExpectedAmount:    decimal.RequireFromString(expected),
	})
}

// 50_000_000 satoshi = 0.5 BTC
const halfBTC = int64(50_000_000)

func TestFreshDetection(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "0.5")

	res, err := f.proc.ProcessObservation(context.Background(), Observation{
		SessionID:      sess.ID,
		TxHash:         "tx-aaa",
		ReceivedAtomic: halfBTC,
		Source:         events.SourceWebhook,
	})
	if err != nil {
		t.Fatalf("ProcessObservation: %v", err)
	}
	if res.Outcome != OutcomeDetected {
		t.Fatalf("outcome = %s, want detected", res.Outcome)
	}
	if res.Session.Status != storage.StatusDetected {
		t.Fatalf("status = %s", res.Session.Status)
	}
	if want := decimal.RequireFromString("0.5"); !res.Session.ReceivedAmount.Equal(want) {
		t.Fatalf("received = %s, want %s", res.Session.ReceivedAmount, want)
	}
	if len(f.hook.detected) != 1 {
		t.Fatalf("detected events = %d, want 1", len(f.hook.detected))
	}
}

func TestDuplicateObservationIsNoOp(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "0.5")

	obs := Observation{
		SessionID:      sess.ID,
		TxHash:         "tx-aaa",
		Confirmations:  1,
		ReceivedAtomic: halfBTC,
		Source:         events.SourceWebhook,
	}
	if _, err := f.proc.ProcessObservation(context.Background(), obs); err != nil {
		t.Fatalf("first observation: %v", err)
	}
	res, err := f.proc.ProcessObservation(context.Background(), obs)
	if err != nil {
		t.Fatalf("duplicate observation: %v", err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Fatalf("outcome = %s, want unchanged", res.Outcome)
	}
	if len(f.hook.detected) != 1 || len(f.hook.confirmed) != 1 {
		t.Fatalf("events = %d detected / %d confirmed, want 1/1",
			len(f.hook.detected), len(f.hook.confirmed))
	}
}

func TestConfirmationProgressionToCompletion(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "0.5")
	ctx := context.Background()

	base := Observation{
		SessionID:      sess.ID,
		TxHash:         "tx-aaa",
		ReceivedAtomic: halfBTC,
		Source:         events.SourcePoller,
	}

	for conf := 1; conf <= 2; conf++ {
		obs := base
		obs.Confirmations = conf
		res, err := f.proc.ProcessObservation(ctx, obs)
		if err != nil {
			t.Fatalf("conf %d: %v", conf, err)
		}
		if res.Outcome != OutcomeConfirming && conf == 2 {
			t.Fatalf("conf %d outcome = %s", conf, res.Outcome)
		}
	}

	obs := base
	obs.Confirmations = 3 // BTC threshold
	res, err := f.proc.ProcessObservation(ctx, obs)
	if err != nil {
		t.Fatalf("final confirmation: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", res.Outcome)
	}
	if res.Session.Status != storage.StatusCompleted {
		t.Fatalf("status = %s", res.Session.Status)
	}
	if res.Session.Settlement.AmountMismatch != storage.MismatchNone {
		t.Fatalf("mismatch = %s, want none", res.Session.Settlement.AmountMismatch)
	}
	if f.hook.completedCount() != 1 {
		t.Fatalf("completed events = %d, want 1", f.hook.completedCount())
	}

	// Late duplicates after completion are silent no-ops.
	res, err = f.proc.ProcessObservation(ctx, obs)
	if err != nil {
		t.Fatalf("post-completion duplicate: %v", err)
	}
	if res.Outcome != OutcomeAlreadyTerminal {
		t.Fatalf("outcome = %s, want already_terminal", res.Outcome)
	}
	if f.hook.completedCount() != 1 {
		t.Fatal("completion event must fire exactly once")
	}
}

func TestStaleConfirmationsIgnored(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "0.5")
	ctx := context.Background()

	obs := Observation{SessionID: sess.ID, TxHash: "tx-aaa", ReceivedAtomic: halfBTC, Confirmations: 2}
	if _, err := f.proc.ProcessObservation(ctx, obs); err != nil {
		t.Fatal(err)
	}

	obs.Confirmations = 1
	res, err := f.proc.ProcessObservation(ctx, obs)
	if err != nil {
		t.Fatalf("stale observation: %v", err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Fatalf("outcome = %s, want unchanged", res.Outcome)
	}
	if res.Session.Confirmations != 2 {
		t.Fatalf("confirmations = %d, want 2", res.Session.Confirmations)
	}
}

func TestSweepTransactionSkipped(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "0.5")

	res, err := f.proc.ProcessObservation(context.Background(), Observation{
		SessionID: sess.ID,
		TxHash:    "tx-sweep",
		Inputs:    []string{"BC1QWATCHME"}, // case differs from the stored address
		Outputs: []Output{
			{Addresses: []string{"bc1qMerchant"}, ValueAtomic: halfBTC},
		},
		TotalAtomic: halfBTC,
	})
	if err != nil {
		t.Fatalf("ProcessObservation: %v", err)
	}
	if res.Outcome != OutcomeSweepSkipped {
		t.Fatalf("outcome = %s, want sweep_skipped", res.Outcome)
	}
	if res.Session.Status != storage.StatusPending {
		t.Fatalf("status = %s, want pending", res.Session.Status)
	}
	if len(f.hook.detected) != 0 {
		t.Fatal("sweep must not emit a detection event")
	}
}

func TestSelfTransferIsNotSweep(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "0.5")

	// The watched address spends but also receives change; the payment side
	// of the transaction still counts.
	res, err := f.proc.ProcessObservation(context.Background(), Observation{
		SessionID: sess.ID,
		TxHash:    "tx-change",
		Inputs:    []string{"bc1qWatchMe"},
		Outputs: []Output{
			{Addresses: []string{"bc1qElsewhere"}, ValueAtomic: 10_000_000},
			{Addresses: []string{"bc1qWatchMe"}, ValueAtomic: halfBTC},
		},
	})
	if err != nil {
		t.Fatalf("ProcessObservation: %v", err)
	}
	if res.Outcome != OutcomeDetected {
		t.Fatalf("outcome = %s, want detected", res.Outcome)
	}
}

func TestAmountResolutionPriority(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "0.5")

	// Outputs paying the watched address beat the received and total fields.
	res, err := f.proc.ProcessObservation(context.Background(), Observation{
		SessionID: sess.ID,
		TxHash:    "tx-aaa",
		Outputs: []Output{
			{Addresses: []string{"bc1qWatchMe"}, ValueAtomic: 30_000_000},
			{Addresses: []string{"bc1qWATCHme"}, ValueAtomic: 20_000_000},
			{Addresses: []string{"bc1qOther"}, ValueAtomic: 99_000_000},
		},
		ReceivedAtomic: 11_000_000,
		TotalAtomic:    149_000_000,
	})
	if err != nil {
		t.Fatalf("ProcessObservation: %v", err)
	}
	if want := decimal.RequireFromString("0.5"); !res.Session.ReceivedAmount.Equal(want) {
		t.Fatalf("received = %s, want %s", res.Session.ReceivedAmount, want)
	}
}

func TestUnderpaymentWithinToleranceCompletesClean(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "1.0")

	res, err := f.proc.ProcessObservation(context.Background(), Observation{
		SessionID:      sess.ID,
		TxHash:         "tx-aaa",
		Confirmations:  3,
		ReceivedAtomic: 99_000_000, // 0.99, 1% under
	})
	if err != nil {
		t.Fatalf("ProcessObservation: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", res.Outcome)
	}
	if res.Session.Settlement.AmountMismatch != storage.MismatchNone {
		t.Fatalf("mismatch = %s, want none", res.Session.Settlement.AmountMismatch)
	}
}

func TestUnderpaymentBeyondToleranceFlagged(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "1.0")

	res, err := f.proc.ProcessObservation(context.Background(), Observation{
		SessionID:      sess.ID,
		TxHash:         "tx-aaa",
		Confirmations:  3,
		ReceivedAtomic: 97_000_000, // 0.97, 3% under
	})
	if err != nil {
		t.Fatalf("ProcessObservation: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", res.Outcome)
	}
	if res.Session.Settlement.AmountMismatch != storage.MismatchUnderpaid {
		t.Fatalf("mismatch = %s, want underpaid", res.Session.Settlement.AmountMismatch)
	}
	if len(f.hook.completed) != 1 || f.hook.completed[0].Mismatch != storage.MismatchUnderpaid {
		t.Fatal("completion event must carry the mismatch")
	}
}

func TestOverpaymentFlagged(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "1.0")

	res, err := f.proc.ProcessObservation(context.Background(), Observation{
		SessionID:      sess.ID,
		TxHash:         "tx-aaa",
		Confirmations:  3,
		ReceivedAtomic: 110_000_000, // 1.1, 10% over
	})
	if err != nil {
		t.Fatalf("ProcessObservation: %v", err)
	}
	if res.Session.Settlement.AmountMismatch != storage.MismatchOverpaid {
		t.Fatalf("mismatch = %s, want overpaid", res.Session.Settlement.AmountMismatch)
	}
}

func TestPartialPaymentsAccumulateToCompletion(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := f.createSession(t, storage.SessionSpec{
		UserID:            "user-1",
		Currency:          "BTC",
		PaymentAddress:    "bc1qWatchMe",
		ForwardingAddress: "bc1qMerchant",
		ExpectedAmount:    decimal.RequireFromString("1.0"),
		PartialPayment:    true,
	})
	ctx := context.Background()

	// First installment confirms fully but does not cover the expected
	// amount; the session keeps waiting.
	res, err := f.proc.ProcessObservation(ctx, Observation{
		SessionID:      sess.ID,
		TxHash:         "tx-1",
		Confirmations:  3,
		ReceivedAtomic: 40_000_000,
	})
	if err != nil {
		t.Fatalf("first installment: %v", err)
	}
	if res.Outcome == OutcomeCompleted {
		t.Fatal("must not complete below the expected amount")
	}
	if res.Session.Status.Terminal() {
		t.Fatalf("status = %s", res.Session.Status)
	}

	res, err = f.proc.ProcessObservation(ctx, Observation{
		SessionID:      sess.ID,
		TxHash:         "tx-2",
		Confirmations:  3,
		ReceivedAtomic: 60_000_000,
	})
	if err != nil {
		t.Fatalf("second installment: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", res.Outcome)
	}
	if want := decimal.RequireFromString("1.0"); !res.Session.ReceivedAmount.Equal(want) {
		t.Fatalf("received = %s, want %s", res.Session.ReceivedAmount, want)
	}
	if f.hook.completedCount() != 1 {
		t.Fatalf("completed events = %d, want 1", f.hook.completedCount())
	}
}

func TestUnknownSessionAcked(t *testing.T) {
	f := newFixture(t, 2.0)

	res, err := f.proc.ProcessObservation(context.Background(), Observation{
		SessionID: "missing",
		TxHash:    "tx-aaa",
	})
	if err != nil {
		t.Fatalf("unknown session must not error: %v", err)
	}
	if res.Outcome != OutcomeNotFound {
		t.Fatalf("outcome = %s, want session_not_found", res.Outcome)
	}
}

func TestRacingObserversCompleteOnce(t *testing.T) {
	f := newFixture(t, 2.0)
	sess := btcSession(t, f, "0.5")
	ctx := context.Background()

	obs := Observation{
		SessionID:      sess.ID,
		TxHash:         "tx-aaa",
		Confirmations:  3,
		ReceivedAtomic: halfBTC,
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.proc.ProcessObservation(ctx, obs); err != nil {
				t.Errorf("ProcessObservation: %v", err)
			}
		}()
	}
	wg.Wait()

	if f.hook.completedCount() != 1 {
		t.Fatalf("completed events = %d, want 1", f.hook.completedCount())
	}
}
