package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/events"
	"github.com/TessaraPay/gateway/internal/signer"
	"github.com/TessaraPay/gateway/internal/storage"
)

type transferCall struct {
	currency     string
	addressIndex uint32
	destination  string
	amount       decimal.Decimal
}

type fakeWallet struct {
	mu             sync.Mutex
	transfers      []transferCall
	consolidations [][]signer.FeeInput
	failures       int // fail this many leading calls
	delay          time.Duration
	nextTx         int
}

func (w *fakeWallet) Transfer(_ context.Context, currency string, addressIndex uint32, destination string, amount decimal.Decimal) (signer.TransferReceipt, error) {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return signer.TransferReceipt{}, errors.New("signer unavailable")
	}
	w.transfers = append(w.transfers, transferCall{currency, addressIndex, destination, amount})
	w.nextTx++
	return signer.TransferReceipt{TxHash: txName(w.nextTx)}, nil
}

func (w *fakeWallet) ConsolidateUTXOs(_ context.Context, _ string, inputs []signer.FeeInput, _ string) (signer.TransferReceipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return signer.TransferReceipt{}, errors.New("signer unavailable")
	}
	w.consolidations = append(w.consolidations, inputs)
	w.nextTx++
	return signer.TransferReceipt{TxHash: txName(w.nextTx)}, nil
}

func (w *fakeWallet) transferCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.transfers)
}

func txName(n int) string {
	return "fwd-tx-" + string(rune('a'+n-1))
}

func testConfig() Config {
	return Config{
		FeeThresholdUSD: decimal.RequireFromString("250"),
		FeeBasisPoints:  250,
		NetworkFeeEstimates: map[string]decimal.Decimal{
			"BTC": decimal.RequireFromString("0.0001"),
		},
		TreasuryAddresses: map[string]string{
			"BTC": "bc1qTreasury",
			"ETH": "0xTreasury",
		},
	}
}

type fixture struct {
	store  *storage.MemoryStore
	wallet *fakeWallet
	coord  *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storage.NewMemoryStore(time.Hour, time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	wallet := &fakeWallet{}
	coord := NewCoordinator(store, wallet, events.NewBus(zerolog.Nop()), cfg, zerolog.Nop())
	return &fixture{store: store, wallet: wallet, coord: coord}
}

// completedSession creates a session and drives it to completed with the
// given received amount.
func (f *fixture) completedSession(t *testing.T, currencyCode, address, received, amountUSD string) storage.PaymentSession {
	t.Helper()
	ctx := context.Background()
	sess, err := f.store.Create(ctx, storage.SessionSpec{
		UserID:            "user-1",
		Currency:          currencyCode,
		PaymentAddress:    address,
		ForwardingAddress: "dest-" + address,
		AmountUSD:         decimal.RequireFromString(amountUSD),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, _, err := f.store.MarkDetected(ctx, sess.ID, "tx-"+address, decimal.RequireFromString(received), 100); err != nil {
		t.Fatalf("mark detected: %v", err)
	}
	if _, _, err := f.store.UpdateConfirmations(ctx, sess.ID, sess.RequiredConfirmations, 110); err != nil {
		t.Fatalf("update confirmations: %v", err)
	}
	got, _, err := f.store.MarkCompleted(ctx, sess.ID, storage.MismatchNone)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	return got
}

func TestForwardAppliesTieredFee(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	// $533 payment, above the $250 threshold: 2.5% fee on the net amount.
	sess := f.completedSession(t, "BTC", "bc1qAddr1", "0.5", "533")

	if err := f.coord.Forward(ctx, sess.ID); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if f.wallet.transferCount() != 1 {
		t.Fatalf("transfers = %d, want 1", f.wallet.transferCount())
	}
	call := f.wallet.transfers[0]
	net := decimal.RequireFromString("0.4999") // 0.5 - 0.0001 network reserve
	wantForward := net.Mul(decimal.RequireFromString("0.975"))
	if !call.amount.Equal(wantForward) {
		t.Fatalf("forwarded %s, want %s", call.amount, wantForward)
	}
	if call.destination != "dest-bc1qAddr1" {
		t.Fatalf("destination = %s", call.destination)
	}

	got, _ := f.store.Get(ctx, sess.ID)
	st := got.Settlement
	if !st.AutoForwarded || !st.FeeTaken {
		t.Fatalf("settlement = %+v", st)
	}
	if st.FeePercentage != 2.5 {
		t.Fatalf("fee percentage = %v, want 2.5", st.FeePercentage)
	}
	wantFee := net.Mul(decimal.RequireFromString("0.025"))
	if !st.FeeAmount.Equal(wantFee) {
		t.Fatalf("fee = %s, want %s", st.FeeAmount, wantFee)
	}
}

func TestForwardBelowThresholdSkipsFee(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	sess := f.completedSession(t, "BTC", "bc1qAddr1", "0.004", "120")

	if err := f.coord.Forward(ctx, sess.ID); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	call := f.wallet.transfers[0]
	want := decimal.RequireFromString("0.0039") // full net amount, no fee
	if !call.amount.Equal(want) {
		t.Fatalf("forwarded %s, want %s", call.amount, want)
	}
	got, _ := f.store.Get(ctx, sess.ID)
	if got.Settlement.FeeTaken || !got.Settlement.FeeAmount.IsZero() {
		t.Fatalf("settlement = %+v, want no fee", got.Settlement)
	}
}

func TestForwardIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	sess := f.completedSession(t, "BTC", "bc1qAddr1", "0.5", "533")

	if err := f.coord.Forward(ctx, sess.ID); err != nil {
		t.Fatalf("first Forward: %v", err)
	}
	if err := f.coord.Forward(ctx, sess.ID); err != nil {
		t.Fatalf("second Forward: %v", err)
	}
	if f.wallet.transferCount() != 1 {
		t.Fatalf("transfers = %d, want exactly 1", f.wallet.transferCount())
	}
}

func TestConcurrentForwardsSendOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	f.wallet.delay = 20 * time.Millisecond
	ctx := context.Background()

	sess := f.completedSession(t, "BTC", "bc1qAddr1", "0.5", "533")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.coord.Forward(ctx, sess.ID); err != nil {
				t.Errorf("Forward: %v", err)
			}
		}()
	}
	wg.Wait()

	if f.wallet.transferCount() != 1 {
		t.Fatalf("transfers = %d, want exactly 1", f.wallet.transferCount())
	}
}

func TestForwardSkipsNonCompleted(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	sess, err := f.store.Create(ctx, storage.SessionSpec{
		UserID:            "user-1",
		Currency:          "BTC",
		PaymentAddress:    "bc1qAddr1",
		ForwardingAddress: "bc1qDest",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.coord.Forward(ctx, sess.ID); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if f.wallet.transferCount() != 0 {
		t.Fatal("pending session must not be forwarded")
	}
}

func TestForwardFailureRecordedAndRetried(t *testing.T) {
	f := newFixture(t, testConfig())
	f.wallet.failures = 1
	ctx := context.Background()

	sess := f.completedSession(t, "BTC", "bc1qAddr1", "0.5", "533")

	// First attempt fails; the session records it and stays completed.
	if err := f.coord.Forward(ctx, sess.ID); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got, _ := f.store.Get(ctx, sess.ID)
	if !got.Settlement.AutoForwardFailed || got.Settlement.AutoForwarded {
		t.Fatalf("settlement = %+v", got.Settlement)
	}
	if got.Status != storage.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	retried, err := f.coord.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if retried != 1 {
		t.Fatalf("retried = %d, want 1", retried)
	}
	got, _ = f.store.Get(ctx, sess.ID)
	if !got.Settlement.AutoForwarded || got.Settlement.AutoForwardFailed {
		t.Fatalf("settlement after retry = %+v", got.Settlement)
	}

	// Nothing left to retry.
	retried, _ = f.coord.RetryFailed(ctx)
	if retried != 0 {
		t.Fatalf("second retry pass retried %d, want 0", retried)
	}
}

func TestForwardInsufficientForNetworkFee(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	// Received less than the network fee reserve.
	sess := f.completedSession(t, "BTC", "bc1qAddr1", "0.00005", "3")

	if err := f.coord.Forward(ctx, sess.ID); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if f.wallet.transferCount() != 0 {
		t.Fatal("dust payment must not be forwarded")
	}
	got, _ := f.store.Get(ctx, sess.ID)
	if !got.Settlement.AutoForwardFailed {
		t.Fatal("expected a recorded failure")
	}
}

func TestCollectFeesBatchesUTXO(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	a := f.completedSession(t, "BTC", "bc1qAddrA", "0.5", "533")
	b := f.completedSession(t, "BTC", "bc1qAddrB", "0.8", "850")
	small := f.completedSession(t, "BTC", "bc1qAddrC", "0.004", "120") // below threshold, no fee
	for _, id := range []string{a.ID, b.ID, small.ID} {
		if err := f.coord.Forward(ctx, id); err != nil {
			t.Fatalf("Forward: %v", err)
		}
	}

	report, err := f.coord.CollectFees(ctx, "BTC")
	if err != nil {
		t.Fatalf("CollectFees: %v", err)
	}
	if report.Collected != 2 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(f.wallet.consolidations) != 1 {
		t.Fatalf("consolidations = %d, want one batch", len(f.wallet.consolidations))
	}
	if len(f.wallet.consolidations[0]) != 2 {
		t.Fatalf("batch inputs = %d, want 2", len(f.wallet.consolidations[0]))
	}

	for _, id := range []string{a.ID, b.ID} {
		got, _ := f.store.Get(ctx, id)
		if !got.Settlement.FeesCollected {
			t.Fatalf("session %s fees not marked collected", id)
		}
	}

	// A second run finds nothing to sweep.
	report, err = f.coord.CollectFees(ctx, "BTC")
	if err != nil {
		t.Fatalf("second CollectFees: %v", err)
	}
	if report.Collected != 0 || len(f.wallet.consolidations) != 1 {
		t.Fatal("fee collection must not repeat")
	}
}

func TestCollectFeesAccountStylePerSession(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	ctx := context.Background()

	a := f.completedSession(t, "ETH", "0xAddrA", "0.2", "600")
	b := f.completedSession(t, "ETH", "0xAddrB", "0.3", "900")
	for _, id := range []string{a.ID, b.ID} {
		if err := f.coord.Forward(ctx, id); err != nil {
			t.Fatalf("Forward: %v", err)
		}
	}
	forwards := f.wallet.transferCount()

	// First fee transfer fails, second succeeds.
	f.wallet.failures = 1
	report, err := f.coord.CollectFees(ctx, "ETH")
	if err != nil {
		t.Fatalf("CollectFees: %v", err)
	}
	if report.Collected != 1 || len(report.Failed) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := f.wallet.transferCount() - forwards; got != 1 {
		t.Fatalf("fee transfers = %d, want 1 recorded", got)
	}
	if len(f.wallet.consolidations) != 0 {
		t.Fatal("account-style chains must not consolidate")
	}

	// The failed session is picked up on the next run.
	report, err = f.coord.CollectFees(ctx, "ETH")
	if err != nil {
		t.Fatalf("second CollectFees: %v", err)
	}
	if report.Collected != 1 || len(report.Failed) != 0 {
		t.Fatalf("second report = %+v", report)
	}
}

func TestCollectFeesRequiresTreasury(t *testing.T) {
	cfg := testConfig()
	delete(cfg.TreasuryAddresses, "BTC")
	f := newFixture(t, cfg)

	if _, err := f.coord.CollectFees(context.Background(), "BTC"); err == nil {
		t.Fatal("expected error without a treasury address")
	}
}

type balanceMonitor struct {
	balances map[string]decimal.Decimal
	failing  bool
}

func (m *balanceMonitor) TransactionStatus(context.Context, string, string) (signer.TxStatus, error) {
	return signer.TxStatus{}, errors.New("not implemented")
}

func (m *balanceMonitor) AddressBalance(_ context.Context, _, address string) (decimal.Decimal, error) {
	if m.failing {
		return decimal.Zero, errors.New("monitor down")
	}
	return m.balances[address], nil
}

func TestCollectFeesSkipsEmptiedAddresses(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	a := f.completedSession(t, "BTC", "bc1qAddrA", "0.5", "533")
	b := f.completedSession(t, "BTC", "bc1qAddrB", "0.8", "850")
	for _, id := range []string{a.ID, b.ID} {
		if err := f.coord.Forward(ctx, id); err != nil {
			t.Fatalf("Forward: %v", err)
		}
	}

	// Address A still holds its fee on chain; address B was emptied.
	f.coord.WithChainMonitor(&balanceMonitor{balances: map[string]decimal.Decimal{
		"bc1qAddrA": decimal.RequireFromString("1"),
		"bc1qAddrB": decimal.Zero,
	}})

	report, err := f.coord.CollectFees(ctx, "BTC")
	if err != nil {
		t.Fatalf("CollectFees: %v", err)
	}
	if report.Collected != 1 {
		t.Fatalf("report = %+v, want one collection", report)
	}
	if len(f.wallet.consolidations) != 1 || len(f.wallet.consolidations[0]) != 1 {
		t.Fatal("expected a single-input batch")
	}

	gotB, _ := f.store.Get(ctx, b.ID)
	if gotB.Settlement.FeesCollected {
		t.Fatal("emptied address must stay uncollected")
	}
}

func TestCollectFeesProceedsWhenMonitorDown(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	a := f.completedSession(t, "BTC", "bc1qAddrA", "0.5", "533")
	if err := f.coord.Forward(ctx, a.ID); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	f.coord.WithChainMonitor(&balanceMonitor{failing: true})

	report, err := f.coord.CollectFees(ctx, "BTC")
	if err != nil {
		t.Fatalf("CollectFees: %v", err)
	}
	if report.Collected != 1 {
		t.Fatalf("report = %+v, want collection despite monitor outage", report)
	}
}
