package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/circuitbreaker"
	"github.com/TessaraPay/gateway/internal/config"
	"github.com/TessaraPay/gateway/internal/confirm"
	"github.com/TessaraPay/gateway/internal/events"
	"github.com/TessaraPay/gateway/internal/idempotency"
	"github.com/TessaraPay/gateway/internal/reconcile"
	"github.com/TessaraPay/gateway/internal/settlement"
	"github.com/TessaraPay/gateway/internal/signer"
	"github.com/TessaraPay/gateway/internal/storage"
)

const (
	testWebhookSecret = "hook-secret"
	testAdminKey      = "admin-key"
)

type fakeMonitor struct {
	statuses map[string]signer.TxStatus
}

func (m *fakeMonitor) TransactionStatus(_ context.Context, _, txHash string) (signer.TxStatus, error) {
	status, ok := m.statuses[txHash]
	if !ok {
		return signer.TxStatus{}, errors.New("unknown transaction")
	}
	return status, nil
}

func (m *fakeMonitor) AddressBalance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeWallet struct {
	transfers int
}

func (w *fakeWallet) Transfer(context.Context, string, uint32, string, decimal.Decimal) (signer.TransferReceipt, error) {
	w.transfers++
	return signer.TransferReceipt{TxHash: fmt.Sprintf("fwd-tx-%d", w.transfers)}, nil
}

func (w *fakeWallet) ConsolidateUTXOs(context.Context, string, []signer.FeeInput, string) (signer.TransferReceipt, error) {
	return signer.TransferReceipt{TxHash: "batch-tx"}, nil
}

type fixture struct {
	store  *storage.MemoryStore
	wallet *fakeWallet
	router chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore(time.Hour, time.Hour)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus(zerolog.Nop())
	processor := confirm.NewProcessor(store, bus, confirm.Config{TolerancePercent: 2}, zerolog.Nop())
	wallet := &fakeWallet{}
	coordinator := settlement.NewCoordinator(store, wallet, bus, settlement.Config{
		FeeThresholdUSD: decimal.RequireFromString("250"),
		FeeBasisPoints:  250,
		TreasuryAddresses: map[string]string{
			"BTC": "bc1qtreasury",
		},
	}, zerolog.Nop())
	bus.RegisterPaymentHook(coordinator)

	monitor := &fakeMonitor{statuses: make(map[string]signer.TxStatus)}
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})
	scheduler := reconcile.NewScheduler(store, processor, coordinator, monitor, breakers, nil, reconcile.Config{}, zerolog.Nop())

	cfg := &config.Config{}
	cfg.Webhook.Secret = testWebhookSecret
	cfg.Server.AdminAPIKey = testAdminKey

	idemStore := idempotency.NewMemoryStore()
	t.Cleanup(idemStore.Stop)

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, store, processor, coordinator, scheduler, idemStore, nil, zerolog.Nop())

	return &fixture{store: store, wallet: wallet, router: router}
}

func (f *fixture) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) createSession(t *testing.T, address string, expected string) storage.PaymentSession {
	t.Helper()
	sess, err := f.store.Create(context.Background(), storage.SessionSpec{
		UserID:            "user-1",
		Currency:          "BTC",
		PaymentAddress:    address,
		ForwardingAddress: "bc1qmerchant",
		ExpectedAmount:    decimal.RequireFromString(expected),
	})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func webhookHeaders() map[string]string {
	return map[string]string{"X-Webhook-Secret": testWebhookSecret}
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminKey}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, w.Body.String())
	}
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/webhooks/chain", map[string]any{"tx_hash": "tx-1"}, map[string]string{
		"X-Webhook-Secret": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad secret, got %d", w.Code)
	}
}

func TestWebhookAcksMalformedPayload(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/chain", bytes.NewBufferString("{not json"))
	req.Header.Set("X-Webhook-Secret", testWebhookSecret)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 ack for malformed payload, got %d", w.Code)
	}
	ack := decodeBody[webhookAck](t, w)
	if ack.Status != "ignored" {
		t.Errorf("expected ignored status, got %q", ack.Status)
	}
}

func TestWebhookAcksUnknownAddress(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/webhooks/chain", map[string]any{
		"tx_hash":   "tx-1",
		"addresses": []string{"bc1qnobody"},
	}, webhookHeaders())

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", w.Code)
	}
	ack := decodeBody[webhookAck](t, w)
	if ack.Status != "ignored" {
		t.Errorf("expected ignored status, got %q", ack.Status)
	}
}

func TestWebhookDetectsPayment(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, "bc1qpayment", "1")

	w := f.request(t, http.MethodPost, "/webhooks/chain", map[string]any{
		"tx_hash":         "tx-1",
		"addresses":       []string{sess.PaymentAddress},
		"confirmations":   0,
		"received_atomic": int64(100_000_000),
	}, webhookHeaders())

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	ack := decodeBody[webhookAck](t, w)
	if ack.Status != "accepted" || ack.Outcome != string(confirm.OutcomeDetected) {
		t.Fatalf("unexpected ack %+v", ack)
	}

	got, err := f.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusDetected {
		t.Errorf("expected detected status, got %s", got.Status)
	}
}

func TestWebhookAddressMatchIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "0xAbCdEf1234567890", "1")

	w := f.request(t, http.MethodPost, "/webhooks/chain", map[string]any{
		"tx_hash":         "tx-1",
		"addresses":       []string{"0xabcdef1234567890"},
		"received_atomic": int64(1),
	}, webhookHeaders())

	ack := decodeBody[webhookAck](t, w)
	if ack.Status != "accepted" {
		t.Fatalf("expected accepted, got %+v", ack)
	}
}

func TestWebhookCompletionTriggersSettlement(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, "bc1qsettle", "1")

	// Detection, then enough confirmations to complete
	f.request(t, http.MethodPost, "/webhooks/chain", map[string]any{
		"tx_hash":         "tx-1",
		"addresses":       []string{sess.PaymentAddress},
		"received_atomic": int64(100_000_000),
	}, webhookHeaders())
	w := f.request(t, http.MethodPost, "/webhooks/chain", map[string]any{
		"tx_hash":         "tx-1",
		"addresses":       []string{sess.PaymentAddress},
		"confirmations":   3,
		"received_atomic": int64(100_000_000),
	}, webhookHeaders())

	ack := decodeBody[webhookAck](t, w)
	if ack.Outcome != string(confirm.OutcomeCompleted) {
		t.Fatalf("expected completed outcome, got %+v", ack)
	}
	if f.wallet.transfers != 1 {
		t.Errorf("expected settlement to forward once, got %d", f.wallet.transfers)
	}
}

func TestCreateSessionEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/sessions", map[string]any{
		"user_id":            "user-1",
		"currency":           "btc",
		"payment_address":    "bc1qnew",
		"forwarding_address": "bc1qmerchant",
		"expected_amount":    "0.5",
	}, nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	sess := decodeBody[storage.PaymentSession](t, w)
	if sess.Currency != "BTC" {
		t.Errorf("expected normalized currency BTC, got %s", sess.Currency)
	}
	if sess.Status != storage.StatusPending {
		t.Errorf("expected pending status, got %s", sess.Status)
	}
	if !sess.ExpectedAmount.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("expected amount 0.5, got %s", sess.ExpectedAmount)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{
			name: "missing user",
			body: map[string]any{
				"currency":           "BTC",
				"payment_address":    "bc1qnew",
				"forwarding_address": "bc1qmerchant",
			},
		},
		{
			name: "unknown currency",
			body: map[string]any{
				"user_id":            "user-1",
				"currency":           "XRP",
				"payment_address":    "bc1qnew",
				"forwarding_address": "bc1qmerchant",
			},
		},
		{
			name: "bad amount",
			body: map[string]any{
				"user_id":            "user-1",
				"currency":           "BTC",
				"payment_address":    "bc1qnew",
				"forwarding_address": "bc1qmerchant",
				"expected_amount":    "one bitcoin",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.request(t, http.MethodPost, "/sessions", tt.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestCreateSessionAddressConflict(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "bc1qbusy", "1")

	w := f.request(t, http.MethodPost, "/sessions", map[string]any{
		"user_id":            "user-2",
		"currency":           "BTC",
		"payment_address":    "bc1qbusy",
		"forwarding_address": "bc1qmerchant",
	}, nil)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for busy address, got %d", w.Code)
	}
}

func TestCreateSessionIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{
		"user_id":            "user-1",
		"currency":           "BTC",
		"payment_address":    "bc1qidem",
		"forwarding_address": "bc1qmerchant",
	}
	headers := map[string]string{"Idempotency-Key": "create-1"}

	first := f.request(t, http.MethodPost, "/sessions", body, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}

	// A retry with the same key replays instead of hitting the address
	// conflict path.
	second := f.request(t, http.MethodPost, "/sessions", body, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Error("expected replay marker")
	}

	firstSess := decodeBody[storage.PaymentSession](t, first)
	secondSess := decodeBody[storage.PaymentSession](t, second)
	if firstSess.ID != secondSess.ID {
		t.Errorf("replay returned different session: %s vs %s", firstSess.ID, secondSess.ID)
	}
}

func TestGetSession(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, "bc1qget", "1")

	w := f.request(t, http.MethodGet, "/sessions/"+sess.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = f.request(t, http.MethodGet, "/sessions/does-not-exist", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListSessionsByUser(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "bc1qone", "1")
	f.createSession(t, "bc1qtwo", "2")

	w := f.request(t, http.MethodGet, "/sessions?user=user-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody[map[string]json.RawMessage](t, w)
	var count int
	if err := json.Unmarshal(body["count"], &count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected 2 sessions, got %d", count)
	}

	w = f.request(t, http.MethodGet, "/sessions", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user param, got %d", w.Code)
	}
}

func TestCancelSession(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, "bc1qcancel", "1")

	w := f.request(t, http.MethodPost, "/sessions/"+sess.ID+"/cancel", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	// Cancelling a terminal session conflicts
	w = f.request(t, http.MethodPost, "/sessions/"+sess.ID+"/cancel", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second cancel, got %d", w.Code)
	}
}

func TestDeleteSessionRequiresAdminKey(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, "bc1qdelete", "1")

	w := f.request(t, http.MethodDelete, "/sessions/"+sess.ID, nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}

	w = f.request(t, http.MethodDelete, "/sessions/"+sess.ID, nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", w.Code)
	}

	if _, err := f.store.Get(context.Background(), sess.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected session gone, got %v", err)
	}
}

func TestAllocateAddressIndex(t *testing.T) {
	f := newFixture(t)

	first := decodeBody[allocateIndexResponse](t, f.request(t, http.MethodPost, "/sessions/address-index", map[string]any{"currency": "BTC"}, nil))
	second := decodeBody[allocateIndexResponse](t, f.request(t, http.MethodPost, "/sessions/address-index", map[string]any{"currency": "BTC"}, nil))

	if second.AddressIndex != first.AddressIndex+1 {
		t.Errorf("expected sequential indexes, got %d then %d", first.AddressIndex, second.AddressIndex)
	}

	w := f.request(t, http.MethodPost, "/sessions/address-index", map[string]any{"currency": "XRP"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported currency, got %d", w.Code)
	}
}

func TestAdminReconcileEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/admin/reconcile", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}

	w = f.request(t, http.MethodPost, "/admin/reconcile", nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d (%s)", w.Code, w.Body.String())
	}
	stats := decodeBody[reconcile.Stats](t, w)
	if stats.Checked != 0 {
		t.Errorf("expected empty pass, got %+v", stats)
	}
}

func TestAdminCollectFeesEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/admin/collect-fees", map[string]any{"currency": "BTC"}, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	report := decodeBody[settlement.CollectReport](t, w)
	if report.Collected != 0 {
		t.Errorf("expected nothing to collect, got %+v", report)
	}
}

func TestMetricsEndpointGuardedByAdminKey(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with key configured, got %d", w.Code)
	}

	w = f.request(t, http.MethodGet, "/metrics", nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", w.Code)
	}
}
