package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/currency"
	"github.com/TessaraPay/gateway/internal/metrics"
)

// ErrNotFound is returned when a requested session is missing from the store.
var ErrNotFound = errors.New("storage: session not found")

// ErrTerminalState is returned when a mutation targets a session whose status
// is terminal. Callers translate this into an idempotent no-op.
var ErrTerminalState = errors.New("storage: session in terminal state")

// ErrAddressInUse is returned when a payment address is already owned by an
// active session. Exactly one session may watch a given address at a time.
var ErrAddressInUse = errors.New("storage: payment address already in use")

// SessionStore captures the persistence requirements for payment sessions.
//
// Every convenience mutator (MarkDetected, UpdateConfirmations, MarkCompleted,
// ...) both mutates fields and appends a history entry atomically with respect
// to other mutators on the same session id, and re-checks the terminal-state
// guard under the store's lock. The bool returned by the three observation
// mutators reports whether the call actually changed state; duplicate or
// stale inputs return false so callers never double-fire events.
//
// All reads return independent deep copies; callers never alias internal
// state.
type SessionStore interface {
	Create(ctx context.Context, spec SessionSpec) (PaymentSession, error)
	Get(ctx context.Context, id string) (PaymentSession, error)
	// GetByAddress resolves the active session watching an address.
	// Matching is case-insensitive to tolerate hex-style address casing.
	GetByAddress(ctx context.Context, address string) (PaymentSession, error)
	GetByUser(ctx context.Context, userID string) ([]PaymentSession, error)
	ListByStatus(ctx context.Context, statuses ...SessionStatus) ([]PaymentSession, error)

	// Update applies a partial update. Identity fields (id, user id, payment
	// address, creation time) are not representable in UpdateFields and can
	// never be changed.
	Update(ctx context.Context, id string, fields UpdateFields) (PaymentSession, error)
	AppendHistory(ctx context.Context, id string, entry HistoryEntry) error

	MarkDetected(ctx context.Context, id, txHash string, amount decimal.Decimal, blockHeight int64) (PaymentSession, bool, error)
	UpdateConfirmations(ctx context.Context, id string, confirmations int, blockHeight int64) (PaymentSession, bool, error)
	MarkCompleted(ctx context.Context, id string, mismatch MismatchKind) (PaymentSession, bool, error)
	MarkFailed(ctx context.Context, id, reason string) (PaymentSession, error)
	Cancel(ctx context.Context, id string) (PaymentSession, error)

	RecordForwardSuccess(ctx context.Context, id, txHash string, forwarded, fee decimal.Decimal, feeTaken bool, feePercent float64) (PaymentSession, error)
	RecordForwardFailure(ctx context.Context, id, reason string) (PaymentSession, error)
	MarkFeesCollected(ctx context.Context, id, txHash string) (PaymentSession, error)

	// Delete is an explicit administrative operation; sessions are never
	// deleted automatically.
	Delete(ctx context.Context, id string) error

	// NextAddressIndex returns the next unused derivation index for the
	// currency and advances the persisted counter.
	NextAddressIndex(ctx context.Context, currencyCode string) (uint32, error)

	// ExpireStale transitions pending sessions past their deadline to the
	// expired status. Returns the number of sessions transitioned.
	ExpireStale(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// Config holds storage backend configuration.
type Config struct {
	Backend         string // "memory", "postgres", "mongodb", or "file"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	FilePath        string
	SessionTTL      time.Duration // default expiry for sessions created without a deadline
	SweepInterval   time.Duration // how often the expiry sweep runs

	// Metrics receives query timings from the postgres backend. Optional.
	Metrics *metrics.Metrics
}

// NewStore creates a SessionStore based on the provided configuration.
// With no explicit backend, the first configured URL wins (postgres, then
// mongodb), falling back to file storage for local development.
func NewStore(cfg Config) (SessionStore, error) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(cfg.SessionTTL, cfg.SweepInterval), nil
	case "":
		if cfg.PostgresURL != "" {
			return NewPostgresStore(cfg.PostgresURL, cfg.SessionTTL, cfg.Metrics)
		}
		if cfg.MongoDBURL != "" {
			if cfg.MongoDBDatabase == "" {
				cfg.MongoDBDatabase = "tessara_gateway"
			}
			return NewMongoStore(cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.SessionTTL)
		}
		if cfg.FilePath == "" {
			cfg.FilePath = "./data/tessara-gateway.db"
		}
		return NewFileStore(cfg.FilePath, cfg.SessionTTL, cfg.SweepInterval)
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.SessionTTL, cfg.Metrics)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoStore(cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.SessionTTL)
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file backend requires file_path")
		}
		return NewFileStore(cfg.FilePath, cfg.SessionTTL, cfg.SweepInterval)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// MemoryStore is the in-memory SessionStore implementation. It is the
// canonical reference for mutation semantics; the file backend reuses it and
// adds durability.
//
// A single RWMutex serializes all mutators so "check terminal state, then
// apply the transition" is atomic. Mutations are pure in-memory operations,
// so coarse serialization is cheap; no network I/O ever happens under this
// lock.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*PaymentSession // id -> session (authoritative)
	byAddress     map[string]string          // lower(address) -> id (secondary index)
	byUser        map[string][]string        // userID -> ids (secondary index)
	addressIndex  map[string]uint32          // currency -> next derivation index
	sessionTTL    time.Duration
	sweepInterval time.Duration

	onMutate func() // optional durability hook, invoked with mu held

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore constructs a MemoryStore and starts the expiry sweep.
func NewMemoryStore(sessionTTL, sweepInterval time.Duration) *MemoryStore {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	m := &MemoryStore{
		sessions:      make(map[string]*PaymentSession),
		byAddress:     make(map[string]string),
		byUser:        make(map[string][]string),
		addressIndex:  make(map[string]uint32),
		sessionTTL:    sessionTTL,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// sweepLoop periodically expires stale pending sessions.
func (m *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	defer close(m.sweepDone)

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			_, _ = m.ExpireStale(context.Background(), time.Now())
		}
	}
}

// Close stops the expiry sweep.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopSweep)
		<-m.sweepDone
	})
	return nil
}

// markMutated invokes the durability hook if one is attached. Callers hold mu.
func (m *MemoryStore) markMutated() {
	if m.onMutate != nil {
		m.onMutate()
	}
}

// Create stores a new session after validating the spec and the address
// uniqueness invariant.
func (m *MemoryStore) Create(_ context.Context, spec SessionSpec) (PaymentSession, error) {
	cur, err := validateSpec(spec)
	if err != nil {
		return PaymentSession{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	addrKey := strings.ToLower(spec.PaymentAddress)
	if existingID, ok := m.byAddress[addrKey]; ok {
		if existing := m.sessions[existingID]; existing != nil && !existing.Status.Terminal() {
			return PaymentSession{}, fmt.Errorf("%w: %s", ErrAddressInUse, spec.PaymentAddress)
		}
	}

	now := time.Now().UTC()
	expiresAt := spec.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(m.sessionTTL)
	}

	sess := &PaymentSession{
		ID:                    uuid.NewString(),
		UserID:                spec.UserID,
		Currency:              cur.Code,
		PaymentAddress:        spec.PaymentAddress,
		ForwardingAddress:     spec.ForwardingAddress,
		AddressIndex:          spec.AddressIndex,
		ExpectedAmount:        spec.ExpectedAmount,
		ReceivedAmount:        decimal.Zero,
		RequiredConfirmations: cur.RequiredConfirmations,
		Status:                StatusPending,
		Settlement: SettlementRecord{
			PartialPayment: spec.PartialPayment,
			AmountUSD:      spec.AmountUSD,
		},
		Metadata:  cloneMetadata(spec.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}

	m.sessions[sess.ID] = sess
	m.byAddress[addrKey] = sess.ID
	m.byUser[sess.UserID] = append(m.byUser[sess.UserID], sess.ID)
	m.markMutated()

	return sess.Clone(), nil
}

// Get retrieves a session copy by id.
func (m *MemoryStore) Get(_ context.Context, id string) (PaymentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, ErrNotFound
	}
	return sess.Clone(), nil
}

// GetByAddress resolves a session by payment address, case-insensitively.
func (m *MemoryStore) GetByAddress(_ context.Context, address string) (PaymentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAddress[strings.ToLower(address)]
	if !ok {
		return PaymentSession{}, ErrNotFound
	}
	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, ErrNotFound
	}
	return sess.Clone(), nil
}

// GetByUser returns all sessions belonging to a user, newest first.
func (m *MemoryStore) GetByUser(_ context.Context, userID string) ([]PaymentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byUser[userID]
	out := make([]PaymentSession, 0, len(ids))
	for _, id := range ids {
		if sess, ok := m.sessions[id]; ok {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListByStatus returns sessions in any of the given statuses.
func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...SessionStatus) ([]PaymentSession, error) {
	want := make(map[SessionStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PaymentSession
	for _, sess := range m.sessions {
		if want[sess.Status] {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update applies a partial update. Non-metadata fields are rejected once the
// session is terminal.
func (m *MemoryStore) Update(_ context.Context, id string, fields UpdateFields) (PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, ErrNotFound
	}
	if sess.Status.Terminal() && (fields.ForwardingAddress != nil || fields.ExpectedAmount != nil || fields.ExpiresAt != nil) {
		return PaymentSession{}, ErrTerminalState
	}

	if fields.ForwardingAddress != nil {
		sess.ForwardingAddress = *fields.ForwardingAddress
	}
	if fields.ExpectedAmount != nil {
		sess.ExpectedAmount = *fields.ExpectedAmount
	}
	if fields.ExpiresAt != nil {
		sess.ExpiresAt = *fields.ExpiresAt
	}
	if len(fields.Metadata) > 0 {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]string, len(fields.Metadata))
		}
		for k, v := range fields.Metadata {
			sess.Metadata[k] = v
		}
	}
	sess.UpdatedAt = time.Now().UTC()
	m.markMutated()

	return sess.Clone(), nil
}

// AppendHistory appends an audit entry without touching session fields.
func (m *MemoryStore) AppendHistory(_ context.Context, id string, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	appendEntry(sess, entry)
	m.markMutated()
	return nil
}

// appendEntry stamps and appends a history entry. Callers hold the lock.
func appendEntry(sess *PaymentSession, entry HistoryEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = sess.Status
	}
	sess.History = append(sess.History, entry)
	sess.UpdatedAt = entry.Timestamp
}

// MarkDetected records an incoming transaction at zero confirmations. For
// partial-payment sessions the amount accumulates onto the running total;
// otherwise it replaces the recorded amount. Duplicate observations (same
// transaction already recorded) return changed=false without appending
// history.
func (m *MemoryStore) MarkDetected(_ context.Context, id, txHash string, amount decimal.Decimal, blockHeight int64) (PaymentSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, false, ErrNotFound
	}
	changed, err := applyDetected(sess, txHash, amount, blockHeight)
	if err != nil {
		return sess.Clone(), false, err
	}
	if changed {
		m.markMutated()
	}
	return sess.Clone(), changed, nil
}

// UpdateConfirmations advances the confirmation count. Counts never regress:
// a stale observation returns changed=false and leaves the session untouched.
func (m *MemoryStore) UpdateConfirmations(_ context.Context, id string, confirmations int, blockHeight int64) (PaymentSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, false, ErrNotFound
	}
	changed, err := applyConfirmations(sess, confirmations, blockHeight)
	if err != nil {
		return sess.Clone(), false, err
	}
	if changed {
		m.markMutated()
	}
	return sess.Clone(), changed, nil
}

// MarkCompleted transitions a session to completed. Exactly one caller
// observes changed=true; a session already terminal is a silent no-op so
// racing observers never double-fire completion.
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, mismatch MismatchKind) (PaymentSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, false, ErrNotFound
	}
	changed := applyCompleted(sess, mismatch)
	if changed {
		m.markMutated()
	}
	return sess.Clone(), changed, nil
}

// MarkFailed transitions a session to failed.
func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string) (PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, ErrNotFound
	}
	if err := applyFailed(sess, reason); err != nil {
		return sess.Clone(), err
	}
	m.markMutated()
	return sess.Clone(), nil
}

// Cancel transitions a non-terminal session to cancelled.
func (m *MemoryStore) Cancel(_ context.Context, id string) (PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, ErrNotFound
	}
	if err := applyCancelled(sess); err != nil {
		return sess.Clone(), err
	}
	m.markMutated()
	return sess.Clone(), nil
}

// RecordForwardSuccess marks a settlement as done. A session already marked
// forwarded is a no-op, which keeps retries after a slow success harmless.
func (m *MemoryStore) RecordForwardSuccess(_ context.Context, id, txHash string, forwarded, fee decimal.Decimal, feeTaken bool, feePercent float64) (PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, ErrNotFound
	}
	if applyForwardSuccess(sess, txHash, forwarded, fee, feeTaken, feePercent) {
		m.markMutated()
	}
	return sess.Clone(), nil
}

// RecordForwardFailure records a failed settlement attempt for later retry.
func (m *MemoryStore) RecordForwardFailure(_ context.Context, id, reason string) (PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, ErrNotFound
	}
	applyForwardFailure(sess, reason)
	m.markMutated()
	return sess.Clone(), nil
}

// MarkFeesCollected marks the session's retained fee as swept to treasury.
func (m *MemoryStore) MarkFeesCollected(_ context.Context, id, txHash string) (PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return PaymentSession{}, ErrNotFound
	}
	if applyFeesCollected(sess, txHash) {
		m.markMutated()
	}
	return sess.Clone(), nil
}

// Delete removes a session and its index entries.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}

	delete(m.sessions, id)
	// The address entry may already point at a newer session that reused the
	// address after this one went terminal; only remove it if it is ours.
	addrKey := strings.ToLower(sess.PaymentAddress)
	if m.byAddress[addrKey] == id {
		delete(m.byAddress, addrKey)
	}
	ids := m.byUser[sess.UserID]
	for i, sid := range ids {
		if sid == id {
			m.byUser[sess.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	m.markMutated()
	return nil
}

// NextAddressIndex advances and returns the derivation counter for a currency.
func (m *MemoryStore) NextAddressIndex(_ context.Context, currencyCode string) (uint32, error) {
	cur, err := currency.Lookup(currencyCode)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.addressIndex[cur.Code]
	m.addressIndex[cur.Code] = next + 1
	m.markMutated()
	return next, nil
}

// ExpireStale transitions pending sessions past their deadline to expired.
func (m *MemoryStore) ExpireStale(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, sess := range m.sessions {
		if sess.Status == StatusPending && now.After(sess.ExpiresAt) {
			sess.Status = StatusExpired
			appendEntry(sess, HistoryEntry{
				Type:   HistoryExpired,
				Status: StatusExpired,
			})
			count++
		}
	}
	if count > 0 {
		m.markMutated()
	}
	return count, nil
}

func cloneMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
