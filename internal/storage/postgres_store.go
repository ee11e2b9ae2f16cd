package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/currency"
	"github.com/TessaraPay/gateway/internal/dbpool"
	"github.com/TessaraPay/gateway/internal/metrics"
)

// PostgresStore implements SessionStore using PostgreSQL. Per-session
// serialization comes from SELECT ... FOR UPDATE row locks: every convenience
// mutator loads the row under the lock, applies the shared transition logic,
// and writes the result back in the same transaction.
type PostgresStore struct {
	db         *sql.DB
	sessionTTL time.Duration
	metrics    *metrics.Metrics
}

// NewPostgresStore opens a connection pool and bootstraps the schema.
// The metrics collector may be nil.
func NewPostgresStore(connectionString string, sessionTTL time.Duration, m *metrics.Metrics) (*PostgresStore, error) {
	db, err := dbpool.Open(connectionString, dbpool.PoolConfig{})
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{db: db, sessionTTL: sessionTTL, metrics: m}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS payment_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			payment_address TEXT NOT NULL,
			payment_address_lower TEXT NOT NULL,
			forwarding_address TEXT NOT NULL,
			address_index BIGINT NOT NULL DEFAULT 0,
			expected_amount NUMERIC(38, 18) NOT NULL DEFAULT 0,
			received_amount NUMERIC(38, 18) NOT NULL DEFAULT 0,
			confirmations INTEGER NOT NULL DEFAULT 0,
			required_confirmations INTEGER NOT NULL,
			status TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			block_height BIGINT NOT NULL DEFAULT 0,
			settlement JSONB NOT NULL DEFAULT '{}'::jsonb,
			metadata JSONB,
			history JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			detected_at TIMESTAMPTZ,
			confirmed_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS payment_sessions_active_address
			ON payment_sessions (payment_address_lower)
			WHERE status IN ('pending', 'detected', 'confirming');

		CREATE INDEX IF NOT EXISTS payment_sessions_user_id
			ON payment_sessions (user_id);

		CREATE INDEX IF NOT EXISTS payment_sessions_status
			ON payment_sessions (status);

		CREATE TABLE IF NOT EXISTS address_indexes (
			currency TEXT PRIMARY KEY,
			next_index BIGINT NOT NULL DEFAULT 0
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, currency, payment_address, forwarding_address,
	address_index, expected_amount, received_amount, confirmations,
	required_confirmations, status, tx_hash, block_height, settlement,
	metadata, history, created_at, updated_at, expires_at,
	detected_at, confirmed_at, completed_at`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (PaymentSession, error) {
	var (
		sess                        PaymentSession
		expected, received          string
		settlementJSON, historyJSON []byte
		metadataJSON                []byte
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Currency, &sess.PaymentAddress, &sess.ForwardingAddress,
		&sess.AddressIndex, &expected, &received, &sess.Confirmations,
		&sess.RequiredConfirmations, &sess.Status, &sess.TxHash, &sess.BlockHeight, &settlementJSON,
		&metadataJSON, &historyJSON, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt,
		&sess.DetectedAt, &sess.ConfirmedAt, &sess.CompletedAt,
	)
	if err != nil {
		return PaymentSession{}, err
	}

	if sess.ExpectedAmount, err = decimal.NewFromString(expected); err != nil {
		return PaymentSession{}, fmt.Errorf("parse expected_amount: %w", err)
	}
	if sess.ReceivedAmount, err = decimal.NewFromString(received); err != nil {
		return PaymentSession{}, fmt.Errorf("parse received_amount: %w", err)
	}
	if err := json.Unmarshal(settlementJSON, &sess.Settlement); err != nil {
		return PaymentSession{}, fmt.Errorf("parse settlement: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &sess.History); err != nil {
		return PaymentSession{}, fmt.Errorf("parse history: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sess.Metadata); err != nil {
			return PaymentSession{}, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return sess, nil
}

// writeSession persists all mutable fields of a loaded session.
func writeSession(ctx context.Context, tx *sql.Tx, sess *PaymentSession) error {
	settlementJSON, err := json.Marshal(sess.Settlement)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	historyJSON, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	var metadataJSON []byte
	if sess.Metadata != nil {
		if metadataJSON, err = json.Marshal(sess.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_sessions SET
			forwarding_address = $2,
			expected_amount = $3,
			received_amount = $4,
			confirmations = $5,
			status = $6,
			tx_hash = $7,
			block_height = $8,
			settlement = $9,
			metadata = $10,
			history = $11,
			updated_at = $12,
			expires_at = $13,
			detected_at = $14,
			confirmed_at = $15,
			completed_at = $16
		WHERE id = $1`,
		sess.ID, sess.ForwardingAddress, sess.ExpectedAmount.String(), sess.ReceivedAmount.String(),
		sess.Confirmations, sess.Status, sess.TxHash, sess.BlockHeight, settlementJSON,
		metadataJSON, historyJSON, sess.UpdatedAt, sess.ExpiresAt,
		sess.DetectedAt, sess.ConfirmedAt, sess.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// withSessionTx runs fn on the row-locked session and writes it back if fn
// reports a change. This is the postgres form of the per-session lock.
func (s *PostgresStore) withSessionTx(ctx context.Context, id string, fn func(sess *PaymentSession) (bool, error)) (PaymentSession, error) {
	defer metrics.MeasureDBQuery(s.metrics, "session_tx", "postgres")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PaymentSession{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1 FOR UPDATE`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentSession{}, ErrNotFound
	}
	if err != nil {
		return PaymentSession{}, err
	}

	changed, fnErr := fn(&sess)
	if changed {
		if err := writeSession(ctx, tx, &sess); err != nil {
			return PaymentSession{}, err
		}
		if err := tx.Commit(); err != nil {
			return PaymentSession{}, fmt.Errorf("commit: %w", err)
		}
	}
	return sess, fnErr
}

// Create inserts a new session, relying on the partial unique index to
// enforce one active session per payment address.
func (s *PostgresStore) Create(ctx context.Context, spec SessionSpec) (PaymentSession, error) {
	defer metrics.MeasureDBQuery(s.metrics, "create_session", "postgres")()

	cur, err := validateSpec(spec)
	if err != nil {
		return PaymentSession{}, err
	}

	now := time.Now().UTC()
	expiresAt := spec.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.sessionTTL)
	}

	sess := PaymentSession{
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
		History:   []HistoryEntry{},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}

	settlementJSON, _ := json.Marshal(sess.Settlement)
	var metadataJSON []byte
	if sess.Metadata != nil {
		metadataJSON, _ = json.Marshal(sess.Metadata)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payment_sessions (
			id, user_id, currency, payment_address, payment_address_lower,
			forwarding_address, address_index, expected_amount, received_amount,
			confirmations, required_confirmations, status, tx_hash, block_height,
			settlement, metadata, history, created_at, updated_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,0,$9,$10,'',0,$11,$12,'[]'::jsonb,$13,$13,$14)`,
		sess.ID, sess.UserID, sess.Currency, sess.PaymentAddress, strings.ToLower(sess.PaymentAddress),
		sess.ForwardingAddress, sess.AddressIndex, sess.ExpectedAmount.String(),
		sess.RequiredConfirmations, sess.Status, settlementJSON, metadataJSON,
		sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return PaymentSession{}, fmt.Errorf("%w: %s", ErrAddressInUse, spec.PaymentAddress)
		}
		return PaymentSession{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (PaymentSession, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_session", "postgres")()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentSession{}, ErrNotFound
	}
	return sess, err
}

func (s *PostgresStore) GetByAddress(ctx context.Context, address string) (PaymentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions
		 WHERE payment_address_lower = $1
		 ORDER BY created_at DESC LIMIT 1`, strings.ToLower(address))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentSession{}, ErrNotFound
	}
	return sess, err
}

func (s *PostgresStore) GetByUser(ctx context.Context, userID string) ([]PaymentSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions
		 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions by user: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses ...SessionStatus) ([]PaymentSession, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	defer metrics.MeasureDBQuery(s.metrics, "list_by_status", "postgres")()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions
		 WHERE status = ANY($1) ORDER BY created_at ASC`, pq.Array(vals))
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]PaymentSession, error) {
	var out []PaymentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, id string, fields UpdateFields) (PaymentSession, error) {
	return s.withSessionTx(ctx, id, func(sess *PaymentSession) (bool, error) {
		if sess.Status.Terminal() && (fields.ForwardingAddress != nil || fields.ExpectedAmount != nil || fields.ExpiresAt != nil) {
			return false, ErrTerminalState
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
		return true, nil
	})
}

func (s *PostgresStore) AppendHistory(ctx context.Context, id string, entry HistoryEntry) error {
	_, err := s.withSessionTx(ctx, id, func(sess *PaymentSession) (bool, error) {
		appendEntry(sess, entry)
		return true, nil
	})
	return err
}

func (s *PostgresStore) MarkDetected(ctx context.Context, id, txHash string, amount decimal.Decimal, blockHeight int64) (PaymentSession, bool, error) {
	var changed bool
	sess, err := s.withSessionTx(ctx, id, func(sess *PaymentSession) (bool, error) {
		var err error
		changed, err = applyDetected(sess, txHash, amount, blockHeight)
		return changed, err
	})
	return sess, changed, err
}

func (s *PostgresStore) UpdateConfirmations(ctx context.Context, id string, confirmations int, blockHeight int64) (PaymentSession, bool, error) {
	var changed bool
	sess, err := s.withSessionTx(ctx, id, func(sess *PaymentSession) (bool, error) {
		var err error
		changed, err = applyConfirmations(sess, confirmations, blockHeight)
		return changed, err
	})
	return sess, changed, err
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, mismatch MismatchKind) (PaymentSession, bool, error) {
	var changed bool
	sess, err := s.withSessionTx(ctx, id, func(sess *PaymentSession) (bool, error) {
		changed = applyCompleted(sess, mismatch)
		return changed, nil
	})
	return sess, changed, err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string) (PaymentSession, error) {
	return s.withSessionTx(ctx, id, func(sess *PaymentSession) (bool, error) {
		if err := applyFailed(sess, reason); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *PostgresStore) Cancel(ctx context.Context, id string) (PaymentSession, error) {
	return s.withSessionTx(ctx, id, func(sess *PaymentSession) (bool, error) {
		if err := applyCancelled(sess); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *PostgresStore) RecordForwardSuccess(ctx context.Context, id, txHash string, forwarded, fee decimal.Decimal, feeTaken bool, feePercent float64) (PaymentSession, error) {
	return s.withSessionTx(ctx, id, func(sess *PaymentSession) (bool, error) {
		return applyForwardSuccess(sess, txHash, forwarded, fee, feeTaken, feePercent), nil
	})
}

func (s *PostgresStore) RecordForwardFailure(ctx context.Context, id, reason string) (PaymentSession, error) {
	return s.withSessionTx(ctx, id, func(sess *PaymentSession) (bool, error) {
		applyForwardFailure(sess, reason)
		return true, nil
	})
}

func (s *PostgresStore) MarkFeesCollected(ctx context.Context, id, txHash string) (PaymentSession, error) {
	return s.withSessionTx(ctx, id, func(sess *PaymentSession) (bool, error) {
		return applyFeesCollected(sess, txHash), nil
	})
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payment_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextAddressIndex atomically advances the per-currency derivation counter.
func (s *PostgresStore) NextAddressIndex(ctx context.Context, currencyCode string) (uint32, error) {
	cur, err := currency.Lookup(currencyCode)
	if err != nil {
		return 0, err
	}

	var next int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO address_indexes (currency, next_index) VALUES ($1, 1)
		ON CONFLICT (currency) DO UPDATE SET next_index = address_indexes.next_index + 1
		RETURNING next_index - 1`, cur.Code).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("advance address index: %w", err)
	}
	return uint32(next), nil
}

func (s *PostgresStore) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	entry := HistoryEntry{
		ID:        uuid.NewString(),
		Type:      HistoryExpired,
		Status:    StatusExpired,
		Timestamp: now.UTC(),
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = $1, updated_at = $2, history = history || $3::jsonb
		WHERE status = $4 AND expires_at < $2`,
		StatusExpired, now.UTC(), entryJSON, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
