package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/apierrors"
	"github.com/TessaraPay/gateway/internal/currency"
	"github.com/TessaraPay/gateway/internal/logger"
	"github.com/TessaraPay/gateway/internal/storage"
	"github.com/TessaraPay/gateway/pkg/responders"
)

// createSessionRequest is posted by the address-issuance collaborator, which
// owns key derivation. The gateway allocates the derivation index; the caller
// derives the address from it and supplies both.
type createSessionRequest struct {
	UserID            string            `json:"user_id"`
	Currency          string            `json:"currency"`
	PaymentAddress    string            `json:"payment_address"`
	ForwardingAddress string            `json:"forwarding_address"`
	AddressIndex      uint32            `json:"address_index"`
	ExpectedAmount    string            `json:"expected_amount,omitempty"`
	AmountUSD         string            `json:"amount_usd,omitempty"`
	PartialPayment    bool              `json:"partial_payment,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// allocateIndexRequest reserves the next derivation index for a currency.
type allocateIndexRequest struct {
	Currency string `json:"currency"`
}

type allocateIndexResponse struct {
	Currency     string `json:"currency"`
	AddressIndex uint32 `json:"address_index"`
}

// allocateAddressIndex advances the persisted per-currency derivation counter.
// Indexes are handed out exactly once, including across restarts.
func (h handlers) allocateAddressIndex(w http.ResponseWriter, r *http.Request) {
	var req allocateIndexRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "Malformed JSON body")
		return
	}
	cur, err := currency.Lookup(req.Currency)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidCurrency, "Unsupported currency", "currency", req.Currency)
		return
	}

	index, err := h.store.NextAddressIndex(r.Context(), cur.Code)
	if err != nil {
		lg := logger.FromContext(r.Context())
		lg.Error().Err(err).Msg("httpserver.address_index_error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to allocate address index")
		return
	}

	responders.JSON(w, http.StatusOK, allocateIndexResponse{Currency: cur.Code, AddressIndex: index})
}

// createSession records a new payment session and starts watching its address.
func (h handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "Malformed JSON body")
		return
	}

	if req.UserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "user_id is required")
		return
	}
	if req.PaymentAddress == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "payment_address is required")
		return
	}
	if req.ForwardingAddress == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "forwarding_address is required")
		return
	}
	cur, err := currency.Lookup(req.Currency)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidCurrency, "Unsupported currency", "currency", req.Currency)
		return
	}

	expected, ok := parseOptionalAmount(req.ExpectedAmount)
	if !ok || expected.IsNegative() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "expected_amount must be a non-negative decimal string")
		return
	}
	amountUSD, ok := parseOptionalAmount(req.AmountUSD)
	if !ok || amountUSD.IsNegative() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "amount_usd must be a non-negative decimal string")
		return
	}

	spec := storage.SessionSpec{
		UserID:            req.UserID,
		Currency:          cur.Code,
		PaymentAddress:    req.PaymentAddress,
		ForwardingAddress: req.ForwardingAddress,
		AddressIndex:      req.AddressIndex,
		ExpectedAmount:    expected,
		AmountUSD:         amountUSD,
		PartialPayment:    req.PartialPayment,
		Metadata:          req.Metadata,
	}
	if req.ExpiresAt != nil {
		spec.ExpiresAt = *req.ExpiresAt
	}

	sess, err := h.store.Create(r.Context(), spec)
	if err != nil {
		if errors.Is(err, storage.ErrAddressInUse) {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeAddressInUse, "An active session already watches this address", "payment_address", logger.TruncateAddress(req.PaymentAddress))
			return
		}
		lg := logger.FromContext(r.Context())
		lg.Error().Err(err).Msg("httpserver.create_session_error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	if h.metrics != nil {
		h.metrics.ObserveSessionCreated(sess.Currency)
	}
	lg := logger.FromContext(r.Context())
	lg.Info().
		Str("session_id", sess.ID).
		Str("currency", sess.Currency).
		Str("payment_address", logger.TruncateAddress(sess.PaymentAddress)).
		Msg("httpserver.session_created")

	responders.JSON(w, http.StatusCreated, sess)
}

// getSession returns one session by id.
func (h handlers) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeSessionNotFound, "Session not found", "sessionId", id)
			return
		}
		lg := logger.FromContext(r.Context())
		lg.Error().Err(err).Msg("httpserver.get_session_error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to load session")
		return
	}

	responders.JSON(w, http.StatusOK, sess)
}

// listSessionsByUser returns all sessions for ?user=, newest first.
func (h handlers) listSessionsByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "user query parameter is required")
		return
	}

	sessions, err := h.store.GetByUser(r.Context(), userID)
	if err != nil {
		lg := logger.FromContext(r.Context())
		lg.Error().Err(err).Msg("httpserver.list_sessions_error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to list sessions")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// cancelSession moves a non-terminal session to cancelled.
func (h handlers) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.store.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeSessionNotFound, "Session not found", "sessionId", id)
		case errors.Is(err, storage.ErrTerminalState):
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeSessionTerminal, "Session is already in a terminal state", "sessionId", id)
		default:
			lg := logger.FromContext(r.Context())
			lg.Error().Err(err).Msg("httpserver.cancel_session_error")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to cancel session")
		}
		return
	}

	lg := logger.FromContext(r.Context())
	lg.Info().Str("session_id", id).Msg("httpserver.session_cancelled")
	responders.JSON(w, http.StatusOK, sess)
}

// deleteSession removes a session record entirely. Admin only; normal
// lifecycle never deletes.
func (h handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeSessionNotFound, "Session not found", "sessionId", id)
			return
		}
		lg := logger.FromContext(r.Context())
		lg.Error().Err(err).Msg("httpserver.delete_session_error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to delete session")
		return
	}

	lg := logger.FromContext(r.Context())
	lg.Info().Str("session_id", id).Msg("httpserver.session_deleted")
	responders.JSON(w, http.StatusOK, map[string]string{"status": "deleted", "session_id": id})
}

// parseOptionalAmount parses a decimal string, treating "" as zero.
func parseOptionalAmount(raw string) (decimal.Decimal, bool) {
	if raw == "" {
		return decimal.Zero, true
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
