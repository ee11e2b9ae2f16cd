package httpserver

import (
	"net/http"
	"time"

	"github.com/TessaraPay/gateway/internal/apierrors"
	"github.com/TessaraPay/gateway/internal/currency"
	"github.com/TessaraPay/gateway/internal/logger"
	"github.com/TessaraPay/gateway/pkg/responders"
)

// health reports process liveness and uptime.
func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(serverStartTime).Seconds()),
	})
}

type collectFeesRequest struct {
	Currency string `json:"currency"`
}

// collectFees sweeps retained fees for one currency to its treasury address.
func (h handlers) collectFees(w http.ResponseWriter, r *http.Request) {
	var req collectFeesRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "Malformed JSON body")
		return
	}
	cur, err := currency.Lookup(req.Currency)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidCurrency, "Unsupported currency", "currency", req.Currency)
		return
	}

	report, err := h.coordinator.CollectFees(r.Context(), cur.Code)
	if err != nil {
		lg := logger.FromContext(r.Context())
		lg.Error().Err(err).Str("currency", cur.Code).Msg("httpserver.collect_fees_error")
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeSignerError, err.Error(), "currency", cur.Code)
		return
	}

	if h.metrics != nil {
		h.metrics.ObserveFeeCollection(cur.Code, len(report.Failed) == 0)
	}
	responders.JSON(w, http.StatusOK, report)
}

// reconcileNow runs one reconciliation pass synchronously and returns its
// stats. Useful when an operator suspects missed notifications.
func (h handlers) reconcileNow(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.RunOnce(r.Context())
	if err != nil {
		lg := logger.FromContext(r.Context())
		lg.Error().Err(err).Msg("httpserver.reconcile_error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Reconciliation pass failed")
		return
	}

	responders.JSON(w, http.StatusOK, stats)
}
