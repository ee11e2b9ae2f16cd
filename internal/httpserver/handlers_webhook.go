package httpserver

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/TessaraPay/gateway/internal/apierrors"
	"github.com/TessaraPay/gateway/internal/confirm"
	"github.com/TessaraPay/gateway/internal/events"
	"github.com/TessaraPay/gateway/internal/logger"
	"github.com/TessaraPay/gateway/internal/storage"
	"github.com/TessaraPay/gateway/pkg/responders"
)

// chainNotification is the payload chain observers POST to /webhooks/chain.
// Atomic amounts are in the currency's smallest unit.
type chainNotification struct {
	TxHash         string               `json:"tx_hash"`
	Addresses      []string             `json:"addresses"`
	Confirmations  int                  `json:"confirmations"`
	BlockHeight    int64                `json:"block_height"`
	Inputs         []string             `json:"inputs"`
	Outputs        []notificationOutput `json:"outputs"`
	TotalAtomic    int64                `json:"total_atomic"`
	ReceivedAtomic int64                `json:"received_atomic"`
}

type notificationOutput struct {
	Addresses   []string `json:"addresses"`
	ValueAtomic int64    `json:"value_atomic"`
}

// webhookAck is the body returned for every accepted notification. The
// outcome describes what the observation did internally; observers treat any
// 200 as delivered and never retry based on the body.
type webhookAck struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
	Session string `json:"session_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// handleChainWebhook ingests one chain notification. A bad shared secret is
// the only rejection; everything else is acknowledged with 200 so observers
// don't retry notifications the gateway has already classified.
func (h handlers) handleChainWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.cfg.Webhook.Secret)) != 1 {
		h.observeWebhook("unauthorized")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid webhook secret")
		return
	}

	var notif chainNotification
	if err := decodeJSON(r.Body, &notif); err != nil {
		log.Warn().Err(err).Msg("httpserver.webhook_malformed")
		h.observeWebhook("malformed")
		responders.JSON(w, http.StatusOK, webhookAck{Status: "ignored", Reason: "malformed payload"})
		return
	}
	if notif.TxHash == "" || len(notif.Addresses) == 0 {
		h.observeWebhook("malformed")
		responders.JSON(w, http.StatusOK, webhookAck{Status: "ignored", Reason: "tx_hash and addresses are required"})
		return
	}

	sess, ok := h.resolveSession(r, notif.Addresses)
	if !ok {
		log.Debug().Str("tx_hash", logger.TruncateAddress(notif.TxHash)).Msg("httpserver.webhook_unmatched")
		h.observeWebhook("unmatched")
		responders.JSON(w, http.StatusOK, webhookAck{Status: "ignored", Reason: "no session watches these addresses"})
		return
	}

	obs := confirm.Observation{
		SessionID:      sess.ID,
		TxHash:         notif.TxHash,
		Confirmations:  notif.Confirmations,
		BlockHeight:    notif.BlockHeight,
		Inputs:         notif.Inputs,
		TotalAtomic:    notif.TotalAtomic,
		ReceivedAtomic: notif.ReceivedAtomic,
		Source:         events.SourceWebhook,
	}
	for _, out := range notif.Outputs {
		obs.Outputs = append(obs.Outputs, confirm.Output{
			Addresses:   out.Addresses,
			ValueAtomic: out.ValueAtomic,
		})
	}

	result, err := h.processor.ProcessObservation(r.Context(), obs)
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("httpserver.webhook_process_error")
		h.observeWebhook("error")
		responders.JSON(w, http.StatusOK, webhookAck{Status: "error", Session: sess.ID, Reason: "internal error, observation may be re-delivered"})
		return
	}

	h.observeWebhook("ok")
	if h.metrics != nil {
		h.metrics.ObserveObservation(events.SourceWebhook, string(result.Outcome))
	}
	responders.JSON(w, http.StatusOK, webhookAck{Status: "accepted", Outcome: string(result.Outcome), Session: sess.ID})
}

// resolveSession finds the active session watching any of the notified
// addresses. The first match wins; one session owns an address at a time.
func (h handlers) resolveSession(r *http.Request, addresses []string) (storage.PaymentSession, bool) {
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		sess, err := h.store.GetByAddress(r.Context(), addr)
		if err == nil {
			return sess, true
		}
		if !errors.Is(err, storage.ErrNotFound) {
			lg := logger.FromContext(r.Context())
			lg.Error().Err(err).
				Str("address", logger.TruncateAddress(addr)).
				Msg("httpserver.webhook_lookup_error")
		}
	}
	return storage.PaymentSession{}, false
}

func (h handlers) observeWebhook(status string) {
	if h.metrics != nil {
		h.metrics.ObserveWebhook(status)
	}
}
