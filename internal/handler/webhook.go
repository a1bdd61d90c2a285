// Package handler contains HTTP handlers for the billing API.
//
// This file implements the billing gateway webhook.
//
// Route:
//   - POST /webhooks/billing -> HandleBillingWebhook
//
// This route is PUBLIC (no auth middleware) because the gateway calls it
// directly. Authentication is via the gateway's signature headers.
package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/service"
)

// maxWebhookBytes caps webhook payloads.
const maxWebhookBytes = 1 << 20

// WebhookHandler handles incoming webhook events from the billing gateway.
type WebhookHandler struct {
	webhooks service.WebhookService
	logger   *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(webhooks service.WebhookService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhooks: webhooks,
		logger:   logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
// These routes are PUBLIC (no auth middleware).
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("POST /webhooks/billing", wrap(http.HandlerFunc(h.HandleBillingWebhook)))
}

// HandleBillingWebhook verifies and applies one delivery.
//
// Any 2xx tells the gateway to stop retrying, so only verified deliveries
// that were applied, duplicated, or deliberately ignored get 200. Failures
// to apply return 5xx and the gateway redelivers.
func (h *WebhookHandler) HandleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		ErrorResponse(w, r, h.logger, domain.Invalid("webhook.read", "Could not read request body"))
		return
	}
	if len(body) > maxWebhookBytes {
		ErrorResponse(w, r, h.logger, domain.Invalid("webhook.read", "Request body too large"))
		return
	}

	result, err := h.webhooks.Handle(r.Context(), r.Header, body)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Debug("webhook processed", "result", string(result))
	writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
}
