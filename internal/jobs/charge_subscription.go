// Package jobs holds the background job handlers the worker runs.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/service"
	"github.com/DukeRupert/academy-billing/internal/worker"
	"github.com/google/uuid"
)

// ChargeSubscriptionHandler charges one renewal period for an academy.
type ChargeSubscriptionHandler struct {
	renewals service.RenewalService
	logger   *slog.Logger
}

// NewChargeSubscriptionHandler creates a new handler for renewal charge jobs.
func NewChargeSubscriptionHandler(renewals service.RenewalService, logger *slog.Logger) *ChargeSubscriptionHandler {
	return &ChargeSubscriptionHandler{
		renewals: renewals,
		logger:   logger,
	}
}

// Type returns the job type identifier.
func (h *ChargeSubscriptionHandler) Type() string {
	return worker.JobTypeChargeSubscription
}

// Handle executes the renewal charge. Declines are recorded on the
// subscription and finish the job; gateway timeouts and outages return an
// error so the job is retried with the same payment id.
func (h *ChargeSubscriptionHandler) Handle(ctx context.Context, payload []byte) error {
	var p worker.ChargeSubscriptionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return worker.NewPermanentError(fmt.Errorf("invalid payload: %w", err))
	}
	if p.AcademyID == uuid.Nil || p.PaymentID == "" {
		return worker.NewPermanentError(fmt.Errorf("payload needs academy_id and payment_id"))
	}

	h.logger.Debug("charging renewal", "academy_id", p.AcademyID, "payment_id", p.PaymentID)

	err := h.renewals.ChargeRenewal(ctx, p.AcademyID, p.PaymentID)
	if err == nil {
		return nil
	}
	switch domain.ErrorCode(err) {
	case domain.ENOTFOUND, domain.EINVALID, domain.ECONFIG:
		return worker.NewPermanentError(err)
	}
	return err
}
