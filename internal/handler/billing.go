// Package handler contains HTTP handlers for the billing API.
//
// This file implements the subscription, add-on, and payment method routes.
// Every route requires an authenticated academy manager.
//
// Routes handled:
//   - GET    /api/subscription/status                -> Status
//   - GET    /api/subscription/plans                 -> Plans
//   - POST   /api/subscription                       -> Subscribe
//   - POST   /api/subscription/change-tier           -> ChangeTier
//   - DELETE /api/subscription/pending-change        -> CancelPendingChange
//   - GET    /api/subscription/add-ons               -> AddOns
//   - POST   /api/subscription/add-ons/preview       -> PreviewAddOns
//   - POST   /api/subscription/add-ons               -> PurchaseAddOns
//   - DELETE /api/subscription/add-ons               -> CancelAddOns
//   - POST   /api/subscription/cancel                -> Cancel
//   - POST   /api/subscription/reactivate            -> Reactivate
//   - POST   /api/subscription/billing-key/session   -> StartBillingKeyIssue
//   - POST   /api/subscription/billing-key           -> CompleteBillingKeyIssue
//   - POST   /api/subscription/update-payment-method -> UpdatePaymentMethod
//   - GET    /api/subscription/invoices              -> ListInvoices
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/DukeRupert/academy-billing/internal/auth"
	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/service"
	"github.com/google/uuid"
)

// BillingHandler handles subscription and payment method HTTP requests.
type BillingHandler struct {
	subscriptions service.SubscriptionService
	payments      service.PaymentMethodService
	logger        *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(subscriptions service.SubscriptionService, payments service.PaymentMethodService, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		subscriptions: subscriptions,
		payments:      payments,
		logger:        logger,
	}
}

// RegisterRoutes registers billing routes on the provided mux. protect
// authenticates the request and may rate limit it.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	routes := map[string]http.HandlerFunc{
		"GET /api/subscription/status":                 h.Status,
		"GET /api/subscription/plans":                  h.Plans,
		"POST /api/subscription":                       h.Subscribe,
		"POST /api/subscription/change-tier":           h.ChangeTier,
		"DELETE /api/subscription/pending-change":      h.CancelPendingChange,
		"GET /api/subscription/add-ons":                h.AddOns,
		"POST /api/subscription/add-ons/preview":       h.PreviewAddOns,
		"POST /api/subscription/add-ons":               h.PurchaseAddOns,
		"DELETE /api/subscription/add-ons":             h.CancelAddOns,
		"POST /api/subscription/cancel":                h.Cancel,
		"POST /api/subscription/reactivate":            h.Reactivate,
		"POST /api/subscription/billing-key/session":   h.StartBillingKeyIssue,
		"POST /api/subscription/billing-key":           h.CompleteBillingKeyIssue,
		"POST /api/subscription/update-payment-method": h.UpdatePaymentMethod,
		"GET /api/subscription/invoices":               h.ListInvoices,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, protect(fn))
	}
}

// =============================================================================
// Request bodies
// =============================================================================

type subscribeRequest struct {
	Tier         string `json:"tier" validate:"required,tier"`
	BillingCycle string `json:"billingCycle" validate:"required,cycle"`
}

type changeTierRequest struct {
	TargetTier string `json:"targetTier" validate:"required,tier"`
}

// addOnRequest quantities are signed. Negative values reduce add-ons.
type addOnRequest struct {
	AdditionalStudents  int `json:"additionalStudents" validate:"gte=-100000,lte=100000"`
	AdditionalTeachers  int `json:"additionalTeachers" validate:"gte=-100000,lte=100000"`
	AdditionalStorageGB int `json:"additionalStorageGb" validate:"gte=-100000,lte=100000"`
}

func (r addOnRequest) delta() domain.AddOnDelta {
	return domain.AddOnDelta{
		Students:  r.AdditionalStudents,
		Teachers:  r.AdditionalTeachers,
		StorageGB: r.AdditionalStorageGB,
	}
}

type completeBillingKeyRequest struct {
	Response json.RawMessage `json:"response" validate:"required"`
}

type updatePaymentMethodRequest struct {
	BillingKey string `json:"billingKey" validate:"required,max=256"`
}

// =============================================================================
// Helpers
// =============================================================================

// academy returns the authenticated academy or writes a 401.
func (h *BillingHandler) academy(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := auth.AcademyFromRequest(r)
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
	}
	return id, ok
}

// =============================================================================
// Subscription
// =============================================================================

// Status handles GET /api/subscription/status.
func (h *BillingHandler) Status(w http.ResponseWriter, r *http.Request) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	view, err := h.subscriptions.Status(r.Context(), academyID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Plans handles GET /api/subscription/plans.
func (h *BillingHandler) Plans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": h.subscriptions.Plans()})
}

// Subscribe handles POST /api/subscription.
func (h *BillingHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	var req subscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, r, h.logger, err)
		return
	}

	result, err := h.subscriptions.Subscribe(r.Context(), domain.SubscribeParams{
		AcademyID:    academyID,
		Tier:         domain.PlanTier(req.Tier),
		BillingCycle: domain.BillingCycle(req.BillingCycle),
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ChangeTier handles POST /api/subscription/change-tier.
func (h *BillingHandler) ChangeTier(w http.ResponseWriter, r *http.Request) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	var req changeTierRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, r, h.logger, err)
		return
	}

	result, err := h.subscriptions.ChangeTier(r.Context(), academyID, domain.PlanTier(req.TargetTier))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelPendingChange handles DELETE /api/subscription/pending-change.
func (h *BillingHandler) CancelPendingChange(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.subscriptions.CancelPendingChange)
}

// Cancel handles POST /api/subscription/cancel.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.subscriptions.Cancel)
}

// Reactivate handles POST /api/subscription/reactivate.
func (h *BillingHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.subscriptions.Reactivate)
}

// CancelAddOns handles DELETE /api/subscription/add-ons.
func (h *BillingHandler) CancelAddOns(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.subscriptions.CancelAddOns)
}

// mutate runs a body-less subscription change and writes the result.
func (h *BillingHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, academyID uuid.UUID) (*domain.Subscription, error)) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	sub, err := fn(r.Context(), academyID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

// =============================================================================
// Add-ons
// =============================================================================

// AddOns handles GET /api/subscription/add-ons.
func (h *BillingHandler) AddOns(w http.ResponseWriter, r *http.Request) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	view, err := h.subscriptions.AddOns(r.Context(), academyID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// PreviewAddOns handles POST /api/subscription/add-ons/preview.
func (h *BillingHandler) PreviewAddOns(w http.ResponseWriter, r *http.Request) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	var req addOnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, r, h.logger, err)
		return
	}

	quote, err := h.subscriptions.PreviewAddOns(r.Context(), academyID, req.delta())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// PurchaseAddOns handles POST /api/subscription/add-ons.
func (h *BillingHandler) PurchaseAddOns(w http.ResponseWriter, r *http.Request) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	var req addOnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, r, h.logger, err)
		return
	}

	sub, err := h.subscriptions.PurchaseAddOns(r.Context(), academyID, req.delta())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

// =============================================================================
// Payment method
// =============================================================================

// StartBillingKeyIssue handles POST /api/subscription/billing-key/session.
func (h *BillingHandler) StartBillingKeyIssue(w http.ResponseWriter, r *http.Request) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	session, err := h.payments.StartBillingKeyIssue(r.Context(), academyID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// CompleteBillingKeyIssue handles POST /api/subscription/billing-key. A
// customer who closed the hosted flow gets 200 with cancelled=true.
func (h *BillingHandler) CompleteBillingKeyIssue(w http.ResponseWriter, r *http.Request) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	var req completeBillingKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, r, h.logger, err)
		return
	}

	result, err := h.payments.CompleteBillingKeyIssue(r.Context(), academyID, req.Response)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// UpdatePaymentMethod handles POST /api/subscription/update-payment-method.
func (h *BillingHandler) UpdatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	var req updatePaymentMethodRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, r, h.logger, err)
		return
	}

	sub, err := h.payments.UpdatePaymentMethod(r.Context(), academyID, req.BillingKey)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

// =============================================================================
// Invoices
// =============================================================================

// ListInvoices handles GET /api/subscription/invoices?limit=N.
func (h *BillingHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	academyID, ok := h.academy(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			ErrorResponse(w, r, h.logger, domain.Invalid("invoices.list", "limit must be between 1 and 100"))
			return
		}
		limit = n
	}

	invoices, err := h.subscriptions.ListInvoices(r.Context(), academyID, limit)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if invoices == nil {
		invoices = []domain.Invoice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}
