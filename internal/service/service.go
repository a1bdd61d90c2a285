// Package service contains the business logic layer.
//
// Every mutation of an academy's subscription runs in one database
// transaction that first locks the subscription row, reads usage under
// that lock, and writes the new state before committing. Gateway calls made
// inside the transaction are bounded by Options.GatewayTimeout.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/academy-billing/internal/billing"
	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/metrics"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/google/uuid"
)

// Options tunes the billing services.
type Options struct {
	// GatewayTimeout bounds every synchronous gateway call.
	GatewayTimeout time.Duration

	// TrialDays is the free trial granted on an academy's first paid
	// subscription. Zero charges immediately.
	TrialDays int

	// SweepBatchSize caps the rows one sweep run handles.
	SweepBatchSize int32

	// Now overrides the clock in tests.
	Now func() time.Time
}

const (
	defaultGatewayTimeout = 15 * time.Second
	defaultSweepBatchSize = 200
	defaultInvoiceLimit   = 50
)

func (o Options) withDefaults() Options {
	if o.GatewayTimeout <= 0 {
		o.GatewayTimeout = defaultGatewayTimeout
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = defaultSweepBatchSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// core holds the dependencies the subscription, payment, renewal, and
// webhook services share.
type core struct {
	store    repository.Store
	gateway  billing.Gateway
	notifier *notifier
	opts     Options
	logger   *slog.Logger
}

func newCore(store repository.Store, gateway billing.Gateway, notifier *notifier, opts Options, logger *slog.Logger) *core {
	return &core{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

func (c *core) now() time.Time {
	return c.opts.Now().UTC()
}

// mutation is the body of a locked subscription change. Returning nil
// saves sub.
type mutation func(q repository.Querier, sub *domain.Subscription, usage domain.UsageSnapshot) error

// lockSubscription loads and locks an academy's subscription row.
func (c *core) lockSubscription(ctx context.Context, q repository.Querier, op string, academyID uuid.UUID) (*domain.Subscription, error) {
	row, err := q.LockSubscriptionByAcademy(ctx, academyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "subscription for academy", academyID.String())
		}
		return nil, domain.Internal(err, op, "failed to lock subscription")
	}
	return rowToSubscription(row), nil
}

// load reads an academy's subscription without locking it.
func (c *core) load(ctx context.Context, op string, academyID uuid.UUID) (*domain.Subscription, error) {
	row, err := c.store.GetSubscriptionByAcademy(ctx, academyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "subscription for academy", academyID.String())
		}
		return nil, domain.Internal(err, op, "failed to load subscription")
	}
	return rowToSubscription(row), nil
}

// mutate runs fn against the locked subscription and saves the result.
func (c *core) mutate(ctx context.Context, op string, academyID uuid.UUID, fn mutation) (*domain.Subscription, error) {
	var saved *domain.Subscription
	err := c.store.InTx(ctx, func(q repository.Querier) error {
		sub, err := c.lockSubscription(ctx, q, op, academyID)
		if err != nil {
			return err
		}
		usage, err := loadUsage(ctx, q, op, academyID)
		if err != nil {
			return err
		}
		if err := fn(q, sub, usage); err != nil {
			return err
		}
		saved, err = c.save(ctx, q, op, sub)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// save validates and writes a subscription.
func (c *core) save(ctx context.Context, q repository.Querier, op string, sub *domain.Subscription) (*domain.Subscription, error) {
	sub.UpdatedAt = c.now()
	if err := sub.Validate(); err != nil {
		return nil, domain.Internal(err, op, "subscription state is inconsistent")
	}
	row, err := q.UpsertSubscription(ctx, subscriptionToParams(sub))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to save subscription")
	}
	return rowToSubscription(row), nil
}

// customerFor builds the gateway customer for a subscription.
func (c *core) customerFor(ctx context.Context, q repository.Querier, sub *domain.Subscription) billing.Customer {
	cust := billing.Customer{AcademyID: sub.AcademyID, ExternalID: sub.GatewayCustomerID}
	if m, err := q.GetPrimaryManager(ctx, sub.AcademyID); err == nil {
		cust.Email = m.Email
		cust.Name = m.Name
	}
	return cust
}

// charge sends one off-session charge bounded by the gateway timeout.
func (c *core) charge(ctx context.Context, kind domain.InvoiceKind, req billing.ChargeRequest) (*billing.ChargeReceipt, error) {
	gctx, cancel := context.WithTimeout(ctx, c.opts.GatewayTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := c.gateway.ChargeRecurring(gctx, req)
	metrics.ObserveGateway(c.gateway.Name(), "charge", start)

	outcome := "confirmed"
	switch {
	case err == nil && !receipt.Confirmed:
		outcome = "pending"
	case errors.Is(err, billing.ErrTimeout):
		outcome = "timeout"
	case billing.IsDeclined(err):
		outcome = "declined"
	case err != nil:
		outcome = "error"
	}
	metrics.ChargesTotal.WithLabelValues(c.gateway.Name(), string(kind), outcome).Inc()
	if outcome == "confirmed" {
		metrics.ChargedWonTotal.WithLabelValues(string(kind)).Add(float64(req.Amount))
	}
	return receipt, err
}

// recordInvoice creates the invoice row for a charge.
func recordInvoice(ctx context.Context, q repository.Querier, op string, inv domain.Invoice) (domain.Invoice, error) {
	row, err := q.CreateInvoice(ctx, repository.CreateInvoiceParams{
		SubscriptionID: inv.SubscriptionID,
		AcademyID:      inv.AcademyID,
		PaymentID:      inv.PaymentID,
		Kind:           string(inv.Kind),
		Tier:           string(inv.Tier),
		Amount:         int64(inv.Amount),
		Status:         string(inv.Status),
		PeriodStart:    inv.PeriodStart,
		PeriodEnd:      inv.PeriodEnd,
		FailureReason:  toNullString(inv.FailureReason),
		PaidAt:         toNullTime(inv.PaidAt),
	})
	if err != nil {
		return domain.Invoice{}, domain.Internal(err, op, "failed to record invoice")
	}
	return rowToInvoice(row), nil
}

// settleInvoice moves an invoice to a final status.
func settleInvoice(ctx context.Context, q repository.Querier, op, paymentID string, status domain.InvoiceStatus, reason string, at time.Time) error {
	params := repository.UpdateInvoiceStatusParams{
		PaymentID:     paymentID,
		Status:        string(status),
		FailureReason: toNullString(reason),
	}
	if status == domain.InvoicePaid {
		params.PaidAt = sql.NullTime{Time: at, Valid: true}
	}
	if err := q.UpdateInvoiceStatus(ctx, params); err != nil {
		return domain.Internal(err, op, "failed to update invoice")
	}
	return nil
}

func recordChange(op string) {
	metrics.SubscriptionChanges.WithLabelValues(op).Inc()
}

func recordRejection(err error) {
	if reason := domain.RejectionReason(err); reason != "" {
		metrics.ValidationRejections.WithLabelValues(string(reason)).Inc()
	}
}
