package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/DukeRupert/academy-billing/internal/billing"
	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/metrics"
	"github.com/DukeRupert/academy-billing/internal/repository"
)

// openChargeWindow is how long an unconfirmed initial or upgrade charge
// blocks another one on the same subscription.
const openChargeWindow = 30 * time.Minute

// pendingCharge is an initial or upgrade charge whose pending invoice is
// committed but which has not been sent to the gateway yet.
type pendingCharge struct {
	invoice domain.Invoice
	request billing.ChargeRequest
}

// reserveCharge records the pending invoice for a synchronous charge. It
// runs in the caller's transaction, which must commit before the gateway
// is called so a late webhook can find the payment.
func (c *core) reserveCharge(ctx context.Context, q repository.Querier, op string, sub *domain.Subscription, inv domain.Invoice) (*pendingCharge, error) {
	open, err := q.CountOpenCharges(ctx, sub.ID, c.now().Add(-openChargeWindow))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to check open charges")
	}
	if open > 0 {
		return nil, domain.Conflict(op, "A payment for this subscription is still being confirmed. Try again shortly.")
	}

	inv.SubscriptionID = sub.ID
	inv.AcademyID = sub.AcademyID
	inv.Status = domain.InvoicePending
	saved, err := recordInvoice(ctx, q, op, inv)
	if err != nil {
		return nil, err
	}
	if saved.Status != domain.InvoicePending {
		return nil, domain.Conflict(op, "This payment was already processed.")
	}

	cycle := sub.BillingCycle
	if inv.Kind == domain.InvoiceInitial {
		cycle = inv.Cycle()
	}
	return &pendingCharge{
		invoice: saved,
		request: billing.ChargeRequest{
			PaymentID:  saved.PaymentID,
			Customer:   c.customerFor(ctx, q, sub),
			BillingKey: sub.BillingKey,
			Amount:     saved.Amount,
			OrderName:  domain.OrderName(saved.Tier, cycle, saved.Kind),
		},
	}, nil
}

// completeCharge sends a reserved charge and settles its invoice. A
// confirmed charge applies the plan change it paid for. A decline fails the
// invoice. An unconfirmed or timed-out charge leaves it pending for the
// webhook.
func (c *core) completeCharge(ctx context.Context, op string, pc *pendingCharge) (*domain.Invoice, *domain.Subscription, error) {
	paymentID := pc.invoice.PaymentID
	academyID := pc.invoice.AcademyID

	receipt, err := c.charge(ctx, pc.invoice.Kind, pc.request)
	switch {
	case err == nil && receipt.Confirmed:
	case err == nil:
		c.logger.Info("charge awaiting confirmation", "op", op, "academy_id", academyID, "payment_id", paymentID)
		return nil, nil, domain.Errorf(domain.EPAYMENT, op, "The payment is being confirmed. The plan changes once it settles.")
	case billing.IsRetryable(err):
		// The gateway may still take the money. Keep the invoice pending.
		c.logger.Warn("charge outcome unknown", "op", op, "academy_id", academyID, "payment_id", paymentID, "error", err)
		return nil, nil, billing.ToDomain(op, err)
	default:
		derr := billing.ToDomain(op, err)
		c.failCharge(ctx, op, pc.invoice, domain.ErrorMessage(derr))
		return nil, nil, derr
	}

	var (
		inv     domain.Invoice
		saved   *domain.Subscription
		applied bool
	)
	write := func(ctx context.Context) error {
		return c.store.InTx(ctx, func(q repository.Querier) error {
			var err error
			inv, saved, applied, err = c.settleCharge(ctx, q, op, paymentID)
			return err
		})
	}
	if err := write(ctx); err != nil {
		if err := c.recoverSplit(ctx, op, academyID, paymentID, err, write); err != nil {
			return nil, nil, err
		}
	}
	if !applied {
		return nil, nil, domain.Conflict(op, "The subscription changed while the payment was processed. Contact support about payment "+paymentID+".")
	}
	return &inv, saved, nil
}

// settleCharge marks a confirmed initial or upgrade invoice paid and
// applies it to the locked subscription. A webhook that already settled
// the invoice leaves nothing to do.
func (c *core) settleCharge(ctx context.Context, q repository.Querier, op, paymentID string) (domain.Invoice, *domain.Subscription, bool, error) {
	row, err := q.GetInvoiceByPaymentID(ctx, paymentID)
	if err != nil {
		return domain.Invoice{}, nil, false, domain.Internal(err, op, "failed to load invoice")
	}
	inv := rowToInvoice(row)
	sub, err := c.lockSubscription(ctx, q, op, inv.AcademyID)
	if err != nil {
		return domain.Invoice{}, nil, false, err
	}
	if inv.Status == domain.InvoicePaid {
		return inv, sub, true, nil
	}

	applied, err := c.markChargePaid(ctx, q, op, sub, &inv)
	if err != nil || !applied {
		return inv, sub, applied, err
	}
	saved, err := c.save(ctx, q, op, sub)
	if err != nil {
		return domain.Invoice{}, nil, false, err
	}
	return inv, saved, true, nil
}

// markChargePaid settles an initial or upgrade invoice as paid and applies
// it to sub. The caller saves sub. A charge that no longer applies is
// reported as a split failure.
func (c *core) markChargePaid(ctx context.Context, q repository.Querier, op string, sub *domain.Subscription, inv *domain.Invoice) (bool, error) {
	now := c.now()
	if err := settleInvoice(ctx, q, op, inv.PaymentID, domain.InvoicePaid, "", now); err != nil {
		return false, err
	}
	inv.Status = domain.InvoicePaid
	inv.PaidAt = &now

	applied, err := applyCharge(sub, *inv)
	if err != nil {
		return false, domain.Internal(err, op, "failed to apply charge")
	}
	if !applied {
		c.reportUnapplied(op, *inv, sub)
	}
	return applied, nil
}

// failCharge marks a declined charge's invoice failed. The subscription is
// untouched, so a failure here only leaves the invoice pending.
func (c *core) failCharge(ctx context.Context, op string, inv domain.Invoice, reason string) {
	err := c.store.InTx(ctx, func(q repository.Querier) error {
		return settleInvoice(ctx, q, op, inv.PaymentID, domain.InvoiceFailed, reason, c.now())
	})
	if err != nil {
		c.logger.Error("failed to mark declined charge", "op", op, "academy_id", inv.AcademyID, "payment_id", inv.PaymentID, "error", err)
	}
}

// reportUnapplied flags money taken for a change the subscription can no
// longer take.
func (c *core) reportUnapplied(op string, inv domain.Invoice, sub *domain.Subscription) {
	metrics.SplitFailures.Inc()
	c.logger.Error("paid charge no longer applies to the subscription",
		"op", op,
		"academy_id", inv.AcademyID,
		"payment_id", inv.PaymentID,
		"kind", inv.Kind,
		"invoice_tier", inv.Tier,
		"tier", sub.Tier,
		"status", sub.Status,
		"split_failure", true,
	)
}

// reportOrphanPayment flags a successful payment with no invoice to settle.
func (c *core) reportOrphanPayment(op, provider, eventID, paymentID string) {
	metrics.SplitFailures.Inc()
	c.logger.Error("payment succeeded without a matching invoice",
		"op", op,
		"provider", provider,
		"event_id", eventID,
		"payment_id", paymentID,
		"split_failure", true,
	)
}

// applyCharge moves sub to the state a paid initial or upgrade invoice
// bought. It reports false when sub has moved on: an initial charge for an
// academy that subscribed another way, or an upgrade whose period ended or
// that a later change already covers.
func applyCharge(sub *domain.Subscription, inv domain.Invoice) (bool, error) {
	switch inv.Kind {
	case domain.InvoiceInitial:
		if sub.Tier != domain.TierFree && sub.Status != domain.StatusCanceled {
			return false, nil
		}
		if err := startPlan(sub, inv.Tier, inv.Cycle(), inv.PeriodStart); err != nil {
			return false, err
		}
		sub.CurrentPeriodEnd = inv.PeriodEnd
		sub.NextBillingDate = inv.PeriodEnd
		sub.Status = domain.StatusActive
		return true, nil

	case domain.InvoiceUpgrade:
		if !sub.IsLive() || !sub.CurrentPeriodEnd.Equal(inv.PeriodEnd) {
			return false, nil
		}
		cmp, err := domain.CompareTiers(inv.Tier, sub.Tier)
		if err != nil {
			return false, err
		}
		if cmp <= 0 {
			return false, nil
		}
		sub.Pending = nil
		if err := sub.SetTier(inv.Tier); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// startPlan resets sub onto a fresh paid tier from start. The caller sets
// the period end and status.
func startPlan(sub *domain.Subscription, tier domain.PlanTier, cycle domain.BillingCycle, start time.Time) error {
	// A resubscription starts a fresh cycle without add-ons.
	sub.AddOns = domain.AddOnState{}
	sub.BillingCycle = cycle
	if err := sub.SetTier(tier); err != nil {
		return err
	}
	sub.AutoRenew = true
	sub.CanceledAt = nil
	sub.Pending = nil
	sub.CurrentPeriodStart = start
	return nil
}

// lookupInvoice loads an invoice by payment id. found is false when no row
// exists.
func lookupInvoice(ctx context.Context, q repository.Querier, op, paymentID string) (inv domain.Invoice, found bool, err error) {
	row, err := q.GetInvoiceByPaymentID(ctx, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Invoice{}, false, nil
	}
	if err != nil {
		return domain.Invoice{}, false, domain.Internal(err, op, "failed to load invoice")
	}
	return rowToInvoice(row), true, nil
}
