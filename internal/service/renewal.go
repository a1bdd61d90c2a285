package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/academy-billing/internal/billing"
	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/email"
	"github.com/DukeRupert/academy-billing/internal/metrics"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/DukeRupert/academy-billing/internal/worker"
	"github.com/google/uuid"
)

// RenewalService runs the period-end work: scheduled tier changes,
// expiring cancelled subscriptions, and renewal charges.
//
// Each sweep lists candidate rows without a lock, then re-checks every row
// under its own lock before changing it, so overlapping runs are safe.
type RenewalService interface {
	// ApplyDuePendingChanges swaps in scheduled downgrades whose date has
	// passed. A change that no longer fits usage is abandoned.
	ApplyDuePendingChanges(ctx context.Context) (int, error)

	// ExpireCanceled ends subscriptions whose auto-renew is off and whose
	// period has ended, moving them to the free plan.
	ExpireCanceled(ctx context.Context) (int, error)

	// EnqueueRenewals queues one charge job per due subscription.
	EnqueueRenewals(ctx context.Context) (int, error)

	// ChargeRenewal charges one period. A decline marks the subscription
	// past due and returns nil. Timeouts return an error so the job is
	// retried with the same payment id.
	ChargeRenewal(ctx context.Context, academyID uuid.UUID, paymentID string) error
}

type renewalService struct {
	*core
}

// NewRenewalService creates a new RenewalService.
func NewRenewalService(
	store repository.Store,
	gateway billing.Gateway,
	mailer email.EmailService,
	opts Options,
	logger *slog.Logger,
) RenewalService {
	return &renewalService{
		core: newCore(store, gateway, newNotifier(mailer, store, logger), opts, logger),
	}
}

const (
	sweepPendingChanges = "pending_changes"
	sweepExpireCanceled = "expire_canceled"
	sweepRenewals       = "renewals"
)

// overdueAfter is how long a period may stay unpaid past its billing date
// before each re-queue is flagged.
const overdueAfter = 72 * time.Hour

// errSkip marks a row that no longer qualifies once locked.
var errSkip = errors.New("row no longer qualifies")

// sweep runs fn for each listed academy and counts the rows it changed.
// A failing row is logged and does not stop the sweep.
func (s *renewalService) sweep(
	ctx context.Context,
	name string,
	list func(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error),
	fn func(ctx context.Context, academyID uuid.UUID, now time.Time) error,
) (int, error) {
	now := s.now()
	ids, err := list(ctx, now, s.opts.SweepBatchSize)
	if err != nil {
		return 0, domain.Internal(err, "renewal."+name, "failed to list subscriptions")
	}

	done := 0
	for _, academyID := range ids {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		err := fn(ctx, academyID, now)
		switch {
		case err == nil:
			done++
			metrics.SweepProcessed(name, "applied")
		case errors.Is(err, errSkip):
			metrics.SweepProcessed(name, "skipped")
		default:
			metrics.SweepProcessed(name, "error")
			s.logger.Error("sweep row failed", "sweep", name, "academy_id", academyID, "error", err)
		}
	}

	if len(ids) > 0 {
		s.logger.Info("sweep finished", "sweep", name, "candidates", len(ids), "applied", done)
	}
	return done, nil
}

// =============================================================================
// Pending changes
// =============================================================================

func (s *renewalService) ApplyDuePendingChanges(ctx context.Context) (int, error) {
	return s.sweep(ctx, sweepPendingChanges, s.store.ListAcademiesWithDuePendingChange, s.applyPendingChange)
}

func (s *renewalService) applyPendingChange(ctx context.Context, academyID uuid.UUID, now time.Time) error {
	const op = "renewal.apply_pending_change"

	applied := false
	_, err := s.mutate(ctx, op, academyID, func(_ repository.Querier, sub *domain.Subscription, usage domain.UsageSnapshot) error {
		if !sub.PendingDue(now) {
			return errSkip
		}
		var err error
		applied, err = s.applyDue(op, sub, usage)
		return err
	})
	if err != nil {
		return err
	}
	if applied {
		recordChange("downgrade_applied")
	} else {
		recordChange("downgrade_abandoned")
	}
	return nil
}

// applyDue applies sub's pending change if usage still fits the target.
// Otherwise the change is dropped and the current plan continues.
func (s *renewalService) applyDue(op string, sub *domain.Subscription, usage domain.UsageSnapshot) (bool, error) {
	target := sub.Pending.Tier
	check, err := sub.CheckDowngrade(target, usage)
	if err != nil {
		return false, domain.Internal(err, op, "failed to check usage")
	}
	if !check.IsValid {
		s.logger.Warn("scheduled downgrade abandoned: usage exceeds target plan",
			"op", op,
			"academy_id", sub.AcademyID,
			"tier", sub.Tier,
			"target_tier", target,
			"exceeded", check.ExceededLimits,
		)
		sub.Pending = nil
		return false, nil
	}
	if err := sub.ApplyPending(); err != nil {
		return false, domain.Internal(err, op, "failed to apply pending change")
	}
	s.logger.Info("scheduled downgrade applied", "op", op, "academy_id", sub.AcademyID, "tier", target)
	return true, nil
}

// =============================================================================
// Expiry
// =============================================================================

func (s *renewalService) ExpireCanceled(ctx context.Context) (int, error) {
	return s.sweep(ctx, sweepExpireCanceled, s.store.ListAcademiesWithLapsedCancellation, s.expire)
}

func (s *renewalService) expire(ctx context.Context, academyID uuid.UUID, now time.Time) error {
	const op = "renewal.expire"

	var previous domain.PlanTier
	var endedAt time.Time
	_, err := s.mutate(ctx, op, academyID, func(_ repository.Querier, sub *domain.Subscription, _ domain.UsageSnapshot) error {
		if sub.AutoRenew || !sub.IsLive() || now.Before(sub.CurrentPeriodEnd) {
			return errSkip
		}
		previous = sub.Tier
		endedAt = sub.CurrentPeriodEnd
		if err := sub.Expire(); err != nil {
			return domain.Internal(err, op, "failed to expire subscription")
		}
		return nil
	})
	if err != nil {
		return err
	}

	recordChange("expire")
	s.logger.Info("subscription expired", "op", op, "academy_id", academyID, "tier", previous)
	s.notifier.send(ctx, noticeSubscriptionExpired, academyID, email.Notice{
		PlanName:      planName(previous),
		EffectiveDate: endedAt,
	})
	return nil
}

// =============================================================================
// Renewal charges
// =============================================================================

func (s *renewalService) EnqueueRenewals(ctx context.Context) (int, error) {
	return s.sweep(ctx, sweepRenewals, s.store.ListAcademiesDueForRenewal, s.enqueueRenewal)
}

func (s *renewalService) enqueueRenewal(ctx context.Context, academyID uuid.UUID, now time.Time) error {
	const op = "renewal.enqueue"

	sub, err := s.load(ctx, op, academyID)
	if err != nil {
		return err
	}
	if !renewalDue(sub, now) {
		return errSkip
	}

	paymentID := domain.PaymentID(domain.InvoiceRecurring, sub.ID, sub.NextBillingDate)
	if late := now.Sub(sub.NextBillingDate); late >= overdueAfter {
		metrics.OverdueRenewals.Inc()
		s.logger.Error("renewal overdue",
			"op", op,
			"academy_id", academyID,
			"payment_id", paymentID,
			"next_billing_date", sub.NextBillingDate,
			"overdue", true,
			"late_hours", int(late.Hours()),
		)
	}
	job, err := worker.EnqueueChargeSubscription(ctx, s.store, academyID, paymentID)
	if err != nil {
		return domain.Internal(err, op, "failed to enqueue renewal")
	}
	s.logger.Debug("renewal queued", "academy_id", academyID, "payment_id", paymentID, "job_id", job.ID)
	return nil
}

func renewalDue(sub *domain.Subscription, now time.Time) bool {
	return sub.AutoRenew &&
		(sub.Status == domain.StatusActive || sub.Status == domain.StatusTrialing) &&
		sub.Tier != domain.TierFree &&
		sub.HasBillingKey() &&
		!now.Before(sub.NextBillingDate)
}

func (s *renewalService) ChargeRenewal(ctx context.Context, academyID uuid.UUID, paymentID string) error {
	const op = "renewal.charge"

	confirmed, err := s.chargeOnce(ctx, op, academyID, paymentID)
	if err != nil && confirmed {
		// The gateway returns the original receipt for a repeated payment
		// id, so replaying the whole charge is safe.
		return s.recoverSplit(ctx, op, academyID, paymentID, err, func(ctx context.Context) error {
			_, err := s.chargeOnce(ctx, op, academyID, paymentID)
			return err
		})
	}
	return err
}

// chargeOnce runs one locked renewal attempt. confirmed reports whether the
// gateway took the money, even if the local commit then failed.
func (s *renewalService) chargeOnce(ctx context.Context, op string, academyID uuid.UUID, paymentID string) (confirmed bool, err error) {
	now := s.now()
	var (
		retryErr error
		notice   *email.Notice
		kind     noticeKind
	)

	err = s.store.InTx(ctx, func(q repository.Querier) error {
		sub, err := s.lockSubscription(ctx, q, op, academyID)
		if err != nil {
			return err
		}
		// The period may have advanced through a webhook or an earlier
		// attempt, in which case this job is stale.
		if !renewalDue(sub, now) || domain.PaymentID(domain.InvoiceRecurring, sub.ID, sub.NextBillingDate) != paymentID {
			return errSkip
		}

		usage, err := loadUsage(ctx, q, op, academyID)
		if err != nil {
			return err
		}
		if sub.PendingDue(sub.NextBillingDate) {
			if _, err := s.applyDue(op, sub, usage); err != nil {
				return err
			}
		}
		if sub.Tier == domain.TierFree {
			// A downgrade to free leaves nothing to charge.
			sub.AdvancePeriod()
			_, err := s.save(ctx, q, op, sub)
			return err
		}

		amount, err := sub.ChargeAmount()
		if err != nil {
			return domain.Internal(err, op, "failed to price renewal")
		}
		periodStart := sub.CurrentPeriodEnd
		inv, err := recordInvoice(ctx, q, op, domain.Invoice{
			SubscriptionID: sub.ID,
			AcademyID:      sub.AcademyID,
			PaymentID:      paymentID,
			Kind:           domain.InvoiceRecurring,
			Tier:           sub.Tier,
			Amount:         amount,
			Status:         domain.InvoicePending,
			PeriodStart:    periodStart,
			PeriodEnd:      domain.NextPeriodEnd(periodStart, sub.BillingCycle),
		})
		if err != nil {
			return err
		}
		if inv.IsSettled() {
			return errSkip
		}

		receipt, err := s.charge(ctx, domain.InvoiceRecurring, billing.ChargeRequest{
			PaymentID:  paymentID,
			Customer:   s.customerFor(ctx, q, sub),
			BillingKey: sub.BillingKey,
			Amount:     inv.Amount,
			OrderName:  domain.OrderName(sub.Tier, sub.BillingCycle, domain.InvoiceRecurring),
		})
		switch {
		case err == nil && receipt.Confirmed:
			if err := settleInvoice(ctx, q, op, paymentID, domain.InvoicePaid, "", now); err != nil {
				return err
			}
			markPaid(sub)
			confirmed = true
			kind = noticePaymentReceipt
			notice = &email.Notice{PlanName: planName(sub.Tier), Amount: inv.Amount, EffectiveDate: sub.NextBillingDate}

		case err == nil:
			// Accepted but not settled; the webhook finishes it.
			s.logger.Info("renewal awaiting confirmation", "op", op, "academy_id", academyID, "payment_id", paymentID)

		case !billing.IsRetryable(err):
			reason := domain.ErrorMessage(billing.ToDomain(op, err))
			if err := settleInvoice(ctx, q, op, paymentID, domain.InvoiceFailed, reason, now); err != nil {
				return err
			}
			sub.Status = domain.StatusPastDue
			kind = noticePaymentFailed
			notice = &email.Notice{PlanName: planName(sub.Tier), Amount: inv.Amount, EffectiveDate: now, Reason: reason}

		default:
			// Keep the pending invoice so a late webhook can settle it, and
			// retry the job with the same payment id.
			retryErr = billing.ToDomain(op, err)
		}

		_, err = s.save(ctx, q, op, sub)
		return err
	})
	if errors.Is(err, errSkip) {
		s.logger.Info("renewal skipped", "op", op, "academy_id", academyID, "payment_id", paymentID)
		return false, nil
	}
	if err != nil {
		return confirmed, err
	}
	if retryErr != nil {
		s.logger.Warn("renewal charge will be retried", "op", op, "academy_id", academyID, "payment_id", paymentID, "error", retryErr)
		return false, retryErr
	}

	if notice != nil {
		if kind == noticePaymentFailed {
			recordChange("past_due")
			s.logger.Warn("renewal declined", "op", op, "academy_id", academyID, "payment_id", paymentID, "reason", notice.Reason)
		} else {
			recordChange("renewed")
			s.logger.Info("subscription renewed", "op", op, "academy_id", academyID, "payment_id", paymentID, "amount", notice.Amount)
		}
		s.notifier.send(ctx, kind, academyID, *notice)
	}
	return confirmed, nil
}

// markPaid advances a subscription past a settled renewal.
func markPaid(sub *domain.Subscription) {
	sub.AdvancePeriod()
	sub.Status = domain.StatusActive
}
