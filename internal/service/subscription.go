package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/DukeRupert/academy-billing/internal/billing"
	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/email"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SubscriptionService defines the manager-facing subscription operations.
//
// Every mutating method either commits the complete new state or returns an
// error and leaves the subscription untouched. Billing rule violations are
// returned as *domain.ValidationError.
type SubscriptionService interface {
	// Status returns the subscription, current usage, and limit check.
	// Returns domain.ENOTFOUND if the academy has no subscription row.
	Status(ctx context.Context, academyID uuid.UUID) (*domain.StatusView, error)

	// Plans returns the catalog with each tier's add-on increments.
	Plans() []domain.PlanOffer

	// Subscribe starts a paid plan on the stored billing key, either with a
	// trial or with an immediate charge for the first period.
	Subscribe(ctx context.Context, params domain.SubscribeParams) (*domain.SubscribeResult, error)

	// ChangeTier upgrades immediately with a prorated charge, or schedules
	// a downgrade for the end of the current period.
	ChangeTier(ctx context.Context, academyID uuid.UUID, target domain.PlanTier) (*domain.TierChangeResult, error)

	// CancelPendingChange drops a scheduled downgrade.
	CancelPendingChange(ctx context.Context, academyID uuid.UUID) (*domain.Subscription, error)

	// AddOns returns the purchased add-ons and the tier's increments.
	AddOns(ctx context.Context, academyID uuid.UUID) (*domain.AddOnsView, error)

	// PreviewAddOns quotes a delta without writing anything.
	PreviewAddOns(ctx context.Context, academyID uuid.UUID, delta domain.AddOnDelta) (*domain.AddOnQuote, error)

	// PurchaseAddOns applies a delta immediately. Negative quantities
	// reduce add-ons.
	PurchaseAddOns(ctx context.Context, academyID uuid.UUID, delta domain.AddOnDelta) (*domain.Subscription, error)

	// CancelAddOns removes every add-on, subject to the usage floor.
	CancelAddOns(ctx context.Context, academyID uuid.UUID) (*domain.Subscription, error)

	// Cancel stops auto-renewal. The plan stays until the period ends.
	Cancel(ctx context.Context, academyID uuid.UUID) (*domain.Subscription, error)

	// Reactivate resumes auto-renewal while the period has not ended.
	Reactivate(ctx context.Context, academyID uuid.UUID) (*domain.Subscription, error)

	// ListInvoices returns the most recent invoices first.
	ListInvoices(ctx context.Context, academyID uuid.UUID, limit int) ([]domain.Invoice, error)
}

// =============================================================================
// Implementation
// =============================================================================

type subscriptionService struct {
	*core
}

// NewSubscriptionService creates a new SubscriptionService.
//
// Parameters:
// - store: database access with transactions
// - gateway: payment provider used for initial and upgrade charges
// - mailer: notices sent after commit, may be nil
// - opts: timeouts and trial settings
// - logger: structured logger for operation logging
func NewSubscriptionService(
	store repository.Store,
	gateway billing.Gateway,
	mailer email.EmailService,
	opts Options,
	logger *slog.Logger,
) SubscriptionService {
	return &subscriptionService{
		core: newCore(store, gateway, newNotifier(mailer, store, logger), opts, logger),
	}
}

// =============================================================================
// Reads
// =============================================================================

func (s *subscriptionService) Status(ctx context.Context, academyID uuid.UUID) (*domain.StatusView, error) {
	const op = "subscription.status"

	sub, err := s.load(ctx, op, academyID)
	if err != nil {
		return nil, err
	}
	usage, err := loadUsage(ctx, s.store, op, academyID)
	if err != nil {
		return nil, err
	}

	return &domain.StatusView{
		Subscription:  sub,
		Usage:         usage,
		Limits:        sub.CheckUsage(usage),
		DaysRemaining: sub.DaysRemaining(s.now()),
	}, nil
}

func (s *subscriptionService) Plans() []domain.PlanOffer {
	plans := domain.Plans()
	offers := make([]domain.PlanOffer, 0, len(plans))
	for _, p := range plans {
		incs, err := domain.IncrementsFor(p.Tier)
		if err != nil {
			// ValidateCatalog ran at startup.
			continue
		}
		offers = append(offers, domain.PlanOffer{Plan: p, AddOns: incs})
	}
	return offers
}

func (s *subscriptionService) AddOns(ctx context.Context, academyID uuid.UUID) (*domain.AddOnsView, error) {
	const op = "subscription.addons"

	sub, err := s.load(ctx, op, academyID)
	if err != nil {
		return nil, err
	}
	incs, err := domain.IncrementsFor(sub.Tier)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load add-on increments")
	}
	return &domain.AddOnsView{
		Tier:       sub.Tier,
		Current:    sub.AddOns,
		Pending:    sub.Pending,
		Increments: incs,
	}, nil
}

func (s *subscriptionService) PreviewAddOns(ctx context.Context, academyID uuid.UUID, delta domain.AddOnDelta) (*domain.AddOnQuote, error) {
	const op = "subscription.preview_addons"

	sub, err := s.load(ctx, op, academyID)
	if err != nil {
		return nil, err
	}
	usage, err := loadUsage(ctx, s.store, op, academyID)
	if err != nil {
		return nil, err
	}
	quote, err := domain.ComputeNewState(sub.Tier, sub.AddOns, delta, usage)
	if err != nil {
		recordRejection(err)
		return nil, err
	}
	return &quote, nil
}

func (s *subscriptionService) ListInvoices(ctx context.Context, academyID uuid.UUID, limit int) ([]domain.Invoice, error) {
	const op = "subscription.list_invoices"

	if limit <= 0 || limit > defaultInvoiceLimit {
		limit = defaultInvoiceLimit
	}
	rows, err := s.store.ListInvoicesByAcademy(ctx, academyID, int32(limit))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list invoices")
	}
	invoices := make([]domain.Invoice, len(rows))
	for i, row := range rows {
		invoices[i] = rowToInvoice(row)
	}
	return invoices, nil
}

// =============================================================================
// Subscribe
// =============================================================================

func (s *subscriptionService) Subscribe(ctx context.Context, params domain.SubscribeParams) (*domain.SubscribeResult, error) {
	const op = "subscription.subscribe"

	plan, err := s.purchasablePlan(op, params.Tier)
	if err != nil {
		return nil, err
	}
	if plan.Tier == domain.TierFree {
		return nil, domain.Invalid(op, "The free plan needs no subscription")
	}
	if !params.BillingCycle.IsValid() {
		return nil, domain.Invalid(op, "Billing cycle must be monthly or yearly")
	}

	now := s.now()
	var (
		result *domain.SubscribeResult
		pc     *pendingCharge
	)
	err = s.store.InTx(ctx, func(q repository.Querier) error {
		sub, err := s.lockSubscription(ctx, q, op, params.AcademyID)
		if err != nil {
			if domain.ErrorCode(err) == domain.ENOTFOUND {
				return domain.Reject(op, domain.ReasonNoBillingKey, "Register a payment method before subscribing")
			}
			return err
		}
		if sub.Tier != domain.TierFree && sub.Status != domain.StatusCanceled {
			return domain.Conflict(op, "The academy already has a subscription. Change its tier instead.")
		}
		if !sub.HasBillingKey() {
			return domain.Reject(op, domain.ReasonNoBillingKey, "Register a payment method before subscribing")
		}

		usage, err := loadUsage(ctx, q, op, params.AcademyID)
		if err != nil {
			return err
		}
		check, err := sub.CheckDowngrade(plan.Tier, usage)
		if err != nil {
			return domain.Internal(err, op, "failed to check usage")
		}
		if !check.IsValid {
			return usageRejection(op, check)
		}

		if s.opts.TrialDays <= 0 || sub.TrialEndsAt != nil {
			// The plan starts once the first period is paid.
			pc, err = s.reserveCharge(ctx, q, op, sub, domain.Invoice{
				PaymentID:   domain.PaymentID(domain.InvoiceInitial, sub.ID, now),
				Kind:        domain.InvoiceInitial,
				Tier:        plan.Tier,
				Amount:      plan.PriceFor(params.BillingCycle),
				PeriodStart: now,
				PeriodEnd:   domain.NextPeriodEnd(now, params.BillingCycle),
			})
			return err
		}

		if err := startPlan(sub, plan.Tier, params.BillingCycle, now); err != nil {
			return domain.Internal(err, op, "failed to set tier")
		}
		end := now.AddDate(0, 0, s.opts.TrialDays)
		sub.TrialEndsAt = &end
		sub.CurrentPeriodEnd = end
		sub.NextBillingDate = end
		sub.Status = domain.StatusTrialing

		saved, err := s.save(ctx, q, op, sub)
		if err != nil {
			return err
		}
		result = &domain.SubscribeResult{Subscription: saved, Trial: true}
		return nil
	})
	if err != nil {
		recordRejection(err)
		return nil, err
	}

	if pc != nil {
		inv, saved, err := s.completeCharge(ctx, op, pc)
		if err != nil {
			return nil, err
		}
		result = &domain.SubscribeResult{Subscription: saved, Invoice: inv}
	}

	recordChange("subscribe")
	s.logger.Info("subscription started",
		"op", op,
		"academy_id", params.AcademyID,
		"tier", params.Tier,
		"billing_cycle", params.BillingCycle,
		"trial", result.Trial,
	)
	return result, nil
}

// =============================================================================
// Tier Changes
// =============================================================================

func (s *subscriptionService) ChangeTier(ctx context.Context, academyID uuid.UUID, target domain.PlanTier) (*domain.TierChangeResult, error) {
	const op = "subscription.change_tier"

	plan, err := s.purchasablePlan(op, target)
	if err != nil {
		return nil, err
	}
	if plan.Tier == domain.TierFree {
		// Returning to free is a cancellation.
		err := domain.Reject(op, domain.ReasonTierNotPurchasable, "Cancel the subscription to return to the free plan")
		recordRejection(err)
		return nil, err
	}

	now := s.now()
	var (
		result *domain.TierChangeResult
		pc     *pendingCharge
	)
	err = s.store.InTx(ctx, func(q repository.Querier) error {
		sub, err := s.lockSubscription(ctx, q, op, academyID)
		if err != nil {
			return err
		}
		if sub.Tier == domain.TierFree || !sub.IsLive() {
			return domain.Reject(op, domain.ReasonSubscriptionInactive, "Subscribe to a paid plan before changing tiers")
		}

		cmp, err := domain.CompareTiers(plan.Tier, sub.Tier)
		if err != nil {
			return domain.Internal(err, op, "failed to compare tiers")
		}
		if cmp == 0 {
			return domain.Reject(op, domain.ReasonNoChangesSelected, "The academy is already on the %s plan", plan.Name)
		}

		res := &domain.TierChangeResult{}
		if cmp > 0 {
			pc, err = s.upgrade(ctx, q, op, sub, plan, now)
			if err != nil || pc != nil {
				// A charged upgrade is applied once the payment confirms.
				return err
			}
			res.Immediate = true
		} else {
			if err := s.scheduleDowngrade(ctx, q, op, sub, plan); err != nil {
				return err
			}
		}

		saved, err := s.save(ctx, q, op, sub)
		if err != nil {
			return err
		}
		res.Subscription = saved
		result = res
		return nil
	})
	if err != nil {
		recordRejection(err)
		return nil, err
	}

	if pc != nil {
		inv, saved, err := s.completeCharge(ctx, op, pc)
		if err != nil {
			return nil, err
		}
		result = &domain.TierChangeResult{
			Subscription: saved,
			Immediate:    true,
			Charged:      inv.Amount,
			Invoice:      inv,
		}
	}

	if result.Immediate {
		recordChange("upgrade")
		s.logger.Info("subscription upgraded",
			"op", op,
			"academy_id", academyID,
			"tier", target,
			"charged", result.Charged,
		)
		return result, nil
	}

	recordChange("downgrade_scheduled")
	pending := result.Subscription.Pending
	s.logger.Info("downgrade scheduled",
		"op", op,
		"academy_id", academyID,
		"tier", target,
		"effective_date", pending.EffectiveDate,
	)
	s.notifier.send(ctx, noticeDowngradeScheduled, academyID, email.Notice{
		PlanName:      plan.Name,
		Amount:        pending.MonthlyAmount,
		EffectiveDate: pending.EffectiveDate,
	})
	return result, nil
}

// upgrade moves sub to a higher tier. The prorated base price difference
// for the rest of the period is reserved as a pending charge, and the tier
// changes only once it is paid. With nothing to charge the tier changes
// in place and upgrade returns a nil charge.
//
// A trialing subscription has no paid period to prorate against, so it
// switches tier without a charge and keeps the trial end as its first
// billing date.
func (s *subscriptionService) upgrade(
	ctx context.Context,
	q repository.Querier,
	op string,
	sub *domain.Subscription,
	plan domain.Plan,
	now time.Time,
) (*pendingCharge, error) {
	if !sub.HasBillingKey() {
		return nil, domain.Reject(op, domain.ReasonNoBillingKey, "Register a payment method before upgrading")
	}
	if sub.Status == domain.StatusPastDue {
		return nil, domain.Reject(op, domain.ReasonSubscriptionInactive, "Settle the outstanding payment before upgrading")
	}

	var amount domain.Money
	if sub.Status != domain.StatusTrialing {
		oldBase := domain.MustPlan(sub.Tier).PriceFor(sub.BillingCycle)
		newBase := plan.PriceFor(sub.BillingCycle)
		amount = domain.ProrateUpgrade(oldBase, newBase, now, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	}

	if amount <= 0 {
		sub.Pending = nil
		if err := sub.SetTier(plan.Tier); err != nil {
			return nil, domain.Internal(err, op, "failed to set tier")
		}
		return nil, nil
	}
	return s.reserveCharge(ctx, q, op, sub, domain.Invoice{
		PaymentID:   domain.PaymentID(domain.InvoiceUpgrade, sub.ID, now),
		Kind:        domain.InvoiceUpgrade,
		Tier:        plan.Tier,
		Amount:      amount,
		PeriodStart: now,
		PeriodEnd:   sub.CurrentPeriodEnd,
	})
}

// scheduleDowngrade sets plan to start at the period end, provided current
// usage fits it.
func (s *subscriptionService) scheduleDowngrade(ctx context.Context, q repository.Querier, op string, sub *domain.Subscription, plan domain.Plan) error {
	usage, err := loadUsage(ctx, q, op, sub.AcademyID)
	if err != nil {
		return err
	}
	check, err := sub.CheckDowngrade(plan.Tier, usage)
	if err != nil {
		return domain.Internal(err, op, "failed to check usage")
	}
	if !check.IsValid {
		return usageRejection(op, check)
	}
	if err := sub.ScheduleDowngrade(plan.Tier); err != nil {
		return domain.Internal(err, op, "failed to schedule downgrade")
	}
	return nil
}

func (s *subscriptionService) CancelPendingChange(ctx context.Context, academyID uuid.UUID) (*domain.Subscription, error) {
	const op = "subscription.cancel_pending_change"

	sub, err := s.mutate(ctx, op, academyID, func(_ repository.Querier, sub *domain.Subscription, _ domain.UsageSnapshot) error {
		if !sub.HasPendingChange() {
			return domain.Reject(op, domain.ReasonNoChangesSelected, "No plan change is scheduled")
		}
		sub.Pending = nil
		return nil
	})
	if err != nil {
		recordRejection(err)
		return nil, err
	}

	recordChange("cancel_pending_change")
	s.logger.Info("scheduled downgrade cancelled", "op", op, "academy_id", academyID)
	return sub, nil
}

// =============================================================================
// Add-ons
// =============================================================================

func (s *subscriptionService) PurchaseAddOns(ctx context.Context, academyID uuid.UUID, delta domain.AddOnDelta) (*domain.Subscription, error) {
	return s.applyAddOns(ctx, "subscription.purchase_addons", academyID, func(*domain.Subscription) domain.AddOnDelta {
		return delta
	})
}

func (s *subscriptionService) CancelAddOns(ctx context.Context, academyID uuid.UUID) (*domain.Subscription, error) {
	return s.applyAddOns(ctx, "subscription.cancel_addons", academyID, func(sub *domain.Subscription) domain.AddOnDelta {
		return domain.CancelAll(sub.AddOns)
	})
}

// applyAddOns validates the delta against usage read under the row lock,
// so two concurrent reductions cannot both pass the usage floor.
func (s *subscriptionService) applyAddOns(ctx context.Context, op string, academyID uuid.UUID, deltaFor func(*domain.Subscription) domain.AddOnDelta) (*domain.Subscription, error) {
	var previous domain.Money
	sub, err := s.mutate(ctx, op, academyID, func(_ repository.Querier, sub *domain.Subscription, usage domain.UsageSnapshot) error {
		if !sub.IsLive() {
			return domain.Reject(op, domain.ReasonSubscriptionInactive, "The subscription is not active")
		}
		quote, err := domain.ComputeNewState(sub.Tier, sub.AddOns, deltaFor(sub), usage)
		if err != nil {
			return err
		}
		previous = sub.MonthlyAmount
		sub.ApplyAddOnQuote(quote)
		return nil
	})
	if err != nil {
		recordRejection(err)
		return nil, err
	}

	recordChange(strings.TrimPrefix(op, "subscription."))
	s.logger.Info("add-ons updated",
		"op", op,
		"academy_id", academyID,
		"students", sub.AddOns.AdditionalStudents,
		"teachers", sub.AddOns.AdditionalTeachers,
		"storage_gb", sub.AddOns.AdditionalStorageGB,
		"previous_amount", previous,
		"monthly_amount", sub.MonthlyAmount,
	)
	return sub, nil
}

// =============================================================================
// Cancel / Reactivate
// =============================================================================

func (s *subscriptionService) Cancel(ctx context.Context, academyID uuid.UUID) (*domain.Subscription, error) {
	const op = "subscription.cancel"

	now := s.now()
	sub, err := s.mutate(ctx, op, academyID, func(_ repository.Querier, sub *domain.Subscription, _ domain.UsageSnapshot) error {
		if sub.Tier == domain.TierFree || !sub.IsLive() {
			return domain.Reject(op, domain.ReasonSubscriptionInactive, "There is no paid subscription to cancel")
		}
		if !sub.AutoRenew {
			return nil
		}
		sub.AutoRenew = false
		sub.CanceledAt = &now
		sub.Pending = nil
		return nil
	})
	if err != nil {
		recordRejection(err)
		return nil, err
	}

	recordChange("cancel")
	s.logger.Info("subscription cancelled",
		"op", op,
		"academy_id", academyID,
		"period_end", sub.CurrentPeriodEnd,
	)
	return sub, nil
}

func (s *subscriptionService) Reactivate(ctx context.Context, academyID uuid.UUID) (*domain.Subscription, error) {
	const op = "subscription.reactivate"

	now := s.now()
	sub, err := s.mutate(ctx, op, academyID, func(_ repository.Querier, sub *domain.Subscription, _ domain.UsageSnapshot) error {
		if sub.Tier == domain.TierFree || !sub.IsLive() || !now.Before(sub.CurrentPeriodEnd) {
			return domain.Reject(op, domain.ReasonSubscriptionInactive, "The subscription has ended. Subscribe again instead.")
		}
		sub.AutoRenew = true
		sub.CanceledAt = nil
		return nil
	})
	if err != nil {
		recordRejection(err)
		return nil, err
	}

	recordChange("reactivate")
	s.logger.Info("subscription reactivated", "op", op, "academy_id", academyID)
	return sub, nil
}

// =============================================================================
// Helpers
// =============================================================================

// purchasablePlan checks a requested tier against the catalog.
func (s *subscriptionService) purchasablePlan(op string, tier domain.PlanTier) (domain.Plan, error) {
	plan, err := domain.PlanFor(tier)
	if err != nil {
		return domain.Plan{}, domain.Invalid(op, "Unknown plan tier")
	}
	if !plan.SelfService {
		err := domain.Reject(op, domain.ReasonTierNotPurchasable, "The %s plan is arranged through sales", plan.Name)
		recordRejection(err)
		return domain.Plan{}, err
	}
	return plan, nil
}

// usageRejection turns a failed limit check into a BELOW_USAGE rejection
// with one field per exceeded dimension.
func usageRejection(op string, check domain.LimitCheck) *domain.ValidationError {
	ve := domain.Reject(op, domain.ReasonBelowUsage,
		"Current usage exceeds the new plan: %s", strings.Join(check.ExceededLimits, ", "))
	for _, limit := range check.ExceededLimits {
		name, detail, ok := strings.Cut(limit, ": ")
		if !ok {
			continue
		}
		ve.WithField(strings.ToLower(name), detail)
	}
	return ve
}
