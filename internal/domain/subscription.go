// Package domain contains core business types and interfaces.
//
// This file defines the Subscription aggregate: one row per academy holding
// the tier, the purchased add-ons, the billing period, and at most one
// scheduled tier change.
package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the possible states of a subscription.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// IsValid returns true if the status is known.
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// transitions lists the allowed status changes. Canceled only leaves
// through resubscription, which starts a new billing cycle.
var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	StatusTrialing: {StatusActive, StatusPastDue, StatusCanceled},
	StatusActive:   {StatusPastDue, StatusCanceled},
	StatusPastDue:  {StatusActive, StatusCanceled},
	StatusCanceled: {StatusActive, StatusTrialing},
}

// CanTransition reports whether a subscription may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PendingChange is a tier change scheduled for a future date.
type PendingChange struct {
	Tier          PlanTier  `json:"tier"`
	MonthlyAmount Money     `json:"monthlyAmount"`
	EffectiveDate time.Time `json:"effectiveDate"`
}

// Subscription is the billing state of one academy.
type Subscription struct {
	ID           uuid.UUID          `json:"id"`
	AcademyID    uuid.UUID          `json:"academyId"`
	Tier         PlanTier           `json:"tier"`
	Status       SubscriptionStatus `json:"status"`
	BillingCycle BillingCycle       `json:"billingCycle"`

	MonthlyAmount  Money      `json:"monthlyAmount"`
	TotalUserLimit int        `json:"totalUserLimit"`
	StorageLimitGB int        `json:"storageLimitGb"`
	ClassroomLimit int        `json:"classroomLimit"`
	AddOns         AddOnState `json:"addOns"`
	AutoRenew      bool       `json:"autoRenew"`

	CurrentPeriodStart time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time `json:"currentPeriodEnd"`
	NextBillingDate    time.Time `json:"nextBillingDate"`

	Pending *PendingChange `json:"pendingChange"`

	// Credentials never leave the service.
	BillingKey         string     `json:"-"`
	BillingKeyIssuedAt *time.Time `json:"billingKeyIssuedAt,omitempty"`
	GatewayCustomerID  string     `json:"-"`

	CanceledAt  *time.Time `json:"canceledAt,omitempty"`
	TrialEndsAt *time.Time `json:"trialEndsAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsLive returns true while the academy is entitled to its paid limits.
func (s *Subscription) IsLive() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing || s.Status == StatusPastDue
}

// HasBillingKey returns true if a stored payment instrument exists.
func (s *Subscription) HasBillingKey() bool {
	return s.BillingKey != ""
}

// HasPendingChange returns true if a tier change is scheduled.
func (s *Subscription) HasPendingChange() bool {
	return s.Pending != nil
}

// ExpectedMonthlyAmount recomputes the monthly charge from tier and add-ons.
func (s *Subscription) ExpectedMonthlyAmount() (Money, error) {
	return MonthlyAmountFor(s.Tier, s.AddOns.AdditionalUsers(), s.AddOns.AdditionalStorageGB)
}

// ChargeAmount is what one renewal costs for the subscription's cycle.
// Yearly subscriptions pay the yearly base price plus twelve months of
// add-ons.
func (s *Subscription) ChargeAmount() (Money, error) {
	plan, err := PlanFor(s.Tier)
	if err != nil {
		return 0, err
	}
	if s.BillingCycle == CycleYearly {
		return plan.YearlyPrice + s.AddOns.Cost*12, nil
	}
	return plan.MonthlyPrice + s.AddOns.Cost, nil
}

// DaysRemaining is the number of started days until the period ends.
func (s *Subscription) DaysRemaining(now time.Time) int {
	if !now.Before(s.CurrentPeriodEnd) {
		return 0
	}
	return int(math.Ceil(s.CurrentPeriodEnd.Sub(now).Hours() / 24))
}

// CheckUsage compares usage against the effective limits.
func (s *Subscription) CheckUsage(usage UsageSnapshot) LimitCheck {
	return CheckLimits(usage, s.TotalUserLimit, s.StorageLimitGB, s.ClassroomLimit)
}

// ApplyAddOnQuote copies a computed add-on state into the subscription.
func (s *Subscription) ApplyAddOnQuote(q AddOnQuote) {
	s.AddOns = q.AddOns
	s.TotalUserLimit = q.TotalUserLimit
	s.StorageLimitGB = q.StorageLimitGB
	s.MonthlyAmount = q.MonthlyAmount
}

// SetTier moves the subscription to a tier, carrying purchased add-on
// quantities over at the new tier's prices. Tiers without add-ons drop them.
func (s *Subscription) SetTier(tier PlanTier) error {
	plan, err := PlanFor(tier)
	if err != nil {
		return err
	}
	addOns := s.AddOns
	if !SellsAddOns(tier) {
		addOns = AddOnState{}
	}
	cost, err := AddOnCost(tier, addOns.AdditionalUsers(), addOns.AdditionalStorageGB)
	if err != nil {
		return err
	}
	addOns.Cost = cost

	s.Tier = tier
	s.AddOns = addOns
	s.MonthlyAmount = plan.MonthlyPrice + cost
	s.ClassroomLimit = plan.Limits.Classrooms
	s.TotalUserLimit = addLimit(plan.Limits.Users, addOns.AdditionalUsers())
	s.StorageLimitGB = addLimit(plan.Limits.StorageGB, addOns.AdditionalStorageGB)
	return nil
}

func addLimit(base, extra int) int {
	if base == Unlimited {
		return Unlimited
	}
	return base + extra
}

// CheckDowngrade compares usage against the base limits of a lower tier.
// A downgrade drops add-ons, so only the base allowance counts.
func (s *Subscription) CheckDowngrade(target PlanTier, usage UsageSnapshot) (LimitCheck, error) {
	plan, err := PlanFor(target)
	if err != nil {
		return LimitCheck{}, err
	}
	return CheckLimits(usage, plan.Limits.Users, plan.Limits.StorageGB, plan.Limits.Classrooms), nil
}

// ScheduleDowngrade records a change to target at the end of the current
// period. The pending amount is the target's base monthly price.
func (s *Subscription) ScheduleDowngrade(target PlanTier) error {
	plan, err := PlanFor(target)
	if err != nil {
		return err
	}
	s.Pending = &PendingChange{
		Tier:          target,
		MonthlyAmount: plan.MonthlyPrice,
		EffectiveDate: s.CurrentPeriodEnd,
	}
	return nil
}

// ApplyPending swaps a scheduled change into the active fields. Add-ons are
// dropped so the new amount matches the pending amount.
func (s *Subscription) ApplyPending() error {
	if s.Pending == nil {
		return nil
	}
	s.AddOns = AddOnState{}
	if err := s.SetTier(s.Pending.Tier); err != nil {
		return err
	}
	s.Pending = nil
	return nil
}

// PendingDue returns true if a scheduled change has reached its date.
func (s *Subscription) PendingDue(now time.Time) bool {
	return s.Pending != nil && !now.Before(s.Pending.EffectiveDate)
}

// Expire ends a canceled subscription and drops it to the free plan.
func (s *Subscription) Expire() error {
	if !CanTransition(s.Status, StatusCanceled) {
		return fmt.Errorf("subscription %s: cannot expire from %s", s.ID, s.Status)
	}
	s.AddOns = AddOnState{}
	if err := s.SetTier(TierFree); err != nil {
		return err
	}
	s.Status = StatusCanceled
	s.Pending = nil
	s.AutoRenew = false
	return nil
}

// AdvancePeriod starts the next billing period at the previous period end.
func (s *Subscription) AdvancePeriod() {
	start := s.CurrentPeriodEnd
	s.CurrentPeriodStart = start
	s.CurrentPeriodEnd = NextPeriodEnd(start, s.BillingCycle)
	s.NextBillingDate = s.CurrentPeriodEnd
}

// NextPeriodEnd returns the end of a period that starts at start.
func NextPeriodEnd(start time.Time, cycle BillingCycle) time.Time {
	if cycle == CycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Validate checks the stored invariants. A non-nil error means the row
// drifted from the values its tier and add-ons produce.
func (s *Subscription) Validate() error {
	plan, err := PlanFor(s.Tier)
	if err != nil {
		return err
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("subscription %s: unknown status %q", s.ID, s.Status)
	}
	if !s.BillingCycle.IsValid() {
		return fmt.Errorf("subscription %s: unknown billing cycle %q", s.ID, s.BillingCycle)
	}
	if s.Pending != nil && (s.Pending.Tier == "" || s.Pending.EffectiveDate.IsZero()) {
		return fmt.Errorf("subscription %s: pending change needs both tier and effective date", s.ID)
	}
	want, err := s.ExpectedMonthlyAmount()
	if err != nil {
		return err
	}
	if s.MonthlyAmount != want {
		return fmt.Errorf("subscription %s: monthly amount %d does not match tier and add-ons (%d)", s.ID, s.MonthlyAmount, want)
	}
	if base := plan.Limits.Users; base != Unlimited && s.TotalUserLimit != base+s.AddOns.AdditionalUsers() {
		return fmt.Errorf("subscription %s: user limit %d does not match base %d plus add-ons", s.ID, s.TotalUserLimit, base)
	}
	if base := plan.Limits.StorageGB; base != Unlimited && s.StorageLimitGB != base+s.AddOns.AdditionalStorageGB {
		return fmt.Errorf("subscription %s: storage limit %d does not match base %d plus add-ons", s.ID, s.StorageLimitGB, base)
	}
	return nil
}

// NewSubscription builds a subscription on a tier starting at now.
func NewSubscription(academyID uuid.UUID, tier PlanTier, cycle BillingCycle, now time.Time) (*Subscription, error) {
	s := &Subscription{
		ID:                 uuid.New(),
		AcademyID:          academyID,
		Status:             StatusActive,
		BillingCycle:       cycle,
		AutoRenew:          true,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   NextPeriodEnd(now, cycle),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.NextBillingDate = s.CurrentPeriodEnd
	if err := s.SetTier(tier); err != nil {
		return nil, err
	}
	return s, nil
}
