package domain

import (
	"strconv"
	"time"
)

// AddOnQuote is the complete state that results from applying an add-on
// delta. Nothing is committed by producing one.
type AddOnQuote struct {
	Tier           PlanTier   `json:"tier"`
	AddOns         AddOnState `json:"addOns"`
	TotalUserLimit int        `json:"totalUserLimit"`
	StorageLimitGB int        `json:"storageLimitGb"`
	MonthlyAmount  Money      `json:"monthlyAmount"`
	PreviousAmount Money      `json:"previousAmount"`
	AmountDelta    Money      `json:"amountDelta"`
}

// blocks returns the number of increments needed to cover qty. Quantities
// that are not whole multiples are billed per started increment.
func blocks(qty, unit int) int64 {
	if qty <= 0 || unit <= 0 {
		return 0
	}
	return int64((qty + unit - 1) / unit)
}

// AddOnCost prices the given add-on quantities at a tier's increments.
// Tiers that sell no add-ons cost nothing.
func AddOnCost(tier PlanTier, additionalUsers, additionalStorageGB int) (Money, error) {
	users, err := IncrementFor(tier, DimensionUsers)
	if err != nil {
		return 0, err
	}
	storage, err := IncrementFor(tier, DimensionStorage)
	if err != nil {
		return 0, err
	}

	var cost Money
	if users.Purchasable {
		cost += Money(blocks(additionalUsers, users.UnitSize)) * users.UnitPrice
	}
	if storage.Purchasable {
		cost += Money(blocks(additionalStorageGB, storage.UnitSize)) * storage.UnitPrice
	}
	return cost, nil
}

// MonthlyAmountFor is the base monthly price plus add-on cost.
func MonthlyAmountFor(tier PlanTier, additionalUsers, additionalStorageGB int) (Money, error) {
	plan, err := PlanFor(tier)
	if err != nil {
		return 0, err
	}
	cost, err := AddOnCost(tier, additionalUsers, additionalStorageGB)
	if err != nil {
		return 0, err
	}
	return plan.MonthlyPrice + cost, nil
}

// ComputeNewState applies delta to current for the given tier and validates
// the result against usage and the tier's base limits. It has no side
// effects and returns the same result for the same inputs.
func ComputeNewState(tier PlanTier, current AddOnState, delta AddOnDelta, usage UsageSnapshot) (AddOnQuote, error) {
	const op = "addons.compute"

	plan, err := PlanFor(tier)
	if err != nil {
		return AddOnQuote{}, err
	}
	usersInc, err := IncrementFor(tier, DimensionUsers)
	if err != nil {
		return AddOnQuote{}, err
	}
	storageInc, err := IncrementFor(tier, DimensionStorage)
	if err != nil {
		return AddOnQuote{}, err
	}

	if delta.IsZero() {
		return AddOnQuote{}, Reject(op, ReasonNoChangesSelected, "No add-on changes were selected")
	}
	if (delta.Users() != 0 && !usersInc.Purchasable) || (delta.StorageGB != 0 && !storageInc.Purchasable) {
		return AddOnQuote{}, Reject(op, ReasonTierNotPurchasable, "The %s plan does not sell add-ons", plan.Name)
	}
	if usersInc.Purchasable && delta.Users()%usersInc.UnitSize != 0 {
		return AddOnQuote{}, Reject(op, ReasonNotWholeIncrement,
			"User add-ons are sold in blocks of %d", usersInc.UnitSize).
			WithField("users", strconv.Itoa(delta.Users()))
	}
	if storageInc.Purchasable && delta.StorageGB%storageInc.UnitSize != 0 {
		return AddOnQuote{}, Reject(op, ReasonNotWholeIncrement,
			"Storage add-ons are sold in blocks of %dGB", storageInc.UnitSize).
			WithField("storage", strconv.Itoa(delta.StorageGB))
	}

	next := AddOnState{
		AdditionalStudents:  current.AdditionalStudents + delta.Students,
		AdditionalTeachers:  current.AdditionalTeachers + delta.Teachers,
		AdditionalStorageGB: current.AdditionalStorageGB + delta.StorageGB,
	}

	userLimit := plan.Limits.Users + next.AdditionalUsers()
	storageLimit := plan.Limits.StorageGB + next.AdditionalStorageGB

	if userLimit < usage.TotalUsers() {
		return AddOnQuote{}, Reject(op, ReasonBelowUsage,
			"%d users are in use but the new limit would be %d", usage.TotalUsers(), userLimit).
			WithField("users", strconv.Itoa(usage.TotalUsers())+"/"+strconv.Itoa(userLimit))
	}
	if float64(storageLimit) < usage.CurrentStorageGB {
		return AddOnQuote{}, Reject(op, ReasonBelowUsage,
			"%sGB of storage is in use but the new limit would be %dGB", formatGB(usage.CurrentStorageGB), storageLimit).
			WithField("storage", formatGB(usage.CurrentStorageGB)+"/"+strconv.Itoa(storageLimit))
	}

	if next.AdditionalStudents < 0 || next.AdditionalTeachers < 0 || next.AdditionalStorageGB < 0 {
		return AddOnQuote{}, Reject(op, ReasonBelowBasePlan,
			"Add-ons cannot reduce limits below the %s plan allowance", plan.Name)
	}

	cost, err := AddOnCost(tier, next.AdditionalUsers(), next.AdditionalStorageGB)
	if err != nil {
		return AddOnQuote{}, err
	}
	next.Cost = cost

	previous := plan.MonthlyPrice + current.Cost
	amount := plan.MonthlyPrice + cost

	return AddOnQuote{
		Tier:           tier,
		AddOns:         next,
		TotalUserLimit: userLimit,
		StorageLimitGB: storageLimit,
		MonthlyAmount:  amount,
		PreviousAmount: previous,
		AmountDelta:    amount - previous,
	}, nil
}

// ProrateUpgrade returns the charge for moving from one monthly amount to a
// higher one with the given part of the period remaining. Amounts are
// rounded half up to whole won. Nothing is owed once the period has ended.
func ProrateUpgrade(oldAmount, newAmount Money, now, periodStart, periodEnd time.Time) Money {
	diff := newAmount - oldAmount
	if diff <= 0 || !now.Before(periodEnd) {
		return 0
	}
	total := periodEnd.Sub(periodStart)
	if total <= 0 {
		return diff
	}
	remaining := periodEnd.Sub(now)
	if remaining > total {
		remaining = total
	}
	return diff.MulDiv(int64(remaining/time.Second), int64(total/time.Second))
}
