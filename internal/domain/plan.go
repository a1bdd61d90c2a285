package domain

import (
	"fmt"
	"sort"
)

// PlanTier is a named subscription plan level.
type PlanTier string

const (
	TierFree       PlanTier = "free"
	TierBasic      PlanTier = "basic"
	TierPro        PlanTier = "pro"
	TierEnterprise PlanTier = "enterprise"
)

// Unlimited marks a limit with no ceiling.
const Unlimited = -1

// BillingCycle is how often a subscription renews.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// IsValid returns true if the billing cycle is known.
func (c BillingCycle) IsValid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// PlanLimits are the capacity allowances included in a tier.
type PlanLimits struct {
	Users      int `json:"users"`
	StorageGB  int `json:"storageGb"`
	Classrooms int `json:"classrooms"`
}

// Plan is immutable reference data for one tier.
type Plan struct {
	Tier         PlanTier   `json:"tier"`
	Name         string     `json:"name"`
	Rank         int        `json:"-"`
	MonthlyPrice Money      `json:"monthlyPrice"`
	YearlyPrice  Money      `json:"yearlyPrice"`
	Limits       PlanLimits `json:"limits"`

	// SelfService tiers can be chosen through change-tier and subscribe.
	SelfService bool `json:"selfService"`
}

// PriceFor returns the base charge for one billing cycle.
func (p Plan) PriceFor(cycle BillingCycle) Money {
	if cycle == CycleYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

// catalog is keyed by tier. Amounts are whole won.
var catalog = map[PlanTier]Plan{
	TierFree: {
		Tier:         TierFree,
		Name:         "Free",
		Rank:         0,
		MonthlyPrice: 0,
		YearlyPrice:  0,
		Limits:       PlanLimits{Users: 5, StorageGB: 1, Classrooms: 2},
		SelfService:  true,
	},
	TierBasic: {
		Tier:         TierBasic,
		Name:         "Basic",
		Rank:         1,
		MonthlyPrice: 50_000,
		YearlyPrice:  500_000,
		Limits:       PlanLimits{Users: 10, StorageGB: 10, Classrooms: 10},
		SelfService:  true,
	},
	TierPro: {
		Tier:         TierPro,
		Name:         "Pro",
		Rank:         2,
		MonthlyPrice: 150_000,
		YearlyPrice:  1_500_000,
		Limits:       PlanLimits{Users: 50, StorageGB: 50, Classrooms: 50},
		SelfService:  true,
	},
	TierEnterprise: {
		Tier:         TierEnterprise,
		Name:         "Enterprise",
		Rank:         3,
		MonthlyPrice: 0,
		YearlyPrice:  0,
		Limits:       PlanLimits{Users: Unlimited, StorageGB: Unlimited, Classrooms: Unlimited},
		SelfService:  false,
	},
}

// PlanFor returns the plan for a tier. An unknown tier is a
// ConfigurationError.
func PlanFor(tier PlanTier) (Plan, error) {
	p, ok := catalog[tier]
	if !ok {
		return Plan{}, &ConfigurationError{
			Subject: "tier",
			Detail:  fmt.Sprintf("%q is not in the plan catalog", tier),
			Err:     ErrUnknownTier,
		}
	}
	return p, nil
}

// MustPlan is PlanFor for tiers that were validated at the boundary.
func MustPlan(tier PlanTier) Plan {
	p, err := PlanFor(tier)
	if err != nil {
		panic(err)
	}
	return p
}

// IsKnownTier returns true if the tier is in the catalog.
func IsKnownTier(tier PlanTier) bool {
	_, ok := catalog[tier]
	return ok
}

// Plans returns every plan ordered from lowest to highest rank.
func Plans() []Plan {
	plans := make([]Plan, 0, len(catalog))
	for _, p := range catalog {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Rank < plans[j].Rank })
	return plans
}

// CompareTiers returns a negative number if a ranks below b, zero if equal,
// and a positive number if a ranks above b.
func CompareTiers(a, b PlanTier) (int, error) {
	pa, err := PlanFor(a)
	if err != nil {
		return 0, err
	}
	pb, err := PlanFor(b)
	if err != nil {
		return 0, err
	}
	return pa.Rank - pb.Rank, nil
}

// ValidateCatalog checks that every tier has a plan and every purchasable
// add-on has a usable increment. It runs once at startup.
func ValidateCatalog() error {
	for _, tier := range []PlanTier{TierFree, TierBasic, TierPro, TierEnterprise} {
		p, err := PlanFor(tier)
		if err != nil {
			return err
		}
		if p.MonthlyPrice < 0 || p.YearlyPrice < 0 {
			return &ConfigurationError{Subject: string(tier), Detail: "negative price"}
		}
		for _, dim := range Dimensions() {
			inc, ok := increments[tier][dim]
			if !ok {
				return &ConfigurationError{Subject: string(tier), Detail: fmt.Sprintf("no %s add-on entry", dim)}
			}
			if inc.Purchasable && (inc.UnitSize <= 0 || inc.UnitPrice <= 0) {
				return &ConfigurationError{Subject: string(tier), Detail: fmt.Sprintf("%s add-on has no unit size or price", dim)}
			}
		}
	}
	return nil
}
