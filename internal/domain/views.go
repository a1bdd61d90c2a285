package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Service parameters and results
// =============================================================================

// SubscribeParams starts a paid subscription.
type SubscribeParams struct {
	AcademyID    uuid.UUID
	Tier         PlanTier
	BillingCycle BillingCycle
}

// StatusView is an academy's subscription together with its usage.
type StatusView struct {
	Subscription  *Subscription `json:"subscription"`
	Usage         UsageSnapshot `json:"usage"`
	Limits        LimitCheck    `json:"limits"`
	DaysRemaining int           `json:"daysRemaining"`
}

// PlanOffer is one catalog entry with its add-on increments.
type PlanOffer struct {
	Plan
	AddOns map[Dimension]AddOnIncrement `json:"addOns"`
}

// AddOnsView is the current add-on state and any scheduled tier change.
type AddOnsView struct {
	Tier       PlanTier                     `json:"tier"`
	Current    AddOnState                   `json:"current"`
	Pending    *PendingChange               `json:"pending"`
	Increments map[Dimension]AddOnIncrement `json:"increments"`
}

// TierChangeResult reports what a change-tier request did.
type TierChangeResult struct {
	Subscription *Subscription `json:"subscription"`

	// Immediate is true for upgrades. Downgrades are scheduled.
	Immediate bool     `json:"immediate"`
	Charged   Money    `json:"charged"`
	Invoice   *Invoice `json:"invoice,omitempty"`
}

// SubscribeResult reports the outcome of a subscribe request.
type SubscribeResult struct {
	Subscription *Subscription `json:"subscription"`
	Invoice      *Invoice      `json:"invoice,omitempty"`
	Trial        bool          `json:"trial"`
}

// BillingKeyResult reports the outcome of completing a hosted issuance.
// Cancelled is true when the customer closed the flow; nothing changed.
type BillingKeyResult struct {
	Cancelled    bool          `json:"cancelled"`
	Subscription *Subscription `json:"subscription,omitempty"`
	IssuedAt     *time.Time    `json:"issuedAt,omitempty"`
}
