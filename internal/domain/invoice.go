package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus is the outcome of one charge attempt.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceFailed  InvoiceStatus = "failed"
)

// InvoiceKind is why a charge was made.
type InvoiceKind string

const (
	InvoiceInitial   InvoiceKind = "initial"
	InvoiceRecurring InvoiceKind = "recurring"
	InvoiceUpgrade   InvoiceKind = "upgrade"
)

// Invoice records a charge against an academy's billing key.
type Invoice struct {
	ID             uuid.UUID     `json:"id"`
	SubscriptionID uuid.UUID     `json:"subscriptionId"`
	AcademyID      uuid.UUID     `json:"academyId"`
	PaymentID      string        `json:"paymentId"`
	Kind           InvoiceKind   `json:"kind"`
	Tier           PlanTier      `json:"tier"`
	Amount         Money         `json:"amount"`
	Status         InvoiceStatus `json:"status"`
	PeriodStart    time.Time     `json:"periodStart"`
	PeriodEnd      time.Time     `json:"periodEnd"`
	FailureReason  string        `json:"failureReason,omitempty"`
	PaidAt         *time.Time    `json:"paidAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// IsSettled returns true once the invoice reached a final status.
func (i *Invoice) IsSettled() bool {
	return i.Status == InvoicePaid || i.Status == InvoiceFailed
}

// PaymentID builds the gateway payment id for a charge. Renewal ids are
// derived from the period start so the same period always maps to the same
// payment, which the gateways treat as an idempotency key.
func PaymentID(kind InvoiceKind, subscriptionID uuid.UUID, at time.Time) string {
	short := strings.ReplaceAll(subscriptionID.String(), "-", "")
	switch kind {
	case InvoiceRecurring:
		return fmt.Sprintf("renew_%s_%s", short, at.UTC().Format("20060102"))
	default:
		return fmt.Sprintf("%s_%s_%d", kind, short, at.UTC().UnixMilli())
	}
}

// OrderName is the human-readable charge description shown by the gateway.
func OrderName(tier PlanTier, cycle BillingCycle, kind InvoiceKind) string {
	plan, err := PlanFor(tier)
	name := string(tier)
	if err == nil {
		name = plan.Name
	}
	switch kind {
	case InvoiceUpgrade:
		return fmt.Sprintf("%s plan upgrade", name)
	default:
		return fmt.Sprintf("%s plan (%s)", name, cycle)
	}
}

// Cycle returns the billing cycle an initial invoice's period covers.
func (i *Invoice) Cycle() BillingCycle {
	if NextPeriodEnd(i.PeriodStart, CycleYearly).Equal(i.PeriodEnd) {
		return CycleYearly
	}
	return CycleMonthly
}
