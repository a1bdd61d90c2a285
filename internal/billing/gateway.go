// Package billing adapts third-party payment gateways to the subscription
// service.
//
// A gateway stores a card as a billing key through a hosted flow, charges
// that key off-session, and reports charge outcomes through signed
// webhooks. Implementations:
//   - Stripe: Checkout in setup mode, PaymentIntents, signed events
//   - PortOne: browser SDK issuance, billing-key payments, Standard Webhooks
//   - mock: in-memory gateway for development and tests
package billing

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/google/uuid"
)

// Gateway is the contract every payment provider implements.
type Gateway interface {
	// Name identifies the provider in logs, metrics, and webhook records.
	Name() string

	// StartBillingKeyIssue opens the hosted flow where the customer enters a
	// card. The returned session tells the client where to go next.
	StartBillingKeyIssue(ctx context.Context, customer Customer) (*IssueSession, error)

	// IssueBillingKey interprets the response the hosted flow returned to
	// the client. It returns ErrUserCancelled when the customer backed out,
	// a *GatewayError when the gateway reported a failure, and the usable
	// key otherwise.
	IssueBillingKey(ctx context.Context, customer Customer, response json.RawMessage) (BillingKey, error)

	// UpdateStoredInstrument makes key the instrument future charges use.
	// It never charges.
	UpdateStoredInstrument(ctx context.Context, customer Customer, key string) error

	// ChargeRecurring charges a stored key once. A decline is returned as a
	// *GatewayError with KindDeclined. Reusing a PaymentID never charges
	// twice.
	ChargeRecurring(ctx context.Context, req ChargeRequest) (*ChargeReceipt, error)

	// ParseWebhook verifies the request came from the gateway and maps it
	// to a gateway-neutral event.
	ParseWebhook(ctx context.Context, header http.Header, payload []byte) (*domain.GatewayEvent, error)
}

// Customer identifies the paying academy to the gateway.
type Customer struct {
	AcademyID  uuid.UUID
	Email      string
	Name       string
	ExternalID string // gateway customer id, if one exists yet
}

// IssueSession is what the client needs to open the hosted flow.
type IssueSession struct {
	ID          string            `json:"id"`
	RedirectURL string            `json:"redirectUrl,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	CustomerRef string            `json:"-"`
}

// BillingKey is a stored, chargeable instrument.
type BillingKey struct {
	Key         string
	CustomerRef string
}

// ChargeRequest describes one off-session charge.
type ChargeRequest struct {
	PaymentID   string
	Customer    Customer
	BillingKey  string
	Amount      domain.Money
	OrderName   string
	Description string
}

// ChargeReceipt is the gateway's acknowledgement of a charge.
type ChargeReceipt struct {
	PaymentID     string
	TransactionID string
	Amount        domain.Money
	// Confirmed is true if the gateway reported the charge as paid in the
	// synchronous response. Otherwise the outcome arrives by webhook.
	Confirmed bool
}
