package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeConfig configures the Stripe gateway.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string // must contain {CHECKOUT_SESSION_ID}
	CancelURL     string

	// Backends overrides the API endpoint. Tests point it at httptest.
	Backends *stripe.Backends
}

// stripeGateway implements Gateway on Stripe. A billing key is a
// PaymentMethod id attached to the academy's Stripe customer.
type stripeGateway struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
}

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(cfg StripeConfig) Gateway {
	api := &client.API{}
	api.Init(cfg.SecretKey, cfg.Backends)
	return &stripeGateway{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
	}
}

func (g *stripeGateway) Name() string { return "stripe" }

func (g *stripeGateway) ensureCustomer(ctx context.Context, c Customer) (string, error) {
	if c.ExternalID != "" {
		return c.ExternalID, nil
	}
	params := &stripe.CustomerParams{
		Email: stripe.String(c.Email),
		Name:  stripe.String(c.Name),
	}
	params.Context = ctx
	params.AddMetadata("academy_id", c.AcademyID.String())
	params.SetIdempotencyKey("customer_" + c.AcademyID.String())

	cust, err := g.api.Customers.New(params)
	if err != nil {
		return "", g.classify(err)
	}
	return cust.ID, nil
}

func (g *stripeGateway) StartBillingKeyIssue(ctx context.Context, c Customer) (*IssueSession, error) {
	customerID, err := g.ensureCustomer(ctx, c)
	if err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(customerID),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSetup)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(g.successURL),
		CancelURL:          stripe.String(g.cancelURL),
	}
	params.Context = ctx
	params.AddMetadata("academy_id", c.AcademyID.String())

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, g.classify(err)
	}
	return &IssueSession{ID: sess.ID, RedirectURL: sess.URL, CustomerRef: customerID}, nil
}

func (g *stripeGateway) IssueBillingKey(ctx context.Context, c Customer, response json.RawMessage) (BillingKey, error) {
	resp, err := parseIssueResponse(g.Name(), response)
	if err != nil {
		return BillingKey{}, err
	}
	if resp.SessionID == "" {
		return BillingKey{}, &GatewayError{Provider: g.Name(), Kind: KindRejected, Message: "checkout session id missing"}
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("setup_intent")

	sess, err := g.api.CheckoutSessions.Get(resp.SessionID, params)
	if err != nil {
		return BillingKey{}, g.classify(err)
	}
	if sess.Metadata["academy_id"] != c.AcademyID.String() {
		return BillingKey{}, &GatewayError{Provider: g.Name(), Kind: KindRejected, Message: "checkout session belongs to another academy"}
	}

	// Open or expired sessions mean the customer never finished the form.
	if sess.Status != stripe.CheckoutSessionStatusComplete {
		return BillingKey{}, ErrUserCancelled
	}
	if sess.SetupIntent == nil || sess.SetupIntent.PaymentMethod == nil {
		return BillingKey{}, &GatewayError{Provider: g.Name(), Kind: KindRejected, Message: "setup completed without a payment method"}
	}

	key := BillingKey{Key: sess.SetupIntent.PaymentMethod.ID}
	if sess.Customer != nil {
		key.CustomerRef = sess.Customer.ID
	}
	return key, nil
}

func (g *stripeGateway) UpdateStoredInstrument(ctx context.Context, c Customer, key string) error {
	customerID, err := g.ensureCustomer(ctx, c)
	if err != nil {
		return err
	}

	getParams := &stripe.PaymentMethodParams{}
	getParams.Context = ctx
	pm, err := g.api.PaymentMethods.Get(key, getParams)
	if err != nil {
		return g.classify(err)
	}
	if pm.Customer == nil || pm.Customer.ID != customerID {
		attach := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
		attach.Context = ctx
		if _, err := g.api.PaymentMethods.Attach(key, attach); err != nil {
			return g.classify(err)
		}
	}

	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(key),
		},
	}
	params.Context = ctx
	if _, err := g.api.Customers.Update(customerID, params); err != nil {
		return g.classify(err)
	}
	return nil
}

func (g *stripeGateway) ChargeRecurring(ctx context.Context, req ChargeRequest) (*ChargeReceipt, error) {
	if req.Customer.ExternalID == "" {
		return nil, &GatewayError{Provider: g.Name(), Kind: KindRejected, Message: "academy has no Stripe customer"}
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(strings.ToLower(domain.Currency.String())),
		Customer:      stripe.String(req.Customer.ExternalID),
		PaymentMethod: stripe.String(req.BillingKey),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(req.OrderName),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.PaymentID)
	params.AddMetadata("payment_id", req.PaymentID)
	params.AddMetadata("academy_id", req.Customer.AcademyID.String())

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, g.classify(err)
	}
	return &ChargeReceipt{
		PaymentID:     req.PaymentID,
		TransactionID: pi.ID,
		Amount:        domain.Money(pi.Amount),
		Confirmed:     pi.Status == stripe.PaymentIntentStatusSucceeded,
	}, nil
}

func (g *stripeGateway) ParseWebhook(ctx context.Context, header http.Header, payload []byte) (*domain.GatewayEvent, error) {
	if err := webhook.ValidatePayload(payload, header.Get("Stripe-Signature"), g.webhookSecret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	// A verified body that fails to decode is malformed. The API version is
	// not checked.
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: stripe event: %v", ErrMalformedWebhook, err)
	}

	out := &domain.GatewayEvent{
		Provider:   g.Name(),
		ID:         event.ID,
		Type:       string(event.Type),
		Kind:       domain.EventIgnored,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Payload:    payload,
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: stripe payment intent: %v", ErrMalformedWebhook, err)
		}
		out.PaymentID = pi.Metadata["payment_id"]
		out.Amount = domain.Money(pi.Amount)
		if event.Type == "payment_intent.succeeded" {
			out.Kind = domain.EventChargeSucceeded
		} else {
			out.Kind = domain.EventChargeFailed
			if pi.LastPaymentError != nil {
				out.FailureReason = pi.LastPaymentError.Msg
			}
		}
	}
	return out, nil
}

// classify maps stripe errors onto gateway error kinds.
func (g *stripeGateway) classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.Type == stripe.ErrorTypeCard:
			return &GatewayError{Provider: g.Name(), Kind: KindDeclined, Code: string(se.Code), Message: se.Msg, Err: err}
		case se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 0:
			return &GatewayError{Provider: g.Name(), Kind: KindUnavailable, Code: string(se.Code), Message: se.Msg, Err: err}
		default:
			return &GatewayError{Provider: g.Name(), Kind: KindRejected, Code: string(se.Code), Message: se.Msg, Err: err}
		}
	}
	return classifyTransport(g.Name(), err)
}

var _ Gateway = (*stripeGateway)(nil)
