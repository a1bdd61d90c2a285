package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DukeRupert/academy-billing/internal/domain"
)

// DefaultPortOneBaseURL is the PortOne V2 REST endpoint.
const DefaultPortOneBaseURL = "https://api.portone.io"

// PortOneConfig configures the PortOne gateway.
type PortOneConfig struct {
	APISecret     string
	StoreID       string
	ChannelKey    string
	WebhookSecret string
	BaseURL       string
	HTTPClient    *http.Client
}

// portOneGateway implements Gateway on PortOne V2. Billing keys are issued
// by the browser SDK and charged through the billing-key payment API.
type portOneGateway struct {
	cfg      PortOneConfig
	client   *http.Client
	verifier *SignatureVerifier
}

// NewPortOneGateway creates a PortOne-backed gateway.
func NewPortOneGateway(cfg PortOneConfig) Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPortOneBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &portOneGateway{
		cfg:      cfg,
		client:   client,
		verifier: NewSignatureVerifier(cfg.WebhookSecret),
	}
}

func (g *portOneGateway) Name() string { return "portone" }

// portOneError is the error body PortOne returns on non-2xx responses.
type portOneError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	PgCode    string `json:"pgCode"`
	PgMessage string `json:"pgMessage"`
}

func (g *portOneGateway) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(g.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "PortOne "+g.cfg.APISecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return classifyTransport(g.Name(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransport(g.Name(), err)
	}

	if resp.StatusCode >= 300 {
		var pe portOneError
		_ = json.Unmarshal(data, &pe)
		return g.classify(resp.StatusCode, pe)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func (g *portOneGateway) classify(status int, pe portOneError) error {
	msg := pe.Message
	if pe.PgMessage != "" {
		msg = pe.PgMessage
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := pe.Type
	if pe.PgCode != "" {
		code = pe.Type + ":" + pe.PgCode
	}

	kind := KindRejected
	switch {
	case status >= 500:
		kind = KindUnavailable
	case pe.Type == "PG_PROVIDER" || pe.Type == "BILLING_KEY_ALREADY_DELETED" || pe.Type == "BILLING_KEY_NOT_FOUND":
		kind = KindDeclined
	}
	return &GatewayError{Provider: g.Name(), Kind: kind, Code: code, Message: msg}
}

func (g *portOneGateway) StartBillingKeyIssue(ctx context.Context, c Customer) (*IssueSession, error) {
	issueID := fmt.Sprintf("issue_%s_%d", strings.ReplaceAll(c.AcademyID.String(), "-", ""), time.Now().UnixMilli())
	return &IssueSession{
		ID: issueID,
		Params: map[string]string{
			"storeId":          g.cfg.StoreID,
			"channelKey":       g.cfg.ChannelKey,
			"billingKeyMethod": "CARD",
			"issueId":          issueID,
			"issueName":        "Academy subscription card",
			"customerId":       c.AcademyID.String(),
		},
		CustomerRef: c.AcademyID.String(),
	}, nil
}

type portOneBillingKeyInfo struct {
	Status     string `json:"status"`
	BillingKey string `json:"billingKey"`
	Customer   struct {
		ID string `json:"id"`
	} `json:"customer"`
}

func (g *portOneGateway) lookupBillingKey(ctx context.Context, key string) (*portOneBillingKeyInfo, error) {
	var info portOneBillingKeyInfo
	if err := g.do(ctx, http.MethodGet, "/billing-keys/"+url.PathEscape(key), nil, &info); err != nil {
		return nil, err
	}
	if info.Status != "" && info.Status != "ISSUED" {
		return nil, &GatewayError{Provider: g.Name(), Kind: KindRejected, Code: info.Status, Message: "billing key is not active"}
	}
	return &info, nil
}

func (g *portOneGateway) IssueBillingKey(ctx context.Context, c Customer, response json.RawMessage) (BillingKey, error) {
	resp, err := parseIssueResponse(g.Name(), response)
	if err != nil {
		return BillingKey{}, err
	}
	if resp.BillingKey == "" {
		return BillingKey{}, &GatewayError{Provider: g.Name(), Kind: KindRejected, Message: "billing key missing from response"}
	}

	// The browser response is client-supplied, so confirm with the API.
	if _, err := g.lookupBillingKey(ctx, resp.BillingKey); err != nil {
		return BillingKey{}, err
	}
	return BillingKey{Key: resp.BillingKey, CustomerRef: c.AcademyID.String()}, nil
}

func (g *portOneGateway) UpdateStoredInstrument(ctx context.Context, c Customer, key string) error {
	_, err := g.lookupBillingKey(ctx, key)
	return err
}

type portOneChargeRequest struct {
	StoreID    string `json:"storeId,omitempty"`
	BillingKey string `json:"billingKey"`
	OrderName  string `json:"orderName"`
	Customer   struct {
		ID   string `json:"id"`
		Name struct {
			Full string `json:"full"`
		} `json:"name"`
		Email string `json:"email,omitempty"`
	} `json:"customer"`
	Amount struct {
		Total int64 `json:"total"`
	} `json:"amount"`
	Currency string `json:"currency"`
}

type portOneChargeResponse struct {
	Payment struct {
		PgTxID string `json:"pgTxId"`
		PaidAt string `json:"paidAt"`
	} `json:"payment"`
}

func (g *portOneGateway) ChargeRecurring(ctx context.Context, req ChargeRequest) (*ChargeReceipt, error) {
	var body portOneChargeRequest
	body.StoreID = g.cfg.StoreID
	body.BillingKey = req.BillingKey
	body.OrderName = req.OrderName
	body.Customer.ID = req.Customer.AcademyID.String()
	body.Customer.Name.Full = req.Customer.Name
	body.Customer.Email = req.Customer.Email
	body.Amount.Total = int64(req.Amount)
	body.Currency = domain.Currency.String()

	var out portOneChargeResponse
	err := g.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(req.PaymentID)+"/billing-key", body, &out)
	if err != nil {
		var ge *GatewayError
		if errors.As(err, &ge) && strings.HasPrefix(ge.Code, "ALREADY_PAID") {
			return &ChargeReceipt{PaymentID: req.PaymentID, Amount: req.Amount, Confirmed: true}, nil
		}
		return nil, err
	}
	return &ChargeReceipt{
		PaymentID:     req.PaymentID,
		TransactionID: out.Payment.PgTxID,
		Amount:        req.Amount,
		Confirmed:     true,
	}, nil
}

type portOneWebhook struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      struct {
		PaymentID     string `json:"paymentId"`
		TransactionID string `json:"transactionId"`
		StoreID       string `json:"storeId"`
	} `json:"data"`
}

type portOnePayment struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount struct {
		Total int64 `json:"total"`
	} `json:"amount"`
	Failure struct {
		Reason string `json:"reason"`
	} `json:"failure"`
}

func (g *portOneGateway) ParseWebhook(ctx context.Context, header http.Header, payload []byte) (*domain.GatewayEvent, error) {
	id, err := g.verifier.Verify(header, payload)
	if err != nil {
		return nil, err
	}

	var hook portOneWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("%w: portone: %v", ErrMalformedWebhook, err)
	}

	out := &domain.GatewayEvent{
		Provider:  g.Name(),
		ID:        id,
		Type:      hook.Type,
		Kind:      domain.EventIgnored,
		PaymentID: hook.Data.PaymentID,
		Payload:   payload,
	}
	if ts, err := time.Parse(time.RFC3339, hook.Timestamp); err == nil {
		out.OccurredAt = ts
	}

	switch hook.Type {
	case "Transaction.Paid", "Transaction.Failed":
	default:
		return out, nil
	}

	// Webhook bodies carry no amount, so read the payment itself.
	var payment portOnePayment
	if err := g.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(hook.Data.PaymentID), nil, &payment); err != nil {
		return nil, err
	}
	out.Amount = domain.Money(payment.Amount.Total)
	switch payment.Status {
	case "PAID":
		out.Kind = domain.EventChargeSucceeded
	case "FAILED":
		out.Kind = domain.EventChargeFailed
		out.FailureReason = payment.Failure.Reason
	}
	return out, nil
}

var _ Gateway = (*portOneGateway)(nil)
