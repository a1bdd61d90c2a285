// Package mock provides an in-memory payment gateway for development and
// tests. Charges succeed unless a response or error is configured.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/DukeRupert/academy-billing/internal/billing"
	"github.com/DukeRupert/academy-billing/internal/domain"
)

// Gateway is a mock payment gateway
type Gateway struct {
	logger *slog.Logger

	mu sync.Mutex

	// Configurable responses for testing
	StartIssueError error
	IssueKey        string
	IssueError      error
	UpdateError     error
	ChargeReceipt   *billing.ChargeReceipt
	ChargeError     error
	WebhookEvent    *domain.GatewayEvent
	WebhookError    error

	// Call tracking for testing
	StartIssueCalls int
	IssueCalls      int
	UpdateCalls     int
	ChargeCalls     int
	WebhookCalls    int
	Charges         []billing.ChargeRequest

	charged map[string]*billing.ChargeReceipt
}

// New creates a new mock gateway
func New(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		logger:  logger,
		charged: make(map[string]*billing.ChargeReceipt),
	}
}

func (g *Gateway) Name() string { return "mock" }

func (g *Gateway) StartBillingKeyIssue(ctx context.Context, c billing.Customer) (*billing.IssueSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.StartIssueCalls++
	if g.StartIssueError != nil {
		return nil, g.StartIssueError
	}
	return &billing.IssueSession{
		ID:          "mock_issue_" + c.AcademyID.String(),
		Params:      map[string]string{"customerId": c.AcademyID.String()},
		CustomerRef: "mock_cus_" + c.AcademyID.String(),
	}, nil
}

// IssueBillingKey parses the response like a real gateway, so an empty
// object still reports ErrUserCancelled.
func (g *Gateway) IssueBillingKey(ctx context.Context, c billing.Customer, response json.RawMessage) (billing.BillingKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.IssueCalls++
	if g.IssueError != nil {
		return billing.BillingKey{}, g.IssueError
	}

	var body struct {
		BillingKey string `json:"billingKey"`
		Code       string `json:"code"`
	}
	if len(response) > 0 {
		_ = json.Unmarshal(response, &body)
	}
	if body.Code != "" {
		return billing.BillingKey{}, &billing.GatewayError{Provider: g.Name(), Kind: billing.KindRejected, Code: body.Code, Message: "issue failed"}
	}
	key := body.BillingKey
	if key == "" {
		key = g.IssueKey
	}
	if key == "" {
		return billing.BillingKey{}, billing.ErrUserCancelled
	}
	return billing.BillingKey{Key: key, CustomerRef: "mock_cus_" + c.AcademyID.String()}, nil
}

func (g *Gateway) UpdateStoredInstrument(ctx context.Context, c billing.Customer, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.UpdateCalls++
	return g.UpdateError
}

// ChargeRecurring records the request. Repeating a PaymentID returns the
// first receipt without recording a second charge.
func (g *Gateway) ChargeRecurring(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ChargeCalls++

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mock: %w", billing.ErrTimeout)
	}
	if g.ChargeError != nil {
		return nil, g.ChargeError
	}
	if prev, ok := g.charged[req.PaymentID]; ok {
		return prev, nil
	}

	receipt := g.ChargeReceipt
	if receipt == nil {
		receipt = &billing.ChargeReceipt{
			PaymentID:     req.PaymentID,
			TransactionID: "mock_tx_" + req.PaymentID,
			Amount:        req.Amount,
			Confirmed:     true,
		}
	}
	g.charged[req.PaymentID] = receipt
	g.Charges = append(g.Charges, req)

	g.logger.Debug("mock charge", "payment_id", req.PaymentID, "amount", int64(req.Amount))
	return receipt, nil
}

// ParseWebhook trusts the payload. It decodes a GatewayEvent from JSON
// unless WebhookEvent is configured.
func (g *Gateway) ParseWebhook(ctx context.Context, header http.Header, payload []byte) (*domain.GatewayEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.WebhookCalls++
	if g.WebhookError != nil {
		return nil, g.WebhookError
	}
	if g.WebhookEvent != nil {
		ev := *g.WebhookEvent
		ev.Payload = payload
		return &ev, nil
	}

	var ev domain.GatewayEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}
	ev.Provider = g.Name()
	ev.Payload = payload
	return &ev, nil
}

// ChargeCount returns the number of distinct charges recorded.
func (g *Gateway) ChargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Charges)
}

var _ billing.Gateway = (*Gateway)(nil)
