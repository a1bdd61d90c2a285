package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DukeRupert/academy-billing/internal/billing"
	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartBillingKeyIssue_CreatesFreeSubscription(t *testing.T) {
	h := newHarness(t)
	academyID := uuid.New()

	sess, err := h.payments().StartBillingKeyIssue(context.Background(), academyID)
	require.NoError(t, err)
	assert.Equal(t, "mock_issue_"+academyID.String(), sess.ID)

	got := h.store.subscription(academyID)
	require.NotNil(t, got)
	assert.Equal(t, domain.TierFree, got.Tier)
	assert.Equal(t, "mock_cus_"+academyID.String(), got.GatewayCustomerID)
	assert.False(t, got.HasBillingKey())
}

func TestStartBillingKeyIssue_GatewayDown(t *testing.T) {
	h := newHarness(t)
	h.gateway.StartIssueError = &billing.GatewayError{Provider: "mock", Kind: billing.KindUnavailable}

	_, err := h.payments().StartBillingKeyIssue(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
}

func TestCompleteBillingKeyIssue(t *testing.T) {
	tests := []struct {
		name          string
		response      string
		wantCancelled bool
		wantCode      string
		wantKey       string
	}{
		{name: "issued", response: `{"billingKey":"bk_new"}`, wantKey: "bk_new"},
		{name: "customer closed the window", response: `{}`, wantCancelled: true, wantKey: "bk_test"},
		{name: "gateway rejected the card", response: `{"code":"INVALID_CARD"}`, wantCode: domain.EPAYMENT, wantKey: "bk_test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			academyID := h.store.seed(freeWithKey(uuid.New()))

			res, err := h.payments().CompleteBillingKeyIssue(context.Background(), academyID, json.RawMessage(tt.response))

			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, domain.ErrorCode(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantCancelled, res.Cancelled)
				if !tt.wantCancelled {
					require.NotNil(t, res.IssuedAt)
					assert.Equal(t, testNow, *res.IssuedAt)
					assert.Equal(t, tt.wantKey, res.Subscription.BillingKey)
				}
			}
			assert.Equal(t, tt.wantKey, h.store.subscription(academyID).BillingKey)
		})
	}
}

func TestCompleteBillingKeyIssue_RecoversSplitFailure(t *testing.T) {
	h := newHarness(t)
	academyID := h.store.seed(freeWithKey(uuid.New()))
	h.store.upsertFailures = 1

	res, err := h.payments().CompleteBillingKeyIssue(context.Background(), academyID, json.RawMessage(`{"billingKey":"bk_new"}`))
	require.NoError(t, err)

	assert.Equal(t, "bk_new", res.Subscription.BillingKey)
	assert.Equal(t, 1, h.gateway.IssueCalls)
	assert.Equal(t, "bk_new", h.store.subscription(academyID).BillingKey)
}

func TestUpdatePaymentMethod(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		gatewayErr  error
		failUpserts int
		wantCode    string
		wantKey     string
		wantUpdates int
	}{
		{name: "replaces the key", key: "bk_replaced", wantKey: "bk_replaced", wantUpdates: 1},
		{name: "empty key", key: "", wantCode: domain.EINVALID, wantKey: "bk_test"},
		{
			name:        "gateway refuses",
			key:         "bk_replaced",
			gatewayErr:  &billing.GatewayError{Provider: "mock", Kind: billing.KindRejected, Message: "card expired"},
			wantCode:    domain.EPAYMENT,
			wantKey:     "bk_test",
			wantUpdates: 1,
		},
		{
			name:        "local write fails once",
			key:         "bk_replaced",
			failUpserts: 1,
			wantKey:     "bk_replaced",
			wantUpdates: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			academyID := h.store.seed(newPaid(domain.TierBasic, domain.CycleMonthly, periodStart))
			h.gateway.UpdateError = tt.gatewayErr
			h.store.upsertFailures = tt.failUpserts

			sub, err := h.payments().UpdatePaymentMethod(context.Background(), academyID, tt.key)

			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, domain.ErrorCode(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantKey, sub.BillingKey)
			}
			assert.Equal(t, tt.wantKey, h.store.subscription(academyID).BillingKey)
			assert.Equal(t, tt.wantUpdates, h.gateway.UpdateCalls)
			assert.Zero(t, h.gateway.ChargeCalls, "updating the instrument never charges")
		})
	}
}

func TestUpdatePaymentMethod_NoSubscription(t *testing.T) {
	h := newHarness(t)

	_, err := h.payments().UpdatePaymentMethod(context.Background(), uuid.New(), "bk_new")
	require.Error(t, err)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}
