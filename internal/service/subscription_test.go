package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DukeRupert/academy-billing/internal/billing"
	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withAddOns(t *testing.T, sub *domain.Subscription, delta domain.AddOnDelta) *domain.Subscription {
	t.Helper()
	quote, err := domain.ComputeNewState(sub.Tier, sub.AddOns, delta, domain.UsageSnapshot{})
	require.NoError(t, err)
	sub.ApplyAddOnQuote(quote)
	return sub
}

// =============================================================================
// Reads
// =============================================================================

func TestStatus(t *testing.T) {
	h := newHarness(t)
	academyID := h.store.seed(newPaid(domain.TierBasic, domain.CycleMonthly, periodStart))
	h.store.setUsage(academyID, 9, 3, 2.5, 4)

	view, err := h.subscriptions().Status(context.Background(), academyID)
	require.NoError(t, err)

	assert.Equal(t, domain.TierBasic, view.Subscription.Tier)
	assert.Equal(t, 12, view.Usage.TotalUsers())
	assert.False(t, view.Limits.IsValid)
	assert.Equal(t, []string{"Users: 12/10"}, view.Limits.ExceededLimits)
	assert.Equal(t, 22, view.DaysRemaining)
}

func TestStatus_NoSubscription(t *testing.T) {
	h := newHarness(t)

	_, err := h.subscriptions().Status(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestPlans(t *testing.T) {
	h := newHarness(t)

	offers := h.subscriptions().Plans()
	require.Len(t, offers, 4)

	tiers := make([]domain.PlanTier, len(offers))
	for i, o := range offers {
		tiers[i] = o.Tier
	}
	assert.Equal(t, []domain.PlanTier{domain.TierFree, domain.TierBasic, domain.TierPro, domain.TierEnterprise}, tiers)

	basic := offers[1]
	assert.Equal(t, domain.AddOnIncrement{Purchasable: true, UnitSize: 5, UnitPrice: 10_000}, basic.AddOns[domain.DimensionUsers])
	assert.False(t, offers[3].AddOns[domain.DimensionStorage].Purchasable)
}

// =============================================================================
// Add-ons
// =============================================================================

func TestPurchaseAddOns(t *testing.T) {
	tests := []struct {
		name       string
		tier       domain.PlanTier
		existing   domain.AddOnDelta
		usage      [4]int // students, teachers, storage GB, classrooms
		delta      domain.AddOnDelta
		wantReason domain.Reason
		wantAmount domain.Money
		wantUsers  int
	}{
		{
			name:       "basic buys five students",
			tier:       domain.TierBasic,
			delta:      domain.AddOnDelta{Students: 5},
			wantAmount: 60_000,
			wantUsers:  15,
		},
		{
			name:       "pro buys users and storage",
			tier:       domain.TierPro,
			delta:      domain.AddOnDelta{Teachers: 10, StorageGB: 20},
			wantAmount: 180_000,
			wantUsers:  60,
		},
		{
			name:       "partial block",
			tier:       domain.TierBasic,
			delta:      domain.AddOnDelta{Students: 3},
			wantReason: domain.ReasonNotWholeIncrement,
		},
		{
			name:       "nothing selected",
			tier:       domain.TierBasic,
			wantReason: domain.ReasonNoChangesSelected,
		},
		{
			name:       "free tier sells nothing",
			tier:       domain.TierFree,
			delta:      domain.AddOnDelta{Students: 5},
			wantReason: domain.ReasonTierNotPurchasable,
		},
		{
			name:       "reduction below usage",
			tier:       domain.TierBasic,
			existing:   domain.AddOnDelta{Students: 5},
			usage:      [4]int{10, 2, 0, 1},
			delta:      domain.AddOnDelta{Students: -5},
			wantReason: domain.ReasonBelowUsage,
		},
		{
			name:       "reduction below base plan",
			tier:       domain.TierBasic,
			delta:      domain.AddOnDelta{Students: -5},
			wantReason: domain.ReasonBelowBasePlan,
		},
		{
			name:       "reduction that fits usage",
			tier:       domain.TierBasic,
			existing:   domain.AddOnDelta{Students: 10},
			usage:      [4]int{12, 2, 0, 1},
			delta:      domain.AddOnDelta{Students: -5},
			wantAmount: 60_000,
			wantUsers:  15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			sub := newPaid(tt.tier, domain.CycleMonthly, periodStart)
			if !tt.existing.IsZero() {
				withAddOns(t, sub, tt.existing)
			}
			academyID := h.store.seed(sub)
			before := h.store.subscription(academyID)
			h.store.setUsage(academyID, tt.usage[0], tt.usage[1], float64(tt.usage[2]), tt.usage[3])

			got, err := h.subscriptions().PurchaseAddOns(context.Background(), academyID, tt.delta)

			if tt.wantReason != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantReason, domain.RejectionReason(err))
				assert.Equal(t, before, h.store.subscription(academyID), "rejected change must not write")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAmount, got.MonthlyAmount)
			assert.Equal(t, tt.wantUsers, got.TotalUserLimit)
			assert.NoError(t, got.Validate())
			assert.Zero(t, h.gateway.ChargeCalls, "add-ons are billed at renewal")
		})
	}
}

func TestCancelAddOns(t *testing.T) {
	h := newHarness(t)
	sub := withAddOns(t, newPaid(domain.TierPro, domain.CycleMonthly, periodStart), domain.AddOnDelta{Students: 10, StorageGB: 20})
	academyID := h.store.seed(sub)
	h.store.setUsage(academyID, 30, 5, 10, 3)

	got, err := h.subscriptions().CancelAddOns(context.Background(), academyID)
	require.NoError(t, err)

	assert.True(t, got.AddOns.IsEmpty())
	assert.Equal(t, domain.Money(150_000), got.MonthlyAmount)
	assert.Equal(t, 50, got.TotalUserLimit)
	assert.Equal(t, 50, got.StorageLimitGB)
}

func TestCancelAddOns_UsageFloor(t *testing.T) {
	h := newHarness(t)
	sub := withAddOns(t, newPaid(domain.TierBasic, domain.CycleMonthly, periodStart), domain.AddOnDelta{Teachers: 5})
	academyID := h.store.seed(sub)
	h.store.setUsage(academyID, 8, 4, 0, 1)

	_, err := h.subscriptions().CancelAddOns(context.Background(), academyID)
	require.Error(t, err)
	assert.True(t, domain.IsRejected(err, domain.ReasonBelowUsage))
	assert.Equal(t, 5, h.store.subscription(academyID).AddOns.AdditionalTeachers)
}

func TestPreviewAddOns_DoesNotWrite(t *testing.T) {
	h := newHarness(t)
	academyID := h.store.seed(newPaid(domain.TierBasic, domain.CycleMonthly, periodStart))
	upserts := h.store.upserts

	quote, err := h.subscriptions().PreviewAddOns(context.Background(), academyID, domain.AddOnDelta{StorageGB: 10})
	require.NoError(t, err)

	assert.Equal(t, domain.Money(60_000), quote.MonthlyAmount)
	assert.Equal(t, domain.Money(10_000), quote.AmountDelta)
	assert.Equal(t, upserts, h.store.upserts)
}

func TestAddOnsView(t *testing.T) {
	h := newHarness(t)
	sub := withAddOns(t, newPaid(domain.TierBasic, domain.CycleMonthly, periodStart), domain.AddOnDelta{Students: 5})
	academyID := h.store.seed(sub)

	view, err := h.subscriptions().AddOns(context.Background(), academyID)
	require.NoError(t, err)

	assert.Equal(t, domain.TierBasic, view.Tier)
	assert.Equal(t, 5, view.Current.AdditionalStudents)
	assert.Equal(t, 5, view.Increments[domain.DimensionStorage].UnitSize)
	assert.Nil(t, view.Pending)
}

// =============================================================================
// Tier changes
// =============================================================================

func TestChangeTier_Upgrade(t *testing.T) {
	h := newHarness(t)
	sub := withAddOns(t, newPaid(domain.TierBasic, domain.CycleMonthly, periodStart), domain.AddOnDelta{Students: 5})
	academyID := h.store.seed(sub)

	res, err := h.subscriptions().ChangeTier(context.Background(), academyID, domain.TierPro)
	require.NoError(t, err)

	// 100,000 won difference for 22 of 31 days, rounded half up.
	assert.True(t, res.Immediate)
	assert.Equal(t, domain.Money(70_968), res.Charged)
	require.Len(t, h.gateway.Charges, 1)
	assert.Equal(t, domain.Money(70_968), h.gateway.Charges[0].Amount)
	assert.Equal(t, "bk_test", h.gateway.Charges[0].BillingKey)

	got := h.store.subscription(academyID)
	assert.Equal(t, domain.TierPro, got.Tier)
	assert.Equal(t, 5, got.AddOns.AdditionalStudents, "add-ons carry over")
	assert.Equal(t, domain.Money(165_000), got.MonthlyAmount, "add-ons repriced at pro increments")
	assert.Equal(t, 55, got.TotalUserLimit)
	assert.Equal(t, periodStart.AddDate(0, 1, 0), got.CurrentPeriodEnd, "upgrade keeps the period")

	require.NotNil(t, res.Invoice)
	inv, ok := h.store.invoice(res.Invoice.PaymentID)
	require.True(t, ok)
	assert.Equal(t, domain.InvoiceUpgrade, inv.Kind)
	assert.Equal(t, domain.InvoicePaid, inv.Status)
}

func TestChangeTier_UpgradeClearsPendingDowngrade(t *testing.T) {
	h := newHarness(t)
	basic := newPaid(domain.TierBasic, domain.CycleMonthly, periodStart)
	require.NoError(t, basic.ScheduleDowngrade(domain.TierFree))
	basicID := h.store.seed(basic)

	res, err := h.subscriptions().ChangeTier(context.Background(), basicID, domain.TierPro)
	require.NoError(t, err)
	assert.Nil(t, res.Subscription.Pending)
}

func TestCancelPendingChange(t *testing.T) {
	h := newHarness(t)
	sub := newPaid(domain.TierPro, domain.CycleMonthly, periodStart)
	require.NoError(t, sub.ScheduleDowngrade(domain.TierBasic))
	academyID := h.store.seed(sub)

	svc := h.subscriptions()
	_, err := svc.CancelPendingChange(context.Background(), academyID)
	require.NoError(t, err)
	assert.Nil(t, h.store.subscription(academyID).Pending)

	_, err = svc.CancelPendingChange(context.Background(), academyID)
	assert.True(t, domain.IsRejected(err, domain.ReasonNoChangesSelected))
}

func TestChangeTier_UpgradeFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *harness, sub *domain.Subscription)
		wantCode string
		reason   domain.Reason
		// wantInvoice is the status of the reserved invoice, or "" when
		// nothing was reserved.
		wantInvoice domain.InvoiceStatus
	}{
		{
			name: "no billing key",
			setup: func(_ *harness, sub *domain.Subscription) {
				sub.BillingKey = ""
				sub.BillingKeyIssuedAt = nil
			},
			wantCode: domain.EREJECTED,
			reason:   domain.ReasonNoBillingKey,
		},
		{
			name: "past due",
			setup: func(_ *harness, sub *domain.Subscription) {
				sub.Status = domain.StatusPastDue
			},
			wantCode: domain.EREJECTED,
			reason:   domain.ReasonSubscriptionInactive,
		},
		{
			name: "declined",
			setup: func(h *harness, _ *domain.Subscription) {
				h.gateway.ChargeError = &billing.GatewayError{Provider: "mock", Kind: billing.KindDeclined, Message: "insufficient funds"}
			},
			wantCode:    domain.EPAYMENT,
			wantInvoice: domain.InvoiceFailed,
		},
		{
			name: "timeout",
			setup: func(h *harness, _ *domain.Subscription) {
				h.gateway.ChargeError = billing.ErrTimeout
			},
			wantCode:    domain.ETIMEOUT,
			wantInvoice: domain.InvoicePending,
		},
		{
			name: "gateway unavailable",
			setup: func(h *harness, _ *domain.Subscription) {
				h.gateway.ChargeError = &billing.GatewayError{Provider: "mock", Kind: billing.KindUnavailable, Message: "502"}
			},
			wantCode:    domain.EUNAVAILABLE,
			wantInvoice: domain.InvoicePending,
		},
		{
			name: "accepted but unconfirmed",
			setup: func(h *harness, _ *domain.Subscription) {
				h.gateway.ChargeReceipt = &billing.ChargeReceipt{Confirmed: false}
			},
			wantCode:    domain.EPAYMENT,
			wantInvoice: domain.InvoicePending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			sub := newPaid(domain.TierBasic, domain.CycleMonthly, periodStart)
			tt.setup(h, sub)
			academyID := h.store.seed(sub)

			_, err := h.subscriptions().ChangeTier(context.Background(), academyID, domain.TierPro)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.ErrorCode(err))
			if tt.reason != "" {
				assert.Equal(t, tt.reason, domain.RejectionReason(err))
			}

			got := h.store.subscription(academyID)
			assert.Equal(t, domain.TierBasic, got.Tier, "the tier changes only once the charge is paid")

			if tt.wantInvoice == "" {
				assert.Empty(t, h.store.invoices)
				return
			}
			require.Len(t, h.store.invoices, 1)
			for _, row := range h.store.invoices {
				inv := rowToInvoice(row)
				assert.Equal(t, tt.wantInvoice, inv.Status)
				assert.Equal(t, domain.InvoiceUpgrade, inv.Kind)
				assert.Equal(t, domain.TierPro, inv.Tier)
				assert.Equal(t, domain.Money(70_968), inv.Amount)
			}
		})
	}
}

func TestChangeTier_UpgradeRecoversSplitFailure(t *testing.T) {
	h := newHarness(t)
	academyID := h.store.seed(newPaid(domain.TierBasic, domain.CycleMonthly, periodStart))
	h.store.upsertFailures = 1

	res, err := h.subscriptions().ChangeTier(context.Background(), academyID, domain.TierPro)
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, res.Subscription.Tier)
	assert.Equal(t, 1, h.gateway.ChargeCalls, "only the local write is retried")
	require.Len(t, h.store.invoices, 1)
	inv, ok := h.store.invoice(res.Invoice.PaymentID)
	require.True(t, ok)
	assert.Equal(t, domain.InvoicePaid, inv.Status)
}

func TestChangeTier_UnconfirmedUpgradeSettledByWebhook(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name:  "accepted but unconfirmed",
			setup: func(h *harness) { h.gateway.ChargeReceipt = &billing.ChargeReceipt{Confirmed: false} },
		},
		{
			name:  "timeout",
			setup: func(h *harness) { h.gateway.ChargeError = billing.ErrTimeout },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			academyID := h.store.seed(newPaid(domain.TierBasic, domain.CycleMonthly, periodStart))
			tt.setup(h)

			_, err := h.subscriptions().ChangeTier(context.Background(), academyID, domain.TierPro)
			require.Error(t, err)
			require.Len(t, h.store.invoices, 1)
			var paymentID string
			for id := range h.store.invoices {
				paymentID = id
			}

			h.gateway.WebhookEvent = event("evt_late", domain.EventChargeSucceeded, paymentID, 70_968)
			res, err := h.webhooks(nil, nil).Handle(context.Background(), http.Header{}, []byte(`{}`))
			require.NoError(t, err)
			assert.Equal(t, WebhookApplied, res)

			got := h.store.subscription(academyID)
			assert.Equal(t, domain.TierPro, got.Tier)
			assert.Equal(t, domain.Money(150_000), got.MonthlyAmount)
			assert.Equal(t, periodStart.AddDate(0, 1, 0), got.CurrentPeriodEnd)
			inv, _ := h.store.invoice(paymentID)
			assert.Equal(t, domain.InvoicePaid, inv.Status)
		})
	}
}

func TestChangeTier_OpenChargeBlocksAnother(t *testing.T) {
	h := newHarness(t)
	academyID := h.store.seed(newPaid(domain.TierBasic, domain.CycleMonthly, periodStart))
	h.gateway.ChargeReceipt = &billing.ChargeReceipt{Confirmed: false}
	svc := h.subscriptions()

	_, err := svc.ChangeTier(context.Background(), academyID, domain.TierPro)
	require.Error(t, err)

	h.gateway.ChargeReceipt = nil
	_, err = svc.ChangeTier(context.Background(), academyID, domain.TierPro)
	require.Error(t, err)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	assert.Equal(t, 1, h.gateway.ChargeCalls)

	// Once the window passes a new attempt goes through.
	for id, row := range h.store.invoices {
		row.CreatedAt = testNow.Add(-openChargeWindow)
		h.store.invoices[id] = row
	}
	h.now = testNow.Add(time.Minute)
	_, err = svc.ChangeTier(context.Background(), academyID, domain.TierPro)
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, h.store.subscription(academyID).Tier)
}

func TestChangeTier_UpgradeDuringTrial(t *testing.T) {
	h := newHarness(t)
	sub := newPaid(domain.TierBasic, domain.CycleMonthly, periodStart)
	trialEnd := periodStart.AddDate(0, 0, 14)
	sub.Status = domain.StatusTrialing
	sub.TrialEndsAt = &trialEnd
	sub.CurrentPeriodEnd = trialEnd
	sub.NextBillingDate = trialEnd
	academyID := h.store.seed(sub)

	res, err := h.subscriptions().ChangeTier(context.Background(), academyID, domain.TierPro)
	require.NoError(t, err)

	assert.True(t, res.Immediate)
	assert.Zero(t, res.Charged)
	assert.Nil(t, res.Invoice)
	assert.Zero(t, h.gateway.ChargeCalls, "no paid period to prorate")
	assert.Empty(t, h.store.invoices)

	got := h.store.subscription(academyID)
	assert.Equal(t, domain.TierPro, got.Tier)
	assert.Equal(t, domain.StatusTrialing, got.Status)
	assert.Equal(t, trialEnd, got.NextBillingDate, "the trial end stays the first billing date")
}

func TestChangeTier_Downgrade(t *testing.T) {
	h := newHarness(t)
	sub := withAddOns(t, newPaid(domain.TierPro, domain.CycleMonthly, periodStart), domain.AddOnDelta{Students: 10})
	academyID := h.store.seed(sub)
	h.addManager(academyID)
	h.store.setUsage(academyID, 6, 2, 3, 4)

	res, err := h.subscriptions().ChangeTier(context.Background(), academyID, domain.TierBasic)
	require.NoError(t, err)

	assert.False(t, res.Immediate)
	assert.Zero(t, h.gateway.ChargeCalls)

	got := h.store.subscription(academyID)
	assert.Equal(t, domain.TierPro, got.Tier, "current plan runs to period end")
	require.NotNil(t, got.Pending)
	assert.Equal(t, domain.PendingChange{
		Tier:          domain.TierBasic,
		MonthlyAmount: 50_000,
		EffectiveDate: periodStart.AddDate(0, 1, 0),
	}, *got.Pending)
	assert.Equal(t, []string{"downgrade_scheduled"}, h.mailer.kinds())
}

func TestChangeTier_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		current    domain.PlanTier
		status     domain.SubscriptionStatus
		target     domain.PlanTier
		usage      [4]int
		wantCode   string
		wantReason domain.Reason
		wantFields map[string]string
	}{
		{
			name:       "usage above target",
			current:    domain.TierPro,
			target:     domain.TierBasic,
			usage:      [4]int{25, 5, 12, 3},
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonBelowUsage,
			wantFields: map[string]string{"users": "30/10", "storage": "12GB/10GB"},
		},
		{
			name:       "same tier",
			current:    domain.TierBasic,
			target:     domain.TierBasic,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonNoChangesSelected,
		},
		{
			name:       "enterprise is sales led",
			current:    domain.TierPro,
			target:     domain.TierEnterprise,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonTierNotPurchasable,
		},
		{
			name:       "free academy must subscribe",
			current:    domain.TierFree,
			target:     domain.TierBasic,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonSubscriptionInactive,
		},
		{
			name:       "canceled subscription",
			current:    domain.TierBasic,
			status:     domain.StatusCanceled,
			target:     domain.TierPro,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonSubscriptionInactive,
		},
		{
			name:       "free is a cancellation",
			current:    domain.TierBasic,
			target:     domain.TierFree,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonTierNotPurchasable,
		},
		{
			name:     "unknown tier",
			current:  domain.TierBasic,
			target:   "platinum",
			wantCode: domain.EINVALID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			sub := newPaid(tt.current, domain.CycleMonthly, periodStart)
			if tt.status != "" {
				sub.Status = tt.status
			}
			academyID := h.store.seed(sub)
			h.store.setUsage(academyID, tt.usage[0], tt.usage[1], float64(tt.usage[2]), tt.usage[3])

			_, err := h.subscriptions().ChangeTier(context.Background(), academyID, tt.target)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.ErrorCode(err))
			assert.Equal(t, tt.wantReason, domain.RejectionReason(err))
			if tt.wantFields != nil {
				var ve *domain.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tt.wantFields, ve.Fields)
			}
			assert.Nil(t, h.store.subscription(academyID).Pending)
		})
	}
}

// =============================================================================
// Subscribe
// =============================================================================

func freeWithKey(academyID uuid.UUID) *domain.Subscription {
	sub, err := domain.NewSubscription(academyID, domain.TierFree, domain.CycleMonthly, periodStart)
	if err != nil {
		panic(err)
	}
	sub.BillingKey = "bk_test"
	issued := periodStart
	sub.BillingKeyIssuedAt = &issued
	return sub
}

func TestSubscribe_Charges(t *testing.T) {
	tests := []struct {
		name       string
		cycle      domain.BillingCycle
		wantAmount domain.Money
		wantEnd    time.Time
	}{
		{"monthly", domain.CycleMonthly, 50_000, testNow.AddDate(0, 1, 0)},
		{"yearly", domain.CycleYearly, 500_000, testNow.AddDate(1, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			academyID := h.store.seed(freeWithKey(uuid.New()))

			res, err := h.subscriptions().Subscribe(context.Background(), domain.SubscribeParams{
				AcademyID:    academyID,
				Tier:         domain.TierBasic,
				BillingCycle: tt.cycle,
			})
			require.NoError(t, err)

			assert.False(t, res.Trial)
			require.NotNil(t, res.Invoice)
			assert.Equal(t, domain.InvoiceInitial, res.Invoice.Kind)
			assert.Equal(t, tt.wantAmount, res.Invoice.Amount)

			got := h.store.subscription(academyID)
			assert.Equal(t, domain.TierBasic, got.Tier)
			assert.Equal(t, domain.StatusActive, got.Status)
			assert.Equal(t, testNow, got.CurrentPeriodStart)
			assert.Equal(t, tt.wantEnd, got.CurrentPeriodEnd)
			assert.Equal(t, domain.Money(50_000), got.MonthlyAmount)
		})
	}
}

func TestSubscribe_Trial(t *testing.T) {
	h := newHarness(t)
	h.opts.TrialDays = 14
	academyID := h.store.seed(freeWithKey(uuid.New()))

	res, err := h.subscriptions().Subscribe(context.Background(), domain.SubscribeParams{
		AcademyID:    academyID,
		Tier:         domain.TierPro,
		BillingCycle: domain.CycleMonthly,
	})
	require.NoError(t, err)

	assert.True(t, res.Trial)
	assert.Nil(t, res.Invoice)
	assert.Zero(t, h.gateway.ChargeCalls)

	got := h.store.subscription(academyID)
	assert.Equal(t, domain.StatusTrialing, got.Status)
	require.NotNil(t, got.TrialEndsAt)
	assert.Equal(t, testNow.AddDate(0, 0, 14), *got.TrialEndsAt)
	assert.Equal(t, *got.TrialEndsAt, got.NextBillingDate)
}

func TestSubscribe_SecondTimeCharges(t *testing.T) {
	h := newHarness(t)
	h.opts.TrialDays = 14
	sub := freeWithKey(uuid.New())
	used := periodStart.AddDate(0, -3, 0)
	sub.TrialEndsAt = &used
	academyID := h.store.seed(sub)

	res, err := h.subscriptions().Subscribe(context.Background(), domain.SubscribeParams{
		AcademyID:    academyID,
		Tier:         domain.TierBasic,
		BillingCycle: domain.CycleMonthly,
	})
	require.NoError(t, err)
	assert.False(t, res.Trial)
	assert.Equal(t, 1, h.gateway.ChargeCount())
}

func TestSubscribe_FailedCharge(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(h *harness)
		wantCode    string
		wantInvoice domain.InvoiceStatus
	}{
		{
			name: "declined",
			setup: func(h *harness) {
				h.gateway.ChargeError = &billing.GatewayError{Provider: "mock", Kind: billing.KindDeclined, Message: "card expired"}
			},
			wantCode:    domain.EPAYMENT,
			wantInvoice: domain.InvoiceFailed,
		},
		{
			name:        "timeout",
			setup:       func(h *harness) { h.gateway.ChargeError = billing.ErrTimeout },
			wantCode:    domain.ETIMEOUT,
			wantInvoice: domain.InvoicePending,
		},
		{
			name:        "accepted but unconfirmed",
			setup:       func(h *harness) { h.gateway.ChargeReceipt = &billing.ChargeReceipt{Confirmed: false} },
			wantCode:    domain.EPAYMENT,
			wantInvoice: domain.InvoicePending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			academyID := h.store.seed(freeWithKey(uuid.New()))
			tt.setup(h)

			_, err := h.subscriptions().Subscribe(context.Background(), domain.SubscribeParams{
				AcademyID:    academyID,
				Tier:         domain.TierBasic,
				BillingCycle: domain.CycleYearly,
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.ErrorCode(err))
			assert.Equal(t, domain.TierFree, h.store.subscription(academyID).Tier)

			require.Len(t, h.store.invoices, 1)
			for _, row := range h.store.invoices {
				inv := rowToInvoice(row)
				assert.Equal(t, tt.wantInvoice, inv.Status)
				assert.Equal(t, domain.InvoiceInitial, inv.Kind)
				assert.Equal(t, domain.Money(500_000), inv.Amount)
			}
		})
	}
}

func TestSubscribe_UnconfirmedChargeSettledByWebhook(t *testing.T) {
	h := newHarness(t)
	academyID := h.store.seed(freeWithKey(uuid.New()))
	h.gateway.ChargeReceipt = &billing.ChargeReceipt{Confirmed: false}

	_, err := h.subscriptions().Subscribe(context.Background(), domain.SubscribeParams{
		AcademyID:    academyID,
		Tier:         domain.TierPro,
		BillingCycle: domain.CycleYearly,
	})
	require.Error(t, err)
	require.Len(t, h.store.invoices, 1)
	var paymentID string
	for id := range h.store.invoices {
		paymentID = id
	}

	h.gateway.WebhookEvent = event("evt_initial", domain.EventChargeSucceeded, paymentID, 0)
	res, err := h.webhooks(nil, nil).Handle(context.Background(), http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res)

	got := h.store.subscription(academyID)
	assert.Equal(t, domain.TierPro, got.Tier)
	assert.Equal(t, domain.CycleYearly, got.BillingCycle)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, testNow, got.CurrentPeriodStart)
	assert.Equal(t, testNow.AddDate(1, 0, 0), got.NextBillingDate)
	assert.True(t, got.AutoRenew)
}

func TestSubscribe_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		seed       func(h *harness) uuid.UUID
		tier       domain.PlanTier
		wantCode   string
		wantReason domain.Reason
	}{
		{
			name:       "no subscription row",
			seed:       func(*harness) uuid.UUID { return uuid.New() },
			tier:       domain.TierBasic,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonNoBillingKey,
		},
		{
			name: "no billing key",
			seed: func(h *harness) uuid.UUID {
				sub := freeWithKey(uuid.New())
				sub.BillingKey = ""
				return h.store.seed(sub)
			},
			tier:       domain.TierBasic,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonNoBillingKey,
		},
		{
			name: "already subscribed",
			seed: func(h *harness) uuid.UUID {
				return h.store.seed(newPaid(domain.TierBasic, domain.CycleMonthly, periodStart))
			},
			tier:     domain.TierPro,
			wantCode: domain.ECONFLICT,
		},
		{
			name: "usage above plan",
			seed: func(h *harness) uuid.UUID {
				id := h.store.seed(freeWithKey(uuid.New()))
				h.store.setUsage(id, 11, 0, 0, 0)
				return id
			},
			tier:       domain.TierBasic,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonBelowUsage,
		},
		{
			name:     "free plan",
			seed:     func(h *harness) uuid.UUID { return h.store.seed(freeWithKey(uuid.New())) },
			tier:     domain.TierFree,
			wantCode: domain.EINVALID,
		},
		{
			name:       "enterprise",
			seed:       func(h *harness) uuid.UUID { return h.store.seed(freeWithKey(uuid.New())) },
			tier:       domain.TierEnterprise,
			wantCode:   domain.EREJECTED,
			wantReason: domain.ReasonTierNotPurchasable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			academyID := tt.seed(h)

			_, err := h.subscriptions().Subscribe(context.Background(), domain.SubscribeParams{
				AcademyID:    academyID,
				Tier:         tt.tier,
				BillingCycle: domain.CycleMonthly,
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.ErrorCode(err))
			assert.Equal(t, tt.wantReason, domain.RejectionReason(err))
			assert.Zero(t, h.gateway.ChargeCalls)
		})
	}
}

// =============================================================================
// Cancel / Reactivate
// =============================================================================

func TestCancelAndReactivate(t *testing.T) {
	h := newHarness(t)
	sub := newPaid(domain.TierPro, domain.CycleMonthly, periodStart)
	require.NoError(t, sub.ScheduleDowngrade(domain.TierBasic))
	academyID := h.store.seed(sub)
	svc := h.subscriptions()

	got, err := svc.Cancel(context.Background(), academyID)
	require.NoError(t, err)
	assert.False(t, got.AutoRenew)
	require.NotNil(t, got.CanceledAt)
	assert.Equal(t, testNow, *got.CanceledAt)
	assert.Nil(t, got.Pending, "cancel drops the scheduled downgrade")
	assert.Equal(t, domain.TierPro, got.Tier)

	// A second cancel changes nothing.
	again, err := svc.Cancel(context.Background(), academyID)
	require.NoError(t, err)
	assert.Equal(t, testNow, *again.CanceledAt)

	got, err = svc.Reactivate(context.Background(), academyID)
	require.NoError(t, err)
	assert.True(t, got.AutoRenew)
	assert.Nil(t, got.CanceledAt)
}

func TestReactivate_AfterPeriodEnd(t *testing.T) {
	h := newHarness(t)
	sub := newPaid(domain.TierBasic, domain.CycleMonthly, periodStart)
	sub.AutoRenew = false
	academyID := h.store.seed(sub)
	h.now = periodStart.AddDate(0, 1, 1)

	_, err := h.subscriptions().Reactivate(context.Background(), academyID)
	assert.True(t, domain.IsRejected(err, domain.ReasonSubscriptionInactive))
}

func TestCancel_FreePlan(t *testing.T) {
	h := newHarness(t)
	academyID := h.store.seed(freeWithKey(uuid.New()))

	_, err := h.subscriptions().Cancel(context.Background(), academyID)
	assert.True(t, domain.IsRejected(err, domain.ReasonSubscriptionInactive))
}

func TestListInvoices(t *testing.T) {
	h := newHarness(t)
	academyID := h.store.seed(newPaid(domain.TierBasic, domain.CycleMonthly, periodStart))
	svc := h.subscriptions()

	_, err := svc.ChangeTier(context.Background(), academyID, domain.TierPro)
	require.NoError(t, err)

	invoices, err := svc.ListInvoices(context.Background(), academyID, 0)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, domain.InvoiceUpgrade, invoices[0].Kind)
}

func TestPurchaseAddOns_ConcurrentReductions(t *testing.T) {
	h := newHarness(t)
	sub := withAddOns(t, newPaid(domain.TierBasic, domain.CycleMonthly, periodStart), domain.AddOnDelta{Students: 10})
	academyID := h.store.seed(sub)
	h.store.setUsage(academyID, 10, 2, 0, 1)
	svc := h.subscriptions()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.PurchaseAddOns(context.Background(), academyID, domain.AddOnDelta{Students: -5})
			errs <- err
		}()
	}

	var rejected int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			assert.True(t, domain.IsRejected(err, domain.ReasonBelowUsage))
			rejected++
		}
	}
	assert.Equal(t, 1, rejected, "only one reduction fits the usage floor")
	assert.Equal(t, 15, h.store.subscription(academyID).TotalUserLimit)
}
