package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DukeRupert/academy-billing/internal/billing/mock"
	"github.com/DukeRupert/academy-billing/internal/email"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/google/uuid"
)

// testNow is the fixed clock: nine days into a period that starts on the
// first of March.
var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	testNow     = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
)

type sentNotice struct {
	kind string
	to   string
	email.Notice
}

// recordingMailer captures notices instead of sending them.
type recordingMailer struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (m *recordingMailer) record(kind, to string, n email.Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentNotice{kind: kind, to: to, Notice: n})
	return nil
}

func (m *recordingMailer) SendPaymentFailed(_ context.Context, to, _ string, n email.Notice) error {
	return m.record("payment_failed", to, n)
}

func (m *recordingMailer) SendPaymentReceipt(_ context.Context, to, _ string, n email.Notice) error {
	return m.record("payment_receipt", to, n)
}

func (m *recordingMailer) SendDowngradeScheduled(_ context.Context, to, _ string, n email.Notice) error {
	return m.record("downgrade_scheduled", to, n)
}

func (m *recordingMailer) SendSubscriptionExpired(_ context.Context, to, _ string, n email.Notice) error {
	return m.record("subscription_expired", to, n)
}

func (m *recordingMailer) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.kind
	}
	return out
}

type harness struct {
	store   *fakeStore
	gateway *mock.Gateway
	mailer  *recordingMailer
	opts    Options
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newFakeStore(),
		gateway: mock.New(discardLogger()),
		mailer:  &recordingMailer{},
		now:     testNow,
	}
	h.opts = Options{
		GatewayTimeout: time.Second,
		Now:            func() time.Time { return h.now },
	}
	return h
}

func (h *harness) subscriptions() SubscriptionService {
	return NewSubscriptionService(h.store, h.gateway, h.mailer, h.opts, discardLogger())
}

func (h *harness) payments() PaymentMethodService {
	return NewPaymentMethodService(h.store, h.gateway, h.opts, discardLogger())
}

func (h *harness) renewals() RenewalService {
	return NewRenewalService(h.store, h.gateway, h.mailer, h.opts, discardLogger())
}

// addManager registers a primary manager so notices have a recipient.
func (h *harness) addManager(academyID uuid.UUID) repository.Manager {
	m := repository.Manager{
		UserID:    uuid.New(),
		AcademyID: academyID,
		Email:     "owner@academy.test",
		Name:      "Min-ji Kim",
		CreatedAt: periodStart,
	}
	h.store.managers[academyID] = m
	return m
}
